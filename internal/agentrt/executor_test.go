package agentrt

import (
	"context"
	"strings"
	"testing"
)

func TestJobGetHostnameReturnsNonEmpty(t *testing.T) {
	out, err := jobGetHostname(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("get_hostname: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty hostname")
	}
}

func TestJobGetSystemInfoReturnsJSON(t *testing.T) {
	out, err := jobGetSystemInfo(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("get_system_info: %v", err)
	}
	if !strings.Contains(out, "\"os\"") {
		t.Fatalf("expected os field in output, got %s", out)
	}
}

func TestJobShellCommandRunsAndCapturesOutput(t *testing.T) {
	out, err := jobShellCommand(context.Background(), []byte(`{"command":"echo","args":["hello"]}`), nil)
	if err != nil {
		t.Fatalf("shell_command: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("expected output to contain hello, got %q", out)
	}
}

func TestJobShellCommandRequiresCommand(t *testing.T) {
	if _, err := jobShellCommand(context.Background(), []byte(`{}`), nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestDefaultExecutorsRegistersBuiltins(t *testing.T) {
	ex := DefaultExecutors()
	for _, name := range []string{"get_hostname", "get_system_info", "shell_command"} {
		if _, ok := ex[name]; !ok {
			t.Fatalf("expected %q to be registered", name)
		}
	}
}
