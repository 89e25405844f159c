package subtasks_test

import (
	"testing"

	"github.com/webgfx/task-sub000/internal/subtasks"
)

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := subtasks.NewRegistry()
	if err := r.Register(subtasks.Kind{Name: "shell_command"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(subtasks.Kind{Name: "shell_command"}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestValidateEnforcesArgsSchema(t *testing.T) {
	r := subtasks.NewRegistry()
	err := r.Register(subtasks.Kind{
		Name: "shell_command",
		ArgsSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"cmd": map[string]any{"type": "string"}},
			"required":             []any{"cmd"},
			"additionalProperties": false,
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Validate("shell_command", []byte(`{"cmd":"echo hi"}`)); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
	if err := r.Validate("shell_command", []byte(`{"wrong":"field"}`)); err == nil {
		t.Fatalf("expected missing required field to fail validation")
	}
	if err := r.Validate("shell_command", []byte(`not json`)); err == nil {
		t.Fatalf("expected invalid JSON to fail validation")
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	r := subtasks.NewRegistry()
	if err := r.Validate("does_not_exist", []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown kind to fail validation")
	}
}

func TestLookupAndList(t *testing.T) {
	r := subtasks.NewRegistry()
	if err := r.Register(subtasks.Kind{Name: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(subtasks.Kind{Name: "b"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := r.Lookup("a"); !ok {
		t.Fatalf("expected to find kind a")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatalf("expected missing kind to not be found")
	}
	if got := len(r.List()); got != 2 {
		t.Fatalf("expected 2 kinds, got %d", got)
	}
}
