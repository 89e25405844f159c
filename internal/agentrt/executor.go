package agentrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// Job implements one subtask kind's actual behaviour on the machine. It
// receives the raw args/kwargs JSON the controller validated against the
// kind's schema and returns a result string or an error. The
// implementation of a kind lives only in the agent runtime.
type Job func(ctx context.Context, argsJSON, kwargsJSON []byte) (string, error)

// Executors is the agent-local closed set of job implementations, keyed by
// subtask kind name. It mirrors, but is independent from, the controller's
// subtasks.Registry — the controller only ever validates {kind, args}
// shape; this map is what actually runs them.
type Executors map[string]Job

// DefaultExecutors returns the built-in job set: get_hostname,
// get_system_info, and shell_command.
func DefaultExecutors() Executors {
	return Executors{
		"get_hostname":    jobGetHostname,
		"get_system_info": jobGetSystemInfo,
		"shell_command":   jobShellCommand,
	}
}

func jobGetHostname(context.Context, []byte, []byte) (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	return name, nil
}

func jobGetSystemInfo(context.Context, []byte, []byte) (string, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	info := map[string]any{
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"num_cpu":     runtime.NumCPU(),
		"alloc_bytes": mem.Alloc,
	}
	b, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal system info: %w", err)
	}
	return string(b), nil
}

type shellCommandArgs struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func jobShellCommand(ctx context.Context, argsJSON, _ []byte) (string, error) {
	var a shellCommandArgs
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &a); err != nil {
			return "", fmt.Errorf("shell_command args: %w", err)
		}
	}
	if a.Command == "" {
		return "", fmt.Errorf("shell_command requires a non-empty command")
	}

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("command failed: %w", err)
	}
	return out.String(), nil
}
