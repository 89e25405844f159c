// Package dispatch implements the Dispatcher (C5): stateless transmission
// of one subtask to one agent over the outbound room transport.
// The authoritative record of an attempt is always the
// SubtaskExecution row in the Store — the Dispatcher itself holds no state.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/webgfx/task-sub000/internal/store"
)

// Transport delivers a JSON envelope to the room keyed by agentName and
// reports whether the agent's channel accepted it (at-most-once per
// send, synchronous failure if not currently connected).
type Transport interface {
	Send(ctx context.Context, agentName, kind string, payload any) error
}

// Dispatcher sends subtask_dispatch envelopes and records the resulting
// execution transition.
type Dispatcher struct {
	store     *store.Store
	transport Transport
	logger    *slog.Logger
}

// New builds a Dispatcher.
func New(st *store.Store, transport Transport, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, transport: transport, logger: logger}
}

// subtaskDispatchPayload is the wire shape of a subtask_dispatch envelope.
type subtaskDispatchPayload struct {
	TaskID      int64  `json:"task_id"`
	SubtaskID   int64  `json:"subtask_id"`
	SubtaskName string `json:"subtask_name"`
	Order       int    `json:"order"`
	Args        string `json:"args"`
	Kwargs      string `json:"kwargs"`
	Timeout     int    `json:"timeout"`
}

// Dispatch transmits subtask on behalf of task to agentName and, only on
// confirmed transport delivery, transitions execID's row to RUNNING. On
// transport failure it returns the error unchanged — the caller (Scheduler)
// is responsible for rolling back the PENDING row and the agent assignment
// and retrying on a later tick.
func (d *Dispatcher) Dispatch(ctx context.Context, execID int64, agentName string, task store.Task, subtask store.Subtask) error {
	payload := subtaskDispatchPayload{
		TaskID:      task.ID,
		SubtaskID:   subtask.ID,
		SubtaskName: subtask.Name,
		Order:       subtask.Order,
		Args:        subtask.Args,
		Kwargs:      subtask.Kwargs,
		Timeout:     subtask.TimeoutSeconds,
	}

	if err := d.transport.Send(ctx, agentName, "subtask_dispatch", payload); err != nil {
		d.logger.Warn("dispatch: transport delivery failed",
			"agent", agentName, "task_id", task.ID, "subtask", subtask.Name, "error", err)
		return fmt.Errorf("dispatch to %q: %w", agentName, err)
	}

	if err := d.store.UpdateExecution(ctx, execID, store.ExecutionStatusRunning, time.Now(), "", "", nil); err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	return nil
}
