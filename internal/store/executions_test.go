package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/webgfx/task-sub000/internal/coordination"
	"github.com/webgfx/task-sub000/internal/store"
)

func createTestTask(t *testing.T, s *store.Store) (int64, int64) {
	t.Helper()
	r := testRegistry(t)
	taskID, err := s.CreateTask(context.Background(), r, store.TaskSpec{
		Name:     "t",
		Subtasks: []store.SubtaskSpec{{Name: "shell_command", TargetAgent: "worker-1", Order: 0}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	subs, err := s.GetSubtasks(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get subtasks: %v", err)
	}
	return taskID, subs[0].ID
}

func TestCreateExecutionEnforcesAtMostOneNonTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, subtaskID := createTestTask(t, s)

	if _, err := s.CreateExecution(ctx, taskID, subtaskID, "shell_command", 0, "worker-1", 0); err != nil {
		t.Fatalf("first execution: %v", err)
	}

	_, err := s.CreateExecution(ctx, taskID, subtaskID, "shell_command", 0, "worker-1", 1)
	if !coordination.Is(err, coordination.KindConflict) {
		t.Fatalf("expected Conflict for a second non-terminal execution, got %v", err)
	}
}

func TestCreateExecutionAllowsRetryAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, subtaskID := createTestTask(t, s)

	execID, err := s.CreateExecution(ctx, taskID, subtaskID, "shell_command", 0, "worker-1", 0)
	if err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if err := s.UpdateExecution(ctx, execID, store.ExecutionStatusFailed, time.Now(), "", "boom", nil); err != nil {
		t.Fatalf("fail execution: %v", err)
	}

	if _, err := s.CreateExecution(ctx, taskID, subtaskID, "shell_command", 0, "worker-1", 1); err != nil {
		t.Fatalf("expected retry execution to succeed after the prior attempt terminated, got %v", err)
	}
}

func TestUpdateExecutionIsIdempotentOnRepeatedTerminalCallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, subtaskID := createTestTask(t, s)

	execID, err := s.CreateExecution(ctx, taskID, subtaskID, "shell_command", 0, "worker-1", 0)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	now := time.Now()
	dur := 1.5
	if err := s.UpdateExecution(ctx, execID, store.ExecutionStatusRunning, now, "", "", nil); err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if err := s.UpdateExecution(ctx, execID, store.ExecutionStatusCompleted, now, "ok", "", &dur); err != nil {
		t.Fatalf("complete execution: %v", err)
	}
	// A duplicate result delivery for an already-terminal execution must be
	// a silent no-op, not an error.
	if err := s.UpdateExecution(ctx, execID, store.ExecutionStatusFailed, now, "", "late duplicate", nil); err != nil {
		t.Fatalf("expected duplicate terminal callback to be a no-op, got %v", err)
	}

	exec, err := s.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != store.ExecutionStatusCompleted {
		t.Fatalf("expected status to remain COMPLETED, got %s", exec.Status)
	}
}

func TestCancelPendingExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, subtaskID := createTestTask(t, s)

	if _, err := s.CreateExecution(ctx, taskID, subtaskID, "shell_command", 0, "worker-1", 0); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	n, err := s.CancelPendingExecutions(ctx, taskID, time.Now())
	if err != nil {
		t.Fatalf("cancel pending executions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 execution cancelled, got %d", n)
	}

	execs, err := s.ExecutionsForTask(ctx, taskID)
	if err != nil {
		t.Fatalf("executions for task: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != store.ExecutionStatusCancelled {
		t.Fatalf("expected cancelled execution, got %+v", execs)
	}
}

func TestExecutionsForAgentOnlyReturnsNonTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, subtaskID := createTestTask(t, s)

	execID, err := s.CreateExecution(ctx, taskID, subtaskID, "shell_command", 0, "worker-1", 0)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	active, err := s.ExecutionsForAgent(ctx, "worker-1")
	if err != nil {
		t.Fatalf("executions for agent: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active execution, got %d", len(active))
	}

	if err := s.UpdateExecution(ctx, execID, store.ExecutionStatusRunning, time.Now(), "", "", nil); err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if err := s.UpdateExecution(ctx, execID, store.ExecutionStatusCompleted, time.Now(), "ok", "", nil); err != nil {
		t.Fatalf("complete execution: %v", err)
	}

	active, err = s.ExecutionsForAgent(ctx, "worker-1")
	if err != nil {
		t.Fatalf("executions for agent: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected 0 active executions after completion, got %d", len(active))
	}
}
