package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/webgfx/task-sub000/internal/coordination"
	"github.com/webgfx/task-sub000/internal/store"
	"github.com/webgfx/task-sub000/internal/subtasks"
)

func testRegistry(t *testing.T) *subtasks.Registry {
	t.Helper()
	r := subtasks.NewRegistry()
	if err := r.Register(subtasks.Kind{Name: "shell_command", Description: "run a shell command"}); err != nil {
		t.Fatalf("register kind: %v", err)
	}
	return r
}

func TestCreateTaskAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := testRegistry(t)

	id, err := s.CreateTask(ctx, r, store.TaskSpec{
		Name:      "nightly-build",
		CreatedBy: "ops",
		Subtasks: []store.SubtaskSpec{
			{Name: "shell_command", TargetAgent: "worker-1", Order: 0, Args: `{"cmd":"make build"}`},
		},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task == nil {
		t.Fatalf("expected task to exist")
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("expected PENDING status, got %s", task.Status)
	}

	subs, err := s.GetSubtasks(ctx, id)
	if err != nil {
		t.Fatalf("get subtasks: %v", err)
	}
	if len(subs) != 1 || subs[0].Name != "shell_command" {
		t.Fatalf("expected one shell_command subtask, got %+v", subs)
	}
}

func TestCreateTaskRejectsUnknownSubtaskKind(t *testing.T) {
	s := openTestStore(t)
	r := testRegistry(t)

	_, err := s.CreateTask(context.Background(), r, store.TaskSpec{
		Name: "bad-task",
		Subtasks: []store.SubtaskSpec{
			{Name: "does_not_exist", TargetAgent: "worker-1", Order: 0},
		},
	})
	if !coordination.Is(err, coordination.KindInvalidInput) {
		t.Fatalf("expected InvalidInput error, got %v", err)
	}
}

func TestCreateTaskRejectsMalformedCronExpression(t *testing.T) {
	s := openTestStore(t)
	r := testRegistry(t)

	_, err := s.CreateTask(context.Background(), r, store.TaskSpec{
		Name:           "bad-cron",
		CronExpression: "not a cron expression",
		Subtasks: []store.SubtaskSpec{
			{Name: "shell_command", TargetAgent: "worker-1", Order: 0},
		},
	})
	if !coordination.Is(err, coordination.KindInvalidInput) {
		t.Fatalf("expected InvalidInput error, got %v", err)
	}
}

func TestCreateTaskAcceptsValidCronExpression(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := testRegistry(t)

	id, err := s.CreateTask(ctx, r, store.TaskSpec{
		Name:           "nightly-cron",
		CronExpression: "0 2 * * *",
		Subtasks: []store.SubtaskSpec{
			{Name: "shell_command", TargetAgent: "worker-1", Order: 0},
		},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.CronExpression != "0 2 * * *" {
		t.Fatalf("expected cron_expression to persist, got %q", task.CronExpression)
	}
}

func TestCreateTaskRequiresAtLeastOneSubtask(t *testing.T) {
	s := openTestStore(t)
	r := testRegistry(t)

	_, err := s.CreateTask(context.Background(), r, store.TaskSpec{Name: "empty-task"})
	if !coordination.Is(err, coordination.KindInvalidInput) {
		t.Fatalf("expected InvalidInput error, got %v", err)
	}
}

func TestUpdateTaskStatusIsIdempotentAndTransitionChecked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := testRegistry(t)

	id, err := s.CreateTask(ctx, r, store.TaskSpec{
		Name: "t1",
		Subtasks: []store.SubtaskSpec{
			{Name: "shell_command", TargetAgent: "worker-1", Order: 0},
		},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	now := time.Now()
	if err := s.UpdateTaskStatus(ctx, id, store.TaskStatusRunning, now, "", ""); err != nil {
		t.Fatalf("transition to RUNNING: %v", err)
	}
	// Idempotent re-application of the same status must succeed.
	if err := s.UpdateTaskStatus(ctx, id, store.TaskStatusRunning, now, "", ""); err != nil {
		t.Fatalf("idempotent re-transition: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, id, store.TaskStatusCompleted, now, "ok", ""); err != nil {
		t.Fatalf("transition to COMPLETED: %v", err)
	}

	// COMPLETED -> RUNNING is illegal (terminal states are absorbing).
	err = s.UpdateTaskStatus(ctx, id, store.TaskStatusRunning, now, "", "")
	if !coordination.Is(err, coordination.KindInvalidInput) {
		t.Fatalf("expected illegal transition error, got %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected task to remain COMPLETED, got %s", task.Status)
	}
}

func TestUpdateTaskStatusNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateTaskStatus(context.Background(), 9999, store.TaskStatusRunning, time.Now(), "", "")
	if !coordination.Is(err, coordination.KindNotFound) {
		t.Fatalf("expected NotFound error, got %v", err)
	}
}

func TestDeleteTaskCascadesToSubtasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := testRegistry(t)

	id, err := s.CreateTask(ctx, r, store.TaskSpec{
		Name: "to-delete",
		Subtasks: []store.SubtaskSpec{
			{Name: "shell_command", TargetAgent: "worker-1", Order: 0},
		},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := s.DeleteTask(ctx, id); err != nil {
		t.Fatalf("delete task: %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task after delete: %v", err)
	}
	if task != nil {
		t.Fatalf("expected task to be gone, got %+v", task)
	}

	subs, err := s.GetSubtasks(ctx, id)
	if err != nil {
		t.Fatalf("get subtasks after delete: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected cascaded subtask deletion, got %+v", subs)
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := testRegistry(t)

	for i := 0; i < 3; i++ {
		if _, err := s.CreateTask(ctx, r, store.TaskSpec{
			Name:     "t",
			Subtasks: []store.SubtaskSpec{{Name: "shell_command", TargetAgent: "worker-1", Order: 0}},
		}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	pending, err := s.ListTasks(ctx, store.TaskStatusPending)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", len(pending))
	}

	running, err := s.ListTasks(ctx, store.TaskStatusRunning)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected 0 running tasks, got %d", len(running))
	}
}
