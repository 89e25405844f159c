package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/webgfx/task-sub000/internal/bus"
	"github.com/webgfx/task-sub000/internal/coordination"
	"github.com/webgfx/task-sub000/internal/subtasks"
)

var taskCronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// CreateTask validates and persists a new task with its embedded subtask
// definitions. Subtask kinds are validated against registry; a non-empty
// cron_expression is parsed here so a malformed schedule is rejected at
// creation time rather than silently never firing.
func (s *Store) CreateTask(ctx context.Context, registry *subtasks.Registry, spec TaskSpec) (int64, error) {
	if spec.Name == "" {
		return 0, coordination.New(coordination.KindInvalidInput, "task name must be non-empty")
	}
	if len(spec.Subtasks) == 0 {
		return 0, coordination.New(coordination.KindInvalidInput, "task must have at least one subtask")
	}
	if spec.CronExpression != "" {
		if _, err := taskCronParser.Parse(spec.CronExpression); err != nil {
			return 0, coordination.Wrap(coordination.KindInvalidInput,
				fmt.Sprintf("invalid cron_expression %q", spec.CronExpression), err)
		}
	}
	seenOrder := make(map[string]map[int]struct{})
	for _, st := range spec.Subtasks {
		if _, ok := registry.Lookup(st.Name); !ok {
			return 0, coordination.Wrap(coordination.KindInvalidInput,
				fmt.Sprintf("subtask %q references unknown kind", st.Name), coordination.ErrUnknownKind)
		}
		if err := registry.Validate(st.Name, []byte(st.Args)); err != nil {
			return 0, coordination.Wrap(coordination.KindInvalidInput, "invalid subtask args", err)
		}
		byAgent := seenOrder[st.TargetAgent]
		if byAgent == nil {
			byAgent = make(map[int]struct{})
			seenOrder[st.TargetAgent] = byAgent
		}
		if _, dup := byAgent[st.Order]; dup {
			return 0, coordination.New(coordination.KindInvalidInput,
				fmt.Sprintf("duplicate order %d for agent %q", st.Order, st.TargetAgent))
		}
		byAgent[st.Order] = struct{}{}
	}

	recipientsJSON, err := json.Marshal(spec.EmailRecipients)
	if err != nil {
		return 0, fmt.Errorf("marshal email recipients: %w", err)
	}

	var taskID int64
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO tasks (name, description, created_by, schedule_time, cron_expression,
				max_retries, send_email, email_recipients, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, spec.Name, spec.Description, spec.CreatedBy, spec.ScheduleTime, nullIfEmpty(spec.CronExpression),
			spec.MaxRetries, spec.SendEmail, string(recipientsJSON), TaskStatusPending)
		if execErr != nil {
			return fmt.Errorf("insert task: %w", execErr)
		}
		taskID, execErr = res.LastInsertId()
		if execErr != nil {
			return execErr
		}

		for _, st := range spec.Subtasks {
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO subtasks (task_id, name, target_agent, order_index, args, kwargs,
					timeout_seconds, max_retries, stop_on_failure, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, taskID, st.Name, st.TargetAgent, st.Order, nonEmptyJSON(st.Args), nonEmptyJSON(st.Kwargs),
				st.TimeoutSeconds, st.MaxRetries, st.StopOnFailure); execErr != nil {
				return fmt.Errorf("insert subtask: %w", execErr)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, taskID)
	}
	return taskID, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// UpdateTaskStatus applies an idempotent, legality-checked status
// transition. ts is the effective timestamp for started_at /
// completed_at. result/error are only meaningful on terminal transitions.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID int64, status TaskStatus, ts time.Time, result, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if scanErr := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return coordination.New(coordination.KindNotFound, fmt.Sprintf("task %d not found", taskID))
			}
			return fmt.Errorf("lookup task: %w", scanErr)
		}

		if current == status {
			return tx.Commit() // idempotent no-op
		}
		if !canTransitionTask(current, status) {
			return coordination.Wrap(coordination.KindInvalidInput,
				fmt.Sprintf("illegal task transition %s -> %s", current, status), coordination.ErrIllegalTransition)
		}

		switch status {
		case TaskStatusRunning:
			if _, execErr := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ? WHERE id = ?;`, status, ts, taskID); execErr != nil {
				return execErr
			}
		case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, completed_at = ?, result = ?, error = ? WHERE id = ?;
			`, status, ts, result, errMsg, taskID); execErr != nil {
				return execErr
			}
		default:
			if _, execErr := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?;`, status, taskID); execErr != nil {
				return execErr
			}
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return commitErr
		}

		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
				TaskID: fmt.Sprint(taskID), OldStatus: string(current), NewStatus: string(status),
			})
			if status == TaskStatusCompleted || status == TaskStatusFailed || status == TaskStatusCancelled {
				verdict := string(status)
				s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: fmt.Sprint(taskID), Verdict: verdict})
			}
		}
		return nil
	})
}

// GetTask returns a task by ID, or nil if not found.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, schedule_time, cron_expression, max_retries,
			send_email, email_recipients, status, result, error, created_at, started_at,
			completed_at, last_run_at, next_run_at
		FROM tasks WHERE id = ?;
	`, taskID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by creation time, optionally filtered by
// status.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus) ([]Task, error) {
	query := `
		SELECT id, name, description, created_by, schedule_time, cron_expression, max_retries,
			send_email, email_recipients, status, result, error, created_at, started_at,
			completed_at, last_run_at, next_run_at
		FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetSubtasks returns the subtask definitions of a task, ordered ascending
// by Order ("execution order per agent is ascending order").
func (s *Store) GetSubtasks(ctx context.Context, taskID int64) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, name, target_agent, order_index, args, kwargs, timeout_seconds,
			max_retries, stop_on_failure, created_at
		FROM subtasks WHERE task_id = ? ORDER BY order_index ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get subtasks: %w", err)
	}
	defer rows.Close()

	var out []Subtask
	for rows.Next() {
		var st Subtask
		var stopOnFailure int
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Name, &st.TargetAgent, &st.Order, &st.Args, &st.Kwargs,
			&st.TimeoutSeconds, &st.MaxRetries, &stopOnFailure, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		st.StopOnFailure = stopOnFailure != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteTask removes a task and cascades to its subtasks and executions
// (FK ON DELETE CASCADE).
func (s *Store) DeleteTask(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coordination.New(coordination.KindNotFound, fmt.Sprintf("task %d not found", taskID))
	}
	return nil
}

// SetScheduleRun updates a cron task's last/next fire bookkeeping.
func (s *Store) SetScheduleRun(ctx context.Context, taskID int64, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_run_at = ?, next_run_at = ? WHERE id = ?;`, lastRun, nextRun, taskID)
	if err != nil {
		return fmt.Errorf("set schedule run: %w", err)
	}
	return nil
}

// DueCronTasks returns cron-recurring task definitions whose next_run_at is
// due, i.e. templates (identified by a non-null cron_expression) the
// Scheduler should fire. The original task row doubles as the template: the
// Scheduler creates a fresh task instance with the same subtask definitions
// rather than reusing this row's own id ("overlapping firings are
// forbidden if the previous instance has not reached terminal").
func (s *Store) DueCronTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_by, schedule_time, cron_expression, max_retries,
			send_email, email_recipients, status, result, error, created_at, started_at,
			completed_at, last_run_at, next_run_at
		FROM tasks
		WHERE cron_expression IS NOT NULL AND (next_run_at IS NULL OR next_run_at <= ?);
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due cron tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var scheduleTime, startedAt, completedAt, lastRunAt, nextRunAt sql.NullTime
	var cronExpr, result, errMsg sql.NullString
	var recipientsJSON string
	var sendEmail int

	if err := scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &scheduleTime, &cronExpr, &t.MaxRetries,
		&sendEmail, &recipientsJSON, &t.Status, &result, &errMsg, &t.CreatedAt, &startedAt,
		&completedAt, &lastRunAt, &nextRunAt); err != nil {
		return nil, err
	}

	t.SendEmail = sendEmail != 0
	t.CronExpression = cronExpr.String
	t.Result = result.String
	t.Error = errMsg.String
	_ = json.Unmarshal([]byte(recipientsJSON), &t.EmailRecipients)
	if scheduleTime.Valid {
		v := scheduleTime.Time
		t.ScheduleTime = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if lastRunAt.Valid {
		v := lastRunAt.Time
		t.LastRunAt = &v
	}
	if nextRunAt.Valid {
		v := nextRunAt.Time
		t.NextRunAt = &v
	}
	return &t, nil
}
