package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/webgfx/task-sub000/internal/bus"
	"github.com/webgfx/task-sub000/internal/coordination"
)

// CreateExecution inserts a new PENDING execution row for one (task,
// subtask, agent) attempt. The partial unique index
// idx_executions_active_unique enforces the at-most-one-non-terminal
// invariant — a constraint violation here surfaces as a Conflict, not
// a crash.
func (s *Store) CreateExecution(ctx context.Context, taskID, subtaskID int64, subtaskName string, order int, agentName string, attemptIndex int) (int64, error) {
	var execID int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO subtask_executions (task_id, subtask_id, subtask_name, order_index, agent_name,
				attempt_index, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, subtaskID, subtaskName, order, agentName, attemptIndex, ExecutionStatusPending)
		if execErr != nil {
			if isUniqueConstraint(execErr) {
				return coordination.Wrap(coordination.KindConflict,
					fmt.Sprintf("subtask %q already has a non-terminal execution on %q", subtaskName, agentName), execErr)
			}
			return fmt.Errorf("insert execution: %w", execErr)
		}
		execID, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return 0, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicSubtaskDispatched, bus.SubtaskCompletedEvent{
			TaskID: fmt.Sprint(taskID), ExecutionID: execID, SubtaskName: subtaskName,
			AgentName: agentName, Status: string(ExecutionStatusPending),
		})
	}
	return execID, nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpdateExecution applies an idempotent, legality-checked transition on a
// SubtaskExecution row. ts is used for started_at/completed_at
// depending on the target status; result/error/durationSeconds are only
// meaningful on RUNNING (started_at) and terminal (completed_at, result,
// error, execution_seconds) transitions.
func (s *Store) UpdateExecution(ctx context.Context, execID int64, status ExecutionStatus, ts time.Time, result, errMsg string, durationSeconds *float64) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		var current ExecutionStatus
		var taskID int64
		var subtaskName, agentName string
		if scanErr := tx.QueryRowContext(ctx, `
			SELECT status, task_id, subtask_name, agent_name FROM subtask_executions WHERE id = ?;
		`, execID).Scan(&current, &taskID, &subtaskName, &agentName); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return coordination.New(coordination.KindNotFound, fmt.Sprintf("execution %d not found", execID))
			}
			return fmt.Errorf("lookup execution: %w", scanErr)
		}

		if current == status {
			return tx.Commit() // idempotent no-op, guards duplicate result callbacks
		}
		if isTerminalExecution(current) {
			// Already terminal: a late/duplicate callback. Treat as a no-op
			// rather than an error so retried result deliveries are safe.
			return tx.Commit()
		}
		if !canTransitionExecution(current, status) {
			return coordination.Wrap(coordination.KindInvalidInput,
				fmt.Sprintf("illegal execution transition %s -> %s", current, status), coordination.ErrIllegalTransition)
		}

		switch status {
		case ExecutionStatusRunning:
			if _, execErr := tx.ExecContext(ctx, `UPDATE subtask_executions SET status = ?, started_at = ? WHERE id = ?;`, status, ts, execID); execErr != nil {
				return execErr
			}
		default: // terminal
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE subtask_executions SET status = ?, completed_at = ?, result = ?, error = ?, execution_seconds = ?
				WHERE id = ?;
			`, status, ts, result, errMsg, durationSeconds, execID); execErr != nil {
				return execErr
			}
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return commitErr
		}

		if s.bus != nil {
			s.bus.Publish(bus.TopicSubtaskUpdated, bus.SubtaskCompletedEvent{
				TaskID: fmt.Sprint(taskID), ExecutionID: execID, SubtaskName: subtaskName,
				AgentName: agentName, Status: string(status),
			})
			if isTerminalExecution(status) {
				s.bus.Publish(bus.TopicSubtaskCompleted, bus.SubtaskCompletedEvent{
					TaskID: fmt.Sprint(taskID), ExecutionID: execID, SubtaskName: subtaskName,
					AgentName: agentName, Status: string(status),
				})
			}
		}
		return nil
	})
}

// CancelPendingExecutions transitions every non-terminal execution of a task
// to CANCELLED. Returns the number of rows affected.
func (s *Store) CancelPendingExecutions(ctx context.Context, taskID int64, ts time.Time) (int, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE subtask_executions SET status = ?, completed_at = ?, error = 'cancelled'
			WHERE task_id = ? AND status IN ('PENDING', 'RUNNING');
		`, ExecutionStatusCancelled, ts, taskID)
		if execErr != nil {
			return fmt.Errorf("cancel pending executions: %w", execErr)
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteExecution removes a single execution row outright — used for
// cancelling a PENDING attempt that was never dispatched, as
// opposed to UpdateExecution's terminal transition which keeps the row for
// audit.
func (s *Store) DeleteExecution(ctx context.Context, execID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subtask_executions WHERE id = ? AND status = ?;`, execID, ExecutionStatusPending)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coordination.New(coordination.KindNotFound, fmt.Sprintf("no PENDING execution %d to delete", execID))
	}
	return nil
}

// GetExecution returns an execution row by ID, or nil if not found.
func (s *Store) GetExecution(ctx context.Context, execID int64) (*SubtaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, subtask_id, subtask_name, order_index, agent_name, attempt_index, status,
			result, error, started_at, completed_at, execution_seconds, created_at
		FROM subtask_executions WHERE id = ?;
	`, execID)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ExecutionsForTask returns all execution rows for a task, ordered by
// order_index then attempt_index, for completion-predicate evaluation.
func (s *Store) ExecutionsForTask(ctx context.Context, taskID int64) ([]SubtaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, subtask_id, subtask_name, order_index, agent_name, attempt_index, status,
			result, error, started_at, completed_at, execution_seconds, created_at
		FROM subtask_executions WHERE task_id = ? ORDER BY order_index ASC, attempt_index ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("executions for task: %w", err)
	}
	defer rows.Close()

	var out []SubtaskExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ExecutionsForAgent returns all non-terminal execution rows assigned to an
// agent, used to re-derive its Presence/BUSY state and to recover in-flight
// work after a controller restart.
func (s *Store) ExecutionsForAgent(ctx context.Context, agentName string) ([]SubtaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, subtask_id, subtask_name, order_index, agent_name, attempt_index, status,
			result, error, started_at, completed_at, execution_seconds, created_at
		FROM subtask_executions WHERE agent_name = ? AND status IN ('PENDING', 'RUNNING')
		ORDER BY order_index ASC;
	`, agentName)
	if err != nil {
		return nil, fmt.Errorf("executions for agent: %w", err)
	}
	defer rows.Close()

	var out []SubtaskExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanExecution(scan func(dest ...any) error) (*SubtaskExecution, error) {
	var e SubtaskExecution
	var startedAt, completedAt sql.NullTime
	var result, errMsg sql.NullString
	var durationSeconds sql.NullFloat64

	if err := scan(&e.ID, &e.TaskID, &e.SubtaskID, &e.SubtaskName, &e.Order, &e.AgentName, &e.AttemptIndex,
		&e.Status, &result, &errMsg, &startedAt, &completedAt, &durationSeconds, &e.CreatedAt); err != nil {
		return nil, err
	}

	e.Result = result.String
	e.Error = errMsg.String
	if startedAt.Valid {
		v := startedAt.Time
		e.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		e.CompletedAt = &v
	}
	if durationSeconds.Valid {
		v := durationSeconds.Float64
		e.ExecutionSeconds = &v
	}
	return &e, nil
}
