package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCronOverlap is returned by BeginCronFiring when the previous firing of
// a recurring task has not yet reached a terminal state (cron overlap
// is resolved as skip-with-log, never a pile-up of concurrent instances).
var ErrCronOverlap = errors.New("previous cron firing still in flight")

// BeginCronFiring starts a new cycle of a recurring task: if the task is
// currently RUNNING it returns ErrCronOverlap (the caller should skip and
// log); otherwise it resets the task back to PENDING for the new cycle and
// records last_run_at/next_run_at. This is a deliberate exception to the
// ordinary task-status transition table — a cron task cycles between
// terminal and PENDING indefinitely, which the single-instance lifecycle
// table in types.go does not model.
func (s *Store) BeginCronFiring(ctx context.Context, taskID int64, now, nextRun time.Time) (fired bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		if scanErr := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return fmt.Errorf("cron task %d not found", taskID)
			}
			return scanErr
		}

		if status == TaskStatusRunning {
			fired = false
			return ErrCronOverlap
		}

		if _, execErr := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = NULL, completed_at = NULL, result = '', error = '',
				last_run_at = ?, next_run_at = ?
			WHERE id = ?;
		`, TaskStatusPending, now, nextRun, taskID); execErr != nil {
			return execErr
		}
		fired = true
		return tx.Commit()
	})
	if errors.Is(err, ErrCronOverlap) {
		return false, ErrCronOverlap
	}
	if err != nil {
		return false, err
	}
	return fired, nil
}
