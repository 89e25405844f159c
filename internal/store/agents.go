package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/webgfx/task-sub000/internal/bus"
	"github.com/webgfx/task-sub000/internal/coordination"
)

// RegisterAgent creates or idempotently updates an agent record.
// Re-registering a known name with a different address is rejected as
// a NameConflict.
func (s *Store) RegisterAgent(ctx context.Context, name, address string, capabilities []string, fingerprint string) (created bool, err error) {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return false, fmt.Errorf("marshal capabilities: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		var existingAddr string
		scanErr := tx.QueryRowContext(ctx, `SELECT address FROM agents WHERE name = ?;`, name).Scan(&existingAddr)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			created = true
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO agents (name, address, capabilities, fingerprint, created_at, updated_at)
				VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, name, address, string(capsJSON), fingerprint); execErr != nil {
				return fmt.Errorf("insert agent: %w", execErr)
			}
		case scanErr != nil:
			return fmt.Errorf("lookup agent: %w", scanErr)
		default:
			if existingAddr != address {
				return coordination.ErrNameConflict
			}
			created = false
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE agents SET capabilities = ?, fingerprint = ?, updated_at = CURRENT_TIMESTAMP
				WHERE name = ?;
			`, string(capsJSON), fingerprint, name); execErr != nil {
				return fmt.Errorf("update agent: %w", execErr)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicAgentRegistered, name)
	}
	return created, nil
}

// TouchHeartbeat records a fresh heartbeat for name. ReportedStatus is
// advisory only — it never changes the derived Presence.
func (s *Store) TouchHeartbeat(ctx context.Context, name, reportedStatus string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = CURRENT_TIMESTAMP, reported_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?;
	`, reportedStatus, name)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coordination.New(coordination.KindNotFound, fmt.Sprintf("agent %q not found", name))
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicAgentHeartbeat, name)
	}
	return nil
}

// TouchConfigUpdate records a fresh config-update fingerprint refresh.
func (s *Store) TouchConfigUpdate(ctx context.Context, name, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET fingerprint = ?, last_config_update = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?;
	`, fingerprint, name)
	if err != nil {
		return fmt.Errorf("touch config update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coordination.New(coordination.KindNotFound, fmt.Sprintf("agent %q not found", name))
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicAgentConfigUpdated, name)
	}
	return nil
}

// SetAgentAssignment sets or clears the agent's current (task, subtask)
// pair atomically. Both must be set or both must be nil (
// BadAssignment).
func (s *Store) SetAgentAssignment(ctx context.Context, name string, taskID, subtaskID *int64) error {
	if (taskID == nil) != (subtaskID == nil) {
		return coordination.ErrBadAssignment
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET current_task_id = ?, current_subtask_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?;
	`, taskID, subtaskID, name)
	if err != nil {
		return fmt.Errorf("set agent assignment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coordination.New(coordination.KindNotFound, fmt.Sprintf("agent %q not found", name))
	}
	return nil
}

// GetAgent returns the agent record for name, or nil if not found. Read
// APIs never raise for missing rows.
func (s *Store) GetAgent(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, address, capabilities, fingerprint, last_heartbeat, last_config_update,
			current_task_id, current_subtask_id, reported_status, created_at, updated_at
		FROM agents WHERE name = ?;
	`, name)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all known agents, ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, address, capabilities, fingerprint, last_heartbeat, last_config_update,
			current_task_id, current_subtask_id, reported_status, created_at, updated_at
		FROM agents ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RemoveAgent deletes the agent record. It does not touch any
// SubtaskExecution rows; callers should cancel its in-flight work first.
func (s *Store) RemoveAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?;`, name)
	if err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coordination.New(coordination.KindNotFound, fmt.Sprintf("agent %q not found", name))
	}
	return nil
}

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var lastHeartbeat, lastConfigUpdate sql.NullTime
	var currentTaskID, currentSubtaskID sql.NullInt64
	var capsJSON string
	var reportedStatus sql.NullString

	if err := scan(&a.Name, &a.Address, &capsJSON, &a.Fingerprint, &lastHeartbeat, &lastConfigUpdate,
		&currentTaskID, &currentSubtaskID, &reportedStatus, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(capsJSON), &a.Capabilities)
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		a.LastHeartbeat = &t
	}
	if lastConfigUpdate.Valid {
		t := lastConfigUpdate.Time
		a.LastConfigUpdate = &t
	}
	if currentTaskID.Valid {
		v := currentTaskID.Int64
		a.CurrentTaskID = &v
	}
	if currentSubtaskID.Valid {
		v := currentSubtaskID.Int64
		a.CurrentSubtaskID = &v
	}
	a.ReportedStatus = reportedStatus.String
	return &a, nil
}

// DerivePresence computes the agent's liveness classification. This
// is the only place Presence is computed — it is never persisted.
func DerivePresence(a Agent, now time.Time, timeout time.Duration) Presence {
	if a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > timeout {
		return PresenceOffline
	}
	if a.CurrentTaskID != nil {
		return PresenceBusy
	}
	return PresenceFree
}
