package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendCommLog writes one append-only audit row. This table is
// diagnostic only — nothing reads it back to make coordination decisions.
func (s *Store) AppendCommLog(ctx context.Context, agentName, agentAddress, action, message, level string) error {
	if level == "" {
		level = "info"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comm_log (ts, agent_name, agent_address, action, message, level)
		VALUES (CURRENT_TIMESTAMP, ?, ?, ?, ?, ?);
	`, nullIfEmpty(agentName), nullIfEmpty(agentAddress), action, message, level)
	if err != nil {
		return fmt.Errorf("append comm log: %w", err)
	}
	return nil
}

// CommLogForAgent returns the most recent entries for an agent, newest
// first, capped at limit.
func (s *Store) CommLogForAgent(ctx context.Context, agentName string, limit int) ([]CommLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, agent_name, agent_address, action, message, level
		FROM comm_log WHERE agent_name = ? ORDER BY ts DESC, id DESC LIMIT ?;
	`, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("comm log for agent: %w", err)
	}
	defer rows.Close()
	return scanCommLogRows(rows)
}

// RecentCommLog returns the most recent entries across all agents, newest
// first, capped at limit — backs the controller's log-tailing CLI/HTTP
// surface.
func (s *Store) RecentCommLog(ctx context.Context, limit int) ([]CommLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, agent_name, agent_address, action, message, level
		FROM comm_log ORDER BY ts DESC, id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent comm log: %w", err)
	}
	defer rows.Close()
	return scanCommLogRows(rows)
}

func scanCommLogRows(rows *sql.Rows) ([]CommLogEntry, error) {
	var out []CommLogEntry
	for rows.Next() {
		var e CommLogEntry
		var agentName, agentAddress sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &agentName, &agentAddress, &e.Action, &e.Message, &e.Level); err != nil {
			return nil, fmt.Errorf("scan comm log: %w", err)
		}
		e.AgentName = agentName.String
		e.AgentAddress = agentAddress.String
		out = append(out, e)
	}
	return out, rows.Err()
}
