// Package audit records coordination decisions — auth outcomes, task
// cancellations, agent removals — as an append-only JSONL log plus an
// optional database mirror, independent of the diagnostic comm_log the
// Store keeps for agent traffic.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webgfx/task-sub000/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens (creating if needed) homeDir/logs/audit.jsonl for appending.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures an optional database mirror for audit rows, creating
// the audit_log table if it does not exist. If the table cannot be
// created, the mirror stays off.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	if d != nil {
		if _, err := d.ExecContext(context.Background(), `
			CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				subject TEXT, action TEXT NOT NULL, decision TEXT NOT NULL, reason TEXT
			);
		`); err != nil {
			return
		}
	}
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. decision is "allow" or "deny"; action names
// the route or operation (e.g. "tasks.cancel", "agents.unregister");
// subject identifies the caller or agent involved.
func Record(decision, action, reason, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (subject, action, decision, reason)
			VALUES (?, ?, ?, ?);
		`, subject, action, decision, reason)
	}
}
