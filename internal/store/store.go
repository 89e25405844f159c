// Package store is the Store component (C1): the single durable source of
// truth for agents, tasks, subtask definitions, subtask-execution rows, and
// the communication log. All mutations are transactional; every mutation
// that changes externally observable state publishes a typed event on the
// bus after commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/webgfx/task-sub000/internal/bus"
)

const (
	schemaVersion1  = 1
	schemaChecksum1 = "ts000-v1-2026-07-30-coordination-foundation"

	schemaVersionLatest  = schemaVersion1
	schemaChecksumLatest = schemaChecksum1
)

// Store owns the single SQLite connection. A single-writer discipline is
// enforced at the connection-pool level (not just by convention): only one
// open connection is permitted, so every write transaction already
// serializes against every other write.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the default on-disk location for the controller's
// database file under the given home directory.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "controller.db")
}

// Open creates/opens the SQLite database at path, applies pragmas, and runs
// schema migrations. eventBus may be nil in tests that don't care about
// change notifications.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Single writer per transaction: one connection means every
	// transaction already serializes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}

	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components (e.g. audit) that write
// their own auxiliary tables against the same connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// retryOnBusy retries f while it fails with a SQLITE_BUSY/SQLITE_LOCKED
// error, using exponential backoff with jitter. Single-writer discipline
// means contention is rare but not impossible under WAL checkpoints.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	backoff := 50 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = f()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// initSchema applies the versioned migration ledger. It refuses to start if
// the on-disk schema is newer than this binary knows about ("replace
// best-effort ALTER TABLEs with an explicit versioned migration table;
// refuse to start on an unknown newer schema").
func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	var checksum string
	row := s.db.QueryRowContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`)
	switch err := row.Scan(&maxVersion, &checksum); err {
	case nil:
		if maxVersion > schemaVersionLatest {
			return fmt.Errorf("database schema version %d is newer than this binary supports (%d) — refusing to start", maxVersion, schemaVersionLatest)
		}
		if maxVersion == schemaVersionLatest && checksum != schemaChecksumLatest {
			return fmt.Errorf("database schema at version %d has checksum %q, expected %q — refusing to start", maxVersion, checksum, schemaChecksumLatest)
		}
	case sql.ErrNoRows:
		maxVersion = 0
	default:
		return fmt.Errorf("read schema_migrations: %w", err)
	}

	if maxVersion >= schemaVersionLatest {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS agents (
			name               TEXT PRIMARY KEY,
			address            TEXT NOT NULL,
			capabilities       TEXT NOT NULL DEFAULT '[]',
			fingerprint        TEXT NOT NULL DEFAULT '{}',
			last_heartbeat     TIMESTAMP,
			last_config_update TIMESTAMP,
			current_task_id    INTEGER,
			current_subtask_id INTEGER,
			reported_status    TEXT,
			created_at         TIMESTAMP NOT NULL,
			updated_at         TIMESTAMP NOT NULL,
			CHECK ((current_task_id IS NULL) = (current_subtask_id IS NULL))
		);`,
		// At-most-one-assignment: a FREE/BUSY agent can only hold one
		// current_task_id at a time — enforced by the primary key itself
		// (one row per agent) plus the application-level invariant checked
		// in set_agent_assignment.
		`CREATE TABLE IF NOT EXISTS tasks (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			name             TEXT NOT NULL,
			description      TEXT,
			created_by       TEXT,
			schedule_time    TIMESTAMP,
			cron_expression  TEXT,
			max_retries      INTEGER NOT NULL DEFAULT 0,
			send_email       INTEGER NOT NULL DEFAULT 0,
			email_recipients TEXT NOT NULL DEFAULT '[]',
			status           TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED','CANCELLED')),
			result           TEXT,
			error            TEXT,
			created_at       TIMESTAMP NOT NULL,
			started_at       TIMESTAMP,
			completed_at     TIMESTAMP,
			last_run_at      TIMESTAMP,
			next_run_at      TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS subtasks (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id         INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			name            TEXT NOT NULL,
			target_agent    TEXT NOT NULL,
			order_index     INTEGER NOT NULL,
			args            TEXT NOT NULL DEFAULT '{}',
			kwargs          TEXT NOT NULL DEFAULT '{}',
			timeout_seconds INTEGER NOT NULL DEFAULT 600,
			max_retries     INTEGER NOT NULL DEFAULT 0,
			stop_on_failure INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS subtask_executions (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id           INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			subtask_id        INTEGER NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
			subtask_name      TEXT NOT NULL,
			order_index       INTEGER NOT NULL,
			agent_name        TEXT NOT NULL,
			attempt_index     INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED','CANCELLED')),
			result            TEXT,
			error             TEXT,
			started_at        TIMESTAMP,
			completed_at      TIMESTAMP,
			execution_seconds REAL,
			created_at        TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS comm_log (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			ts            TIMESTAMP NOT NULL,
			agent_name    TEXT,
			agent_address TEXT,
			action        TEXT NOT NULL,
			message       TEXT,
			level         TEXT NOT NULL DEFAULT 'info'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id, order_index);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task ON subtask_executions(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_agent_status ON subtask_executions(agent_name, status);`,
		// At-most-one-non-terminal-execution-per-(task,subtask,agent), .
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active_unique
			ON subtask_executions(task_id, subtask_name, agent_name)
			WHERE status IN ('PENDING', 'RUNNING');`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(next_run_at) WHERE cron_expression IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_comm_log_agent_ts ON comm_log(agent_name, ts);`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("write schema_migrations: %w", err)
	}

	return tx.Commit()
}

func nowUTC() time.Time { return time.Now().UTC() }
