package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/webgfx/task-sub000/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "controller.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "agents", "tasks", "subtasks", "subtask_executions", "comm_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestMigrationLedgerRecordsVersion(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	var version int
	var checksum string
	if err := db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestOpenRefusesNewerSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "controller.db")

	s := must(t, func() (*store.Store, error) { return store.Open(dbPath, nil) })
	if _, err := s.DB().ExecContext(context.Background(), `
		INSERT OR REPLACE INTO schema_migrations (version, checksum, applied_at) VALUES (999, 'bogus', CURRENT_TIMESTAMP);
	`); err != nil {
		t.Fatalf("seed future schema version: %v", err)
	}
	_ = s.Close()

	if _, err := store.Open(dbPath, nil); err == nil {
		t.Fatalf("expected Open to refuse a newer on-disk schema version")
	}
}

func must[T any](t *testing.T, f func() (T, error)) T {
	t.Helper()
	v, err := f()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}
