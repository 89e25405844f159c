package store_test

import (
	"context"
	"testing"
)

func TestCommLogAppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendCommLog(ctx, "worker-1", "10.0.0.1:9000", "heartbeat", "alive", "info"); err != nil {
		t.Fatalf("append comm log: %v", err)
	}
	if err := s.AppendCommLog(ctx, "worker-1", "10.0.0.1:9000", "dispatch", "sent subtask", "info"); err != nil {
		t.Fatalf("append comm log: %v", err)
	}
	if err := s.AppendCommLog(ctx, "worker-2", "10.0.0.2:9000", "heartbeat", "alive", "info"); err != nil {
		t.Fatalf("append comm log: %v", err)
	}

	entries, err := s.CommLogForAgent(ctx, "worker-1", 10)
	if err != nil {
		t.Fatalf("comm log for agent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for worker-1, got %d", len(entries))
	}
	if entries[0].Action != "dispatch" {
		t.Fatalf("expected newest-first ordering, got %+v", entries)
	}

	recent, err := s.RecentCommLog(ctx, 10)
	if err != nil {
		t.Fatalf("recent comm log: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 total entries, got %d", len(recent))
	}
}
