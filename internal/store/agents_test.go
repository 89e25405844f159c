package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/webgfx/task-sub000/internal/coordination"
	"github.com/webgfx/task-sub000/internal/store"
)

func TestRegisterAgentIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.RegisterAgent(ctx, "worker-1", "10.0.0.1:9000", []string{"build", "test"}, `{"os":"linux"}`)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first registration")
	}

	created, err = s.RegisterAgent(ctx, "worker-1", "10.0.0.1:9000", []string{"build", "test", "lint"}, `{"os":"linux"}`)
	if err != nil {
		t.Fatalf("re-register agent: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on idempotent re-registration")
	}

	agent, err := s.GetAgent(ctx, "worker-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent == nil {
		t.Fatalf("expected agent to exist")
	}
	if len(agent.Capabilities) != 3 {
		t.Fatalf("expected updated capabilities to persist, got %v", agent.Capabilities)
	}
}

func TestRegisterAgentRejectsAddressConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterAgent(ctx, "worker-1", "10.0.0.1:9000", nil, ""); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	_, err := s.RegisterAgent(ctx, "worker-1", "10.0.0.2:9000", nil, "")
	if !coordination.Is(err, coordination.KindInvalidInput) {
		t.Fatalf("expected a name-conflict error, got %v", err)
	}
}

func TestGetAgentReturnsNilForMissing(t *testing.T) {
	s := openTestStore(t)
	agent, err := s.GetAgent(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("expected no error for missing agent, got %v", err)
	}
	if agent != nil {
		t.Fatalf("expected nil agent, got %+v", agent)
	}
}

func TestSetAgentAssignmentRejectsPartialAssignment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.RegisterAgent(ctx, "worker-1", "10.0.0.1:9000", nil, ""); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	taskID := int64(1)
	err := s.SetAgentAssignment(ctx, "worker-1", &taskID, nil)
	if !coordination.Is(err, coordination.KindInvalidInput) {
		t.Fatalf("expected BadAssignment error, got %v", err)
	}
}

func TestDerivePresence(t *testing.T) {
	now := time.Now()
	timeout := 30 * time.Second

	offline := store.Agent{}
	if got := store.DerivePresence(offline, now, timeout); got != store.PresenceOffline {
		t.Fatalf("expected OFFLINE for no heartbeat, got %s", got)
	}

	staleHB := now.Add(-time.Minute)
	stale := store.Agent{LastHeartbeat: &staleHB}
	if got := store.DerivePresence(stale, now, timeout); got != store.PresenceOffline {
		t.Fatalf("expected OFFLINE for stale heartbeat, got %s", got)
	}

	freshHB := now.Add(-time.Second)
	taskID := int64(5)
	busy := store.Agent{LastHeartbeat: &freshHB, CurrentTaskID: &taskID}
	if got := store.DerivePresence(busy, now, timeout); got != store.PresenceBusy {
		t.Fatalf("expected BUSY for assigned agent, got %s", got)
	}

	free := store.Agent{LastHeartbeat: &freshHB}
	if got := store.DerivePresence(free, now, timeout); got != store.PresenceFree {
		t.Fatalf("expected FREE for unassigned live agent, got %s", got)
	}
}

func TestRemoveAgentNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.RemoveAgent(context.Background(), "ghost")
	if !coordination.Is(err, coordination.KindNotFound) {
		t.Fatalf("expected NotFound error, got %v", err)
	}
}
