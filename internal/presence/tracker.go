// Package presence implements the Presence Tracker (C2): it derives each
// agent's OFFLINE/FREE/BUSY classification from heartbeat and assignment
// state and emits agent_lost/agent_reappeared transitions. Presence itself
// is never stored — this package only remembers the last
// classification it emitted, purely to detect transitions.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/webgfx/task-sub000/internal/bus"
	"github.com/webgfx/task-sub000/internal/store"
)

const (
	// DefaultHeartbeatPeriod mirrors the agent runtime's default interval.
	// DefaultTimeout is 3x that, floored at 90s.
	DefaultHeartbeatPeriod = 30 * time.Second
	DefaultTimeout         = 90 * time.Second
	DefaultReapInterval    = 10 * time.Second
)

// Config configures a Tracker.
type Config struct {
	Store        *store.Store
	Bus          *bus.Bus
	Logger       *slog.Logger
	Timeout      time.Duration
	ReapInterval time.Duration
}

// Tracker periodically re-evaluates every agent's derived presence and
// emits transition events. It holds no authoritative state of its own.
type Tracker struct {
	store   *store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	timeout time.Duration
	period  time.Duration

	mu   sync.Mutex
	last map[string]store.Presence

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Tracker, applying defaults for zero-valued fields.
func New(cfg Config) *Tracker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout < 90*time.Second {
		timeout = 90 * time.Second
	}
	period := cfg.ReapInterval
	if period <= 0 {
		period = DefaultReapInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger,
		timeout: timeout,
		period:  period,
		last:    make(map[string]store.Presence),
	}
}

// Timeout returns the configured liveness timeout.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Start launches the background reaper goroutine. Stop must be called to
// release it.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop halts the reaper and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	t.reap(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reap(ctx)
		}
	}
}

func (t *Tracker) reap(ctx context.Context) {
	agents, err := t.store.ListAgents(ctx)
	if err != nil {
		t.logger.Error("presence: list agents failed", "error", err)
		return
	}

	now := time.Now()
	for _, a := range agents {
		t.evaluate(a, now)
	}
}

// evaluate derives a's current presence, compares against the last
// classification recorded for it, and emits the matching transition event.
// The invariant that an agent is never FREE while current_task_id is set is
// enforced by DerivePresence itself; this method only reacts to the result.
func (t *Tracker) evaluate(a store.Agent, now time.Time) store.Presence {
	current := store.DerivePresence(a, now, t.timeout)

	t.mu.Lock()
	previous, known := t.last[a.Name]
	t.last[a.Name] = current
	t.mu.Unlock()

	if !known {
		return current
	}
	if previous == current {
		return current
	}

	switch {
	case previous == store.PresenceOffline && current != store.PresenceOffline:
		if t.bus != nil {
			t.bus.Publish(bus.TopicAgentReappeared, bus.AgentPresenceEvent{AgentName: a.Name})
		}
	case previous != store.PresenceOffline && current == store.PresenceOffline:
		if t.bus != nil {
			t.bus.Publish(bus.TopicAgentLost, bus.AgentPresenceEvent{AgentName: a.Name})
		}
	}
	return current
}

// Get derives the current presence of a single agent by name, without
// waiting for the next reap tick. Returns an error only if the agent is
// unknown.
func (t *Tracker) Get(ctx context.Context, name string) (store.Presence, error) {
	a, err := t.store.GetAgent(ctx, name)
	if err != nil {
		return "", fmt.Errorf("get agent: %w", err)
	}
	if a == nil {
		return "", fmt.Errorf("agent %q not found", name)
	}
	return t.evaluate(*a, time.Now()), nil
}

// ListFree returns the names of every agent currently FREE, in Store order.
// Used by the Scheduler to find dispatch candidates.
func (t *Tracker) ListFree(ctx context.Context) ([]string, error) {
	agents, err := t.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	now := time.Now()
	var free []string
	for _, a := range agents {
		if t.evaluate(a, now) == store.PresenceFree {
			free = append(free, a.Name)
		}
	}
	return free, nil
}
