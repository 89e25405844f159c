// Package scheduler implements the Scheduler (C4): it materializes due
// cron/at-time tasks, matches ready subtasks to free agents, enforces
// per-agent ordering and the stop-on-failure policy, runs the retry
// backoff ladder, and reaps executions whose agent has gone permanently
// dark.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/webgfx/task-sub000/internal/bus"
	"github.com/webgfx/task-sub000/internal/presence"
	"github.com/webgfx/task-sub000/internal/store"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextCronFire parses cronExpr and returns the next firing time after
// 'after'.
func NextCronFire(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Dispatcher transmits one subtask to one agent (satisfied by
// internal/dispatch.Dispatcher).
type Dispatcher interface {
	Dispatch(ctx context.Context, execID int64, agentName string, task store.Task, subtask store.Subtask) error
}

// Transport delivers an out-of-band envelope to an agent's room (satisfied
// by internal/dispatch.Transport / internal/room).
type Transport interface {
	Send(ctx context.Context, agentName, kind string, payload any) error
}

// CompletionChecker evaluates whether a task has reached a terminal state
// (satisfied by internal/collector.Collector). The Scheduler calls it after
// any action that can resolve a task without a subtask_result callback —
// e.g. a stop-on-failure cascade.
type CompletionChecker interface {
	CheckTask(ctx context.Context, taskID int64) error
}

// Config configures a Scheduler.
type Config struct {
	Store             *store.Store
	Bus               *bus.Bus
	Presence          *presence.Tracker
	Dispatcher        Dispatcher
	Transport         Transport
	Completion        CompletionChecker
	Logger            *slog.Logger
	TickInterval      time.Duration
	AgentGracePeriod  time.Duration
	CancelGracePeriod time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

const (
	DefaultTickInterval      = 10 * time.Second
	DefaultAgentGracePeriod  = 10 * time.Minute
	DefaultCancelGracePeriod = 30 * time.Second
	DefaultRetryBaseDelay    = 5 * time.Second
	DefaultRetryMaxDelay     = 5 * time.Minute
)

// Scheduler runs the dispatch tick loop described.
type Scheduler struct {
	store      *store.Store
	bus        *bus.Bus
	presence   *presence.Tracker
	dispatcher Dispatcher
	transport  Transport
	completion CompletionChecker
	logger     *slog.Logger

	tickInterval      time.Duration
	agentGracePeriod  time.Duration
	cancelGracePeriod time.Duration
	retryBaseDelay    time.Duration
	retryMaxDelay     time.Duration

	mu     sync.Mutex // serializes Tick against CancelTask
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler, applying defaults for zero-valued fields.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:             cfg.Store,
		bus:               cfg.Bus,
		presence:          cfg.Presence,
		dispatcher:        cfg.Dispatcher,
		transport:         cfg.Transport,
		completion:        cfg.Completion,
		logger:            logger,
		tickInterval:      cfg.TickInterval,
		agentGracePeriod:  cfg.AgentGracePeriod,
		cancelGracePeriod: cfg.CancelGracePeriod,
		retryBaseDelay:    cfg.RetryBaseDelay,
		retryMaxDelay:     cfg.RetryMaxDelay,
	}
	if s.tickInterval <= 0 {
		s.tickInterval = DefaultTickInterval
	}
	if s.agentGracePeriod <= 0 {
		s.agentGracePeriod = DefaultAgentGracePeriod
	}
	if s.cancelGracePeriod <= 0 {
		s.cancelGracePeriod = DefaultCancelGracePeriod
	}
	if s.retryBaseDelay <= 0 {
		s.retryBaseDelay = DefaultRetryBaseDelay
	}
	if s.retryMaxDelay <= 0 {
		s.retryMaxDelay = DefaultRetryMaxDelay
	}
	return s
}

// Start launches the tick loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "tick_interval", s.tickInterval)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full scheduling pass: materialize due cron tasks, advance
// every active task's per-agent chains, and reap executions whose agent is
// gone for good. Exported so callers (tests, an HTTP "run now" endpoint)
// can force a pass synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.materializeCron(ctx, now)

	pending, err := s.store.ListTasks(ctx, store.TaskStatusPending)
	if err != nil {
		s.logger.Error("scheduler: list pending tasks failed", "error", err)
		return
	}
	running, err := s.store.ListTasks(ctx, store.TaskStatusRunning)
	if err != nil {
		s.logger.Error("scheduler: list running tasks failed", "error", err)
		return
	}
	tasks := append(pending, running...)
	sort.Slice(tasks, func(i, j int) bool {
		ti, tj := tasks[i], tasks[j]
		si, sj := scheduleKey(ti), scheduleKey(tj)
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return ti.ID < tj.ID
	})

	for _, task := range tasks {
		s.processTask(ctx, task, now)
	}

	s.reapStaleExecutions(ctx, now)
}

// scheduleKey implements the tie-break order: (schedule_time,
// created_at, id) ascending.
func scheduleKey(t store.Task) time.Time {
	if t.ScheduleTime != nil {
		return *t.ScheduleTime
	}
	return t.CreatedAt
}

// materializeCron fires every recurring task whose next_run_at is due. A
// task whose previous cycle is still RUNNING is skipped and logged rather
// than dispatched concurrently.
func (s *Scheduler) materializeCron(ctx context.Context, now time.Time) {
	due, err := s.store.DueCronTasks(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: due cron tasks query failed", "error", err)
		return
	}
	for _, task := range due {
		nextRun, err := NextCronFire(task.CronExpression, now)
		if err != nil {
			s.logger.Error("scheduler: invalid cron expression", "task_id", task.ID, "cron", task.CronExpression, "error", err)
			continue
		}
		fired, err := s.store.BeginCronFiring(ctx, task.ID, now, nextRun)
		if err != nil {
			if err == store.ErrCronOverlap {
				s.logger.Warn("scheduler: skipping cron firing, previous instance still running", "task_id", task.ID)
				continue
			}
			s.logger.Error("scheduler: begin cron firing failed", "task_id", task.ID, "error", err)
			continue
		}
		if fired {
			s.logger.Info("scheduler: cron task fired", "task_id", task.ID, "next_run_at", nextRun)
		}
	}
}

// processTask advances one task's eligible subtasks, grouped by target
// agent, in ascending order.
func (s *Scheduler) processTask(ctx context.Context, task store.Task, now time.Time) {
	subtasks, err := s.store.GetSubtasks(ctx, task.ID)
	if err != nil {
		s.logger.Error("scheduler: get subtasks failed", "task_id", task.ID, "error", err)
		return
	}
	executions, err := s.store.ExecutionsForTask(ctx, task.ID)
	if err != nil {
		s.logger.Error("scheduler: get executions failed", "task_id", task.ID, "error", err)
		return
	}

	byAgent := make(map[string][]store.Subtask)
	for _, st := range subtasks {
		byAgent[st.TargetAgent] = append(byAgent[st.TargetAgent], st)
	}

	anyAdvanced := false
	for agentName, chain := range byAgent {
		sort.Slice(chain, func(i, j int) bool { return chain[i].Order < chain[j].Order })
		if s.processChain(ctx, task, agentName, chain, executions, now) {
			anyAdvanced = true
		}
	}

	if anyAdvanced && s.completion != nil {
		if err := s.completion.CheckTask(ctx, task.ID); err != nil {
			s.logger.Error("scheduler: completion check failed", "task_id", task.ID, "error", err)
		}
	}
}

// processChain walks one (task, agent) chain in order, dispatching the
// first eligible subtask. Returns true if it resolved a subtask without
// dispatch (e.g. a stop-on-failure cascade), which warrants a completion
// check.
func (s *Scheduler) processChain(ctx context.Context, task store.Task, agentName string, chain []store.Subtask, executions []store.SubtaskExecution, now time.Time) bool {
	upstreamBlocked := false // a terminal FAILED/CANCELLED upstream with stop_on_failure set
	resolvedWithoutDispatch := false

	for _, st := range chain {
		latest := latestExecution(executions, st.Name, agentName)

		if upstreamBlocked {
			if latest == nil {
				if err := s.skipSubtask(ctx, task, st, agentName); err != nil {
					s.logger.Error("scheduler: skip subtask failed", "task_id", task.ID, "subtask", st.Name, "error", err)
				} else {
					resolvedWithoutDispatch = true
				}
			}
			continue // later subtasks in this chain stay blocked regardless
		}

		if latest == nil {
			s.tryDispatch(ctx, task, st, agentName, 0, now)
			return resolvedWithoutDispatch // first gap in the chain each tick; wait for it to resolve
		}

		switch latest.Status {
		case store.ExecutionStatusPending, store.ExecutionStatusRunning:
			return resolvedWithoutDispatch // already in flight; nothing upstream to re-evaluate this tick
		case store.ExecutionStatusCompleted:
			continue
		case store.ExecutionStatusFailed:
			if s.shouldRetry(task, st, latest, now) {
				s.tryDispatch(ctx, task, st, agentName, latest.AttemptIndex+1, now)
				return resolvedWithoutDispatch
			}
			if st.StopOnFailure {
				upstreamBlocked = true
			}
		case store.ExecutionStatusCancelled:
			if st.StopOnFailure {
				upstreamBlocked = true
			}
		}
	}
	return resolvedWithoutDispatch
}

// shouldRetry decides whether a FAILED execution is eligible for another
// attempt this tick: attempts remain and the backoff window has
// elapsed. It does not look at the agent or at a "no-agent" error: when
// the agent has been offline beyond the grace period, tryDispatch records
// each new attempt as FAILED (no-agent), so the remaining attempts are
// used up that way.
func (s *Scheduler) shouldRetry(task store.Task, st store.Subtask, latest *store.SubtaskExecution, now time.Time) bool {
	if latest.AttemptIndex >= st.MaxRetries {
		return false
	}
	if latest.CompletedAt == nil {
		return true
	}
	delay := backoffDelay(latest.AttemptIndex, s.retryBaseDelay, s.retryMaxDelay)
	return now.Sub(*latest.CompletedAt) >= delay
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// tryDispatch resolves the agent's presence, creates the PENDING execution
// row, assigns the agent, and calls the Dispatcher. On any failure it rolls
// the attempt back so the next tick can retry.
func (s *Scheduler) tryDispatch(ctx context.Context, task store.Task, st store.Subtask, agentName string, attempt int, now time.Time) {
	if s.agentOfflineBeyondGrace(ctx, agentName, now) {
		s.failNoAgent(ctx, task, st, agentName, attempt, now)
		return
	}

	if s.presence != nil {
		p, err := s.presence.Get(ctx, agentName)
		if err != nil || p != store.PresenceFree {
			return // not free (or unknown); try again next tick
		}
	}

	execID, err := s.store.CreateExecution(ctx, task.ID, st.ID, st.Name, st.Order, agentName, attempt)
	if err != nil {
		return // Conflict (already has a non-terminal row) or transient; retry next tick
	}
	taskID, subtaskID := task.ID, st.ID
	if err := s.store.SetAgentAssignment(ctx, agentName, &taskID, &subtaskID); err != nil {
		s.logger.Error("scheduler: assign agent failed", "agent", agentName, "task_id", task.ID, "error", err)
		_ = s.store.DeleteExecution(ctx, execID)
		return
	}

	if task.Status == store.TaskStatusPending {
		if err := s.store.UpdateTaskStatus(ctx, task.ID, store.TaskStatusRunning, now, "", ""); err != nil {
			s.logger.Error("scheduler: task running transition failed", "task_id", task.ID, "error", err)
		}
	}

	if err := s.dispatcher.Dispatch(ctx, execID, agentName, task, st); err != nil {
		s.logger.Warn("scheduler: dispatch failed, rolling back", "task_id", task.ID, "subtask", st.Name, "agent", agentName, "error", err)
		_ = s.store.DeleteExecution(ctx, execID)
		_ = s.store.SetAgentAssignment(ctx, agentName, nil, nil)
	}
}

// skipSubtask marks a blocked subtask CANCELLED directly: stop-on-failure
// cascades every later same-agent subtask to CANCELLED without ever
// dispatching it.
func (s *Scheduler) skipSubtask(ctx context.Context, task store.Task, st store.Subtask, agentName string) error {
	execID, err := s.store.CreateExecution(ctx, task.ID, st.ID, st.Name, st.Order, agentName, 0)
	if err != nil {
		return err
	}
	return s.store.UpdateExecution(ctx, execID, store.ExecutionStatusCancelled, time.Now(), "", "skipped after upstream failure", nil)
}

func (s *Scheduler) failNoAgent(ctx context.Context, task store.Task, st store.Subtask, agentName string, attempt int, now time.Time) {
	execID, err := s.store.CreateExecution(ctx, task.ID, st.ID, st.Name, st.Order, agentName, attempt)
	if err != nil {
		return
	}
	if err := s.store.UpdateExecution(ctx, execID, store.ExecutionStatusFailed, now, "", "no-agent", nil); err != nil {
		s.logger.Error("scheduler: fail no-agent transition failed", "task_id", task.ID, "subtask", st.Name, "error", err)
	}
}

func (s *Scheduler) agentOfflineBeyondGrace(ctx context.Context, agentName string, now time.Time) bool {
	agent, err := s.store.GetAgent(ctx, agentName)
	if err != nil || agent == nil {
		return true // unknown agent: treat as permanently gone
	}
	timeout := presence.DefaultTimeout
	if s.presence != nil {
		timeout = s.presence.Timeout()
	}
	if agent.LastHeartbeat == nil {
		return now.Sub(agent.CreatedAt) > s.agentGracePeriod
	}
	return now.Sub(*agent.LastHeartbeat) > timeout+s.agentGracePeriod
}

// reapStaleExecutions enforces the controller-side safety net for agents
// that have gone dark mid-execution and subtask timeouts, and
// force-finalizes RUNNING rows of a CANCELLED task once the cancellation
// grace period has elapsed.
func (s *Scheduler) reapStaleExecutions(ctx context.Context, now time.Time) {
	running, err := s.store.ListTasks(ctx, store.TaskStatusRunning)
	if err != nil {
		s.logger.Error("scheduler: list running tasks for reap failed", "error", err)
		return
	}
	cancelled, err := s.store.ListTasks(ctx, store.TaskStatusCancelled)
	if err != nil {
		s.logger.Error("scheduler: list cancelled tasks for reap failed", "error", err)
		return
	}

	for _, task := range running {
		s.reapTaskTimeouts(ctx, task, now)
	}
	for _, task := range cancelled {
		s.reapCancelledTask(ctx, task, now)
	}
}

func (s *Scheduler) reapTaskTimeouts(ctx context.Context, task store.Task, now time.Time) {
	executions, err := s.store.ExecutionsForTask(ctx, task.ID)
	if err != nil {
		return
	}
	subtasks, err := s.store.GetSubtasks(ctx, task.ID)
	if err != nil {
		return
	}
	timeoutBySubtask := make(map[string]int)
	for _, st := range subtasks {
		timeoutBySubtask[st.Name] = st.TimeoutSeconds
	}

	const controllerGrace = 30 * time.Second
	for _, exec := range executions {
		if exec.Status != store.ExecutionStatusRunning || exec.StartedAt == nil {
			continue
		}

		// An agent that has gone dark beyond its grace period fails the
		// execution independently of any subtask timeout — a hung agent
		// with a long-running subtask would otherwise never be reaped.
		if s.agentOfflineBeyondGrace(ctx, exec.AgentName, now) {
			if err := s.store.UpdateExecution(ctx, exec.ID, store.ExecutionStatusFailed, now, "", "no-agent", nil); err != nil {
				s.logger.Error("scheduler: no-agent transition failed", "execution_id", exec.ID, "error", err)
				continue
			}
			_ = s.store.SetAgentAssignment(ctx, exec.AgentName, nil, nil)
			if s.completion != nil {
				_ = s.completion.CheckTask(ctx, task.ID)
			}
			continue
		}

		timeout := time.Duration(timeoutBySubtask[exec.SubtaskName]) * time.Second
		if timeout <= 0 {
			continue
		}
		deadline := exec.StartedAt.Add(timeout + controllerGrace)
		if now.Before(deadline) {
			continue
		}
		if err := s.store.UpdateExecution(ctx, exec.ID, store.ExecutionStatusFailed, now, "", "timeout", nil); err != nil {
			s.logger.Error("scheduler: timeout transition failed", "execution_id", exec.ID, "error", err)
			continue
		}
		_ = s.store.SetAgentAssignment(ctx, exec.AgentName, nil, nil)
		if s.completion != nil {
			_ = s.completion.CheckTask(ctx, task.ID)
		}
	}
}

func (s *Scheduler) reapCancelledTask(ctx context.Context, task store.Task, now time.Time) {
	if task.CompletedAt == nil || now.Sub(*task.CompletedAt) < s.cancelGracePeriod {
		return
	}
	executions, err := s.store.ExecutionsForTask(ctx, task.ID)
	if err != nil {
		return
	}
	for _, exec := range executions {
		if exec.Status != store.ExecutionStatusRunning {
			continue
		}
		if err := s.store.UpdateExecution(ctx, exec.ID, store.ExecutionStatusCancelled, now, "", "cancel grace period elapsed", nil); err != nil {
			s.logger.Error("scheduler: force-cancel transition failed", "execution_id", exec.ID, "error", err)
			continue
		}
		_ = s.store.SetAgentAssignment(ctx, exec.AgentName, nil, nil)
	}
}

// CancelTask implements cancel_task(id): marks the task CANCELLED,
// deletes any PENDING rows outright, and asks each agent with a RUNNING row
// to stop. Idempotent (R3): cancelling an already-terminal task is a no-op.
func (s *Scheduler) CancelTask(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %d not found", taskID)
	}
	if task.Status == store.TaskStatusCancelled || task.Status == store.TaskStatusCompleted || task.Status == store.TaskStatusFailed {
		return nil
	}

	now := time.Now()
	if err := s.store.UpdateTaskStatus(ctx, taskID, store.TaskStatusCancelled, now, "", "cancelled"); err != nil {
		return fmt.Errorf("cancel task status: %w", err)
	}

	executions, err := s.store.ExecutionsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get executions for cancel: %w", err)
	}
	for _, exec := range executions {
		switch exec.Status {
		case store.ExecutionStatusPending:
			if err := s.store.DeleteExecution(ctx, exec.ID); err != nil {
				s.logger.Error("scheduler: delete pending execution on cancel failed", "execution_id", exec.ID, "error", err)
				continue
			}
			_ = s.store.SetAgentAssignment(ctx, exec.AgentName, nil, nil)
		case store.ExecutionStatusRunning:
			if s.transport != nil {
				if err := s.transport.Send(ctx, exec.AgentName, "task_cancelled", map[string]any{"task_id": taskID}); err != nil {
					s.logger.Warn("scheduler: task_cancelled delivery failed", "agent", exec.AgentName, "error", err)
				}
			}
		}
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCancelled, fmt.Sprint(taskID))
	}
	return nil
}

func latestExecution(executions []store.SubtaskExecution, subtaskName, agentName string) *store.SubtaskExecution {
	var latest *store.SubtaskExecution
	for i := range executions {
		e := &executions[i]
		if e.SubtaskName != subtaskName || e.AgentName != agentName {
			continue
		}
		if latest == nil || e.AttemptIndex > latest.AttemptIndex {
			latest = e
		}
	}
	return latest
}
