// Package collector implements the Result Collector (C6): it ingests
// subtask completion callbacks from agents, applies idempotent terminal
// transitions through the Store, and decides — under a per-task mutex —
// when a task has reached its final verdict.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/webgfx/task-sub000/internal/bus"
	"github.com/webgfx/task-sub000/internal/store"
)

// Reporter receives the structured summary of a just-completed task.
// The Collector fire-and-forgets: a Reporter failure never reverts
// task state.
type Reporter interface {
	OnTaskCompleted(ctx context.Context, summary Summary) error
}

// SubtaskSummary is one (agent, subtask) pair's contribution to a Summary.
type SubtaskSummary struct {
	Name     string  `json:"name"`
	Order    int     `json:"order"`
	Status   string  `json:"status"`
	Result   string  `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
	Elapsed  float64 `json:"elapsed"`
	Attempts int     `json:"attempts"`
}

// AgentSummary aggregates one agent's subtasks within a task.
type AgentSummary struct {
	Agent          string           `json:"agent"`
	OverallSuccess bool             `json:"overall_success"`
	Successful     int              `json:"successful"`
	Total          int              `json:"total"`
	Subtasks       []SubtaskSummary `json:"subtasks"`
}

// Summary is the structured task-completion payload handed to the Reporter.
type Summary struct {
	TaskID      int64          `json:"task_id"`
	Name        string         `json:"name"`
	Verdict     string         `json:"verdict"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
	ElapsedSec  float64        `json:"elapsed"`
	PerAgent    []AgentSummary `json:"per_agent"`
}

// Collector wires the Store to an optional Reporter.
type Collector struct {
	store    *store.Store
	bus      *bus.Bus
	reporter Reporter
	logger   *slog.Logger

	taskLocksMu sync.Mutex
	taskLocks   map[int64]*sync.Mutex
}

// New builds a Collector. reporter may be nil (no-op aggregation sink).
func New(st *store.Store, eventBus *bus.Bus, reporter Reporter, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:     st,
		bus:       eventBus,
		reporter:  reporter,
		logger:    logger,
		taskLocks: make(map[int64]*sync.Mutex),
	}
}

func (c *Collector) taskLock(taskID int64) *sync.Mutex {
	c.taskLocksMu.Lock()
	defer c.taskLocksMu.Unlock()
	m, ok := c.taskLocks[taskID]
	if !ok {
		m = &sync.Mutex{}
		c.taskLocks[taskID] = m
	}
	return m
}

// SubtaskStarted records the agent's own acknowledgement that it has begun
// a subtask. It is idempotent: a PENDING row moves to RUNNING; an
// already-RUNNING row is left untouched.
func (c *Collector) SubtaskStarted(ctx context.Context, taskID, subtaskID int64, agentName string) error {
	execs, err := c.store.ExecutionsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("executions for task: %w", err)
	}
	for _, e := range execs {
		if e.SubtaskID != subtaskID || e.AgentName != agentName {
			continue
		}
		if e.Status == store.ExecutionStatusPending {
			return c.store.UpdateExecution(ctx, e.ID, store.ExecutionStatusRunning, time.Now(), "", "", nil)
		}
		return nil
	}
	return fmt.Errorf("no execution row for task %d subtask %d agent %q", taskID, subtaskID, agentName)
}

// SubtaskResult implements the subtask_result endpoint. status must
// be one of the terminal ExecutionStatus values.
func (c *Collector) SubtaskResult(ctx context.Context, taskID, subtaskID int64, subtaskName string, order int, agentName string, status store.ExecutionStatus, result, errMsg string, elapsedSeconds float64) error {
	execs, err := c.store.ExecutionsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("executions for task: %w", err)
	}

	var running *store.SubtaskExecution
	var latestAttempt = -1
	var latestStatus store.ExecutionStatus
	for i := range execs {
		e := &execs[i]
		if e.SubtaskID != subtaskID || e.AgentName != agentName {
			continue
		}
		if e.Status == store.ExecutionStatusRunning {
			running = e
		}
		if e.AttemptIndex > latestAttempt {
			latestAttempt = e.AttemptIndex
			latestStatus = e.Status
		}
	}

	execID := int64(0)
	if running != nil {
		execID = running.ID
	} else if latestAttempt >= 0 && latestStatus == status {
		// Replay of a result already applied to the latest attempt: no-op.
		return nil
	} else {
		// Lost-and-found: a result arrived with no matching RUNNING row
		// (restart, or out-of-order completion —
		// step 1, S2). Create a fresh row, moved to RUNNING so the terminal
		// transition below is legal, so the result is not dropped, and
		// log the anomaly for operator visibility.
		attempt := latestAttempt + 1
		execID, err = c.store.CreateExecution(ctx, taskID, subtaskID, subtaskName, order, agentName, attempt)
		if err != nil {
			return fmt.Errorf("lost-and-found execution: %w", err)
		}
		if err := c.store.UpdateExecution(ctx, execID, store.ExecutionStatusRunning, time.Now(), "", "", nil); err != nil {
			return fmt.Errorf("lost-and-found execution: %w", err)
		}
		_ = c.store.AppendCommLog(ctx, agentName, "", "anomaly",
			fmt.Sprintf("subtask_result for %s with no RUNNING row (task %d, attempt %d)", subtaskName, taskID, attempt), "warn")
		c.logger.Warn("collector: lost-and-found execution row created",
			"task_id", taskID, "subtask", subtaskName, "agent", agentName, "attempt", attempt)
	}

	dur := elapsedSeconds
	if err := c.store.UpdateExecution(ctx, execID, status, time.Now(), result, errMsg, &dur); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if err := c.store.SetAgentAssignment(ctx, agentName, nil, nil); err != nil {
		c.logger.Warn("collector: clear agent assignment failed", "agent", agentName, "error", err)
	}

	return c.CheckTask(ctx, taskID)
}

// CheckTask evaluates the task-completion predicate under a
// per-task mutex and, if the task just reached a terminal state, builds the
// structured summary and fires the Reporter.
func (c *Collector) CheckTask(ctx context.Context, taskID int64) error {
	lock := c.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %d not found", taskID)
	}
	if task.Status == store.TaskStatusCancelled || task.Status == store.TaskStatusCompleted || task.Status == store.TaskStatusFailed {
		return nil // already terminal; nothing to do (R2/R4 idempotence)
	}

	subtasks, err := c.store.GetSubtasks(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get subtasks: %w", err)
	}
	executions, err := c.store.ExecutionsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get executions: %w", err)
	}

	done, allSucceeded, summary := evaluate(task, subtasks, executions)
	if !done {
		return nil
	}

	verdict := store.TaskStatusFailed
	if allSucceeded {
		verdict = store.TaskStatusCompleted
	}

	now := time.Now()
	if err := c.store.UpdateTaskStatus(ctx, taskID, verdict, now, "", ""); err != nil {
		return fmt.Errorf("finalize task status: %w", err)
	}

	if c.reporter != nil {
		reportSummary := summary
		reportSummary.TaskID = taskID
		reportSummary.Name = task.Name
		reportSummary.Verdict = string(verdict)
		reportSummary.StartedAt = task.StartedAt
		reportSummary.CompletedAt = now
		if task.StartedAt != nil {
			reportSummary.ElapsedSec = now.Sub(*task.StartedAt).Seconds()
		}
		if err := c.reporter.OnTaskCompleted(ctx, reportSummary); err != nil {
			c.logger.Error("collector: reporter failed", "task_id", taskID, "error", err)
		}
	}
	return nil
}

// evaluate implements the per-(agent,subtask) completion predicate and
// assembles the per-agent summary in one pass.
func evaluate(task *store.Task, subtasks []store.Subtask, executions []store.SubtaskExecution) (done, allSucceeded bool, summary Summary) {
	allSucceeded = true
	done = true

	byAgent := make(map[string][]store.Subtask)
	var agentOrder []string
	for _, st := range subtasks {
		if _, seen := byAgent[st.TargetAgent]; !seen {
			agentOrder = append(agentOrder, st.TargetAgent)
		}
		byAgent[st.TargetAgent] = append(byAgent[st.TargetAgent], st)
	}

	for _, agentName := range agentOrder {
		chain := byAgent[agentName]
		agentSummary := AgentSummary{Agent: agentName, Total: len(chain), OverallSuccess: true}

		for _, st := range chain {
			latest := latestExecution(executions, st.ID, agentName)
			if latest == nil {
				done = false
				allSucceeded = false
				agentSummary.OverallSuccess = false
				continue
			}

			switch latest.Status {
			case store.ExecutionStatusCompleted:
				agentSummary.Successful++
			case store.ExecutionStatusFailed:
				if latest.AttemptIndex < st.MaxRetries {
					done = false // a retry may still be scheduled
				}
				allSucceeded = false
				agentSummary.OverallSuccess = false
			case store.ExecutionStatusCancelled:
				allSucceeded = false
				agentSummary.OverallSuccess = false
			default: // PENDING, RUNNING
				done = false
				allSucceeded = false
				agentSummary.OverallSuccess = false
			}

			elapsed := 0.0
			if latest.ExecutionSeconds != nil {
				elapsed = *latest.ExecutionSeconds
			}
			agentSummary.Subtasks = append(agentSummary.Subtasks, SubtaskSummary{
				Name: st.Name, Order: st.Order, Status: string(latest.Status),
				Result: latest.Result, Error: latest.Error, Elapsed: elapsed, Attempts: latest.AttemptIndex + 1,
			})
		}
		summary.PerAgent = append(summary.PerAgent, agentSummary)
	}

	if task.Status == store.TaskStatusPending {
		// Never dispatched at all (e.g. zero eligible agents this whole
		// time) — not "done" in a meaningful sense; leave it running.
		done = false
	}
	return done, allSucceeded, summary
}

func latestExecution(executions []store.SubtaskExecution, subtaskID int64, agentName string) *store.SubtaskExecution {
	var latest *store.SubtaskExecution
	for i := range executions {
		e := &executions[i]
		if e.SubtaskID != subtaskID || e.AgentName != agentName {
			continue
		}
		if latest == nil || e.AttemptIndex > latest.AttemptIndex {
			latest = e
		}
	}
	return latest
}
