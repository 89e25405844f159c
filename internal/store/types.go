package store

import "time"

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// ExecutionStatus is the lifecycle status of a SubtaskExecution row.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// taskTransitions is the legal task status transition table:
// PENDING -> RUNNING -> {COMPLETED, FAILED}; any non-terminal state ->
// CANCELLED; terminal states are absorbing.
var taskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
}

func canTransitionTask(from, to TaskStatus) bool {
	if from == to {
		return true // idempotent no-op, per update_task_status contract
	}
	if to == TaskStatusCancelled {
		return !isTerminalTask(from)
	}
	next, ok := taskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func isTerminalTask(s TaskStatus) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// executionTransitions is the legal SubtaskExecution transition table:
// PENDING -> RUNNING -> terminal; PENDING can also fail at
// dispatch time or be cancelled directly.
var executionTransitions = map[ExecutionStatus]map[ExecutionStatus]struct{}{
	ExecutionStatusPending: {
		ExecutionStatusRunning:   {},
		ExecutionStatusFailed:    {},
		ExecutionStatusCancelled: {},
	},
	ExecutionStatusRunning: {
		ExecutionStatusCompleted: {},
		ExecutionStatusFailed:    {},
		ExecutionStatusCancelled: {},
	},
}

func canTransitionExecution(from, to ExecutionStatus) bool {
	if from == to {
		return true
	}
	next, ok := executionTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func isTerminalExecution(s ExecutionStatus) bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Presence is the derived liveness classification of an agent. It is
// never stored — always computed on read.
type Presence string

const (
	PresenceOffline Presence = "OFFLINE"
	PresenceFree    Presence = "FREE"
	PresenceBusy    Presence = "BUSY"
)

// Agent is the durable record for one fleet machine.
type Agent struct {
	Name             string     `json:"name"`
	Address          string     `json:"address"`
	Capabilities     []string   `json:"capabilities"` // JSON array in storage
	Fingerprint      string     `json:"fingerprint"`  // opaque JSON blob
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
	LastConfigUpdate *time.Time `json:"last_config_update,omitempty"`
	CurrentTaskID    *int64     `json:"current_task_id,omitempty"`
	CurrentSubtaskID *int64     `json:"current_subtask_id,omitempty"`
	ReportedStatus   string     `json:"reported_status"` // advisory only, never trusted
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Task is a user-defined job.
type Task struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	CreatedBy       string     `json:"created_by"`
	ScheduleTime    *time.Time `json:"schedule_time,omitempty"`
	CronExpression  string     `json:"cron_expression,omitempty"`
	MaxRetries      int        `json:"max_retries"`
	SendEmail       bool       `json:"send_email"`
	EmailRecipients []string   `json:"email_recipients,omitempty"`
	Status          TaskStatus `json:"status"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
}

// Subtask is a subtask definition embedded in a Task.
type Subtask struct {
	ID             int64     `json:"id"`
	TaskID         int64     `json:"task_id"`
	Name           string    `json:"name"` // kind key into the subtask registry
	TargetAgent    string    `json:"target_agent"`
	Order          int       `json:"order"`
	Args           string    `json:"args"`   // JSON object
	Kwargs         string    `json:"kwargs"` // JSON object
	TimeoutSeconds int       `json:"timeout_seconds"`
	MaxRetries     int       `json:"max_retries"`
	StopOnFailure  bool      `json:"stop_on_failure"`
	CreatedAt      time.Time `json:"created_at"`
}

// SubtaskExecution is the durable record of one attempt to run one subtask
// on one agent. Immutable once terminal.
type SubtaskExecution struct {
	ID               int64           `json:"id"`
	TaskID           int64           `json:"task_id"`
	SubtaskID        int64           `json:"subtask_id"`
	SubtaskName      string          `json:"subtask_name"`
	Order            int             `json:"order"`
	AgentName        string          `json:"agent_name"`
	AttemptIndex     int             `json:"attempt_index"`
	Status           ExecutionStatus `json:"status"`
	Result           string          `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ExecutionSeconds *float64        `json:"execution_seconds,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// CommLogEntry is an append-only audit row, not authoritative state.
type CommLogEntry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	AgentName    string    `json:"agent_name,omitempty"`
	AgentAddress string    `json:"agent_address,omitempty"`
	Action       string    `json:"action"`
	Message      string    `json:"message"`
	Level        string    `json:"level"`
}

// TaskSpec is the input to create_task.
type TaskSpec struct {
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	CreatedBy       string        `json:"created_by"`
	ScheduleTime    *time.Time    `json:"schedule_time,omitempty"`
	CronExpression  string        `json:"cron_expression,omitempty"`
	MaxRetries      int           `json:"max_retries"`
	SendEmail       bool          `json:"send_email"`
	EmailRecipients []string      `json:"email_recipients,omitempty"`
	Subtasks        []SubtaskSpec `json:"subtasks"`
}

// SubtaskSpec is one subtask definition within a TaskSpec.
type SubtaskSpec struct {
	Name           string `json:"name"`
	TargetAgent    string `json:"target_agent"`
	Order          int    `json:"order"`
	Args           string `json:"args"`
	Kwargs         string `json:"kwargs"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
	StopOnFailure  bool   `json:"stop_on_failure"`
}
