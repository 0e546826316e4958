// Package models defines the core domain types for swarm.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError || s == TaskStatusTimeout
}

// Priority orders waiters in the admission queue. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// LowestPriority is the class rejected outright under resource pressure.
const LowestPriority = PriorityLow

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority maps a name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	}
	return PriorityNormal
}

// Progress is a snapshot of what a running task's session has done so far.
type Progress struct {
	ToolCalls   int       `json:"tool_calls"`
	LastTool    string    `json:"last_tool,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
}

// Task is one delegated unit of work bound to a remote session.
type Task struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	ParentSessionID string     `json:"parent_session_id"`
	Description     string     `json:"description"`
	Prompt          string     `json:"prompt"`
	Agent           string     `json:"agent"`
	Priority        Priority   `json:"priority"`
	Status          TaskStatus `json:"status"`
	Error           string     `json:"error,omitempty"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Depth           int        `json:"depth"`

	// ConcurrencyKey is set while the task holds an admission slot.
	ConcurrencyKey string `json:"concurrency_key,omitempty"`

	Progress     *Progress `json:"progress,omitempty"`
	LastMsgCount int       `json:"-"`
	StablePolls  int       `json:"-"`
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	if t.Progress != nil {
		p := *t.Progress
		t.Progress = &p
	}
	return t
}

// SessionHealth is the pool's view of a pooled session.
type SessionHealth string

const (
	SessionHealthy  SessionHealth = "healthy"
	SessionDegraded SessionHealth = "degraded"
)

// PooledSession is a reusable remote execution context.
type PooledSession struct {
	ID              string        `json:"id"`
	Category        string        `json:"category"`
	ParentSessionID string        `json:"parent_session_id"`
	CreatedAt       time.Time     `json:"created_at"`
	LastUsedAt      time.Time     `json:"last_used_at"`
	LastResetAt     time.Time     `json:"last_reset_at"`
	ReuseCount      int           `json:"reuse_count"`
	InUse           bool          `json:"in_use"`
	Health          SessionHealth `json:"health"`
}

// MissionStatus is the outer loop state.
type MissionStatus string

const (
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
	MissionCancelled MissionStatus = "cancelled"
)

// MissionState is the iterate-until-verified loop state of one top-level session.
type MissionState struct {
	SessionID     string        `json:"session_id"`
	Status        MissionStatus `json:"status"`
	Iteration     int           `json:"iteration"`
	MaxIterations int           `json:"max_iterations"`
	Prompt        string        `json:"prompt"`
	StartedAt     time.Time     `json:"started_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	WorkHash      string        `json:"work_hash,omitempty"`
	Stagnation    int           `json:"stagnation"`
	SawWork       bool          `json:"saw_work"`
}

// SessionStatus is the remote host's activity state for a session.
type SessionStatus string

const (
	SessionIdle  SessionStatus = "idle"
	SessionBusy  SessionStatus = "busy"
	SessionRetry SessionStatus = "retry"
)

// Part types found in session messages.
const (
	PartText      = "text"
	PartTool      = "tool"
	PartToolUse   = "tool_use"
	PartReasoning = "reasoning"
)

// Part is one piece of a session message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
	Name string `json:"name,omitempty"`
}

// Message is one message of a remote session.
type Message struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Todo is one outstanding work item reported by a session.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// IsIncomplete reports whether the item still needs work.
func (t Todo) IsIncomplete() bool {
	return t.Status != "completed" && t.Status != "cancelled"
}

// EventType names an external or internal lifecycle signal.
type EventType string

const (
	EventSessionIdle    EventType = "session.idle"
	EventSessionDeleted EventType = "session.deleted"

	EventTaskLaunched  EventType = "task.launched"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventMissionPass   EventType = "mission.pass"
)

// Event is a typed lifecycle signal.
type Event struct {
	Type      EventType         `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Time      time.Time         `json:"time"`
	Data      map[string]string `json:"data,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ArchivedTask is the history row written when a finished task is collected.
type ArchivedTask struct {
	ID              string     `json:"id"`
	Agent           string     `json:"agent"`
	Prompt          string     `json:"prompt"`
	Status          TaskStatus `json:"status"`
	ParentSessionID string     `json:"parent_session_id"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ArchivedAt      time.Time  `json:"archived_at"`
}
