// Package domain defines the core domain models for the coordinator.
package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a build session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// TodoStatus is the progress of one planned unit of work.
type TodoStatus string

const (
	TodoStatusPending    TodoStatus = "pending"
	TodoStatusInProgress TodoStatus = "in_progress"
	TodoStatusCompleted  TodoStatus = "completed"
)

// ToolCallState tracks a tool call through its input and result phases.
type ToolCallState string

const (
	ToolCallStateInputAvailable  ToolCallState = "input-available"
	ToolCallStateOutputAvailable ToolCallState = "output-available"
	ToolCallStateError           ToolCallState = "error"
)

// Terminal reports whether the call already has a result.
func (s ToolCallState) Terminal() bool {
	return s == ToolCallStateOutputAvailable || s == ToolCallStateError
}

// PrePlanningIndex is the todo index of tool calls made before any todo list exists.
const PrePlanningIndex = -1

// DefaultOperationType is used when a start event does not name one.
const DefaultOperationType = "build"

// BuildSession is the durable record of one build run.
type BuildSession struct {
	ID            string          `json:"id"`
	BuildID       string          `json:"buildId"`
	ProjectID     string          `json:"projectId"`
	CommandID     string          `json:"commandId,omitempty"`
	AgentID       string          `json:"agentId,omitempty"`
	OperationType string          `json:"operationType"`
	Status        SessionStatus   `json:"status"`
	Summary       string          `json:"summary,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	EndedAt       *time.Time      `json:"endedAt,omitempty"`
	LastEventAt   time.Time       `json:"lastEventAt"`
	Snapshot      json.RawMessage `json:"-"`
}

// Todo is one planned unit of build work, keyed by (SessionID, Index).
type Todo struct {
	SessionID  string     `json:"sessionId"`
	Index      int        `json:"todoIndex"`
	Content    string     `json:"content"`
	ActiveForm string     `json:"activeForm,omitempty"`
	Status     TodoStatus `json:"status"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ToolCall is one tool invocation, keyed by (SessionID, ToolCallID).
type ToolCall struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	TodoIndex  int             `json:"todoIndex"`
	State      ToolCallState   `json:"state"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	EndedAt    *time.Time      `json:"endedAt,omitempty"`
}

// GenerationState is the UI-facing view of a build rebuilt from stored rows.
type GenerationState struct {
	SessionID       string             `json:"sessionId"`
	BuildID         string             `json:"buildId"`
	ProjectID       string             `json:"projectId"`
	OperationType   string             `json:"operationType"`
	Status          SessionStatus      `json:"status"`
	Todos           []Todo             `json:"todos"`
	ToolsByTodo     map[int][]ToolCall `json:"toolsByTodo"`
	ActiveTodoIndex int                `json:"activeTodoIndex"`
	IsActive        bool               `json:"isActive"`
	Summary         string             `json:"summary,omitempty"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	EndedAt         *time.Time         `json:"endedAt,omitempty"`
	// Reconciled is set when the stored status disagreed with the rows and the
	// view was corrected on read.
	Reconciled bool `json:"-"`
}
