// Package protocol defines the messages exchanged between runners, the relay and the coordinator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandType identifies an operation the coordinator asks a runner to perform.
type CommandType string

// Command types sent from coordinator to runner. This set is closed: any other
// type seen on a runner connection is an event.
const (
	CommandStartBuild        CommandType = "start-build"
	CommandStartDevServer    CommandType = "start-dev-server"
	CommandStopDevServer     CommandType = "stop-dev-server"
	CommandFetchLogs         CommandType = "fetch-logs"
	CommandRunnerHealthCheck CommandType = "runner-health-check"
)

var commandTypes = map[CommandType]struct{}{
	CommandStartBuild:        {},
	CommandStartDevServer:    {},
	CommandStopDevServer:     {},
	CommandFetchLogs:         {},
	CommandRunnerHealthCheck: {},
}

// IsCommandType reports whether t belongs to the closed command set.
func IsCommandType(t string) bool {
	_, ok := commandTypes[CommandType(t)]
	return ok
}

// CommandTypes returns the closed command set.
func CommandTypes() []CommandType {
	return []CommandType{
		CommandStartBuild,
		CommandStartDevServer,
		CommandStopDevServer,
		CommandFetchLogs,
		CommandRunnerHealthCheck,
	}
}

// Command is a unit of work sent to a runner.
type Command struct {
	ID           string            `json:"id"`
	Type         CommandType       `json:"type"`
	ProjectID    string            `json:"projectId"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"`
	TraceContext map[string]string `json:"traceContext,omitempty"`
}

// EventType identifies a unit of progress reported by a runner.
type EventType string

// Event types sent from runner to coordinator.
const (
	EventStart               EventType = "start"
	EventTextDelta           EventType = "text-delta"
	EventReasoning           EventType = "reasoning"
	EventToolInputAvailable  EventType = "tool-input-available"
	EventToolOutputAvailable EventType = "tool-output-available"
	EventToolError           EventType = "tool-error"
	EventFinish              EventType = "finish"
	EventBuildCompleted      EventType = "build-completed"
	EventBuildFailed         EventType = "build-failed"
	EventRunnerStatus        EventType = "runner-status"
	EventAnalysisStarted     EventType = "analysis-started"
	EventProjectMetadata     EventType = "project-metadata"
	EventAnalysisComplete    EventType = "analysis-complete"
	EventLog                 EventType = "log"
)

// AllEventTypes returns the full event vocabulary.
func AllEventTypes() []EventType {
	return []EventType{
		EventStart,
		EventTextDelta,
		EventReasoning,
		EventToolInputAvailable,
		EventToolOutputAvailable,
		EventToolError,
		EventFinish,
		EventBuildCompleted,
		EventBuildFailed,
		EventRunnerStatus,
		EventAnalysisStarted,
		EventProjectMetadata,
		EventAnalysisComplete,
		EventLog,
	}
}

// ToolTodoWrite is the tool whose input carries the full todo list.
const ToolTodoWrite = "TodoWrite"

// RunnerEvent is a single progress report. Fields beyond the correlation ids
// are populated depending on Type.
type RunnerEvent struct {
	Type      EventType `json:"type"`
	CommandID string    `json:"commandId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	BuildID   string    `json:"buildId,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`

	// Tool phases
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
	TodoIndex  *int            `json:"todoIndex,omitempty"`

	// Streaming text
	Delta string `json:"delta,omitempty"`

	// Completion and status
	Summary string `json:"summary,omitempty"`
	Status  string `json:"status,omitempty"`

	// Data carries type-specific payload not modelled above (project metadata,
	// runner status details, log lines).
	Data json.RawMessage `json:"data,omitempty"`
}

// EventEnvelope is the body POSTed to the coordinator's ingestion endpoint.
type EventEnvelope struct {
	CommandID string      `json:"commandId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	ProjectID string      `json:"projectId,omitempty"`
	BuildID   string      `json:"buildId,omitempty"`
	AgentID   string      `json:"agentId,omitempty"`
	Event     RunnerEvent `json:"event"`
}

// Envelope wraps the event, lifting its correlation fields to the top level.
func (e RunnerEvent) Envelope() EventEnvelope {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return EventEnvelope{
		CommandID: e.CommandID,
		SessionID: e.SessionID,
		ProjectID: e.ProjectID,
		BuildID:   e.BuildID,
		AgentID:   e.AgentID,
		Event:     e,
	}
}

// Normalize fills empty envelope correlation fields from the event and vice versa.
func (env *EventEnvelope) Normalize() {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&env.CommandID, env.Event.CommandID)
	fill(&env.SessionID, env.Event.SessionID)
	fill(&env.ProjectID, env.Event.ProjectID)
	fill(&env.BuildID, env.Event.BuildID)
	fill(&env.AgentID, env.Event.AgentID)
	fill(&env.Event.CommandID, env.CommandID)
	fill(&env.Event.SessionID, env.SessionID)
	fill(&env.Event.ProjectID, env.ProjectID)
	fill(&env.Event.BuildID, env.BuildID)
	fill(&env.Event.AgentID, env.AgentID)
}

// TodoItem is one entry of a TodoWrite tool input.
type TodoItem struct {
	Content    string `json:"content"`
	ActiveForm string `json:"activeForm,omitempty"`
	Status     string `json:"status"`
}

// TodoWriteInput is the input payload of the TodoWrite tool.
type TodoWriteInput struct {
	Todos []TodoItem `json:"todos"`
}

// ErrMalformedMessage is returned when a frame cannot be parsed or has no type.
var ErrMalformedMessage = errors.New("malformed message")

// Message is a classified socket frame: exactly one of Command or Event is set.
type Message struct {
	Command *Command
	Event   *RunnerEvent
}

// IsCommand reports whether the frame is a command.
func (m *Message) IsCommand() bool {
	return m.Command != nil
}

// Classify parses a frame received on a runner connection.
func Classify(data []byte) (*Message, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if base.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	if IsCommandType(base.Type) {
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return &Message{Command: &cmd}, nil
	}

	var ev RunnerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &Message{Event: &ev}, nil
}

// Websocket close codes used by the relay.
const (
	CloseShutdown         = 1001
	CloseHeartbeatTimeout = 4000
	CloseReplaced         = 4001
)

// Close reasons paired with the codes above.
const (
	ReasonShutdown         = "relay shutting down"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonReplaced         = "replaced by new connection"
)

// DefaultRunnerID is used when a runner connects without a runnerId.
const DefaultRunnerID = "default"
