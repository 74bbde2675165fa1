// Package store persists build sessions, todos and tool calls.
package store

import (
	"context"
	"time"

	"github.com/xiaot623/buildrelay/coordinator/internal/domain"
)

// Store defines the interface for build-state persistence. Every write is an
// upsert keyed by a stable identifier or a conditional update, so applying
// the same event twice leaves the same rows.
type Store interface {
	// Sessions
	GetOrCreateSession(ctx context.Context, session *domain.BuildSession) (*domain.BuildSession, bool, error)
	GetSession(ctx context.Context, id string) (*domain.BuildSession, error)
	GetSessionByBuildID(ctx context.Context, buildID string) (*domain.BuildSession, error)
	GetSessionByCommandID(ctx context.Context, commandID string) (*domain.BuildSession, error)
	LatestSessionForProject(ctx context.Context, projectID string) (*domain.BuildSession, error)
	ListSessionsByProject(ctx context.Context, projectID string, limit int) ([]domain.BuildSession, error)
	ListStuckSessions(ctx context.Context, idleSince time.Time, limit int) ([]domain.BuildSession, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	ActivateSession(ctx context.Context, id string, at time.Time) (bool, error)
	FinishSession(ctx context.Context, id string, status domain.SessionStatus, summary string, at time.Time) (bool, error)
	SetSessionSummary(ctx context.Context, id, summary string) error
	MarkAnnounced(ctx context.Context, id string, at time.Time) (bool, error)
	SaveSnapshot(ctx context.Context, id string, snapshot []byte) error

	// Todos
	ReplaceTodos(ctx context.Context, sessionID string, todos []domain.Todo) error
	ListTodos(ctx context.Context, sessionID string) ([]domain.Todo, error)

	// Tool calls
	UpsertToolCallInput(ctx context.Context, tc *domain.ToolCall) error
	GetToolCall(ctx context.Context, sessionID, toolCallID string) (*domain.ToolCall, error)
	CompleteToolCall(ctx context.Context, sessionID, toolCallID string, state domain.ToolCallState, output []byte, errorText string, at time.Time) (bool, error)
	ListToolCalls(ctx context.Context, sessionID string) ([]domain.ToolCall, error)

	Close() error
}
