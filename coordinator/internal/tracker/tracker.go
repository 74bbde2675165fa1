// Package tracker remembers which one-shot side effects of a build already
// happened, so replayed events do not repeat them.
package tracker

import (
	"context"
	"fmt"
)

// Store records once-only markers and small integer values per key.
type Store interface {
	// SetOnce marks key and reports whether this call was the first to do so.
	SetOnce(ctx context.Context, key string) (bool, error)
	GetInt(ctx context.Context, key string) (int, bool, error)
	SetInt(ctx context.Context, key string, v int) error
	Delete(ctx context.Context, keys ...string) error
}

func StartedKey(sessionID string) string   { return fmt.Sprintf("session:%s:started", sessionID) }
func FinalizedKey(sessionID string) string { return fmt.Sprintf("session:%s:finalized", sessionID) }
func AnnouncedKey(sessionID string) string { return fmt.Sprintf("session:%s:announced", sessionID) }
func FailedKey(sessionID string) string    { return fmt.Sprintf("session:%s:failed", sessionID) }
func TodoCountKey(sessionID string) string { return fmt.Sprintf("session:%s:todo-count", sessionID) }
func ActiveTodoKey(sessionID string) string {
	return fmt.Sprintf("session:%s:active-todo", sessionID)
}

// SessionKeys lists every key the tracker may hold for a session.
func SessionKeys(sessionID string) []string {
	return []string{
		StartedKey(sessionID),
		FinalizedKey(sessionID),
		AnnouncedKey(sessionID),
		FailedKey(sessionID),
		TodoCountKey(sessionID),
		ActiveTodoKey(sessionID),
	}
}
