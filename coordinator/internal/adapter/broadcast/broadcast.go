// Package broadcast publishes build progress to the UI gateway.
package broadcast

import (
	"context"
	"sync"

	"github.com/xiaot623/buildrelay/internal/protocol"
)

// Update types pushed to the UI.
const (
	UpdateBuildStarted  = "build-started"
	UpdateTodosUpdated  = "todos-updated"
	UpdateToolUpdated   = "tool-updated"
	UpdateToolStarted   = "tool-started"
	UpdateBuildComplete = "build-complete"
	UpdateBuildFailed   = "build-failed"
	// UpdateEvent relays a runner event unchanged.
	UpdateEvent = "event"
)

// Update is one message for the clients watching a project.
type Update struct {
	Type      string                `json:"type"`
	ProjectID string                `json:"project_id"`
	BuildID   string                `json:"build_id,omitempty"`
	SessionID string                `json:"session_id,omitempty"`
	Event     *protocol.RunnerEvent `json:"event,omitempty"`
	Data      interface{}           `json:"data,omitempty"`
	Timestamp int64                 `json:"timestamp"`
}

// Broadcaster fans updates out to a project's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, projectID string, msg Update) error
}

// Nop discards every update.
type Nop struct{}

func (Nop) Broadcast(context.Context, string, Update) error { return nil }

// Recorder keeps updates in memory.
type Recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *Recorder) Broadcast(_ context.Context, projectID string, msg Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.ProjectID = projectID
	r.updates = append(r.updates, msg)
	return nil
}

// Updates returns a copy of everything recorded.
func (r *Recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// OfType returns the recorded updates with the given type.
func (r *Recorder) OfType(t string) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, u := range r.updates {
		if u.Type == t {
			out = append(out, u)
		}
	}
	return out
}

// Reset forgets recorded updates.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
}
