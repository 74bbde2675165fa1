package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/buildrelay/coordinator/internal/domain"
	"github.com/xiaot623/buildrelay/coordinator/internal/tracker"
)

// Reconstruct builds the UI view of a session from its stored rows. An
// active session whose rows say it is done is reported inactive with
// Reconciled set.
func Reconstruct(session *domain.BuildSession, todos []domain.Todo, calls []domain.ToolCall) domain.GenerationState {
	state := domain.GenerationState{
		SessionID:       session.ID,
		BuildID:         session.BuildID,
		ProjectID:       session.ProjectID,
		OperationType:   session.OperationType,
		Status:          session.Status,
		Todos:           make([]domain.Todo, 0, len(todos)),
		ToolsByTodo:     make(map[int][]domain.ToolCall),
		ActiveTodoIndex: firstInProgress(todos),
		IsActive:        session.Status == domain.SessionStatusActive,
		Summary:         session.Summary,
		StartedAt:       session.StartedAt,
		EndedAt:         session.EndedAt,
	}
	state.Todos = append(state.Todos, todos...)
	for _, c := range calls {
		state.ToolsByTodo[c.TodoIndex] = append(state.ToolsByTodo[c.TodoIndex], c)
	}

	if state.IsActive && looksFinished(session, todos) {
		state.IsActive = false
		state.Status = domain.SessionStatusCompleted
		state.Reconciled = true
	}
	return state
}

func looksFinished(session *domain.BuildSession, todos []domain.Todo) bool {
	if len(todos) == 0 {
		return session.Summary != "" || session.EndedAt != nil
	}
	for _, t := range todos {
		if t.Status != domain.TodoStatusCompleted {
			return false
		}
	}
	return true
}

func firstInProgress(todos []domain.Todo) int {
	for _, t := range todos {
		if t.Status == domain.TodoStatusInProgress {
			return t.Index
		}
	}
	return domain.PrePlanningIndex
}

// GenerationState returns the current view of a build. A stored snapshot is
// preferred; otherwise the view is rebuilt from rows.
func (s *Service) GenerationState(ctx context.Context, buildID string) (*domain.GenerationState, error) {
	session, err := s.store.GetSessionByBuildID(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return s.stateFor(ctx, session)
}

func (s *Service) stateFor(ctx context.Context, session *domain.BuildSession) (*domain.GenerationState, error) {
	if len(session.Snapshot) > 0 {
		var snap domain.GenerationState
		err := json.Unmarshal(session.Snapshot, &snap)
		if err == nil {
			return &snap, nil
		}
		log.Printf("WARN: ignoring unreadable snapshot for session %s: %v", session.ID, err)
	}

	state, err := s.reconstructFromRows(ctx, session)
	if err != nil {
		return nil, err
	}
	if state.Reconciled {
		s.heal(session.ID)
	}
	return state, nil
}

func (s *Service) reconstructFromRows(ctx context.Context, session *domain.BuildSession) (*domain.GenerationState, error) {
	todos, err := s.store.ListTodos(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load todos: %w", err)
	}
	calls, err := s.store.ListToolCalls(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool calls: %w", err)
	}
	state := Reconstruct(session, todos, calls)
	return &state, nil
}

// heal completes a session the read path found finished but still active.
func (s *Service) heal(sessionID string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ok, err := s.store.FinishSession(ctx, sessionID, domain.SessionStatusCompleted, "", s.now())
		if err != nil {
			log.Printf("WARN: failed to reconcile session %s: %v", sessionID, err)
			return
		}
		if ok {
			s.metrics.SelfHealed()
			s.metrics.SessionFinished(string(domain.SessionStatusCompleted), "reconciled")
			log.Printf("Reconciled stuck session %s to completed", sessionID)
		}
	}()
}

// History is the reconnection view of a project.
type History struct {
	ProjectID string                  `json:"projectId"`
	Sessions  []domain.BuildSession   `json:"sessions"`
	Latest    *domain.GenerationState `json:"latest,omitempty"`
}

// History finalizes stuck sessions and returns the project's sessions,
// newest first, with the state of the most recent one.
func (s *Service) History(ctx context.Context, projectID string, limit int) (*History, error) {
	if _, err := s.CleanupStuckSessions(ctx); err != nil {
		log.Printf("WARN: stuck session cleanup failed: %v", err)
	}

	sessions, err := s.store.ListSessionsByProject(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	h := &History{ProjectID: projectID, Sessions: sessions}
	if h.Sessions == nil {
		h.Sessions = []domain.BuildSession{}
	}
	if len(sessions) > 0 {
		latest := sessions[0]
		state, err := s.stateFor(ctx, &latest)
		if err != nil {
			return nil, err
		}
		h.Latest = state
	}
	return h, nil
}

const stuckSweepBatch = 100

// CleanupStuckSessions completes active sessions that have received no event
// for longer than the inactivity threshold. It returns how many it finalized.
func (s *Service) CleanupStuckSessions(ctx context.Context) (int, error) {
	now := s.now()
	stuck, err := s.store.ListStuckSessions(ctx, now.Add(-s.inactivityThreshold()), stuckSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck sessions: %w", err)
	}

	cleaned := 0
	for _, bs := range stuck {
		ok, err := s.store.FinishSession(ctx, bs.ID, domain.SessionStatusCompleted, "", now)
		if err != nil {
			log.Printf("WARN: failed to finalize stuck session %s: %v", bs.ID, err)
			continue
		}
		if !ok {
			continue
		}
		cleaned++
		s.forget(ctx, tracker.SessionKeys(bs.ID)...)
		s.metrics.SessionFinished(string(domain.SessionStatusCompleted), "inactivity")
		log.Printf("Finalized stuck session %s (build %s), idle since %s", bs.ID, bs.BuildID, bs.LastEventAt.Format(time.RFC3339))
	}
	s.metrics.StuckCleaned(cleaned)
	return cleaned, nil
}
