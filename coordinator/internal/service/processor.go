package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/broadcast"
	"github.com/xiaot623/buildrelay/coordinator/internal/domain"
	"github.com/xiaot623/buildrelay/coordinator/internal/metrics"
	"github.com/xiaot623/buildrelay/coordinator/internal/tracker"
	"github.com/xiaot623/buildrelay/internal/protocol"
)

// handlerFunc applies one event. session is nil for project-level events.
type handlerFunc func(ctx context.Context, session *domain.BuildSession, env *protocol.EventEnvelope) error

// projectLevel events describe the runner or project, not a build.
var projectLevel = map[protocol.EventType]bool{
	protocol.EventRunnerStatus:     true,
	protocol.EventAnalysisStarted:  true,
	protocol.EventProjectMetadata:  true,
	protocol.EventAnalysisComplete: true,
}

func (s *Service) eventHandlers() map[protocol.EventType]handlerFunc {
	return map[protocol.EventType]handlerFunc{
		protocol.EventStart:               s.handleStart,
		protocol.EventToolInputAvailable:  s.handleToolInput,
		protocol.EventToolOutputAvailable: s.handleToolResult,
		protocol.EventToolError:           s.handleToolResult,
		protocol.EventBuildCompleted:      s.handleBuildCompleted,
		protocol.EventBuildFailed:         s.handleBuildFailed,
		protocol.EventTextDelta:           s.relayOnly,
		protocol.EventReasoning:           s.relayOnly,
		protocol.EventFinish:              s.relayOnly,
		protocol.EventLog:                 s.relayOnly,
		protocol.EventRunnerStatus:        s.relayOnly,
		protocol.EventAnalysisStarted:     s.relayOnly,
		protocol.EventProjectMetadata:     s.relayOnly,
		protocol.EventAnalysisComplete:    s.relayOnly,
	}
}

// HasHandler reports whether t is handled.
func (s *Service) HasHandler(t protocol.EventType) bool {
	_, ok := s.handlers[t]
	return ok
}

// Process applies a single runner event. Events that cannot be correlated
// are dropped and reported as success so the relay does not retry them.
func (s *Service) Process(ctx context.Context, env protocol.EventEnvelope) error {
	env.Normalize()
	eventType := env.Event.Type

	handler, ok := s.handlers[eventType]
	if !ok {
		log.Printf("WARN: ignoring unknown event type %q", eventType)
		s.metrics.EventProcessed(string(eventType), metrics.ResultDropped)
		return nil
	}

	var session *domain.BuildSession
	if !projectLevel[eventType] {
		var err error
		session, err = s.resolveSession(ctx, &env)
		if err != nil {
			if errors.Is(err, ErrMissingCorrelation) {
				log.Printf("WARN: dropping %s event: %v", eventType, err)
				s.metrics.EventProcessed(string(eventType), metrics.ResultDropped)
				return nil
			}
			s.metrics.EventProcessed(string(eventType), metrics.ResultError)
			return err
		}
		if env.ProjectID == "" {
			env.ProjectID = session.ProjectID
		}
	}

	if err := handler(ctx, session, &env); err != nil {
		switch {
		case errors.Is(err, ErrMissingCorrelation):
			s.metrics.EventProcessed(string(eventType), metrics.ResultDropped)
			return nil
		case errors.Is(err, ErrInvalidEvent):
			s.metrics.EventProcessed(string(eventType), metrics.ResultInvalid)
		default:
			s.metrics.EventProcessed(string(eventType), metrics.ResultError)
		}
		log.Printf("ERROR: failed to process %s event for build %s: %v", eventType, env.BuildID, err)
		return err
	}

	s.metrics.EventProcessed(string(eventType), metrics.ResultOK)
	return nil
}

// ProcessBatch applies events in order. A failing event does not stop the
// rest; the returned slice holds one entry per event, nil on success.
func (s *Service) ProcessBatch(ctx context.Context, envs []protocol.EventEnvelope) []error {
	errs := make([]error, len(envs))
	for i := range envs {
		errs[i] = s.Process(ctx, envs[i])
	}
	return errs
}

// resolveSession finds the session owning env, creating it on first sight,
// and records the event time.
func (s *Service) resolveSession(ctx context.Context, env *protocol.EventEnvelope) (*domain.BuildSession, error) {
	var session *domain.BuildSession
	switch {
	case env.BuildID != "":
		got, err := s.getOrCreateSession(ctx, env, env.BuildID)
		if err != nil {
			return nil, err
		}
		session = got
	case env.CommandID != "":
		// A build started through StartBuild already has a row carrying the
		// command id under its real build id.
		got, err := s.store.GetSessionByCommandID(ctx, env.CommandID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up session for command %s: %w", env.CommandID, err)
		}
		if got == nil {
			got, err = s.getOrCreateSession(ctx, env, env.CommandID)
			if err != nil {
				return nil, err
			}
		}
		session = got
	case env.ProjectID != "":
		got, err := s.store.LatestSessionForProject(ctx, env.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up latest session for project %s: %w", env.ProjectID, err)
		}
		if got == nil {
			return nil, fmt.Errorf("%w: project %s has no sessions", ErrMissingCorrelation, env.ProjectID)
		}
		log.Printf("WARN: %s event without build or command id, attributed to latest session %s of project %s",
			env.Event.Type, got.ID, env.ProjectID)
		session = got
	default:
		return nil, fmt.Errorf("%w: no build, command or project id", ErrMissingCorrelation)
	}

	if env.BuildID == "" {
		env.BuildID = session.BuildID
	}
	if err := s.store.TouchSession(ctx, session.ID, s.now()); err != nil {
		return nil, fmt.Errorf("failed to touch session %s: %w", session.ID, err)
	}
	return session, nil
}

func (s *Service) getOrCreateSession(ctx context.Context, env *protocol.EventEnvelope, key string) (*domain.BuildSession, error) {
	got, created, err := s.store.GetOrCreateSession(ctx, &domain.BuildSession{
		BuildID:       key,
		ProjectID:     env.ProjectID,
		CommandID:     env.CommandID,
		AgentID:       env.AgentID,
		OperationType: operationType(&env.Event),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session for build %s: %w", key, err)
	}
	if created {
		log.Printf("Created build session %s for build %s (project %s)", got.ID, key, env.ProjectID)
	}
	return got, nil
}

func operationType(ev *protocol.RunnerEvent) string {
	if ev.Type != protocol.EventStart || len(ev.Data) == 0 {
		return ""
	}
	var data struct {
		OperationType string `json:"operationType"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return ""
	}
	return data.OperationType
}

func (s *Service) handleStart(ctx context.Context, session *domain.BuildSession, env *protocol.EventEnvelope) error {
	first, err := s.tracker.SetOnce(ctx, tracker.StartedKey(session.ID))
	if err != nil {
		return fmt.Errorf("failed to mark session started: %w", err)
	}
	if !first {
		return nil
	}

	activated, err := s.store.ActivateSession(ctx, session.ID, s.now())
	if err != nil {
		s.forget(ctx, tracker.StartedKey(session.ID))
		return fmt.Errorf("failed to activate session: %w", err)
	}
	if !activated {
		return nil
	}

	s.broadcast(ctx, env, broadcast.Update{
		Type:      broadcast.UpdateBuildStarted,
		BuildID:   session.BuildID,
		SessionID: session.ID,
		Data: map[string]interface{}{
			"operationType": session.OperationType,
		},
	})
	return nil
}

func (s *Service) handleToolInput(ctx context.Context, session *domain.BuildSession, env *protocol.EventEnvelope) error {
	ev := &env.Event
	if ev.ToolName == protocol.ToolTodoWrite {
		return s.handleTodoWrite(ctx, session, env)
	}
	if ev.ToolCallID == "" {
		return fmt.Errorf("%w: tool input without toolCallId", ErrInvalidEvent)
	}

	todoIndex := domain.PrePlanningIndex
	if ev.TodoIndex != nil {
		todoIndex = *ev.TodoIndex
	} else {
		idx, err := s.activeTodoIndex(ctx, session.ID)
		if err != nil {
			return err
		}
		todoIndex = idx
	}

	call := &domain.ToolCall{
		SessionID:  session.ID,
		ToolCallID: ev.ToolCallID,
		ToolName:   ev.ToolName,
		TodoIndex:  todoIndex,
		State:      domain.ToolCallStateInputAvailable,
		Input:      ev.Input,
		StartedAt:  s.now(),
	}
	if err := s.store.UpsertToolCallInput(ctx, call); err != nil {
		return fmt.Errorf("failed to record tool call %s: %w", ev.ToolCallID, err)
	}

	if todoIndex < 0 {
		s.broadcast(ctx, env, broadcast.Update{
			Type:      broadcast.UpdateToolStarted,
			BuildID:   session.BuildID,
			SessionID: session.ID,
			Data:      call,
		})
	}
	return nil
}

func (s *Service) handleTodoWrite(ctx context.Context, session *domain.BuildSession, env *protocol.EventEnvelope) error {
	var input protocol.TodoWriteInput
	if err := json.Unmarshal(env.Event.Input, &input); err != nil {
		return fmt.Errorf("%w: TodoWrite input: %v", ErrInvalidEvent, err)
	}

	todos := make([]domain.Todo, len(input.Todos))
	active := domain.PrePlanningIndex
	allCompleted := len(input.Todos) > 0
	for i, item := range input.Todos {
		status := domain.TodoStatus(item.Status)
		switch status {
		case domain.TodoStatusPending, domain.TodoStatusInProgress, domain.TodoStatusCompleted:
		default:
			status = domain.TodoStatusPending
		}
		if status == domain.TodoStatusInProgress && active < 0 {
			active = i
		}
		if status != domain.TodoStatusCompleted {
			allCompleted = false
		}
		todos[i] = domain.Todo{
			SessionID:  session.ID,
			Index:      i,
			Content:    item.Content,
			ActiveForm: item.ActiveForm,
			Status:     status,
		}
	}

	if err := s.store.ReplaceTodos(ctx, session.ID, todos); err != nil {
		return fmt.Errorf("failed to store todos: %w", err)
	}
	if err := s.tracker.SetInt(ctx, tracker.ActiveTodoKey(session.ID), active); err != nil {
		log.Printf("WARN: failed to track active todo for session %s: %v", session.ID, err)
	}
	if err := s.tracker.SetInt(ctx, tracker.TodoCountKey(session.ID), len(todos)); err != nil {
		log.Printf("WARN: failed to track todo count for session %s: %v", session.ID, err)
	}

	s.broadcast(ctx, env, broadcast.Update{
		Type:      broadcast.UpdateTodosUpdated,
		BuildID:   session.BuildID,
		SessionID: session.ID,
		Data: map[string]interface{}{
			"todos":           todos,
			"activeTodoIndex": active,
		},
	})

	if !allCompleted {
		return nil
	}

	// The build-complete broadcast waits for the runner's build-completed
	// event, which carries the summary.
	first, err := s.tracker.SetOnce(ctx, tracker.FinalizedKey(session.ID))
	if err != nil {
		return fmt.Errorf("failed to mark session finalized: %w", err)
	}
	if !first {
		return nil
	}
	finished, err := s.store.FinishSession(ctx, session.ID, domain.SessionStatusCompleted, "", s.now())
	if err != nil {
		s.forget(ctx, tracker.FinalizedKey(session.ID))
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if finished {
		s.metrics.SessionFinished(string(domain.SessionStatusCompleted), "todos")
		log.Printf("Build session %s completed: all %d todos done", session.ID, len(todos))
	}
	return nil
}

// activeTodoIndex returns the tracked in-progress todo, recomputing it from
// storage when the tracker has no entry.
func (s *Service) activeTodoIndex(ctx context.Context, sessionID string) (int, error) {
	idx, ok, err := s.tracker.GetInt(ctx, tracker.ActiveTodoKey(sessionID))
	if err != nil {
		log.Printf("WARN: failed to read active todo for session %s: %v", sessionID, err)
	}
	if ok {
		return idx, nil
	}

	todos, err := s.store.ListTodos(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to load todos: %w", err)
	}
	idx = firstInProgress(todos)
	if err := s.tracker.SetInt(ctx, tracker.ActiveTodoKey(sessionID), idx); err != nil {
		log.Printf("WARN: failed to track active todo for session %s: %v", sessionID, err)
	}
	return idx, nil
}

func (s *Service) handleToolResult(ctx context.Context, session *domain.BuildSession, env *protocol.EventEnvelope) error {
	ev := &env.Event
	before, err := s.store.GetToolCall(ctx, session.ID, ev.ToolCallID)
	if err != nil {
		return fmt.Errorf("failed to load tool call %s: %w", ev.ToolCallID, err)
	}
	if before == nil {
		return fmt.Errorf("%w: tool call %s", ErrMissingCorrelation, ev.ToolCallID)
	}

	state := domain.ToolCallStateOutputAvailable
	output := []byte(ev.Output)
	errorText := ""
	if ev.Type == protocol.EventToolError {
		state = domain.ToolCallStateError
		output = nil
		errorText = ev.ErrorText
	}

	if _, err := s.store.CompleteToolCall(ctx, session.ID, ev.ToolCallID, state, output, errorText, s.now()); err != nil {
		return fmt.Errorf("failed to complete tool call %s: %w", ev.ToolCallID, err)
	}
	after, err := s.store.GetToolCall(ctx, session.ID, ev.ToolCallID)
	if err != nil {
		return fmt.Errorf("failed to reload tool call %s: %w", ev.ToolCallID, err)
	}

	s.broadcast(ctx, env, broadcast.Update{
		Type:      broadcast.UpdateToolUpdated,
		BuildID:   session.BuildID,
		SessionID: session.ID,
		Data: map[string]interface{}{
			"before": before,
			"after":  after,
		},
	})
	return nil
}

func (s *Service) handleBuildCompleted(ctx context.Context, session *domain.BuildSession, env *protocol.EventEnvelope) error {
	summary := env.Event.Summary
	if summary != "" && session.Status != domain.SessionStatusFailed {
		if err := s.store.SetSessionSummary(ctx, session.ID, summary); err != nil {
			return fmt.Errorf("failed to store summary: %w", err)
		}
	}

	finished, err := s.store.FinishSession(ctx, session.ID, domain.SessionStatusCompleted, summary, s.now())
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if finished {
		s.metrics.SessionFinished(string(domain.SessionStatusCompleted), "event")
	}
	if err := s.saveSnapshot(ctx, session.ID); err != nil {
		log.Printf("WARN: failed to save snapshot for session %s: %v", session.ID, err)
	}

	announce, err := s.shouldAnnounce(ctx, session.ID, tracker.AnnouncedKey(session.ID), domain.SessionStatusCompleted)
	if err != nil {
		return err
	}
	if !announce {
		return nil
	}
	s.broadcast(ctx, env, broadcast.Update{
		Type:      broadcast.UpdateBuildComplete,
		BuildID:   session.BuildID,
		SessionID: session.ID,
		Data: map[string]interface{}{
			"summary": summary,
		},
	})
	return nil
}

func (s *Service) handleBuildFailed(ctx context.Context, session *domain.BuildSession, env *protocol.EventEnvelope) error {
	summary := env.Event.Summary
	if summary == "" {
		summary = env.Event.ErrorText
	}

	finished, err := s.store.FinishSession(ctx, session.ID, domain.SessionStatusFailed, summary, s.now())
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	if finished {
		s.metrics.SessionFinished(string(domain.SessionStatusFailed), "event")
		if err := s.saveSnapshot(ctx, session.ID); err != nil {
			log.Printf("WARN: failed to save snapshot for session %s: %v", session.ID, err)
		}
	}

	announce, err := s.shouldAnnounce(ctx, session.ID, tracker.FailedKey(session.ID), domain.SessionStatusFailed)
	if err != nil {
		return err
	}
	if !announce {
		return nil
	}
	s.broadcast(ctx, env, broadcast.Update{
		Type:      broadcast.UpdateBuildFailed,
		BuildID:   session.BuildID,
		SessionID: session.ID,
		Data: map[string]interface{}{
			"summary": summary,
		},
	})
	return nil
}

// shouldAnnounce reports whether the terminal outcome of a session is to be
// broadcast now. The session must have ended in want, and the announcement
// is recorded in storage so it survives a tracker reset.
func (s *Service) shouldAnnounce(ctx context.Context, sessionID, key string, want domain.SessionStatus) (bool, error) {
	first, err := s.tracker.SetOnce(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to mark session announced: %w", err)
	}
	if !first {
		return false, nil
	}

	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.forget(ctx, key)
		return false, fmt.Errorf("failed to reload session: %w", err)
	}
	if current == nil || current.Status != want {
		return false, nil
	}
	marked, err := s.store.MarkAnnounced(ctx, sessionID, s.now())
	if err != nil {
		s.forget(ctx, key)
		return false, fmt.Errorf("failed to record announcement: %w", err)
	}
	return marked, nil
}

// relayOnly forwards ephemeral events to the UI without storing them.
func (s *Service) relayOnly(ctx context.Context, session *domain.BuildSession, env *protocol.EventEnvelope) error {
	update := broadcast.Update{
		Type:    broadcast.UpdateEvent,
		BuildID: env.BuildID,
		Event:   &env.Event,
	}
	if session != nil {
		update.SessionID = session.ID
	}
	s.broadcast(ctx, env, update)
	return nil
}

func (s *Service) saveSnapshot(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return err
	}
	state, err := s.reconstructFromRows(ctx, session)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.store.SaveSnapshot(ctx, sessionID, data)
}

// broadcast publishes to the project's subscribers. Failures are logged; the
// stored state is already updated and readable through the history endpoint.
func (s *Service) broadcast(ctx context.Context, env *protocol.EventEnvelope, msg broadcast.Update) {
	if env.ProjectID == "" {
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = env.Event.Timestamp
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.now().UnixMilli()
	}
	msg.ProjectID = env.ProjectID
	if err := s.broadcaster.Broadcast(ctx, env.ProjectID, msg); err != nil {
		log.Printf("WARN: failed to broadcast %s for project %s: %v", msg.Type, env.ProjectID, err)
	}
}

// forget clears tracker keys after a failed write so a redelivery can retry.
func (s *Service) forget(ctx context.Context, keys ...string) {
	if err := s.tracker.Delete(ctx, keys...); err != nil {
		log.Printf("WARN: failed to clear tracker keys %v: %v", keys, err)
	}
}
