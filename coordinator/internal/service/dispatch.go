package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/relay"
	"github.com/xiaot623/buildrelay/coordinator/internal/domain"
	"github.com/xiaot623/buildrelay/internal/protocol"
)

// ErrRunnerNotConnected is returned when the target runner has no live socket.
var ErrRunnerNotConnected = relay.ErrRunnerNotConnected

// StartBuildRequest asks a runner to start a build for a project.
type StartBuildRequest struct {
	ProjectID     string          `json:"projectId"`
	RunnerID      string          `json:"runnerId"`
	BuildID       string          `json:"buildId,omitempty"`
	OperationType string          `json:"operationType,omitempty"`
	Options       json.RawMessage `json:"options,omitempty"`
}

// StartBuild records a pending session and sends a start-build command
// through the relay. The session is keyed by the build id so events that
// carry it, or only the command id, land on the same row.
func (s *Service) StartBuild(ctx context.Context, req StartBuildRequest) (*domain.BuildSession, error) {
	if s.relay == nil || !s.relay.Enabled() {
		return nil, ErrRelayUnavailable
	}
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidEvent)
	}

	buildID := req.BuildID
	if buildID == "" {
		buildID = uuid.New().String()
	}
	opType := req.OperationType
	if opType == "" {
		opType = domain.DefaultOperationType
	}
	cmdID := "cmd_" + uuid.New().String()

	session, _, err := s.store.GetOrCreateSession(ctx, &domain.BuildSession{
		BuildID:       buildID,
		ProjectID:     req.ProjectID,
		CommandID:     cmdID,
		OperationType: opType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("%w: build %s already %s", ErrInvalidEvent, buildID, session.Status)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"buildId":       buildID,
		"operationType": opType,
		"options":       req.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = s.relay.Dispatch(ctx, req.RunnerID, protocol.Command{
		ID:        cmdID,
		Type:      protocol.CommandStartBuild,
		ProjectID: req.ProjectID,
		Payload:   payload,
	})
	if err != nil {
		if !errors.Is(err, relay.ErrRunnerNotConnected) {
			log.Printf("ERROR: failed to dispatch build %s to runner %s: %v", buildID, req.RunnerID, err)
		}
		return nil, err
	}

	log.Printf("Dispatched build %s (session %s) to runner %s", buildID, session.ID, req.RunnerID)
	return session, nil
}
