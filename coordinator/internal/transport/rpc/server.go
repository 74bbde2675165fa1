package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/xiaot623/buildrelay/coordinator/internal/domain"
	"github.com/xiaot623/buildrelay/coordinator/internal/service"
)

const callTimeout = 10 * time.Second

// Server exposes internal RPC endpoints for the UI gateway.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the coordinator service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName("Coordinator", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements coordinator RPC methods.
type Handler struct {
	service *service.Service
}

// HistoryRequest asks for a project's build history.
type HistoryRequest struct {
	ProjectID string `json:"project_id"`
	Limit     int    `json:"limit"`
}

// BuildStateRequest identifies a build.
type BuildStateRequest struct {
	BuildID string `json:"build_id"`
}

// ProjectHistory returns sessions and the latest state of a project. Like the
// HTTP history route it finalizes stuck sessions first.
func (h *Handler) ProjectHistory(req *HistoryRequest, resp *service.History) error {
	if req == nil || req.ProjectID == "" {
		return errors.New("project_id is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.service.History(ctx, req.ProjectID, limit)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// BuildState returns the generation state of one build.
func (h *Handler) BuildState(req *BuildStateRequest, resp *domain.GenerationState) error {
	if req == nil || req.BuildID == "" {
		return errors.New("build_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.service.GenerationState(ctx, req.BuildID)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// StartBuild dispatches a start-build command through the relay.
func (h *Handler) StartBuild(req *service.StartBuildRequest, resp *domain.BuildSession) error {
	if req == nil {
		return errors.New("start build request is required")
	}
	if req.RunnerID == "" {
		return errors.New("runnerId is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	session, err := h.service.StartBuild(ctx, *req)
	if err != nil {
		return err
	}
	if resp != nil && session != nil {
		*resp = *session
	}
	return nil
}
