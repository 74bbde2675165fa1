// Package rpc exposes command dispatch to internal services over JSON-RPC.
package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/xiaot623/buildrelay/internal/protocol"
	"github.com/xiaot623/buildrelay/relay/internal/ws"
)

// Dispatcher sends commands to connected runners.
type Dispatcher interface {
	DispatchCommand(ctx context.Context, runnerID string, cmd *protocol.Command) error
}

// Server exposes relay RPC endpoints.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new relay RPC server.
func NewServer(d Dispatcher, secret string, timeout time.Duration) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{dispatcher: d, secret: secret, timeout: timeout}
	if err := rpcServer.RegisterName("Relay", handler); err != nil {
		return nil, err
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

// Serve accepts connections on ln until it is closed.
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

// Handler implements relay RPC methods.
type Handler struct {
	dispatcher Dispatcher
	secret     string
	timeout    time.Duration
}

// DispatchRequest asks the relay to send a command to a runner.
type DispatchRequest struct {
	Secret   string           `json:"secret"`
	RunnerID string           `json:"runner_id"`
	Command  protocol.Command `json:"command"`
}

// DispatchResponse reports the outcome of a dispatch.
type DispatchResponse struct {
	OK        bool   `json:"ok"`
	CommandID string `json:"command_id"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// DispatchCommand forwards a command to a connected runner. A runner that is
// not connected is reported in the response, not as an RPC error, so callers
// can tell it apart from transport failures.
func (h *Handler) DispatchCommand(req *DispatchRequest, resp *DispatchResponse) error {
	if req == nil {
		return errors.New("dispatch request is required")
	}
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.secret)) != 1 {
		return errors.New("unauthorized")
	}
	if !protocol.IsCommandType(string(req.Command.Type)) {
		return errors.New("unknown command type: " + string(req.Command.Type))
	}

	timeout := h.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := req.Command
	err := h.dispatcher.DispatchCommand(ctx, req.RunnerID, &cmd)
	resp.CommandID = cmd.ID
	if err != nil {
		resp.Connected = !errors.Is(err, ws.ErrNotConnected)
		resp.Error = err.Error()
		log.Printf("WARN: rpc dispatch to runner %s failed: %v", req.RunnerID, err)
		return nil
	}

	resp.OK = true
	resp.Connected = true
	return nil
}
