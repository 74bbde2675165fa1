// Package relay sends commands to runners through the relay's RPC endpoint.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/rpcutil"
	"github.com/xiaot623/buildrelay/internal/protocol"
)

// ErrRunnerNotConnected is returned when the relay has no socket for the runner.
var ErrRunnerNotConnected = errors.New("runner not connected")

// ErrNotConfigured is returned when no relay address is set.
var ErrNotConfigured = errors.New("relay rpc address not configured")

type Client struct {
	addr        string
	secret      string
	dialTimeout time.Duration
	callTimeout time.Duration
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		addr:        rpcutil.ResolveAddr(baseURL),
		secret:      secret,
		dialTimeout: 5 * time.Second,
		callTimeout: 10 * time.Second,
	}
}

// DispatchRequest mirrors Relay.DispatchCommand's arguments.
type DispatchRequest struct {
	Secret   string           `json:"secret"`
	RunnerID string           `json:"runner_id"`
	Command  protocol.Command `json:"command"`
}

// DispatchResponse mirrors Relay.DispatchCommand's reply.
type DispatchResponse struct {
	OK        bool   `json:"ok"`
	CommandID string `json:"command_id"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Enabled reports whether a relay address is configured.
func (c *Client) Enabled() bool {
	return c.addr != ""
}

// Dispatch sends cmd to runnerID and returns the command id the relay used.
func (c *Client) Dispatch(ctx context.Context, runnerID string, cmd protocol.Command) (string, error) {
	if c.addr == "" {
		return "", ErrNotConfigured
	}

	req := &DispatchRequest{
		Secret:   c.secret,
		RunnerID: runnerID,
		Command:  cmd,
	}

	var resp DispatchResponse
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := rpcutil.Call(ctx, c.addr, c.dialTimeout, c.callTimeout, "Relay.DispatchCommand", req, &resp); err != nil {
		return "", fmt.Errorf("failed to dispatch command via relay: %w", err)
	}
	if !resp.Connected {
		return "", ErrRunnerNotConnected
	}
	if !resp.OK {
		return "", fmt.Errorf("relay rejected command: %s", resp.Error)
	}
	return resp.CommandID, nil
}
