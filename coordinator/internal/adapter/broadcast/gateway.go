package broadcast

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/rpcutil"
)

// Gateway pushes updates to the UI gateway over JSON-RPC.
type Gateway struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

func NewGateway(baseURL string) *Gateway {
	return &Gateway{
		addr:        rpcutil.ResolveAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

// PushRequest represents the request body for Gateway.PushUpdate.
type PushRequest struct {
	ProjectID string `json:"project_id"`
	Update    Update `json:"update"`
}

// PushResponse represents the response of Gateway.PushUpdate.
type PushResponse struct {
	OK          bool `json:"ok"`
	Subscribers int  `json:"subscribers"`
}

// Broadcast sends msg to the gateway. With no gateway configured it is a no-op.
func (g *Gateway) Broadcast(ctx context.Context, projectID string, msg Update) error {
	if g.addr == "" {
		return nil
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.ProjectID = projectID

	req := &PushRequest{
		ProjectID: projectID,
		Update:    msg,
	}

	var resp PushResponse
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	if err := rpcutil.Call(ctx, g.addr, g.dialTimeout, g.callTimeout, "Gateway.PushUpdate", req, &resp); err != nil {
		return fmt.Errorf("failed to push update to gateway: %w", err)
	}
	if !resp.OK {
		log.Printf("WARN: gateway rpc returned ok=false (subscribers=%d)", resp.Subscribers)
		return fmt.Errorf("gateway rpc returned ok=false")
	}

	return nil
}
