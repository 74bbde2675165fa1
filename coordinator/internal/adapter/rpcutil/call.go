// Package rpcutil holds the JSON-RPC dialing shared by the coordinator's outbound adapters.
package rpcutil

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"
)

// Call dials addr, performs one JSON-RPC call and closes the connection.
func Call(ctx context.Context, addr string, dialTimeout, callTimeout time.Duration, method string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

// ResolveAddr accepts either host:port or a URL and returns host:port.
func ResolveAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
