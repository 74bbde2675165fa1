package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/buildrelay/internal/protocol"
	"github.com/xiaot623/buildrelay/relay/internal/ws"
)

type stubDispatcher struct {
	err error
	got *protocol.Command
}

func (d *stubDispatcher) DispatchCommand(_ context.Context, _ string, cmd *protocol.Command) error {
	cmd.ID = "cmd-1"
	d.got = cmd
	return d.err
}

func startServer(t *testing.T, d Dispatcher) string {
	t.Helper()
	server, err := NewServer(d, "s3cret", time.Second)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })
	return ln.Addr().String()
}

func call(t *testing.T, addr string, req *DispatchRequest) (*DispatchResponse, error) {
	t.Helper()
	client, err := jsonrpc.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	var resp DispatchResponse
	err = client.Call("Relay.DispatchCommand", req, &resp)
	return &resp, err
}

func TestDispatchCommandOverRPC(t *testing.T) {
	d := &stubDispatcher{}
	addr := startServer(t, d)

	resp, err := call(t, addr, &DispatchRequest{
		Secret:   "s3cret",
		RunnerID: "r1",
		Command:  protocol.Command{Type: protocol.CommandStartBuild, ProjectID: "p1"},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.True(t, resp.Connected)
	assert.Equal(t, "cmd-1", resp.CommandID)
	assert.Equal(t, "p1", d.got.ProjectID)
}

func TestDispatchCommandNotConnectedOverRPC(t *testing.T) {
	addr := startServer(t, &stubDispatcher{err: ws.ErrNotConnected})

	resp, err := call(t, addr, &DispatchRequest{
		Secret:  "s3cret",
		Command: protocol.Command{Type: protocol.CommandStartBuild, ProjectID: "p1"},
	})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.False(t, resp.Connected)
	assert.Contains(t, resp.Error, "not connected")
}

func TestDispatchCommandRejectsBadSecret(t *testing.T) {
	d := &stubDispatcher{}
	addr := startServer(t, d)

	_, err := call(t, addr, &DispatchRequest{
		Secret:  "nope",
		Command: protocol.Command{Type: protocol.CommandStartBuild, ProjectID: "p1"},
	})
	require.Error(t, err)
	assert.Nil(t, d.got)
}
