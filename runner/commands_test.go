package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/buildrelay/internal/protocol"
)

type recordingEmitter struct {
	events []protocol.RunnerEvent
}

func (r *recordingEmitter) Emit(ev protocol.RunnerEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) RunnerID() string { return "r1" }

func TestRespondAnswersHealthCheck(t *testing.T) {
	e := &recordingEmitter{}
	respond(e, protocol.Command{ID: "cmd-1", Type: protocol.CommandRunnerHealthCheck})

	require.Len(t, e.events, 1)
	ev := e.events[0]
	assert.Equal(t, protocol.EventRunnerStatus, ev.Type)
	assert.Equal(t, "cmd-1", ev.CommandID)
	assert.Equal(t, "healthy", ev.Status)
	assert.JSONEq(t, `{"runnerId":"r1","version":"`+version+`"}`, string(ev.Data))
}

func TestRespondIgnoresOtherCommands(t *testing.T) {
	e := &recordingEmitter{}
	respond(e, protocol.Command{ID: "cmd-2", Type: protocol.CommandStartBuild, ProjectID: "p1"})
	assert.Empty(t, e.events)
}

func TestConnectRequiresRelayURL(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"connect", "--relay-url", ""})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay url is required")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)
}
