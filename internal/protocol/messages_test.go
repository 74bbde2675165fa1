package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCommand(t *testing.T) {
	msg, err := Classify([]byte(`{"id":"c1","type":"start-build","projectId":"p1","payload":{"prompt":"x"}}`))
	require.NoError(t, err)
	require.True(t, msg.IsCommand())
	assert.Equal(t, CommandStartBuild, msg.Command.Type)
	assert.Equal(t, "p1", msg.Command.ProjectID)
	assert.Nil(t, msg.Event)
}

func TestClassifyEvent(t *testing.T) {
	msg, err := Classify([]byte(`{"type":"tool-input-available","buildId":"b1","toolCallId":"t1","toolName":"Bash","input":{"cmd":"ls"}}`))
	require.NoError(t, err)
	require.False(t, msg.IsCommand())
	assert.Equal(t, EventToolInputAvailable, msg.Event.Type)
	assert.Equal(t, "t1", msg.Event.ToolCallID)
	assert.JSONEq(t, `{"cmd":"ls"}`, string(msg.Event.Input))
}

func TestClassifyUnknownTypeIsEvent(t *testing.T) {
	msg, err := Classify([]byte(`{"type":"something-new"}`))
	require.NoError(t, err)
	assert.False(t, msg.IsCommand())
	assert.Equal(t, EventType("something-new"), msg.Event.Type)
}

func TestClassifyMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"type":""}`, `[1,2]`} {
		_, err := Classify([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformedMessage), "input %q: %v", raw, err)
	}
}

func TestEnvelopeNormalize(t *testing.T) {
	env := EventEnvelope{
		BuildID: "b1",
		Event:   RunnerEvent{Type: EventStart, ProjectID: "p1"},
	}
	env.Normalize()
	assert.Equal(t, "p1", env.ProjectID)
	assert.Equal(t, "b1", env.Event.BuildID)
}

func TestEnvelopeLiftsCorrelation(t *testing.T) {
	env := RunnerEvent{Type: EventStart, BuildID: "b1", CommandID: "c1", ProjectID: "p1"}.Envelope()
	assert.Equal(t, "b1", env.BuildID)
	assert.Equal(t, "c1", env.CommandID)
	assert.NotZero(t, env.Event.Timestamp)
}
