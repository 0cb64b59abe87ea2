package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeFramesPayload(t *testing.T) {
	env, err := NewEnvelope(EventType, Type{Character: "c", RID: 3})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"type","payload":{"character":"c","rid":3}}`, string(raw))

	env, err = NewEnvelope(EventLeave, nil)
	require.NoError(t, err)
	assert.Nil(t, env.Payload)
}

func TestParticipantWireShape(t *testing.T) {
	raw, err := json.Marshal(Participant{ClientID: "c1", CorrectPosition: 4})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"clientId":"c1","currentPosition":0,"correctPosition":4,"totalKeystrokes":0,"currentSpeed":0,"currentAccuracy":0}`,
		string(raw))
}

func TestParticipantElapsed(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Second)

	p := Participant{ClientID: "c1", StartedAt: &start}
	assert.False(t, p.Finished())
	assert.Zero(t, p.Elapsed())

	p.EndedAt = &end
	assert.True(t, p.Finished())
	assert.Equal(t, 45*time.Second, p.Elapsed())
}
