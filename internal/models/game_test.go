package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGameMessage_WireShape(t *testing.T) {
	data, err := EncodeGameMessage(Loss{Reason: "blink"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"LOSS","body":{"reason":"blink"}}`, string(data))

	msg, err := DecodeGameMessage(data)
	require.NoError(t, err)
	assert.Equal(t, Loss{Reason: "blink"}, msg)
}

func TestGameMessage_Classes(t *testing.T) {
	assert.Equal(t, Critical, Ready{}.Class())
	assert.Equal(t, Critical, Loss{}.Class())
	assert.Equal(t, PreferPeer, Identity{}.Class())
	assert.Equal(t, BestEffort, Telemetry{}.Class())
}

func TestDecodeGameMessage_Errors(t *testing.T) {
	_, err := DecodeGameMessage([]byte(`{"kind":"WAVE","body":{}}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = DecodeGameMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeGameMessage([]byte(`{"kind":"READY","body":"yes"}`))
	assert.Error(t, err)
}

func TestEnvelope_RoundTripThroughSignal(t *testing.T) {
	env := SignalEnvelope{
		Kind:       EnvelopeCandidate,
		Body:       json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}`),
		FromPeerID: "a",
		ToPeerID:   "b",
	}

	msg := env.ToSignal("m1")
	assert.True(t, msg.IsEnvelope())
	assert.Equal(t, "m1", msg.MatchID)

	back, err := EnvelopeFromSignal(msg)
	require.NoError(t, err)
	assert.Equal(t, env, back)

	_, err = EnvelopeFromSignal(SignalMessage{Type: SignalTypeCritical})
	assert.Error(t, err)
}

func TestRole_Opposite(t *testing.T) {
	assert.Equal(t, RoleGuest, RoleHost.Opposite())
	assert.Equal(t, RoleHost, RoleGuest.Opposite())
	assert.False(t, Role("spectator").Valid())
}
