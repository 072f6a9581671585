package models

import (
	"encoding/json"
	"fmt"
)

// EnvelopeKind is the negotiation step an envelope carries
type EnvelopeKind string

const (
	EnvelopeOffer     EnvelopeKind = "offer"
	EnvelopeAnswer    EnvelopeKind = "answer"
	EnvelopeCandidate EnvelopeKind = "candidate"
)

// SignalEnvelope is an opaque negotiation message relayed verbatim between two peers.
// Only the peer link manager interprets Body.
type SignalEnvelope struct {
	Kind       EnvelopeKind    `json:"kind"`
	Body       json.RawMessage `json:"body"`
	FromPeerID string          `json:"fromPeerId"`
	ToPeerID   string          `json:"toPeerId"`
}

// ToSignal converts the envelope into a relay frame
func (e SignalEnvelope) ToSignal(matchID string) SignalMessage {
	return SignalMessage{
		Type:    SignalType(e.Kind),
		From:    e.FromPeerID,
		To:      e.ToPeerID,
		MatchID: matchID,
		Payload: e.Body,
	}
}

// EnvelopeFromSignal extracts an envelope from a relayed frame
func EnvelopeFromSignal(m SignalMessage) (SignalEnvelope, error) {
	if !m.IsEnvelope() {
		return SignalEnvelope{}, fmt.Errorf("signal type %q is not an envelope", m.Type)
	}
	return SignalEnvelope{
		Kind:       EnvelopeKind(m.Type),
		Body:       m.Payload,
		FromPeerID: m.From,
		ToPeerID:   m.To,
	}, nil
}
