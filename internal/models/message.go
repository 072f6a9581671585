package models

import "encoding/json"

// SignalType represents the type of message exchanged with the relay
type SignalType string

const (
	// Relay -> client
	SignalTypeWelcome  SignalType = "welcome"
	SignalTypeHint     SignalType = "hint"
	SignalTypeAssigned SignalType = "assigned"
	SignalTypeLeave    SignalType = "leave"
	SignalTypeAck      SignalType = "ack"
	SignalTypeError    SignalType = "error"

	// Client -> relay
	SignalTypeQueueJoin  SignalType = "queue_join"
	SignalTypeQueueLeave SignalType = "queue_leave"

	// Forwarded between the two matched peers
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeCritical  SignalType = "critical"
)

// SignalMessage is the single frame type carried over the relay socket
type SignalMessage struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	MatchID string          `json:"matchId,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsEnvelope reports whether the message is a negotiation envelope the relay forwards verbatim
func (m SignalMessage) IsEnvelope() bool {
	switch m.Type {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}

// WelcomePayload is sent once per relay connection and carries the session-scoped peer ID
type WelcomePayload struct {
	PeerID string `json:"peerId"`
}

// QueueJoinPayload is the body of a queue_join request
type QueueJoinPayload struct {
	DisplayName string `json:"displayName"`
}

// LeavePayload tells a peer its opponent is gone
type LeavePayload struct {
	PeerID string `json:"peerId"`
	Reason string `json:"reason,omitempty"`
}
