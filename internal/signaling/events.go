package signaling

import "github.com/mossy-p/blink-duel/internal/models"

// Event is pushed by the relay client to its owner
type Event interface{ isSignalingEvent() }

// PeerAssigned is one opponent assignment from the relay's matchmaker
type PeerAssigned struct {
	Assignment models.Assignment
}

// OpponentHint is an advisory early notice of the next opponent
type OpponentHint struct {
	Opponent models.Session
}

// EnvelopeReceived carries a negotiation envelope from the bound opponent
type EnvelopeReceived struct {
	MatchID  string
	Envelope models.SignalEnvelope
}

// CriticalReceived is a game message that travelled the critical path
type CriticalReceived struct {
	From    string
	MatchID string
	Seq     uint64
	Payload []byte
}

// OpponentDisconnected reports that the opponent left, or that the relay
// connection dropped and every derived binding is gone. PeerID is empty when
// no opponent was bound.
type OpponentDisconnected struct {
	PeerID string
	Reason string
}

// ConnectionStatus reports relay connectivity changes and reconnect attempts
type ConnectionStatus struct {
	Connected bool
	PeerID    string
	Attempt   int
}

// RelayUnavailable is emitted once reconnection has been given up
type RelayUnavailable struct {
	Err error
}

func (PeerAssigned) isSignalingEvent()         {}
func (OpponentHint) isSignalingEvent()         {}
func (EnvelopeReceived) isSignalingEvent()     {}
func (CriticalReceived) isSignalingEvent()     {}
func (OpponentDisconnected) isSignalingEvent() {}
func (ConnectionStatus) isSignalingEvent()     {}
func (RelayUnavailable) isSignalingEvent()     {}

const (
	ReasonRelayLost    = "relay_lost"
	ReasonPeerLeft     = "peer_left"
	ReasonPeerNotFound = "peer_not_found"
)
