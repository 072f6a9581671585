package run

import "errors"

var (
	ErrSignalingUnavailable = errors.New("signaling relay unavailable")
	ErrNegotiationTimeout   = errors.New("transport negotiation timed out")
	ErrResourceUnavailable  = errors.New("local media unavailable")
	ErrOpponentDisconnected = errors.New("opponent disconnected")
	ErrQueueTimeout         = errors.New("no opponent found")
	ErrInvalidTransition    = errors.New("invalid run transition")
)

// Reason is the machine-readable cause attached to ended and transitioning events
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonOpponentDefeated     Reason = "opponent_defeated"
	ReasonLost                 Reason = "lost"
	ReasonQuit                 Reason = "quit"
	ReasonQueueTimeout         Reason = "queue_timeout"
	ReasonNegotiationTimeout   Reason = "negotiation_timeout"
	ReasonOpponentDisconnected Reason = "opponent_disconnected"
	ReasonResourceUnavailable  Reason = "resource_unavailable"
	ReasonSignalingUnavailable Reason = "signaling_unavailable"
)

// UserVisible reports whether the UI must surface the reason as a failure the player acknowledges
func (r Reason) UserVisible() bool {
	return r == ReasonResourceUnavailable || r == ReasonSignalingUnavailable
}

// Err maps a failure reason to its sentinel error; nil for non-failures
func (r Reason) Err() error {
	switch r {
	case ReasonSignalingUnavailable:
		return ErrSignalingUnavailable
	case ReasonNegotiationTimeout:
		return ErrNegotiationTimeout
	case ReasonResourceUnavailable:
		return ErrResourceUnavailable
	case ReasonOpponentDisconnected:
		return ErrOpponentDisconnected
	case ReasonQueueTimeout:
		return ErrQueueTimeout
	default:
		return nil
	}
}
