package run

import "github.com/mossy-p/blink-duel/internal/models"

// Notifications the engine adds to the machine's events on the UI stream

type ConnectionStatusChanged struct {
	// Channel is "relay" or "peer"
	Channel   string
	Connected bool
	Attempt   int
}

type OpponentReady struct {
	PeerID string
	Ready  bool
}

type OpponentIdentified struct {
	PeerID      string
	DisplayName string
}

type OpponentTelemetry struct {
	PeerID    string
	Telemetry models.Telemetry
}

type OpponentStreamAttached struct {
	PeerID string
}

// Failure is a condition the player must acknowledge
type Failure struct {
	Reason Reason
	Err    error
}

func (ConnectionStatusChanged) isRunEvent() {}
func (OpponentReady) isRunEvent()           {}
func (OpponentIdentified) isRunEvent()      {}
func (OpponentTelemetry) isRunEvent()       {}
func (OpponentStreamAttached) isRunEvent()  {}
func (Failure) isRunEvent()                 {}
