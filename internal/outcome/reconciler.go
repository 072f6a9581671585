// Package outcome decides who lost a match. A match has exactly one terminal
// result slot; it is written by the first qualifying signal and never again.
package outcome

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Signal identifies which racing source produced a terminal result
type Signal int

const (
	// LocalBlink is the local eyes-closed-too-long detection: the local player lost
	LocalBlink Signal = iota + 1
	// RemoteLoss is a LOSS message from the opponent: the local player won
	RemoteLoss
	// OpponentDisconnect is the opponent dropping mid-match: the local player won
	OpponentDisconnect
)

func (s Signal) String() string {
	switch s {
	case LocalBlink:
		return "local_blink"
	case RemoteLoss:
		return "remote_loss"
	case OpponentDisconnect:
		return "opponent_disconnect"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// LocalWon reports the winner implied by the signal
func (s Signal) LocalWon() bool {
	return s == RemoteLoss || s == OpponentDisconnect
}

// Result is the terminal outcome of one match
type Result struct {
	MatchID  string
	Signal   Signal
	LocalWon bool
	At       time.Time
}

// Reconciler holds the single result slot for the current match.
// It is not safe for concurrent use; the run engine owns it from one goroutine.
type Reconciler struct {
	matchID string
	armed   bool
	result  *Result
	ignored int
}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Arm opens a fresh slot for matchID. Signals are only accepted while armed.
func (r *Reconciler) Arm(matchID string) {
	r.matchID = matchID
	r.armed = true
	r.result = nil
	r.ignored = 0
}

// Disarm stops accepting signals without clearing a recorded result
func (r *Reconciler) Disarm() {
	r.armed = false
}

// Offer submits a signal for matchID. It returns the result and true only for
// the first signal of an armed match; every later or mismatched signal is ignored.
func (r *Reconciler) Offer(matchID string, signal Signal, at time.Time) (Result, bool) {
	if !r.armed || matchID != r.matchID || r.result != nil {
		r.ignored++
		log.Debug().
			Str("match_id", matchID).
			Str("signal", signal.String()).
			Bool("armed", r.armed).
			Msg("ignoring terminal signal")
		return Result{}, false
	}

	res := Result{
		MatchID:  matchID,
		Signal:   signal,
		LocalWon: signal.LocalWon(),
		At:       at,
	}
	r.result = &res
	return res, true
}

// Result returns the recorded result for the current match, if any
func (r *Reconciler) Result() (Result, bool) {
	if r.result == nil {
		return Result{}, false
	}
	return *r.result, true
}

// Ignored counts signals dropped for the current match
func (r *Reconciler) Ignored() int {
	return r.ignored
}
