package run

import (
	"fmt"
	"time"

	"github.com/mossy-p/blink-duel/internal/models"
	"github.com/mossy-p/blink-duel/internal/outcome"
)

type Status string

const (
	StatusIdle          Status = "idle"
	StatusSearching     Status = "searching"
	StatusCountdown     Status = "countdown"
	StatusActive        Status = "active"
	StatusTransitioning Status = "transitioning"
	StatusEnded         Status = "ended"
)

// MatchRecord is one defeated opponent in the run's history
type MatchRecord struct {
	MatchID              string         `json:"matchId"`
	Opponent             models.Session `json:"opponent"`
	DefeatedAtPersonalMs int64          `json:"defeatedAtPersonalMs"`
	MatchDurationMs      int64          `json:"matchDurationMs"`
	WinSignal            string         `json:"winSignal"`
}

// State is the read model handed to the UI
type State struct {
	RunID                 string            `json:"runId"`
	Status                Status            `json:"status"`
	PersonalElapsedMs     int64             `json:"personalElapsedMs"`
	CurrentMatchElapsedMs int64             `json:"currentMatchElapsedMs"`
	OpponentsDefeated     int               `json:"opponentsDefeated"`
	CurrentOpponent       *models.Session   `json:"currentOpponent"`
	NextOpponent          *models.Session   `json:"nextOpponent"`
	MatchHistory          []MatchRecord     `json:"matchHistory"`
	// OpponentReady and OpponentTelemetry describe the current opponent only
	OpponentReady         bool              `json:"opponentReady"`
	OpponentTelemetry     *models.Telemetry `json:"opponentTelemetry"`
	MatchID               string            `json:"matchId,omitempty"`
	Role                  models.Role       `json:"role,omitempty"`
	EndReason             Reason            `json:"endReason,omitempty"`
}

// Timing holds the run's fixed durations
type Timing struct {
	Countdown    time.Duration
	QueueCeiling time.Duration
}

// Event is an effect produced by a transition. The engine performs the side effects.
type Event interface{ isRunEvent() }

type StatusChanged struct {
	From, To Status
	Reason   Reason
}

type OpponentChanged struct {
	Previous, Current *models.Session
}

type NextOpponentHinted struct {
	Opponent models.Session
}

type MatchStarted struct {
	MatchID  string
	Opponent models.Session
}

type MatchEnded struct {
	MatchID    string
	Opponent   models.Session
	LocalWon   bool
	Signal     outcome.Signal
	Reason     Reason
	DurationMs int64
	Record     *MatchRecord
}

type RunEnded struct {
	Reason Reason
	State  State
}

type RequestQueueJoin struct{}

type RequestQueueLeave struct{}

func (StatusChanged) isRunEvent()      {}
func (OpponentChanged) isRunEvent()    {}
func (NextOpponentHinted) isRunEvent() {}
func (MatchStarted) isRunEvent()       {}
func (MatchEnded) isRunEvent()         {}
func (RunEnded) isRunEvent()           {}
func (RequestQueueJoin) isRunEvent()   {}
func (RequestQueueLeave) isRunEvent()  {}

// stopwatch measures elapsed time from a stored start, never from tick counts
type stopwatch struct {
	start   time.Time
	frozen  time.Duration
	running bool
}

func (s *stopwatch) startAt(now time.Time) {
	s.start = now
	s.frozen = 0
	s.running = true
}

func (s *stopwatch) stopAt(now time.Time) {
	if s.running {
		s.frozen = now.Sub(s.start)
		s.running = false
	}
}

func (s *stopwatch) elapsed(now time.Time) time.Duration {
	if s.running {
		if d := now.Sub(s.start); d > 0 {
			return d
		}
		return 0
	}
	return s.frozen
}

// Machine is the continuous-run lifecycle. It performs no I/O and reads no clock;
// every method takes the current time and returns the effects of the transition.
type Machine struct {
	timing Timing
	st     State

	personal        stopwatch
	personalStarted bool
	match           stopwatch

	searchDeadline time.Time
	countdownEnds  time.Time
}

func NewMachine(timing Timing) *Machine {
	return &Machine{
		timing: timing,
		st:     State{Status: StatusIdle},
	}
}

// Status returns the current status
func (m *Machine) Status() Status {
	return m.st.Status
}

// MatchID returns the match currently in countdown or active, or the last one
func (m *Machine) MatchID() string {
	return m.st.MatchID
}

// CurrentOpponent returns the opponent of the current match, if any
func (m *Machine) CurrentOpponent() *models.Session {
	return m.st.CurrentOpponent
}

// Role returns the local role in the current or last match
func (m *Machine) Role() models.Role {
	return m.st.Role
}

// HasStartedMatch reports whether the personal clock has begun
func (m *Machine) HasStartedMatch() bool {
	return m.personalStarted
}

// Snapshot returns the read model with both clocks computed at now
func (m *Machine) Snapshot(now time.Time) State {
	s := m.st
	s.PersonalElapsedMs = m.personal.elapsed(now).Milliseconds()
	s.CurrentMatchElapsedMs = m.match.elapsed(now).Milliseconds()
	s.MatchHistory = append([]MatchRecord(nil), m.st.MatchHistory...)
	if m.st.CurrentOpponent != nil {
		opp := *m.st.CurrentOpponent
		s.CurrentOpponent = &opp
	}
	if m.st.NextOpponent != nil {
		next := *m.st.NextOpponent
		s.NextOpponent = &next
	}
	if m.st.OpponentTelemetry != nil {
		tel := *m.st.OpponentTelemetry
		s.OpponentTelemetry = &tel
	}
	return s
}

// Start moves idle -> searching and clears all counters
func (m *Machine) Start(runID string, now time.Time) ([]Event, error) {
	if m.st.Status != StatusIdle {
		return nil, fmt.Errorf("%w: start from %s", ErrInvalidTransition, m.st.Status)
	}

	m.st = State{RunID: runID, Status: StatusIdle}
	m.personal = stopwatch{}
	m.personalStarted = false
	m.match = stopwatch{}
	m.searchDeadline = now.Add(m.timing.QueueCeiling)

	return []Event{
		m.setStatus(StatusSearching, ReasonNone),
		RequestQueueJoin{},
	}, nil
}

// Assign moves searching or transitioning -> countdown with a new opponent.
// The opponent is current immediately, before any transport exists.
func (m *Machine) Assign(a models.Assignment, now time.Time) ([]Event, error) {
	if m.st.Status != StatusSearching && m.st.Status != StatusTransitioning {
		return nil, fmt.Errorf("%w: assign in %s", ErrInvalidTransition, m.st.Status)
	}

	opp := a.Opponent
	if !opp.Role.Valid() {
		opp.Role = a.Role.Opposite()
	}
	prev := m.st.CurrentOpponent

	m.dropOpponent()
	m.st.CurrentOpponent = &opp
	m.st.NextOpponent = nil
	m.st.MatchID = a.MatchID
	m.st.Role = a.Role
	m.countdownEnds = now.Add(m.timing.Countdown)

	return []Event{
		OpponentChanged{Previous: prev, Current: &opp},
		m.setStatus(StatusCountdown, ReasonNone),
	}, nil
}

// Hint records a prefetched next opponent. It never changes status.
func (m *Machine) Hint(opp models.Session) []Event {
	if m.st.Status != StatusTransitioning && m.st.Status != StatusSearching {
		return nil
	}
	m.st.NextOpponent = &opp
	return []Event{NextOpponentHinted{Opponent: opp}}
}

// IdentifyOpponent updates the current opponent's display name from an IDENTITY message
func (m *Machine) IdentifyOpponent(peerID, displayName string) bool {
	if m.st.CurrentOpponent == nil || m.st.CurrentOpponent.PeerID != peerID || displayName == "" {
		return false
	}
	opp := *m.st.CurrentOpponent
	opp.DisplayName = displayName
	m.st.CurrentOpponent = &opp
	return true
}

// OpponentIsReady records a READY message from the current opponent
func (m *Machine) OpponentIsReady(peerID string, ready bool) bool {
	if !m.isCurrent(peerID) {
		return false
	}
	m.st.OpponentReady = ready
	return true
}

// ObserveOpponent keeps the current opponent's latest telemetry sample
func (m *Machine) ObserveOpponent(peerID string, t models.Telemetry) bool {
	if !m.isCurrent(peerID) {
		return false
	}
	m.st.OpponentTelemetry = &t
	return true
}

func (m *Machine) isCurrent(peerID string) bool {
	return m.st.CurrentOpponent != nil && m.st.CurrentOpponent.PeerID == peerID
}

func (m *Machine) dropOpponent() {
	m.st.CurrentOpponent = nil
	m.st.OpponentReady = false
	m.st.OpponentTelemetry = nil
}

// Advance applies time-driven transitions: countdown expiry and the search ceiling
func (m *Machine) Advance(now time.Time) []Event {
	switch m.st.Status {
	case StatusCountdown:
		if now.Before(m.countdownEnds) {
			return nil
		}
		m.match.startAt(now)
		if !m.personalStarted {
			m.personalStarted = true
			m.personal.startAt(now)
		}
		return []Event{
			m.setStatus(StatusActive, ReasonNone),
			MatchStarted{MatchID: m.st.MatchID, Opponent: *m.st.CurrentOpponent},
		}

	case StatusSearching, StatusTransitioning:
		if now.Before(m.searchDeadline) {
			return nil
		}
		return append([]Event{RequestQueueLeave{}}, m.end(ReasonQueueTimeout, now)...)
	}
	return nil
}

// Resolve applies the reconciler's terminal result for the active match
func (m *Machine) Resolve(res outcome.Result, now time.Time) ([]Event, error) {
	if m.st.Status != StatusActive {
		return nil, fmt.Errorf("%w: resolve in %s", ErrInvalidTransition, m.st.Status)
	}
	if res.MatchID != m.st.MatchID {
		return nil, fmt.Errorf("%w: result for match %s during %s", ErrInvalidTransition, res.MatchID, m.st.MatchID)
	}

	if !res.LocalWon {
		events := []Event{m.matchEnded(res.Signal, ReasonLost, now)}
		return append(events, m.end(ReasonLost, now)...), nil
	}

	// The match clock stops; the personal clock keeps running through the search
	m.match.stopAt(now)
	prev := m.st.CurrentOpponent
	record := MatchRecord{
		MatchID:              res.MatchID,
		Opponent:             *prev,
		DefeatedAtPersonalMs: m.personal.elapsed(now).Milliseconds(),
		MatchDurationMs:      m.match.elapsed(now).Milliseconds(),
		WinSignal:            res.Signal.String(),
	}
	m.st.OpponentsDefeated++
	m.st.MatchHistory = append(m.st.MatchHistory, record)
	m.dropOpponent()
	m.searchDeadline = now.Add(m.timing.QueueCeiling)

	return []Event{
		MatchEnded{
			MatchID:    res.MatchID,
			Opponent:   record.Opponent,
			LocalWon:   true,
			Signal:     res.Signal,
			Reason:     ReasonOpponentDefeated,
			DurationMs: record.MatchDurationMs,
			Record:     &record,
		},
		OpponentChanged{Previous: prev, Current: nil},
		m.setStatus(StatusTransitioning, ReasonOpponentDefeated),
		RequestQueueJoin{},
	}, nil
}

// AbortMatch abandons the current match attempt without a result and starts a fresh
// search. Used for negotiation timeouts and opponents leaving before play begins.
func (m *Machine) AbortMatch(reason Reason, now time.Time) ([]Event, error) {
	if m.st.Status != StatusCountdown && m.st.Status != StatusActive {
		return nil, fmt.Errorf("%w: abort in %s", ErrInvalidTransition, m.st.Status)
	}

	wasActive := m.st.Status == StatusActive
	var ended Event
	if wasActive {
		m.match.stopAt(now)
		ended = m.matchEnded(0, reason, now)
	}
	prev := m.st.CurrentOpponent
	m.dropOpponent()
	m.searchDeadline = now.Add(m.timing.QueueCeiling)

	next := StatusSearching
	if m.personalStarted {
		next = StatusTransitioning
	}

	events := []Event{}
	if ended != nil {
		events = append(events, ended)
	}
	return append(events,
		OpponentChanged{Previous: prev, Current: nil},
		m.setStatus(next, reason),
		RequestQueueJoin{},
	), nil
}

// Quit ends the run on player request from any non-terminal state
func (m *Machine) Quit(now time.Time) ([]Event, error) {
	return m.terminate(ReasonQuit, now)
}

// Fail ends the run because of an unrecoverable condition
func (m *Machine) Fail(reason Reason, now time.Time) ([]Event, error) {
	return m.terminate(reason, now)
}

func (m *Machine) terminate(reason Reason, now time.Time) ([]Event, error) {
	if m.st.Status == StatusEnded {
		return nil, fmt.Errorf("%w: %s after end", ErrInvalidTransition, reason)
	}
	var events []Event
	switch m.st.Status {
	case StatusSearching, StatusTransitioning:
		events = append(events, RequestQueueLeave{})
	case StatusActive:
		events = append(events, m.matchEnded(0, reason, now))
	}
	return append(events, m.end(reason, now)...), nil
}

// end freezes both clocks in the same step that enters ended
func (m *Machine) end(reason Reason, now time.Time) []Event {
	m.personal.stopAt(now)
	m.match.stopAt(now)

	var events []Event
	if m.st.CurrentOpponent != nil {
		events = append(events, OpponentChanged{Previous: m.st.CurrentOpponent})
	}
	m.dropOpponent()
	m.st.NextOpponent = nil
	m.st.EndReason = reason

	events = append(events, m.setStatus(StatusEnded, reason))
	return append(events, RunEnded{Reason: reason, State: m.Snapshot(now)})
}

// matchEnded describes the active match ending without a win. Call it before the
// current opponent is cleared.
func (m *Machine) matchEnded(signal outcome.Signal, reason Reason, now time.Time) MatchEnded {
	ev := MatchEnded{
		MatchID:    m.st.MatchID,
		Signal:     signal,
		Reason:     reason,
		DurationMs: m.match.elapsed(now).Milliseconds(),
	}
	if m.st.CurrentOpponent != nil {
		ev.Opponent = *m.st.CurrentOpponent
	}
	return ev
}

func (m *Machine) setStatus(to Status, reason Reason) StatusChanged {
	from := m.st.Status
	m.st.Status = to
	return StatusChanged{From: from, To: to, Reason: reason}
}
