// Package delivery picks a path for every outgoing game message and merges
// both inbound paths into one typed stream.
//
// READY and LOSS always travel over the relay's critical path. IDENTITY prefers
// the peer channel and falls back to the relay after a grace window. TELEMETRY
// only travels over a connected peer channel, rate limited and coalesced, and is
// dropped when the channel is not open.
//
// A Layer is owned by the run engine and is not safe for concurrent use.
package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mossy-p/blink-duel/internal/models"
)

// ErrNoOpponent is returned when sending with no opponent bound
var ErrNoOpponent = errors.New("no opponent bound")

// Path is the transport a message arrived on or left through
type Path string

const (
	PathRelay Path = "relay"
	PathPeer  Path = "peer"
)

// CriticalSender is the relay's reliable, per-sender ordered path
type CriticalSender interface {
	SendCritical(to string, payload []byte) error
}

// PeerChannel is the best-effort direct channel. Send must reject, not queue,
// when the channel is not connected.
type PeerChannel interface {
	Send(data []byte) error
}

// Incoming is one received message tagged with the path it came from
type Incoming struct {
	Message models.GameMessage
	From    string
	Path    Path
	Seq     uint64
}

// Config tunes the identity fallback and telemetry cadence
type Config struct {
	IdentityGrace     time.Duration
	TelemetryInterval time.Duration
}

// Stats are diagnostics counters for the current binding
type Stats struct {
	SentRelay          int
	SentPeer           int
	ReceivedRelay      int
	ReceivedPeer       int
	TelemetryDropped   int
	TelemetryCoalesced int
	Duplicates         int
}

type Layer struct {
	cfg    Config
	relay  CriticalSender
	clock  clockwork.Clock
	logger zerolog.Logger

	opponent string
	link     PeerChannel

	identity         *models.Identity
	identityDeadline time.Time
	identitySent     bool

	limiter          *rate.Limiter
	pendingTelemetry *models.Telemetry

	lastSeq map[string]uint64
	stats   Stats
}

func New(cfg Config, relay CriticalSender, clock clockwork.Clock) *Layer {
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 100 * time.Millisecond
	}
	return &Layer{
		cfg:     cfg,
		relay:   relay,
		clock:   clock,
		logger:  log.With().Str("component", "delivery").Logger(),
		limiter: rate.NewLimiter(rate.Every(cfg.TelemetryInterval), 1),
		lastSeq: make(map[string]uint64),
	}
}

// Bind starts a new connection to opponent. Identity delivery, duplicate
// suppression, and pending telemetry all restart.
func (l *Layer) Bind(opponent string) {
	l.opponent = opponent
	l.link = nil
	l.identity = nil
	l.identitySent = false
	l.pendingTelemetry = nil
	l.lastSeq = make(map[string]uint64)
	l.stats = Stats{}
	l.limiter = rate.NewLimiter(rate.Every(l.cfg.TelemetryInterval), 1)
}

// Unbind forgets the current opponent; later receives from it are ignored
func (l *Layer) Unbind() {
	l.opponent = ""
	l.link = nil
	l.identity = nil
	l.pendingTelemetry = nil
}

// Opponent returns the bound opponent peer ID
func (l *Layer) Opponent() string {
	return l.opponent
}

// AttachLink marks the peer channel as connected. A pending IDENTITY goes out on it.
func (l *Layer) AttachLink(ch PeerChannel) {
	l.link = ch
	if l.identity != nil && !l.identitySent {
		l.sendIdentity(l.clock.Now())
	}
}

// DetachLink marks the peer channel as gone
func (l *Layer) DetachLink() {
	l.link = nil
	l.pendingTelemetry = nil
}

// LinkAttached reports whether best-effort traffic can currently flow
func (l *Layer) LinkAttached() bool {
	return l.link != nil
}

// Send routes msg by its delivery class
func (l *Layer) Send(msg models.GameMessage) error {
	if l.opponent == "" {
		return ErrNoOpponent
	}

	switch m := msg.(type) {
	case models.Identity:
		l.identity = &m
		l.identitySent = false
		l.identityDeadline = l.clock.Now().Add(l.cfg.IdentityGrace)
		if l.link != nil {
			l.sendIdentity(l.clock.Now())
		}
		return nil
	case models.Telemetry:
		l.sendTelemetry(m, l.clock.Now())
		return nil
	}

	if msg.Class() != models.Critical {
		return fmt.Errorf("no route for %s with class %s", msg.Kind(), msg.Class())
	}
	return l.sendCritical(msg)
}

// Tick runs the time-driven parts: the identity fallback and the telemetry flush
func (l *Layer) Tick(now time.Time) {
	if l.opponent == "" {
		return
	}

	if l.identity != nil && !l.identitySent && !now.Before(l.identityDeadline) {
		l.logger.Debug().Str("opponent", l.opponent).Msg("identity grace elapsed, using relay")
		if err := l.sendCritical(*l.identity); err != nil {
			l.logger.Warn().Err(err).Msg("identity fallback failed")
		} else {
			l.identitySent = true
		}
	}

	if l.pendingTelemetry != nil && l.link != nil && l.limiter.AllowN(now, 1) {
		pending := *l.pendingTelemetry
		l.pendingTelemetry = nil
		l.writePeer(pending)
	}
}

func (l *Layer) sendCritical(msg models.GameMessage) error {
	payload, err := models.EncodeGameMessage(msg)
	if err != nil {
		return err
	}
	if err := l.relay.SendCritical(l.opponent, payload); err != nil {
		return fmt.Errorf("failed to send %s via relay: %w", msg.Kind(), err)
	}
	l.stats.SentRelay++
	return nil
}

func (l *Layer) sendIdentity(now time.Time) {
	if l.writePeer(*l.identity) {
		l.identitySent = true
		return
	}
	// The channel refused; let the grace window decide when to use the relay
	if now.Before(l.identityDeadline) {
		return
	}
	if err := l.sendCritical(*l.identity); err == nil {
		l.identitySent = true
	}
}

func (l *Layer) sendTelemetry(t models.Telemetry, now time.Time) {
	if l.link == nil {
		l.stats.TelemetryDropped++
		return
	}
	if !l.limiter.AllowN(now, 1) {
		if l.pendingTelemetry != nil {
			l.stats.TelemetryCoalesced++
		}
		l.pendingTelemetry = &t
		return
	}
	l.pendingTelemetry = nil
	l.writePeer(t)
}

// writePeer sends over the peer channel and reports success. Failures are not retried.
func (l *Layer) writePeer(msg models.GameMessage) bool {
	if l.link == nil {
		return false
	}
	data, err := models.EncodeGameMessage(msg)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to encode peer message")
		return false
	}
	if err := l.link.Send(data); err != nil {
		if msg.Kind() == models.KindTelemetry {
			l.stats.TelemetryDropped++
		}
		l.logger.Debug().Err(err).Str("kind", string(msg.Kind())).Msg("peer send rejected")
		return false
	}
	l.stats.SentPeer++
	return true
}

// ReceiveRelay decodes a critical message. ok is false for messages from anyone
// but the bound opponent and for duplicate sequence numbers.
func (l *Layer) ReceiveRelay(from string, seq uint64, payload []byte) (Incoming, bool, error) {
	if from == "" || from != l.opponent {
		return Incoming{}, false, nil
	}
	if seq != 0 {
		if seq <= l.lastSeq[from] {
			l.stats.Duplicates++
			return Incoming{}, false, nil
		}
		l.lastSeq[from] = seq
	}

	msg, err := models.DecodeGameMessage(payload)
	if err != nil {
		return Incoming{}, false, err
	}
	l.stats.ReceivedRelay++
	return Incoming{Message: msg, From: from, Path: PathRelay, Seq: seq}, true, nil
}

// ReceivePeer decodes a message from the peer channel
func (l *Layer) ReceivePeer(from string, data []byte) (Incoming, bool, error) {
	if from == "" || from != l.opponent {
		return Incoming{}, false, nil
	}
	msg, err := models.DecodeGameMessage(data)
	if err != nil {
		return Incoming{}, false, err
	}
	l.stats.ReceivedPeer++
	return Incoming{Message: msg, From: from, Path: PathPeer}, true, nil
}

// Stats returns a copy of the counters for the current binding
func (l *Layer) Stats() Stats {
	return l.stats
}
