// Package peerlink turns an opponent assignment into a direct WebRTC transport:
// a media stream plus an unordered, unreliable "game" data channel.
//
// Negotiation is trickled. Offers, answers, and candidates travel as
// envelopes over the relay; candidates that arrive before the remote
// description are held and applied in arrival order once it is set.
//
// A Manager owns at most one Link. Opening a link for a new opponent fully
// closes the previous one first.
package peerlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/blink-duel/internal/models"
)

var (
	ErrNotConnected        = errors.New("peer link not connected")
	ErrLinkClosed          = errors.New("peer link closed")
	ErrResourceUnavailable = errors.New("local media not ready")
	ErrNegotiationTimeout  = errors.New("peer negotiation timed out")
)

// EnvelopeSender relays negotiation envelopes to the opponent
type EnvelopeSender interface {
	SendEnvelope(env models.SignalEnvelope) error
}

// Config tunes negotiation
type Config struct {
	ICEServers         []webrtc.ICEServer
	MediaWait          time.Duration
	NegotiationTimeout time.Duration
	// IncludeLoopback gathers loopback candidates so two links in one process can connect
	IncludeLoopback bool
}

// ICEServersFromURLs builds STUN server entries from plain URLs
func ICEServersFromURLs(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

type Manager struct {
	cfg    Config
	api    *webrtc.API
	sender EnvelopeSender
	media  MediaSource
	clock  clockwork.Clock
	events chan Event
	logger zerolog.Logger

	mu      sync.Mutex
	current *Link
}

// NewManager builds a manager. media may be nil for data-only links.
func NewManager(cfg Config, sender EnvelopeSender, media MediaSource, clock clockwork.Clock) (*Manager, error) {
	if cfg.MediaWait <= 0 {
		cfg.MediaWait = 5 * time.Second
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 15 * time.Second
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &Manager{
		cfg:    cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		sender: sender,
		media:  media,
		clock:  clock,
		events: make(chan Event, 128),
		logger: log.With().Str("component", "peerlink").Logger(),
	}, nil
}

// Events carries link events for every link this manager opens
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Open closes the current link and starts negotiating a new one with opponent.
// The host creates the offer; the guest waits for it.
func (m *Manager) Open(ctx context.Context, matchID, selfID, opponent string, role models.Role) *Link {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	link := newLink(m, matchID, selfID, opponent, role)

	m.mu.Lock()
	m.current = link
	m.mu.Unlock()

	link.start(ctx)
	return link
}

// Current returns the open link, if any
func (m *Manager) Current() *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// HandleEnvelope routes an envelope to the current link. Envelopes from anyone
// but the current opponent are dropped.
func (m *Manager) HandleEnvelope(env models.SignalEnvelope) {
	link := m.Current()
	if link == nil || env.FromPeerID != link.opponent {
		m.logger.Debug().Str("from", env.FromPeerID).Str("kind", string(env.Kind)).Msg("dropping envelope for no current link")
		return
	}
	link.deliver(env)
}

// Send writes to the current link's data channel
func (m *Manager) Send(data []byte) error {
	link := m.Current()
	if link == nil {
		return ErrNotConnected
	}
	return link.Send(data)
}

// Close closes the current link
func (m *Manager) Close() {
	m.mu.Lock()
	link := m.current
	m.current = nil
	m.mu.Unlock()
	if link != nil {
		link.Close()
	}
}

// Release closes the current link and hands the local media back. The
// manager must not open links afterwards.
func (m *Manager) Release() {
	m.Close()
	if m.media != nil {
		m.media.Release()
		m.logger.Debug().Msg("local media released")
	}
}
