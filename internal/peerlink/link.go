package peerlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/blink-duel/internal/models"
)

const channelLabel = "game"

type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is emitted by a link through its manager
type Event interface{ isLinkEvent() }

type StateChanged struct {
	MatchID string
	PeerID  string
	State   State
}

// StreamAttached reports the opponent's media arriving on the link
type StreamAttached struct {
	MatchID string
	PeerID  string
	Track   *webrtc.TrackRemote
}

type DataReceived struct {
	MatchID string
	PeerID  string
	Data    []byte
}

// NegotiationFailed is the last event of a link that never connected
type NegotiationFailed struct {
	MatchID string
	PeerID  string
	Err     error
}

func (StateChanged) isLinkEvent()      {}
func (StreamAttached) isLinkEvent()    {}
func (DataReceived) isLinkEvent()      {}
func (NegotiationFailed) isLinkEvent() {}

// Link is one connection to exactly one opponent. It is never reused.
type Link struct {
	m        *Manager
	matchID  string
	selfID   string
	opponent string
	role     models.Role
	logger   zerolog.Logger
	inbox    chan models.SignalEnvelope
	ctx      context.Context
	cancel   context.CancelFunc

	emitMu sync.Mutex
	closed atomic.Bool

	mu    sync.Mutex
	state State
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	timer clockwork.Timer
}

func newLink(m *Manager, matchID, selfID, opponent string, role models.Role) *Link {
	return &Link{
		m:        m,
		matchID:  matchID,
		selfID:   selfID,
		opponent: opponent,
		role:     role,
		logger: m.logger.With().
			Str("match_id", matchID).
			Str("opponent", opponent).
			Str("role", string(role)).
			Logger(),
		inbox: make(chan models.SignalEnvelope, 128),
		state: StateIdle,
	}
}

func (l *Link) MatchID() string  { return l.matchID }
func (l *Link) Opponent() string { return l.opponent }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Send writes to the data channel. It rejects rather than queues when the
// link is not connected.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	state, dc := l.state, l.dc
	l.mu.Unlock()

	switch state {
	case StateConnected:
		return dc.Send(data)
	case StateClosed:
		return ErrLinkClosed
	default:
		return ErrNotConnected
	}
}

// Close tears the link down. A closed link emits nothing further.
func (l *Link) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	l.emitMu.Lock()
	already := l.closed.Swap(true)
	l.emitMu.Unlock()
	if already {
		return
	}

	l.mu.Lock()
	l.state = StateClosed
	pc := l.pc
	l.pc = nil
	l.dc = nil
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()

	if pc != nil {
		// pion may be inside one of our callbacks; close off this goroutine
		go func() {
			if err := pc.Close(); err != nil {
				l.logger.Debug().Err(err).Msg("peer connection close")
			}
		}()
	}
	l.logger.Debug().Msg("link closed")
}

func (l *Link) start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.mu.Lock()
	l.state = StateNegotiating
	l.timer = l.m.clock.AfterFunc(l.m.cfg.NegotiationTimeout, func() {
		l.fail(ErrNegotiationTimeout)
	})
	l.mu.Unlock()

	l.emit(StateChanged{MatchID: l.matchID, PeerID: l.opponent, State: StateNegotiating})
	go l.run()
}

func (l *Link) deliver(env models.SignalEnvelope) {
	select {
	case l.inbox <- env:
	default:
		l.logger.Warn().Str("kind", string(env.Kind)).Msg("negotiation inbox full, dropping envelope")
	}
}

// run owns the peer connection's signaling state. Envelopes that arrive while
// media is still pending wait in the inbox.
func (l *Link) run() {
	if err := l.waitMedia(); err != nil {
		l.fail(err)
		return
	}
	if l.ctx.Err() != nil {
		return
	}

	pc, err := l.m.api.NewPeerConnection(webrtc.Configuration{ICEServers: l.m.cfg.ICEServers})
	if err != nil {
		l.fail(fmt.Errorf("creating peer connection: %w", err))
		return
	}

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		pc.Close()
		return
	}
	l.pc = pc
	l.mu.Unlock()

	if err := l.wire(pc); err != nil {
		l.fail(err)
		return
	}

	if l.role == models.RoleHost {
		if err := l.offer(pc); err != nil {
			l.fail(err)
			return
		}
	}

	var pending []webrtc.ICECandidateInit
	remoteSet := false

	for {
		select {
		case <-l.ctx.Done():
			return
		case env := <-l.inbox:
			switch env.Kind {
			case models.EnvelopeOffer, models.EnvelopeAnswer:
				if err := l.applyDescription(pc, env); err != nil {
					l.fail(err)
					return
				}
				remoteSet = true
				for _, c := range pending {
					if err := pc.AddICECandidate(c); err != nil {
						l.logger.Warn().Err(err).Msg("failed to apply buffered candidate")
					}
				}
				pending = nil

			case models.EnvelopeCandidate:
				var c webrtc.ICECandidateInit
				if err := json.Unmarshal(env.Body, &c); err != nil {
					l.logger.Warn().Err(err).Msg("invalid candidate envelope")
					continue
				}
				if !remoteSet {
					pending = append(pending, c)
					continue
				}
				if err := pc.AddICECandidate(c); err != nil {
					l.logger.Warn().Err(err).Msg("failed to apply candidate")
				}
			}
		}
	}
}

func (l *Link) waitMedia() error {
	if l.m.media == nil {
		return nil
	}
	select {
	case <-l.m.media.Ready():
		return nil
	case <-l.ctx.Done():
		return nil
	default:
	}

	l.logger.Info().Dur("max_wait", l.m.cfg.MediaWait).Msg("waiting for local media")
	select {
	case <-l.m.media.Ready():
		return nil
	case <-l.ctx.Done():
		return nil
	case <-l.m.clock.After(l.m.cfg.MediaWait):
		return ErrResourceUnavailable
	}
}

func (l *Link) wire(pc *webrtc.PeerConnection) error {
	if l.m.media != nil {
		for _, track := range l.m.media.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				return fmt.Errorf("adding local track: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.sendEnvelope(models.EnvelopeCandidate, c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Debug().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.transportLost(fmt.Errorf("transport %s", state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.emit(StreamAttached{MatchID: l.matchID, PeerID: l.opponent, Track: track})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			return
		}
		l.attachChannel(dc)
	})
	return nil
}

func (l *Link) offer(pc *webrtc.PeerConnection) error {
	ordered := false
	var maxRetransmits uint16
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	l.attachChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	l.sendEnvelope(models.EnvelopeOffer, offer)
	l.logger.Info().Msg("offer sent")
	return nil
}

func (l *Link) applyDescription(pc *webrtc.PeerConnection, env models.SignalEnvelope) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(env.Body, &sd); err != nil {
		return fmt.Errorf("invalid %s envelope: %w", env.Kind, err)
	}

	switch {
	case env.Kind == models.EnvelopeOffer && l.role == models.RoleGuest:
		if err := pc.SetRemoteDescription(sd); err != nil {
			return fmt.Errorf("setting remote offer: %w", err)
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("creating answer: %w", err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("setting local description: %w", err)
		}
		l.sendEnvelope(models.EnvelopeAnswer, answer)
		l.logger.Info().Msg("answer sent")
		return nil

	case env.Kind == models.EnvelopeAnswer && l.role == models.RoleHost:
		if err := pc.SetRemoteDescription(sd); err != nil {
			return fmt.Errorf("setting remote answer: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unexpected %s for role %s", env.Kind, l.role)
}

func (l *Link) attachChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		l.mu.Lock()
		if l.state != StateNegotiating {
			l.mu.Unlock()
			return
		}
		l.state = StateConnected
		l.dc = dc
		if l.timer != nil {
			l.timer.Stop()
		}
		l.mu.Unlock()

		l.logger.Info().Msg("peer link connected")
		l.emit(StateChanged{MatchID: l.matchID, PeerID: l.opponent, State: StateConnected})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.emit(DataReceived{MatchID: l.matchID, PeerID: l.opponent, Data: msg.Data})
	})

	dc.OnClose(func() {
		l.transportLost(fmt.Errorf("data channel closed"))
	})
}

func (l *Link) sendEnvelope(kind models.EnvelopeKind, body any) {
	if l.closed.Load() {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		l.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to encode envelope")
		return
	}
	env := models.SignalEnvelope{
		Kind:       kind,
		Body:       data,
		FromPeerID: l.selfID,
		ToPeerID:   l.opponent,
	}
	if err := l.m.sender.SendEnvelope(env); err != nil {
		l.logger.Warn().Err(err).Str("kind", string(kind)).Msg("failed to relay envelope")
	}
}

// fail ends a link that has not connected yet
func (l *Link) fail(err error) {
	l.mu.Lock()
	negotiating := l.state == StateNegotiating
	l.mu.Unlock()
	if !negotiating {
		return
	}

	l.logger.Warn().Err(err).Msg("negotiation failed")
	l.emit(NegotiationFailed{MatchID: l.matchID, PeerID: l.opponent, Err: err})
	l.Close()
}

// transportLost handles the transport dying on its own
func (l *Link) transportLost(err error) {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	switch state {
	case StateNegotiating:
		l.fail(err)
	case StateConnected:
		l.logger.Warn().Err(err).Msg("peer link lost")
		l.emit(StateChanged{MatchID: l.matchID, PeerID: l.opponent, State: StateClosed})
		l.Close()
	}
}

func (l *Link) emit(e Event) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	if l.closed.Load() {
		return
	}
	select {
	case l.m.events <- e:
	case <-l.ctx.Done():
	}
}
