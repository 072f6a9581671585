package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/blink-duel/internal/middleware"
	"github.com/mossy-p/blink-duel/internal/models"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
	storeTimeout = 2 * time.Second

	errPeerNotFound = "peer not found"
	errBufferFull   = "peer buffer full"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Store is the relay's bookkeeping sink. Failures are logged and never block matchmaking.
type Store interface {
	MirrorJoin(ctx context.Context, entry models.QueueEntry) error
	MirrorLeave(ctx context.Context, peerID string) error
	SaveMatch(ctx context.Context, match models.MatchMetadata) error
	EndMatch(ctx context.Context, matchID string, endedAt time.Time) error
}

// Peer is one relay connection. Its ID lives exactly as long as the socket.
type Peer struct {
	ID          string
	DisplayName string
	Conn        *websocket.Conn
	Send        chan []byte

	// guarded by Relay.mu
	opponent string
	matchID  string
	queued   bool
	closed   bool
}

// Relay pairs waiting peers and forwards traffic between matched opponents
type Relay struct {
	writes *storeWriter
	logger zerolog.Logger

	mu      sync.Mutex
	peers   map[string]*Peer
	queue   []*Peer
	matches map[string]models.MatchMetadata
}

// RelayStats is a point-in-time view of the relay
type RelayStats struct {
	Connected     int
	Waiting       int
	ActiveMatches int
}

// NewRelay creates a relay. store may be nil.
func NewRelay(store Store) *Relay {
	r := &Relay{
		logger:  log.With().Str("component", "relay").Logger(),
		peers:   make(map[string]*Peer),
		matches: make(map[string]models.MatchMetadata),
	}
	if store != nil {
		r.writes = newStoreWriter(store, r.logger)
	}
	return r
}

// Close flushes pending store updates. Connected peers are left to the server shutdown.
func (r *Relay) Close() {
	if r.writes != nil {
		r.writes.stop()
	}
}

// Stats returns connection, queue, and match counts
func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RelayStats{
		Connected:     len(r.peers),
		Waiting:       len(r.queue),
		ActiveMatches: len(r.matches),
	}
}

// HandleSignaling upgrades an authenticated request to a relay session
func (r *Relay) HandleSignaling(c *gin.Context) {
	displayName := c.GetString(middleware.DisplayNameKey)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	peer := &Peer{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
	}

	r.mu.Lock()
	r.peers[peer.ID] = peer
	r.sendLocked(peer, models.SignalMessage{
		Type:    models.SignalTypeWelcome,
		Payload: mustJSON(models.WelcomePayload{PeerID: peer.ID}),
	})
	r.mu.Unlock()

	r.logger.Info().Str("peer_id", peer.ID).Str("display_name", displayName).Msg("peer connected")

	go peer.writePump()
	go r.readPump(peer)
}

func (r *Relay) readPump(p *Peer) {
	defer func() {
		r.disconnect(p)
		p.Conn.Close()
	}()

	p.Conn.SetReadDeadline(time.Now().Add(pongWait))
	p.Conn.SetPongHandler(func(string) error {
		p.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := p.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				r.logger.Warn().Err(err).Str("peer_id", p.ID).Msg("websocket error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			r.logger.Debug().Err(err).Str("peer_id", p.ID).Msg("failed to parse message")
			continue
		}
		msg.From = p.ID

		switch {
		case msg.Type == models.SignalTypeQueueJoin:
			var req models.QueueJoinPayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &req); err != nil {
					r.reply(p, models.SignalMessage{Type: models.SignalTypeError, Error: "invalid queue_join payload"})
					continue
				}
			}
			r.Join(p, req.DisplayName)
		case msg.Type == models.SignalTypeQueueLeave:
			r.LeaveQueue(p)
		case msg.IsEnvelope():
			r.forward(p, msg)
		case msg.Type == models.SignalTypeCritical:
			r.forwardCritical(p, msg)
		default:
			r.logger.Debug().Str("type", string(msg.Type)).Str("peer_id", p.ID).Msg("unknown message type")
			r.reply(p, models.SignalMessage{Type: models.SignalTypeError, Error: "unknown message type"})
		}
	}
}

// Join queues p for an opponent, first dissolving any current pairing.
// The longest-waiting peer becomes host of the new match.
func (r *Relay) Join(p *Peer, displayName string) {
	now := time.Now()

	r.mu.Lock()
	if p.closed {
		r.mu.Unlock()
		return
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	ended := r.dissolveLocked(p, "")
	r.endMatchLocked(ended, now)
	if p.queued {
		r.mu.Unlock()
		return
	}

	var host *Peer
	for len(r.queue) > 0 && host == nil {
		head := r.queue[0]
		r.queue = r.queue[1:]
		head.queued = false
		if !head.closed && head != p {
			host = head
		}
	}

	if host == nil {
		p.queued = true
		r.queue = append(r.queue, p)
		entry := models.QueueEntry{PeerID: p.ID, DisplayName: p.DisplayName, JoinedAt: now}
		r.record("mirror_join", func(ctx context.Context, s Store) error { return s.MirrorJoin(ctx, entry) })
		r.mu.Unlock()

		r.logger.Info().Str("peer_id", p.ID).Msg("peer queued")
		return
	}

	match := r.pairLocked(host, p, now)
	hostID := host.ID
	r.record("mirror_leave", func(ctx context.Context, s Store) error { return s.MirrorLeave(ctx, hostID) })
	r.record("save_match", func(ctx context.Context, s Store) error { return s.SaveMatch(ctx, match) })
	r.mu.Unlock()

	r.logger.Info().
		Str("match_id", match.ID).
		Str("host", host.ID).
		Str("guest", p.ID).
		Msg("match created")
}

// LeaveQueue withdraws p from the queue
func (r *Relay) LeaveQueue(p *Peer) {
	r.mu.Lock()
	removed := r.unqueueLocked(p)
	if removed {
		r.record("mirror_leave", func(ctx context.Context, s Store) error { return s.MirrorLeave(ctx, p.ID) })
	}
	r.mu.Unlock()

	if removed {
		r.logger.Info().Str("peer_id", p.ID).Msg("peer left queue")
	}
}

func (r *Relay) disconnect(p *Peer) {
	now := time.Now()

	r.mu.Lock()
	if r.unqueueLocked(p) {
		r.record("mirror_leave", func(ctx context.Context, s Store) error { return s.MirrorLeave(ctx, p.ID) })
	}
	r.endMatchLocked(r.dissolveLocked(p, "peer_left"), now)
	delete(r.peers, p.ID)
	p.closed = true
	close(p.Send)
	r.mu.Unlock()

	r.logger.Info().Str("peer_id", p.ID).Msg("peer disconnected")
}

// pairLocked binds host and guest and tells each side who the other is:
// a hint first, then the assignment.
func (r *Relay) pairLocked(host, guest *Peer, now time.Time) models.MatchMetadata {
	match := models.MatchMetadata{
		ID:        uuid.NewString(),
		HostID:    host.ID,
		GuestID:   guest.ID,
		HostName:  host.DisplayName,
		GuestName: guest.DisplayName,
		CreatedAt: now,
	}
	r.matches[match.ID] = match

	host.opponent, host.matchID = guest.ID, match.ID
	guest.opponent, guest.matchID = host.ID, match.ID

	hostSession := models.Session{PeerID: host.ID, DisplayName: host.DisplayName, Role: models.RoleHost}
	guestSession := models.Session{PeerID: guest.ID, DisplayName: guest.DisplayName, Role: models.RoleGuest}

	r.sendLocked(host, models.SignalMessage{Type: models.SignalTypeHint, MatchID: match.ID, Payload: mustJSON(guestSession)})
	r.sendLocked(host, models.SignalMessage{
		Type:    models.SignalTypeAssigned,
		MatchID: match.ID,
		Payload: mustJSON(models.Assignment{MatchID: match.ID, Opponent: guestSession, Role: models.RoleHost}),
	})
	r.sendLocked(guest, models.SignalMessage{Type: models.SignalTypeHint, MatchID: match.ID, Payload: mustJSON(hostSession)})
	r.sendLocked(guest, models.SignalMessage{
		Type:    models.SignalTypeAssigned,
		MatchID: match.ID,
		Payload: mustJSON(models.Assignment{MatchID: match.ID, Opponent: hostSession, Role: models.RoleGuest}),
	})
	return match
}

// dissolveLocked ends p's pairing and tells the opponent with a leave frame.
// Returns the dissolved match ID, if any.
func (r *Relay) dissolveLocked(p *Peer, reason string) string {
	if p.opponent == "" {
		return ""
	}
	matchID := p.matchID
	if opp, ok := r.peers[p.opponent]; ok && opp.opponent == p.ID {
		opp.opponent, opp.matchID = "", ""
		r.sendLocked(opp, models.SignalMessage{
			Type:    models.SignalTypeLeave,
			MatchID: matchID,
			Payload: mustJSON(models.LeavePayload{PeerID: p.ID, Reason: reason}),
		})
	}
	p.opponent, p.matchID = "", ""
	delete(r.matches, matchID)
	return matchID
}

func (r *Relay) unqueueLocked(p *Peer) bool {
	if !p.queued {
		return false
	}
	p.queued = false
	for i, q := range r.queue {
		if q == p {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	return true
}

// forward relays a negotiation envelope verbatim
func (r *Relay) forward(from *Peer, msg models.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.peers[msg.To]
	if !ok {
		r.logger.Debug().Str("from", from.ID).Str("to", msg.To).Str("type", string(msg.Type)).Msg("envelope target not found")
		return
	}
	r.sendLocked(target, msg)
}

// forwardCritical relays a critical game message and acks the sender once the
// target's buffer has accepted it. Each sender's reader runs serially, so
// per-sender order carries through the target's FIFO buffer.
func (r *Relay) forwardCritical(from *Peer, msg models.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := models.SignalMessage{Type: models.SignalTypeAck, Seq: msg.Seq}
	target, ok := r.peers[msg.To]
	switch {
	case !ok:
		result = models.SignalMessage{Type: models.SignalTypeError, Seq: msg.Seq, Error: errPeerNotFound}
	case !r.sendLocked(target, msg):
		result = models.SignalMessage{Type: models.SignalTypeError, Seq: msg.Seq, Error: errBufferFull}
	}
	if result.Type == models.SignalTypeError {
		r.logger.Warn().Str("from", from.ID).Str("to", msg.To).Uint64("seq", msg.Seq).Str("error", result.Error).Msg("critical message not delivered")
	}
	r.sendLocked(from, result)
}

func (r *Relay) reply(p *Peer, msg models.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendLocked(p, msg)
}

// sendLocked queues msg on p's buffer without blocking
func (r *Relay) sendLocked(p *Peer, msg models.SignalMessage) bool {
	if p.closed {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal message")
		return false
	}
	select {
	case p.Send <- data:
		return true
	default:
		r.logger.Warn().Str("peer_id", p.ID).Msg("failed to send message, buffer full")
		return false
	}
}

func (r *Relay) endMatchLocked(matchID string, at time.Time) {
	if matchID == "" {
		return
	}
	r.logger.Info().Str("match_id", matchID).Msg("match dissolved")
	r.record("end_match", func(ctx context.Context, s Store) error { return s.EndMatch(ctx, matchID, at) })
}

// record queues a store update. Callers hold r.mu so updates keep the relay's order.
func (r *Relay) record(name string, fn func(ctx context.Context, s Store) error) {
	if r.writes == nil {
		return
	}
	r.writes.push(name, fn)
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.Send:
			p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := p.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("peer_id", p.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
