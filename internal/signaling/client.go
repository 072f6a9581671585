// Package signaling is the duelist's connection to the relay server. It carries
// queue requests, negotiation envelopes, and critical game messages, and turns
// relay frames into typed events.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/blink-duel/config"
	"github.com/mossy-p/blink-duel/internal/models"
)

var (
	ErrNotConnected   = errors.New("relay not connected")
	ErrClosed         = errors.New("relay client closed")
	ErrUnavailable    = errors.New("relay unavailable")
	ErrSendBufferFull = errors.New("relay send buffer full")
)

// Config is the relay endpoint plus reconnect and retransmission tuning
type Config struct {
	URL   string
	Token string
	config.RelayClientConfig
}

// connection is one websocket session; its peer ID dies with it
type connection struct {
	ws     *websocket.Conn
	peerID string
	send   chan []byte
	done   chan struct{}
}

// outgoing is one critical frame awaiting the relay's ack
type outgoing struct {
	seq      uint64
	to       string
	data     []byte
	sentAt   time.Time
	attempts int
}

// Client owns one relay connection for the lifetime of a run.
// Critical messages are sent one at a time; the next leaves only after the
// relay acks the previous, so retransmissions never reorder them.
type Client struct {
	cfg    Config
	clock  clockwork.Clock
	dialer *websocket.Dialer
	logger zerolog.Logger
	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	conn     *connection
	opponent string
	matchID  string
	nextSeq  uint64
	outbox   []*outgoing
	inflight *outgoing
	closed   bool
}

func NewClient(cfg Config, clock clockwork.Clock) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.CriticalAckTimeout <= 0 {
		cfg.CriticalAckTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	return &Client{
		cfg:   cfg,
		clock: clock,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.WriteTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: log.With().Str("component", "relay_client").Logger(),
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
	}
}

// Events is the stream of relay-pushed events. It is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// PeerID returns the session-scoped ID of the current connection
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.peerID
}

// Opponent returns the peer the relay most recently assigned
func (c *Client) Opponent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opponent
}

// Connect dials the relay, retrying with backoff, and returns the peer ID from the welcome frame
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.conn != nil {
		id := c.conn.peerID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	cn, err := c.dialWithRetry(ctx)
	if err != nil {
		return "", err
	}
	if !c.start(cn) {
		return "", ErrClosed
	}

	c.logger.Info().Str("peer_id", cn.peerID).Str("url", c.cfg.URL).Msg("connected to relay")
	c.emit(ConnectionStatus{Connected: true, PeerID: cn.peerID})
	return cn.peerID, nil
}

// JoinQueue asks the relay's matchmaker for an opponent
func (c *Client) JoinQueue(displayName string) error {
	payload, err := json.Marshal(models.QueueJoinPayload{DisplayName: displayName})
	if err != nil {
		return err
	}
	return c.sendFrame(models.SignalMessage{Type: models.SignalTypeQueueJoin, Payload: payload})
}

func (c *Client) LeaveQueue() error {
	return c.sendFrame(models.SignalMessage{Type: models.SignalTypeQueueLeave})
}

// SendEnvelope forwards a negotiation envelope to env.ToPeerID
func (c *Client) SendEnvelope(env models.SignalEnvelope) error {
	c.mu.Lock()
	matchID := c.matchID
	c.mu.Unlock()
	return c.sendFrame(env.ToSignal(matchID))
}

// SendCritical queues payload for reliable, in-order delivery to peer to.
// It returns once the message is queued; delivery continues in the background
// until the relay acks it or the connection drops.
func (c *Client) SendCritical(to string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}

	c.nextSeq++
	data, err := json.Marshal(models.SignalMessage{
		Type:    models.SignalTypeCritical,
		From:    c.conn.peerID,
		To:      to,
		MatchID: c.matchID,
		Seq:     c.nextSeq,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode critical message: %w", err)
	}

	c.outbox = append(c.outbox, &outgoing{seq: c.nextSeq, to: to, data: data})
	c.pumpCriticalLocked()
	return nil
}

// Drain waits until every queued critical message has been acked or dropped
func (c *Client) Drain(ctx context.Context) error {
	for {
		c.mu.Lock()
		idle := c.inflight == nil && len(c.outbox) == 0
		c.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(10 * time.Millisecond):
		}
	}
}

// Close tears down the connection and stops reconnecting
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.conn != nil {
		close(c.conn.send)
		c.conn = nil
	}
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	return nil
}

func (c *Client) start(cn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cn.ws.Close()
		return false
	}
	c.conn = cn
	c.wg.Add(3)
	go c.readPump(cn)
	go c.writePump(cn)
	go c.supervise(cn)
	return true
}

func (c *Client) dial(ctx context.Context) (*connection, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.WriteTimeout))
	var msg models.SignalMessage
	if err := ws.ReadJSON(&msg); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	if msg.Type != models.SignalTypeWelcome {
		ws.Close()
		return nil, fmt.Errorf("expected welcome, got %q", msg.Type)
	}
	var welcome models.WelcomePayload
	if err := json.Unmarshal(msg.Payload, &welcome); err != nil || welcome.PeerID == "" {
		ws.Close()
		return nil, fmt.Errorf("invalid welcome payload: %s", msg.Payload)
	}
	ws.SetReadDeadline(time.Time{})

	return &connection{
		ws:     ws,
		peerID: welcome.PeerID,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}, nil
}

func (c *Client) dialWithRetry(ctx context.Context) (*connection, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		cn, err := c.dial(ctx)
		if err == nil {
			return cn, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("max_retries", c.cfg.MaxRetries).Msg("relay connect failed")
		c.emit(ConnectionStatus{Attempt: attempt})

		if attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-c.clock.After(c.backoff(attempt)):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-c.stop:
			return nil, ErrClosed
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, c.cfg.MaxRetries, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > c.cfg.BackoffMax {
		return c.cfg.BackoffMax
	}
	return d
}

// supervise waits for a connection to drop, invalidates everything derived
// from it, and reconnects. It never rejoins the queue.
func (c *Client) supervise(cn *connection) {
	defer c.wg.Done()

	select {
	case <-cn.done:
	case <-c.stop:
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	opponent := c.opponent
	c.conn = nil
	c.opponent = ""
	c.matchID = ""
	dropped := len(c.outbox)
	if c.inflight != nil {
		dropped++
	}
	c.outbox = nil
	c.inflight = nil
	close(cn.send)
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn().Int("dropped", dropped).Msg("discarding unacknowledged critical messages")
	}
	c.logger.Warn().Str("peer_id", cn.peerID).Msg("relay connection lost")
	c.emit(OpponentDisconnected{PeerID: opponent, Reason: ReasonRelayLost})
	c.emit(ConnectionStatus{Connected: false, PeerID: cn.peerID})

	next, err := c.dialWithRetry(context.Background())
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		c.logger.Error().Err(err).Msg("giving up on relay")
		c.emit(RelayUnavailable{Err: err})
		return
	}
	if !c.start(next) {
		return
	}
	c.logger.Info().Str("peer_id", next.peerID).Msg("reconnected to relay")
	c.emit(ConnectionStatus{Connected: true, PeerID: next.peerID})
}

func (c *Client) readPump(cn *connection) {
	defer func() {
		cn.ws.Close()
		close(cn.done)
		c.wg.Done()
	}()

	readWait := 2 * c.cfg.PingInterval
	cn.ws.SetReadDeadline(time.Now().Add(readWait))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("relay read failed")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse relay frame")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) writePump(cn *connection) {
	ping := c.clock.NewTicker(c.cfg.PingInterval)
	retry := c.clock.NewTicker(c.cfg.CriticalAckTimeout / 2)
	defer func() {
		ping.Stop()
		retry.Stop()
		cn.ws.Close()
		c.wg.Done()
	}()

	for {
		select {
		case data, ok := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				cn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("relay write failed")
				return
			}

		case now := <-retry.Chan():
			data := c.retransmitDue(now)
			if data == nil {
				continue
			}
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("relay retransmit failed")
				return
			}

		case <-ping.Chan():
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeAssigned:
		var a models.Assignment
		if err := json.Unmarshal(msg.Payload, &a); err != nil || a.Opponent.PeerID == "" || !a.Role.Valid() {
			c.logger.Warn().RawJSON("payload", msg.Payload).Msg("invalid assignment")
			return
		}
		c.mu.Lock()
		c.opponent = a.Opponent.PeerID
		c.matchID = a.MatchID
		c.mu.Unlock()
		c.logger.Info().Str("match_id", a.MatchID).Str("opponent", a.Opponent.PeerID).Str("role", string(a.Role)).Msg("opponent assigned")
		c.emit(PeerAssigned{Assignment: a})

	case models.SignalTypeHint:
		var s models.Session
		if err := json.Unmarshal(msg.Payload, &s); err != nil || s.PeerID == "" {
			c.logger.Warn().RawJSON("payload", msg.Payload).Msg("invalid opponent hint")
			return
		}
		c.emit(OpponentHint{Opponent: s})

	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		c.mu.Lock()
		opponent, matchID := c.opponent, c.matchID
		c.mu.Unlock()
		if msg.From == "" || msg.From != opponent || (msg.MatchID != "" && msg.MatchID != matchID) {
			c.logger.Debug().Str("from", msg.From).Str("type", string(msg.Type)).Msg("dropping envelope from unbound peer")
			return
		}
		env, err := models.EnvelopeFromSignal(msg)
		if err != nil {
			c.logger.Warn().Err(err).Msg("invalid envelope")
			return
		}
		c.emit(EnvelopeReceived{MatchID: msg.MatchID, Envelope: env})

	case models.SignalTypeCritical:
		c.emit(CriticalReceived{From: msg.From, MatchID: msg.MatchID, Seq: msg.Seq, Payload: msg.Payload})

	case models.SignalTypeAck:
		c.settleCritical(msg.Seq, "")

	case models.SignalTypeError:
		if msg.Seq != 0 {
			c.settleCritical(msg.Seq, msg.Error)
			return
		}
		c.logger.Warn().Str("error", msg.Error).Msg("relay reported an error")

	case models.SignalTypeLeave:
		var p models.LeavePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.PeerID == "" {
			c.logger.Warn().RawJSON("payload", msg.Payload).Msg("invalid leave notice")
			return
		}
		c.mu.Lock()
		if c.opponent == p.PeerID {
			c.opponent = ""
			c.matchID = ""
		}
		c.mu.Unlock()
		reason := p.Reason
		if reason == "" {
			reason = ReasonPeerLeft
		}
		c.emit(OpponentDisconnected{PeerID: p.PeerID, Reason: reason})

	case models.SignalTypeWelcome:
		// only meaningful during the handshake

	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("unknown relay frame")
	}
}

// settleCritical completes the in-flight message. A non-empty failure means the
// relay could not deliver it and it is dropped.
func (c *Client) settleCritical(seq uint64, failure string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight == nil || c.inflight.seq != seq {
		return
	}
	if failure != "" {
		c.logger.Warn().Uint64("seq", seq).Str("to", c.inflight.to).Str("error", failure).Msg("critical message undeliverable")
	}
	c.inflight = nil
	c.pumpCriticalLocked()
}

func (c *Client) pumpCriticalLocked() {
	if c.inflight != nil || len(c.outbox) == 0 || c.conn == nil {
		return
	}
	next := c.outbox[0]
	c.outbox = c.outbox[1:]
	next.sentAt = c.clock.Now()
	next.attempts = 1
	c.inflight = next

	select {
	case c.conn.send <- next.data:
	default:
		c.logger.Warn().Uint64("seq", next.seq).Msg("send buffer full, critical message waits for retransmit")
	}
}

func (c *Client) retransmitDue(now time.Time) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight == nil || now.Sub(c.inflight.sentAt) < c.cfg.CriticalAckTimeout {
		return nil
	}
	c.inflight.attempts++
	c.inflight.sentAt = now
	c.logger.Debug().Uint64("seq", c.inflight.seq).Int("attempt", c.inflight.attempts).Msg("retransmitting critical message")
	return c.inflight.data
}

func (c *Client) sendFrame(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case c.conn.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.stop:
	}
}
