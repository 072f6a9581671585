package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-duel/config"
	"github.com/mossy-p/blink-duel/internal/models"
)

// scriptRelay greets every connection with a welcome frame and hands the
// server side of the socket to the test
type scriptRelay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu  sync.Mutex
	ids int
}

func newScriptRelay(t *testing.T) *scriptRelay {
	t.Helper()
	r := &scriptRelay{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}

	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.ids++
		id := fmt.Sprintf("peer-%d", r.ids)
		r.mu.Unlock()

		payload, _ := json.Marshal(models.WelcomePayload{PeerID: id})
		if err := ws.WriteJSON(models.SignalMessage{Type: models.SignalTypeWelcome, Payload: payload}); err != nil {
			ws.Close()
			return
		}
		r.conns <- ws
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *scriptRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *scriptRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-r.conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection reached the relay")
		return nil
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) models.SignalMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg models.SignalMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func writeFrame(t *testing.T, ws *websocket.Conn, msg models.SignalMessage) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func testConfig(url string) Config {
	return Config{
		URL: url,
		RelayClientConfig: config.RelayClientConfig{
			MaxRetries:         3,
			BackoffBase:        5 * time.Millisecond,
			BackoffMax:         20 * time.Millisecond,
			CriticalAckTimeout: 50 * time.Millisecond,
			WriteTimeout:       time.Second,
			PingInterval:       5 * time.Second,
		},
	}
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case e := <-c.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay event")
		return nil
	}
}

func expectEvent[T Event](t *testing.T, c *Client) T {
	t.Helper()
	e := nextEvent(t, c)
	v, ok := e.(T)
	require.Truef(t, ok, "unexpected event %T: %+v", e, e)
	return v
}

func connect(t *testing.T, r *scriptRelay) (*Client, *websocket.Conn) {
	t.Helper()
	c := NewClient(testConfig(r.url()), clockwork.NewRealClock())
	t.Cleanup(func() { c.Close() })

	peerID, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "peer-1", peerID)
	status := expectEvent[ConnectionStatus](t, c)
	require.True(t, status.Connected)
	return c, r.accept(t)
}

func assign(t *testing.T, c *Client, ws *websocket.Conn, opponent string) {
	t.Helper()
	payload, err := json.Marshal(models.Assignment{
		MatchID:  "m1",
		Opponent: models.Session{PeerID: opponent, DisplayName: "bob"},
		Role:     models.RoleHost,
	})
	require.NoError(t, err)
	writeFrame(t, ws, models.SignalMessage{Type: models.SignalTypeAssigned, MatchID: "m1", Payload: payload})
	got := expectEvent[PeerAssigned](t, c)
	require.Equal(t, opponent, got.Assignment.Opponent.PeerID)
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1"), clockwork.NewRealClock())
	defer c.Close()

	assert.ErrorIs(t, c.JoinQueue("ana"), ErrNotConnected)
	assert.ErrorIs(t, c.SendCritical("bob", []byte(`{}`)), ErrNotConnected)
}

func TestClient_JoinQueueSendsDisplayName(t *testing.T) {
	r := newScriptRelay(t)
	c, ws := connect(t, r)
	assert.Equal(t, "peer-1", c.PeerID())

	require.NoError(t, c.JoinQueue("ana"))
	msg := readFrame(t, ws)
	assert.Equal(t, models.SignalTypeQueueJoin, msg.Type)

	var p models.QueueJoinPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "ana", p.DisplayName)

	require.NoError(t, c.LeaveQueue())
	assert.Equal(t, models.SignalTypeQueueLeave, readFrame(t, ws).Type)
}

func TestClient_EnvelopesOnlyFromAssignedOpponent(t *testing.T) {
	r := newScriptRelay(t)
	c, ws := connect(t, r)
	assign(t, c, ws, "peer-9")

	writeFrame(t, ws, models.SignalMessage{Type: models.SignalTypeOffer, From: "stranger", MatchID: "m1", Payload: json.RawMessage(`{"sdp":"x"}`)})
	writeFrame(t, ws, models.SignalMessage{Type: models.SignalTypeOffer, From: "peer-9", To: "peer-1", MatchID: "m1", Payload: json.RawMessage(`{"sdp":"y"}`)})

	got := expectEvent[EnvelopeReceived](t, c)
	assert.Equal(t, "peer-9", got.Envelope.FromPeerID)
	assert.Equal(t, models.EnvelopeOffer, got.Envelope.Kind)
	assert.JSONEq(t, `{"sdp":"y"}`, string(got.Envelope.Body))
	assert.Equal(t, "m1", got.MatchID)
}

func TestClient_SendEnvelopeCarriesMatch(t *testing.T) {
	r := newScriptRelay(t)
	c, ws := connect(t, r)
	assign(t, c, ws, "peer-9")

	require.NoError(t, c.SendEnvelope(models.SignalEnvelope{
		Kind:       models.EnvelopeCandidate,
		Body:       json.RawMessage(`{"candidate":"c1"}`),
		FromPeerID: "peer-1",
		ToPeerID:   "peer-9",
	}))
	msg := readFrame(t, ws)
	assert.Equal(t, models.SignalTypeCandidate, msg.Type)
	assert.Equal(t, "peer-9", msg.To)
	assert.Equal(t, "m1", msg.MatchID)
}

func TestClient_CriticalRetransmitsUntilAcked(t *testing.T) {
	r := newScriptRelay(t)
	c, ws := connect(t, r)
	assign(t, c, ws, "peer-9")

	require.NoError(t, c.SendCritical("peer-9", []byte(`{"kind":"READY","body":{"isReady":true}}`)))
	require.NoError(t, c.SendCritical("peer-9", []byte(`{"kind":"LOSS","body":{"reason":"blink"}}`)))

	first := readFrame(t, ws)
	assert.Equal(t, models.SignalTypeCritical, first.Type)
	assert.Equal(t, uint64(1), first.Seq)

	// no ack: the same message comes again before the next one is released
	again := readFrame(t, ws)
	assert.Equal(t, uint64(1), again.Seq)
	assert.JSONEq(t, string(first.Payload), string(again.Payload))

	writeFrame(t, ws, models.SignalMessage{Type: models.SignalTypeAck, Seq: 1})
	second := readFrame(t, ws)
	for second.Seq == 1 {
		second = readFrame(t, ws)
	}
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "peer-9", second.To)
}

func TestClient_CriticalDroppedWhenRelayCannotDeliver(t *testing.T) {
	r := newScriptRelay(t)
	c, ws := connect(t, r)
	assign(t, c, ws, "peer-9")

	require.NoError(t, c.SendCritical("peer-9", []byte(`{"kind":"LOSS","body":{"reason":"blink"}}`)))
	require.NoError(t, c.SendCritical("peer-9", []byte(`{"kind":"READY","body":{"isReady":false}}`)))
	assert.Equal(t, uint64(1), readFrame(t, ws).Seq)

	writeFrame(t, ws, models.SignalMessage{Type: models.SignalTypeError, Seq: 1, Error: "peer not found"})
	next := readFrame(t, ws)
	for next.Seq == 1 {
		next = readFrame(t, ws)
	}
	assert.Equal(t, uint64(2), next.Seq)
}

func TestClient_LeaveClearsOpponent(t *testing.T) {
	r := newScriptRelay(t)
	c, ws := connect(t, r)
	assign(t, c, ws, "peer-9")

	payload, err := json.Marshal(models.LeavePayload{PeerID: "peer-9"})
	require.NoError(t, err)
	writeFrame(t, ws, models.SignalMessage{Type: models.SignalTypeLeave, Payload: payload})

	got := expectEvent[OpponentDisconnected](t, c)
	assert.Equal(t, "peer-9", got.PeerID)
	assert.Equal(t, ReasonPeerLeft, got.Reason)
	assert.Empty(t, c.Opponent())
}

func TestClient_ReconnectInvalidatesBindings(t *testing.T) {
	r := newScriptRelay(t)
	c, ws := connect(t, r)
	require.NoError(t, c.JoinQueue("ana"))
	readFrame(t, ws)
	assign(t, c, ws, "peer-9")

	require.NoError(t, ws.Close())

	lost := expectEvent[OpponentDisconnected](t, c)
	assert.Equal(t, "peer-9", lost.PeerID)
	assert.Equal(t, ReasonRelayLost, lost.Reason)

	down := expectEvent[ConnectionStatus](t, c)
	assert.False(t, down.Connected)

	up := expectEvent[ConnectionStatus](t, c)
	assert.True(t, up.Connected)
	assert.Equal(t, "peer-2", up.PeerID)
	assert.Empty(t, c.Opponent())

	// the queue is not rejoined behind the owner's back
	ws2 := r.accept(t)
	require.NoError(t, ws2.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := ws2.ReadMessage()
	assert.Error(t, err)
}

func TestClient_ConnectGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxRetries = 2
	c := NewClient(cfg, clockwork.NewRealClock())
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, 1, expectEvent[ConnectionStatus](t, c).Attempt)
	assert.Equal(t, 2, expectEvent[ConnectionStatus](t, c).Attempt)
}
