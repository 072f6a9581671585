package peerlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-duel/internal/models"
)

// router delivers envelopes synchronously, which keeps each sender's order
type router struct {
	mu       sync.Mutex
	managers map[string]*Manager
	sent     []models.SignalEnvelope
}

func newRouter() *router {
	return &router{managers: make(map[string]*Manager)}
}

type routedSender struct {
	r *router
}

func (s routedSender) SendEnvelope(env models.SignalEnvelope) error {
	s.r.mu.Lock()
	s.r.sent = append(s.r.sent, env)
	m := s.r.managers[env.ToPeerID]
	s.r.mu.Unlock()
	if m == nil {
		return errors.New("unknown peer " + env.ToPeerID)
	}
	m.HandleEnvelope(env)
	return nil
}

func (r *router) kinds() []models.EnvelopeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EnvelopeKind
	for _, env := range r.sent {
		out = append(out, env.Kind)
	}
	return out
}

func testConfig() Config {
	return Config{
		MediaWait:          time.Second,
		NegotiationTimeout: 10 * time.Second,
		IncludeLoopback:    true,
	}
}

func newManager(t *testing.T, r *router, peerID string, cfg Config, media MediaSource) *Manager {
	t.Helper()
	m, err := NewManager(cfg, routedSender{r: r}, media, clockwork.NewRealClock())
	require.NoError(t, err)
	r.mu.Lock()
	r.managers[peerID] = m
	r.mu.Unlock()
	t.Cleanup(m.Close)
	return m
}

func waitFor[T Event](t *testing.T, m *Manager, match func(T) bool) T {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e := <-m.Events():
			if v, ok := e.(T); ok && (match == nil || match(v)) {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func connected(e StateChanged) bool { return e.State == StateConnected }

func TestLink_HostAndGuestConnect(t *testing.T) {
	r := newRouter()
	host := newManager(t, r, "alice", testConfig(), nil)
	guest := newManager(t, r, "bob", testConfig(), nil)

	g := guest.Open(context.Background(), "m1", "bob", "alice", models.RoleGuest)
	h := host.Open(context.Background(), "m1", "alice", "bob", models.RoleHost)

	waitFor(t, host, connected)
	waitFor(t, guest, connected)
	assert.Equal(t, StateConnected, h.State())
	assert.Equal(t, StateConnected, g.State())

	var descriptions []models.EnvelopeKind
	for _, kind := range r.kinds() {
		if kind != models.EnvelopeCandidate {
			descriptions = append(descriptions, kind)
		}
	}
	assert.Equal(t, []models.EnvelopeKind{models.EnvelopeOffer, models.EnvelopeAnswer}, descriptions, "the host initiates")

	require.NoError(t, h.Send([]byte(`{"kind":"TELEMETRY","body":{"eyeState":"open"}}`)))
	got := waitFor[DataReceived](t, guest, nil)
	assert.Equal(t, "m1", got.MatchID)
	assert.Equal(t, "alice", got.PeerID)
	assert.JSONEq(t, `{"kind":"TELEMETRY","body":{"eyeState":"open"}}`, string(got.Data))
}

func TestLink_MediaAttachesAfterDelay(t *testing.T) {
	r := newRouter()
	media, err := NewStaticMedia("local")
	require.NoError(t, err)
	remoteMedia, err := NewStaticMedia("remote")
	require.NoError(t, err)
	remoteMedia.MarkReady()

	host := newManager(t, r, "alice", testConfig(), media)
	guest := newManager(t, r, "bob", testConfig(), remoteMedia)

	guest.Open(context.Background(), "m1", "bob", "alice", models.RoleGuest)
	h := host.Open(context.Background(), "m1", "alice", "bob", models.RoleHost)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateNegotiating, h.State(), "negotiation stalls while media is pending")
	assert.Empty(t, r.kinds())

	media.MarkReady()
	waitFor(t, host, connected)
	waitFor(t, guest, connected)
}

func TestLink_MediaNeverReady(t *testing.T) {
	r := newRouter()
	media, err := NewStaticMedia("local")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.MediaWait = 50 * time.Millisecond

	m := newManager(t, r, "alice", cfg, media)
	link := m.Open(context.Background(), "m1", "alice", "bob", models.RoleHost)

	failed := waitFor[NegotiationFailed](t, m, nil)
	assert.ErrorIs(t, failed.Err, ErrResourceUnavailable)
	assert.Equal(t, StateClosed, link.State())
}

func TestLink_NegotiationTimeout(t *testing.T) {
	r := newRouter()
	cfg := testConfig()
	cfg.NegotiationTimeout = 100 * time.Millisecond

	// nobody is registered as bob, so the offer goes nowhere
	m := newManager(t, r, "alice", cfg, nil)
	link := m.Open(context.Background(), "m1", "alice", "bob", models.RoleHost)

	failed := waitFor[NegotiationFailed](t, m, nil)
	assert.ErrorIs(t, failed.Err, ErrNegotiationTimeout)
	assert.Equal(t, StateClosed, link.State())
}

func TestLink_SendRejectedUntilConnected(t *testing.T) {
	r := newRouter()
	m := newManager(t, r, "alice", testConfig(), nil)
	link := m.Open(context.Background(), "m1", "alice", "bob", models.RoleGuest)

	assert.ErrorIs(t, link.Send([]byte("x")), ErrNotConnected)
	link.Close()
	assert.ErrorIs(t, link.Send([]byte("x")), ErrLinkClosed)
}

func TestManager_OpenReplacesPreviousLink(t *testing.T) {
	r := newRouter()
	m := newManager(t, r, "alice", testConfig(), nil)

	first := m.Open(context.Background(), "m1", "alice", "bob", models.RoleGuest)
	second := m.Open(context.Background(), "m2", "alice", "carol", models.RoleGuest)

	assert.Equal(t, StateClosed, first.State())
	assert.Equal(t, StateNegotiating, second.State())
	assert.Same(t, second, m.Current())

	// envelopes from the previous opponent are ignored
	m.HandleEnvelope(models.SignalEnvelope{Kind: models.EnvelopeOffer, FromPeerID: "bob", ToPeerID: "alice"})
	assert.Equal(t, StateNegotiating, second.State())
}

func TestLink_ClosedLinkIsSilent(t *testing.T) {
	r := newRouter()
	cfg := testConfig()
	cfg.NegotiationTimeout = 50 * time.Millisecond
	m := newManager(t, r, "alice", cfg, nil)

	link := m.Open(context.Background(), "m1", "alice", "bob", models.RoleGuest)
	waitFor[StateChanged](t, m, func(e StateChanged) bool { return e.State == StateNegotiating })
	link.Close()

	select {
	case e := <-m.Events():
		t.Fatalf("closed link emitted %T", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_ReleaseClosesLinkAndMedia(t *testing.T) {
	r := newRouter()
	media, err := NewStaticMedia("local")
	require.NoError(t, err)
	media.MarkReady()
	m := newManager(t, r, "alice", testConfig(), media)

	link := m.Open(context.Background(), "m1", "alice", "bob", models.RoleGuest)
	require.Len(t, media.Tracks(), 1)

	m.Release()
	assert.Equal(t, StateClosed, link.State())
	assert.Nil(t, m.Current())
	assert.True(t, media.Released())
	assert.Empty(t, media.Tracks())
}
