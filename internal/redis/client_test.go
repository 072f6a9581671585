package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-duel/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestStore_QueueMirror(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.MirrorJoin(ctx, models.QueueEntry{PeerID: "b", DisplayName: "Bob", JoinedAt: base.Add(time.Second)}))
	require.NoError(t, store.MirrorJoin(ctx, models.QueueEntry{PeerID: "a", DisplayName: "Alice", JoinedAt: base}))

	n, err := store.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	waiting, err := store.Waiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "a", waiting[0].PeerID)
	assert.Equal(t, "Alice", waiting[0].DisplayName)
	assert.Equal(t, base, waiting[0].JoinedAt)

	require.NoError(t, store.MirrorLeave(ctx, "a"))
	waiting, err = store.Waiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "b", waiting[0].PeerID)
}

func TestStore_EmptyQueue(t *testing.T) {
	store, _ := newTestStore(t)

	waiting, err := store.Waiting(context.Background())
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestStore_MatchLifecycle(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	match := models.MatchMetadata{ID: "m1", HostID: "a", GuestID: "b", HostName: "Alice", GuestName: "Bob", CreatedAt: created}
	require.NoError(t, store.SaveMatch(ctx, match))
	assert.Equal(t, time.Hour, mr.TTL("match:m1"))

	got, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.GuestName)
	assert.Nil(t, got.EndedAt)

	ended := created.Add(30 * time.Second)
	require.NoError(t, store.EndMatch(ctx, "m1", ended))
	got, err = store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))

	mr.FastForward(2 * time.Hour)
	_, err = store.GetMatch(ctx, "m1")
	assert.ErrorIs(t, err, ErrMatchNotFound)
}

func TestStore_EndMissingMatch(t *testing.T) {
	store, _ := newTestStore(t)
	assert.ErrorIs(t, store.EndMatch(context.Background(), "nope", time.Now()), ErrMatchNotFound)
}
