package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), server
}

func TestRedisStoreReserveLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	first, err := store.Reserve(ctx, "key-1", "fp-a", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, first.State)

	pending, err := store.Reserve(ctx, "key-1", "fp-a", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStatePending, pending.State)

	_, err = store.Reserve(ctx, "key-1", "fp-b", fixedTime, time.Hour)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	require.NoError(t, store.SaveResponse(ctx, "key-1", "fp-a", Response{
		Status:  http.StatusCreated,
		Headers: http.Header{"Content-Type": {"application/json"}, "Content-Length": {"11"}},
		Body:    []byte(`{"ok":true}`),
	}, fixedTime, time.Hour))

	done, err := store.Reserve(ctx, "key-1", "fp-a", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateCompleted, done.State)
	assert.Equal(t, http.StatusCreated, done.Record.ResponseStatus)
	assert.Equal(t, `{"ok":true}`, string(done.Record.ResponseBody))
	assert.NotContains(t, done.Record.ResponseHeaders, "Content-Length")
}

func TestRedisStoreExpiryAndRelease(t *testing.T) {
	ctx := context.Background()
	store, server := newRedisStore(t)

	_, err := store.Reserve(ctx, "key-2", "fp", fixedTime, time.Minute)
	require.NoError(t, err)
	server.FastForward(2 * time.Minute)

	again, err := store.Reserve(ctx, "key-2", "other", fixedTime, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, again.State, "expired keys are reusable")

	require.NoError(t, store.Release(ctx, "key-2", "fp"), "release by a stale fingerprint is a no-op")
	assert.Len(t, server.Keys(), 1)
	require.NoError(t, store.Release(ctx, "key-2", "other"))
	assert.Empty(t, server.Keys())

	removed, err := store.CleanupExpired(ctx, fixedTime, 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, key := range []string{"a", "b", "c"} {
		_, err := store.Reserve(ctx, key, "fp", fixedTime, time.Minute)
		require.NoError(t, err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(30*time.Second), 0)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = store.CleanupExpired(ctx, fixedTime.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.Len())
}
