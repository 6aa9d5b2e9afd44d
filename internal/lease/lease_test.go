package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "test:"), mr
}

func TestLocal_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	first, ok, err := l.Acquire(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, first.Release(ctx))

	_, ok, err = l.Acquire(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocal_ExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }

	stale, ok, _ := l.Acquire(ctx, "refresh", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.Acquire(ctx, "refresh", time.Minute)
	require.True(t, ok)

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	held, ok, err := r.Acquire(ctx, "refresh", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:refresh"))
	assert.Equal(t, 30*time.Second, mr.TTL("test:refresh"))

	_, ok, err = r.Acquire(ctx, "refresh", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, held.Release(ctx))
	assert.False(t, mr.Exists("test:refresh"))
}

func TestRedis_ReleaseDoesNotDeleteForeignLease(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	held, ok, err := r.Acquire(ctx, "refresh", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	other, ok, err := r.Acquire(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, held.Release(ctx), ErrNotHeld)
	assert.True(t, mr.Exists("test:refresh"))
	require.NoError(t, other.Release(ctx))
}

func TestRedis_ServerDown(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, ok, err := r.Acquire(context.Background(), "refresh", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
}
