package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T, maxSize int) (*InMemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewInMemoryCache(maxSize, zap.NewNop())
	c.clock = clock.Now
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func TestInMemoryCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	require.NoError(t, c.Set(ctx, "k", "dep-1", time.Minute))

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", v)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, 10)

	require.NoError(t, c.Set(ctx, "k", "dep-1", time.Minute))
	clock.Advance(2 * time.Minute)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryCache_EvictsWhenFull(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 2)

	require.NoError(t, c.Set(ctx, "short", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "long", 2, time.Hour))
	require.NoError(t, c.Set(ctx, "new", 3, time.Hour))

	assert.Equal(t, 2, c.Size())
	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound, "entry closest to expiry is evicted")
	_, err = c.Get(ctx, "long")
	assert.NoError(t, err)

	// overwriting an existing key never evicts
	require.NoError(t, c.Set(ctx, "long", 4, time.Hour))
	assert.Equal(t, 2, c.Size())
}

func TestInMemoryCache_DeleteAndClose(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	assert.Equal(t, 0, c.Size())

	assert.NoError(t, c.Ping(ctx))
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close(), "close is idempotent")
}
