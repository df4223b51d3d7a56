package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// newTestClient connects to the Redis named by NFTMARKET_TEST_REDIS_ADDR and
// skips the test when it is unset. Every test gets its own namespace.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("NFTMARKET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NFTMARKET_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{
		Addr:      addr,
		Namespace: "test:" + uuid.NewString(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyNamespace(t *testing.T) {
	assert.Equal(t, "market:minted", (&Client{}).key("market:minted"))
	assert.Equal(t, "prod:lock:writer", (&Client{namespace: "prod"}).key("lock:writer"))
}

func TestLockLease(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	lease, err := lm.Acquire(ctx, "writer", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "writer", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, lease.Refresh(ctx, 2*time.Second))
	lease.Release()
	lease.Release()

	require.ErrorIs(t, lease.Refresh(ctx, time.Second), domain.ErrLockLost)

	other, err := lm.Acquire(ctx, "writer", time.Second)
	require.NoError(t, err)
	other.Release()
}

func TestRateLimiterWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "caller", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "caller", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "someone-else", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewSignalBus(c)

	sub, err := bus.Subscribe(ctx, "market:*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "market:minted", []byte(`{"seq":1}`)))

	select {
	case msg := <-sub:
		assert.JSONEq(t, `{"seq":1}`, string(msg))
	case <-ctx.Done():
		t.Fatal("no message received")
	}

	require.NoError(t, bus.StreamAppend(ctx, "market:events", []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, "market:events", []byte("b")))
	msgs, err := bus.StreamRead(ctx, "market:events", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[1].Payload))

	rest, err := bus.StreamRead(ctx, "market:events", msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, rest)
}
