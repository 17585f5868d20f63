package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instances(t *testing.T, n int) ([]*miniredis.Miniredis, []r.UniversalClient) {
	t.Helper()
	var (
		servers []*miniredis.Miniredis
		clients []r.UniversalClient
	)
	for i := 0; i < n; i++ {
		mr := miniredis.RunT(t)
		c := r.NewClient(&r.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
		t.Cleanup(func() { _ = c.Close() })
		servers = append(servers, mr)
		clients = append(clients, c)
	}
	return servers, clients
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, clients := instances(t, 1)
	m := NewManager(clients)

	lease, err := m.Acquire(ctx, "upload-lock:a1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, lease.Until().After(time.Now()))

	_, err = m.Acquire(ctx, "upload-lock:a1", 30*time.Second)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	require.NoError(t, lease.Release(ctx))
	again, err := m.Acquire(ctx, "upload-lock:a1", 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestReleaseAfterExpiryKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	servers, clients := instances(t, 1)
	m := NewManager(clients)

	first, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	servers[0].FastForward(2 * time.Second)

	second, err := m.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)

	err = first.Release(ctx)
	assert.True(t, errors.Is(err, ErrLeaseLost))
	assert.True(t, servers[0].Exists("k"), "stale release must not delete the new lease")

	require.NoError(t, second.Release(ctx))
	assert.False(t, servers[0].Exists("k"))
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	servers, clients := instances(t, 1)
	m := NewManager(clients)

	lease, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Extend(ctx, 10*time.Second))

	servers[0].FastForward(2 * time.Second)
	assert.True(t, servers[0].Exists("k"))

	servers[0].FastForward(10 * time.Second)
	assert.True(t, errors.Is(lease.Extend(ctx, time.Second), ErrLeaseLost))
}

func TestQuorum(t *testing.T) {
	ctx := context.Background()
	servers, clients := instances(t, 3)
	m := NewManager(clients)

	servers[2].Close()
	lease, err := m.Acquire(ctx, "k", 5*time.Second)
	require.NoError(t, err, "two of three is a majority")
	require.NoError(t, lease.Release(ctx))

	servers[1].Close()
	_, err = m.Acquire(ctx, "k", 5*time.Second)
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.False(t, servers[0].Exists("k"), "minority win is rolled back")
}

func TestAcquireWaitIsBounded(t *testing.T) {
	ctx := context.Background()
	_, clients := instances(t, 1)
	m := NewManager(clients, WithRetry(1000, 20*time.Millisecond), WithAcquireTimeout(150*time.Millisecond))

	held, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	start := time.Now()
	_, err = m.Acquire(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	servers, clients := instances(t, 1)
	m := NewManager(clients)

	ran := false
	err := m.WithLock(ctx, "k", time.Minute, func(ctx context.Context) error {
		ran = true
		assert.True(t, servers[0].Exists("k"))
		_, err := m.Acquire(ctx, "k", time.Minute)
		assert.True(t, errors.Is(err, ErrNotAcquired))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, servers[0].Exists("k"))
}
