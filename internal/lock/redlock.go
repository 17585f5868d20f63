// Package lock implements token-owned, time-bounded leases over one or more
// independent Redis instances. With N instances a lease is held when a
// majority accepted it within its validity window.
package lock

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/SirClappington/promptworks/internal/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrLeaseLost   = errors.New("lease no longer held")
)

var (
	releaseScript = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

	extendScript = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

type Manager struct {
	clients        []r.UniversalClient
	quorum         int
	retryCount     int
	retryDelay     time.Duration
	acquireTimeout time.Duration
	drift          float64
	log            *zap.Logger
}

type Option func(*Manager)

// WithRetry sets how many extra attempts Acquire makes and the base delay
// between them. Each delay gets up to half of it again as jitter.
func WithRetry(count int, delay time.Duration) Option {
	return func(m *Manager) { m.retryCount, m.retryDelay = count, delay }
}

func WithAcquireTimeout(d time.Duration) Option { return func(m *Manager) { m.acquireTimeout = d } }

func WithDriftFactor(f float64) Option { return func(m *Manager) { m.drift = f } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

func NewManager(clients []r.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		clients:        clients,
		quorum:         len(clients)/2 + 1,
		retryDelay:     200 * time.Millisecond,
		acquireTimeout: 2 * time.Second,
		drift:          0.01,
		log:            zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(zap.String("component", "lock"))
	return m
}

type Lease struct {
	m          *Manager
	key        string
	token      string
	validUntil time.Time
}

func (l *Lease) Key() string { return l.key }

// Until is the instant after which the holder must assume the lease is gone.
func (l *Lease) Until() time.Time { return l.validUntil }

// Acquire tries to take key for ttl. It never waits longer than the
// configured acquire timeout and returns ErrNotAcquired when the key is held
// elsewhere or too few instances answered in time.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	token := uuid.NewString()
	for attempt := 0; attempt <= m.retryCount; attempt++ {
		if attempt > 0 {
			wait := m.retryDelay + rand.N(m.retryDelay/2+1)
			select {
			case <-ctx.Done():
				metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
				return nil, errors.Wrapf(ErrNotAcquired, "%s: %v", key, ctx.Err())
			case <-time.After(wait):
			}
		}

		start := time.Now()
		n := m.count(ctx, func(c r.UniversalClient) (bool, error) {
			return c.SetNX(ctx, key, token, ttl).Result()
		})
		validity := ttl - time.Since(start) - m.driftFor(ttl)
		if n >= m.quorum && validity > 0 {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			return &Lease{m: m, key: key, token: token, validUntil: start.Add(validity)}, nil
		}
		// Undo any minority wins.
		m.unlockAll(ctx, key, token)
	}
	metrics.LockAcquisitions.WithLabelValues("busy").Inc()
	return nil, errors.Wrap(ErrNotAcquired, key)
}

// Release deletes the key on every instance where it still carries this
// lease's token. ErrLeaseLost means no instance did: the lease expired and
// someone else may have taken it.
func (l *Lease) Release(ctx context.Context) error {
	n := l.m.count(ctx, func(c r.UniversalClient) (bool, error) {
		v, err := releaseScript.Run(ctx, c, []string{l.key}, l.token).Int()
		return v > 0, err
	})
	if n == 0 {
		return errors.Wrap(ErrLeaseLost, l.key)
	}
	return nil
}

// Extend pushes the expiry of a still-held lease to ttl from now.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	start := time.Now()
	n := l.m.count(ctx, func(c r.UniversalClient) (bool, error) {
		v, err := extendScript.Run(ctx, c, []string{l.key}, l.token, ttl.Milliseconds()).Int()
		return v > 0, err
	})
	validity := ttl - time.Since(start) - l.m.driftFor(ttl)
	if n < l.m.quorum || validity <= 0 {
		return errors.Wrap(ErrLeaseLost, l.key)
	}
	l.validUntil = start.Add(validity)
	return nil
}

// WithLock runs fn while holding key. fn's context ends when the lease's
// validity does.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	lease, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn("release", zap.String("key", key), zap.Error(err))
		}
	}()

	lctx, cancel := context.WithDeadline(ctx, lease.Until())
	defer cancel()
	return fn(lctx)
}

func (m *Manager) driftFor(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl)*m.drift) + 2*time.Millisecond
}

// count runs fn against every instance concurrently and returns how many
// reported success. Instance errors count as refusals.
func (m *Manager) count(ctx context.Context, fn func(r.UniversalClient) (bool, error)) int {
	var (
		n atomic.Int32
		g errgroup.Group
	)
	for _, c := range m.clients {
		g.Go(func() error {
			ok, err := fn(c)
			if err != nil && ctx.Err() == nil {
				m.log.Debug("instance error", zap.Error(err))
			}
			if ok {
				n.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(n.Load())
}

func (m *Manager) unlockAll(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	m.count(ctx, func(c r.UniversalClient) (bool, error) {
		return false, releaseScript.Run(ctx, c, []string{key}, token).Err()
	})
}

// Clients returns primary followed by one client per extra instance address.
func Clients(primary r.UniversalClient, addrs []string, password string) []r.UniversalClient {
	out := []r.UniversalClient{primary}
	for _, a := range addrs {
		out = append(out, r.NewClient(&r.Options{Addr: a, Password: password}))
	}
	return out
}
