package worker

import (
	"context"
	"time"

	"github.com/SirClappington/promptworks/internal/lock"
	"github.com/SirClappington/promptworks/internal/metrics"
	"github.com/SirClappington/promptworks/internal/queue"
	"go.uber.org/zap"
)

const leaderKey = "work:reaper:leader"

// Reaper returns expired claims to their source queues. Only the process
// holding the leader lease reaps; the others idle.
type Reaper struct {
	router   *queue.Router
	locks    *lock.Manager
	interval time.Duration
	lease    *lock.Lease
	log      *zap.Logger
}

func NewReaper(router *queue.Router, locks *lock.Manager, interval time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{router: router, locks: locks, interval: interval, log: log.With(zap.String("component", "reaper"))}
}

func (rp *Reaper) Run(ctx context.Context) error {
	tick := time.NewTicker(rp.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if rp.lease != nil {
				_ = rp.lease.Release(context.WithoutCancel(ctx))
			}
			return nil
		case <-tick.C:
			if _, err := rp.Tick(ctx); err != nil {
				rp.log.Warn("reap failed", zap.Error(err))
			}
		}
	}
}

// Tick reaps once if this process leads and reports how many jobs it requeued.
func (rp *Reaper) Tick(ctx context.Context) (int, error) {
	if !rp.lead(ctx) {
		return 0, nil
	}
	n, err := rp.router.Reap(ctx)
	if n > 0 {
		metrics.JobsReaped.Add(float64(n))
		rp.log.Info("requeued expired claims", zap.Int("count", n))
	}
	return n, err
}

// lead keeps the leader lease alive across ticks, taking it when free.
func (rp *Reaper) lead(ctx context.Context) bool {
	ttl := 2 * rp.interval
	if rp.lease != nil {
		if err := rp.lease.Extend(ctx, ttl); err == nil {
			return true
		}
		rp.log.Info("leadership lost")
		rp.lease = nil
	}
	lease, err := rp.locks.Acquire(ctx, leaderKey, ttl)
	if err != nil {
		return false
	}
	rp.log.Info("leadership acquired")
	rp.lease = lease
	return true
}
