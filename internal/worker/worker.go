package worker

import (
	"context"
	"time"

	"github.com/SirClappington/promptworks/internal/cache"
	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/SirClappington/promptworks/internal/metrics"
	"github.com/SirClappington/promptworks/internal/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Block       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Worker consumes one queue partition. Run one Worker per partition to keep
// jobs for the same work in submission order.
type Worker struct {
	q     *queue.RedisQ
	apply *Applier
	cache *cache.Cache
	cfg   Config
	log   *zap.Logger
}

func New(q *queue.RedisQ, apply *Applier, c *cache.Cache, cfg Config, log *zap.Logger) *Worker {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		q:     q,
		apply: apply,
		cache: c,
		cfg:   cfg,
		log:   log.With(zap.String("component", "worker"), zap.String("queue", q.Name())),
	}
}

// Run claims and applies jobs until ctx is cancelled. A job claimed before
// cancellation is still finished; Run returns after that.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	defer w.log.Info("worker drained")
	for ctx.Err() == nil {
		_, err := w.step(ctx)
		if err == nil || errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		w.log.Warn("claim failed", zap.Error(err))
		sleep(ctx, w.cfg.BackoffBase)
	}
	return nil
}

// step claims at most one job and drives it to its next state.
func (w *Worker) step(ctx context.Context) (domain.JobState, error) {
	raw, err := w.q.Claim(ctx, w.cfg.Block)
	if err != nil {
		return domain.Pending, err
	}
	// The claimed job must reach a terminal transition even during shutdown.
	return w.handle(context.WithoutCancel(ctx), ctx, raw), nil
}

func (w *Worker) handle(ctx, runCtx context.Context, raw string) domain.JobState {
	job, err := domain.DecodeJob(raw)
	if err != nil {
		w.log.Warn("malformed job", zap.Error(err))
		w.deadLetter(ctx, w.log, raw, "", queue.ReasonMalformed, err, 0)
		metrics.JobsFinished.WithLabelValues("unknown", string(domain.DeadLettered)).Inc()
		return domain.DeadLettered
	}
	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("entity_id", job.EntityID),
	)

	start := time.Now()
	owner, err := w.apply.Apply(ctx, job)
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	state := w.settle(ctx, runCtx, log, raw, job, owner, err)
	metrics.JobsFinished.WithLabelValues(string(job.Kind), string(state)).Inc()
	return state
}

func (w *Worker) settle(ctx, runCtx context.Context, log *zap.Logger, raw string, job domain.MutationJob, owner string, err error) domain.JobState {
	switch {
	case err == nil:
		ok, aerr := w.q.Ack(ctx, raw, job.ID)
		switch {
		case aerr != nil:
			log.Warn("ack failed, job will be reaped and reapplied", zap.Error(aerr))
		case !ok:
			log.Info("stale ack ignored")
		default:
			log.Info("job applied")
		}
		w.invalidate(ctx, log, job.EntityID, owner)
		return domain.Applied

	case domain.IsPermanent(err):
		reason := queue.ReasonNotFound
		if errors.Is(err, domain.ErrForbidden) {
			reason = queue.ReasonForbidden
		} else if errors.Is(err, domain.ErrMalformedJob) {
			reason = queue.ReasonMalformed
		}
		log.Warn("job rejected", zap.String("reason", string(reason)), zap.Error(err))
		w.deadLetter(ctx, log, raw, job.ID, reason, err, 0)
		return domain.DeadLettered
	}

	attempts, ierr := w.q.IncrAttempts(ctx, job.ID)
	if ierr != nil {
		// Left claimed; the reaper returns it once the claim expires.
		log.Error("count attempt", zap.Error(ierr), zap.NamedError("cause", err))
		return domain.Claimed
	}
	log = log.With(zap.Int("attempt", attempts))
	if attempts >= w.cfg.MaxAttempts {
		log.Error("retries exhausted", zap.Error(err))
		w.deadLetter(ctx, log, raw, job.ID, queue.ReasonExhausted, err, attempts)
		return domain.DeadLettered
	}

	if _, rerr := w.q.Retry(ctx, raw); rerr != nil {
		log.Error("retry push failed", zap.Error(rerr))
		return domain.Claimed
	}
	d := backoff(attempts, w.cfg.BackoffBase, w.cfg.BackoffMax)
	log.Warn("job failed, retrying", zap.Duration("backoff", d), zap.Error(err))
	sleep(runCtx, d)
	return domain.Retried
}

func (w *Worker) deadLetter(ctx context.Context, log *zap.Logger, raw, jobID string, reason queue.Reason, cause error, attempts int) {
	ok, err := w.q.DeadLetter(ctx, raw, jobID, reason, cause, attempts)
	if err != nil {
		log.Error("dead-letter failed", zap.Error(err))
		return
	}
	if !ok {
		log.Info("stale dead-letter ignored")
	}
}

func (w *Worker) invalidate(ctx context.Context, log *zap.Logger, entityID, owner string) {
	keys := []cache.Key{cache.WorkKey(entityID), cache.PublicWorksScope()}
	if owner != "" {
		keys = append(keys, cache.OwnerWorksScope(owner))
	}
	if err := w.cache.Invalidate(ctx, keys...); err != nil {
		log.Warn("cache invalidation failed", zap.Error(err))
	}
}

// RunAll runs every worker and the reaper until ctx is cancelled, then waits
// for in-flight jobs to finish.
func RunAll(ctx context.Context, reaper *Reaper, workers ...*Worker) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	if reaper != nil {
		g.Go(func() error { return reaper.Run(ctx) })
	}
	return g.Wait()
}
