// Package works is the admission point for work mutations and the cached
// read path. Deletes and updates are never applied here: they are queued
// for the worker and acknowledged as accepted.
package works

import (
	"context"
	"time"

	"github.com/SirClappington/promptworks/internal/cache"
	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/SirClappington/promptworks/internal/lock"
	"github.com/SirClappington/promptworks/internal/metrics"
	"github.com/SirClappington/promptworks/internal/storage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrBusy means another upload by the same actor is still in progress.
var ErrBusy = errors.New("another upload is in progress")

// Enqueuer is satisfied by *queue.Router.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.MutationJob) error
}

type Receipt struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type Page struct {
	Works []domain.Work `json:"works"`
	Page  int64         `json:"page"`
	Limit int64         `json:"limit"`
}

type Options struct {
	PageSize      int64
	UploadLockTTL time.Duration
}

type Service struct {
	store storage.WorkStore
	cache *cache.Cache
	queue Enqueuer
	locks *lock.Manager
	opts  Options
	log   *zap.Logger
}

func New(store storage.WorkStore, c *cache.Cache, q Enqueuer, locks *lock.Manager, opts Options, log *zap.Logger) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.UploadLockTTL <= 0 {
		opts.UploadLockTTL = 30 * time.Second
	}
	return &Service{store: store, cache: c, queue: q, locks: locks, opts: opts, log: log.With(zap.String("component", "works"))}
}

func (s *Service) RequestDelete(ctx context.Context, actor domain.Actor, id string) (Receipt, error) {
	if !actor.Valid() {
		return Receipt{}, domain.ErrInvalidActor
	}
	return s.admit(ctx, domain.NewDeleteJob(actor, id))
}

// RequestUpdate queues the valid subset of fields. Unknown or invalid fields
// are dropped; nothing left to change is ErrEmptyPatch.
func (s *Service) RequestUpdate(ctx context.Context, actor domain.Actor, id string, fields map[string]any) (Receipt, error) {
	if !actor.Valid() {
		return Receipt{}, domain.ErrInvalidActor
	}
	p, dropped := domain.SanitizePatch(fields)
	if p.Empty() {
		return Receipt{}, errors.Wrapf(domain.ErrEmptyPatch, "dropped %v", dropped)
	}
	return s.admit(ctx, domain.NewUpdateJob(actor, id, p))
}

// admit drops the cached entity and the listings that may show it, then
// appends the job. A failed invalidation is only logged; a failed append
// fails the request.
func (s *Service) admit(ctx context.Context, job domain.MutationJob) (Receipt, error) {
	log := s.log.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)), zap.String("entity_id", job.EntityID))
	err := s.cache.Invalidate(ctx,
		cache.WorkKey(job.EntityID),
		cache.OwnerWorksScope(job.ActorID),
		cache.PublicWorksScope(),
	)
	if err != nil {
		log.Warn("cache invalidation failed", zap.Error(err))
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		log.Error("enqueue failed", zap.Error(err))
		return Receipt{}, errors.Wrap(err, "enqueue")
	}
	metrics.JobsEnqueued.WithLabelValues(string(job.Kind)).Inc()
	log.Info("mutation accepted")
	return Receipt{JobID: job.ID, Status: "accepted"}, nil
}

// Create stores a new work for actor. Each actor uploads one work at a time.
func (s *Service) Create(ctx context.Context, actor domain.Actor, in domain.NewWork) (domain.Work, error) {
	if !actor.Valid() {
		return domain.Work{}, domain.ErrInvalidActor
	}
	if err := in.Validate(); err != nil {
		return domain.Work{}, err
	}

	var created domain.Work
	err := s.locks.WithLock(ctx, "upload-lock:"+actor.ID, s.opts.UploadLockTTL, func(ctx context.Context) error {
		w, err := s.store.Create(ctx, domain.Work{
			OwnerID:    actor.ID,
			CategoryID: in.CategoryID,
			Prompt:     in.Prompt,
			ImageURL:   in.ImageURL,
		})
		if err != nil {
			return errors.Wrap(err, "create work")
		}
		created = w
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return domain.Work{}, errors.Wrap(ErrBusy, err.Error())
	}
	if err != nil {
		return domain.Work{}, err
	}
	if err := s.cache.Invalidate(ctx, cache.OwnerWorksScope(actor.ID), cache.PublicWorksScope()); err != nil {
		s.log.Warn("cache invalidation failed", zap.String("work_id", created.ID), zap.Error(err))
	}
	return created, nil
}

// Get returns one work. An admin may only read its own works and gets
// ErrNotFound for anyone else's.
func (s *Service) Get(ctx context.Context, actor domain.Actor, id string) (domain.Work, cache.Result, error) {
	if !actor.Valid() {
		return domain.Work{}, cache.Miss, domain.ErrInvalidActor
	}
	w, res, err := cache.Fetch(ctx, s.cache, cache.WorkKey(id), func(ctx context.Context) (domain.Work, error) {
		return s.store.Get(ctx, id)
	})
	if err != nil {
		return domain.Work{}, res, err
	}
	if !actor.CanMutate(w.OwnerID) {
		return domain.Work{}, res, domain.ErrNotFound
	}
	return w, res, nil
}

func (s *Service) ListOwn(ctx context.Context, actor domain.Actor, page int64) (Page, cache.Result, error) {
	if !actor.Valid() {
		return Page{}, cache.Miss, domain.ErrInvalidActor
	}
	page = max(page, 1)
	skip, limit := (page-1)*s.opts.PageSize, s.opts.PageSize
	return cache.Fetch(ctx, s.cache, cache.OwnerWorksKey(actor.ID, page), func(ctx context.Context) (Page, error) {
		ws, err := s.store.ListByOwner(ctx, actor.ID, skip, limit)
		return Page{Works: ws, Page: page, Limit: limit}, err
	})
}

func (s *Service) ListPublic(ctx context.Context, page int64) (Page, cache.Result, error) {
	page = max(page, 1)
	skip, limit := (page-1)*s.opts.PageSize, s.opts.PageSize
	return cache.Fetch(ctx, s.cache, cache.PublicWorksKey(page), func(ctx context.Context) (Page, error) {
		ws, err := s.store.ListAll(ctx, skip, limit)
		return Page{Works: ws, Page: page, Limit: limit}, err
	})
}

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }
