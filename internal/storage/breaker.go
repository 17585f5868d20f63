package storage

import (
	"context"
	"time"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the breaker is open. It is transient.
var ErrUnavailable = errors.New("work store unavailable")

// Breaker stops calling a failing store for a while so workers back off
// instead of piling requests onto it. Answers such as not-found are
// successes as far as the breaker is concerned.
type Breaker struct {
	next WorkStore
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next WorkStore, name string, log *zap.Logger) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || domain.IsPermanent(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("store breaker", zap.String("store", name),
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

func run[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, errors.Wrap(ErrUnavailable, err.Error())
		}
		return zero, err
	}
	return v.(T), nil
}

func (b *Breaker) Get(ctx context.Context, id string) (domain.Work, error) {
	return run(b, func() (domain.Work, error) { return b.next.Get(ctx, id) })
}

func (b *Breaker) Create(ctx context.Context, w domain.Work) (domain.Work, error) {
	return run(b, func() (domain.Work, error) { return b.next.Create(ctx, w) })
}

func (b *Breaker) Delete(ctx context.Context, id, scope string) error {
	_, err := run(b, func() (struct{}, error) { return struct{}{}, b.next.Delete(ctx, id, scope) })
	return err
}

func (b *Breaker) Update(ctx context.Context, id, scope string, p domain.WorkPatch) (domain.Work, error) {
	return run(b, func() (domain.Work, error) { return b.next.Update(ctx, id, scope, p) })
}

func (b *Breaker) ListByOwner(ctx context.Context, ownerID string, skip, limit int64) ([]domain.Work, error) {
	return run(b, func() ([]domain.Work, error) { return b.next.ListByOwner(ctx, ownerID, skip, limit) })
}

func (b *Breaker) ListAll(ctx context.Context, skip, limit int64) ([]domain.Work, error) {
	return run(b, func() ([]domain.Work, error) { return b.next.ListAll(ctx, skip, limit) })
}

func (b *Breaker) Ping(ctx context.Context) error {
	_, err := run(b, func() (struct{}, error) { return struct{}{}, b.next.Ping(ctx) })
	return err
}
