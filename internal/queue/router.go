package queue

import (
	"context"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/cespare/xxhash/v2"
	r "github.com/redis/go-redis/v9"
)

// Router spreads jobs over partitions by entity id. All jobs for one entity
// share a partition, so a single consumer per partition applies them in
// submission order.
type Router struct {
	parts []*RedisQ
}

func NewRouter(rdb r.UniversalClient, base string, partitions int, opts ...Option) *Router {
	if partitions < 1 {
		partitions = 1
	}
	rt := &Router{parts: make([]*RedisQ, partitions)}
	for i := range rt.parts {
		rt.parts[i] = New(rdb, partitionName(base, i, partitions), opts...)
	}
	return rt
}

func (rt *Router) For(entityID string) *RedisQ {
	if len(rt.parts) == 1 {
		return rt.parts[0]
	}
	return rt.parts[xxhash.Sum64String(entityID)%uint64(len(rt.parts))]
}

func (rt *Router) Partitions() []*RedisQ { return rt.parts }

func (rt *Router) Enqueue(ctx context.Context, job domain.MutationJob) error {
	return rt.For(job.EntityID).Enqueue(ctx, job)
}

func (rt *Router) Stats(ctx context.Context) ([]Stats, error) {
	out := make([]Stats, 0, len(rt.parts))
	for _, q := range rt.parts {
		s, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeadLetters collects up to n dead letters from each partition.
func (rt *Router) DeadLetters(ctx context.Context, n int64) ([]DeadLetter, error) {
	var out []DeadLetter
	for _, q := range rt.parts {
		dls, err := q.DeadLetters(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, dls...)
	}
	return out, nil
}

func (rt *Router) Redrive(ctx context.Context, n int) (int, error) {
	total := 0
	for _, q := range rt.parts {
		if total >= n {
			break
		}
		moved, err := q.Redrive(ctx, n-total)
		total += moved
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (rt *Router) Reap(ctx context.Context) (int, error) {
	total := 0
	for _, q := range rt.parts {
		n, err := q.Reap(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
