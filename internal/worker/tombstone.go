package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Tombstones remember recently deleted works so a repeated delete of the
// same id is a no-op instead of a not-found failure.
type Tombstones struct {
	rdb r.UniversalClient
	ttl time.Duration
}

func NewTombstones(rdb r.UniversalClient, ttl time.Duration) *Tombstones {
	return &Tombstones{rdb, ttl}
}

func tombstoneKey(id string) string { return "work:" + id + ":deleted" }

// Mark records that id, owned by ownerID, has been deleted.
func (t *Tombstones) Mark(ctx context.Context, id, ownerID string) error {
	return errors.Wrap(t.rdb.Set(ctx, tombstoneKey(id), ownerID, t.ttl).Err(), "set tombstone")
}

// Deleted reports whether id was deleted recently and who owned it.
func (t *Tombstones) Deleted(ctx context.Context, id string) (string, bool, error) {
	owner, err := t.rdb.Get(ctx, tombstoneKey(id)).Result()
	if errors.Is(err, r.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "check tombstone")
	}
	return owner, true, nil
}
