package worker

import (
	"context"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/SirClappington/promptworks/internal/storage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Applier performs one mutation against the durable store. The actor's
// rights are checked again here: they may have changed since admission.
type Applier struct {
	store storage.WorkStore
	tombs *Tombstones
	log   *zap.Logger
}

func NewApplier(store storage.WorkStore, tombs *Tombstones, log *zap.Logger) *Applier {
	return &Applier{store: store, tombs: tombs, log: log}
}

// Apply returns the owner of the mutated work when it is known, so callers
// can drop the owner's cached listings.
func (a *Applier) Apply(ctx context.Context, job domain.MutationJob) (string, error) {
	actor := job.Actor()
	w, err := a.store.Get(ctx, job.EntityID)
	if errors.Is(err, domain.ErrNotFound) && job.Kind == domain.KindDelete {
		owner, gone, terr := a.tombs.Deleted(ctx, job.EntityID)
		if terr != nil {
			return "", terr
		}
		if gone {
			if !actor.CanMutate(owner) {
				return owner, errors.Wrapf(domain.ErrForbidden, "%s %s on deleted %s", actor.Role, actor.ID, job.EntityID)
			}
			return owner, nil
		}
	}
	if err != nil {
		return "", errors.Wrapf(err, "load %s", job.EntityID)
	}
	if !actor.CanMutate(w.OwnerID) {
		return w.OwnerID, errors.Wrapf(domain.ErrForbidden, "%s %s on %s", actor.Role, actor.ID, job.EntityID)
	}

	switch job.Kind {
	case domain.KindDelete:
		if err := a.tombs.Mark(ctx, job.EntityID, w.OwnerID); err != nil {
			return w.OwnerID, err
		}
		err := a.store.Delete(ctx, job.EntityID, actor.Scope())
		if errors.Is(err, domain.ErrNotFound) {
			// Removed by someone else between Get and Delete.
			return w.OwnerID, nil
		}
		return w.OwnerID, err

	case domain.KindUpdate:
		p, dropped := domain.SanitizePatch(job.Payload)
		if len(dropped) > 0 {
			a.log.Info("dropped patch fields", zap.String("job_id", job.ID), zap.Strings("fields", dropped))
		}
		if p.Empty() {
			return w.OwnerID, nil
		}
		_, err := a.store.Update(ctx, job.EntityID, actor.Scope(), p)
		return w.OwnerID, err
	}
	return w.OwnerID, errors.Wrapf(domain.ErrMalformedJob, "unknown kind %q", job.Kind)
}
