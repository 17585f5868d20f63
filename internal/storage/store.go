package storage

import (
	"context"

	"github.com/SirClappington/promptworks/internal/config"
	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// WorkStore is the durable source of truth for works. A non-empty scope
// restricts Delete and Update to works owned by that id; a missing or
// out-of-scope work is domain.ErrNotFound either way.
type WorkStore interface {
	Get(ctx context.Context, id string) (domain.Work, error)
	Create(ctx context.Context, w domain.Work) (domain.Work, error)
	Delete(ctx context.Context, id, scope string) error
	Update(ctx context.Context, id, scope string, p domain.WorkPatch) (domain.Work, error)
	ListByOwner(ctx context.Context, ownerID string, skip, limit int64) ([]domain.Work, error)
	ListAll(ctx context.Context, skip, limit int64) ([]domain.Work, error)
	Ping(ctx context.Context) error
}

// Open connects the backend selected by STORE_DRIVER and wraps it in a
// circuit breaker. The returned func releases the connection.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (WorkStore, func(), error) {
	var (
		s       WorkStore
		closeFn = func() {}
	)
	switch cfg.StoreDriver {
	case "memory":
		s = NewMemory()
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, errors.Wrap(err, "mongo connect")
		}
		ms := NewMongo(client.Database(cfg.MongoDatabase))
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		s, closeFn = ms, func() { _ = client.Disconnect(context.Background()) }
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "pgxpool")
		}
		s, closeFn = NewPostgres(pool), pool.Close
	default:
		return nil, nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	log.Info("work store opened", zap.String("driver", cfg.StoreDriver))
	return NewBreaker(s, cfg.StoreDriver, log), closeFn, nil
}
