package storage

import (
	"context"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const workColumns = `id, admin_id, category_id, prompt, image_url, created_at, updated_at`

type Postgres struct{ db *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db} }

func scanWork(row pgx.Row) (domain.Work, error) {
	var w domain.Work
	err := row.Scan(&w.ID, &w.OwnerID, &w.CategoryID, &w.Prompt, &w.ImageURL, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, domain.ErrNotFound
	}
	return w, errors.WithStack(err)
}

func (s *Postgres) Get(ctx context.Context, id string) (domain.Work, error) {
	return scanWork(s.db.QueryRow(ctx, `select `+workColumns+` from works where id = $1`, id))
}

func (s *Postgres) Create(ctx context.Context, w domain.Work) (domain.Work, error) {
	return scanWork(s.db.QueryRow(ctx, `insert into works(
id, admin_id, category_id, prompt, image_url, created_at, updated_at
) values ($1,$2,$3,$4,$5,now(),now())
returning `+workColumns,
		uuid.NewString(), w.OwnerID, w.CategoryID, w.Prompt, w.ImageURL,
	))
}

func (s *Postgres) Delete(ctx context.Context, id, scope string) error {
	tag, err := s.db.Exec(ctx,
		`delete from works where id = $1 and ($2::text = '' or admin_id = $2)`, id, scope)
	if err != nil {
		return errors.Wrap(err, "delete work")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Update only touches the columns the patch sets; nil fields bind as NULL and
// keep the stored value.
func (s *Postgres) Update(ctx context.Context, id, scope string, p domain.WorkPatch) (domain.Work, error) {
	return scanWork(s.db.QueryRow(ctx, `update works
   set prompt      = coalesce($3, prompt),
       image_url   = coalesce($4, image_url),
       category_id = coalesce($5, category_id),
       updated_at  = now()
 where id = $1 and ($2::text = '' or admin_id = $2)
returning `+workColumns,
		id, scope, p.Prompt, p.ImageURL, p.CategoryID,
	))
}

func (s *Postgres) ListByOwner(ctx context.Context, ownerID string, skip, limit int64) ([]domain.Work, error) {
	return s.list(ctx, `select `+workColumns+` from works where admin_id = $3
order by created_at desc, id desc offset $1 limit $2`, skip, limit, ownerID)
}

func (s *Postgres) ListAll(ctx context.Context, skip, limit int64) ([]domain.Work, error) {
	return s.list(ctx, `select `+workColumns+` from works
order by created_at desc, id desc offset $1 limit $2`, skip, limit)
}

func (s *Postgres) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Postgres) list(ctx context.Context, sql string, args ...any) ([]domain.Work, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list works")
	}
	defer rows.Close()

	out := []domain.Work{}
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, errors.WithStack(rows.Err())
}
