package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/google/uuid"
)

// Memory keeps works in process. It backs STORE_DRIVER=memory and tests.
type Memory struct {
	mu    sync.RWMutex
	works map[string]domain.Work
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{works: map[string]domain.Work{}, now: func() time.Time { return time.Now().UTC() }}
}

func (m *Memory) Get(_ context.Context, id string) (domain.Work, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.works[id]
	if !ok {
		return domain.Work{}, domain.ErrNotFound
	}
	return w, nil
}

func (m *Memory) Create(_ context.Context, w domain.Work) (domain.Work, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.CreatedAt = m.now()
	w.UpdatedAt = w.CreatedAt
	m.works[w.ID] = w
	return w, nil
}

func (m *Memory) Delete(_ context.Context, id, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.works[id]
	if !ok || (scope != "" && w.OwnerID != scope) {
		return domain.ErrNotFound
	}
	delete(m.works, id)
	return nil
}

func (m *Memory) Update(_ context.Context, id, scope string, p domain.WorkPatch) (domain.Work, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.works[id]
	if !ok || (scope != "" && w.OwnerID != scope) {
		return domain.Work{}, domain.ErrNotFound
	}
	w.Apply(p)
	w.UpdatedAt = m.now()
	m.works[id] = w
	return w, nil
}

func (m *Memory) ListByOwner(_ context.Context, ownerID string, skip, limit int64) ([]domain.Work, error) {
	return m.list(func(w domain.Work) bool { return w.OwnerID == ownerID }, skip, limit), nil
}

func (m *Memory) ListAll(_ context.Context, skip, limit int64) ([]domain.Work, error) {
	return m.list(func(domain.Work) bool { return true }, skip, limit), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// list returns matches newest first, like the database backends.
func (m *Memory) list(keep func(domain.Work) bool, skip, limit int64) []domain.Work {
	m.mu.RLock()
	out := make([]domain.Work, 0, len(m.works))
	for _, w := range m.works {
		if keep(w) {
			out = append(out, w)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if skip >= int64(len(out)) {
		return []domain.Work{}
	}
	out = out[skip:]
	if limit > 0 && limit < int64(len(out)) {
		out = out[:limit]
	}
	return out
}
