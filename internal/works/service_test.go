package works

import (
	"context"
	"testing"
	"time"

	"github.com/SirClappington/promptworks/internal/cache"
	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/SirClappington/promptworks/internal/lock"
	"github.com/SirClappington/promptworks/internal/queue"
	"github.com/SirClappington/promptworks/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	owner = domain.Actor{ID: "a1", Role: domain.RoleAdmin}
	other = domain.Actor{ID: "a2", Role: domain.RoleAdmin}
	super = domain.Actor{ID: "s1", Role: domain.RoleSuperAdmin}
)

var newWork = domain.NewWork{Prompt: "cat", ImageURL: "https://x.io/1.png", CategoryID: "c1"}

type fixture struct {
	mr     *miniredis.Miniredis
	rdb    *r.Client
	store  *storage.Memory
	router *queue.Router
	locks  *lock.Manager
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		mr:     mr,
		rdb:    rdb,
		store:  storage.NewMemory(),
		router: queue.NewRouter(rdb, "work:mutations", 1),
		locks:  lock.NewManager([]r.UniversalClient{rdb}),
	}
	f.svc = New(f.store, cache.New(rdb), f.router, f.locks, Options{PageSize: 2}, zap.NewNop())
	return f
}

func (f *fixture) pending(t *testing.T) int64 {
	t.Helper()
	st, err := f.router.Stats(context.Background())
	require.NoError(t, err)
	return st[0].Pending
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, domain.MutationJob) error {
	return errors.New("connection refused")
}

func TestRequestDeleteQueuesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w, err := f.svc.Create(ctx, owner, newWork)
	require.NoError(t, err)

	_, res, err := f.svc.Get(ctx, owner, w.ID)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
	_, res, err = f.svc.ListOwn(ctx, owner, 1)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
	_, res, err = f.svc.ListPublic(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
	_, res, err = f.svc.ListOwn(ctx, owner, 1)
	require.NoError(t, err)
	require.Equal(t, cache.Hit, res)

	rc, err := f.svc.RequestDelete(ctx, owner, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", rc.Status)
	assert.NotEmpty(t, rc.JobID)
	assert.Equal(t, int64(1), f.pending(t))

	_, err = f.store.Get(ctx, w.ID)
	assert.NoError(t, err, "durable store untouched on admission")

	_, res, err = f.svc.Get(ctx, owner, w.ID)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res, "entity cache dropped before enqueue")
	_, res, err = f.svc.ListOwn(ctx, owner, 1)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res, "owner listing dropped before enqueue")
	_, res, err = f.svc.ListPublic(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res, "public listing dropped before enqueue")
}

func TestRequestUpdateInvalidatesOwnerListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w, err := f.svc.Create(ctx, owner, newWork)
	require.NoError(t, err)
	_, _, err = f.svc.ListOwn(ctx, owner, 1)
	require.NoError(t, err)

	_, err = f.svc.RequestUpdate(ctx, owner, w.ID, map[string]any{"prompt": "dog"})
	require.NoError(t, err)

	_, res, err := f.svc.ListOwn(ctx, owner, 1)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
}

func TestRequestUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.RequestUpdate(ctx, owner, "w1", map[string]any{"adminId": "a2", "imageUrl": "nope"})
	assert.True(t, errors.Is(err, domain.ErrEmptyPatch))
	assert.Zero(t, f.pending(t))

	rc, err := f.svc.RequestUpdate(ctx, owner, "w1", map[string]any{"prompt": "dog", "adminId": "a2"})
	require.NoError(t, err)

	raw, err := f.router.For("w1").Claim(ctx, time.Second)
	require.NoError(t, err)
	job, err := domain.DecodeJob(raw)
	require.NoError(t, err)
	assert.Equal(t, rc.JobID, job.ID)
	assert.Equal(t, map[string]any{"prompt": "dog"}, job.Payload)
}

func TestRejectsInvalidActor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.RequestDelete(ctx, domain.Actor{ID: "x", Role: "viewer"}, "w1")
	assert.True(t, errors.Is(err, domain.ErrInvalidActor))
	_, err = f.svc.RequestUpdate(ctx, domain.Actor{Role: domain.RoleAdmin}, "w1", map[string]any{"prompt": "p"})
	assert.True(t, errors.Is(err, domain.ErrInvalidActor))
	assert.Zero(t, f.pending(t))
}

func TestEnqueueFailureFailsRequest(t *testing.T) {
	f := newFixture(t)
	svc := New(f.store, cache.New(f.rdb), brokenQueue{}, f.locks, Options{}, zap.NewNop())

	_, err := svc.RequestDelete(context.Background(), owner, "w1")
	assert.Error(t, err)
}

func TestInvalidationFailureDoesNotBlockAdmission(t *testing.T) {
	f := newFixture(t)
	dead := miniredis.RunT(t)
	deadRdb := r.NewClient(&r.Options{Addr: dead.Addr(), MaxRetries: -1})
	dead.Close()

	svc := New(f.store, cache.New(deadRdb), f.router, f.locks, Options{}, zap.NewNop())
	rc, err := svc.RequestDelete(context.Background(), owner, "w1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", rc.Status)
	assert.Equal(t, int64(1), f.pending(t))
}

func TestCreateHonoursUploadLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	held, err := f.locks.Acquire(ctx, "upload-lock:"+owner.ID, time.Minute)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, owner, newWork)
	assert.True(t, errors.Is(err, ErrBusy))

	w, err := f.svc.Create(ctx, other, newWork)
	require.NoError(t, err, "lock is per actor")
	assert.Equal(t, other.ID, w.OwnerID)

	require.NoError(t, held.Release(ctx))
	_, err = f.svc.Create(ctx, owner, newWork)
	require.NoError(t, err)
	assert.False(t, f.mr.Exists("upload-lock:"+owner.ID), "released after create")

	_, err = f.svc.Create(ctx, owner, domain.NewWork{Prompt: "p"})
	assert.Error(t, err)
}

func TestGetHidesForeignWorks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w, err := f.svc.Create(ctx, owner, newWork)
	require.NoError(t, err)

	_, _, err = f.svc.Get(ctx, other, w.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	got, res, err := f.svc.Get(ctx, super, w.ID)
	require.NoError(t, err)
	assert.Equal(t, cache.Hit, res)
	assert.Equal(t, w.ID, got.ID)
}

func TestListingsArePagedAndCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, owner, newWork)
		require.NoError(t, err)
	}

	p1, res, err := f.svc.ListPublic(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, res)
	assert.Len(t, p1.Works, 2)

	p2, _, err := f.svc.ListPublic(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, p2.Works, 1)

	_, res, err = f.svc.ListPublic(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cache.Hit, res)

	own, _, err := f.svc.ListOwn(ctx, owner, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), own.Page)
	assert.Len(t, own.Works, 2)

	none, _, err := f.svc.ListOwn(ctx, other, 1)
	require.NoError(t, err)
	assert.Empty(t, none.Works)
}

// slowCreate holds every Create until release is closed.
type slowCreate struct {
	*storage.Memory
	entered chan struct{}
	release chan struct{}
}

func (s *slowCreate) Create(ctx context.Context, w domain.Work) (domain.Work, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.Memory.Create(ctx, w)
}

func TestConcurrentCreatesRaceForUploadLock(t *testing.T) {
	const racers = 8
	f := newFixture(t)
	store := &slowCreate{Memory: f.store, entered: make(chan struct{}, racers), release: make(chan struct{})}
	locks := lock.NewManager([]r.UniversalClient{f.rdb}, lock.WithAcquireTimeout(time.Second))
	svc := New(store, cache.New(f.rdb), f.router, locks, Options{}, zap.NewNop())

	errs := make(chan error, racers)
	start := time.Now()
	for i := 0; i < racers; i++ {
		go func() {
			_, err := svc.Create(context.Background(), owner, newWork)
			errs <- err
		}()
	}

	for i := 0; i < racers-1; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, ErrBusy), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("rejected creates did not return")
		}
	}
	assert.Less(t, time.Since(start), 2*time.Second, "rejections stay within the acquire timeout")
	assert.Len(t, store.entered, 1, "exactly one create holds the lock")

	close(store.release)
	require.NoError(t, <-errs)
	own, err := f.store.ListByOwner(context.Background(), owner.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, own, 1)
}
