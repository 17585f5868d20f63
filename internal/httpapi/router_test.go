package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SirClappington/promptworks/internal/cache"
	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/SirClappington/promptworks/internal/lock"
	"github.com/SirClappington/promptworks/internal/queue"
	"github.com/SirClappington/promptworks/internal/storage"
	"github.com/SirClappington/promptworks/internal/works"
	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type api struct {
	h      http.Handler
	mr     *miniredis.Miniredis
	store  *storage.Memory
	router *queue.Router
	locks  *lock.Manager
}

func newAPI(t *testing.T, rateLimit int64) *api {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	a := &api{
		mr:     mr,
		store:  storage.NewMemory(),
		router: queue.NewRouter(rdb, "work:mutations", 2),
		locks:  lock.NewManager([]r.UniversalClient{rdb}),
	}
	svc := works.New(a.store, cache.New(rdb), a.router, a.locks, works.Options{}, zap.NewNop())
	srv := New(svc, a.router, NewRateLimiter(rdb, rateLimit, time.Minute, zap.NewNop()),
		map[string]Pinger{"store": a.store, "redis": PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })},
		zap.NewNop())
	a.h = srv.Routes()
	return a
}

type reply struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *api) do(t *testing.T, method, path string, actor *domain.Actor, body string) (*httptest.ResponseRecorder, reply) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != nil {
		req.Header.Set(HeaderActorID, actor.ID)
		req.Header.Set(HeaderActorRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)

	var rep reply
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	}
	return rec, rep
}

func (a *api) seed(t *testing.T, ownerID string) domain.Work {
	t.Helper()
	w, err := a.store.Create(context.Background(), domain.Work{OwnerID: ownerID, Prompt: "cat", ImageURL: "https://x.io/1.png", CategoryID: "c1"})
	require.NoError(t, err)
	return w
}

func (a *api) pending(t *testing.T) int64 {
	t.Helper()
	st, err := a.router.Stats(context.Background())
	require.NoError(t, err)
	var n int64
	for _, s := range st {
		n += s.Pending
	}
	return n
}

var (
	admin = &domain.Actor{ID: "a1", Role: domain.RoleAdmin}
	super = &domain.Actor{ID: "s1", Role: domain.RoleSuperAdmin}
)

func TestDeleteIsAccepted(t *testing.T) {
	a := newAPI(t, 100)
	w := a.seed(t, admin.ID)

	rec, rep := a.do(t, http.MethodDelete, "/v1/works/"+w.ID, admin, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, rep.Success)

	var rc works.Receipt
	require.NoError(t, json.Unmarshal(rep.Data, &rc))
	assert.Equal(t, "accepted", rc.Status)
	assert.Equal(t, int64(1), a.pending(t))

	_, err := a.store.Get(context.Background(), w.ID)
	assert.NoError(t, err, "applied later by the worker")
}

func TestDeleteWithoutActorIsUnauthorized(t *testing.T) {
	a := newAPI(t, 100)

	rec, rep := a.do(t, http.MethodDelete, "/v1/works/w1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, rep.Success)
	assert.Zero(t, a.pending(t))
}

func TestUpdate(t *testing.T) {
	a := newAPI(t, 100)

	rec, _ := a.do(t, http.MethodPut, "/v1/works/w1", admin, `{"prompt":"dog"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = a.do(t, http.MethodPut, "/v1/works/w1", admin, `{"adminId":"a2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = a.do(t, http.MethodPut, "/v1/works/w1", admin, `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(1), a.pending(t))
}

func TestCreate(t *testing.T) {
	a := newAPI(t, 100)
	body := `{"prompt":"cat","imageUrl":"https://x.io/1.png","categoryId":"c1"}`

	rec, rep := a.do(t, http.MethodPost, "/v1/works", admin, body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	var w domain.Work
	require.NoError(t, json.Unmarshal(rep.Data, &w))
	assert.Equal(t, admin.ID, w.OwnerID)

	rec, _ = a.do(t, http.MethodPost, "/v1/works", admin, `{"prompt":"cat"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	held, err := a.locks.Acquire(context.Background(), "upload-lock:"+admin.ID, time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()
	rec, _ = a.do(t, http.MethodPost, "/v1/works", admin, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetReportsCacheState(t *testing.T) {
	a := newAPI(t, 100)
	w := a.seed(t, admin.ID)

	rec, _ := a.do(t, http.MethodGet, "/v1/works/"+w.ID, admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	rec, _ = a.do(t, http.MethodGet, "/v1/works/"+w.ID, admin, "")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	other := &domain.Actor{ID: "a2", Role: domain.RoleAdmin}
	rec, _ = a.do(t, http.MethodGet, "/v1/works/"+w.ID, other, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListings(t *testing.T) {
	a := newAPI(t, 100)
	a.seed(t, admin.ID)

	rec, rep := a.do(t, http.MethodGet, "/v1/admin/works?page=1", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var p works.Page
	require.NoError(t, json.Unmarshal(rep.Data, &p))
	assert.Len(t, p.Works, 1)
	assert.Equal(t, int64(100), p.Limit)

	rec, _ = a.do(t, http.MethodGet, "/v1/works", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}

func TestPublicListingIsRateLimited(t *testing.T) {
	a := newAPI(t, 2)

	for i := 0; i < 2; i++ {
		rec, _ := a.do(t, http.MethodGet, "/v1/works", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec, _ := a.do(t, http.MethodGet, "/v1/works", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	a.mr.FastForward(time.Minute)
	rec, _ = a.do(t, http.MethodGet, "/v1/works", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpsRequiresSuperAdmin(t *testing.T) {
	a := newAPI(t, 100)

	rec, _ := a.do(t, http.MethodGet, "/v1/ops/queue", admin, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = a.do(t, http.MethodGet, "/v1/ops/queue", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, rep := a.do(t, http.MethodGet, "/v1/ops/queue", super, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var st []queue.Stats
	require.NoError(t, json.Unmarshal(rep.Data, &st))
	assert.Len(t, st, 2)
}

func TestDeadLetterRedrive(t *testing.T) {
	ctx := context.Background()
	a := newAPI(t, 100)
	q := a.router.For("w1")
	require.NoError(t, q.Enqueue(ctx, domain.NewDeleteJob(*admin, "w1")))
	raw, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.DeadLetter(ctx, raw, "", queue.ReasonNotFound, domain.ErrNotFound, 0)
	require.NoError(t, err)

	rec, rep := a.do(t, http.MethodGet, "/v1/ops/dead-letters", super, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var dls []queue.DeadLetter
	require.NoError(t, json.Unmarshal(rep.Data, &dls))
	require.Len(t, dls, 1)
	assert.Equal(t, queue.ReasonNotFound, dls[0].Reason)

	rec, _ = a.do(t, http.MethodPost, "/v1/ops/dead-letters/redrive?count=10", super, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), a.pending(t))
}

func TestHealthz(t *testing.T) {
	a := newAPI(t, 100)

	rec, _ := a.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	a.mr.Close()
	rec, _ = a.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusMapping(t *testing.T) {
	for err, want := range map[error]int{
		domain.ErrInvalidActor:                       http.StatusUnauthorized,
		errors.Wrap(domain.ErrForbidden, "x"):        http.StatusForbidden,
		domain.ErrNotFound:                           http.StatusNotFound,
		domain.ErrEmptyPatch:                         http.StatusBadRequest,
		errors.Wrap(works.ErrBusy, "upload-lock:a1"): http.StatusTooManyRequests,
		errors.New("boom"):                           http.StatusInternalServerError,
	} {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestRateCounterAlwaysExpires(t *testing.T) {
	a := newAPI(t, 2)
	rdb := r.NewClient(&r.Options{Addr: a.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rl := NewRateLimiter(rdb, 2, time.Minute, zap.NewNop())

	a.mr.Set("ratelimit:10.0.0.1", "5")
	ok, err := rl.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, a.mr.TTL("ratelimit:10.0.0.1"), "counter left without expiry gets one")

	a.mr.FastForward(time.Minute)
	ok, err = rl.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}
