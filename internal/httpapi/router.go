package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/SirClappington/promptworks/internal/metrics"
	"github.com/SirClappington/promptworks/internal/queue"
	"github.com/SirClappington/promptworks/internal/works"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Ops is the queue inspection surface, satisfied by *queue.Router.
type Ops interface {
	Stats(ctx context.Context) ([]queue.Stats, error)
	DeadLetters(ctx context.Context, n int64) ([]queue.DeadLetter, error)
	Redrive(ctx context.Context, n int) (int, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Server struct {
	works   *works.Service
	ops     Ops
	limiter *RateLimiter
	health  map[string]Pinger
	log     *zap.Logger
}

func New(svc *works.Service, ops Ops, limiter *RateLimiter, health map[string]Pinger, log *zap.Logger) *Server {
	return &Server{works: svc, ops: ops, limiter: limiter, health: health, log: log.With(zap.String("component", "http"))}
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)

	rtr.Get("/healthz", s.healthz)
	rtr.Method(http.MethodGet, "/metrics", metrics.Handler())

	rtr.Route("/v1", func(v1 chi.Router) {
		v1.Use(withActor)
		v1.With(s.limiter.Middleware).Get("/works", s.listPublic)
		v1.Post("/works", s.createWork)
		v1.Get("/works/{id}", s.getWork)
		v1.Put("/works/{id}", s.updateWork)
		v1.Delete("/works/{id}", s.deleteWork)
		v1.Get("/admin/works", s.listOwn)

		v1.Route("/ops", func(ops chi.Router) {
			ops.Use(requireSuperAdmin)
			ops.Get("/queue", s.queueStats)
			ops.Get("/dead-letters", s.deadLetters)
			ops.Post("/dead-letters/redrive", s.redrive)
		})
	})
	return rtr
}

func (s *Server) deleteWork(w http.ResponseWriter, r *http.Request) {
	rc, err := s.works.RequestDelete(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, "Work deletion queued", rc)
}

func (s *Server) updateWork(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		respond(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	rc, err := s.works.RequestUpdate(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, "Work update queued", rc)
}

func (s *Server) createWork(w http.ResponseWriter, r *http.Request) {
	var in domain.NewWork
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respond(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	created, err := s.works.Create(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "Work created", created)
}

func (s *Server) getWork(w http.ResponseWriter, r *http.Request) {
	work, res, err := s.works.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	w.Header().Set("X-Cache", string(res))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", work)
}

func (s *Server) listOwn(w http.ResponseWriter, r *http.Request) {
	page, res, err := s.works.ListOwn(r.Context(), actorFrom(r.Context()), pageParam(r))
	w.Header().Set("X-Cache", string(res))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", page)
}

func (s *Server) listPublic(w http.ResponseWriter, r *http.Request) {
	page, res, err := s.works.ListPublic(r.Context(), pageParam(r))
	w.Header().Set("X-Cache", string(res))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", page)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ops.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", st)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.ops.DeadLetters(r.Context(), intParam(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", dls)
}

func (s *Server) redrive(w http.ResponseWriter, r *http.Request) {
	n, err := s.ops.Redrive(r.Context(), int(intParam(r, "count", 1)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("dead letters redriven", zap.Int("count", n), zap.String("by", actorFrom(r.Context()).ID))
	respond(w, http.StatusOK, "ok", map[string]int{"redriven": n})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	for name, p := range s.health {
		if err := p.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			respond(w, http.StatusServiceUnavailable, errors.Wrap(err, name).Error(), nil)
			return
		}
	}
	respond(w, http.StatusOK, "ok", nil)
}

func pageParam(r *http.Request) int64 { return intParam(r, "page", 1) }

func intParam(r *http.Request, name string, def int64) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || v < 1 {
		return def
	}
	return v
}
