package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ctxKey struct{}

// Identity is established by the gateway in front of this service; these
// headers carry the result.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
)

func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		a := domain.Actor{
			ID:   req.Header.Get(HeaderActorID),
			Role: domain.Role(req.Header.Get(HeaderActorRole)),
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), ctxKey{}, a)))
	})
}

func actorFrom(ctx context.Context) domain.Actor {
	a, _ := ctx.Value(ctxKey{}).(domain.Actor)
	return a
}

func requireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		a := actorFrom(req.Context())
		switch {
		case !a.Valid():
			respond(w, http.StatusUnauthorized, domain.ErrInvalidActor.Error(), nil)
		case a.Role != domain.RoleSuperAdmin:
			respond(w, http.StatusForbidden, "superadmin only", nil)
		default:
			next.ServeHTTP(w, req)
		}
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)
			log.Info("request",
				zap.String("request_id", middleware.GetReqID(req.Context())),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}

func requestFields(req *http.Request, err error) []zap.Field {
	return []zap.Field{
		zap.String("request_id", middleware.GetReqID(req.Context())),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Error(err),
	}
}

// rateScript counts one hit and makes sure the window expires.
var rateScript = r.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n`)

// RateLimiter is a fixed-window counter per client in Redis.
type RateLimiter struct {
	rdb    r.UniversalClient
	limit  int64
	window time.Duration
	log    *zap.Logger
}

func NewRateLimiter(rdb r.UniversalClient, limit int64, window time.Duration, log *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: limit, window: window, log: log}
}

// Allow counts one request for key. The window starts with the first one.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := "ratelimit:" + key
	n, err := rateScript.Run(ctx, rl.rdb, []string{k}, rl.window.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, "count request")
	}
	return n <= rl.limit, nil
}

// Middleware rejects clients over the limit. When Redis is unreachable
// requests pass.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ok, err := rl.Allow(req.Context(), clientIP(req))
		if err != nil {
			rl.log.Warn("rate limiter unavailable", zap.Error(err))
			ok = true
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			respond(w, http.StatusTooManyRequests, "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
