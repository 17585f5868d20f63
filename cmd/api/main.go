package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SirClappington/promptworks/internal/cache"
	"github.com/SirClappington/promptworks/internal/config"
	"github.com/SirClappington/promptworks/internal/httpapi"
	"github.com/SirClappington/promptworks/internal/lock"
	"github.com/SirClappington/promptworks/internal/logging"
	"github.com/SirClappington/promptworks/internal/queue"
	"github.com/SirClappington/promptworks/internal/storage"
	"github.com/SirClappington/promptworks/internal/works"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Development(), "api")
	if err != nil {
		stdlog.Fatal(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	router := queue.NewRouter(rdb, cfg.QueueName, cfg.QueuePartitions, queue.WithVisibility(cfg.VisibilityTimeout()))
	locks := lock.NewManager(lock.Clients(rdb, cfg.LockRedisAddrs, cfg.RedisPassword),
		lock.WithRetry(cfg.LockRetryCount, cfg.LockRetryDelay),
		lock.WithAcquireTimeout(cfg.LockAcquireTimeout),
		lock.WithDriftFactor(cfg.LockDriftFactor),
		lock.WithLogger(log),
	)
	svc := works.New(store, cache.New(rdb, cache.WithTTL(cfg.CacheTTL), cache.WithLogger(log)), router, locks,
		works.Options{PageSize: cfg.PageSize, UploadLockTTL: cfg.UploadLockTTL}, log)

	srv := httpapi.New(svc, router,
		httpapi.NewRateLimiter(rdb, cfg.RateLimit, cfg.RateLimitEvery, log),
		map[string]httpapi.Pinger{
			"store": store,
			"redis": httpapi.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		},
		log)

	hs := &http.Server{Addr: cfg.APIAddr, Handler: srv.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdown)
	}()

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve", zap.Error(err))
	}
	log.Info("api stopped")
}
