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
	"github.com/SirClappington/promptworks/internal/lock"
	"github.com/SirClappington/promptworks/internal/logging"
	"github.com/SirClappington/promptworks/internal/metrics"
	"github.com/SirClappington/promptworks/internal/queue"
	"github.com/SirClappington/promptworks/internal/storage"
	"github.com/SirClappington/promptworks/internal/worker"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Development(), "worker")
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
		lock.WithAcquireTimeout(cfg.LockAcquireTimeout),
		lock.WithDriftFactor(cfg.LockDriftFactor),
		lock.WithLogger(log),
	)
	applier := worker.NewApplier(store, worker.NewTombstones(rdb, cfg.TombstoneTTL), log)
	c := cache.New(rdb, cache.WithTTL(cfg.CacheTTL), cache.WithLogger(log))
	wcfg := worker.Config{
		Block:       cfg.BlockTimeout,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}

	var workers []*worker.Worker
	for _, q := range router.Partitions() {
		for i := 0; i < cfg.Consumers; i++ {
			workers = append(workers, worker.New(q, applier, c, wcfg, log))
		}
	}
	reaper := worker.NewReaper(router, locks, cfg.ReapInterval, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	ms := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener", zap.Error(err))
		}
	}()

	log.Info("worker starting",
		zap.Int("partitions", len(router.Partitions())),
		zap.Int("consumers", len(workers)),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)
	if err := worker.RunAll(ctx, reaper, workers...); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ms.Shutdown(shutdown)
	log.Info("worker drained")
}
