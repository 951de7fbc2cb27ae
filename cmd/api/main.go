package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/valohub/reportd/internal/api"
	"github.com/valohub/reportd/internal/config"
	"github.com/valohub/reportd/internal/jobstore"
	"github.com/valohub/reportd/internal/library"
	"github.com/valohub/reportd/internal/queue"
	"github.com/valohub/reportd/internal/ratelimit"
	"github.com/valohub/reportd/internal/valolytics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	jobs := jobstore.New(rdb, cfg.EventLogLimit)
	q := queue.New(rdb, cfg.VisibilityTimeout)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	teams := valolytics.NewClient(cfg.ValolyticsBaseURL, cfg.ValolyticsAPIKey)

	var lib *library.Store
	if cfg.PostgresDSN != "" {
		lib, err = library.New(ctx, cfg.PostgresDSN)
		if err != nil {
			sugar.Fatalw("connect postgres", "error", err)
		}
		defer lib.Close()
		if err := lib.RunMigrations(ctx); err != nil {
			sugar.Fatalw("run migrations", "error", err)
		}
	}

	server := api.New(cfg, jobs, q, teams, limiter, lib, sugar)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	sugar.Infow("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
