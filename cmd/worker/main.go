package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/valohub/reportd/internal/config"
	"github.com/valohub/reportd/internal/jobstore"
	"github.com/valohub/reportd/internal/plots"
	"github.com/valohub/reportd/internal/queue"
	"github.com/valohub/reportd/internal/sheets"
	"github.com/valohub/reportd/internal/telemetry"
	"github.com/valohub/reportd/internal/valolytics"
	workerproc "github.com/valohub/reportd/internal/worker"
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
	source := valolytics.NewClient(cfg.ValolyticsBaseURL, cfg.ValolyticsAPIKey)

	writer := sheets.NewWriter(sheets.NewRESTService(cfg.SheetAPIBaseURL, cfg.SheetAPIToken),
		sheets.WithMinInterval(cfg.SheetWriteInterval),
		sheets.WithBackoff(cfg.SheetBackoffBase, cfg.SheetBackoffMax),
		sheets.WithMaxRetries(cfg.SheetMaxRetries),
		sheets.WithBatchSize(cfg.SheetBatchSize),
		sheets.WithRetryHook(func() { telemetry.SheetRetries.Inc() }),
	)

	uploader, err := plots.NewUploader(ctx, cfg)
	if err != nil {
		sugar.Fatalw("init plot uploader", "error", err)
	}
	renderer := plots.NewRenderer(uploader)

	runner := workerproc.NewRunner(cfg, jobs, q, source, writer, renderer, sugar)
	processor := workerproc.NewProcessor(cfg, q, jobs, runner, sugar)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			sugar.Warnw("metrics server stopped", "error", err)
		}
	}()

	sugar.Infow("worker started", "visibility", cfg.VisibilityTimeout, "poll", cfg.WorkerPollInterval)
	if err := processor.Run(ctx); err != nil {
		sugar.Infow("worker stopped", "reason", err)
	}
}
