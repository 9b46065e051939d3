package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"avm/server/internal/app"
	"avm/server/internal/config"
	"avm/server/internal/queue"
	"avm/server/internal/runindex"
	"avm/server/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "avm.toml", "config file path")
	listeners := flag.Int("listeners", 0, "concurrent queue listeners (default pipeline.batch_limit or 1)")
	flag.Parse()

	logger := telemetry.NewLogger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	orch, err := app.NewOrchestrator(cfg, logger)
	if err != nil {
		logger.Error("build orchestrator failed", "error", err)
		os.Exit(1)
	}

	var index queue.RunIndex
	if cfg.Database.DSN != "" {
		idx, err := runindex.Open(cfg.Database.DSN)
		if err != nil {
			logger.Error("open run index failed", "error", err)
			os.Exit(1)
		}
		defer idx.Close()
		index = idx
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "addr", cfg.Redis.Addr, "error", err)
		return
	}

	n := *listeners
	if n < 1 {
		n = cfg.Pipeline.BatchLimit
	}
	if n < 1 {
		n = 1
	}

	q := queue.New(rdb, cfg.Redis.Queue, logger)
	handler := queue.RunHandler(orch, cfg.Pipeline.OutputRoot, index, logger)
	logger.Info("worker_start", "queue", q.Name(), "listeners", n, "provider_mode", cfg.Providers.Mode, "output_root", cfg.Pipeline.OutputRoot)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return q.Listen(gctx, handler) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited with error", "error", err)
		return
	}
	logger.Info("worker_stop")
}
