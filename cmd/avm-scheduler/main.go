package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"avm/server/internal/config"
	"avm/server/internal/queue"
	"avm/server/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
)

func main() {
	configPath := flag.String("config", "avm.toml", "config file path")
	flag.Parse()

	logger := telemetry.NewLogger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if len(cfg.Schedules) == 0 {
		logger.Error("no [[schedule]] entries configured")
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.New(rdb, cfg.Redis.Queue, logger)
	c := cron.New()
	ids, err := queue.RegisterSchedules(ctx, c, q, cfg.Schedules, logger)
	if err != nil {
		logger.Error("register schedules failed", "error", err)
		return
	}
	c.Start()
	for _, id := range ids {
		logger.Info("schedule_registered", "entry_id", id, "next", c.Entry(id).Next)
	}

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("scheduler_stop")
}
