package main

import (
	"flag"
	"log/slog"
	"os"

	"avm/server/internal/api"
	"avm/server/internal/app"
	"avm/server/internal/auth"
	"avm/server/internal/config"
	"avm/server/internal/events"
	"avm/server/internal/job"
	"avm/server/internal/model"
	"avm/server/internal/pipeline"
	"avm/server/internal/runindex"
	"avm/server/internal/store"
	"avm/server/internal/telemetry"
)

const (
	demoOperatorEmail    = "demo@avm.local"
	demoOperatorPassword = "demo123456"
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

	st := store.NewMemoryStore()
	authSvc := auth.NewService(st, cfg.Server.JWTSecret, cfg.Server.AccessTTL, cfg.Server.RefreshTTL)
	email, password := cfg.Server.OperatorEmail, cfg.Server.OperatorPassword
	if email == "" && cfg.Providers.Mode == config.ModeMock {
		email, password = demoOperatorEmail, demoOperatorPassword
	}
	if err := authSvc.SeedOperator(email, password, model.RoleAdmin); err != nil {
		logger.Error("seed operator failed", "error", err)
		os.Exit(1)
	}

	orch, err := app.NewOrchestrator(cfg, logger, pipeline.WithResume(false))
	if err != nil {
		logger.Error("build orchestrator failed", "error", err)
		os.Exit(1)
	}
	resumer, err := app.NewOrchestrator(cfg, logger, pipeline.WithResume(true))
	if err != nil {
		logger.Error("build resume orchestrator failed", "error", err)
		os.Exit(1)
	}

	opts := job.Options{
		OutputRoot:    cfg.Pipeline.OutputRoot,
		MaxConcurrent: cfg.Server.MaxConcurrentRun,
		MaxUserRuns:   cfg.Server.MaxUserRuns,
		BatchLimit:    cfg.Pipeline.BatchLimit,
		Resumer:       resumer,
	}
	if cfg.Database.DSN != "" {
		idx, err := runindex.Open(cfg.Database.DSN)
		if err != nil {
			logger.Error("open run index failed", "error", err)
			os.Exit(1)
		}
		defer idx.Close()
		opts.Index = idx
	}

	hub := events.NewHub()
	jobSvc := job.NewService(st, hub, orch, logger, opts)

	srv := api.NewServer(authSvc, st, jobSvc, hub, logger)
	router := srv.Router()

	logger.Info("server_start",
		"addr", cfg.Server.Addr,
		"operator", email,
		"provider_mode", cfg.Providers.Mode,
		"output_root", cfg.Pipeline.OutputRoot,
		"max_concurrent_runs", cfg.Server.MaxConcurrentRun,
		"max_user_runs", cfg.Server.MaxUserRuns,
		"run_index", opts.Index != nil,
	)
	if err := router.Run(cfg.Server.Addr); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
