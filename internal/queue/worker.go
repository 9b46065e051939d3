package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/pipeline"
)

// RunIndex receives every run a worker finishes.
type RunIndex interface {
	Upsert(ctx context.Context, run model.PipelineRun) error
}

// RunHandler executes each request as one pipeline run under a fresh
// directory of outputRoot. The request ID becomes the run ID. A request
// that fails validation is dropped with an error; a run whose stages fail
// is not an error for the listener.
func RunHandler(runner pipeline.Runner, outputRoot string, index RunIndex, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req JobRequest) error {
		cfg, err := model.NewJobConfig(req.Keywords, req.TargetProduct, req.VideoDurationSeconds, model.UniqueOutputLocation(outputRoot, time.Now()))
		if err != nil {
			return fmt.Errorf("request %s: %w", req.ID, err)
		}
		run, err := runner.Execute(ctx, req.ID, cfg, nil)
		if err != nil {
			return fmt.Errorf("run %s: %w", req.ID, err)
		}
		log := logger.With("run_id", run.ID, "source", req.Source, "output_location", cfg.OutputLocation())
		if failed, ok := run.FailedStage(); ok {
			log.Warn("worker_run_failed", "stage", failed.Stage, "error", failed.Error)
		} else {
			log.Info("worker_run_finished", "status", run.Status)
		}
		if index != nil {
			if err := index.Upsert(ctx, run); err != nil {
				log.Error("run_index_upsert_failed", "error", err)
			}
		}
		return nil
	}
}
