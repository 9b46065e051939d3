package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"avm/server/internal/model"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Runner executes a single run. *Orchestrator satisfies it.
type Runner interface {
	Execute(ctx context.Context, runID string, cfg model.JobConfig, obs Observer) (model.PipelineRun, error)
}

// BatchItem is one submission of a batch.
type BatchItem struct {
	RunID    string
	Config   model.JobConfig
	Observer Observer
}

// Batch runs independent jobs concurrently, at most limit at a time. One
// run's failure or panic never affects its siblings.
type Batch struct {
	runner Runner
	limit  int
	log    *slog.Logger
	now    func() time.Time
}

func NewBatch(runner Runner, limit int, logger *slog.Logger) *Batch {
	if limit < 1 {
		limit = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{
		runner: runner,
		limit:  limit,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (b *Batch) Limit() int { return b.limit }

func (b *Batch) Run(ctx context.Context, configs []model.JobConfig) model.BatchRun {
	items := make([]BatchItem, len(configs))
	for i, cfg := range configs {
		items[i] = BatchItem{RunID: uuid.NewString(), Config: cfg}
	}
	return b.RunItems(ctx, uuid.NewString(), items)
}

// RunItems returns once every item reached a terminal state. Runs[i] always
// belongs to items[i].
func (b *Batch) RunItems(ctx context.Context, batchID string, items []BatchItem) model.BatchRun {
	out := model.BatchRun{
		ID:        batchID,
		StartedAt: b.now(),
		Runs:      make([]model.BatchEntry, len(items)),
	}
	log := b.log.With("batch_id", batchID)
	log.Info("batch_start", "runs", len(items), "limit", b.limit)

	var g errgroup.Group
	g.SetLimit(b.limit)
	for i, item := range items {
		g.Go(func() error {
			out.Runs[i] = b.runOne(ctx, log, i, item)
			return nil
		})
	}
	_ = g.Wait()

	out.CompletedAt = b.now()
	completed, failed := out.Counts()
	log.Info("batch_finished", "completed", completed, "failed", failed)
	return out
}

func (b *Batch) runOne(ctx context.Context, log *slog.Logger, i int, item BatchItem) (entry model.BatchEntry) {
	entry = model.BatchEntry{Index: i}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("batch_run_panic", "index", i, "run_id", item.RunID, "panic", rec, "stack", string(debug.Stack()))
			entry = model.BatchEntry{Index: i, Status: model.RunFailed, Error: fmt.Sprintf("run panicked: %v", rec)}
		}
	}()

	run, err := b.runner.Execute(ctx, item.RunID, item.Config, item.Observer)
	if err != nil {
		log.Warn("batch_run_failed", "index", i, "run_id", item.RunID, "error", err)
		entry.Status = model.RunFailed
		entry.Error = err.Error()
		if run.ID != "" {
			entry.Run = &run
		}
		return entry
	}
	entry.Run = &run
	entry.Status = run.Status
	if !entry.Status.Terminal() {
		// Cancellation left stages undispatched.
		entry.Status = model.RunCanceled
		entry.Error = "run did not finish"
		if ctx.Err() != nil {
			entry.Error = ctx.Err().Error()
		}
	}
	if failed, ok := run.FailedStage(); ok {
		entry.Error = fmt.Sprintf("%s: %s", failed.Stage, failed.Error)
	}
	return entry
}
