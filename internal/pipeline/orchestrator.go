package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/provider"
	"avm/server/internal/runstore"
	"avm/server/internal/trend"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrPersistence means the ledger or a stage artifact could not be written.
var ErrPersistence = errors.New("persistence failure")

// Collaborators are the external services the stages call.
type Collaborators struct {
	Trends  provider.TrendSearcher
	Images  provider.ImageGenerator
	Content provider.ContentWriter
	Video   provider.VideoEditor
}

// Observer is notified after every ledger change of a run.
type Observer interface {
	StageChanged(run model.PipelineRun, stage model.StageResult)
}

type ObserverFunc func(run model.PipelineRun, stage model.StageResult)

func (f ObserverFunc) StageChanged(run model.PipelineRun, stage model.StageResult) { f(run, stage) }

type Orchestrator struct {
	collab          Collaborators
	log             *slog.Logger
	pool            chan struct{}
	stageTimeout    time.Duration
	maxTrendResults int
	now             func() time.Time
	resume          bool
	prompt          model.PromptConfig
	saveLedger      func(runDir string, run model.PipelineRun) error
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithWorkers bounds the collaborator calls in flight across every run of
// this orchestrator.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pool = make(chan struct{}, n)
		}
	}
}

func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stageTimeout = d }
}

func WithMaxTrendResults(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTrendResults = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithResume restores completed stages from a previous ledger in the same
// output location instead of calling their collaborators again.
func WithResume(enabled bool) Option {
	return func(o *Orchestrator) { o.resume = enabled }
}

func WithPromptConfig(p model.PromptConfig) Option {
	return func(o *Orchestrator) { o.prompt = p }
}

func withLedgerWriter(fn func(string, model.PipelineRun) error) Option {
	return func(o *Orchestrator) { o.saveLedger = fn }
}

func New(c Collaborators, opts ...Option) (*Orchestrator, error) {
	switch {
	case c.Trends == nil:
		return nil, &model.ConfigError{Field: "collaborators.trends", Reason: "is required"}
	case c.Images == nil:
		return nil, &model.ConfigError{Field: "collaborators.images", Reason: "is required"}
	case c.Content == nil:
		return nil, &model.ConfigError{Field: "collaborators.content", Reason: "is required"}
	case c.Video == nil:
		return nil, &model.ConfigError{Field: "collaborators.video", Reason: "is required"}
	}
	o := &Orchestrator{
		collab:          c,
		log:             slog.Default(),
		pool:            make(chan struct{}, runtime.NumCPU()*2),
		stageTimeout:    10 * time.Minute,
		maxTrendResults: 50,
		now:             func() time.Time { return time.Now().UTC() },
		prompt:          model.DefaultPromptConfig(),
		saveLedger:      runstore.SaveLedger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes the six stages for cfg under a fresh run ID.
func (o *Orchestrator) Run(ctx context.Context, cfg model.JobConfig) (model.PipelineRun, error) {
	return o.Execute(ctx, uuid.NewString(), cfg, nil)
}

// Execute drives one run. Invalid configuration is rejected before anything
// touches the output location. Stage failures are recorded in the returned
// run with a nil error; only configuration errors, ledger invariant
// violations and failures to initialize the run directory are returned.
func (o *Orchestrator) Execute(ctx context.Context, runID string, cfg model.JobConfig, obs Observer) (model.PipelineRun, error) {
	if err := cfg.Validate(); err != nil {
		return model.PipelineRun{}, err
	}
	runDir := cfg.OutputLocation()
	if err := runstore.Mkdir(runDir); err != nil {
		return model.PipelineRun{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var prior map[model.StageName]StageOutput
	if o.resume {
		var priorID string
		priorID, prior = o.loadPrior(runDir)
		if priorID != "" {
			runID = priorID
		}
	}

	lock, err := runstore.AcquireRunLock(runDir, runID)
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			o.log.Warn("run_lock_release_failed", "run_id", runID, "error", err)
		}
	}()

	r := &runState{
		o:      o,
		ledger: NewLedger(runID, cfg, o.now()),
		cfg:    cfg,
		runDir: runDir,
		obs:    obs,
		prior:  prior,
		log:    o.log.With("run_id", runID),
	}
	if err := o.saveLedger(runDir, r.ledger.Snapshot()); err != nil {
		return model.PipelineRun{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.log.Info("run_start", "output_location", runDir, "keywords", cfg.Keywords(), "resumed_stages", len(prior))

	if err := r.execute(ctx); err != nil {
		return r.ledger.Snapshot(), err
	}

	final := r.ledger.Finish(o.now())
	if err := o.saveLedger(runDir, final); err != nil {
		r.log.Error("ledger_finalize_failed", "error", err)
	}
	r.log.Info("run_finished", "status", final.Status, "elapsed_ms", final.CompletedAt.Sub(final.StartedAt).Milliseconds())
	return final, nil
}

// stageDeps lists the stages whose outputs each stage consumes.
var stageDeps = map[model.StageName][]model.StageName{
	model.StageTrendAnalysis:   nil,
	model.StageModelGeneration: nil,
	model.StageContentAnalysis: {model.StageTrendAnalysis},
	model.StageScriptGenerate:  {model.StageTrendAnalysis, model.StageContentAnalysis},
	model.StageVideoProduction: {model.StageScriptGenerate, model.StageModelGeneration},
	model.StageVideoEditing:    {model.StageVideoProduction},
}

// Dependencies returns, for each stage, the stages whose outputs it
// consumes.
func Dependencies() map[model.StageName][]model.StageName {
	out := make(map[model.StageName][]model.StageName, len(stageDeps))
	for stage, deps := range stageDeps {
		out[stage] = append([]model.StageName{}, deps...)
	}
	return out
}

// loadPrior returns the stages of a previous ledger that can be restored:
// completed, with readable artifacts, and with every dependency restorable.
func (o *Orchestrator) loadPrior(runDir string) (string, map[model.StageName]StageOutput) {
	prev, err := runstore.LoadLedger(runDir)
	if err != nil {
		return "", nil
	}
	restored := map[model.StageName]StageOutput{}
	for _, name := range model.StageOrder {
		s, ok := prev.Stage(name)
		if !ok || s.Status != model.StageCompleted {
			continue
		}
		depsOK := true
		for _, dep := range stageDeps[name] {
			if _, ok := restored[dep]; !ok {
				depsOK = false
				break
			}
		}
		if !depsOK {
			continue
		}
		out, err := loadArtifacts(runDir, name)
		if err != nil || out.Validate() != nil {
			o.log.Warn("resume_artifact_unusable", "stage", name, "output_location", runDir, "error", err)
			continue
		}
		restored[name] = out
	}
	return prev.ID, restored
}

func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	select {
	case o.pool <- struct{}{}:
		return func() { <-o.pool }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type runState struct {
	o      *Orchestrator
	ledger *Ledger
	cfg    model.JobConfig
	runDir string
	obs    Observer
	prior  map[model.StageName]StageOutput
	log    *slog.Logger

	// commitMu serializes project, persist and record so the ledger file
	// never runs behind the in-memory ledger.
	commitMu sync.Mutex
}

func (r *runState) execute(ctx context.Context) error {
	var (
		trendOut  TrendOutput
		imagesOut ImagesOutput
		trendOK   bool
		imagesOK  bool
	)

	var g errgroup.Group
	g.Go(func() error {
		var err error
		trendOut, trendOK, err = runStage(ctx, r, model.StageTrendAnalysis, func(ctx context.Context) (TrendOutput, error) {
			videos, err := r.o.collab.Trends.Search(ctx, r.cfg.Keywords(), r.o.maxTrendResults)
			if err != nil {
				return TrendOutput{}, err
			}
			if videos == nil {
				videos = []model.VideoRecord{}
			}
			return TrendOutput{Videos: videos, Analysis: trend.Analyze(videos)}, nil
		})
		return err
	})
	g.Go(func() error {
		var err error
		imagesOut, imagesOK, err = runStage(ctx, r, model.StageModelGeneration, func(ctx context.Context) (ImagesOutput, error) {
			prompt := r.o.prompt
			prompt.Poses = append([]string(nil), prompt.Poses...)
			prompt.Product = r.cfg.TargetProduct()
			images, err := r.o.collab.Images.Generate(ctx, prompt, runstore.StageDir(r.runDir, model.StageModelGeneration))
			return ImagesOutput{Images: images}, err
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if !trendOK || !imagesOK {
		return nil
	}

	contentOut, ok, err := runStage(ctx, r, model.StageContentAnalysis, func(ctx context.Context) (ContentOutput, error) {
		analysis, err := r.o.collab.Content.Analyze(ctx, trendOut.Videos)
		return ContentOutput{Analysis: analysis}, err
	})
	if err != nil || !ok {
		return err
	}

	scriptOut, ok, err := runStage(ctx, r, model.StageScriptGenerate, func(ctx context.Context) (ScriptOutput, error) {
		script, err := r.o.collab.Content.WriteScript(ctx, model.ScriptRequest{
			Keywords:        r.cfg.Keywords(),
			Trends:          trendOut.Analysis,
			Analysis:        contentOut.Analysis,
			TargetProduct:   r.cfg.TargetProduct(),
			DurationSeconds: r.cfg.VideoDurationSeconds(),
		})
		return ScriptOutput{Script: script}, err
	})
	if err != nil || !ok {
		return err
	}

	renderOut, ok, err := runStage(ctx, r, model.StageVideoProduction, func(ctx context.Context) (RenderOutput, error) {
		dir := runstore.StageDir(r.runDir, model.StageVideoProduction)
		if err := runstore.Mkdir(dir); err != nil {
			return RenderOutput{}, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		info, err := r.o.collab.Video.Render(ctx, scriptOut.Script, imagesOut.Images, filepath.Join(dir, runstore.MainVideoFile))
		return RenderOutput{Render: info}, err
	})
	if err != nil || !ok {
		return err
	}

	_, _, err = runStage(ctx, r, model.StageVideoEditing, func(ctx context.Context) (EditOutput, error) {
		dir := runstore.StageDir(r.runDir, model.StageVideoEditing)
		if err := runstore.Mkdir(dir); err != nil {
			return EditOutput{}, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		info, err := r.o.collab.Video.Edit(ctx, []string{renderOut.Render.OutputPath}, scriptOut.Script, filepath.Join(dir, runstore.FinalVideoFile))
		return EditOutput{Edit: info}, err
	})
	return err
}

// runStage dispatches one stage and records its terminal result. ok reports
// whether the stage completed; err is reserved for ledger invariant
// violations.
func runStage[T StageOutput](ctx context.Context, r *runState, stage model.StageName, call func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	if prev, found := r.prior[stage]; found {
		if out, typed := prev.(T); typed {
			meta := out.Metadata(r.runDir)
			meta["resumed"] = true
			recorded, err := r.commit(model.StageResult{
				Stage:       stage,
				Status:      model.StageCompleted,
				Metadata:    meta,
				CompletedAt: r.o.now(),
			})
			if err != nil {
				return zero, false, err
			}
			r.log.Info("stage_resumed", "stage", stage)
			return out, recorded.Status == model.StageCompleted, nil
		}
	}

	if err := ctx.Err(); err != nil {
		r.log.Info("stage_skipped", "stage", stage, "reason", err.Error())
		return zero, false, nil
	}

	recorded, err := r.commit(model.StageResult{
		Stage:        stage,
		Status:       model.StageRunning,
		DispatchedAt: r.o.now(),
	})
	if err != nil || recorded.Status != model.StageRunning {
		return zero, false, err
	}
	r.log.Info("stage_dispatched", "stage", stage)

	out, callErr := callStage(ctx, r, stage, call)
	if callErr == nil {
		if err := out.Validate(); err != nil {
			callErr = err
		}
	}
	if callErr == nil {
		if err := saveArtifacts(r.runDir, out); err != nil {
			callErr = fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	if callErr != nil {
		r.log.Error("stage_failed", "stage", stage, "error", callErr, "kind", provider.KindOf(callErr))
		_, err := r.commit(model.StageResult{
			Stage:       stage,
			Status:      model.StageFailed,
			Error:       callErr.Error(),
			CompletedAt: r.o.now(),
		})
		return zero, false, err
	}

	recorded, err = r.commit(model.StageResult{
		Stage:       stage,
		Status:      model.StageCompleted,
		Metadata:    out.Metadata(r.runDir),
		CompletedAt: r.o.now(),
	})
	if err != nil {
		return zero, false, err
	}
	if recorded.Status != model.StageCompleted {
		return zero, false, nil
	}
	r.log.Info("stage_completed", "stage", stage, "elapsed_ms", recorded.CompletedAt.Sub(recorded.DispatchedAt).Milliseconds())
	return out, true, nil
}

// callStage runs the collaborator inside a pool slot and the stage deadline.
func callStage[T StageOutput](ctx context.Context, r *runState, stage model.StageName, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	release, err := r.o.acquire(ctx)
	if err != nil {
		return zero, provider.CanceledError(err)
	}
	defer release()

	stageCtx := ctx
	if r.o.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, r.o.stageTimeout)
		defer cancel()
	}
	out, err := fn(stageCtx)
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return zero, &provider.Error{
			Kind:    provider.KindCanceled,
			Code:    "STAGE_TIMEOUT",
			Message: fmt.Sprintf("%s timed out after %s", stage, r.o.stageTimeout),
			Err:     err,
		}
	}
	return out, err
}

// commit persists the ledger as it will look with result applied, then
// records result. When the write fails the stage is recorded failed with a
// persistence error instead, so a result never exists only in memory.
func (r *runState) commit(result model.StageResult) (model.StageResult, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	projected, err := r.ledger.Project(result)
	if err != nil {
		return model.StageResult{}, err
	}
	if saveErr := r.o.saveLedger(r.runDir, projected); saveErr != nil {
		r.log.Error("ledger_write_failed", "stage", result.Stage, "status", result.Status, "error", saveErr)
		result = model.StageResult{
			Stage:        result.Stage,
			Status:       model.StageFailed,
			Error:        fmt.Errorf("%w: %v", ErrPersistence, saveErr).Error(),
			DispatchedAt: result.DispatchedAt,
			CompletedAt:  r.o.now(),
		}
		if projected, err = r.ledger.Project(result); err != nil {
			return model.StageResult{}, err
		}
		if retryErr := r.o.saveLedger(r.runDir, projected); retryErr != nil {
			r.log.Error("ledger_write_failed", "stage", result.Stage, "status", result.Status, "error", retryErr)
		}
	}
	if err := r.ledger.Record(result); err != nil {
		return model.StageResult{}, err
	}
	snap := r.ledger.Snapshot()
	recorded, _ := snap.Stage(result.Stage)
	if r.obs != nil {
		r.obs.StageChanged(snap, recorded)
	}
	return recorded, nil
}
