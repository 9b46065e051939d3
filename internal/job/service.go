package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"avm/server/internal/events"
	"avm/server/internal/model"
	"avm/server/internal/pipeline"
	"avm/server/internal/store"

	"github.com/google/uuid"
)

var (
	ErrTooManyRunningRuns = errors.New("too many running runs for user")
	ErrInvalidRunState    = errors.New("invalid run state")
)

// RunIndex mirrors run ledgers into a queryable index. It is optional.
type RunIndex interface {
	Upsert(ctx context.Context, run model.PipelineRun) error
}

// RunRequest is a run submission as received from a caller. An empty
// OutputLocation gets a fresh directory under the service output root.
type RunRequest struct {
	Keywords             []string `json:"keywords"`
	TargetProduct        string   `json:"target_product"`
	VideoDurationSeconds int      `json:"video_duration_seconds"`
	OutputLocation       string   `json:"output_location,omitempty"`
}

type Options struct {
	OutputRoot    string
	MaxConcurrent int
	MaxUserRuns   int
	BatchLimit    int
	// Resumer executes runs that restore completed stages from disk.
	Resumer pipeline.Runner
	Index   RunIndex
}

type Service struct {
	store   *store.MemoryStore
	hub     *events.Hub
	runner  pipeline.Runner
	resumer pipeline.Runner
	index   RunIndex
	log     *slog.Logger

	outputRoot  string
	maxUserRuns int
	batchLimit  int

	globalSem chan struct{}

	mu            sync.Mutex
	runningByUser map[string]int
	released      chan struct{}
	cancels       map[string]context.CancelFunc
	wg            sync.WaitGroup
}

func NewService(st *store.MemoryStore, hub *events.Hub, runner pipeline.Runner, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 20
	}
	if opts.MaxUserRuns < 1 {
		opts.MaxUserRuns = 2
	}
	if opts.OutputRoot == "" {
		opts.OutputRoot = "output"
	}
	return &Service{
		store:         st,
		hub:           hub,
		runner:        runner,
		resumer:       opts.Resumer,
		index:         opts.Index,
		log:           logger,
		outputRoot:    opts.OutputRoot,
		maxUserRuns:   opts.MaxUserRuns,
		batchLimit:    opts.BatchLimit,
		globalSem:     make(chan struct{}, opts.MaxConcurrent),
		runningByUser: map[string]int{},
		released:      make(chan struct{}),
		cancels:       map[string]context.CancelFunc{},
	}
}

func (s *Service) config(req RunRequest, now time.Time) (model.JobConfig, error) {
	loc := strings.TrimSpace(req.OutputLocation)
	if loc == "" {
		loc = model.UniqueOutputLocation(s.outputRoot, now)
	}
	return model.NewJobConfig(req.Keywords, req.TargetProduct, req.VideoDurationSeconds, loc)
}

// StartRun validates req, records the run and executes it in the background.
// A repeated idempotency key returns the original run.
func (s *Service) StartRun(ctx context.Context, userID, traceID, idempotencyKey string, req RunRequest) (model.RunRecord, error) {
	if existing, ok := s.store.GetRunByIdempotency(userID, idempotencyKey); ok {
		return existing, nil
	}
	now := time.Now().UTC()
	cfg, err := s.config(req, now)
	if err != nil {
		return model.RunRecord{}, err
	}
	if err := s.reserve(userID, 1); err != nil {
		return model.RunRecord{}, err
	}

	rec := newRecord(userID, traceID, "", cfg, now)
	rec.IdempotencyKey = idempotencyKey
	created, isNew, err := s.store.CreateRun(rec, idempotencyKey)
	if err != nil || !isNew {
		s.release(userID, 1)
		return created, err
	}
	s.publishEvent(created, model.EventRunCreated, map[string]any{
		"status":          created.Status,
		"output_location": cfg.OutputLocation(),
	})
	s.syncIndex(ctx, created)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.track(created.ID, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(userID, 1)
		s.execute(runCtx, s.runner, created.ID, cfg)
	}()
	return created, nil
}

// ResumeRun re-executes a failed or canceled run in its original location,
// keeping completed stages whose artifacts are still on disk.
func (s *Service) ResumeRun(ctx context.Context, userID, runID, traceID string) (model.RunRecord, error) {
	rec, err := s.store.GetRun(runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if rec.UserID != userID {
		return model.RunRecord{}, store.ErrForbidden
	}
	if s.resumer == nil || (rec.Status != model.RunFailed && rec.Status != model.RunCanceled) {
		return model.RunRecord{}, ErrInvalidRunState
	}
	if err := s.reserve(userID, 1); err != nil {
		return model.RunRecord{}, err
	}
	// The state check is repeated under the store lock so that only one of
	// two concurrent resumes claims the run.
	var stateErr error
	rec, err = s.store.UpdateRun(runID, func(r *model.RunRecord) {
		if r.Status != model.RunFailed && r.Status != model.RunCanceled {
			stateErr = ErrInvalidRunState
			return
		}
		r.Status = model.RunPending
		r.CancelRequested = false
		r.ErrorMessage = ""
		r.TraceID = traceID
		r.EndedAt = time.Time{}
	})
	if err == nil {
		err = stateErr
	}
	if err != nil {
		s.release(userID, 1)
		return model.RunRecord{}, err
	}
	cfg := rec.Run.Config
	s.publishEvent(rec, model.EventRunCreated, map[string]any{"status": "resume_queued"})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.track(runID, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(userID, 1)
		s.execute(runCtx, s.resumer, runID, cfg)
	}()
	return rec, nil
}

// StartBatch records one run per request and executes them concurrently.
// Every request is validated before anything is created. Members count
// against the owner's running runs and the global limit while they execute.
func (s *Service) StartBatch(ctx context.Context, userID, traceID string, reqs []RunRequest) (model.BatchRecord, error) {
	if len(reqs) == 0 {
		return model.BatchRecord{}, &model.ConfigError{Field: "runs", Reason: "must not be empty"}
	}
	now := time.Now().UTC()
	configs := make([]model.JobConfig, len(reqs))
	for i, req := range reqs {
		cfg, err := s.config(req, now)
		if err != nil {
			return model.BatchRecord{}, fmt.Errorf("runs[%d]: %w", i, err)
		}
		configs[i] = cfg
	}

	batch := model.BatchRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    model.RunRunning,
		TraceID:   traceID,
		CreatedAt: now,
	}
	items := make([]pipeline.BatchItem, len(configs))
	for i, cfg := range configs {
		rec := newRecord(userID, traceID, batch.ID, cfg, now)
		if _, _, err := s.store.CreateRun(rec, ""); err != nil {
			return model.BatchRecord{}, err
		}
		batch.RunIDs = append(batch.RunIDs, rec.ID)
		s.publishEvent(rec, model.EventRunCreated, map[string]any{"status": rec.Status, "batch_id": batch.ID})
		items[i] = pipeline.BatchItem{RunID: rec.ID, Config: cfg, Observer: s.observer(rec.ID)}
	}
	batch, err := s.store.CreateBatch(batch)
	if err != nil {
		return model.BatchRecord{}, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, id := range batch.RunIDs {
		s.track(id, cancel)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		runner := &batchMember{svc: s, userID: userID, inner: s.runner}
		result := pipeline.NewBatch(runner, s.batchLimit, s.log).RunItems(runCtx, batch.ID, items)
		canceled := runCtx.Err() != nil
		for _, entry := range result.Runs {
			id := batch.RunIDs[entry.Index]
			s.untrack(id)
			status := entry.Status
			if entry.Run == nil && canceled {
				// Canceled while waiting for a run slot.
				status = model.RunCanceled
			}
			s.finish(id, entry.Run, status, entry.Error)
		}
		status := model.RunCompleted
		if _, failed := result.Counts(); failed > 0 {
			status = model.RunFailed
		}
		if _, err := s.store.UpdateBatch(batch.ID, func(b *model.BatchRecord) {
			b.Status = status
			b.Result = &result
			b.EndedAt = result.CompletedAt
		}); err != nil {
			s.log.Error("batch_update_failed", "batch_id", batch.ID, "error", err)
		}
	}()
	return batch, nil
}

func (s *Service) GetRun(runID string) (model.RunRecord, error) {
	return s.store.GetRun(runID)
}

func (s *Service) ListRuns(userID string, page, pageSize int) ([]model.RunRecord, int) {
	return s.store.ListRuns(userID, page, pageSize)
}

func (s *Service) GetBatch(batchID string) (model.BatchRecord, error) {
	return s.store.GetBatch(batchID)
}

func (s *Service) ListEventsFrom(runID string, fromSeq int64) ([]model.RunEvent, error) {
	return s.store.ListRunEventsFromSeq(runID, fromSeq)
}

// CancelRun asks an in-flight run to stop. Stages already dispatched finish
// or fail on their own; undispatched stages stay pending.
func (s *Service) CancelRun(userID, runID string) (model.RunRecord, error) {
	rec, err := s.store.GetRun(runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if rec.UserID != userID {
		return model.RunRecord{}, store.ErrForbidden
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	if rec.BatchID != "" {
		// Batch members share one context; see CancelBatch.
		return model.RunRecord{}, ErrInvalidRunState
	}
	rec, err = s.store.UpdateRun(runID, func(r *model.RunRecord) { r.CancelRequested = true })
	if err != nil {
		return model.RunRecord{}, err
	}
	s.mu.Lock()
	cancel := s.cancels[runID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.publishEvent(rec, model.EventRunCanceled, map[string]any{
		"status":           rec.Status,
		"cancel_requested": true,
	})
	return rec, nil
}

// CancelBatch stops every unfinished run of a batch.
func (s *Service) CancelBatch(userID, batchID string) (model.BatchRecord, error) {
	b, err := s.store.GetBatch(batchID)
	if err != nil {
		return model.BatchRecord{}, err
	}
	if b.UserID != userID {
		return model.BatchRecord{}, store.ErrForbidden
	}
	if b.Status.Terminal() {
		return b, nil
	}
	var cancel context.CancelFunc
	for _, id := range b.RunIDs {
		rec, err := s.store.UpdateRun(id, func(r *model.RunRecord) {
			if !r.Status.Terminal() {
				r.CancelRequested = true
			}
		})
		if err != nil {
			continue
		}
		if rec.CancelRequested {
			s.publishEvent(rec, model.EventRunCanceled, map[string]any{"status": rec.Status, "cancel_requested": true})
		}
		s.mu.Lock()
		if c := s.cancels[id]; c != nil {
			cancel = c
		}
		s.mu.Unlock()
	}
	if cancel != nil {
		cancel()
	}
	return b, nil
}

// Wait blocks until every background run started by the service returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) execute(ctx context.Context, runner pipeline.Runner, runID string, cfg model.JobConfig) {
	defer s.untrack(runID)
	select {
	case s.globalSem <- struct{}{}:
		defer func() { <-s.globalSem }()
	case <-ctx.Done():
	}
	if _, err := s.store.UpdateRun(runID, func(r *model.RunRecord) { r.Status = model.RunRunning }); err != nil {
		return
	}

	run, err := runner.Execute(ctx, runID, cfg, s.observer(runID))
	status := run.Status
	msg := ""
	switch {
	case err != nil:
		status = model.RunFailed
		msg = err.Error()
	case !status.Terminal():
		status = model.RunCanceled
		msg = "canceled before completion"
	}
	if failed, ok := run.FailedStage(); ok {
		msg = fmt.Sprintf("%s: %s", failed.Stage, failed.Error)
	}
	var runPtr *model.PipelineRun
	if run.ID != "" {
		runPtr = &run
	}
	s.finish(runID, runPtr, status, msg)
}

func (s *Service) finish(runID string, run *model.PipelineRun, status model.RunStatus, msg string) {
	rec, err := s.store.UpdateRun(runID, func(r *model.RunRecord) {
		if run != nil {
			r.Run = *run
		}
		if r.CancelRequested && status != model.RunCompleted && status != model.RunFailed {
			status = model.RunCanceled
		}
		r.Status = status
		r.ErrorMessage = msg
		r.EndedAt = time.Now().UTC()
	})
	if err != nil {
		s.log.Error("run_update_failed", "run_id", runID, "error", err)
		return
	}
	s.syncIndex(context.Background(), rec)

	switch rec.Status {
	case model.RunCompleted:
		s.publishEvent(rec, model.EventRunCompleted, map[string]any{"status": rec.Status})
	case model.RunCanceled:
		s.publishEvent(rec, model.EventRunCanceled, map[string]any{"status": rec.Status})
	default:
		s.publishEvent(rec, model.EventRunFailed, map[string]any{
			"status":        rec.Status,
			"error_message": rec.ErrorMessage,
		})
	}
	s.hub.Close(runID)
}

// observer turns ledger transitions into run events.
func (s *Service) observer(runID string) pipeline.Observer {
	return pipeline.ObserverFunc(func(run model.PipelineRun, stage model.StageResult) {
		rec, err := s.store.UpdateRun(runID, func(r *model.RunRecord) {
			r.Run = run
			if !r.Status.Terminal() {
				r.Status = model.RunRunning
			}
		})
		if err != nil {
			return
		}
		payload := map[string]any{
			"stage":  stage.Stage,
			"status": stage.Status,
		}
		evtType := model.EventStageStarted
		switch stage.Status {
		case model.StageCompleted:
			evtType = model.EventStageCompleted
			payload["metadata"] = stage.Metadata
		case model.StageFailed:
			evtType = model.EventStageFailed
			payload["error"] = stage.Error
		}
		s.publishEvent(rec, evtType, payload)
	})
}

func (s *Service) reserve(userID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningByUser[userID]+n > s.maxUserRuns {
		return ErrTooManyRunningRuns
	}
	s.runningByUser[userID] += n
	return nil
}

// reserveWait blocks until the user has a free run slot or ctx is done.
func (s *Service) reserveWait(ctx context.Context, userID string) error {
	for {
		s.mu.Lock()
		if s.runningByUser[userID] < s.maxUserRuns {
			s.runningByUser[userID]++
			s.mu.Unlock()
			return nil
		}
		released := s.released
		s.mu.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) release(userID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningByUser[userID] -= n
	if s.runningByUser[userID] <= 0 {
		delete(s.runningByUser, userID)
	}
	close(s.released)
	s.released = make(chan struct{})
}

// batchMember runs one batch entry under the same limits as a single run:
// a slot of the owner's running runs and a slot of the global semaphore.
// Members wait for both instead of being rejected.
type batchMember struct {
	svc    *Service
	userID string
	inner  pipeline.Runner
}

func (b *batchMember) Execute(ctx context.Context, runID string, cfg model.JobConfig, obs pipeline.Observer) (model.PipelineRun, error) {
	if err := b.svc.reserveWait(ctx, b.userID); err != nil {
		return model.PipelineRun{}, err
	}
	defer b.svc.release(b.userID, 1)
	select {
	case b.svc.globalSem <- struct{}{}:
		defer func() { <-b.svc.globalSem }()
	case <-ctx.Done():
		return model.PipelineRun{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return model.PipelineRun{}, err
	}
	if _, err := b.svc.store.UpdateRun(runID, func(r *model.RunRecord) { r.Status = model.RunRunning }); err != nil {
		return model.PipelineRun{}, err
	}
	return b.inner.Execute(ctx, runID, cfg, obs)
}

func (s *Service) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	cancel := s.cancels[runID]
	delete(s.cancels, runID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) syncIndex(ctx context.Context, rec model.RunRecord) {
	if s.index == nil {
		return
	}
	if err := s.index.Upsert(ctx, rec.Run); err != nil {
		s.log.Warn("run_index_upsert_failed", "run_id", rec.ID, "error", err)
	}
}

func (s *Service) publishEvent(rec model.RunRecord, eventType model.RunEventType, payload map[string]any) {
	evt, err := s.store.AppendRunEvent(rec.ID, model.RunEvent{
		TraceID: rec.TraceID,
		RunID:   rec.ID,
		BatchID: rec.BatchID,
		Type:    eventType,
		TS:      time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		s.log.Error("append event failed", "run_id", rec.ID, "error", err)
		return
	}
	s.hub.Publish(rec.ID, evt)
}

func newRecord(userID, traceID, batchID string, cfg model.JobConfig, now time.Time) model.RunRecord {
	id := uuid.NewString()
	return model.RunRecord{
		ID:        id,
		UserID:    userID,
		BatchID:   batchID,
		Status:    model.RunPending,
		TraceID:   traceID,
		Run:       model.PipelineRun{ID: id, Config: cfg, StartedAt: now, Status: model.RunPending},
		CreatedAt: now,
	}
}
