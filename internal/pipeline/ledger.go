package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"avm/server/internal/model"
)

var (
	// ErrDuplicateStage means a stage was recorded again after it already
	// reached a terminal status, or was dispatched twice.
	ErrDuplicateStage = errors.New("duplicate stage result")
	ErrUnknownStage   = errors.New("unknown stage")
)

// Ledger accumulates stage results for one run. It is safe for concurrent
// use.
type Ledger struct {
	mu    sync.RWMutex
	run   model.PipelineRun
	index map[model.StageName]int
}

func NewLedger(runID string, cfg model.JobConfig, startedAt time.Time) *Ledger {
	l := &Ledger{
		run: model.PipelineRun{
			ID:        runID,
			Config:    cfg,
			StartedAt: startedAt,
			Stages:    make([]model.StageResult, 0, len(model.StageOrder)),
			Status:    model.RunPending,
		},
		index: make(map[model.StageName]int, len(model.StageOrder)),
	}
	for i, name := range model.StageOrder {
		l.run.Stages = append(l.run.Stages, model.StageResult{Stage: name, Status: model.StagePending})
		l.index[name] = i
	}
	return l
}

// Record applies result to its stage. The first record of any stage always
// succeeds; once a stage is terminal further records fail with
// ErrDuplicateStage.
func (l *Ledger) Record(result model.StageResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(&l.run, result)
}

// Project returns the run as it would look after recording result, without
// changing the ledger.
func (l *Ledger) Project(result model.StageResult) (model.PipelineRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	projected := cloneRun(l.run)
	if err := l.apply(&projected, result); err != nil {
		return model.PipelineRun{}, err
	}
	return projected, nil
}

func (l *Ledger) apply(run *model.PipelineRun, result model.StageResult) error {
	i, ok := l.index[result.Stage]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, result.Stage)
	}
	if !model.IsKnownStageStatus(result.Status) {
		return fmt.Errorf("unknown stage status %q for %s", result.Status, result.Stage)
	}
	current := run.Stages[i]
	if current.Status.Terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrDuplicateStage, result.Stage, current.Status)
	}
	if current.Status == model.StageRunning && result.Status == model.StageRunning {
		return fmt.Errorf("%w: %s is already running", ErrDuplicateStage, result.Stage)
	}
	if err := model.TransitionStage(&current, result.Status); err != nil {
		return err
	}

	if result.Status == model.StageFailed && result.Error == "" {
		result.Error = "stage failed"
	}
	if result.Status != model.StageFailed {
		result.Error = ""
	}
	if result.DispatchedAt.IsZero() {
		result.DispatchedAt = current.DispatchedAt
	}
	result.Metadata = cloneMetadata(result.Metadata)
	run.Stages[i] = result
	run.Status = model.DeriveRunStatus(run.Stages)
	return nil
}

func (l *Ledger) Snapshot() model.PipelineRun {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneRun(l.run)
}

// IsComplete reports whether every stage has a terminal status.
func (l *Ledger) IsComplete() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.run.Stages {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

func (l *Ledger) Status(stage model.StageName) (model.StageStatus, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[stage]
	if !ok {
		return "", false
	}
	return l.run.Stages[i].Status, true
}

// Finish stamps the completion time and returns the final snapshot.
func (l *Ledger) Finish(at time.Time) model.PipelineRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.CompletedAt = at
	l.run.Status = model.DeriveRunStatus(l.run.Stages)
	return cloneRun(l.run)
}

func cloneRun(run model.PipelineRun) model.PipelineRun {
	out := run
	out.Stages = make([]model.StageResult, len(run.Stages))
	for i, s := range run.Stages {
		s.Metadata = cloneMetadata(s.Metadata)
		out.Stages[i] = s
	}
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if ss, ok := v.([]string); ok {
			v = append([]string(nil), ss...)
		}
		out[k] = v
	}
	return out
}
