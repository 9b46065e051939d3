package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/provider"
	"avm/server/internal/runstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCompletesAllStages(t *testing.T) {
	c := newCounting()
	o := newOrchestrator(t, c)
	cfg := jobConfig(t, t.TempDir())

	run, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	require.Len(t, run.Stages, 6)
	for i, s := range run.Stages {
		assert.Equal(t, model.StageOrder[i], s.Stage)
		assert.Equal(t, model.StageCompleted, s.Status, s.Stage)
		assert.Empty(t, s.Error)
	}
	assert.False(t, run.CompletedAt.IsZero())

	trendStage, _ := run.Stage(model.StageTrendAnalysis)
	assert.Equal(t, 50, trendStage.Metadata["videos_found"])
	images, _ := run.Stage(model.StageModelGeneration)
	assert.Equal(t, 3, images.Metadata["images_generated"])
	script, _ := run.Stage(model.StageScriptGenerate)
	assert.Equal(t, 4, script.Metadata["sections"])
	editing, _ := run.Stage(model.StageVideoEditing)
	assert.Equal(t, 3, editing.Metadata["short_clips_created"])

	persisted, err := runstore.LoadLedger(cfg.OutputLocation())
	require.NoError(t, err)
	assert.Equal(t, run.ID, persisted.ID)
	assert.Equal(t, model.RunCompleted, persisted.Status)
	assert.Equal(t, stageStatuses(run), stageStatuses(persisted))

	for _, rel := range []string{
		"trend_analysis/videos.json",
		"trend_analysis/analysis.json",
		"model_images/manifest.json",
		"content_analysis/analysis.json",
		"scripts/script.json",
		"production/render.json",
		"editing/edit.json",
	} {
		_, err := os.Stat(filepath.Join(cfg.OutputLocation(), rel))
		assert.NoError(t, err, rel)
	}
	_, err = os.Stat(filepath.Join(cfg.OutputLocation(), ".run.lock"))
	assert.True(t, os.IsNotExist(err), "lock is released")
}

func TestContentAnalysisFailureStopsDependents(t *testing.T) {
	c := newCounting().on("analyze", func(context.Context) error {
		return provider.ServiceError("quota exceeded")
	})
	o := newOrchestrator(t, c)
	cfg := jobConfig(t, t.TempDir())

	run, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, map[model.StageName]model.StageStatus{
		model.StageTrendAnalysis:   model.StageCompleted,
		model.StageModelGeneration: model.StageCompleted,
		model.StageContentAnalysis: model.StageFailed,
		model.StageScriptGenerate:  model.StagePending,
		model.StageVideoProduction: model.StagePending,
		model.StageVideoEditing:    model.StagePending,
	}, stageStatuses(run))

	failed, ok := run.FailedStage()
	require.True(t, ok)
	assert.Equal(t, "quota exceeded", failed.Error)
	assert.Zero(t, c.count("script"))
	assert.Zero(t, c.count("render"))

	persisted, err := runstore.LoadLedger(cfg.OutputLocation())
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, persisted.Status)
	assert.Equal(t, stageStatuses(run), stageStatuses(persisted))
}

func TestInvalidConfigHasNoSideEffects(t *testing.T) {
	c := newCounting()
	o := newOrchestrator(t, c)

	_, err := model.NewJobConfig(nil, "x", 60, t.TempDir())
	require.ErrorIs(t, err, model.ErrConfig)

	_, err = o.Run(context.Background(), model.JobConfig{})
	require.ErrorIs(t, err, model.ErrConfig)
	var cfgErr *model.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "keywords", cfgErr.Field)
	assert.Zero(t, c.total())
}

func TestDependentsWaitForBothBranches(t *testing.T) {
	c := newCounting().
		on("search", sleepHook(30*time.Millisecond)).
		on("generate", sleepHook(80*time.Millisecond))
	o := newOrchestrator(t, c)

	run, err := o.Run(context.Background(), jobConfig(t, t.TempDir()))
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.Status)

	a, _ := run.Stage(model.StageTrendAnalysis)
	b, _ := run.Stage(model.StageModelGeneration)
	cs, _ := run.Stage(model.StageContentAnalysis)
	d, _ := run.Stage(model.StageScriptGenerate)
	e, _ := run.Stage(model.StageVideoProduction)
	f, _ := run.Stage(model.StageVideoEditing)

	assert.False(t, cs.DispatchedAt.Before(a.CompletedAt))
	assert.False(t, cs.DispatchedAt.Before(b.CompletedAt))
	assert.False(t, d.DispatchedAt.Before(cs.CompletedAt))
	assert.False(t, e.DispatchedAt.Before(d.CompletedAt))
	assert.False(t, e.DispatchedAt.Before(b.CompletedAt))
	assert.False(t, f.DispatchedAt.Before(e.CompletedAt))
	assert.True(t, b.DispatchedAt.Before(a.CompletedAt), "A and B run concurrently")
}

func TestSiblingFinishesWhenOtherBranchFails(t *testing.T) {
	c := newCounting().
		on("search", func(context.Context) error { return provider.NetworkError("DOWN", "trend search unavailable", nil) }).
		on("generate", sleepHook(40*time.Millisecond))
	o := newOrchestrator(t, c)

	run, err := o.Run(context.Background(), jobConfig(t, t.TempDir()))
	require.NoError(t, err)
	statuses := stageStatuses(run)
	assert.Equal(t, model.StageFailed, statuses[model.StageTrendAnalysis])
	assert.Equal(t, model.StageCompleted, statuses[model.StageModelGeneration])
	assert.Equal(t, model.StagePending, statuses[model.StageContentAnalysis])
	assert.Equal(t, model.RunFailed, run.Status)
}

func TestStageTimeoutFailsStage(t *testing.T) {
	c := newCounting().on("search", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	o := newOrchestrator(t, c, WithStageTimeout(20*time.Millisecond))

	run, err := o.Run(context.Background(), jobConfig(t, t.TempDir()))
	require.NoError(t, err)
	a, _ := run.Stage(model.StageTrendAnalysis)
	assert.Equal(t, model.StageFailed, a.Status)
	assert.Contains(t, a.Error, "timed out")
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, model.StagePending, stageStatuses(run)[model.StageContentAnalysis])
}

func TestCanceledContextLeavesStagesPending(t *testing.T) {
	c := newCounting()
	o := newOrchestrator(t, c)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := o.Run(ctx, jobConfig(t, t.TempDir()))
	require.NoError(t, err)
	for _, s := range run.Stages {
		assert.Equal(t, model.StagePending, s.Status)
	}
	assert.Equal(t, model.RunPending, run.Status)
	assert.Zero(t, c.total())
}

func TestPersistenceFailureFailsStage(t *testing.T) {
	c := newCounting()
	writer := func(dir string, run model.PipelineRun) error {
		if s, _ := run.Stage(model.StageContentAnalysis); s.Status == model.StageCompleted {
			return errors.New("disk full")
		}
		return runstore.SaveLedger(dir, run)
	}
	o := newOrchestrator(t, c, withLedgerWriter(writer))
	cfg := jobConfig(t, t.TempDir())

	run, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)
	cs, _ := run.Stage(model.StageContentAnalysis)
	assert.Equal(t, model.StageFailed, cs.Status)
	assert.Contains(t, cs.Error, "persistence failure")
	assert.Contains(t, cs.Error, "disk full")
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Zero(t, c.count("script"))

	persisted, err := runstore.LoadLedger(cfg.OutputLocation())
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, persisted.Status)
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	dir := t.TempDir()
	cfg := jobConfig(t, dir)

	first := newCounting().on("script", func(context.Context) error {
		return provider.ServiceError("model overloaded")
	})
	run, err := newOrchestrator(t, first).Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, run.Status)

	second := newCounting()
	resumed, err := newOrchestrator(t, second, WithResume(true)).Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, resumed.Status)
	assert.Equal(t, run.ID, resumed.ID)

	assert.Zero(t, second.count("search"))
	assert.Zero(t, second.count("generate"))
	assert.Zero(t, second.count("analyze"))
	assert.Equal(t, 1, second.count("script"))
	assert.Equal(t, 1, second.count("edit"))

	a, _ := resumed.Stage(model.StageTrendAnalysis)
	assert.Equal(t, true, a.Metadata["resumed"])
	d, _ := resumed.Stage(model.StageScriptGenerate)
	assert.Nil(t, d.Metadata["resumed"])
}

func TestLockedOutputLocationIsRejected(t *testing.T) {
	c := newCounting()
	o := newOrchestrator(t, c)
	cfg := jobConfig(t, t.TempDir())
	require.NoError(t, runstore.Mkdir(cfg.OutputLocation()))
	lock, err := runstore.AcquireRunLock(cfg.OutputLocation(), "other")
	require.NoError(t, err)
	defer lock.Release()

	_, err = o.Run(context.Background(), cfg)
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, runstore.ErrRunLocked)
	assert.Zero(t, c.total())
}

func TestObserverSeesEveryTransition(t *testing.T) {
	c := newCounting()
	o := newOrchestrator(t, c)

	var mu sync.Mutex
	var seen []model.StageResult
	obs := ObserverFunc(func(run model.PipelineRun, stage model.StageResult) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, stage)
		assert.Len(t, run.Stages, 6)
	})

	_, err := o.Execute(context.Background(), "run-obs", jobConfig(t, t.TempDir()), obs)
	require.NoError(t, err)
	require.Len(t, seen, 12)
	assert.Equal(t, model.StageVideoEditing, seen[11].Stage)
	assert.Equal(t, model.StageCompleted, seen[11].Status)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Collaborators{})
	require.ErrorIs(t, err, model.ErrConfig)
}

func TestWorkerPoolBoundsCalls(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	track := func(ctx context.Context) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	c := newCounting().on("search", track).on("generate", track)
	o := newOrchestrator(t, c, WithWorkers(1))

	run, err := o.Run(context.Background(), jobConfig(t, t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, 1, peak)
}

func TestDependenciesFollowScheduleOrder(t *testing.T) {
	deps := Dependencies()
	require.Len(t, deps, len(model.StageOrder))
	pos := map[model.StageName]int{}
	for i, s := range model.StageOrder {
		pos[s] = i
	}
	for stage, ds := range deps {
		for _, d := range ds {
			assert.Less(t, pos[d], pos[stage], "%s depends on later stage %s", stage, d)
		}
	}
	assert.Empty(t, deps[model.StageTrendAnalysis])
	assert.Empty(t, deps[model.StageModelGeneration])
	assert.ElementsMatch(t, []model.StageName{model.StageScriptGenerate, model.StageModelGeneration}, deps[model.StageVideoProduction])

	deps[model.StageVideoEditing][0] = model.StageTrendAnalysis
	assert.Equal(t, model.StageVideoProduction, Dependencies()[model.StageVideoEditing][0])
}
