package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchIsolatesFailures(t *testing.T) {
	c := newCounting()
	c.searchHook = func(_ context.Context, keywords []string) error {
		if keywords[0] == "boom" {
			return provider.NetworkError("DOWN", "trend search unavailable", nil)
		}
		return nil
	}
	o := newOrchestrator(t, c)
	root := t.TempDir()
	configs := []model.JobConfig{
		jobConfig(t, root+"/one", "first"),
		jobConfig(t, root+"/two", "boom"),
		jobConfig(t, root+"/three", "third"),
	}

	out := NewBatch(o, 3, quietLogger()).Run(context.Background(), configs)
	require.Len(t, out.Runs, 3)
	assert.NotEmpty(t, out.ID)

	for i, want := range []model.RunStatus{model.RunCompleted, model.RunFailed, model.RunCompleted} {
		entry := out.Runs[i]
		assert.Equal(t, i, entry.Index)
		assert.Equal(t, want, entry.Status, "entry %d", i)
		require.NotNil(t, entry.Run)
		assert.Equal(t, configs[i].OutputLocation(), entry.Run.Config.OutputLocation())
	}
	for _, i := range []int{0, 2} {
		for _, s := range out.Runs[i].Run.Stages {
			assert.Equal(t, model.StageCompleted, s.Status)
		}
	}
	assert.Contains(t, out.Runs[1].Error, "trend_analysis: trend search unavailable")

	completed, failed := out.Counts()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, failed)
}

type fakeRunner struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	panicAt  string
}

func (f *fakeRunner) Execute(ctx context.Context, runID string, cfg model.JobConfig, _ Observer) (model.PipelineRun, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if cfg.Keywords()[0] == f.panicAt {
		panic("collaborator exploded")
	}
	time.Sleep(15 * time.Millisecond)
	l := NewLedger(runID, cfg, time.Now().UTC())
	for _, name := range model.StageOrder {
		if err := l.Record(model.StageResult{Stage: name, Status: model.StageCompleted}); err != nil {
			return model.PipelineRun{}, err
		}
	}
	return l.Finish(time.Now().UTC()), nil
}

func TestBatchRecoversPanicsAndKeepsOrder(t *testing.T) {
	runner := &fakeRunner{panicAt: "k1"}
	configs := make([]model.JobConfig, 0, 4)
	for i := 0; i < 4; i++ {
		configs = append(configs, jobConfig(t, t.TempDir(), fmt.Sprintf("k%d", i)))
	}

	out := NewBatch(runner, 2, quietLogger()).Run(context.Background(), configs)
	require.Len(t, out.Runs, 4)
	assert.Equal(t, model.RunFailed, out.Runs[1].Status)
	assert.Contains(t, out.Runs[1].Error, "collaborator exploded")
	assert.Nil(t, out.Runs[1].Run)
	for _, i := range []int{0, 2, 3} {
		assert.Equal(t, model.RunCompleted, out.Runs[i].Status)
		assert.Equal(t, []string{fmt.Sprintf("k%d", i)}, out.Runs[i].Run.Config.Keywords())
	}
}

func TestBatchRespectsLimit(t *testing.T) {
	runner := &fakeRunner{}
	configs := make([]model.JobConfig, 0, 6)
	for i := 0; i < 6; i++ {
		configs = append(configs, jobConfig(t, t.TempDir(), fmt.Sprintf("k%d", i)))
	}

	b := NewBatch(runner, 2, quietLogger())
	out := b.Run(context.Background(), configs)
	assert.Len(t, out.Runs, 6)
	assert.LessOrEqual(t, runner.peak, 2)
	assert.Equal(t, 2, b.Limit())
}

func TestBatchDefaultLimit(t *testing.T) {
	b := NewBatch(&fakeRunner{}, 0, nil)
	assert.GreaterOrEqual(t, b.Limit(), 1)
}

func TestBatchEmpty(t *testing.T) {
	out := NewBatch(&fakeRunner{}, 2, quietLogger()).Run(context.Background(), nil)
	assert.Empty(t, out.Runs)
	assert.False(t, out.CompletedAt.IsZero())
}
