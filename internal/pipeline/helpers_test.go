package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/provider"

	"github.com/stretchr/testify/require"
)

// counting wraps the deterministic mock collaborators, counts every call and
// lets a test hook any of them.
type counting struct {
	*provider.Mock

	mu         sync.Mutex
	calls      map[string]int
	hooks      map[string]func(ctx context.Context) error
	searchHook func(ctx context.Context, keywords []string) error
}

func newCounting() *counting {
	return &counting{
		Mock:  provider.NewMock(provider.MockOptions{}),
		calls: map[string]int{},
		hooks: map[string]func(ctx context.Context) error{},
	}
}

func (c *counting) on(name string, fn func(ctx context.Context) error) *counting {
	c.hooks[name] = fn
	return c
}

func (c *counting) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *counting) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *counting) hit(ctx context.Context, name string) error {
	c.mu.Lock()
	c.calls[name]++
	hook := c.hooks[name]
	c.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return nil
}

func (c *counting) Search(ctx context.Context, keywords []string, max int) ([]model.VideoRecord, error) {
	if err := c.hit(ctx, "search"); err != nil {
		return nil, err
	}
	if c.searchHook != nil {
		if err := c.searchHook(ctx, keywords); err != nil {
			return nil, err
		}
	}
	return c.Mock.Search(ctx, keywords, max)
}

func (c *counting) Generate(ctx context.Context, p model.PromptConfig, dir string) ([]model.ImageRef, error) {
	if err := c.hit(ctx, "generate"); err != nil {
		return nil, err
	}
	return c.Mock.Generate(ctx, p, dir)
}

func (c *counting) Analyze(ctx context.Context, videos []model.VideoRecord) (model.AnalysisResult, error) {
	if err := c.hit(ctx, "analyze"); err != nil {
		return model.AnalysisResult{}, err
	}
	return c.Mock.Analyze(ctx, videos)
}

func (c *counting) WriteScript(ctx context.Context, req model.ScriptRequest) (model.ScriptDocument, error) {
	if err := c.hit(ctx, "script"); err != nil {
		return model.ScriptDocument{}, err
	}
	return c.Mock.WriteScript(ctx, req)
}

func (c *counting) Render(ctx context.Context, s model.ScriptDocument, images []model.ImageRef, out string) (model.RenderInfo, error) {
	if err := c.hit(ctx, "render"); err != nil {
		return model.RenderInfo{}, err
	}
	return c.Mock.Render(ctx, s, images, out)
}

func (c *counting) Edit(ctx context.Context, paths []string, s model.ScriptDocument, out string) (model.EditInfo, error) {
	if err := c.hit(ctx, "edit"); err != nil {
		return model.EditInfo{}, err
	}
	return c.Mock.Edit(ctx, paths, s, out)
}

func (c *counting) collaborators() Collaborators {
	return Collaborators{Trends: c, Images: c, Content: c, Video: c}
}

func sleepHook(d time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrchestrator(t *testing.T, c *counting, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithWorkers(4)}, opts...)
	o, err := New(c.collaborators(), opts...)
	require.NoError(t, err)
	return o
}

func jobConfig(t *testing.T, dir string, keywords ...string) model.JobConfig {
	t.Helper()
	if len(keywords) == 0 {
		keywords = []string{"a", "b"}
	}
	cfg, err := model.NewJobConfig(keywords, "Widget", 60, filepath.Join(dir, "run"))
	require.NoError(t, err)
	return cfg
}

func stageStatuses(run model.PipelineRun) map[model.StageName]model.StageStatus {
	out := map[model.StageName]model.StageStatus{}
	for _, s := range run.Stages {
		out[s.Stage] = s.Status
	}
	return out
}
