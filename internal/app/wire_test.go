package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"avm/server/internal/config"
	"avm/server/internal/model"
	"avm/server/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMockModeRunsEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Workers = 2
	o, err := NewOrchestrator(cfg, quiet())
	require.NoError(t, err)

	jc, err := model.NewJobConfig([]string{"cooking tips"}, "Course", 30, t.TempDir())
	require.NoError(t, err)
	run, err := o.Run(context.Background(), jc)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
}

func TestLiveModeRequiresCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Mode = config.ModeLive
	_, err := Collaborators(cfg, quiet())
	require.ErrorIs(t, err, model.ErrConfig)
	assert.Contains(t, err.Error(), "providers.youtube_api_key")

	cfg.Providers.YouTubeAPIKey = "yt"
	_, err = Collaborators(cfg, quiet())
	require.ErrorIs(t, err, model.ErrConfig)
	assert.Contains(t, err.Error(), "providers.openai_api_key")
}

func TestUnknownMode(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Mode = "auto"
	_, err := Collaborators(cfg, quiet())
	require.Error(t, err)
}

func TestOrchestratorOptionsResume(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Resume = true
	_, err := NewOrchestrator(cfg, quiet(), pipeline.WithWorkers(1))
	require.NoError(t, err)
	assert.Len(t, OrchestratorOptions(cfg, quiet()), 5)
}
