package app

import (
	"fmt"
	"log/slog"

	"avm/server/internal/config"
	"avm/server/internal/pipeline"
	"avm/server/internal/provider"
	"avm/server/internal/provider/ffmpeg"
	"avm/server/internal/provider/openai"
	"avm/server/internal/provider/youtube"
)

// Collaborators builds the stage collaborators selected by
// providers.mode. Live mode never falls back to the mock: a missing
// credential or binary is a configuration error.
func Collaborators(cfg config.Config, logger *slog.Logger) (pipeline.Collaborators, error) {
	p := cfg.Providers
	switch p.Mode {
	case config.ModeMock:
		m := provider.NewMock(provider.MockOptions{})
		return pipeline.Collaborators{Trends: m, Images: m, Content: m, Video: m}, nil
	case config.ModeLive:
	default:
		return pipeline.Collaborators{}, fmt.Errorf("unknown provider mode %q", p.Mode)
	}

	trends, err := youtube.NewClient(p.YouTubeAPIKey)
	if err != nil {
		return pipeline.Collaborators{}, err
	}
	ai, err := openai.New(openai.Config{
		APIKey:     p.OpenAIKey,
		BaseURL:    p.OpenAIBaseURL,
		ChatModel:  p.ChatModel,
		ImageModel: p.ImageModel,
		ImageSize:  p.ImageSize,
		MaxRetries: 2,
	})
	if err != nil {
		return pipeline.Collaborators{}, err
	}
	editor, err := ffmpeg.New(ffmpeg.Config{
		Binary: p.FFmpegPath,
		FPS:    p.FPS,
		Width:  p.Width,
		Height: p.Height,
	})
	if err != nil {
		return pipeline.Collaborators{}, err
	}
	logger.Info("collaborators_ready", "mode", p.Mode, "chat_model", p.ChatModel, "image_model", p.ImageModel)
	return pipeline.Collaborators{Trends: trends, Images: ai, Content: ai, Video: editor}, nil
}

func OrchestratorOptions(cfg config.Config, logger *slog.Logger) []pipeline.Option {
	pc := cfg.Pipeline
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithStageTimeout(pc.StageTimeout),
		pipeline.WithPromptConfig(pc.Prompt),
		pipeline.WithResume(pc.Resume),
	}
	if pc.Workers > 0 {
		opts = append(opts, pipeline.WithWorkers(pc.Workers))
	}
	if pc.MaxTrendResults > 0 {
		opts = append(opts, pipeline.WithMaxTrendResults(pc.MaxTrendResults))
	}
	return opts
}

// NewOrchestrator wires collaborators and options from cfg. Extra options
// are applied last.
func NewOrchestrator(cfg config.Config, logger *slog.Logger, extra ...pipeline.Option) (*pipeline.Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	collab, err := Collaborators(cfg, logger)
	if err != nil {
		return nil, err
	}
	return pipeline.New(collab, append(OrchestratorOptions(cfg, logger), extra...)...)
}
