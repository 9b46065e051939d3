package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"

	"avm/server/internal/model"
	"avm/server/internal/runstore"
)

// ErrInvalidOutput is returned when a collaborator's result fails the stage's
// validation.
var ErrInvalidOutput = errors.New("invalid stage output")

// StageOutput is the typed result of one stage. Metadata is the documented
// scalar summary recorded in the ledger.
type StageOutput interface {
	Stage() model.StageName
	Validate() error
	Metadata(runDir string) map[string]any
}

type TrendOutput struct {
	Videos   []model.VideoRecord `json:"videos"`
	Analysis model.TrendAnalysis `json:"analysis"`
}

func (TrendOutput) Stage() model.StageName { return model.StageTrendAnalysis }

func (o TrendOutput) Validate() error {
	for i, v := range o.Videos {
		if v.Views < 0 || v.Likes < 0 || v.Comments < 0 {
			return fmt.Errorf("%w: video %d has negative counts", ErrInvalidOutput, i)
		}
	}
	return nil
}

func (o TrendOutput) Metadata(runDir string) map[string]any {
	return map[string]any{
		"videos_found": len(o.Videos),
		"output_dir":   runstore.StageDir(runDir, model.StageTrendAnalysis),
	}
}

type ImagesOutput struct {
	Images []model.ImageRef `json:"images"`
}

func (ImagesOutput) Stage() model.StageName { return model.StageModelGeneration }

func (o ImagesOutput) Validate() error {
	if len(o.Images) == 0 {
		return fmt.Errorf("%w: no images generated", ErrInvalidOutput)
	}
	for i, img := range o.Images {
		if img.Path == "" {
			return fmt.Errorf("%w: image %d has no path", ErrInvalidOutput, i)
		}
	}
	return nil
}

func (o ImagesOutput) Metadata(runDir string) map[string]any {
	return map[string]any{
		"images_generated": len(o.Images),
		"output_dir":       runstore.StageDir(runDir, model.StageModelGeneration),
	}
}

type ContentOutput struct {
	Analysis model.AnalysisResult `json:"analysis"`
}

func (ContentOutput) Stage() model.StageName { return model.StageContentAnalysis }

func (o ContentOutput) Validate() error {
	if o.Analysis.VideosAnalyzed < 0 {
		return fmt.Errorf("%w: negative videos_analyzed", ErrInvalidOutput)
	}
	return nil
}

func (o ContentOutput) Metadata(runDir string) map[string]any {
	return map[string]any{
		"videos_analyzed":  o.Analysis.VideosAnalyzed,
		"engagement_level": o.Analysis.EngagementLevel,
		"output_dir":       runstore.StageDir(runDir, model.StageContentAnalysis),
	}
}

type ScriptOutput struct {
	Script model.ScriptDocument `json:"script"`
}

func (ScriptOutput) Stage() model.StageName { return model.StageScriptGenerate }

func (o ScriptOutput) Validate() error {
	if len(o.Script.Sections) == 0 {
		return fmt.Errorf("%w: script has no sections", ErrInvalidOutput)
	}
	for _, s := range o.Script.Sections {
		if s.EndSeconds < s.StartSeconds {
			return fmt.Errorf("%w: section %q ends before it starts", ErrInvalidOutput, s.Name)
		}
	}
	return nil
}

func (o ScriptOutput) Metadata(runDir string) map[string]any {
	return map[string]any{
		"output_file":         filepath.Join(runstore.StageDir(runDir, model.StageScriptGenerate), scriptFile),
		"success_probability": o.Script.SuccessProbability,
		"sections":            len(o.Script.Sections),
	}
}

type RenderOutput struct {
	Render model.RenderInfo `json:"render"`
}

func (RenderOutput) Stage() model.StageName { return model.StageVideoProduction }

func (o RenderOutput) Validate() error {
	if o.Render.OutputPath == "" {
		return fmt.Errorf("%w: render produced no output path", ErrInvalidOutput)
	}
	if o.Render.DurationSeconds < 0 {
		return fmt.Errorf("%w: negative render duration", ErrInvalidOutput)
	}
	return nil
}

func (o RenderOutput) Metadata(string) map[string]any {
	return map[string]any{
		"output_file":      o.Render.OutputPath,
		"duration_seconds": o.Render.DurationSeconds,
	}
}

type EditOutput struct {
	Edit model.EditInfo `json:"edit"`
}

func (EditOutput) Stage() model.StageName { return model.StageVideoEditing }

func (o EditOutput) Validate() error {
	if len(o.Edit.OutputPaths) == 0 {
		return fmt.Errorf("%w: edit produced no output", ErrInvalidOutput)
	}
	if o.Edit.ClipsCreated != len(o.Edit.ClipPaths) && len(o.Edit.ClipPaths) > 0 {
		return fmt.Errorf("%w: clips_created %d does not match %d clip paths", ErrInvalidOutput, o.Edit.ClipsCreated, len(o.Edit.ClipPaths))
	}
	return nil
}

func (o EditOutput) Metadata(string) map[string]any {
	return map[string]any{
		"output_files":        append([]string(nil), o.Edit.OutputPaths...),
		"short_clips_created": o.Edit.ClipsCreated,
	}
}
