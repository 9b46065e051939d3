package pipeline

import (
	"fmt"
	"path/filepath"

	"avm/server/internal/model"
	"avm/server/internal/runstore"
)

const (
	videosFile        = "videos.json"
	trendAnalysisFile = "analysis.json"
	manifestFile      = "manifest.json"
	contentFile       = "analysis.json"
	scriptFile        = "script.json"
	renderFile        = "render.json"
	editFile          = "edit.json"
)

func artifactPath(runDir string, stage model.StageName, name string) string {
	return filepath.Join(runstore.StageDir(runDir, stage), name)
}

// saveArtifacts writes the stage's payload under its stage directory.
func saveArtifacts(runDir string, out StageOutput) error {
	stage := out.Stage()
	switch o := out.(type) {
	case TrendOutput:
		if err := runstore.WriteJSON(artifactPath(runDir, stage, videosFile), o.Videos); err != nil {
			return err
		}
		return runstore.WriteJSON(artifactPath(runDir, stage, trendAnalysisFile), o.Analysis)
	case ImagesOutput:
		return runstore.WriteJSON(artifactPath(runDir, stage, manifestFile), o.Images)
	case ContentOutput:
		return runstore.WriteJSON(artifactPath(runDir, stage, contentFile), o.Analysis)
	case ScriptOutput:
		return runstore.WriteJSON(artifactPath(runDir, stage, scriptFile), o.Script)
	case RenderOutput:
		return runstore.WriteJSON(artifactPath(runDir, stage, renderFile), o.Render)
	case EditOutput:
		return runstore.WriteJSON(artifactPath(runDir, stage, editFile), o.Edit)
	default:
		return fmt.Errorf("no artifact layout for stage %s", stage)
	}
}

// loadArtifacts decodes a previously saved stage payload.
func loadArtifacts(runDir string, stage model.StageName) (StageOutput, error) {
	switch stage {
	case model.StageTrendAnalysis:
		var o TrendOutput
		if err := runstore.ReadJSON(artifactPath(runDir, stage, videosFile), &o.Videos); err != nil {
			return nil, err
		}
		if err := runstore.ReadJSON(artifactPath(runDir, stage, trendAnalysisFile), &o.Analysis); err != nil {
			return nil, err
		}
		return o, nil
	case model.StageModelGeneration:
		var o ImagesOutput
		err := runstore.ReadJSON(artifactPath(runDir, stage, manifestFile), &o.Images)
		return o, err
	case model.StageContentAnalysis:
		var o ContentOutput
		err := runstore.ReadJSON(artifactPath(runDir, stage, contentFile), &o.Analysis)
		return o, err
	case model.StageScriptGenerate:
		var o ScriptOutput
		err := runstore.ReadJSON(artifactPath(runDir, stage, scriptFile), &o.Script)
		return o, err
	case model.StageVideoProduction:
		var o RenderOutput
		err := runstore.ReadJSON(artifactPath(runDir, stage, renderFile), &o.Render)
		return o, err
	case model.StageVideoEditing:
		var o EditOutput
		err := runstore.ReadJSON(artifactPath(runDir, stage, editFile), &o.Edit)
		return o, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
}
