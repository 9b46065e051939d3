package runstore

import (
	"path/filepath"

	"avm/server/internal/model"
)

var stageDirs = map[model.StageName]string{
	model.StageTrendAnalysis:   "trend_analysis",
	model.StageModelGeneration: "model_images",
	model.StageContentAnalysis: "content_analysis",
	model.StageScriptGenerate:  "scripts",
	model.StageVideoProduction: "production",
	model.StageVideoEditing:    "editing",
}

// StageDir is the per-stage artifact directory inside a run directory.
func StageDir(runDir string, stage model.StageName) string {
	return filepath.Join(runDir, stageDirs[stage])
}

const (
	MainVideoFile  = "main_video.mp4"
	FinalVideoFile = "final_video.mp4"
	ShortClipsDir  = "short_clips"
)
