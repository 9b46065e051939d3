package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/runstore"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func statusStyle(s string) lipgloss.Style {
	switch s {
	case string(model.RunCompleted):
		return okStyle
	case string(model.RunFailed), string(model.RunCanceled):
		return errorStyle
	}
	return mutedStyle
}

func metaValue(r model.StageResult, key string) any {
	if r.Metadata == nil {
		return nil
	}
	return r.Metadata[key]
}

func metaFloat(r model.StageResult, key string) float64 {
	switch v := metaValue(r, key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func renderSummary(run model.PipelineRun, detailed bool) string {
	header := titleStyle.Render("pipeline "+run.ID) + "  " + statusStyle(string(run.Status)).Render(string(run.Status))
	lines := []string{
		fmt.Sprintf("output dir:        %s", run.Config.OutputLocation()),
	}
	if !run.CompletedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("elapsed:           %s", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond)))
	}
	stage := func(name model.StageName) model.StageResult {
		r, _ := run.Stage(name)
		return r
	}
	lines = append(lines,
		fmt.Sprintf("videos found:      %v", orDash(metaValue(stage(model.StageTrendAnalysis), "videos_found"))),
		fmt.Sprintf("videos analyzed:   %v", orDash(metaValue(stage(model.StageContentAnalysis), "videos_analyzed"))),
		fmt.Sprintf("model images:      %v", orDash(metaValue(stage(model.StageModelGeneration), "images_generated"))),
		fmt.Sprintf("script success:    %.1f/10", metaFloat(stage(model.StageScriptGenerate), "success_probability")),
		fmt.Sprintf("video duration:    %.1fs", metaFloat(stage(model.StageVideoProduction), "duration_seconds")),
		fmt.Sprintf("short clips:       %v", orDash(metaValue(stage(model.StageVideoEditing), "short_clips_created"))),
	)
	if failed, ok := run.FailedStage(); ok {
		lines = append(lines, errorStyle.Render(fmt.Sprintf("failed at %s: %s", failed.Stage, failed.Error)))
	}
	if detailed {
		lines = append(lines, "", renderStages(run.Stages))
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, panelStyle.Render(strings.Join(lines, "\n")))
}

func renderStages(stages []model.StageResult) string {
	lines := make([]string, 0, len(stages))
	for _, s := range stages {
		line := fmt.Sprintf("%-18s %s", s.Stage, statusStyle(stageRunStatus(s.Status)).Render(string(s.Status)))
		if len(s.Metadata) > 0 {
			keys := make([]string, 0, len(s.Metadata))
			for k := range s.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%v", k, s.Metadata[k]))
			}
			line += "  " + mutedStyle.Render(strings.Join(parts, " "))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func stageRunStatus(s model.StageStatus) string {
	switch s {
	case model.StageCompleted:
		return string(model.RunCompleted)
	case model.StageFailed:
		return string(model.RunFailed)
	}
	return string(s)
}

func renderBatch(b model.BatchRun) string {
	completed, failed := b.Counts()
	header := titleStyle.Render("batch "+b.ID) + "  " + mutedStyle.Render(fmt.Sprintf("%d completed, %d failed", completed, failed))
	lines := make([]string, 0, len(b.Runs))
	for _, e := range b.Runs {
		line := fmt.Sprintf("#%d  %s", e.Index, statusStyle(string(e.Status)).Render(string(e.Status)))
		if e.Run != nil {
			line += "  " + e.Run.Config.OutputLocation()
		}
		if e.Error != "" {
			line += "  " + errorStyle.Render(e.Error)
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, panelStyle.Render(strings.Join(lines, "\n")))
}

func renderStatus(st runstore.DirStatus) string {
	if !st.Exists {
		return errorStyle.Render("no run directory at " + st.OutputDir)
	}
	completed := make([]string, len(st.StagesCompleted))
	for i, s := range st.StagesCompleted {
		completed[i] = string(s)
	}
	lines := []string{
		fmt.Sprintf("locked:            %t", st.Locked),
		fmt.Sprintf("stages completed:  %d/%d %s", len(completed), len(model.StageOrder), strings.Join(completed, ",")),
		fmt.Sprintf("files generated:   %d", len(st.FilesGenerated)),
	}
	if o := st.LockOwner; o != nil {
		lines = append(lines, fmt.Sprintf("lock owner:        run %s pid %d on %s since %s", o.RunID, o.PID, o.Hostname, o.CreatedAt))
	}
	if st.Ledger != nil {
		lines = append(lines, "run status:        "+statusStyle(string(st.Ledger.Status)).Render(string(st.Ledger.Status)))
	}
	if st.LedgerError != "" {
		lines = append(lines, errorStyle.Render("ledger: "+st.LedgerError))
	}
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(st.OutputDir), panelStyle.Render(strings.Join(lines, "\n")))
}

func orDash(v any) any {
	if v == nil {
		return "-"
	}
	return v
}
