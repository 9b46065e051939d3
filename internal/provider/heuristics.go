package provider

import (
	"fmt"
	"math"
	"strings"

	"avm/server/internal/model"
)

// EngagementLevel buckets an engagement rate ((likes+comments)/views).
func EngagementLevel(rate float64) string {
	switch {
	case rate > 0.1:
		return "excellent"
	case rate > 0.05:
		return "good"
	case rate > 0.02:
		return "average"
	default:
		return "poor"
	}
}

func EngagementRate(v model.VideoRecord) float64 {
	if v.Views <= 0 {
		return 0
	}
	return float64(v.Likes+v.Comments) / float64(v.Views)
}

// ViralPotential scores a video on a 0-10 scale. Comments weigh double,
// shorter videos score higher and views saturate at one million.
func ViralPotential(v model.VideoRecord) float64 {
	views := math.Max(float64(v.Views), 1)
	engagement := float64(v.Likes+2*v.Comments) / views
	duration := 1 / (1 + float64(v.DurationSeconds)/60)
	reach := math.Min(float64(v.Views)/1_000_000, 1)
	return math.Min((engagement*0.4+duration*0.3+reach*0.3)*10, 10)
}

// SuccessProbability scores a script plan on a 0-10 scale.
func SuccessProbability(analysis model.AnalysisResult, commonTags int) float64 {
	score := 5.0
	score += math.Min(float64(len(analysis.TrendingFactors))*0.5, 2)
	switch analysis.EngagementLevel {
	case "excellent":
		score += 1
	case "good":
		score += 0.5
	}
	score += math.Min(float64(commonTags)*0.1, 1)
	return math.Min(score, 10)
}

// PlanSections splits a video into hook, introduction, main content and call
// to action. Any remainder goes to the main content so the sections always
// cover [0, duration].
func PlanSections(duration int, hooks, factors []string) []model.ScriptSection {
	d := float64(duration)
	hook := math.Min(5, d*0.1)
	intro := math.Min(10, d*0.15)
	cta := math.Min(10, d*0.15)
	main := d - hook - intro - cta

	plan := []struct {
		name  string
		span  float64
		notes []string
	}{
		{"hook", hook, firstN(hooks, 2)},
		{"introduction", intro, []string{"problem statement", "solution preview"}},
		{"main_content", main, firstN(factors, 3)},
		{"call_to_action", cta, []string{"clear instruction", "urgency", "benefit reminder"}},
	}

	sections := make([]model.ScriptSection, 0, len(plan))
	start := 0.0
	for _, p := range plan {
		end := round2(start + p.span)
		if p.name == "call_to_action" {
			end = d
		}
		sections = append(sections, model.ScriptSection{
			Name:         p.name,
			StartSeconds: round2(start),
			EndSeconds:   end,
			Visual:       strings.Join(p.notes, ", "),
		})
		start = end
	}
	return sections
}

// ModelPrompt builds the text-to-image prompt for one presenter pose.
func ModelPrompt(p model.PromptConfig, pose string) string {
	person := strings.TrimSpace(p.Age + " " + p.Gender)
	switch p.Ethnicity {
	case "asian":
		person += ", asian features, southeast asian"
	case "caucasian":
		person += ", caucasian features, european"
	case "african":
		person += ", african features, black"
	case "hispanic":
		person += ", hispanic features, latino"
	case "mixed":
		person += ", mixed ethnicity, diverse features"
	}
	parts := []string{
		person,
		"wearing " + p.Clothing,
		fmt.Sprintf("%s %s photography", p.Style, p.Setting),
	}
	if pose != "" {
		parts = append(parts, pose)
	}
	if p.Product != "" {
		parts = append(parts, "presenting "+p.Product)
	}
	parts = append(parts, "professional photography, high quality, photorealistic, sharp focus, studio lighting, natural expression")
	return strings.Join(parts, ", ")
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return append([]string(nil), items...)
	}
	return append([]string(nil), items[:n]...)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
