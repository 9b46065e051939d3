package openai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"avm/server/internal/model"
	"avm/server/internal/provider"
)

type analysisDraft struct {
	Summary         string   `json:"summary" jsonschema_description:"Two or three sentences on what the trending videos have in common."`
	TrendingFactors []string `json:"trending_factors" jsonschema_description:"Short phrases naming what makes these videos trend."`
	ContentHooks    []string `json:"content_hooks" jsonschema_description:"Opening hook patterns the videos use."`
	Recommendations []string `json:"recommendations" jsonschema_description:"Concrete recommendations for a new promotional video."`
}

type scriptDraft struct {
	Title        string         `json:"title" jsonschema_description:"Catchy video title under 80 characters."`
	Hook         string         `json:"hook" jsonschema_description:"The first spoken line."`
	Sections     []sectionDraft `json:"sections" jsonschema_description:"Exactly four sections: hook, introduction, main_content, call_to_action."`
	CallToAction string         `json:"call_to_action"`
	Hashtags     []string       `json:"hashtags" jsonschema_description:"Hashtags including the leading #."`
}

type sectionDraft struct {
	Name      string `json:"name"`
	Narration string `json:"narration" jsonschema_description:"Voice-over text for this section."`
	Visual    string `json:"visual" jsonschema_description:"What is on screen."`
	Caption   string `json:"caption" jsonschema_description:"On-screen caption, at most six words."`
}

var (
	analysisSchema = GenerateSchema[analysisDraft]()
	scriptSchema   = GenerateSchema[scriptDraft]()
)

const systemPrompt = "You are a short-form video marketing strategist. Answer only with JSON matching the schema."

func (c *Client) Analyze(ctx context.Context, videos []model.VideoRecord) (model.AnalysisResult, error) {
	result := model.AnalysisResult{
		VideosAnalyzed:  len(videos),
		EngagementLevel: "poor",
	}
	if len(videos) == 0 {
		result.Summary = "no trending videos to analyze"
		return result, nil
	}

	var rates float64
	var b strings.Builder
	for i, v := range videos {
		rates += provider.EngagementRate(v)
		if i < 20 {
			fmt.Fprintf(&b, "- %q (%s, %d views, %d likes, %d comments, %ds) tags: %s\n",
				v.Title, v.Platform, v.Views, v.Likes, v.Comments, v.DurationSeconds, strings.Join(v.Tags, ", "))
		}
	}
	result.EngagementLevel = provider.EngagementLevel(rates / float64(len(videos)))

	prompt := fmt.Sprintf("Analyze these trending videos and explain why they perform well.\n\n%s", b.String())
	draft, err := getStructuredResponse[analysisDraft](ctx, c, "content_analysis", systemPrompt, prompt, analysisSchema)
	if err != nil {
		return model.AnalysisResult{}, err
	}
	result.Summary = draft.Summary
	result.TrendingFactors = draft.TrendingFactors
	result.ContentHooks = draft.ContentHooks
	result.Recommendations = draft.Recommendations
	return result, nil
}

func (c *Client) WriteScript(ctx context.Context, req model.ScriptRequest) (model.ScriptDocument, error) {
	plan := provider.PlanSections(req.DurationSeconds, req.Analysis.ContentHooks, req.Analysis.TrendingFactors)

	var b strings.Builder
	fmt.Fprintf(&b, "Write a %d second promotional video script", req.DurationSeconds)
	if req.TargetProduct != "" {
		fmt.Fprintf(&b, " for %q", req.TargetProduct)
	}
	fmt.Fprintf(&b, ".\nKeywords: %s\n", strings.Join(req.Keywords, ", "))
	fmt.Fprintf(&b, "Trending factors: %s\n", strings.Join(req.Analysis.TrendingFactors, ", "))
	fmt.Fprintf(&b, "Hooks that work: %s\n", strings.Join(req.Analysis.ContentHooks, ", "))
	if tags := sortedTags(req.Trends.CommonTags, 10); len(tags) > 0 {
		fmt.Fprintf(&b, "Common tags: %s\n", strings.Join(tags, ", "))
	}
	b.WriteString("Sections and timing:\n")
	for _, s := range plan {
		fmt.Fprintf(&b, "- %s: %.1fs to %.1fs (%s)\n", s.Name, s.StartSeconds, s.EndSeconds, s.Visual)
	}

	draft, err := getStructuredResponse[scriptDraft](ctx, c, "video_script", systemPrompt, b.String(), scriptSchema)
	if err != nil {
		return model.ScriptDocument{}, err
	}
	if strings.TrimSpace(draft.Title) == "" {
		e := provider.ServiceError("model returned a script without a title")
		e.Code = "MALFORMED_RESPONSE"
		return model.ScriptDocument{}, e
	}

	byName := make(map[string]sectionDraft, len(draft.Sections))
	for _, s := range draft.Sections {
		byName[s.Name] = s
	}
	for i := range plan {
		d, ok := byName[plan[i].Name]
		if !ok && i < len(draft.Sections) {
			d = draft.Sections[i]
		}
		plan[i].Narration = d.Narration
		plan[i].Caption = d.Caption
		if d.Visual != "" {
			plan[i].Visual = d.Visual
		}
	}

	return model.ScriptDocument{
		Title:              draft.Title,
		Hook:               draft.Hook,
		TargetProduct:      req.TargetProduct,
		DurationSeconds:    req.DurationSeconds,
		Sections:           plan,
		CallToAction:       draft.CallToAction,
		Hashtags:           draft.Hashtags,
		SuccessProbability: provider.SuccessProbability(req.Analysis, len(req.Trends.CommonTags)),
	}, nil
}

func sortedTags(counts map[string]int, limit int) []string {
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > limit {
		tags = tags[:limit]
	}
	return tags
}
