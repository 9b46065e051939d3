package provider

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"avm/server/internal/model"
)

// MockOptions tunes the deterministic collaborators used by demo mode and
// tests. They are only ever selected explicitly.
type MockOptions struct {
	// Delay is applied to every call and honors cancellation.
	Delay time.Duration
	// Fail makes calls for the named stage return this error.
	Fail map[model.StageName]error
	Now  func() time.Time
}

type Mock struct {
	opts MockOptions
}

var (
	_ TrendSearcher  = (*Mock)(nil)
	_ ImageGenerator = (*Mock)(nil)
	_ ContentWriter  = (*Mock)(nil)
	_ VideoEditor    = (*Mock)(nil)
)

func NewMock(opts MockOptions) *Mock {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Mock{opts: opts}
}

func (m *Mock) Search(ctx context.Context, keywords []string, maxResults int) ([]model.VideoRecord, error) {
	if err := m.begin(ctx, model.StageTrendAnalysis); err != nil {
		return nil, err
	}
	if len(keywords) == 0 || maxResults <= 0 {
		return []model.VideoRecord{}, nil
	}
	perKeyword := max(maxResults/len(keywords), 1)
	now := m.opts.Now().UTC()
	out := make([]model.VideoRecord, 0, maxResults)
	for _, kw := range keywords {
		for i := 0; i < perKeyword && len(out) < maxResults; i++ {
			platform, views, likes, comments, duration := "youtube", 10000+i*5000, 500+i*200, 50+i*20, 60+i*30
			if i%2 == 1 {
				platform, views, likes, comments, duration = "tiktok", 50000+i*10000, 2000+i*500, 100+i*50, 15+i*5
			}
			out = append(out, model.VideoRecord{
				Title:           fmt.Sprintf("Trending %s video %d", kw, i+1),
				Description:     fmt.Sprintf("Amazing content about %s that's going viral", kw),
				Views:           int64(views),
				Likes:           int64(likes),
				Comments:        int64(comments),
				DurationSeconds: duration,
				UploadDate:      now.AddDate(0, 0, -i),
				URL:             fmt.Sprintf("https://%s.example/watch/%s-%d", platform, slug(kw), i),
				Tags:            []string{kw, "trending", "viral"},
				Platform:        platform,
			})
		}
	}
	return out, nil
}

func (m *Mock) Generate(ctx context.Context, prompt model.PromptConfig, outputDir string) ([]model.ImageRef, error) {
	if err := m.begin(ctx, model.StageModelGeneration); err != nil {
		return nil, err
	}
	poses := prompt.Poses
	if len(poses) == 0 {
		poses = []string{"front facing"}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, GenerationError("OUTPUT_DIR", "create image directory", err)
	}
	refs := make([]model.ImageRef, 0, len(poses))
	for i, pose := range poses {
		path := filepath.Join(outputDir, fmt.Sprintf("model_%02d_%s.png", i+1, slug(pose)))
		if err := writePlaceholderPNG(path, 64, 64, uint8(40*i)); err != nil {
			return nil, GenerationError("WRITE_IMAGE", "write placeholder image", err)
		}
		refs = append(refs, model.ImageRef{
			Path:   path,
			Prompt: ModelPrompt(prompt, pose),
			Pose:   pose,
			Width:  64,
			Height: 64,
		})
	}
	return refs, nil
}

func (m *Mock) Analyze(ctx context.Context, videos []model.VideoRecord) (model.AnalysisResult, error) {
	if err := m.begin(ctx, model.StageContentAnalysis); err != nil {
		return model.AnalysisResult{}, err
	}
	var total float64
	for _, v := range videos {
		total += EngagementRate(v)
	}
	level := "poor"
	if len(videos) > 0 {
		level = EngagementLevel(total / float64(len(videos)))
	}
	return model.AnalysisResult{
		VideosAnalyzed:  len(videos),
		Summary:         fmt.Sprintf("%d trending videos analyzed", len(videos)),
		TrendingFactors: []string{"quick tips", "visual appeal", "practical value"},
		ContentHooks:    []string{"problem-solution", "before-after"},
		EngagementLevel: level,
		Recommendations: []string{"open with the result", "keep captions short", "end with a clear offer"},
	}, nil
}

func (m *Mock) WriteScript(ctx context.Context, req model.ScriptRequest) (model.ScriptDocument, error) {
	if err := m.begin(ctx, model.StageScriptGenerate); err != nil {
		return model.ScriptDocument{}, err
	}
	product := req.TargetProduct
	if product == "" {
		product = "our product"
	}
	sections := PlanSections(req.DurationSeconds, req.Analysis.ContentHooks, req.Analysis.TrendingFactors)
	for i := range sections {
		sections[i].Narration = fmt.Sprintf("%s: %s", strings.ReplaceAll(sections[i].Name, "_", " "), product)
		sections[i].Caption = strings.ToUpper(strings.ReplaceAll(sections[i].Name, "_", " "))
	}
	hashtags := make([]string, 0, len(req.Keywords))
	for _, kw := range req.Keywords {
		hashtags = append(hashtags, "#"+strings.ReplaceAll(kw, " ", ""))
	}
	return model.ScriptDocument{
		Title:              fmt.Sprintf("Why everyone is talking about %s", product),
		Hook:               "You have been doing this wrong",
		TargetProduct:      req.TargetProduct,
		DurationSeconds:    req.DurationSeconds,
		Sections:           sections,
		CallToAction:       "Order now",
		Hashtags:           hashtags,
		SuccessProbability: SuccessProbability(req.Analysis, len(req.Trends.CommonTags)),
	}, nil
}

func (m *Mock) Render(ctx context.Context, script model.ScriptDocument, images []model.ImageRef, outputPath string) (model.RenderInfo, error) {
	if err := m.begin(ctx, model.StageVideoProduction); err != nil {
		return model.RenderInfo{}, err
	}
	if len(images) == 0 {
		return model.RenderInfo{}, RenderError("NO_IMAGES", "no images to render", nil)
	}
	return model.RenderInfo{OutputPath: outputPath, DurationSeconds: float64(script.DurationSeconds)}, nil
}

func (m *Mock) Edit(ctx context.Context, renderPaths []string, script model.ScriptDocument, outputPath string) (model.EditInfo, error) {
	if err := m.begin(ctx, model.StageVideoEditing); err != nil {
		return model.EditInfo{}, err
	}
	clipDir := filepath.Join(filepath.Dir(outputPath), "short_clips")
	clips := make([]string, 0, 3)
	for i, s := range script.Sections {
		if i == 3 {
			break
		}
		clips = append(clips, filepath.Join(clipDir, fmt.Sprintf("clip_%02d_%s.mp4", i+1, s.Name)))
	}
	outputs := []string{outputPath}
	base := strings.TrimSuffix(outputPath, filepath.Ext(outputPath))
	for _, platform := range []string{"youtube", "tiktok", "instagram"} {
		outputs = append(outputs, base+"_"+platform+".mp4")
	}
	return model.EditInfo{
		OutputPaths:  outputs,
		ClipPaths:    clips,
		ClipsCreated: len(clips),
	}, nil
}

func (m *Mock) begin(ctx context.Context, stage model.StageName) error {
	if err := waitCancelable(ctx, m.opts.Delay); err != nil {
		return CanceledError(err)
	}
	if err, ok := m.opts.Fail[stage]; ok && err != nil {
		return err
	}
	return nil
}

func waitCancelable(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func writePlaceholderPNG(path string, w, h int, shade uint8) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: 120, B: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
