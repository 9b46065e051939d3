package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"avm/server/internal/model"
	"avm/server/internal/provider"
)

const (
	clipWidth     = 1080
	clipHeight    = 1920
	maxClips      = 3
	maxClipLength = 15.0
	stderrTail    = 2048
)

// platformExport is a per-platform variant of the final edit.
type platformExport struct {
	Name    string
	Width   int
	Height  int
	Bitrate string
}

var platformExports = []platformExport{
	{Name: "youtube", Width: 1920, Height: 1080, Bitrate: "5000k"},
	{Name: "tiktok", Width: 1080, Height: 1920, Bitrate: "3000k"},
	{Name: "instagram", Width: 1080, Height: 1080, Bitrate: "4000k"},
}

// Runner executes one ffmpeg invocation.
type Runner func(ctx context.Context, binary string, args []string) error

type Config struct {
	Binary string
	FPS    int
	Width  int
	Height int
	Runner Runner
}

// Editor renders script slideshows and cuts the final edits with ffmpeg.
type Editor struct {
	binary string
	fps    int
	width  int
	height int
	run    Runner
}

var _ provider.VideoEditor = (*Editor)(nil)

func New(cfg Config) (*Editor, error) {
	e := &Editor{
		binary: cfg.Binary,
		fps:    cfg.FPS,
		width:  cfg.Width,
		height: cfg.Height,
		run:    cfg.Runner,
	}
	if e.binary == "" {
		e.binary = "ffmpeg"
	}
	if e.fps <= 0 {
		e.fps = 30
	}
	if e.width <= 0 || e.height <= 0 {
		e.width, e.height = 1920, 1080
	}
	if e.run == nil {
		path, err := exec.LookPath(e.binary)
		if err != nil {
			return nil, &model.ConfigError{Field: "providers.ffmpeg_path", Reason: fmt.Sprintf("%s not found on PATH", e.binary)}
		}
		e.binary = path
		e.run = execRunner
	}
	return e, nil
}

func (e *Editor) Render(ctx context.Context, script model.ScriptDocument, images []model.ImageRef, outputPath string) (model.RenderInfo, error) {
	if len(images) == 0 {
		return model.RenderInfo{}, provider.RenderError("NO_IMAGES", "no images to render", nil)
	}
	if len(script.Sections) == 0 {
		return model.RenderInfo{}, provider.RenderError("NO_SECTIONS", "script has no sections", nil)
	}
	segDir := filepath.Join(filepath.Dir(outputPath), "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return model.RenderInfo{}, provider.RenderError("OUTPUT_DIR", "create segment directory", err)
	}

	segments := make([]string, 0, len(script.Sections))
	var total float64
	for i, s := range script.Sections {
		d := s.Duration()
		if d <= 0 {
			continue
		}
		seg := filepath.Join(segDir, fmt.Sprintf("segment_%02d.mp4", i+1))
		img := pickImage(images, s.Name, i)
		if err := e.exec(ctx, SegmentArgs(img.Path, s.Caption, d, e.width, e.height, e.fps, seg)); err != nil {
			return model.RenderInfo{}, err
		}
		segments = append(segments, seg)
		total += d
	}
	if err := e.concat(ctx, segments, outputPath); err != nil {
		return model.RenderInfo{}, err
	}
	return model.RenderInfo{OutputPath: outputPath, DurationSeconds: total}, nil
}

func (e *Editor) Edit(ctx context.Context, renderPaths []string, script model.ScriptDocument, outputPath string) (model.EditInfo, error) {
	if len(renderPaths) == 0 {
		return model.EditInfo{}, provider.RenderError("NO_INPUT", "no rendered video to edit", nil)
	}
	if err := e.concat(ctx, renderPaths, outputPath); err != nil {
		return model.EditInfo{}, err
	}

	outputs := []string{outputPath}
	base := strings.TrimSuffix(outputPath, filepath.Ext(outputPath))
	for _, p := range platformExports {
		out := fmt.Sprintf("%s_%s.mp4", base, p.Name)
		if err := e.exec(ctx, PlatformArgs(outputPath, p.Width, p.Height, e.fps, p.Bitrate, out)); err != nil {
			return model.EditInfo{}, err
		}
		outputs = append(outputs, out)
	}

	clipDir := filepath.Join(filepath.Dir(outputPath), "short_clips")
	if err := os.MkdirAll(clipDir, 0o755); err != nil {
		return model.EditInfo{}, provider.RenderError("OUTPUT_DIR", "create clip directory", err)
	}
	clips := make([]string, 0, maxClips)
	for _, s := range script.Sections {
		if len(clips) == maxClips {
			break
		}
		d := s.Duration()
		if d <= 0 {
			continue
		}
		if d > maxClipLength {
			d = maxClipLength
		}
		clip := filepath.Join(clipDir, fmt.Sprintf("short_clip_%03d.mp4", len(clips)+1))
		if err := e.exec(ctx, ClipArgs(outputPath, s.StartSeconds, d, clip)); err != nil {
			return model.EditInfo{}, err
		}
		clips = append(clips, clip)
	}
	return model.EditInfo{
		OutputPaths:  outputs,
		ClipPaths:    clips,
		ClipsCreated: len(clips),
	}, nil
}

func (e *Editor) concat(ctx context.Context, inputs []string, outputPath string) error {
	if len(inputs) == 1 {
		return e.exec(ctx, []string{"-y", "-i", inputs[0], "-c", "copy", outputPath})
	}
	listPath := outputPath + ".txt"
	if err := os.WriteFile(listPath, []byte(ConcatList(inputs)), 0o644); err != nil {
		return provider.RenderError("CONCAT_LIST", "write concat list", err)
	}
	defer os.Remove(listPath)
	return e.exec(ctx, ConcatArgs(listPath, outputPath))
}

func (e *Editor) exec(ctx context.Context, args []string) error {
	if err := ctx.Err(); err != nil {
		return provider.CanceledError(err)
	}
	if err := e.run(ctx, e.binary, args); err != nil {
		if ctx.Err() != nil {
			return provider.CanceledError(ctx.Err())
		}
		return provider.RenderError("FFMPEG_FAILED", err.Error(), err)
	}
	return nil
}

// SegmentArgs renders a still image with a caption for d seconds.
func SegmentArgs(image, caption string, d float64, width, height, fps int, out string) []string {
	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height, width, height)
	if caption = strings.TrimSpace(caption); caption != "" {
		filter += fmt.Sprintf(",drawtext=text=%s:expansion=none:fontcolor=white:fontsize=%d:x=(w-text_w)/2:y=h-th-%d:box=1:boxcolor=black@0.5:boxborderw=16",
			escapeDrawtext(caption), height/18, height/12)
	}
	return []string{
		"-y",
		"-loop", "1",
		"-t", formatSeconds(d),
		"-i", image,
		"-vf", filter,
		"-r", strconv.Itoa(fps),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		out,
	}
}

// PlatformArgs letterboxes the final video into a platform frame.
func PlatformArgs(input string, width, height, fps int, bitrate, out string) []string {
	return []string{
		"-y",
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height, width, height),
		"-r", strconv.Itoa(fps),
		"-c:v", "libx264",
		"-b:v", bitrate,
		"-c:a", "aac",
		"-pix_fmt", "yuv420p",
		out,
	}
}

func ConcatArgs(listPath, out string) []string {
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", out}
}

// ConcatList renders the concat demuxer input file.
func ConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

// ClipArgs cuts a vertical short clip from the final video.
func ClipArgs(input string, start, d float64, out string) []string {
	return []string{
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(d),
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", clipWidth, clipHeight, clipWidth, clipHeight),
		"-c:v", "libx264",
		"-c:a", "aac",
		"-pix_fmt", "yuv420p",
		out,
	}
}

// pickImage uses the first image for the hook, the last for the call to
// action and rotates through the rest.
func pickImage(images []model.ImageRef, section string, i int) model.ImageRef {
	switch section {
	case "hook":
		return images[0]
	case "call_to_action":
		return images[len(images)-1]
	default:
		return images[i%len(images)]
	}
}

var (
	optionEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	graphEscaper  = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `[`, `\[`, `]`, `\]`, `,`, `\,`, `;`, `\;`)
)

// escapeDrawtext escapes an unquoted caption for the drawtext option value
// and then for the filtergraph around it. Quoted values cannot hold a quote.
// The filter runs with expansion=none so % stays literal.
func escapeDrawtext(s string) string {
	return graphEscaper.Replace(optionEscaper.Replace(s))
}

func formatSeconds(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func execRunner(ctx context.Context, binary string, args []string) error {
	cmd := exec.CommandContext(ctx, binary, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		tail := stderr.Bytes()
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(string(tail)))
	}
	return nil
}
