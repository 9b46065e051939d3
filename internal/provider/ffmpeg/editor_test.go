package ffmpeg

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"avm/server/internal/model"
	"avm/server/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls [][]string
	fail  error
}

func (r *recorder) run(_ context.Context, _ string, args []string) error {
	r.calls = append(r.calls, args)
	return r.fail
}

func testScript() model.ScriptDocument {
	return model.ScriptDocument{
		DurationSeconds: 60,
		Sections: []model.ScriptSection{
			{Name: "hook", StartSeconds: 0, EndSeconds: 5, Caption: "Stop: it's 50% off"},
			{Name: "introduction", StartSeconds: 5, EndSeconds: 14},
			{Name: "main_content", StartSeconds: 14, EndSeconds: 51, Caption: "Tips"},
			{Name: "call_to_action", StartSeconds: 51, EndSeconds: 60, Caption: "Buy"},
		},
	}
}

func TestSegmentArgs(t *testing.T) {
	args := SegmentArgs("/img/a.png", "Stop: it's 50% off", 4.5, 1920, 1080, 30, "/out/seg.mp4")
	assert.Equal(t, []string{"-y", "-loop", "1", "-t", "4.5", "-i", "/img/a.png"}, args[:7])
	assert.Equal(t, "/out/seg.mp4", args[len(args)-1])
	filter := args[8]
	assert.True(t, strings.HasPrefix(filter, "scale=1920:1080:force_original_aspect_ratio=decrease,pad=1920:1080"))
	assert.Contains(t, filter, `drawtext=text=Stop\\: it\\\'s 50% off:expansion=none:`)
	assert.Equal(t, "Stop: it's 50% off", drawtextCaption(t, filter))

	noCaption := SegmentArgs("/img/a.png", " ", 2, 1920, 1080, 30, "/out/seg.mp4")
	assert.NotContains(t, noCaption[8], "drawtext")
}

func TestSegmentCaptionSurvivesFilterParsing(t *testing.T) {
	for _, caption := range []string{
		"Don't miss out",
		`C:\promo [50%], today; only`,
		"it's 'quoted'",
	} {
		args := SegmentArgs("/img/a.png", caption, 3, 1080, 1920, 30, "/out/seg.mp4")
		assert.Equal(t, caption, drawtextCaption(t, args[8]), caption)
	}
}

// drawtextCaption undoes the filtergraph and option level escaping the way
// ffmpeg tokenizes a filter chain and returns the drawtext text value.
func drawtextCaption(t *testing.T, filter string) string {
	t.Helper()
	_, rest, ok := strings.Cut(filter, ",drawtext=")
	require.True(t, ok, "no drawtext filter in %q", filter)
	opts, _ := avToken(rest, "[],;")
	for opts != "" {
		key, value, found := strings.Cut(opts, "=")
		require.True(t, found, "malformed options %q", opts)
		val, remaining := avToken(value, ":")
		if key == "text" {
			return val
		}
		opts = strings.TrimPrefix(remaining, ":")
	}
	t.Fatalf("no text option in %q", filter)
	return ""
}

// avToken reads one token up to an unescaped terminator, honouring
// backslash escapes and single quoted runs.
func avToken(s, terms string) (string, string) {
	var b strings.Builder
	i := 0
	for i < len(s) && !strings.ContainsRune(terms, rune(s[i])) {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				b.WriteByte(s[i+1])
			}
			i += 2
		case '\'':
			i++
			for i < len(s) && s[i] != '\'' {
				b.WriteByte(s[i])
				i++
			}
			i++
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	if i > len(s) {
		i = len(s)
	}
	return b.String(), s[i:]
}

func TestPlatformArgs(t *testing.T) {
	args := PlatformArgs("/out/final_video.mp4", 1080, 1080, 30, "4000k", "/out/final_video_instagram.mp4")
	assert.Equal(t, []string{"-y", "-i", "/out/final_video.mp4"}, args[:3])
	assert.Equal(t, "scale=1080:1080:force_original_aspect_ratio=decrease,pad=1080:1080:(ow-iw)/2:(oh-ih)/2", args[4])
	assert.Contains(t, args, "4000k")
	assert.Equal(t, "/out/final_video_instagram.mp4", args[len(args)-1])
}

func TestClipArgs(t *testing.T) {
	args := ClipArgs("/out/final.mp4", 14, 15, "/out/short_clips/short_clip_001.mp4")
	assert.Equal(t, []string{"-y", "-ss", "14", "-t", "15", "-i", "/out/final.mp4"}, args[:7])
	assert.Contains(t, args, "scale=1080:1920:force_original_aspect_ratio=increase,crop=1080:1920")
}

func TestConcatList(t *testing.T) {
	assert.Equal(t, "file '/a.mp4'\nfile '/it'\\''s.mp4'\n", ConcatList([]string{"/a.mp4", "/it's.mp4"}))
}

func TestRenderBuildsSegmentsAndConcat(t *testing.T) {
	rec := &recorder{}
	e, err := New(Config{Runner: rec.run})
	require.NoError(t, err)

	dir := t.TempDir()
	images := []model.ImageRef{{Path: "first.png"}, {Path: "second.png"}, {Path: "last.png"}}
	info, err := e.Render(context.Background(), testScript(), images, filepath.Join(dir, "main_video.mp4"))
	require.NoError(t, err)
	assert.Equal(t, 60.0, info.DurationSeconds)

	require.Len(t, rec.calls, 5)
	assert.Equal(t, "first.png", rec.calls[0][6])
	assert.Equal(t, "second.png", rec.calls[1][6])
	assert.Equal(t, "last.png", rec.calls[3][6])
	assert.Equal(t, "concat", rec.calls[4][2])
}

func TestEditCutsAtMostThreeCappedClips(t *testing.T) {
	rec := &recorder{}
	e, err := New(Config{Runner: rec.run})
	require.NoError(t, err)

	dir := t.TempDir()
	out := filepath.Join(dir, "final_video.mp4")
	info, err := e.Edit(context.Background(), []string{filepath.Join(dir, "main_video.mp4")}, testScript(), out)
	require.NoError(t, err)
	assert.Equal(t, 3, info.ClipsCreated)
	assert.Equal(t, []string{
		out,
		filepath.Join(dir, "final_video_youtube.mp4"),
		filepath.Join(dir, "final_video_tiktok.mp4"),
		filepath.Join(dir, "final_video_instagram.mp4"),
	}, info.OutputPaths)
	assert.Equal(t, filepath.Join(dir, "short_clips", "short_clip_003.mp4"), info.ClipPaths[2])

	require.Len(t, rec.calls, 7)
	assert.Equal(t, []string{"-y", "-i", filepath.Join(dir, "main_video.mp4"), "-c", "copy", out}, rec.calls[0])
	assert.Contains(t, rec.calls[1][4], "pad=1920:1080")
	assert.Contains(t, rec.calls[2][4], "pad=1080:1920")
	assert.Contains(t, rec.calls[3][4], "pad=1080:1080")
	assert.Equal(t, "15", rec.calls[6][4], "clip length is capped")
}

func TestRunnerFailureIsRenderError(t *testing.T) {
	rec := &recorder{fail: errors.New("exit status 1")}
	e, err := New(Config{Runner: rec.run})
	require.NoError(t, err)
	_, err = e.Render(context.Background(), testScript(), []model.ImageRef{{Path: "a.png"}}, filepath.Join(t.TempDir(), "m.mp4"))
	require.Error(t, err)
	assert.Equal(t, provider.KindRender, provider.KindOf(err))
	assert.True(t, errors.Is(err, provider.ErrCollaborator))
}

func TestRenderWithoutImages(t *testing.T) {
	e, err := New(Config{Runner: (&recorder{}).run})
	require.NoError(t, err)
	_, err = e.Render(context.Background(), testScript(), nil, "x.mp4")
	assert.Equal(t, provider.KindRender, provider.KindOf(err))
}
