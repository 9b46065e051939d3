package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"avm/server/internal/model"
	"avm/server/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponse(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	require.NoError(t, err)
	return body
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return c
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfig))
}

func TestAnalyze(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		writeJSON(w, chatResponse(t, `{"summary":"short and useful","trending_factors":["speed","humor"],"content_hooks":["question"],"recommendations":["be brief"]}`))
	})

	videos := []model.VideoRecord{{Title: "x", Views: 100, Likes: 20}}
	got, err := c.Analyze(context.Background(), videos)
	require.NoError(t, err)
	assert.Equal(t, 1, got.VideosAnalyzed)
	assert.Equal(t, "excellent", got.EngagementLevel)
	assert.Equal(t, []string{"speed", "humor"}, got.TrendingFactors)
	assert.Equal(t, "short and useful", got.Summary)
}

func TestWriteScriptKeepsPlannedTiming(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, chatResponse(t, `{"title":"Cook faster","hook":"Stop!","call_to_action":"Buy now","hashtags":["#cook"],
			"sections":[
				{"name":"hook","narration":"Stop wasting time","visual":"chef","caption":"STOP"},
				{"name":"introduction","narration":"Meet the course","visual":"","caption":"MEET"},
				{"name":"main_content","narration":"Three tips","visual":"","caption":"TIPS"},
				{"name":"call_to_action","narration":"Enroll today","visual":"","caption":"ENROLL"}
			]}`))
	})

	doc, err := c.WriteScript(context.Background(), model.ScriptRequest{
		Keywords:        []string{"cooking"},
		TargetProduct:   "Course",
		DurationSeconds: 60,
		Analysis:        model.AnalysisResult{TrendingFactors: []string{"a", "b"}, EngagementLevel: "good"},
	})
	require.NoError(t, err)
	require.Len(t, doc.Sections, 4)
	assert.Equal(t, "Cook faster", doc.Title)
	assert.Equal(t, 0.0, doc.Sections[0].StartSeconds)
	assert.Equal(t, 60.0, doc.Sections[3].EndSeconds)
	assert.Equal(t, "Stop wasting time", doc.Sections[0].Narration)
	assert.Equal(t, "chef", doc.Sections[0].Visual)
	assert.Equal(t, "ENROLL", doc.Sections[3].Caption)
	assert.InDelta(t, 6.5, doc.SuccessProbability, 1e-9)
}

func TestMalformedResponseIsServiceError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, chatResponse(t, `not json`))
	})
	_, err := c.Analyze(context.Background(), []model.VideoRecord{{Title: "x", Views: 1}})
	require.Error(t, err)
	assert.Equal(t, provider.KindService, provider.KindOf(err))
}

func TestQuotaExceeded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`))
	})
	_, err := c.Analyze(context.Background(), []model.VideoRecord{{Title: "x", Views: 1}})
	require.Error(t, err)
	assert.Equal(t, "quota exceeded", err.Error())
	assert.Equal(t, provider.KindService, provider.KindOf(err))
}

func TestGenerateWritesImages(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]any{{"b64_json": png}},
		})
	})

	prompt := model.DefaultPromptConfig()
	prompt.Poses = []string{"front facing", "side"}
	dir := t.TempDir()
	refs, err := c.Generate(context.Background(), prompt, dir)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1024, refs[0].Width)

	data, err := os.ReadFile(refs[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(data))
}

func TestUndecodableResponseIsServiceError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("upstream proxy says hello"))
	})
	_, err := c.Analyze(context.Background(), []model.VideoRecord{{Title: "x", Views: 1}})
	require.Error(t, err)
	assert.Equal(t, provider.KindService, provider.KindOf(err))

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Retryable)
	assert.Equal(t, "MALFORMED_RESPONSE", perr.Code)
}

func TestUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL + "/"
	srv.Close()

	c, err := New(Config{APIKey: "test", BaseURL: base})
	require.NoError(t, err)
	_, err = c.Analyze(context.Background(), []model.VideoRecord{{Title: "x", Views: 1}})
	require.Error(t, err)
	assert.Equal(t, provider.KindNetwork, provider.KindOf(err))
}
