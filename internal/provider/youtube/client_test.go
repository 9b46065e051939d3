package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]int{
		"PT15S":    15,
		"PT1M30S":  90,
		"PT1H2M3S": 3723,
		"P1DT1S":   86401,
		"PT0S":     0,
		"garbage":  0,
		"":         0,
		"PT10M":    600,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseDuration(in), in)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("  ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfig))
}

func TestSearch(t *testing.T) {
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	var searches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		switch r.URL.Path {
		case "/search":
			searches++
			assert.Equal(t, "2", r.URL.Query().Get("maxResults"))
			q := r.URL.Query().Get("q")
			fmt.Fprintf(w, `{"items":[
				{"id":{"videoId":"%s1"},"snippet":{"title":"%s one","publishedAt":"2025-03-09T00:00:00Z","tags":["x"],"thumbnails":{"high":{"url":"http://t/1"}}}},
				{"id":{"videoId":"%s2"},"snippet":{"title":"%s two","publishedAt":"2025-03-09T00:00:00Z"}}
			]}`, q, q, q, q)
		case "/videos":
			assert.Equal(t, "statistics,contentDetails", r.URL.Query().Get("part"))
			fmt.Fprint(w, `{"items":[
				{"id":"a1","statistics":{"viewCount":"1000","likeCount":"10","commentCount":"0"},"contentDetails":{"duration":"PT30S"}},
				{"id":"a2","statistics":{"viewCount":"1000","likeCount":"200","commentCount":"5"},"contentDetails":{"duration":"PT1M"}},
				{"id":"b1","statistics":{"viewCount":"500","likeCount":"50"},"contentDetails":{"duration":"PT5S"}}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewClient("k", WithBaseURL(srv.URL), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	videos, err := c.Search(context.Background(), []string{"a", "b"}, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, searches)
	require.Len(t, videos, 4)
	assert.Equal(t, "a two", videos[0].Title)
	assert.Equal(t, int64(205), videos[0].Likes+videos[0].Comments)
	assert.Equal(t, 60, videos[0].DurationSeconds)
	assert.Equal(t, "youtube", videos[0].Platform)

	var b2 model.VideoRecord
	for _, v := range videos {
		if v.Title == "b two" {
			b2 = v
		}
	}
	assert.Zero(t, b2.Views, "missing details leave zero counts")
}

func TestSearchHTTPErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient("k", WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.Search(context.Background(), []string{"a"}, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrCollaborator))
	assert.Equal(t, provider.KindNetwork, provider.KindOf(err))
	assert.Contains(t, err.Error(), "403")
}
