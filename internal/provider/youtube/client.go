package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/provider"
	"avm/server/internal/trend"
)

const DefaultBaseURL = "https://www.googleapis.com/youtube/v3"

// Client searches recent YouTube videos through the Data API v3.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	now     func() time.Time
	window  time.Duration
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithPublishedWindow limits search results to videos published within d.
func WithPublishedWindow(d time.Duration) Option {
	return func(c *Client) { c.window = d }
}

// NewClient requires an API key. There is no fallback to fabricated data.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, &model.ConfigError{Field: "providers.youtube_api_key", Reason: "is required for live trend search"}
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 20 * time.Second},
		now:     time.Now,
		window:  7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ provider.TrendSearcher = (*Client)(nil)

func (c *Client) Search(ctx context.Context, keywords []string, maxResults int) ([]model.VideoRecord, error) {
	if len(keywords) == 0 || maxResults <= 0 {
		return []model.VideoRecord{}, nil
	}
	perKeyword := maxResults / len(keywords)
	if perKeyword < 1 {
		perKeyword = 1
	}
	if perKeyword > 50 {
		perKeyword = 50
	}

	all := make([]model.VideoRecord, 0, maxResults)
	for _, kw := range keywords {
		videos, err := c.searchKeyword(ctx, kw, perKeyword)
		if err != nil {
			return nil, err
		}
		all = append(all, videos...)
	}
	return trend.Rank(all, maxResults, c.now()), nil
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title       string    `json:"title"`
			Description string    `json:"description"`
			PublishedAt time.Time `json:"publishedAt"`
			Tags        []string  `json:"tags"`
			Thumbnails  map[string]struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

type videosResponse struct {
	Items []struct {
		ID         string `json:"id"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

func (c *Client) searchKeyword(ctx context.Context, keyword string, limit int) ([]model.VideoRecord, error) {
	q := url.Values{}
	q.Set("part", "snippet")
	q.Set("q", keyword)
	q.Set("type", "video")
	q.Set("order", "relevance")
	q.Set("maxResults", strconv.Itoa(limit))
	q.Set("publishedAfter", c.now().Add(-c.window).UTC().Format(time.RFC3339))

	var search searchResponse
	if err := c.get(ctx, "/search", q, &search); err != nil {
		return nil, err
	}
	if len(search.Items) == 0 {
		return []model.VideoRecord{}, nil
	}

	ids := make([]string, 0, len(search.Items))
	for _, item := range search.Items {
		ids = append(ids, item.ID.VideoID)
	}
	dq := url.Values{}
	dq.Set("part", "statistics,contentDetails")
	dq.Set("id", strings.Join(ids, ","))
	var details videosResponse
	if err := c.get(ctx, "/videos", dq, &details); err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(details.Items))
	for i, d := range details.Items {
		byID[d.ID] = i
	}

	out := make([]model.VideoRecord, 0, len(search.Items))
	for _, item := range search.Items {
		v := model.VideoRecord{
			Title:       item.Snippet.Title,
			Description: item.Snippet.Description,
			UploadDate:  item.Snippet.PublishedAt,
			URL:         "https://www.youtube.com/watch?v=" + item.ID.VideoID,
			Tags:        append([]string{}, item.Snippet.Tags...),
			Platform:    "youtube",
		}
		if thumb, ok := item.Snippet.Thumbnails["high"]; ok {
			v.Thumbnail = thumb.URL
		}
		if i, ok := byID[item.ID.VideoID]; ok {
			d := details.Items[i]
			v.Views = parseCount(d.Statistics.ViewCount)
			v.Likes = parseCount(d.Statistics.LikeCount)
			v.Comments = parseCount(d.Statistics.CommentCount)
			v.DurationSeconds = ParseDuration(d.ContentDetails.Duration)
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return provider.NetworkError("BAD_REQUEST", "build youtube request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return provider.CanceledError(ctx.Err())
		}
		return provider.NetworkError("YOUTUBE_UNREACHABLE", "youtube request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := provider.NetworkError(
			fmt.Sprintf("YOUTUBE_HTTP_%d", resp.StatusCode),
			fmt.Sprintf("youtube %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
		e.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return e
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.NetworkError("YOUTUBE_DECODE", "decode youtube response", err)
	}
	return nil
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseDuration converts an ISO-8601 video duration such as PT1H2M3S to
// seconds. Unparseable input yields 0.
func ParseDuration(s string) int {
	m := isoDuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	mult := []int{0, 86400, 3600, 60, 1}
	total := 0
	for i := 1; i < len(m); i++ {
		if m[i] == "" {
			continue
		}
		n, _ := strconv.Atoi(m[i])
		total += n * mult[i]
	}
	return total
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
