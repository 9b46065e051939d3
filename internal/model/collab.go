package model

import "time"

// VideoRecord is one trending video returned by a trend search.
type VideoRecord struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Views           int64     `json:"views"`
	Likes           int64     `json:"likes"`
	Comments        int64     `json:"comments"`
	DurationSeconds int       `json:"duration"`
	UploadDate      time.Time `json:"upload_date"`
	URL             string    `json:"url"`
	Thumbnail       string    `json:"thumbnail,omitempty"`
	Tags            []string  `json:"tags"`
	Platform        string    `json:"platform"`
}

type TopVideo struct {
	Title string `json:"title"`
	Views int64  `json:"views"`
	Likes int64  `json:"likes"`
}

type DurationBuckets struct {
	Short  int `json:"short_videos"`
	Medium int `json:"medium_videos"`
	Long   int `json:"long_videos"`
}

type EngagementSummary struct {
	AvgRate        float64            `json:"avg_engagement_rate"`
	HighEngagement int                `json:"high_engagement_videos"`
	ByPlatform     map[string]float64 `json:"platform_engagement"`
}

type TrendAnalysis struct {
	TotalVideos          int               `json:"total_videos"`
	PlatformDistribution map[string]int    `json:"platform_distribution"`
	AvgViews             float64           `json:"avg_views"`
	AvgLikes             float64           `json:"avg_likes"`
	AvgComments          float64           `json:"avg_comments"`
	AvgDuration          float64           `json:"avg_duration"`
	TopPerforming        []TopVideo        `json:"top_performing_videos"`
	CommonTags           map[string]int    `json:"common_tags"`
	Duration             DurationBuckets   `json:"duration_analysis"`
	Engagement           EngagementSummary `json:"engagement_analysis"`
}

// PromptConfig drives generation of the presenter ("model") images.
type PromptConfig struct {
	Gender    string   `json:"gender" toml:"gender"`
	Age       string   `json:"age" toml:"age"`
	Ethnicity string   `json:"ethnicity" toml:"ethnicity"`
	Style     string   `json:"style" toml:"style"`
	Setting   string   `json:"setting" toml:"setting"`
	Clothing  string   `json:"clothing" toml:"clothing"`
	Poses     []string `json:"poses" toml:"poses"`
	Product   string   `json:"product,omitempty" toml:"-"`
}

func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		Gender:    "female",
		Age:       "young adult",
		Ethnicity: "asian",
		Style:     "professional",
		Setting:   "studio",
		Clothing:  "business casual",
		Poses:     []string{"front facing", "three quarter view", "holding product"},
	}
}

type ImageRef struct {
	Path   string `json:"path"`
	Prompt string `json:"prompt"`
	Pose   string `json:"pose,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type AnalysisResult struct {
	VideosAnalyzed  int      `json:"videos_analyzed"`
	Summary         string   `json:"summary"`
	TrendingFactors []string `json:"trending_factors"`
	ContentHooks    []string `json:"content_hooks"`
	EngagementLevel string   `json:"engagement_level"`
	Recommendations []string `json:"recommendations"`
}

type ScriptRequest struct {
	Keywords        []string
	Trends          TrendAnalysis
	Analysis        AnalysisResult
	TargetProduct   string
	DurationSeconds int
}

type ScriptSection struct {
	Name         string  `json:"name"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Narration    string  `json:"narration"`
	Visual       string  `json:"visual"`
	Caption      string  `json:"caption"`
}

func (s ScriptSection) Duration() float64 {
	return s.EndSeconds - s.StartSeconds
}

type ScriptDocument struct {
	Title              string          `json:"title"`
	Hook               string          `json:"hook"`
	TargetProduct      string          `json:"target_product"`
	DurationSeconds    int             `json:"video_duration"`
	Sections           []ScriptSection `json:"sections"`
	CallToAction       string          `json:"call_to_action"`
	Hashtags           []string        `json:"hashtags"`
	SuccessProbability float64         `json:"success_probability"`
}

type RenderInfo struct {
	OutputPath      string  `json:"output_path"`
	DurationSeconds float64 `json:"duration"`
}

type EditInfo struct {
	OutputPaths  []string `json:"output_paths"`
	ClipPaths    []string `json:"clip_paths,omitempty"`
	ClipsCreated int      `json:"clips_created"`
}
