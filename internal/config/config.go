package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"avm/server/internal/model"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	ModeMock = "mock"
	ModeLive = "live"
)

type Server struct {
	Addr             string        `toml:"addr"`
	JWTSecret        string        `toml:"jwt_secret"`
	AccessTTL        time.Duration `toml:"access_ttl"`
	RefreshTTL       time.Duration `toml:"refresh_ttl"`
	MaxConcurrentRun int           `toml:"max_concurrent_runs"`
	MaxUserRuns      int           `toml:"max_user_runs"`
	OperatorEmail    string        `toml:"operator_email"`
	OperatorPassword string        `toml:"operator_password"`
}

type Pipeline struct {
	OutputRoot      string             `toml:"output_root"`
	Workers         int                `toml:"workers"`
	StageTimeout    time.Duration      `toml:"stage_timeout"`
	BatchLimit      int                `toml:"batch_limit"`
	MaxTrendResults int                `toml:"max_trend_results"`
	Resume          bool               `toml:"resume"`
	Prompt          model.PromptConfig `toml:"prompt"`
}

type Providers struct {
	Mode          string `toml:"mode"`
	OpenAIKey     string `toml:"openai_api_key"`
	OpenAIBaseURL string `toml:"openai_base_url"`
	ChatModel     string `toml:"chat_model"`
	ImageModel    string `toml:"image_model"`
	ImageSize     string `toml:"image_size"`
	YouTubeAPIKey string `toml:"youtube_api_key"`
	FFmpegPath    string `toml:"ffmpeg_path"`
	FPS           int    `toml:"fps"`
	Width         int    `toml:"width"`
	Height        int    `toml:"height"`
}

type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Queue    string `toml:"queue"`
}

type Database struct {
	DSN string `toml:"dsn"`
}

// Schedule enqueues the same run request on a cron spec.
type Schedule struct {
	Name                 string   `toml:"name"`
	Spec                 string   `toml:"spec"`
	Keywords             []string `toml:"keywords"`
	TargetProduct        string   `toml:"target_product"`
	VideoDurationSeconds int      `toml:"video_duration_seconds"`
}

type Config struct {
	Server    Server     `toml:"server"`
	Pipeline  Pipeline   `toml:"pipeline"`
	Providers Providers  `toml:"providers"`
	Redis     Redis      `toml:"redis"`
	Database  Database   `toml:"database"`
	Schedules []Schedule `toml:"schedule"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:             ":8080",
			JWTSecret:        "dev-change-me",
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       14 * 24 * time.Hour,
			MaxConcurrentRun: 20,
			MaxUserRuns:      2,
		},
		Pipeline: Pipeline{
			OutputRoot:      "output",
			StageTimeout:    10 * time.Minute,
			MaxTrendResults: 50,
			Prompt:          model.DefaultPromptConfig(),
		},
		Providers: Providers{
			Mode:       ModeMock,
			ImageModel: "dall-e-3",
			ImageSize:  "1024x1024",
			FFmpegPath: "ffmpeg",
			FPS:        30,
			Width:      1080,
			Height:     1920,
		},
		Redis: Redis{
			Addr:  "localhost:6379",
			Queue: "avm:jobs",
		},
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// the optional TOML file at path, a .env file in the working directory and
// AVM_* environment variables. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Providers.Mode {
	case ModeMock, ModeLive:
	default:
		return &model.ConfigError{Field: "providers.mode", Reason: fmt.Sprintf("must be %q or %q, got %q", ModeMock, ModeLive, c.Providers.Mode)}
	}
	if strings.TrimSpace(c.Pipeline.OutputRoot) == "" {
		return &model.ConfigError{Field: "pipeline.output_root", Reason: "must not be empty"}
	}
	if c.Pipeline.StageTimeout < 0 {
		return &model.ConfigError{Field: "pipeline.stage_timeout", Reason: "must not be negative"}
	}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Spec) == "" {
			return &model.ConfigError{Field: fmt.Sprintf("schedule[%d].spec", i), Reason: "must not be empty"}
		}
	}
	return nil
}

func applyEnv(c *Config) {
	c.Server.Addr = env("AVM_SERVER_ADDR", c.Server.Addr)
	c.Server.JWTSecret = env("AVM_JWT_SECRET", c.Server.JWTSecret)
	c.Server.AccessTTL = envDuration("AVM_ACCESS_TTL", c.Server.AccessTTL)
	c.Server.RefreshTTL = envDuration("AVM_REFRESH_TTL", c.Server.RefreshTTL)
	c.Server.MaxConcurrentRun = envInt("AVM_MAX_CONCURRENT_RUNS", c.Server.MaxConcurrentRun)
	c.Server.MaxUserRuns = envInt("AVM_MAX_USER_RUNS", c.Server.MaxUserRuns)
	c.Server.OperatorEmail = env("AVM_OPERATOR_EMAIL", c.Server.OperatorEmail)
	c.Server.OperatorPassword = env("AVM_OPERATOR_PASSWORD", c.Server.OperatorPassword)

	c.Pipeline.OutputRoot = env("AVM_OUTPUT_ROOT", c.Pipeline.OutputRoot)
	c.Pipeline.Workers = envInt("AVM_WORKERS", c.Pipeline.Workers)
	c.Pipeline.StageTimeout = envDuration("AVM_STAGE_TIMEOUT", c.Pipeline.StageTimeout)
	c.Pipeline.BatchLimit = envInt("AVM_BATCH_LIMIT", c.Pipeline.BatchLimit)
	c.Pipeline.MaxTrendResults = envInt("AVM_MAX_TREND_RESULTS", c.Pipeline.MaxTrendResults)
	c.Pipeline.Resume = envBool("AVM_RESUME", c.Pipeline.Resume)

	c.Providers.Mode = strings.ToLower(env("AVM_PROVIDER_MODE", c.Providers.Mode))
	c.Providers.OpenAIKey = env("OPENAI_API_KEY", c.Providers.OpenAIKey)
	c.Providers.OpenAIBaseURL = env("AVM_OPENAI_BASE_URL", c.Providers.OpenAIBaseURL)
	c.Providers.ChatModel = env("AVM_CHAT_MODEL", c.Providers.ChatModel)
	c.Providers.ImageModel = env("AVM_IMAGE_MODEL", c.Providers.ImageModel)
	c.Providers.YouTubeAPIKey = env("YOUTUBE_API_KEY", c.Providers.YouTubeAPIKey)
	c.Providers.FFmpegPath = env("AVM_FFMPEG_PATH", c.Providers.FFmpegPath)

	c.Redis.Addr = env("AVM_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env("AVM_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Queue = env("AVM_REDIS_QUEUE", c.Redis.Queue)

	c.Database.DSN = env("DATABASE_URL", c.Database.DSN)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
