package model

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobConfig describes one orchestration run. The zero value is invalid; build
// it with NewJobConfig so the fields stay immutable.
type JobConfig struct {
	keywords       []string
	targetProduct  string
	duration       int
	outputLocation string
}

func NewJobConfig(keywords []string, targetProduct string, durationSeconds int, outputLocation string) (JobConfig, error) {
	cleaned := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	cfg := JobConfig{
		keywords:       cleaned,
		targetProduct:  strings.TrimSpace(targetProduct),
		duration:       durationSeconds,
		outputLocation: strings.TrimSpace(outputLocation),
	}
	if err := cfg.Validate(); err != nil {
		return JobConfig{}, err
	}
	return cfg, nil
}

func (c JobConfig) Validate() error {
	if len(c.keywords) == 0 {
		return &ConfigError{Field: "keywords", Reason: "at least one keyword is required"}
	}
	if c.duration <= 0 {
		return &ConfigError{Field: "video_duration_seconds", Reason: "must be positive"}
	}
	if c.outputLocation == "" {
		return &ConfigError{Field: "output_location", Reason: "is required"}
	}
	return nil
}

func (c JobConfig) Keywords() []string {
	return append([]string(nil), c.keywords...)
}

func (c JobConfig) TargetProduct() string { return c.targetProduct }

func (c JobConfig) VideoDurationSeconds() int { return c.duration }

func (c JobConfig) OutputLocation() string { return c.outputLocation }

type jobConfigJSON struct {
	Keywords             []string `json:"keywords"`
	TargetProduct        string   `json:"target_product"`
	VideoDurationSeconds int      `json:"video_duration_seconds"`
	OutputLocation       string   `json:"output_location"`
}

func (c JobConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobConfigJSON{
		Keywords:             c.Keywords(),
		TargetProduct:        c.targetProduct,
		VideoDurationSeconds: c.duration,
		OutputLocation:       c.outputLocation,
	})
}

func (c *JobConfig) UnmarshalJSON(data []byte) error {
	var raw jobConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := NewJobConfig(raw.Keywords, raw.TargetProduct, raw.VideoDurationSeconds, raw.OutputLocation)
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}

// UniqueOutputLocation returns a fresh run directory under root, named by
// timestamp plus a random suffix so concurrent runs never share a location.
func UniqueOutputLocation(root string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(root, "run_"+now.UTC().Format("20060102_150405")+"_"+suffix)
}
