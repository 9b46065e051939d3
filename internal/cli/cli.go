package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"avm/server/internal/app"
	"avm/server/internal/config"
	"avm/server/internal/model"
	"avm/server/internal/pipeline"
	"avm/server/internal/runstore"
	"avm/server/internal/telemetry"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitInvalid = 2
)

var (
	demoKeywords = []string{"cooking tips", "healthy recipes", "quick meals"}
	demoProduct  = "Premium Cooking Course"
	demoDuration = 45
)

type options struct {
	mode       string
	keywords   string
	product    string
	duration   int
	output     string
	batchFile  string
	configPath string
	resume     bool
	logLevel   string
}

// usageError is reported with exit code 2 and never reaches a stage.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// Run executes the avm command line and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, errorStyle.Render("error: "+err.Error()))
		return exitInvalid
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render("error: "+err.Error()))
		return exitInvalid
	}
	logger := telemetry.NewLoggerTo(stderr, opts.logLevel)

	var code int
	switch opts.mode {
	case "status":
		code, err = runStatus(opts, stdout)
	case "batch":
		code, err = runBatch(ctx, cfg, opts, logger, stdout)
	default:
		code, err = runSingle(ctx, cfg, opts, logger, stdout)
	}
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render("error: "+err.Error()))
		var ue usageError
		if errors.As(err, &ue) || errors.Is(err, model.ErrConfig) {
			return exitInvalid
		}
		return exitFailed
	}
	return code
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("avm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.mode, "mode", "demo", "pipeline mode: demo|custom|full|batch|status")
	fs.StringVar(&o.keywords, "keywords", "cooking,tips,viral", "comma-separated trending keywords")
	fs.StringVar(&o.product, "product", "Cooking Course", "target product")
	fs.IntVar(&o.duration, "duration", 60, "video duration in seconds")
	fs.StringVar(&o.output, "output", "", "run directory (default: a fresh directory under pipeline.output_root)")
	fs.StringVar(&o.batchFile, "batch", "", "JSON file with a list of run requests (batch mode)")
	fs.StringVar(&o.configPath, "config", "avm.toml", "config file path")
	fs.BoolVar(&o.resume, "resume", false, "reuse completed stages recorded in -output")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, usageError{fmt.Sprintf("unexpected arguments: %s", strings.Join(fs.Args(), " "))}
	}
	switch o.mode {
	case "demo", "custom", "full", "batch", "status":
	default:
		return o, usageError{fmt.Sprintf("unknown mode %q", o.mode)}
	}
	return o, nil
}

func splitKeywords(raw string) []string {
	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func outputLocation(cfg config.Config, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return model.UniqueOutputLocation(cfg.Pipeline.OutputRoot, time.Now())
}

func runSingle(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger, stdout io.Writer) (int, error) {
	keywords, product, duration := splitKeywords(opts.keywords), opts.product, opts.duration
	if opts.mode == "demo" {
		keywords, product, duration = demoKeywords, demoProduct, demoDuration
	}
	if len(keywords) == 0 {
		return 0, usageError{"at least one keyword is required"}
	}
	if duration <= 0 {
		return 0, usageError{fmt.Sprintf("duration must be positive, got %d", duration)}
	}
	if opts.resume && opts.output == "" {
		return 0, usageError{"-resume needs -output pointing at the previous run directory"}
	}

	jc, err := model.NewJobConfig(keywords, product, duration, outputLocation(cfg, opts.output))
	if err != nil {
		return 0, err
	}
	orch, err := app.NewOrchestrator(cfg, logger, pipeline.WithResume(opts.resume || cfg.Pipeline.Resume))
	if err != nil {
		return 0, err
	}
	run, err := orch.Run(ctx, jc)
	if err != nil {
		return 0, err
	}

	fmt.Fprintln(stdout, renderSummary(run, opts.mode == "full"))
	if run.Status != model.RunCompleted {
		return exitFailed, nil
	}
	return exitOK, nil
}

type batchFileEntry struct {
	Keywords             []string `json:"keywords"`
	TargetProduct        string   `json:"target_product"`
	VideoDurationSeconds int      `json:"video_duration_seconds"`
	OutputLocation       string   `json:"output_location"`
}

func loadBatchFile(path string, cfg config.Config) ([]model.JobConfig, error) {
	if path == "" {
		return nil, usageError{"batch mode needs -batch <file.json>"}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var entries []batchFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, usageError{fmt.Sprintf("decode batch file %s: %v", path, err)}
	}
	if len(entries) == 0 {
		return nil, usageError{"batch file has no runs"}
	}
	configs := make([]model.JobConfig, 0, len(entries))
	for i, e := range entries {
		jc, err := model.NewJobConfig(e.Keywords, e.TargetProduct, e.VideoDurationSeconds, outputLocation(cfg, e.OutputLocation))
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		configs = append(configs, jc)
	}
	return configs, nil
}

func runBatch(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger, stdout io.Writer) (int, error) {
	configs, err := loadBatchFile(opts.batchFile, cfg)
	if err != nil {
		return 0, err
	}
	orch, err := app.NewOrchestrator(cfg, logger)
	if err != nil {
		return 0, err
	}
	result := pipeline.NewBatch(orch, cfg.Pipeline.BatchLimit, logger).Run(ctx, configs)

	fmt.Fprintln(stdout, renderBatch(result))
	if _, failed := result.Counts(); failed > 0 {
		return exitFailed, nil
	}
	return exitOK, nil
}

func runStatus(opts options, stdout io.Writer) (int, error) {
	if opts.output == "" {
		return 0, usageError{"status mode needs -output <run directory>"}
	}
	st, err := runstore.Scan(opts.output)
	if err != nil {
		return 0, err
	}
	fmt.Fprintln(stdout, renderStatus(st))
	if !st.Exists {
		return exitFailed, nil
	}
	return exitOK, nil
}
