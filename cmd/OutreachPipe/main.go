package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/bluesky"
	"github.com/BTreeMap/OutreachPipe/internal/dispatch"
	"github.com/BTreeMap/OutreachPipe/internal/genai"
	"github.com/BTreeMap/OutreachPipe/internal/ledger"
	"github.com/BTreeMap/OutreachPipe/internal/lockfile"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/replies"
	"github.com/BTreeMap/OutreachPipe/internal/report"
	"github.com/BTreeMap/OutreachPipe/internal/runner"
	"github.com/BTreeMap/OutreachPipe/internal/scheduler"
	"github.com/BTreeMap/OutreachPipe/internal/selector"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OutreachPipe state data
	DefaultStateDir = "/var/lib/outreachpipe"
	// DefaultBlobDirName is the directory under the state dir used when no blob store is configured
	DefaultBlobDirName = "objects"
	// DefaultMessageTemplate is sent when no template file is configured
	DefaultMessageTemplate = "Hi! We came across your post from [time]\n\n[link to tweet]\n\nWe are a research team studying online conversations. If you are open to sharing your thoughts on this post, just reply here."
)

// Modes selected with -mode
const (
	modeSend    = "send"
	modeReplies = "replies"
)

// Exit codes
const (
	exitOK     = 0
	exitFailed = 1
	exitLocked = 2
	exitConfig = 3
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.LogLevel)

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, flags, os.Stdout)
	stop()
	os.Exit(code)
}

// Config holds environment configuration
type Config struct {
	LogLevel              string
	Mode                  string
	StateDir              string
	BlobStore             string
	DatabaseURL           string
	S3Region              string
	S3Endpoint            string
	PostsObject           string
	LedgerObject          string
	LegacyLedgerObject    string
	ScoreThreshold        float64
	TemplatePath          string
	PermalinkFormat       string
	BackoffMode           string
	BackoffWindow         time.Duration
	BackoffMax            time.Duration
	MaxDeferrals          int
	FallbackOnUnavailable bool
	ScoreConcurrency      int
	RequestsPerSecond     int
	BlueskyPDS            string
	OpenAIKey             string
	Notify                bool
	Cron                  string
	RepliesPrefix         string
}

// Flags holds command line flag values
type Flags struct {
	mode                  *string
	stateDir              *string
	blobStore             *string
	s3Region              *string
	s3Endpoint            *string
	postsObject           *string
	ledgerObject          *string
	legacyLedgerObject    *string
	threshold             *float64
	templatePath          *string
	permalinkFormat       *string
	backoffMode           *string
	backoffWindow         *time.Duration
	backoffMax            *time.Duration
	maxDeferrals          *int
	fallbackOnUnavailable *bool
	scoreConcurrency      *int
	rps                   *int
	pds                   *string
	openaiKey             *string
	notify                *bool
	cron                  *string
	repliesPrefix         *string
	repliesWindow         *time.Duration
}

// initializeLogger sets up structured logging at the requested level (debug by default)
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:              os.Getenv("OUTREACH_LOG_LEVEL"),
		Mode:                  util.GetEnv("OUTREACH_MODE", modeSend),
		StateDir:              util.GetEnv("OUTREACH_STATE_DIR", DefaultStateDir),
		BlobStore:             os.Getenv("OUTREACH_BLOB_STORE"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		S3Region:              os.Getenv("OUTREACH_S3_REGION"),
		S3Endpoint:            os.Getenv("OUTREACH_S3_ENDPOINT"),
		PostsObject:           util.GetEnv("OUTREACH_POSTS_OBJECT", runner.DefaultPostsObject),
		LedgerObject:          util.GetEnv("OUTREACH_LEDGER_OBJECT", ledger.DefaultObjectID),
		LegacyLedgerObject:    os.Getenv("OUTREACH_LEGACY_LEDGER_OBJECT"),
		ScoreThreshold:        util.ParseFloatEnv("OUTREACH_SCORE_THRESHOLD", models.DefaultScoreThreshold),
		TemplatePath:          os.Getenv("OUTREACH_TEMPLATE_PATH"),
		PermalinkFormat:       os.Getenv("OUTREACH_PERMALINK_FORMAT"),
		BackoffMode:           util.GetEnv("OUTREACH_BACKOFF_MODE", dispatch.BackoffFixed),
		BackoffWindow:         util.ParseDurationEnv("OUTREACH_BACKOFF_WINDOW", dispatch.DefaultBackoffWindow),
		BackoffMax:            util.ParseDurationEnv("OUTREACH_BACKOFF_MAX", 4*dispatch.DefaultBackoffWindow),
		MaxDeferrals:          util.ParseIntEnv("OUTREACH_MAX_DEFERRALS", dispatch.DefaultMaxDeferrals),
		FallbackOnUnavailable: util.ParseBoolEnv("OUTREACH_FALLBACK_ON_UNAVAILABLE", true),
		ScoreConcurrency:      util.ParseIntEnv("OUTREACH_SCORE_CONCURRENCY", selector.DefaultScoreConcurrency),
		RequestsPerSecond:     util.ParseIntEnv("OUTREACH_RPS", bluesky.DefaultRequestsPerSecond),
		BlueskyPDS:            util.GetEnv("BLUESKY_PDS", bluesky.DefaultPDS),
		OpenAIKey:             os.Getenv("OPENAI_API_KEY"),
		Notify:                util.ParseBoolEnv("OUTREACH_NOTIFY", false),
		Cron:                  os.Getenv("OUTREACH_CRON"),
		RepliesPrefix:         util.GetEnv("OUTREACH_REPLIES_PREFIX", replies.DefaultPrefix),
	}

	// Fall back to DATABASE_URL, then to a directory in the state dir
	if config.BlobStore == "" {
		config.BlobStore = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as OUTREACH_BLOB_STORE", "dsn_set", true)
		}
	}
	if config.BlobStore == "" {
		config.BlobStore = filepath.Join(config.StateDir, DefaultBlobDirName)
		slog.Debug("No blob store configured, defaulting to state directory", "blob_dir", config.BlobStore)
	}

	slog.Debug("environment variables loaded",
		"OUTREACH_MODE", config.Mode,
		"OUTREACH_STATE_DIR", config.StateDir,
		"OUTREACH_BLOB_STORE_TYPE", store.DetectDSNType(config.BlobStore),
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OUTREACH_POSTS_OBJECT", config.PostsObject,
		"OUTREACH_LEDGER_OBJECT", config.LedgerObject,
		"OUTREACH_SCORE_THRESHOLD", config.ScoreThreshold,
		"OUTREACH_BACKOFF_MODE", config.BackoffMode,
		"OUTREACH_BACKOFF_WINDOW", config.BackoffWindow,
		"OUTREACH_MAX_DEFERRALS", config.MaxDeferrals,
		"OUTREACH_FALLBACK_ON_UNAVAILABLE", config.FallbackOnUnavailable,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OUTREACH_NOTIFY", config.Notify,
		"OUTREACH_CRON", config.Cron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("OutreachPipe", flag.ContinueOnError)
	flags := Flags{
		mode:                  fs.String("mode", config.Mode, "send: message new candidates; replies: export the replies received (overrides $OUTREACH_MODE)"),
		stateDir:              fs.String("state-dir", config.StateDir, "state directory holding the run lock (overrides $OUTREACH_STATE_DIR)"),
		blobStore:             fs.String("blob-store", config.BlobStore, "s3://bucket/prefix, Postgres DSN, SQLite file or directory (overrides $OUTREACH_BLOB_STORE or $DATABASE_URL)"),
		s3Region:              fs.String("s3-region", config.S3Region, "S3 region (overrides $OUTREACH_S3_REGION)"),
		s3Endpoint:            fs.String("s3-endpoint", config.S3Endpoint, "S3-compatible endpoint URL (overrides $OUTREACH_S3_ENDPOINT)"),
		postsObject:           fs.String("posts", config.PostsObject, "classified posts object (overrides $OUTREACH_POSTS_OBJECT)"),
		ledgerObject:          fs.String("ledger", config.LedgerObject, "ledger object (overrides $OUTREACH_LEDGER_OBJECT)"),
		legacyLedgerObject:    fs.String("legacy-ledger", config.LegacyLedgerObject, "older ledger export read when the ledger object is missing (overrides $OUTREACH_LEGACY_LEDGER_OBJECT)"),
		threshold:             fs.Float64("threshold", config.ScoreThreshold, "score a post must exceed (overrides $OUTREACH_SCORE_THRESHOLD)"),
		templatePath:          fs.String("template", config.TemplatePath, "message template file (overrides $OUTREACH_TEMPLATE_PATH)"),
		permalinkFormat:       fs.String("permalink-format", config.PermalinkFormat, "printf format from (handle, post id) to permalink (overrides $OUTREACH_PERMALINK_FORMAT)"),
		backoffMode:           fs.String("backoff", config.BackoffMode, "rate limit backoff: fixed or exponential (overrides $OUTREACH_BACKOFF_MODE)"),
		backoffWindow:         fs.Duration("backoff-window", config.BackoffWindow, "pause after a rate limit (overrides $OUTREACH_BACKOFF_WINDOW)"),
		backoffMax:            fs.Duration("backoff-max", config.BackoffMax, "longest exponential pause (overrides $OUTREACH_BACKOFF_MAX)"),
		maxDeferrals:          fs.Int("max-deferrals", config.MaxDeferrals, "rate limit pauses allowed per run, 0 for unlimited (overrides $OUTREACH_MAX_DEFERRALS)"),
		fallbackOnUnavailable: fs.Bool("fallback-on-unavailable", config.FallbackOnUnavailable, "send a friend request when the DM target is unavailable (overrides $OUTREACH_FALLBACK_ON_UNAVAILABLE)"),
		scoreConcurrency:      fs.Int("score-concurrency", config.ScoreConcurrency, "parallel classifier calls for unscored posts (overrides $OUTREACH_SCORE_CONCURRENCY)"),
		rps:                   fs.Int("rps", config.RequestsPerSecond, "platform requests per second (overrides $OUTREACH_RPS)"),
		pds:                   fs.String("pds", config.BlueskyPDS, "Bluesky PDS URL (overrides $BLUESKY_PDS)"),
		openaiKey:             fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for scoring unscored posts (overrides $OPENAI_API_KEY)"),
		notify:                fs.Bool("notify", config.Notify, "send the run summary to the operator over WhatsApp (overrides $OUTREACH_NOTIFY)"),
		cron:                  fs.String("cron", config.Cron, "run on this cron schedule instead of once (overrides $OUTREACH_CRON)"),
		repliesPrefix:         fs.String("replies-prefix", config.RepliesPrefix, "object prefix of the replies export (overrides $OUTREACH_REPLIES_PREFIX)"),
		repliesWindow:         fs.Duration("replies-window", 0, "how far back replies are collected, 0 for $OUTREACH_REPLIES_WINDOW_DAYS or 30 days"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"mode", *flags.mode,
		"stateDir", *flags.stateDir,
		"blobStoreType", store.DetectDSNType(*flags.blobStore),
		"postsObject", *flags.postsObject,
		"ledgerObject", *flags.ledgerObject,
		"threshold", *flags.threshold,
		"templatePath", *flags.templatePath,
		"backoffMode", *flags.backoffMode,
		"openaiKeySet", *flags.openaiKey != "",
		"notify", *flags.notify,
		"cron", *flags.cron)

	// Follow a changed state dir when the blob store was left at its default
	if *flags.blobStore == filepath.Join(config.StateDir, DefaultBlobDirName) && *flags.stateDir != config.StateDir {
		*flags.blobStore = filepath.Join(*flags.stateDir, DefaultBlobDirName)
		slog.Debug("Updated blob store based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	if *flags.mode != modeSend && *flags.mode != modeReplies {
		return Flags{}, fmt.Errorf("unknown mode %q, want %s or %s", *flags.mode, modeSend, modeReplies)
	}
	if *flags.threshold < models.MinScore || *flags.threshold > models.MaxScore {
		return Flags{}, fmt.Errorf("threshold %v: %w", *flags.threshold, models.ErrScoreOutOfRange)
	}
	if *flags.cron != "" {
		if err := scheduler.Validate(*flags.cron); err != nil {
			return Flags{}, err
		}
	}
	return flags, nil
}

// run wires the components and performs one run, or runs on the cron schedule
// until ctx is done. It returns the process exit code.
func run(ctx context.Context, flags Flags, out io.Writer) int {
	lock, err := lockfile.AcquireLock(*flags.stateDir, "OutreachPipe")
	if err != nil {
		slog.Error("Another OutreachPipe run holds the state directory", "error", err)
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			return exitLocked
		}
		return exitFailed
	}
	defer lock.Release()

	blobs, err := store.Open(ctx, *flags.blobStore, buildStoreOptions(flags)...)
	if err != nil {
		slog.Error("Failed to open blob store", "error", err)
		return exitConfig
	}
	defer blobs.Close()

	platform, err := bluesky.NewClient(buildBlueskyOptions(flags)...)
	if err != nil {
		slog.Error("Failed to create Bluesky client", "error", err)
		return exitConfig
	}

	job, err := buildJob(flags, platform, blobs, out)
	if err != nil {
		slog.Error("Invalid run configuration", "mode", *flags.mode, "error", err)
		return exitConfig
	}

	if *flags.cron == "" {
		slog.Info("Bootstrapping OutreachPipe for a single run", "mode", *flags.mode)
		if err := job(ctx); err != nil {
			slog.Error("OutreachPipe run failed", "mode", *flags.mode, "error", err)
			return exitFailed
		}
		slog.Info("OutreachPipe exited successfully")
		return exitOK
	}

	s := scheduler.NewScheduler()
	if err := s.AddRun(ctx, *flags.cron, *flags.mode, job); err != nil {
		slog.Error("Failed to schedule runs", "cron", *flags.cron, "error", err)
		s.Stop()
		return exitConfig
	}
	slog.Info("OutreachPipe scheduled", "cron", *flags.cron, "mode", *flags.mode)
	<-ctx.Done()
	slog.Info("Shutting down scheduler, waiting for the current run")
	s.Stop()
	return exitOK
}

// buildJob returns the work one run performs in the selected mode
func buildJob(flags Flags, platform *bluesky.Client, blobs store.BlobStore, out io.Writer) (func(context.Context) error, error) {
	if *flags.mode == modeReplies {
		c, err := replies.New(platform, blobs, buildRepliesOptions(flags, out)...)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, err := c.Collect(ctx)
			return err
		}, nil
	}

	runnerOpts, err := buildRunnerOptions(flags, out)
	if err != nil {
		return nil, err
	}
	r, err := runner.New(platform, blobs, runnerOpts...)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	}, nil
}

// buildRepliesOptions constructs replies collector options
func buildRepliesOptions(flags Flags, out io.Writer) []replies.Option {
	opts := []replies.Option{
		replies.WithPrefix(*flags.repliesPrefix),
		replies.WithSummaryOutput(out),
	}
	if *flags.repliesWindow > 0 {
		opts = append(opts, replies.WithWindow(*flags.repliesWindow))
	}
	return opts
}

// buildStoreOptions constructs blob store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if store.DetectDSNType(*flags.blobStore) != store.BackendS3 {
		return storeOpts
	}
	if *flags.s3Region != "" {
		storeOpts = append(storeOpts, store.WithRegion(*flags.s3Region))
	}
	if *flags.s3Endpoint != "" {
		storeOpts = append(storeOpts, store.WithEndpoint(*flags.s3Endpoint))
	}
	return storeOpts
}

// buildBlueskyOptions constructs platform client options; credentials come from the environment
func buildBlueskyOptions(flags Flags) []bluesky.Option {
	var opts []bluesky.Option
	if *flags.pds != "" {
		opts = append(opts, bluesky.WithPDS(*flags.pds))
	}
	if *flags.rps > 0 {
		opts = append(opts, bluesky.WithRequestsPerSecond(*flags.rps))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildDispatchOptions constructs dispatcher options from the backoff and fallback settings
func buildDispatchOptions(flags Flags) ([]dispatch.Option, error) {
	policy, err := dispatch.NewBackoffPolicy(*flags.backoffMode, *flags.backoffWindow, *flags.backoffMax)
	if err != nil {
		return nil, err
	}
	return []dispatch.Option{
		dispatch.WithBackoff(policy),
		dispatch.WithMaxDeferrals(*flags.maxDeferrals),
		dispatch.WithFallbackOnUnavailable(*flags.fallbackOnUnavailable),
	}, nil
}

// loadTemplate reads the template file, or uses DefaultMessageTemplate when none is set
func loadTemplate(path string) (*dispatch.Template, error) {
	if path == "" {
		slog.Debug("No template file configured, using built-in template")
		return dispatch.ParseTemplate(DefaultMessageTemplate)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	return dispatch.ParseTemplate(string(data))
}

// buildRunnerOptions constructs runner options, including the optional scorer and notifier
func buildRunnerOptions(flags Flags, out io.Writer) ([]runner.Option, error) {
	tmpl, err := loadTemplate(*flags.templatePath)
	if err != nil {
		return nil, err
	}
	dispatchOpts, err := buildDispatchOptions(flags)
	if err != nil {
		return nil, err
	}

	opts := []runner.Option{
		runner.WithTemplate(tmpl),
		runner.WithPostsObject(*flags.postsObject),
		runner.WithLedgerObject(*flags.ledgerObject, *flags.legacyLedgerObject),
		runner.WithExportPrefixes(report.DefaultAuditPrefix, report.DefaultCandidatesPrefix),
		runner.WithThreshold(*flags.threshold),
		runner.WithPermalinkFormat(*flags.permalinkFormat),
		runner.WithDispatchOptions(dispatchOpts...),
		runner.WithSummaryOutput(out),
	}

	if *flags.openaiKey != "" {
		classifier, err := genai.NewClassifier(buildGenAIOptions(flags)...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, runner.WithScorer(classifier, *flags.scoreConcurrency))
	} else {
		slog.Debug("No OpenAI key, unscored posts will be skipped")
	}

	if *flags.notify {
		notifier, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("operator notification: %w", err)
		}
		opts = append(opts, runner.WithNotifier(notifier))
	}
	return opts, nil
}
