// Package runner wires one outreach run end to end: read the classified
// posts, score what the classifier left blank, select candidates against the
// ledger, dispatch, and persist the ledger, audit log and summary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/dispatch"
	"github.com/BTreeMap/OutreachPipe/internal/ledger"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/report"
	"github.com/BTreeMap/OutreachPipe/internal/selector"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/tabular"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// DefaultPostsObject is the classifier output read at the start of a run.
const DefaultPostsObject = "classified_posts.csv"

// Stop reasons recorded when a run ends before dispatching.
const (
	StopFailed    = "failed"
	StopCancelled = "cancelled"
)

// Opts holds runner configuration.
type Opts struct {
	PostsObject        string
	LedgerObject       string
	LegacyLedgerObject string
	AuditPrefix        string
	CandidatesPrefix   string
	Threshold          float64
	PermalinkFormat    string
	Scorer             selector.Scorer
	ScoreConcurrency   int
	Template           *dispatch.Template
	DispatchOptions    []dispatch.Option
	Notifier           report.Notifier
	Out                io.Writer
	NewRunID           func() string
}

// Option configures the runner.
type Option func(*Opts)

func WithPostsObject(id string) Option {
	return func(o *Opts) { o.PostsObject = id }
}

// WithLedgerObject sets where the ledger lives. legacy, when set, is read
// once if the ledger object does not exist yet.
func WithLedgerObject(id, legacy string) Option {
	return func(o *Opts) {
		o.LedgerObject = id
		o.LegacyLedgerObject = legacy
	}
}

// WithExportPrefixes sets the object prefixes for the audit log and the
// selected-candidates export.
func WithExportPrefixes(audit, candidates string) Option {
	return func(o *Opts) {
		o.AuditPrefix = audit
		o.CandidatesPrefix = candidates
	}
}

func WithThreshold(t float64) Option {
	return func(o *Opts) { o.Threshold = t }
}

func WithPermalinkFormat(format string) Option {
	return func(o *Opts) { o.PermalinkFormat = format }
}

// WithScorer enables scoring of rows that arrive without a score.
func WithScorer(s selector.Scorer, concurrency int) Option {
	return func(o *Opts) {
		o.Scorer = s
		o.ScoreConcurrency = concurrency
	}
}

func WithTemplate(t *dispatch.Template) Option {
	return func(o *Opts) { o.Template = t }
}

// WithDispatchOptions passes options through to every run's dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(o *Opts) { o.DispatchOptions = append(o.DispatchOptions, opts...) }
}

func WithNotifier(n report.Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithSummaryOutput sets where the summary line is printed.
func WithSummaryOutput(w io.Writer) Option {
	return func(o *Opts) { o.Out = w }
}

// WithRunIDs overrides run id generation.
func WithRunIDs(fn func() string) Option {
	return func(o *Opts) { o.NewRunID = fn }
}

// Runner executes outreach runs against one platform account and blob store.
type Runner struct {
	platform messaging.Platform
	blobs    store.BlobStore
	opts     Opts
}

// New validates the configuration and returns a runner.
func New(platform messaging.Platform, blobs store.BlobStore, opts ...Option) (*Runner, error) {
	o := Opts{
		PostsObject:  DefaultPostsObject,
		LedgerObject: ledger.DefaultObjectID,
		Threshold:    models.DefaultScoreThreshold,
		Out:          io.Discard,
		NewRunID:     util.GenerateRunID,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if platform == nil || blobs == nil {
		return nil, fmt.Errorf("platform and blob store must be provided")
	}
	if o.Template == nil {
		return nil, fmt.Errorf("message template must be provided")
	}
	if o.Threshold < models.MinScore || o.Threshold > models.MaxScore {
		return nil, fmt.Errorf("threshold %v: %w", o.Threshold, models.ErrScoreOutOfRange)
	}
	return &Runner{platform: platform, blobs: blobs, opts: o}, nil
}

// run is the state owned by a single Run call.
type run struct {
	id     string
	rep    *report.Reporter
	repo   *ledger.Repository
	ledger *ledger.Ledger

	// dispatched is set once the dispatcher has reported its stop reason.
	dispatched bool
}

// Run performs one outreach run. The audit log and summary are produced even
// when the run fails or is cancelled; the ledger is flushed whenever it was
// loaded.
func (r *Runner) Run(ctx context.Context) (report.Summary, error) {
	id := r.opts.NewRunID()
	var repoOpts []ledger.RepositoryOption
	if r.opts.LegacyLedgerObject != "" {
		repoOpts = append(repoOpts, ledger.WithSourceObject(r.opts.LegacyLedgerObject))
	}
	rn := &run{
		id:   id,
		rep:  report.New(id),
		repo: ledger.NewRepository(r.blobs, r.opts.LedgerObject, repoOpts...),
	}
	slog.Info("Runner.Run: starting", "run_id", id)

	err := r.execute(ctx, rn)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			rn.rep.SetStop(StopCancelled)
		case !rn.dispatched:
			rn.rep.SetStop(StopFailed)
		}
	}
	err = errors.Join(err, r.finish(ctx, rn))

	summary := rn.rep.Summary()
	if werr := rn.rep.WriteSummary(r.opts.Out); werr != nil {
		slog.Warn("Runner.Run: failed to print summary", "error", werr)
	}
	if nerr := report.NotifySummary(context.WithoutCancel(ctx), r.opts.Notifier, summary); nerr != nil {
		slog.Warn("Runner.Run: operator notification failed", "error", nerr)
	}
	slog.Info("Runner.Run: finished", "run_id", id, "stop", summary.Stop, "sent", summary.Sent, "error", err)
	return summary, err
}

func (r *Runner) execute(ctx context.Context, rn *run) error {
	self, err := r.platform.SelfIdentity(ctx)
	if err != nil {
		return fmt.Errorf("platform identity: %w", err)
	}
	slog.Info("Runner.execute: sending as", "run_id", rn.id, "self", self)

	data, err := r.blobs.Fetch(ctx, r.opts.PostsObject)
	if err != nil {
		return fmt.Errorf("fetch posts %s: %w", r.opts.PostsObject, err)
	}
	posts, stats, err := tabular.DecodePosts(data, r.opts.PermalinkFormat)
	if err != nil {
		return fmt.Errorf("decode posts %s: %w", r.opts.PostsObject, err)
	}
	slog.Info("Runner.execute: posts decoded", "rows", stats.Rows, "accepted", stats.Accepted,
		"skipped", stats.Skipped, "unscored", stats.Unscored)

	if stats.Unscored > 0 {
		var sstats selector.ScoreStats
		posts, sstats, err = selector.ScoreMissing(ctx, posts, r.opts.Scorer, r.opts.ScoreConcurrency)
		if err != nil {
			return fmt.Errorf("score posts: %w", err)
		}
		slog.Info("Runner.execute: unscored posts processed", "scored", sstats.Scored, "dropped", sstats.Dropped,
			"scorer_set", r.opts.Scorer != nil)
	}

	rn.ledger, err = rn.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	sel := selector.Select(posts, r.opts.Threshold, rn.ledger)
	slog.Info("Runner.execute: candidates selected", "candidates", len(sel.Candidates),
		"already_contacted", len(sel.AlreadyContacted), "below_threshold", sel.BelowThreshold, "unscored", sel.Unscored)
	for _, userID := range sel.AlreadyContacted {
		rn.rep.Record(models.DispatchOutcome{
			UserID: userID,
			Status: models.OutcomeSkippedAlreadyContacted,
			Detail: "in ledger before run",
		})
	}

	if len(sel.Candidates) > 0 {
		exportID := report.CandidatesObjectID(r.opts.CandidatesPrefix, rn.id)
		if err := report.ExportCandidates(ctx, r.blobs, exportID, sel.Candidates); err != nil {
			slog.Warn("Runner.execute: candidates export failed", "object_id", exportID, "error", err)
		}
	}

	opts := append([]dispatch.Option{dispatch.WithCheckpointer(rn.repo)}, r.opts.DispatchOptions...)
	d := dispatch.New(r.platform, rn.ledger, r.opts.Template, rn.rep, opts...)
	res, err := d.Run(ctx, sel.Candidates)
	rn.rep.SetStop(string(res.Stop))
	rn.dispatched = true
	return err
}

// finish flushes the ledger and audit log, ignoring cancellation of ctx.
func (r *Runner) finish(ctx context.Context, rn *run) error {
	flushCtx := context.WithoutCancel(ctx)
	var errs []error
	if rn.ledger != nil {
		if err := rn.repo.Save(flushCtx, rn.ledger); err != nil {
			slog.Error("Runner.finish: final ledger flush failed", "run_id", rn.id, "error", err)
			errs = append(errs, fmt.Errorf("flush ledger: %w", err))
		}
	}
	auditID := report.AuditObjectID(r.opts.AuditPrefix, rn.id)
	if err := rn.rep.Flush(flushCtx, r.blobs, auditID); err != nil {
		slog.Error("Runner.finish: audit flush failed", "run_id", rn.id, "error", err)
		errs = append(errs, fmt.Errorf("flush audit log: %w", err))
	}
	return errors.Join(errs...)
}
