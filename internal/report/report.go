// Package report collects per-candidate outcomes of a run, persists the audit
// log and produces the run summary.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/tabular"
)

// Default object name prefixes for the per-run exports.
const (
	DefaultAuditPrefix      = "audit"
	DefaultCandidatesPrefix = "messaged_users_tweets"
)

// AuditObjectID returns the audit log object for a run, e.g. "audit/run_ab12.csv".
func AuditObjectID(prefix, runID string) string {
	if prefix == "" {
		prefix = DefaultAuditPrefix
	}
	return fmt.Sprintf("%s/%s.csv", prefix, runID)
}

// CandidatesObjectID returns the selected-candidates export for a run.
func CandidatesObjectID(prefix, runID string) string {
	if prefix == "" {
		prefix = DefaultCandidatesPrefix
	}
	return fmt.Sprintf("%s/candidates_%s.csv", prefix, runID)
}

// Summary holds the per-run counters printed at the end of every run.
type Summary struct {
	RunID                    string `json:"run_id"`
	Processed                int    `json:"processed"`
	Sent                     int    `json:"sent"`
	SkippedAlreadyContacted  int    `json:"skipped_already_contacted"`
	SkippedCannotDM          int    `json:"skipped_cannot_dm"`
	FailedPermanent          int    `json:"failed_permanent"`
	DeferredRetriesExhausted int    `json:"deferred_retries_exhausted"`
	// DeferredCancelled counts candidates left deferred because the run was
	// interrupted while paused, not because the deferral budget ran out.
	DeferredCancelled int `json:"deferred_cancelled"`
	// Stop names why the run ended, e.g. "completed" or "cancelled".
	Stop     string        `json:"stop"`
	Duration time.Duration `json:"duration"`
}

// String renders the summary as a single operator-facing line.
func (s Summary) String() string {
	return fmt.Sprintf("run %s (%s): processed=%d sent=%d skipped_already_contacted=%d skipped_cannot_dm=%d failed_permanent=%d deferred_retries_exhausted=%d deferred_cancelled=%d",
		s.RunID, s.Stop, s.Processed, s.Sent, s.SkippedAlreadyContacted, s.SkippedCannotDM, s.FailedPermanent, s.DeferredRetriesExhausted, s.DeferredCancelled)
}

// Reporter accumulates the outcomes of one run. It is safe for concurrent use.
type Reporter struct {
	mu       sync.Mutex
	runID    string
	started  time.Time
	now      func() time.Time
	stop     string
	outcomes []models.DispatchOutcome
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// New creates a reporter for runID.
func New(runID string, opts ...Option) *Reporter {
	r := &Reporter{runID: runID, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// RunID returns the run identifier.
func (r *Reporter) RunID() string {
	return r.runID
}

// Record appends an outcome. Unknown statuses are logged and dropped.
func (r *Reporter) Record(o models.DispatchOutcome) {
	if !models.IsValidOutcomeStatus(o.Status) {
		slog.Error("Reporter.Record: unknown outcome status", "user_id", o.UserID, "status", o.Status)
		return
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = r.now().UTC()
	}
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
	slog.Info("Reporter.Record", "run_id", r.runID, "user_id", o.UserID, "status", o.Status, "detail", o.Detail)
}

// SetStop records why the run ended.
func (r *Reporter) SetStop(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stop = reason
}

// Outcomes returns a copy of the audit log in arrival order.
func (r *Reporter) Outcomes() []models.DispatchOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DispatchOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Summary computes the counters. Every recorded outcome counts as processed.
func (r *Reporter) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{RunID: r.runID, Stop: r.stop, Processed: len(r.outcomes), Duration: r.now().Sub(r.started)}
	if s.Stop == "" {
		s.Stop = "completed"
	}
	for _, o := range r.outcomes {
		switch o.Status {
		case models.OutcomeSent:
			s.Sent++
		case models.OutcomeSkippedAlreadyContacted:
			s.SkippedAlreadyContacted++
		case models.OutcomeSkippedCannotDM:
			s.SkippedCannotDM++
		case models.OutcomeFailedPermanent:
			s.FailedPermanent++
		case models.OutcomeDeferredRateLimit:
			if o.RetriesExhausted() {
				s.DeferredRetriesExhausted++
			} else {
				s.DeferredCancelled++
			}
		}
	}
	return s
}

// WriteSummary prints the summary line to w.
func (r *Reporter) WriteSummary(w io.Writer) error {
	_, err := fmt.Fprintln(w, r.Summary().String())
	return err
}

// Flush writes the audit log to objectID.
func (r *Reporter) Flush(ctx context.Context, blobs store.BlobStore, objectID string) error {
	outcomes := r.Outcomes()
	data, err := tabular.EncodeAudit(outcomes)
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}
	if err := blobs.Store(ctx, objectID, data); err != nil {
		return fmt.Errorf("store audit log %s: %w", objectID, err)
	}
	slog.Info("Reporter.Flush: audit log persisted", "run_id", r.runID, "object_id", objectID, "rows", len(outcomes))
	return nil
}

// ExportCandidates stores the list of candidates the run intended to message.
func ExportCandidates(ctx context.Context, blobs store.BlobStore, objectID string, cands []models.Candidate) error {
	data, err := tabular.EncodeCandidates(cands)
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}
	if err := blobs.Store(ctx, objectID, data); err != nil {
		return fmt.Errorf("store candidates %s: %w", objectID, err)
	}
	slog.Debug("ExportCandidates: candidates persisted", "object_id", objectID, "rows", len(cands))
	return nil
}
