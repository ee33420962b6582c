// Package dispatch runs the per-candidate outreach state machine.
//
// Candidates are processed one at a time by a single worker. A successful
// direct message is recorded in the ledger and checkpointed before the next
// candidate is touched, so a crash can lose at most the knowledge of a send
// that was in flight, never a recorded one. A rate limit pauses the whole
// loop and the same candidate is retried from the relationship lookup.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/OutreachPipe/internal/ledger"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/permission"
)

// Fatal run errors.
var (
	// ErrLedgerCorrupt means Record found a user the double check had not seen.
	ErrLedgerCorrupt = errors.New("ledger corrupt")
	// ErrCheckpointFailed means the ledger could not be persisted after a send.
	ErrCheckpointFailed = errors.New("ledger checkpoint failed")
)

// State is a step of the per-candidate state machine.
type State string

const (
	StatePending           State = "pending"
	StateResolving         State = "resolving"
	StateDMAttempt         State = "dm_attempt"
	StateFallback          State = "fallback_friend_request"
	StateDeferred          State = "deferred"
	StateSent              State = "sent"
	StateSkippedCannotDM   State = "skipped_cannot_dm"
	StateFriendRequestSent State = "friend_request_sent"
	StateFailedPermanent   State = "failed_permanent"
)

// StopReason tells why Run returned.
type StopReason string

const (
	StopCompleted        StopReason = "completed"
	StopCancelled        StopReason = "cancelled"
	StopRetriesExhausted StopReason = "retries_exhausted"
	StopCheckpointFailed StopReason = "checkpoint_failed"
	StopLedgerCorrupt    StopReason = "ledger_corrupt"
)

// Recorder receives every outcome as soon as it is known.
type Recorder interface {
	Record(models.DispatchOutcome)
}

// Checkpointer persists the ledger. *ledger.Repository implements it.
type Checkpointer interface {
	Save(ctx context.Context, l *ledger.Ledger) error
}

// Result summarises a Run.
type Result struct {
	Processed int
	Remaining int
	Deferrals int
	Stop      StopReason
}

// Opts holds dispatcher settings.
type Opts struct {
	Backoff               backoff.BackOff
	MaxDeferrals          int // 0 means unlimited
	FallbackOnUnavailable bool
	Checkpointer          Checkpointer
	Now                   func() time.Time
	Sleep                 SleepFunc
	OnTransition          func(userID string, from, to State)
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithBackoff sets the pause policy used while Deferred.
func WithBackoff(b backoff.BackOff) Option {
	return func(o *Opts) { o.Backoff = b }
}

// WithMaxDeferrals caps how many rate-limit pauses a single run may take.
func WithMaxDeferrals(n int) Option {
	return func(o *Opts) { o.MaxDeferrals = n }
}

// WithFallbackOnUnavailable decides whether a DM failure caused by an
// unavailable user still triggers the friend request.
func WithFallbackOnUnavailable(enabled bool) Option {
	return func(o *Opts) { o.FallbackOnUnavailable = enabled }
}

// WithCheckpointer sets where the ledger is written after each send.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *Opts) { o.Checkpointer = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithSleep overrides how the loop waits out a backoff window.
func WithSleep(sleep SleepFunc) Option {
	return func(o *Opts) { o.Sleep = sleep }
}

// WithTransitionHook observes every state change.
func WithTransitionHook(fn func(userID string, from, to State)) Option {
	return func(o *Opts) { o.OnTransition = fn }
}

// Dispatcher owns the ledger for the duration of a run.
type Dispatcher struct {
	platform messaging.Platform
	resolver *permission.Resolver
	ledger   *ledger.Ledger
	tmpl     *Template
	recorder Recorder
	opts     Opts
}

// New creates a dispatcher. recorder may be nil.
func New(platform messaging.Platform, l *ledger.Ledger, tmpl *Template, recorder Recorder, opts ...Option) *Dispatcher {
	o := Opts{
		Backoff:               backoff.NewConstantBackOff(DefaultBackoffWindow),
		FallbackOnUnavailable: true,
		Now:                   time.Now,
		Sleep:                 sleepContext,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{
		platform: platform,
		resolver: permission.NewResolver(platform),
		ledger:   l,
		tmpl:     tmpl,
		recorder: recorder,
		opts:     o,
	}
}

// errDeferred signals that the candidate hit a rate limit and must be retried.
type errDeferred struct {
	cause error
}

func (e *errDeferred) Error() string { return "deferred: " + e.cause.Error() }
func (e *errDeferred) Unwrap() error { return e.cause }

// Run processes candidates in order. It returns a non-nil error only for
// fatal conditions (ErrLedgerCorrupt, ErrCheckpointFailed); cancellation and
// an exhausted deferral budget are reported through Result.Stop.
func (d *Dispatcher) Run(ctx context.Context, candidates []models.Candidate) (Result, error) {
	res := Result{Stop: StopCompleted}
	d.opts.Backoff.Reset()

	i := 0
	for i < len(candidates) {
		if ctx.Err() != nil {
			slog.Info("Dispatcher.Run: cancelled between candidates", "processed", res.Processed, "remaining", len(candidates)-i)
			res.Stop = StopCancelled
			break
		}
		c := candidates[i]

		// Platform calls and the checkpoint run to completion once started.
		out, err := d.process(context.WithoutCancel(ctx), c)

		var deferred *errDeferred
		if errors.As(err, &deferred) {
			res.Deferrals++
			wait := d.opts.Backoff.NextBackOff()
			if (d.opts.MaxDeferrals > 0 && res.Deferrals > d.opts.MaxDeferrals) || wait == backoff.Stop {
				slog.Warn("Dispatcher.Run: deferral budget exhausted, ending run", "user_id", c.UserID, "deferrals", res.Deferrals-1)
				d.emit(c.UserID, models.OutcomeDeferredRateLimit, models.DetailRetriesExhausted+": "+deferred.cause.Error())
				res.Processed++
				i++
				res.Stop = StopRetriesExhausted
				break
			}
			if hint := messaging.RetryAfterOf(deferred.cause); hint > wait {
				wait = hint
			}
			slog.Info("Dispatcher.Run: rate limited, pausing loop", "user_id", c.UserID, "wait", wait, "deferral", res.Deferrals)
			if err := d.opts.Sleep(ctx, wait); err != nil {
				slog.Info("Dispatcher.Run: cancelled during backoff", "user_id", c.UserID)
				d.emit(c.UserID, models.OutcomeDeferredRateLimit, models.DetailCancelledInBackoff)
				res.Processed++
				i++
				res.Stop = StopCancelled
				break
			}
			d.transition(c.UserID, StateDeferred, StateResolving)
			continue
		}

		d.emit(c.UserID, out.Status, out.Detail)
		res.Processed++
		i++

		if err != nil {
			switch {
			case errors.Is(err, ErrLedgerCorrupt):
				res.Stop = StopLedgerCorrupt
			case errors.Is(err, ErrCheckpointFailed):
				res.Stop = StopCheckpointFailed
			}
			slog.Error("Dispatcher.Run: fatal error, stopping", "user_id", c.UserID, "error", err)
			res.Remaining = len(candidates) - i
			return res, err
		}
		d.opts.Backoff.Reset()
	}

	res.Remaining = len(candidates) - i
	slog.Info("Dispatcher.Run: finished", "processed", res.Processed, "remaining", res.Remaining,
		"deferrals", res.Deferrals, "stop", res.Stop)
	return res, nil
}

// process drives one candidate from Pending to a terminal state. A rate limit
// anywhere returns *errDeferred with a zero outcome.
func (d *Dispatcher) process(ctx context.Context, c models.Candidate) (models.DispatchOutcome, error) {
	d.transition(c.UserID, StatePending, StateResolving)

	if d.ledger.Contains(c.UserID) {
		return outcome(models.OutcomeSkippedAlreadyContacted, "already in ledger"), nil
	}

	var decision permission.Decision
	err := retryTransient(func() error {
		var err error
		decision, err = d.resolver.Resolve(ctx, c.UserID)
		return err
	})
	if err != nil {
		switch messaging.KindOf(err) {
		case messaging.KindRateLimited:
			d.transition(c.UserID, StateResolving, StateDeferred)
			return models.DispatchOutcome{}, &errDeferred{cause: err}
		case messaging.KindUnavailable:
			d.transition(c.UserID, StateResolving, StateSkippedCannotDM)
			return outcome(models.OutcomeSkippedCannotDM, "unavailable: "+err.Error()), nil
		default:
			d.transition(c.UserID, StateResolving, StateFailedPermanent)
			return outcome(models.OutcomeFailedPermanent, "resolve failed: "+err.Error()), nil
		}
	}
	if !decision.CanDM {
		d.transition(c.UserID, StateResolving, StateSkippedCannotDM)
		return outcome(models.OutcomeSkippedCannotDM, string(decision.Reason)), nil
	}
	if d.ledger.Contains(c.UserID) {
		return outcome(models.OutcomeSkippedAlreadyContacted, "already in ledger"), nil
	}

	d.transition(c.UserID, StateResolving, StateDMAttempt)
	text := d.tmpl.Render(c)
	err = retryTransient(func() error {
		return d.platform.SendDirectMessage(ctx, c.UserID, text)
	})
	if err == nil {
		return d.commitSend(ctx, c)
	}

	kind := messaging.KindOf(err)
	if kind == messaging.KindRateLimited {
		d.transition(c.UserID, StateDMAttempt, StateDeferred)
		return models.DispatchOutcome{}, &errDeferred{cause: err}
	}
	slog.Warn("Dispatcher.process: direct message failed", "user_id", c.UserID, "kind", kind, "error", err)
	if kind == messaging.KindUnavailable && !d.opts.FallbackOnUnavailable {
		d.transition(c.UserID, StateDMAttempt, StateFailedPermanent)
		return outcome(models.OutcomeFailedPermanent, "dm failed: "+err.Error()+"; friend request skipped"), nil
	}
	return d.fallback(ctx, c, err)
}

// commitSend records a delivered message and checkpoints the ledger.
func (d *Dispatcher) commitSend(ctx context.Context, c models.Candidate) (models.DispatchOutcome, error) {
	d.transition(c.UserID, StateDMAttempt, StateSent)
	if err := d.ledger.Record(c.UserID, d.opts.Now()); err != nil {
		return outcome(models.OutcomeSent, "sent; ledger record failed"), fmt.Errorf("%w: %w", ErrLedgerCorrupt, err)
	}
	if d.opts.Checkpointer != nil {
		if err := d.opts.Checkpointer.Save(ctx, d.ledger); err != nil {
			return outcome(models.OutcomeSent, "sent; checkpoint failed"), fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
		}
	}
	slog.Info("Dispatcher.commitSend: message sent", "user_id", c.UserID, "post_id", c.PostID)
	return outcome(models.OutcomeSent, "post "+c.PostID), nil
}

// fallback sends a friend request after a failed direct message. The outcome
// is failed_permanent either way and the ledger is never touched.
func (d *Dispatcher) fallback(ctx context.Context, c models.Candidate, dmErr error) (models.DispatchOutcome, error) {
	d.transition(c.UserID, StateDMAttempt, StateFallback)
	err := retryTransient(func() error {
		return d.platform.SendFriendRequest(ctx, c.UserID)
	})
	switch {
	case err == nil:
		d.transition(c.UserID, StateFallback, StateFriendRequestSent)
		return outcome(models.OutcomeFailedPermanent, "dm failed: "+dmErr.Error()+"; friend request sent"), nil
	case messaging.KindOf(err) == messaging.KindRateLimited:
		d.transition(c.UserID, StateFallback, StateDeferred)
		return models.DispatchOutcome{}, &errDeferred{cause: err}
	default:
		d.transition(c.UserID, StateFallback, StateFailedPermanent)
		return outcome(models.OutcomeFailedPermanent, "dm failed: "+dmErr.Error()+"; friend request failed: "+err.Error()), nil
	}
}

// retryTransient calls fn and repeats it once, immediately, when the error is
// neither a rate limit nor an unavailable user.
func retryTransient(fn func() error) error {
	err := fn()
	if err == nil || messaging.KindOf(err) != messaging.KindOtherTransient {
		return err
	}
	slog.Debug("retryTransient: retrying once", "error", err)
	return fn()
}

func (d *Dispatcher) emit(userID string, status models.OutcomeStatus, detail string) {
	if d.recorder == nil {
		return
	}
	d.recorder.Record(models.DispatchOutcome{
		UserID:    userID,
		Status:    status,
		Detail:    detail,
		Timestamp: d.opts.Now().UTC(),
	})
}

func (d *Dispatcher) transition(userID string, from, to State) {
	slog.Debug("Dispatcher.transition", "user_id", userID, "from", from, "to", to)
	if d.opts.OnTransition != nil {
		d.opts.OnTransition(userID, from, to)
	}
}

func outcome(status models.OutcomeStatus, detail string) models.DispatchOutcome {
	return models.DispatchOutcome{Status: status, Detail: detail}
}
