package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBackoffWindow is how long the whole loop pauses after a rate limit.
const DefaultBackoffWindow = 15 * time.Minute

// DefaultMaxDeferrals leaves the number of pauses per run unlimited.
const DefaultMaxDeferrals = 0

// Backoff modes accepted by NewBackoffPolicy.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// NewBackoffPolicy builds the pause policy used while Deferred. "fixed" waits
// window every time; "exponential" starts at window and doubles up to
// maxWindow. Neither policy gives up on its own; the per-run deferral limit
// is enforced by the dispatcher.
func NewBackoffPolicy(mode string, window, maxWindow time.Duration) (backoff.BackOff, error) {
	if window <= 0 {
		window = DefaultBackoffWindow
	}
	switch mode {
	case "", BackoffFixed:
		return backoff.NewConstantBackOff(window), nil
	case BackoffExponential:
		if maxWindow < window {
			maxWindow = window
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = window
		b.MaxInterval = maxWindow
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backoff mode %q", mode)
	}
}

// SleepFunc pauses for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext is the default SleepFunc.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
