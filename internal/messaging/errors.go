package messaging

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies platform failures for the dispatcher's retry policy.
type ErrorKind int

const (
	// KindOtherTransient is any failure that is neither a rate limit nor a
	// permanently unreachable user. It is retried once without delay.
	KindOtherTransient ErrorKind = iota
	// KindRateLimited means the platform throttled the account. Retryable after backoff.
	KindRateLimited
	// KindUnavailable means the user is deleted, suspended or has blocked the
	// account. Never retried.
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "other_transient"
	}
}

// Sentinel errors matched by errors.Is against a *PlatformError of the same kind.
var (
	ErrRateLimited    = errors.New("rate limited")
	ErrUnavailable    = errors.New("user unavailable")
	ErrOtherTransient = errors.New("transient platform error")
)

// PlatformError is the error type returned by Platform implementations.
type PlatformError struct {
	Kind   ErrorKind
	Op     string
	UserID string
	// RetryAfter is the platform's hint for when a rate limit clears, if given.
	RetryAfter time.Duration
	Err        error
}

func (e *PlatformError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.UserID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel of the error's kind.
func (e *PlatformError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrOtherTransient:
		return e.Kind == KindOtherTransient
	}
	return false
}

// NewError builds a *PlatformError.
func NewError(kind ErrorKind, op, userID string, err error) *PlatformError {
	return &PlatformError{Kind: kind, Op: op, UserID: userID, Err: err}
}

// KindOf classifies err. Errors that carry no classification are treated as
// transient.
func KindOf(err error) ErrorKind {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindOtherTransient
	}
}

// RetryAfterOf returns the platform's retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
