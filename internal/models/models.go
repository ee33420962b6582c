// Package models defines the core data structures for OutreachPipe.
//
// It includes the classified posts consumed from the classifier, the candidates
// derived from them, ledger entries and the per-candidate dispatch outcomes that
// are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// DefaultScoreThreshold is the classifier score a post must strictly exceed to
// make its author eligible for outreach.
const DefaultScoreThreshold = 0.95

// Validation constants for input validation
const (
	// MinScore is the lowest score the classifier may produce.
	MinScore = 0.0
	// MaxScore is the highest score the classifier may produce.
	MaxScore = 1.0
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrEmptyPostID     = errors.New("post id cannot be empty")
	ErrScoreOutOfRange = errors.New("score must be within [0,1]")
	ErrMissingScore    = errors.New("post has no classifier score")
)

// ClassifiedPost is a single post as produced by the external classifier.
// Score is nil when the row arrived without a classifier score.
type ClassifiedPost struct {
	UserID       string    `json:"user_id"`
	PostID       string    `json:"post_id"`
	AuthorHandle string    `json:"author_handle"`
	Text         string    `json:"text"`
	Permalink    string    `json:"permalink"`
	CreatedAt    time.Time `json:"created_at"`
	Score        *float64  `json:"score,omitempty"`
}

// Validate checks the identifying fields and, when present, the score range.
func (p *ClassifiedPost) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.PostID == "" {
		return ErrEmptyPostID
	}
	if p.Score != nil && (*p.Score < MinScore || *p.Score > MaxScore) {
		return ErrScoreOutOfRange
	}
	return nil
}

// Scored reports whether the post carries a classifier score.
func (p *ClassifiedPost) Scored() bool {
	return p.Score != nil
}

// ScoreValue returns the score, or an error if the post was never scored.
func (p *ClassifiedPost) ScoreValue() (float64, error) {
	if p.Score == nil {
		return 0, ErrMissingScore
	}
	return *p.Score, nil
}

// Candidate is the one representative post chosen for an eligible user in a run.
type Candidate struct {
	UserID       string    `json:"user_id"`
	PostID       string    `json:"chosen_post_id"`
	AuthorHandle string    `json:"author_handle"`
	Text         string    `json:"text"`
	Permalink    string    `json:"permalink"`
	CreatedAt    time.Time `json:"created_at"`
	Score        float64   `json:"score"`
}

// LedgerEntry records that a user was successfully messaged.
type LedgerEntry struct {
	UserID      string    `json:"user_id"`
	ContactedAt time.Time `json:"contacted_at"`
}

// OutcomeStatus is the terminal (or deferred) status of a candidate in a run.
type OutcomeStatus string

const (
	// OutcomeSent means the direct message was delivered and the ledger updated.
	OutcomeSent OutcomeStatus = "sent"
	// OutcomeSkippedAlreadyContacted means the ledger already held the user.
	OutcomeSkippedAlreadyContacted OutcomeStatus = "skipped_already_contacted"
	// OutcomeSkippedCannotDM means the platform does not allow a direct message
	// or the user is no longer reachable.
	OutcomeSkippedCannotDM OutcomeStatus = "skipped_cannot_dm"
	// OutcomeFailedPermanent means the send failed; a friend request may have been attempted.
	OutcomeFailedPermanent OutcomeStatus = "failed_permanent"
	// OutcomeDeferredRateLimit means the run ended while the candidate was
	// still waiting out a rate limit.
	OutcomeDeferredRateLimit OutcomeStatus = "deferred_rate_limit"
)

// AllOutcomeStatuses lists every status in reporting order.
var AllOutcomeStatuses = []OutcomeStatus{
	OutcomeSent,
	OutcomeSkippedAlreadyContacted,
	OutcomeSkippedCannotDM,
	OutcomeFailedPermanent,
	OutcomeDeferredRateLimit,
}

// IsValidOutcomeStatus checks if the given status is one of the known outcomes.
func IsValidOutcomeStatus(s OutcomeStatus) bool {
	switch s {
	case OutcomeSent, OutcomeSkippedAlreadyContacted, OutcomeSkippedCannotDM,
		OutcomeFailedPermanent, OutcomeDeferredRateLimit:
		return true
	default:
		return false
	}
}

// Detail prefixes of a deferred_rate_limit outcome, telling why the run ended
// while the candidate was waiting.
const (
	DetailRetriesExhausted   = "retries exhausted"
	DetailCancelledInBackoff = "cancelled during backoff"
)

// DispatchOutcome is the per-candidate result of a run, as written to the audit log.
type DispatchOutcome struct {
	UserID    string        `json:"user_id"`
	Status    OutcomeStatus `json:"status"`
	Detail    string        `json:"detail"`
	Timestamp time.Time     `json:"timestamp"`
}

// RetriesExhausted reports whether the outcome was recorded because the run's
// deferral budget ran out.
func (o DispatchOutcome) RetriesExhausted() bool {
	return o.Status == OutcomeDeferredRateLimit && strings.HasPrefix(o.Detail, DetailRetriesExhausted)
}

// DirectMessage is one message in a direct-message conversation of the
// sending account, as returned by the platform's inbox.
type DirectMessage struct {
	ConvoID   string    `json:"convo_id"`
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// Relationship holds the platform-reported facts between the viewer and a user.
// DMCapable is nil when the platform does not report it explicitly.
type Relationship struct {
	FollowsViewer bool  `json:"follows_viewer"`
	ViewerFollows bool  `json:"viewer_follows"`
	DMCapable     *bool `json:"dm_capable,omitempty"`
}

// Bool returns a pointer to b, for optional fields.
func Bool(b bool) *bool {
	return &b
}

// Float returns a pointer to f, for optional fields.
func Float(f float64) *float64 {
	return &f
}
