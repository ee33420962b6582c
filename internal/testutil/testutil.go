// Package testutil provides common test fixtures and assertions for OutreachPipe tests.
package testutil

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/ledger"
	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// TB is the subset of testing.TB the assertions use, so they can be tested
// with a recording fake.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
}

// BaseTime is the reference instant fixtures are built around.
var BaseTime = time.Date(2020, time.April, 3, 12, 0, 0, 0, time.UTC)

// At returns BaseTime shifted by n hours.
func At(n int) time.Time {
	return BaseTime.Add(time.Duration(n) * time.Hour)
}

// Post builds a scored classified post created at At(hour).
func Post(userID, postID string, hour int, score float64) models.ClassifiedPost {
	return models.ClassifiedPost{
		UserID:       userID,
		PostID:       postID,
		AuthorHandle: "handle_" + userID,
		Text:         "post " + postID,
		Permalink:    fmt.Sprintf("https://example.test/%s/status/%s", userID, postID),
		CreatedAt:    At(hour),
		Score:        models.Float(score),
	}
}

// Candidate builds the candidate Post(userID, postID, hour, 0.99) would produce.
func Candidate(userID, postID string, hour int) models.Candidate {
	p := Post(userID, postID, hour, 0.99)
	return models.Candidate{
		UserID:       p.UserID,
		PostID:       p.PostID,
		AuthorHandle: p.AuthorHandle,
		Text:         p.Text,
		Permalink:    p.Permalink,
		CreatedAt:    p.CreatedAt,
		Score:        *p.Score,
	}
}

// Candidates builds one candidate per user id, in the given order.
func Candidates(userIDs ...string) []models.Candidate {
	out := make([]models.Candidate, 0, len(userIDs))
	for i, id := range userIDs {
		out = append(out, Candidate(id, "p"+id, i))
	}
	return out
}

// OutcomeRecorder collects dispatch outcomes. Safe for concurrent use.
type OutcomeRecorder struct {
	mu       sync.Mutex
	outcomes []models.DispatchOutcome
}

// Record appends an outcome.
func (r *OutcomeRecorder) Record(o models.DispatchOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

// Outcomes returns a copy of the recorded outcomes in arrival order.
func (r *OutcomeRecorder) Outcomes() []models.DispatchOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DispatchOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Statuses maps user id to the last status recorded for it.
func (r *OutcomeRecorder) Statuses() map[string]models.OutcomeStatus {
	m := make(map[string]models.OutcomeStatus)
	for _, o := range r.Outcomes() {
		m[o.UserID] = o.Status
	}
	return m
}

// AssertStatuses checks that exactly the users in want were recorded, with the given statuses.
func AssertStatuses(t TB, r *OutcomeRecorder, want map[string]models.OutcomeStatus) {
	t.Helper()
	got := r.Statuses()
	if len(got) != len(want) {
		t.Errorf("expected %d outcomes, got %d: %v", len(want), len(got), got)
	}
	for user, status := range want {
		if got[user] != status {
			t.Errorf("user %s: expected status %q, got %q", user, status, got[user])
		}
	}
}

// AssertLedgerUsers checks that the ledger holds exactly the given users.
func AssertLedgerUsers(t TB, l *ledger.Ledger, want ...string) {
	t.Helper()
	var got []string
	for _, e := range l.Snapshot() {
		got = append(got, e.UserID)
	}
	want = append([]string(nil), want...)
	sort.Strings(want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ledger users: expected %v, got %v", want, got)
	}
}
