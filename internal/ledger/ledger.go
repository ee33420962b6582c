// Package ledger holds the set of users that were ever successfully messaged.
//
// The ledger is the single authority on whether a user was already contacted.
// It is loaded once per run from the blob store, extended in memory as sends
// succeed, and written back through a Repository after every successful send.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// ErrDuplicateUser is returned by Record when the user is already present.
// Seeing it during a run means the ledger and the candidate queue disagree.
var ErrDuplicateUser = errors.New("user already recorded in ledger")

// Ledger is a set of users keyed by user id. It is safe for concurrent use,
// though a run has exactly one writer.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]models.LedgerEntry
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string]models.LedgerEntry)}
}

// FromEntries builds a ledger from persisted entries. Repeated user ids keep
// the earliest contact time; older exports of the ledger were append-only and
// may repeat a user.
func FromEntries(entries []models.LedgerEntry) (*Ledger, error) {
	l := New()
	for _, e := range entries {
		if e.UserID == "" {
			return nil, fmt.Errorf("ledger entry with empty user id: %w", models.ErrEmptyUserID)
		}
		if existing, ok := l.entries[e.UserID]; ok {
			slog.Warn("Ledger.FromEntries: repeated user in persisted ledger, keeping earliest",
				"user_id", e.UserID, "kept", existing.ContactedAt, "dropped", e.ContactedAt)
			if e.ContactedAt.Before(existing.ContactedAt) {
				l.entries[e.UserID] = e
			}
			continue
		}
		l.entries[e.UserID] = e
	}
	return l, nil
}

// Contains reports whether the user was ever successfully messaged.
func (l *Ledger) Contains(userID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[userID]
	return ok
}

// Get returns the entry for a user, if any.
func (l *Ledger) Get(userID string) (models.LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[userID]
	return e, ok
}

// Record adds a user contacted at the given time. It fails with ErrDuplicateUser
// if the user is already present; entries are never overwritten.
func (l *Ledger) Record(userID string, at time.Time) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[userID]; ok {
		return fmt.Errorf("record %s: %w", userID, ErrDuplicateUser)
	}
	l.entries[userID] = models.LedgerEntry{UserID: userID, ContactedAt: at.UTC()}
	return nil
}

// Len returns the number of users in the ledger.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns all entries ordered by user id.
func (l *Ledger) Snapshot() []models.LedgerEntry {
	l.mu.RLock()
	out := make([]models.LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
