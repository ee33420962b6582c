// Package selector reduces a batch of classified posts to at most one
// outreach candidate per user.
package selector

import (
	"log/slog"
	"sort"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// ContactedSet is the part of the ledger the selector consults.
type ContactedSet interface {
	Contains(userID string) bool
}

// Result is the output of Select.
type Result struct {
	// Candidates holds one candidate per eligible user, ordered by user id.
	Candidates []models.Candidate
	// AlreadyContacted lists users with a post above threshold that the
	// ledger already holds, ordered by user id.
	AlreadyContacted []string
	// BelowThreshold counts posts whose score did not exceed the threshold.
	BelowThreshold int
	// Unscored counts posts without a score; they are never selected.
	Unscored int
}

// Select keeps posts scoring strictly above threshold, drops users the ledger
// already holds, and picks each remaining user's earliest post (ties broken by
// the smallest post id). The output order depends only on the input set, so a
// rerun over the same batch processes users in the same order.
func Select(posts []models.ClassifiedPost, threshold float64, contacted ContactedSet) Result {
	var res Result
	best := make(map[string]models.ClassifiedPost)
	skipped := make(map[string]struct{})

	for _, p := range posts {
		score, err := p.ScoreValue()
		if err != nil {
			res.Unscored++
			continue
		}
		if !(score > threshold) {
			res.BelowThreshold++
			continue
		}
		if contacted != nil && contacted.Contains(p.UserID) {
			skipped[p.UserID] = struct{}{}
			continue
		}
		cur, ok := best[p.UserID]
		if !ok || earlier(p, cur) {
			best[p.UserID] = p
		}
	}

	res.Candidates = make([]models.Candidate, 0, len(best))
	for _, p := range best {
		res.Candidates = append(res.Candidates, models.Candidate{
			UserID:       p.UserID,
			PostID:       p.PostID,
			AuthorHandle: p.AuthorHandle,
			Text:         p.Text,
			Permalink:    p.Permalink,
			CreatedAt:    p.CreatedAt,
			Score:        *p.Score,
		})
	}
	sort.Slice(res.Candidates, func(i, j int) bool {
		return CompareIDs(res.Candidates[i].UserID, res.Candidates[j].UserID) < 0
	})

	res.AlreadyContacted = make([]string, 0, len(skipped))
	for id := range skipped {
		res.AlreadyContacted = append(res.AlreadyContacted, id)
	}
	sort.Slice(res.AlreadyContacted, func(i, j int) bool {
		return CompareIDs(res.AlreadyContacted[i], res.AlreadyContacted[j]) < 0
	})

	slog.Debug("selector.Select", "posts", len(posts), "candidates", len(res.Candidates),
		"already_contacted", len(res.AlreadyContacted), "below_threshold", res.BelowThreshold,
		"unscored", res.Unscored, "threshold", threshold)
	return res
}

// earlier reports whether a should be chosen over b for the same user.
func earlier(a, b models.ClassifiedPost) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return CompareIDs(a.PostID, b.PostID) < 0
}

// CompareIDs orders ids numerically when both are unsigned decimal integers
// (platform ids such as "9" and "10") and lexically otherwise.
func CompareIDs(a, b string) int {
	if isDigits(a) && isDigits(b) {
		a, b = trimZeros(a), trimZeros(b)
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
