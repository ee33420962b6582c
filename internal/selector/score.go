package selector

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// DefaultScoreConcurrency bounds concurrent classifier calls.
const DefaultScoreConcurrency = 4

// Scorer is the classifier oracle: it maps post text to a score in [0,1].
type Scorer interface {
	Classify(ctx context.Context, text string) (float64, error)
}

// ScoreStats reports what ScoreMissing did.
type ScoreStats struct {
	Scored  int
	Dropped int
}

// ScoreMissing fills in the score of every unscored post using scorer, with
// at most concurrency calls in flight. Posts the scorer fails on are dropped.
// Already scored posts pass through untouched and the input order is kept.
// This step touches no rate-limited platform endpoint and may run in parallel.
func ScoreMissing(ctx context.Context, posts []models.ClassifiedPost, scorer Scorer, concurrency int) ([]models.ClassifiedPost, ScoreStats, error) {
	var stats ScoreStats
	if scorer == nil {
		return posts, stats, nil
	}
	if concurrency <= 0 {
		concurrency = DefaultScoreConcurrency
	}

	out := make([]models.ClassifiedPost, len(posts))
	copy(out, posts)
	failed := make([]bool, len(posts))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range out {
		if out[i].Scored() {
			continue
		}
		i := i
		g.Go(func() error {
			score, err := scorer.Classify(gctx, out[i].Text)
			if err == nil && (score < models.MinScore || score > models.MaxScore) {
				err = models.ErrScoreOutOfRange
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("selector.ScoreMissing: dropping post the classifier could not score",
					"user_id", out[i].UserID, "post_id", out[i].PostID, "error", err)
				mu.Lock()
				failed[i] = true
				stats.Dropped++
				mu.Unlock()
				return nil
			}
			out[i].Score = models.Float(score)
			mu.Lock()
			stats.Scored++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	kept := out[:0]
	for i, p := range out {
		if !failed[i] {
			kept = append(kept, p)
		}
	}
	return kept, stats, nil
}
