package report

import (
	"context"
	"fmt"
	"log/slog"
)

// Notifier delivers a short text to the operator.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// NotifySummary sends the run summary through n. A nil notifier is a no-op.
func NotifySummary(ctx context.Context, n Notifier, s Summary) error {
	if n == nil {
		return nil
	}
	if err := n.Notify(ctx, "OutreachPipe "+s.String()); err != nil {
		return fmt.Errorf("notify summary: %w", err)
	}
	slog.Debug("NotifySummary: operator notified", "run_id", s.RunID)
	return nil
}
