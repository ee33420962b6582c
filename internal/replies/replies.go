// Package replies collects the direct messages other users sent to the
// outreach account and exports them to the blob store for later analysis.
package replies

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/tabular"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

const (
	// DefaultPrefix is the object prefix of the replies export.
	DefaultPrefix = "user_replies"
	// DefaultWindow is how far back a collection looks.
	DefaultWindow = 30 * 24 * time.Hour
)

// ObjectID returns the replies export for a collection, e.g. "user_replies/replies_run_ab12.csv".
func ObjectID(prefix, runID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s/replies_%s.csv", prefix, runID)
}

// Opts holds collector configuration.
type Opts struct {
	Prefix   string
	Window   time.Duration
	Now      func() time.Time
	NewRunID func() string
	Out      io.Writer
}

// Option configures the collector.
type Option func(*Opts)

func WithPrefix(prefix string) Option {
	return func(o *Opts) { o.Prefix = prefix }
}

// WithWindow sets how far back messages are collected.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) { o.Window = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func WithRunIDs(fn func() string) Option {
	return func(o *Opts) { o.NewRunID = fn }
}

// WithSummaryOutput sets where the result line is printed.
func WithSummaryOutput(w io.Writer) Option {
	return func(o *Opts) { o.Out = w }
}

// Result describes one collection.
type Result struct {
	RunID    string    `json:"run_id"`
	ObjectID string    `json:"object_id"`
	Since    time.Time `json:"since"`
	Listed   int       `json:"listed"`
	Replies  int       `json:"replies"`
	Senders  int       `json:"senders"`
}

// String renders the result as a single operator-facing line.
func (r Result) String() string {
	return fmt.Sprintf("replies %s since %s: listed=%d replies=%d senders=%d object=%s",
		r.RunID, tabular.FormatTimestamp(r.Since), r.Listed, r.Replies, r.Senders, r.ObjectID)
}

// Collector reads the account inbox and stores what other users wrote.
type Collector struct {
	inbox messaging.Inbox
	blobs store.BlobStore
	opts  Opts
}

// New returns a collector. Window falls back to OUTREACH_REPLIES_WINDOW_DAYS.
func New(inbox messaging.Inbox, blobs store.BlobStore, opts ...Option) (*Collector, error) {
	o := Opts{
		Prefix:   DefaultPrefix,
		Now:      time.Now,
		NewRunID: util.GenerateRunID,
		Out:      io.Discard,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Window == 0 {
		if days := util.ParseIntEnv("OUTREACH_REPLIES_WINDOW_DAYS", 0); days > 0 {
			o.Window = time.Duration(days) * 24 * time.Hour
		}
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if inbox == nil || blobs == nil {
		return nil, fmt.Errorf("inbox and blob store must be provided")
	}
	return &Collector{inbox: inbox, blobs: blobs, opts: o}, nil
}

// Collect lists the messages of the last window, keeps those sent by someone
// other than the account itself, and stores them. The export is written even
// when no one replied.
func (c *Collector) Collect(ctx context.Context) (Result, error) {
	res := Result{
		RunID: c.opts.NewRunID(),
		Since: c.opts.Now().Add(-c.opts.Window).UTC(),
	}
	res.ObjectID = ObjectID(c.opts.Prefix, res.RunID)
	slog.Info("Collector.Collect: starting", "run_id", res.RunID, "since", res.Since)

	self, err := c.inbox.SelfIdentity(ctx)
	if err != nil {
		return res, fmt.Errorf("platform identity: %w", err)
	}
	msgs, err := c.inbox.ListMessages(ctx, res.Since)
	if err != nil {
		return res, fmt.Errorf("list messages: %w", err)
	}
	res.Listed = len(msgs)

	got := FromOthers(msgs, self)
	senders := make(map[string]struct{})
	for _, m := range got {
		senders[m.SenderID] = struct{}{}
	}
	res.Replies = len(got)
	res.Senders = len(senders)

	data, err := tabular.EncodeReplies(got)
	if err != nil {
		return res, fmt.Errorf("encode replies: %w", err)
	}
	if err := c.blobs.Store(ctx, res.ObjectID, data); err != nil {
		return res, fmt.Errorf("store replies: %w", err)
	}

	if _, err := fmt.Fprintln(c.opts.Out, res.String()); err != nil {
		slog.Warn("Collector.Collect: failed to print result", "error", err)
	}
	slog.Info("Collector.Collect: finished", "run_id", res.RunID, "listed", res.Listed, "replies", res.Replies, "object_id", res.ObjectID)
	return res, nil
}

// FromOthers drops the account's own messages and blank ones.
func FromOthers(msgs []models.DirectMessage, self string) []models.DirectMessage {
	var out []models.DirectMessage
	for _, m := range msgs {
		if m.SenderID == self || strings.TrimSpace(m.Text) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
