package replies

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/tabular"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newCollector(t *testing.T, inbox messaging.Inbox, blobs store.BlobStore, opts ...Option) *Collector {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return now }),
		WithRunIDs(func() string { return "run_r1" }),
	}
	c, err := New(inbox, blobs, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCollectStoresRepliesFromOthers(t *testing.T) {
	p := messaging.NewMockPlatform("did:plc:self")
	p.AddMessages(
		models.DirectMessage{ConvoID: "c1", MessageID: "m1", SenderID: "did:plc:self", Text: "Hi! We came across your post", SentAt: now.Add(-72 * time.Hour)},
		models.DirectMessage{ConvoID: "c1", MessageID: "m2", SenderID: "did:plc:alice", Text: "sure, happy to talk", SentAt: now.Add(-48 * time.Hour)},
		models.DirectMessage{ConvoID: "c1", MessageID: "m3", SenderID: "did:plc:alice", Text: "  ", SentAt: now.Add(-47 * time.Hour)},
		models.DirectMessage{ConvoID: "c2", MessageID: "m4", SenderID: "did:plc:bob", Text: "no thanks", SentAt: now.Add(-24 * time.Hour)},
		models.DirectMessage{ConvoID: "c1", MessageID: "m5", SenderID: "did:plc:alice", Text: "one more thing", SentAt: now.Add(-time.Hour)},
		models.DirectMessage{ConvoID: "c9", MessageID: "m0", SenderID: "did:plc:old", Text: "too old", SentAt: now.Add(-40 * 24 * time.Hour)},
	)
	blobs := store.NewInMemoryStore()
	var out bytes.Buffer

	res, err := newCollector(t, p, blobs, WithSummaryOutput(&out)).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := Result{
		RunID: "run_r1", ObjectID: "user_replies/replies_run_r1.csv", Since: now.Add(-DefaultWindow),
		Listed: 5, Replies: 3, Senders: 2,
	}
	if res != want {
		t.Errorf("Collect() = %+v, want %+v", res, want)
	}

	data, err := blobs.Fetch(context.Background(), want.ObjectID)
	if err != nil {
		t.Fatalf("fetch export: %v", err)
	}
	got, err := tabular.DecodeReplies(data)
	if err != nil {
		t.Fatalf("DecodeReplies: %v", err)
	}
	var ids []string
	for _, m := range got {
		ids = append(ids, m.MessageID)
	}
	if strings.Join(ids, ",") != "m2,m4,m5" {
		t.Errorf("exported messages = %v", ids)
	}
	if !strings.Contains(out.String(), "replies=3 senders=2") {
		t.Errorf("result line = %q", out.String())
	}
}

func TestCollectWritesEmptyExport(t *testing.T) {
	p := messaging.NewMockPlatform("did:plc:self")
	blobs := store.NewInMemoryStore()

	res, err := newCollector(t, p, blobs, WithPrefix("inbox"), WithWindow(time.Hour)).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res.ObjectID != "inbox/replies_run_r1.csv" || !res.Since.Equal(now.Add(-time.Hour)) {
		t.Errorf("unexpected result %+v", res)
	}
	data, err := blobs.Fetch(context.Background(), res.ObjectID)
	if err != nil {
		t.Fatalf("fetch export: %v", err)
	}
	if string(data) != strings.Join(tabular.ReplyHeader, ",")+"\n" {
		t.Errorf("export = %q", data)
	}
}

func TestCollectErrors(t *testing.T) {
	tests := []struct {
		name string
		op   string
	}{
		{"identity", messaging.OpSelfIdentity},
		{"list", messaging.OpListMessages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := messaging.NewMockPlatform("did:plc:self")
			p.QueueError(tt.op, "", messaging.NewError(messaging.KindRateLimited, tt.op, "", errors.New("slow down")))
			blobs := store.NewInMemoryStore()

			_, err := newCollector(t, p, blobs).Collect(context.Background())
			if !errors.Is(err, messaging.ErrRateLimited) {
				t.Fatalf("expected rate limited error, got %v", err)
			}
			if _, err := blobs.Fetch(context.Background(), ObjectID("", "run_r1")); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("nothing should be stored on failure, got %v", err)
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("OUTREACH_REPLIES_WINDOW_DAYS", "")
	c, err := New(messaging.NewMockPlatform("me"), store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.opts.Window != DefaultWindow || c.opts.Prefix != DefaultPrefix {
		t.Errorf("unexpected defaults %+v", c.opts)
	}

	t.Setenv("OUTREACH_REPLIES_WINDOW_DAYS", "7")
	c, err = New(messaging.NewMockPlatform("me"), store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.opts.Window != 7*24*time.Hour {
		t.Errorf("window = %v, want 168h", c.opts.Window)
	}

	if _, err := New(nil, store.NewInMemoryStore()); err == nil {
		t.Error("expected error without inbox")
	}
}
