package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/dispatch"
	"github.com/BTreeMap/OutreachPipe/internal/ledger"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/report"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/tabular"
	"github.com/BTreeMap/OutreachPipe/internal/testutil"
	"github.com/BTreeMap/OutreachPipe/internal/twiliowhatsapp"
)

const postsCSV = `user_id,post_id,author_handle,text,created_at,score
u1,p1,alice,this is shameful,2020-04-03 10:00:00,0.97
u1,p2,alice,an absolute disgrace,2020-04-03 09:00:00,0.98
u2,p3,bob,they should resign,2020-04-03 14:00:00,0.99
u3,p4,carol,how dare they,2020-04-02 08:00:00,0.99
u4,p5,dave,nice weather today,2020-04-02 08:00:00,0.40
`

func newStore(t *testing.T, posts string) *store.InMemoryStore {
	t.Helper()
	blobs := store.NewInMemoryStore()
	if err := blobs.Store(context.Background(), DefaultPostsObject, []byte(posts)); err != nil {
		t.Fatalf("seed posts: %v", err)
	}
	return blobs
}

func seedLedger(t *testing.T, blobs store.BlobStore, objectID string, users ...string) {
	t.Helper()
	l := ledger.New()
	for _, u := range users {
		if err := l.Record(u, testutil.BaseTime); err != nil {
			t.Fatal(err)
		}
	}
	if err := ledger.NewRepository(blobs, objectID).Save(context.Background(), l); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
}

func newPlatform(users ...string) *messaging.MockPlatform {
	p := messaging.NewMockPlatform("did:plc:self")
	for _, u := range users {
		p.SetRelationship(u, models.Relationship{FollowsViewer: true, ViewerFollows: true})
	}
	return p
}

func newRunner(t *testing.T, p messaging.Platform, blobs store.BlobStore, opts ...Option) *Runner {
	t.Helper()
	tmpl, err := dispatch.ParseTemplate("Hi, saw your post from [time]\n[link to tweet]")
	if err != nil {
		t.Fatal(err)
	}
	ids := 0
	base := []Option{
		WithTemplate(tmpl),
		WithRunIDs(func() string {
			ids++
			return "run_" + string(rune('a'+ids-1))
		}),
	}
	r, err := New(p, blobs, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func loadLedger(t *testing.T, blobs store.BlobStore) *ledger.Ledger {
	t.Helper()
	l, err := ledger.NewRepository(blobs, ledger.DefaultObjectID).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l
}

func auditStatuses(t *testing.T, blobs store.BlobStore, runID string) map[string]models.OutcomeStatus {
	t.Helper()
	data, err := blobs.Fetch(context.Background(), report.AuditObjectID("", runID))
	if err != nil {
		t.Fatalf("fetch audit log: %v", err)
	}
	rows, err := tabular.DecodeAudit(data)
	if err != nil {
		t.Fatalf("DecodeAudit: %v", err)
	}
	out := make(map[string]models.OutcomeStatus)
	for _, r := range rows {
		out[r.UserID] = r.Status
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	blobs := newStore(t, postsCSV)
	seedLedger(t, blobs, ledger.DefaultObjectID, "u3")
	p := newPlatform("u1", "u2", "u3")
	var out bytes.Buffer
	notifier := twiliowhatsapp.NewMockClient()

	r := newRunner(t, p, blobs, WithSummaryOutput(&out), WithNotifier(notifier))
	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := report.Summary{RunID: "run_a", Processed: 3, Sent: 2, SkippedAlreadyContacted: 1, Stop: "completed"}
	summary.Duration = 0
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}

	msgs := p.CallsFor(messaging.OpSendDirectMessage)
	if len(msgs) != 2 || msgs[0].UserID != "u1" || msgs[1].UserID != "u2" {
		t.Fatalf("unexpected DMs %+v", msgs)
	}
	// u1's earliest qualifying post is p2.
	if !strings.Contains(msgs[0].Text, "an absolute disgrace") || !strings.Contains(msgs[0].Text, "https://bsky.app/profile/alice/post/p2") {
		t.Errorf("u1 message = %q", msgs[0].Text)
	}

	testutil.AssertLedgerUsers(t, loadLedger(t, blobs), "u1", "u2", "u3")
	got := auditStatuses(t, blobs, "run_a")
	if got["u1"] != models.OutcomeSent || got["u2"] != models.OutcomeSent || got["u3"] != models.OutcomeSkippedAlreadyContacted {
		t.Errorf("audit statuses = %v", got)
	}
	if _, err := blobs.Fetch(context.Background(), report.CandidatesObjectID("", "run_a")); err != nil {
		t.Errorf("candidates export missing: %v", err)
	}
	if !strings.Contains(out.String(), "sent=2") {
		t.Errorf("summary line = %q", out.String())
	}
	if len(notifier.SentMessages) != 1 {
		t.Errorf("expected one operator notification, got %d", len(notifier.SentMessages))
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	blobs := newStore(t, postsCSV)
	p := newPlatform("u1", "u2", "u3")
	r := newRunner(t, p, blobs)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	sentFirst := len(p.CallsFor(messaging.OpSendDirectMessage))

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := len(p.CallsFor(messaging.OpSendDirectMessage)); n != sentFirst {
		t.Errorf("second run sent %d more messages", n-sentFirst)
	}
	if summary.Sent != 0 || summary.SkippedAlreadyContacted != 3 || summary.Processed != 3 {
		t.Errorf("second run summary = %+v", summary)
	}
	for user, status := range auditStatuses(t, blobs, "run_b") {
		if status != models.OutcomeSkippedAlreadyContacted {
			t.Errorf("%s: %s", user, status)
		}
	}
}

func TestRunMissingPostsStillReports(t *testing.T) {
	blobs := store.NewInMemoryStore()
	var out bytes.Buffer
	r := newRunner(t, newPlatform(), blobs, WithSummaryOutput(&out))

	summary, err := r.Run(context.Background())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if summary.Stop != StopFailed || summary.Processed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if !strings.Contains(out.String(), "(failed)") {
		t.Errorf("summary line = %q", out.String())
	}
	if _, err := blobs.Fetch(context.Background(), report.AuditObjectID("", "run_a")); err != nil {
		t.Errorf("audit log should be written for a failed run: %v", err)
	}
}

func TestRunCancelledFlushes(t *testing.T) {
	blobs := newStore(t, postsCSV)
	seedLedger(t, blobs, ledger.DefaultObjectID, "u3")
	p := newPlatform("u1", "u2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newRunner(t, p, blobs).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Stop != string(dispatch.StopCancelled) || summary.Sent != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if n := len(p.CallsFor(messaging.OpSendDirectMessage)); n != 0 {
		t.Errorf("cancelled run sent %d messages", n)
	}
	testutil.AssertLedgerUsers(t, loadLedger(t, blobs), "u3")
	if _, err := blobs.Fetch(context.Background(), report.AuditObjectID("", "run_a")); err != nil {
		t.Errorf("audit log should be flushed on cancellation: %v", err)
	}
}

type constScorer float64

func (s constScorer) Classify(context.Context, string) (float64, error) { return float64(s), nil }

func TestRunScoresUnscoredRows(t *testing.T) {
	posts := "user_id,post_id,author_handle,text,created_at,score\n" +
		"u1,p1,alice,no score here,2020-04-03 10:00:00,\n" +
		"u2,p2,bob,scored,2020-04-03 10:00:00,0.10\n"
	blobs := newStore(t, posts)
	p := newPlatform("u1", "u2")

	summary, err := newRunner(t, p, blobs, WithScorer(constScorer(0.99), 2)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Sent != 1 {
		t.Errorf("summary = %+v", summary)
	}
	testutil.AssertLedgerUsers(t, loadLedger(t, blobs), "u1")
}

func TestRunReadsLegacyLedger(t *testing.T) {
	blobs := newStore(t, postsCSV)
	legacy := "user_names,user_ids,date_time_messaged\ncarol,x3x,2020-04-01 12:00:00\n"
	legacyPosts := strings.ReplaceAll(postsCSV, "u3,", "3,")
	if err := blobs.Store(context.Background(), DefaultPostsObject, []byte(legacyPosts)); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Store(context.Background(), "legacy/all_users_DMed.csv", []byte(legacy)); err != nil {
		t.Fatal(err)
	}
	p := newPlatform("u1", "u2", "3")

	summary, err := newRunner(t, p, blobs, WithLedgerObject(ledger.DefaultObjectID, "legacy/all_users_DMed.csv")).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.SkippedAlreadyContacted != 1 || summary.Sent != 2 {
		t.Errorf("summary = %+v", summary)
	}
	testutil.AssertLedgerUsers(t, loadLedger(t, blobs), "3", "u1", "u2")
}

func TestNewValidates(t *testing.T) {
	blobs := store.NewInMemoryStore()
	if _, err := New(newPlatform(), blobs); err == nil {
		t.Error("expected error without template")
	}
	tmpl, _ := dispatch.ParseTemplate("[time] [link to tweet]")
	if _, err := New(newPlatform(), blobs, WithTemplate(tmpl), WithThreshold(1.5)); !errors.Is(err, models.ErrScoreOutOfRange) {
		t.Errorf("expected ErrScoreOutOfRange, got %v", err)
	}
	if _, err := New(nil, blobs, WithTemplate(tmpl)); err == nil {
		t.Error("expected error without platform")
	}
}
