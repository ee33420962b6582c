package tabular

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

func TestDecodePosts_CurrentLayout(t *testing.T) {
	data := "user_id,post_id,author_handle,text,permalink,created_at,score\n" +
		"u1,p1,alice,\"so angry, really\",https://example.com/p1,2020-04-03T19:04:26Z,0.97\n" +
		"u2,p2,bob,calm,,2020-04-04 10:00:00,0.10\n"

	posts, stats, err := DecodePosts([]byte(data), "")
	if err != nil {
		t.Fatalf("DecodePosts failed: %v", err)
	}
	if stats.Rows != 2 || stats.Accepted != 2 || stats.Skipped != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if posts[0].Text != "so angry, really" {
		t.Errorf("unexpected text %q", posts[0].Text)
	}
	if posts[0].Score == nil || *posts[0].Score != 0.97 {
		t.Errorf("unexpected score %v", posts[0].Score)
	}
	want := time.Date(2020, 4, 3, 19, 4, 26, 0, time.UTC)
	if !posts[0].CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", posts[0].CreatedAt, want)
	}
	if posts[1].Permalink != "https://bsky.app/profile/bob/post/p2" {
		t.Errorf("expected derived permalink, got %q", posts[1].Permalink)
	}
}

func TestDecodePosts_PermalinkFormats(t *testing.T) {
	data := "user_id,post_id,author_handle,created_at,score\n" +
		"u1,3kxyz,alice.bsky.social,2020-04-03 10:00:00,0.99\n"
	tests := []struct {
		name   string
		format string
		want   string
	}{
		{"default is bluesky", "", "https://bsky.app/profile/alice.bsky.social/post/3kxyz"},
		{"override", "https://twitter.com/%s/status/%s", "https://twitter.com/alice.bsky.social/status/3kxyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts, _, err := DecodePosts([]byte(data), tt.format)
			if err != nil {
				t.Fatalf("DecodePosts failed: %v", err)
			}
			if len(posts) != 1 || posts[0].Permalink != tt.want {
				t.Errorf("permalink = %+v, want %q", posts, tt.want)
			}
		})
	}
}

func TestDecodePosts_LegacyLayout(t *testing.T) {
	data := "\xef\xbb\xbfuser_id,status_id,screen_name,text,created_at,gru_prob\n" +
		"x123x,x456x,carol,hello,2020-04-03 19:04:26+00:00,0.99\n"

	posts, _, err := DecodePosts([]byte(data), "https://x.test/%s/%s")
	if err != nil {
		t.Fatalf("DecodePosts failed: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	p := posts[0]
	if p.UserID != "123" || p.PostID != "456" || p.AuthorHandle != "carol" {
		t.Errorf("unexpected ids %+v", p)
	}
	if p.Permalink != "https://x.test/carol/456" {
		t.Errorf("unexpected permalink %q", p.Permalink)
	}
}

func TestDecodePosts_SkipsBadRowsAndCountsUnscored(t *testing.T) {
	data := "user_id,post_id,created_at,score\n" +
		"u1,p1,not-a-date,0.9\n" +
		",p2,2020-01-01T00:00:00Z,0.9\n" +
		"u3,p3,2020-01-01T00:00:00Z,1.5\n" +
		"u4,p4,2020-01-01T00:00:00Z,\n" +
		"u5,p5,2020-01-01T00:00:00Z,abc\n"

	posts, stats, err := DecodePosts([]byte(data), "")
	if err != nil {
		t.Fatalf("DecodePosts failed: %v", err)
	}
	if stats.Rows != 5 || stats.Skipped != 4 || stats.Accepted != 1 || stats.Unscored != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(posts) != 1 || posts[0].UserID != "u4" || posts[0].Scored() {
		t.Errorf("unexpected posts %+v", posts)
	}
}

func TestDecodePosts_MissingColumn(t *testing.T) {
	_, _, err := DecodePosts([]byte("user_id,text\nu1,hi\n"), "")
	if !errors.Is(err, ErrMissingColumn) {
		t.Errorf("expected ErrMissingColumn, got %v", err)
	}
}

func TestDecodePosts_Empty(t *testing.T) {
	posts, stats, err := DecodePosts(nil, "")
	if err != nil || len(posts) != 0 || stats.Rows != 0 {
		t.Errorf("expected empty result, got %v %+v %v", posts, stats, err)
	}
}

func TestNormalizeID(t *testing.T) {
	tests := map[string]string{
		"x123x":         "123",
		"123":           "123",
		" 42 ":          "42",
		"did:plc:abcx":  "did:plc:abcx",
		"x":             "x",
		"xdid:plc:abcx": "xdid:plc:abcx",
	}
	for in, want := range tests {
		if got := normalizeID(in); got != want {
			t.Errorf("normalizeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLedgerEncodeDecode(t *testing.T) {
	at := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := []models.LedgerEntry{{UserID: "u1", ContactedAt: at}, {UserID: "u2", ContactedAt: at.Add(time.Hour)}}

	data, err := EncodeLedger(entries)
	if err != nil {
		t.Fatalf("EncodeLedger failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "user_id,contacted_at\n") {
		t.Errorf("unexpected header in %q", data)
	}
	got, err := DecodeLedger(data)
	if err != nil {
		t.Fatalf("DecodeLedger failed: %v", err)
	}
	if len(got) != 2 || got[1].UserID != "u2" || !got[1].ContactedAt.Equal(at.Add(time.Hour)) {
		t.Errorf("unexpected entries %+v", got)
	}
}

func TestDecodeLedger_LegacyLayout(t *testing.T) {
	data := ",user_names,user_ids,date_time_messaged\n" +
		"0,alice,111,2020-04-05 10:11:12\n" +
		"1,bob,222,2020-04-06 10:11:12\n"
	got, err := DecodeLedger([]byte(data))
	if err != nil {
		t.Fatalf("DecodeLedger failed: %v", err)
	}
	if len(got) != 2 || got[0].UserID != "111" || got[1].UserID != "222" {
		t.Errorf("unexpected entries %+v", got)
	}
}

func TestDecodeLedger_EmptyAndBadTimestamp(t *testing.T) {
	if got, err := DecodeLedger(nil); err != nil || got != nil {
		t.Errorf("empty ledger: %v %v", got, err)
	}
	if _, err := DecodeLedger([]byte("user_id,contacted_at\nu1,yesterday\n")); err == nil {
		t.Error("expected error for bad timestamp")
	}
}

func TestAuditEncodeDecode(t *testing.T) {
	ts := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	outcomes := []models.DispatchOutcome{
		{UserID: "u1", Status: models.OutcomeSent, Detail: "", Timestamp: ts},
		{UserID: "u2", Status: models.OutcomeFailedPermanent, Detail: "dm failed: boom, friend request sent", Timestamp: ts},
	}
	data, err := EncodeAudit(outcomes)
	if err != nil {
		t.Fatalf("EncodeAudit failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "user_id,status,detail,timestamp\n") {
		t.Errorf("unexpected header in %q", data)
	}
	got, err := DecodeAudit(data)
	if err != nil {
		t.Fatalf("DecodeAudit failed: %v", err)
	}
	if len(got) != 2 || got[1].Detail != outcomes[1].Detail || got[1].Status != models.OutcomeFailedPermanent {
		t.Errorf("unexpected outcomes %+v", got)
	}
}

func TestDecodeAudit_UnknownStatus(t *testing.T) {
	_, err := DecodeAudit([]byte("user_id,status,detail,timestamp\nu1,delivered,,2021-01-01T00:00:00Z\n"))
	if err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestEncodeCandidates(t *testing.T) {
	c := models.Candidate{UserID: "u1", PostID: "p2", AuthorHandle: "alice", Permalink: "l", CreatedAt: time.Unix(0, 0), Score: 0.975}
	data, err := EncodeCandidates([]models.Candidate{c})
	if err != nil {
		t.Fatalf("EncodeCandidates failed: %v", err)
	}
	want := "user_id,post_id,author_handle,permalink,created_at,score\nu1,p2,alice,l,1970-01-01T00:00:00Z,0.975\n"
	if string(data) != want {
		t.Errorf("got %q, want %q", data, want)
	}
}

func TestRepliesEncodeDecode(t *testing.T) {
	msgs := []models.DirectMessage{
		{ConvoID: "c1", MessageID: "m1", SenderID: "did:plc:alice", Text: "sure, happy to talk", SentAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{ConvoID: "c2", MessageID: "m7", SenderID: "did:plc:bob", Text: "no thanks", SentAt: time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)},
	}
	data, err := EncodeReplies(msgs)
	if err != nil {
		t.Fatalf("EncodeReplies failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "sender_id,message,sent_at,convo_id,message_id\n") {
		t.Errorf("unexpected header in %q", data)
	}
	got, err := DecodeReplies(data)
	if err != nil {
		t.Fatalf("DecodeReplies failed: %v", err)
	}
	if len(got) != 2 || got[0] != msgs[0] || got[1] != msgs[1] {
		t.Errorf("DecodeReplies = %+v, want %+v", got, msgs)
	}
}

func TestDecodeReplies_LegacyLayout(t *testing.T) {
	got, err := DecodeReplies([]byte("sender_id,message\nx123x,\"yes, I remember that post\"\n"))
	if err != nil {
		t.Fatalf("DecodeReplies failed: %v", err)
	}
	if len(got) != 1 || got[0].SenderID != "123" || got[0].Text != "yes, I remember that post" || !got[0].SentAt.IsZero() {
		t.Errorf("unexpected replies %+v", got)
	}

	if _, err := DecodeReplies([]byte("sender,text\na,b\n")); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("expected ErrMissingColumn, got %v", err)
	}
}
