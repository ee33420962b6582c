package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"rate limited", NewError(KindRateLimited, OpGetRelationship, "u1", nil), KindRateLimited},
		{"wrapped unavailable", fmt.Errorf("resolve: %w", NewError(KindUnavailable, OpGetRelationship, "u1", nil)), KindUnavailable},
		{"bare sentinel", ErrRateLimited, KindRateLimited},
		{"unclassified", errors.New("connection reset"), KindOtherTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlatformError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("429")
	err := NewError(KindRateLimited, OpSendDirectMessage, "u1", cause)
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected errors.Is(err, ErrRateLimited)")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("rate limited error must not match ErrUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrapped")
	}
	if err.Error() != "send_direct_message u1: rate_limited: 429" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := &PlatformError{Kind: KindRateLimited, RetryAfter: 90 * time.Second}
	if got := RetryAfterOf(fmt.Errorf("wrap: %w", err)); got != 90*time.Second {
		t.Errorf("RetryAfterOf() = %v", got)
	}
	if got := RetryAfterOf(errors.New("x")); got != 0 {
		t.Errorf("expected zero, got %v", got)
	}
}

func TestMockPlatform_ScriptedErrorsAndCalls(t *testing.T) {
	m := NewMockPlatform("me")
	ctx := context.Background()
	m.SetRelationship("u1", models.Relationship{FollowsViewer: true, ViewerFollows: true})
	m.QueueError(OpGetRelationship, "u1", ErrRateLimited, nil)

	if _, err := m.GetRelationship(ctx, "u1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected scripted rate limit, got %v", err)
	}
	rel, err := m.GetRelationship(ctx, "u1")
	if err != nil || !rel.FollowsViewer {
		t.Fatalf("expected relationship on second call, got %+v %v", rel, err)
	}
	if err := m.SendDirectMessage(ctx, "u1", "hello"); err != nil {
		t.Fatal(err)
	}
	self, _ := m.SelfIdentity(ctx)
	if self != "me" {
		t.Errorf("SelfIdentity() = %q", self)
	}
	dms := m.CallsFor(OpSendDirectMessage)
	if len(dms) != 1 || dms[0].Text != "hello" {
		t.Errorf("unexpected DM calls %+v", dms)
	}
	if len(m.Calls()) != 4 {
		t.Errorf("expected 4 calls, got %d", len(m.Calls()))
	}
}

func TestMockPlatform_ListMessagesFiltersBySince(t *testing.T) {
	m := NewMockPlatform("me")
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m.AddMessages(
		models.DirectMessage{MessageID: "old", SentAt: base.Add(-time.Hour)},
		models.DirectMessage{MessageID: "edge", SentAt: base},
		models.DirectMessage{MessageID: "new", SentAt: base.Add(time.Hour)},
	)

	got, err := m.ListMessages(context.Background(), base)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 2 || got[0].MessageID != "edge" || got[1].MessageID != "new" {
		t.Errorf("ListMessages = %+v", got)
	}

	m.QueueError(OpListMessages, "", ErrUnavailable)
	if _, err := m.ListMessages(context.Background(), base); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected scripted error, got %v", err)
	}
}
