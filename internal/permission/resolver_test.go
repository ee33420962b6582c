package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		rel        models.Relationship
		wantCanDM  bool
		wantReason Reason
	}{
		{"explicit true without follows", models.Relationship{DMCapable: models.Bool(true)}, true, ReasonExplicit},
		{"explicit false overrides mutual", models.Relationship{FollowsViewer: true, ViewerFollows: true, DMCapable: models.Bool(false)}, false, ReasonExplicit},
		{"mutual follow", models.Relationship{FollowsViewer: true, ViewerFollows: true}, true, ReasonMutual},
		{"only they follow", models.Relationship{FollowsViewer: true}, false, ReasonNoPermission},
		{"only viewer follows", models.Relationship{ViewerFollows: true}, false, ReasonNoPermission},
		{"strangers", models.Relationship{}, false, ReasonNoPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.rel)
			if d.CanDM != tt.wantCanDM || d.Reason != tt.wantReason {
				t.Errorf("Decide() = %+v, want canDM=%v reason=%v", d, tt.wantCanDM, tt.wantReason)
			}
		})
	}
}

func TestResolver_PassesPlatformErrorsThrough(t *testing.T) {
	p := messaging.NewMockPlatform("me")
	p.QueueError(messaging.OpGetRelationship, "gone", messaging.NewError(messaging.KindUnavailable, messaging.OpGetRelationship, "gone", nil))
	r := NewResolver(p)

	_, err := r.Resolve(context.Background(), "gone")
	if !errors.Is(err, messaging.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestResolver_UsesRelationship(t *testing.T) {
	p := messaging.NewMockPlatform("me")
	p.SetRelationship("friend", models.Relationship{FollowsViewer: true, ViewerFollows: true})
	r := NewResolver(p)

	d, err := r.Resolve(context.Background(), "friend")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !d.CanDM || d.Reason != ReasonMutual {
		t.Errorf("unexpected decision %+v", d)
	}
}
