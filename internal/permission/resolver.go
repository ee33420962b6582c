// Package permission decides whether a direct message may be attempted to a
// user, from the relationship facts the platform reports.
package permission

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Reason explains which rule produced a decision.
type Reason string

const (
	// ReasonExplicit means the platform reported dm_capable directly.
	ReasonExplicit Reason = "explicit"
	// ReasonMutual means both accounts follow each other.
	ReasonMutual Reason = "mutual_follow"
	// ReasonNoPermission means no rule allowed a direct message.
	ReasonNoPermission Reason = "no_permission"
)

// Decision is the resolved direct-message capability for one user.
type Decision struct {
	CanDM        bool
	Reason       Reason
	Relationship models.Relationship
}

// Decide applies the policy, first match wins:
//  1. an explicit dm_capable flag from the platform is used as is;
//  2. a mutual follow allows a direct message;
//  3. otherwise a direct message is not allowed.
func Decide(rel models.Relationship) Decision {
	switch {
	case rel.DMCapable != nil:
		return Decision{CanDM: *rel.DMCapable, Reason: ReasonExplicit, Relationship: rel}
	case rel.FollowsViewer && rel.ViewerFollows:
		return Decision{CanDM: true, Reason: ReasonMutual, Relationship: rel}
	default:
		return Decision{CanDM: false, Reason: ReasonNoPermission, Relationship: rel}
	}
}

// RelationshipSource is the part of the platform the resolver needs.
type RelationshipSource interface {
	GetRelationship(ctx context.Context, userID string) (models.Relationship, error)
}

// Resolver looks up relationships and applies Decide.
type Resolver struct {
	source RelationshipSource
}

// NewResolver creates a resolver backed by source.
func NewResolver(source RelationshipSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the decision for userID. Platform errors are returned
// unchanged so the caller can classify them (rate limited, unavailable).
func (r *Resolver) Resolve(ctx context.Context, userID string) (Decision, error) {
	rel, err := r.source.GetRelationship(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	d := Decide(rel)
	slog.Debug("Resolver.Resolve", "user_id", userID, "can_dm", d.CanDM, "reason", d.Reason,
		"follows_viewer", rel.FollowsViewer, "viewer_follows", rel.ViewerFollows, "dm_flag_reported", rel.DMCapable != nil)
	return d, nil
}
