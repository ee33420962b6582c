// Package messaging defines the messaging-platform capability interface the
// dispatcher depends on, together with the error taxonomy every platform
// implementation reports through.
package messaging

import (
	"context"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Operation names, used in errors, logs and mock call records.
const (
	OpSelfIdentity      = "self_identity"
	OpGetRelationship   = "get_relationship"
	OpSendDirectMessage = "send_direct_message"
	OpSendFriendRequest = "send_friend_request"
	OpListMessages      = "list_messages"
)

// Platform is the capability interface of a social platform that supports
// direct messages and follow/friend requests. Errors should be *PlatformError
// values (or wrap one) so callers can classify them with KindOf.
type Platform interface {
	// SelfIdentity returns the user id of the authenticated account.
	SelfIdentity(ctx context.Context) (string, error)

	// GetRelationship reports the follow relationship between the viewer and
	// userID, and whether the platform says a direct message is allowed.
	GetRelationship(ctx context.Context, userID string) (models.Relationship, error)

	// SendDirectMessage delivers text to userID as a direct message.
	SendDirectMessage(ctx context.Context, userID string, text string) error

	// SendFriendRequest follows (or sends a friend request to) userID.
	SendFriendRequest(ctx context.Context, userID string) error
}

// Inbox reads the direct-message conversations of the authenticated account.
type Inbox interface {
	SelfIdentity(ctx context.Context) (string, error)

	// ListMessages returns the messages sent at or after since, in every
	// conversation of the account, including the account's own messages.
	ListMessages(ctx context.Context, since time.Time) ([]models.DirectMessage, error)
}
