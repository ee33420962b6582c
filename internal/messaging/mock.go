package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Call records one invocation of a MockPlatform method.
type Call struct {
	Op     string
	UserID string
	Text   string
}

// MockPlatform is a scripted in-memory Platform for tests and dry runs.
// Relationships default to "no relationship, no explicit DM flag".
type MockPlatform struct {
	mu            sync.Mutex
	self          string
	relationships map[string]models.Relationship
	errs          map[string][]error
	calls         []Call
	messages      []models.DirectMessage

	// OnCall, when set, runs after a call is recorded and before it returns.
	OnCall func(Call)
}

// Compile-time checks that MockPlatform implements Platform and Inbox.
var (
	_ Platform = (*MockPlatform)(nil)
	_ Inbox    = (*MockPlatform)(nil)
)

// NewMockPlatform creates a mock authenticated as self.
func NewMockPlatform(self string) *MockPlatform {
	return &MockPlatform{
		self:          self,
		relationships: make(map[string]models.Relationship),
		errs:          make(map[string][]error),
	}
}

// SetRelationship scripts the relationship returned for userID.
func (m *MockPlatform) SetRelationship(userID string, rel models.Relationship) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relationships[userID] = rel
}

// AddMessages scripts inbox messages returned by ListMessages.
func (m *MockPlatform) AddMessages(msgs ...models.DirectMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msgs...)
}

// QueueError makes the next calls of op for userID fail with errs, in order.
// A nil entry lets that call succeed.
func (m *MockPlatform) QueueError(op, userID string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + "/" + userID
	m.errs[key] = append(m.errs[key], errs...)
}

// Calls returns a copy of all recorded calls.
func (m *MockPlatform) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the recorded calls of a single operation.
func (m *MockPlatform) CallsFor(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockPlatform) record(c Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	var err error
	key := c.Op + "/" + c.UserID
	if q := m.errs[key]; len(q) > 0 {
		err = q[0]
		m.errs[key] = q[1:]
	}
	hook := m.OnCall
	m.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	slog.Debug("MockPlatform call", "op", c.Op, "user_id", c.UserID, "error", err)
	return err
}

func (m *MockPlatform) SelfIdentity(ctx context.Context) (string, error) {
	if err := m.record(Call{Op: OpSelfIdentity}); err != nil {
		return "", err
	}
	return m.self, nil
}

func (m *MockPlatform) GetRelationship(ctx context.Context, userID string) (models.Relationship, error) {
	if err := m.record(Call{Op: OpGetRelationship, UserID: userID}); err != nil {
		return models.Relationship{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relationships[userID], nil
}

func (m *MockPlatform) SendDirectMessage(ctx context.Context, userID string, text string) error {
	return m.record(Call{Op: OpSendDirectMessage, UserID: userID, Text: text})
}

func (m *MockPlatform) SendFriendRequest(ctx context.Context, userID string) error {
	return m.record(Call{Op: OpSendFriendRequest, UserID: userID})
}

func (m *MockPlatform) ListMessages(ctx context.Context, since time.Time) ([]models.DirectMessage, error) {
	if err := m.record(Call{Op: OpListMessages}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DirectMessage
	for _, msg := range m.messages {
		if !msg.SentAt.Before(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}
