// Package bluesky implements messaging.Platform on the AT Protocol: the
// Bluesky social graph for relationships and follows, and the Bluesky chat
// service for direct messages.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
)

const (
	DefaultPDS = "https://bsky.social"
	// DefaultChatProxy routes chat.bsky.* calls through the PDS to the chat service.
	DefaultChatProxy = "did:web:api.bsky.chat#bsky_chat"
	// DefaultRequestsPerSecond paces all calls made by a client.
	DefaultRequestsPerSecond = 2

	pageLimit          = 100
	deletedMessageType = "chat.bsky.convo.defs#deletedMessageView"
)

// XRPC error names that mean the user cannot be reached at all.
var unavailableErrors = map[string]bool{
	"AccountDeactivated": true,
	"AccountTakedown":    true,
	"AccountSuspended":   true,
	"NotFound":           true,
	"ActorNotFound":      true,
	"RepoNotFound":       true,
	"BlockedActor":       true,
	"BlockedByActor":     true,
}

// Opts holds configuration for the Bluesky client.
type Opts struct {
	PDS               string
	ChatProxy         string
	Identifier        string
	AppPassword       string
	RequestsPerSecond int
	HTTPClient        *http.Client
}

// Option configures the Bluesky client.
type Option func(*Opts)

// WithPDS sets the personal data server base URL.
func WithPDS(pds string) Option {
	return func(o *Opts) { o.PDS = pds }
}

// WithChatProxy sets the atproto-proxy target used for chat calls.
func WithChatProxy(proxy string) Option {
	return func(o *Opts) { o.ChatProxy = proxy }
}

// WithCredentials sets the account handle (or DID) and its app password.
func WithCredentials(identifier, appPassword string) Option {
	return func(o *Opts) {
		o.Identifier = identifier
		o.AppPassword = appPassword
	}
}

// WithRequestsPerSecond sets the client-side pacing.
func WithRequestsPerSecond(rps int) Option {
	return func(o *Opts) { o.RequestsPerSecond = rps }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a Bluesky account acting as the outreach sender.
type Client struct {
	pds        string
	chatProxy  string
	identifier string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu        sync.Mutex
	accessJwt string
	did       string
}

// Compile-time checks that Client implements messaging.Platform and messaging.Inbox.
var (
	_ messaging.Platform = (*Client)(nil)
	_ messaging.Inbox    = (*Client)(nil)
)

// NewClient creates a client. Credentials fall back to BLUESKY_IDENTIFIER and
// BLUESKY_APP_PASSWORD, the PDS to BLUESKY_PDS. No network call is made until
// the first request.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PDS == "" {
		cfg.PDS = os.Getenv("BLUESKY_PDS")
	}
	if cfg.PDS == "" {
		cfg.PDS = DefaultPDS
	}
	if cfg.Identifier == "" {
		cfg.Identifier = os.Getenv("BLUESKY_IDENTIFIER")
	}
	if cfg.AppPassword == "" {
		cfg.AppPassword = os.Getenv("BLUESKY_APP_PASSWORD")
	}
	if cfg.ChatProxy == "" {
		cfg.ChatProxy = DefaultChatProxy
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	slog.Debug("Bluesky client config loaded", "pds", cfg.PDS,
		"identifier_set", cfg.Identifier != "", "app_password_set", cfg.AppPassword != "",
		"rps", cfg.RequestsPerSecond)

	if cfg.Identifier == "" || cfg.AppPassword == "" {
		return nil, fmt.Errorf("bluesky identifier and app password must be provided")
	}
	return &Client{
		pds:        cfg.PDS,
		chatProxy:  cfg.ChatProxy,
		identifier: cfg.Identifier,
		password:   cfg.AppPassword,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond),
	}, nil
}

// Login creates a session with the PDS using the app password.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]string{"identifier": c.identifier, "password": c.password}
	var resp createSessionResponse
	if err := c.do(ctx, http.MethodPost, "/xrpc/com.atproto.server.createSession", nil, body, false, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.mu.Lock()
	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	c.mu.Unlock()
	slog.Info("Bluesky.Login: session created", "did", resp.DID, "handle", resp.Handle)
	return nil
}

// ensureSession logs in when there is no live session.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	did := c.did
	hasToken := c.accessJwt != ""
	c.mu.Unlock()
	if hasToken {
		return did, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did, nil
}

// SelfIdentity returns the DID of the sending account.
func (c *Client) SelfIdentity(ctx context.Context) (string, error) {
	did, err := c.ensureSession(ctx)
	if err != nil {
		return "", classify(messaging.OpSelfIdentity, "", err)
	}
	return did, nil
}

// GetRelationship combines the follow graph with the chat service's view of
// whether a conversation with the user is allowed.
func (c *Client) GetRelationship(ctx context.Context, userID string) (models.Relationship, error) {
	self, err := c.ensureSession(ctx)
	if err != nil {
		return models.Relationship{}, classify(messaging.OpGetRelationship, userID, err)
	}

	q := url.Values{"actor": {self}, "others": {userID}}
	var rels getRelationshipsResponse
	if err := c.do(ctx, http.MethodGet, "/xrpc/app.bsky.graph.getRelationships", q, nil, false, &rels); err != nil {
		return models.Relationship{}, classify(messaging.OpGetRelationship, userID, err)
	}
	var rel models.Relationship
	for _, r := range rels.Relationships {
		if r.NotFound {
			return models.Relationship{}, messaging.NewError(messaging.KindUnavailable, messaging.OpGetRelationship, userID,
				errors.New("actor not found"))
		}
		if r.DID == userID {
			rel.ViewerFollows = r.Following != ""
			rel.FollowsViewer = r.FollowedBy != ""
		}
	}

	var avail convoAvailabilityResponse
	q = url.Values{"members": {userID}}
	if err := c.do(ctx, http.MethodGet, "/xrpc/chat.bsky.convo.getConvoAvailability", q, nil, true, &avail); err != nil {
		return models.Relationship{}, classify(messaging.OpGetRelationship, userID, err)
	}
	rel.DMCapable = models.Bool(avail.CanChat)
	return rel, nil
}

// SendDirectMessage opens (or reuses) the one-to-one conversation and posts text.
func (c *Client) SendDirectMessage(ctx context.Context, userID string, text string) error {
	if _, err := c.ensureSession(ctx); err != nil {
		return classify(messaging.OpSendDirectMessage, userID, err)
	}
	var convo convoResponse
	q := url.Values{"members": {userID}}
	if err := c.do(ctx, http.MethodGet, "/xrpc/chat.bsky.convo.getConvoForMembers", q, nil, true, &convo); err != nil {
		return classify(messaging.OpSendDirectMessage, userID, err)
	}
	body := sendMessageRequest{ConvoID: convo.Convo.ID}
	body.Message.Text = text
	if err := c.do(ctx, http.MethodPost, "/xrpc/chat.bsky.convo.sendMessage", nil, body, true, nil); err != nil {
		return classify(messaging.OpSendDirectMessage, userID, err)
	}
	slog.Debug("Bluesky.SendDirectMessage: sent", "user_id", userID, "convo_id", convo.Convo.ID)
	return nil
}

// SendFriendRequest follows the user, the closest Bluesky has to a friend request.
func (c *Client) SendFriendRequest(ctx context.Context, userID string) error {
	self, err := c.ensureSession(ctx)
	if err != nil {
		return classify(messaging.OpSendFriendRequest, userID, err)
	}
	body := createRecordRequest{
		Repo:       self,
		Collection: "app.bsky.graph.follow",
		Record: followRecord{
			Type:      "app.bsky.graph.follow",
			Subject:   userID,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := c.do(ctx, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", nil, body, false, nil); err != nil {
		return classify(messaging.OpSendFriendRequest, userID, err)
	}
	slog.Debug("Bluesky.SendFriendRequest: followed", "user_id", userID)
	return nil
}

// ListMessages walks every conversation of the account and returns the
// messages sent at or after since, oldest first. Deleted messages are left out.
func (c *Client) ListMessages(ctx context.Context, since time.Time) ([]models.DirectMessage, error) {
	if _, err := c.ensureSession(ctx); err != nil {
		return nil, classify(messaging.OpListMessages, "", err)
	}

	var out []models.DirectMessage
	cursor := ""
	for {
		q := url.Values{"limit": {strconv.Itoa(pageLimit)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page listConvosResponse
		if err := c.do(ctx, http.MethodGet, "/xrpc/chat.bsky.convo.listConvos", q, nil, true, &page); err != nil {
			return nil, classify(messaging.OpListMessages, "", err)
		}
		for _, convo := range page.Convos {
			if last := convo.LastMessage; last != nil {
				if t, err := time.Parse(time.RFC3339Nano, last.SentAt); err == nil && t.Before(since) {
					continue
				}
			}
			msgs, err := c.convoMessages(ctx, convo.ID, since)
			if err != nil {
				return nil, classify(messaging.OpListMessages, "", err)
			}
			out = append(out, msgs...)
		}
		if page.Cursor == "" || len(page.Convos) == 0 {
			break
		}
		cursor = page.Cursor
	}

	slices.SortStableFunc(out, func(a, b models.DirectMessage) int { return a.SentAt.Compare(b.SentAt) })
	slog.Debug("Bluesky.ListMessages: listed", "since", since, "messages", len(out))
	return out, nil
}

// convoMessages pages through one conversation, newest first, until it
// reaches a message older than since.
func (c *Client) convoMessages(ctx context.Context, convoID string, since time.Time) ([]models.DirectMessage, error) {
	var out []models.DirectMessage
	cursor := ""
	for {
		q := url.Values{"convoId": {convoID}, "limit": {strconv.Itoa(pageLimit)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page getMessagesResponse
		if err := c.do(ctx, http.MethodGet, "/xrpc/chat.bsky.convo.getMessages", q, nil, true, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			sent, err := time.Parse(time.RFC3339Nano, m.SentAt)
			if err != nil {
				slog.Warn("Bluesky.ListMessages: skipping message with bad sentAt", "convo_id", convoID, "message_id", m.ID, "sent_at", m.SentAt)
				continue
			}
			if sent.Before(since) {
				return out, nil
			}
			if m.Type == deletedMessageType {
				continue
			}
			out = append(out, models.DirectMessage{
				ConvoID:   convoID,
				MessageID: m.ID,
				SenderID:  m.Sender.DID,
				Text:      m.Text,
				SentAt:    sent.UTC(),
			})
		}
		if page.Cursor == "" || len(page.Messages) == 0 {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// apiError is a non-2xx XRPC response.
type apiError struct {
	Status     int
	Name       string
	Message    string
	RetryAfter time.Duration
}

func (e *apiError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("API error (status %d): %s: %s", e.Status, e.Name, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// classify maps transport and XRPC failures onto messaging error kinds.
func classify(op, userID string, err error) error {
	var ae *apiError
	if !errors.As(err, &ae) {
		return messaging.NewError(messaging.KindOtherTransient, op, userID, err)
	}
	switch {
	case ae.Status == http.StatusTooManyRequests || ae.Name == "RateLimitExceeded":
		pe := messaging.NewError(messaging.KindRateLimited, op, userID, err)
		pe.RetryAfter = ae.RetryAfter
		return pe
	case ae.Status == http.StatusNotFound || unavailableErrors[ae.Name]:
		return messaging.NewError(messaging.KindUnavailable, op, userID, err)
	default:
		return messaging.NewError(messaging.KindOtherTransient, op, userID, err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, chat bool, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	u := c.pds + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	token := c.accessJwt
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if chat {
		req.Header.Set("atproto-proxy", c.chatProxy)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ae := &apiError{Status: resp.StatusCode, Message: string(respBody), RetryAfter: retryAfter(resp.Header)}
		var xe xrpcError
		if json.Unmarshal(respBody, &xe) == nil && xe.Error != "" {
			ae.Name, ae.Message = xe.Error, xe.Message
		}
		if ae.Name == "ExpiredToken" || ae.Name == "InvalidToken" {
			// Force a fresh login on the next call.
			c.mu.Lock()
			c.accessJwt = ""
			c.mu.Unlock()
		}
		return ae
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// retryAfter reads Retry-After (seconds) or RateLimit-Reset (unix seconds).
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type getRelationshipsResponse struct {
	Actor         string `json:"actor"`
	Relationships []struct {
		DID        string `json:"did"`
		Actor      string `json:"actor"`
		Following  string `json:"following"`
		FollowedBy string `json:"followedBy"`
		NotFound   bool   `json:"notFound"`
	} `json:"relationships"`
}

type convoAvailabilityResponse struct {
	CanChat bool `json:"canChat"`
}

type convoResponse struct {
	Convo struct {
		ID string `json:"id"`
	} `json:"convo"`
}

type sendMessageRequest struct {
	ConvoID string `json:"convoId"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type followRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

type messageView struct {
	Type   string `json:"$type"`
	ID     string `json:"id"`
	Text   string `json:"text"`
	SentAt string `json:"sentAt"`
	Sender struct {
		DID string `json:"did"`
	} `json:"sender"`
}

type listConvosResponse struct {
	Cursor string `json:"cursor"`
	Convos []struct {
		ID          string       `json:"id"`
		LastMessage *messageView `json:"lastMessage"`
	} `json:"convos"`
}

type getMessagesResponse struct {
	Cursor   string        `json:"cursor"`
	Messages []messageView `json:"messages"`
}
