package channel

import (
	"context"
	"time"

	"leadpilot/models"
)

// ServiceName keys the channel's breaker in the registry.
const ServiceName = "linkedin"

// Request is one call to the channel API.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   interface{}
}

// Response is the raw answer from the channel API.
type Response struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

// Transport performs a single HTTP exchange. Implementations classify
// network failures as KindTimeout or KindConnectionFailure.
type Transport interface {
	Do(ctx context.Context, req Request, credentials string, timeout time.Duration) (*Response, error)
}

// CredentialSource supplies the active session credential and is told when
// the channel rejects it.
type CredentialSource interface {
	ActiveCredentials(ctx context.Context) (string, error)
	Invalidate(ctx context.Context, reason string) error
}

// Profile is the account the session belongs to.
type Profile struct {
	MemberID string `json:"member_id"`
	Name     string `json:"name"`
}

// Conversation is a thread summary returned by FetchConversations.
type Conversation struct {
	ID             string               `json:"id"`
	Participants   []models.Participant `json:"participants"`
	LastActivityMs int64                `json:"last_activity_at"`
	UnreadCount    int                  `json:"unread_count"`
}

func (c Conversation) LastActivity() time.Time {
	return time.UnixMilli(c.LastActivityMs).UTC()
}

// Sender identifies who wrote a channel message.
type Sender struct {
	MemberID string `json:"member_id"`
	Name     string `json:"name"`
}

// Message is one event inside a conversation.
type Message struct {
	ID          string `json:"id"`
	ThreadID    string `json:"thread_id"`
	Sender      Sender `json:"sender"`
	Text        string `json:"text"`
	CreatedAtMs int64  `json:"created_at"`
}

func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.CreatedAtMs).UTC()
}

// SendResult carries the provider ids of a delivered message.
type SendResult struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

type listEnvelope[T any] struct {
	Elements []T `json:"elements"`
}
