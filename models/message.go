package models

import (
	"time"

	"gorm.io/gorm"
)

type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

type MessageStatus string

const (
	MessageDraft           MessageStatus = "draft"
	MessagePendingApproval MessageStatus = "pending_approval"
	MessageApproved        MessageStatus = "approved"
	MessageEdited          MessageStatus = "edited"
	MessageSent            MessageStatus = "sent"
	MessageFailed          MessageStatus = "failed"
	MessageReceived        MessageStatus = "received"
)

// Message is a single outbound draft/send or inbound reply.
type Message struct {
	gorm.Model
	ProspectID   *uint `gorm:"index" json:"prospect_id"` // nil for unmatched inbound messages
	EnrollmentID *uint `gorm:"index" json:"enrollment_id"`
	ThreadID     *uint `gorm:"index" json:"thread_id"`

	Direction  MessageDirection `gorm:"not null;index" json:"direction"`
	Channel    Channel          `gorm:"not null" json:"channel"`
	Status     MessageStatus    `gorm:"not null;index" json:"status"`
	StepNumber int              `gorm:"default:0" json:"step_number"`

	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	// ExternalID is the provider id; unique so re-syncs never duplicate rows.
	ExternalID       *string `gorm:"uniqueIndex" json:"external_id"`
	ExternalThreadID string  `gorm:"index" json:"external_thread_id"`
	SenderName       string  `json:"sender_name"`
	SenderMemberID   string  `json:"sender_member_id"`

	// Classification for inbound messages
	Intent           *Intent    `json:"intent"`
	IntentConfidence *float64   `json:"intent_confidence"`
	Signals          []string   `gorm:"type:text;serializer:json" json:"signals"`
	ClassifiedAt     *time.Time `json:"classified_at"`

	SentAt       *time.Time `json:"sent_at"`
	ReceivedAt   *time.Time `gorm:"index" json:"received_at"`
	ErrorMessage *string    `json:"error_message"`
}

// IsSendable reports whether the message has cleared human review.
func (m *Message) IsSendable() bool {
	return m.Direction == DirectionOutbound && (m.Status == MessageApproved || m.Status == MessageEdited)
}

// ChannelThread mirrors a conversation on the messaging channel.
type ChannelThread struct {
	gorm.Model
	ExternalID    string        `gorm:"not null;uniqueIndex" json:"external_id"`
	ProspectID    *uint         `gorm:"index" json:"prospect_id"`
	Channel       Channel       `gorm:"not null;default:'linkedin'" json:"channel"`
	Participants  []Participant `gorm:"type:text;serializer:json" json:"participants"`
	LastMessageAt *time.Time    `json:"last_message_at"`
	UnreadCount   int           `gorm:"default:0" json:"unread_count"`
	LastSyncedAt  *time.Time    `json:"last_synced_at"`
}

// Participant is one member of a channel thread.
type Participant struct {
	MemberID   string `json:"member_id"`
	Name       string `json:"name"`
	ProfileURL string `json:"profile_url,omitempty"`
}
