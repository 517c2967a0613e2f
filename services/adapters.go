package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/channel"
	"leadpilot/models"
	"leadpilot/utils"
)

// Delivery is one approved message on its way out.
type Delivery struct {
	Message  *models.Message
	Prospect *models.Prospect
}

// DeliveryResult identifies the sent message on the provider side.
type DeliveryResult struct {
	ExternalID       string
	ExternalThreadID string
}

// ChannelAdapter delivers a message over one channel.
type ChannelAdapter interface {
	Deliver(ctx context.Context, d Delivery) (*DeliveryResult, error)
}

// Messenger is the part of the channel client the LinkedIn adapter needs.
type Messenger interface {
	SendMessage(ctx context.Context, threadID, text string) (*channel.SendResult, error)
	StartConversation(ctx context.Context, memberID, text string) (*channel.SendResult, error)
}

// LinkedInAdapter sends through an existing thread when one is known and
// opens a new conversation otherwise.
type LinkedInAdapter struct {
	db        *gorm.DB
	messenger Messenger
	now       func() time.Time
}

func NewLinkedInAdapter(db *gorm.DB, messenger Messenger) *LinkedInAdapter {
	return &LinkedInAdapter{db: db, messenger: messenger, now: time.Now}
}

func (a *LinkedInAdapter) Deliver(ctx context.Context, d Delivery) (*DeliveryResult, error) {
	const op = "linkedin.deliver"
	threadID, err := a.resolveThread(ctx, d)
	if err != nil {
		return nil, err
	}

	if threadID != "" {
		res, err := a.messenger.SendMessage(ctx, threadID, d.Message.Body)
		if err != nil {
			return nil, err
		}
		return &DeliveryResult{ExternalID: res.ID, ExternalThreadID: firstNonEmpty(res.ThreadID, threadID)}, nil
	}

	if d.Prospect.ChannelMemberID == "" {
		return nil, utils.NewError(utils.KindValidation, op, fmt.Sprintf("prospect %d has no channel member id", d.Prospect.ID))
	}
	res, err := a.messenger.StartConversation(ctx, d.Prospect.ChannelMemberID, d.Message.Body)
	if err != nil {
		return nil, err
	}
	if res.ThreadID != "" {
		a.rememberThread(ctx, d.Prospect, res.ThreadID)
	}
	return &DeliveryResult{ExternalID: res.ID, ExternalThreadID: res.ThreadID}, nil
}

func (a *LinkedInAdapter) resolveThread(ctx context.Context, d Delivery) (string, error) {
	if d.Message.ExternalThreadID != "" {
		return d.Message.ExternalThreadID, nil
	}
	var thread models.ChannelThread
	err := a.db.WithContext(ctx).
		Where("prospect_id = ? AND channel = ?", d.Prospect.ID, models.ChannelLinkedIn).
		Order("last_message_at DESC, id DESC").
		First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", utils.WrapError(utils.KindInternal, "linkedin.resolve_thread", err)
	}
	return thread.ExternalID, nil
}

// rememberThread links a freshly opened conversation to the prospect so the
// next step reuses it. Sync fills in the rest later.
func (a *LinkedInAdapter) rememberThread(ctx context.Context, p *models.Prospect, externalID string) {
	now := a.now()
	thread := models.ChannelThread{
		ExternalID:    externalID,
		ProspectID:    &p.ID,
		Channel:       models.ChannelLinkedIn,
		Participants:  []models.Participant{{MemberID: p.ChannelMemberID, Name: p.FullName(), ProfileURL: p.ProfileURL}},
		LastMessageAt: &now,
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"prospect_id": p.ID, "last_message_at": now}),
	}).Create(&thread).Error
	if err != nil {
		utils.Logger("sender").WithError(err).WithField("thread", externalID).Warn("Failed to record new thread")
	}
}

// Breaker names for the email channel.
const (
	SMTPService = "smtp"
	IMAPService = "imap"
)

// MailDialer is satisfied by *gomail.Dialer.
type MailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailAdapter delivers over SMTP.
type EmailAdapter struct {
	dialer    MailDialer
	fromEmail string
	fromName  string

	// CheckHost adds an MX lookup to the recipient check.
	CheckHost bool
	// Breaker guards the SMTP server; nil disables it.
	Breaker channel.Breaker
}

func NewEmailAdapter(dialer MailDialer, fromEmail, fromName string) *EmailAdapter {
	return &EmailAdapter{dialer: dialer, fromEmail: fromEmail, fromName: fromName}
}

// NewSMTPDialer builds a gomail dialer the way sender accounts are dialed.
func NewSMTPDialer(host string, port int, username, password string) *gomail.Dialer {
	d := gomail.NewDialer(host, port, username, password)
	d.SSL = port == 465
	return d
}

func (a *EmailAdapter) Deliver(ctx context.Context, d Delivery) (*DeliveryResult, error) {
	const op = "email.deliver"
	to := strings.TrimSpace(d.Prospect.Email)
	if err := utils.CheckRecipient(to, a.CheckHost); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, utils.WrapError(utils.KindTimeout, op, err)
	}

	domain := a.fromEmail[strings.LastIndex(a.fromEmail, "@")+1:]
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", a.fromEmail, a.fromName)
	m.SetAddressHeader("To", to, d.Prospect.FullName())
	m.SetHeader("Subject", d.Message.Subject)
	m.SetHeader("Message-ID", messageID)
	if ref := d.Message.ExternalThreadID; ref != "" {
		m.SetHeader("In-Reply-To", ref)
		m.SetHeader("References", ref)
	}
	m.SetBody("text/plain", d.Message.Body)

	err := channel.Guard(a.Breaker, SMTPService, op, func() error {
		if err := a.dialer.DialAndSend(m); err != nil {
			return utils.WrapError(utils.KindConnectionFailure, op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	thread := d.Message.ExternalThreadID
	if thread == "" {
		thread = messageID
	}
	return &DeliveryResult{ExternalID: messageID, ExternalThreadID: thread}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
