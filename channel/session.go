package channel

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadpilot/models"
	"leadpilot/utils"
)

// SessionManager owns the single valid channel credential.
type SessionManager struct {
	db        *gorm.DB
	cipher    *utils.Cipher
	ttl       time.Duration
	minLength int
	now       func() time.Time
	log       *logrus.Entry
}

func NewSessionManager(db *gorm.DB, cipher *utils.Cipher, ttl time.Duration, minLength int) *SessionManager {
	return &SessionManager{
		db:        db,
		cipher:    cipher,
		ttl:       ttl,
		minLength: minLength,
		now:       time.Now,
		log:       utils.Logger("session_manager"),
	}
}

// ActiveSession is a decrypted, usable session.
type ActiveSession struct {
	Session     models.ChannelSession
	Credentials string
}

// CheckFormat rejects credentials that cannot possibly be a session cookie.
func (m *SessionManager) CheckFormat(credentials string) error {
	const op = "session.check_format"
	credentials = strings.TrimSpace(credentials)
	if len(credentials) < m.minLength {
		return utils.NewError(utils.KindValidation, op, "credentials are too short to be a session cookie")
	}
	if !strings.Contains(credentials, "li_at=") {
		return utils.NewError(utils.KindValidation, op, "credentials must include the li_at cookie")
	}
	if strings.ContainsAny(credentials, "\r\n") {
		return utils.NewError(utils.KindValidation, op, "credentials must be a single cookie header line")
	}
	return nil
}

// Store encrypts and persists a new credential, invalidating every session
// that was valid before it.
func (m *SessionManager) Store(ctx context.Context, credentials string) (*models.ChannelSession, error) {
	const op = "session.store"
	credentials = strings.TrimSpace(credentials)
	if err := m.CheckFormat(credentials); err != nil {
		return nil, err
	}

	encrypted, err := m.cipher.Encrypt(credentials)
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	now := m.now()
	session := models.ChannelSession{
		Channel:              models.ChannelLinkedIn,
		EncryptedCredentials: encrypted,
		IsValid:              true,
		ExpiresAt:            now.Add(m.ttl),
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := invalidateAll(tx, now, "superseded by new session"); err != nil {
			return err
		}
		return tx.Create(&session).Error
	})
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	utils.LogEvent("channel_session_stored", map[string]interface{}{
		"session_id": session.ID,
		"expires_at": session.ExpiresAt,
	})
	return &session, nil
}

// GetActive returns the most recent valid, unexpired session, or nil.
func (m *SessionManager) GetActive(ctx context.Context) (*ActiveSession, error) {
	var session models.ChannelSession
	err := m.db.WithContext(ctx).
		Where("is_valid = ? AND expires_at > ?", true, m.now()).
		Order("created_at DESC, id DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, "session.get_active", err)
	}

	credentials, err := m.cipher.Decrypt(session.EncryptedCredentials)
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, "session.decrypt", err)
	}
	return &ActiveSession{Session: session, Credentials: credentials}, nil
}

// ActiveCredentials implements CredentialSource.
func (m *SessionManager) ActiveCredentials(ctx context.Context) (string, error) {
	active, err := m.GetActive(ctx)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", utils.NewError(utils.KindNotConfigured, "session.active_credentials", "no valid channel session")
	}
	return active.Credentials, nil
}

// Invalidate marks every valid session invalid.
func (m *SessionManager) Invalidate(ctx context.Context, reason string) error {
	if err := invalidateAll(m.db.WithContext(ctx), m.now(), reason); err != nil {
		return utils.WrapError(utils.KindInternal, "session.invalidate", err)
	}
	m.log.WithField("reason", reason).Warn("Channel session invalidated")
	return nil
}

// MarkValidated records a successful round-trip with the session.
func (m *SessionManager) MarkValidated(ctx context.Context, sessionID uint) error {
	return m.db.WithContext(ctx).Model(&models.ChannelSession{}).
		Where("id = ?", sessionID).
		Update("last_validated_at", m.now()).Error
}

func invalidateAll(tx *gorm.DB, now time.Time, reason string) error {
	return tx.Model(&models.ChannelSession{}).
		Where("is_valid = ?", true).
		Updates(map[string]interface{}{
			"is_valid":       false,
			"invalidated_at": now,
			"invalid_reason": reason,
		}).Error
}
