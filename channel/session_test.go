package channel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadpilot/models"
	"leadpilot/utils"
)

const validCookie = `li_at=AQEDAR1234567890abcdefghijklmnopqrstuvwxyz; JSESSIONID="ajax:42"`

func newSessionManager(t *testing.T) (*SessionManager, *gorm.DB, *fakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))

	cipher, err := utils.NewCipher("test-secret")
	require.NoError(t, err)
	clk := newFakeClock()
	m := NewSessionManager(db, cipher, 24*time.Hour, 40)
	m.now = clk.Now
	return m, db, clk
}

func TestSessionStoreEncryptsAndSupersedes(t *testing.T) {
	m, db, clk := newSessionManager(t)
	ctx := context.Background()

	first, err := m.Store(ctx, "  "+validCookie+"  ")
	require.NoError(t, err)
	assert.NotContains(t, first.EncryptedCredentials, "li_at")

	clk.Advance(time.Minute)
	second, err := m.Store(ctx, validCookie+"; lang=en")
	require.NoError(t, err)

	var valid int64
	db.Model(&models.ChannelSession{}).Where("is_valid = ?", true).Count(&valid)
	assert.EqualValues(t, 1, valid)

	var old models.ChannelSession
	require.NoError(t, db.First(&old, first.ID).Error)
	assert.False(t, old.IsValid)
	assert.Equal(t, "superseded by new session", old.InvalidReason)
	require.NotNil(t, old.InvalidatedAt)

	active, err := m.GetActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.Session.ID)
	assert.Equal(t, validCookie+"; lang=en", active.Credentials)
}

func TestSessionCheckFormat(t *testing.T) {
	m, _, _ := newSessionManager(t)
	tests := map[string]bool{
		validCookie:                          true,
		"li_at=short":                        false,
		strings.Repeat("x", 60):              false,
		validCookie + "\r\nX-Injected: true": false,
	}
	for in, ok := range tests {
		err := m.CheckFormat(in)
		if ok {
			assert.NoError(t, err, in)
			continue
		}
		assert.True(t, utils.IsKind(err, utils.KindValidation), in)
	}
}

func TestSessionExpiryAndInvalidate(t *testing.T) {
	m, _, clk := newSessionManager(t)
	ctx := context.Background()

	_, err := m.ActiveCredentials(ctx)
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))

	stored, err := m.Store(ctx, validCookie)
	require.NoError(t, err)
	creds, err := m.ActiveCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, validCookie, creds)
	require.NoError(t, m.MarkValidated(ctx, stored.ID))

	clk.Advance(25 * time.Hour)
	active, err := m.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, active, "expired session is not active")

	clk.Advance(-25 * time.Hour)
	require.NoError(t, m.Invalidate(ctx, "channel rejected session"))
	_, err = m.ActiveCredentials(ctx)
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))
}

func TestSessionManagerFeedsClient(t *testing.T) {
	m, _, _ := newSessionManager(t)
	ctx := context.Background()
	_, err := m.Store(ctx, validCookie)
	require.NoError(t, err)

	transport := &scriptedTransport{responses: []func() (*Response, error){
		status(200, `{"member_id":"me-1","name":"Sam Seller"}`),
		status(403, ""),
	}}
	c := NewClient(transport, m, NewRegistry(3, time.Minute), ClientOptions{InitialBackoff: time.Millisecond})

	profile, err := c.ValidateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me-1", profile.MemberID)
	assert.Equal(t, validCookie, transport.creds[0])

	_, err = c.ValidateSession(ctx)
	assert.True(t, utils.IsKind(err, utils.KindAuthExpired))
	active, err := m.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, active, "rejected session is invalidated")
}
