package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadpilot/channel"
	"leadpilot/models"
	"leadpilot/utils"
)

func TestDecodeJSON(t *testing.T) {
	type out struct {
		Intent string `json:"intent"`
	}
	tests := map[string]string{
		`{"intent":"question"}`:                         "question",
		"```json\n{\"intent\":\"referral\"}\n```":       "referral",
		"```\n{\"intent\":\"objection\"}\n```":          "objection",
		`Sure! Here it is: {"intent":"not_now"} Thanks`: "not_now",
	}
	for in, want := range tests {
		var got out
		require.NoError(t, DecodeJSON(in, &got), in)
		assert.Equal(t, want, got.Intent)
	}

	var got out
	assert.Error(t, DecodeJSON("no json at all", &got))
}

func newAuditDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))
	return db
}

type completerFunc func(ctx context.Context, req Request) (*Response, error)

func (f completerFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func TestAuditedCompleterLogsEveryCall(t *testing.T) {
	db := newAuditDB(t)
	prospectID := uint(42)
	calls := 0
	inner := completerFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		if calls == 2 {
			return nil, utils.NewError(utils.KindTimeout, "ai.complete", "provider timed out")
		}
		return &Response{Text: "hi", Model: "gpt-x", InputTokens: 120, OutputTokens: 30, Latency: 250 * time.Millisecond}, nil
	})
	audited := NewAuditedCompleter(inner, db, "openai", "gpt-default")

	_, err := audited.Complete(context.Background(), Request{Purpose: "draft_step", System: "sys", Prompt: "prompt", ProspectID: &prospectID})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = audited.Complete(ctx, Request{Purpose: "classify_intent", JSONMode: true})
	assert.True(t, utils.IsKind(err, utils.KindTimeout))

	var logs []models.AICallLog
	require.NoError(t, db.Order("id").Find(&logs).Error)
	require.Len(t, logs, 2, "failed call under a cancelled context is still logged")

	assert.Equal(t, "draft_step", logs[0].Purpose)
	assert.True(t, logs[0].Success)
	assert.Equal(t, "openai", logs[0].Provider)
	assert.Equal(t, "gpt-x", logs[0].ModelName)
	assert.Equal(t, 120, logs[0].InputTokens)
	assert.EqualValues(t, 250, logs[0].LatencyMs)
	assert.Equal(t, len("sys")+len("prompt"), logs[0].PromptChars)
	require.NotNil(t, logs[0].ProspectID)
	assert.Equal(t, prospectID, *logs[0].ProspectID)

	assert.False(t, logs[1].Success)
	assert.True(t, logs[1].JSONMode)
	assert.Equal(t, "gpt-default", logs[1].ModelName)
	assert.Contains(t, logs[1].ErrorMessage, "timed out")
}

func TestHTTPCompleter(t *testing.T) {
	var mu sync.Mutex
	var captured chatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini-2024","choices":[{"message":{"role":"assistant","content":"Hello Dana"}}],"usage":{"prompt_tokens":50,"completion_tokens":5}}`))
	}))
	defer server.Close()

	c := NewHTTPCompleter(server.URL+"/", "sk-test", "openai", "gpt-4o-mini", 5*time.Second)
	resp, err := c.Complete(context.Background(), Request{Purpose: "draft", System: "be brief", Prompt: "write", JSONMode: true, MaxTokens: 100})
	require.NoError(t, err)

	assert.Equal(t, "Hello Dana", resp.Text)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
	assert.Equal(t, 50, resp.InputTokens)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o-mini", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, map[string]string{"type": "json_object"}, captured.ResponseFormat)
}

func TestHTTPCompleterErrors(t *testing.T) {
	var statusCode atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(statusCode.Load()))
		_, _ = w.Write([]byte(`{"error":{"message":"context length exceeded"}}`))
	}))
	defer server.Close()
	ctx := context.Background()

	_, err := NewHTTPCompleter(server.URL, "", "openai", "m", time.Second).Complete(ctx, Request{})
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))

	_, err = NewHTTPCompleter(server.URL, "k", "openai", "m", time.Second).Complete(ctx, Request{Provider: "anthropic"})
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))

	c := NewHTTPCompleter(server.URL, "k", "openai", "m", time.Second)
	tests := []struct {
		status int
		kind   utils.ErrorKind
	}{
		{http.StatusTooManyRequests, utils.KindRateLimited},
		{http.StatusUnauthorized, utils.KindAuthExpired},
		{http.StatusBadGateway, utils.KindConnectionFailure},
		{http.StatusBadRequest, utils.KindValidation},
	}
	for _, tt := range tests {
		statusCode.Store(int32(tt.status))
		_, err := c.Complete(ctx, Request{Prompt: "x"})
		assert.True(t, utils.IsKind(err, tt.kind), "status %d: %v", tt.status, err)
		if tt.status == http.StatusBadRequest {
			var appErr *utils.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, "context length exceeded", appErr.Message)
		}
	}
}

func TestHTTPCompleterBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewHTTPCompleter(server.URL, "k", "openai", "m", time.Second)
	c.Breaker = channel.NewRegistry(2, time.Minute).Get(BreakerService)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Complete(ctx, Request{Purpose: "draft", Prompt: "x"})
		assert.True(t, utils.IsKind(err, utils.KindConnectionFailure))
	}
	require.Equal(t, channel.StateOpen, c.Breaker.Snapshot().State)

	_, err := c.Complete(ctx, Request{Purpose: "draft", Prompt: "x"})
	assert.True(t, utils.IsKind(err, utils.KindServiceUnavailable))
	assert.Equal(t, int32(2), hits.Load())
}
