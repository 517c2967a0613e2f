package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"leadpilot/ai"
	"leadpilot/channel"
	controller "leadpilot/controllers"
	"leadpilot/events"
	"leadpilot/middleware"
	"leadpilot/models"
	"leadpilot/routes"
	"leadpilot/services"
	"leadpilot/utils"
)

const (
	testSecret  = "test-jwt-secret"
	validCookie = `li_at=AQEDAR1234567890abcdefghijklmnopqrstuvwxyz; JSESSIONID="ajax:42"`
)

type staticCompleter string

func (s staticCompleter) Complete(_ context.Context, req ai.Request) (*ai.Response, error) {
	return &ai.Response{Text: string(s), Model: "test"}, nil
}

type recordingAdapter struct {
	mu        sync.Mutex
	delivered []uint
}

func (a *recordingAdapter) Deliver(_ context.Context, d services.Delivery) (*services.DeliveryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered = append(a.delivered, d.Message.ID)
	return &services.DeliveryResult{ExternalID: uuid.NewString(), ExternalThreadID: "thread-1"}, nil
}

type apiFixture struct {
	app     *fiber.App
	db      *gorm.DB
	token   string
	adapter *recordingAdapter
}

func newAPIFixture(t *testing.T, sendRate int) *apiFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))

	hub := events.NewHub(64)
	completer := staticCompleter("Hi Dana, worth comparing notes on pipeline hygiene?")
	adapter := &recordingAdapter{}
	cipher, err := utils.NewCipher("cookie-secret")
	require.NoError(t, err)
	breakers := channel.NewRegistry(3, time.Minute)
	heartbeat := services.NewMemoryHeartbeat()

	scorer := services.NewScorer(db, hub)
	drafter := services.NewDrafter(db, completer, hub, services.DrafterOptions{})
	runner := services.NewWorkflowRunner(db, drafter, nil, scorer, hub, 3, services.CycleOptions{Limit: 25})
	sender := services.NewSender(db, map[models.Channel]services.ChannelAdapter{models.ChannelLinkedIn: adapter}, hub, 72*time.Hour)

	app := fiber.New()
	routes.SetupRoutes(app, routes.Handlers{
		Enrollments: controller.NewEnrollmentController(services.NewEnrollmentService(db, hub)),
		Workflow:    controller.NewWorkflowController(runner, nil, heartbeat, 10*time.Minute, breakers, hub),
		Approvals:   controller.NewApprovalController(services.NewApprovalQueue(db, hub), sender, drafter),
		Scores:      controller.NewScoreController(scorer, services.NewResearcher(db, completer, scorer, 2)),
		Sessions:    controller.NewSessionController(channel.NewSessionManager(db, cipher, 24*time.Hour, 40), nil),
		Hub:         hub,
	}, routes.Options{
		JWTSecret:      testSecret,
		CORS:           middleware.DefaultCORSConfig(),
		ManualSendRate: sendRate,
	})

	token, err := utils.GenerateJWTToken(testSecret, "sam", time.Hour)
	require.NoError(t, err)
	return &apiFixture{app: app, db: db, token: token, adapter: adapter}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out), string(env.Data))
	return out
}

func (f *apiFixture) seedProspect(t *testing.T) *models.Prospect {
	t.Helper()
	p := &models.Prospect{
		FirstName:       "Dana",
		LastName:        "Whitfield",
		Title:           "VP Sales",
		Company:         "Acme",
		ChannelMemberID: "member-" + uuid.NewString()[:8],
		Status:          models.ProspectNew,
	}
	require.NoError(t, f.db.Create(p).Error)
	return p
}

func (f *apiFixture) seedSequence(t *testing.T, steps int) *models.Sequence {
	t.Helper()
	seq := &models.Sequence{Name: "Founder outreach", Channel: models.ChannelLinkedIn, Status: "active", DefaultDelayHours: 48}
	for i := 1; i <= steps; i++ {
		seq.Steps = append(seq.Steps, models.SequenceStep{StepNumber: i, Name: fmt.Sprintf("step %d", i)})
	}
	require.NoError(t, f.db.Create(seq).Error)
	return seq
}

func (f *apiFixture) seedDraft(t *testing.T, p *models.Prospect) *models.Approval {
	t.Helper()
	msg := models.Message{
		ProspectID: &p.ID,
		Direction:  models.DirectionOutbound,
		Channel:    models.ChannelLinkedIn,
		Status:     models.MessagePendingApproval,
		StepNumber: 1,
		Body:       "Hi Dana, worth a chat?",
	}
	require.NoError(t, f.db.Create(&msg).Error)
	approval := models.Approval{
		MessageID:    msg.ID,
		ProspectID:   p.ID,
		Kind:         models.ApprovalKindSequenceStep,
		Status:       models.ApprovalPending,
		OriginalBody: msg.Body,
		SubmittedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.db.Omit("Message", "Prospect").Create(&approval).Error)
	return &approval
}

func TestAPIRequiresOperatorToken(t *testing.T) {
	f := newAPIFixture(t, 100)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = f.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
	req.Header.Set("Authorization", "Token abc")
	resp, err = f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := utils.GenerateJWTToken("other-secret", "mallory", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp, err = f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, env := f.do(t, http.MethodGet, "/api/v1/approvals", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestEnrollmentEndpoints(t *testing.T) {
	f := newAPIFixture(t, 100)
	p := f.seedProspect(t)
	seq := f.seedSequence(t, 3)

	code, env := f.do(t, http.MethodPost, "/api/v1/enrollments", map[string]interface{}{
		"prospect_id": p.ID,
		"sequence_id": seq.ID,
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	enrollment := decode[models.Enrollment](t, env)
	assert.Equal(t, models.EnrollmentActive, enrollment.Status)

	code, env = f.do(t, http.MethodPost, "/api/v1/enrollments", map[string]interface{}{
		"prospect_id": p.ID,
		"sequence_id": seq.ID,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", env.Kind)

	code, env = f.do(t, http.MethodPost, "/api/v1/enrollments", map[string]interface{}{
		"prospect_id": p.ID,
		"sequence_id": seq.ID,
		"start_step":  9,
	})
	assert.Equal(t, http.StatusBadRequest, code, env.Error)

	base := fmt.Sprintf("/api/v1/enrollments/%d", enrollment.ID)
	code, env = f.do(t, http.MethodPost, base+"/pause", map[string]string{"reason": "vacation"})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, models.EnrollmentPaused, decode[models.Enrollment](t, env).Status)

	code, env = f.do(t, http.MethodPost, base+"/complete", nil)
	assert.Equal(t, http.StatusConflict, code, "paused enrollments cannot be completed")

	code, env = f.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, models.EnrollmentActive, decode[models.Enrollment](t, env).Status)

	code, env = f.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, models.EnrollmentCancelled, decode[models.Enrollment](t, env).Status)

	code, _ = f.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/enrollments/999", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodPost, "/api/v1/enrollments/abc/pause", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestApprovalReviewAndSend(t *testing.T) {
	f := newAPIFixture(t, 100)
	p := f.seedProspect(t)
	draft := f.seedDraft(t, p)
	other := f.seedDraft(t, p)

	code, env := f.do(t, http.MethodGet, "/api/v1/approvals?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	page := decode[utils.PaginatedResponse](t, env)
	assert.EqualValues(t, 2, page.Total)
	assert.Equal(t, 1, page.Limit)

	code, _ = f.do(t, http.MethodGet, "/api/v1/approvals?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/send", draft.ID), nil)
	assert.Equal(t, http.StatusConflict, code, "pending drafts cannot be sent")

	code, env = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/approve", draft.ID), map[string]string{
		"edited_body": "Hi Dana, saw the Series B. Worth a chat?",
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, models.ApprovalEdited, decode[models.Approval](t, env).Status)

	code, env = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/reject", other.ID), map[string]string{"notes": "too pushy"})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, models.ApprovalRejected, decode[models.Approval](t, env).Status)

	code, env = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/reject", other.ID), nil)
	assert.Equal(t, http.StatusConflict, code)

	code, env = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/send", draft.ID), nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	msg := decode[models.Message](t, env)
	assert.Equal(t, models.MessageSent, msg.Status)
	assert.Equal(t, "Hi Dana, saw the Series B. Worth a chat?", msg.Body)

	code, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/send", draft.ID), nil)
	assert.Equal(t, http.StatusConflict, code, "a sent message is never resent")
	assert.Len(t, f.adapter.delivered, 1)

	code, env = f.do(t, http.MethodGet, "/api/v1/approvals/stats", nil)
	require.Equal(t, http.StatusOK, code)
	stats := decode[services.ApprovalStats](t, env)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 1, stats.Edited)
	assert.EqualValues(t, 1, stats.Rejected)
}

func TestManualSendIsRateLimited(t *testing.T) {
	f := newAPIFixture(t, 1)

	code, env := f.do(t, http.MethodPost, "/api/v1/approvals/send-batch", map[string]int{"limit": 5})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Zero(t, decode[services.BatchResult](t, env).Processed)

	code, env = f.do(t, http.MethodPost, "/api/v1/approvals/send-batch", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", env.Kind)

	code, _ = f.do(t, http.MethodGet, "/api/v1/approvals/stats", nil)
	assert.Equal(t, http.StatusOK, code, "only send endpoints share the budget")
}

func TestHeartbeatAndStatus(t *testing.T) {
	f := newAPIFixture(t, 100)

	code, env := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[map[string]interface{}](t, env)
	assert.Equal(t, false, status["heartbeat_fresh"])
	assert.Contains(t, status, "breakers")
	assert.Contains(t, status, "events_dropped")

	code, _ = f.do(t, http.MethodPost, "/api/v1/heartbeat", nil)
	require.Equal(t, http.StatusOK, code)

	_, env = f.do(t, http.MethodGet, "/api/v1/status", nil)
	status = decode[map[string]interface{}](t, env)
	assert.Equal(t, true, status["heartbeat_fresh"])
}

func TestScoreEndpoints(t *testing.T) {
	f := newAPIFixture(t, 100)
	p := f.seedProspect(t)

	code, env := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/prospects/%d/score", p.ID), nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	row := decode[models.ScoreHistory](t, env)
	assert.Equal(t, models.ReasonManual, row.Reason)

	code, env = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/prospects/%d/score-history", p.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]models.ScoreHistory](t, env), 1)

	code, env = f.do(t, http.MethodPost, "/api/v1/scores/recalculate", map[string]int{"limit": 10})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, 1, decode[services.BatchResult](t, env).Succeeded)

	code, env = f.do(t, http.MethodGet, "/api/v1/scores/leaderboard?limit=5", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Len(t, decode[[]models.Prospect](t, env), 1)

	code, _ = f.do(t, http.MethodGet, "/api/v1/scores/leaderboard?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/prospects/999/score", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/research", map[string]interface{}{"prospect_ids": []uint{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSessionEndpoints(t *testing.T) {
	f := newAPIFixture(t, 100)

	code, env := f.do(t, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, decode[map[string]interface{}](t, env)["active"])

	code, env = f.do(t, http.MethodPost, "/api/v1/session", map[string]string{"credentials": "li_at=short"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Kind)

	code, env = f.do(t, http.MethodPost, "/api/v1/session", map[string]interface{}{"credentials": validCookie})
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.NotContains(t, string(env.Data), "li_at", "credentials never leave the server")

	code, env = f.do(t, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, decode[map[string]interface{}](t, env)["active"])
	assert.NotContains(t, string(env.Data), "li_at")
}

func TestWorkflowTrigger(t *testing.T) {
	f := newAPIFixture(t, 100)
	p := f.seedProspect(t)
	seq := f.seedSequence(t, 2)
	code, env := f.do(t, http.MethodPost, "/api/v1/enrollments", map[string]interface{}{"prospect_id": p.ID, "sequence_id": seq.ID})
	require.Equal(t, http.StatusCreated, code, env.Error)

	code, env = f.do(t, http.MethodPost, "/api/v1/workflow/trigger", map[string]int{"limit": 501})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, http.MethodPost, "/api/v1/workflow/trigger", map[string]interface{}{"dry_run": true})
	require.Equal(t, http.StatusOK, code, env.Error)
	report := decode[services.CycleReport](t, env)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Drafted)
	assert.Len(t, report.Actions, 1)

	var approvals int64
	f.db.Model(&models.Approval{}).Count(&approvals)
	assert.Zero(t, approvals, "dry run drafts nothing")

	code, env = f.do(t, http.MethodPost, "/api/v1/workflow/trigger", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, 1, decode[services.CycleReport](t, env).Drafted)
}

func TestEventsSocketRequiresUpgrade(t *testing.T) {
	f := newAPIFixture(t, 100)
	code, _ := f.do(t, http.MethodGet, "/ws/events", nil)
	assert.Equal(t, http.StatusUpgradeRequired, code)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t, 100)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/approvals", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
	assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/approvals", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = f.app.Test(req)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
