package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"leadpilot/ai"
	"leadpilot/channel"
	"leadpilot/models"
	"leadpilot/utils"
)

var baseTime = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, models.AutoMigrate(db))
	return db
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: baseTime}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	Type string
	Data map[string]interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(eventType string, data map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Data: data})
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// fakeCompleter answers every request through fn and tracks concurrency.
type fakeCompleter struct {
	fn       func(req ai.Request) (string, error)
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32

	mu       sync.Mutex
	requests []ai.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req ai.Request) (*ai.Response, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	text, err := f.fn(req)
	if err != nil {
		return nil, err
	}
	return &ai.Response{Text: text, Provider: "fake", Model: "fake-1"}, nil
}

func (f *fakeCompleter) lastRequest() ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func staticCompleter(text string) *fakeCompleter {
	return &fakeCompleter{fn: func(ai.Request) (string, error) { return text, nil }}
}

func failingCompleter(kind utils.ErrorKind) *fakeCompleter {
	return &fakeCompleter{fn: func(req ai.Request) (string, error) {
		return "", utils.NewError(kind, "fake."+req.Purpose, "fake failure")
	}}
}

// fakeMessenger records channel sends.
type fakeMessenger struct {
	mu       sync.Mutex
	sent     []string
	started  []string
	err      error
	threadID string
}

func (m *fakeMessenger) SendMessage(_ context.Context, threadID, text string) (*channel.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, threadID+":"+text)
	return &channel.SendResult{ID: uuid.NewString(), ThreadID: threadID}, nil
}

func (m *fakeMessenger) StartConversation(_ context.Context, memberID, text string) (*channel.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.started = append(m.started, memberID+":"+text)
	thread := m.threadID
	if thread == "" {
		thread = "thread-" + memberID
	}
	return &channel.SendResult{ID: uuid.NewString(), ThreadID: thread}, nil
}

func seedPillar(t *testing.T, db *gorm.DB) *models.Pillar {
	t.Helper()
	pillar := &models.Pillar{
		Name:        "RevOps Automation " + uuid.NewString()[:8],
		Description: "Pipeline hygiene for scaling sales teams",
		ICP: models.ICPCriteria{
			TitleKeywords: []string{"vp sales", "revenue", "head of sales"},
			Industries:    []string{"SaaS", "Fintech"},
			CompanySizes:  []string{"51-200", "201-500"},
			Signals:       []string{"hiring sdrs", "new funding", "crm migration"},
		},
		MessagingAngles:   []string{"less manual CRM work"},
		ValueProps:        []string{"clean pipeline in two weeks"},
		ObjectionHandlers: []models.ObjectionHandler{{Objection: "already have a tool", Response: "we plug into it"}},
	}
	require.NoError(t, db.Create(pillar).Error)
	return pillar
}

func seedProspect(t *testing.T, db *gorm.DB, pillar *models.Pillar, mutate ...func(*models.Prospect)) *models.Prospect {
	t.Helper()
	p := &models.Prospect{
		FirstName:       "Dana",
		LastName:        "Whitfield",
		Email:           "dana@acme.io",
		Title:           "VP Sales",
		Company:         "Acme",
		Industry:        "B2B SaaS",
		CompanySize:     "51-200",
		ChannelMemberID: "member-" + uuid.NewString()[:8],
		Status:          models.ProspectNew,
	}
	if pillar != nil {
		p.PillarID = &pillar.ID
	}
	for _, m := range mutate {
		m(p)
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

// seedSequence creates a sequence whose steps wait the given hours.
func seedSequence(t *testing.T, db *gorm.DB, ch models.Channel, delays ...int) *models.Sequence {
	t.Helper()
	seq := &models.Sequence{
		Name:              "Founder outreach",
		Channel:           ch,
		Status:            "active",
		DefaultDelayHours: 72,
	}
	for i, d := range delays {
		d := d
		seq.Steps = append(seq.Steps, models.SequenceStep{StepNumber: i + 1, Name: fmt.Sprintf("step %d", i+1), DelayHours: &d})
	}
	require.NoError(t, db.Create(seq).Error)
	return seq
}

func reload[T any](t *testing.T, db *gorm.DB, id uint) *T {
	t.Helper()
	var out T
	require.NoError(t, db.First(&out, id).Error)
	return &out
}
