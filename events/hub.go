// Package events carries change notifications from the engine to realtime
// subscribers through a bounded queue.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"leadpilot/utils"
)

// Event types emitted by the engine.
const (
	TypeDraftCreated       = "draft.created"
	TypeApprovalReviewed   = "approval.reviewed"
	TypeMessageSent        = "message.sent"
	TypeMessageFailed      = "message.failed"
	TypeInboundReceived    = "inbound.received"
	TypeEnrollmentChanged  = "enrollment.changed"
	TypeScoreUpdated       = "score.updated"
	TypeThreadSynced       = "thread.synced"
	TypeWorkflowCompleted  = "workflow.completed"
	TypeSessionInvalidated = "session.invalidated"
)

// Event is one change notification.
type Event struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	At   time.Time              `json:"at"`
	Data map[string]interface{} `json:"data"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(eventType string, data map[string]interface{})
}

// Sink receives drained events.
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
}

// Hub decouples producers from delivery: Publish never blocks, and events
// that do not fit in the queue are dropped and counted.
type Hub struct {
	queue   chan Event
	dropped atomic.Int64

	mu          sync.RWMutex
	sinks       []Sink
	subscribers map[string]chan Event

	log *logrus.Entry
}

func NewHub(size int) *Hub {
	if size < 1 {
		size = 1
	}
	return &Hub{
		queue:       make(chan Event, size),
		subscribers: make(map[string]chan Event),
		log:         utils.Logger("events"),
	}
}

// AddSink registers an additional delivery target.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

func (h *Hub) Publish(eventType string, data map[string]interface{}) {
	evt := Event{
		ID:   uuid.NewString(),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: data,
	}
	select {
	case h.queue <- evt:
	default:
		n := h.dropped.Add(1)
		h.log.WithFields(logrus.Fields{"type": eventType, "dropped_total": n}).Warn("Event queue full, dropping event")
	}
}

// Dropped is the number of events discarded because the queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribe registers a realtime listener. The returned cancel func must be
// called when the listener goes away.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(sub)
		}
	}
}

// Run drains the queue until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-h.queue:
			h.dispatch(ctx, evt)
		}
	}
}

// Drain delivers whatever is queued right now and returns.
func (h *Hub) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case evt := <-h.queue:
			h.dispatch(ctx, evt)
			n++
		default:
			return n
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		select {
		case sub <- evt:
		default:
			// slow subscriber
		}
	}
	for _, sink := range h.sinks {
		if err := sink.Deliver(ctx, evt); err != nil {
			h.log.WithError(err).WithField("type", evt.Type).Warn("Event sink delivery failed")
		}
	}
}
