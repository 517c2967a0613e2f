package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"leadpilot/utils"
)

// ClientOptions tune pacing and retry behaviour.
type ClientOptions struct {
	MinRequestDelay time.Duration
	MaxJitter       time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	RequestTimeout  time.Duration
}

// Client is the rate-limited, retrying client for the messaging channel.
// Requests are serialized: at most one is in flight per client.
type Client struct {
	transport Transport
	sessions  CredentialSource
	breaker   Breaker
	opts      ClientOptions

	mu      sync.Mutex
	limiter *rate.Limiter
	jitter  func(max time.Duration) time.Duration
	sleep   func(ctx context.Context, d time.Duration) error

	tracer trace.Tracer
	log    *logrus.Entry
}

func NewClient(transport Transport, sessions CredentialSource, breakers BreakerRegistry, opts ClientOptions) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.MinRequestDelay > 0 {
		limit = rate.Every(opts.MinRequestDelay)
	}
	return &Client{
		transport: transport,
		sessions:  sessions,
		breaker:   breakers.Get(ServiceName),
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		jitter:    randomJitter,
		sleep:     sleepContext,
		tracer:    otel.Tracer("leadpilot/channel"),
		log:       utils.Logger("channel_client"),
	}
}

// ValidateSession checks the active credential against the channel and
// returns the account it belongs to.
func (c *Client) ValidateSession(ctx context.Context) (*Profile, error) {
	var profile Profile
	err := c.call(ctx, "validate_session", Request{Method: http.MethodGet, Path: "/me"}, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// FetchConversations lists the most recently active threads.
func (c *Client) FetchConversations(ctx context.Context, limit int) ([]Conversation, error) {
	var env listEnvelope[Conversation]
	req := Request{
		Method: http.MethodGet,
		Path:   "/messaging/conversations",
		Query:  map[string]string{"count": strconv.Itoa(limit)},
	}
	if err := c.call(ctx, "fetch_conversations", req, &env); err != nil {
		return nil, err
	}
	return env.Elements, nil
}

// FetchMessages returns the thread's events created after since.
func (c *Client) FetchMessages(ctx context.Context, threadID string, since time.Time) ([]Message, error) {
	var env listEnvelope[Message]
	req := Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/messaging/conversations/%s/events", threadID),
	}
	if !since.IsZero() {
		req.Query = map[string]string{"createdAfter": strconv.FormatInt(since.UnixMilli(), 10)}
	}
	if err := c.call(ctx, "fetch_messages", req, &env); err != nil {
		return nil, err
	}
	for i := range env.Elements {
		if env.Elements[i].ThreadID == "" {
			env.Elements[i].ThreadID = threadID
		}
	}
	return env.Elements, nil
}

// SendMessage posts text into an existing thread.
func (c *Client) SendMessage(ctx context.Context, threadID, text string) (*SendResult, error) {
	var result SendResult
	req := Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/messaging/conversations/%s/events", threadID),
		Body:   map[string]string{"text": text},
	}
	if err := c.call(ctx, "send_message", req, &result); err != nil {
		return nil, err
	}
	if result.ThreadID == "" {
		result.ThreadID = threadID
	}
	return &result, nil
}

// StartConversation opens a new thread with a member and sends text.
func (c *Client) StartConversation(ctx context.Context, memberID, text string) (*SendResult, error) {
	var result SendResult
	req := Request{
		Method: http.MethodPost,
		Path:   "/messaging/conversations",
		Body: map[string]interface{}{
			"recipients": []string{memberID},
			"text":       text,
		},
	}
	if err := c.call(ctx, "start_conversation", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead clears the unread flag on a thread.
func (c *Client) MarkRead(ctx context.Context, threadID string) error {
	req := Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/messaging/conversations/%s", threadID),
		Body:   map[string]bool{"read": true},
	}
	return c.call(ctx, "mark_read", req, nil)
}

// BreakerState exposes the channel breaker for health endpoints.
func (c *Client) BreakerState() BreakerSnapshot {
	return c.breaker.Snapshot()
}

func (c *Client) call(ctx context.Context, op string, req Request, out interface{}) (err error) {
	ctx, span := c.tracer.Start(ctx, "channel."+op, trace.WithAttributes(
		attribute.String("channel.method", req.Method),
		attribute.String("channel.path", req.Path),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	credentials, err := c.sessions.ActiveCredentials(ctx)
	if err != nil {
		return err
	}

	if !c.breaker.CanExecute() {
		return utils.NewError(utils.KindServiceUnavailable, "channel."+op, "circuit breaker open for "+ServiceName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := 0
	var resp *Response
	operation := func() error {
		attempts++
		if err := c.pace(ctx); err != nil {
			return backoff.Permanent(utils.WrapError(utils.KindTimeout, "channel."+op, err))
		}
		r, err := c.transport.Do(ctx, req, credentials, c.opts.RequestTimeout)
		if err != nil {
			if utils.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := classifyStatus(op, r); err != nil {
			if utils.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), uint64(c.opts.MaxAttempts-1)), ctx)
	err = backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempts,
			"wait":    wait.String(),
			"error":   err.Error(),
		}).Warn("Channel request failed, retrying")
	})
	span.SetAttributes(attribute.Int("channel.attempts", attempts))

	if err != nil {
		RecordOutcome(c.breaker, err)
		if utils.IsKind(err, utils.KindAuthExpired) {
			if invErr := c.sessions.Invalidate(ctx, err.Error()); invErr != nil {
				c.log.WithError(invErr).Error("Failed to invalidate rejected session")
			}
		}
		return err
	}
	c.breaker.RecordSuccess()

	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return utils.WrapError(utils.KindInternal, "channel."+op+".decode", err)
	}
	return nil
}

func (c *Client) pace(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.opts.MaxJitter > 0 {
		return c.sleep(ctx, c.jitter(c.opts.MaxJitter))
	}
	return nil
}

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = c.opts.InitialBackoff * 8
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func classifyStatus(op string, r *Response) error {
	name := "channel." + op
	switch {
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return nil
	case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
		return utils.NewError(utils.KindAuthExpired, name, fmt.Sprintf("session rejected with status %d", r.StatusCode))
	case r.StatusCode == http.StatusTooManyRequests || r.StatusCode == 999:
		msg := "rate limited by channel"
		if r.RetryAfter > 0 {
			msg = fmt.Sprintf("rate limited by channel, retry after %s", r.RetryAfter)
		}
		return &RateLimitError{AppError: utils.NewError(utils.KindRateLimited, name, msg), RetryAfter: r.RetryAfter}
	case r.StatusCode == http.StatusNotFound:
		return utils.NewError(utils.KindNotFound, name, "resource not found on channel")
	case r.StatusCode == http.StatusRequestTimeout || r.StatusCode == http.StatusGatewayTimeout:
		return utils.NewError(utils.KindTimeout, name, fmt.Sprintf("channel timed out with status %d", r.StatusCode))
	case r.StatusCode >= 500:
		return utils.NewError(utils.KindConnectionFailure, name, fmt.Sprintf("channel returned status %d", r.StatusCode))
	}
	return utils.NewError(utils.KindInternal, name, fmt.Sprintf("unexpected channel status %d", r.StatusCode))
}

// RateLimitError is returned when the channel explicitly throttles us.
type RateLimitError struct {
	*utils.AppError
	RetryAfter time.Duration
}

func (e *RateLimitError) Unwrap() error {
	return e.AppError
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
