package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadpilot/utils"
)

type scriptedTransport struct {
	mu        sync.Mutex
	responses []func() (*Response, error)
	requests  []Request
	creds     []string
	inFlight  atomic.Int32
	peak      atomic.Int32
	delay     time.Duration
}

func (s *scriptedTransport) Do(_ context.Context, r Request, credentials string, _ time.Duration) (*Response, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
	s.creds = append(s.creds, credentials)
	if len(s.responses) == 0 {
		return &Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	next := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return next()
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func status(code int, body string) func() (*Response, error) {
	return func() (*Response, error) {
		return &Response{StatusCode: code, Body: []byte(body)}, nil
	}
}

func failure(kind utils.ErrorKind) func() (*Response, error) {
	return func() (*Response, error) {
		return nil, utils.NewError(kind, "channel.transport", "network trouble")
	}
}

type stubCredentials struct {
	creds       string
	err         error
	invalidated []string
}

func (s *stubCredentials) ActiveCredentials(context.Context) (string, error) {
	return s.creds, s.err
}

func (s *stubCredentials) Invalidate(_ context.Context, reason string) error {
	s.invalidated = append(s.invalidated, reason)
	return nil
}

func newTestClient(transport Transport, creds CredentialSource, threshold int) (*Client, *Registry) {
	registry := NewRegistry(threshold, time.Minute)
	c := NewClient(transport, creds, registry, ClientOptions{MaxAttempts: 3, InitialBackoff: time.Millisecond})
	return c, registry
}

func TestFetchConversationsDecodes(t *testing.T) {
	transport := &scriptedTransport{responses: []func() (*Response, error){
		status(200, `{"elements":[{"id":"conv-1","participants":[{"member_id":"dana-1","name":"Dana"}],"last_activity_at":1741000000000,"unread_count":2}]}`),
	}}
	c, _ := newTestClient(transport, &stubCredentials{creds: "li_at=abc; JSESSIONID=\"ajax:1\""}, 5)

	convs, err := c.FetchConversations(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "conv-1", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Equal(t, "dana-1", convs[0].Participants[0].MemberID)
	assert.Equal(t, int64(1741000000000), convs[0].LastActivity().UnixMilli())

	require.Len(t, transport.requests, 1)
	assert.Equal(t, "25", transport.requests[0].Query["count"])
	assert.Equal(t, "li_at=abc; JSESSIONID=\"ajax:1\"", transport.creds[0])
}

func TestFetchMessagesFillsThreadID(t *testing.T) {
	transport := &scriptedTransport{responses: []func() (*Response, error){
		status(200, `{"elements":[{"id":"m-1","sender":{"member_id":"dana-1","name":"Dana"},"text":"hi","created_at":1741000000000}]}`),
	}}
	c, _ := newTestClient(transport, &stubCredentials{creds: "li_at=abc"}, 5)
	since := time.UnixMilli(1740000000000)

	msgs, err := c.FetchMessages(context.Background(), "conv-9", since)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "conv-9", msgs[0].ThreadID)
	assert.Equal(t, "1740000000000", transport.requests[0].Query["createdAfter"])
	assert.Equal(t, "/messaging/conversations/conv-9/events", transport.requests[0].Path)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	transport := &scriptedTransport{responses: []func() (*Response, error){
		status(503, ""),
		failure(utils.KindTimeout),
		status(200, `{"id":"ev-1","thread_id":"conv-1"}`),
	}}
	c, registry := newTestClient(transport, &stubCredentials{creds: "li_at=abc"}, 1)

	res, err := c.SendMessage(context.Background(), "conv-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", res.ID)
	assert.Equal(t, 3, transport.calls())
	assert.Equal(t, StateClosed, registry.Get(ServiceName).Snapshot().State)
}

func TestClientExhaustedRetriesTripBreaker(t *testing.T) {
	transport := &scriptedTransport{responses: []func() (*Response, error){failure(utils.KindConnectionFailure)}}
	c, _ := newTestClient(transport, &stubCredentials{creds: "li_at=abc"}, 1)
	ctx := context.Background()

	_, err := c.FetchConversations(ctx, 10)
	assert.True(t, utils.IsKind(err, utils.KindConnectionFailure))
	assert.Equal(t, 3, transport.calls())
	assert.Equal(t, StateOpen, c.BreakerState().State)
	assert.Equal(t, 1, c.BreakerState().FailureCount, "one failed call, not one per attempt")

	_, err = c.FetchConversations(ctx, 10)
	assert.True(t, utils.IsKind(err, utils.KindServiceUnavailable))
	assert.Equal(t, 3, transport.calls(), "open breaker short-circuits")
}

func TestClientAuthRejectionInvalidatesSession(t *testing.T) {
	transport := &scriptedTransport{responses: []func() (*Response, error){status(401, "")}}
	creds := &stubCredentials{creds: "li_at=abc"}
	c, _ := newTestClient(transport, creds, 1)

	_, err := c.ValidateSession(context.Background())
	assert.True(t, utils.IsKind(err, utils.KindAuthExpired))
	assert.Equal(t, 1, transport.calls(), "auth failures are not retried")
	require.Len(t, creds.invalidated, 1)
	assert.Equal(t, StateClosed, c.BreakerState().State, "a refused credential says nothing about service health")
}

func TestClientRateLimitCarriesRetryAfter(t *testing.T) {
	transport := &scriptedTransport{responses: []func() (*Response, error){
		func() (*Response, error) { return &Response{StatusCode: 429, RetryAfter: 30 * time.Second}, nil },
	}}
	c, _ := newTestClient(transport, &stubCredentials{creds: "li_at=abc"}, 1)

	_, err := c.StartConversation(context.Background(), "dana-1", "hello")
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindRateLimited))
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
	assert.Equal(t, 1, transport.calls())
}

func TestClientWithoutSession(t *testing.T) {
	transport := &scriptedTransport{}
	c, _ := newTestClient(transport, &stubCredentials{err: utils.NewError(utils.KindNotConfigured, "session", "no valid channel session")}, 1)

	err := c.MarkRead(context.Background(), "conv-1")
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))
	assert.Zero(t, transport.calls())
}

func TestClientSerializesRequests(t *testing.T) {
	transport := &scriptedTransport{delay: 5 * time.Millisecond}
	c, _ := newTestClient(transport, &stubCredentials{creds: "li_at=abc"}, 5)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.MarkRead(context.Background(), "conv-1"))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, transport.peak.Load())
	assert.Equal(t, 8, transport.calls())
}

func TestClientPacesRequests(t *testing.T) {
	transport := &scriptedTransport{}
	registry := NewRegistry(5, time.Minute)
	c := NewClient(transport, &stubCredentials{creds: "li_at=abc"}, registry, ClientOptions{MinRequestDelay: 30 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.MarkRead(context.Background(), "conv-1"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want utils.ErrorKind
	}{
		{401, utils.KindAuthExpired},
		{403, utils.KindAuthExpired},
		{429, utils.KindRateLimited},
		{999, utils.KindRateLimited},
		{404, utils.KindNotFound},
		{408, utils.KindTimeout},
		{504, utils.KindTimeout},
		{500, utils.KindConnectionFailure},
		{418, utils.KindInternal},
	}
	for _, tt := range tests {
		err := classifyStatus("op", &Response{StatusCode: tt.code})
		assert.Equal(t, tt.want, utils.KindOf(err), "status %d", tt.code)
	}
	assert.NoError(t, classifyStatus("op", &Response{StatusCode: 204}))
}

func TestCSRFToken(t *testing.T) {
	assert.Equal(t, "ajax:123", csrfToken(`li_at=abc; JSESSIONID="ajax:123"; lang=en`))
	assert.Empty(t, csrfToken("li_at=abc"))
}
