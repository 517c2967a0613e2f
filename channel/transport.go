package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"leadpilot/utils"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// FastHTTPTransport talks to the channel's JSON API with a pooled fasthttp client.
type FastHTTPTransport struct {
	baseURL string
	client  *fasthttp.Client
}

func NewFastHTTPTransport(baseURL string) *FastHTTPTransport {
	return &FastHTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &fasthttp.Client{
			Name:                "leadpilot",
			MaxConnsPerHost:     2,
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         time.Minute,
			WriteTimeout:        time.Minute,
		},
	}
}

func (t *FastHTTPTransport) Do(ctx context.Context, r Request, credentials string, timeout time.Duration) (*Response, error) {
	const op = "channel.transport"

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := t.baseURL + r.Path
	req.SetRequestURI(uri)
	for k, v := range r.Query {
		req.URI().QueryArgs().Add(k, v)
	}
	req.Header.SetMethod(r.Method)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cookie", credentials)
	if csrf := csrfToken(credentials); csrf != "" {
		req.Header.Set("Csrf-Token", csrf)
	}
	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, utils.WrapError(utils.KindInternal, op, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, utils.WrapError(utils.KindTimeout, op, context.DeadlineExceeded)
	}

	if err := t.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, classifyNetworkError(op, err)
	}

	out := &Response{
		StatusCode: resp.StatusCode(),
		Body:       append([]byte(nil), resp.Body()...),
	}
	if ra := string(resp.Header.Peek("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			out.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return out, nil
}

func classifyNetworkError(op string, err error) error {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return utils.WrapError(utils.KindTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return utils.WrapError(utils.KindTimeout, op, err)
	}
	return utils.WrapError(utils.KindConnectionFailure, op, err)
}

// csrfToken extracts the JSESSIONID cookie value, which the channel expects
// to be echoed back as the csrf header.
func csrfToken(cookies string) string {
	for _, part := range strings.Split(cookies, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "JSESSIONID=") {
			return strings.Trim(strings.TrimPrefix(part, "JSESSIONID="), `"`)
		}
	}
	return ""
}
