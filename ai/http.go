package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"leadpilot/channel"
	"leadpilot/utils"
)

// HTTPCompleter speaks the OpenAI-compatible chat completions API.
type HTTPCompleter struct {
	baseURL  string
	apiKey   string
	provider string
	model    string
	timeout  time.Duration
	client   *fasthttp.Client

	// Breaker guards the provider; nil disables it.
	Breaker channel.Breaker
}

// BreakerService names the AI provider's breaker.
const BreakerService = "ai"

func NewHTTPCompleter(baseURL, apiKey, provider, model string, timeout time.Duration) *HTTPCompleter {
	return &HTTPCompleter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		provider: provider,
		model:    model,
		timeout:  timeout,
		client:   &fasthttp.Client{Name: "leadpilot-ai"},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (h *HTTPCompleter) Complete(ctx context.Context, r Request) (*Response, error) {
	op := "ai.complete." + r.Purpose
	if h.apiKey == "" {
		return nil, utils.NewError(utils.KindNotConfigured, op, "AI_API_KEY is not set")
	}
	if r.Provider != "" && r.Provider != h.provider {
		return nil, utils.NewError(utils.KindNotConfigured, op, fmt.Sprintf("provider %q is not configured", r.Provider))
	}

	var resp *Response
	err := channel.Guard(h.Breaker, BreakerService, op, func() error {
		var err error
		resp, err = h.complete(ctx, op, r)
		return err
	})
	return resp, err
}

func (h *HTTPCompleter) complete(ctx context.Context, op string, r Request) (*Response, error) {
	model := h.model
	if r.Model != "" {
		model = r.Model
	}
	payload := chatRequest{
		Model:       model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
	if r.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: r.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: r.Prompt})
	if r.JSONMode {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.baseURL + "/chat/completions")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.SetBody(body)

	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	started := time.Now()
	if err := h.client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, utils.WrapError(utils.KindTimeout, op, err)
		}
		return nil, utils.WrapError(utils.KindConnectionFailure, op, err)
	}
	latency := time.Since(started)

	var decoded chatResponse
	decodeErr := json.Unmarshal(resp.Body(), &decoded)

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusUnauthorized:
		return nil, utils.NewError(utils.KindAuthExpired, op, "AI provider rejected the API key")
	case status == fasthttp.StatusTooManyRequests:
		return nil, utils.NewError(utils.KindRateLimited, op, "AI provider rate limit")
	case status >= 500:
		return nil, utils.NewError(utils.KindConnectionFailure, op, fmt.Sprintf("AI provider returned status %d", status))
	case status >= 400:
		msg := fmt.Sprintf("AI provider returned status %d", status)
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return nil, utils.NewError(utils.KindValidation, op, msg)
	}
	if decodeErr != nil {
		return nil, utils.WrapError(utils.KindInternal, op, fmt.Errorf("decode response: %w", decodeErr))
	}
	if len(decoded.Choices) == 0 {
		return nil, utils.NewError(utils.KindInternal, op, "AI provider returned no choices")
	}

	return &Response{
		Text:         decoded.Choices[0].Message.Content,
		Provider:     h.provider,
		Model:        decoded.Model,
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
		Latency:      latency,
	}, nil
}
