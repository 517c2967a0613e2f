// Package ai wraps the text-completion capability used for drafting,
// classification and research.
package ai

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Request is one completion call.
type Request struct {
	Purpose     string
	System      string
	Prompt      string
	Provider    string // forces a provider when set
	Model       string // forces a model when set
	JSONMode    bool
	MaxTokens   int
	Temperature float64
	ProspectID  *uint
}

// Response is the completion text plus accounting.
type Response struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Completer is the AI capability. Implementations return utils.AppError
// values so callers can tell timeouts from configuration problems.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// DecodeJSON parses a JSON-mode reply, tolerating a fenced code block.
func DecodeJSON(text string, out interface{}) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if start := strings.Index(text, "{"); start > 0 {
		text = text[start:]
	}
	if end := strings.LastIndex(text, "}"); end >= 0 && end < len(text)-1 {
		text = text[:end+1]
	}
	return json.Unmarshal([]byte(text), out)
}
