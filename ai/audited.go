package ai

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadpilot/models"
	"leadpilot/utils"
)

// AuditedCompleter writes an ai_call_logs row for every call, whether it
// succeeded or not.
type AuditedCompleter struct {
	inner    Completer
	db       *gorm.DB
	provider string
	model    string
	log      *logrus.Entry
}

func NewAuditedCompleter(inner Completer, db *gorm.DB, provider, model string) *AuditedCompleter {
	return &AuditedCompleter{
		inner:    inner,
		db:       db,
		provider: provider,
		model:    model,
		log:      utils.Logger("ai"),
	}
}

func (a *AuditedCompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	resp, err := a.inner.Complete(ctx, req)

	entry := models.AICallLog{
		Purpose:     req.Purpose,
		Provider:    firstNonEmpty(req.Provider, a.provider),
		ModelName:   firstNonEmpty(req.Model, a.model),
		ProspectID:  req.ProspectID,
		JSONMode:    req.JSONMode,
		PromptChars: len(req.System) + len(req.Prompt),
		LatencyMs:   time.Since(started).Milliseconds(),
		Success:     err == nil,
	}
	if resp != nil {
		entry.Provider = firstNonEmpty(resp.Provider, entry.Provider)
		entry.ModelName = firstNonEmpty(resp.Model, entry.ModelName)
		entry.InputTokens = resp.InputTokens
		entry.OutputTokens = resp.OutputTokens
		if resp.Latency > 0 {
			entry.LatencyMs = resp.Latency.Milliseconds()
		}
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}

	// The audit row must be written even when the caller's context is done.
	if logErr := a.db.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; logErr != nil {
		a.log.WithError(logErr).WithField("purpose", req.Purpose).Error("Failed to write AI call log")
	}
	return resp, err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
