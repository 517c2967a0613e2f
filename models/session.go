package models

import (
	"time"

	"gorm.io/gorm"
)

// ChannelSession holds the encrypted messaging-channel credential.
// At most one session is valid at a time.
type ChannelSession struct {
	gorm.Model
	Channel              Channel    `gorm:"not null;default:'linkedin';index" json:"channel"`
	EncryptedCredentials string     `gorm:"type:text;not null" json:"-"` // Encrypted in application layer
	IsValid              bool       `gorm:"not null;index" json:"is_valid"`
	ExpiresAt            time.Time  `gorm:"not null" json:"expires_at"`
	LastValidatedAt      *time.Time `json:"last_validated_at"`
	InvalidatedAt        *time.Time `json:"invalidated_at"`
	InvalidReason        string     `json:"invalid_reason"`
}

// Usable reports whether the session is valid and unexpired at now.
func (s *ChannelSession) Usable(now time.Time) bool {
	return s.IsValid && now.Before(s.ExpiresAt)
}

// AICallLog records every AI completion, successful or not, for audit.
type AICallLog struct {
	gorm.Model
	Purpose      string `gorm:"not null;index" json:"purpose"` // draft, reply_draft, classify, research
	Provider     string `json:"provider"`
	ModelName    string `json:"model"`
	ProspectID   *uint  `gorm:"index" json:"prospect_id"`
	JSONMode     bool   `json:"json_mode"`
	PromptChars  int    `json:"prompt_chars"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
	Success      bool   `gorm:"index" json:"success"`
	ErrorMessage string `gorm:"type:text" json:"error_message"`
}
