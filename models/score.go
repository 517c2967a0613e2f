package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ScoreReason tags why a score recalculation happened.
type ScoreReason string

const (
	ReasonManual          ScoreReason = "manual_recalculation"
	ReasonBatch           ScoreReason = "batch_recalculation"
	ReasonResearch        ScoreReason = "research_complete"
	ReasonInboundResponse ScoreReason = "inbound_response"
)

func (r ScoreReason) Valid() bool {
	switch r {
	case ReasonManual, ReasonBatch, ReasonResearch, ReasonInboundResponse:
		return true
	}
	return false
}

var ErrScoreHistoryImmutable = errors.New("score history rows are append-only")

// ScoreHistory is an append-only record of every score recalculation.
// It deliberately has no UpdatedAt/DeletedAt columns.
type ScoreHistory struct {
	ID              uint        `gorm:"primarykey" json:"id"`
	ProspectID      uint        `gorm:"not null;index" json:"prospect_id"`
	FitScore        int         `gorm:"not null" json:"fit_score"`
	EngagementScore int         `gorm:"not null" json:"engagement_score"`
	TotalScore      int         `gorm:"not null" json:"total_score"`
	Reason          ScoreReason `gorm:"not null" json:"reason"`
	Breakdown       Breakdown   `gorm:"type:text;serializer:json" json:"breakdown"`
	CreatedAt       time.Time   `gorm:"index" json:"created_at"`
}

func (ScoreHistory) TableName() string {
	return "score_history"
}

func (h *ScoreHistory) BeforeUpdate(tx *gorm.DB) error {
	return ErrScoreHistoryImmutable
}

func (h *ScoreHistory) BeforeDelete(tx *gorm.DB) error {
	return ErrScoreHistoryImmutable
}

// Breakdown itemises how a score was reached.
type Breakdown struct {
	TitleMatch     int `json:"title_match"`
	IndustryMatch  int `json:"industry_match"`
	SizeMatch      int `json:"size_match"`
	AIFitRating    int `json:"ai_fit_rating"`
	SignalMatches  int `json:"signal_matches"`
	ReplyPoints    int `json:"reply_points"`
	IntentPoints   int `json:"intent_points"`
	ExchangeBonus  int `json:"exchange_bonus"`
	InboundReplies int `json:"inbound_replies"`
}
