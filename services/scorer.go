package services

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/utils"
)

// Score component weights.
const (
	MaxFitScore        = 50
	MaxEngagementScore = 50
	MaxLeadScore       = 100

	titleMatchPoints    = 10
	industryMatchPoints = 10
	sizeMatchPoints     = 5
	signalPoints        = 5
	maxSignals          = 3

	replyPoints         = 15
	maxReplyPoints      = 30
	interestedPoints    = 20
	questionPoints      = 10
	referralPoints      = 10
	notNowPenalty       = -10
	unsubscribePenalty  = -20
	exchangePoints      = 5
	maxExchangeBonus    = 15
	defaultScoreBatch   = 100
	defaultLeaderboardN = 25
)

// ComputeFit scores how well a prospect matches its pillar's ICP.
func ComputeFit(p *models.Prospect, pillar *models.Pillar) (int, models.Breakdown) {
	var b models.Breakdown
	if pillar != nil {
		icp := pillar.ICP
		if containsAny(p.Title, icp.TitleKeywords) {
			b.TitleMatch = titleMatchPoints
		}
		if matchesAny(p.Industry, icp.Industries) {
			b.IndustryMatch = industryMatchPoints
		}
		if p.CompanySize != "" && equalsAny(p.CompanySize, icp.CompanySizes) {
			b.SizeMatch = sizeMatchPoints
		}
	}

	if brief := p.ResearchBrief; brief != nil {
		b.AIFitRating = models.FitRatingPoints[models.ParseFitRating(brief.FitRating)]

		matched := 0
		for _, signal := range brief.MatchedSignals {
			if pillar == nil || len(pillar.ICP.Signals) == 0 || matchesAny(signal, pillar.ICP.Signals) {
				matched++
			}
		}
		if matched > maxSignals {
			matched = maxSignals
		}
		b.SignalMatches = matched * signalPoints
	}

	total := b.TitleMatch + b.IndustryMatch + b.SizeMatch + b.AIFitRating + b.SignalMatches
	return utils.Clamp(total, 0, MaxFitScore), b
}

// EngagementInput summarises a prospect's conversation history.
type EngagementInput struct {
	InboundReplies int
	OutboundSent   int
	Intents        []models.Intent
}

// ComputeEngagement scores how a prospect has responded so far.
func ComputeEngagement(in EngagementInput) (int, models.Breakdown) {
	b := models.Breakdown{InboundReplies: in.InboundReplies}

	b.ReplyPoints = in.InboundReplies * replyPoints
	if b.ReplyPoints > maxReplyPoints {
		b.ReplyPoints = maxReplyPoints
	}

	seen := make(map[models.Intent]bool, len(in.Intents))
	for _, intent := range in.Intents {
		seen[intent] = true
	}
	if seen[models.IntentInterested] {
		b.IntentPoints += interestedPoints
	}
	if seen[models.IntentQuestion] {
		b.IntentPoints += questionPoints
	}
	if seen[models.IntentReferral] {
		b.IntentPoints += referralPoints
	}
	if seen[models.IntentNotNow] {
		b.IntentPoints += notNowPenalty
	}
	if seen[models.IntentUnsubscribe] {
		b.IntentPoints += unsubscribePenalty
	}

	// an exchange is one outbound message answered by one inbound reply
	exchanges := in.InboundReplies
	if in.OutboundSent < exchanges {
		exchanges = in.OutboundSent
	}
	if exchanges > 1 {
		b.ExchangeBonus = (exchanges - 1) * exchangePoints
		if b.ExchangeBonus > maxExchangeBonus {
			b.ExchangeBonus = maxExchangeBonus
		}
	}

	total := b.ReplyPoints + b.IntentPoints + b.ExchangeBonus
	return utils.Clamp(total, 0, MaxEngagementScore), b
}

// LeadScore combines the two components.
func LeadScore(fit, engagement int) int {
	return utils.Clamp(fit+engagement, 0, MaxLeadScore)
}

// Scorer maintains prospect scores and their append-only history.
type Scorer struct {
	db     *gorm.DB
	events events.Publisher
	now    func() time.Time
	log    *logrus.Entry
}

func NewScorer(db *gorm.DB, publisher events.Publisher) *Scorer {
	return &Scorer{
		db:     db,
		events: publisher,
		now:    time.Now,
		log:    utils.Logger("scorer"),
	}
}

// Recalculate rescores one prospect and appends exactly one history row.
func (s *Scorer) Recalculate(ctx context.Context, prospectID uint, reason models.ScoreReason) (*models.ScoreHistory, error) {
	const op = "scorer.recalculate"
	if !reason.Valid() {
		return nil, utils.NewError(utils.KindValidation, op, "unknown score reason "+string(reason))
	}

	var history models.ScoreHistory
	var prospect models.Prospect
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Pillar").First(&prospect, prospectID).Error; err != nil {
			return notFoundOr(op, "prospect", err)
		}
		in, err := engagementFor(tx, prospectID)
		if err != nil {
			return err
		}

		fit, fitBreakdown := ComputeFit(&prospect, prospect.Pillar)
		engagement, engBreakdown := ComputeEngagement(in)
		total := LeadScore(fit, engagement)

		breakdown := fitBreakdown
		breakdown.ReplyPoints = engBreakdown.ReplyPoints
		breakdown.IntentPoints = engBreakdown.IntentPoints
		breakdown.ExchangeBonus = engBreakdown.ExchangeBonus
		breakdown.InboundReplies = engBreakdown.InboundReplies

		now := s.now()
		if err := tx.Model(&prospect).Omit(clause.Associations).Updates(map[string]interface{}{
			"fit_score":        fit,
			"engagement_score": engagement,
			"lead_score":       total,
			"last_scored_at":   now,
		}).Error; err != nil {
			return err
		}

		history = models.ScoreHistory{
			ProspectID:      prospectID,
			FitScore:        fit,
			EngagementScore: engagement,
			TotalScore:      total,
			Reason:          reason,
			Breakdown:       breakdown,
			CreatedAt:       now,
		}
		return tx.Create(&history).Error
	})
	if err != nil {
		return nil, asAppError(op, err)
	}

	s.log.WithFields(logrus.Fields{
		"prospect_id": prospectID,
		"fit":         history.FitScore,
		"engagement":  history.EngagementScore,
		"total":       history.TotalScore,
		"reason":      reason,
	}).Debug("Prospect rescored")
	if s.events != nil {
		s.events.Publish(events.TypeScoreUpdated, map[string]interface{}{
			"prospect_id":      prospectID,
			"fit_score":        history.FitScore,
			"engagement_score": history.EngagementScore,
			"lead_score":       history.TotalScore,
			"reason":           reason,
		})
	}
	return &history, nil
}

func engagementFor(tx *gorm.DB, prospectID uint) (EngagementInput, error) {
	var in EngagementInput
	var inbound []models.Message
	if err := tx.Select("id", "intent").
		Where("prospect_id = ? AND direction = ?", prospectID, models.DirectionInbound).
		Find(&inbound).Error; err != nil {
		return in, err
	}
	in.InboundReplies = len(inbound)
	for _, m := range inbound {
		if m.Intent != nil {
			in.Intents = append(in.Intents, *m.Intent)
		}
	}

	var sent int64
	if err := tx.Model(&models.Message{}).
		Where("prospect_id = ? AND direction = ? AND status = ?", prospectID, models.DirectionOutbound, models.MessageSent).
		Count(&sent).Error; err != nil {
		return in, err
	}
	in.OutboundSent = int(sent)
	return in, nil
}

// BatchResult counts the outcome of a batch operation.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BatchRecalculate rescores up to limit prospects, stalest first. A failing
// prospect is counted and the batch carries on.
func (s *Scorer) BatchRecalculate(ctx context.Context, pillarID *uint, limit int) (BatchResult, error) {
	if limit <= 0 {
		limit = defaultScoreBatch
	}

	query := s.db.WithContext(ctx).Model(&models.Prospect{}).
		Where("status NOT IN ?", []models.ProspectStatus{models.ProspectOptedOut, models.ProspectDisqualified})
	if pillarID != nil {
		query = query.Where("pillar_id = ?", *pillarID)
	}
	var ids []uint
	if err := query.Order("last_scored_at IS NOT NULL, last_scored_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return BatchResult{}, utils.WrapError(utils.KindInternal, "scorer.batch", err)
	}

	var result BatchResult
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		result.Processed++
		if _, err := s.Recalculate(ctx, id, models.ReasonBatch); err != nil {
			result.Failed++
			s.log.WithError(err).WithField("prospect_id", id).Warn("Batch rescore failed for prospect")
			continue
		}
		result.Succeeded++
	}

	s.log.WithFields(logrus.Fields{
		"processed": result.Processed,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("Batch score recalculation finished")
	return result, nil
}

// LeaderboardFilter narrows the leaderboard.
type LeaderboardFilter struct {
	PillarID *uint                 `query:"pillar_id"`
	Status   models.ProspectStatus `query:"status"`
	MinScore int                  `query:"min_score"`
	Limit    int                  `query:"limit"`
}

// Leaderboard lists the highest scoring prospects.
func (s *Scorer) Leaderboard(ctx context.Context, f LeaderboardFilter) ([]models.Prospect, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = defaultLeaderboardN
	}
	query := s.db.WithContext(ctx).Model(&models.Prospect{}).Where("lead_score >= ?", f.MinScore)
	if f.PillarID != nil {
		query = query.Where("pillar_id = ?", *f.PillarID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var prospects []models.Prospect
	if err := query.Order("lead_score DESC, id ASC").Limit(f.Limit).Find(&prospects).Error; err != nil {
		return nil, utils.WrapError(utils.KindInternal, "scorer.leaderboard", err)
	}
	return prospects, nil
}

// History returns a prospect's score history, newest first.
func (s *Scorer) History(ctx context.Context, prospectID uint) ([]models.ScoreHistory, error) {
	var rows []models.ScoreHistory
	if err := s.db.WithContext(ctx).
		Where("prospect_id = ?", prospectID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error; err != nil {
		return nil, utils.WrapError(utils.KindInternal, "scorer.history", err)
	}
	return rows, nil
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	if lower == "" {
		return false
	}
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// matchesAny is a two-way containment check, so "SaaS" matches "B2B SaaS".
func matchesAny(text string, candidates []string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && (strings.Contains(lower, c) || strings.Contains(c, lower)) {
			return true
		}
	}
	return false
}

func equalsAny(text string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(strings.TrimSpace(c), strings.TrimSpace(text)) {
			return true
		}
	}
	return false
}
