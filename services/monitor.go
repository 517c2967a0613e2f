package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/ai"
	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/utils"
)

// keywordConfidence is reported for fallback classifications.
const keywordConfidence = 0.5

const classifySystemPrompt = `You classify replies to B2B outreach messages. Answer with a JSON object
with the keys: intent (one of "interested", "not_now", "question", "referral",
"objection", "unsubscribe", "unknown"), confidence (number between 0 and 1) and
signals (array of short strings describing buying signals or concerns).`

// InboundMessage is a reply as delivered by an inbound source.
type InboundMessage struct {
	ExternalID       string
	ExternalThreadID string
	ThreadID         *uint
	Channel          models.Channel
	SenderName       string
	SenderMemberID   string
	SenderEmail      string
	Subject          string
	Body             string
	ReceivedAt       time.Time
}

// InboundSource yields replies that arrive outside the channel sync, such as
// an email inbox.
type InboundSource interface {
	Name() string
	FetchInbound(ctx context.Context, since time.Time) ([]InboundMessage, error)
}

// Classification is the intent read from an inbound message.
type Classification struct {
	Intent     models.Intent `json:"intent"`
	Confidence float64       `json:"confidence"`
	Signals    []string      `json:"signals"`
	Fallback   bool          `json:"-"`
}

// MonitorResult counts one monitoring pass.
type MonitorResult struct {
	Ingested    int `json:"ingested"`
	Processed   int `json:"processed"`
	Matched     int `json:"matched"`
	Unmatched   int `json:"unmatched"`
	Transitions int `json:"transitions"`
	Failed      int `json:"failed"`
}

// Monitor links inbound replies to prospects, classifies them and applies
// the resulting enrollment transitions.
type Monitor struct {
	db        *gorm.DB
	completer ai.Completer
	scorer    *Scorer
	events    events.Publisher
	sources   []InboundSource
	now       func() time.Time
	log       *logrus.Entry
}

func NewMonitor(db *gorm.DB, completer ai.Completer, scorer *Scorer, publisher events.Publisher, sources ...InboundSource) *Monitor {
	return &Monitor{
		db:        db,
		completer: completer,
		scorer:    scorer,
		events:    publisher,
		sources:   sources,
		now:       time.Now,
		log:       utils.Logger("monitor"),
	}
}

// Run pulls extra inbound sources and then handles every unclassified inbound
// message received within lookback.
func (m *Monitor) Run(ctx context.Context, lookback time.Duration, dryRun bool) (MonitorResult, error) {
	var result MonitorResult
	since := m.now().Add(-lookback)

	if !dryRun {
		for _, src := range m.sources {
			msgs, err := src.FetchInbound(ctx, since)
			if err != nil {
				m.log.WithError(err).WithField("source", src.Name()).Warn("Inbound source failed")
				continue
			}
			for _, in := range msgs {
				if _, created, err := StoreInbound(m.db.WithContext(ctx), in); err != nil {
					m.log.WithError(err).WithField("external_id", in.ExternalID).Warn("Failed to store inbound message")
				} else if created {
					result.Ingested++
				}
			}
		}
	}

	var pending []models.Message
	if err := m.db.WithContext(ctx).
		Where("direction = ? AND classified_at IS NULL AND received_at >= ?", models.DirectionInbound, since).
		Order("received_at ASC, id ASC").
		Find(&pending).Error; err != nil {
		return result, utils.WrapError(utils.KindInternal, "monitor.run", err)
	}

	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		msg := &pending[i]
		result.Processed++
		if dryRun {
			m.log.WithFields(logrus.Fields{"message_id": msg.ID, "sender": msg.SenderName}).Info("Dry run: would classify inbound message")
			continue
		}
		matched, transitions, err := m.Handle(ctx, msg)
		if err != nil {
			result.Failed++
			m.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to handle inbound message")
			continue
		}
		if matched {
			result.Matched++
		} else {
			result.Unmatched++
		}
		result.Transitions += transitions
	}

	m.log.WithFields(logrus.Fields{
		"ingested":    result.Ingested,
		"processed":   result.Processed,
		"matched":     result.Matched,
		"unmatched":   result.Unmatched,
		"transitions": result.Transitions,
		"failed":      result.Failed,
	}).Info("Correspondence monitor pass finished")
	return result, nil
}

// Handle links, classifies and acts on one stored inbound message. It
// reports whether the message was matched to a prospect and how many
// enrollments changed.
func (m *Monitor) Handle(ctx context.Context, msg *models.Message) (bool, int, error) {
	const op = "monitor.handle"
	db := m.db.WithContext(ctx)

	if msg.ProspectID == nil {
		prospectID, strategy, err := m.Resolve(ctx, msg)
		if err != nil {
			return false, 0, utils.WrapError(utils.KindInternal, op, err)
		}
		if prospectID != nil {
			msg.ProspectID = prospectID
			if err := db.Model(msg).Update("prospect_id", *prospectID).Error; err != nil {
				return false, 0, utils.WrapError(utils.KindInternal, op, err)
			}
			m.linkThread(db, msg, *prospectID)
			m.log.WithFields(logrus.Fields{
				"message_id":  msg.ID,
				"prospect_id": *prospectID,
				"strategy":    strategy,
			}).Debug("Matched inbound message")
		}
	}

	cls := m.Classify(ctx, msg)
	now := m.now()

	// The classification commits together with its transitions, so a failed
	// transition leaves the message unclassified for the next pass.
	var prospect *models.Prospect
	closed := false
	transitions := 0
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(msg).Updates(map[string]interface{}{
			"intent":            cls.Intent,
			"intent_confidence": cls.Confidence,
			"classified_at":     now,
		}).Error; err != nil {
			return utils.WrapError(utils.KindInternal, op, err)
		}
		if len(cls.Signals) > 0 {
			msg.Signals = cls.Signals
			if err := tx.Model(msg).Select("signals").Updates(msg).Error; err != nil {
				return utils.WrapError(utils.KindInternal, op, err)
			}
		}
		if msg.ProspectID == nil {
			return nil
		}

		prospect = &models.Prospect{}
		if err := tx.First(prospect, *msg.ProspectID).Error; err != nil {
			return notFoundOr(op, "prospect", err)
		}
		if prospect.Status.IsTerminal() {
			closed = true
			return nil
		}
		n, err := ApplyIntent(tx, prospect, cls.Intent, now)
		transitions = n
		return err
	})
	if err != nil {
		msg.ClassifiedAt = nil
		return msg.ProspectID != nil, 0, asAppError(op, err)
	}
	msg.Intent = &cls.Intent
	msg.IntentConfidence = &cls.Confidence
	msg.Signals = cls.Signals
	msg.ClassifiedAt = &now

	if prospect == nil {
		m.publish(msg, nil, cls, 0)
		return false, 0, nil
	}
	if closed {
		m.log.WithFields(logrus.Fields{
			"message_id":  msg.ID,
			"prospect_id": prospect.ID,
			"status":      prospect.Status,
		}).Info("Inbound message for closed prospect stored without changes")
		m.publish(msg, prospect, cls, 0)
		return true, 0, nil
	}

	if m.scorer != nil {
		if _, err := m.scorer.Recalculate(ctx, prospect.ID, models.ReasonInboundResponse); err != nil {
			m.log.WithError(err).WithField("prospect_id", prospect.ID).Warn("Rescore after inbound reply failed")
		}
	}
	m.publish(msg, prospect, cls, transitions)
	return true, transitions, nil
}

// intentOutcome is one row of the intent transition table.
type intentOutcome struct {
	enrollment models.EnrollmentStatus // "" leaves enrollments alone
	from       []models.EnrollmentStatus
	prospect   models.ProspectStatus
}

var intentOutcomes = map[models.Intent]intentOutcome{
	models.IntentInterested:  {enrollment: models.EnrollmentReplied, from: []models.EnrollmentStatus{models.EnrollmentActive}, prospect: models.ProspectInterested},
	models.IntentQuestion:    {enrollment: models.EnrollmentReplied, from: []models.EnrollmentStatus{models.EnrollmentActive}, prospect: models.ProspectReplied},
	models.IntentReferral:    {enrollment: models.EnrollmentReplied, from: []models.EnrollmentStatus{models.EnrollmentActive}, prospect: models.ProspectReplied},
	models.IntentObjection:   {enrollment: models.EnrollmentReplied, from: []models.EnrollmentStatus{models.EnrollmentActive}, prospect: models.ProspectReplied},
	models.IntentNotNow:      {enrollment: models.EnrollmentPaused, from: []models.EnrollmentStatus{models.EnrollmentActive}, prospect: models.ProspectNurture},
	models.IntentUnsubscribe: {enrollment: models.EnrollmentCancelled, from: []models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentPaused, models.EnrollmentReplied}, prospect: models.ProspectOptedOut},
	models.IntentUnknown:     {prospect: models.ProspectReplied},
}

// ApplyIntent applies the intent transition table to a prospect and its
// open enrollments, returning how many enrollments changed.
func ApplyIntent(tx *gorm.DB, prospect *models.Prospect, intent models.Intent, now time.Time) (int, error) {
	outcome, ok := intentOutcomes[intent]
	if !ok {
		outcome = intentOutcomes[models.IntentUnknown]
	}

	changed := 0
	if outcome.enrollment != "" {
		var enrollments []models.Enrollment
		if err := tx.Where("prospect_id = ? AND status IN ?", prospect.ID, outcome.from).Find(&enrollments).Error; err != nil {
			return 0, err
		}
		reason := "inbound reply: " + string(intent)
		for i := range enrollments {
			if err := TransitionEnrollment(tx, &enrollments[i], outcome.enrollment, reason, now); err != nil {
				return changed, err
			}
			changed++
		}
	}

	if next := outcome.prospect; next != "" && next != prospect.Status && prospectMayBecome(prospect.Status, next) {
		if err := tx.Model(prospect).Update("status", next).Error; err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// prospectMayBecome keeps a warmer status from being overwritten by a
// weaker reply, e.g. a follow-up question after interest.
func prospectMayBecome(current, next models.ProspectStatus) bool {
	if current.IsTerminal() {
		return false
	}
	if current == models.ProspectInterested && next == models.ProspectReplied {
		return false
	}
	return true
}

// Resolve finds the prospect an inbound message belongs to. Strategies run
// in order: direct identity, thread participant, fuzzy name.
func (m *Monitor) Resolve(ctx context.Context, msg *models.Message) (*uint, string, error) {
	db := m.db.WithContext(ctx)

	if id, err := m.byIdentity(db, msg); err != nil || id != nil {
		return id, "direct", err
	}
	if id, err := m.byThread(db, msg); err != nil || id != nil {
		return id, "thread", err
	}
	id, err := m.byName(db, msg.SenderName)
	return id, "fuzzy_name", err
}

func (m *Monitor) byIdentity(db *gorm.DB, msg *models.Message) (*uint, error) {
	var prospect models.Prospect
	var err error
	switch {
	case msg.SenderMemberID != "" && msg.Channel != models.ChannelEmail:
		err = db.Select("id").Where("channel_member_id = ?", msg.SenderMemberID).First(&prospect).Error
	case msg.SenderMemberID != "":
		err = db.Select("id").Where("LOWER(email) = ?", strings.ToLower(msg.SenderMemberID)).First(&prospect).Error
	default:
		return nil, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prospect.ID, nil
}

func (m *Monitor) byThread(db *gorm.DB, msg *models.Message) (*uint, error) {
	var thread models.ChannelThread
	query := db.Where("prospect_id IS NOT NULL")
	switch {
	case msg.ThreadID != nil:
		query = query.Where("id = ?", *msg.ThreadID)
	case msg.ExternalThreadID != "":
		query = query.Where("external_id = ?", msg.ExternalThreadID)
	default:
		return nil, nil
	}
	err := query.First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m.bySentMessage(db, msg)
	}
	if err != nil {
		return nil, err
	}
	return thread.ProspectID, nil
}

// bySentMessage covers threads we opened but have not synced yet, and email
// replies whose In-Reply-To names one of our sends.
func (m *Monitor) bySentMessage(db *gorm.DB, msg *models.Message) (*uint, error) {
	if msg.ExternalThreadID == "" {
		return nil, nil
	}
	var sent models.Message
	err := db.Select("prospect_id").
		Where("(external_thread_id = ? OR external_id = ?) AND direction = ? AND prospect_id IS NOT NULL", msg.ExternalThreadID, msg.ExternalThreadID, models.DirectionOutbound).
		Order("id DESC").
		First(&sent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sent.ProspectID, nil
}

type prospectName struct {
	ID        uint
	FirstName string
	LastName  string
}

func (m *Monitor) byName(db *gorm.DB, senderName string) (*uint, error) {
	senderName = strings.TrimSpace(senderName)
	if len(senderName) < 3 {
		return nil, nil
	}
	var rows []prospectName
	if err := db.Model(&models.Prospect{}).
		Select("id", "first_name", "last_name").
		Where("status NOT IN ?", []models.ProspectStatus{models.ProspectDisqualified, models.ProspectConverted}).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = strings.TrimSpace(r.FirstName + " " + r.LastName)
	}
	idx, ok := BestNameMatch(senderName, names)
	if !ok {
		return nil, nil
	}
	return &rows[idx].ID, nil
}

// BestNameMatch fuzzy-matches a sender name against candidate names. It only
// accepts an unambiguous match of similar length.
func BestNameMatch(name string, candidates []string) (int, bool) {
	matches := fuzzy.Find(strings.ToLower(name), lowerAll(candidates))
	if len(matches) == 0 {
		return 0, false
	}
	best := matches[0]
	if len(matches) > 1 && matches[1].Score == best.Score {
		return 0, false
	}
	diff := len(candidates[best.Index]) - len(name)
	if diff < -3 || diff > 3 {
		return 0, false
	}
	return best.Index, true
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func (m *Monitor) linkThread(db *gorm.DB, msg *models.Message, prospectID uint) {
	query := db.Model(&models.ChannelThread{}).Where("prospect_id IS NULL")
	switch {
	case msg.ThreadID != nil:
		query = query.Where("id = ?", *msg.ThreadID)
	case msg.ExternalThreadID != "":
		query = query.Where("external_id = ?", msg.ExternalThreadID)
	default:
		return
	}
	if err := query.Update("prospect_id", prospectID).Error; err != nil {
		m.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to link thread to prospect")
	}
}

// Classify asks the AI for the intent and falls back to the keyword table
// when the AI is unavailable or answers nonsense.
func (m *Monitor) Classify(ctx context.Context, msg *models.Message) Classification {
	if m.completer != nil {
		resp, err := m.completer.Complete(ctx, ai.Request{
			Purpose:     "classify_intent",
			System:      classifySystemPrompt,
			Prompt:      fmt.Sprintf("Reply from %s:\n%s", firstNonEmpty(msg.SenderName, "the prospect"), msg.Body),
			JSONMode:    true,
			MaxTokens:   200,
			Temperature: 0,
			ProspectID:  msg.ProspectID,
		})
		if err == nil {
			var raw struct {
				Intent     string   `json:"intent"`
				Confidence float64  `json:"confidence"`
				Signals    []string `json:"signals"`
			}
			if err := ai.DecodeJSON(resp.Text, &raw); err == nil {
				if intent := models.ParseIntent(raw.Intent); intent != models.IntentUnknown || raw.Intent == string(models.IntentUnknown) {
					return Classification{Intent: intent, Confidence: clampFloat(raw.Confidence, 0, 1), Signals: raw.Signals}
				}
			}
		} else if !utils.IsKind(err, utils.KindNotConfigured) {
			m.log.WithError(err).WithField("message_id", msg.ID).Warn("AI classification failed, using keyword rules")
		}
	}
	return KeywordClassify(msg.Body)
}

// KeywordClassify is the deterministic fallback classifier.
func KeywordClassify(text string) Classification {
	if intent, ok := models.MatchKeywords(models.IntentKeywordRules, text); ok {
		return Classification{Intent: intent, Confidence: keywordConfidence, Fallback: true}
	}
	return Classification{Intent: models.IntentUnknown, Fallback: true}
}

func (m *Monitor) publish(msg *models.Message, prospect *models.Prospect, cls Classification, transitions int) {
	if m.events == nil {
		return
	}
	data := map[string]interface{}{
		"message_id":  msg.ID,
		"intent":      cls.Intent,
		"confidence":  cls.Confidence,
		"channel":     msg.Channel,
		"matched":     prospect != nil,
		"transitions": transitions,
	}
	if prospect != nil {
		data["prospect_id"] = prospect.ID
	}
	m.events.Publish(events.TypeInboundReceived, data)
}

// StoreInbound inserts an inbound message unless one with the same external
// id exists. It reports whether a row was created.
func StoreInbound(db *gorm.DB, in InboundMessage) (*models.Message, bool, error) {
	if in.ExternalID == "" {
		return nil, false, utils.NewError(utils.KindValidation, "monitor.store", "inbound message has no external id")
	}
	received := in.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	sender := in.SenderMemberID
	if sender == "" {
		sender = in.SenderEmail
	}
	msg := models.Message{
		Direction:        models.DirectionInbound,
		Channel:          in.Channel,
		Status:           models.MessageReceived,
		Subject:          in.Subject,
		Body:             in.Body,
		ExternalID:       utils.Pointer(in.ExternalID),
		ExternalThreadID: in.ExternalThreadID,
		ThreadID:         in.ThreadID,
		SenderName:       in.SenderName,
		SenderMemberID:   sender,
		ReceivedAt:       &received,
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&msg)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.Message
		if err := db.Where("external_id = ?", in.ExternalID).First(&existing).Error; err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	return &msg, true, nil
}
