package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/utils"
)

// Sender delivers approved drafts and advances their enrollments.
// Sends never overlap.
type Sender struct {
	db           *gorm.DB
	adapters     map[models.Channel]ChannelAdapter
	events       events.Publisher
	defaultDelay time.Duration

	mu  sync.Mutex
	now func() time.Time
	log *logrus.Entry
}

func NewSender(db *gorm.DB, adapters map[models.Channel]ChannelAdapter, publisher events.Publisher, defaultDelay time.Duration) *Sender {
	if adapters == nil {
		adapters = make(map[models.Channel]ChannelAdapter)
	}
	return &Sender{
		db:           db,
		adapters:     adapters,
		events:       publisher,
		defaultDelay: defaultDelay,
		now:          time.Now,
		log:          utils.Logger("sender"),
	}
}

// Send delivers the message behind an approved or edited approval.
func (s *Sender) Send(ctx context.Context, approvalID uint) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(ctx, approvalID)
}

func (s *Sender) send(ctx context.Context, approvalID uint) (*models.Message, error) {
	const op = "sender.send"
	db := s.db.WithContext(ctx)

	var approval models.Approval
	if err := db.Preload("Message").Preload("Prospect").First(&approval, approvalID).Error; err != nil {
		return nil, asAppError(op, notFoundOr(op, "approval", err))
	}
	msg := &approval.Message
	if !approval.Status.Cleared() {
		return nil, utils.Conflict(op, fmt.Sprintf("approval %d is %s, only approved or edited drafts can be sent", approval.ID, approval.Status))
	}
	if !msg.IsSendable() {
		return nil, utils.Conflict(op, fmt.Sprintf("message %d is %s", msg.ID, msg.Status))
	}

	adapter, ok := s.adapters[msg.Channel]
	if !ok {
		return nil, utils.NewError(utils.KindNotConfigured, op, fmt.Sprintf("no adapter for channel %q", msg.Channel))
	}

	prospect := &approval.Prospect
	if prospect.Status.IsTerminal() {
		err := utils.Conflict(op, fmt.Sprintf("prospect %d is %s", prospect.ID, prospect.Status))
		s.markFailed(ctx, msg, err)
		return nil, err
	}
	if approval.Kind == models.ApprovalKindSequenceStep && msg.EnrollmentID != nil {
		if err := s.checkStep(db, op, *msg.EnrollmentID, msg.StepNumber); err != nil {
			if utils.IsKind(err, utils.KindConflict) {
				s.markFailed(ctx, msg, err)
			}
			return nil, err
		}
	}

	result, err := adapter.Deliver(ctx, Delivery{Message: msg, Prospect: prospect})
	if err != nil {
		s.markFailed(ctx, msg, err)
		utils.LogError("send_failed", err, map[string]interface{}{
			"approval_id": approval.ID,
			"message_id":  msg.ID,
			"prospect_id": prospect.ID,
			"channel":     msg.Channel,
		})
		return nil, err
	}

	now := s.now()
	var enrollment *models.Enrollment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":             models.MessageSent,
			"sent_at":            now,
			"external_thread_id": result.ExternalThreadID,
			"error_message":      nil,
		}
		if result.ExternalID != "" {
			updates["external_id"] = result.ExternalID
		}
		if threadID := threadIDFor(tx, result.ExternalThreadID); threadID != nil {
			updates["thread_id"] = *threadID
		}
		if err := tx.Model(msg).Updates(updates).Error; err != nil {
			return err
		}

		if approval.Kind != models.ApprovalKindSequenceStep || msg.EnrollmentID == nil {
			return nil
		}
		var err error
		enrollment, err = s.advance(tx, *msg.EnrollmentID, msg.StepNumber, now)
		return err
	})
	if err != nil {
		// delivered but not recorded; surfaces loudly so nobody resends by hand
		utils.LogError("send_record_failed", err, map[string]interface{}{
			"approval_id": approval.ID,
			"message_id":  msg.ID,
			"external_id": result.ExternalID,
		})
		return nil, asAppError(op, err)
	}
	if err := db.First(msg, msg.ID).Error; err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	s.log.WithFields(logrus.Fields{
		"approval_id": approval.ID,
		"message_id":  msg.ID,
		"prospect_id": prospect.ID,
		"channel":     msg.Channel,
		"external_id": result.ExternalID,
	}).Info("Message sent")
	if s.events != nil {
		s.events.Publish(events.TypeMessageSent, map[string]interface{}{
			"approval_id": approval.ID,
			"message_id":  msg.ID,
			"prospect_id": prospect.ID,
			"channel":     msg.Channel,
		})
		if enrollment != nil {
			s.events.Publish(events.TypeEnrollmentChanged, map[string]interface{}{
				"enrollment_id": enrollment.ID,
				"prospect_id":   enrollment.ProspectID,
				"status":        enrollment.Status,
				"current_step":  enrollment.CurrentStep,
				"reason":        "step sent",
			})
		}
	}
	return msg, nil
}

// checkStep refuses a step draft whose enrollment has since stopped, paused,
// been answered or moved past that step.
func (s *Sender) checkStep(db *gorm.DB, op string, enrollmentID uint, step int) error {
	var enrollment models.Enrollment
	err := db.Select("id", "status", "current_step").First(&enrollment, enrollmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Conflict(op, fmt.Sprintf("enrollment %d no longer exists", enrollmentID))
	}
	if err != nil {
		return utils.WrapError(utils.KindInternal, op, err)
	}
	if enrollment.Status != models.EnrollmentActive {
		return utils.Conflict(op, fmt.Sprintf("enrollment %d is %s", enrollment.ID, enrollment.Status))
	}
	if enrollment.CurrentStep != step {
		return utils.Conflict(op, fmt.Sprintf("enrollment %d is on step %d, draft is for step %d", enrollment.ID, enrollment.CurrentStep, step))
	}
	return nil
}

// advance moves the enrollment past the step that was just sent. A stale
// step number (the enrollment moved on or stopped) leaves it alone.
func (s *Sender) advance(tx *gorm.DB, enrollmentID uint, sentStep int, now time.Time) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := tx.Preload("Sequence.Steps").First(&enrollment, enrollmentID).Error; err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentActive || enrollment.CurrentStep != sentStep {
		s.log.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"status":        enrollment.Status,
			"current_step":  enrollment.CurrentStep,
			"sent_step":     sentStep,
		}).Warn("Sent step no longer matches enrollment, not advancing")
		return nil, nil
	}

	next := enrollment.CurrentStep + 1
	if next > enrollment.Sequence.TotalSteps() {
		if err := tx.Model(&enrollment).Omit(clause.Associations).Updates(map[string]interface{}{
			"current_step": next,
			"last_step_at": now,
			"error_count":  0,
		}).Error; err != nil {
			return nil, err
		}
		if err := TransitionEnrollment(tx, &enrollment, models.EnrollmentCompleted, "sequence finished", now); err != nil {
			return nil, err
		}
		err := tx.Model(&models.Prospect{}).
			Where("id = ? AND status NOT IN ?", enrollment.ProspectID, terminalProspectStatuses()).
			Update("status", models.ProspectSequenceComplete).Error
		return &enrollment, err
	}

	delay := enrollment.Sequence.StepDelay(next, s.defaultDelay)
	if err := tx.Model(&enrollment).Omit(clause.Associations).Updates(map[string]interface{}{
		"current_step": next,
		"next_fire_at": now.Add(delay),
		"last_step_at": now,
		"error_count":  0,
		"last_error":   nil,
	}).Error; err != nil {
		return nil, err
	}
	return &enrollment, nil
}

func (s *Sender) markFailed(ctx context.Context, msg *models.Message, cause error) {
	err := s.db.WithContext(ctx).Model(msg).Updates(map[string]interface{}{
		"status":        models.MessageFailed,
		"error_message": cause.Error(),
	}).Error
	if err != nil {
		s.log.WithError(err).WithField("message_id", msg.ID).Error("Failed to mark message failed")
	}
	if s.events != nil {
		s.events.Publish(events.TypeMessageFailed, map[string]interface{}{
			"message_id":  msg.ID,
			"prospect_id": msg.ProspectID,
			"error":       cause.Error(),
			"error_kind":  utils.KindOf(cause).String(),
		})
	}
}

// SendBatch sends up to limit cleared drafts one at a time, oldest approval
// first. Channel-wide failures stop the batch early.
func (s *Sender) SendBatch(ctx context.Context, limit int) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Approval{}).
		Joins("JOIN messages ON messages.id = approvals.message_id").
		Where("approvals.status IN ?", []models.ApprovalStatus{models.ApprovalApproved, models.ApprovalEdited}).
		Where("messages.status IN ?", []models.MessageStatus{models.MessageApproved, models.MessageEdited}).
		Order("approvals.reviewed_at ASC, approvals.id ASC").
		Limit(limit).
		Pluck("approvals.id", &ids).Error; err != nil {
		return BatchResult{}, utils.WrapError(utils.KindInternal, "sender.batch", err)
	}

	var result BatchResult
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		result.Processed++
		if _, err := s.send(ctx, id); err != nil {
			result.Failed++
			if haltsBatch(err) {
				s.log.WithError(err).Warn("Stopping send batch early")
				break
			}
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func haltsBatch(err error) bool {
	switch utils.KindOf(err) {
	case utils.KindServiceUnavailable, utils.KindAuthExpired, utils.KindRateLimited, utils.KindNotConfigured:
		return true
	}
	return false
}

func threadIDFor(tx *gorm.DB, externalThreadID string) *uint {
	if externalThreadID == "" {
		return nil
	}
	var thread models.ChannelThread
	if err := tx.Select("id").Where("external_id = ?", externalThreadID).First(&thread).Error; err != nil {
		return nil
	}
	return &thread.ID
}

func terminalProspectStatuses() []models.ProspectStatus {
	return []models.ProspectStatus{models.ProspectOptedOut, models.ProspectDisqualified, models.ProspectConverted}
}
