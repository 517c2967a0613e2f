package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/utils"
)

// ResumeDelay is how long a resumed enrollment waits before its next step.
const ResumeDelay = time.Hour

// EnrollRequest starts a prospect on a sequence.
type EnrollRequest struct {
	ProspectID uint `json:"prospect_id" validate:"required"`
	SequenceID uint `json:"sequence_id" validate:"required"`
	StartStep  int  `json:"start_step" validate:"gte=1"`
	DelayHours int  `json:"delay_hours" validate:"gte=0"`
}

// EnrollmentService owns the enrollment state machine.
type EnrollmentService struct {
	db     *gorm.DB
	events events.Publisher
	now    func() time.Time
	log    *logrus.Entry
}

func NewEnrollmentService(db *gorm.DB, publisher events.Publisher) *EnrollmentService {
	return &EnrollmentService{
		db:     db,
		events: publisher,
		now:    time.Now,
		log:    utils.Logger("enrollments"),
	}
}

// Enroll creates an active enrollment. A second active enrollment for the
// same (prospect, sequence) is a conflict.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (*models.Enrollment, error) {
	const op = "enrollment.enroll"
	if req.StartStep == 0 {
		req.StartStep = 1
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	now := s.now()
	var enrollment models.Enrollment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prospect models.Prospect
		if err := tx.First(&prospect, req.ProspectID).Error; err != nil {
			return notFoundOr(op, "prospect", err)
		}
		if prospect.Status.IsTerminal() {
			return utils.Conflict(op, fmt.Sprintf("prospect %d is %s and cannot be enrolled", prospect.ID, prospect.Status))
		}

		var sequence models.Sequence
		if err := tx.Preload("Steps").First(&sequence, req.SequenceID).Error; err != nil {
			return notFoundOr(op, "sequence", err)
		}
		if total := sequence.TotalSteps(); req.StartStep > total {
			return utils.NewError(utils.KindValidation, op, fmt.Sprintf("start step %d exceeds the sequence's %d steps", req.StartStep, total))
		}

		var active int64
		if err := tx.Model(&models.Enrollment{}).
			Where("prospect_id = ? AND sequence_id = ? AND status = ?", req.ProspectID, req.SequenceID, models.EnrollmentActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return utils.Conflict(op, "prospect already has an active enrollment in this sequence")
		}

		enrollment = models.Enrollment{
			ProspectID:  req.ProspectID,
			SequenceID:  req.SequenceID,
			CurrentStep: req.StartStep,
			Status:      models.EnrollmentActive,
			NextFireAt:  utils.Pointer(now.Add(time.Duration(req.DelayHours) * time.Hour)),
			EnrolledAt:  now,
		}
		if err := tx.Create(&enrollment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return utils.Conflict(op, "prospect already has an active enrollment in this sequence")
			}
			return err
		}

		switch prospect.Status {
		case models.ProspectNew, models.ProspectNurture, models.ProspectSequenceComplete:
			return tx.Model(&prospect).Update("status", models.ProspectEnrolled).Error
		}
		return nil
	})
	if err != nil {
		return nil, asAppError(op, err)
	}

	s.publish(&enrollment, "enrolled")
	return &enrollment, nil
}

// Get loads an enrollment by id.
func (s *EnrollmentService) Get(ctx context.Context, id uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := s.db.WithContext(ctx).First(&enrollment, id).Error; err != nil {
		return nil, notFoundOr("enrollment.get", "enrollment", err)
	}
	return &enrollment, nil
}

// Pause stops an active enrollment from firing.
func (s *EnrollmentService) Pause(ctx context.Context, id uint, reason string) (*models.Enrollment, error) {
	if reason == "" {
		reason = "manual pause"
	}
	return s.change(ctx, "enrollment.pause", id, models.EnrollmentPaused, reason, nil)
}

// Resume re-activates a paused enrollment, firing again after ResumeDelay.
func (s *EnrollmentService) Resume(ctx context.Context, id uint) (*models.Enrollment, error) {
	return s.change(ctx, "enrollment.resume", id, models.EnrollmentActive, "manual resume", func(tx *gorm.DB, e *models.Enrollment) error {
		var active int64
		if err := tx.Model(&models.Enrollment{}).
			Where("prospect_id = ? AND sequence_id = ? AND status = ? AND id <> ?", e.ProspectID, e.SequenceID, models.EnrollmentActive, e.ID).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return utils.Conflict("enrollment.resume", "another enrollment for this prospect and sequence is already active")
		}
		return nil
	})
}

// Cancel ends an enrollment permanently.
func (s *EnrollmentService) Cancel(ctx context.Context, id uint, reason string) (*models.Enrollment, error) {
	if reason == "" {
		reason = "manual cancel"
	}
	return s.change(ctx, "enrollment.cancel", id, models.EnrollmentCancelled, reason, nil)
}

// Complete closes an enrollment after a human has handled the reply.
func (s *EnrollmentService) Complete(ctx context.Context, id uint, reason string) (*models.Enrollment, error) {
	if reason == "" {
		reason = "closed after review"
	}
	return s.change(ctx, "enrollment.complete", id, models.EnrollmentCompleted, reason, func(tx *gorm.DB, e *models.Enrollment) error {
		if e.Status != models.EnrollmentReplied {
			return utils.Conflict("enrollment.complete", "only replied enrollments can be closed manually")
		}
		return nil
	})
}

func (s *EnrollmentService) change(ctx context.Context, op string, id uint, next models.EnrollmentStatus, reason string, guard func(tx *gorm.DB, e *models.Enrollment) error) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&enrollment, id).Error; err != nil {
			return notFoundOr(op, "enrollment", err)
		}
		if guard != nil {
			if err := guard(tx, &enrollment); err != nil {
				return err
			}
		}
		return TransitionEnrollment(tx, &enrollment, next, reason, s.now())
	})
	if err != nil {
		return nil, asAppError(op, err)
	}
	s.publish(&enrollment, reason)
	return &enrollment, nil
}

func (s *EnrollmentService) publish(e *models.Enrollment, reason string) {
	s.log.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"prospect_id":   e.ProspectID,
		"status":        e.Status,
		"step":          e.CurrentStep,
		"reason":        reason,
	}).Info("Enrollment changed")
	if s.events != nil {
		s.events.Publish(events.TypeEnrollmentChanged, map[string]interface{}{
			"enrollment_id": e.ID,
			"prospect_id":   e.ProspectID,
			"status":        e.Status,
			"current_step":  e.CurrentStep,
			"reason":        reason,
		})
	}
}

// TransitionEnrollment moves e to next inside tx. The update is conditional
// on the status e was loaded with, so a concurrent change surfaces as a
// conflict instead of being overwritten.
func TransitionEnrollment(tx *gorm.DB, e *models.Enrollment, next models.EnrollmentStatus, reason string, now time.Time) error {
	const op = "enrollment.transition"
	if !e.Status.CanTransitionTo(next) {
		return utils.Conflict(op, fmt.Sprintf("cannot move enrollment %d from %s to %s", e.ID, e.Status, next))
	}

	updates := map[string]interface{}{
		"status":        next,
		"status_reason": reason,
	}
	switch next {
	case models.EnrollmentActive:
		updates["next_fire_at"] = now.Add(ResumeDelay)
		updates["error_count"] = 0
		updates["last_error"] = nil
		updates["paused_at"] = nil
	case models.EnrollmentPaused:
		updates["paused_at"] = now
	case models.EnrollmentCompleted:
		updates["completed_at"] = now
		updates["next_fire_at"] = nil
	case models.EnrollmentCancelled:
		updates["cancelled_at"] = now
		updates["next_fire_at"] = nil
	case models.EnrollmentReplied:
		updates["next_fire_at"] = nil
	}

	res := tx.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", e.ID, e.Status).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return utils.Conflict(op, "another enrollment for this prospect and sequence is already active")
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.Conflict(op, fmt.Sprintf("enrollment %d changed concurrently", e.ID))
	}
	return tx.First(e, e.ID).Error
}

func notFoundOr(op, what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.NotFound(op, what)
	}
	return err
}

// asAppError leaves typed errors alone and marks everything else internal.
func asAppError(op string, err error) error {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return utils.WrapError(utils.KindInternal, op, err)
}
