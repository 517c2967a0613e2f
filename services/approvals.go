package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/utils"
)

// DefaultStatsWindow is how many recent reviews feed the latency average.
const DefaultStatsWindow = 50

// ApprovalFilter narrows the review queue.
type ApprovalFilter struct {
	Status     models.ApprovalStatus `query:"status"`
	Kind       models.ApprovalKind   `query:"kind"`
	Channel    models.Channel        `query:"channel"`
	ProspectID uint                  `query:"prospect_id"`
}

// ReviewInput carries a reviewer's decision details.
type ReviewInput struct {
	Notes      string  `json:"notes"`
	EditedBody *string `json:"edited_body"`
}

// ApprovalStats summarises the queue.
type ApprovalStats struct {
	Pending          int64   `json:"pending"`
	Approved         int64   `json:"approved"`
	Edited           int64   `json:"edited"`
	Rejected         int64   `json:"rejected"`
	AvgReviewSeconds float64 `json:"avg_review_seconds"`
	SampleSize       int     `json:"sample_size"`
}

// ApprovalQueue is the human gate between drafting and sending.
type ApprovalQueue struct {
	db          *gorm.DB
	events      events.Publisher
	statsWindow int
	now         func() time.Time
	log         *logrus.Entry
}

func NewApprovalQueue(db *gorm.DB, publisher events.Publisher) *ApprovalQueue {
	return &ApprovalQueue{
		db:          db,
		events:      publisher,
		statsWindow: DefaultStatsWindow,
		now:         time.Now,
		log:         utils.Logger("approvals"),
	}
}

// ListPending pages through the queue, oldest submission first. The status
// filter defaults to pending.
func (q *ApprovalQueue) ListPending(ctx context.Context, f ApprovalFilter, page utils.Page) ([]models.Approval, int64, error) {
	page = page.Normalize()
	if f.Status == "" {
		f.Status = models.ApprovalPending
	}

	query := q.db.WithContext(ctx).Model(&models.Approval{}).Where("approvals.status = ?", f.Status)
	if f.Kind != "" {
		query = query.Where("approvals.kind = ?", f.Kind)
	}
	if f.ProspectID != 0 {
		query = query.Where("approvals.prospect_id = ?", f.ProspectID)
	}
	if f.Channel != "" {
		query = query.Joins("JOIN messages ON messages.id = approvals.message_id").
			Where("messages.channel = ?", f.Channel)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, utils.WrapError(utils.KindInternal, "approvals.list", err)
	}

	var approvals []models.Approval
	if err := query.Preload("Message").
		Order("approvals.submitted_at ASC, approvals.id ASC").
		Offset(page.Offset()).
		Limit(page.Limit).
		Find(&approvals).Error; err != nil {
		return nil, 0, utils.WrapError(utils.KindInternal, "approvals.list", err)
	}
	return approvals, total, nil
}

// Get loads one approval with its message.
func (q *ApprovalQueue) Get(ctx context.Context, id uint) (*models.Approval, error) {
	var approval models.Approval
	if err := q.db.WithContext(ctx).Preload("Message").First(&approval, id).Error; err != nil {
		return nil, asAppError("approvals.get", notFoundOr("approvals.get", "approval", err))
	}
	return &approval, nil
}

// Approve clears a pending draft for sending. An edited body replaces the
// draft and marks the approval edited.
func (q *ApprovalQueue) Approve(ctx context.Context, id uint, in ReviewInput) (*models.Approval, error) {
	const op = "approvals.approve"
	status := models.ApprovalApproved
	msgUpdates := map[string]interface{}{"status": models.MessageApproved}
	if in.EditedBody != nil {
		body := strings.TrimSpace(*in.EditedBody)
		if body == "" {
			return nil, utils.NewError(utils.KindValidation, op, "edited body must not be empty")
		}
		status = models.ApprovalEdited
		msgUpdates = map[string]interface{}{"status": models.MessageEdited, "body": body}
	}
	return q.review(ctx, op, id, status, in.Notes, msgUpdates)
}

// Reject closes a pending draft for good. The message becomes failed and can
// never be sent.
func (q *ApprovalQueue) Reject(ctx context.Context, id uint, notes string) (*models.Approval, error) {
	reason := "rejected in review"
	if notes != "" {
		reason = "rejected in review: " + notes
	}
	return q.review(ctx, "approvals.reject", id, models.ApprovalRejected, notes, map[string]interface{}{
		"status":        models.MessageFailed,
		"error_message": reason,
	})
}

func (q *ApprovalQueue) review(ctx context.Context, op string, id uint, next models.ApprovalStatus, notes string, msgUpdates map[string]interface{}) (*models.Approval, error) {
	var approval models.Approval
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&approval, id).Error; err != nil {
			return notFoundOr(op, "approval", err)
		}
		if approval.Status != models.ApprovalPending {
			return utils.Conflict(op, fmt.Sprintf("approval %d is already %s", approval.ID, approval.Status))
		}

		res := tx.Model(&models.Approval{}).
			Where("id = ? AND status = ?", approval.ID, models.ApprovalPending).
			Updates(map[string]interface{}{
				"status":         next,
				"reviewed_at":    q.now(),
				"reviewer_notes": notes,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.Conflict(op, fmt.Sprintf("approval %d was reviewed concurrently", approval.ID))
		}
		if err := tx.Model(&models.Message{}).
			Where("id = ? AND status = ?", approval.MessageID, models.MessagePendingApproval).
			Updates(msgUpdates).Error; err != nil {
			return err
		}
		return tx.Preload("Message").First(&approval, approval.ID).Error
	})
	if err != nil {
		return nil, asAppError(op, err)
	}

	q.log.WithFields(logrus.Fields{
		"approval_id": approval.ID,
		"message_id":  approval.MessageID,
		"status":      approval.Status,
	}).Info("Approval reviewed")
	if q.events != nil {
		q.events.Publish(events.TypeApprovalReviewed, map[string]interface{}{
			"approval_id": approval.ID,
			"message_id":  approval.MessageID,
			"prospect_id": approval.ProspectID,
			"status":      approval.Status,
		})
	}
	return &approval, nil
}

// Stats counts approvals per status and averages the review latency of the
// most recent reviews.
func (q *ApprovalQueue) Stats(ctx context.Context) (*ApprovalStats, error) {
	const op = "approvals.stats"
	db := q.db.WithContext(ctx)

	var rows []struct {
		Status models.ApprovalStatus
		Count  int64
	}
	if err := db.Model(&models.Approval{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	stats := &ApprovalStats{}
	for _, r := range rows {
		switch r.Status {
		case models.ApprovalPending:
			stats.Pending = r.Count
		case models.ApprovalApproved:
			stats.Approved = r.Count
		case models.ApprovalEdited:
			stats.Edited = r.Count
		case models.ApprovalRejected:
			stats.Rejected = r.Count
		}
	}

	var reviewed []models.Approval
	if err := db.Select("id", "submitted_at", "reviewed_at").
		Where("reviewed_at IS NOT NULL").
		Order("reviewed_at DESC").
		Limit(q.statsWindow).
		Find(&reviewed).Error; err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}
	if len(reviewed) > 0 {
		var total time.Duration
		for _, a := range reviewed {
			total += a.ReviewedAt.Sub(a.SubmittedAt)
		}
		stats.SampleSize = len(reviewed)
		stats.AvgReviewSeconds = (total / time.Duration(len(reviewed))).Seconds()
	}
	return stats, nil
}
