package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadpilot/models"
	"leadpilot/services"
	"leadpilot/utils"
)

// ApprovalController is the reviewer's view of the approval queue.
type ApprovalController struct {
	Queue   *services.ApprovalQueue
	Sender  *services.Sender
	Drafter *services.Drafter
	Logger  *logrus.Entry
}

func NewApprovalController(queue *services.ApprovalQueue, sender *services.Sender, drafter *services.Drafter) *ApprovalController {
	return &ApprovalController{
		Queue:   queue,
		Sender:  sender,
		Drafter: drafter,
		Logger:  utils.Logger("approval_controller"),
	}
}

// GetApprovals lists approvals, pending ones by default, oldest first.
func (ac *ApprovalController) GetApprovals(c *fiber.Ctx) error {
	var filter services.ApprovalFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters", err)
	}
	var page utils.Page
	if err := c.QueryParser(&page); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters", err)
	}
	page = page.Normalize()
	if filter.Status != "" && !approvalStatuses[filter.Status] {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown approval status", nil)
	}

	approvals, total, err := ac.Queue.ListPending(c.UserContext(), filter, page)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to fetch approvals", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  approvals,
		Total: total,
		Page:  page.Page,
		Limit: page.Limit,
	}))
}

func (ac *ApprovalController) GetApprovalStats(c *fiber.Ctx) error {
	stats, err := ac.Queue.Stats(c.UserContext())
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to compute approval stats", err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

// ApproveDraft clears a draft for sending, optionally with an edited body.
func (ac *ApprovalController) ApproveDraft(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorFromKind(c, "Invalid approval ID", err)
	}
	var input services.ReviewInput
	if err := bindJSON(c, &input); err != nil {
		return utils.ErrorFromKind(c, "Invalid request body", err)
	}

	approval, err := ac.Queue.Approve(c.UserContext(), id, input)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to approve draft", err)
	}
	ac.Logger.WithFields(logrus.Fields{"approval_id": id, "status": approval.Status}).Info("Draft approved")
	return c.JSON(utils.SuccessResponse(approval))
}

func (ac *ApprovalController) RejectDraft(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorFromKind(c, "Invalid approval ID", err)
	}
	var input struct {
		Notes string `json:"notes" validate:"max=2000"`
	}
	if err := bindJSON(c, &input); err != nil {
		return utils.ErrorFromKind(c, "Invalid request body", err)
	}

	approval, err := ac.Queue.Reject(c.UserContext(), id, input.Notes)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to reject draft", err)
	}
	ac.Logger.WithField("approval_id", id).Info("Draft rejected")
	return c.JSON(utils.SuccessResponse(approval))
}

// SendApproved delivers one approved draft now.
func (ac *ApprovalController) SendApproved(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorFromKind(c, "Invalid approval ID", err)
	}

	msg, err := ac.Sender.Send(c.UserContext(), id)
	if err != nil {
		utils.LogError("send_failed", err, map[string]interface{}{"approval_id": id})
		return utils.ErrorFromKind(c, "Failed to send message", err)
	}
	return c.JSON(utils.SuccessResponse(msg))
}

// SendBatch delivers cleared drafts oldest first until the limit or a
// channel-wide failure.
func (ac *ApprovalController) SendBatch(c *fiber.Ctx) error {
	var input struct {
		Limit int `json:"limit" validate:"gte=0,lte=50"`
	}
	if err := bindJSON(c, &input); err != nil {
		return utils.ErrorFromKind(c, "Invalid request body", err)
	}

	result, err := ac.Sender.SendBatch(c.UserContext(), input.Limit)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to send batch", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}

// DraftReply queues an AI reply to an inbound message for review.
func (ac *ApprovalController) DraftReply(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorFromKind(c, "Invalid message ID", err)
	}

	approval, err := ac.Drafter.DraftReply(c.UserContext(), id)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to draft reply", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(approval))
}

var approvalStatuses = map[models.ApprovalStatus]bool{
	models.ApprovalPending:  true,
	models.ApprovalApproved: true,
	models.ApprovalEdited:   true,
	models.ApprovalRejected: true,
}
