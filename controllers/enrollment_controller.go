package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadpilot/models"
	"leadpilot/services"
	"leadpilot/utils"
)

type EnrollmentController struct {
	Enrollments *services.EnrollmentService
	Logger      *logrus.Entry
}

func NewEnrollmentController(enrollments *services.EnrollmentService) *EnrollmentController {
	return &EnrollmentController{
		Enrollments: enrollments,
		Logger:      utils.Logger("enrollment_controller"),
	}
}

type transitionInput struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CreateEnrollment starts a prospect on a sequence.
func (ec *EnrollmentController) CreateEnrollment(c *fiber.Ctx) error {
	var input services.EnrollRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	enrollment, err := ec.Enrollments.Enroll(c.UserContext(), input)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to enroll prospect", err)
	}

	ec.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"prospect_id":   enrollment.ProspectID,
		"sequence_id":   enrollment.SequenceID,
	}).Info("Prospect enrolled")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// GetEnrollment returns one enrollment.
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorFromKind(c, "Invalid enrollment ID", err)
	}
	enrollment, err := ec.Enrollments.Get(c.UserContext(), id)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to fetch enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, "pause", func(id uint, reason string) (*models.Enrollment, error) {
		return ec.Enrollments.Pause(c.UserContext(), id, reason)
	})
}

func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, "resume", func(id uint, _ string) (*models.Enrollment, error) {
		return ec.Enrollments.Resume(c.UserContext(), id)
	})
}

func (ec *EnrollmentController) CancelEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, "cancel", func(id uint, reason string) (*models.Enrollment, error) {
		return ec.Enrollments.Cancel(c.UserContext(), id, reason)
	})
}

// CompleteEnrollment closes an enrollment by hand, typically one that replied.
func (ec *EnrollmentController) CompleteEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, "complete", func(id uint, reason string) (*models.Enrollment, error) {
		return ec.Enrollments.Complete(c.UserContext(), id, reason)
	})
}

func (ec *EnrollmentController) transition(c *fiber.Ctx, action string, apply func(id uint, reason string) (*models.Enrollment, error)) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorFromKind(c, "Invalid enrollment ID", err)
	}
	var input transitionInput
	if err := bindJSON(c, &input); err != nil {
		return utils.ErrorFromKind(c, "Invalid request body", err)
	}

	enrollment, err := apply(id, input.Reason)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to "+action+" enrollment", err)
	}

	ec.Logger.WithFields(logrus.Fields{
		"enrollment_id": id,
		"action":        action,
		"status":        enrollment.Status,
	}).Info("Enrollment updated")
	return c.JSON(utils.SuccessResponse(enrollment))
}
