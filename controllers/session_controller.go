package controller

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadpilot/channel"
	"leadpilot/utils"
)

// SessionValidator performs a live round-trip with the stored session.
type SessionValidator interface {
	ValidateSession(ctx context.Context) (*channel.Profile, error)
}

type SessionController struct {
	Sessions  *channel.SessionManager
	Validator SessionValidator
	Logger    *logrus.Entry
}

func NewSessionController(sessions *channel.SessionManager, validator SessionValidator) *SessionController {
	return &SessionController{
		Sessions:  sessions,
		Validator: validator,
		Logger:    utils.Logger("session_controller"),
	}
}

type storeSessionInput struct {
	Credentials string `json:"credentials" validate:"required"`
	SkipCheck   bool   `json:"skip_check"`
}

// StoreSession replaces the channel session. Unless skip_check is set the new
// session is validated against the channel right away.
func (sc *SessionController) StoreSession(c *fiber.Ctx) error {
	var input storeSessionInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorFromKind(c, "Validation failed", err)
	}

	session, err := sc.Sessions.Store(c.UserContext(), input.Credentials)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to store session", err)
	}

	response := fiber.Map{"session": session}
	if input.SkipCheck || sc.Validator == nil {
		return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(response))
	}

	profile, err := sc.Validator.ValidateSession(c.UserContext())
	if err != nil {
		sc.Logger.WithError(err).WithField("session_id", session.ID).Warn("New session failed validation")
		return utils.ErrorFromKind(c, "Session was stored but failed validation", err)
	}
	if err := sc.Sessions.MarkValidated(c.UserContext(), session.ID); err != nil {
		sc.Logger.WithError(err).Warn("Failed to record session validation")
	}

	response["profile"] = profile
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(response))
}

// GetSession reports the active session without its credentials.
func (sc *SessionController) GetSession(c *fiber.Ctx) error {
	active, err := sc.Sessions.GetActive(c.UserContext())
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to load session", err)
	}
	if active == nil {
		return c.JSON(utils.SuccessResponse(fiber.Map{"active": false}))
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"active":  true,
		"session": active.Session,
	}))
}
