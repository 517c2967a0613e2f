package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"

	controller "leadpilot/controllers"
	"leadpilot/events"
	"leadpilot/middleware"
	"leadpilot/utils"
)

// Handlers bundles every controller the API serves.
type Handlers struct {
	Enrollments *controller.EnrollmentController
	Workflow    *controller.WorkflowController
	Approvals   *controller.ApprovalController
	Scores      *controller.ScoreController
	Sessions    *controller.SessionController
	Hub         *events.Hub
}

// Options carries the middleware settings.
type Options struct {
	JWTSecret      string
	CORS           middleware.CORSConfig
	ManualSendRate int
	LimiterStorage fiber.Storage
}

var requestLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

func SetupAPIRoutes(app *fiber.App, h Handlers, opts Options) {
	api := app.Group("/api/v1", middleware.Protected(opts.JWTSecret), logger.New(logger.Config{
		Format: requestLogFormat,
	}))

	// Enrollment routes
	enrollments := api.Group("/enrollments")
	enrollments.Post("/", h.Enrollments.CreateEnrollment)
	enrollments.Get("/:id", h.Enrollments.GetEnrollment)
	enrollments.Post("/:id/pause", h.Enrollments.PauseEnrollment)
	enrollments.Post("/:id/resume", h.Enrollments.ResumeEnrollment)
	enrollments.Post("/:id/cancel", h.Enrollments.CancelEnrollment)
	enrollments.Post("/:id/complete", h.Enrollments.CompleteEnrollment)

	// Workflow and presence
	api.Post("/workflow/trigger", h.Workflow.TriggerWorkflow)
	api.Post("/sync/trigger", h.Workflow.TriggerSync)
	api.Post("/heartbeat", h.Workflow.RecordHeartbeat)
	api.Get("/status", h.Workflow.GetStatus)

	// Approval queue; sending is rate limited per operator
	sendLimit := middleware.SendRateLimiter(opts.ManualSendRate, opts.LimiterStorage)
	approvals := api.Group("/approvals")
	approvals.Get("/", h.Approvals.GetApprovals)
	approvals.Get("/stats", h.Approvals.GetApprovalStats)
	approvals.Post("/send-batch", sendLimit, h.Approvals.SendBatch)
	approvals.Post("/:id/approve", h.Approvals.ApproveDraft)
	approvals.Post("/:id/reject", h.Approvals.RejectDraft)
	approvals.Post("/:id/send", sendLimit, h.Approvals.SendApproved)
	api.Post("/messages/:id/draft-reply", h.Approvals.DraftReply)

	// Scores and research
	api.Post("/prospects/:id/score", h.Scores.ScoreProspect)
	api.Get("/prospects/:id/score-history", h.Scores.GetScoreHistory)
	api.Post("/scores/recalculate", h.Scores.RecalculateScores)
	api.Get("/scores/leaderboard", h.Scores.GetLeaderboard)
	api.Post("/research", h.Scores.ResearchProspects)

	// Channel session
	api.Post("/session", h.Sessions.StoreSession)
	api.Get("/session", h.Sessions.GetSession)
}

// SetupWebsocketRoutes serves the realtime event stream. Browsers cannot set
// headers on websocket upgrades, so the token travels in the access_token cookie.
func SetupWebsocketRoutes(app *fiber.App, hub *events.Hub, opts Options) {
	ws := app.Group("/ws", middleware.Protected(opts.JWTSecret), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	ws.Get("/events", websocket.New(controller.HandleEventsWS(hub)))
}

func SetupRoutes(app *fiber.App, h Handlers, opts Options) {
	app.Use(middleware.CORS(opts.CORS))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAPIRoutes(app, h, opts)
	SetupWebsocketRoutes(app, h.Hub, opts)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	utils.LogEvent("routes_initialized", map[string]interface{}{"routes": len(app.GetRoutes())})
}
