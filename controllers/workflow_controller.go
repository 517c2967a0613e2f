package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadpilot/channel"
	"leadpilot/events"
	"leadpilot/services"
	"leadpilot/utils"
)

// WorkflowController exposes manual cycle triggers and the presence heartbeat.
type WorkflowController struct {
	Runner    *services.WorkflowRunner
	Sync      *services.SyncEngine
	Heartbeat services.HeartbeatStore
	MaxAge    time.Duration
	Breakers  channel.BreakerRegistry
	Events    *events.Hub
	Logger    *logrus.Entry
	now       func() time.Time
}

func NewWorkflowController(runner *services.WorkflowRunner, sync *services.SyncEngine, heartbeat services.HeartbeatStore, maxAge time.Duration, breakers channel.BreakerRegistry, hub *events.Hub) *WorkflowController {
	return &WorkflowController{
		Runner:    runner,
		Sync:      sync,
		Heartbeat: heartbeat,
		MaxAge:    maxAge,
		Breakers:  breakers,
		Events:    hub,
		Logger:    utils.Logger("workflow_controller"),
		now:       time.Now,
	}
}

type triggerInput struct {
	Limit           int  `json:"limit" validate:"gte=0,lte=500"`
	LookbackHours   int  `json:"lookback_hours" validate:"gte=0,lte=720"`
	ScoreBatchLimit int  `json:"score_batch_limit" validate:"gte=0"`
	DryRun          bool `json:"dry_run"`
}

// TriggerWorkflow runs one workflow cycle synchronously and returns its report.
func (wc *WorkflowController) TriggerWorkflow(c *fiber.Ctx) error {
	var input triggerInput
	if err := bindJSON(c, &input); err != nil {
		return utils.ErrorFromKind(c, "Invalid request body", err)
	}

	report, err := wc.Runner.RunCycle(c.UserContext(), services.CycleOptions{
		Limit:           input.Limit,
		Lookback:        time.Duration(input.LookbackHours) * time.Hour,
		ScoreBatchLimit: input.ScoreBatchLimit,
		DryRun:          input.DryRun,
	})
	if err != nil {
		return utils.ErrorFromKind(c, "Workflow cycle failed", err)
	}

	utils.LogEvent("workflow_triggered", map[string]interface{}{
		"dry_run": report.DryRun,
		"due":     report.Due,
		"drafted": report.Drafted,
		"errors":  report.Errors,
	})
	return c.JSON(utils.SuccessResponse(report))
}

// TriggerSync runs one channel sync pass. A stale heartbeat yields a skipped result.
func (wc *WorkflowController) TriggerSync(c *fiber.Ctx) error {
	result, err := wc.Sync.Run(c.UserContext())
	if err != nil {
		return utils.ErrorFromKind(c, "Channel sync failed", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}

// RecordHeartbeat marks an operator as present, allowing channel automation.
func (wc *WorkflowController) RecordHeartbeat(c *fiber.Ctx) error {
	now := wc.now()
	if err := wc.Heartbeat.Beat(c.UserContext(), now); err != nil {
		return utils.ErrorFromKind(c, "Failed to record heartbeat", utils.WrapError(utils.KindConnectionFailure, "heartbeat.beat", err))
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"beat_at":     now.UTC(),
		"valid_until": now.Add(wc.MaxAge).UTC(),
	}))
}

// GetStatus reports whether automation is currently allowed to run.
func (wc *WorkflowController) GetStatus(c *fiber.Ctx) error {
	fresh, age, err := services.HeartbeatFresh(c.UserContext(), wc.Heartbeat, wc.MaxAge, wc.now())
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to read heartbeat", utils.WrapError(utils.KindConnectionFailure, "heartbeat.read", err))
	}

	status := fiber.Map{
		"heartbeat_fresh":       fresh,
		"heartbeat_age_seconds": int(age.Seconds()),
	}
	if wc.Breakers != nil {
		status["breakers"] = wc.Breakers.Snapshots()
	}
	if wc.Events != nil {
		status["events_dropped"] = wc.Events.Dropped()
	}
	return c.JSON(utils.SuccessResponse(status))
}
