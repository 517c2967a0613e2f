package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/services"
	"leadpilot/utils"
)

// CycleRunner runs one workflow cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, opts services.CycleOptions) (*services.CycleReport, error)
}

// WorkflowWorker runs the workflow cycle on a fixed interval.
type WorkflowWorker struct {
	Runner       CycleRunner
	Interval     time.Duration
	InitialDelay time.Duration
	Logger       *logrus.Entry
}

func NewWorkflowWorker(runner CycleRunner, interval time.Duration) *WorkflowWorker {
	return &WorkflowWorker{
		Runner:       runner,
		Interval:     interval,
		InitialDelay: 10 * time.Second,
		Logger:       utils.Logger("workflow_worker"),
	}
}

func (ww *WorkflowWorker) Start(ctx context.Context) {
	// Let the server come up before the first cycle.
	select {
	case <-ctx.Done():
		return
	case <-time.After(ww.InitialDelay):
	}

	ww.Logger.WithField("interval", ww.Interval.String()).Info("Workflow worker started")
	ticker := time.NewTicker(ww.Interval)
	defer ticker.Stop()

	ww.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			ww.Logger.Info("Workflow worker shutting down...")
			return
		case <-ticker.C:
			ww.runOnce(ctx)
		}
	}
}

func (ww *WorkflowWorker) runOnce(ctx context.Context) {
	report, err := ww.Runner.RunCycle(ctx, services.CycleOptions{})
	if err != nil {
		utils.LogError("workflow_cycle_failed", err, nil)
		return
	}
	ww.Logger.WithFields(logrus.Fields{
		"due":         report.Due,
		"drafted":     report.Drafted,
		"errors":      report.Errors,
		"auto_paused": report.AutoPaused,
		"duration":    report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("Workflow cycle finished")
}
