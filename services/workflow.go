package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/utils"
)

// StepDrafter drafts the current step of an enrollment.
type StepDrafter interface {
	DraftStep(ctx context.Context, enrollmentID uint) (*models.Approval, error)
}

// CycleOptions bounds one workflow cycle.
type CycleOptions struct {
	Limit           int           `json:"limit" validate:"gte=0,lte=500"`
	Lookback        time.Duration `json:"lookback" validate:"gte=0"`
	ScoreBatchLimit int           `json:"score_batch_limit" validate:"gte=0"`
	DryRun          bool          `json:"dry_run"`
}

// CycleReport describes what a cycle did, or would have done in a dry run.
type CycleReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	DryRun     bool          `json:"dry_run"`
	Due        int           `json:"due"`
	Drafted    int           `json:"drafted"`
	Skipped    int           `json:"skipped"`
	Cancelled  int           `json:"cancelled"`
	Errors     int           `json:"errors"`
	AutoPaused int           `json:"auto_paused"`
	Monitor    MonitorResult `json:"monitor"`
	Scores     BatchResult   `json:"scores"`
	Actions    []string      `json:"actions,omitempty"`
}

// WorkflowRunner ties drafting, monitoring and scoring into one cycle.
type WorkflowRunner struct {
	db        *gorm.DB
	drafter   StepDrafter
	monitor   *Monitor
	scorer    *Scorer
	events    events.Publisher
	maxErrors int
	defaults  CycleOptions
	tracer    trace.Tracer
	now       func() time.Time
	log       *logrus.Entry
}

func NewWorkflowRunner(db *gorm.DB, drafter StepDrafter, monitor *Monitor, scorer *Scorer, publisher events.Publisher, maxErrors int, defaults CycleOptions) *WorkflowRunner {
	if maxErrors < 1 {
		maxErrors = 3
	}
	return &WorkflowRunner{
		db:        db,
		drafter:   drafter,
		monitor:   monitor,
		scorer:    scorer,
		events:    publisher,
		maxErrors: maxErrors,
		defaults:  defaults,
		tracer:    otel.Tracer("leadpilot/workflow"),
		now:       time.Now,
		log:       utils.Logger("workflow"),
	}
}

// RunCycle runs the three phases once. Per-enrollment failures are counted,
// never returned.
func (w *WorkflowRunner) RunCycle(ctx context.Context, opts CycleOptions) (*CycleReport, error) {
	if err := utils.ValidateStruct(opts); err != nil {
		return nil, err
	}
	if opts.Limit == 0 {
		opts.Limit = w.defaults.Limit
	}
	if opts.Lookback == 0 {
		opts.Lookback = w.defaults.Lookback
	}
	if opts.ScoreBatchLimit == 0 {
		opts.ScoreBatchLimit = w.defaults.ScoreBatchLimit
	}

	ctx, span := w.tracer.Start(ctx, "workflow.cycle", trace.WithAttributes(
		attribute.Int("workflow.limit", opts.Limit),
		attribute.Bool("workflow.dry_run", opts.DryRun),
	))
	defer span.End()

	report := &CycleReport{StartedAt: w.now(), DryRun: opts.DryRun}

	if err := w.processDue(ctx, opts, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if w.monitor != nil {
		phaseCtx, phase := w.tracer.Start(ctx, "workflow.monitor")
		res, err := w.monitor.Run(phaseCtx, opts.Lookback, opts.DryRun)
		if err != nil {
			phase.RecordError(err)
			w.log.WithError(err).Warn("Correspondence monitor phase failed")
		}
		report.Monitor = res
		phase.End()
	}

	if w.scorer != nil {
		if opts.DryRun {
			report.Actions = append(report.Actions, fmt.Sprintf("rescore up to %d prospects", opts.ScoreBatchLimit))
		} else {
			phaseCtx, phase := w.tracer.Start(ctx, "workflow.rescore")
			res, err := w.scorer.BatchRecalculate(phaseCtx, nil, opts.ScoreBatchLimit)
			if err != nil {
				phase.RecordError(err)
				w.log.WithError(err).Warn("Batch rescore phase failed")
			}
			report.Scores = res
			phase.End()
		}
	}

	report.FinishedAt = w.now()
	w.log.WithFields(logrus.Fields{
		"dry_run":     report.DryRun,
		"due":         report.Due,
		"drafted":     report.Drafted,
		"skipped":     report.Skipped,
		"cancelled":   report.Cancelled,
		"errors":      report.Errors,
		"auto_paused": report.AutoPaused,
		"duration":    report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("Workflow cycle finished")

	if w.events != nil && !opts.DryRun {
		w.events.Publish(events.TypeWorkflowCompleted, map[string]interface{}{
			"due":         report.Due,
			"drafted":     report.Drafted,
			"cancelled":   report.Cancelled,
			"errors":      report.Errors,
			"auto_paused": report.AutoPaused,
			"inbound":     report.Monitor.Processed,
			"rescored":    report.Scores.Succeeded,
		})
	}
	return report, nil
}

func (w *WorkflowRunner) processDue(ctx context.Context, opts CycleOptions, report *CycleReport) error {
	ctx, span := w.tracer.Start(ctx, "workflow.due_enrollments")
	defer span.End()

	// Steps with a draft still in review or awaiting delivery are not due.
	outstanding := w.db.Model(&models.Approval{}).
		Select("1").
		Joins("JOIN messages ON messages.id = approvals.message_id").
		Where("approvals.enrollment_id = enrollments.id AND approvals.kind = ? AND messages.step_number = enrollments.current_step AND messages.status IN ?",
			models.ApprovalKindSequenceStep, outstandingStatuses)

	var due []models.Enrollment
	if err := w.db.WithContext(ctx).
		Preload("Prospect").
		Where("enrollments.status = ? AND enrollments.next_fire_at IS NOT NULL AND enrollments.next_fire_at <= ?", models.EnrollmentActive, w.now()).
		Where("NOT EXISTS (?)", outstanding).
		Order("enrollments.next_fire_at ASC, enrollments.id ASC").
		Limit(opts.Limit).
		Find(&due).Error; err != nil {
		return utils.WrapError(utils.KindInternal, "workflow.due", err)
	}
	report.Due = len(due)
	span.SetAttributes(attribute.Int("workflow.due", len(due)))

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		e := &due[i]
		fields := logrus.Fields{"enrollment_id": e.ID, "prospect_id": e.ProspectID, "step": e.CurrentStep}

		if e.Prospect.Status.IsTerminal() {
			if opts.DryRun {
				report.Actions = append(report.Actions, fmt.Sprintf("cancel enrollment %d: prospect is %s", e.ID, e.Prospect.Status))
				report.Cancelled++
				continue
			}
			err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return TransitionEnrollment(tx, e, models.EnrollmentCancelled, "prospect is "+string(e.Prospect.Status), w.now())
			})
			if err != nil {
				report.Errors++
				w.log.WithError(err).WithFields(fields).Warn("Failed to cancel enrollment of closed prospect")
				continue
			}
			report.Cancelled++
			continue
		}

		if opts.DryRun {
			report.Actions = append(report.Actions, fmt.Sprintf("draft step %d for enrollment %d", e.CurrentStep, e.ID))
			report.Drafted++
			continue
		}

		if _, err := w.drafter.DraftStep(ctx, e.ID); err != nil {
			if errors.Is(err, ErrDraftOutstanding) {
				report.Skipped++
				continue
			}
			report.Errors++
			if paused := w.recordFailure(ctx, e, err); paused {
				report.AutoPaused++
			}
			continue
		}
		report.Drafted++
		if e.ErrorCount > 0 {
			w.db.WithContext(ctx).Model(e).Omit(clause.Associations).Updates(map[string]interface{}{"error_count": 0, "last_error": nil})
		}
	}
	return nil
}

// recordFailure counts a failed attempt and pauses the enrollment once the
// consecutive failure limit is reached. It reports whether it paused.
func (w *WorkflowRunner) recordFailure(ctx context.Context, e *models.Enrollment, cause error) bool {
	fields := map[string]interface{}{
		"enrollment_id": e.ID,
		"prospect_id":   e.ProspectID,
		"step":          e.CurrentStep,
		"error_count":   e.ErrorCount + 1,
	}
	utils.LogError("workflow_step_failed", cause, fields)

	paused := false
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		count := e.ErrorCount + 1
		if err := tx.Model(e).Omit(clause.Associations).Updates(map[string]interface{}{
			"error_count": count,
			"last_error":  cause.Error(),
		}).Error; err != nil {
			return err
		}
		if count < w.maxErrors {
			return nil
		}
		reason := fmt.Sprintf("auto-paused after %d consecutive failures", count)
		if err := TransitionEnrollment(tx, e, models.EnrollmentPaused, reason, w.now()); err != nil {
			return err
		}
		paused = true
		return nil
	})
	if err != nil {
		w.log.WithError(err).WithField("enrollment_id", e.ID).Error("Failed to record enrollment failure")
		return false
	}
	if paused {
		w.log.WithFields(logrus.Fields(fields)).Warn("Enrollment auto-paused")
		if w.events != nil {
			w.events.Publish(events.TypeEnrollmentChanged, map[string]interface{}{
				"enrollment_id": e.ID,
				"prospect_id":   e.ProspectID,
				"status":        models.EnrollmentPaused,
				"current_step":  e.CurrentStep,
				"reason":        "auto-paused",
			})
		}
	}
	return paused
}
