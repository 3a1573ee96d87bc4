package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"smarthome-automations/internal/automation"
	"smarthome-automations/internal/metrics"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/store"
	"smarthome-automations/internal/utils"

	"github.com/rs/zerolog"
)

// AutomationSource loads automations regardless of owner
type AutomationSource interface {
	FindAnyByID(ctx context.Context, id uint64) (*models.Automation, error)
}

// LogWriter appends execution log rows
type LogWriter interface {
	Append(ctx context.Context, l *models.AutomationLog) error
}

// Runner evaluates one fired trigger and records its outcome
type Runner struct {
	automations AutomationSource
	logs        LogWriter
	evaluator   *automation.Evaluator
	executor    *automation.Executor
	hub         *LogHub
	locks       keyedMutex
	now         func() time.Time
	log         zerolog.Logger
}

// NewRunner creates a runner that evaluates with evaluator, acts with executor and publishes rows to hub
func NewRunner(automations AutomationSource, logs LogWriter, evaluator *automation.Evaluator, executor *automation.Executor, hub *LogHub) *Runner {
	return &Runner{
		automations: automations,
		logs:        logs,
		evaluator:   evaluator,
		executor:    executor,
		hub:         hub,
		now:         time.Now,
		log:         utils.Component("runner"),
	}
}

// Run evaluates a task. Runs of the same automation never overlap. Every task that is not
// cancelled ends with exactly one log row, including runs that panic.
func (r *Runner) Run(ctx context.Context, task models.EvaluationTask) error {
	unlock := r.locks.Lock(task.AutomationID)
	defer unlock()

	start := r.now()
	if !task.EnqueuedAt.IsZero() {
		metrics.QueueLatency.Observe(start.Sub(task.EnqueuedAt).Seconds())
	}

	status, details, record := r.execute(ctx, task)
	if !record {
		return nil
	}
	err := r.append(ctx, task.AutomationID, status, details)
	metrics.RunDuration.Observe(r.now().Sub(start).Seconds())
	return err
}

// RecordFailure writes a failed row for a task that could not be run at all
func (r *Runner) RecordFailure(ctx context.Context, task models.EvaluationTask, reason string) error {
	return r.append(ctx, task.AutomationID, models.StatusFailed, header(task)+"\n"+reason)
}

func (r *Runner) append(ctx context.Context, automationID uint64, status models.RunStatus, details string) error {
	row := models.AutomationLog{
		AutomationID: automationID,
		ExecutedAt:   r.now(),
		Status:       status,
		Details:      details,
	}
	// the row outlives the run, so a timed out task is still recorded
	if err := r.logs.Append(context.WithoutCancel(ctx), &row); err != nil {
		r.log.Error().Err(err).Uint64("automation_id", automationID).Str("status", string(status)).Msg("Failed to write run log")
		return err
	}
	metrics.Runs.WithLabelValues(string(status)).Inc()
	r.log.Info().Uint64("automation_id", automationID).Str("status", string(status)).Msg("Run recorded")
	if r.hub != nil {
		r.hub.Publish(row)
	}
	return nil
}

// execute returns the run outcome, or record=false when the task was cancelled
func (r *Runner) execute(ctx context.Context, task models.EvaluationTask) (status models.RunStatus, details string, record bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Uint64("automation_id", task.AutomationID).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("Run panicked")
			status, details, record = models.StatusFailed, fmt.Sprintf("%s\ninternal error: %v", header(task), p), true
		}
	}()

	a, err := r.automations.FindAnyByID(ctx, task.AutomationID)
	if errors.Is(err, store.ErrNotFound) {
		r.drop(task, "deleted")
		return "", "", false
	}
	if err != nil {
		return models.StatusFailed, fmt.Sprintf("%s\ninternal error: load automation: %v", header(task), err), true
	}
	if reason := cancelReason(a, task); reason != "" {
		r.drop(task, reason)
		return "", "", false
	}

	res, err := r.evaluator.Evaluate(ctx, a.Conditions, r.now())
	if err != nil {
		return models.StatusFailed, fmt.Sprintf("%s\ninternal error: %v", header(task), err), true
	}
	if !res.Passed {
		return models.StatusSkipped, fmt.Sprintf("%s\ncondition #%d (%s) not met: %s",
			header(task), res.FailedIndex, res.FailedType, res.Reason), true
	}

	outcomes := r.executor.Execute(ctx, a)
	for _, o := range outcomes {
		if !o.OK {
			metrics.ActionFailures.WithLabelValues(string(o.Type)).Inc()
		}
	}
	lines := []string{header(task)}
	if res.Stale {
		lines = append(lines, "stale device data: "+strings.Join(res.StaleFields, ", "))
	}
	lines = append(lines, automation.DescribeOutcomes(outcomes))
	return automation.DeriveStatus(outcomes, res.Stale), strings.Join(lines, "\n"), true
}

// cancelReason reports why a task must not run. Tasks queued before the automation was last
// activated belong to an earlier activation and are dropped.
func cancelReason(a *models.Automation, task models.EvaluationTask) string {
	switch {
	case a.IsDraft:
		return "draft"
	case !a.Enabled:
		return "disabled"
	case task.Manual():
		return ""
	case a.ActivatedAt != nil && task.EnqueuedAt.Before(*a.ActivatedAt):
		return "superseded"
	}
	if _, ok := a.FindTrigger(task.TriggerID); !ok {
		return "trigger removed"
	}
	return ""
}

func (r *Runner) drop(task models.EvaluationTask, reason string) {
	metrics.DroppedTasks.WithLabelValues(reason).Inc()
	r.log.Debug().
		Uint64("automation_id", task.AutomationID).
		Str("trigger_id", task.TriggerID).
		Str("reason", reason).
		Msg("Task cancelled")
}

func header(task models.EvaluationTask) string {
	if task.Manual() {
		return "manual run"
	}
	return fmt.Sprintf("trigger %s (%s) fired at %s", task.TriggerID, task.TriggerType, task.FiredAt.Format(time.RFC3339))
}
