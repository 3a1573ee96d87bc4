// Package engine wires the scheduler, the dispatcher and the runner into the automation engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smarthome-automations/internal/metrics"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/store"
	"smarthome-automations/internal/utils"

	"github.com/rs/zerolog"
)

// ErrInactive is returned when a manual run is requested for a disabled or draft automation
var ErrInactive = errors.New("automation is not active")

// Automations is the part of the automation store the engine reads
type Automations interface {
	AutomationSource
	ListActive(ctx context.Context) ([]models.Automation, error)
}

// Scheduler decides when triggers fire
type Scheduler interface {
	OnFire(fn func(models.EvaluationTask))
	Register(a *models.Automation)
	Remove(id uint64)
	Start() error
	Stop()
}

// Feed is a source of device state changes, such as the telemetry consumer
type Feed interface {
	Start(ctx context.Context) error
	Wait()
}

// Engine is the core automation engine
type Engine struct {
	automations Automations
	scheduler   Scheduler
	dispatcher  Dispatcher
	runner      *Runner
	feed        Feed
	hub         *LogHub
	now         func() time.Time
	log         zerolog.Logger

	cancel context.CancelFunc
}

// NewEngine creates a new engine instance. feed may be nil.
func NewEngine(automations Automations, sched Scheduler, dispatcher Dispatcher, runner *Runner, feed Feed, hub *LogHub) *Engine {
	return &Engine{
		automations: automations,
		scheduler:   sched,
		dispatcher:  dispatcher,
		runner:      runner,
		feed:        feed,
		hub:         hub,
		now:         time.Now,
		log:         utils.Component("engine"),
	}
}

// Hub returns the live log broadcaster
func (e *Engine) Hub() *LogHub {
	return e.hub
}

// Start loads active automations and starts the engine
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	e.scheduler.OnFire(func(task models.EvaluationTask) { e.submit(ctx, task) })

	active, err := e.automations.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load active automations: %w", err)
	}
	for i := range active {
		e.scheduler.Register(&active[i])
	}
	e.log.Info().Int("automations", len(active)).Msg("Active automations loaded")

	if e.feed != nil {
		if err := e.feed.Start(ctx); err != nil {
			return fmt.Errorf("start telemetry: %w", err)
		}
	}
	if err := e.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	e.log.Info().Msg("Engine started")
	return nil
}

// Stop stops firing triggers and waits for queued runs to finish
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.dispatcher.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	if e.feed != nil {
		e.feed.Wait()
	}
	e.log.Info().Msg("Engine stopped")
}

// RefreshAutomation reloads an automation into the scheduler after it was created or changed
func (e *Engine) RefreshAutomation(ctx context.Context, id uint64) error {
	a, err := e.automations.FindAnyByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.scheduler.Remove(id)
		return nil
	}
	if err != nil {
		return err
	}
	e.scheduler.Register(a)
	return nil
}

// SubscribeLogs streams log rows of one automation as they are written
func (e *Engine) SubscribeLogs(automationID uint64) (<-chan models.AutomationLog, func()) {
	return e.hub.Subscribe(automationID)
}

// RemoveAutomation stops scheduling a deleted automation
func (e *Engine) RemoveAutomation(id uint64) {
	e.scheduler.Remove(id)
}

// RunNow queues a manual run of an active automation
func (e *Engine) RunNow(ctx context.Context, a *models.Automation) error {
	if !a.Active() {
		return ErrInactive
	}
	now := e.now()
	task := models.EvaluationTask{
		AutomationID: a.ID,
		TriggerID:    models.ManualTriggerID,
		FiredAt:      now,
		EnqueuedAt:   now,
	}
	return e.dispatcher.Submit(task)
}

func (e *Engine) submit(ctx context.Context, task models.EvaluationTask) {
	err := e.dispatcher.Submit(task)
	if err == nil {
		return
	}
	metrics.DroppedTasks.WithLabelValues("queue").Inc()
	e.log.Warn().Err(err).Uint64("automation_id", task.AutomationID).Str("trigger_id", task.TriggerID).Msg("Evaluation task not queued")
	if errors.Is(err, ErrDispatcherStopped) {
		return
	}
	// the fire still gets its row, off the scheduler goroutine
	go func() {
		_ = e.runner.RecordFailure(context.WithoutCancel(ctx), task, fmt.Sprintf("not queued: %v", err))
	}()
}
