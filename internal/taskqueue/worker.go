// Package taskqueue carries evaluation tasks through Redis with asynq, so runs survive
// restarts of the process that fired them and can be spread over several workers.
package taskqueue

import (
	"context"
	"fmt"
	"time"

	"smarthome-automations/internal/models"
	"smarthome-automations/internal/utils"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Handler runs one evaluation task
type Handler interface {
	Run(ctx context.Context, task models.EvaluationTask) error
}

// Dispatcher enqueues fired triggers to asynq and runs them on an asynq server
type Dispatcher struct {
	client  *asynq.Client
	server  *asynq.Server
	handler Handler
	timeout time.Duration
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher backed by the given Redis connection
func NewDispatcher(opt asynq.RedisConnOpt, workers int, timeout time.Duration, handler Handler) *Dispatcher {
	logger := utils.Component("taskqueue")
	return &Dispatcher{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: workers,
			Queues:      map[string]int{Queue: 1},
			Logger:      asynqLogger{logger},
		}),
		handler: handler,
		timeout: timeout,
		log:     logger,
	}
}

// Start starts processing tasks in the background
func (d *Dispatcher) Start(context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeEvaluateAutomation, d.ProcessTask)
	if err := d.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	d.log.Info().Msg("Asynq dispatcher started")
	return nil
}

// Submit enqueues a task. Missed fires are never re-driven, so tasks are not retried.
func (d *Dispatcher) Submit(task models.EvaluationTask) error {
	t, err := NewEvaluationTask(task)
	if err != nil {
		return err
	}
	info, err := d.client.Enqueue(t, asynq.Queue(Queue), asynq.MaxRetry(0), asynq.Timeout(d.timeout))
	if err != nil {
		return fmt.Errorf("enqueue evaluation of automation %d: %w", task.AutomationID, err)
	}
	d.log.Debug().Str("task_id", info.ID).Uint64("automation_id", task.AutomationID).Msg("Evaluation task enqueued")
	return nil
}

// ProcessTask handles one evaluate_automation task
func (d *Dispatcher) ProcessTask(ctx context.Context, t *asynq.Task) error {
	task, err := ParseEvaluationTask(t)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return d.handler.Run(ctx, task)
}

// Stop waits for running tasks and closes the Redis connections
func (d *Dispatcher) Stop() {
	d.server.Shutdown()
	if err := d.client.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close asynq client")
	}
	d.log.Info().Msg("Asynq dispatcher stopped")
}

type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
