package engine

import (
	"context"
	"errors"
	"sync"

	"smarthome-automations/internal/metrics"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/utils"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

var (
	ErrQueueFull         = errors.New("evaluation queue is full")
	ErrDispatcherStopped = errors.New("dispatcher is stopped")
)

// Dispatcher moves evaluation tasks off the scheduler's goroutine. Submit must not block.
type Dispatcher interface {
	Start(ctx context.Context) error
	Submit(task models.EvaluationTask) error
	Stop()
}

// TaskHandler runs one evaluation task
type TaskHandler interface {
	Run(ctx context.Context, task models.EvaluationTask) error
}

// LocalDispatcher runs tasks in-process on a bounded worker pool. Tasks of one automation run
// in submission order on a single worker; while it is busy, later tasks wait in that
// automation's pending list instead of occupying other workers.
type LocalDispatcher struct {
	handler TaskHandler
	workers int
	size    int
	ready   chan models.EvaluationTask
	log     zerolog.Logger

	mu      sync.Mutex
	queued  int
	busy    map[uint64]bool
	pending map[uint64][]models.EvaluationTask
	stopped bool
	done    chan struct{}
}

// NewLocalDispatcher creates a dispatcher with the given number of workers that holds at most
// queueSize tasks waiting to run
func NewLocalDispatcher(handler TaskHandler, workers, queueSize int) *LocalDispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &LocalDispatcher{
		handler: handler,
		workers: workers,
		size:    queueSize,
		ready:   make(chan models.EvaluationTask, queueSize),
		log:     utils.Component("dispatcher"),
		busy:    make(map[uint64]bool),
		pending: make(map[uint64][]models.EvaluationTask),
		done:    make(chan struct{}),
	}
}

// Start runs queued tasks until Stop is called
func (d *LocalDispatcher) Start(ctx context.Context) error {
	go func() {
		defer close(d.done)
		p := pool.New().WithMaxGoroutines(d.workers)
		for task := range d.ready {
			task := task
			p.Go(func() { d.drain(ctx, task) })
		}
		p.Wait()
	}()
	d.log.Info().Int("workers", d.workers).Int("queue_size", d.size).Msg("Local dispatcher started")
	return nil
}

// drain runs task and then the tasks queued behind it for the same automation
func (d *LocalDispatcher) drain(ctx context.Context, task models.EvaluationTask) {
	for {
		d.mu.Lock()
		d.queued--
		metrics.QueueDepth.Set(float64(d.queued))
		d.mu.Unlock()

		if err := d.handler.Run(ctx, task); err != nil {
			d.log.Error().Err(err).Uint64("automation_id", task.AutomationID).Msg("Evaluation task failed")
		}

		d.mu.Lock()
		next := d.pending[task.AutomationID]
		if len(next) == 0 {
			delete(d.pending, task.AutomationID)
			delete(d.busy, task.AutomationID)
			d.mu.Unlock()
			return
		}
		task = next[0]
		if len(next) == 1 {
			delete(d.pending, task.AutomationID)
		} else {
			d.pending[task.AutomationID] = next[1:]
		}
		d.mu.Unlock()
	}
}

// Submit queues a task, failing fast when the queue is full
func (d *LocalDispatcher) Submit(task models.EvaluationTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if d.queued >= d.size {
		return ErrQueueFull
	}
	d.queued++
	metrics.QueueDepth.Set(float64(d.queued))
	if d.busy[task.AutomationID] {
		d.pending[task.AutomationID] = append(d.pending[task.AutomationID], task)
		return nil
	}
	d.busy[task.AutomationID] = true
	// ready holds at most one task per queued slot, so this never blocks
	d.ready <- task
	return nil
}

// Stop stops accepting tasks and waits for queued and running tasks to finish.
// It must be called after Start.
func (d *LocalDispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.ready)
	d.mu.Unlock()

	<-d.done
	d.log.Info().Msg("Local dispatcher stopped")
}
