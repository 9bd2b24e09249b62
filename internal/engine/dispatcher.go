package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tevix/nodeflow/internal/metrics"
)

// ErrQueueFull is returned when the dispatch queue cannot accept more runs.
var ErrQueueFull = errors.New("dispatch queue is full")

// Dispatcher decouples run triggering from run execution: triggers enqueue a
// run ID and return, a bounded pool of workers drains the queue through the
// engine. Failed runs are already finalized by the engine, so the dispatcher
// only logs.
type Dispatcher struct {
	engine  *Engine
	pool    *WorkerPool
	queue   chan string
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewDispatcher creates a dispatcher with the given worker count and queue
// capacity. The engine's suspend path is wired to the worker pool so delayed
// runs release their slot while sleeping.
func NewDispatcher(e *Engine, workers, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool := NewWorkerPool(workers)
	e.SetPool(pool)
	return &Dispatcher{
		engine:  e,
		pool:    pool,
		queue:   make(chan string, queueSize),
		logger:  logger,
		metrics: m,
		stopped: make(chan struct{}),
	}
}

// Start launches the drain loop. It returns immediately; workers run until
// ctx is done or Shutdown is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case runID, ok := <-d.queue:
				if !ok {
					return
				}
				if d.metrics != nil {
					d.metrics.QueueDepth.Dec()
				}
				d.execute(ctx, runID)
			case <-ctx.Done():
				return
			case <-d.stopped:
				return
			}
		}
	}()
}

func (d *Dispatcher) execute(ctx context.Context, runID string) {
	err := d.pool.Submit(ctx, func(ctx context.Context) error {
		ok, err := d.engine.Execute(ctx, runID)
		if err != nil {
			d.logger.ErrorContext(ctx, "run execution failed", "run_id", runID, "error", err)
			return err
		}
		if !ok {
			d.logger.InfoContext(ctx, "run did not complete", "run_id", runID)
		}
		return nil
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to submit run", "run_id", runID, "error", err)
	}
}

// Enqueue adds a queued run to the dispatch queue without blocking.
func (d *Dispatcher) Enqueue(runID string) error {
	select {
	case <-d.stopped:
		return ErrPoolShutdown
	default:
	}
	select {
	case d.queue <- runID:
		if d.metrics != nil {
			d.metrics.QueueDepth.Inc()
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting runs and waits for in-flight executions.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
	d.wg.Wait()
	d.pool.Shutdown()
}
