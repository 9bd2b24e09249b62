package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tevix/nodeflow/internal/store"
	"github.com/tevix/nodeflow/pkg/schema"
)

// RunDispatcher hands newly created runs to the execution layer. Satisfied
// by the engine dispatcher.
type RunDispatcher interface {
	Enqueue(runID string) error
}

// Scheduler polls the store for due schedules and queues a workflow run for
// each. Trigger information and the schedule's static payload travel with
// the run; the actual execution is the dispatcher's job.
type Scheduler struct {
	store      store.Store
	dispatcher RunDispatcher
	parser     cron.Parser
	logger     *slog.Logger
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently being queued
}

// New creates a Scheduler polling at the given interval. A non-positive
// interval defaults to one minute.
func New(s store.Store, d RunDispatcher, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      s,
		dispatcher: d,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     logger,
		interval:   interval,
		inflight:   make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queues runs for every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// fire creates a queued run from the schedule and hands it to the
// dispatcher, then advances the schedule's timestamps.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	var input map[string]any
	if len(sched.Payload) > 0 {
		if err := json.Unmarshal(sched.Payload, &input); err != nil {
			s.logger.Warn("schedule payload is not a JSON object, ignoring",
				slog.String("schedule_id", sched.ID))
		}
	}

	wf, err := s.store.GetWorkflow(ctx, sched.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow for schedule %q: %w", sched.ID, err)
	}
	if wf.Status != schema.WorkflowStatusActive {
		s.logger.Info("skipping schedule for inactive workflow",
			slog.String("schedule_id", sched.ID), slog.String("workflow_id", wf.ID))
		return s.advance(ctx, sched, now)
	}

	run := &store.WorkflowRun{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.RunStatusQueued,
		TriggeredBy: schema.TriggerInfo{
			Type:       "schedule",
			ScheduleID: sched.ID,
		},
		InputData: input,
		CreatedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run for schedule %q: %w", sched.ID, err)
	}
	if err := s.dispatcher.Enqueue(run.ID); err != nil {
		return fmt.Errorf("enqueue run %q: %w", run.ID, err)
	}

	s.logger.Info("scheduled run queued",
		slog.String("schedule_id", sched.ID),
		slog.String("run_id", run.ID),
		slog.String("workflow_id", wf.ID),
	)
	return s.advance(ctx, sched, now)
}

func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, now time.Time) error {
	next, err := s.NextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	})
}

// tryAcquire marks a schedule as being processed, returning false when it
// already is.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
