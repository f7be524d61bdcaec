// Package schedule triggers cron-scheduled functions. Every tick becomes a synthetic
// event whose ID is derived from the function and the tick time, so several workers
// running the same scheduler start each tick once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/dukex/durable/pkg/dispatcher"
	"github.com/dukex/durable/pkg/models"
)

var ErrAlreadyStarted = errors.New("scheduler already started")

var tickNamespace = uuid.MustParse("8f0e4c1a-27d3-4b6e-9a15-d0c3b7e2f946")

// Functions lists cron-triggered functions.
type Functions interface {
	Scheduled() []*models.FunctionDefinition
}

// Sink starts a run of one function for a synthetic event.
type Sink interface {
	DispatchFunction(ctx context.Context, event models.Event, functionID string) dispatcher.Result
}

type Scheduler struct {
	functions Functions
	sink      Sink
	clock     clockwork.Clock
	logger    *slog.Logger

	mu        sync.Mutex
	schedules map[string]*models.Schedule
	cron      *cron.Cron
	cancel    context.CancelFunc
}

func NewScheduler(functions Functions, sink Sink, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		functions: functions,
		sink:      sink,
		clock:     clock,
		logger:    logger.With("module", "scheduler"),
		schedules: make(map[string]*models.Schedule),
	}
}

// TickEventID is the synthetic event ID for one tick of a function.
func TickEventID(functionID string, tick time.Time) string {
	return uuid.NewSHA1(tickNamespace, []byte(functionID+"@"+tick.UTC().Format(time.RFC3339))).String()
}

// Load computes the next tick of every scheduled function without starting the cron
// loop. Start calls it; tests drive FireDue directly.
func (s *Scheduler) Load() error {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, def := range s.functions.Scheduled() {
		schedule, err := models.NewSchedule(def.ID, def.ID, def.Trigger.Cron, now)
		if err != nil {
			return fmt.Errorf("function %q: %w", def.ID, err)
		}

		s.schedules[def.ID] = schedule
	}

	return nil
}

// Start registers one cron job per scheduled function and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	started := s.cron != nil
	s.mu.Unlock()

	if started {
		return ErrAlreadyStarted
	}

	if err := s.Load(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		),
	)

	for id, schedule := range s.schedules {
		expr, err := models.ParseCron(schedule.CronExpression)
		if err != nil {
			s.cancel()
			s.cron = nil

			return fmt.Errorf("function %q: %w", id, err)
		}

		entryID := s.cron.Schedule(expr, cron.FuncJob(func() {
			s.fire(ctx, id)
		}))

		s.logger.Info("Scheduled function", "function_id", id, "cron", schedule.CronExpression,
			"next_due_at", schedule.NextDueAt, "entry_id", entryID)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "functions", len(s.schedules))

	return nil
}

// Stop halts the cron loop and waits for running ticks.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}

	cancel()
	s.logger.Info("Scheduler stopped")

	return nil
}

// Schedules returns a snapshot of the next tick per function.
func (s *Scheduler) Schedules() []models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, *schedule)
	}

	return out
}

// FireDue triggers every function whose tick is due and returns how many fired.
func (s *Scheduler) FireDue(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.schedules))
	for id := range s.schedules {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	fired := 0

	for _, id := range ids {
		if s.fire(ctx, id) {
			fired++
		}
	}

	return fired
}

func (s *Scheduler) fire(ctx context.Context, functionID string) bool {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	schedule, ok := s.schedules[functionID]
	if !ok || !schedule.IsDue(now) {
		s.mu.Unlock()

		return false
	}

	tick := schedule.NextDueAt
	expr := schedule.CronExpression

	if err := schedule.Advance(now); err != nil {
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "Failed to advance schedule", "function_id", functionID, "error", err)

		return false
	}
	s.mu.Unlock()

	event := models.Event{
		ID:   TickEventID(functionID, tick),
		Name: models.CronEventName,
		Data: models.MustPayload(map[string]any{
			"cron":         expr,
			"function_id":  functionID,
			"scheduled_at": tick.Format(time.RFC3339),
		}),
		Timestamp: now,
	}

	result := s.sink.DispatchFunction(ctx, event, functionID)
	logger := s.logger.With("function_id", functionID, "event_id", event.ID, "tick", tick)

	if result.Failed() {
		logger.ErrorContext(ctx, "Failed to start scheduled run", "error", result.Error)

		return false
	}

	logger.InfoContext(ctx, "Scheduled run triggered", "run_id", result.RunID, "status", result.Status)

	return true
}
