// Package timer persists durable wake-ups and turns due ones into work items.
//
// Sleeping runs hold no worker: a wake is a row in the timer store and the poller
// re-enqueues the run when it comes due.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/queue"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 100

	// DefaultClaimTTL is how long a fired timer stays hidden from other pollers. A
	// poller that crashes between enqueue and completion re-fires it after this.
	DefaultClaimTTL = 30 * time.Second
)

// Resume says what a wake resumes.
type Resume struct {
	Kind    models.TimerKind
	StepKey string
}

// FiredObserver is told about every timer turned into a work item.
type FiredObserver func(kind models.TimerKind, lateness time.Duration)

type Service struct {
	timers   persistence.TimerRepository
	queue    queue.Queue
	clock    clockwork.Clock
	logger   *slog.Logger
	interval time.Duration
	batch    int
	claimTTL time.Duration
	observer FiredObserver

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

type Option func(*Service)

func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithClaimTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

func WithObserver(observer FiredObserver) Option {
	return func(s *Service) {
		s.observer = observer
	}
}

func NewService(timers persistence.TimerRepository, q queue.Queue, clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		timers:   timers,
		queue:    q,
		clock:    clock,
		logger:   logger.With("module", "timer"),
		interval: DefaultPollInterval,
		batch:    DefaultBatchSize,
		claimTTL: DefaultClaimTTL,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ScheduleWake upserts the wake for (runID, kind, step). Issuing the same wake again
// replaces it instead of adding a second one.
func (s *Service) ScheduleWake(ctx context.Context, runID string, fireAt time.Time, resume Resume) (*models.TimerEntry, error) {
	entry := &models.TimerEntry{
		ID:        models.TimerID(runID, resume.Kind, resume.StepKey),
		RunID:     runID,
		FireAt:    fireAt.UTC(),
		Kind:      resume.Kind,
		StepKey:   resume.StepKey,
		CreatedAt: s.clock.Now().UTC(),
	}

	if err := s.timers.SaveTimer(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to schedule %s wake for run %s: %w", resume.Kind, runID, err)
	}

	return entry, nil
}

// Cancel removes a single wake; a missing entry is not an error.
func (s *Service) Cancel(ctx context.Context, timerID string) error {
	err := s.timers.DeleteTimer(ctx, timerID)
	if err != nil && !errors.Is(err, persistence.ErrTimerNotFound) {
		return err
	}

	return nil
}

// CancelWake removes every pending wake of a run.
func (s *Service) CancelWake(ctx context.Context, runID string) error {
	return s.timers.DeleteTimersByRun(ctx, runID)
}

// Pending lists a run's wakes.
func (s *Service) Pending(ctx context.Context, runID string) ([]*models.TimerEntry, error) {
	return s.timers.TimersByRun(ctx, runID)
}

// FireDue enqueues every due wake in fire order and returns how many it fired.
func (s *Service) FireDue(ctx context.Context) (int, error) {
	now := s.clock.Now()

	due, err := s.timers.DueTimers(ctx, now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to load due timers: %w", err)
	}

	fired := 0

	for _, candidate := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}

		ok, err := s.fire(ctx, candidate.ID, now)
		if err != nil {
			return fired, err
		}

		if ok {
			fired++
		}
	}

	return fired, nil
}

func (s *Service) fire(ctx context.Context, id string, now time.Time) (bool, error) {
	entry, err := s.timers.ClaimTimer(ctx, id, now, now.Add(s.claimTTL))
	if errors.Is(err, persistence.ErrTimerClaimed) || errors.Is(err, persistence.ErrTimerNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to claim timer %s: %w", id, err)
	}

	// re-saved with a later fire time between listing and claiming
	if entry.FireAt.After(now) {
		return false, s.timers.SaveTimer(ctx, entry)
	}

	err = s.queue.Enqueue(ctx, models.WorkItem{
		RunID:      entry.RunID,
		Reason:     models.WorkReasonTimer,
		TimerID:    entry.ID,
		TimerKind:  entry.Kind,
		EnqueuedAt: now,
	})
	if err != nil {
		// the claim expires and another poll retries
		return false, fmt.Errorf("failed to enqueue timer %s: %w", id, err)
	}

	if err := s.timers.CompleteTimer(ctx, entry); err != nil && !errors.Is(err, persistence.ErrTimerNotFound) {
		s.logger.WarnContext(ctx, "Failed to complete fired timer", "timer_id", id, "error", err)
	}

	s.logger.DebugContext(ctx, "Timer fired",
		"timer_id", id, "run_id", entry.RunID, "kind", entry.Kind, "fire_at", entry.FireAt)

	if s.observer != nil {
		s.observer(entry.Kind, now.Sub(entry.FireAt))
	}

	return true, nil
}

// Start runs the poller until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(s.interval)

	go s.poll(ctx, ticker)

	s.logger.InfoContext(ctx, "Timer poller started", "interval", s.interval)

	return nil
}

func (s *Service) poll(ctx context.Context, ticker clockwork.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for {
				fired, err := s.FireDue(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.ErrorContext(ctx, "Failed to fire due timers", "error", err)
					}

					break
				}

				// a full batch means more may be due already
				if fired < s.batch {
					break
				}
			}
		}
	}
}

// Stop halts the poller and waits for the current poll to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	close(s.stop)

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.started = false
	s.logger.InfoContext(ctx, "Timer poller stopped")

	return nil
}
