package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dukex/durable/pkg/failures"
	"github.com/dukex/durable/pkg/models"
)

// ErrNoEventSender is returned by SendEvent when the engine was built without one.
var ErrNoEventSender = errors.New("engine has no event sender")

// FailureContext is what a failure hook learns about the run that failed.
type FailureContext struct {
	Error   error
	Event   models.Event
	Attempt int
}

// Step is the durable toolkit handed to a function body. Every call is keyed by
// its name and the number of times that name was used before in the same pass, so
// the body must issue steps in a deterministic order.
type Step struct {
	x       *execution
	prefix  string
	failure *FailureContext

	mu    sync.Mutex
	group *errgroup.Group
}

func (s *Step) RunID() string {
	return s.x.run.ID
}

func (s *Step) FunctionID() string {
	return s.x.run.FunctionID
}

// Attempt is the number of failed passes of the body so far.
func (s *Step) Attempt() int {
	return s.x.run.Attempt
}

// Failure is set only inside a failure hook.
func (s *Step) Failure() *FailureContext {
	return s.failure
}

// Run executes fn at most once per attempt and returns its recorded result on
// every later pass.
func Run[T any](ctx context.Context, s *Step, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return decode[T](s.run(ctx, name, nil, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}))
}

// RunWithInput is Run with an input that is fingerprinted into the ledger. A
// replay with a different input fails the run as non-deterministic.
func RunWithInput[T, I any](ctx context.Context, s *Step, name string, input I, fn func(ctx context.Context, input I) (T, error)) (T, error) {
	return decode[T](s.run(ctx, name, input, func(ctx context.Context) (any, error) {
		return fn(ctx, input)
	}))
}

func (s *Step) run(ctx context.Context, name string, input any, fn func(ctx context.Context) (any, error)) (models.Payload, error) {
	key := s.x.key(s.prefix, name)

	return s.x.step(ctx, key, name, models.StepKindRun, input, encoded(fn))
}

// Sleep parks the run for d. The wake time is fixed the first time the step runs.
func (s *Step) Sleep(ctx context.Context, name string, d time.Duration) error {
	return s.sleep(ctx, name, d, func(now time.Time) time.Time {
		return now.Add(d)
	})
}

// SleepUntil parks the run until t. A time in the past does not suspend.
func (s *Step) SleepUntil(ctx context.Context, name string, t time.Time) error {
	return s.sleep(ctx, name, t.UTC(), func(time.Time) time.Time {
		return t
	})
}

func (s *Step) sleep(ctx context.Context, name string, input any, wakeAt func(now time.Time) time.Time) error {
	x := s.x
	key := x.key(s.prefix, name)

	result, err := x.step(ctx, key, name, models.StepKindSleep, input, func(context.Context) (models.Payload, error) {
		return models.NewPayload(wakeAt(x.e.clock.Now()).UTC())
	})
	if err != nil {
		return err
	}

	var wake time.Time
	if err := result.Decode(&wake); err != nil {
		return failures.Terminal(fmt.Errorf("failed to decode wake time of %s: %w", key, err))
	}

	if x.e.clock.Now().Before(wake) {
		return x.park(&Interrupt{Kind: models.TimerKindSleep, StepKey: key, WakeAt: wake})
	}

	return nil
}

// SendEvent publishes events exactly once per run. Events without an ID get one
// derived from the run and step, so downstream fan-out deduplicates replays.
func (s *Step) SendEvent(ctx context.Context, name string, events ...models.EventInput) ([]string, error) {
	x := s.x
	key := x.key(s.prefix, name)

	result, err := x.step(ctx, key, name, models.StepKindSendEvent, events, func(ctx context.Context) (models.Payload, error) {
		if x.e.events == nil {
			return models.Payload{}, failures.Terminal(ErrNoEventSender)
		}

		inputs := make([]models.EventInput, len(events))
		ids := make([]string, len(events))

		for i, event := range events {
			if event.ID == "" {
				event.ID = uuid.NewSHA1(eventNamespace, []byte(x.run.ID+"/"+key+"/"+strconv.Itoa(i))).String()
			}

			inputs[i] = event
			ids[i] = event.ID
		}

		if err := x.e.events.SendEvents(ctx, inputs); err != nil {
			return models.Payload{}, err
		}

		return models.NewPayload(ids)
	})

	return decode[[]string](result, err)
}

// Future is a step started with Go.
type Future struct {
	key    string
	done   chan struct{}
	result models.Payload
	err    error
}

func (f *Future) Key() string {
	return f.key
}

// Go starts a step concurrently with the body. Its key is assigned at call time, so
// fan-out is as deterministic as sequential steps. A failing branch does not
// cancel its siblings: their results are still recorded.
func (s *Step) Go(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) *Future {
	key := s.x.key(s.prefix, name)
	f := &Future{key: key, done: make(chan struct{})}

	s.branches().Go(func() error {
		defer close(f.done)

		f.result, f.err = s.x.step(ctx, key, name, models.StepKindRun, nil, encoded(fn))

		return nil
	})

	return f
}

// Join waits for futures. It returns the suspension when any branch, or any other
// step of the pass, could not finish; otherwise the joined branch errors.
func (s *Step) Join(ctx context.Context, futures ...*Future) error {
	var errs []error

	for _, f := range futures {
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		if f.err != nil && !IsInterrupt(f.err) {
			errs = append(errs, f.err)
		}
	}

	if err := s.x.blocked(); err != nil {
		return err
	}

	return errors.Join(errs...)
}

// Await waits for one future and decodes its result.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T

	select {
	case <-f.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	return decode[T](f.result, f.err)
}

func (s *Step) branches() *errgroup.Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group == nil {
		s.group = &errgroup.Group{}
		s.group.SetLimit(s.x.e.fanOut)
	}

	return s.group
}

// wait blocks until every future of the pass settled.
func (s *Step) wait() {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()

	if group != nil {
		_ = group.Wait()
	}
}

func encoded(fn func(ctx context.Context) (any, error)) func(ctx context.Context) (models.Payload, error) {
	return func(ctx context.Context) (models.Payload, error) {
		v, err := fn(ctx)
		if err != nil {
			return models.Payload{}, err
		}

		payload, err := models.NewPayload(v)
		if err != nil {
			return models.Payload{}, failures.Terminal(fmt.Errorf("failed to encode step result: %w", err))
		}

		return payload, nil
	}
}

func decode[T any](p models.Payload, err error) (T, error) {
	var out T

	if err != nil || p.IsZero() {
		return out, err
	}

	if err := p.Decode(&out); err != nil {
		return out, failures.Terminal(fmt.Errorf("failed to decode step result: %w", err))
	}

	return out, nil
}
