// Package admission gates step execution behind per-function concurrency and
// throttle limits.
//
// Gate state lives in the store as one versioned record per function, and every
// decision is a compare-and-swap on it, so a fleet of workers shares one set of
// limits and a restart loses nothing.
//
// The concurrency gate is a counting semaphore with a FIFO wait list: a released slot
// is reserved for the head waiter, whose run is re-enqueued through OnGrant. Holders
// carry an expiry so a crashed worker's slot comes back.
//
// The throttle gate is not a refilling token bucket. It keeps a sliding log of start
// times and hands waiters FIFO start reservations, so no rolling period ever sees more
// than the limit and each waiter knows exactly when it may start.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dukex/durable/pkg/failures"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

const (
	GateConcurrency = "concurrency"
	GateThrottle    = "throttle"

	// DefaultGrace is how long a slot handed to a waiter stays reserved for it.
	DefaultGrace = 30 * time.Second

	// DefaultHold is how long a holder keeps its slot without releasing it.
	DefaultHold = 5 * time.Minute
)

// ErrContended is returned when the gate state kept changing under every attempt.
var ErrContended = errors.New("admission state contended")

// Limits are the gates of one function. A nil gate is open.
type Limits struct {
	Concurrency *models.Limit
	Throttle    *models.Limit
}

// LimitsOf extracts the gates of a definition.
func LimitsOf(def *models.FunctionDefinition) Limits {
	return Limits{Concurrency: def.Concurrency, Throttle: def.Throttle}
}

// Waiter identifies one step of one run asking to execute. Hold overrides how long
// a granted slot survives without a Release.
type Waiter struct {
	RunID   string
	StepKey string
	Hold    time.Duration
}

func (w Waiter) key() string {
	return w.RunID + "/" + w.StepKey
}

// Grant is the outcome of Acquire. When Granted is false the caller suspends and
// comes back at WaitUntil (throttle) or when OnGrant fires (concurrency).
type Grant struct {
	Granted   bool
	Gate      string
	WaitUntil time.Time
	Deadline  time.Time
}

// Stats is a snapshot of one function's gates.
type Stats struct {
	Active    int
	Reserved  int
	Queued    int
	Throttled int
}

func statsOf(st *models.AdmissionState) Stats {
	return Stats{
		Active:    len(st.Holders),
		Reserved:  len(st.Reserved),
		Queued:    len(st.Queue),
		Throttled: len(st.Scheduled),
	}
}

type Controller struct {
	store      persistence.AdmissionRepository
	grace      time.Duration
	hold       time.Duration
	newBackOff func() backoff.BackOff
	logger     *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	stats   map[string]Stats
	onGrant func(runID string)
}

type Option func(*Controller)

// WithGrace sets how long a handed-over slot waits for its run.
func WithGrace(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithHold sets how long a slot survives a holder that never releases it.
func WithHold(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.hold = d
		}
	}
}

// WithOnGrant registers the callback told when a queued run got a slot.
func WithOnGrant(fn func(runID string)) Option {
	return func(c *Controller) {
		c.onGrant = fn
	}
}

// WithBackOff sets the retry schedule used when another worker changed the gate
// state between read and write.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Controller) {
		c.newBackOff = newBackOff
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0

	return backoff.WithMaxRetries(b, 100)
}

func NewController(store persistence.AdmissionRepository, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:      store,
		grace:      DefaultGrace,
		hold:       DefaultHold,
		newBackOff: defaultBackOff,
		logger:     logger.With("module", "admission"),
		locks:      make(map[string]*sync.Mutex),
		stats:      make(map[string]Stats),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OnGrant replaces the grant callback. The engine wires itself in after construction.
func (c *Controller) OnGrant(fn func(runID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onGrant = fn
}

func (c *Controller) lock(functionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[functionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[functionID] = l
	}

	return l
}

// update applies fn to the stored state of a function and saves it, starting over
// whenever another writer won the race. Runs promoted by fn are notified after the
// write commits. fn's own error is returned once its state change is saved.
func (c *Controller) update(ctx context.Context, functionID string, now time.Time, fn func(st *models.AdmissionState) ([]string, error)) error {
	// one writer per function inside this process, so only other workers can conflict
	l := c.lock(functionID)
	l.Lock()

	var (
		promoted []string
		fnErr    error
	)

	op := func() error {
		st, err := c.store.AdmissionState(ctx, functionID)
		if err != nil {
			return backoff.Permanent(err)
		}

		st.Init()
		expected := st.Version

		promoted, fnErr = fn(st)
		st.UpdatedAt = now

		err = c.store.SaveAdmissionState(ctx, st, expected)
		if persistence.IsVersionConflict(err) {
			return err
		}

		if err != nil {
			return backoff.Permanent(err)
		}

		c.remember(functionID, statsOf(st))

		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))

	l.Unlock()

	if persistence.IsVersionConflict(err) {
		return fmt.Errorf("%w: %s", ErrContended, functionID)
	}

	if err != nil {
		return fmt.Errorf("failed to update admission state of %s: %w", functionID, err)
	}

	c.notify(promoted)

	return fnErr
}

func (c *Controller) remember(functionID string, s Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats[functionID] = s
}

// Acquire evaluates the throttle gate and then the concurrency gate for w. A granted
// concurrency slot must be given back with Release once the step returns.
func (c *Controller) Acquire(ctx context.Context, functionID string, limits Limits, w Waiter, now time.Time) (Grant, error) {
	if limits.Concurrency == nil && limits.Throttle == nil {
		return Grant{Granted: true}, nil
	}

	var grant Grant

	err := c.update(ctx, functionID, now, func(st *models.AdmissionState) ([]string, error) {
		var (
			promoted []string
			err      error
		)

		grant, promoted, err = c.acquire(functionID, st, limits, w, now)

		return promoted, err
	})
	if err != nil {
		return Grant{}, err
	}

	return grant, nil
}

func (c *Controller) acquire(functionID string, st *models.AdmissionState, limits Limits, w Waiter, now time.Time) (Grant, []string, error) {
	key := w.key()

	if limits.Throttle != nil {
		grant, err := c.throttle(functionID, st, *limits.Throttle, key, now)
		if err != nil || !grant.Granted {
			return grant, nil, err
		}
	}

	if limits.Concurrency == nil {
		delete(st.Passes, key)

		return Grant{Granted: true}, nil, nil
	}

	st.Limit = limits.Concurrency.Limit
	promoted := c.expire(functionID, st, now)

	grant, err := c.concurrency(functionID, st, *limits.Concurrency, w, now)
	if err != nil {
		delete(st.Passes, key)
	}

	return grant, promoted, err
}

func (c *Controller) throttle(functionID string, st *models.AdmissionState, limit models.Limit, key string, now time.Time) (Grant, error) {
	if _, ok := st.Passes[key]; ok {
		return Grant{Granted: true}, nil
	}

	if at, ok := st.Scheduled[key]; ok {
		if now.Before(at) {
			return Grant{Gate: GateThrottle, WaitUntil: at}, nil
		}

		delete(st.Scheduled, key)
		st.Passes[key] = now

		return Grant{Granted: true}, nil
	}

	prune(st, now, limit.Period)

	at := nextStart(st, now, limit)
	if !at.After(now) {
		st.Starts = append(st.Starts, now)
		st.Passes[key] = now

		return Grant{Granted: true}, nil
	}

	wait := at.Sub(now)
	if limit.MaxWait > 0 && wait > limit.MaxWait {
		return Grant{}, &failures.AdmissionTimeoutError{
			FunctionID: functionID,
			Gate:       GateThrottle,
			Waited:     wait,
			Retriable:  limit.RetryOnTimeout,
		}
	}

	st.Starts = append(st.Starts, at)
	st.Scheduled[key] = at

	c.logger.Debug("Throttled step start",
		"function_id", functionID, "waiter", key, "start_at", at)

	return Grant{Gate: GateThrottle, WaitUntil: at}, nil
}

// prune drops starts that no longer fall in any window ending at or after now.
func prune(st *models.AdmissionState, now time.Time, period time.Duration) {
	cutoff := now.Add(-period)

	i := 0
	for i < len(st.Starts) && !st.Starts[i].After(cutoff) {
		i++
	}

	st.Starts = st.Starts[i:]
}

// nextStart is the earliest time not before now and not before any reserved start
// at which one more start keeps every rolling period at or under the limit.
func nextStart(st *models.AdmissionState, now time.Time, limit models.Limit) time.Time {
	at := now
	if n := len(st.Starts); n > 0 && st.Starts[n-1].After(at) {
		at = st.Starts[n-1]
	}

	windowStart := at.Add(-limit.Period)

	i := 0
	for i < len(st.Starts) && !st.Starts[i].After(windowStart) {
		i++
	}

	inWindow := st.Starts[i:]
	if len(inWindow) < limit.Limit {
		return at
	}

	// wait until enough of the window's starts have aged out
	return inWindow[len(inWindow)-limit.Limit].Add(limit.Period)
}

func (c *Controller) holdFor(w Waiter) time.Duration {
	if w.Hold > 0 {
		return w.Hold
	}

	return c.hold
}

func (c *Controller) concurrency(functionID string, st *models.AdmissionState, limit models.Limit, w Waiter, now time.Time) (Grant, error) {
	key := w.key()
	hold := models.AdmissionHold{RunID: w.RunID, Until: now.Add(c.holdFor(w))}

	if _, ok := st.Holders[key]; ok {
		st.Holders[key] = hold

		return Grant{Granted: true}, nil
	}

	if _, ok := st.Reserved[key]; ok {
		delete(st.Reserved, key)
		st.Holders[key] = hold

		return Grant{Granted: true}, nil
	}

	pos := position(st, key)
	if len(st.Holders)+len(st.Reserved) < limit.Limit && (len(st.Queue) == 0 || pos == 0) {
		if pos == 0 {
			st.Queue = st.Queue[1:]
		}

		st.Holders[key] = hold

		return Grant{Granted: true}, nil
	}

	if pos < 0 {
		st.Queue = append(st.Queue, models.AdmissionWaiter{Key: key, RunID: w.RunID, Since: now})
		pos = len(st.Queue) - 1

		c.logger.Debug("Step queued for concurrency slot",
			"function_id", functionID, "waiter", key, "position", pos)
	}

	since := st.Queue[pos].Since
	grant := Grant{Gate: GateConcurrency}

	if limit.MaxWait > 0 {
		grant.Deadline = since.Add(limit.MaxWait)

		if !now.Before(grant.Deadline) {
			st.Queue = slices.Delete(st.Queue, pos, pos+1)

			return Grant{}, &failures.AdmissionTimeoutError{
				FunctionID: functionID,
				Gate:       GateConcurrency,
				Waited:     now.Sub(since),
				Retriable:  limit.RetryOnTimeout,
			}
		}
	}

	return grant, nil
}

func position(st *models.AdmissionState, key string) int {
	return slices.IndexFunc(st.Queue, func(w models.AdmissionWaiter) bool { return w.Key == key })
}

// expire returns unclaimed reservations and abandoned holds to the pool and
// promotes waiters into them.
func (c *Controller) expire(functionID string, st *models.AdmissionState, now time.Time) []string {
	for key, r := range st.Reserved {
		if now.After(r.Until) {
			delete(st.Reserved, key)
		}
	}

	for key, h := range st.Holders {
		if now.After(h.Until) {
			delete(st.Holders, key)

			c.logger.Warn("Reclaimed concurrency slot of unresponsive holder",
				"function_id", functionID, "waiter", key, "held_until", h.Until)
		}
	}

	return c.promote(st, now)
}

func (c *Controller) promote(st *models.AdmissionState, now time.Time) []string {
	var granted []string

	for len(st.Queue) > 0 && len(st.Holders)+len(st.Reserved) < st.Limit {
		head := st.Queue[0]
		st.Queue = st.Queue[1:]
		st.Reserved[head.Key] = models.AdmissionHold{RunID: head.RunID, Until: now.Add(c.grace)}
		granted = append(granted, head.RunID)
	}

	return granted
}

// Release frees the concurrency slot held by w and hands it to the next waiter.
// now must be the time the step finished: the hand-off is reserved from then.
func (c *Controller) Release(ctx context.Context, functionID string, w Waiter, now time.Time) error {
	return c.update(ctx, functionID, now, func(st *models.AdmissionState) ([]string, error) {
		key := w.key()
		delete(st.Holders, key)
		delete(st.Passes, key)

		return c.expire(functionID, st, now), nil
	})
}

// Forget drops every hold, reservation and queue entry a run has on a function's
// gates, typically after it was cancelled or finished.
func (c *Controller) Forget(ctx context.Context, functionID, runID string, now time.Time) error {
	prefix := runID + "/"

	return c.update(ctx, functionID, now, func(st *models.AdmissionState) ([]string, error) {
		for key := range st.Holders {
			if strings.HasPrefix(key, prefix) {
				delete(st.Holders, key)
			}
		}

		for key := range st.Reserved {
			if strings.HasPrefix(key, prefix) {
				delete(st.Reserved, key)
			}
		}

		for key := range st.Passes {
			if strings.HasPrefix(key, prefix) {
				delete(st.Passes, key)
			}
		}

		for key, at := range st.Scheduled {
			if strings.HasPrefix(key, prefix) {
				delete(st.Scheduled, key)

				if i := slices.IndexFunc(st.Starts, at.Equal); i >= 0 {
					st.Starts = slices.Delete(st.Starts, i, i+1)
				}
			}
		}

		st.Queue = slices.DeleteFunc(st.Queue, func(w models.AdmissionWaiter) bool { return w.RunID == runID })

		return c.promote(st, now), nil
	})
}

func (c *Controller) notify(runIDs []string) {
	c.mu.Lock()
	onGrant := c.onGrant
	c.mu.Unlock()

	if onGrant == nil {
		return
	}

	for _, runID := range runIDs {
		onGrant(runID)
	}
}

// Stats reports the occupancy of a function's gates as of the last decision this
// controller made for it.
func (c *Controller) Stats(functionID string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats[functionID]
}

// Load reads the current occupancy of a function's gates from the store.
func (c *Controller) Load(ctx context.Context, functionID string) (Stats, error) {
	st, err := c.store.AdmissionState(ctx, functionID)
	if err != nil {
		return Stats{}, err
	}

	st.Init()
	s := statsOf(st)
	c.remember(functionID, s)

	return s, nil
}

// Active is the number of running holders of the concurrency gate.
func (c *Controller) Active(functionID string) int {
	return c.Stats(functionID).Active
}

// Waiting is the number of steps queued on either gate.
func (c *Controller) Waiting(functionID string) int {
	s := c.Stats(functionID)

	return s.Queued + s.Throttled
}
