// Package retry decides whether and when a failed step runs again.
package retry

import (
	"errors"
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"github.com/dukex/durable/pkg/failures"
)

const (
	DefaultBase   = time.Second
	DefaultCap    = 10 * time.Minute
	DefaultJitter = 0.2
)

// Decision reasons.
const (
	ReasonTerminal   = "terminal error"
	ReasonExhausted  = "max attempts reached"
	ReasonRetryAfter = "retry-after requested"
	ReasonBackoff    = "exponential backoff"
)

// Policy is an exponential backoff curve with deterministic jitter.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// DefaultPolicy returns a 1s base, 10m cap, ±20% jitter policy.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, Jitter: DefaultJitter}
}

// Input carries everything Decide needs; there are no hidden clock reads.
type Input struct {
	Now time.Time

	// Attempt is the number of attempts made so far, including the one that failed.
	Attempt int

	// BackoffAttempt counts failures that grow the curve, including this one when it does.
	BackoffAttempt int

	MaxAttempts int
	Err         error
	Seed        uint64
}

// Decision is either terminal or a time for the next attempt.
type Decision struct {
	Terminal      bool
	RetryAt       time.Time
	Reason        string
	CountsBackoff bool
}

// Decide classifies in.Err and computes the next attempt.
func (p Policy) Decide(in Input) Decision {
	if failures.IsTerminal(in.Err) {
		return Decision{Terminal: true, Reason: ReasonTerminal}
	}

	if in.MaxAttempts > 0 && in.Attempt >= in.MaxAttempts {
		return Decision{Terminal: true, Reason: ReasonExhausted}
	}

	var retryAfter *failures.RetryAfterError
	if errors.As(in.Err, &retryAfter) {
		at := retryAfter.ResumeAt(in.Now)
		if at.Before(in.Now) {
			at = in.Now
		}

		return Decision{RetryAt: at, Reason: ReasonRetryAfter}
	}

	return Decision{
		RetryAt:       in.Now.Add(p.Delay(in.BackoffAttempt, in.Seed)),
		Reason:        ReasonBackoff,
		CountsBackoff: true,
	}
}

// Delay is min(Cap, Base·2^k) shifted by up to ±Jitter of itself, where k = n-1 is
// the number of backoff retries already scheduled. n is the 1-based count of
// failures, so the first retry waits Base. Values of n below 1 read as 1.
func (p Policy) Delay(n int, seed uint64) time.Duration {
	if n < 1 {
		n = 1
	}

	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}

	delay := float64(base) * math.Pow(2, float64(n-1))
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}

	if p.Jitter > 0 {
		// seed maps onto [-1, 1)
		unit := float64(seed%1_000_000)/500_000 - 1
		delay += delay * p.Jitter * unit
	}

	if delay < 0 {
		return 0
	}

	return time.Duration(delay)
}

// Seed derives a stable jitter seed from the run, step and attempt.
func Seed(runID, stepKey string, attempt int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(stepKey))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(attempt)))

	return h.Sum64()
}
