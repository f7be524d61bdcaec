package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/durable/pkg/models"
)

// Interrupt is returned by a step that cannot complete in this execution. The body
// should return it (or any error wrapping it); the run is parked until WakeAt.
// Swallowing it changes nothing: the execution remembers it and every later step
// returns it immediately.
type Interrupt struct {
	Kind    models.TimerKind
	StepKey string
	WakeAt  time.Time
}

func (i *Interrupt) Error() string {
	return fmt.Sprintf("run suspended on step %q (%s) until %s", i.StepKey, i.Kind, i.WakeAt.Format(time.RFC3339))
}

// Status is the run status while parked on this interrupt.
func (i *Interrupt) Status() models.RunStatus {
	switch i.Kind {
	case models.TimerKindSleep:
		return models.RunStatusSleeping
	case models.TimerKindAdmission:
		return models.RunStatusWaitingAdmission
	default:
		return models.RunStatusWaitingRetry
	}
}

// IsInterrupt reports whether err means the run suspended.
func IsInterrupt(err error) bool {
	var in *Interrupt

	return errors.As(err, &in)
}

// earliest keeps the interrupt that wakes first.
func earliest(current, next *Interrupt) *Interrupt {
	if current == nil || next.WakeAt.Before(current.WakeAt) {
		return next
	}

	return current
}
