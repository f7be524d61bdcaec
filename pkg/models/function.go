package models

import (
	"errors"
	"time"
)

// DefaultRetries matches the hosted service: three retries after the first attempt.
const DefaultRetries = 3

// NoRetries disables retries when set as FunctionDefinition.Retries.
const NoRetries = -1

var (
	// ErrInvalidTrigger is returned when a definition has neither or both of event and cron.
	ErrInvalidTrigger = errors.New("function trigger must define exactly one of event or cron")

	// ErrInvalidLimit is returned when a concurrency or throttle limit is not positive.
	ErrInvalidLimit = errors.New("limit must be positive")

	// ErrThrottlePeriodRequired is returned when a throttle has no period.
	ErrThrottlePeriodRequired = errors.New("throttle period is required")
)

// Trigger selects what starts a function: a named event or a cron expression.
type Trigger struct {
	Event string `json:"event,omitempty"`
	Cron  string `json:"cron,omitempty"`

	// Schema is an optional JSON schema the event data must satisfy.
	Schema string `json:"schema,omitempty"`
}

// Limit configures a concurrency or throttle gate.
type Limit struct {
	Limit  int           `json:"limit"            validate:"gt=0"`
	Period time.Duration `json:"period,omitempty" validate:"gte=0"`

	// MaxWait bounds how long a step may wait for admission. Zero waits forever.
	MaxWait time.Duration `json:"max_wait,omitempty"`

	// RetryOnTimeout makes AdmissionTimeoutError retriable instead of terminal.
	RetryOnTimeout bool `json:"retry_on_timeout,omitempty"`
}

// FunctionDefinition is the load-time registration of a durable function.
type FunctionDefinition struct {
	ID          string        `json:"id"                     validate:"required,min=1"`
	Name        string        `json:"name,omitempty"`
	Trigger     Trigger       `json:"trigger"`
	Retries     int           `json:"retries,omitempty"      validate:"gte=-1"`
	Concurrency *Limit        `json:"concurrency,omitempty"`
	Throttle    *Limit        `json:"throttle,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"      validate:"gte=0"`
	StepTimeout time.Duration `json:"step_timeout,omitempty" validate:"gte=0"`
}

// MaxAttempts is the total number of attempts a step or run body gets.
func (f *FunctionDefinition) MaxAttempts() int {
	switch {
	case f.Retries == NoRetries:
		return 1
	case f.Retries <= 0:
		return DefaultRetries + 1
	default:
		return f.Retries + 1
	}
}

// DisplayName falls back to the ID.
func (f *FunctionDefinition) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}

	return f.ID
}

// Validate checks the structural rules that struct tags cannot express.
func (f *FunctionDefinition) Validate() error {
	hasEvent := f.Trigger.Event != ""
	hasCron := f.Trigger.Cron != ""

	if hasEvent == hasCron {
		return ErrInvalidTrigger
	}

	if hasCron {
		_, err := ParseCron(f.Trigger.Cron)
		if err != nil {
			return err
		}
	}

	if f.Concurrency != nil && f.Concurrency.Limit <= 0 {
		return ErrInvalidLimit
	}

	if f.Throttle != nil {
		if f.Throttle.Limit <= 0 {
			return ErrInvalidLimit
		}

		if f.Throttle.Period <= 0 {
			return ErrThrottlePeriodRequired
		}
	}

	return nil
}
