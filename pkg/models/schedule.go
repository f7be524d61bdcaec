package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when schedule validation fails.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a 5-field expression (optional leading seconds, descriptors such as @daily,
// and a TZ= prefix are accepted).
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, ErrInvalidSchedule
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return schedule, nil
}

// Schedule tracks the next tick of a cron-triggered function.
type Schedule struct {
	// ID uniquely identifies this schedule entry
	ID string `json:"id" validate:"required"`

	FunctionID string `json:"function_id" validate:"required"`

	// CronExpression defines when the function should be triggered
	CronExpression string `json:"cron_expression" validate:"required"`

	// NextDueAt is the precomputed next tick
	NextDueAt time.Time `json:"next_due_at" validate:"required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Inactive schedules are not processed by the poller
	Active bool `json:"active"`
}

// NewSchedule creates a Schedule whose first tick is computed from now.
func NewSchedule(id, functionID, cronExpression string, now time.Time) (*Schedule, error) {
	schedule := &Schedule{
		ID:             id,
		FunctionID:     functionID,
		CronExpression: cronExpression,
		CreatedAt:      now,
		UpdatedAt:      now,
		Active:         true,
	}

	if err := schedule.Advance(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// Advance sets NextDueAt to the first tick strictly after reference.
func (s *Schedule) Advance(reference time.Time) error {
	cronSchedule, err := ParseCron(s.CronExpression)
	if err != nil {
		return err
	}

	s.NextDueAt = cronSchedule.Next(reference)
	s.UpdatedAt = reference

	return nil
}

// IsDue checks if this schedule is due for execution at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}

// Validate performs validation on the schedule fields.
func (s *Schedule) Validate() error {
	if s.ID == "" || s.FunctionID == "" || s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	_, err := ParseCron(s.CronExpression)

	return err
}
