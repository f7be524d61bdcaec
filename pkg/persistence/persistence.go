// Package persistence provides the storage abstraction for runs, the step ledger, timers
// and admission gate state.
//
// Every backend offers the same compare-and-swap semantics: a write carries the version
// it expects to replace and fails with ErrVersionConflict when another writer got there
// first. An expected version of zero means insert-if-absent.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/durable/pkg/models"
)

type Persistence interface {
	RunRepository
	StepRepository
	TimerRepository
	AdmissionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// RunRepository stores run metadata keyed by run ID.
type RunRepository interface {
	// CreateRun inserts run with version 1 or fails with ErrRunAlreadyExists.
	CreateRun(ctx context.Context, run *models.Run) error

	// RunByID returns a copy of the stored run or ErrRunNotFound.
	RunByID(ctx context.Context, id string) (*models.Run, error)

	// UpdateRun replaces the run if its stored version equals expectedVersion and
	// sets run.Version to the new version.
	UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error

	// RunsByFunction lists runs of a function, newest first.
	RunsByFunction(ctx context.Context, functionID string, limit int) ([]*models.Run, error)
}

// StepRepository is the step ledger keyed by (run ID, step key).
type StepRepository interface {
	// StepByKey returns a copy of the record or ErrStepNotFound.
	StepByKey(ctx context.Context, runID, key string) (*models.StepRecord, error)

	// SaveStep writes rec when the stored version equals expectedVersion (zero when
	// the record must not exist yet) and sets rec.Version to the new version.
	SaveStep(ctx context.Context, rec *models.StepRecord, expectedVersion int64) error

	// StepsByRun lists a run's records ordered by creation.
	StepsByRun(ctx context.Context, runID string) ([]*models.StepRecord, error)
}

// TimerRepository stores durable wake-ups ordered by fire time.
type TimerRepository interface {
	// SaveTimer upserts the entry by ID and clears any claim.
	SaveTimer(ctx context.Context, timer *models.TimerEntry) error

	// DueTimers returns unclaimed entries with FireAt <= now in FireAt order.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]*models.TimerEntry, error)

	// ClaimTimer marks the entry claimed until `until` if it is unclaimed at now.
	// It returns ErrTimerClaimed when another poller holds it.
	ClaimTimer(ctx context.Context, id string, now, until time.Time) (*models.TimerEntry, error)

	// CompleteTimer deletes a fired entry unless it was re-saved after the claim.
	CompleteTimer(ctx context.Context, timer *models.TimerEntry) error

	DeleteTimer(ctx context.Context, id string) error
	DeleteTimersByRun(ctx context.Context, runID string) error
	TimersByRun(ctx context.Context, runID string) ([]*models.TimerEntry, error)
}

// AdmissionRepository stores the concurrency and throttle gate state of each function.
type AdmissionRepository interface {
	// AdmissionState returns a copy of the stored state, or an empty state with
	// version zero when the function has none yet.
	AdmissionState(ctx context.Context, functionID string) (*models.AdmissionState, error)

	// SaveAdmissionState writes state when the stored version equals expectedVersion
	// and sets state.Version to the new version.
	SaveAdmissionState(ctx context.Context, state *models.AdmissionState, expectedVersion int64) error
}
