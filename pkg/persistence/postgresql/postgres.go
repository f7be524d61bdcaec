// Package postgresql provides the PostgreSQL persistence implementation for runs,
// the step ledger, timers and admission gate state.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db        *sql.DB
	logger    *slog.Logger
	runRepo   *RunRepository
	stepRepo  *StepRepository
	timerRepo *TimerRepository
	gateRepo  *AdmissionRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	postgres := &Persistence{
		db:        database,
		logger:    logger,
		runRepo:   NewRunRepository(database, logger),
		stepRepo:  NewStepRepository(database, logger),
		timerRepo: NewTimerRepository(database, logger),
		gateRepo:  NewAdmissionRepository(database, logger),
	}

	// Run migrations on initialization
	err = sqlbase.NewMigrator(logger, database, "durable", migrations()).Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) CreateRun(ctx context.Context, run *models.Run) error {
	return p.runRepo.Create(ctx, run)
}

func (p *Persistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	return p.runRepo.GetByID(ctx, id)
}

func (p *Persistence) UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error {
	return p.runRepo.Update(ctx, run, expectedVersion)
}

func (p *Persistence) RunsByFunction(ctx context.Context, functionID string, limit int) ([]*models.Run, error) {
	return p.runRepo.GetByFunction(ctx, functionID, limit)
}

func (p *Persistence) StepByKey(ctx context.Context, runID, key string) (*models.StepRecord, error) {
	return p.stepRepo.GetByKey(ctx, runID, key)
}

func (p *Persistence) SaveStep(ctx context.Context, rec *models.StepRecord, expectedVersion int64) error {
	return p.stepRepo.Save(ctx, rec, expectedVersion)
}

func (p *Persistence) StepsByRun(ctx context.Context, runID string) ([]*models.StepRecord, error) {
	return p.stepRepo.GetByRun(ctx, runID)
}

func (p *Persistence) SaveTimer(ctx context.Context, timer *models.TimerEntry) error {
	return p.timerRepo.Save(ctx, timer)
}

func (p *Persistence) DueTimers(ctx context.Context, now time.Time, limit int) ([]*models.TimerEntry, error) {
	return p.timerRepo.Due(ctx, now, limit)
}

func (p *Persistence) ClaimTimer(ctx context.Context, id string, now, until time.Time) (*models.TimerEntry, error) {
	return p.timerRepo.Claim(ctx, id, now, until)
}

func (p *Persistence) CompleteTimer(ctx context.Context, timer *models.TimerEntry) error {
	return p.timerRepo.Complete(ctx, timer)
}

func (p *Persistence) DeleteTimer(ctx context.Context, id string) error {
	return p.timerRepo.Delete(ctx, id)
}

func (p *Persistence) DeleteTimersByRun(ctx context.Context, runID string) error {
	return p.timerRepo.DeleteByRun(ctx, runID)
}

func (p *Persistence) TimersByRun(ctx context.Context, runID string) ([]*models.TimerEntry, error) {
	return p.timerRepo.GetByRun(ctx, runID)
}

func (p *Persistence) AdmissionState(ctx context.Context, functionID string) (*models.AdmissionState, error) {
	return p.gateRepo.Get(ctx, functionID)
}

func (p *Persistence) SaveAdmissionState(ctx context.Context, state *models.AdmissionState, expectedVersion int64) error {
	return p.gateRepo.Save(ctx, state, expectedVersion)
}

var _ persistence.Persistence = (*Persistence)(nil)
