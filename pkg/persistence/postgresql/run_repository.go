package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Create inserts the run unless its id is taken.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	run.Version = 1

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, function_id, event_id, status, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.FunctionID, run.EventID, run.Status, run.Version, data, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		run.Version = 0
		r.logger.ErrorContext(ctx, "Failed to insert run", "run_id", run.ID, "error", err)

		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	if rowsAffected(result) == 0 {
		run.Version = 0

		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
	}

	return nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	var run models.Run

	err = json.Unmarshal(data, &run)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}

	return &run, nil
}

// Update replaces the run when the stored version matches expectedVersion.
func (r *RunRepository) Update(ctx context.Context, run *models.Run, expectedVersion int64) error {
	run.Version = expectedVersion + 1

	data, err := json.Marshal(run)
	if err != nil {
		run.Version = expectedVersion

		return fmt.Errorf("failed to marshal run: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, version = $3, data = $4, updated_at = $5
		WHERE id = $1 AND version = $6`,
		run.ID, run.Status, run.Version, data, run.UpdatedAt, expectedVersion,
	)
	if err != nil {
		run.Version = expectedVersion

		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	if rowsAffected(result) == 1 {
		return nil
	}

	run.Version = expectedVersion

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	if !exists {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunNotFound)
	}

	return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrVersionConflict)
}

// GetByFunction lists the newest runs of a function.
func (r *RunRepository) GetByFunction(ctx context.Context, functionID string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM runs WHERE function_id = $1
		ORDER BY created_at DESC, id ASC LIMIT $2`, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() { _ = rows.Close() }()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		var data []byte

		err = rows.Scan(&data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		var run models.Run

		err = json.Unmarshal(data, &run)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}

		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

func rowsAffected(result sql.Result) int64 {
	n, err := result.RowsAffected()
	if err != nil {
		return 0
	}

	return n
}
