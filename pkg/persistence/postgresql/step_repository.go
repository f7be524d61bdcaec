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

// StepRepository is the ledger table.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepRepository creates a new step repository.
func NewStepRepository(db *sql.DB, logger *slog.Logger) *StepRepository {
	return &StepRepository{db: db, logger: logger}
}

// GetByKey retrieves one ledger entry.
func (r *StepRepository) GetByKey(ctx context.Context, runID, key string) (*models.StepRecord, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT data FROM steps WHERE run_id = $1 AND key = $2`, runID, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStepError("StepByKey", runID, key, persistence.ErrStepNotFound)
	}

	if err != nil {
		return nil, persistence.NewStepError("StepByKey", runID, key, err)
	}

	var rec models.StepRecord

	err = json.Unmarshal(data, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step %s: %w", key, err)
	}

	return &rec, nil
}

// Save inserts when expectedVersion is zero, otherwise compares and swaps.
func (r *StepRepository) Save(ctx context.Context, rec *models.StepRecord, expectedVersion int64) error {
	rec.Version = expectedVersion + 1

	data, err := json.Marshal(rec)
	if err != nil {
		rec.Version = expectedVersion

		return fmt.Errorf("failed to marshal step: %w", err)
	}

	var result sql.Result

	if expectedVersion == 0 {
		result, err = r.db.ExecContext(ctx, `
			INSERT INTO steps (run_id, key, status, version, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, key) DO NOTHING`,
			rec.RunID, rec.Key, rec.Status, rec.Version, data, rec.CreatedAt, rec.UpdatedAt,
		)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE steps SET status = $3, version = $4, data = $5, updated_at = $6
			WHERE run_id = $1 AND key = $2 AND version = $7`,
			rec.RunID, rec.Key, rec.Status, rec.Version, data, rec.UpdatedAt, expectedVersion,
		)
	}

	if err != nil {
		rec.Version = expectedVersion
		r.logger.ErrorContext(ctx, "Failed to save step", "run_id", rec.RunID, "step", rec.Key, "error", err)

		return persistence.NewStepError("SaveStep", rec.RunID, rec.Key, err)
	}

	if rowsAffected(result) == 0 {
		rec.Version = expectedVersion

		return persistence.NewStepError("SaveStep", rec.RunID, rec.Key, persistence.ErrVersionConflict)
	}

	return nil
}

// GetByRun lists a run's ledger in creation order.
func (r *StepRepository) GetByRun(ctx context.Context, runID string) ([]*models.StepRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM steps WHERE run_id = $1 ORDER BY created_at ASC, key ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer func() { _ = rows.Close() }()

	records := make([]*models.StepRecord, 0)

	for rows.Next() {
		var data []byte

		err = rows.Scan(&data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		var rec models.StepRecord

		err = json.Unmarshal(data, &rec)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal step: %w", err)
		}

		records = append(records, &rec)
	}

	return records, rows.Err()
}
