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

// AdmissionRepository keeps one gate state row per function.
type AdmissionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAdmissionRepository(db *sql.DB, logger *slog.Logger) *AdmissionRepository {
	return &AdmissionRepository{db: db, logger: logger}
}

// Get returns the stored state or an empty one at version zero.
func (r *AdmissionRepository) Get(ctx context.Context, functionID string) (*models.AdmissionState, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT data FROM admission_states WHERE function_id = $1`, functionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewAdmissionState(functionID), nil
	}

	if err != nil {
		return nil, persistence.NewAdmissionError("AdmissionState", functionID, err)
	}

	state := models.NewAdmissionState(functionID)

	err = json.Unmarshal(data, state)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal admission state %s: %w", functionID, err)
	}

	state.Init()

	return state, nil
}

// Save inserts when expectedVersion is zero, otherwise compares and swaps.
func (r *AdmissionRepository) Save(ctx context.Context, state *models.AdmissionState, expectedVersion int64) error {
	state.Version = expectedVersion + 1

	data, err := json.Marshal(state)
	if err != nil {
		state.Version = expectedVersion

		return fmt.Errorf("failed to marshal admission state: %w", err)
	}

	var result sql.Result

	if expectedVersion == 0 {
		result, err = r.db.ExecContext(ctx, `
			INSERT INTO admission_states (function_id, version, data, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (function_id) DO NOTHING`,
			state.FunctionID, state.Version, data, state.UpdatedAt,
		)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE admission_states SET version = $2, data = $3, updated_at = $4
			WHERE function_id = $1 AND version = $5`,
			state.FunctionID, state.Version, data, state.UpdatedAt, expectedVersion,
		)
	}

	if err != nil {
		state.Version = expectedVersion
		r.logger.ErrorContext(ctx, "Failed to save admission state", "function_id", state.FunctionID, "error", err)

		return persistence.NewAdmissionError("SaveAdmissionState", state.FunctionID, err)
	}

	if rowsAffected(result) == 0 {
		state.Version = expectedVersion

		return persistence.NewAdmissionError("SaveAdmissionState", state.FunctionID, persistence.ErrVersionConflict)
	}

	return nil
}
