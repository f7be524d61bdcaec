package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

const timerColumns = `id, run_id, kind, step_key, fire_at, claimed_until, created_at`

// TimerRepository stores timers indexed by fire_at.
type TimerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTimerRepository creates a new timer repository.
func NewTimerRepository(db *sql.DB, logger *slog.Logger) *TimerRepository {
	return &TimerRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimer(row rowScanner) (*models.TimerEntry, error) {
	var (
		t       models.TimerEntry
		kind    string
		claimed sql.NullTime
	)

	err := row.Scan(&t.ID, &t.RunID, &kind, &t.StepKey, &t.FireAt, &claimed, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = models.TimerKind(kind)
	if claimed.Valid {
		t.ClaimedUntil = claimed.Time
	}

	return &t, nil
}

// Save upserts the timer and clears its claim.
func (r *TimerRepository) Save(ctx context.Context, timer *models.TimerEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO timers (id, run_id, kind, step_key, fire_at, claimed_until, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)
		ON CONFLICT (id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			kind = EXCLUDED.kind,
			step_key = EXCLUDED.step_key,
			fire_at = EXCLUDED.fire_at,
			claimed_until = NULL`,
		timer.ID, timer.RunID, string(timer.Kind), timer.StepKey, timer.FireAt, timer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save timer %s: %w", timer.ID, err)
	}

	return nil
}

// Due returns unclaimed timers whose fire time has passed.
func (r *TimerRepository) Due(ctx context.Context, now time.Time, limit int) ([]*models.TimerEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	return r.query(ctx, `
		SELECT `+timerColumns+` FROM timers
		WHERE fire_at <= $1 AND (claimed_until IS NULL OR claimed_until <= $1)
		ORDER BY fire_at ASC, id ASC LIMIT $2`, now, limit)
}

// Claim marks the timer claimed when no live claim exists.
func (r *TimerRepository) Claim(ctx context.Context, id string, now, until time.Time) (*models.TimerEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE timers SET claimed_until = $3
		WHERE id = $1 AND (claimed_until IS NULL OR claimed_until <= $2)
		RETURNING `+timerColumns, id, now, until)

	timer, err := scanTimer(row)
	if err == nil {
		return timer, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim timer %s: %w", id, err)
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM timers WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check timer %s: %w", id, err)
	}

	if !exists {
		return nil, persistence.ErrTimerNotFound
	}

	return nil, persistence.ErrTimerClaimed
}

// Complete deletes a fired timer unless it was re-saved after the claim.
func (r *TimerRepository) Complete(ctx context.Context, timer *models.TimerEntry) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM timers WHERE id = $1 AND claimed_until = $2`,
		timer.ID, timer.ClaimedUntil)
	if err != nil {
		return fmt.Errorf("failed to complete timer %s: %w", timer.ID, err)
	}

	return nil
}

// Delete removes a timer by id.
func (r *TimerRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM timers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete timer %s: %w", id, err)
	}

	return nil
}

// DeleteByRun removes every timer of a run.
func (r *TimerRepository) DeleteByRun(ctx context.Context, runID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM timers WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete timers of run %s: %w", runID, err)
	}

	return nil
}

// GetByRun lists a run's timers by fire time.
func (r *TimerRepository) GetByRun(ctx context.Context, runID string) ([]*models.TimerEntry, error) {
	return r.query(ctx, `
		SELECT `+timerColumns+` FROM timers WHERE run_id = $1 ORDER BY fire_at ASC, id ASC`, runID)
}

func (r *TimerRepository) query(ctx context.Context, query string, args ...any) ([]*models.TimerEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timers: %w", err)
	}

	defer func() { _ = rows.Close() }()

	timers := make([]*models.TimerEntry, 0)

	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}

		timers = append(timers, timer)
	}

	return timers, rows.Err()
}
