// Package sqlbase holds schema migration support shared by SQL backends.
package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"maps"
	"slices"
)

// Migrator applies numbered schema migrations. Every worker runs it on boot, so
// the whole pass holds a session-level advisory lock and concurrent starts queue
// behind the first one instead of racing on DDL.
type Migrator struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
	lockKey    int64
}

func NewMigrator(logger *slog.Logger, db *sql.DB, name string, migrations map[int]string) *Migrator {
	h := fnv.New64a()
	_, _ = h.Write([]byte("migrations/" + name))

	return &Migrator{
		db:         db,
		logger:     logger.With("migrations", name),
		migrations: migrations,
		lockKey:    int64(h.Sum64()), //nolint:gosec // wraparound is fine for a lock key
	}
}

// Pending lists, in order, the migration versions newer than applied.
func (m *Migrator) Pending(applied int) []int {
	var pending []int

	for _, version := range slices.Sorted(maps.Keys(m.migrations)) {
		if version > applied {
			pending = append(pending, version)
		}
	}

	return pending
}

// Migrate brings the schema up to the newest known version.
func (m *Migrator) Migrate(ctx context.Context) (err error) {
	// Advisory locks belong to a session, so every statement below shares one
	// pooled connection.
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", m.lockKey); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}

	defer func() {
		_, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", m.lockKey)
		if unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release migration lock: %w", unlockErr))
		}
	}()

	_, err = conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var applied int
	if err := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&applied); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	pending := m.Pending(applied)
	if len(pending) == 0 {
		m.logger.DebugContext(ctx, "Schema up to date", "version", applied)

		return nil
	}

	for _, version := range pending {
		if err := m.apply(ctx, conn, version); err != nil {
			return err
		}
	}

	m.logger.InfoContext(ctx, "Schema migrated", "from", applied, "to", pending[len(pending)-1])

	return nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, version int) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, m.migrations[version]); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("migration %d: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("migration %d: record: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", version, err)
	}

	m.logger.InfoContext(ctx, "Migration applied", "version", version)

	return nil
}
