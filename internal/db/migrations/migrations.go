// Package migrations evolves the UnPload SQLite schema. Each Step is a
// numbered list of statements applied in its own transaction; applied
// versions are recorded in schema_migrations.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Step is one schema version
type Step struct {
	Version    int
	Name       string
	Statements []string
}

// Applied is a row of schema_migrations
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Runner applies pending steps in version order
type Runner struct {
	db     *sql.DB
	steps  []Step
	logger *logrus.Logger
}

// NewRunner returns a runner over the built-in steps
func NewRunner(db *sql.DB, logger *logrus.Logger) *Runner {
	return newRunner(db, logger, steps())
}

func newRunner(db *sql.DB, logger *logrus.Logger, list []Step) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{db: db, steps: list, logger: logger}
}

// Latest is the highest version this binary knows
func (r *Runner) Latest() int {
	if len(r.steps) == 0 {
		return 0
	}
	return r.steps[len(r.steps)-1].Version
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

// Current returns the highest applied version, 0 for an empty database
func (r *Runner) Current(ctx context.Context) (int, error) {
	if err := r.ensureTable(ctx); err != nil {
		return 0, err
	}
	var version int
	if err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Apply runs every step above the current version and returns how many ran.
// A database written by a newer binary is refused.
func (r *Runner) Apply(ctx context.Context) (int, error) {
	current, err := r.Current(ctx)
	if err != nil {
		return 0, err
	}

	latest := r.Latest()
	if current > latest {
		return 0, fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, latest)
	}
	if current == latest {
		r.logger.WithField("version", current).Debug("Database schema is up to date")
		return 0, nil
	}

	ran := 0
	for _, step := range r.steps {
		if step.Version <= current {
			continue
		}
		if err := r.applyStep(ctx, step); err != nil {
			return ran, fmt.Errorf("schema version %d (%s): %w", step.Version, step.Name, err)
		}
		ran++
		r.logger.WithFields(logrus.Fields{
			"version": step.Version,
			"name":    step.Name,
		}).Info("Applied schema migration")
	}
	return ran, nil
}

func (r *Runner) applyStep(ctx context.Context, step Step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, stmt := range step.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		step.Version, step.Name, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to record version: %w", err)
	}

	return tx.Commit()
}

// History lists applied versions, oldest first
func (r *Runner) History(ctx context.Context) ([]Applied, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, "SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query schema history: %w", err)
	}
	defer rows.Close()

	var history []Applied
	for rows.Next() {
		var (
			a  Applied
			at int64
		)
		if err := rows.Scan(&a.Version, &a.Name, &at); err != nil {
			return nil, err
		}
		a.AppliedAt = time.Unix(at, 0)
		history = append(history, a)
	}
	return history, rows.Err()
}
