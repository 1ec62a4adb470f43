// Package quota keeps the per-user storage counters. Capacity checks and
// reservations are single conditional UPDATEs so concurrent uploads by the
// same owner cannot push used_bytes past max_bytes.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/apperr"
)

// ErrQuotaNotFound is returned when a user has no quota row
var ErrQuotaNotFound = apperr.NotFound(apperr.CodeQuotaNotFound, "quota not found")

// Quota is the storage allowance of one user
type Quota struct {
	OwnerID   string    `json:"ownerId"`
	MaxBytes  int64     `json:"maxBytes"`
	UsedBytes int64     `json:"usedBytes"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available returns the bytes left before the limit, never negative
func (q *Quota) Available() int64 {
	if q.UsedBytes >= q.MaxBytes {
		return 0
	}
	return q.MaxBytes - q.UsedBytes
}

// Ledger reads and mutates quota rows
type Ledger struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewLedger creates a ledger on an open database
func NewLedger(db *sql.DB, logger *logrus.Logger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{db: db, logger: logger}
}

// Create inserts a quota row for ownerID
func (l *Ledger) Create(ctx context.Context, ownerID string, maxBytes int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := InsertTx(ctx, tx, ownerID, maxBytes); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertTx inserts a quota row inside an existing transaction
func InsertTx(ctx context.Context, tx *sql.Tx, ownerID string, maxBytes int64) error {
	if maxBytes < 0 {
		return apperr.Validation("quota limit cannot be negative")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quotas (owner_id, max_bytes, used_bytes, updated_at)
		VALUES (?, ?, 0, ?)
	`, ownerID, maxBytes, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to create quota: %w", err)
	}
	return nil
}

// Get returns the quota of ownerID
func (l *Ledger) Get(ctx context.Context, ownerID string) (*Quota, error) {
	var q Quota
	var updatedAt int64
	err := l.db.QueryRowContext(ctx, `
		SELECT owner_id, max_bytes, used_bytes, updated_at
		FROM quotas WHERE owner_id = ?
	`, ownerID).Scan(&q.OwnerID, &q.MaxBytes, &q.UsedBytes, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuotaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	q.UpdatedAt = time.Unix(updatedAt, 0)
	return &q, nil
}

// CheckCapacity reports QuotaExceeded if additionalBytes would not fit.
// It is advisory; Reserve is the authoritative check.
func (l *Ledger) CheckCapacity(ctx context.Context, ownerID string, additionalBytes int64) error {
	q, err := l.Get(ctx, ownerID)
	if err != nil {
		return err
	}
	if q.UsedBytes+additionalBytes > q.MaxBytes {
		return apperr.ErrQuotaExceeded
	}
	return nil
}

// Reserve adds bytes to used_bytes only if the result stays within max_bytes
func (l *Ledger) Reserve(ctx context.Context, ownerID string, bytes int64) error {
	if bytes < 0 {
		return apperr.Validation("reservation cannot be negative")
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE quotas
		SET used_bytes = used_bytes + ?, updated_at = ?
		WHERE owner_id = ? AND used_bytes + ? <= max_bytes
	`, bytes, time.Now().Unix(), ownerID, bytes)
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}
	if affected == 0 {
		if _, err := l.Get(ctx, ownerID); err != nil {
			return err
		}
		return apperr.ErrQuotaExceeded
	}

	return nil
}

// Adjust applies delta to used_bytes. The counter never drops below zero.
func (l *Ledger) Adjust(ctx context.Context, ownerID string, delta int64) error {
	return adjust(ctx, l.db, ownerID, delta)
}

// AdjustTx is Adjust inside an existing transaction
func AdjustTx(ctx context.Context, tx *sql.Tx, ownerID string, delta int64) error {
	return adjust(ctx, tx, ownerID, delta)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func adjust(ctx context.Context, ex execer, ownerID string, delta int64) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE quotas
		SET used_bytes = CASE
			WHEN used_bytes + ? < 0 THEN 0
			ELSE used_bytes + ?
		END, updated_at = ?
		WHERE owner_id = ?
	`, delta, delta, time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to adjust quota: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to adjust quota: %w", err)
	}
	if affected == 0 {
		return ErrQuotaNotFound
	}
	return nil
}

// Recompute overwrites used_bytes with the sum of the owner's live files
func (l *Ledger) Recompute(ctx context.Context, ownerID string) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var used int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0)
		FROM files
		WHERE owner_id = ? AND deleted_at IS NULL
	`, ownerID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to sum file sizes: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE quotas SET used_bytes = ?, updated_at = ? WHERE owner_id = ?
	`, used, time.Now().Unix(), ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to update quota: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return 0, ErrQuotaNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recompute: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"owner_id":   ownerID,
		"used_bytes": used,
	}).Debug("Recomputed quota usage")

	return used, nil
}

// RecomputeAll recomputes every quota row and returns how many were updated
func (l *Ledger) RecomputeAll(ctx context.Context) (int, error) {
	owners, err := l.ownerIDs(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, ownerID := range owners {
		if _, err := l.Recompute(ctx, ownerID); err != nil {
			if errors.Is(err, ErrQuotaNotFound) {
				continue
			}
			return count, fmt.Errorf("recompute %s: %w", ownerID, err)
		}
		count++
	}

	l.logger.WithField("count", count).Info("Recomputed all quotas")
	return count, nil
}

// SetLimit changes max_bytes without touching used_bytes
func (l *Ledger) SetLimit(ctx context.Context, ownerID string, maxBytes int64) error {
	if maxBytes < 0 {
		return apperr.Validation("quota limit cannot be negative")
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE quotas SET max_bytes = ?, updated_at = ? WHERE owner_id = ?
	`, maxBytes, time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to set quota limit: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrQuotaNotFound
	}

	l.logger.WithFields(logrus.Fields{
		"owner_id":  ownerID,
		"max_bytes": maxBytes,
	}).Info("Quota limit changed")
	return nil
}

func (l *Ledger) ownerIDs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT owner_id FROM quotas ORDER BY owner_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan quota owner: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
