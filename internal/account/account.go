// Package account stores the minimal user records the storage core needs:
// identity, enabled state and the admin flag.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/quota"
)

// ErrUserNotFound is returned for unknown user ids
var ErrUserNotFound = apperr.NotFound(apperr.CodeUserNotFound, "user not found")

// User is an account that can own files and shares
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Enabled   bool      `json:"enabled"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manager handles user records
type Manager struct {
	db           *sql.DB
	logger       *logrus.Logger
	defaultQuota func() int64
}

// NewManager creates a user manager. defaultQuota is read at creation time
// so a settings reload takes effect for new accounts.
func NewManager(db *sql.DB, logger *logrus.Logger, defaultQuota func() int64) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{db: db, logger: logger, defaultQuota: defaultQuota}
}

// Create inserts a user together with its quota row
func (m *Manager) Create(ctx context.Context, username string, isAdmin bool) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.Validation("username is required")
	}

	now := time.Now()
	user := &User{
		ID:        uuid.New().String(),
		Username:  username,
		Enabled:   true,
		IsAdmin:   isAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, username, enabled, is_admin, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
	`, user.ID, user.Username, isAdmin, now.Unix(), now.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, apperr.Validation("username already taken")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	var maxBytes int64
	if m.defaultQuota != nil {
		maxBytes = m.defaultQuota()
	}
	if err := quota.InsertTx(ctx, tx, user.ID, maxBytes); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"quota":    maxBytes,
	}).Info("User created")

	return user, nil
}

// Get returns a user by id
func (m *Manager) Get(ctx context.Context, id string) (*User, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, username, enabled, is_admin, created_at, updated_at
		FROM users WHERE id = ?
	`, id)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// IsEnabled reports whether the account may act or serve shares. Unknown
// users are treated as disabled.
func (m *Manager) IsEnabled(ctx context.Context, id string) (bool, error) {
	var enabled bool
	err := m.db.QueryRowContext(ctx, "SELECT enabled FROM users WHERE id = ?", id).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read user state: %w", err)
	}
	return enabled, nil
}

// SetEnabled enables or disables an account
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE users SET enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrUserNotFound
	}

	m.logger.WithFields(logrus.Fields{
		"user_id": id,
		"enabled": enabled,
	}).Info("User state changed")
	return nil
}

// List returns all users ordered by username
func (m *Manager) List(ctx context.Context) ([]*User, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, username, enabled, is_admin, created_at, updated_at
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(s scanner) (*User, error) {
	var user User
	var createdAt, updatedAt int64
	if err := s.Scan(&user.ID, &user.Username, &user.Enabled, &user.IsAdmin, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}
