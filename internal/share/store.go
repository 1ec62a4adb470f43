package share

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	errNotFound  = errors.New("share not found")
	errSlugTaken = errors.New("slug already taken")
)

const shareColumns = `id, slug, owner_id, file_id, folder_id, visibility, password_hash, expires_at, max_downloads, download_count, view_count, enabled, created_at, updated_at`

// Store persists shares in SQLite
type Store struct {
	db *sql.DB
}

// NewStore creates a share store on a migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanShare(s scanner) (*Share, error) {
	var (
		sh           Share
		fileID       sql.NullString
		folderID     sql.NullString
		passwordHash sql.NullString
		expiresAt    sql.NullInt64
		maxDownloads sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)

	err := s.Scan(
		&sh.ID, &sh.Slug, &sh.OwnerID, &fileID, &folderID, &sh.Visibility,
		&passwordHash, &expiresAt, &maxDownloads, &sh.DownloadCount, &sh.ViewCount,
		&sh.Enabled, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if fileID.Valid {
		sh.FileID = &fileID.String
	}
	if folderID.Valid {
		sh.FolderID = &folderID.String
	}
	sh.PasswordHash = passwordHash.String
	sh.HasPassword = sh.PasswordHash != ""
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		sh.ExpiresAt = &t
	}
	if maxDownloads.Valid {
		n := maxDownloads.Int64
		sh.MaxDownloads = &n
	}
	sh.CreatedAt = time.Unix(createdAt, 0)
	sh.UpdatedAt = time.Unix(updatedAt, 0)
	return &sh, nil
}

func nullString(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullHash(h string) interface{} {
	if h == "" {
		return nil
	}
	return h
}

func nullUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullInt(n *int64) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

// Insert creates a share. A duplicate slug returns errSlugTaken.
func (s *Store) Insert(ctx context.Context, sh *Share) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sh.ID, sh.Slug, sh.OwnerID, nullString(sh.FileID), nullString(sh.FolderID), sh.Visibility,
		nullHash(sh.PasswordHash), nullUnix(sh.ExpiresAt), nullInt(sh.MaxDownloads),
		sh.DownloadCount, sh.ViewCount, sh.Enabled, sh.CreatedAt.Unix(), sh.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: shares.slug") {
			return errSlugTaken
		}
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// GetByID returns a share by id
func (s *Store) GetByID(ctx context.Context, id string) (*Share, error) {
	return s.get(ctx, `SELECT `+shareColumns+` FROM shares WHERE id = ?`, id)
}

// GetBySlug returns a share by slug
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Share, error) {
	return s.get(ctx, `SELECT `+shareColumns+` FROM shares WHERE slug = ?`, slug)
}

func (s *Store) get(ctx context.Context, query string, arg string) (*Share, error) {
	sh, err := scanShare(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return sh, nil
}

// ListByOwner returns the owner's shares, newest first
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Share, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shareColumns+` FROM shares
		WHERE owner_id = ?
		ORDER BY created_at DESC, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, sh)
	}
	return shares, rows.Err()
}

// UpdatePolicy writes the mutable policy fields
func (s *Store) UpdatePolicy(ctx context.Context, sh *Share) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE shares
		SET visibility = ?, password_hash = ?, expires_at = ?, max_downloads = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, sh.Visibility, nullHash(sh.PasswordHash), nullUnix(sh.ExpiresAt), nullInt(sh.MaxDownloads), sh.Enabled, sh.UpdatedAt.Unix(), sh.ID)
	if err != nil {
		return fmt.Errorf("failed to update share: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errNotFound
	}
	return nil
}

// Delete removes a share
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errNotFound
	}
	return nil
}

// IncrementViews bumps the view counter
func (s *Store) IncrementViews(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE shares SET view_count = view_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to count view: %w", err)
	}
	return nil
}

// ClaimDownload takes one download slot. It reports false when the limit is
// already reached; the check and the increment are one statement.
func (s *Store) ClaimDownload(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE shares SET download_count = download_count + 1
		WHERE id = ? AND (max_downloads IS NULL OR download_count < max_downloads)
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim download: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim download: %w", err)
	}
	return affected == 1, nil
}

// ReleaseDownload gives back a claimed slot after the blob could not be opened
func (s *Store) ReleaseDownload(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shares SET download_count = download_count - 1
		WHERE id = ? AND download_count > 0
	`, id)
	if err != nil {
		return fmt.Errorf("failed to release download: %w", err)
	}
	return nil
}
