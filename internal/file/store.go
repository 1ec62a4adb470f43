package file

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// errNotFound is returned by the store for missing rows. The manager maps it
// to the typed file or folder error.
var errNotFound = errors.New("record not found")

// Store persists file and folder records in SQLite
type Store struct {
	db *sql.DB
}

// NewStore creates a store on a migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func fromNullUnix(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.Unix(ni.Int64, 0)
	return &t
}

const fileColumns = `id, owner_id, folder_id, name, original_name, mime_type, size_bytes, storage_key, checksum, created_at, updated_at, deleted_at, purging`

func scanFile(s scanner) (*File, error) {
	var f File
	var folderID sql.NullString
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	err := s.Scan(
		&f.ID,
		&f.OwnerID,
		&folderID,
		&f.Name,
		&f.OriginalName,
		&f.MimeType,
		&f.SizeBytes,
		&f.StorageKey,
		&f.Checksum,
		&createdAt,
		&updatedAt,
		&deletedAt,
		&f.Purging,
	)
	if err != nil {
		return nil, err
	}

	f.FolderID = fromNullString(folderID)
	f.CreatedAt = time.Unix(createdAt, 0)
	f.UpdatedAt = time.Unix(updatedAt, 0)
	f.DeletedAt = fromNullUnix(deletedAt)
	return &f, nil
}

func collectFiles(rows *sql.Rows) ([]*File, error) {
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// InsertFile creates a file record
func (s *Store) InsertFile(ctx context.Context, f *File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID,
		f.OwnerID,
		nullableString(f.FolderID),
		f.Name,
		f.OriginalName,
		f.MimeType,
		f.SizeBytes,
		f.StorageKey,
		f.Checksum,
		f.CreatedAt.Unix(),
		f.UpdatedAt.Unix(),
		nullableTime(f.DeletedAt),
		f.Purging,
	)
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// GetFile returns a file record whether live or tombstoned
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// ListFiles returns live files of an owner in a folder (nil for root), ordered by name
func (s *Store) ListFiles(ctx context.Context, ownerID string, folderID *string) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE owner_id = ? AND folder_id IS ? AND deleted_at IS NULL
		ORDER BY name COLLATE NOCASE, id
	`, ownerID, nullableString(folderID))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return collectFiles(rows)
}

// execOne runs a guarded single-row statement; no match is errNotFound
func execOne(ctx context.Context, q queryer, what, query string, args ...interface{}) error {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errNotFound
	}
	return nil
}

// RenameFile sets the name of a live file
func (s *Store) RenameFile(ctx context.Context, id, name string, at time.Time) error {
	return execOne(ctx, s.db, "rename file", `
		UPDATE files SET name = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, name, at.Unix(), id)
}

// MoveFile places a live file in folderID (nil for root). The target folder
// must be live when the row is written.
func (s *Store) MoveFile(ctx context.Context, id string, folderID *string, at time.Time) error {
	return execOne(ctx, s.db, "move file", `
		UPDATE files SET folder_id = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
		  AND (? IS NULL OR EXISTS (SELECT 1 FROM folders WHERE id = ? AND deleted_at IS NULL))
	`, nullableString(folderID), at.Unix(), id, nullableString(folderID), nullableString(folderID))
}

// TombstoneFile marks a live file as deleted at deletedAt
func (s *Store) TombstoneFile(ctx context.Context, id string, deletedAt time.Time) error {
	return execOne(ctx, s.db, "delete file", `
		UPDATE files SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, deletedAt.Unix(), id)
}

// RestoreFile clears the tombstone written at deletedAt. With detach the file
// is moved to the owner's root. A file claimed by a purge is not restored.
func (s *Store) RestoreFile(ctx context.Context, id string, deletedAt time.Time, detach bool, at time.Time) error {
	if detach {
		return execOne(ctx, s.db, "restore file", `
			UPDATE files SET deleted_at = NULL, folder_id = NULL, updated_at = ?
			WHERE id = ? AND deleted_at = ? AND purging = 0
		`, at.Unix(), id, deletedAt.Unix())
	}
	return execOne(ctx, s.db, "restore file", `
		UPDATE files SET deleted_at = NULL
		WHERE id = ? AND deleted_at = ? AND purging = 0
	`, id, deletedAt.Unix())
}

// ListDeletedFiles returns an owner's tombstoned files deleted after since
func (s *Store) ListDeletedFiles(ctx context.Context, ownerID string, since time.Time) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE owner_id = ? AND deleted_at IS NOT NULL AND deleted_at > ?
		ORDER BY deleted_at DESC, id
	`, ownerID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted files: %w", err)
	}
	return collectFiles(rows)
}

// ListAllDeletedFiles returns every tombstoned file of an owner regardless of age
func (s *Store) ListAllDeletedFiles(ctx context.Context, ownerID string) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE owner_id = ? AND deleted_at IS NOT NULL
		ORDER BY deleted_at DESC, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted files: %w", err)
	}
	return collectFiles(rows)
}

// ListFilesDeletedBefore returns tombstoned files of all owners deleted at or before cutoff
func (s *Store) ListFilesDeletedBefore(ctx context.Context, cutoff time.Time) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE deleted_at IS NOT NULL AND deleted_at <= ?
		ORDER BY deleted_at, id
	`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired files: %w", err)
	}
	return collectFiles(rows)
}

// ListFilesInFolders returns every file, live or not, directly inside any of folderIDs
func (s *Store) ListFilesInFolders(ctx context.Context, folderIDs []string) ([]*File, error) {
	var files []*File
	for _, id := range folderIDs {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+fileColumns+` FROM files WHERE folder_id = ? ORDER BY id
		`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list folder files: %w", err)
		}
		batch, err := collectFiles(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, batch...)
	}
	return files, nil
}

// DetachFile moves a file to the owner's root
func (s *Store) DetachFile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files SET folder_id = NULL, updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to detach file: %w", err)
	}
	return nil
}

// IsRecordNotFound reports whether err means a row was missing
func IsRecordNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// ClaimPurge marks a tombstoned file as being purged. From then on restore
// refuses it. It reports false when the file is live again or gone.
func (s *Store) ClaimPurge(ctx context.Context, id string) (bool, error) {
	err := execOne(ctx, s.db, "claim file for purge", `
		UPDATE files SET purging = 1 WHERE id = ? AND deleted_at IS NOT NULL
	`, id)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeFileRecord deletes a claimed file row and runs release in the same
// transaction. It reports false when the row was already gone.
func (s *Store) PurgeFileRecord(ctx context.Context, id string, release func(ctx context.Context, tx *sql.Tx) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = execOne(ctx, tx, "delete file", `DELETE FROM files WHERE id = ? AND purging = 1`, id)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if release != nil {
		if err := release(ctx, tx); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit purge: %w", err)
	}
	return true, nil
}
