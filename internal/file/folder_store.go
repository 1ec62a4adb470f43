package file

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const folderColumns = `id, owner_id, parent_id, name, created_at, updated_at, deleted_at`

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func scanFolder(s scanner) (*Folder, error) {
	var f Folder
	var parentID sql.NullString
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	if err := s.Scan(&f.ID, &f.OwnerID, &parentID, &f.Name, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	f.ParentID = fromNullString(parentID)
	f.CreatedAt = time.Unix(createdAt, 0)
	f.UpdatedAt = time.Unix(updatedAt, 0)
	f.DeletedAt = fromNullUnix(deletedAt)
	return &f, nil
}

func collectFolders(rows *sql.Rows) ([]*Folder, error) {
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// InsertFolder creates a folder record
func (s *Store) InsertFolder(ctx context.Context, f *Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (`+folderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OwnerID, nullableString(f.ParentID), f.Name, f.CreatedAt.Unix(), f.UpdatedAt.Unix(), nullableTime(f.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert folder: %w", err)
	}
	return nil
}

// GetFolder returns a folder record whether live or tombstoned
func (s *Store) GetFolder(ctx context.Context, id string) (*Folder, error) {
	f, err := scanFolder(s.db.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

// ListFolders returns live subfolders of parentID (nil for root), ordered by name
func (s *Store) ListFolders(ctx context.Context, ownerID string, parentID *string) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE owner_id = ? AND parent_id IS ? AND deleted_at IS NULL
		ORDER BY name COLLATE NOCASE, id
	`, ownerID, nullableString(parentID))
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return collectFolders(rows)
}

// RenameFolder sets the name of a live folder
func (s *Store) RenameFolder(ctx context.Context, id, name string, at time.Time) error {
	return execOne(ctx, s.db, "rename folder", `
		UPDATE folders SET name = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, name, at.Unix(), id)
}

// MoveFolder re-parents a live folder under parentID (nil for root). The new
// parent must be live when the row is written.
func (s *Store) MoveFolder(ctx context.Context, id string, parentID *string, at time.Time) error {
	return execOne(ctx, s.db, "move folder", `
		UPDATE folders SET parent_id = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
		  AND (? IS NULL OR EXISTS (SELECT 1 FROM folders p WHERE p.id = ? AND p.deleted_at IS NULL))
	`, nullableString(parentID), at.Unix(), id, nullableString(parentID), nullableString(parentID))
}

// DeleteFolderRow removes a tombstoned folder record. It fails while
// children still reference it.
func (s *Store) DeleteFolderRow(ctx context.Context, id string) error {
	return execOne(ctx, s.db, "delete folder", `DELETE FROM folders WHERE id = ? AND deleted_at IS NOT NULL`, id)
}

// DetachFolder moves a folder to the owner's root
func (s *Store) DetachFolder(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE folders SET parent_id = NULL, updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to detach folder: %w", err)
	}
	return nil
}

// ListChildFolders returns every direct subfolder, live or not
func (s *Store) ListChildFolders(ctx context.Context, parentID string) ([]*Folder, error) {
	return childFolders(ctx, s.db, parentID)
}

func childFolders(ctx context.Context, q queryer, parentID string) ([]*Folder, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child folders: %w", err)
	}
	return collectFolders(rows)
}

// ListDeletedFolders returns an owner's tombstoned folders deleted after since
func (s *Store) ListDeletedFolders(ctx context.Context, ownerID string, since time.Time) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE owner_id = ? AND deleted_at IS NOT NULL AND deleted_at > ?
		ORDER BY deleted_at DESC, id
	`, ownerID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted folders: %w", err)
	}
	return collectFolders(rows)
}

// ListAllDeletedFolders returns every tombstoned folder of an owner regardless of age
func (s *Store) ListAllDeletedFolders(ctx context.Context, ownerID string) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE owner_id = ? AND deleted_at IS NOT NULL
		ORDER BY deleted_at DESC, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted folders: %w", err)
	}
	return collectFolders(rows)
}

// ListFoldersDeletedBefore returns tombstoned folders of all owners deleted at or before cutoff
func (s *Store) ListFoldersDeletedBefore(ctx context.Context, cutoff time.Time) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE deleted_at IS NOT NULL AND deleted_at <= ?
		ORDER BY deleted_at, id
	`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired folders: %w", err)
	}
	return collectFolders(rows)
}

// TombstoneTree marks the folder and every live descendant file and folder as
// deleted at the same instant, in one transaction. A root that is no longer
// live is errNotFound.
func (s *Store) TombstoneTree(ctx context.Context, rootID string, deletedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := deletedAt.Unix()
	if err := execOne(ctx, tx, "tombstone folder", `
		UPDATE folders SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, ts, rootID); err != nil {
		return err
	}

	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, err := tx.ExecContext(ctx, `
			UPDATE folders SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
		`, ts, id); err != nil {
			return fmt.Errorf("failed to tombstone folder: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE files SET deleted_at = ? WHERE folder_id = ? AND deleted_at IS NULL
		`, ts, id); err != nil {
			return fmt.Errorf("failed to tombstone files: %w", err)
		}

		children, err := childFolders(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			stack = append(stack, child.ID)
		}
	}

	return tx.Commit()
}

// RestoreTree clears the tombstone of the folder and of the descendants that
// were deleted together with it (same deletedAt). With detach the folder is
// moved to the owner's root. Files claimed by a purge stay in the trash. A
// root whose tombstone changed meanwhile is errNotFound.
func (s *Store) RestoreTree(ctx context.Context, root *Folder, deletedAt time.Time, detach bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := deletedAt.Unix()
	if err := execOne(ctx, tx, "restore folder", `
		UPDATE folders SET deleted_at = NULL WHERE id = ? AND deleted_at = ?
	`, root.ID, ts); err != nil {
		return err
	}
	if detach {
		if _, err := tx.ExecContext(ctx, `UPDATE folders SET parent_id = NULL, updated_at = ? WHERE id = ?`, time.Now().Unix(), root.ID); err != nil {
			return fmt.Errorf("failed to detach folder: %w", err)
		}
	}

	stack := []string{root.ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, err := tx.ExecContext(ctx, `
			UPDATE folders SET deleted_at = NULL WHERE id = ? AND deleted_at = ?
		`, id, ts); err != nil {
			return fmt.Errorf("failed to restore folder: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE files SET deleted_at = NULL WHERE folder_id = ? AND deleted_at = ? AND purging = 0
		`, id, ts); err != nil {
			return fmt.Errorf("failed to restore files: %w", err)
		}

		children, err := childFolders(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.DeletedAt != nil && child.DeletedAt.Unix() == ts {
				stack = append(stack, child.ID)
			}
		}
	}

	return tx.Commit()
}

// IsAncestor reports whether ancestorID appears on the parent chain of folderID
// (a folder counts as its own ancestor).
func (s *Store) IsAncestor(ctx context.Context, ancestorID, folderID string) (bool, error) {
	current := folderID
	seen := make(map[string]bool)
	for current != "" {
		if current == ancestorID {
			return true, nil
		}
		if seen[current] {
			return false, fmt.Errorf("folder hierarchy loop at %s", current)
		}
		seen[current] = true

		var parent sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT parent_id FROM folders WHERE id = ?`, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read folder parent: %w", err)
		}
		current = parent.String
	}
	return false, nil
}
