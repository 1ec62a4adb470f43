package file

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/activity"
	"github.com/unpload/unpload/internal/apperr"
)

// CreateFolder creates a folder under parentID (nil for root)
func (m *Manager) CreateFolder(ctx context.Context, ownerID string, parentID *string, name string) (*Folder, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		if _, err := m.ownedLiveFolder(ctx, *parentID, ownerID, false); err != nil {
			return nil, err
		}
	}

	now := m.now()
	folder := &Folder{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ParentID:  parentID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertFolder(ctx, folder); err != nil {
		return nil, apperr.Internal(err)
	}

	m.activity.Log(ctx, &activity.Event{
		UserID:       ownerID,
		Action:       activity.ActionFolderCreate,
		ResourceType: activity.ResourceFolder,
		ResourceID:   folder.ID,
		ResourceName: folder.Name,
	})
	return folder, nil
}

// GetFolder returns a live folder of ownerID
func (m *Manager) GetFolder(ctx context.Context, folderID, ownerID string) (*Folder, error) {
	return m.ownedLiveFolder(ctx, folderID, ownerID, true)
}

// LookupFolder returns a live folder without an owner check
func (m *Manager) LookupFolder(ctx context.Context, folderID string) (*Folder, error) {
	f, err := m.store.GetFolder(ctx, folderID)
	if errors.Is(err, errNotFound) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !f.IsLive() {
		return nil, ErrFolderNotFound
	}
	return f, nil
}

// ListFolders returns the live subfolders of parentID (nil for root)
func (m *Manager) ListFolders(ctx context.Context, ownerID string, parentID *string) ([]*Folder, error) {
	if parentID != nil {
		if _, err := m.ownedLiveFolder(ctx, *parentID, ownerID, true); err != nil {
			return nil, err
		}
	}
	folders, err := m.store.ListFolders(ctx, ownerID, parentID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return folders, nil
}

// RenameFolder changes a folder's name
func (m *Manager) RenameFolder(ctx context.Context, folderID, ownerID, name string) (*Folder, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}

	folder, err := m.ownedLiveFolder(ctx, folderID, ownerID, true)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if err := m.store.RenameFolder(ctx, folder.ID, name, now); err != nil {
		return nil, m.mapFolderErr(err)
	}
	folder.Name = name
	folder.UpdatedAt = now
	return folder, nil
}

// MoveFolder re-parents a folder. Moving a folder below itself fails.
func (m *Manager) MoveFolder(ctx context.Context, folderID, ownerID string, parentID *string) (*Folder, error) {
	folder, err := m.ownedLiveFolder(ctx, folderID, ownerID, true)
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		if _, err := m.ownedLiveFolder(ctx, *parentID, ownerID, false); err != nil {
			return nil, err
		}
		cycle, err := m.store.IsAncestor(ctx, folder.ID, *parentID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if cycle {
			return nil, ErrFolderCycle
		}
	}

	now := m.now()
	if err := m.store.MoveFolder(ctx, folder.ID, parentID, now); err != nil {
		return nil, m.mapFolderErr(err)
	}
	folder.ParentID = parentID
	folder.UpdatedAt = now
	return folder, nil
}

// DeleteFolder tombstones a folder together with all live descendants
func (m *Manager) DeleteFolder(ctx context.Context, folderID, ownerID string) error {
	folder, err := m.ownedLiveFolder(ctx, folderID, ownerID, true)
	if err != nil {
		return err
	}

	if err := m.store.TombstoneTree(ctx, folder.ID, m.now()); err != nil {
		return m.mapFolderErr(err)
	}

	m.logger.WithFields(logrus.Fields{
		"owner_id":  ownerID,
		"folder_id": folder.ID,
	}).Info("Folder moved to trash")

	m.activity.Log(ctx, &activity.Event{
		UserID:       ownerID,
		Action:       activity.ActionFolderDelete,
		ResourceType: activity.ResourceFolder,
		ResourceID:   folder.ID,
		ResourceName: folder.Name,
	})
	return nil
}

// RestoreFolder restores a tombstoned folder and the contents deleted with it.
// A folder whose parent is gone is restored to the root.
func (m *Manager) RestoreFolder(ctx context.Context, folderID, ownerID string) (*Folder, error) {
	folder, err := m.store.GetFolder(ctx, folderID)
	if errors.Is(err, errNotFound) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if folder.IsLive() || folder.OwnerID != ownerID || !m.withinWindow(*folder.DeletedAt) {
		return nil, ErrFolderNotFound
	}

	detach := false
	if folder.ParentID != nil {
		parent, err := m.store.GetFolder(ctx, *folder.ParentID)
		if err != nil && !errors.Is(err, errNotFound) {
			return nil, apperr.Internal(err)
		}
		detach = parent == nil || !parent.IsLive()
	}

	if err := m.store.RestoreTree(ctx, folder, *folder.DeletedAt, detach); err != nil {
		return nil, m.mapFolderErr(err)
	}

	m.activity.Log(ctx, &activity.Event{
		UserID:       ownerID,
		Action:       activity.ActionRestore,
		ResourceType: activity.ResourceFolder,
		ResourceID:   folder.ID,
		ResourceName: folder.Name,
	})

	restored, err := m.store.GetFolder(ctx, folder.ID)
	if err != nil {
		return nil, m.mapFolderErr(err)
	}
	return restored, nil
}
