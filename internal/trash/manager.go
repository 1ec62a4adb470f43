// Package trash lists, restores and permanently purges tombstoned files and
// folders. Purges remove the blob, release the quota and drop the record.
package trash

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/activity"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/file"
	"github.com/unpload/unpload/internal/metrics"
	"github.com/unpload/unpload/internal/quota"
	"github.com/unpload/unpload/internal/storage"
)

// Manager operates on the tombstones of all owners
type Manager struct {
	files    *file.Manager
	store    *file.Store
	backend  storage.Backend
	activity activity.Recorder
	metrics  metrics.Manager
	logger   *logrus.Logger
	now      func() time.Time
}

// NewManager creates a trash manager. The retention window is the one the
// file manager enforces on restore.
func NewManager(files *file.Manager, backend storage.Backend, recorder activity.Recorder, m metrics.Manager, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if recorder == nil {
		recorder = activity.Nop{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Manager{
		files:    files,
		store:    files.Store(),
		backend:  backend,
		activity: recorder,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// List returns the owner's restorable items, newest deletion first
func (m *Manager) List(ctx context.Context, ownerID string) ([]*Item, error) {
	retention := m.files.Retention()
	since := m.now().Add(-retention)

	files, err := m.store.ListDeletedFiles(ctx, ownerID, since)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	folders, err := m.store.ListDeletedFolders(ctx, ownerID, since)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	items := make([]*Item, 0, len(files)+len(folders))
	for _, f := range files {
		items = append(items, &Item{
			ID:        f.ID,
			Kind:      KindFile,
			Name:      f.Name,
			ParentID:  f.FolderID,
			SizeBytes: f.SizeBytes,
			MimeType:  f.MimeType,
			DeletedAt: *f.DeletedAt,
			ExpiresAt: f.DeletedAt.Add(retention),
		})
	}
	for _, f := range folders {
		items = append(items, &Item{
			ID:        f.ID,
			Kind:      KindFolder,
			Name:      f.Name,
			ParentID:  f.ParentID,
			DeletedAt: *f.DeletedAt,
			ExpiresAt: f.DeletedAt.Add(retention),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].DeletedAt.After(items[j].DeletedAt)
	})
	return items, nil
}

// Restore brings back a file or folder and returns its kind
func (m *Manager) Restore(ctx context.Context, id, ownerID string) (string, error) {
	kind, err := m.resolve(ctx, id, ownerID)
	if err != nil {
		return "", err
	}

	switch kind {
	case KindFile:
		if _, err := m.files.Restore(ctx, id, ownerID); err != nil {
			return "", err
		}
	default:
		if _, err := m.files.RestoreFolder(ctx, id, ownerID); err != nil {
			return "", err
		}
	}
	return kind, nil
}

// resolve finds which kind of tombstone id names. Live items and items of
// other owners are reported as missing.
func (m *Manager) resolve(ctx context.Context, id, ownerID string) (string, error) {
	f, err := m.store.GetFile(ctx, id)
	switch {
	case err == nil:
		if f.IsLive() || f.OwnerID != ownerID {
			return "", ErrItemNotFound
		}
		return KindFile, nil
	case !file.IsRecordNotFound(err):
		return "", apperr.Internal(err)
	}

	folder, err := m.store.GetFolder(ctx, id)
	switch {
	case err == nil:
		if folder.IsLive() || folder.OwnerID != ownerID {
			return "", ErrItemNotFound
		}
		return KindFolder, nil
	case file.IsRecordNotFound(err):
		return "", ErrItemNotFound
	default:
		return "", apperr.Internal(err)
	}
}

// PermanentlyDelete purges one tombstoned item regardless of its age. A
// partial folder purge returns the report together with a *PurgeError.
func (m *Manager) PermanentlyDelete(ctx context.Context, id, ownerID string) (*PurgeReport, error) {
	kind, err := m.resolve(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	report := &PurgeReport{}
	if kind == KindFile {
		f, err := m.store.GetFile(ctx, id)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		m.purgeFile(ctx, f, report)
	} else {
		folder, err := m.store.GetFolder(ctx, id)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		m.purgeFolder(ctx, folder, report)
	}

	m.finish(ctx, ownerID, report)
	return report, report.err()
}

// EmptyAll purges every tombstone of the owner regardless of age
func (m *Manager) EmptyAll(ctx context.Context, ownerID string) (*PurgeReport, error) {
	folders, err := m.store.ListAllDeletedFolders(ctx, ownerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	report := &PurgeReport{}
	m.purgeFolders(ctx, folders, report)

	// Whatever is left sits in the root or in a live folder
	files, err := m.store.ListAllDeletedFiles(ctx, ownerID)
	if err != nil {
		return report, apperr.Internal(err)
	}
	for _, f := range files {
		m.purgeFile(ctx, f, report)
	}

	m.finish(ctx, ownerID, report)
	return report, report.err()
}

// PurgeExpired purges every tombstone of every owner that is older than the
// retention window at now
func (m *Manager) PurgeExpired(ctx context.Context, now time.Time) (*PurgeReport, error) {
	cutoff := now.Add(-m.files.Retention())

	folders, err := m.store.ListFoldersDeletedBefore(ctx, cutoff)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	report := &PurgeReport{}
	m.purgeFolders(ctx, folders, report)

	files, err := m.store.ListFilesDeletedBefore(ctx, cutoff)
	if err != nil {
		return report, apperr.Internal(err)
	}
	for _, f := range files {
		m.purgeFile(ctx, f, report)
	}

	m.metrics.RecordPurge(report.PurgedFiles, report.PurgedFolders, report.FreedBytes, len(report.Failures))
	if report.PurgedFiles+report.PurgedFolders+len(report.Failures) > 0 {
		m.logger.WithFields(logrus.Fields{
			"files":       report.PurgedFiles,
			"folders":     report.PurgedFolders,
			"freed_bytes": report.FreedBytes,
			"failures":    len(report.Failures),
		}).Info("Purged expired trash")
	}
	return report, report.err()
}

// purgeFolders purges only the topmost folders of the set; their tombstoned
// descendants go with them.
func (m *Manager) purgeFolders(ctx context.Context, folders []*file.Folder, report *PurgeReport) {
	inSet := make(map[string]bool, len(folders))
	for _, f := range folders {
		inSet[f.ID] = true
	}
	for _, f := range folders {
		if f.ParentID != nil && inSet[*f.ParentID] {
			continue
		}
		m.purgeFolder(ctx, f, report)
	}
}

func (m *Manager) finish(ctx context.Context, ownerID string, report *PurgeReport) {
	m.metrics.RecordPurge(report.PurgedFiles, report.PurgedFolders, report.FreedBytes, len(report.Failures))

	entry := m.logger.WithFields(logrus.Fields{
		"owner_id":    ownerID,
		"files":       report.PurgedFiles,
		"folders":     report.PurgedFolders,
		"freed_bytes": report.FreedBytes,
	})
	if len(report.Failures) > 0 {
		entry.WithField("failures", len(report.Failures)).Warn("Trash purge completed with failures")
	} else {
		entry.Info("Trash purged")
	}

	if report.PurgedFiles+report.PurgedFolders == 0 {
		return
	}
	m.activity.Log(ctx, &activity.Event{
		UserID: ownerID,
		Action: activity.ActionPurge,
		Details: map[string]interface{}{
			"files":       report.PurgedFiles,
			"folders":     report.PurgedFolders,
			"freed_bytes": report.FreedBytes,
			"failures":    len(report.Failures),
		},
	})
}

// purgeFile claims the record, removes the blob, then drops the record
// together with its quota share. Once claimed the file cannot be restored, so
// a blob is only ever deleted under a record that is about to go. A file that
// is live again or already gone is skipped. A failed blob delete leaves the
// claimed record in the trash for a retry.
func (m *Manager) purgeFile(ctx context.Context, f *file.File, report *PurgeReport) bool {
	claimed, err := m.store.ClaimPurge(ctx, f.ID)
	if err != nil {
		m.logger.WithError(err).WithField("file_id", f.ID).Error("Failed to claim file for purge")
		report.fail(f.ID, KindFile, apperr.Internal(err))
		return false
	}
	if !claimed {
		m.logger.WithField("file_id", f.ID).Debug("File restored or purged concurrently, skipping")
		return true
	}

	if err := m.backend.Delete(ctx, f.StorageKey); err != nil && !storage.IsNotFound(err) {
		m.logger.WithError(err).WithField("file_id", f.ID).Error("Failed to delete blob during purge")
		report.fail(f.ID, KindFile, apperr.Storage(err))
		return false
	}

	purged, err := m.store.PurgeFileRecord(ctx, f.ID, func(ctx context.Context, tx *sql.Tx) error {
		err := quota.AdjustTx(ctx, tx, f.OwnerID, -f.SizeBytes)
		if errors.Is(err, quota.ErrQuotaNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		m.logger.WithError(err).WithField("file_id", f.ID).Error("Failed to delete file record during purge")
		report.fail(f.ID, KindFile, apperr.Internal(err))
		return false
	}

	if purged {
		report.PurgedFiles++
		report.FreedBytes += f.SizeBytes
	}
	return true
}

// purgeFolder walks the subtree with an explicit stack. Tombstoned files
// are purged one by one, live files and folders are moved to the root, and
// folder rows are removed children first. A folder with a failed descendant
// is kept so a retry can finish it.
func (m *Manager) purgeFolder(ctx context.Context, root *file.Folder, report *PurgeReport) {
	var order []*file.Folder
	parents := make(map[string]string)
	blocked := make(map[string]bool)
	block := func(folderID string) {
		for id := folderID; id != "" && !blocked[id]; id = parents[id] {
			blocked[id] = true
		}
	}

	stack := []*file.Folder{root}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, current)

		children, err := m.store.ListChildFolders(ctx, current.ID)
		if err != nil {
			report.fail(current.ID, KindFolder, apperr.Internal(err))
			return
		}
		for _, child := range children {
			if child.IsLive() {
				if err := m.store.DetachFolder(ctx, child.ID); err != nil {
					report.fail(child.ID, KindFolder, apperr.Internal(err))
					block(current.ID)
					continue
				}
				m.logger.WithField("folder_id", child.ID).Info("Moved live folder to root before purge")
				continue
			}
			parents[child.ID] = current.ID
			stack = append(stack, child)
		}
	}

	ids := make([]string, len(order))
	for i, f := range order {
		ids[i] = f.ID
	}
	files, err := m.store.ListFilesInFolders(ctx, ids)
	if err != nil {
		report.fail(root.ID, KindFolder, apperr.Internal(err))
		return
	}

	for _, f := range files {
		if f.IsLive() {
			if err := m.store.DetachFile(ctx, f.ID); err != nil {
				report.fail(f.ID, KindFile, apperr.Internal(err))
				block(*f.FolderID)
				continue
			}
			m.logger.WithField("file_id", f.ID).Info("Moved live file to root before purge")
			continue
		}
		if !m.purgeFile(ctx, f, report) {
			block(*f.FolderID)
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		folder := order[i]
		if blocked[folder.ID] {
			continue
		}
		err := m.store.DeleteFolderRow(ctx, folder.ID)
		if file.IsRecordNotFound(err) {
			// Gone or restored meanwhile
			continue
		}
		if err != nil {
			m.logger.WithError(err).WithField("folder_id", folder.ID).Error("Failed to delete folder record during purge")
			report.fail(folder.ID, KindFolder, apperr.Internal(err))
			block(parents[folder.ID])
			continue
		}
		report.PurgedFolders++
	}
}
