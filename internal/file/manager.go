// Package file implements the lifecycle of files and folders: quota-checked
// checksummed uploads, rename and move, soft delete and restore, and
// downloads streamed from the storage backend.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/activity"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/metrics"
	"github.com/unpload/unpload/internal/storage"
)

const maxNameLength = 255

// QuotaLedger is the part of the quota ledger the lifecycle needs
type QuotaLedger interface {
	CheckCapacity(ctx context.Context, ownerID string, additionalBytes int64) error
	Reserve(ctx context.Context, ownerID string, bytes int64) error
	Adjust(ctx context.Context, ownerID string, delta int64) error
}

// Options configures a Manager
type Options struct {
	// TempDir holds uploads while they are hashed; empty uses the OS default
	TempDir string
	// Retention is how long a tombstone can be restored
	Retention time.Duration
	// MaxFileSize returns the current upload limit in bytes; <= 0 means unlimited
	MaxFileSize func() int64

	Activity activity.Recorder
	Metrics  metrics.Manager
}

// Manager orchestrates file and folder operations
type Manager struct {
	store    *Store
	backend  storage.Backend
	quota    QuotaLedger
	activity activity.Recorder
	metrics  metrics.Manager
	logger   *logrus.Logger

	tempDir     string
	retention   time.Duration
	maxFileSize func() int64
	now         func() time.Time
}

// NewManager creates a lifecycle manager
func NewManager(store *Store, backend storage.Backend, quota QuotaLedger, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Activity == nil {
		opts.Activity = activity.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.MaxFileSize == nil {
		opts.MaxFileSize = func() int64 { return 0 }
	}

	return &Manager{
		store:       store,
		backend:     backend,
		quota:       quota,
		activity:    opts.Activity,
		metrics:     opts.Metrics,
		logger:      logger,
		tempDir:     opts.TempDir,
		retention:   opts.Retention,
		maxFileSize: opts.MaxFileSize,
		now:         time.Now,
	}
}

// Retention returns the restore window
func (m *Manager) Retention() time.Duration {
	return m.retention
}

// Store returns the underlying record store
func (m *Manager) Store() *Store {
	return m.store
}

// withinWindow reports whether a tombstone created at deletedAt can still be restored
func (m *Manager) withinWindow(deletedAt time.Time) bool {
	return m.now().Before(deletedAt.Add(m.retention))
}

// spooled is an upload written to a temp file with its digest
type spooled struct {
	file     *os.File
	size     int64
	checksum string
	head     []byte
}

func (s *spooled) cleanup() {
	s.file.Close()
	os.Remove(s.file.Name())
}

// spool copies data to a temp file, hashing it on the way. At most limit+1
// bytes are read when limit is positive.
func (m *Manager) spool(data io.Reader, limit int64) (*spooled, error) {
	tmp, err := os.CreateTemp(m.tempDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	s := &spooled{file: tmp}

	if limit > 0 {
		data = io.LimitReader(data, limit+1)
	}

	src := &sourceReader{r: data}
	hasher := sha256.New()
	head := &headBuffer{max: 512}
	n, err := io.Copy(io.MultiWriter(tmp, hasher, head), src)
	if err != nil {
		s.cleanup()
		if src.err != nil {
			return nil, fmt.Errorf("%w: %v", errUploadRead, src.err)
		}
		return nil, fmt.Errorf("failed to write spool file: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	s.size = n
	s.checksum = hex.EncodeToString(hasher.Sum(nil))
	s.head = head.buf
	return s, nil
}

// errUploadRead marks a failure reading the client's bytes, as opposed to
// writing the spool file
var errUploadRead = errors.New("failed to read upload")

// sourceReader remembers the first read error of the upload stream
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// headBuffer keeps the first max bytes written to it
type headBuffer struct {
	buf []byte
	max int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.max - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}

// cleanName reduces a client supplied name to its base name
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", ErrNameRequired
	}
	if len(name) > maxNameLength {
		return "", apperr.Validation("name is too long")
	}
	return name, nil
}

func detectMimeType(declared, name string, head []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(head)
}

// Upload ingests one file. A declared size that cannot fit is refused before
// any byte is read. The bytes are hashed and measured first, then the size is
// reserved against the owner's quota, then the blob is written, and only then
// is the record created. A failure at any step leaves no record and no net
// quota change.
func (m *Manager) Upload(ctx context.Context, in UploadInput) (*File, error) {
	start := time.Now()
	f, err := m.upload(ctx, in)
	if err != nil {
		m.metrics.RecordUpload(false, 0, time.Since(start))
		return nil, err
	}
	m.metrics.RecordUpload(true, f.SizeBytes, time.Since(start))
	return f, nil
}

func (m *Manager) upload(ctx context.Context, in UploadInput) (*File, error) {
	name, err := cleanName(in.OriginalName)
	if err != nil {
		return nil, err
	}
	if in.Data == nil {
		return nil, apperr.Validation("file content is required")
	}

	limit := m.maxFileSize()
	if in.SizeHint > 0 {
		if limit > 0 && in.SizeHint > limit {
			return nil, ErrFileTooLarge
		}
		if err := m.quota.CheckCapacity(ctx, in.OwnerID, in.SizeHint); err != nil {
			if errors.Is(err, apperr.ErrQuotaExceeded) {
				m.metrics.RecordQuotaRejection()
			}
			return nil, err
		}
	}

	sp, err := m.spool(in.Data, limit)
	if errors.Is(err, errUploadRead) {
		return nil, apperr.Wrap(apperr.KindValidation, apperr.CodeValidation, "upload body could not be read", err)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer sp.cleanup()

	if limit > 0 && sp.size > limit {
		return nil, ErrFileTooLarge
	}

	if in.FolderID != nil {
		if _, err := m.ownedLiveFolder(ctx, *in.FolderID, in.OwnerID, false); err != nil {
			return nil, err
		}
	}

	if err := m.quota.Reserve(ctx, in.OwnerID, sp.size); err != nil {
		if errors.Is(err, apperr.ErrQuotaExceeded) {
			m.metrics.RecordQuotaRejection()
		}
		return nil, err
	}

	id := uuid.New().String()
	key := StorageKey(in.OwnerID, id)
	mimeType := detectMimeType(in.MimeType, name, sp.head)

	if err := m.backend.Put(ctx, key, sp.file, sp.size, mimeType); err != nil {
		m.release(ctx, in.OwnerID, sp.size)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"owner_id": in.OwnerID,
			"file_id":  id,
		}).Error("Storage write failed during upload")
		return nil, apperr.Storage(err)
	}

	now := m.now()
	f := &File{
		ID:           id,
		OwnerID:      in.OwnerID,
		FolderID:     in.FolderID,
		Name:         name,
		OriginalName: name,
		MimeType:     mimeType,
		SizeBytes:    sp.size,
		StorageKey:   key,
		Checksum:     sp.checksum,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.InsertFile(ctx, f); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if delErr := m.backend.Delete(cleanupCtx, key); delErr != nil {
			m.logger.WithError(delErr).WithField("file_id", id).Error("Failed to remove orphaned blob")
		}
		m.release(ctx, in.OwnerID, sp.size)
		return nil, apperr.Internal(err)
	}

	m.logger.WithFields(logrus.Fields{
		"owner_id": f.OwnerID,
		"file_id":  f.ID,
		"size":     f.SizeBytes,
	}).Info("File uploaded")

	m.activity.Log(ctx, &activity.Event{
		UserID:       f.OwnerID,
		Action:       activity.ActionUpload,
		ResourceType: activity.ResourceFile,
		ResourceID:   f.ID,
		ResourceName: f.Name,
		Details:      map[string]interface{}{"size": f.SizeBytes},
	})

	return f, nil
}

// release returns a reservation after a failed upload
func (m *Manager) release(ctx context.Context, ownerID string, size int64) {
	if size == 0 {
		return
	}
	if err := m.quota.Adjust(context.WithoutCancel(ctx), ownerID, -size); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"owner_id": ownerID,
			"size":     size,
		}).Error("Failed to release quota reservation; run recompute to repair")
	}
}

// ownedLiveFile loads a live file and checks ownership. A non-owner gets
// Forbidden; a missing or tombstoned file is NotFound.
func (m *Manager) ownedLiveFile(ctx context.Context, fileID, ownerID string) (*File, error) {
	f, err := m.store.GetFile(ctx, fileID)
	if errors.Is(err, errNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !f.IsLive() {
		return nil, ErrFileNotFound
	}
	if f.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return f, nil
}

// ownedLiveFolder loads a live folder of ownerID. With strict a foreign
// folder is Forbidden, otherwise it is reported as missing.
func (m *Manager) ownedLiveFolder(ctx context.Context, folderID, ownerID string, strict bool) (*Folder, error) {
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
	if f.OwnerID != ownerID {
		if strict {
			return nil, ErrAccessDenied
		}
		return nil, ErrFolderNotFound
	}
	return f, nil
}

// Get returns a live file of ownerID
func (m *Manager) Get(ctx context.Context, fileID, ownerID string) (*File, error) {
	return m.ownedLiveFile(ctx, fileID, ownerID)
}

// List returns live files in folderID (nil for root)
func (m *Manager) List(ctx context.Context, ownerID string, folderID *string) ([]*File, error) {
	if folderID != nil {
		if _, err := m.ownedLiveFolder(ctx, *folderID, ownerID, true); err != nil {
			return nil, err
		}
	}
	files, err := m.store.ListFiles(ctx, ownerID, folderID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return files, nil
}

// Download opens a live file owned by requesterID. The caller must close the object.
func (m *Manager) Download(ctx context.Context, fileID, requesterID string) (storage.Object, *File, error) {
	f, err := m.ownedLiveFile(ctx, fileID, requesterID)
	if err != nil {
		m.metrics.RecordDownload(metrics.SourceOwner, false)
		return nil, nil, err
	}

	obj, err := m.open(ctx, f)
	m.metrics.RecordDownload(metrics.SourceOwner, err == nil)
	if err != nil {
		return nil, nil, err
	}

	m.activity.Log(ctx, &activity.Event{
		UserID:       f.OwnerID,
		Action:       activity.ActionDownload,
		ResourceType: activity.ResourceFile,
		ResourceID:   f.ID,
		ResourceName: f.Name,
	})
	return obj, f, nil
}

// OpenShared opens a live file on behalf of a share link. Policy checks are
// the caller's responsibility.
func (m *Manager) OpenShared(ctx context.Context, fileID string) (storage.Object, *File, error) {
	f, err := m.store.GetFile(ctx, fileID)
	if errors.Is(err, errNotFound) || (err == nil && !f.IsLive()) {
		m.metrics.RecordDownload(metrics.SourceShare, false)
		return nil, nil, ErrFileNotFound
	}
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}

	obj, err := m.open(ctx, f)
	m.metrics.RecordDownload(metrics.SourceShare, err == nil)
	if err != nil {
		return nil, nil, err
	}
	return obj, f, nil
}

// Lookup returns a live file without an owner check
func (m *Manager) Lookup(ctx context.Context, fileID string) (*File, error) {
	f, err := m.store.GetFile(ctx, fileID)
	if errors.Is(err, errNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !f.IsLive() {
		return nil, ErrFileNotFound
	}
	return f, nil
}

func (m *Manager) open(ctx context.Context, f *File) (storage.Object, error) {
	obj, err := m.backend.Get(ctx, f.StorageKey)
	if storage.IsNotFound(err) {
		m.logger.WithField("file_id", f.ID).Error("File record has no blob in storage")
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return obj, nil
}

// Rename changes the display name of a live file
func (m *Manager) Rename(ctx context.Context, fileID, ownerID, name string) (*File, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}

	f, err := m.ownedLiveFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if err := m.store.RenameFile(ctx, f.ID, name, now); err != nil {
		return nil, m.mapFileErr(err)
	}
	f.Name = name
	f.UpdatedAt = now
	return f, nil
}

// Move places a live file in folderID (nil for root)
func (m *Manager) Move(ctx context.Context, fileID, ownerID string, folderID *string) (*File, error) {
	f, err := m.ownedLiveFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}

	if folderID != nil {
		if _, err := m.ownedLiveFolder(ctx, *folderID, ownerID, false); err != nil {
			return nil, err
		}
	}

	now := m.now()
	if err := m.store.MoveFile(ctx, f.ID, folderID, now); err != nil {
		if errors.Is(err, errNotFound) && folderID != nil {
			// Either side may have gone to the trash since the checks above
			if _, ferr := m.ownedLiveFolder(ctx, *folderID, ownerID, false); ferr != nil {
				return nil, ferr
			}
		}
		return nil, m.mapFileErr(err)
	}
	f.FolderID = folderID
	f.UpdatedAt = now
	return f, nil
}

// Delete tombstones a live file. Storage and quota are untouched until purge.
func (m *Manager) Delete(ctx context.Context, fileID, ownerID string) error {
	f, err := m.ownedLiveFile(ctx, fileID, ownerID)
	if err != nil {
		return err
	}

	if err := m.store.TombstoneFile(ctx, f.ID, m.now()); err != nil {
		return m.mapFileErr(err)
	}

	m.activity.Log(ctx, &activity.Event{
		UserID:       ownerID,
		Action:       activity.ActionDelete,
		ResourceType: activity.ResourceFile,
		ResourceID:   f.ID,
		ResourceName: f.Name,
	})
	return nil
}

// Restore brings a tombstoned file back while it is inside the retention
// window. A file whose folder is gone is restored to the root.
func (m *Manager) Restore(ctx context.Context, fileID, ownerID string) (*File, error) {
	f, err := m.store.GetFile(ctx, fileID)
	if errors.Is(err, errNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if f.IsLive() || f.Purging || f.OwnerID != ownerID || !m.withinWindow(*f.DeletedAt) {
		return nil, ErrFileNotFound
	}

	detach := false
	if f.FolderID != nil {
		folder, err := m.store.GetFolder(ctx, *f.FolderID)
		if err != nil && !errors.Is(err, errNotFound) {
			return nil, apperr.Internal(err)
		}
		detach = folder == nil || !folder.IsLive()
	}

	now := m.now()
	if err := m.store.RestoreFile(ctx, f.ID, *f.DeletedAt, detach, now); err != nil {
		return nil, m.mapFileErr(err)
	}
	if detach {
		f.FolderID = nil
		f.UpdatedAt = now
	}
	f.DeletedAt = nil

	m.activity.Log(ctx, &activity.Event{
		UserID:       ownerID,
		Action:       activity.ActionRestore,
		ResourceType: activity.ResourceFile,
		ResourceID:   f.ID,
		ResourceName: f.Name,
	})
	return f, nil
}

func (m *Manager) mapFileErr(err error) error {
	if errors.Is(err, errNotFound) {
		return ErrFileNotFound
	}
	return apperr.Internal(err)
}

func (m *Manager) mapFolderErr(err error) error {
	if errors.Is(err, errNotFound) {
		return ErrFolderNotFound
	}
	return apperr.Internal(err)
}
