// Package share controls public links to files and folders. Every access is
// validated against the current state of the share, its owner and its target.
package share

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/activity"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/config"
	"github.com/unpload/unpload/internal/file"
	"github.com/unpload/unpload/internal/metrics"
	"github.com/unpload/unpload/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

const slugAttempts = 5

// Access kinds reported to metrics
const (
	accessView     = "view"
	accessVerify   = "verify"
	accessDownload = "download"
)

// OwnerChecker reports whether a user account may still serve shares
type OwnerChecker interface {
	IsEnabled(ctx context.Context, userID string) (bool, error)
}

// Options configures a Manager
type Options struct {
	Config   config.ShareConfig
	Activity activity.Recorder
	Metrics  metrics.Manager
}

// Manager creates shares and gates anonymous access to them
type Manager struct {
	store    *Store
	files    *file.Manager
	owners   OwnerChecker
	cfg      config.ShareConfig
	activity activity.Recorder
	metrics  metrics.Manager
	logger   *logrus.Logger
	now      func() time.Time
}

// NewManager creates a share manager
func NewManager(store *Store, files *file.Manager, owners OwnerChecker, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Activity == nil {
		opts.Activity = activity.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}

	cfg := opts.Config
	if cfg.SlugAlphabet == "" {
		cfg.SlugAlphabet = config.DefaultSlugAlphabet
	}
	if cfg.SlugLength <= 0 {
		cfg.SlugLength = 8
	}
	if cfg.CustomSlugMinLength <= 0 {
		cfg.CustomSlugMinLength = 4
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	return &Manager{
		store:    store,
		files:    files,
		owners:   owners,
		cfg:      cfg,
		activity: opts.Activity,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

func (m *Manager) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cfg.BcryptCost)
	if err != nil {
		return "", apperr.Internal(err)
	}
	return string(hash), nil
}

func normalizeVisibility(v string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", VisibilityPublic:
		return VisibilityPublic, nil
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	default:
		return "", apperr.Validation("visibility must be PUBLIC or PRIVATE")
	}
}

// checkTarget verifies the target is live and owned. Anything else is NotFound.
func (m *Manager) checkTarget(ctx context.Context, ownerID string, req CreateRequest) (string, error) {
	if req.FileID != nil {
		f, err := m.files.Lookup(ctx, *req.FileID)
		if err != nil {
			return "", err
		}
		if f.OwnerID != ownerID {
			return "", file.ErrFileNotFound
		}
		return f.Name, nil
	}

	folder, err := m.files.LookupFolder(ctx, *req.FolderID)
	if err != nil {
		return "", err
	}
	if folder.OwnerID != ownerID {
		return "", file.ErrFolderNotFound
	}
	return folder.Name, nil
}

// Create creates a share on a file or a folder of ownerID
func (m *Manager) Create(ctx context.Context, ownerID string, req CreateRequest) (*Share, error) {
	if (req.FileID == nil) == (req.FolderID == nil) {
		return nil, apperr.Validation("exactly one of fileId and folderId is required")
	}

	visibility, err := normalizeVisibility(req.Visibility)
	if err != nil {
		return nil, err
	}
	if req.MaxDownloads != nil && *req.MaxDownloads <= 0 {
		return nil, apperr.Validation("maxDownloads must be greater than zero")
	}
	now := m.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperr.Validation("expiresAt must be in the future")
	}
	if req.Slug != "" {
		if err := validateCustomSlug(req.Slug, m.cfg.CustomSlugMinLength); err != nil {
			return nil, err
		}
	}

	targetName, err := m.checkTarget(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}

	sh := &Share{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		FileID:       req.FileID,
		FolderID:     req.FolderID,
		Visibility:   visibility,
		ExpiresAt:    req.ExpiresAt,
		MaxDownloads: req.MaxDownloads,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Password != "" {
		if sh.PasswordHash, err = m.hashPassword(req.Password); err != nil {
			return nil, err
		}
		sh.HasPassword = true
	}

	if err := m.insert(ctx, sh, req.Slug); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"owner_id": ownerID,
		"share_id": sh.ID,
		"target":   sh.TargetKind(),
	}).Info("Share created")

	m.activity.Log(ctx, &activity.Event{
		UserID:       ownerID,
		Action:       activity.ActionShareCreate,
		ResourceType: activity.ResourceShare,
		ResourceID:   sh.ID,
		ResourceName: targetName,
		Details:      map[string]interface{}{"slug": sh.Slug, "target": sh.TargetKind()},
	})
	return sh, nil
}

// insert stores the share under the custom slug, or under a generated one
// retried on collision
func (m *Manager) insert(ctx context.Context, sh *Share, custom string) error {
	if custom != "" {
		sh.Slug = custom
		err := m.store.Insert(ctx, sh)
		if errors.Is(err, errSlugTaken) {
			return apperr.Validation("slug is already taken")
		}
		if err != nil {
			return apperr.Internal(err)
		}
		return nil
	}

	for attempt := 0; attempt < slugAttempts; attempt++ {
		slug, err := generateSlug(m.cfg.SlugAlphabet, m.cfg.SlugLength)
		if err != nil {
			return apperr.Internal(err)
		}
		sh.Slug = slug
		err = m.store.Insert(ctx, sh)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errSlugTaken) {
			return apperr.Internal(err)
		}
		m.logger.WithField("attempt", attempt+1).Debug("Generated slug collided, retrying")
	}
	return apperr.Internal(errors.New("could not generate a unique slug"))
}

// owned loads a share for its owner. A foreign share is Forbidden.
func (m *Manager) owned(ctx context.Context, id, ownerID string) (*Share, error) {
	sh, err := m.store.GetByID(ctx, id)
	if errors.Is(err, errNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if sh.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return sh, nil
}

// Get returns one of the owner's shares
func (m *Manager) Get(ctx context.Context, id, ownerID string) (*Share, error) {
	return m.owned(ctx, id, ownerID)
}

// Update changes the policy fields of a share
func (m *Manager) Update(ctx context.Context, id, ownerID string, req UpdateRequest) (*Share, error) {
	sh, err := m.owned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	if req.Visibility != nil {
		if sh.Visibility, err = normalizeVisibility(*req.Visibility); err != nil {
			return nil, err
		}
	}

	switch {
	case req.ClearPassword:
		sh.PasswordHash = ""
	case req.Password != nil && *req.Password != "":
		if sh.PasswordHash, err = m.hashPassword(*req.Password); err != nil {
			return nil, err
		}
	}
	sh.HasPassword = sh.PasswordHash != ""

	now := m.now()
	switch {
	case req.ClearExpiresAt:
		sh.ExpiresAt = nil
	case req.ExpiresAt != nil:
		if !req.ExpiresAt.After(now) {
			return nil, apperr.Validation("expiresAt must be in the future")
		}
		sh.ExpiresAt = req.ExpiresAt
	}

	switch {
	case req.ClearMaxDownloads:
		sh.MaxDownloads = nil
	case req.MaxDownloads != nil:
		if *req.MaxDownloads <= 0 {
			return nil, apperr.Validation("maxDownloads must be greater than zero")
		}
		sh.MaxDownloads = req.MaxDownloads
	}

	if req.Enabled != nil {
		sh.Enabled = *req.Enabled
	}

	sh.UpdatedAt = now
	if err := m.store.UpdatePolicy(ctx, sh); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, apperr.Internal(err)
	}
	return sh, nil
}

// Delete removes one of the owner's shares
func (m *Manager) Delete(ctx context.Context, id, ownerID string) error {
	sh, err := m.owned(ctx, id, ownerID)
	if err != nil {
		return err
	}

	if err := m.store.Delete(ctx, sh.ID); err != nil {
		if errors.Is(err, errNotFound) {
			return ErrShareNotFound
		}
		return apperr.Internal(err)
	}

	m.activity.Log(ctx, &activity.Event{
		UserID:       ownerID,
		Action:       activity.ActionShareDelete,
		ResourceType: activity.ResourceShare,
		ResourceID:   sh.ID,
		Details:      map[string]interface{}{"slug": sh.Slug},
	})
	return nil
}

// ListByOwner returns the owner's shares, newest first
func (m *Manager) ListByOwner(ctx context.Context, ownerID string) ([]*Share, error) {
	shares, err := m.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return shares, nil
}

// validate resolves slug and runs every policy check in order
func (m *Manager) validate(ctx context.Context, slug, password string) (*Share, error) {
	sh, err := m.store.GetBySlug(ctx, slug)
	if errors.Is(err, errNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if !sh.Enabled {
		return nil, ErrShareDisabled
	}

	enabled, err := m.owners.IsEnabled(ctx, sh.OwnerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !enabled {
		return nil, ErrOwnerDisabled
	}

	if sh.ExpiresAt != nil && !m.now().Before(*sh.ExpiresAt) {
		return nil, ErrShareExpired
	}

	if sh.MaxDownloads != nil && sh.DownloadCount >= *sh.MaxDownloads {
		return nil, ErrDownloadLimit
	}

	if sh.PasswordHash != "" {
		if password == "" {
			return nil, ErrPasswordRequired
		}
		if bcrypt.CompareHashAndPassword([]byte(sh.PasswordHash), []byte(password)) != nil {
			return nil, ErrPasswordInvalid
		}
	}

	return sh, nil
}

func (m *Manager) recordAccess(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(apperr.CodeOf(err))
	}
	m.metrics.RecordShareAccess(kind, outcome)
}

// Access validates a visit and returns the public summary. Each successful
// visit counts as a view.
func (m *Manager) Access(ctx context.Context, slug, password string) (summary *Summary, err error) {
	defer func() { m.recordAccess(accessView, err) }()

	sh, err := m.validate(ctx, slug, password)
	if err != nil {
		return nil, err
	}

	summary = &Summary{
		Slug:          sh.Slug,
		TargetKind:    sh.TargetKind(),
		ExpiresAt:     sh.ExpiresAt,
		HasPassword:   sh.HasPassword,
		DownloadCount: sh.DownloadCount,
		MaxDownloads:  sh.MaxDownloads,
		CreatedAt:     sh.CreatedAt,
	}

	if sh.FileID != nil {
		f, err := m.files.Lookup(ctx, *sh.FileID)
		if err != nil {
			return nil, m.targetGone(err)
		}
		summary.Name = f.Name
		summary.SizeBytes = f.SizeBytes
		summary.MimeType = f.MimeType
	} else {
		folder, err := m.files.LookupFolder(ctx, *sh.FolderID)
		if err != nil {
			return nil, m.targetGone(err)
		}
		summary.Name = folder.Name
	}

	if err := m.store.IncrementViews(ctx, sh.ID); err != nil {
		m.logger.WithError(err).WithField("share_id", sh.ID).Warn("Failed to count share view")
	} else {
		sh.ViewCount++
	}
	summary.ViewCount = sh.ViewCount

	return summary, nil
}

// targetGone hides a tombstoned target behind the share's own NotFound
func (m *Manager) targetGone(err error) error {
	if apperr.KindOf(err) == apperr.KindNotFound {
		return ErrShareNotFound
	}
	return err
}

// Verify checks a password without touching any counter. Unknown slugs and
// shares without a password report false.
func (m *Manager) Verify(ctx context.Context, slug, password string) (ok bool, err error) {
	defer func() { m.recordAccess(accessVerify, err) }()

	sh, err := m.store.GetBySlug(ctx, slug)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err)
	}
	if sh.PasswordHash == "" || password == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(sh.PasswordHash), []byte(password)) == nil, nil
}

// Download validates the share, claims one download slot and opens the file.
// The caller must close the returned object.
func (m *Manager) Download(ctx context.Context, slug, password string) (obj storage.Object, f *file.File, err error) {
	defer func() { m.recordAccess(accessDownload, err) }()

	sh, err := m.validate(ctx, slug, password)
	if err != nil {
		return nil, nil, err
	}
	if sh.FileID == nil {
		return nil, nil, ErrFolderNotDownloadable
	}

	claimed, err := m.store.ClaimDownload(ctx, sh.ID)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	if !claimed {
		return nil, nil, ErrDownloadLimit
	}

	obj, f, err = m.files.OpenShared(ctx, *sh.FileID)
	if err != nil {
		if relErr := m.store.ReleaseDownload(context.WithoutCancel(ctx), sh.ID); relErr != nil {
			m.logger.WithError(relErr).WithField("share_id", sh.ID).Error("Failed to release download slot")
		}
		return nil, nil, m.targetGone(err)
	}

	m.activity.Log(ctx, &activity.Event{
		UserID:       sh.OwnerID,
		Action:       activity.ActionDownload,
		ResourceType: activity.ResourceFile,
		ResourceID:   f.ID,
		ResourceName: f.Name,
		Details:      map[string]interface{}{"slug": sh.Slug},
	})
	return obj, f, nil
}
