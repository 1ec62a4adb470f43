package share

import (
	"time"

	"github.com/unpload/unpload/internal/apperr"
)

// Visibility values
const (
	VisibilityPublic  = "PUBLIC"
	VisibilityPrivate = "PRIVATE"
)

// Target kinds
const (
	TargetFile   = "file"
	TargetFolder = "folder"
)

// Share is a link that grants access to one file or folder
type Share struct {
	ID            string     `json:"id"`
	Slug          string     `json:"slug"`
	OwnerID       string     `json:"ownerId"`
	FileID        *string    `json:"fileId,omitempty"`
	FolderID      *string    `json:"folderId,omitempty"`
	Visibility    string     `json:"visibility"`
	PasswordHash  string     `json:"-"`
	HasPassword   bool       `json:"hasPassword"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	MaxDownloads  *int64     `json:"maxDownloads"`
	DownloadCount int64      `json:"downloadCount"`
	ViewCount     int64      `json:"viewCount"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TargetKind reports whether the share points at a file or a folder
func (s *Share) TargetKind() string {
	if s.FolderID != nil {
		return TargetFolder
	}
	return TargetFile
}

// CreateRequest describes a new share. Exactly one of FileID and FolderID is set.
type CreateRequest struct {
	FileID       *string    `json:"fileId"`
	FolderID     *string    `json:"folderId"`
	Visibility   string     `json:"visibility"`
	Password     string     `json:"password"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	MaxDownloads *int64     `json:"maxDownloads"`
	Slug         string     `json:"slug"`
}

// UpdateRequest changes the policy of a share. Nil fields are left alone;
// the Clear flags remove a value.
type UpdateRequest struct {
	Visibility        *string    `json:"visibility"`
	Password          *string    `json:"password"`
	ClearPassword     bool       `json:"clearPassword"`
	ExpiresAt         *time.Time `json:"expiresAt"`
	ClearExpiresAt    bool       `json:"clearExpiresAt"`
	MaxDownloads      *int64     `json:"maxDownloads"`
	ClearMaxDownloads bool       `json:"clearMaxDownloads"`
	Enabled           *bool      `json:"enabled"`
}

// Summary is what an anonymous visitor learns about a share
type Summary struct {
	Slug          string     `json:"slug"`
	TargetKind    string     `json:"targetKind"`
	Name          string     `json:"name"`
	SizeBytes     int64      `json:"sizeBytes,omitempty"`
	MimeType      string     `json:"mimeType,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	HasPassword   bool       `json:"hasPassword"`
	DownloadCount int64      `json:"downloadCount"`
	MaxDownloads  *int64     `json:"maxDownloads"`
	ViewCount     int64      `json:"viewCount"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Denials in the order they are checked
var (
	ErrShareNotFound         = apperr.ErrShareNotFound
	ErrShareDisabled         = apperr.Forbidden(apperr.CodeShareDisabled, "share is disabled")
	ErrOwnerDisabled         = apperr.Forbidden(apperr.CodeShareOwnerDisabled, "share owner is disabled")
	ErrShareExpired          = apperr.Forbidden(apperr.CodeShareExpired, "share has expired")
	ErrDownloadLimit         = apperr.Forbidden(apperr.CodeShareDownloadLimit, "download limit reached")
	ErrPasswordRequired      = apperr.Unauthorized(apperr.CodeSharePasswordRequired, "password required")
	ErrPasswordInvalid       = apperr.Unauthorized(apperr.CodeSharePasswordInvalid, "invalid password")
	ErrFolderNotDownloadable = apperr.Forbidden(apperr.CodeShareFolderDownload, "folder shares cannot be downloaded directly")
	ErrAccessDenied          = apperr.ErrAccessDenied
)
