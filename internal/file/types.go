package file

import (
	"io"
	"time"

	"github.com/unpload/unpload/internal/apperr"
)

// File is an uploaded blob owned by a user
type File struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"ownerId"`
	FolderID     *string    `json:"folderId"`
	Name         string     `json:"name"`
	OriginalName string     `json:"originalName"`
	MimeType     string     `json:"mimeType"`
	SizeBytes    int64      `json:"sizeBytes"`
	StorageKey   string     `json:"-"`
	Checksum     string     `json:"checksum"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	Purging      bool       `json:"-"`
}

// IsLive reports whether the file is not tombstoned
func (f *File) IsLive() bool {
	return f.DeletedAt == nil
}

// Folder groups files and other folders
type Folder struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	ParentID  *string    `json:"parentId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// IsLive reports whether the folder is not tombstoned
func (f *Folder) IsLive() bool {
	return f.DeletedAt == nil
}

// UploadInput describes one file to ingest
type UploadInput struct {
	OwnerID      string
	FolderID     *string
	OriginalName string
	MimeType     string // detected from content when empty
	// SizeHint is the size the client declared, 0 when unknown. It only
	// allows an early rejection; the measured size is authoritative.
	SizeHint int64
	Data     io.Reader
}

// StorageKey returns the backend key for a file. Keys are never reused
// because file ids are never reused.
func StorageKey(ownerID, fileID string) string {
	return "users/" + ownerID + "/" + fileID
}

// Errors returned by this package
var (
	ErrFileNotFound   = apperr.ErrFileNotFound
	ErrFolderNotFound = apperr.ErrFolderNotFound
	ErrAccessDenied   = apperr.ErrAccessDenied
	ErrFileTooLarge   = apperr.New(apperr.KindValidation, apperr.CodeFileTooLarge, "file exceeds the maximum upload size")
	ErrFolderCycle    = apperr.Validation("a folder cannot be moved into itself or one of its subfolders")
	ErrNameRequired   = apperr.Validation("name is required")
)
