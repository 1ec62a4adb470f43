package trash

import (
	"fmt"
	"strings"
	"time"

	"github.com/unpload/unpload/internal/apperr"
)

// Item kinds
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Item is a tombstoned file or folder as shown in the trash
type Item struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parentId"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	DeletedAt time.Time `json:"deletedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PurgeFailure is one item that could not be purged
type PurgeFailure struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Err  error  `json:"-"`
}

// PurgeReport summarizes a purge run
type PurgeReport struct {
	PurgedFiles   int            `json:"purgedFiles"`
	PurgedFolders int            `json:"purgedFolders"`
	FreedBytes    int64          `json:"freedBytes"`
	Failures      []PurgeFailure `json:"failures,omitempty"`
}

func (r *PurgeReport) fail(id, kind string, err error) {
	r.Failures = append(r.Failures, PurgeFailure{ID: id, Kind: kind, Err: err})
}

// err returns a *PurgeError when any item failed
func (r *PurgeReport) err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &PurgeError{Report: r}
}

// PurgeError reports a purge that completed only partially. Retrying the same
// call skips what was already purged.
type PurgeError struct {
	Report *PurgeReport
}

var errPurgeIncomplete = apperr.New(apperr.KindIO, apperr.CodePurgeIncomplete, "some items could not be purged")

func (e *PurgeError) Error() string {
	ids := make([]string, 0, len(e.Report.Failures))
	for _, f := range e.Report.Failures {
		ids = append(ids, f.Kind+":"+f.ID)
	}
	return fmt.Sprintf("purge incomplete, %d item(s) failed: %s", len(ids), strings.Join(ids, ", "))
}

// Unwrap exposes the typed IO error for status mapping
func (e *PurgeError) Unwrap() error {
	return errPurgeIncomplete
}

// ErrItemNotFound is returned when an id is not a tombstoned item of the caller
var ErrItemNotFound = apperr.NotFound(apperr.CodeFileNotFound, "item not found in trash")
