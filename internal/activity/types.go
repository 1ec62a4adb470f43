package activity

import "context"

// Actions
const (
	ActionUpload       = "UPLOAD"
	ActionDownload     = "DOWNLOAD"
	ActionDelete       = "DELETE"
	ActionRestore      = "RESTORE"
	ActionPurge        = "PURGE"
	ActionShareCreate  = "SHARE_CREATE"
	ActionShareDelete  = "SHARE_DELETE"
	ActionFolderCreate = "FOLDER_CREATE"
	ActionFolderDelete = "FOLDER_DELETE"
)

// Resource types
const (
	ResourceFile   = "file"
	ResourceFolder = "folder"
	ResourceShare  = "share"
)

// Event is a single activity to record
type Event struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	ResourceName string
	IPAddress    string
	UserAgent    string
	Details      map[string]interface{} // stored as JSON
}

// Entry is a stored activity record
type Entry struct {
	ID           int64                  `json:"id"`
	UserID       string                 `json:"userId"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType,omitempty"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	ResourceName string                 `json:"resourceName,omitempty"`
	IPAddress    string                 `json:"ipAddress,omitempty"`
	UserAgent    string                 `json:"userAgent,omitempty"`
	Details      map[string]interface{} `json:"details"`
	CreatedAt    int64                  `json:"createdAt"` // Unix seconds
}

// Filters for querying entries
type Filters struct {
	UserID       string
	Action       string
	ResourceType string
	Page         int // 1-based
	PageSize     int
}

// Store persists activity entries
type Store interface {
	Record(ctx context.Context, event *Event) error
	List(ctx context.Context, filters *Filters) ([]*Entry, int, error)
	Purge(ctx context.Context, olderThanDays int) (int, error)
}

// Recorder is what other components depend on to log activity
type Recorder interface {
	Log(ctx context.Context, event *Event)
}
