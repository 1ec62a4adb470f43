package storage

import (
	"errors"
	"time"

	"github.com/unpload/unpload/internal/config"
)

// Config alias for storage configuration
type Config = config.StorageConfig

// Common storage errors
var (
	ErrObjectNotFound = NewError("ObjectNotFound", "The specified object does not exist")
	ErrInvalidKey     = NewError("InvalidKey", "The specified key is invalid")
	ErrInvalidConfig  = NewError("InvalidConfig", "Storage backend configuration is invalid")
	ErrShortWrite     = NewError("ShortWrite", "Object size does not match the declared size")
	ErrNotSupported   = NewError("NotSupported", "Operation not supported by this backend")
)

// StorageError represents a storage-specific error
type StorageError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches storage errors by code so wrapped sentinels compare equal
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new storage error
func NewError(code, message string) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new storage error with underlying cause
func NewErrorWithCause(code, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsNotFound reports whether err means the object does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// DiskStats reports capacity of the volume holding a filesystem backend
type DiskStats struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}
