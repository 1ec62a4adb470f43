// Package apperr defines the typed errors returned across component
// boundaries. Each error carries a stable machine-readable code and a
// message that is safe to show to clients.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindForbidden     Kind = "forbidden"
	KindUnauthorized  Kind = "unauthorized"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindIO            Kind = "io_error"
	KindValidation    Kind = "validation"
	KindRateLimited   Kind = "rate_limited"
	KindInternal      Kind = "internal"
)

// Stable error codes
const (
	CodeFileNotFound          = "FILE_NOT_FOUND"
	CodeFolderNotFound        = "FOLDER_NOT_FOUND"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeQuotaNotFound         = "QUOTA_NOT_FOUND"
	CodeSettingNotFound       = "SETTING_NOT_FOUND"
	CodeShareNotFound         = "SHARE_NOT_FOUND"
	CodeAccessDenied          = "ACCESS_DENIED"
	CodeShareDisabled         = "SHARE_DISABLED"
	CodeShareOwnerDisabled    = "SHARE_OWNER_DISABLED"
	CodeShareExpired          = "SHARE_EXPIRED"
	CodeShareDownloadLimit    = "SHARE_DOWNLOAD_LIMIT"
	CodeSharePasswordRequired = "SHARE_PASSWORD_REQUIRED"
	CodeSharePasswordInvalid  = "SHARE_PASSWORD_INVALID"
	CodeShareFolderDownload   = "SHARE_FOLDER_DOWNLOAD"
	CodeUnauthenticated       = "UNAUTHENTICATED"
	CodeQuotaExceeded         = "QUOTA_EXCEEDED"
	CodeFileTooLarge          = "FILE_TOO_LARGE"
	CodeStorage               = "STORAGE_ERROR"
	CodePurgeIncomplete       = "PURGE_INCOMPLETE"
	CodeMaintenance           = "MAINTENANCE_MODE"
	CodeRateLimited           = "RATE_LIMITED"
	CodeNotFound              = "NOT_FOUND"
	CodeValidation            = "VALIDATION_ERROR"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is a typed application error
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error without a cause
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error that keeps cause for logging
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

func Forbidden(code, message string) *Error {
	return New(KindForbidden, code, message)
}

func Unauthorized(code, message string) *Error {
	return New(KindUnauthorized, code, message)
}

func Validation(message string) *Error {
	return New(KindValidation, CodeValidation, message)
}

// Storage wraps a backend failure. The cause never reaches clients.
func Storage(cause error) *Error {
	return Wrap(KindIO, CodeStorage, "storage backend unavailable", cause)
}

// Internal wraps an unexpected failure
func Internal(cause error) *Error {
	return Wrap(KindInternal, CodeInternal, "internal error", cause)
}

// As extracts the first *Error in err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal for untyped errors
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Common errors
var (
	ErrFileNotFound   = NotFound(CodeFileNotFound, "file not found")
	ErrFolderNotFound = NotFound(CodeFolderNotFound, "folder not found")
	ErrShareNotFound  = NotFound(CodeShareNotFound, "share not found")
	ErrAccessDenied   = Forbidden(CodeAccessDenied, "access denied")
	ErrQuotaExceeded  = New(KindQuotaExceeded, CodeQuotaExceeded, "storage quota exceeded")
)
