package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Backend defines the interface for all storage backends
type Backend interface {
	// Put writes the full content of data under key. Readers never observe a
	// partially written object. size may be -1 when unknown.
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error

	// Get opens the object for streaming. Returns ErrObjectNotFound if absent.
	Get(ctx context.Context, key string) (Object, error)

	// Delete removes the object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// TotalUsage walks the whole namespace and sums object sizes
	TotalUsage(ctx context.Context) (int64, error)

	// Metadata returns nil without error when the key is absent
	Metadata(ctx context.Context, key string) (*ObjectInfo, error)

	Close() error
}

// Object is an opened blob. Bytes are read on demand and Seek(0, io.SeekStart)
// restarts the stream. Close releases the underlying handle.
type Object interface {
	io.Reader
	io.Seeker
	io.Closer
}

// DiskReporter is implemented by backends that live on a local volume
type DiskReporter interface {
	DiskStats(ctx context.Context) (*DiskStats, error)
}

// Pinger is implemented by backends that can verify connectivity at startup
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewBackend creates the storage backend selected by configuration
func NewBackend(ctx context.Context, config Config) (Backend, error) {
	switch config.Backend {
	case "filesystem", "":
		return NewFilesystemBackend(config)
	case "s3":
		return NewS3Backend(ctx, config.S3)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, NewErrorWithCause("InvalidConfig", "Unsupported storage backend",
			fmt.Errorf("backend %q", config.Backend))
	}
}

// validateKey rejects keys that could escape the namespace
func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	if strings.HasSuffix(key, metadataSuffix) {
		return ErrInvalidKey
	}
	return nil
}
