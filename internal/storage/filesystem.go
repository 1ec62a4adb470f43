package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

const (
	metadataSuffix = ".meta"
	tempPrefix     = ".tmp_"
)

// fileMetadata is the sidecar stored next to each blob
type fileMetadata struct {
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// FilesystemBackend implements the Backend interface for local filesystem storage
type FilesystemBackend struct {
	rootPath string
}

// NewFilesystemBackend creates a new filesystem storage backend
func NewFilesystemBackend(config Config) (*FilesystemBackend, error) {
	if config.Root == "" {
		return nil, NewErrorWithCause("InvalidConfig", "Filesystem backend requires a root directory", ErrInvalidConfig)
	}

	if err := os.MkdirAll(config.Root, 0755); err != nil {
		return nil, NewErrorWithCause("CreateRootDir", "Failed to create root directory", err)
	}

	return &FilesystemBackend{rootPath: config.Root}, nil
}

// Put stores an object in the filesystem
func (fsb *FilesystemBackend) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	fullPath := fsb.fullPath(key)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return NewErrorWithCause("CreateDirectory", "Failed to create directory", err)
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix)
	if err != nil {
		return NewErrorWithCause("CreateTempFile", "Failed to create temporary file", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	written, err := io.Copy(tempFile, &contextReader{ctx: ctx, r: data})
	if err != nil {
		return NewErrorWithCause("WriteData", "Failed to write data", err)
	}
	if size >= 0 && written != size {
		return ErrShortWrite
	}

	if err := tempFile.Sync(); err != nil {
		return NewErrorWithCause("SyncData", "Failed to flush data", err)
	}
	if err := tempFile.Close(); err != nil {
		return NewErrorWithCause("CloseTempFile", "Failed to close temporary file", err)
	}

	// Sidecar goes in before the blob becomes visible
	if err := fsb.saveMetadata(key, fileMetadata{ContentType: contentType, Size: written}); err != nil {
		return err
	}

	if err := os.Rename(tempFile.Name(), fullPath); err != nil {
		os.Remove(fsb.metadataPath(key))
		return NewErrorWithCause("AtomicMove", "Failed to move file to final location", err)
	}

	logrus.WithFields(logrus.Fields{
		"key":  key,
		"size": written,
	}).Debug("Stored object on filesystem")

	return nil
}

// Get opens an object for reading
func (fsb *FilesystemBackend) Get(ctx context.Context, key string) (Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	file, err := os.Open(fsb.fullPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, NewErrorWithCause("OpenFile", "Failed to open file", err)
	}

	return file, nil
}

// Delete removes an object and its sidecar. Missing objects are ignored.
func (fsb *FilesystemBackend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := os.Remove(fsb.fullPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return NewErrorWithCause("DeleteFile", "Failed to delete file", err)
	}

	if err := os.Remove(fsb.metadataPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).WithField("key", key).Warn("Failed to remove object metadata")
	}

	return nil
}

// Exists checks if an object exists in the filesystem
func (fsb *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	info, err := os.Stat(fsb.fullPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, NewErrorWithCause("StatFile", "Failed to stat file", err)
	}

	return info.Mode().IsRegular(), nil
}

// TotalUsage walks the root directory and sums blob sizes
func (fsb *FilesystemBackend) TotalUsage(ctx context.Context) (int64, error) {
	var total int64

	err := filepath.WalkDir(fsb.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries may vanish while walking
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		name := d.Name()
		if strings.HasSuffix(name, metadataSuffix) || strings.HasPrefix(name, tempPrefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, NewErrorWithCause("WalkDirectory", "Failed to walk storage root", err)
	}

	return total, nil
}

// Metadata returns size and content type of an object
func (fsb *FilesystemBackend) Metadata(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	stat, err := os.Stat(fsb.fullPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, NewErrorWithCause("StatFile", "Failed to stat file", err)
	}

	info := &ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  "application/octet-stream",
		LastModified: stat.ModTime().UTC(),
	}

	meta, err := fsb.loadMetadata(key)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Failed to read object metadata, using defaults")
		return info, nil
	}
	if meta != nil && meta.ContentType != "" {
		info.ContentType = meta.ContentType
	}

	return info, nil
}

// DiskStats reports capacity of the volume holding the root directory
func (fsb *FilesystemBackend) DiskStats(ctx context.Context) (*DiskStats, error) {
	usage, err := disk.UsageWithContext(ctx, fsb.rootPath)
	if err != nil {
		return nil, NewErrorWithCause("DiskUsage", "Failed to read disk usage", err)
	}

	return &DiskStats{
		Path:        usage.Path,
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// Close closes the filesystem backend
func (fsb *FilesystemBackend) Close() error {
	return nil
}

func (fsb *FilesystemBackend) fullPath(key string) string {
	return filepath.Join(fsb.rootPath, filepath.FromSlash(key))
}

func (fsb *FilesystemBackend) metadataPath(key string) string {
	return fsb.fullPath(key) + metadataSuffix
}

func (fsb *FilesystemBackend) saveMetadata(key string, meta fileMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return NewErrorWithCause("MarshalMetadata", "Failed to marshal metadata", err)
	}

	path := fsb.metadataPath(key)
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix)
	if err != nil {
		return NewErrorWithCause("WriteMetadata", "Failed to write metadata file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return NewErrorWithCause("WriteMetadata", "Failed to write metadata file", err)
	}
	if err := tmp.Close(); err != nil {
		return NewErrorWithCause("WriteMetadata", "Failed to write metadata file", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return NewErrorWithCause("WriteMetadata", "Failed to write metadata file", err)
	}
	return nil
}

func (fsb *FilesystemBackend) loadMetadata(key string) (*fileMetadata, error) {
	data, err := os.ReadFile(fsb.metadataPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var meta fileMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// contextReader stops a copy once the caller's context is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
