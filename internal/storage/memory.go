package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryBackend keeps objects in process memory
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memoryObject)}
}

// Put stores a copy of data under key
func (m *MemoryBackend) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	var buf bytes.Buffer
	written, err := io.Copy(&buf, &contextReader{ctx: ctx, r: data})
	if err != nil {
		return NewErrorWithCause("WriteData", "Failed to write data", err)
	}
	if size >= 0 && written != size {
		return ErrShortWrite
	}

	m.mu.Lock()
	m.objects[key] = memoryObject{
		data:        buf.Bytes(),
		contentType: contentType,
		modified:    time.Now().UTC(),
	}
	m.mu.Unlock()

	return nil
}

// Get returns a reader over the stored bytes
func (m *MemoryBackend) Get(ctx context.Context, key string) (Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}

	return &memoryReader{Reader: bytes.NewReader(obj.data)}, nil
}

// Delete removes key if present
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Exists reports whether key is stored
func (m *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

// TotalUsage sums the size of every stored object
func (m *MemoryBackend) TotalUsage(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, obj := range m.objects {
		total += int64(len(obj.data))
	}
	return total, nil
}

// Metadata describes key, or returns nil when absent
func (m *MemoryBackend) Metadata(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}, nil
}

// Keys lists stored keys in order
func (m *MemoryBackend) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close drops all objects
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.objects = make(map[string]memoryObject)
	m.mu.Unlock()
	return nil
}

type memoryReader struct {
	*bytes.Reader
}

func (r *memoryReader) Close() error {
	return nil
}
