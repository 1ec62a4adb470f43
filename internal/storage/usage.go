package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StorageInfo is the system-wide storage report
type StorageInfo struct {
	Backend    string     `json:"backend"`
	TotalUsage int64      `json:"totalUsage"`
	ComputedAt time.Time  `json:"computedAt"`
	Cached     bool       `json:"cached"`
	Disk       *DiskStats `json:"disk,omitempty"`
}

// UsageReporter computes total usage by walking the backend. With a zero TTL
// every call walks the full namespace; a positive TTL reuses the last result
// until it is older than the TTL.
type UsageReporter struct {
	backend Backend
	name    string
	ttl     time.Duration
	now     func() time.Time

	mu         sync.Mutex
	total      int64
	computedAt time.Time
	valid      bool
}

// NewUsageReporter creates a reporter for backend
func NewUsageReporter(backend Backend, name string, ttl time.Duration) *UsageReporter {
	return &UsageReporter{
		backend: backend,
		name:    name,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Info returns total usage and, for local backends, disk capacity
func (u *UsageReporter) Info(ctx context.Context) (*StorageInfo, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	info := &StorageInfo{Backend: u.name}

	if u.valid && u.ttl > 0 && now.Sub(u.computedAt) < u.ttl {
		info.TotalUsage = u.total
		info.ComputedAt = u.computedAt
		info.Cached = true
	} else {
		start := time.Now()
		total, err := u.backend.TotalUsage(ctx)
		if err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"backend":  u.name,
			"bytes":    total,
			"duration": time.Since(start),
		}).Debug("Computed total storage usage")

		u.total = total
		u.computedAt = now
		u.valid = true
		info.TotalUsage = total
		info.ComputedAt = now
	}

	if dr, ok := u.backend.(DiskReporter); ok {
		stats, err := dr.DiskStats(ctx)
		switch {
		case err == nil:
			info.Disk = stats
		case !errors.Is(err, ErrNotSupported):
			logrus.WithError(err).Warn("Failed to read disk stats")
		}
	}

	return info, nil
}

// Invalidate forces the next Info call to walk the backend
func (u *UsageReporter) Invalidate() {
	u.mu.Lock()
	u.valid = false
	u.mu.Unlock()
}
