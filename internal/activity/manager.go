// Package activity records what users did to their files, folders and shares.
package activity

import (
	"context"

	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Manager handles activity logging
type Manager struct {
	store  Store
	logger *logrus.Logger
}

// NewManager creates a new activity manager
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:  store,
		logger: logger,
	}
}

// Log records an event. Failures are logged and never fail the caller's operation.
func (m *Manager) Log(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	if event.UserID == "" || event.Action == "" {
		m.logger.WithField("action", event.Action).Warn("Activity event missing user or action")
		return
	}

	if err := m.store.Record(ctx, event); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":     event.UserID,
			"action":      event.Action,
			"resource_id": event.ResourceID,
		}).Error("Failed to record activity")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":       event.UserID,
		"action":        event.Action,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
	}).Debug("Activity recorded")
}

// List returns a page of a user's activity, newest first
func (m *Manager) List(ctx context.Context, filters *Filters) ([]*Entry, int, error) {
	if filters == nil {
		filters = &Filters{}
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = defaultPageSize
	}
	if filters.PageSize > maxPageSize {
		filters.PageSize = maxPageSize
	}

	entries, total, err := m.store.List(ctx, filters)
	if err != nil {
		m.logger.WithError(err).Error("Failed to retrieve activity")
		return nil, 0, err
	}
	return entries, total, nil
}

// Purge deletes entries older than olderThanDays
func (m *Manager) Purge(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}

	count, err := m.store.Purge(ctx, olderThanDays)
	if err != nil {
		m.logger.WithError(err).WithField("retention_days", olderThanDays).Error("Failed to purge activity")
		return 0, err
	}

	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"deleted_count":  count,
			"retention_days": olderThanDays,
		}).Info("Purged old activity")
	}
	return count, nil
}

// Nop discards every event
type Nop struct{}

func (Nop) Log(context.Context, *Event) {}
