// Package settings keeps runtime-editable settings in SQLite behind an
// in-memory cache. Load fills the cache, Reload refreshes it, and reads go
// through the cache before touching the database.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/apperr"
)

// ErrSettingNotFound is returned for unknown keys
var ErrSettingNotFound = errors.New("setting not found")

// Defaults are the config-derived initial values
type Defaults struct {
	DefaultQuotaBytes int64
	MaxFileBytes      int64
}

// Manager manages system settings stored in SQLite
type Manager struct {
	db     *sql.DB
	logger *logrus.Logger

	mu     sync.RWMutex
	cache  map[string]Setting
	loaded bool
}

// NewManager creates a settings manager, seeding any missing defaults
func NewManager(db *sql.DB, logger *logrus.Logger, defaults Defaults) (*Manager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &Manager{
		db:     db,
		logger: logger,
		cache:  make(map[string]Setting),
	}

	if err := m.insertDefaults(defaults); err != nil {
		return nil, fmt.Errorf("failed to insert defaults: %w", err)
	}

	return m, nil
}

func defaultSettings(d Defaults) []Setting {
	return []Setting{
		{
			Key:         KeyAppName,
			Value:       "UnPload",
			Type:        string(TypeString),
			Category:    string(CategoryGeneral),
			Description: "Application name shown to users",
			Editable:    true,
		},
		{
			Key:         KeyMaintenanceMode,
			Value:       "false",
			Type:        string(TypeBool),
			Category:    string(CategoryGeneral),
			Description: "Reject every write request while enabled",
			Editable:    true,
		},
		{
			Key:         KeyDefaultQuota,
			Value:       strconv.FormatInt(d.DefaultQuotaBytes, 10),
			Type:        string(TypeInt),
			Category:    string(CategoryLimits),
			Description: "Storage quota in bytes assigned to new users",
			Editable:    true,
		},
		{
			Key:         KeyMaxFileSize,
			Value:       strconv.FormatInt(d.MaxFileBytes, 10),
			Type:        string(TypeInt),
			Category:    string(CategoryLimits),
			Description: "Largest accepted upload in bytes",
			Editable:    true,
		},
		{
			Key:         KeyAllowRegistration,
			Value:       "true",
			Type:        string(TypeBool),
			Category:    string(CategorySecurity),
			Description: "Allow new accounts to be created",
			Editable:    true,
		},
		{
			Key:         KeyActivityRetentionDays,
			Value:       "90",
			Type:        string(TypeInt),
			Category:    string(CategoryActivity),
			Description: "Activity log retention in days (0 keeps everything)",
			Editable:    true,
		},
	}
}

// insertDefaults inserts default settings if they don't exist
func (m *Manager) insertDefaults(d Defaults) error {
	now := time.Now().Unix()
	for _, setting := range defaultSettings(d) {
		_, err := m.db.Exec(`
			INSERT OR IGNORE INTO system_settings (key, value, type, category, description, editable, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, setting.Key, setting.Value, setting.Type, setting.Category, setting.Description, setting.Editable, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert default setting %s: %w", setting.Key, err)
		}
	}
	return nil
}

// Load reads every setting into the cache
func (m *Manager) Load() error {
	settings, err := m.queryAll()
	if err != nil {
		return err
	}

	cache := make(map[string]Setting, len(settings))
	for _, s := range settings {
		cache[s.Key] = s
	}

	m.mu.Lock()
	m.cache = cache
	m.loaded = true
	m.mu.Unlock()

	m.logger.WithField("count", len(cache)).Debug("Settings loaded")
	return nil
}

// Reload replaces the cache with the current database contents
func (m *Manager) Reload() error {
	if err := m.Load(); err != nil {
		return err
	}
	m.logger.Info("Settings reloaded")
	return nil
}

// GetSetting returns a full setting, reading through the cache
func (m *Manager) GetSetting(key string) (*Setting, error) {
	m.mu.RLock()
	s, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return &s, nil
	}

	setting, err := m.querySetting(key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[key] = *setting
	m.mu.Unlock()

	return setting, nil
}

// Get retrieves a setting value as a string
func (m *Manager) Get(key string) (string, error) {
	s, err := m.GetSetting(key)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// GetInt64 retrieves a setting value as an integer
func (m *Manager) GetInt64(key string) (int64, error) {
	value, err := m.Get(key)
	if err != nil {
		return 0, err
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not a valid integer: %w", key, err)
	}
	return n, nil
}

// GetBool retrieves a setting value as a boolean
func (m *Manager) GetBool(key string) (bool, error) {
	value, err := m.Get(key)
	if err != nil {
		return false, err
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("setting %s is not a valid boolean: %s", key, value)
	}
}

// Int64Or returns the integer value of key, or fallback when it is missing or invalid
func (m *Manager) Int64Or(key string, fallback int64) int64 {
	n, err := m.GetInt64(key)
	if err != nil {
		m.logger.WithError(err).WithField("key", key).Warn("Using fallback for setting")
		return fallback
	}
	return n
}

// BoolOr returns the boolean value of key, or fallback when it is missing or invalid
func (m *Manager) BoolOr(key string, fallback bool) bool {
	b, err := m.GetBool(key)
	if err != nil {
		m.logger.WithError(err).WithField("key", key).Warn("Using fallback for setting")
		return fallback
	}
	return b
}

// Set validates and stores a new value
func (m *Manager) Set(key, value string) error {
	setting, err := m.querySetting(key)
	if err != nil {
		return err
	}

	if !setting.Editable {
		return apperr.Validation(fmt.Sprintf("setting %s is not editable", key))
	}

	if err := validateValue(value, setting.Type); err != nil {
		return apperr.Validation(fmt.Sprintf("invalid value for setting %s: %v", key, err))
	}

	now := time.Now()
	if _, err := m.db.Exec(`UPDATE system_settings SET value = ?, updated_at = ? WHERE key = ?`, value, now.Unix(), key); err != nil {
		return fmt.Errorf("failed to update setting: %w", err)
	}

	setting.Value = value
	setting.UpdatedAt = now
	m.mu.Lock()
	m.cache[key] = *setting
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"key":   key,
		"value": value,
	}).Info("Setting updated")
	return nil
}

// ListAll retrieves all settings from the database
func (m *Manager) ListAll() ([]Setting, error) {
	return m.queryAll()
}

// ListByCategory retrieves all settings in a category
func (m *Manager) ListByCategory(category string) ([]Setting, error) {
	all, err := m.queryAll()
	if err != nil {
		return nil, err
	}

	var out []Setting
	for _, s := range all {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out, nil
}

func validateValue(value, settingType string) error {
	switch settingType {
	case string(TypeInt):
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("value must be a valid integer")
		}
		if n < 0 {
			return fmt.Errorf("value cannot be negative")
		}
	case string(TypeBool):
		switch strings.ToLower(value) {
		case "true", "false", "1", "0":
		default:
			return fmt.Errorf("value must be true, false, 1, or 0")
		}
	case string(TypeString):
	default:
		return fmt.Errorf("unknown type: %s", settingType)
	}
	return nil
}

const selectColumns = `SELECT key, value, type, category, COALESCE(description, ''), editable, created_at, updated_at FROM system_settings`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSetting(s scanner) (*Setting, error) {
	var setting Setting
	var createdAt, updatedAt int64
	err := s.Scan(
		&setting.Key,
		&setting.Value,
		&setting.Type,
		&setting.Category,
		&setting.Description,
		&setting.Editable,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	setting.CreatedAt = time.Unix(createdAt, 0)
	setting.UpdatedAt = time.Unix(updatedAt, 0)
	return &setting, nil
}

func (m *Manager) querySetting(key string) (*Setting, error) {
	setting, err := scanSetting(m.db.QueryRow(selectColumns+` WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return setting, nil
}

func (m *Manager) queryAll() ([]Setting, error) {
	rows, err := m.db.Query(selectColumns + ` ORDER BY category, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, *setting)
	}
	return settings, rows.Err()
}
