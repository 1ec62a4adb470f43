package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SQLiteStore keeps activity in the activity_log table
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a store on a migrated database
func NewSQLiteStore(db *sql.DB, logger *logrus.Logger) *SQLiteStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}
}

// Record inserts an event
func (s *SQLiteStore) Record(ctx context.Context, event *Event) error {
	detailsJSON := "{}"
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to marshal activity details")
		} else {
			detailsJSON = string(b)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (
			user_id, action, resource_type, resource_id, resource_name,
			details, ip_address, user_agent, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.UserID,
		event.Action,
		event.ResourceType,
		event.ResourceID,
		event.ResourceName,
		detailsJSON,
		event.IPAddress,
		event.UserAgent,
		s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

// List returns entries matching filters and the total count
func (s *SQLiteStore) List(ctx context.Context, filters *Filters) ([]*Entry, int, error) {
	where, args := buildWhereClause(filters)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity_log "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count activity: %w", err)
	}

	offset := (filters.Page - 1) * filters.PageSize
	query := `
		SELECT id, user_id, action, resource_type, resource_id, resource_name,
		       details, ip_address, user_agent, created_at
		FROM activity_log ` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, append(args, filters.PageSize, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var resourceType, resourceID, resourceName, detailsJSON, ipAddress, userAgent sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.Action,
			&resourceType,
			&resourceID,
			&resourceName,
			&detailsJSON,
			&ipAddress,
			&userAgent,
			&entry.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan activity: %w", err)
		}

		entry.ResourceType = resourceType.String
		entry.ResourceID = resourceID.String
		entry.ResourceName = resourceName.String
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String

		entry.Details = make(map[string]interface{})
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &entry.Details); err != nil {
				s.logger.WithError(err).Warn("Failed to unmarshal activity details")
			}
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating activity: %w", err)
	}

	return entries, total, nil
}

// Purge deletes entries older than olderThanDays
func (s *SQLiteStore) Purge(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -olderThanDays).Unix()

	result, err := s.db.ExecContext(ctx, "DELETE FROM activity_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge activity: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}
	return int(deleted), nil
}

func buildWhereClause(filters *Filters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filters.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filters.UserID)
	}
	if filters.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filters.Action)
	}
	if filters.ResourceType != "" {
		conditions = append(conditions, "resource_type = ?")
		args = append(args, filters.ResourceType)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}
