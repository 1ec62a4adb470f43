// Package db opens the UnPload SQLite database and brings its schema up to date.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/db/migrations"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory
const FileName = "unpload.db"

// dsnPragmas are applied on every new connection. _txlock=immediate makes
// writers take the lock at BEGIN so read-then-write transactions don't fail
// with SQLITE_BUSY on upgrade.
const dsnPragmas = "?_pragma=journal_mode(WAL)" +
	"&_pragma=foreign_keys(1)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_txlock=immediate"

// Open opens (creating if needed) the database at path and runs all pending migrations
func Open(path string, logger *logrus.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := migrations.NewRunner(db, logger).Apply(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.WithField("path", path).Debug("Database ready")
	return db, nil
}

// OpenInDir opens FileName inside dataDir
func OpenInDir(dataDir string, logger *logrus.Logger) (*sql.DB, error) {
	return Open(filepath.Join(dataDir, FileName), logger)
}
