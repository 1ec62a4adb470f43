package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db")+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func migrated(t *testing.T) *sql.DB {
	db := openTestDB(t)
	_, err := NewRunner(db, nil).Apply(context.Background())
	require.NoError(t, err)
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	var found string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestStepsAreSequential(t *testing.T) {
	list := steps()
	require.NotEmpty(t, list)
	for i, s := range list {
		assert.Equal(t, i+1, s.Version)
		assert.NotEmpty(t, s.Name)
		assert.NotEmpty(t, s.Statements)
	}
	assert.Equal(t, len(list), NewRunner(openTestDB(t), nil).Latest())
}

func TestCurrent_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	version, err := NewRunner(db, nil).Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.True(t, tableExists(t, db, "schema_migrations"))
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	runner := NewRunner(db, nil)

	ran, err := runner.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, runner.Latest(), ran)

	version, err := runner.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, runner.Latest(), version)

	for _, table := range []string{"users", "quotas", "folders", "files", "shares", "system_settings", "activity_log"} {
		assert.True(t, tableExists(t, db, table), "table %s should exist", table)
	}

	ran, err = runner.Apply(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)

	history, err := runner.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, runner.Latest())
	assert.Equal(t, 1, history[0].Version)
	assert.Contains(t, history[0].Name, "core tables")
	assert.False(t, history[0].AppliedAt.IsZero())
}

func TestApply_ResumesFromCurrentVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	all := steps()

	ran, err := newRunner(db, nil, all[:1]).Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.False(t, tableExists(t, db, "shares"))

	ran, err = newRunner(db, nil, all).Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(all)-1, ran)
	assert.True(t, tableExists(t, db, "shares"))
}

func TestApply_FailedStepRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	broken := []Step{
		{Version: 1, Name: "ok", Statements: []string{"CREATE TABLE a (id INTEGER)"}},
		{Version: 2, Name: "broken", Statements: []string{"CREATE TABLE b (id INTEGER)", "NOT SQL"}},
	}
	runner := newRunner(db, nil, broken)

	ran, err := runner.Apply(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, ran)
	assert.Contains(t, err.Error(), "schema version 2 (broken)")
	assert.Contains(t, err.Error(), "statement 2")

	assert.True(t, tableExists(t, db, "a"))
	assert.False(t, tableExists(t, db, "b"))

	version, err := runner.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestApply_NewerSchemaRejected(t *testing.T) {
	db := migrated(t)
	runner := NewRunner(db, nil)

	_, err := db.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		runner.Latest()+1, "from the future", time.Now().Unix())
	require.NoError(t, err)

	_, err = runner.Apply(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this binary supports")
}

func TestSchema_ShareTargetCheck(t *testing.T) {
	db := migrated(t)

	now := time.Now().Unix()
	_, err := db.Exec("INSERT INTO users (id, username, created_at, updated_at) VALUES ('u1', 'alice', ?, ?)", now, now)
	require.NoError(t, err)

	// Neither target set
	_, err = db.Exec(`INSERT INTO shares (id, slug, owner_id, created_at, updated_at) VALUES ('s1', 'abc', 'u1', ?, ?)`, now, now)
	assert.Error(t, err)
}

func TestSchema_ShareCascadesWithFile(t *testing.T) {
	db := migrated(t)

	now := time.Now().Unix()
	_, err := db.Exec("INSERT INTO users (id, username, created_at, updated_at) VALUES ('u1', 'alice', ?, ?)", now, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files (id, owner_id, name, original_name, mime_type, size_bytes, storage_key, checksum, created_at, updated_at)
		VALUES ('f1', 'u1', 'a.txt', 'a.txt', 'text/plain', 3, 'users/u1/f1', 'x', ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO shares (id, slug, owner_id, file_id, created_at, updated_at) VALUES ('s1', 'abc', 'u1', 'f1', ?, ?)`, now, now)
	require.NoError(t, err)

	_, err = db.Exec("DELETE FROM files WHERE id = 'f1'")
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM shares").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSchema_QuotaNonNegative(t *testing.T) {
	db := migrated(t)

	now := time.Now().Unix()
	_, err := db.Exec("INSERT INTO users (id, username, created_at, updated_at) VALUES ('u1', 'alice', ?, ?)", now, now)
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO quotas (owner_id, max_bytes, used_bytes, updated_at) VALUES ('u1', 100, -1, ?)", now)
	assert.Error(t, err)
}
