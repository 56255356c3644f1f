package reducedb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupBareDB opens a database without applying the embedded schema,
// leaving golang-migrate in sole charge of it.
func setupBareDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// writeTestMigrations lays out a two-step migration set in a temp
// directory and returns its path.
func writeTestMigrations(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "migrations")
	require.NoError(t, os.MkdirAll(dir, 0755))

	files := map[string]string{
		"0001_create_series.up.sql": `
			CREATE TABLE IF NOT EXISTS series (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				label TEXT NOT NULL
			);`,
		"0001_create_series.down.sql": `DROP TABLE IF EXISTS series;`,
		"0002_add_comment.up.sql":     `ALTER TABLE series ADD COLUMN comment TEXT;`,
		// SQLite has no DROP COLUMN on older versions, so the down
		// migration rebuilds the table.
		"0002_add_comment.down.sql": `
			CREATE TABLE series_new (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				label TEXT NOT NULL
			);
			INSERT INTO series_new (id, label) SELECT id, label FROM series;
			DROP TABLE series;
			ALTER TABLE series_new RENAME TO series;`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var exists bool
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) > 0 FROM sqlite_master
		WHERE type = 'table' AND name = ?`, name).Scan(&exists))
	return exists
}

func columnExists(t *testing.T, db *DB, table, column string) bool {
	t.Helper()
	var exists bool
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) > 0 FROM pragma_table_info(?)
		WHERE name = ?`, table, column).Scan(&exists))
	return exists
}

func TestMigrateUp(t *testing.T) {
	t.Parallel()
	db := setupBareDB(t)
	dir := writeTestMigrations(t)

	require.NoError(t, db.MigrateUp(dir))

	version, dirty, err := db.MigrateVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	assert.True(t, tableExists(t, db, "series"))
	assert.True(t, columnExists(t, db, "series", "comment"))
}

func TestMigrateUpIdempotent(t *testing.T) {
	t.Parallel()
	db := setupBareDB(t)
	dir := writeTestMigrations(t)

	require.NoError(t, db.MigrateUp(dir))
	require.NoError(t, db.MigrateUp(dir))

	version, _, err := db.MigrateVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestMigrateDown(t *testing.T) {
	t.Parallel()
	db := setupBareDB(t)
	dir := writeTestMigrations(t)

	require.NoError(t, db.MigrateUp(dir))
	require.NoError(t, db.MigrateDown(dir))

	version, dirty, err := db.MigrateVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	assert.True(t, tableExists(t, db, "series"))
	assert.False(t, columnExists(t, db, "series", "comment"))

	// Rolling back past the first migration empties the schema; one
	// step further has nothing left to roll back.
	require.NoError(t, db.MigrateDown(dir))
	assert.False(t, tableExists(t, db, "series"))
	require.Error(t, db.MigrateDown(dir))
}

func TestMigrateVersionFresh(t *testing.T) {
	t.Parallel()
	db := setupBareDB(t)
	dir := writeTestMigrations(t)

	version, dirty, err := db.MigrateVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)
}

func TestMigrateTo(t *testing.T) {
	t.Parallel()
	db := setupBareDB(t)
	dir := writeTestMigrations(t)

	require.NoError(t, db.MigrateTo(dir, 1))

	version, _, err := db.MigrateVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, columnExists(t, db, "series", "comment"))

	require.NoError(t, db.MigrateTo(dir, 2))

	version, _, err = db.MigrateVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.True(t, columnExists(t, db, "series", "comment"))
}

func TestMigrateForce(t *testing.T) {
	t.Parallel()
	db := setupBareDB(t)
	dir := writeTestMigrations(t)

	require.NoError(t, db.MigrateUp(dir))
	require.NoError(t, db.MigrateForce(dir, 1))

	version, dirty, err := db.MigrateVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestGetLatestMigrationVersion(t *testing.T) {
	t.Parallel()

	t.Run("synthesized", func(t *testing.T) {
		t.Parallel()
		dir := writeTestMigrations(t)
		version, err := GetLatestMigrationVersion(dir)
		require.NoError(t, err)
		assert.Equal(t, uint(2), version)
	})

	t.Run("shipped", func(t *testing.T) {
		t.Parallel()
		version, err := GetLatestMigrationVersion("../../db/migrations")
		require.NoError(t, err)
		assert.Equal(t, uint(2), version)
	})

	t.Run("empty dir", func(t *testing.T) {
		t.Parallel()
		_, err := GetLatestMigrationVersion(t.TempDir())
		require.Error(t, err)
	})
}

func TestCheckMigrations(t *testing.T) {
	t.Parallel()
	db := setupBareDB(t)
	dir := writeTestMigrations(t)

	err := db.CheckMigrations(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of date")

	require.NoError(t, db.MigrateUp(dir))
	require.NoError(t, db.CheckMigrations(dir))

	// A migration that fails mid-flight leaves the database dirty.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0003_broken.up.sql"),
		[]byte("THIS IS NOT SQL;"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0003_broken.down.sql"),
		[]byte("-- nothing to undo"), 0644))
	require.Error(t, db.MigrateUp(dir))

	err = db.CheckMigrations(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dirty")

	// Recovery: force back to the last good version, drop the broken
	// migration, and the check passes again.
	require.NoError(t, db.MigrateForce(dir, 2))
	require.NoError(t, os.Remove(filepath.Join(dir, "0003_broken.up.sql")))
	require.NoError(t, os.Remove(filepath.Join(dir, "0003_broken.down.sql")))
	require.NoError(t, db.CheckMigrations(dir))
}

// TestSchemaConsistency verifies the shipped migrations and the
// embedded schema produce the same database shape.
func TestSchemaConsistency(t *testing.T) {
	t.Parallel()

	fromMigrations := setupBareDB(t)
	require.NoError(t, fromMigrations.MigrateUp("../../db/migrations"))

	fromSchema := setupTestDB(t)

	assert.Equal(t,
		schemaDefinition(t, fromSchema),
		schemaDefinition(t, fromMigrations))
}

// schemaDefinition extracts whitespace-normalized DDL per object,
// ignoring golang-migrate's bookkeeping table.
func schemaDefinition(t *testing.T, db *DB) map[string]string {
	t.Helper()
	rows, err := db.Query(`
		SELECT name, sql FROM sqlite_master
		WHERE type IN ('table', 'index', 'view')
		  AND name NOT LIKE 'sqlite_%'
		  AND name != 'schema_migrations'
		  AND name != 'version_unique'
		  AND sql IS NOT NULL
		ORDER BY name`)
	require.NoError(t, err)
	defer rows.Close()

	schema := make(map[string]string)
	for rows.Next() {
		var name, ddl string
		require.NoError(t, rows.Scan(&name, &ddl))
		schema[name] = strings.Join(strings.Fields(ddl), " ")
	}
	require.NoError(t, rows.Err())
	return schema
}
