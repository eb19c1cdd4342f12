package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o600))
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_add_run_index.sql", "CREATE INDEX x ON analysis_runs (status);")
	writeMigration(t, dir, "001_initial_schema.sql", "CREATE TABLE analysis_runs (id UUID);")
	writeMigration(t, dir, "001_initial_schema_down.sql", "DROP TABLE analysis_runs;")
	writeMigration(t, dir, "README.md", "notes")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))

	migrations, err := LoadMigrations(dir)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial schema", migrations[0].Description)
	assert.Equal(t, "001_initial_schema.sql", migrations[0].Filename)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE")
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, "add run index", migrations[1].Description)
}

func TestLoadMigrations_Errors(t *testing.T) {
	t.Run("missing dir", func(t *testing.T) {
		_, err := LoadMigrations(filepath.Join(t.TempDir(), "nope"))
		assert.ErrorContains(t, err, "failed to read migrations directory")
	})

	t.Run("bad name", func(t *testing.T) {
		dir := t.TempDir()
		writeMigration(t, dir, "initial.sql", "SELECT 1;")
		_, err := LoadMigrations(dir)
		assert.ErrorContains(t, err, "invalid migration filename format")
	})

	t.Run("duplicate version", func(t *testing.T) {
		dir := t.TempDir()
		writeMigration(t, dir, "001_a.sql", "SELECT 1;")
		writeMigration(t, dir, "001_b.sql", "SELECT 2;")
		_, err := LoadMigrations(dir)
		assert.ErrorContains(t, err, "duplicate migration version 1")
	})
}

func TestRepositoryMigrationsLoad(t *testing.T) {
	migrations, err := LoadMigrations(filepath.Join("..", "..", DefaultMigrationsDir))
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Contains(t, migrations[0].SQL, "analysis_runs")
	assert.Contains(t, migrations[0].SQL, "run_decisions")
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}

	assert.Len(t, Pending(migrations, 0), 3)
	assert.Equal(t, []Migration{{Version: 3}}, Pending(migrations, 2))
	assert.Empty(t, Pending(migrations, 3))
}
