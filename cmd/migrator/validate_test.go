package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, names ...string) string {
	t.Helper()

	dir := t.TempDir()

	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("-- sql"), 0o644))
	}

	return dir
}

func TestMigrationSet_Validate(t *testing.T) {
	dir := writeMigrations(t,
		"001_create_registry_schema.up.sql",
		"001_create_registry_schema.down.sql",
		"002_create_service_tokens.up.sql",
		"002_create_service_tokens.down.sql",
	)

	assert.NoError(t, NewMigrationSet(dir).Validate())
}

func TestMigrationSet_Validate_MissingDirectory(t *testing.T) {
	err := NewMigrationSet("/definitely/not/here").Validate()

	assert.ErrorContains(t, err, "does not exist")
}

func TestMigrationSet_Validate_EmptyDirectory(t *testing.T) {
	err := NewMigrationSet(t.TempDir()).Validate()

	assert.ErrorContains(t, err, "no migration files")
}

func TestMigrationSet_Validate_StrayFile(t *testing.T) {
	dir := writeMigrations(t,
		"001_init.up.sql",
		"001_init.down.sql",
		"notes.sql",
	)

	err := NewMigrationSet(dir).Validate()

	assert.ErrorContains(t, err, "invalid migration filename")
}

func TestMigrationSet_Validate_NonSQLFilesIgnored(t *testing.T) {
	dir := writeMigrations(t,
		"001_init.up.sql",
		"001_init.down.sql",
		"README.md",
	)

	assert.NoError(t, NewMigrationSet(dir).Validate())
}

func TestMigrationSet_Validate_OrphanedUp(t *testing.T) {
	dir := writeMigrations(t, "001_init.up.sql")

	err := NewMigrationSet(dir).Validate()

	assert.ErrorContains(t, err, "missing down migration")
}

func TestMigrationSet_Validate_OrphanedDown(t *testing.T) {
	dir := writeMigrations(t,
		"001_init.up.sql",
		"001_init.down.sql",
		"002_extra.down.sql",
	)

	err := NewMigrationSet(dir).Validate()

	assert.ErrorContains(t, err, "missing up migration")
}

func TestMigrationSet_Validate_SequenceMustStartAtOne(t *testing.T) {
	dir := writeMigrations(t,
		"002_init.up.sql",
		"002_init.down.sql",
	)

	err := NewMigrationSet(dir).Validate()

	assert.ErrorContains(t, err, "start with 001")
}

func TestMigrationSet_Validate_SequenceGap(t *testing.T) {
	dir := writeMigrations(t,
		"001_init.up.sql",
		"001_init.down.sql",
		"003_later.up.sql",
		"003_later.down.sql",
	)

	err := NewMigrationSet(dir).Validate()

	assert.ErrorContains(t, err, "gap in migration sequence")
}

func TestMigrationSet_List(t *testing.T) {
	dir := writeMigrations(t,
		"002_second.up.sql",
		"001_first.up.sql",
		"001_first.down.sql",
		"README.md",
	)

	files, err := NewMigrationSet(dir).List()

	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_first.down.sql",
		"001_first.up.sql",
		"002_second.up.sql",
	}, files)
}

func TestParseMigrationFilename(t *testing.T) {
	info, err := parseMigrationFilename("001_create_registry_schema.up.sql")

	require.NoError(t, err)
	assert.Equal(t, 1, info.Sequence)
	assert.Equal(t, "create_registry_schema", info.Name)
	assert.Equal(t, "up", info.Direction)

	_, err = parseMigrationFilename("1_bad.up.sql")
	assert.Error(t, err)

	_, err = parseMigrationFilename("001_bad.sideways.sql")
	assert.Error(t, err)
}

func TestValidateRepositoryMigrations(t *testing.T) {
	// The migrations shipped with the repository must always validate.
	assert.NoError(t, NewMigrationSet("../../migrations").Validate())
}
