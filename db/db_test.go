package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/playerlink/migrations"
)

func TestOpenAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, ApplyMigrations(db, migrations.GetMigrations()))

	var tables []string
	err = db.Select(&tables, "SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('tracks', 'plays') ORDER BY name")
	require.NoError(t, err)
	assert.Equal(t, []string{"plays", "tracks"}, tables)

	// Running twice is a no-op
	require.NoError(t, ApplyMigrations(db, migrations.GetMigrations()))
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	var one int
	require.NoError(t, db.Get(&one, "SELECT 1"))
	assert.Equal(t, 1, one)
}
