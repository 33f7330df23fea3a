package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "sebcoord.db", cfg.DBPath)
	assert.Equal(t, 20, cfg.RoomSize)
	assert.Equal(t, 10, cfg.MaxRooms)
	assert.Equal(t, 2*time.Minute, cfg.Lease)
	assert.NotEmpty(t, cfg.Pepper)
	assert.NotEmpty(t, cfg.JWTSecret)
}

func TestLoadDotEnvAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SEBCOORD_ROOM_SIZE=5\nSEBCOORD_LEASE=30s\nSEBCOORD_DB=file.db\n"), 0o600))

	// Environment wins over the file.
	t.Setenv("SEBCOORD_DB", "env.db")
	t.Setenv("SEBCOORD_MAX_ROOMS", "3")

	// godotenv sets variables process-wide; clear what the file introduces.
	t.Cleanup(func() {
		_ = os.Unsetenv("SEBCOORD_ROOM_SIZE")
		_ = os.Unsetenv("SEBCOORD_LEASE")
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.RoomSize)
	assert.Equal(t, 3, cfg.MaxRooms)
	assert.Equal(t, 30*time.Second, cfg.Lease)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")

	t.Run("not a number", func(t *testing.T) {
		t.Setenv("SEBCOORD_ROOM_SIZE", "many")
		_, err := Load(missing)
		assert.ErrorContains(t, err, "SEBCOORD_ROOM_SIZE")
	})

	t.Run("out of range", func(t *testing.T) {
		t.Setenv("SEBCOORD_MAX_ROOMS", "0")
		_, err := Load(missing)
		assert.ErrorContains(t, err, "max rooms")
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("SEBCOORD_LEASE", "soon")
		_, err := Load(missing)
		assert.ErrorContains(t, err, "SEBCOORD_LEASE")
	})
}
