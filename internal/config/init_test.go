package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, InitConfigToPath(path, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.RCON.Password, 32)
	assert.Equal(t, DefaultPort, cfg.RCON.Port)
}

func TestInitConfigToPath_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, InitConfigToPath(path, false))

	first, err := Load(path)
	require.NoError(t, err)

	err = InitConfigToPath(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, InitConfigToPath(path, true))
	second, err := Load(path)
	require.NoError(t, err)
	assert.NotEqual(t, first.RCON.Password, second.RCON.Password)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := GetDefaultConfig()
	cfg.RCON.Password = "hunter2"
	cfg.RCON.Port = 25575
	cfg.Executor.Program = "/bin/echo"
	cfg.Executor.Args = []string{"-n"}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.RCON, loaded.RCON)
	assert.Equal(t, cfg.Executor, loaded.Executor)
	assert.Equal(t, cfg.Logging, loaded.Logging)
	assert.Equal(t, cfg.ShutdownTimeout, loaded.ShutdownTimeout)
}
