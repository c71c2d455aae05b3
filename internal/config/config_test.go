package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "gpt-4o", cfg.Settings.ModelName)
}

func TestLoadExpandsEnvAndOverrides(t *testing.T) {
	t.Setenv("TEST_MODEL", "gpt-4o-mini")
	t.Setenv("ENGINE_SERVER_PORT", "9090")

	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := "server:\n  host: 0.0.0.0\n  port: 8080\nsettings:\n  modelName: ${TEST_MODEL}\n  mode: build\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", cfg.Settings.ModelName)
	require.Equal(t, 9090, cfg.Server.Port) // env override wins over file
}
