package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil)
	require.NoError(t, err)

	assert.Equal(t, 8765, cfg.Port)
	assert.Equal(t, TunnelQuick, cfg.Tunnel)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.NotEmpty(t, cfg.Cwd)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfigFile(t, `{"port": 9000, "model": "opus", "token": "from-file"}`)

	t.Setenv("CHROXY_MODEL", "haiku")

	cfg, err := Load(path, map[string]interface{}{"port": 9100})
	require.NoError(t, err)

	// CLI beats env beats file beats defaults.
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "haiku", cfg.Model)
	assert.Equal(t, "from-file", cfg.Token)
}

func TestLoadLegacyEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	t.Setenv("API_TOKEN", "legacy-token")
	t.Setenv("PORT", "4321")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "legacy-token", cfg.Token)
	assert.Equal(t, 4321, cfg.Port)
}

func TestLoadInvalidTunnelMode(t *testing.T) {
	path := writeConfigFile(t, `{"tunnel": "bogus"}`)
	_, err := Load(path, nil)
	assert.Error(t, err)
}

func TestLoadMissingCwd(t *testing.T) {
	path := writeConfigFile(t, `{"cwd": "/definitely/not/a/real/dir"}`)
	_, err := Load(path, nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Tunnel: TunnelQuick}
	assert.Error(t, cfg.Validate(), "token required when auth enabled")

	cfg.NoAuth = true
	assert.NoError(t, cfg.Validate())

	cfg = &Config{Token: "t", Tunnel: TunnelNamed}
	assert.Error(t, cfg.Validate(), "named tunnel requires a name")

	cfg.TunnelName = "my-tunnel"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := &Config{Port: 4000, Token: "secret", Tunnel: TunnelNone, Cwd: dir}
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 4000, loaded.Port)
	assert.Equal(t, "secret", loaded.Token)
	assert.Equal(t, TunnelNone, loaded.Tunnel)
}
