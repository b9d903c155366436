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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, "ws://localhost:8080/chat", cfg.Chat.SocketURL)
	assert.Equal(t, uint64(5), cfg.Reconnect.Attempts)
	assert.Equal(t, time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, 5*time.Second, cfg.Reconnect.DelayMax)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Auth.Token)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teamly.toml")
	content := `
log_level = "debug"

[api]
base_url = "https://teamly.example"

[chat]
socket_url = "wss://teamly.example/chat"

[auth]
token = "file-token"

[reconnect]
attempts = 8
delay = "2s"
delay_max = "30s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://teamly.example", cfg.API.BaseURL)
	assert.Equal(t, "wss://teamly.example/chat", cfg.Chat.SocketURL)
	assert.Equal(t, "file-token", cfg.Auth.Token)
	assert.Equal(t, uint64(8), cfg.Reconnect.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.DelayMax)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teamly.toml")
	require.NoError(t, os.WriteFile(path, []byte("[auth]\ntoken = \"file-token\"\n"), 0o600))

	t.Setenv("TEAMLY_AUTH_TOKEN", "env-token")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Auth.Token)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Error(t, Validate(cfg), "a missing token must be rejected")

	cfg.Auth.Token = "some-token"
	require.NoError(t, Validate(cfg))

	cfg.Chat.SocketURL = ""
	require.Error(t, Validate(cfg))
}
