package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigRequiresRelayOrDiscovery(t *testing.T) {
	t.Setenv("COLLABTEXT_CONFIG", "")

	_, _, err := loadConfig([]string{"--room", "doc", "--user", "ann"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay_url")

	cfg, _, err := loadConfig([]string{"--room", "doc", "--user", "ann", "--discover"})
	require.NoError(t, err)
	assert.True(t, cfg.Discovery.Enabled)

	cfg, uiDir, err := loadConfig([]string{"--room", "doc", "-u", "ann", "--relay", "ws://relay:8081/ws", "--ui", "./web"})
	require.NoError(t, err)
	assert.False(t, cfg.Discovery.Enabled)
	assert.Equal(t, "ws://relay:8081/ws", cfg.Agent.RelayURL)
	assert.Equal(t, "./web", uiDir)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
discovery:
  enabled: true
agent:
  room: from-file
  user_name: kim
`), 0o600))

	cfg, _, err := loadConfig([]string{"-c", path, "--room", "doc"})
	require.NoError(t, err)
	assert.Equal(t, "doc", cfg.Agent.Room)
	assert.Equal(t, "kim", cfg.Agent.UserName)
	assert.True(t, cfg.Discovery.Enabled)

	_, _, err = loadConfig([]string{"-c", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
