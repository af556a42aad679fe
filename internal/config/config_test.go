package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8081", cfg.Relay.Addr)
	assert.Equal(t, 60*time.Second, cfg.Relay.PongWait)
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("COLLAB_REDIS_PASSWORD", "hunter2")
	path := filepath.Join(t.TempDir(), "collabtext.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: json
relay:
  addr: "0.0.0.0:9000"
  path: /sync
  send_buffer: 64
  write_timeout: 5s
  pong_wait: 45s
redis:
  enabled: true
  addr: redis:6379
  password: ${COLLAB_REDIS_PASSWORD}
discovery:
  enabled: true
  browse_timeout: 3s
agent:
  relay_url: ws://localhost:9000/sync
  room: ws-1/readme.md
  user_name: kim
  reconnect_initial: 1s
  reconnect_max: 1m
seed:
  file: ./readme.md
  bolt_path: /var/lib/collabtext/seed.db
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "0.0.0.0:9000", cfg.Relay.Addr)
	assert.Equal(t, "/sync", cfg.Relay.Path)
	assert.Equal(t, 64, cfg.Relay.SendBuffer)
	assert.Equal(t, int64(1<<20), cfg.Relay.MaxMessageSize, "default kept")
	assert.Equal(t, 5*time.Second, cfg.Relay.WriteTimeout)
	assert.Equal(t, 45*time.Second, cfg.Relay.PongWait)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "collabtext:", cfg.Redis.Prefix, "default kept")
	assert.Equal(t, 3*time.Second, cfg.Discovery.BrowseTimeout)
	assert.Equal(t, time.Second, cfg.Agent.ReconnectInitial)
	assert.Equal(t, time.Minute, cfg.Agent.ReconnectMax)
	assert.Equal(t, "./readme.md", cfg.Seed.File)
	require.NoError(t, cfg.ValidateAgent())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "relay: [",
		"bad duration":  "relay:\n  write_timeout: soon\n",
		"bad level":     "logging:\n  level: loud\n",
		"bad format":    "logging:\n  format: xml\n",
		"bad path":      "relay:\n  path: ws\n",
		"redis no addr": "redis:\n  enabled: true\n  addr: \"\"\n",
		"backoff order": "agent:\n  reconnect_initial: 10s\n  reconnect_max: 1s\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestValidateAgent(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateAgent())

	cfg.Agent.Room = "r"
	cfg.Agent.UserName = "u"
	assert.Error(t, cfg.ValidateAgent(), "needs a relay or discovery")

	cfg.Discovery.Enabled = true
	assert.NoError(t, cfg.ValidateAgent())
}

func TestExpandEnvVarsUnset(t *testing.T) {
	assert.Equal(t, "a--b", expandEnvVars("a-${COLLABTEXT_SURELY_UNSET}-b"))
}
