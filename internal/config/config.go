// Package config loads relay and agent configuration from YAML. Values of
// the form ${VAR_NAME} are replaced with environment variables and
// duration strings are parsed into time.Duration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration shared by both binaries. Each
// binary reads the sections it needs.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Relay     RelayConfig     `yaml:"relay"`
	Redis     RedisConfig     `yaml:"redis"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Agent     AgentConfig     `yaml:"agent"`
	Seed      SeedConfig      `yaml:"seed"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelayConfig holds the relay server's listener and connection limits.
type RelayConfig struct {
	Addr           string `yaml:"addr"`
	Path           string `yaml:"path"`
	SendBuffer     int    `yaml:"send_buffer"`
	MaxMessageSize int64  `yaml:"max_message_size"`

	WriteTimeout time.Duration `yaml:"-"`
	PongWait     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	WriteTimeoutRaw string `yaml:"write_timeout"`
	PongWaitRaw     string `yaml:"pong_wait"`
}

// RedisConfig holds the optional presence directory connection.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DiscoveryConfig holds mDNS settings.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	Domain  string `yaml:"domain"`

	BrowseTimeout    time.Duration `yaml:"-"`
	BrowseTimeoutRaw string        `yaml:"browse_timeout"`
}

// AgentConfig holds the sync agent's identity and reconnect timing.
type AgentConfig struct {
	// RelayURL is the relay websocket URL. Empty means discover via mDNS.
	RelayURL string `yaml:"relay_url"`
	Room     string `yaml:"room"`
	UserName string `yaml:"user_name"`
	// Listen is the address of the local editor endpoint.
	Listen string `yaml:"listen"`

	ReconnectInitial time.Duration `yaml:"-"`
	ReconnectMax     time.Duration `yaml:"-"`

	ReconnectInitialRaw string `yaml:"reconnect_initial"`
	ReconnectMaxRaw     string `yaml:"reconnect_max"`
}

// SeedConfig lists where last-saved content comes from. Sources are tried
// in the order file, bolt, postgres.
type SeedConfig struct {
	File        string `yaml:"file"`
	BoltPath    string `yaml:"bolt_path"`
	PostgresURL string `yaml:"postgres_url"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Relay: RelayConfig{
			Addr:           ":8081",
			Path:           "/ws",
			SendBuffer:     256,
			MaxMessageSize: 1 << 20,
			WriteTimeout:   10 * time.Second,
			PongWait:       60 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379", Prefix: "collabtext:"},
		Discovery: DiscoveryConfig{
			Service:       "_collabtext._tcp",
			Domain:        "local.",
			BrowseTimeout: 15 * time.Second,
		},
		Agent: AgentConfig{
			Listen:           "localhost:8080",
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
		},
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Fields absent from the file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that the configuration is usable. It returns the first
// problem found.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required")
	}
	if c.Relay.Path == "" || c.Relay.Path[0] != '/' {
		return fmt.Errorf("relay.path %q must start with /", c.Relay.Path)
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive")
	}
	if c.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("relay.max_message_size must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Agent.ReconnectInitial <= 0 || c.Agent.ReconnectMax < c.Agent.ReconnectInitial {
		return fmt.Errorf("agent.reconnect_max must be at least agent.reconnect_initial")
	}

	return nil
}

// ValidateAgent checks the fields only the agent needs.
func (c *Config) ValidateAgent() error {
	if c.Agent.Room == "" {
		return fmt.Errorf("agent.room is required")
	}
	if c.Agent.UserName == "" {
		return fmt.Errorf("agent.user_name is required")
	}
	if c.Agent.RelayURL == "" && !c.Discovery.Enabled {
		return fmt.Errorf("agent.relay_url is required unless discovery is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.write_timeout", cfg.Relay.WriteTimeoutRaw, &cfg.Relay.WriteTimeout},
		{"relay.pong_wait", cfg.Relay.PongWaitRaw, &cfg.Relay.PongWait},
		{"discovery.browse_timeout", cfg.Discovery.BrowseTimeoutRaw, &cfg.Discovery.BrowseTimeout},
		{"agent.reconnect_initial", cfg.Agent.ReconnectInitialRaw, &cfg.Agent.ReconnectInitial},
		{"agent.reconnect_max", cfg.Agent.ReconnectMaxRaw, &cfg.Agent.ReconnectMax},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
