// Package config loads the Chroxy configuration with the precedence
// CLI flags > environment > config file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Tunnel modes.
const (
	TunnelQuick = "quick" // ephemeral cloudflared URL, no account
	TunnelNamed = "named" // stable URL via configured credentials
	TunnelNone  = "none"  // no tunnel; local port only
)

// Config is the resolved runtime configuration.
type Config struct {
	Port           int           `koanf:"port" json:"port"`
	Token          string        `koanf:"token" json:"token,omitempty"`
	NoAuth         bool          `koanf:"no_auth" json:"no_auth,omitempty"`
	Tunnel         string        `koanf:"tunnel" json:"tunnel"`
	TunnelName     string        `koanf:"tunnel_name" json:"tunnel_name,omitempty"`
	TunnelHostname string        `koanf:"tunnel_hostname" json:"tunnel_hostname,omitempty"`
	Model          string        `koanf:"model" json:"model,omitempty"`
	Cwd            string        `koanf:"cwd" json:"cwd,omitempty"`
	AllowedTools   string        `koanf:"allowed_tools" json:"allowed_tools,omitempty"`
	ShellCmd       string        `koanf:"shell_cmd" json:"shell_cmd,omitempty"`
	Resume         bool          `koanf:"resume" json:"resume,omitempty"`
	Supervised     bool          `koanf:"supervised" json:"-"`
	NoSupervisor   bool          `koanf:"no_supervisor" json:"no_supervisor,omitempty"`
	SourceDir      string        `koanf:"source_dir" json:"source_dir,omitempty"`
	MaxSessions    int           `koanf:"max_sessions" json:"max_sessions,omitempty"`
	DiscoveryEvery time.Duration `koanf:"discovery_interval" json:"discovery_interval,omitempty"`
	Verbose        bool          `koanf:"verbose" json:"verbose,omitempty"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"port":               8765,
		"tunnel":             TunnelQuick,
		"model":              "sonnet",
		"max_sessions":       5,
		"discovery_interval": 30 * time.Second,
	}
}

// Dir returns the Chroxy data directory (~/.chroxy), creating it if
// necessary.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".chroxy")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

// Well-known file names inside the data directory.
func ConfigPath(dir string) string       { return filepath.Join(dir, "config.json") }
func PIDPath(dir string) string          { return filepath.Join(dir, "supervisor.pid") }
func KnownGoodRefPath(dir string) string { return filepath.Join(dir, "known-good-ref") }
func StateDBPath(dir string) string      { return filepath.Join(dir, "state.db") }

// Load resolves the configuration. flags holds the CLI overrides that
// were explicitly set (highest precedence); configFile overrides the
// default config file location when non-empty.
func Load(configFile string, flags map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configFile == "" {
		if dir, err := Dir(); err == nil {
			configFile = ConfigPath(dir)
		}
	}
	if configFile != "" {
		if err := k.Load(file.Provider(configFile), kjson.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", configFile, err)
			}
		}
	}

	if err := k.Load(env.Provider("CHROXY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "CHROXY_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Unprefixed legacy variables.
	legacy := map[string]interface{}{}
	if v := os.Getenv("API_TOKEN"); v != "" {
		legacy["token"] = v
	}
	if v := os.Getenv("PORT"); v != "" {
		legacy["port"] = v
	}
	if v := os.Getenv("SHELL_CMD"); v != "" {
		legacy["shell_cmd"] = v
	}
	if len(legacy) > 0 {
		if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
			return nil, fmt.Errorf("load legacy env: %w", err)
		}
	}

	if len(flags) > 0 {
		if err := k.Load(confmap.Provider(flags, "."), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	switch c.Tunnel {
	case TunnelQuick, TunnelNamed, TunnelNone:
	case "":
		c.Tunnel = TunnelQuick
	default:
		return fmt.Errorf("invalid tunnel mode %q (want quick, named or none)", c.Tunnel)
	}

	if c.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve cwd: %w", err)
		}
		c.Cwd = cwd
	}
	info, err := os.Stat(c.Cwd)
	if err != nil {
		return fmt.Errorf("working directory %s: %w", c.Cwd, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %s is not a directory", c.Cwd)
	}

	if c.MaxSessions <= 0 {
		c.MaxSessions = 5
	}
	return nil
}

// Validate enforces the startup requirements that depend on the
// resolved values rather than their shape.
func (c *Config) Validate() error {
	if !c.NoAuth && c.Token == "" {
		return fmt.Errorf("no auth token configured: run `chroxy init`, set API_TOKEN, or pass --no-auth")
	}
	if c.Tunnel == TunnelNamed && c.TunnelName == "" {
		return fmt.Errorf("tunnel mode %q requires tunnel_name (run `chroxy tunnel setup`)", TunnelNamed)
	}
	return nil
}

// AuthRequired reports whether clients must authenticate.
func (c *Config) AuthRequired() bool {
	return !c.NoAuth
}

// Save writes the configuration to path with owner-only permissions.
// The token is included, so the mode matters.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
