// Package config provides YAML-based configuration loading for the
// easierlit runtime, layered with the environment variables the
// scaffolding UI conventions already define.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration, loaded from
// easierlit.yaml and finished from the environment.
type Config struct {
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	Auth        *AuthConfig       `yaml:"auth"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Discord     DiscordConfig     `yaml:"discord"`
	Workers     WorkersConfig     `yaml:"workers"`
}

// AuthConfig enables password login for the single scaffolding owner.
// Username and Password are both required when the section is present.
type AuthConfig struct {
	Username   string         `yaml:"username"`
	Password   string         `yaml:"password"`
	Identifier string         `yaml:"identifier"`
	Metadata   map[string]any `yaml:"metadata"`
}

// PersistenceConfig controls the local SQLite database and the local
// file store for elements.
type PersistenceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SQLitePath      string `yaml:"sqlite_path"`
	LocalStorageDir string `yaml:"local_storage_dir"`
}

// DiscordConfig enables the Discord bridge. A missing BotToken falls
// back to DISCORD_BOT_TOKEN; enabled without either fails startup.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// WorkersConfig sizes the dispatchers.
type WorkersConfig struct {
	MaxMessageWorkers int `yaml:"max_message_workers"`
	OutgoingLanes     int `yaml:"outgoing_lanes"`
}

// Load reads a YAML config file from path and returns a validated
// Config. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv layers environment variables over the file values. The env
// auth pair is all-or-nothing: setting only one of the two variables is
// a configuration error caught by validate.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHAINLIT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("CHAINLIT_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			c.Port = port
		}
	}
	user := os.Getenv("EASIERLIT_AUTH_USERNAME")
	pass := os.Getenv("EASIERLIT_AUTH_PASSWORD")
	if user != "" || pass != "" {
		c.Auth = &AuthConfig{Username: user, Password: pass}
	}
	if c.Discord.BotToken == "" {
		c.Discord.BotToken = os.Getenv("DISCORD_BOT_TOKEN")
	}
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.Persistence.SQLitePath == "" {
		c.Persistence.SQLitePath = filepath.Join(".chainlit", "easierlit.db")
	}
	if c.Persistence.LocalStorageDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		c.Persistence.LocalStorageDir = filepath.Join(cwd, "public", "easierlit")
	}
	if c.Auth != nil {
		c.Auth.Username = strings.TrimSpace(c.Auth.Username)
		c.Auth.Password = strings.TrimSpace(c.Auth.Password)
		if c.Auth.Identifier == "" {
			c.Auth.Identifier = c.Auth.Username
		}
	}
	if c.Workers.MaxMessageWorkers == 0 {
		c.Workers.MaxMessageWorkers = 10
	}
	if c.Workers.OutgoingLanes == 0 {
		c.Workers.OutgoingLanes = 4
	}
}

func (c *Config) validate() error {
	var errs []string
	if c.Auth != nil {
		if c.Auth.Username == "" {
			errs = append(errs, "auth.username is required when auth is configured")
		}
		if c.Auth.Password == "" {
			errs = append(errs, "auth.password is required when auth is configured")
		}
	}
	if c.Discord.Enabled && c.Discord.BotToken == "" {
		errs = append(errs, "discord.bot_token (or DISCORD_BOT_TOKEN) is required when discord is enabled")
	}
	if c.Workers.MaxMessageWorkers < 1 {
		errs = append(errs, "workers.max_message_workers must be positive")
	}
	if c.Workers.OutgoingLanes < 1 {
		errs = append(errs, "workers.outgoing_lanes must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ExternalDatabaseURL reports a configured external data layer. When
// set, the local SQLite layer is not created.
func ExternalDatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// ExternalDataLayer reports whether persistence is delegated to an
// external backend (DATABASE_URL or a Literal AI key).
func ExternalDataLayer() bool {
	return os.Getenv("DATABASE_URL") != "" || os.Getenv("LITERAL_API_KEY") != ""
}
