// Package config handles loading and validating crewline configuration.
// Supports YAML config files and CREWLINE_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all crewline configuration.
type Config struct {
	Provider      string            `mapstructure:"provider"`
	Model         string            `mapstructure:"model"`
	RoleProviders map[string]string `mapstructure:"role_providers"` // coder/reviewer/tester -> provider name

	MaxIterations       int      `mapstructure:"max_iterations"`
	AllowedTestCommands []string `mapstructure:"allowed_test_commands"`
	TesterBlockedPolicy string   `mapstructure:"tester_blocked_policy"` // strict | resilient

	AgentTimeout       time.Duration `mapstructure:"agent_timeout"`
	TestCommandTimeout time.Duration `mapstructure:"test_command_timeout"`
	KillGrace          time.Duration `mapstructure:"kill_grace"`

	DataDir string `mapstructure:"data_dir"`
	TaskDir string `mapstructure:"task_dir"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig mirrors logging.Config for file-based configuration.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "crewline")
	return &Config{
		Provider:            "claude",
		RoleProviders:       map[string]string{},
		MaxIterations:       3,
		TesterBlockedPolicy: "resilient",
		AgentTimeout:        10 * time.Minute,
		TestCommandTimeout:  5 * time.Minute,
		KillGrace:           5 * time.Second,
		DataDir:             dataDir,
		TaskDir:             filepath.Join(dataDir, "tasks"),
		Logging: LoggingConfig{
			Level:         "info",
			Path:          filepath.Join(dataDir, "logs"),
			Format:        "json",
			RetentionDays: 7,
		},
	}
}

// Load reads configuration from file and environment.
// An explicit path wins; otherwise crewline.yaml is searched in the
// working directory and ~/.config/crewline. A missing file is not an
// error, the defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("provider", def.Provider)
	v.SetDefault("max_iterations", def.MaxIterations)
	v.SetDefault("tester_blocked_policy", def.TesterBlockedPolicy)
	v.SetDefault("agent_timeout", def.AgentTimeout)
	v.SetDefault("test_command_timeout", def.TestCommandTimeout)
	v.SetDefault("kill_grace", def.KillGrace)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("task_dir", def.TaskDir)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.path", def.Logging.Path)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.retention_days", def.Logging.RetentionDays)

	v.SetEnvPrefix("CREWLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("crewline")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "crewline"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.RoleProviders == nil {
		cfg.RoleProviders = map[string]string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.New("provider must not be empty")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	switch c.TesterBlockedPolicy {
	case "strict", "resilient":
	default:
		return fmt.Errorf("tester_blocked_policy must be strict or resilient, got %q", c.TesterBlockedPolicy)
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("agent_timeout must be positive, got %s", c.AgentTimeout)
	}
	return nil
}

// ProviderFor returns the provider bound to a role, falling back to the
// global default.
func (c *Config) ProviderFor(role string) string {
	if p, ok := c.RoleProviders[role]; ok && p != "" {
		return p
	}
	return c.Provider
}
