package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PARLEY_STORE_BACKEND.
const EnvPrefix = "PARLEY"

var envKeyReplacer = strings.NewReplacer(".", "_")

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// DefaultPath returns ~/.parley/parley.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".parley", "parley.json")
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultPath()
}

func (l *Loader) newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(l.GetConfigPath())
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper knows about.
	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("store.backend", defaults.Store.Backend)
	v.SetDefault("store.dir", defaults.Store.Dir)
	v.SetDefault("store.dsn", defaults.Store.DSN)
	v.SetDefault("defaults.model", defaults.Defaults.Model)
	v.SetDefault("defaults.user_id", defaults.Defaults.UserID)
	v.SetDefault("chain.approval_mode", defaults.Chain.ApprovalMode)
	v.SetDefault("chain.max_iterations", defaults.Chain.MaxIterations)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("telemetry.metrics_addr", defaults.Telemetry.MetricsAddr)
	return v
}

// Load loads the configuration from file. A missing file yields the defaults
// with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	v := l.newViper()

	if _, err := os.Stat(l.GetConfigPath()); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	// Lists from the file replace the defaults instead of merging into them.
	if v.IsSet("providers") {
		cfg.Providers = nil
	}
	if v.IsSet("tools.disabled") {
		cfg.Tools.Disabled = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPaths fills the data directory and the paths derived from it.
func applyPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".parley")
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = filepath.Join(cfg.DataDir, "conversations")
	}
	if cfg.Store.Backend == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(cfg.DataDir, "parley.db")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "parley.log")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("store", cfg.Store)
	v.Set("providers", cfg.Providers)
	v.Set("models", cfg.Models)
	v.Set("defaults", cfg.Defaults)
	v.Set("chain", cfg.Chain)
	v.Set("adapter", cfg.Adapter)
	v.Set("tools", cfg.Tools)
	v.Set("logging", cfg.Logging)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("hooks", cfg.Hooks)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}
	return os.Chmod(configPath, 0600)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
