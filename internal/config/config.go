package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`
}

// APIConfig contains remote LIMS API settings.
type APIConfig struct {
	BaseURL      string   `yaml:"base_url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"-"` // env-only, never in YAML
	ClientSecret string   `yaml:"-"` // env-only, never in YAML
	Timeout      Duration `yaml:"timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig contains ingestion run settings.
type SyncConfig struct {
	PageSize            int    `yaml:"page_size"`
	LookbackDays        int    `yaml:"lookback_days"`
	RecoveryMaxAttempts int    `yaml:"recovery_max_attempts"`
	ReportDir           string `yaml:"report_dir"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("LABMIRROR_CONFIG_PATH", "config/labmirror.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		API: APIConfig{
			Timeout: Duration(30 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/labmirror.db",
		},
		Sync: SyncConfig{
			PageSize:            50,
			LookbackDays:        7,
			RecoveryMaxAttempts: 3,
			ReportDir:           "data/reports",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// API
	if v := os.Getenv("LABMIRROR_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("LABMIRROR_API_TOKEN_URL"); v != "" {
		cfg.API.TokenURL = v
	}
	if v := os.Getenv("LABMIRROR_CLIENT_ID"); v != "" {
		cfg.API.ClientID = v
	}
	if v := os.Getenv("LABMIRROR_CLIENT_SECRET"); v != "" {
		cfg.API.ClientSecret = v
	}
	if v := os.Getenv("LABMIRROR_API_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.API.Timeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("LABMIRROR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Sync
	if v := os.Getenv("LABMIRROR_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PageSize = n
		}
	}
	if v := os.Getenv("LABMIRROR_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.LookbackDays = n
		}
	}
	if v := os.Getenv("LABMIRROR_RECOVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.RecoveryMaxAttempts = n
		}
	}
	if v := os.Getenv("LABMIRROR_REPORT_DIR"); v != "" {
		cfg.Sync.ReportDir = v
	}

	// Log
	if v := os.Getenv("LABMIRROR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LABMIRROR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks structural sanity. API credentials are validated
// separately by ValidateAPI because read-only commands do not need them.
func (c *Config) validate() error {
	if c.Sync.PageSize <= 0 {
		return errors.New("sync.page_size must be positive")
	}
	if c.Sync.LookbackDays < 0 {
		return errors.New("sync.lookback_days must not be negative")
	}
	if c.Sync.RecoveryMaxAttempts < 1 {
		return errors.New("sync.recovery_max_attempts must be at least 1")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	return nil
}

// ValidateAPI checks that the settings needed to reach the remote API are set.
// Called by commands that actually talk to the LIMS.
func (c *Config) ValidateAPI() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required (or LABMIRROR_API_BASE_URL)")
	}
	if c.API.ClientID == "" {
		return errors.New("LABMIRROR_CLIENT_ID is required")
	}
	if c.API.ClientSecret == "" {
		return errors.New("LABMIRROR_CLIENT_SECRET is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
