package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"LABMIRROR_API_BASE_URL",
		"LABMIRROR_API_TOKEN_URL",
		"LABMIRROR_CLIENT_ID",
		"LABMIRROR_CLIENT_SECRET",
		"LABMIRROR_API_TIMEOUT",
		"LABMIRROR_DB_PATH",
		"LABMIRROR_PAGE_SIZE",
		"LABMIRROR_LOOKBACK_DAYS",
		"LABMIRROR_RECOVERY_MAX_ATTEMPTS",
		"LABMIRROR_REPORT_DIR",
		"LABMIRROR_LOG_LEVEL",
		"LABMIRROR_LOG_FORMAT",
		"LABMIRROR_CONFIG_PATH",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

// Test: Default values when no config file and no env vars
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("LABMIRROR_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	defer os.Unsetenv("LABMIRROR_CONFIG_PATH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "data/labmirror.db" {
		t.Errorf("Database.Path = %q, want data/labmirror.db", cfg.Database.Path)
	}
	if cfg.Sync.PageSize != 50 {
		t.Errorf("Sync.PageSize = %d, want 50", cfg.Sync.PageSize)
	}
	if cfg.Sync.LookbackDays != 7 {
		t.Errorf("Sync.LookbackDays = %d, want 7", cfg.Sync.LookbackDays)
	}
	if cfg.Sync.RecoveryMaxAttempts != 3 {
		t.Errorf("Sync.RecoveryMaxAttempts = %d, want 3", cfg.Sync.RecoveryMaxAttempts)
	}
	if dur(cfg.API.Timeout) != 30*time.Second {
		t.Errorf("API.Timeout = %v, want 30s", dur(cfg.API.Timeout))
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log defaults = %q/%q, want info/json", cfg.Log.Level, cfg.Log.Format)
	}
}

// Test: YAML file values override defaults
func TestLoadFromFile_YAMLOverridesDefaults(t *testing.T) {
	clearEnv(t)

	yamlContent := `
api:
  base_url: https://lab.example.com/api
  token_url: https://lab.example.com/oauth/token
  timeout: 10s
database:
  path: /tmp/mirror.db
sync:
  page_size: 25
  lookback_days: 3
  recovery_max_attempts: 5
  report_dir: /tmp/reports
log:
  level: debug
  format: text
`
	path := filepath.Join(t.TempDir(), "labmirror.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.API.BaseURL != "https://lab.example.com/api" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if dur(cfg.API.Timeout) != 10*time.Second {
		t.Errorf("API.Timeout = %v, want 10s", dur(cfg.API.Timeout))
	}
	if cfg.Database.Path != "/tmp/mirror.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Sync.PageSize != 25 || cfg.Sync.LookbackDays != 3 || cfg.Sync.RecoveryMaxAttempts != 5 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)

	yamlContent := `
database:
  path: /tmp/from-yaml.db
sync:
  page_size: 25
`
	path := filepath.Join(t.TempDir(), "labmirror.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	os.Setenv("LABMIRROR_DB_PATH", "/tmp/from-env.db")
	os.Setenv("LABMIRROR_PAGE_SIZE", "10")
	os.Setenv("LABMIRROR_CLIENT_ID", "cid")
	os.Setenv("LABMIRROR_CLIENT_SECRET", "secret")
	defer clearEnv(t)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want /tmp/from-env.db", cfg.Database.Path)
	}
	if cfg.Sync.PageSize != 10 {
		t.Errorf("Sync.PageSize = %d, want 10", cfg.Sync.PageSize)
	}
	if cfg.API.ClientID != "cid" || cfg.API.ClientSecret != "secret" {
		t.Error("credentials not picked up from env")
	}
}

// Test: credentials are never read from YAML
func TestLoadFromFile_CredentialsEnvOnly(t *testing.T) {
	clearEnv(t)

	yamlContent := `
api:
  client_id: from-yaml
  client_secret: from-yaml
`
	path := filepath.Join(t.TempDir(), "labmirror.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.API.ClientID != "" || cfg.API.ClientSecret != "" {
		t.Error("credentials must not be readable from YAML")
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	clearEnv(t)

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"zero page size", "sync:\n  page_size: 0\n", "page_size"},
		{"negative lookback", "sync:\n  lookback_days: -1\n", "lookback_days"},
		{"zero recovery attempts", "sync:\n  recovery_max_attempts: 0\n", "recovery_max_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0644); err != nil {
				t.Fatalf("writing config: %v", err)
			}
			_, err := LoadFromFile(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestValidateAPI_RequiresCredentials(t *testing.T) {
	cfg := newDefaults()
	if err := cfg.ValidateAPI(); err == nil {
		t.Fatal("expected error without base URL and credentials")
	}

	cfg.API.BaseURL = "https://lab.example.com/api"
	if err := cfg.ValidateAPI(); err == nil || !strings.Contains(err.Error(), "LABMIRROR_CLIENT_ID") {
		t.Errorf("error = %v, want missing client id", err)
	}

	cfg.API.ClientID = "cid"
	cfg.API.ClientSecret = "secret"
	if err := cfg.ValidateAPI(); err != nil {
		t.Errorf("ValidateAPI() error = %v, want nil", err)
	}
}
