package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.ChunkSize != 100 {
		t.Errorf("expected default chunk size 100, got %d", cfg.ChunkSize)
	}
	if cfg.ExpectedDailyWork() != 8*time.Hour {
		t.Errorf("expected 8h expected work, got %s", cfg.ExpectedDailyWork())
	}
	if got := cfg.Backoff(); len(got) != 3 || got[2] != 2*time.Minute {
		t.Errorf("unexpected backoff %v", got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "25")
	t.Setenv("BACKOFF_SEC", "1, 2")
	t.Setenv("VALID_API_KEYS", "a,,b")
	t.Setenv("DISPATCH_RATE", "12.5")
	t.Setenv("WORKERS", "not-a-number")

	cfg := Load()

	if cfg.ChunkSize != 25 {
		t.Errorf("expected chunk size 25, got %d", cfg.ChunkSize)
	}
	if len(cfg.BackoffSec) != 2 || cfg.BackoffSec[1] != 2 {
		t.Errorf("unexpected backoff %v", cfg.BackoffSec)
	}
	if len(cfg.ValidAPIKeys) != 2 || cfg.ValidAPIKeys[1] != "b" {
		t.Errorf("unexpected api keys %v", cfg.ValidAPIKeys)
	}
	if cfg.DispatchRate != 12.5 {
		t.Errorf("expected dispatch rate 12.5, got %f", cfg.DispatchRate)
	}
	if cfg.Workers != 8 {
		t.Errorf("invalid value must fall back, got %d", cfg.Workers)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("FLEETCALC_TEST_PASSWORD", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	content := `
db_host: "db.internal"
db_password: "${FLEETCALC_TEST_PASSWORD}"
chunk_size: 50
timezone: "Europe/Rome"
log_level: "warn"
backoff_sec: [5, 10]
`
	path := filepath.Join(t.TempDir(), "fleetcalc.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.DBHost != "db.internal" {
		t.Errorf("expected db host from file, got %s", cfg.DBHost)
	}
	if cfg.DBPassword != "s3cret" {
		t.Errorf("expected substituted password, got %s", cfg.DBPassword)
	}
	if cfg.ChunkSize != 50 {
		t.Errorf("expected chunk size 50, got %d", cfg.ChunkSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("env must override the file, got %s", cfg.LogLevel)
	}
	if cfg.Location().String() != "Europe/Rome" {
		t.Errorf("unexpected location %s", cfg.Location())
	}
	if cfg.DBPort != "5432" {
		t.Errorf("unset keys keep defaults, got %s", cfg.DBPort)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFileUnresolvedVariableKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetcalc.yaml")
	os.WriteFile(path, []byte(`db_password: "${FLEETCALC_UNSET_VAR_XYZ}"`), 0644)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPassword != "${FLEETCALC_UNSET_VAR_XYZ}" {
		t.Errorf("unexpected password %q", cfg.DBPassword)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"chunk size", func(c *Config) { c.ChunkSize = 0 }, "chunk_size"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"run hour", func(c *Config) { c.DailyRunHour = 24 }, "daily_run_hour"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
		{"lease", func(c *Config) { c.LockLeaseSec = 10 }, "lock_lease_sec"},
		{"backoff", func(c *Config) { c.BackoffSec = nil }, "backoff_sec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = 0
	cfg.Workers = 0

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "chunk_size") || !strings.Contains(err.Error(), "workers") {
		t.Fatalf("expected both errors, got %v", err)
	}
}
