package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	// HTTP
	HTTPPort string `yaml:"http_port"`

	// TimescaleDB
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBMaxConns int32  `yaml:"db_max_conns"`

	// Redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Local metrics sink, replaces the Postgres sink when set
	SQLitePath string `yaml:"sqlite_path"`

	// Engine
	MaxGapSec            int    `yaml:"max_gap_sec"`
	ExpectedDailyWorkSec int    `yaml:"expected_daily_work_sec"`
	Timezone             string `yaml:"timezone"`
	CancelCheckEvery     int    `yaml:"cancel_check_every"`

	// Batch
	ChunkSize       int     `yaml:"chunk_size"`
	Workers         int     `yaml:"workers"`
	MaxAttempts     int     `yaml:"max_attempts"`
	BackoffSec      []int   `yaml:"backoff_sec"`
	LockLeaseSec    int     `yaml:"lock_lease_sec"`
	LockWaitSec     int     `yaml:"lock_wait_sec"`
	ReleaseAfterSec int     `yaml:"release_after_sec"`
	UnitTimeoutSec  int     `yaml:"unit_timeout_sec"`
	DispatchRate    float64 `yaml:"dispatch_rate"`

	// Schedule
	DailyRunHour         int `yaml:"daily_run_hour"`
	TaskSweepIntervalSec int `yaml:"task_sweep_interval_sec"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Auth
	AuthCacheTTLSeconds int      `yaml:"auth_cache_ttl_seconds"`
	ValidAPIKeys        []string `yaml:"valid_api_keys"`
	CORSOrigins         []string `yaml:"cors_origins"`
}

func Default() *Config {
	return &Config{
		HTTPPort:             "8002",
		DBHost:               "localhost",
		DBPort:               "5432",
		DBUser:               "fleet_user",
		DBPassword:           "fleet_password",
		DBName:               "fleet_monitor",
		DBMaxConns:           15,
		RedisAddr:            "localhost:6379",
		MaxGapSec:            600,
		ExpectedDailyWorkSec: 28800,
		Timezone:             "UTC",
		CancelCheckEvery:     1000,
		ChunkSize:            100,
		Workers:              8,
		MaxAttempts:          3,
		BackoffSec:           []int{30, 60, 120},
		LockLeaseSec:         600,
		LockWaitSec:          5,
		ReleaseAfterSec:      30,
		UnitTimeoutSec:       300,
		DailyRunHour:         1,
		TaskSweepIntervalSec: 300,
		LogLevel:             "info",
		LogFormat:            "text",
		AuthCacheTTLSeconds:  300,
	}
}

// Load reads configuration from the environment on top of the defaults.
func Load() *Config {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

// applyEnv overrides every field whose variable is set. The current value is
// the fallback, so env wins over the file and the file over the defaults.
func applyEnv(c *Config) {
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnv("DB_PORT", c.DBPort)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBMaxConns = int32(getEnvInt("DB_MAX_CONNS", int(c.DBMaxConns)))
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.MaxGapSec = getEnvInt("MAX_GAP_SEC", c.MaxGapSec)
	c.ExpectedDailyWorkSec = getEnvInt("EXPECTED_DAILY_WORK_SEC", c.ExpectedDailyWorkSec)
	c.Timezone = getEnv("TIMEZONE", c.Timezone)
	c.CancelCheckEvery = getEnvInt("CANCEL_CHECK_EVERY", c.CancelCheckEvery)
	c.ChunkSize = getEnvInt("CHUNK_SIZE", c.ChunkSize)
	c.Workers = getEnvInt("WORKERS", c.Workers)
	c.MaxAttempts = getEnvInt("MAX_ATTEMPTS", c.MaxAttempts)
	c.BackoffSec = getEnvInts("BACKOFF_SEC", c.BackoffSec)
	c.LockLeaseSec = getEnvInt("LOCK_LEASE_SEC", c.LockLeaseSec)
	c.LockWaitSec = getEnvInt("LOCK_WAIT_SEC", c.LockWaitSec)
	c.ReleaseAfterSec = getEnvInt("RELEASE_AFTER_SEC", c.ReleaseAfterSec)
	c.UnitTimeoutSec = getEnvInt("UNIT_TIMEOUT_SEC", c.UnitTimeoutSec)
	c.DispatchRate = getEnvFloat("DISPATCH_RATE", c.DispatchRate)
	c.DailyRunHour = getEnvInt("DAILY_RUN_HOUR", c.DailyRunHour)
	c.TaskSweepIntervalSec = getEnvInt("TASK_SWEEP_INTERVAL_SEC", c.TaskSweepIntervalSec)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.AuthCacheTTLSeconds = getEnvInt("AUTH_CACHE_TTL_SECONDS", c.AuthCacheTTLSeconds)
	if v := getEnv("VALID_API_KEYS", ""); v != "" {
		c.ValidAPIKeys = splitList(v)
	}
	if v := getEnv("CORS_ORIGINS", ""); v != "" {
		c.CORSOrigins = splitList(v)
	}
}

func (c *Config) MaxGap() time.Duration { return seconds(c.MaxGapSec) }

func (c *Config) ExpectedDailyWork() time.Duration { return seconds(c.ExpectedDailyWorkSec) }

func (c *Config) LockLease() time.Duration { return seconds(c.LockLeaseSec) }

func (c *Config) LockWait() time.Duration { return seconds(c.LockWaitSec) }

func (c *Config) ReleaseAfter() time.Duration { return seconds(c.ReleaseAfterSec) }

func (c *Config) UnitTimeout() time.Duration { return seconds(c.UnitTimeoutSec) }

func (c *Config) TaskSweepInterval() time.Duration { return seconds(c.TaskSweepIntervalSec) }

func (c *Config) AuthCacheTTL() time.Duration { return seconds(c.AuthCacheTTLSeconds) }

func (c *Config) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.BackoffSec))
	for i, s := range c.BackoffSec {
		out[i] = seconds(s)
	}
	return out
}

// Location resolves Timezone. Validate has already rejected unknown zones.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvInts(key string, fallback []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []int
	for _, part := range splitList(v) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
