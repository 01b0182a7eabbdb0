package config

import (
	"errors"
	"fmt"
	"time"
)

func (c *Config) Validate() error {
	var errs []error

	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port cannot be empty"))
	}
	if c.MaxGapSec < 0 {
		errs = append(errs, fmt.Errorf("max_gap_sec must be non-negative, got %d", c.MaxGapSec))
	}
	if c.ExpectedDailyWorkSec < 0 {
		errs = append(errs, fmt.Errorf("expected_daily_work_sec must be non-negative, got %d", c.ExpectedDailyWorkSec))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk_size must be at least 1, got %d", c.ChunkSize))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if len(c.BackoffSec) == 0 {
		errs = append(errs, errors.New("backoff_sec cannot be empty"))
	}
	for _, s := range c.BackoffSec {
		if s < 0 {
			errs = append(errs, fmt.Errorf("backoff_sec entries must be non-negative, got %d", s))
			break
		}
	}
	if c.LockLeaseSec < 1 {
		errs = append(errs, fmt.Errorf("lock_lease_sec must be at least 1, got %d", c.LockLeaseSec))
	}
	if c.UnitTimeoutSec > 0 && c.LockLeaseSec < c.UnitTimeoutSec {
		errs = append(errs, fmt.Errorf("lock_lease_sec (%d) must cover unit_timeout_sec (%d)", c.LockLeaseSec, c.UnitTimeoutSec))
	}
	if c.DispatchRate < 0 {
		errs = append(errs, errors.New("dispatch_rate must be non-negative"))
	}
	if c.DailyRunHour < 0 || c.DailyRunHour > 23 {
		errs = append(errs, fmt.Errorf("daily_run_hour must be between 0 and 23, got %d", c.DailyRunHour))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("invalid log format: %s (valid: json, text)", c.LogFormat))
	}

	return errors.Join(errs...)
}
