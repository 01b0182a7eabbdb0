package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"fleet-monitor/analytics/internal/batch"
	"fleet-monitor/analytics/internal/config"
	"fleet-monitor/analytics/internal/domain"
	"fleet-monitor/analytics/internal/engine"
	"fleet-monitor/analytics/internal/lock"
	"fleet-monitor/analytics/internal/logger"
	"fleet-monitor/analytics/internal/store"
)

const lockPrefix = "fleetcalc:lock:"

// metricsStore is the sink the engine writes to and the API reads from.
type metricsStore interface {
	engine.MetricsSink
	GetMetrics(ctx context.Context, vehicleID string, from, to time.Time) ([]domain.MetricsRecord, error)
}

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	db     *store.TimescaleStore
	redis  *store.RedisStore
	sqlite *store.SQLiteStore

	metrics  metricsStore
	computer *engine.Computer
	orch     *batch.Orchestrator
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newApp connects Postgres (required), Redis and the optional SQLite sink.
// Without Redis the process runs with in-memory locks, no events and static
// API keys only.
func newApp(ctx context.Context, requireRedis bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	a := &app{cfg: cfg, log: log}

	a.db, err = store.NewTimescaleStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.metrics = a.db

	a.redis, err = store.NewRedisStore(ctx, cfg)
	if err != nil {
		if requireRedis {
			a.close()
			return nil, err
		}
		log.Warn("redis unavailable, using in-memory locks and no events", "error", err)
		a.redis = nil
	}

	if cfg.SQLitePath != "" {
		a.sqlite, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			a.close()
			return nil, err
		}
		a.metrics = a.sqlite
		log.Info("writing metrics to sqlite", "path", cfg.SQLitePath)
	}

	deps := engine.Deps{
		Points:   a.db,
		Vehicles: a.db,
		Tasks:    a.db,
		Sink:     a.metrics,
	}
	var locker lock.Locker
	if a.redis != nil {
		deps.Publisher = a.redis
		locker = lock.NewRedisLocker(a.redis.Client(), lockPrefix)
	}

	a.computer = engine.NewComputer(deps, engineConfig(cfg), log)
	a.orch = batch.NewOrchestrator(batchConfig(cfg), a.db, a.computer, locker, log)
	return a, nil
}

func (a *app) close() {
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.log.Warn("sqlite close failed", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		MaxGap:            cfg.MaxGap(),
		ExpectedDailyWork: cfg.ExpectedDailyWork(),
		Location:          cfg.Location(),
		CancelCheckEvery:  cfg.CancelCheckEvery,
		Now:               time.Now,
	}
}

func batchConfig(cfg *config.Config) batch.Config {
	return batch.Config{
		Workers:      cfg.Workers,
		ChunkSize:    cfg.ChunkSize,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      cfg.Backoff(),
		LockLease:    cfg.LockLease(),
		LockWait:     cfg.LockWait(),
		ReleaseAfter: cfg.ReleaseAfter(),
		UnitTimeout:  cfg.UnitTimeout(),
		DispatchRate: cfg.DispatchRate,
	}
}

// parseDate reads a YYYY-MM-DD flag value in loc; empty means yesterday.
func parseDate(value string, now time.Time, loc *time.Location) (time.Time, error) {
	if value == "" {
		y := now.In(loc).AddDate(0, 0, -1)
		return time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, loc), nil
	}
	d, err := time.ParseInLocation(domain.DateLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", value)
	}
	return d, nil
}
