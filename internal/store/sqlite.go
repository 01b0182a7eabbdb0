package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fleet-monitor/analytics/internal/domain"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStore is a single-file metrics sink for runs without Postgres.
type SQLiteStore struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLiteStore) UpsertMetrics(ctx context.Context, rec domain.MetricsRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO vehicle_daily_metrics (
			vehicle_id, metric_date, task_id,
			traveled_distance_km, work_duration_sec,
			stoppage_count, stoppage_duration_sec,
			stoppage_while_on_sec, stoppage_while_off_sec,
			average_speed_kph, efficiency_percent,
			device_on_at, first_movement_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id, metric_date, task_id) DO UPDATE SET
			traveled_distance_km   = excluded.traveled_distance_km,
			work_duration_sec      = excluded.work_duration_sec,
			stoppage_count         = excluded.stoppage_count,
			stoppage_duration_sec  = excluded.stoppage_duration_sec,
			stoppage_while_on_sec  = excluded.stoppage_while_on_sec,
			stoppage_while_off_sec = excluded.stoppage_while_off_sec,
			average_speed_kph      = excluded.average_speed_kph,
			efficiency_percent     = excluded.efficiency_percent,
			device_on_at           = excluded.device_on_at,
			first_movement_at      = excluded.first_movement_at,
			updated_at             = excluded.updated_at
	`,
		rec.Key.VehicleID,
		rec.Key.DateString(),
		rec.Key.TaskID,
		rec.TraveledDistanceKm,
		rec.WorkDurationSec,
		rec.StoppageCount,
		rec.StoppageDurationSec,
		rec.StoppageWhileOnSec,
		rec.StoppageWhileOffSec,
		rec.AverageSpeedKph,
		rec.EfficiencyPercent,
		formatTime(rec.DeviceOnAt),
		formatTime(rec.FirstMovementAt),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	return nil
}

// GetMetrics returns the records of one vehicle with metric_date in
// [from, to].
func (s *SQLiteStore) GetMetrics(ctx context.Context, vehicleID string, from, to time.Time) ([]domain.MetricsRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT vehicle_id, metric_date, task_id,
			traveled_distance_km, work_duration_sec,
			stoppage_count, stoppage_duration_sec,
			stoppage_while_on_sec, stoppage_while_off_sec,
			average_speed_kph, efficiency_percent,
			device_on_at, first_movement_at
		FROM vehicle_daily_metrics
		WHERE vehicle_id = ?
		  AND metric_date BETWEEN ? AND ?
		ORDER BY metric_date, task_id
	`, vehicleID, from.Format(domain.DateLayout), to.Format(domain.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.MetricsRecord
	for rows.Next() {
		var rec domain.MetricsRecord
		var date string
		var deviceOn, firstMove sql.NullString
		if err := rows.Scan(
			&rec.Key.VehicleID, &date, &rec.Key.TaskID,
			&rec.TraveledDistanceKm, &rec.WorkDurationSec,
			&rec.StoppageCount, &rec.StoppageDurationSec,
			&rec.StoppageWhileOnSec, &rec.StoppageWhileOffSec,
			&rec.AverageSpeedKph, &rec.EfficiencyPercent,
			&deviceOn, &firstMove,
		); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		if rec.Key.Date, err = time.Parse(domain.DateLayout, date); err != nil {
			return nil, fmt.Errorf("parse metric date %q: %w", date, err)
		}
		if rec.DeviceOnAt, err = parseTime(deviceOn); err != nil {
			return nil, err
		}
		if rec.FirstMovementAt, err = parseTime(firstMove); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", v.String, err)
	}
	return &t, nil
}
