package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"fleet-monitor/analytics/internal/config"
	"fleet-monitor/analytics/internal/domain"
)

// Querier is the subset of *pgxpool.Pool the store uses. pgxmock pools
// satisfy it too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type TimescaleStore struct {
	db   Querier
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{db: pool, pool: pool}, nil
}

func NewTimescaleStoreWithQuerier(db Querier) *TimescaleStore {
	return &TimescaleStore{db: db}
}

func (s *TimescaleStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

func (s *TimescaleStore) VehicleIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM vehicles WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan vehicle id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *TimescaleStore) Vehicle(ctx context.Context, vehicleID string) (domain.Vehicle, error) {
	var v domain.Vehicle
	err := s.db.QueryRow(ctx, `
		SELECT id, device_id, fleet_id, name
		FROM vehicles
		WHERE id = $1
	`, vehicleID).Scan(&v.ID, &v.DeviceID, &v.FleetID, &v.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Vehicle{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Vehicle{}, fmt.Errorf("query vehicle: %w", err)
	}
	return v, nil
}

// Points opens a cursor over the vehicle's telemetry in [from, to). Rows are
// decoded one at a time as the caller advances.
func (s *TimescaleStore) Points(ctx context.Context, vehicleID string, from, to time.Time) (domain.SampleIterator, error) {
	rows, err := s.db.Query(ctx, `
		SELECT timestamp, latitude, longitude, speed_kmh, engine_on
		FROM vehicle_telemetry
		WHERE vehicle_id = $1
		  AND timestamp >= $2
		  AND timestamp < $3
		ORDER BY timestamp
	`, vehicleID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	return &rowsIterator{rows: rows}, nil
}

type rowsIterator struct {
	rows pgx.Rows
	cur  domain.GpsSample
	err  error
}

func (it *rowsIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var s domain.GpsSample
	if err := it.rows.Scan(&s.Timestamp, &s.Coordinate.Lat, &s.Coordinate.Lon, &s.SpeedKph, &s.PoweredOn); err != nil {
		it.err = fmt.Errorf("scan telemetry: %w", err)
		return false
	}
	it.cur = s
	return true
}

func (it *rowsIterator) Sample() domain.GpsSample { return it.cur }

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() { it.rows.Close() }

const taskColumns = `id, vehicle_id, name, zone_id, start_at, end_at, status, expected_daily_work_sec`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var status string
	if err := row.Scan(&t.ID, &t.VehicleID, &t.Name, &t.ZoneID, &t.StartAt, &t.EndAt, &status, &t.ExpectedDailyWorkSec); err != nil {
		return t, err
	}
	t.Status = domain.TaskState(status)
	if !t.Status.Valid() {
		return t, fmt.Errorf("task %s has unknown status %q", t.ID, status)
	}
	return t, nil
}

// CurrentTask prefers an open task that has started by asOf and falls back to
// the most recently started one.
func (s *TimescaleStore) CurrentTask(ctx context.Context, vehicleID string, asOf time.Time) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM work_tasks
		WHERE vehicle_id = $1
		  AND start_at <= $2
		ORDER BY (status IN ('done', 'not_done')), start_at DESC
		LIMIT 1
	`, vehicleID, asOf))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query current task: %w", err)
	}
	return &t, nil
}

func (s *TimescaleStore) TaskByID(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM work_tasks
		WHERE id = $1
	`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// ZoneOf reads the zone boundary as GeoJSON. For multipolygons the outer
// ring of the first polygon is used.
func (s *TimescaleStore) ZoneOf(ctx context.Context, task domain.Task) (domain.Polygon, error) {
	var raw string
	err := s.db.QueryRow(ctx, `
		SELECT ST_AsGeoJSON(boundary::geometry)
		FROM zones
		WHERE id = $1
	`, task.ZoneID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query zone: %w", err)
	}
	return decodeZone([]byte(raw))
}

func decodeZone(raw []byte) (domain.Polygon, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode zone geojson: %w", err)
	}

	var ring orb.Ring
	switch geom := g.Geometry().(type) {
	case orb.Polygon:
		if len(geom) > 0 {
			ring = geom[0]
		}
	case orb.MultiPolygon:
		if len(geom) > 0 && len(geom[0]) > 0 {
			ring = geom[0][0]
		}
	default:
		return nil, fmt.Errorf("zone geometry is %T, not a polygon", geom)
	}

	poly := make(domain.Polygon, 0, len(ring))
	for _, pt := range ring {
		poly = append(poly, domain.Coordinate{Lat: pt.Lat(), Lon: pt.Lon()})
	}
	return poly, nil
}

// SetTaskStatus is a compare-and-set on the stored status. It reports false
// when the task is gone or its status is no longer from.
func (s *TimescaleStore) SetTaskStatus(ctx context.Context, taskID string, from, to domain.TaskState) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_tasks
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		  AND status = $3
	`, taskID, string(to), string(from))
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertMetrics fully replaces the record for (vehicle, date, task).
func (s *TimescaleStore) UpsertMetrics(ctx context.Context, rec domain.MetricsRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO vehicle_daily_metrics (
			vehicle_id, metric_date, task_id,
			traveled_distance_km, work_duration_sec,
			stoppage_count, stoppage_duration_sec,
			stoppage_while_on_sec, stoppage_while_off_sec,
			average_speed_kph, efficiency_percent,
			device_on_at, first_movement_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (vehicle_id, metric_date, task_id) DO UPDATE SET
			traveled_distance_km   = EXCLUDED.traveled_distance_km,
			work_duration_sec      = EXCLUDED.work_duration_sec,
			stoppage_count         = EXCLUDED.stoppage_count,
			stoppage_duration_sec  = EXCLUDED.stoppage_duration_sec,
			stoppage_while_on_sec  = EXCLUDED.stoppage_while_on_sec,
			stoppage_while_off_sec = EXCLUDED.stoppage_while_off_sec,
			average_speed_kph      = EXCLUDED.average_speed_kph,
			efficiency_percent     = EXCLUDED.efficiency_percent,
			device_on_at           = EXCLUDED.device_on_at,
			first_movement_at      = EXCLUDED.first_movement_at,
			updated_at             = EXCLUDED.updated_at
	`,
		rec.Key.VehicleID,
		rec.Key.Date,
		rec.Key.TaskID,
		rec.TraveledDistanceKm,
		rec.WorkDurationSec,
		rec.StoppageCount,
		rec.StoppageDurationSec,
		rec.StoppageWhileOnSec,
		rec.StoppageWhileOffSec,
		rec.AverageSpeedKph,
		rec.EfficiencyPercent,
		rec.DeviceOnAt,
		rec.FirstMovementAt,
	)
	if err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	return nil
}

// GetMetrics returns the records of one vehicle with metric_date in
// [from, to], day and task records alike.
func (s *TimescaleStore) GetMetrics(ctx context.Context, vehicleID string, from, to time.Time) ([]domain.MetricsRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT vehicle_id, metric_date, task_id,
			traveled_distance_km, work_duration_sec,
			stoppage_count, stoppage_duration_sec,
			stoppage_while_on_sec, stoppage_while_off_sec,
			average_speed_kph, efficiency_percent,
			device_on_at, first_movement_at
		FROM vehicle_daily_metrics
		WHERE vehicle_id = $1
		  AND metric_date BETWEEN $2 AND $3
		ORDER BY metric_date, task_id
	`, vehicleID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.MetricsRecord
	for rows.Next() {
		var rec domain.MetricsRecord
		if err := rows.Scan(
			&rec.Key.VehicleID, &rec.Key.Date, &rec.Key.TaskID,
			&rec.TraveledDistanceKm, &rec.WorkDurationSec,
			&rec.StoppageCount, &rec.StoppageDurationSec,
			&rec.StoppageWhileOnSec, &rec.StoppageWhileOffSec,
			&rec.AverageSpeedKph, &rec.EfficiencyPercent,
			&rec.DeviceOnAt, &rec.FirstMovementAt,
		); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
