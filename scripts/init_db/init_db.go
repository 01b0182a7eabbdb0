package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "fleet_user"),
		dbGetEnv("DB_PASSWORD", "fleet_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "fleet_monitor"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_extensions(ctx, conn)
	step2_telemetry_table(ctx, conn)
	step3_reference_tables(ctx, conn)
	step4_metrics_table(ctx, conn)
	step5_indexes(ctx, conn)
	step6_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

// ─────────────────────────────────────────────────────────────
// Step 1: Extensions
// ─────────────────────────────────────────────────────────────
func step1_extensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")

	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)

	// zone boundaries are geography polygons, read back as GeoJSON
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS postgis;",
		"postgis extension",
	)
}

// ─────────────────────────────────────────────────────────────
// Step 2: vehicle_telemetry hypertable
// ─────────────────────────────────────────────────────────────
func step2_telemetry_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: vehicle_telemetry table ─────────────")

	// Written by the ingestion service; the engine only reads
	// timestamp, position, speed_kmh and engine_on.
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS vehicle_telemetry (
			timestamp            TIMESTAMPTZ      NOT NULL,
			received_at          TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			vehicle_id           TEXT             NOT NULL,
			fleet_id             TEXT             NOT NULL,

			latitude             DOUBLE PRECISION NOT NULL,
			longitude            DOUBLE PRECISION NOT NULL,

			speed_kmh            DOUBLE PRECISION NOT NULL DEFAULT 0,
			fuel_pct             DOUBLE PRECISION NOT NULL DEFAULT 0,
			engine_temp_celsius  DOUBLE PRECISION NOT NULL DEFAULT 0,
			battery_voltage      DOUBLE PRECISION NOT NULL DEFAULT 0,
			odometer_km          DOUBLE PRECISION NOT NULL DEFAULT 0,

			is_moving            BOOLEAN          NOT NULL DEFAULT false,
			engine_on            BOOLEAN          NOT NULL DEFAULT false,

			raw_payload          JSONB
		);
	`, "vehicle_telemetry table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'vehicle_telemetry',
			'timestamp',
			if_not_exists => TRUE
		);
	`, "vehicle_telemetry converted to hypertable")
}

// ─────────────────────────────────────────────────────────────
// Step 3: vehicles, zones, work_tasks
// ─────────────────────────────────────────────────────────────
func step3_reference_tables(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: reference tables ────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS vehicles (
			id          TEXT        PRIMARY KEY,
			device_id   TEXT        NOT NULL,
			fleet_id    TEXT        NOT NULL,
			name        TEXT        NOT NULL DEFAULT '',

			-- inactive vehicles are left out of fleet runs
			active      BOOLEAN     NOT NULL DEFAULT true,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "vehicles table created")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS zones (
			id          TEXT                     PRIMARY KEY,
			name        TEXT                     NOT NULL DEFAULT '',
			boundary    GEOGRAPHY(POLYGON, 4326) NOT NULL,
			created_at  TIMESTAMPTZ              NOT NULL DEFAULT NOW()
		);
	`, "zones table created")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS work_tasks (
			id                       TEXT        PRIMARY KEY,
			vehicle_id               TEXT        NOT NULL REFERENCES vehicles (id),
			zone_id                  TEXT        NOT NULL REFERENCES zones (id),
			name                     TEXT        NOT NULL DEFAULT '',

			start_at                 TIMESTAMPTZ NOT NULL,
			end_at                   TIMESTAMPTZ NOT NULL,

			-- 0 means the engine default (8h)
			expected_daily_work_sec  BIGINT      NOT NULL DEFAULT 0,

			-- Must exactly match domain.TaskState constants
			status                   TEXT        NOT NULL DEFAULT 'not_started',

			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_task_status CHECK (
				status IN ('not_started', 'in_progress', 'stopped', 'done', 'not_done')
			),
			CONSTRAINT chk_task_window CHECK (end_at > start_at)
		);
	`, "work_tasks table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4: vehicle_daily_metrics
// ─────────────────────────────────────────────────────────────
func step4_metrics_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: vehicle_daily_metrics table ─────────")

	// task_id '' is the whole-day record. One row per
	// (vehicle, date, task); recomputation replaces it.
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS vehicle_daily_metrics (
			vehicle_id              TEXT             NOT NULL,
			metric_date             DATE             NOT NULL,
			task_id                 TEXT             NOT NULL DEFAULT '',

			traveled_distance_km    DOUBLE PRECISION NOT NULL DEFAULT 0,
			work_duration_sec       BIGINT           NOT NULL DEFAULT 0,
			stoppage_count          BIGINT           NOT NULL DEFAULT 0,
			stoppage_duration_sec   BIGINT           NOT NULL DEFAULT 0,
			stoppage_while_on_sec   BIGINT           NOT NULL DEFAULT 0,
			stoppage_while_off_sec  BIGINT           NOT NULL DEFAULT 0,
			average_speed_kph       DOUBLE PRECISION NOT NULL DEFAULT 0,
			efficiency_percent      DOUBLE PRECISION NOT NULL DEFAULT 0,

			device_on_at            TIMESTAMPTZ,
			first_movement_at       TIMESTAMPTZ,
			updated_at              TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			PRIMARY KEY (vehicle_id, metric_date, task_id),

			CONSTRAINT chk_efficiency CHECK (
				efficiency_percent >= 0
			)
		);
	`, "vehicle_daily_metrics table created")
}

// ─────────────────────────────────────────────────────────────
// Step 5: Indexes
// ─────────────────────────────────────────────────────────────
func step5_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_telemetry_vehicle_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_telemetry_vehicle_time
				  ON vehicle_telemetry (vehicle_id, timestamp);`,
			why: "query: one vehicle's samples in a window, ascending",
		},
		{
			name: "idx_work_tasks_vehicle_start",
			sql: `CREATE INDEX IF NOT EXISTS idx_work_tasks_vehicle_start
				  ON work_tasks (vehicle_id, start_at DESC);`,
			why: "query: current task of a vehicle",
		},
		{
			name: "idx_zones_boundary",
			sql: `CREATE INDEX IF NOT EXISTS idx_zones_boundary
				  ON zones USING GIST (boundary);`,
			why: "query: zones by area",
		},
		{
			name: "idx_metrics_date",
			sql: `CREATE INDEX IF NOT EXISTS idx_metrics_date
				  ON vehicle_daily_metrics (metric_date);`,
			why: "query: fleet-wide metrics for a date",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 6: Verify everything was created
// ─────────────────────────────────────────────────────────────
func step6_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: Verification ────────────────────────")

	tables := []string{"vehicle_telemetry", "vehicles", "zones", "work_tasks", "vehicle_daily_metrics"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var hypertableName string
	err := conn.QueryRow(ctx, `
		SELECT hypertable_name
		FROM timescaledb_information.hypertables
		WHERE hypertable_name = 'vehicle_telemetry'
	`).Scan(&hypertableName)
	if err != nil {
		log.Fatalf("vehicle_telemetry is not a hypertable: %v", err)
	}
	fmt.Printf("  ✓ hypertable: %s (time partitioned)\n", hypertableName)

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename = ANY($1)
		AND indexname LIKE 'idx_%'
	`, tables).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED: %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
