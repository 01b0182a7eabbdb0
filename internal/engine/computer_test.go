package engine

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"fleet-monitor/analytics/internal/domain"
)

var base = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

var squareZone = domain.Polygon{
	{Lat: 44.9, Lon: 6.9},
	{Lat: 44.9, Lon: 7.1},
	{Lat: 45.1, Lon: 7.1},
	{Lat: 45.1, Lon: 6.9},
}

func scenarioA() []domain.GpsSample {
	return []domain.GpsSample{
		{Coordinate: domain.Coordinate{Lat: 45.0, Lon: 7.0}, SpeedKph: 10, PoweredOn: true, Timestamp: base},
		{Coordinate: domain.Coordinate{Lat: 45.0015, Lon: 7.0}, SpeedKph: 10, PoweredOn: true, Timestamp: base.Add(60 * time.Second)},
		{Coordinate: domain.Coordinate{Lat: 45.0015, Lon: 7.0}, SpeedKph: 0, PoweredOn: false, Timestamp: base.Add(120 * time.Second)},
	}
}

func newFixture(now time.Time) (*memStore, *Computer) {
	st := newMemStore()
	st.vehicles["v1"] = domain.Vehicle{ID: "v1", DeviceID: "dev-1", Name: "Tractor 1"}
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return now }
	return st, NewComputer(st.deps(), cfg, discardLogger())
}

func addTask(st *memStore, status domain.TaskState, expected int64) domain.Task {
	st.zones["z1"] = squareZone
	t := domain.Task{
		ID:                   "t1",
		VehicleID:            "v1",
		Name:                 "North field",
		ZoneID:               "z1",
		StartAt:              base.Add(-time.Hour),
		EndAt:                base.Add(time.Hour),
		Status:               status,
		ExpectedDailyWorkSec: expected,
	}
	st.tasks[t.ID] = t
	return t
}

func TestComputeVehicleDay(t *testing.T) {
	st, c := newFixture(base.Add(24 * time.Hour))
	st.points["v1"] = scenarioA()

	res, err := c.ComputeVehicleDay(context.Background(), "v1", base)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Samples != 3 {
		t.Fatalf("expected 3 samples, got %d", res.Samples)
	}
	if res.Task != nil {
		t.Fatalf("expected no task record, got %+v", res.Task)
	}

	rec, ok := st.records[domain.MetricsKey{VehicleID: "v1", Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}]
	if !ok {
		t.Fatalf("day record not stored: %v", st.records)
	}
	if rec.WorkDurationSec != 60 {
		t.Errorf("work = %d, want 60", rec.WorkDurationSec)
	}
	if rec.StoppageDurationSec != 60 || rec.StoppageWhileOffSec != 60 || rec.StoppageWhileOnSec != 0 {
		t.Errorf("stoppage = %d (on %d off %d), want 60 all off",
			rec.StoppageDurationSec, rec.StoppageWhileOnSec, rec.StoppageWhileOffSec)
	}
	if rec.StoppageCount != 1 {
		t.Errorf("stoppage count = %d, want 1", rec.StoppageCount)
	}
	if math.Abs(rec.TraveledDistanceKm-0.1668) > 0.001 {
		t.Errorf("distance = %f km, want ~0.1668", rec.TraveledDistanceKm)
	}
	if want := 60.0 / 28800 * 100; math.Abs(rec.EfficiencyPercent-want) > 1e-9 {
		t.Errorf("efficiency = %f, want %f", rec.EfficiencyPercent, want)
	}
	if rec.DeviceOnAt == nil || !rec.DeviceOnAt.Equal(base) {
		t.Errorf("device on at = %v, want %v", rec.DeviceOnAt, base)
	}
	if rec.FirstMovementAt == nil || !rec.FirstMovementAt.Equal(base) {
		t.Errorf("first movement at = %v, want %v", rec.FirstMovementAt, base)
	}
}

func TestComputeVehicleDayIsIdempotent(t *testing.T) {
	st, c := newFixture(base.Add(24 * time.Hour))
	st.points["v1"] = scenarioA()
	addTask(st, domain.TaskInProgress, 0)

	first, err := c.ComputeVehicleDay(context.Background(), "v1", base)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	snapshot := make(map[domain.MetricsKey]domain.MetricsRecord, len(st.records))
	for k, v := range st.records {
		snapshot[k] = v
	}

	second, err := c.ComputeVehicleDay(context.Background(), "v1", base)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(st.records) != 2 {
		t.Fatalf("expected day and task records only, got %d", len(st.records))
	}
	if !reflect.DeepEqual(snapshot, st.records) {
		t.Fatalf("records changed between runs:\n%+v\n%+v", snapshot, st.records)
	}
	if !reflect.DeepEqual(first.Day, second.Day) || !reflect.DeepEqual(first.Task, second.Task) {
		t.Fatalf("results differ between runs")
	}
}

func TestComputeVehicleDayTaskRecord(t *testing.T) {
	st, c := newFixture(base.Add(24 * time.Hour))
	st.points["v1"] = append(scenarioA(),
		// outside the task window, counted for the day only
		domain.GpsSample{Coordinate: domain.Coordinate{Lat: 45.0015, Lon: 7.0}, SpeedKph: 0, Timestamp: base.Add(3 * time.Hour)},
	)
	addTask(st, domain.TaskInProgress, 120)

	res, err := c.ComputeVehicleDay(context.Background(), "v1", base)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Task == nil {
		t.Fatalf("expected task record")
	}
	if res.Task.Key.TaskID != "t1" {
		t.Errorf("task id = %q", res.Task.Key.TaskID)
	}
	if res.Task.WorkDurationSec != 60 {
		t.Errorf("task work = %d, want 60", res.Task.WorkDurationSec)
	}
	if res.Task.EfficiencyPercent != 50 {
		t.Errorf("task efficiency = %f, want 50", res.Task.EfficiencyPercent)
	}
	if res.Task.StoppageDurationSec != 60 {
		t.Errorf("task stoppage = %d, want 60", res.Task.StoppageDurationSec)
	}
	// the 3h gap exceeds the max gap and credits nothing
	if res.Day.StoppageDurationSec != 60 {
		t.Errorf("day stoppage = %d, want 60", res.Day.StoppageDurationSec)
	}
	if len(st.statuses) != 0 {
		t.Errorf("daily pass must not change task status, got %v", st.statuses)
	}
}

func TestComputeVehicleDayMalformedZoneFailsClosed(t *testing.T) {
	st, c := newFixture(base.Add(24 * time.Hour))
	st.points["v1"] = scenarioA()
	addTask(st, domain.TaskInProgress, 0)
	st.zones["z1"] = domain.Polygon{{Lat: 45, Lon: 7}, {Lat: 45.1, Lon: 7.1}}

	res, err := c.ComputeVehicleDay(context.Background(), "v1", base)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Task == nil {
		t.Fatalf("expected task record")
	}
	if res.Task.WorkDurationSec != 0 || res.Task.TraveledDistanceKm != 0 {
		t.Errorf("expected no in-zone work, got %+v", res.Task)
	}
	if res.Task.StoppageWhileOffSec != 120 {
		t.Errorf("stoppage off = %d, want 120", res.Task.StoppageWhileOffSec)
	}
	if res.Day.WorkDurationSec != 60 {
		t.Errorf("day record must ignore the zone, work = %d", res.Day.WorkDurationSec)
	}
}

func TestComputeVehicleDayEmptyWindow(t *testing.T) {
	st, c := newFixture(base.Add(24 * time.Hour))

	res, err := c.ComputeVehicleDay(context.Background(), "v1", base)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Day != nil || st.upserts != 0 {
		t.Fatalf("expected no record for an empty window, got %d upserts", st.upserts)
	}
}

func TestComputeVehicleDayUnknownVehicle(t *testing.T) {
	_, c := newFixture(base)

	_, err := c.ComputeVehicleDay(context.Background(), "ghost", base)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestComputeVehicleDayCancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		st, c := newFixture(base.Add(24 * time.Hour))
		st.points["v1"] = scenarioA()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.ComputeVehicleDay(ctx, "v1", base)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if st.upserts != 0 {
			t.Fatalf("expected no upserts, got %d", st.upserts)
		}
	})

	t.Run("mid stream", func(t *testing.T) {
		st, _ := newFixture(base.Add(24 * time.Hour))
		st.points["v1"] = scenarioA()
		cfg := DefaultConfig()
		cfg.CancelCheckEvery = 1
		cfg.Now = func() time.Time { return base.Add(24 * time.Hour) }
		c := NewComputer(st.deps(), cfg, discardLogger())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		st.afterSample = func(i int) {
			if i == 2 {
				cancel()
			}
		}

		_, err := c.ComputeVehicleDay(ctx, "v1", base)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if st.upserts != 0 {
			t.Fatalf("partial record written: %d upserts", st.upserts)
		}
	})
}

func TestComputeVehicleDayErrors(t *testing.T) {
	t.Run("point source", func(t *testing.T) {
		st, c := newFixture(base.Add(24 * time.Hour))
		st.pointsErr = errors.New("timeout")

		if _, err := c.ComputeVehicleDay(context.Background(), "v1", base); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("sink", func(t *testing.T) {
		st, _ := newFixture(base.Add(24 * time.Hour))
		st.points["v1"] = scenarioA()
		deps := st.deps()
		deps.Sink = failingSink{}
		c := NewComputer(deps, DefaultConfig(), discardLogger())

		if _, err := c.ComputeVehicleDay(context.Background(), "v1", base); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestComputeTaskElapsedWithoutWork(t *testing.T) {
	st, c := newFixture(base.Add(2 * time.Hour))
	addTask(st, domain.TaskNotStarted, 0)

	res, err := c.ComputeTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("compute task: %v", err)
	}
	if res.Transition.To != domain.TaskNotDone {
		t.Fatalf("status = %s, want not_done", res.Transition.To)
	}
	if res.Record != nil || st.upserts != 0 {
		t.Errorf("expected no record for an empty task window")
	}
	if len(st.status) != 1 || st.status[0].Status != domain.TaskNotDone {
		t.Errorf("expected exactly one not_done event, got %+v", st.status)
	}
	if st.tasks["t1"].Status != domain.TaskNotDone {
		t.Errorf("status not persisted: %s", st.tasks["t1"].Status)
	}
}

func TestComputeTaskElapsedWithWork(t *testing.T) {
	st, c := newFixture(base.Add(2 * time.Hour))
	st.points["v1"] = scenarioA()
	addTask(st, domain.TaskInProgress, 0)

	res, err := c.ComputeTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("compute task: %v", err)
	}
	if res.Transition.To != domain.TaskDone {
		t.Fatalf("status = %s, want done", res.Transition.To)
	}
	if res.Record == nil || res.Record.WorkDurationSec != 60 {
		t.Fatalf("unexpected record %+v", res.Record)
	}
	if !res.Record.Key.Date.Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("record date = %v", res.Record.Key.Date)
	}
	if len(st.status) != 1 {
		t.Errorf("expected one status event, got %d", len(st.status))
	}
}

func TestComputeTaskTerminalRewritesRecord(t *testing.T) {
	st, c := newFixture(base.Add(2 * time.Hour))
	st.points["v1"] = scenarioA()
	addTask(st, domain.TaskDone, 0)

	key := domain.MetricsKey{VehicleID: "v1", Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), TaskID: "t1"}
	// written before the last samples arrived
	st.records[key] = domain.MetricsRecord{Key: key, WorkDurationSec: 5}

	res, err := c.ComputeTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("compute task: %v", err)
	}
	if res.Samples != 3 || res.Record == nil {
		t.Fatalf("expected the record to be recomputed, got %d samples, record %+v", res.Samples, res.Record)
	}
	if got := st.records[key].WorkDurationSec; got != 60 || st.upserts != 1 {
		t.Fatalf("record not rewritten: work %d, %d upserts", got, st.upserts)
	}
	if res.Transition.Changed() || len(st.statuses) != 0 || len(st.status) != 0 || len(st.zone) != 0 {
		t.Fatalf("terminal task changed: %+v", res.Transition)
	}
}

func TestComputeTaskConcurrentFinalizePublishesOnce(t *testing.T) {
	st, c := newFixture(base.Add(2 * time.Hour))
	st.points["v1"] = scenarioA()
	addTask(st, domain.TaskInProgress, 0)

	// both computations read in_progress before either writes
	var arrived sync.WaitGroup
	arrived.Add(2)
	st.afterSample = func(i int) {
		if i == 1 {
			arrived.Done()
			arrived.Wait()
		}
	}

	results := make([]TaskResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.ComputeTask(context.Background(), "t1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("compute %d: %v", i, err)
		}
	}
	if len(st.status) != 1 || st.status[0].Status != domain.TaskDone {
		t.Fatalf("expected a single done event, got %+v", st.status)
	}
	if len(st.statuses) != 1 {
		t.Fatalf("expected one status write, got %v", st.statuses)
	}
	if results[0].Transition.Changed() == results[1].Transition.Changed() {
		t.Fatalf("exactly one computation should report the transition: %+v, %+v",
			results[0].Transition, results[1].Transition)
	}
}

func TestEvaluateCurrentTaskSkipsFinished(t *testing.T) {
	st, c := newFixture(base.Add(2 * time.Hour))
	st.points["v1"] = scenarioA()
	addTask(st, domain.TaskNotDone, 0)

	res, err := c.EvaluateCurrentTask(context.Background(), "v1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Task.ID != "t1" || res.Transition.Changed() || st.upserts != 0 || len(st.status) != 0 {
		t.Fatalf("finished task was evaluated: %+v, %d upserts", res.Transition, st.upserts)
	}
}

func TestEvaluateCurrentTask(t *testing.T) {
	st, c := newFixture(base.Add(10 * time.Minute))
	st.points["v1"] = scenarioA()
	addTask(st, domain.TaskNotStarted, 0)

	res, err := c.EvaluateCurrentTask(context.Background(), "v1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Transition.To != domain.TaskInProgress {
		t.Fatalf("status = %s, want in_progress", res.Transition.To)
	}
	if len(st.status) != 1 || st.status[0].IsInZone == nil || !*st.status[0].IsInZone {
		t.Fatalf("expected one in-zone status event, got %+v", st.status)
	}

	// the vehicle leaves the zone
	st.points["v1"] = append(st.points["v1"], domain.GpsSample{
		Coordinate: domain.Coordinate{Lat: 46, Lon: 8}, SpeedKph: 30, PoweredOn: true,
		Timestamp: base.Add(5 * time.Minute),
	})
	res, err = c.EvaluateCurrentTask(context.Background(), "v1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Transition.To != domain.TaskStopped {
		t.Fatalf("status = %s, want stopped", res.Transition.To)
	}
	if len(st.zone) != 1 || st.zone[0].IsInZone || st.zone[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected zone events %+v", st.zone)
	}
	if st.zone[0].WorkDurationInZoneSec != 60 {
		t.Errorf("in-zone work = %d, want 60", st.zone[0].WorkDurationInZoneSec)
	}
}

func TestEvaluateCurrentTaskWithoutTask(t *testing.T) {
	_, c := newFixture(base)

	_, err := c.EvaluateCurrentTask(context.Background(), "v1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDayWindow(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	from, to := DayWindow(time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC), loc)

	if from.Format(time.RFC3339) != "2025-03-10T00:00:00+02:00" {
		t.Errorf("from = %s", from.Format(time.RFC3339))
	}
	if to.Sub(from) != 24*time.Hour {
		t.Errorf("window = %s", to.Sub(from))
	}
}
