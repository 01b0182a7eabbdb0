// Package engine computes per-vehicle and per-task metrics from the point
// stream and drives task status from zone occupancy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet-monitor/analytics/internal/analytics"
	"fleet-monitor/analytics/internal/domain"
	"fleet-monitor/analytics/internal/geo"
	"fleet-monitor/analytics/internal/metrics"
	"fleet-monitor/analytics/internal/taskstatus"
)

// PointSource streams samples for one vehicle in [from, to), ordered by
// timestamp.
type PointSource interface {
	Points(ctx context.Context, vehicleID string, from, to time.Time) (domain.SampleIterator, error)
}

type VehicleDirectory interface {
	Vehicle(ctx context.Context, vehicleID string) (domain.Vehicle, error)
}

// TaskProvider resolves tasks and their zones. CurrentTask returns nil and no
// error when the vehicle has no task at asOf.
type TaskProvider interface {
	CurrentTask(ctx context.Context, vehicleID string, asOf time.Time) (*domain.Task, error)
	TaskByID(ctx context.Context, taskID string) (domain.Task, error)
	ZoneOf(ctx context.Context, task domain.Task) (domain.Polygon, error)
	// SetTaskStatus moves the task from one status to another. It reports
	// false when the stored status is no longer from.
	SetTaskStatus(ctx context.Context, taskID string, from, to domain.TaskState) (bool, error)
}

type MetricsSink interface {
	UpsertMetrics(ctx context.Context, rec domain.MetricsRecord) error
}

type Publisher interface {
	PublishStatusChanged(ctx context.Context, ev domain.StatusChangedEvent) error
	PublishZoneStatus(ctx context.Context, ev domain.ZoneStatusEvent) error
}

type Deps struct {
	Points    PointSource
	Vehicles  VehicleDirectory
	Tasks     TaskProvider
	Sink      MetricsSink
	Publisher Publisher // optional
}

type Config struct {
	MaxGap            time.Duration
	ExpectedDailyWork time.Duration
	Location          *time.Location

	// CancelCheckEvery is how many samples pass between cancellation checks.
	CancelCheckEvery int

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxGap:            10 * time.Minute,
		ExpectedDailyWork: 8 * time.Hour,
		Location:          time.UTC,
		CancelCheckEvery:  1000,
		Now:               time.Now,
	}
}

type Computer struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

func NewComputer(deps Deps, cfg Config, logger *slog.Logger) *Computer {
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.CancelCheckEvery <= 0 {
		cfg.CancelCheckEvery = def.CancelCheckEvery
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Computer{deps: deps, cfg: cfg, logger: logger}
}

// DayResult reports what one daily unit wrote. Day is nil when the window was
// empty; Task is nil when no task overlapped the day or it saw no samples.
type DayResult struct {
	VehicleID string
	Date      time.Time
	Samples   int
	Day       *domain.MetricsRecord
	Task      *domain.MetricsRecord
}

type TaskResult struct {
	Task       domain.Task
	Samples    int
	Record     *domain.MetricsRecord
	Transition taskstatus.Transition
}

// DayWindow returns [start, end) of the calendar day of date in loc.
func DayWindow(date time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1)
}

// ComputeVehicleDay streams one day of samples through two segmenters: the
// whole-day record with no zone, and the in-zone record of the task that
// starts that day, if any. Both records are full replacements. Nothing is
// written when the context is cancelled before the stream completes.
func (c *Computer) ComputeVehicleDay(ctx context.Context, vehicleID string, date time.Time) (DayResult, error) {
	from, to := DayWindow(date, c.cfg.Location)
	res := DayResult{VehicleID: vehicleID, Date: from}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	vehicle, err := c.deps.Vehicles.Vehicle(ctx, vehicleID)
	if err != nil {
		return res, fmt.Errorf("load vehicle %s: %w", vehicleID, err)
	}

	asOf := c.cfg.Now()
	if asOf.After(to) {
		asOf = to
	}
	task, err := c.deps.Tasks.CurrentTask(ctx, vehicle.ID, asOf)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return res, fmt.Errorf("current task for %s: %w", vehicle.ID, err)
	}
	if task != nil && !startsWithin(*task, from, to) {
		task = nil
	}

	day := newPass(analytics.Options{MaxGap: c.cfg.MaxGap}, from, to)

	var taskPass *pass
	if task != nil {
		fence, err := c.fence(ctx, *task)
		if err != nil {
			return res, err
		}
		end := task.EndAt
		if end.After(to) {
			end = to
		}
		taskPass = newPass(analytics.Options{MaxGap: c.cfg.MaxGap, Fence: fence}, task.StartAt, end)
	}

	n, err := c.stream(ctx, vehicle.ID, from, to, day, taskPass)
	res.Samples = n
	if err != nil {
		return res, err
	}

	if n == 0 {
		metrics.EmptyWindows.Add(1)
		c.logger.Debug("empty window", "vehicle_id", vehicle.ID, "window", from.Format(domain.DateLayout))
		return res, nil
	}

	dayRec := day.record(domain.MetricsKey{VehicleID: vehicle.ID, Date: from}, seconds(c.cfg.ExpectedDailyWork))
	if err := c.upsert(ctx, dayRec); err != nil {
		return res, err
	}
	res.Day = &dayRec

	if taskPass != nil && taskPass.seg.Summary().Samples > 0 {
		key := domain.MetricsKey{VehicleID: vehicle.ID, Date: c.taskDate(*task), TaskID: task.ID}
		taskRec := taskPass.record(key, c.expectedFor(*task))
		if err := c.upsert(ctx, taskRec); err != nil {
			return res, err
		}
		res.Task = &taskRec
	}

	return res, nil
}

// Task loads one task.
func (c *Computer) Task(ctx context.Context, taskID string) (domain.Task, error) {
	task, err := c.deps.Tasks.TaskByID(ctx, taskID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return task, nil
}

// ComputeTask recomputes the in-zone record of one task over its window up
// to now and applies the resulting status transition. Finished tasks get
// their record rewritten but keep their status.
func (c *Computer) ComputeTask(ctx context.Context, taskID string) (TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}
	task, err := c.Task(ctx, taskID)
	if err != nil {
		return TaskResult{}, err
	}
	return c.evaluateTask(ctx, task)
}

// EvaluateCurrentTask runs ComputeTask for whatever task the vehicle holds
// now. A vehicle without a task yields ErrNotFound.
func (c *Computer) EvaluateCurrentTask(ctx context.Context, vehicleID string) (TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}
	task, err := c.deps.Tasks.CurrentTask(ctx, vehicleID, c.cfg.Now())
	if err != nil {
		return TaskResult{}, fmt.Errorf("current task for %s: %w", vehicleID, err)
	}
	if task == nil {
		return TaskResult{}, fmt.Errorf("current task for %s: %w", vehicleID, domain.ErrNotFound)
	}
	// the latest task is already finished; ComputeTask still rewrites it
	if task.Status.IsTerminal() {
		return TaskResult{Task: *task, Transition: taskstatus.Transition{From: task.Status, To: task.Status}}, nil
	}
	return c.evaluateTask(ctx, *task)
}

func (c *Computer) evaluateTask(ctx context.Context, task domain.Task) (TaskResult, error) {
	res := TaskResult{Task: task}
	now := c.cfg.Now()

	vehicle, err := c.deps.Vehicles.Vehicle(ctx, task.VehicleID)
	if err != nil {
		return res, fmt.Errorf("load vehicle %s: %w", task.VehicleID, err)
	}

	obs := taskstatus.Observation{Now: now}

	if task.Started(now) {
		fence, err := c.fence(ctx, task)
		if err != nil {
			return res, err
		}
		end := task.EndAt
		if end.After(now) {
			end = now
		}
		p := newPass(analytics.Options{MaxGap: c.cfg.MaxGap, Fence: fence}, task.StartAt, end)

		n, err := c.stream(ctx, task.VehicleID, task.StartAt, end, p)
		res.Samples = n
		if err != nil {
			return res, err
		}

		sum := p.seg.Summary()
		if sum.Samples > 0 {
			key := domain.MetricsKey{VehicleID: task.VehicleID, Date: c.taskDate(task), TaskID: task.ID}
			rec := p.record(key, c.expectedFor(task))
			if err := c.upsert(ctx, rec); err != nil {
				return res, err
			}
			res.Record = &rec
		} else {
			metrics.EmptyWindows.Add(1)
		}

		obs.HasPosition = sum.Last != nil
		obs.InZone = sum.LastInZone
		obs.InZoneWork = sum.MovementDuration
	}

	tr := taskstatus.Evaluate(task, vehicle, obs)
	res.Transition = tr
	if !tr.Changed() {
		return res, nil
	}

	changed, err := c.deps.Tasks.SetTaskStatus(ctx, task.ID, tr.From, tr.To)
	if err != nil {
		return res, fmt.Errorf("set status of task %s: %w", task.ID, err)
	}
	if !changed {
		c.logger.Info("task status changed concurrently, not publishing",
			"task_id", task.ID, "vehicle_id", task.VehicleID, "from", tr.From, "to", tr.To)
		res.Transition = taskstatus.Transition{From: tr.From, To: tr.From}
		return res, nil
	}
	c.logger.Info("task status changed",
		"task_id", task.ID, "vehicle_id", task.VehicleID, "from", tr.From, "to", tr.To)

	c.publish(ctx, tr)
	return res, nil
}

// stream feeds every sample to each non-nil pass. The context is checked
// every CancelCheckEvery samples and once more after the cursor drains.
func (c *Computer) stream(ctx context.Context, vehicleID string, from, to time.Time, passes ...*pass) (int, error) {
	it, err := c.deps.Points.Points(ctx, vehicleID, from, to)
	if err != nil {
		return 0, fmt.Errorf("load points for %s: %w", vehicleID, err)
	}
	defer it.Close()

	n := 0
	for it.Next() {
		s := it.Sample()
		for _, p := range passes {
			if p != nil {
				p.add(s)
			}
		}
		n++
		if n%c.cfg.CancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return n, fmt.Errorf("stream points for %s: %w", vehicleID, err)
	}
	metrics.SamplesProcessed.Add(int64(n))
	return n, ctx.Err()
}

// fence loads the task zone. A missing or malformed zone yields a fence that
// contains nothing.
func (c *Computer) fence(ctx context.Context, task domain.Task) (*geo.Fence, error) {
	zone, err := c.deps.Tasks.ZoneOf(ctx, task)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load zone for task %s: %w", task.ID, err)
	}
	f, ferr := geo.NewFence(zone)
	if ferr != nil {
		c.logger.Warn("zone unusable, treating every sample as outside",
			"task_id", task.ID, "zone_id", task.ZoneID, "error", ferr)
	}
	return f, nil
}

func (c *Computer) upsert(ctx context.Context, rec domain.MetricsRecord) error {
	if err := c.deps.Sink.UpsertMetrics(ctx, rec); err != nil {
		return fmt.Errorf("upsert metrics %s/%s/%s: %w",
			rec.Key.VehicleID, rec.Key.DateString(), rec.Key.TaskID, err)
	}
	metrics.MetricsUpserts.Add(1)
	return nil
}

// publish is fire-and-forget: failures are logged and counted only.
func (c *Computer) publish(ctx context.Context, tr taskstatus.Transition) {
	if c.deps.Publisher == nil {
		return
	}
	if ev := tr.StatusChanged; ev != nil {
		if err := c.deps.Publisher.PublishStatusChanged(ctx, *ev); err != nil {
			metrics.EventPublishFailures.Add(1)
			c.logger.Warn("publish status changed failed", "task_id", ev.TaskID, "error", err)
		} else {
			metrics.EventsPublished.Add(1)
		}
	}
	if ev := tr.ZoneStatus; ev != nil {
		if err := c.deps.Publisher.PublishZoneStatus(ctx, *ev); err != nil {
			metrics.EventPublishFailures.Add(1)
			c.logger.Warn("publish zone status failed", "task_id", ev.TaskID, "error", err)
		} else {
			metrics.EventsPublished.Add(1)
		}
	}
}

func (c *Computer) expectedFor(task domain.Task) int64 {
	if task.ExpectedDailyWorkSec > 0 {
		return task.ExpectedDailyWorkSec
	}
	return seconds(c.cfg.ExpectedDailyWork)
}

func (c *Computer) taskDate(task domain.Task) time.Time {
	from, _ := DayWindow(task.StartAt.In(c.cfg.Location), c.cfg.Location)
	return from
}

func startsWithin(task domain.Task, from, to time.Time) bool {
	return !task.StartAt.Before(from) && task.StartAt.Before(to)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
