// Package batch fans per-vehicle units out over a fixed worker pool with
// per-key locking, retries with backoff and cancellation.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fleet-monitor/analytics/internal/domain"
	"fleet-monitor/analytics/internal/engine"
	"fleet-monitor/analytics/internal/lock"
	"fleet-monitor/analytics/internal/metrics"
)

// Unit processes one key. Returning domain.ErrNotFound skips the key; any
// other error is retried.
type Unit func(ctx context.Context, key string) error

type Config struct {
	Workers     int
	ChunkSize   int
	MaxAttempts int
	// Backoff[i] is the delay before attempt i+2. The last entry repeats.
	Backoff []time.Duration

	LockLease    time.Duration
	LockWait     time.Duration
	ReleaseAfter time.Duration
	UnitTimeout  time.Duration

	// DispatchRate caps units started per second. Zero disables it.
	DispatchRate float64

	// MaxRuns bounds the registry; the oldest finished runs are evicted.
	MaxRuns int
}

func DefaultConfig() Config {
	return Config{
		Workers:      8,
		ChunkSize:    100,
		MaxAttempts:  3,
		Backoff:      []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		LockLease:    10 * time.Minute,
		LockWait:     5 * time.Second,
		ReleaseAfter: 30 * time.Second,
		UnitTimeout:  5 * time.Minute,
		MaxRuns:      256,
	}
}

type VehicleLister interface {
	VehicleIDs(ctx context.Context) ([]string, error)
}

type Computer interface {
	ComputeVehicleDay(ctx context.Context, vehicleID string, date time.Time) (engine.DayResult, error)
	EvaluateCurrentTask(ctx context.Context, vehicleID string) (engine.TaskResult, error)
	Task(ctx context.Context, taskID string) (domain.Task, error)
	ComputeTask(ctx context.Context, taskID string) (engine.TaskResult, error)
}

type RunSpec struct {
	Name string
	// Window is a label carried into failure logs, e.g. the metric date.
	Window    string
	Keys      []string
	ChunkSize int
	Unit      Unit
}

type Orchestrator struct {
	cfg      Config
	vehicles VehicleLister
	computer Computer
	locker   lock.Locker
	logger   *slog.Logger

	// OnBatchComplete, when set, is called once per finished batch.
	OnBatchComplete func(run *Run, b *Batch)

	mu    sync.Mutex
	runs  map[string]*Run
	order []string
}

func NewOrchestrator(cfg Config, vehicles VehicleLister, computer Computer, locker lock.Locker, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = def.LockLease
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = def.MaxRuns
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		vehicles: vehicles,
		computer: computer,
		locker:   locker,
		logger:   logger,
		runs:     make(map[string]*Run),
	}
}

// DispatchFleetComputation computes the daily metrics of every vehicle for
// date. It returns once the run is dispatched; use Run.Wait to block.
func (o *Orchestrator) DispatchFleetComputation(ctx context.Context, date time.Time, chunkSize int) (*Run, error) {
	ids, err := o.vehicles.VehicleIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	window := date.Format(domain.DateLayout)
	return o.Start(ctx, RunSpec{
		Name:      "fleet-daily",
		Window:    window,
		Keys:      ids,
		ChunkSize: chunkSize,
		Unit: func(ctx context.Context, vehicleID string) error {
			_, err := o.computer.ComputeVehicleDay(ctx, vehicleID, date)
			return err
		},
	})
}

// SweepTaskStatus evaluates the current task of every vehicle.
func (o *Orchestrator) SweepTaskStatus(ctx context.Context) (*Run, error) {
	ids, err := o.vehicles.VehicleIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	return o.Start(ctx, RunSpec{
		Name:   "task-sweep",
		Window: "now",
		Keys:   ids,
		Unit: func(ctx context.Context, vehicleID string) error {
			_, err := o.computer.EvaluateCurrentTask(ctx, vehicleID)
			return err
		},
	})
}

// RecomputeTask recomputes one task on demand while holding its vehicle's
// lock, so it never overlaps a sweep or daily unit for the same vehicle. A
// lock still held after LockWait yields lock.ErrLockHeld.
func (o *Orchestrator) RecomputeTask(ctx context.Context, taskID string) (engine.TaskResult, error) {
	task, err := o.computer.Task(ctx, taskID)
	if err != nil {
		return engine.TaskResult{}, err
	}

	var res engine.TaskResult
	err = o.runUnit(ctx, task.VehicleID, func(ctx context.Context, _ string) error {
		var err error
		res, err = o.computer.ComputeTask(ctx, taskID)
		return err
	})
	if err != nil {
		o.logger.Warn("task recompute failed", "task_id", taskID, "vehicle_id", task.VehicleID, "error", err)
	}
	return res, err
}

// RecomputeVehicleDay computes one vehicle day under the vehicle's lock.
func (o *Orchestrator) RecomputeVehicleDay(ctx context.Context, vehicleID string, date time.Time) (engine.DayResult, error) {
	var res engine.DayResult
	err := o.runUnit(ctx, vehicleID, func(ctx context.Context, key string) error {
		var err error
		res, err = o.computer.ComputeVehicleDay(ctx, key, date)
		return err
	})
	return res, err
}

type job struct {
	batch   *Batch
	key     string
	attempt int
}

// Start partitions the keys into batches and dispatches them to a fresh
// worker pool. The run lives until every unit finished or the run is
// cancelled, independent of ctx; only ctx values are kept.
func (o *Orchestrator) Start(ctx context.Context, spec RunSpec) (*Run, error) {
	if spec.Unit == nil {
		return nil, errors.New("run spec has no unit")
	}
	size := spec.ChunkSize
	if size <= 0 {
		size = o.cfg.ChunkSize
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Window:    spec.Window,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	for i, keys := range chunk(spec.Keys, size) {
		run.Batches = append(run.Batches, newBatch(uuid.NewString(), i, keys, func(b *Batch) {
			o.logger.Info("batch complete", "run_id", run.ID, "batch", b.Index, "progress", b.Progress())
			if o.OnBatchComplete != nil {
				o.OnBatchComplete(run, b)
			}
		}))
	}

	o.register(run)
	metrics.RunsStarted.Add(1)
	o.logger.Info("run started",
		"run_id", run.ID, "name", run.Name, "window", run.Window,
		"units", len(spec.Keys), "batches", len(run.Batches))

	// every key has at most one job alive at a time, so sends never block
	jobs := make(chan job, len(spec.Keys))
	var inflight sync.WaitGroup
	inflight.Add(len(spec.Keys))

	var workers errgroup.Group
	for i := 0; i < o.cfg.Workers; i++ {
		workers.Go(func() error {
			for j := range jobs {
				o.process(runCtx, run, spec, j, jobs, &inflight)
			}
			return nil
		})
	}

	go o.dispatch(runCtx, run, jobs, &inflight)

	go func() {
		inflight.Wait()
		close(jobs)
		workers.Wait()
		cancel()
		o.logger.Info("run finished", "run_id", run.ID, "progress", run.Progress())
		close(run.done)
	}()

	return run, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, run *Run, jobs chan<- job, inflight *sync.WaitGroup) {
	var limiter *rate.Limiter
	if o.cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.cfg.DispatchRate), 1)
	}

	for _, b := range run.Batches {
		for _, key := range b.Keys {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					o.abandon(b, inflight)
					continue
				}
			}
			jobs <- job{batch: b, key: key, attempt: 1}
		}
	}
}

func (o *Orchestrator) abandon(b *Batch, inflight *sync.WaitGroup) {
	metrics.UnitsCancelled.Add(1)
	b.finish(cancelled)
	inflight.Done()
}

func (o *Orchestrator) process(ctx context.Context, run *Run, spec RunSpec, j job, jobs chan<- job, inflight *sync.WaitGroup) {
	if ctx.Err() != nil {
		o.abandon(j.batch, inflight)
		return
	}

	err := o.runUnit(ctx, j.key, spec.Unit)
	log := o.logger.With("run_id", run.ID, "vehicle_id", j.key, "window", spec.Window, "attempt", j.attempt)

	switch {
	case err == nil:
		metrics.UnitsSucceeded.Add(1)
		j.batch.finish(succeeded)
		inflight.Done()

	case errors.Is(err, domain.ErrNotFound):
		log.Warn("unit skipped", "error", err)
		metrics.UnitsSkipped.Add(1)
		j.batch.finish(skipped)
		inflight.Done()

	case ctx.Err() != nil:
		o.abandon(j.batch, inflight)

	case j.attempt >= o.cfg.MaxAttempts:
		log.Error("unit failed permanently", "attempts", j.attempt, "error", err)
		metrics.UnitsFailed.Add(1)
		j.batch.finish(failed)
		inflight.Done()

	default:
		delay := o.backoff(j.attempt)
		if errors.Is(err, lock.ErrLockHeld) {
			metrics.LockContended.Add(1)
			delay = o.cfg.ReleaseAfter
		}
		log.Warn("unit failed, retrying", "delay", delay, "error", err)
		metrics.UnitRetries.Add(1)

		next := j
		next.attempt++
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				o.abandon(next.batch, inflight)
			case <-timer.C:
				jobs <- next
			}
		}()
	}
}

// runUnit holds the key lock for the duration of one attempt.
func (o *Orchestrator) runUnit(ctx context.Context, key string, unit Unit) error {
	lease, err := o.locker.Acquire(ctx, key, o.cfg.LockLease, o.cfg.LockWait)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			o.logger.Warn("lock release failed", "vehicle_id", key, "error", err)
		}
	}()

	unitCtx := ctx
	if o.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, o.cfg.UnitTimeout)
		defer cancel()
	}
	return unit(unitCtx, key)
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(o.cfg.Backoff) {
		i = len(o.cfg.Backoff) - 1
	}
	if i < 0 {
		i = 0
	}
	return o.cfg.Backoff[i]
}

func (o *Orchestrator) register(run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[run.ID] = run
	o.order = append(o.order, run.ID)

	for len(o.order) > o.cfg.MaxRuns {
		evicted := false
		for i, id := range o.order {
			if o.runs[id].Finished() {
				delete(o.runs, id)
				o.order = append(o.order[:i], o.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// Run looks up a registered run.
func (o *Orchestrator) Run(id string) (*Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	return r, ok
}

// Runs lists registered runs, oldest first.
func (o *Orchestrator) Runs() []*Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Run, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.runs[id])
	}
	return out
}
