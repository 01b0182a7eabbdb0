package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fleet-monitor/analytics/internal/batch"
	"fleet-monitor/analytics/internal/domain"
	"fleet-monitor/analytics/internal/engine"
	"fleet-monitor/analytics/internal/lock"
)

// Runner starts and tracks fleet runs.
type Runner interface {
	DispatchFleetComputation(ctx context.Context, date time.Time, chunkSize int) (*batch.Run, error)
	Run(id string) (*batch.Run, bool)
	Runs() []*batch.Run
}

// TaskRecomputer recomputes one task under its vehicle's lock.
type TaskRecomputer interface {
	RecomputeTask(ctx context.Context, taskID string) (engine.TaskResult, error)
}

type MetricsReader interface {
	GetMetrics(ctx context.Context, vehicleID string, from, to time.Time) ([]domain.MetricsRecord, error)
}

// ZoneReader returns the last published in/out-of-zone state of a vehicle.
type ZoneReader interface {
	ZoneState(ctx context.Context, vehicleID string) (map[string]string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type BatchView struct {
	ID         string         `json:"id"`
	Index      int            `json:"index"`
	Progress   batch.Progress `json:"progress"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

type RunView struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Window    string         `json:"window"`
	StartedAt time.Time      `json:"started_at"`
	Finished  bool           `json:"finished"`
	Progress  batch.Progress `json:"progress"`
	Batches   []BatchView    `json:"batches,omitempty"`
}

func newRunView(r *batch.Run, withBatches bool) RunView {
	v := RunView{
		ID:        r.ID,
		Name:      r.Name,
		Window:    r.Window,
		StartedAt: r.StartedAt.UTC(),
		Finished:  r.Finished(),
		Progress:  r.Progress(),
	}
	if withBatches {
		for _, b := range r.Batches {
			v.Batches = append(v.Batches, BatchView{
				ID:         b.ID,
				Index:      b.Index,
				Progress:   b.Progress(),
				FinishedAt: b.FinishedAt(),
			})
		}
	}
	return v
}

type MetricsView struct {
	VehicleID           string     `json:"vehicle_id"`
	Date                string     `json:"metric_date"`
	TaskID              string     `json:"task_id,omitempty"`
	TraveledDistanceKm  float64    `json:"traveled_distance_km"`
	WorkDurationSec     int64      `json:"work_duration_sec"`
	StoppageCount       int64      `json:"stoppage_count"`
	StoppageDurationSec int64      `json:"stoppage_duration_sec"`
	StoppageWhileOnSec  int64      `json:"stoppage_while_on_sec"`
	StoppageWhileOffSec int64      `json:"stoppage_while_off_sec"`
	AverageSpeedKph     float64    `json:"average_speed_kph"`
	EfficiencyPercent   float64    `json:"efficiency_percent"`
	DeviceOnAt          *time.Time `json:"device_on_at,omitempty"`
	FirstMovementAt     *time.Time `json:"first_movement_at,omitempty"`
}

func newMetricsView(rec domain.MetricsRecord) MetricsView {
	return MetricsView{
		VehicleID:           rec.Key.VehicleID,
		Date:                rec.Key.DateString(),
		TaskID:              rec.Key.TaskID,
		TraveledDistanceKm:  rec.TraveledDistanceKm,
		WorkDurationSec:     rec.WorkDurationSec,
		StoppageCount:       rec.StoppageCount,
		StoppageDurationSec: rec.StoppageDurationSec,
		StoppageWhileOnSec:  rec.StoppageWhileOnSec,
		StoppageWhileOffSec: rec.StoppageWhileOffSec,
		AverageSpeedKph:     rec.AverageSpeedKph,
		EfficiencyPercent:   rec.EfficiencyPercent,
		DeviceOnAt:          rec.DeviceOnAt,
		FirstMovementAt:     rec.FirstMovementAt,
	}
}

type TaskResultView struct {
	TaskID    string           `json:"task_id"`
	VehicleID string           `json:"vehicle_id"`
	From      domain.TaskState `json:"from"`
	Status    domain.TaskState `json:"status"`
	Changed   bool             `json:"changed"`
	Samples   int              `json:"samples"`
	Metrics   *MetricsView     `json:"metrics,omitempty"`
}

type Handler struct {
	runs    Runner
	tasks   TaskRecomputer
	metrics MetricsReader
	zones   ZoneReader
	health  []Pinger
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
}

type HandlerOptions struct {
	Runs    Runner
	Tasks   TaskRecomputer
	Metrics MetricsReader
	// Zones is optional; without it GET /vehicles/{id}/zone answers 404.
	Zones ZoneReader
	// Health dependencies are pinged by GET /health.
	Health   []Pinger
	Location *time.Location
	Now      func() time.Time
}

func NewHandler(opts HandlerOptions, logger *slog.Logger) *Handler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runs:    opts.Runs,
		tasks:   opts.Tasks,
		metrics: opts.Metrics,
		zones:   opts.Zones,
		health:  opts.Health,
		loc:     opts.Location,
		now:     opts.Now,
		logger:  logger,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":    "error",
				"timestamp": time.Now().UTC(),
				"error":     err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

type startRunRequest struct {
	Date      string `json:"date"`
	ChunkSize int    `json:"chunk_size"`
}

// StartRun handles POST /runs. An empty body computes yesterday.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.ChunkSize < 0 {
		writeError(w, http.StatusBadRequest, "chunk_size must not be negative")
		return
	}

	date := h.now().In(h.loc).AddDate(0, 0, -1)
	if req.Date != "" {
		d, err := time.ParseInLocation(domain.DateLayout, req.Date, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}

	run, err := h.runs.DispatchFleetComputation(r.Context(), date, req.ChunkSize)
	if err != nil {
		h.logger.Error("failed to start run", "error", err, "operator", Operator(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	h.logger.Info("run triggered", "run_id", run.ID, "window", run.Window, "operator", Operator(r.Context()))
	writeJSON(w, http.StatusAccepted, newRunView(run, false))
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.runs.Runs()
	out := make([]RunView, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunView(run, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runs.Run(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, newRunView(run, true))
}

// CancelRun handles DELETE /runs/{id}.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runs.Run(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run.Cancel()
	h.logger.Info("run cancelled", "run_id", run.ID, "operator", Operator(r.Context()))
	writeJSON(w, http.StatusAccepted, newRunView(run, false))
}

// RecomputeTask handles POST /tasks/{id}/recompute.
func (h *Handler) RecomputeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	res, err := h.tasks.RecomputeTask(r.Context(), taskID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if errors.Is(err, lock.ErrLockHeld) {
		writeError(w, http.StatusConflict, "vehicle is being computed, retry later")
		return
	}
	if err != nil {
		h.logger.Error("task recompute failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "task recompute failed")
		return
	}

	view := TaskResultView{
		TaskID:    res.Task.ID,
		VehicleID: res.Task.VehicleID,
		From:      res.Transition.From,
		Status:    res.Transition.To,
		Changed:   res.Transition.Changed(),
		Samples:   res.Samples,
	}
	if res.Record != nil {
		m := newMetricsView(*res.Record)
		view.Metrics = &m
	}
	writeJSON(w, http.StatusOK, view)
}

// VehicleMetrics handles GET /vehicles/{id}/metrics?from=&to=. Both bounds
// are inclusive dates and default to yesterday.
func (h *Handler) VehicleMetrics(w http.ResponseWriter, r *http.Request) {
	yesterday := h.now().In(h.loc).AddDate(0, 0, -1).Format(domain.DateLayout)
	from, err := h.queryDate(r, "from", yesterday)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := h.queryDate(r, "to", from.Format(domain.DateLayout))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	vehicleID := chi.URLParam(r, "id")
	recs, err := h.metrics.GetMetrics(ctx, vehicleID, from, to)
	if err != nil {
		h.logger.Error("failed to read metrics", "vehicle_id", vehicleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read metrics")
		return
	}

	out := make([]MetricsView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newMetricsView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// VehicleZone handles GET /vehicles/{id}/zone.
func (h *Handler) VehicleZone(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "id")
	if h.zones == nil {
		writeError(w, http.StatusNotFound, "zone state not available")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	state, err := h.zones.ZoneState(ctx, vehicleID)
	if err != nil {
		h.logger.Error("failed to read zone state", "vehicle_id", vehicleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read zone state")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "no zone state for vehicle")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) queryDate(r *http.Request, name, fallback string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		raw = fallback
	}
	d, err := time.ParseInLocation(domain.DateLayout, raw, h.loc)
	if err != nil {
		return time.Time{}, errors.New(name + " must be YYYY-MM-DD")
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
