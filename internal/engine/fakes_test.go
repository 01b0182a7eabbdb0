package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"fleet-monitor/analytics/internal/domain"
)

// memStore implements every engine collaborator in memory.
type memStore struct {
	mu sync.Mutex

	vehicles map[string]domain.Vehicle
	points   map[string][]domain.GpsSample
	tasks    map[string]domain.Task
	zones    map[string]domain.Polygon
	records  map[domain.MetricsKey]domain.MetricsRecord

	upserts  int
	statuses []domain.TaskState
	status   []domain.StatusChangedEvent
	zone     []domain.ZoneStatusEvent

	pointsErr error
	// afterSample runs after each sample is handed out.
	afterSample func(i int)
}

func newMemStore() *memStore {
	return &memStore{
		vehicles: map[string]domain.Vehicle{},
		points:   map[string][]domain.GpsSample{},
		tasks:    map[string]domain.Task{},
		zones:    map[string]domain.Polygon{},
		records:  map[domain.MetricsKey]domain.MetricsRecord{},
	}
}

func (m *memStore) Vehicle(_ context.Context, id string) (domain.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return domain.Vehicle{}, domain.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Points(_ context.Context, vehicleID string, from, to time.Time) (domain.SampleIterator, error) {
	if m.pointsErr != nil {
		return nil, m.pointsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GpsSample
	for _, s := range m.points[vehicleID] {
		if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			out = append(out, s)
		}
	}
	return &hookIterator{SampleIterator: domain.NewSliceIterator(out), hook: m.afterSample}, nil
}

func (m *memStore) CurrentTask(_ context.Context, vehicleID string, asOf time.Time) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Task
	for _, t := range m.tasks {
		if t.VehicleID != vehicleID || t.StartAt.After(asOf) {
			continue
		}
		if best == nil || t.StartAt.After(best.StartAt) {
			t := t
			best = &t
		}
	}
	return best, nil
}

func (m *memStore) TaskByID(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *memStore) ZoneOf(_ context.Context, t domain.Task) (domain.Polygon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[t.ZoneID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return z, nil
}

func (m *memStore) SetTaskStatus(_ context.Context, id string, from, to domain.TaskState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	m.tasks[id] = t
	m.statuses = append(m.statuses, to)
	return true, nil
}

func (m *memStore) UpsertMetrics(_ context.Context, rec domain.MetricsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec
	m.upserts++
	return nil
}

func (m *memStore) PublishStatusChanged(_ context.Context, ev domain.StatusChangedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = append(m.status, ev)
	return nil
}

func (m *memStore) PublishZoneStatus(_ context.Context, ev domain.ZoneStatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zone = append(m.zone, ev)
	return nil
}

func (m *memStore) deps() Deps {
	return Deps{Points: m, Vehicles: m, Tasks: m, Sink: m, Publisher: m}
}

type hookIterator struct {
	domain.SampleIterator
	hook func(i int)
	i    int
}

func (h *hookIterator) Next() bool {
	if h.i > 0 && h.hook != nil {
		h.hook(h.i)
	}
	if !h.SampleIterator.Next() {
		return false
	}
	h.i++
	return true
}

type failingSink struct{}

func (failingSink) UpsertMetrics(context.Context, domain.MetricsRecord) error {
	return errors.New("connection reset")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
