package domain

import "time"

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GpsSample is one ingested ping. Samples are immutable once stored.
type GpsSample struct {
	Coordinate Coordinate
	SpeedKph   float64
	PoweredOn  bool
	Timestamp  time.Time
}

// SampleIterator is a forward-only cursor over samples ordered by timestamp.
// Close must be called even when Next returned false.
type SampleIterator interface {
	Next() bool
	Sample() GpsSample
	Err() error
	Close()
}

type Vehicle struct {
	ID       string
	DeviceID string
	FleetID  string
	Name     string
}

// SliceIterator adapts an in-memory slice to SampleIterator.
type SliceIterator struct {
	samples []GpsSample
	pos     int
}

func NewSliceIterator(samples []GpsSample) *SliceIterator {
	return &SliceIterator{samples: samples, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.samples) {
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Sample() GpsSample {
	return it.samples[it.pos]
}

func (it *SliceIterator) Err() error { return nil }

func (it *SliceIterator) Close() {
	it.samples = nil
}
