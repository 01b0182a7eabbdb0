package domain

import "time"

const DateLayout = "2006-01-02"

// MetricsKey identifies one aggregate record. An empty TaskID is the
// whole-day record with no task attached.
type MetricsKey struct {
	VehicleID string
	Date      time.Time
	TaskID    string
}

func (k MetricsKey) DateString() string {
	return k.Date.Format(DateLayout)
}

type MetricsRecord struct {
	Key MetricsKey

	TraveledDistanceKm  float64
	WorkDurationSec     int64
	StoppageCount       int64
	StoppageDurationSec int64
	StoppageWhileOnSec  int64
	StoppageWhileOffSec int64
	AverageSpeedKph     float64
	EfficiencyPercent   float64

	DeviceOnAt      *time.Time
	FirstMovementAt *time.Time
}
