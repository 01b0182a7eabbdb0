package analytics

import "time"

type Aggregate struct {
	DistanceKm       float64
	MovementDuration time.Duration
	AverageSpeedKph  float64
}

// Aggregator sums distance and duration over moving segments only. Stopped
// segments contribute nothing regardless of GPS jitter.
type Aggregator struct {
	distanceMeters float64
	moving         time.Duration
}

func (a *Aggregator) Add(seg Segment) {
	if seg.Kind != Moving {
		return
	}
	a.distanceMeters += seg.DistanceMeters
	a.moving += seg.Duration()
}

// Result derives the average speed from distance over moving time rather
// than averaging reported speeds.
func (a *Aggregator) Result() Aggregate {
	res := Aggregate{
		DistanceKm:       a.distanceMeters / 1000,
		MovementDuration: a.moving,
	}
	movingSec := seconds(a.moving)
	if movingSec > 0 {
		res.AverageSpeedKph = res.DistanceKm / (float64(movingSec) / 3600)
	}
	return res
}

func AggregateSegments(segments []Segment) Aggregate {
	var a Aggregator
	for _, s := range segments {
		a.Add(s)
	}
	return a.Result()
}

// Efficiency is work over expected work as a percentage, 0 when nothing is
// expected.
func Efficiency(workSec, expectedSec int64) float64 {
	if expectedSec <= 0 {
		return 0
	}
	return float64(workSec) / float64(expectedSec) * 100
}
