package engine

import (
	"time"

	"fleet-monitor/analytics/internal/analytics"
	"fleet-monitor/analytics/internal/domain"
)

// pass is one segmenter and aggregator pair restricted to [from, to).
type pass struct {
	from, to time.Time
	seg      *analytics.Segmenter
	agg      *analytics.Aggregator
}

func newPass(opts analytics.Options, from, to time.Time) *pass {
	agg := &analytics.Aggregator{}
	opts.OnSegment = agg.Add
	return &pass{from: from, to: to, seg: analytics.NewSegmenter(opts), agg: agg}
}

func (p *pass) add(s domain.GpsSample) {
	if s.Timestamp.Before(p.from) || !s.Timestamp.Before(p.to) {
		return
	}
	p.seg.Add(s)
}

func (p *pass) record(key domain.MetricsKey, expectedSec int64) domain.MetricsRecord {
	sum := p.seg.Summary()
	agg := p.agg.Result()
	work := sum.MovementSec()

	return domain.MetricsRecord{
		Key:                 key,
		TraveledDistanceKm:  agg.DistanceKm,
		WorkDurationSec:     work,
		StoppageCount:       sum.StoppageCount,
		StoppageDurationSec: sum.StoppageSec(),
		StoppageWhileOnSec:  sum.StoppageWhileOnSec(),
		StoppageWhileOffSec: sum.StoppageWhileOffSec(),
		AverageSpeedKph:     agg.AverageSpeedKph,
		EfficiencyPercent:   analytics.Efficiency(work, expectedSec),
		DeviceOnAt:          sum.DeviceOnAt,
		FirstMovementAt:     sum.FirstMovementAt,
	}
}
