// Package analytics turns an ordered GPS sample stream into moving and stopped
// segments and the aggregates derived from them.
package analytics

import (
	"time"

	"fleet-monitor/analytics/internal/domain"
	"fleet-monitor/analytics/internal/geo"
)

type SegmentKind int

const (
	Stopped SegmentKind = iota
	Moving
)

func (k SegmentKind) String() string {
	if k == Moving {
		return "moving"
	}
	return "stopped"
}

// Segment is the interval between two consecutive samples.
type Segment struct {
	Kind           SegmentKind
	InZone         bool
	PoweredOn      bool
	Start          time.Time
	End            time.Time
	DistanceMeters float64
}

func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

type Options struct {
	// MaxGap excludes longer intervals from every total. Zero disables it.
	MaxGap time.Duration

	// Fence restricts credit to the zone. Nil means no zone.
	Fence *geo.Fence

	// OnSegment receives each classified segment in order.
	OnSegment func(Segment)
}

type Summary struct {
	Samples int

	MovementDuration time.Duration
	StoppageDuration time.Duration
	StoppageWhileOn  time.Duration
	StoppageWhileOff time.Duration
	ExcludedGaps     time.Duration
	StoppageCount    int64

	FirstSampleAt   time.Time
	LastSampleAt    time.Time
	// DeviceOnAt is the first off-to-on transition. Power is taken as off
	// before the window, so a window opening powered on reports its first
	// sample.
	DeviceOnAt      *time.Time
	FirstMovementAt *time.Time

	// Last is the final sample seen and LastInZone its zone membership.
	Last       *domain.GpsSample
	LastInZone bool
}

// Window is the span between the first and last sample.
func (s Summary) Window() time.Duration {
	if s.Samples == 0 {
		return 0
	}
	return s.LastSampleAt.Sub(s.FirstSampleAt)
}

func (s Summary) MovementSec() int64 { return seconds(s.MovementDuration) }

func (s Summary) StoppageWhileOnSec() int64 { return seconds(s.StoppageWhileOn) }

func (s Summary) StoppageWhileOffSec() int64 { return seconds(s.StoppageWhileOff) }

// StoppageSec is the sum of the two split buckets so that the split always
// adds up after truncation to whole seconds.
func (s Summary) StoppageSec() int64 {
	return s.StoppageWhileOnSec() + s.StoppageWhileOffSec()
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// Segmenter classifies samples one at a time. Each pair of consecutive
// samples is classified by the later sample: moving when it reports power on
// and a positive speed, stopped otherwise. Outside the fence a sample counts
// as powered off with zero speed.
type Segmenter struct {
	opts Options

	summary    Summary
	prev       domain.GpsSample
	prevPower  bool
	hasPrev    bool
	inStoppage bool
}

func NewSegmenter(opts Options) *Segmenter {
	return &Segmenter{opts: opts}
}

func (s *Segmenter) Add(cur domain.GpsSample) {
	if s.hasPrev && cur.Timestamp.Before(s.prev.Timestamp) {
		// out of order input is dropped rather than rewinding the timeline
		return
	}

	inZone := s.opts.Fence == nil || s.opts.Fence.Contains(cur.Coordinate)

	if cur.PoweredOn && !s.prevPower && s.summary.DeviceOnAt == nil {
		ts := cur.Timestamp
		s.summary.DeviceOnAt = &ts
	}

	if !s.hasPrev {
		s.summary.FirstSampleAt = cur.Timestamp
	} else {
		dt := cur.Timestamp.Sub(s.prev.Timestamp)
		switch {
		case dt == 0:
		case s.opts.MaxGap > 0 && dt > s.opts.MaxGap:
			s.summary.ExcludedGaps += dt
		default:
			s.classify(cur, inZone, dt)
		}
	}

	s.summary.Samples++
	s.summary.LastSampleAt = cur.Timestamp
	last := cur
	s.summary.Last = &last
	s.summary.LastInZone = inZone

	s.prev = cur
	s.prevPower = cur.PoweredOn
	s.hasPrev = true
}

func (s *Segmenter) classify(cur domain.GpsSample, inZone bool, dt time.Duration) {
	speed, on := cur.SpeedKph, cur.PoweredOn
	if !inZone {
		speed, on = 0, false
	}

	seg := Segment{
		InZone:    inZone,
		PoweredOn: on,
		Start:     s.prev.Timestamp,
		End:       cur.Timestamp,
	}

	if on && speed > 0 {
		seg.Kind = Moving
		seg.DistanceMeters = geo.DistanceMeters(s.prev.Coordinate, cur.Coordinate)
		s.summary.MovementDuration += dt
		s.inStoppage = false
		if s.summary.FirstMovementAt == nil {
			ts := s.prev.Timestamp
			s.summary.FirstMovementAt = &ts
		}
	} else {
		seg.Kind = Stopped
		s.summary.StoppageDuration += dt
		if on {
			s.summary.StoppageWhileOn += dt
		} else {
			s.summary.StoppageWhileOff += dt
		}
		if !s.inStoppage {
			s.summary.StoppageCount++
			s.inStoppage = true
		}
	}

	if s.opts.OnSegment != nil {
		s.opts.OnSegment(seg)
	}
}

func (s *Segmenter) Summary() Summary {
	return s.summary
}

// SegmentAll runs a segmenter over an in-memory slice and collects the segments.
func SegmentAll(points []domain.GpsSample, opts Options) ([]Segment, Summary) {
	var segments []Segment
	forward := opts.OnSegment
	opts.OnSegment = func(seg Segment) {
		segments = append(segments, seg)
		if forward != nil {
			forward(seg)
		}
	}

	sg := NewSegmenter(opts)
	for _, p := range points {
		sg.Add(p)
	}
	return segments, sg.Summary()
}
