package geo

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"fleet-monitor/analytics/internal/domain"
)

var (
	ErrDegenerateZone = errors.New("zone has fewer than 3 distinct vertices")

	// ErrAntimeridian is returned for rings spanning more than 180 degrees of
	// longitude. Such zones are not supported.
	ErrAntimeridian = errors.New("zone crosses the anti-meridian")
)

// boundaryEpsilon is in degrees, roughly 1 cm at the equator.
const boundaryEpsilon = 1e-7

// Fence answers point containment for one zone. Points on the boundary are
// inside. An invalid zone yields a fence that contains nothing.
type Fence struct {
	ring  orb.Ring
	bound orb.Bound
	valid bool
}

// NewFence builds a fence. On error the returned fence is still usable and
// fails closed.
func NewFence(p domain.Polygon) (*Fence, error) {
	ring := toRing(p)
	if distinctVertices(ring) < 3 {
		return &Fence{}, ErrDegenerateZone
	}

	bound := ring.Bound()
	if bound.Max[0]-bound.Min[0] > 180 {
		return &Fence{}, ErrAntimeridian
	}

	return &Fence{ring: ring, bound: bound, valid: true}, nil
}

func (f *Fence) Valid() bool {
	return f != nil && f.valid
}

func (f *Fence) Contains(c domain.Coordinate) bool {
	if !f.Valid() {
		return false
	}

	pt := orb.Point{c.Lon, c.Lat}
	if !f.bound.Pad(boundaryEpsilon).Contains(pt) {
		return false
	}
	if f.onBoundary(pt) {
		return true
	}
	return planar.RingContains(f.ring, pt)
}

// Contains is a one-shot containment test. Callers testing many points
// against one zone should build a Fence once.
func Contains(c domain.Coordinate, p domain.Polygon) bool {
	f, _ := NewFence(p)
	return f.Contains(c)
}

func (f *Fence) onBoundary(pt orb.Point) bool {
	for i := 0; i < len(f.ring)-1; i++ {
		if onSegment(pt, f.ring[i], f.ring[i+1]) {
			return true
		}
	}
	return false
}

func onSegment(p, a, b orb.Point) bool {
	cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
	length := math.Hypot(b[0]-a[0], b[1]-a[1])
	if length == 0 {
		return math.Hypot(p[0]-a[0], p[1]-a[1]) <= boundaryEpsilon
	}
	if math.Abs(cross)/length > boundaryEpsilon {
		return false
	}

	return p[0] >= math.Min(a[0], b[0])-boundaryEpsilon &&
		p[0] <= math.Max(a[0], b[0])+boundaryEpsilon &&
		p[1] >= math.Min(a[1], b[1])-boundaryEpsilon &&
		p[1] <= math.Max(a[1], b[1])+boundaryEpsilon
}

// toRing converts to orb's lon/lat order and closes the ring.
func toRing(p domain.Polygon) orb.Ring {
	ring := make(orb.Ring, 0, len(p)+1)
	for _, c := range p {
		ring = append(ring, orb.Point{c.Lon, c.Lat})
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

func distinctVertices(r orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(r))
	for _, p := range r {
		seen[p] = struct{}{}
	}
	return len(seen)
}
