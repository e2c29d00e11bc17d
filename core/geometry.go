package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ErrInvalidPolygon is returned for rings that cannot bound an area.
var ErrInvalidPolygon = errors.New("invalid polygon")

// ValidateRing checks that ring describes a simple polygon and returns a
// closed copy of it. Repeated consecutive vertices are dropped. Rings with fewer than three distinct vertices, zero
// area, non-finite coordinates or crossing edges are rejected.
func ValidateRing(ring orb.Ring) (orb.Ring, error) {
	closed := closeRing(ring)
	for _, p := range closed {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return nil, fmt.Errorf("%w: non-finite coordinate %v", ErrInvalidPolygon, p)
		}
	}
	if distinctPoints(closed) < 3 {
		return nil, fmt.Errorf("%w: fewer than 3 distinct vertices", ErrInvalidPolygon)
	}
	if planar.Area(closed) == 0 {
		return nil, fmt.Errorf("%w: zero area", ErrInvalidPolygon)
	}
	if selfIntersects(closed) {
		return nil, fmt.Errorf("%w: ring crosses itself", ErrInvalidPolygon)
	}
	return closed, nil
}

// closeRing copies ring without consecutive repeated vertices and closes it.
func closeRing(ring orb.Ring) orb.Ring {
	out := make(orb.Ring, 0, len(ring)+1)
	for _, p := range ring {
		if len(out) > 0 && out[len(out)-1].Equal(p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 0 && !out[0].Equal(out[len(out)-1]) {
		out = append(out, out[0])
	}
	return out
}

func distinctPoints(ring orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(ring))
	for _, p := range ring {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// selfIntersects tests every pair of non-adjacent segments of a closed ring.
func selfIntersects(ring orb.Ring) bool {
	n := len(ring) - 1
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[i+1]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(a1, a2, ring[j], ring[j+1]) {
				return true
			}
		}
	}
	return false
}

func orientation(a, b, c orb.Point) int {
	v := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)
	if o1 != o2 && o3 != o4 {
		return true
	}
	switch {
	case o1 == 0 && onSegment(p1, p2, q1):
		return true
	case o2 == 0 && onSegment(p1, p2, q2):
		return true
	case o3 == 0 && onSegment(q1, q2, p1):
		return true
	case o4 == 0 && onSegment(q1, q2, p2):
		return true
	}
	return false
}

// shapeWithin reports whether any vertex of shape lies inside ring.
func shapeWithin(shape orb.LineString, ring orb.Ring) bool {
	for _, p := range shape {
		if planar.RingContains(ring, p) {
			return true
		}
	}
	return false
}

func lineLength(ls orb.LineString) float64 {
	if len(ls) < 2 {
		return 0
	}
	return planar.Length(ls)
}
