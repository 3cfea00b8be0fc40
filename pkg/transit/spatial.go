package transit

import (
	"math"
	"sort"

	"transit_planner/pkg/geo"
)

// maxExpansions bounds how many times NearestStops doubles its radius.
const maxExpansions = 3

func (s *Store) buildIndex() {
	s.minX, s.minY = math.Inf(1), math.Inf(1)
	s.maxX, s.maxY = math.Inf(-1), math.Inf(-1)
	for i := range s.Stops.Len() {
		x, y := s.Stops.X[i], s.Stops.Y[i]
		s.index.Insert([2]float64{x, y}, [2]float64{x, y}, uint32(i))
		s.minX, s.maxX = min(s.minX, x), max(s.maxX, x)
		s.minY, s.maxY = min(s.minY, y), max(s.maxY, y)
	}
}

// NearestStops returns the stops within radius meters of p, closest first.
// When fewer than minCount stops are found the radius is doubled, at most
// maxExpansions times; the caller decides whether a short result is usable.
func (s *Store) NearestStops(p geo.Point, radius float64, minCount int) []uint32 {
	var found []uint32
	r := radius
	for range maxExpansions + 1 {
		found = s.within(p, r, found[:0])
		if len(found) >= minCount || len(found) == s.Stops.Len() {
			break
		}
		r *= 2
	}

	sort.Slice(found, func(i, j int) bool {
		di := p.Dist(s.Stops.Position(found[i]))
		dj := p.Dist(s.Stops.Position(found[j]))
		if di != dj {
			return di < dj
		}
		return found[i] < found[j]
	})
	return found
}

// MaxSearchRadius is the largest radius NearestStops may reach for a given
// starting radius.
func MaxSearchRadius(radius float64) float64 {
	return radius * float64(int(1)<<maxExpansions)
}

// DistanceToNetwork returns how far p lies outside the bounding box of all
// stops (0 when inside).
func (s *Store) DistanceToNetwork(p geo.Point) float64 {
	if s.Stops.Len() == 0 {
		return math.Inf(1)
	}
	dx := max(s.minX-p.X, 0, p.X-s.maxX)
	dy := max(s.minY-p.Y, 0, p.Y-s.maxY)
	return math.Hypot(dx, dy)
}

func (s *Store) within(p geo.Point, r float64, dst []uint32) []uint32 {
	lo := [2]float64{p.X - r, p.Y - r}
	hi := [2]float64{p.X + r, p.Y + r}
	s.index.Search(lo, hi, func(_, _ [2]float64, id uint32) bool {
		if p.Dist(s.Stops.Position(id)) <= r {
			dst = append(dst, id)
		}
		return true
	})
	return dst
}
