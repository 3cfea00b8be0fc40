// Package estimate provides lower bounds on the remaining travel time from
// a stop to a query's destination. Every strategy implements Model; binding
// a Model to one query's target yields the Estimator the search consults.
package estimate

import (
	"math"
	"time"

	"transit_planner/pkg/geo"
	"transit_planner/pkg/transit"
)

// Forever is the TimeValid of estimators that do not depend on time.
const Forever = transit.InfTime

// Instant is the moment an estimate is requested for.
type Instant struct {
	DayType int   // 0 weekday, 1 Saturday, 2 Sunday
	Time    int32 // seconds since midnight of that day
}

// DayType classifies a date for the learned models.
func DayType(d time.Time) int {
	switch d.Weekday() {
	case time.Saturday:
		return 1
	case time.Sunday:
		return 2
	default:
		return 0
	}
}

// InstantAt converts a service-day time (which may exceed 24h) on date into
// an Instant, rolling over to the next calendar day when needed.
func InstantAt(date time.Time, at int32) Instant {
	for at >= transit.Day {
		date = date.AddDate(0, 0, 1)
		at -= transit.Day
	}
	return Instant{DayType: DayType(date), Time: at}
}

// Target describes where one query is heading: the destination itself and
// the stops from which it can be walked to.
type Target struct {
	Destination geo.Point
	Near        []transit.NearStop
	Pace        float64
}

// Estimator bounds the remaining time from a stop to the bound target.
type Estimator interface {
	// Estimate returns a lower bound in seconds, or transit.InfTime when the
	// destination cannot be reached from stop.
	Estimate(stop uint32, at Instant) int32
	// TimeValid is how long, in seconds, an estimate may be reused for the
	// same stop. 0 means every call must be recomputed.
	TimeValid() int32
}

// Model is an estimation strategy that can be bound to a query.
type Model interface {
	Name() string
	// Admissible reports whether estimates never exceed the true remaining
	// time. Searches guided by inadmissible models may return later
	// arrivals than the optimum.
	Admissible() bool
	Bind(store *transit.Store, target Target) Estimator
}

// Euclidean bounds remaining time by straight-line distance at MaxSpeed.
type Euclidean struct {
	MaxSpeed float64 // m/s, at least as fast as any vehicle in the network
}

func (Euclidean) Name() string { return "euclidean" }
func (Euclidean) Admissible() bool { return true }
func (m Euclidean) Bind(s *transit.Store, t Target) Estimator {
	return newDistanceEstimator(s, t, m.MaxSpeed, geo.Point.Dist)
}

// Manhattan bounds remaining time by |dx|+|dy| distance. Manhattan distance
// can exceed the straight line by up to sqrt(2), so the speed is scaled by
// that factor to keep the bound admissible.
type Manhattan struct {
	MaxSpeed float64
}

func (Manhattan) Name() string { return "manhattan" }
func (Manhattan) Admissible() bool { return true }
func (m Manhattan) Bind(s *transit.Store, t Target) Estimator {
	return newDistanceEstimator(s, t, m.MaxSpeed*math.Sqrt2, geo.Point.ManhattanDist)
}

// distanceEstimator takes the minimum over near-destination stops of the
// riding bound to that stop plus the walk from it to the destination.
type distanceEstimator struct {
	stops  *transit.Stops
	target Target
	speed  float64
	dist   func(a, b geo.Point) float64
	walk   []int32
}

func newDistanceEstimator(s *transit.Store, t Target, speed float64, dist func(a, b geo.Point) float64) *distanceEstimator {
	return &distanceEstimator{
		stops:  &s.Stops,
		target: t,
		speed:  speed,
		dist:   dist,
		walk:   walkTimes(t),
	}
}

func (e *distanceEstimator) Estimate(stop uint32, _ Instant) int32 {
	p := e.stops.Position(stop)
	if len(e.target.Near) == 0 {
		return secondsAt(e.dist(p, e.target.Destination), e.speed)
	}
	best := transit.InfTime
	for i, n := range e.target.Near {
		if e.walk[i] == transit.InfTime {
			continue
		}
		h := secondsAt(e.dist(p, e.stops.Position(n.Stop)), e.speed) + e.walk[i]
		best = min(best, h)
	}
	return best
}

func (e *distanceEstimator) TimeValid() int32 { return Forever }

func walkTimes(t Target) []int32 {
	out := make([]int32, len(t.Near))
	for i, n := range t.Near {
		out[i] = transit.WalkSeconds(n.Distance, t.Pace)
	}
	return out
}

// secondsAt rounds down so the bound stays below any whole-second schedule.
func secondsAt(meters, speed float64) int32 {
	s := meters / speed
	if s >= float64(transit.InfTime) {
		return transit.InfTime
	}
	return int32(s)
}

// Zero is the trivial bound, turning the search into plain Dijkstra.
type Zero struct{}

func (Zero) Name() string { return "zero" }
func (Zero) Admissible() bool { return true }
func (Zero) Bind(*transit.Store, Target) Estimator {
	return zeroEstimator{}
}

type zeroEstimator struct{}

func (zeroEstimator) Estimate(uint32, Instant) int32 { return 0 }
func (zeroEstimator) TimeValid() int32 { return Forever }
