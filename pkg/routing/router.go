package routing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"transit_planner/pkg/estimate"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/transit"
)

// ErrNoRoute is returned when the destination cannot be reached.
var ErrNoRoute = errors.New("no route found")

// Params holds the walking and transfer constants of a search.
type Params struct {
	Pace         float64 // walking speed, m/s
	TransferTime int32   // minimum dwell between two trips, seconds
}

// PathSegment is one edge of a computed journey: how its end stop was
// reached. FromStop is -1 for the query origin, TripID is -1 for walking.
// Details holds the boarding time of a ride or the meters of a walk.
// TripStart is the start time of the run ridden, zero for a walk.
type PathSegment struct {
	FromStop  int32
	TripID    int32
	Details   int32
	TripStart int32
}

// Walking reports whether the segment is a walk.
func (p PathSegment) Walking() bool { return p.TripID < 0 }

// Result is the outcome of one earliest-arrival search. Path ends with the
// walk to the destination; it is empty when no route exists. Arrivals[i]
// is the time Path[i] ends.
type Result struct {
	Arrival    int32
	Path       []PathSegment
	Arrivals   []int32
	Iterations int
}

// Found reports whether a route to the destination exists.
func (r *Result) Found() bool { return r.Arrival < transit.InfTime }

// Router runs earliest-arrival searches over a shared Store. A Router is
// safe for concurrent use; every search owns its own working set.
type Router struct {
	store  *transit.Store
	model  estimate.Model
	params Params
}

// NewRouter creates a Router guided by model.
func NewRouter(store *transit.Store, model estimate.Model, params Params) *Router {
	return &Router{store: store, model: model, params: params}
}

// Store returns the store the router searches.
func (r *Router) Store() *transit.Store { return r.store }

// Params returns the router's constants.
func (r *Router) Params() Params { return r.params }

// Route finds the earliest arrival at p's destination when leaving p's
// origin at startTime on date, riding only trips that run under services.
// A Result without a route is not an error.
func (r *Router) Route(ctx context.Context, p *prospect.Prospect, services *transit.Services, date time.Time, startTime int32) (*Result, error) {
	target := estimate.Target{Destination: p.Destination, Near: p.NearDestination, Pace: r.params.Pace}
	s := r.newSearch(services, r.model.Bind(r.store, target), estimate.InstantAt(date, startTime), false)

	for _, near := range p.NearDestination {
		n := s.node(near.Stop)
		n.walkTime = transit.WalkSeconds(near.Distance, r.params.Pace)
		n.walkDistance = near.Distance
		n.estimate = min(n.estimate, n.walkTime)
	}

	if direct := transit.WalkSeconds(p.WalkDistance, r.params.Pace); direct != transit.InfTime {
		s.arrival = startTime + direct
		s.tail = PathSegment{FromStop: -1, TripID: -1, Details: meters(p.WalkDistance)}
	}

	for _, near := range p.NearStart {
		walk := transit.WalkSeconds(near.Distance, r.params.Pace)
		if walk == transit.InfTime {
			continue
		}
		n := s.node(near.Stop)
		if arrival := startTime + walk; arrival < n.arrival {
			s.update(n, arrival, PathSegment{FromStop: -1, TripID: -1, Details: meters(near.Distance)})
		}
	}

	if err := s.run(ctx); err != nil {
		return nil, err
	}

	res := &Result{Arrival: s.arrival, Iterations: s.iterations}
	if res.Found() {
		path, arrivals, err := s.gatherPath()
		if err != nil {
			return nil, err
		}
		res.Path = path
		res.Arrivals = arrivals
	}
	return res, nil
}

// Exhaustive runs a timeless single-source search from sources, treating
// every trip as available at its relative offsets, and returns the arrival
// time at every stop (transit.InfTime where unreachable).
func (r *Router) Exhaustive(ctx context.Context, sources []transit.NearStop, startTime int32) ([]int32, error) {
	s := r.newSearch(nil, estimate.Zero{}.Bind(r.store, estimate.Target{}), estimate.Instant{}, true)
	s.arrival = transit.InfTime
	for _, src := range sources {
		walk := transit.WalkSeconds(src.Distance, r.params.Pace)
		if walk == transit.InfTime {
			continue
		}
		n := s.node(src.Stop)
		if arrival := startTime + walk; arrival < n.arrival {
			s.update(n, arrival, PathSegment{FromStop: -1, TripID: -1, Details: meters(src.Distance)})
		}
	}
	if err := s.run(ctx); err != nil {
		return nil, err
	}

	out := make([]int32, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = transit.InfTime
		if n != nil {
			out[i] = n.arrival
		}
	}
	return out, nil
}

// node is the per-stop search record, materialized on first touch.
type node struct {
	stop         uint32
	arrival      int32
	estimate     int32
	walkTime     int32   // to the destination; InfTime unless near it
	walkDistance float64 // meters, for walkTime
	slot         int
	tail         PathSegment
}

type search struct {
	store      *transit.Store
	params     Params
	services   *transit.Services // nil in timeless mode
	est        estimate.Estimator
	at         estimate.Instant
	exhaustive bool

	nodes []*node
	queue *Queue[*node]

	// Best known arrival at the destination and the segment that ends it.
	arrival int32
	tail    PathSegment

	iterations int
	trace      func(n *node) // test hook, called after each improvement
}

func (r *Router) newSearch(services *transit.Services, est estimate.Estimator, at estimate.Instant, exhaustive bool) *search {
	less := func(a, b *node) bool {
		ka, kb := a.arrival+a.estimate, b.arrival+b.estimate
		if ka != kb {
			return ka < kb
		}
		return a.stop < b.stop
	}
	if exhaustive {
		less = func(a, b *node) bool {
			if a.arrival != b.arrival {
				return a.arrival < b.arrival
			}
			return a.stop < b.stop
		}
	}
	return &search{
		store:      r.store,
		params:     r.params,
		services:   services,
		est:        est,
		at:         at,
		exhaustive: exhaustive,
		nodes:      make([]*node, r.store.Stops.Len()),
		queue:      NewQueue(less, func(n *node) *int { return &n.slot }),
		arrival:    transit.InfTime,
		tail:       PathSegment{FromStop: -1, TripID: -1},
	}
}

func (s *search) node(stop uint32) *node {
	if n := s.nodes[stop]; n != nil {
		return n
	}
	n := &node{
		stop:         stop,
		arrival:      transit.InfTime,
		estimate:     s.est.Estimate(stop, s.at),
		walkTime:     transit.InfTime,
		walkDistance: 0,
		slot:         -1,
		tail:         PathSegment{FromStop: -1, TripID: -1},
	}
	s.nodes[stop] = n
	return n
}

// update records an improved arrival at n, queueing or re-heapifying it,
// and promotes it to the best journey when the walk from n beats it.
func (s *search) update(n *node, arrival int32, seg PathSegment) {
	if arrival+n.estimate >= s.arrival || arrival >= n.arrival {
		return
	}
	n.arrival = arrival
	n.tail = seg
	if s.queue.Queued(n) {
		s.queue.Decrease(n)
	} else {
		s.queue.Push(n)
	}
	if s.trace != nil {
		s.trace(n)
	}

	if !s.exhaustive && n.walkTime != transit.InfTime && arrival+n.walkTime < s.arrival {
		s.arrival = arrival + n.walkTime
		s.tail = PathSegment{FromStop: int32(n.stop), TripID: -1, Details: meters(n.walkDistance)}
	}
}

func (s *search) run(ctx context.Context) error {
	for s.queue.Len() > 0 {
		if s.iterations%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		from := s.queue.Pop()
		s.iterations++
		if from.arrival+from.estimate >= s.arrival {
			break
		}
		s.relaxWalks(from)
		s.relaxTrips(from)
	}
	return nil
}

func (s *search) relaxWalks(from *node) {
	stops := &s.store.Stops
	r := stops.Walks(from.stop)
	for e := r.Begin; e < r.End; e++ {
		to := s.node(stops.WalkTo[e])
		dist := float64(stops.WalkDistance[e])
		arrival := from.arrival + transit.WalkSeconds(dist, s.params.Pace)
		if arrival < min(to.arrival, s.arrival) {
			s.update(to, arrival, PathSegment{FromStop: int32(from.stop), TripID: -1, Details: meters(dist)})
		}
	}
}

func (s *search) relaxTrips(from *node) {
	stops := &s.store.Stops
	trips := &s.store.Trips
	transfer := s.params.TransferTime

	r := stops.Trips(from.stop)
	for i := r.Begin; i < r.End; i++ {
		trip := stops.TripID[i]
		relDeparture := stops.TripDeparture[i]

		earliest := from.arrival - relDeparture
		if from.tail.FromStop != -1 {
			earliest += transfer
		}
		start := earliest
		if s.services != nil {
			next := trips.NextStart(trip, s.services, earliest)
			if next.Time == transit.InfTime {
				continue
			}
			start = next.Time
		}

		departure := start + relDeparture
		if departure+from.estimate >= s.arrival {
			continue
		}

		seg := PathSegment{FromStop: int32(from.stop), TripID: int32(trip), Details: departure, TripStart: start}
		ts := trips.Stops(trip)
		for j := ts.Begin + uint32(stops.TripSeq[i]) + 1; j < ts.End; j++ {
			to := s.node(trips.StopID[j])
			arrival := start + trips.Arrival[j]
			if arrival < min(to.arrival, s.arrival) {
				s.update(to, arrival, seg)
			} else if arrival >= to.arrival+transfer {
				// Anyone already at this stop can catch this very run, so
				// later stops gain nothing from riding on.
				break
			}
		}
	}
}

// gatherPath follows back-pointers from the best journey's last segment to
// the origin.
func (s *search) gatherPath() ([]PathSegment, []int32, error) {
	var (
		path     []PathSegment
		arrivals []int32
	)
	seg, at := s.tail, s.arrival
	for {
		path = append(path, seg)
		arrivals = append(arrivals, at)
		if seg.FromStop == -1 {
			break
		}
		if len(path) > len(s.nodes)+1 {
			return nil, nil, fmt.Errorf("path reconstruction: back-pointer chain longer than %d stops", len(s.nodes))
		}
		n := s.nodes[seg.FromStop]
		seg, at = n.tail, n.arrival
	}
	slices.Reverse(path)
	slices.Reverse(arrivals)
	return path, arrivals, nil
}

func meters(d float64) int32 {
	if d >= float64(transit.InfTime) {
		return transit.InfTime
	}
	return int32(d + 0.5)
}
