package routing

import (
	"slices"

	"transit_planner/pkg/transit"
)

// Hop is a single leg out of a stop: a walk along a walking edge or a ride
// on one run of a trip.
type Hop struct {
	FromStop  uint32
	ToStop    uint32
	Departure int32
	Arrival   int32
	TripID    int32 // -1 for a walk
	TripStart int32 // start time of the run ridden; -1 for a walk
	Distance  float32
}

// Walking reports whether the hop is a walk.
func (h Hop) Walking() bool { return h.TripID < 0 }

// Expander lists the fastest single hop to every stop reachable from a
// given stop. It keeps scratch space between calls and is not safe for
// concurrent use.
type Expander struct {
	store *transit.Store
	pace  float64

	best map[uint32]Hop
	out  []Hop
}

// NewExpander creates an Expander over store walking at pace m/s.
func NewExpander(store *transit.Store, pace float64) *Expander {
	return &Expander{store: store, pace: pace, best: make(map[uint32]Hop)}
}

// Expand returns, ordered by target stop, the earliest hop from stop to
// each neighbour when standing there at time at. A ride needs transfer
// seconds of slack before its departure. The result is only valid until
// the next call.
func (e *Expander) Expand(stop uint32, services *transit.Services, at, transfer int32) []Hop {
	clear(e.best)
	stops := &e.store.Stops
	trips := &e.store.Trips

	r := stops.Walks(stop)
	for i := r.Begin; i < r.End; i++ {
		dist := stops.WalkDistance[i]
		e.offer(Hop{
			FromStop:  stop,
			ToStop:    stops.WalkTo[i],
			Departure: at,
			Arrival:   at + transit.WalkSeconds(float64(dist), e.pace),
			TripID:    -1,
			TripStart: -1,
			Distance:  dist,
		})
	}

	r = stops.Trips(stop)
	for i := r.Begin; i < r.End; i++ {
		trip := stops.TripID[i]
		relDeparture := stops.TripDeparture[i]
		start := trips.NextStart(trip, services, at+transfer-relDeparture)
		if start.Time == transit.InfTime {
			continue
		}
		ts := trips.Stops(trip)
		for j := ts.Begin + uint32(stops.TripSeq[i]) + 1; j < ts.End; j++ {
			e.offer(Hop{
				FromStop:  stop,
				ToStop:    trips.StopID[j],
				Departure: start.Time + relDeparture,
				Arrival:   start.Time + trips.Arrival[j],
				TripID:    int32(trip),
				TripStart: start.Time,
			})
		}
	}

	e.out = e.out[:0]
	for _, h := range e.best {
		e.out = append(e.out, h)
	}
	slices.SortFunc(e.out, func(a, b Hop) int { return int(a.ToStop) - int(b.ToStop) })
	return e.out
}

func (e *Expander) offer(h Hop) {
	if h.ToStop == h.FromStop {
		return
	}
	if prev, ok := e.best[h.ToStop]; ok && prev.Arrival <= h.Arrival {
		return
	}
	e.best[h.ToStop] = h
}
