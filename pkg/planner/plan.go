package planner

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"transit_planner/pkg/transit"
)

// LegKind tells walks from rides.
type LegKind uint8

const (
	Walk LegKind = iota
	Ride
)

func (k LegKind) String() string {
	if k == Ride {
		return "ride"
	}
	return "walk"
}

// Leg is one part of a plan. FromStop is -1 for the query origin and ToStop
// is -1 for the destination.
type Leg struct {
	Kind      LegKind
	FromStop  int32
	ToStop    int32
	Departure int32
	Arrival   int32
	Distance  float64 // walks only, meters

	TripID    int32 // rides only, -1 otherwise
	TripStart int32
	Route     int32
	Headsign  string
}

// Duration returns the leg's length in seconds.
func (l Leg) Duration() int32 { return l.Arrival - l.Departure }

// stayPut is the zero-length walk of a journey that starts where it ends.
func stayPut(departure, arrival int32) Leg {
	return Leg{Kind: Walk, FromStop: -1, ToStop: -1, Departure: departure, Arrival: arrival, TripID: -1}
}

// Plan is one itinerary from origin to destination.
type Plan struct {
	StartTime     int32
	ArrivalTime   int32
	Inconvenience int32
	Generation    int
	Legs          []Leg
}

// Duration returns the time from leaving the origin to reaching the
// destination.
func (p *Plan) Duration() int32 { return p.ArrivalTime - p.StartTime }

// Rides returns the number of ride legs.
func (p *Plan) Rides() int {
	n := 0
	for _, l := range p.Legs {
		if l.Kind == Ride {
			n++
		}
	}
	return n
}

// TripRun identifies one run of a trip.
type TripRun struct {
	Trip  int32
	Start int32
}

// Runs returns the distinct trip runs the plan rides, sorted.
func (p *Plan) Runs() []TripRun {
	var runs []TripRun
	for _, l := range p.Legs {
		if l.Kind == Ride {
			runs = append(runs, TripRun{Trip: l.TripID, Start: l.TripStart})
		}
	}
	slices.SortFunc(runs, func(a, b TripRun) int {
		return cmp.Or(cmp.Compare(a.Trip, b.Trip), cmp.Compare(a.Start, b.Start))
	})
	return slices.Compact(runs)
}

// Format renders the plan as human-readable lines.
func (p *Plan) Format(s *transit.Store) string {
	name := func(stop int32, end string) string {
		if stop < 0 {
			return end
		}
		st := s.Stops.Get(uint32(stop))
		return fmt.Sprintf("%s (%s)", st.Name, st.Code)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "start at %s\n", Clock(p.StartTime))
	for _, l := range p.Legs {
		switch l.Kind {
		case Walk:
			fmt.Fprintf(&sb, "  walk %s -> %s [%s - %s] %.0fm\n",
				name(l.FromStop, "origin"), name(l.ToStop, "destination"), Clock(l.Departure), Clock(l.Arrival), l.Distance)
		case Ride:
			fmt.Fprintf(&sb, "  ride route %d to %s: %s -> %s [%s - %s]\n",
				l.Route, l.Headsign, name(l.FromStop, "origin"), name(l.ToStop, "destination"), Clock(l.Departure), Clock(l.Arrival))
		}
	}
	fmt.Fprintf(&sb, "arrive at %s, inconvenience %d", Clock(p.ArrivalTime), p.Inconvenience)
	return sb.String()
}

// Clock formats seconds since midnight as HH:MM:SS. Hours may exceed 23.
func Clock(t int32) string {
	if t == transit.InfTime {
		return "--:--:--"
	}
	sign := ""
	if t < 0 {
		sign, t = "-", -t
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, t/3600, t/60%60, t%60)
}

// SortPlans orders plans by arrival, then inconvenience, then start.
func SortPlans(plans []*Plan) {
	slices.SortStableFunc(plans, func(a, b *Plan) int {
		return cmp.Or(
			cmp.Compare(a.ArrivalTime, b.ArrivalTime),
			cmp.Compare(a.Inconvenience, b.Inconvenience),
			cmp.Compare(b.StartTime, a.StartTime),
		)
	})
}

// Inconvenience scores legs the way the generator accumulates it: walking
// time and waiting between rides are weighted, and every ride after the
// first adds a fixed penalty.
func (p Params) Inconvenience(legs []Leg) int32 {
	var (
		total   int32
		rides   int
		prevEnd int32
	)
	for _, l := range legs {
		switch l.Kind {
		case Walk:
			total += p.walkCost(l.Duration())
		case Ride:
			if rides > 0 {
				total += p.TransferPenalty + p.waitCost(l.Departure-prevEnd)
			}
			rides++
		}
		prevEnd = l.Arrival
	}
	return total
}

func (p Params) walkCost(seconds int32) int32 {
	return int32(float64(seconds) * p.WalkPenalty)
}

func (p Params) waitCost(seconds int32) int32 {
	return int32(float64(seconds) * p.WaitPenalty)
}
