package transit

import (
	"slices"
	"sort"
)

// Services is the query-scoped service calendar: sorted ids of the services
// active on the query date and on its two neighbours.
type Services struct {
	Today     []int32
	Yesterday []int32
	Tomorrow  []int32
}

// NewServices copies and sorts the three id lists.
func NewServices(today, yesterday, tomorrow []int32) *Services {
	sorted := func(ids []int32) []int32 {
		out := slices.Clone(ids)
		slices.Sort(out)
		return slices.Compact(out)
	}
	return &Services{
		Today:     sorted(today),
		Yesterday: sorted(yesterday),
		Tomorrow:  sorted(tomorrow),
	}
}

// Empty reports whether no service runs on any of the three days.
func (s *Services) Empty() bool {
	return len(s.Today) == 0 && len(s.Yesterday) == 0 && len(s.Tomorrow) == 0
}

// Start is a concrete departure of a trip instance. Time is measured from
// the query day's midnight and is InfTime when no departure exists.
type Start struct {
	Time     int32
	Instance uint32
}

// NextStart returns the earliest start of trip at or after at.
//
// Runs of yesterday's services are shifted one day back and tomorrow's one
// day forward, so a trip starting at 25:30 on the previous service day is
// found by an early-morning query and a query just before midnight can catch
// tomorrow's first runs. The yesterday lookup only happens when the trip has
// starts late enough to reach into today, and the tomorrow lookup only when
// nothing today leaves before tomorrow's earliest possible start.
func (t *Trips) NextStart(trip uint32, services *Services, at int32) Start {
	best := t.nextStartOn(trip, services.Today, at)

	if at <= t.LastDeparture[trip]-Day {
		if y := t.nextStartOn(trip, services.Yesterday, at+Day); y.Time != InfTime && y.Time-Day < best.Time {
			best = Start{Time: y.Time - Day, Instance: y.Instance}
		}
	}

	if best.Time >= t.FirstDeparture[trip]+Day {
		if tm := t.nextStartOn(trip, services.Tomorrow, at-Day); tm.Time != InfTime && tm.Time+Day < best.Time {
			best = Start{Time: tm.Time + Day, Instance: tm.Instance}
		}
	}

	return best
}

// nextStartOn finds the earliest start >= at among the trip's instances that
// run on any of the active services.
func (t *Trips) nextStartOn(trip uint32, active []int32, at int32) Start {
	best := Start{Time: InfTime}
	if len(active) == 0 {
		return best
	}
	r := t.Instances(trip)
	for inst := r.Begin; inst < r.End; inst++ {
		if !intersects(t.InstanceServices(inst), active) {
			continue
		}
		starts := t.InstanceStarts(inst)
		i := sort.Search(len(starts), func(i int) bool { return starts[i] >= at })
		if i < len(starts) && starts[i] < best.Time {
			best = Start{Time: starts[i], Instance: inst}
		}
	}
	return best
}

// intersects reports whether two sorted id lists share an element.
func intersects(a, b []int32) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return false
}
