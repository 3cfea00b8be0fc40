// Package planner produces several materially different itineraries for
// one query by running a label-setting search that keeps going after the
// first arrival, in generations.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transit_planner/pkg/estimate"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/routing"
	"transit_planner/pkg/transit"
)

// ErrNoMorePlans is returned by Generator.Next once the search space is
// exhausted.
var ErrNoMorePlans = errors.New("no more plans")

// Params configures plan generation and scoring.
type Params struct {
	Pace         float64 // m/s
	TransferTime int32   // seconds

	WalkPenalty     float64 // inconvenience per second walked
	WaitPenalty     float64 // inconvenience per second waited between rides
	TransferPenalty int32   // inconvenience per ride after the first

	// An alternative that starts no later than the previous plan must take
	// at most min(best*(1+RelativeSlack), best+AbsoluteSlack) seconds.
	RelativeSlack float64
	AbsoluteSlack int32

	MaxIterations int // labels expanded per query, 0 for no limit
}

// DefaultParams returns the production settings.
func DefaultParams() Params {
	return Params{
		Pace:            1.4,
		TransferTime:    180,
		WalkPenalty:     2,
		WaitPenalty:     1,
		TransferPenalty: 200,
		RelativeSlack:   0.25,
		AbsoluteSlack:   300,
		MaxIterations:   500_000,
	}
}

// Routing returns the subset of params the single-plan router needs.
func (p Params) Routing() routing.Params {
	return routing.Params{Pace: p.Pace, TransferTime: p.TransferTime}
}

// label is a partial plan ending at a stop. Walks taken before the first
// ride are folded into the initial walk.
type label struct {
	stop          uint32
	time          int32
	inconvenience int32
	generation    int

	departed      int32 // when the initial walk starts; see startTime
	initialWalk   int32
	initialMeters float64

	parent    *label // nil for initial labels
	hop       routing.Hop
	rides     int
	firstRide routing.Hop

	travelTime int32 // estimate to the destination
	walkTime   int32 // walk to the destination, InfTime unless near it

	terminal   bool
	direct     bool // terminal walk straight from the origin
	superseded bool
	seq        int
	slot       int
}

// startTime is when the plan leaves the origin: just in time for the first
// ride, or at the query time for walk-only plans.
func (l *label) startTime() int32 {
	if l.rides > 0 {
		return l.firstRide.Departure - l.initialWalk
	}
	return l.departed
}

type labelKey struct {
	stop       uint32
	generation int
}

type cachedEstimate struct {
	at    int32
	value int32
}

// Generator yields plans for one query in order of discovery. It owns all
// of its search state and is not safe for concurrent use.
type Generator struct {
	store    *transit.Store
	params   Params
	prospect *prospect.Prospect
	services *transit.Services
	date     time.Time
	start    int32

	est        estimate.Estimator
	expander   *routing.Expander
	queue      *routing.Queue[*label]
	discovered map[labelKey]*label
	estimates  map[uint32]cachedEstimate
	walkTimes  map[uint32]int32
	nearDist   map[uint32]float64

	found      []*Plan
	used       [][]TripRun
	shortest   int32
	iterations int
	seq        int
}

// NewGenerator seeds a search from every near-start stop and from the
// direct walk, when there is one.
func NewGenerator(store *transit.Store, model estimate.Model, params Params, p *prospect.Prospect,
	services *transit.Services, date time.Time, startTime int32) *Generator {
	g := &Generator{
		store:    store,
		params:   params,
		prospect: p,
		services: services,
		date:     date,
		start:    startTime,
		est: model.Bind(store, estimate.Target{
			Destination: p.Destination,
			Near:        p.NearDestination,
			Pace:        params.Pace,
		}),
		expander:   routing.NewExpander(store, params.Pace),
		discovered: make(map[labelKey]*label),
		estimates:  make(map[uint32]cachedEstimate),
		walkTimes:  make(map[uint32]int32, len(p.NearDestination)),
		nearDist:   make(map[uint32]float64, len(p.NearDestination)),
		shortest:   transit.InfTime,
	}
	g.queue = routing.NewQueue(func(a, b *label) bool {
		ka, kb := a.time+a.travelTime, b.time+b.travelTime
		if ka != kb {
			return ka < kb
		}
		if a.inconvenience != b.inconvenience {
			return a.inconvenience < b.inconvenience
		}
		return a.seq < b.seq
	}, func(l *label) *int { return &l.slot })

	for _, near := range p.NearDestination {
		walk := transit.WalkSeconds(near.Distance, params.Pace)
		if prev, ok := g.walkTimes[near.Stop]; !ok || walk < prev {
			g.walkTimes[near.Stop] = walk
			g.nearDist[near.Stop] = near.Distance
		}
	}

	if direct := transit.WalkSeconds(p.WalkDistance, params.Pace); direct != transit.InfTime {
		g.push(&label{
			time:          startTime + direct,
			inconvenience: params.walkCost(direct),
			departed:      startTime,
			initialWalk:   direct,
			initialMeters: p.WalkDistance,
			terminal:      true,
			direct:        true,
		})
	}

	for _, near := range p.NearStart {
		walk := transit.WalkSeconds(near.Distance, params.Pace)
		if walk == transit.InfTime {
			continue
		}
		g.seed(&label{
			stop:          near.Stop,
			time:          startTime + walk,
			inconvenience: params.walkCost(walk),
			departed:      startTime,
			initialWalk:   walk,
			initialMeters: near.Distance,
		})
	}
	return g
}

// Iterations returns the number of labels expanded so far.
func (g *Generator) Iterations() int { return g.iterations }

// Next runs the search until the next acceptable plan. It returns
// ErrNoMorePlans when the queue empties or the iteration limit is reached.
func (g *Generator) Next(ctx context.Context) (*Plan, error) {
	for g.queue.Len() > 0 {
		if g.iterations%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		l := g.queue.Pop()

		if l.terminal {
			plan := g.plan(l)
			runs := plan.Runs()
			if !g.acceptable(plan, runs) {
				continue
			}
			g.used = append(g.used, runs)
			g.shortest = min(g.shortest, plan.Duration())
			g.found = append(g.found, plan)
			g.nextGeneration(l.parent)
			return plan, nil
		}

		if l.superseded {
			continue
		}
		if g.params.MaxIterations > 0 && g.iterations >= g.params.MaxIterations {
			return nil, fmt.Errorf("%w: iteration limit %d reached", ErrNoMorePlans, g.params.MaxIterations)
		}
		g.iterations++
		g.expand(l)
	}
	return nil, ErrNoMorePlans
}

// Plans collects up to n plans ordered by arrival and inconvenience. It
// fails with routing.ErrNoRoute when not even one plan exists.
func (g *Generator) Plans(ctx context.Context, n int) ([]*Plan, error) {
	var plans []*Plan
	for len(plans) < n {
		p, err := g.Next(ctx)
		if errors.Is(err, ErrNoMorePlans) {
			break
		}
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		return nil, routing.ErrNoRoute
	}
	SortPlans(plans)
	return plans, nil
}

func (g *Generator) expand(from *label) {
	if walk := from.walkTime; walk != transit.InfTime {
		g.push(&label{
			stop:          from.stop,
			time:          from.time + walk,
			inconvenience: from.inconvenience + g.params.walkCost(walk),
			generation:    from.generation,
			departed:      from.departed,
			initialWalk:   from.initialWalk,
			initialMeters: from.initialMeters,
			parent:        from,
			rides:         from.rides,
			firstRide:     from.firstRide,
			terminal:      true,
		})
	}

	transfer := g.params.TransferTime
	if from.rides == 0 {
		transfer = 0
	}
	for _, hop := range g.expander.Expand(from.stop, g.services, from.time, transfer) {
		g.seed(g.extend(from, hop))
	}
}

// extend appends hop to from. A walk before any ride lengthens the
// initial walk instead of becoming a leg of its own.
func (g *Generator) extend(from *label, hop routing.Hop) *label {
	if hop.Walking() && from.rides == 0 {
		walk := from.initialWalk + hop.Arrival - hop.Departure
		return &label{
			stop:          hop.ToStop,
			time:          hop.Arrival,
			inconvenience: g.params.walkCost(walk),
			generation:    from.generation,
			departed:      from.departed,
			initialWalk:   walk,
			initialMeters: from.initialMeters + float64(hop.Distance),
		}
	}

	inconvenience := from.inconvenience
	switch {
	case hop.Walking():
		inconvenience += g.params.walkCost(hop.Arrival - hop.Departure)
	case from.rides > 0:
		inconvenience += g.params.TransferPenalty + g.params.waitCost(hop.Departure-from.time)
	}

	l := &label{
		stop:          hop.ToStop,
		time:          hop.Arrival,
		inconvenience: inconvenience,
		generation:    from.generation,
		departed:      from.departed,
		initialWalk:   from.initialWalk,
		initialMeters: from.initialMeters,
		parent:        from,
		hop:           hop,
		rides:         from.rides,
		firstRide:     from.firstRide,
	}
	if !hop.Walking() {
		if l.rides == 0 {
			l.firstRide = hop
		}
		l.rides++
	}
	return l
}

// seed registers l at its stop and queues it when it is the best label
// there for its generation.
func (g *Generator) seed(l *label) {
	if !g.register(l) {
		return
	}
	l.walkTime = g.walkTime(l.stop)
	l.travelTime = g.estimate(l.stop, l.time)
	if l.travelTime == transit.InfTime {
		return
	}
	g.push(l)
}

func (g *Generator) push(l *label) {
	l.seq = g.seq
	g.seq++
	l.slot = -1
	g.queue.Push(l)
}

// register keeps the best label per stop and generation, ranked by arrival
// then inconvenience. A displaced label is marked superseded and skipped
// when popped.
func (g *Generator) register(l *label) bool {
	key := labelKey{stop: l.stop, generation: l.generation}
	prev, ok := g.discovered[key]
	if ok {
		if prev.time < l.time || (prev.time == l.time && prev.inconvenience <= l.inconvenience) {
			return false
		}
		prev.superseded = true
	}
	g.discovered[key] = l
	return true
}

func (g *Generator) walkTime(stop uint32) int32 {
	if w, ok := g.walkTimes[stop]; ok {
		return w
	}
	return transit.InfTime
}

// estimate returns the bound from stop at time at, reusing a cached value
// while it is within the estimator's validity window.
func (g *Generator) estimate(stop uint32, at int32) int32 {
	if c, ok := g.estimates[stop]; ok {
		diff := c.at - at
		if diff < 0 {
			diff = -diff
		}
		if diff <= g.est.TimeValid() {
			return c.value
		}
	}
	v := g.est.Estimate(stop, estimate.InstantAt(g.date, at))
	g.estimates[stop] = cachedEstimate{at: at, value: v}
	return v
}

// acceptable applies the diversity rules against the plans found so far:
// a plan that leaves no later than the previous one must be nearly as fast
// as the best, and no plan may ride a superset of another plan's runs.
func (g *Generator) acceptable(p *Plan, runs []TripRun) bool {
	if len(g.found) == 0 {
		return true
	}
	prev := g.found[len(g.found)-1]
	limit := min(
		int32(float64(g.shortest)*(1+g.params.RelativeSlack)),
		g.shortest+g.params.AbsoluteSlack,
	)
	if p.Duration() > limit && prev.StartTime >= p.StartTime {
		return false
	}
	for _, u := range g.used {
		if isSuperset(runs, u) {
			return false
		}
	}
	return true
}

// isSuperset reports whether sorted a contains every run of sorted b. An
// empty b only matches an empty a: walking plans do not shadow riding ones.
func isSuperset(a, b []TripRun) bool {
	if len(b) == 0 {
		return len(a) == 0
	}
	i := 0
	for _, r := range b {
		for i < len(a) && (a[i].Trip < r.Trip || (a[i].Trip == r.Trip && a[i].Start < r.Start)) {
			i++
		}
		if i == len(a) || a[i] != r {
			return false
		}
		i++
	}
	return true
}

// nextGeneration reseeds the search one second after the accepted plan's
// first ride left, so the next generation has to find a later departure.
func (g *Generator) nextGeneration(base *label) {
	if base == nil || base.rides == 0 {
		return
	}
	first := base.firstRide
	at := first.Departure + 1
	g.seed(&label{
		stop:          first.FromStop,
		time:          at,
		inconvenience: g.params.walkCost(base.initialWalk),
		generation:    base.generation + 1,
		departed:      at - base.initialWalk,
		initialWalk:   base.initialWalk,
		initialMeters: base.initialMeters,
	})
}

// plan converts a terminal label into a Plan.
func (g *Generator) plan(t *label) *Plan {
	p := &Plan{
		ArrivalTime:   t.time,
		Inconvenience: t.inconvenience,
		Generation:    t.generation,
	}
	if t.direct {
		p.StartTime = t.departed
		p.Legs = []Leg{{
			Kind: Walk, FromStop: -1, ToStop: -1,
			Departure: t.departed, Arrival: t.time,
			Distance: t.initialMeters, TripID: -1,
		}}
		return p
	}

	base := t.parent
	p.StartTime = base.startTime()

	var hops []routing.Hop
	root := base
	for root.parent != nil {
		hops = append(hops, root.hop)
		root = root.parent
	}

	if root.initialWalk > 0 || root.initialMeters > 0 {
		p.Legs = append(p.Legs, Leg{
			Kind: Walk, FromStop: -1, ToStop: int32(root.stop),
			Departure: p.StartTime, Arrival: p.StartTime + root.initialWalk,
			Distance: root.initialMeters, TripID: -1,
		})
	}
	trips := &g.store.Trips
	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		leg := Leg{
			FromStop:  int32(h.FromStop),
			ToStop:    int32(h.ToStop),
			Departure: h.Departure,
			Arrival:   h.Arrival,
			TripID:    h.TripID,
			TripStart: h.TripStart,
		}
		if h.Walking() {
			leg.Kind = Walk
			leg.Distance = float64(h.Distance)
		} else {
			leg.Kind = Ride
			leg.Route = trips.Routes[h.TripID]
			leg.Headsign = trips.Headsigns[h.TripID]
		}
		p.Legs = append(p.Legs, leg)
	}
	if base.walkTime > 0 || g.nearDist[base.stop] > 0 {
		p.Legs = append(p.Legs, Leg{
			Kind: Walk, FromStop: int32(base.stop), ToStop: -1,
			Departure: base.time, Arrival: t.time,
			Distance: g.nearDist[base.stop], TripID: -1,
		})
	}
	if len(p.Legs) == 0 {
		p.Legs = []Leg{stayPut(p.StartTime, p.ArrivalTime)}
	}
	return p
}
