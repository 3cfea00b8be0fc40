package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"transit_planner/pkg/estimate"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/routing"
	"transit_planner/pkg/transit"
)

const (
	defaultPlanCount = 3
	maxPlanCount     = 10
)

// ErrInvalidQuery reports a query that cannot be planned as given.
var ErrInvalidQuery = errors.New("invalid query")

// Calendar supplies the services running around a date.
type Calendar interface {
	Services(ctx context.Context, date time.Time) (*transit.Services, error)
}

// Query is one planning request. StartTime is seconds after midnight of
// Date; Count defaults to 3.
type Query struct {
	Start       prospect.Location
	Destination prospect.Location
	Date        time.Time
	StartTime   int32
	Count       int
}

// Stats describes the loaded network.
type Stats struct {
	Stops      int    `json:"stops"`
	Trips      int    `json:"trips"`
	Instances  int    `json:"instances"`
	Clusters   int    `json:"clusters"`
	Estimator  string `json:"estimator"`
	Admissible bool   `json:"admissible"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger for query outcomes.
func WithLogger(l prospect.Logger) Option {
	return func(s *Service) { s.logf = l }
}

// Service answers planning queries against one store. It is safe for
// concurrent use.
type Service struct {
	store      *transit.Store
	prospector *prospect.Prospector
	calendar   Calendar
	model      estimate.Model
	params     Params
	router     *routing.Router
	logf       prospect.Logger
}

// NewService wires the planning pipeline together.
func NewService(store *transit.Store, prospector *prospect.Prospector, calendar Calendar,
	model estimate.Model, params Params, opts ...Option) *Service {
	s := &Service{
		store:      store,
		prospector: prospector,
		calendar:   calendar,
		model:      model,
		params:     params,
		router:     routing.NewRouter(store, model, params.Routing()),
		logf:       func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	if !model.Admissible() {
		s.logf("planner: estimator %q may overestimate; plans can arrive later than the optimum", model.Name())
	}
	return s
}

// Store returns the network the service plans on.
func (s *Service) Store() *transit.Store { return s.store }

// Stats reports network sizes and the estimator in use.
func (s *Service) Stats() Stats {
	return Stats{
		Stops:      s.store.Stops.Len(),
		Trips:      s.store.Trips.Len(),
		Instances:  s.store.Trips.NumInstances(),
		Clusters:   s.store.Stops.NumClusters(),
		Estimator:  s.model.Name(),
		Admissible: s.model.Admissible(),
	}
}

// Plans returns up to q.Count diverse plans ordered by arrival.
func (s *Service) Plans(ctx context.Context, q Query) ([]*Plan, error) {
	count := q.Count
	if count == 0 {
		count = defaultPlanCount
	}
	if count < 0 || count > maxPlanCount {
		return nil, fmt.Errorf("%w: count %d outside 1..%d", ErrInvalidQuery, q.Count, maxPlanCount)
	}
	p, services, err := s.prepare(ctx, q)
	if err != nil {
		return nil, err
	}

	began := time.Now()
	g := NewGenerator(s.store, s.model, s.params, p, services, q.Date, q.StartTime)
	plans, err := g.Plans(ctx, count)
	if err != nil {
		return nil, err
	}
	s.logf("planner: %d plans in %v (%d iterations)", len(plans), time.Since(began), g.Iterations())
	return plans, nil
}

// Fastest returns the single earliest-arriving plan.
func (s *Service) Fastest(ctx context.Context, q Query) (*Plan, error) {
	p, services, err := s.prepare(ctx, q)
	if err != nil {
		return nil, err
	}

	began := time.Now()
	res, err := s.router.Route(ctx, p, services, q.Date, q.StartTime)
	if err != nil {
		return nil, err
	}
	if !res.Found() {
		return nil, routing.ErrNoRoute
	}
	s.logf("planner: fastest route in %v (%d iterations)", time.Since(began), res.Iterations)
	return s.fromResult(res, q.StartTime), nil
}

func (s *Service) prepare(ctx context.Context, q Query) (*prospect.Prospect, *transit.Services, error) {
	if q.StartTime < 0 || q.StartTime >= 2*transit.Day {
		return nil, nil, fmt.Errorf("%w: start time %d", ErrInvalidQuery, q.StartTime)
	}
	if q.Date.IsZero() {
		return nil, nil, fmt.Errorf("%w: missing date", ErrInvalidQuery)
	}
	p, err := s.prospector.Prospect(ctx, q.Start, q.Destination)
	if err != nil {
		return nil, nil, err
	}
	services, err := s.calendar.Services(ctx, q.Date)
	if err != nil {
		return nil, nil, fmt.Errorf("calendar: %w", err)
	}
	return p, services, nil
}

// fromResult turns a router path into legs. Walks before the first ride
// are shifted to end exactly at its departure.
func (s *Service) fromResult(res *routing.Result, startTime int32) *Plan {
	trips := &s.store.Trips
	legs := make([]Leg, 0, len(res.Path))
	prev := startTime
	for i, seg := range res.Path {
		to := int32(-1)
		if i+1 < len(res.Path) {
			to = res.Path[i+1].FromStop
		}
		leg := Leg{FromStop: seg.FromStop, ToStop: to, Arrival: res.Arrivals[i], TripID: seg.TripID}
		if seg.Walking() {
			leg.Kind = Walk
			leg.Departure = prev
			leg.Distance = float64(seg.Details)
		} else {
			leg.Kind = Ride
			leg.Departure = seg.Details
			leg.Route = trips.Routes[seg.TripID]
			leg.Headsign = trips.Headsigns[seg.TripID]
			leg.TripStart = seg.TripStart
		}
		prev = leg.Arrival
		legs = append(legs, leg)
	}

	// Zero-length walks appear when an endpoint is a stop. A query between
	// two endpoints at the same stop collapses to one zero-length walk.
	legs = slices.DeleteFunc(legs, func(l Leg) bool {
		return l.Kind == Walk && l.Duration() == 0 && l.Distance == 0
	})
	if len(legs) == 0 {
		legs = []Leg{stayPut(startTime, res.Arrival)}
	}

	first := -1
	for i, l := range legs {
		if l.Kind == Ride {
			first = i
			break
		}
	}
	if first > 0 {
		end := legs[first].Departure
		for i := first - 1; i >= 0; i-- {
			d := legs[i].Duration()
			legs[i].Arrival = end
			legs[i].Departure = end - d
			end = legs[i].Departure
		}
	}

	return &Plan{
		StartTime:     legs[0].Departure,
		ArrivalTime:   res.Arrival,
		Inconvenience: s.params.Inconvenience(legs),
		Legs:          legs,
	}
}
