package planner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit_planner/pkg/estimate"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/routing"
	"transit_planner/pkg/transit"
)

func newLineService(t *testing.T, walker prospect.Walker, cal Calendar, opts ...Option) *Service {
	t.Helper()
	s := lineStore(t)
	return NewService(s, prospect.New(s, walker, prospect.DefaultConfig()), cal, euclid, DefaultParams(), opts...)
}

func stopQuery() Query {
	return Query{
		Start:       prospect.AtStop(0),
		Destination: prospect.AtStop(1),
		Date:        queryDate,
		StartTime:   7*3600 - 100,
	}
}

func TestServicePlansAndFastestAgree(t *testing.T) {
	var logged []string
	svc := newLineService(t, &scaledWalker{factor: 5}, fixedCalendar{services: []int32{5}},
		WithLogger(func(format string, args ...any) { logged = append(logged, fmt.Sprintf(format, args...)) }))

	plans, err := svc.Plans(context.Background(), stopQuery())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	want := &Plan{
		StartTime:   7 * 3600,
		ArrivalTime: 7*3600 + 600,
		Legs: []Leg{{
			Kind: Ride, FromStop: 0, ToStop: 1,
			Departure: 7 * 3600, Arrival: 7*3600 + 600,
			TripID: 0, TripStart: 7 * 3600, Route: 1, Headsign: "Bravo",
		}},
	}
	assert.Equal(t, want, plans[0])

	fastest, err := svc.Fastest(context.Background(), stopQuery())
	require.NoError(t, err)
	assert.Equal(t, want, fastest)
	assert.Len(t, logged, 2)
}

func TestServiceFastestAlignsInitialWalk(t *testing.T) {
	s := lineStore(t)
	svc := NewService(s, nil, fixedCalendar{services: []int32{5}}, euclid, DefaultParams())
	p := lineProspect(s)
	p.WalkDistance = inf()
	res, err := svc.router.Route(context.Background(), p, transit.NewServices([]int32{5}, nil, nil), queryDate, 6*3600)
	require.NoError(t, err)

	plan := svc.fromResult(res, 6*3600)
	require.Len(t, plan.Legs, 3)
	assert.Equal(t, int32(7*3600-71), plan.StartTime)
	assert.Equal(t, int32(7*3600), plan.Legs[0].Arrival)
	assert.Equal(t, float64(100), plan.Legs[0].Distance)
	assert.Equal(t, int32(7*3600+636), plan.ArrivalTime)
	assert.Equal(t, int32(2*71+2*36), plan.Inconvenience)
}

func TestServiceSameStopQuery(t *testing.T) {
	svc := newLineService(t, constantWalker{meters: 10}, fixedCalendar{services: []int32{5}})
	q := stopQuery()
	q.Destination = prospect.AtStop(0)
	want := []Leg{{Kind: Walk, FromStop: -1, ToStop: -1, Departure: q.StartTime, Arrival: q.StartTime, TripID: -1}}

	plans, err := svc.Plans(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, want, plans[0].Legs)
	assert.Equal(t, q.StartTime, plans[0].StartTime)
	assert.Equal(t, q.StartTime, plans[0].ArrivalTime)

	var fastest *Plan
	require.NotPanics(t, func() { fastest, err = svc.Fastest(context.Background(), q) })
	require.NoError(t, err)
	assert.Equal(t, want, fastest.Legs)
	assert.Equal(t, q.StartTime, fastest.StartTime)
	assert.Equal(t, q.StartTime, fastest.ArrivalTime)
}

func TestServiceLoopTripStart(t *testing.T) {
	s := loopStore(t)
	svc := NewService(s, prospect.New(s, &scaledWalker{factor: 1}, prospect.DefaultConfig()),
		fixedCalendar{services: []int32{1}}, euclid, DefaultParams())
	q := Query{
		Start:       prospect.AtStop(0),
		Destination: prospect.AtStop(2),
		Date:        queryDate,
		StartTime:   7*3600 + 300,
	}
	want := Leg{
		Kind: Ride, FromStop: 0, ToStop: 2,
		Departure: 7*3600 + 600, Arrival: 7*3600 + 900,
		TripID: 0, TripStart: 7 * 3600, Route: 4, Headsign: "Z",
	}

	fastest, err := svc.Fastest(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, fastest.Legs, 1)
	assert.Equal(t, want, fastest.Legs[0])

	plans, err := svc.Plans(context.Background(), q)
	require.NoError(t, err)
	require.NotEmpty(t, plans)
	assert.Equal(t, []Leg{want}, plans[0].Legs)
}

func TestServiceNoRoute(t *testing.T) {
	svc := newLineService(t, &scaledWalker{factor: inf()}, fixedCalendar{services: []int32{9}})

	_, err := svc.Plans(context.Background(), stopQuery())
	assert.ErrorIs(t, err, routing.ErrNoRoute)
	_, err = svc.Fastest(context.Background(), stopQuery())
	assert.ErrorIs(t, err, routing.ErrNoRoute)
}

func TestServiceRejectsInvalidQueries(t *testing.T) {
	svc := newLineService(t, &scaledWalker{factor: 1}, fixedCalendar{services: []int32{5}})
	tests := []struct {
		name  string
		query func(*Query)
	}{
		{"too many plans", func(q *Query) { q.Count = maxPlanCount + 1 }},
		{"negative count", func(q *Query) { q.Count = -1 }},
		{"negative start", func(q *Query) { q.StartTime = -1 }},
		{"start beyond two days", func(q *Query) { q.StartTime = 2 * transit.Day }},
		{"missing date", func(q *Query) { q.Date = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := stopQuery()
			tt.query(&q)
			_, err := svc.Plans(context.Background(), q)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}

	q := stopQuery()
	q.Destination = prospect.AtStop(42)
	_, err := svc.Plans(context.Background(), q)
	assert.ErrorIs(t, err, prospect.ErrUnknownStop)
}

func TestServiceWrapsCalendarErrors(t *testing.T) {
	boom := errors.New("boom")
	svc := newLineService(t, &scaledWalker{factor: 1}, fixedCalendar{err: boom})
	_, err := svc.Fastest(context.Background(), stopQuery())
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "calendar")
}

type overeager struct{ estimate.Euclidean }

func (overeager) Admissible() bool { return false }

func TestServiceWarnsAboutInadmissibleModels(t *testing.T) {
	s := lineStore(t)
	var logged []string
	logf := func(format string, args ...any) { logged = append(logged, fmt.Sprintf(format, args...)) }

	NewService(s, nil, fixedCalendar{}, euclid, DefaultParams(), WithLogger(logf))
	assert.Empty(t, logged)

	svc := NewService(s, nil, fixedCalendar{}, overeager{euclid}, DefaultParams(), WithLogger(logf))
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "euclidean")
	assert.False(t, svc.Stats().Admissible)
}

func TestServiceStats(t *testing.T) {
	svc := newLineService(t, &scaledWalker{factor: 1}, fixedCalendar{})
	assert.Equal(t, Stats{
		Stops:      2,
		Trips:      1,
		Instances:  1,
		Clusters:   2,
		Estimator:  "euclidean",
		Admissible: true,
	}, svc.Stats())
}
