package routing

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit_planner/pkg/estimate"
	"transit_planner/pkg/geo"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/transit"
)

var (
	queryDate   = time.Date(2024, 9, 5, 0, 0, 0, 0, time.UTC)
	defaultTest = Params{Pace: testPace, TransferTime: 180}
)

func TestRouteEndToEnd(t *testing.T) {
	s := lineStore(t)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)
	services := transit.NewServices([]int32{5}, nil, nil)

	res, err := r.Route(context.Background(), lineProspect(s), services, queryDate, 6*3600+55*60)
	require.NoError(t, err)
	require.True(t, res.Found())

	assert.Equal(t, int32(7*3600+10*60+36), res.Arrival)
	assert.Equal(t, []PathSegment{
		{FromStop: -1, TripID: -1, Details: 100},
		{FromStop: 0, TripID: 0, Details: 7 * 3600, TripStart: 7 * 3600},
		{FromStop: 1, TripID: -1, Details: 50},
	}, res.Path)
	assert.Equal(t, []int32{6*3600 + 55*60 + 71, 7*3600 + 10*60, 7*3600 + 10*60 + 36}, res.Arrivals)
	assert.True(t, res.Path[0].Walking())
	assert.False(t, res.Path[1].Walking())
}

func TestRouteDirectWalkWins(t *testing.T) {
	s := lineStore(t)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)
	p := lineProspect(s)
	p.WalkDistance = 700

	res, err := r.Route(context.Background(), p, transit.NewServices([]int32{5}, nil, nil), queryDate, 6*3600+55*60)
	require.NoError(t, err)
	assert.Equal(t, int32(6*3600+55*60+500), res.Arrival)
	assert.Equal(t, []PathSegment{{FromStop: -1, TripID: -1, Details: 700}}, res.Path)
}

func TestRouteNoService(t *testing.T) {
	s := lineStore(t)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)
	p := lineProspect(s)
	p.WalkDistance = math.Inf(1)

	// Calendar gap: nothing runs, which is not an error.
	res, err := r.Route(context.Background(), p, transit.NewServices(nil, nil, nil), queryDate, 6*3600+55*60)
	require.NoError(t, err)
	assert.False(t, res.Found())
	assert.Empty(t, res.Path)
}

func TestRouteIsolatedDestination(t *testing.T) {
	s := lineStore(t)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)
	p := lineProspect(s)
	p.Destination = s.Stops.Position(2)
	p.NearDestination = []transit.NearStop{{Stop: 2, Distance: 30}}
	p.WalkDistance = math.Inf(1)

	res, err := r.Route(context.Background(), p, transit.NewServices([]int32{5}, nil, nil), queryDate, 6*3600+55*60)
	require.NoError(t, err)
	assert.False(t, res.Found())
	assert.Equal(t, transit.InfTime, res.Arrival)
}

func TestRouteHonoursCancellation(t *testing.T) {
	s := lineStore(t)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Route(ctx, lineProspect(s), transit.NewServices([]int32{5}, nil, nil), queryDate, 6*3600+55*60)
	assert.True(t, errors.Is(err, context.Canceled))
}

// midnightStore has one trip A->B taking 10 minutes with two instances: one
// at 25:30 under service 9 and one at 00:30 under service 7.
func midnightStore(t *testing.T) *transit.Store {
	t.Helper()
	b := transit.NewBuilder().WithProjector(geo.NewProjector(originLat, originLon))
	latA, lonA := offset(0, 0)
	latB, lonB := offset(0, 3000)
	a := b.AddStop(transit.StopInfo{Code: "A", Cluster: -1, Lat: latA, Lon: lonA})
	bb := b.AddStop(transit.StopInfo{Code: "B", Cluster: -1, Lat: latB, Lon: lonB})
	b.AddTrip(transit.TripInfo{
		Route: 1, Shape: -1,
		Stops: []transit.TripStop{{Stop: a}, {Stop: bb, Arrival: 600, Departure: 600}},
		Instances: []transit.Instance{
			{Services: []int32{9}, Starts: []int32{25*3600 + 30*60}},
			{Services: []int32{7}, Starts: []int32{30 * 60}},
		},
	})
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestRouteMidnight(t *testing.T) {
	s := midnightStore(t)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)
	p := &prospect.Prospect{
		Start:           s.Stops.Position(0),
		Destination:     s.Stops.Position(1),
		NearStart:       []transit.NearStop{{Stop: 0}},
		NearDestination: []transit.NearStop{{Stop: 1}},
		WalkDistance:    math.Inf(1),
	}

	tests := []struct {
		name     string
		services *transit.Services
		start    int32
		want     int32
	}{
		{"late run from today", transit.NewServices([]int32{9}, nil, nil), 23*3600 + 50*60, 25*3600 + 40*60},
		{"late run from yesterday", transit.NewServices(nil, []int32{9}, nil), 10 * 60, 1*3600 + 40*60},
		{"yesterday not running", transit.NewServices(nil, []int32{4}, nil), 10 * 60, transit.InfTime},
		{"early run from tomorrow", transit.NewServices(nil, nil, []int32{7}), 23*3600 + 50*60, 24*3600 + 40*60},
		{"tomorrow beats today", transit.NewServices([]int32{9}, nil, []int32{7}), 23*3600 + 50*60, 24*3600 + 40*60},
		{"today's early run already gone", transit.NewServices([]int32{7}, nil, nil), 23*3600 + 50*60, transit.InfTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Route(context.Background(), p, tt.services, queryDate, tt.start)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Arrival)
			assert.Equal(t, bruteForceArrival(s, tt.services, p, tt.start), res.Arrival)
		})
	}
}

func TestRouteMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	params := Params{Pace: testPace, TransferTime: 0}
	services := transit.NewServices([]int32{1}, []int32{2}, []int32{3})

	for net := range 5 {
		s := randomNetwork(t, rng, 40, 60)
		for _, model := range []estimate.Model{estimate.Euclidean{MaxSpeed: 20}, estimate.Manhattan{MaxSpeed: 20}, estimate.Zero{}} {
			r := NewRouter(s, model, params)
			for q := range 40 {
				p := randomProspect(s, rng)
				start := int32(rng.IntN(int(transit.Day)))
				if q%4 == 0 {
					start = transit.Day - 1 - int32(rng.IntN(3600)) // just before midnight
				}
				res, err := r.Route(context.Background(), p, services, queryDate, start)
				require.NoError(t, err)
				if want := bruteForceArrival(s, services, p, start); res.Arrival != want {
					t.Fatalf("network %d, %s, query %d at %d: arrival %d, brute force %d",
						net, model.Name(), q, start, res.Arrival, want)
				}
			}
		}
	}
}

func TestMonotonicRelaxation(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	s := randomNetwork(t, rng, 40, 60)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)
	services := transit.NewServices([]int32{1}, []int32{2}, []int32{3})

	for range 20 {
		p := randomProspect(s, rng)
		target := estimate.Target{Destination: p.Destination, Near: p.NearDestination, Pace: testPace}
		srch := r.newSearch(services, r.model.Bind(s, target), estimate.Instant{}, false)
		last := make(map[uint32]int32)
		srch.trace = func(n *node) {
			if prev, ok := last[n.stop]; ok && n.arrival >= prev {
				t.Fatalf("stop %d relaxed from %d to %d", n.stop, prev, n.arrival)
			}
			last[n.stop] = n.arrival
			for _, it := range srch.queue.items {
				if it.slot < 0 {
					t.Fatalf("queued stop %d has slot -1", it.stop)
				}
			}
		}
		for _, near := range p.NearStart {
			srch.update(srch.node(near.Stop), 8*3600, PathSegment{FromStop: -1, TripID: -1})
		}
		require.NoError(t, srch.run(context.Background()))
	}
}

func TestIdempotentRoute(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	s := randomNetwork(t, rng, 40, 60)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)
	services := transit.NewServices([]int32{1}, []int32{2}, []int32{3})
	p := randomProspect(s, rng)

	first, err := r.Route(context.Background(), p, services, queryDate, 8*3600)
	require.NoError(t, err)
	second, err := r.Route(context.Background(), p, services, queryDate, 8*3600)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestDistanceEstimatorsAdmissible checks every stop's bound against the
// timeless optimum, which is itself a lower bound on any scheduled journey.
func TestDistanceEstimatorsAdmissible(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 42))
	params := Params{Pace: testPace}
	for range 3 {
		s := randomNetwork(t, rng, 40, 80)
		r := NewRouter(s, estimate.Zero{}, params)
		for range 10 {
			p := randomProspect(s, rng)
			target := estimate.Target{Destination: p.Destination, Near: p.NearDestination, Pace: testPace}
			for _, model := range []estimate.Model{estimate.Euclidean{MaxSpeed: 20}, estimate.Manhattan{MaxSpeed: 20}} {
				est := model.Bind(s, target)
				for stop := range uint32(s.Stops.Len()) {
					arr, err := r.Exhaustive(context.Background(), []transit.NearStop{{Stop: stop}}, 0)
					require.NoError(t, err)
					truth := transit.InfTime
					for _, near := range p.NearDestination {
						if arr[near.Stop] != transit.InfTime {
							truth = min(truth, arr[near.Stop]+transit.WalkSeconds(near.Distance, testPace))
						}
					}
					if truth == transit.InfTime {
						continue
					}
					if e := est.Estimate(stop, estimate.Instant{}); e > truth {
						t.Fatalf("%s: estimate %d from stop %d exceeds true time %d", model.Name(), e, stop, truth)
					}
				}
			}
		}
	}
}

// TestLearnedModelsOvershootIsBounded documents the cost of an inadmissible
// model: when its estimates exceed the true remaining time by at most
// overshoot seconds, the reported arrival is at most overshoot seconds later
// than the optimum, and never earlier.
func TestLearnedModelsOvershootIsBounded(t *testing.T) {
	const overshoot = 600
	rng := rand.New(rand.NewPCG(13, 17))
	params := Params{Pace: testPace, TransferTime: 0}
	services := transit.NewServices([]int32{1}, []int32{2}, []int32{3})

	samples := make([]estimate.Sample, 500)
	for i := range samples {
		for j := range estimate.NumFeatures {
			samples[i].Features[j] = rng.NormFloat64()
		}
		samples[i].Seconds = float32(rng.IntN(overshoot + 1))
	}
	// overshoot minus a ReLU of the scaled offset, clamped at zero.
	mlp := &estimate.MLP{Layers: []estimate.Layer{
		{Weights: [][]float64{{1, 1, -1, -1, 0, 0}}, Bias: []float64{0}},
		{Weights: [][]float64{{-100}}, Bias: []float64{overshoot}},
	}}
	models := []estimate.Model{estimate.NewKNN(samples, 3), mlp}

	for net := range 3 {
		s := randomNetwork(t, rng, 40, 60)
		exact := NewRouter(s, estimate.Zero{}, params)
		for q := range 30 {
			p := randomProspect(s, rng)
			start := int32(rng.IntN(int(transit.Day)))
			want, err := exact.Route(context.Background(), p, services, queryDate, start)
			require.NoError(t, err)
			require.True(t, want.Found())

			for _, model := range models {
				require.False(t, model.Admissible())
				got, err := NewRouter(s, model, params).Route(context.Background(), p, services, queryDate, start)
				require.NoError(t, err)
				if got.Arrival < want.Arrival || got.Arrival > want.Arrival+overshoot {
					t.Fatalf("network %d, %s, query %d at %d: arrival %d, optimum %d, allowed overshoot %d",
						net, model.Name(), q, start, got.Arrival, want.Arrival, overshoot)
				}
			}
		}
	}
}

func TestExhaustive(t *testing.T) {
	s := lineStore(t)
	r := NewRouter(s, estimate.Euclidean{MaxSpeed: 20}, defaultTest)

	arr, err := r.Exhaustive(context.Background(), []transit.NearStop{{Stop: 0}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 600, transit.InfTime}, arr)

	arr, err = r.Exhaustive(context.Background(), []transit.NearStop{{Stop: 1}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int32{transit.InfTime, 0, transit.InfTime}, arr)
}

func TestBuildClusterTable(t *testing.T) {
	s := lineStore(t)
	r := NewRouter(s, estimate.Zero{}, defaultTest)

	var calls int
	table, err := BuildClusterTable(context.Background(), r, 1, func(done, total int) {
		calls++
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	require.Equal(t, 3, table.N)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int32(600), table.At(0, 1))
	assert.Equal(t, transit.InfTime, table.At(1, 0))
	assert.Equal(t, transit.InfTime, table.At(0, 2))
	for c := range int32(3) {
		assert.Equal(t, int32(0), table.At(c, c))
	}
}

func TestExpand(t *testing.T) {
	s := lineStore(t)
	e := NewExpander(s, testPace)
	services := transit.NewServices([]int32{5}, nil, nil)

	hops := e.Expand(0, services, 6*3600+56*60, 0)
	require.Len(t, hops, 1)
	assert.Equal(t, Hop{
		FromStop: 0, ToStop: 1,
		Departure: 7 * 3600, Arrival: 7*3600 + 600,
		TripID: 0, TripStart: 7 * 3600,
	}, hops[0])

	// With the transfer the 07:00 run is missed.
	assert.Empty(t, e.Expand(0, services, 6*3600+58*60, 180))
	assert.Empty(t, e.Expand(1, services, 0, 0))
}
