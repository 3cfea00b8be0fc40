package planner

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"transit_planner/pkg/geo"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/transit"
)

const (
	metersPerDegLat = 111195.0
	originLat       = 52.40
	originLon       = 16.90
)

var queryDate = time.Date(2024, 9, 5, 0, 0, 0, 0, time.UTC)

func offset(dx, dy float64) (lat, lon float64) {
	lat = originLat + dy/metersPerDegLat
	lon = originLon + dx/(metersPerDegLat*math.Cos(originLat*math.Pi/180))
	return lat, lon
}

func build(t *testing.T, b *transit.Builder) *transit.Store {
	t.Helper()
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

// lineStore is A and B 600 m apart joined by one trip at 07:00 under
// service 5.
func lineStore(t *testing.T) *transit.Store {
	t.Helper()
	b := transit.NewBuilder().WithProjector(geo.NewProjector(originLat, originLon))
	latA, lonA := offset(0, 0)
	latB, lonB := offset(0, 600)
	a := b.AddStop(transit.StopInfo{Code: "A", Name: "Alpha", Cluster: 0, Lat: latA, Lon: lonA})
	bb := b.AddStop(transit.StopInfo{Code: "B", Name: "Bravo", Cluster: 1, Lat: latB, Lon: lonB})
	b.AddTrip(transit.TripInfo{
		Route: 1, Shape: -1, Headsign: "Bravo",
		Stops: []transit.TripStop{
			{Stop: a, Arrival: 0, Departure: 0},
			{Stop: bb, Arrival: 600, Departure: 600},
		},
		Instances: []transit.Instance{{Services: []int32{5}, Starts: []int32{7 * 3600}}},
	})
	return build(t, b)
}

// loopStore runs one trip X -> Y -> X -> Z at 07:00 under service 1, so
// X is served twice by the same run.
func loopStore(t *testing.T) *transit.Store {
	t.Helper()
	b := transit.NewBuilder().WithProjector(geo.NewProjector(originLat, originLon))
	stop := func(code string, dy float64) uint32 {
		lat, lon := offset(0, dy)
		return b.AddStop(transit.StopInfo{Code: code, Name: code, Cluster: -1, Lat: lat, Lon: lon})
	}
	x, y, z := stop("X", 0), stop("Y", 1500), stop("Z", 3000)
	b.AddTrip(transit.TripInfo{
		Route: 4, Shape: -1, Headsign: "Z",
		Stops: []transit.TripStop{
			{Stop: x},
			{Stop: y, Arrival: 300, Departure: 300},
			{Stop: x, Arrival: 600, Departure: 600},
			{Stop: z, Arrival: 900, Departure: 900},
		},
		Instances: []transit.Instance{{Services: []int32{1}, Starts: []int32{7 * 3600}}},
	})
	return build(t, b)
}

// lineProspect starts 100 m before A and ends 50 m past B.
func lineProspect(s *transit.Store) *prospect.Prospect {
	start := s.Stops.Position(0)
	start.Y -= 100
	dest := s.Stops.Position(1)
	dest.Y += 50
	return &prospect.Prospect{
		Start:           start,
		Destination:     dest,
		NearStart:       []transit.NearStop{{Stop: 0, Distance: 100}},
		NearDestination: []transit.NearStop{{Stop: 1, Distance: 50}},
		WalkDistance:    2000,
	}
}

// corridorStore has two parallel lines 300 m apart running 5 km north.
// Route 1 runs A->B in 900 s at 07:00, 07:15 and 07:30; route 2 runs
// C->D in 1000 s at 07:05.
//
//	B   D
//	|   |
//	A   C
func corridorStore(t *testing.T) *transit.Store {
	t.Helper()
	b := transit.NewBuilder().WithProjector(geo.NewProjector(originLat, originLon))
	stop := func(code string, dx, dy float64) uint32 {
		lat, lon := offset(dx, dy)
		return b.AddStop(transit.StopInfo{Code: code, Name: code, Cluster: -1, Lat: lat, Lon: lon})
	}
	a, bb := stop("A", 0, 0), stop("B", 0, 5000)
	c, d := stop("C", 300, 0), stop("D", 300, 5000)
	b.AddTrip(transit.TripInfo{
		Route: 1, Shape: -1, Headsign: "B",
		Stops: []transit.TripStop{{Stop: a}, {Stop: bb, Arrival: 900, Departure: 900}},
		Instances: []transit.Instance{{
			Services: []int32{1},
			Starts:   []int32{7 * 3600, 7*3600 + 900, 7*3600 + 1800},
		}},
	})
	b.AddTrip(transit.TripInfo{
		Route: 2, Shape: -1, Headsign: "D",
		Stops:     []transit.TripStop{{Stop: c}, {Stop: d, Arrival: 1000, Departure: 1000}},
		Instances: []transit.Instance{{Services: []int32{1}, Starts: []int32{7*3600 + 300}}},
	})
	return build(t, b)
}

// corridorProspect starts at A and ends at B; C and D are 300 m off.
func corridorProspect(s *transit.Store) *prospect.Prospect {
	return &prospect.Prospect{
		Start:           s.Stops.Position(0),
		Destination:     s.Stops.Position(1),
		NearStart:       []transit.NearStop{{Stop: 0}, {Stop: 2, Distance: 300}},
		NearDestination: []transit.NearStop{{Stop: 1}, {Stop: 3, Distance: 300}},
		WalkDistance:    math.Inf(1),
	}
}

// randomNetwork scatters n stops over a 5 km square with walking edges
// between stops under 600 m apart and trips no faster than 10 m/s.
func randomNetwork(t *testing.T, rng *rand.Rand, n, numTrips int) *transit.Store {
	t.Helper()
	b := transit.NewBuilder().WithProjector(geo.NewProjector(originLat, originLon))
	lats := make([]float64, n)
	lons := make([]float64, n)
	for i := range n {
		lats[i], lons[i] = offset(rng.Float64()*5000, rng.Float64()*5000)
		b.AddStop(transit.StopInfo{Lat: lats[i], Lon: lons[i], Cluster: -1})
	}
	dist := func(i, j uint32) float64 { return geo.Haversine(lats[i], lons[i], lats[j], lons[j]) }
	for i := range uint32(n) {
		for j := i + 1; j < uint32(n); j++ {
			if d := dist(i, j); d < 600 {
				b.AddWalk(i, j, float32(d*1.2))
			}
		}
	}
	for range numTrips {
		length := 2 + rng.IntN(5)
		perm := rng.Perm(n)[:length]
		stops := make([]transit.TripStop, length)
		var clock int32
		for k, p := range perm {
			if k > 0 {
				clock += int32(math.Ceil(dist(uint32(perm[k-1]), uint32(p))/10)) + int32(rng.IntN(60))
			}
			dwell := int32(rng.IntN(30))
			stops[k] = transit.TripStop{Stop: uint32(p), Arrival: clock, Departure: clock + dwell}
			clock += dwell
		}
		starts := make([]int32, 1+rng.IntN(6))
		for i := range starts {
			starts[i] = int32(6*3600 + rng.IntN(4*3600))
		}
		b.AddTrip(transit.TripInfo{
			Route: int32(rng.IntN(10)), Shape: -1, Stops: stops,
			Instances: []transit.Instance{{Services: []int32{1}, Starts: starts}},
		})
	}
	return build(t, b)
}

func randomProspect(s *transit.Store, rng *rand.Rand) *prospect.Prospect {
	origin := uint32(rng.IntN(s.Stops.Len()))
	dest := geo.Point{X: rng.Float64()*5000 - 2500, Y: rng.Float64()*5000 - 2500}
	p := &prospect.Prospect{
		Start:        s.Stops.Position(origin),
		Destination:  dest,
		NearStart:    []transit.NearStop{{Stop: origin}},
		WalkDistance: s.Stops.Position(origin).Dist(dest) * 1.1,
	}
	for i := range uint32(s.Stops.Len()) {
		if d := s.Stops.Position(i).Dist(dest); d < 800 {
			p.NearDestination = append(p.NearDestination, transit.NearStop{Stop: i, Distance: d * 1.1})
		}
	}
	return p
}

// scaledWalker reports straight-line distances times factor.
type scaledWalker struct {
	factor float64
	calls  int
}

func (w *scaledWalker) DistanceToMany(_ context.Context, from prospect.Coords, to []prospect.Coords) ([]float64, error) {
	w.calls++
	out := make([]float64, len(to))
	for i, c := range to {
		out[i] = geo.Haversine(from.Lat, from.Lon, c.Lat, c.Lon) * w.factor
	}
	return out, nil
}

// constantWalker reports the same distance for every pair, like a
// routing service that pads both ends with snapping distances.
type constantWalker struct{ meters float64 }

func (w constantWalker) DistanceToMany(_ context.Context, _ prospect.Coords, to []prospect.Coords) ([]float64, error) {
	out := make([]float64, len(to))
	for i := range out {
		out[i] = w.meters
	}
	return out, nil
}

// fixedCalendar runs services on the query date only.
type fixedCalendar struct {
	services []int32
	err      error
}

func (c fixedCalendar) Services(context.Context, time.Time) (*transit.Services, error) {
	if c.err != nil {
		return nil, c.err
	}
	return transit.NewServices(c.services, nil, nil), nil
}

func inf() float64 { return math.Inf(1) }
