package routing

import (
	"math"
	"math/rand/v2"
	"testing"

	"transit_planner/pkg/geo"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/transit"
)

const (
	metersPerDegLat = 111195.0
	testPace        = 1.4
	originLat       = 52.40
	originLon       = 16.90
)

// offset returns the coordinate dx meters east and dy meters north of the
// test origin.
func offset(dx, dy float64) (lat, lon float64) {
	lat = originLat + dy/metersPerDegLat
	lon = originLon + dx/(metersPerDegLat*math.Cos(originLat*math.Pi/180))
	return lat, lon
}

// lineStore is two stops 600 m apart with one trip from A to B that runs
// at 07:00 under service 5, plus an unconnected stop C far away.
//
//	A ----600m----> B            C
func lineStore(t *testing.T) *transit.Store {
	t.Helper()
	b := transit.NewBuilder().WithProjector(geo.NewProjector(originLat, originLon))
	latA, lonA := offset(0, 0)
	latB, lonB := offset(0, 600)
	latC, lonC := offset(8000, 0)
	a := b.AddStop(transit.StopInfo{Code: "A", Name: "Alpha", Cluster: 0, Lat: latA, Lon: lonA})
	bb := b.AddStop(transit.StopInfo{Code: "B", Name: "Bravo", Cluster: 1, Lat: latB, Lon: lonB})
	b.AddStop(transit.StopInfo{Code: "C", Name: "Charlie", Cluster: 2, Lat: latC, Lon: lonC})
	b.AddTrip(transit.TripInfo{
		Route: 1, Shape: -1, Headsign: "Bravo",
		Stops: []transit.TripStop{
			{Stop: a, Arrival: 0, Departure: 0},
			{Stop: bb, Arrival: 600, Departure: 600},
		},
		Instances: []transit.Instance{{Services: []int32{5}, Starts: []int32{7 * 3600}}},
	})
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
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

// randomNetwork scatters n stops over a 5 km square, links stops closer than
// 600 m by walking edges, and lays out trips that never exceed 11 m/s.
// Start times span 00:00-30:00 under services 1-3.
func randomNetwork(t *testing.T, rng *rand.Rand, n, numTrips int) *transit.Store {
	t.Helper()
	b := transit.NewBuilder().WithProjector(geo.NewProjector(originLat, originLon))
	lats := make([]float64, n)
	lons := make([]float64, n)
	for i := range n {
		lats[i], lons[i] = offset(rng.Float64()*5000, rng.Float64()*5000)
		b.AddStop(transit.StopInfo{Lat: lats[i], Lon: lons[i], Cluster: int32(i % 4)})
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
				d := dist(uint32(perm[k-1]), uint32(p))
				clock += int32(math.Ceil(d/10)) + int32(rng.IntN(60))
			}
			dwell := int32(rng.IntN(30))
			stops[k] = transit.TripStop{Stop: uint32(p), Arrival: clock, Departure: clock + dwell}
			clock += dwell
		}
		var instances []transit.Instance
		for range 1 + rng.IntN(2) {
			starts := make([]int32, 1+rng.IntN(4))
			for i := range starts {
				starts[i] = int32(rng.IntN(int(30 * 3600)))
			}
			instances = append(instances, transit.Instance{
				Services: []int32{int32(1 + rng.IntN(3))},
				Starts:   starts,
			})
		}
		b.AddTrip(transit.TripInfo{Route: int32(rng.IntN(10)), Shape: -1, Stops: stops, Instances: instances})
	}

	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

// randomProspect picks a destination point and treats every stop within
// 800 m of it as near, at 1.1x the straight line.
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

// bruteForceArrival computes the earliest arrival with zero transfer time by
// relaxing every walking edge and every literal run of every trip until
// nothing changes. A run of an instance happens today at each start whose
// instance shares a service with today's set, and likewise yesterday (one
// day earlier) and tomorrow (one day later).
func bruteForceArrival(s *transit.Store, services *transit.Services, p *prospect.Prospect, start int32) int32 {
	n := s.Stops.Len()
	arr := make([]int32, n)
	for i := range arr {
		arr[i] = transit.InfTime
	}
	for _, near := range p.NearStart {
		arr[near.Stop] = min(arr[near.Stop], start+transit.WalkSeconds(near.Distance, testPace))
	}

	type run struct {
		trip  uint32
		start int32
	}
	var runs []run
	trips := &s.Trips
	days := []struct {
		ids   []int32
		shift int32
	}{{services.Today, 0}, {services.Yesterday, -transit.Day}, {services.Tomorrow, transit.Day}}
	for trip := range uint32(trips.Len()) {
		r := trips.Instances(trip)
		for inst := r.Begin; inst < r.End; inst++ {
			for _, day := range days {
				if !shares(trips.InstanceServices(inst), day.ids) {
					continue
				}
				for _, st := range trips.InstanceStarts(inst) {
					runs = append(runs, run{trip, st + day.shift})
				}
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for from := range uint32(n) {
			if arr[from] == transit.InfTime {
				continue
			}
			w := s.Stops.Walks(from)
			for e := w.Begin; e < w.End; e++ {
				t := arr[from] + transit.WalkSeconds(float64(s.Stops.WalkDistance[e]), testPace)
				if to := s.Stops.WalkTo[e]; t < arr[to] {
					arr[to] = t
					changed = true
				}
			}
		}
		for _, rn := range runs {
			ts := trips.Stops(rn.trip)
			boarded := false
			for j := ts.Begin; j < ts.End; j++ {
				stop := trips.StopID[j]
				if boarded {
					if t := rn.start + trips.Arrival[j]; t < arr[stop] {
						arr[stop] = t
						changed = true
					}
				}
				if arr[stop] != transit.InfTime && arr[stop] <= rn.start+trips.Departure[j] {
					boarded = true
				}
			}
		}
	}

	best := transit.InfTime
	if direct := transit.WalkSeconds(p.WalkDistance, testPace); direct != transit.InfTime {
		best = start + direct
	}
	for _, near := range p.NearDestination {
		if arr[near.Stop] != transit.InfTime {
			best = min(best, arr[near.Stop]+transit.WalkSeconds(near.Distance, testPace))
		}
	}
	return best
}

func shares(a, b []int32) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
