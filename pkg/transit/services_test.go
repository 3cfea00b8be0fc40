package transit

import (
	"math/rand/v2"
	"testing"
)

// bruteNextStart scans every instance start on all three days and keeps the
// earliest one that runs on a literal (service, day) match.
func bruteNextStart(tr *Trips, trip uint32, s *Services, at int32) int32 {
	days := []struct {
		shift  int32
		active []int32
	}{
		{-Day, s.Yesterday},
		{0, s.Today},
		{Day, s.Tomorrow},
	}
	best := InfTime
	r := tr.Instances(trip)
	for inst := r.Begin; inst < r.End; inst++ {
		for _, d := range days {
			if !intersects(tr.InstanceServices(inst), d.active) {
				continue
			}
			for _, start := range tr.InstanceStarts(inst) {
				if t := start + d.shift; t >= at && t < best {
					best = t
				}
			}
		}
	}
	return best
}

func midnightTrips(t *testing.T) *Store {
	t.Helper()
	b := NewBuilder()
	a := b.AddStop(StopInfo{Name: "A", Lat: 52.40, Lon: 16.90, Cluster: -1})
	c := b.AddStop(StopInfo{Name: "B", Lat: 52.41, Lon: 16.91, Cluster: -1})
	b.AddTrip(TripInfo{
		Headsign: "night",
		Stops:    []TripStop{{Stop: a}, {Stop: c, Arrival: 600, Departure: 600}},
		Instances: []Instance{
			{Services: []int32{7}, Starts: []int32{23 * 3600, 25*3600 + 1800}},
		},
	})
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

func TestNextStartMidnight(t *testing.T) {
	s := midnightTrips(t)
	tests := []struct {
		name     string
		services *Services
		at       int32
		want     int32
	}{
		{
			name:     "late evening catches the 25:30 run of today",
			services: NewServices([]int32{7}, nil, nil),
			at:       23*3600 + 50*60,
			want:     25*3600 + 1800,
		},
		{
			name:     "after midnight the run belongs to yesterday",
			services: NewServices(nil, []int32{7}, nil),
			at:       10 * 60,
			want:     3600 + 1800,
		},
		{
			name:     "yesterday's service without an early enough query",
			services: NewServices(nil, []int32{7}, nil),
			at:       2 * 3600,
			want:     InfTime,
		},
		{
			name:     "next day's service is not today's",
			services: NewServices([]int32{1}, nil, []int32{7}),
			at:       23*3600 + 50*60,
			want:     Day + 23*3600,
		},
		{
			name:     "nothing runs",
			services: NewServices([]int32{1}, []int32{2}, []int32{3}),
			at:       0,
			want:     InfTime,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Trips.NextStart(0, tt.services, tt.at)
			if got.Time != tt.want {
				t.Errorf("NextStart(%d) = %d, want %d", tt.at, got.Time, tt.want)
			}
			if brute := bruteNextStart(&s.Trips, 0, tt.services, tt.at); brute != got.Time {
				t.Errorf("brute force = %d, NextStart = %d", brute, got.Time)
			}
		})
	}
}

func TestNextStartMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))

	b := NewBuilder()
	a := b.AddStop(StopInfo{Lat: 52.40, Lon: 16.90, Cluster: -1})
	c := b.AddStop(StopInfo{Lat: 52.41, Lon: 16.91, Cluster: -1})
	const numTrips = 40
	for range numTrips {
		var instances []Instance
		for range 1 + rng.IntN(3) {
			var services []int32
			for range 1 + rng.IntN(3) {
				services = append(services, rng.Int32N(6))
			}
			var starts []int32
			for range rng.IntN(6) {
				// Starts up to 30h let runs spill past midnight.
				starts = append(starts, rng.Int32N(30*3600))
			}
			instances = append(instances, Instance{Services: services, Starts: starts})
		}
		b.AddTrip(TripInfo{
			Stops:     []TripStop{{Stop: a}, {Stop: c, Arrival: 300, Departure: 300}},
			Instances: instances,
		})
	}
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	randomSet := func() []int32 {
		var ids []int32
		for id := int32(0); id < 6; id++ {
			if rng.IntN(2) == 0 {
				ids = append(ids, id)
			}
		}
		return ids
	}

	for i := range 2000 {
		services := NewServices(randomSet(), randomSet(), randomSet())
		trip := uint32(rng.IntN(numTrips))
		at := rng.Int32N(Day + 4*3600)
		got := s.Trips.NextStart(trip, services, at)
		want := bruteNextStart(&s.Trips, trip, services, at)
		if got.Time != want {
			t.Fatalf("case %d: trip %d at %d: NextStart = %d, brute force = %d", i, trip, at, got.Time, want)
		}
	}
}

func TestNewServicesSortsAndDedups(t *testing.T) {
	s := NewServices([]int32{5, 1, 5, 3}, nil, []int32{2, 2})
	if got := s.Today; len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Errorf("Today = %v, want [1 3 5]", got)
	}
	if len(s.Tomorrow) != 1 || s.Tomorrow[0] != 2 {
		t.Errorf("Tomorrow = %v, want [2]", s.Tomorrow)
	}
	if s.Empty() {
		t.Error("Empty() = true for a calendar with services")
	}
	if !NewServices(nil, nil, nil).Empty() {
		t.Error("Empty() = false for an empty calendar")
	}
}

func TestIntersects(t *testing.T) {
	tests := []struct {
		a, b []int32
		want bool
	}{
		{[]int32{1, 4, 9}, []int32{2, 4}, true},
		{[]int32{1, 4, 9}, []int32{2, 5, 10}, false},
		{nil, []int32{1}, false},
		{[]int32{3}, []int32{3}, true},
	}
	for _, tt := range tests {
		if got := intersects(tt.a, tt.b); got != tt.want {
			t.Errorf("intersects(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func BenchmarkNextStart(b *testing.B) {
	bld := NewBuilder()
	a := bld.AddStop(StopInfo{Lat: 52.40, Lon: 16.90})
	c := bld.AddStop(StopInfo{Lat: 52.41, Lon: 16.91})
	starts := make([]int32, 0, 200)
	for s := int32(5 * 3600); s < 25*3600; s += 360 {
		starts = append(starts, s)
	}
	bld.AddTrip(TripInfo{
		Stops:     []TripStop{{Stop: a}, {Stop: c, Arrival: 300, Departure: 300}},
		Instances: []Instance{{Services: []int32{1, 2}, Starts: starts}, {Services: []int32{3}, Starts: starts}},
	})
	s, err := bld.Build()
	if err != nil {
		b.Fatal(err)
	}
	services := NewServices([]int32{2}, []int32{1}, []int32{3})
	for b.Loop() {
		s.Trips.NextStart(0, services, 12*3600)
	}
}
