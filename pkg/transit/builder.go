package transit

import (
	"fmt"
	"math"
	"slices"

	"transit_planner/pkg/geo"
)

// StopInfo describes one stop handed to the Builder.
type StopInfo struct {
	Code     string
	Name     string
	Zone     string
	Cluster  int32
	Lat, Lon float64
}

// TripStop is one call of a trip, with offsets relative to the trip start.
type TripStop struct {
	Stop      uint32
	Arrival   int32
	Departure int32
}

// Instance is one trip-start instance: the services it runs on and its
// absolute start times.
type Instance struct {
	Services []int32
	Starts   []int32
}

// TripInfo describes one trip handed to the Builder.
type TripInfo struct {
	Route     int32
	Shape     int32
	Headsign  string
	Stops     []TripStop
	Instances []Instance
}

type walkEdge struct {
	from, to uint32
	distance float32
}

// Builder accumulates row-oriented records and lays them out as a Store.
type Builder struct {
	stops []StopInfo
	walks []walkEdge
	trips []TripInfo

	projector *geo.Projector
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithProjector fixes the projection origin. By default the centroid of all
// stops is used.
func (b *Builder) WithProjector(p geo.Projector) *Builder {
	b.projector = &p
	return b
}

// AddStop appends a stop and returns its id.
func (b *Builder) AddStop(s StopInfo) uint32 {
	b.stops = append(b.stops, s)
	return uint32(len(b.stops) - 1)
}

// AddWalk inserts a walking edge in both directions.
func (b *Builder) AddWalk(a, c uint32, meters float32) {
	b.walks = append(b.walks,
		walkEdge{from: a, to: c, distance: meters},
		walkEdge{from: c, to: a, distance: meters},
	)
}

// AddTrip appends a trip and returns its id.
func (b *Builder) AddTrip(t TripInfo) uint32 {
	b.trips = append(b.trips, t)
	return uint32(len(b.trips) - 1)
}

// Build lays out the columnar tables. Offsets are computed by counting
// entries per owner and prefix-summing.
func (b *Builder) Build() (*Store, error) {
	numStops := uint32(len(b.stops))
	if numStops == 0 {
		return nil, fmt.Errorf("build: no stops")
	}

	proj := b.centroidProjector()
	stops := Stops{
		Codes:    make([]string, numStops),
		Names:    make([]string, numStops),
		Zones:    make([]string, numStops),
		Clusters: make([]int32, numStops),
		Lats:     make([]float64, numStops),
		Lons:     make([]float64, numStops),
		X:        make([]float64, numStops),
		Y:        make([]float64, numStops),
	}
	for i, s := range b.stops {
		stops.Codes[i] = s.Code
		stops.Names[i] = s.Name
		stops.Zones[i] = s.Zone
		stops.Clusters[i] = s.Cluster
		stops.Lats[i] = s.Lat
		stops.Lons[i] = s.Lon
		p := proj.Project(s.Lat, s.Lon)
		stops.X[i] = p.X
		stops.Y[i] = p.Y
	}

	// Walking edges.
	for _, w := range b.walks {
		if w.from >= numStops || w.to >= numStops {
			return nil, fmt.Errorf("build: walk %d->%d references unknown stop", w.from, w.to)
		}
	}
	stops.WalksOffset = make([]uint32, numStops+1)
	for _, w := range b.walks {
		stops.WalksOffset[w.from+1]++
	}
	prefixSum(stops.WalksOffset)
	stops.WalkTo = make([]uint32, len(b.walks))
	stops.WalkDistance = make([]float32, len(b.walks))
	pos := slices.Clone(stops.WalksOffset[:numStops])
	for _, w := range b.walks {
		idx := pos[w.from]
		stops.WalkTo[idx] = w.to
		stops.WalkDistance[idx] = w.distance
		pos[w.from]++
	}

	trips, err := b.buildTrips(numStops)
	if err != nil {
		return nil, err
	}

	// Stop -> trips calling there. The last call of a trip is skipped since
	// nobody boards there.
	stops.TripsOffset = make([]uint32, numStops+1)
	for _, t := range b.trips {
		for _, ts := range t.Stops[:len(t.Stops)-1] {
			stops.TripsOffset[ts.Stop+1]++
		}
	}
	prefixSum(stops.TripsOffset)
	total := stops.TripsOffset[numStops]
	stops.TripID = make([]uint32, total)
	stops.TripSeq = make([]uint16, total)
	stops.TripDeparture = make([]int32, total)
	pos = slices.Clone(stops.TripsOffset[:numStops])
	for id, t := range b.trips {
		for seq, ts := range t.Stops[:len(t.Stops)-1] {
			idx := pos[ts.Stop]
			stops.TripID[idx] = uint32(id)
			stops.TripSeq[idx] = uint16(seq)
			stops.TripDeparture[idx] = ts.Departure
			pos[ts.Stop]++
		}
	}

	return NewStore(stops, trips, proj)
}

func (b *Builder) buildTrips(numStops uint32) (Trips, error) {
	n := len(b.trips)
	trips := Trips{
		Routes:          make([]int32, n),
		Shapes:          make([]int32, n),
		Headsigns:       make([]string, n),
		FirstDeparture:  make([]int32, n),
		LastDeparture:   make([]int32, n),
		InstancesOffset: make([]uint32, n+1),
		ServicesOffset:  []uint32{0},
		StartsOffset:    []uint32{0},
		StopsOffset:     make([]uint32, n+1),
	}

	for id, t := range b.trips {
		if len(t.Stops) < 2 {
			return Trips{}, fmt.Errorf("build: trip %d has %d stops, need at least 2", id, len(t.Stops))
		}
		if len(t.Stops) > math.MaxUint16 {
			return Trips{}, fmt.Errorf("build: trip %d has %d stops", id, len(t.Stops))
		}
		trips.Routes[id] = t.Route
		trips.Shapes[id] = t.Shape
		trips.Headsigns[id] = t.Headsign

		for i, ts := range t.Stops {
			if ts.Stop >= numStops {
				return Trips{}, fmt.Errorf("build: trip %d calls at unknown stop %d", id, ts.Stop)
			}
			if ts.Departure < ts.Arrival {
				return Trips{}, fmt.Errorf("build: trip %d departs stop %d before arriving", id, i)
			}
			if i > 0 && ts.Arrival < t.Stops[i-1].Departure {
				return Trips{}, fmt.Errorf("build: trip %d runs backwards in time at stop %d", id, i)
			}
			trips.StopID = append(trips.StopID, ts.Stop)
			trips.Arrival = append(trips.Arrival, ts.Arrival)
			trips.Departure = append(trips.Departure, ts.Departure)
		}
		trips.StopsOffset[id+1] = uint32(len(trips.StopID))

		first, last := InfTime, -InfTime
		for _, inst := range t.Instances {
			services := slices.Clone(inst.Services)
			slices.Sort(services)
			services = slices.Compact(services)
			starts := slices.Clone(inst.Starts)
			slices.Sort(starts)
			if len(starts) > 0 {
				first = min(first, starts[0])
				last = max(last, starts[len(starts)-1])
			}
			trips.Services = append(trips.Services, services...)
			trips.ServicesOffset = append(trips.ServicesOffset, uint32(len(trips.Services)))
			trips.Starts = append(trips.Starts, starts...)
			trips.StartsOffset = append(trips.StartsOffset, uint32(len(trips.Starts)))
		}
		if first == InfTime {
			first, last = 0, 0
		}
		trips.FirstDeparture[id] = first
		trips.LastDeparture[id] = last
		trips.InstancesOffset[id+1] = trips.InstancesOffset[id] + uint32(len(t.Instances))
	}
	return trips, nil
}

func (b *Builder) centroidProjector() geo.Projector {
	if b.projector != nil {
		return *b.projector
	}
	var lat, lon float64
	for _, s := range b.stops {
		lat += s.Lat
		lon += s.Lon
	}
	n := float64(len(b.stops))
	return geo.NewProjector(lat/n, lon/n)
}

func prefixSum(offsets []uint32) {
	for i := 1; i < len(offsets); i++ {
		offsets[i] += offsets[i-1]
	}
}
