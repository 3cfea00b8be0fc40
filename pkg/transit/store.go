// Package transit holds the read-only columnar representation of a transit
// network: stops, walking edges, trips, trip-start instances and the
// per-query service calendar.
//
// All per-entity sub-arrays are contiguous slices of shared global arrays,
// addressed through offset arrays of length N+1 (the last entry is the
// sentinel end).
package transit

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/tidwall/rtree"

	"transit_planner/pkg/geo"
)

const (
	// Day is the number of seconds in a service day.
	Day int32 = 24 * 60 * 60
	// InfTime marks an unreachable or unknown time. Small enough that
	// adding a day or a walk to it never overflows an int32.
	InfTime int32 = 0x1FFFFFFF
)

// ErrCorrupt reports a dataset that violates the store's structural invariants.
var ErrCorrupt = errors.New("transit: corrupt dataset")

// Range is a half-open [Begin, End) window into a global array.
type Range struct {
	Begin, End uint32
}

// Len returns the number of elements in the range.
func (r Range) Len() int { return int(r.End - r.Begin) }

// Stops is the columnar stop table. Index i of every per-stop column
// describes stop i.
type Stops struct {
	Codes    []string
	Names    []string
	Zones    []string
	Clusters []int32 // -1 when the stop belongs to no cluster
	Lats     []float64
	Lons     []float64
	X        []float64 // projected position, meters
	Y        []float64

	// Walking edges: WalkTo/WalkDistance[WalksOffset[s]:WalksOffset[s+1]].
	WalksOffset  []uint32
	WalkTo       []uint32
	WalkDistance []float32

	// Trips calling at the stop with the stop's position in the trip and
	// the departure offset relative to the trip start.
	TripsOffset   []uint32
	TripID        []uint32
	TripSeq       []uint16
	TripDeparture []int32
}

// Len returns the number of stops.
func (s *Stops) Len() int { return len(s.Lats) }

// Walks returns the range of walking edges leaving stop.
func (s *Stops) Walks(stop uint32) Range {
	return Range{s.WalksOffset[stop], s.WalksOffset[stop+1]}
}

// Trips returns the range of stop-trip entries at stop.
func (s *Stops) Trips(stop uint32) Range {
	return Range{s.TripsOffset[stop], s.TripsOffset[stop+1]}
}

// Position returns the projected position of stop.
func (s *Stops) Position(stop uint32) geo.Point {
	return geo.Point{X: s.X[stop], Y: s.Y[stop]}
}

// Stop is a row view of the stop table.
type Stop struct {
	ID       uint32
	Code     string
	Name     string
	Zone     string
	Cluster  int32
	Lat, Lon float64
	Position geo.Point
	Walks    Range
	Trips    Range
}

// Get assembles the row view of stop.
func (s *Stops) Get(stop uint32) Stop {
	return Stop{
		ID:       stop,
		Code:     s.Codes[stop],
		Name:     s.Names[stop],
		Zone:     s.Zones[stop],
		Cluster:  s.Clusters[stop],
		Lat:      s.Lats[stop],
		Lon:      s.Lons[stop],
		Position: s.Position(stop),
		Walks:    s.Walks(stop),
		Trips:    s.Trips(stop),
	}
}

// Trips is the columnar trip table.
type Trips struct {
	Routes         []int32
	Shapes         []int32 // -1 when the trip has no shape
	Headsigns      []string
	FirstDeparture []int32 // earliest start over all instances
	LastDeparture  []int32 // latest start over all instances

	// Trip -> instances.
	InstancesOffset []uint32

	// Instance -> sorted service ids.
	ServicesOffset []uint32
	Services       []int32

	// Instance -> sorted absolute start times.
	StartsOffset []uint32
	Starts       []int32

	// Trip -> ordered stops with offsets relative to the trip start.
	StopsOffset []uint32
	StopID      []uint32
	Arrival     []int32
	Departure   []int32
}

// Len returns the number of trips.
func (t *Trips) Len() int { return len(t.Routes) }

// NumInstances returns the number of trip-start instances.
func (t *Trips) NumInstances() int {
	if len(t.ServicesOffset) == 0 {
		return 0
	}
	return len(t.ServicesOffset) - 1
}

// Instances returns the range of instances of trip.
func (t *Trips) Instances(trip uint32) Range {
	return Range{t.InstancesOffset[trip], t.InstancesOffset[trip+1]}
}

// InstanceServices returns the sorted service ids of an instance.
func (t *Trips) InstanceServices(inst uint32) []int32 {
	return t.Services[t.ServicesOffset[inst]:t.ServicesOffset[inst+1]]
}

// InstanceStarts returns the sorted start times of an instance.
func (t *Trips) InstanceStarts(inst uint32) []int32 {
	return t.Starts[t.StartsOffset[inst]:t.StartsOffset[inst+1]]
}

// Stops returns the range of trip-stop entries of trip.
func (t *Trips) Stops(trip uint32) Range {
	return Range{t.StopsOffset[trip], t.StopsOffset[trip+1]}
}

// Store bundles the stop and trip tables with the projection they were built
// with and a spatial index over stop positions. A Store is immutable and safe
// for concurrent use.
type Store struct {
	Stops     Stops
	Trips     Trips
	Projector geo.Projector

	index rtree.RTreeG[uint32]
	minX  float64
	minY  float64
	maxX  float64
	maxY  float64
}

// NewStore validates the tables and builds the spatial index.
func NewStore(stops Stops, trips Trips, proj geo.Projector) (*Store, error) {
	s := &Store{Stops: stops, Trips: trips, Projector: proj}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.buildIndex()
	return s, nil
}

// Project converts a coordinate into the store's planar frame.
func (s *Store) Project(lat, lon float64) geo.Point {
	return s.Projector.Project(lat, lon)
}

func (s *Store) validate() error {
	n := uint32(s.Stops.Len())
	st := &s.Stops
	for name, col := range map[string]int{
		"Codes": len(st.Codes), "Names": len(st.Names), "Zones": len(st.Zones),
		"Clusters": len(st.Clusters), "Lons": len(st.Lons), "X": len(st.X), "Y": len(st.Y),
	} {
		if col != int(n) {
			return fmt.Errorf("%w: stop column %s has %d rows, want %d", ErrCorrupt, name, col, n)
		}
	}
	if err := validateOffsets(st.WalksOffset, n, len(st.WalkTo)); err != nil {
		return fmt.Errorf("walks: %w", err)
	}
	if len(st.WalkDistance) != len(st.WalkTo) {
		return fmt.Errorf("%w: WalkDistance length %d != WalkTo length %d", ErrCorrupt, len(st.WalkDistance), len(st.WalkTo))
	}
	if err := validateTargets(st.WalkTo, n); err != nil {
		return fmt.Errorf("walks: %w", err)
	}
	if err := validateOffsets(st.TripsOffset, n, len(st.TripID)); err != nil {
		return fmt.Errorf("stop trips: %w", err)
	}
	if len(st.TripSeq) != len(st.TripID) || len(st.TripDeparture) != len(st.TripID) {
		return fmt.Errorf("%w: stop trip columns differ in length", ErrCorrupt)
	}

	tr := &s.Trips
	numTrips := uint32(tr.Len())
	for name, col := range map[string]int{
		"Shapes": len(tr.Shapes), "Headsigns": len(tr.Headsigns),
		"FirstDeparture": len(tr.FirstDeparture), "LastDeparture": len(tr.LastDeparture),
	} {
		if col != int(numTrips) {
			return fmt.Errorf("%w: trip column %s has %d rows, want %d", ErrCorrupt, name, col, numTrips)
		}
	}
	if err := validateTargets(st.TripID, numTrips); err != nil {
		return fmt.Errorf("stop trips: %w", err)
	}
	if len(tr.InstancesOffset) != int(numTrips)+1 {
		return fmt.Errorf("%w: InstancesOffset length %d != NumTrips+1 %d", ErrCorrupt, len(tr.InstancesOffset), numTrips+1)
	}
	numInst := uint32(0)
	if numTrips > 0 {
		numInst = tr.InstancesOffset[numTrips]
	}
	if err := validateOffsets(tr.InstancesOffset, numTrips, int(numInst)); err != nil {
		return fmt.Errorf("instances: %w", err)
	}
	if err := validateOffsets(tr.ServicesOffset, numInst, len(tr.Services)); err != nil {
		return fmt.Errorf("instance services: %w", err)
	}
	if err := validateOffsets(tr.StartsOffset, numInst, len(tr.Starts)); err != nil {
		return fmt.Errorf("instance starts: %w", err)
	}
	if err := validateOffsets(tr.StopsOffset, numTrips, len(tr.StopID)); err != nil {
		return fmt.Errorf("trip stops: %w", err)
	}
	if len(tr.Arrival) != len(tr.StopID) || len(tr.Departure) != len(tr.StopID) {
		return fmt.Errorf("%w: trip stop columns differ in length", ErrCorrupt)
	}
	if err := validateTargets(tr.StopID, n); err != nil {
		return fmt.Errorf("trip stops: %w", err)
	}
	for i, trip := range st.TripID {
		if int(st.TripSeq[i]) >= tr.Stops(trip).Len() {
			return fmt.Errorf("%w: stop trip %d has seq %d beyond trip %d", ErrCorrupt, i, st.TripSeq[i], trip)
		}
	}
	for inst := range numInst {
		if !slices.IsSorted(tr.InstanceServices(inst)) {
			return fmt.Errorf("%w: instance %d services not sorted", ErrCorrupt, inst)
		}
		if !slices.IsSorted(tr.InstanceStarts(inst)) {
			return fmt.Errorf("%w: instance %d starts not sorted", ErrCorrupt, inst)
		}
	}
	for trip := range numTrips {
		r := tr.Stops(trip)
		for j := r.Begin; j < r.End; j++ {
			if tr.Departure[j] < tr.Arrival[j] {
				return fmt.Errorf("%w: trip %d departs stop %d before arriving", ErrCorrupt, trip, j-r.Begin)
			}
			if j > r.Begin && tr.Arrival[j] < tr.Departure[j-1] {
				return fmt.Errorf("%w: trip %d runs backwards at stop %d", ErrCorrupt, trip, j-r.Begin)
			}
		}
	}
	return nil
}

// validateOffsets checks the offset-array invariants: length n+1, starting at
// zero, monotonic, ending at the length of the addressed array.
func validateOffsets(offsets []uint32, n uint32, total int) error {
	if uint32(len(offsets)) != n+1 {
		return fmt.Errorf("%w: offsets length %d != N+1 %d", ErrCorrupt, len(offsets), n+1)
	}
	if offsets[0] != 0 {
		return fmt.Errorf("%w: offsets start at %d", ErrCorrupt, offsets[0])
	}
	for i := uint32(1); i <= n; i++ {
		if offsets[i] < offsets[i-1] {
			return fmt.Errorf("%w: offsets not monotonic at %d: %d < %d", ErrCorrupt, i, offsets[i], offsets[i-1])
		}
	}
	if int(offsets[n]) != total {
		return fmt.Errorf("%w: offsets end at %d, array has %d", ErrCorrupt, offsets[n], total)
	}
	return nil
}

func validateTargets(ids []uint32, bound uint32) error {
	for i, id := range ids {
		if id >= bound {
			return fmt.Errorf("%w: id[%d]=%d >= %d", ErrCorrupt, i, id, bound)
		}
	}
	return nil
}

// NearStop is a stop reachable on foot from a query endpoint, with the
// walking distance in meters.
type NearStop struct {
	Stop     uint32
	Distance float64
}

// WalkSeconds converts a walking distance to whole seconds at pace m/s.
// Infinite or NaN distances map to InfTime.
func WalkSeconds(meters, pace float64) int32 {
	if math.IsInf(meters, 0) || math.IsNaN(meters) {
		return InfTime
	}
	secs := math.Round(meters / pace)
	if secs >= float64(InfTime) {
		return InfTime
	}
	return int32(secs)
}
