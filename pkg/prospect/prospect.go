// Package prospect turns raw query endpoints into the stop sets a search
// starts from and heads to, with accurate walking distances.
package prospect

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"transit_planner/pkg/geo"
	"transit_planner/pkg/transit"
)

var (
	// ErrOutsideServiceArea is returned for endpoints too far from any stop.
	ErrOutsideServiceArea = errors.New("location outside the service area")
	// ErrTooFewStops is returned when radius expansion still finds fewer
	// stops than required.
	ErrTooFewStops = errors.New("too few stops near location")
	// ErrUnknownStop is returned for stop endpoints that do not exist.
	ErrUnknownStop = errors.New("unknown stop")
	// ErrWalkingService wraps failures of the walking-distance service.
	// Such failures are transient and the request may be retried.
	ErrWalkingService = errors.New("walking distance service failed")
)

// Coords is a WGS84 coordinate.
type Coords struct {
	Lat, Lon float64
}

// Location is a query endpoint: either a coordinate or a stop.
type Location struct {
	Coords Coords
	Stop   int32 // -1 for a coordinate
}

// At returns a coordinate endpoint.
func At(lat, lon float64) Location {
	return Location{Coords: Coords{Lat: lat, Lon: lon}, Stop: -1}
}

// AtStop returns a stop endpoint.
func AtStop(stop uint32) Location {
	return Location{Stop: int32(stop)}
}

// IsStop reports whether the endpoint is a stop.
func (l Location) IsStop() bool { return l.Stop >= 0 }

// Walker is the external walking-distance service. DistanceToMany returns
// one distance in meters per destination, +Inf where no path exists.
type Walker interface {
	DistanceToMany(ctx context.Context, from Coords, to []Coords) ([]float64, error)
}

// Prospect is the normalized form of one query's endpoints.
type Prospect struct {
	StartCoords       Coords
	DestinationCoords Coords
	Start             geo.Point
	Destination       geo.Point
	NearStart         []transit.NearStop
	NearDestination   []transit.NearStop
	// WalkDistance is the direct origin-to-destination walk in meters.
	WalkDistance float64
}

// Config controls candidate discovery.
type Config struct {
	StartRadius           float64 // meters
	StartMinCount         int
	DestinationRadius     float64
	DestinationMinCount   int
	DirectPreciseDistance float64 // straight lines beyond this are estimated
	DistanceMultiplier    float64 // straight line to walking distance
}

// DefaultConfig returns the discovery settings used in production.
func DefaultConfig() Config {
	return Config{
		StartRadius:           1000,
		StartMinCount:         10,
		DestinationRadius:     1000,
		DestinationMinCount:   10,
		DirectPreciseDistance: 1000,
		DistanceMultiplier:    1.1,
	}
}

// Logger is a printf-style logging function.
type Logger func(format string, args ...any)

// Option configures a Prospector.
type Option func(*Prospector)

// WithLogger sets a logger for walking-service batches.
func WithLogger(l Logger) Option {
	return func(p *Prospector) { p.logf = l }
}

// Prospector resolves endpoints against a Store and a Walker.
type Prospector struct {
	store  *transit.Store
	walker Walker
	cfg    Config
	logf   Logger
}

// New creates a Prospector.
func New(store *transit.Store, walker Walker, cfg Config, opts ...Option) *Prospector {
	p := &Prospector{
		store:  store,
		walker: walker,
		cfg:    cfg,
		logf:   func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type endpoint struct {
	coords     Coords
	point      geo.Point
	stop       bool
	candidates []uint32
}

// Prospect finds the stops near both endpoints and the walking distances to
// them. The walking-service batches are issued concurrently and all must
// succeed.
func (p *Prospector) Prospect(ctx context.Context, start, dest Location) (*Prospect, error) {
	from, err := p.resolve(start, p.cfg.StartRadius, p.cfg.StartMinCount)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	to, err := p.resolve(dest, p.cfg.DestinationRadius, p.cfg.DestinationMinCount)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	res := &Prospect{
		StartCoords:       from.coords,
		DestinationCoords: to.coords,
		Start:             from.point,
		Destination:       to.point,
		WalkDistance:      math.Inf(1),
	}

	g, gctx := errgroup.WithContext(ctx)

	switch {
	case !from.stop:
		// The direct distance rides along with the near-start batch.
		g.Go(func() error {
			dists, err := p.batch(gctx, "near start", from.coords, from.candidates, &to.coords)
			if err != nil {
				return err
			}
			res.NearStart = nearStops(from.candidates, dists)
			res.WalkDistance = dists[len(dists)-1]
			return nil
		})
	default:
		res.NearStart = []transit.NearStop{{Stop: from.candidates[0], Distance: 0}}
	}

	switch {
	case !to.stop:
		var direct *Coords
		if from.stop {
			direct = &from.coords
		}
		g.Go(func() error {
			dists, err := p.batch(gctx, "near destination", to.coords, to.candidates, direct)
			if err != nil {
				return err
			}
			res.NearDestination = nearStops(to.candidates, dists)
			if direct != nil {
				res.WalkDistance = dists[len(dists)-1]
			}
			return nil
		})
	default:
		res.NearDestination = []transit.NearStop{{Stop: to.candidates[0], Distance: 0}}
	}

	if from.stop && to.stop {
		straight := geo.Haversine(from.coords.Lat, from.coords.Lon, to.coords.Lat, to.coords.Lon)
		if straight > p.cfg.DirectPreciseDistance {
			res.WalkDistance = straight * p.cfg.DistanceMultiplier
		} else {
			g.Go(func() error {
				dists, err := p.batch(gctx, "direct", from.coords, nil, &to.coords)
				if err != nil {
					return err
				}
				res.WalkDistance = dists[0]
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Prospector) resolve(l Location, radius float64, minCount int) (endpoint, error) {
	if l.IsStop() {
		if int(l.Stop) >= p.store.Stops.Len() {
			return endpoint{}, fmt.Errorf("%w: %d", ErrUnknownStop, l.Stop)
		}
		id := uint32(l.Stop)
		return endpoint{
			coords:     Coords{Lat: p.store.Stops.Lats[id], Lon: p.store.Stops.Lons[id]},
			point:      p.store.Stops.Position(id),
			stop:       true,
			candidates: []uint32{id},
		}, nil
	}

	if l.Coords.Lat < -90 || l.Coords.Lat > 90 || l.Coords.Lon < -180 || l.Coords.Lon > 180 {
		return endpoint{}, fmt.Errorf("%w: invalid coordinate %v", ErrOutsideServiceArea, l.Coords)
	}
	pt := p.store.Project(l.Coords.Lat, l.Coords.Lon)
	if p.store.DistanceToNetwork(pt) > transit.MaxSearchRadius(radius) {
		return endpoint{}, ErrOutsideServiceArea
	}
	candidates := p.store.NearestStops(pt, radius, minCount)
	if len(candidates) == 0 {
		return endpoint{}, ErrOutsideServiceArea
	}
	if len(candidates) < minCount {
		return endpoint{}, fmt.Errorf("%w: found %d, need %d", ErrTooFewStops, len(candidates), minCount)
	}
	return endpoint{coords: l.Coords, point: pt, candidates: candidates}, nil
}

// batch asks the walker for distances from origin to every candidate stop
// and, when extra is set, to extra as the last entry.
func (p *Prospector) batch(ctx context.Context, what string, origin Coords, stops []uint32, extra *Coords) ([]float64, error) {
	targets := make([]Coords, 0, len(stops)+1)
	for _, s := range stops {
		targets = append(targets, Coords{Lat: p.store.Stops.Lats[s], Lon: p.store.Stops.Lons[s]})
	}
	if extra != nil {
		targets = append(targets, *extra)
	}

	dists, err := p.walker.DistanceToMany(ctx, origin, targets)
	if err != nil {
		p.logf("prospect: %s batch of %d failed: %v", what, len(targets), err)
		return nil, fmt.Errorf("%w: %s: %w", ErrWalkingService, what, err)
	}
	if len(dists) != len(targets) {
		return nil, fmt.Errorf("%w: %s: got %d distances for %d targets", ErrWalkingService, what, len(dists), len(targets))
	}
	return dists, nil
}

// nearStops pairs candidates with their distances, dropping unreachable ones.
func nearStops(stops []uint32, dists []float64) []transit.NearStop {
	out := make([]transit.NearStop, 0, len(stops))
	for i, s := range stops {
		if math.IsInf(dists[i], 1) || math.IsNaN(dists[i]) {
			continue
		}
		out = append(out, transit.NearStop{Stop: s, Distance: dists[i]})
	}
	return out
}
