// Package geo holds the distance and projection helpers shared by the store,
// the prospector and the estimators.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/project"
)

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return orbgeo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}

// Point is a position on the local plane, in meters east (X) and north (Y)
// of the projector's origin.
type Point struct {
	X, Y float64
}

// Dist returns the euclidean distance between two planar points.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// ManhattanDist returns |dx| + |dy|.
func (p Point) ManhattanDist(q Point) float64 {
	return math.Abs(p.X-q.X) + math.Abs(p.Y-q.Y)
}

// Projector maps WGS84 coordinates onto a plane tangent to a city-sized area.
// It uses spherical Mercator rescaled by cos(origin latitude) so one unit is
// one meter near the origin.
type Projector struct {
	OriginLat, OriginLon float64

	origin orb.Point
	scale  float64
}

// NewProjector creates a projector centered on the given coordinate.
func NewProjector(originLat, originLon float64) Projector {
	return Projector{
		OriginLat: originLat,
		OriginLon: originLon,
		origin:    project.Point(orb.Point{originLon, originLat}, project.WGS84.ToMercator),
		scale:     math.Cos(originLat * math.Pi / 180),
	}
}

// Project converts a coordinate to local planar meters.
func (p Projector) Project(lat, lon float64) Point {
	m := project.Point(orb.Point{lon, lat}, project.WGS84.ToMercator)
	return Point{
		X: (m[0] - p.origin[0]) * p.scale,
		Y: (m[1] - p.origin[1]) * p.scale,
	}
}

// Unproject converts local planar meters back to a coordinate.
func (p Projector) Unproject(pt Point) (lat, lon float64) {
	m := orb.Point{pt.X/p.scale + p.origin[0], pt.Y/p.scale + p.origin[1]}
	w := project.Point(m, project.Mercator.ToWGS84)
	return w[1], w[0]
}
