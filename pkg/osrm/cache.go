package osrm

import (
	"context"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/mmcloughlin/geohash"

	"transit_planner/pkg/prospect"
)

// Precision 9 is a cell of roughly 5 m, well below walking-distance noise.
const cellPrecision = 9

// Cached memoizes pair distances of another Walker. Coordinates are keyed
// by geohash cell so repeated queries from the same doorstep hit the cache.
type Cached struct {
	next  prospect.Walker
	cache gcache.Cache
}

// NewCached wraps next with an LRU cache of size entries that expire
// after ttl.
func NewCached(next prospect.Walker, size int, ttl time.Duration) *Cached {
	return &Cached{
		next: next,
		cache: gcache.New(size).
			LRU().
			Expiration(ttl).
			Build(),
	}
}

// DistanceToMany answers from the cache where it can and sends only the
// missing pairs to the wrapped Walker in one batch.
func (c *Cached) DistanceToMany(ctx context.Context, from prospect.Coords, to []prospect.Coords) ([]float64, error) {
	origin := cell(from)
	out := make([]float64, len(to))
	var (
		missIdx  []int
		missPts  []prospect.Coords
		missKeys []string
	)
	for i, p := range to {
		key := origin + ":" + cell(p)
		if v, err := c.cache.Get(key); err == nil {
			out[i] = v.(float64)
			continue
		}
		missIdx = append(missIdx, i)
		missPts = append(missPts, p)
		missKeys = append(missKeys, key)
	}
	if len(missPts) == 0 {
		return out, nil
	}

	dists, err := c.next.DistanceToMany(ctx, from, missPts)
	if err != nil {
		return nil, err
	}
	if len(dists) != len(missPts) {
		return nil, fmt.Errorf("osrm: cache: got %d distances for %d targets", len(dists), len(missPts))
	}
	for j, d := range dists {
		out[missIdx[j]] = d
		_ = c.cache.Set(missKeys[j], d)
	}
	return out, nil
}

// Len reports the number of cached pairs.
func (c *Cached) Len() int { return c.cache.Len(true) }

func cell(p prospect.Coords) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lon, cellPrecision)
}
