package routing

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"transit_planner/pkg/estimate"
	"transit_planner/pkg/transit"
)

// BuildClusterTable fills a cluster x cluster table with one exhaustive
// solve per origin cluster: all of its stops are sources at time zero, and
// the cell for a target cluster is the earliest arrival at any of its stops.
// Solves run on up to workers goroutines; progress, when set, is called
// after each finished row.
func BuildClusterTable(ctx context.Context, r *Router, workers int, progress func(done, total int)) (*estimate.ClusterTable, error) {
	stops := &r.Store().Stops
	n := stops.NumClusters()
	if n == 0 {
		return nil, fmt.Errorf("cluster table: store has no clusters")
	}

	members := make([][]transit.NearStop, n)
	for s, c := range stops.Clusters {
		if c >= 0 {
			members[c] = append(members[c], transit.NearStop{Stop: uint32(s)})
		}
	}

	table := estimate.NewClusterTable(n)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for from := range n {
		g.Go(func() error {
			arrivals, err := r.Exhaustive(gctx, members[from], 0)
			if err != nil {
				return fmt.Errorf("cluster %d: %w", from, err)
			}
			row := table.Row(int32(from))
			for s, c := range stops.Clusters {
				if c >= 0 && int(c) != from {
					row[c] = min(row[c], arrivals[s])
				}
			}
			if progress != nil {
				progress(int(done.Add(1)), n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return table, nil
}
