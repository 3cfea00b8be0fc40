package main

import (
	"context"
	"flag"
	"log"
	"runtime"
	"time"

	"transit_planner/pkg/estimate"
	"transit_planner/pkg/routing"
	"transit_planner/pkg/transit"
)

func main() {
	storePath := flag.String("store", "store.bin", "Path to store snapshot")
	output := flag.String("output", "clusters.bin", "Output cluster table path")
	workers := flag.Int("workers", runtime.NumCPU(), "Concurrent solves")
	pace := flag.Float64("pace", 1.4, "Walking speed, m/s")
	clusterWalk := flag.Float64("cluster-walk", 150, "When the store has no clusters, group stops joined by walks shorter than this many meters and rewrite the store")
	flag.Parse()

	start := time.Now()

	log.Printf("Loading store from %s...", *storePath)
	s, err := transit.ReadBinary(*storePath)
	if err != nil {
		log.Fatalf("Failed to load store: %v", err)
	}
	if s.Stops.NumClusters() == 0 {
		log.Printf("Store has no clusters, grouping stops within %.0fm walks...", *clusterWalk)
		s.Stops.Clusters = transit.ClusterByWalks(&s.Stops, float32(*clusterWalk))
		if err := transit.WriteBinary(*storePath, s); err != nil {
			log.Fatalf("Failed to rewrite store: %v", err)
		}
	}
	log.Printf("Loaded %d stops in %d clusters", s.Stops.Len(), s.Stops.NumClusters())

	// Transfers are free so every cell stays a lower bound.
	r := routing.NewRouter(s, estimate.Zero{}, routing.Params{Pace: *pace})
	table, err := routing.BuildClusterTable(context.Background(), r, *workers, func(done, total int) {
		if done%max(total/20, 1) == 0 || done == total {
			log.Printf("  %d/%d clusters", done, total)
		}
	})
	if err != nil {
		log.Fatalf("Failed to build cluster table: %v", err)
	}

	log.Printf("Writing table to %s...", *output)
	if err := estimate.WriteClusterTable(*output, table); err != nil {
		log.Fatalf("Failed to write table: %v", err)
	}
	log.Printf("Done in %s", time.Since(start).Round(time.Millisecond))
}
