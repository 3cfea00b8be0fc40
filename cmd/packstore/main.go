package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"transit_planner/pkg/transit"
	"transit_planner/pkg/transitdb"
)

func main() {
	driver := flag.String("driver", transitdb.DriverSQLite, "Database driver: sqlite or pgx")
	dsn := flag.String("dsn", "", "Database DSN (sqlite file path or postgres URL)")
	output := flag.String("output", "store.bin", "Output store snapshot path")
	clusterWalk := flag.Float64("cluster-walk", 0, "Regroup stops joined by walks shorter than this many meters into clusters (0 keeps the database clusters)")
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "Usage: packstore --dsn <database> [--driver sqlite|pgx] [--output store.bin] [--cluster-walk meters]")
		os.Exit(1)
	}

	start := time.Now()
	ctx := context.Background()

	log.Printf("Opening %s database...", *driver)
	db, err := transitdb.Open(*driver, *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	log.Println("Loading stops and trips...")
	s, err := db.LoadStore(ctx)
	if err != nil {
		log.Fatalf("Failed to load store: %v", err)
	}
	log.Printf("Loaded %d stops, %d trips, %d instances", s.Stops.Len(), s.Trips.Len(), s.Trips.NumInstances())

	if *clusterWalk > 0 {
		log.Printf("Clustering stops within %.0fm walks...", *clusterWalk)
		s.Stops.Clusters = transit.ClusterByWalks(&s.Stops, float32(*clusterWalk))
		log.Printf("%d clusters", s.Stops.NumClusters())
	}

	log.Printf("Writing snapshot to %s...", *output)
	if err := transit.WriteBinary(*output, s); err != nil {
		log.Fatalf("Failed to write snapshot: %v", err)
	}

	info, _ := os.Stat(*output)
	log.Printf("Done in %s. Output: %s (%.1f MB)", time.Since(start).Round(time.Millisecond), *output, float64(info.Size())/(1024*1024))
}
