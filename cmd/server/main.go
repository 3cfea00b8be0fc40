package main

import (
	"flag"
	"log"
	"os"
	"time"

	"transit_planner/pkg/api"
	"transit_planner/pkg/config"
	"transit_planner/pkg/osrm"
	"transit_planner/pkg/planner"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/transit"
	"transit_planner/pkg/transitdb"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	envFile := flag.String("env", "", "Optional .env file with PLANNER_* overrides")
	timezone := flag.String("tz", "Local", "Time zone that request dates are interpreted in")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		log.Fatalf("Unknown time zone %q: %v", *timezone, err)
	}

	start := time.Now()

	log.Printf("Loading store from %s...", cfg.Store.Path)
	store, err := transit.ReadBinary(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to load store: %v", err)
	}
	log.Printf("Loaded: %d stops, %d trips, %d instances",
		store.Stops.Len(), store.Trips.Len(), store.Trips.NumInstances())

	log.Printf("Opening %s calendar database...", cfg.Store.CalendarDriver)
	db, err := transitdb.Open(cfg.Store.CalendarDriver, cfg.Store.CalendarDSN)
	if err != nil {
		log.Fatalf("Failed to open calendar: %v", err)
	}
	defer db.Close()
	calendar := transitdb.NewCalendarCache(db, cfg.Store.CalendarCache, cfg.Store.CalendarTTL)

	client, err := osrm.New(cfg.Walking.URLs,
		osrm.WithProfile(cfg.Walking.Profile),
		osrm.WithRetries(cfg.Walking.Retries, cfg.Walking.Backoff),
		osrm.WithLogger(log.Printf),
	)
	if err != nil {
		log.Fatalf("Failed to create walking client: %v", err)
	}
	var walker prospect.Walker = client
	if cfg.Walking.CacheSize > 0 {
		walker = osrm.NewCached(client, cfg.Walking.CacheSize, cfg.Walking.CacheTTL)
	}

	log.Printf("Loading %s estimator...", cfg.Estimator.Kind)
	model, err := cfg.Estimator.Model()
	if err != nil {
		log.Fatalf("Failed to load estimator: %v", err)
	}

	prospector := prospect.New(store, walker, cfg.Prospect.Config(), prospect.WithLogger(log.Printf))
	service := planner.NewService(store, prospector, calendar, model, cfg.Planner.Params(), planner.WithLogger(log.Printf))

	log.Printf("Ready in %s", time.Since(start).Round(time.Millisecond))

	srvCfg := api.DefaultConfig(cfg.Server.Addr)
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.QueryTimeout = cfg.Server.QueryTimeout
	if cfg.Server.MaxConcurrent > 0 {
		srvCfg.MaxConcurrent = cfg.Server.MaxConcurrent
	}
	srvCfg.CORSOrigins = cfg.Server.CORSOrigins

	srv := api.NewServer(srvCfg, api.NewHandlers(service, client, loc))
	if err := api.ListenAndServe(srv); err != nil {
		log.Printf("Server stopped: %v", err)
		os.Exit(1)
	}
}
