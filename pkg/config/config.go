// Package config loads the planner server settings from YAML, a .env file
// and PLANNER_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"transit_planner/pkg/estimate"
	"transit_planner/pkg/planner"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/transitdb"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full server configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Store     Store     `yaml:"store"`
	Walking   Walking   `yaml:"walking"`
	Prospect  Prospect  `yaml:"prospect"`
	Planner   Planner   `yaml:"planner"`
	Estimator Estimator `yaml:"estimator"`
}

type Server struct {
	Addr          string        `yaml:"addr" validate:"required"`
	ReadTimeout   time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout  time.Duration `yaml:"write_timeout" validate:"gt=0"`
	QueryTimeout  time.Duration `yaml:"query_timeout" validate:"gt=0"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"gte=0"`
	CORSOrigins   []string      `yaml:"cors_origins"`
}

// Store locates the network snapshot and the calendar database.
type Store struct {
	Path           string        `yaml:"path" validate:"required"`
	CalendarDriver string        `yaml:"calendar_driver" validate:"oneof=sqlite pgx"`
	CalendarDSN    string        `yaml:"calendar_dsn" validate:"required"`
	CalendarCache  int           `yaml:"calendar_cache" validate:"gte=1"`
	CalendarTTL    time.Duration `yaml:"calendar_ttl" validate:"gt=0"`
}

// Walking configures the external walking-distance service.
type Walking struct {
	URLs      []string      `yaml:"urls" validate:"required,min=1,dive,url"`
	Profile   string        `yaml:"profile" validate:"required"`
	Retries   int           `yaml:"retries" validate:"gte=1"`
	Backoff   time.Duration `yaml:"backoff" validate:"gte=0"`
	CacheSize int           `yaml:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

type Prospect struct {
	StartRadius           float64 `yaml:"start_radius" validate:"gt=0"`
	StartMinCount         int     `yaml:"start_min_count" validate:"gte=1"`
	DestinationRadius     float64 `yaml:"destination_radius" validate:"gt=0"`
	DestinationMinCount   int     `yaml:"destination_min_count" validate:"gte=1"`
	DirectPreciseDistance float64 `yaml:"direct_precise_distance" validate:"gte=0"`
	DistanceMultiplier    float64 `yaml:"distance_multiplier" validate:"gte=1"`
}

type Planner struct {
	Pace            float64 `yaml:"pace" validate:"gt=0"`
	TransferTime    int32   `yaml:"transfer_time" validate:"gte=0"`
	WalkPenalty     float64 `yaml:"walk_penalty" validate:"gte=0"`
	WaitPenalty     float64 `yaml:"wait_penalty" validate:"gte=0"`
	TransferPenalty int32   `yaml:"transfer_penalty" validate:"gte=0"`
	RelativeSlack   float64 `yaml:"relative_slack" validate:"gte=0"`
	AbsoluteSlack   int32   `yaml:"absolute_slack" validate:"gte=0"`
	MaxIterations   int     `yaml:"max_iterations" validate:"gte=0"`
}

// Estimator selects the search heuristic. Table, Samples and Network are
// artifact paths required by the clusters, knn and mlp kinds.
type Estimator struct {
	Kind     string  `yaml:"kind" validate:"oneof=zero euclidean manhattan clusters knn mlp"`
	MaxSpeed float64 `yaml:"max_speed" validate:"gt=0"`
	Table    string  `yaml:"table" validate:"required_if=Kind clusters"`
	Samples  string  `yaml:"samples" validate:"required_if=Kind knn"`
	K        int     `yaml:"k" validate:"gte=1"`
	Network  string  `yaml:"network" validate:"required_if=Kind mlp"`
}

// Default returns the production settings.
func Default() Config {
	pp := planner.DefaultParams()
	pc := prospect.DefaultConfig()
	return Config{
		Server: Server{
			Addr:          ":8080",
			ReadTimeout:   5 * time.Second,
			WriteTimeout:  15 * time.Second,
			QueryTimeout:  10 * time.Second,
			MaxConcurrent: 0,
		},
		Store: Store{
			Path:           "store.bin",
			CalendarDriver: transitdb.DriverSQLite,
			CalendarDSN:    "transit.db",
			CalendarCache:  64,
			CalendarTTL:    time.Hour,
		},
		Walking: Walking{
			URLs:      []string{"http://localhost:5000"},
			Profile:   "foot",
			Retries:   3,
			Backoff:   100 * time.Millisecond,
			CacheSize: 100_000,
			CacheTTL:  24 * time.Hour,
		},
		Prospect: Prospect{
			StartRadius:           pc.StartRadius,
			StartMinCount:         pc.StartMinCount,
			DestinationRadius:     pc.DestinationRadius,
			DestinationMinCount:   pc.DestinationMinCount,
			DirectPreciseDistance: pc.DirectPreciseDistance,
			DistanceMultiplier:    pc.DistanceMultiplier,
		},
		Planner: Planner{
			Pace:            pp.Pace,
			TransferTime:    pp.TransferTime,
			WalkPenalty:     pp.WalkPenalty,
			WaitPenalty:     pp.WaitPenalty,
			TransferPenalty: pp.TransferPenalty,
			RelativeSlack:   pp.RelativeSlack,
			AbsoluteSlack:   pp.AbsoluteSlack,
			MaxIterations:   pp.MaxIterations,
		},
		Estimator: Estimator{
			Kind:     "euclidean",
			MaxSpeed: 20,
			K:        5,
		},
	}
}

// Load reads path over the defaults, applies a .env file when envFile is
// set and the PLANNER_* variables, then validates. An empty path skips the
// YAML step.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if envFile != "" {
		// Variables already set in the process win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("PLANNER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := lookup("PLANNER_STORE"); ok {
		c.Store.Path = v
	}
	if v, ok := lookup("PLANNER_CALENDAR_DRIVER"); ok {
		c.Store.CalendarDriver = v
	}
	if v, ok := lookup("PLANNER_CALENDAR_DSN"); ok {
		c.Store.CalendarDSN = v
	}
	if v, ok := lookup("PLANNER_OSRM_URLS"); ok {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		c.Walking.URLs = urls
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Params converts the planner section.
func (p Planner) Params() planner.Params {
	return planner.Params{
		Pace:            p.Pace,
		TransferTime:    p.TransferTime,
		WalkPenalty:     p.WalkPenalty,
		WaitPenalty:     p.WaitPenalty,
		TransferPenalty: p.TransferPenalty,
		RelativeSlack:   p.RelativeSlack,
		AbsoluteSlack:   p.AbsoluteSlack,
		MaxIterations:   p.MaxIterations,
	}
}

// Config converts the prospect section.
func (p Prospect) Config() prospect.Config {
	return prospect.Config{
		StartRadius:           p.StartRadius,
		StartMinCount:         p.StartMinCount,
		DestinationRadius:     p.DestinationRadius,
		DestinationMinCount:   p.DestinationMinCount,
		DirectPreciseDistance: p.DirectPreciseDistance,
		DistanceMultiplier:    p.DistanceMultiplier,
	}
}

// Model loads the configured estimator and its artifact, if any.
func (e Estimator) Model() (estimate.Model, error) {
	switch e.Kind {
	case "zero":
		return estimate.Zero{}, nil
	case "euclidean":
		return estimate.Euclidean{MaxSpeed: e.MaxSpeed}, nil
	case "manhattan":
		return estimate.Manhattan{MaxSpeed: e.MaxSpeed}, nil
	case "clusters":
		table, err := estimate.ReadClusterTable(e.Table)
		if err != nil {
			return nil, err
		}
		return estimate.Clusters{Table: table}, nil
	case "knn":
		samples, err := estimate.ReadSamples(e.Samples)
		if err != nil {
			return nil, err
		}
		return estimate.NewKNN(samples, e.K), nil
	case "mlp":
		return estimate.LoadMLP(e.Network)
	}
	return nil, fmt.Errorf("%w: estimator kind %q", ErrInvalid, e.Kind)
}
