package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"transit_planner/pkg/planner"
	"transit_planner/pkg/prospect"
	"transit_planner/pkg/routing"
	"transit_planner/pkg/transit"
)

// TripPlanner answers plan queries. *planner.Service implements it.
type TripPlanner interface {
	Plans(ctx context.Context, q planner.Query) ([]*planner.Plan, error)
	Fastest(ctx context.Context, q planner.Query) (*planner.Plan, error)
	Stats() planner.Stats
	Store() *transit.Store
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	planner  TripPlanner
	walking  HealthChecker
	validate *validator.Validate
	location *time.Location
}

// NewHandlers creates handlers over p. walking may be nil. Dates in
// requests are interpreted in loc.
func NewHandlers(p TripPlanner, walking HealthChecker, loc *time.Location) *Handlers {
	if loc == nil {
		loc = time.Local
	}
	return &Handlers{
		planner:  p,
		walking:  walking,
		validate: validator.New(),
		location: loc,
	}
}

// HandlePlans handles POST /api/v1/plans.
func (h *Handlers) HandlePlans(w http.ResponseWriter, r *http.Request) {
	q, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	plans, err := h.planner.Plans(r.Context(), q)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	resp := PlansResponse{RequestID: RequestID(r.Context())}
	for _, p := range plans {
		resp.Plans = append(resp.Plans, h.planJSON(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRoute handles POST /api/v1/route: the single fastest plan.
func (h *Handlers) HandleRoute(w http.ResponseWriter, r *http.Request) {
	q, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	p, err := h.planner.Fastest(r.Context(), q)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PlansResponse{
		RequestID: RequestID(r.Context()),
		Plans:     []PlanJSON{h.planJSON(p)},
	})
}

// HandleStop handles GET /api/v1/stops/{id}.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	stops := &h.planner.Store().Stops
	if err != nil || id >= uint64(stops.Len()) {
		writeError(w, r, http.StatusNotFound, "unknown_stop", "id")
		return
	}
	writeJSON(w, http.StatusOK, h.stopJSON(int32(id)))
}

// HandleHealth handles GET /api/v1/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Walking: "unchecked"}
	status := http.StatusOK
	if h.walking != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.walking.Health(ctx); err != nil {
			resp.Status, resp.Walking = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Walking = "ok"
		}
	}
	writeJSON(w, status, resp)
}

// HandleStats handles GET /api/v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	s := h.planner.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Stops:      s.Stops,
		Trips:      s.Trips,
		Instances:  s.Instances,
		Clusters:   s.Clusters,
		Estimator:  s.Estimator,
		Admissible: s.Admissible,
	})
}

func (h *Handlers) decodeQuery(w http.ResponseWriter, r *http.Request) (planner.Query, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "")
		return planner.Query{}, false
	}
	var req PlanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "")
		return planner.Query{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		field := ""
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = jsonField(verrs[0].Namespace())
		}
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_request", field)
		return planner.Query{}, false
	}

	for _, e := range []struct {
		field string
		loc   LocationJSON
	}{{"start", req.Start}, {"destination", req.Destination}} {
		if err := validateLocation(e.loc); err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, "invalid_coordinates", e.field)
			return planner.Query{}, false
		}
	}

	date, err := time.ParseInLocation(time.DateOnly, req.Date, h.location)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_request", "date")
		return planner.Query{}, false
	}
	at, err := ParseClock(req.Time)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_request", "time")
		return planner.Query{}, false
	}
	return planner.Query{
		Start:       location(req.Start),
		Destination: location(req.Destination),
		Date:        date,
		StartTime:   at,
		Count:       req.Count,
	}, true
}

func validateLocation(l LocationJSON) error {
	if l.Stop != nil {
		if *l.Stop < 0 {
			return errors.New("stop id must not be negative")
		}
		return nil
	}
	if l.Lat == nil || l.Lng == nil {
		return errors.New("need lat and lng or a stop id")
	}
	lat, lng := *l.Lat, *l.Lng
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return errors.New("coordinates must be finite numbers")
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return errors.New("coordinates out of range")
	}
	return nil
}

func location(l LocationJSON) prospect.Location {
	if l.Stop != nil {
		return prospect.AtStop(uint32(*l.Stop))
	}
	return prospect.At(*l.Lat, *l.Lng)
}

// jsonField turns a validator namespace such as PlanRequest.Count into
// count.
func jsonField(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

// ParseClock parses HH:MM or HH:MM:SS into seconds after midnight. Hours up
// to 47 are accepted.
func ParseClock(s string) (int32, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("clock %q: want HH:MM[:SS]", s)
	}
	limits := []int{47, 59, 59}
	var total int32
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > limits[i] || len(p) != 2 {
			return 0, fmt.Errorf("clock %q: bad field %q", s, p)
		}
		total = total*60 + int32(v)
	}
	if len(parts) == 2 {
		total *= 60
	}
	return total, nil
}

func (h *Handlers) planJSON(p *planner.Plan) PlanJSON {
	out := PlanJSON{
		StartTime:       planner.Clock(p.StartTime),
		ArrivalTime:     planner.Clock(p.ArrivalTime),
		DurationSeconds: p.Duration(),
		Inconvenience:   p.Inconvenience,
		Transfers:       max(p.Rides()-1, 0),
	}
	for _, l := range p.Legs {
		leg := LegJSON{
			Kind:      l.Kind.String(),
			From:      h.stopRef(l.FromStop),
			To:        h.stopRef(l.ToStop),
			Departure: planner.Clock(l.Departure),
			Arrival:   planner.Clock(l.Arrival),
		}
		if l.Kind == planner.Ride {
			route, trip := l.Route, l.TripID
			leg.Route, leg.TripID, leg.Headsign = &route, &trip, l.Headsign
		} else {
			leg.DistanceMeters = l.Distance
		}
		out.Legs = append(out.Legs, leg)
	}
	return out
}

func (h *Handlers) stopRef(stop int32) *StopJSON {
	if stop < 0 {
		return nil
	}
	s := h.stopJSON(stop)
	return &s
}

func (h *Handlers) stopJSON(stop int32) StopJSON {
	st := h.planner.Store().Stops.Get(uint32(stop))
	return StopJSON{ID: st.ID, Code: st.Code, Name: st.Name, Zone: st.Zone, Lat: st.Lat, Lng: st.Lon}
}

// writeQueryError maps planning failures to status codes.
func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, planner.ErrInvalidQuery), errors.Is(err, prospect.ErrUnknownStop):
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_request", "")
	case errors.Is(err, prospect.ErrOutsideServiceArea), errors.Is(err, prospect.ErrTooFewStops):
		writeError(w, r, http.StatusUnprocessableEntity, "outside_service_area", "")
	case errors.Is(err, routing.ErrNoRoute):
		writeError(w, r, http.StatusNotFound, "no_route_found", "")
	case errors.Is(err, prospect.ErrWalkingService):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "walking_service_unavailable", "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request_timeout", "")
	default:
		logf(r.Context(), "query failed: %v", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, field string) {
	writeJSON(w, status, ErrorResponse{Error: code, Field: field, RequestID: RequestID(r.Context())})
}
