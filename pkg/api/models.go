package api

// PlanRequest is the JSON body for POST /api/v1/plans and /api/v1/route.
// Date is YYYY-MM-DD and Time is HH:MM or HH:MM:SS; hours may run past 23
// for service after midnight.
type PlanRequest struct {
	Start       LocationJSON `json:"start"`
	Destination LocationJSON `json:"destination"`
	Date        string       `json:"date" validate:"required,datetime=2006-01-02"`
	Time        string       `json:"time" validate:"required"`
	Count       int          `json:"count" validate:"omitempty,min=1,max=10"`
}

// LocationJSON is either a coordinate pair or a stop id. A stop id wins
// when both are given.
type LocationJSON struct {
	Lat  *float64 `json:"lat,omitempty"`
	Lng  *float64 `json:"lng,omitempty"`
	Stop *int32   `json:"stop,omitempty"`
}

// PlansResponse is the JSON response for a successful plan query.
type PlansResponse struct {
	RequestID string     `json:"request_id"`
	Plans     []PlanJSON `json:"plans"`
}

// PlanJSON is one itinerary.
type PlanJSON struct {
	StartTime       string    `json:"start_time"`
	ArrivalTime     string    `json:"arrival_time"`
	DurationSeconds int32     `json:"duration_seconds"`
	Inconvenience   int32     `json:"inconvenience"`
	Transfers       int       `json:"transfers"`
	Legs            []LegJSON `json:"legs"`
}

// LegJSON is one walk or ride. From and To are omitted for the query
// endpoints.
type LegJSON struct {
	Kind           string    `json:"kind"`
	From           *StopJSON `json:"from,omitempty"`
	To             *StopJSON `json:"to,omitempty"`
	Departure      string    `json:"departure"`
	Arrival        string    `json:"arrival"`
	DistanceMeters float64   `json:"distance_meters,omitempty"`
	Route          *int32    `json:"route,omitempty"`
	Headsign       string    `json:"headsign,omitempty"`
	TripID         *int32    `json:"trip_id,omitempty"`
}

// StopJSON describes a stop.
type StopJSON struct {
	ID   uint32  `json:"id"`
	Code string  `json:"code"`
	Name string  `json:"name"`
	Zone string  `json:"zone,omitempty"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// ErrorResponse is the JSON response for errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatsResponse is the JSON response for GET /api/v1/stats.
type StatsResponse struct {
	Stops      int    `json:"stops"`
	Trips      int    `json:"trips"`
	Instances  int    `json:"instances"`
	Clusters   int    `json:"clusters"`
	Estimator  string `json:"estimator"`
	Admissible bool   `json:"admissible"`
}

// HealthResponse is the JSON response for GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Walking string `json:"walking"`
}
