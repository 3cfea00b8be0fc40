// Package osrm is a client for the table and nearest services of an OSRM
// walking-profile router, used as the authoritative source of walking
// distances.
package osrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"transit_planner/pkg/prospect"
)

const (
	defaultProfile = "foot"
	defaultTimeout = 5 * time.Second
	defaultRetries = 3
	defaultBackoff = 100 * time.Millisecond
	maxBodyBytes   = 8 << 20

	httpMaxIdleConns    = 32
	httpIdleConnTimeout = 90 * time.Second
)

// StatusError is a non-200 answer from an OSRM instance.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("osrm: status %d: %s", e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Option configures a Client.
type Option func(*Client)

// WithProfile selects the routing profile (default "foot").
func WithProfile(profile string) Option {
	return func(c *Client) { c.profile = profile }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetries sets how many times a failed request is retried and the base
// backoff between attempts.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

// WithLogger sets a logger for retried failures.
func WithLogger(l prospect.Logger) Option {
	return func(c *Client) { c.logf = l }
}

// Client talks to one or more OSRM instances, picking one at random for
// each attempt.
type Client struct {
	urls    []string
	profile string
	http    *http.Client
	retries int
	backoff time.Duration
	logf    prospect.Logger
}

// New creates a Client for the given base URLs.
func New(urls []string, opts ...Option) (*Client, error) {
	if len(urls) == 0 {
		return nil, errors.New("osrm: no instance URLs")
	}
	c := &Client{
		profile: defaultProfile,
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        httpMaxIdleConns,
				MaxIdleConnsPerHost: httpMaxIdleConns,
				IdleConnTimeout:     httpIdleConnTimeout,
			},
		},
		retries: defaultRetries,
		backoff: defaultBackoff,
		logf:    func(string, ...any) {},
	}
	for _, u := range urls {
		c.urls = append(c.urls, strings.TrimRight(u, "/"))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type waypoint struct {
	Distance float64 `json:"distance"`
}

type tableResponse struct {
	Code         string       `json:"code"`
	Message      string       `json:"message"`
	Distances    [][]*float64 `json:"distances"`
	Sources      []waypoint   `json:"sources"`
	Destinations []waypoint   `json:"destinations"`
}

// DistanceToMany returns walking distances in meters from one origin to
// each destination. Snapping distances at both ends are included; pairs
// without a path come back as +Inf.
func (c *Client) DistanceToMany(ctx context.Context, from prospect.Coords, to []prospect.Coords) ([]float64, error) {
	if len(to) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	writeCoord(&sb, from)
	for _, p := range to {
		sb.WriteByte(';')
		writeCoord(&sb, p)
	}
	path := fmt.Sprintf("/table/v1/%s/%s?annotations=distance&sources=0", c.profile, sb.String())

	var resp tableResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "Ok" {
		return nil, fmt.Errorf("osrm: table: %s: %s", resp.Code, resp.Message)
	}
	if len(resp.Distances) != 1 || len(resp.Distances[0]) != len(to)+1 ||
		len(resp.Sources) != 1 || len(resp.Destinations) != len(to)+1 {
		return nil, fmt.Errorf("osrm: table: unexpected shape for %d destinations", len(to))
	}

	out := make([]float64, len(to))
	snap := resp.Sources[0].Distance
	for i := range to {
		d := resp.Distances[0][i+1]
		if d == nil {
			out[i] = math.Inf(1)
			continue
		}
		out[i] = snap + *d + resp.Destinations[i+1].Distance
	}
	return out, nil
}

// Health checks that an instance answers a nearest query.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Code string `json:"code"`
	}
	path := fmt.Sprintf("/nearest/v1/%s/0,0.json", c.profile)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return err
	}
	if resp.Code != "Ok" {
		return fmt.Errorf("osrm: nearest: %s", resp.Code)
	}
	return nil
}

// getJSON issues GET path against a random instance, retrying transport
// errors and 429/5xx answers with jittered exponential backoff.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			delay = delay/2 + rand.N(delay/2+1)
			c.logf("osrm: attempt %d failed, retrying in %v: %v", attempt, delay, lastErr)
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		base := c.urls[rand.IntN(len(c.urls))]
		err := c.do(ctx, base+path, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("osrm: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("osrm: http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("osrm: read response: %w", err)
	}
	// OSRM answers unroutable tables with 400 and a JSON code; keep the
	// body for the error either way.
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("osrm: unmarshal response: %w", err)
	}
	return nil
}

func writeCoord(sb *strings.Builder, c prospect.Coords) {
	sb.WriteString(strconv.FormatFloat(c.Lon, 'f', 6, 64))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatFloat(c.Lat, 'f', 6, 64))
}
