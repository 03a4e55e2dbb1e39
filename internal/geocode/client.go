package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/observability"
)

// errNoMatch means the service answered but found nothing for one query.
var errNoMatch = errors.New("no match")

// Client implements domain.Geocoder against a Nominatim-compatible search API.
type Client struct {
	baseURL    string
	userAgent  string
	maxRetries int
	retryBase  time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryBase sets the first retry delay.
func WithRetryBase(d time.Duration) ClientOption {
	return func(c *Client) { c.retryBase = d }
}

// WithMetrics records request outcomes.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a geocoding client.
func NewClient(cfg domain.GeocodeConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		retryBase:  time.Second,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Geocode tries each address level in turn and returns the first match.
func (c *Client) Geocode(ctx context.Context, addr domain.Address) (domain.GeoPoint, error) {
	levels := AddressLevels(addr.Village, addr.District, addr.State)
	if len(levels) == 0 {
		return domain.GeoPoint{}, fmt.Errorf("%w: empty address", domain.ErrLocationNotFound)
	}

	var lastErr error
	for _, q := range levels {
		pt, err := c.search(ctx, q.Text)
		switch {
		case err == nil:
			c.metrics.ObserveGeocode(q.Level, "success")
			pt.Level = q.Level
			return pt, nil
		case errors.Is(err, errNoMatch):
			c.metrics.ObserveGeocode(q.Level, "empty")
			c.logger.Debug("address not found, widening", "query", q.Text, "level", q.Level)
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.GeoPoint{}, ctxErr
			}
			c.metrics.ObserveGeocode(q.Level, "error")
			c.logger.Warn("geocode request failed", "query", q.Text, "error", err)
			lastErr = err
		}
	}

	if lastErr != nil {
		return domain.GeoPoint{}, fmt.Errorf("%w: %v", domain.ErrLocationNotFound, lastErr)
	}
	return domain.GeoPoint{}, domain.ErrLocationNotFound
}

func (c *Client) search(ctx context.Context, query string) (domain.GeoPoint, error) {
	params := url.Values{
		"q":            {query},
		"format":       {"json"},
		"limit":        {"1"},
		"countrycodes": {"in"},
	}
	fullURL := c.baseURL + "/search?" + params.Encode()

	var pt domain.GeoPoint
	op := func() error {
		var err error
		pt, err = c.doRequest(ctx, fullURL)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.maxRetries, 0))), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return domain.GeoPoint{}, err
	}
	return pt, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (domain.GeoPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.GeoPoint{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.GeoPoint{}, fmt.Errorf("geocode API: status %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.GeoPoint{}, backoff.Permanent(fmt.Errorf("geocode API error: status %d: %s", resp.StatusCode, body))
	}

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return domain.GeoPoint{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(places) == 0 {
		return domain.GeoPoint{}, backoff.Permanent(errNoMatch)
	}

	lat, errLat := strconv.ParseFloat(places[0].Lat, 64)
	lon, errLon := strconv.ParseFloat(places[0].Lon, 64)
	if errLat != nil || errLon != nil {
		return domain.GeoPoint{}, backoff.Permanent(fmt.Errorf("decode response: bad coordinates %q,%q", places[0].Lat, places[0].Lon))
	}
	return domain.GeoPoint{Lat: lat, Lon: lon}, nil
}

// Nominatim response types.

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}
