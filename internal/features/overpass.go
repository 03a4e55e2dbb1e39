package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// MetresPerDegree is the equirectangular scale used for nearest-feature distances.
const MetresPerDegree = 111000.0

// ErrNoCoordinates means a live lookup was asked for an incident without a location.
var ErrNoCoordinates = errors.New("incident has no coordinates")

// overpassFilters lists the OSM element filters whose nearest match gives each
// distance covariate.
var overpassFilters = map[domain.Covariate][]string{
	domain.CovWater: {
		`way["natural"="water"]`,
		`relation["natural"="water"]`,
	},
	domain.CovVillage: {
		`node["place"="village"]`,
		`way["landuse"="residential"]`,
	},
	domain.CovRockyOutcrop: {
		`node["natural"="bare_rock"]`,
		`way["natural"="bare_rock"]`,
		`way["natural"="scree"]`,
		`way["natural"="cliff"]`,
	},
	domain.CovGrassland: {
		`way["natural"="grassland"]`,
		`way["landuse"="meadow"]`,
		`way["natural"="scrub"]`,
	},
	domain.CovAgriculture: {
		`way["landuse"="farmland"]`,
		`way["landuse"="orchard"]`,
		`way["landuse"="plantation"]`,
	},
}

// OverpassCovariates are the covariates OverpassProvider can supply.
var OverpassCovariates = []domain.Covariate{
	domain.CovWater,
	domain.CovVillage,
	domain.CovRockyOutcrop,
	domain.CovGrassland,
	domain.CovAgriculture,
}

// OverpassProvider measures the distance from an incident to the nearest
// mapped water body, settlement, rock, grassland and farmland using the
// Overpass API. Vegetation index and slope are not available from OSM and
// are left for a later provider in a Chain.
type OverpassProvider struct {
	endpoints  []string
	radius     float64
	retries    int
	retryBase  time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// OverpassOption configures an OverpassProvider.
type OverpassOption func(*OverpassProvider)

// WithRetryBase sets the first retry delay.
func WithRetryBase(d time.Duration) OverpassOption {
	return func(p *OverpassProvider) { p.retryBase = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OverpassOption {
	return func(p *OverpassProvider) { p.httpClient = c }
}

// NewOverpassProvider creates a provider from the features configuration.
func NewOverpassProvider(cfg domain.FeaturesConfig, logger *slog.Logger, opts ...OverpassOption) *OverpassProvider {
	if logger == nil {
		logger = slog.Default()
	}
	endpoints := cfg.OverpassEndpoints
	if len(endpoints) == 0 {
		endpoints = domain.DefaultOverpassEndpoints
	}
	radius := cfg.OverpassRadius
	if radius <= 0 {
		radius = 5000
	}
	timeout := cfg.OverpassTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.OverpassRetries
	if retries < 0 {
		retries = 0
	}

	p := &OverpassProvider{
		endpoints:  endpoints,
		radius:     radius,
		retries:    retries,
		retryBase:  2 * time.Second,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *OverpassProvider) Name() string { return "overpass" }

// Covariates looks up every distance covariate. Covariates whose lookup
// fails are omitted; the call errors only when all lookups fail.
func (p *OverpassProvider) Covariates(ctx context.Context, inc *domain.Incident) (domain.Covariates, error) {
	if !inc.HasCoordinates() {
		return nil, ErrNoCoordinates
	}

	out := domain.Covariates{}
	var errs []error
	for _, cov := range OverpassCovariates {
		d, err := p.NearestDistance(ctx, inc.Lat, inc.Lon, cov)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			errs = append(errs, fmt.Errorf("%s: %w", cov, err))
			continue
		}
		out[cov] = d
	}

	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		p.logger.Warn("partial overpass lookup",
			"incident_id", inc.ID,
			"resolved", len(out),
			"error", errors.Join(errs...),
		)
	}
	return out, nil
}

// NearestDistance returns the distance in metres to the closest element
// matching cov's filters, or the search radius when none is mapped nearby.
func (p *OverpassProvider) NearestDistance(ctx context.Context, lat, lon float64, cov domain.Covariate) (float64, error) {
	filters, ok := overpassFilters[cov]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no OSM source", domain.ErrInvalidCovariate, cov)
	}

	resp, err := p.query(ctx, BuildOverpassQuery(filters, p.radius, lat, lon))
	if err != nil {
		return 0, err
	}
	return nearest(resp.Elements, lat, lon, p.radius), nil
}

// BuildOverpassQuery renders an Overpass QL union of filters around a point.
func BuildOverpassQuery(filters []string, radius, lat, lon float64) string {
	var b strings.Builder
	b.WriteString("[out:json][timeout:25];\n(")
	for _, f := range filters {
		fmt.Fprintf(&b, "%s(around:%.0f,%.6f,%.6f);", f, radius, lat, lon)
	}
	b.WriteString(");\nout center;")
	return b.String()
}

// query sends q to a randomly chosen mirror, moving to another mirror on
// each retry.
func (p *OverpassProvider) query(ctx context.Context, q string) (*overpassResponse, error) {
	start := p.pickEndpoint()
	attempt := 0

	var result *overpassResponse
	op := func() error {
		endpoint := p.endpoints[(start+attempt)%len(p.endpoints)]
		attempt++

		resp, err := p.do(ctx, endpoint, q)
		if err != nil {
			return err
		}
		result = resp
		return nil
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Debug("overpass retry", "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, p.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *OverpassProvider) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryBase
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.retries)), ctx)
}

func (p *OverpassProvider) do(ctx context.Context, endpoint, q string) (*overpassResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+url.Values{"data": {q}}.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("overpass request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("overpass %s: status %d", endpoint, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("overpass %s: status %d: %s", endpoint, resp.StatusCode, body))
	}

	var out overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Overloaded mirrors answer 200 with an HTML error page.
		return nil, fmt.Errorf("decode overpass response: %w", err)
	}
	return &out, nil
}

func (p *OverpassProvider) pickEndpoint() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(len(p.endpoints))
}

// nearest returns the smallest distance to any element with a position,
// capped at radius and rounded to centimetres.
func nearest(elements []overpassElement, lat, lon, radius float64) float64 {
	best := radius
	for _, el := range elements {
		elLat, elLon, ok := el.position()
		if !ok {
			continue
		}
		if d := ApproxDistance(lat, lon, elLat, elLon); d < best {
			best = d
		}
	}
	return math.Round(best*100) / 100
}

// ApproxDistance is the equirectangular distance in metres between two
// points. It is accurate enough within the few-kilometre search radius.
func ApproxDistance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * MetresPerDegree
	dLon := (lon2 - lon1) * MetresPerDegree * math.Cos(lat1*math.Pi/180)
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

// Overpass API response types.

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   string          `json:"type"`
	Lat    *float64        `json:"lat"`
	Lon    *float64        `json:"lon"`
	Center *overpassCenter `json:"center"`
}

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (e overpassElement) position() (float64, float64, bool) {
	if e.Lat != nil && e.Lon != nil {
		return *e.Lat, *e.Lon, true
	}
	if e.Center != nil {
		return e.Center.Lat, e.Center.Lon, true
	}
	return 0, 0, false
}
