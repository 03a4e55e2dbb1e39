package features

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-wildlife/pugmark/internal/cache"
	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/observability"
)

// cacheTenant scopes covariate entries. Covariates describe a place, not a
// tenant, so all tenants share them.
const cacheTenant = "_features"

// Cached memoises a provider's results by rounded coordinates.
type Cached struct {
	next    domain.FeatureProvider
	cache   domain.Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCached wraps next with a covariate cache.
func NewCached(next domain.FeatureProvider, c domain.Cache, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: c, ttl: ttl, logger: logger, metrics: metrics}
}

// Name returns the wrapped provider's name.
func (c *Cached) Name() string { return "cached(" + c.next.Name() + ")" }

// Covariates serves from cache when possible. Incidents without coordinates
// bypass the cache. Cache failures are logged and never fail the lookup.
func (c *Cached) Covariates(ctx context.Context, inc *domain.Incident) (domain.Covariates, error) {
	if !inc.HasCoordinates() {
		return c.next.Covariates(ctx, inc)
	}

	key := cache.LocationKey(inc.Lat, inc.Lon)
	cached, err := c.cache.GetCovariates(ctx, cacheTenant, key)
	if err != nil {
		c.logger.Warn("covariate cache read failed", "key", key, "error", err)
	}
	if cached != nil {
		c.metrics.ObserveFeatureCache(true)
		return cached, nil
	}
	c.metrics.ObserveFeatureCache(false)

	cov, err := c.next.Covariates(ctx, inc)
	if err != nil {
		return nil, err
	}
	if len(cov) > 0 {
		if err := c.cache.SetCovariates(ctx, cacheTenant, key, cov, c.ttl); err != nil {
			c.logger.Warn("covariate cache write failed", "key", key, "error", err)
		}
	}
	return cov, nil
}
