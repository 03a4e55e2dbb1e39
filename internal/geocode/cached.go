package geocode

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/observability"
)

const cacheTenant = "_geocode"

// CachedGeocoder wraps a Geocoder with a domain.Cache.
type CachedGeocoder struct {
	inner   domain.Geocoder
	cache   domain.Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCachedGeocoder creates a cache decorator around a geocoder.
func NewCachedGeocoder(inner domain.Geocoder, c domain.Cache, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *CachedGeocoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedGeocoder{inner: inner, cache: c, ttl: ttl, logger: logger, metrics: metrics}
}

// Geocode implements domain.Geocoder.
func (c *CachedGeocoder) Geocode(ctx context.Context, addr domain.Address) (domain.GeoPoint, error) {
	key := cacheKey(addr)

	data, err := c.cache.Get(ctx, cacheTenant, key)
	if err != nil {
		c.logger.Warn("geocode cache read failed", "key", key, "error", err)
	}
	if data != nil {
		var pt domain.GeoPoint
		if err := json.Unmarshal(data, &pt); err == nil {
			c.metrics.ObserveGeocodeCache(true)
			return pt, nil
		}
	}
	c.metrics.ObserveGeocodeCache(false)

	pt, err := c.inner.Geocode(ctx, addr)
	if err != nil {
		// Failures are not cached so a later lookup can succeed.
		return pt, err
	}
	if data, err := json.Marshal(pt); err == nil {
		if err := c.cache.Set(ctx, cacheTenant, key, data, c.ttl); err != nil {
			c.logger.Warn("geocode cache write failed", "key", key, "error", err)
		}
	}
	return pt, nil
}

func cacheKey(addr domain.Address) string {
	return "geo:" + strings.ToLower(CleanPlaceName(addr.Village)+"|"+CleanPlaceName(addr.District)+"|"+CanonicalState(addr.State))
}
