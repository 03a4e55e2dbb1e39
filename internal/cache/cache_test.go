package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

const (
	geocodeTenant  = "_geocode"
	featuresTenant = "_features"
)

func TestLRUCacheGeocodeEntries(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(16)

	require.NoError(t, c.Set(ctx, geocodeTenant, "kodagu|karnataka", []byte(`{"lat":12.42,"lon":75.73}`), time.Hour))

	got, err := c.Get(ctx, geocodeTenant, "kodagu|karnataka")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":12.42,"lon":75.73}`, string(got))

	miss, err := c.Get(ctx, geocodeTenant, "atlantis|nowhere")
	require.NoError(t, err)
	assert.Nil(t, miss, "a miss is a nil value, not an error")

	require.NoError(t, c.Delete(ctx, geocodeTenant, "kodagu|karnataka"))
	got, err = c.Get(ctx, geocodeTenant, "kodagu|karnataka")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLRUCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := NewLRUCacheWithClock(16, clock)

	require.NoError(t, c.Set(ctx, geocodeTenant, "nashik|maharashtra", []byte("pt"), time.Minute))

	clock.Advance(59 * time.Second)
	got, _ := c.Get(ctx, geocodeTenant, "nashik|maharashtra")
	assert.NotNil(t, got)

	clock.Advance(2 * time.Second)
	got, _ = c.Get(ctx, geocodeTenant, "nashik|maharashtra")
	assert.Nil(t, got)

	size, _ := c.Stats()
	assert.Zero(t, size, "expired entries are removed on read")
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(3)

	for _, district := range []string{"chandrapur", "kodagu", "wayanad"} {
		require.NoError(t, c.Set(ctx, geocodeTenant, district, []byte(district), time.Hour))
	}

	// Touch the oldest so kodagu becomes the eviction candidate.
	_, _ = c.Get(ctx, geocodeTenant, "chandrapur")
	require.NoError(t, c.Set(ctx, geocodeTenant, "nilgiris", []byte("nilgiris"), time.Hour))

	evicted, _ := c.Get(ctx, geocodeTenant, "kodagu")
	assert.Nil(t, evicted)
	for _, kept := range []string{"chandrapur", "wayanad", "nilgiris"} {
		v, _ := c.Get(ctx, geocodeTenant, kept)
		assert.Equal(t, kept, string(v))
	}

	size, capacity := c.Stats()
	assert.Equal(t, 3, size)
	assert.Equal(t, 3, capacity)
}

func TestLRUCacheTenantScoping(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(16)

	require.NoError(t, c.Set(ctx, geocodeTenant, "12.420,75.730", []byte("geo"), time.Hour))
	require.NoError(t, c.Set(ctx, featuresTenant, "12.420,75.730", []byte("feat"), time.Hour))

	geo, _ := c.Get(ctx, geocodeTenant, "12.420,75.730")
	feat, _ := c.Get(ctx, featuresTenant, "12.420,75.730")
	assert.Equal(t, "geo", string(geo))
	assert.Equal(t, "feat", string(feat))

	err := c.Set(ctx, "", "k", []byte("v"), time.Hour)
	assert.Error(t, err)
	_, err = c.Get(ctx, "", "k")
	assert.Error(t, err)
	assert.Error(t, c.Delete(ctx, "", "k"))
	_, err = c.IncrementCounter(ctx, "", "k", time.Hour)
	assert.Error(t, err)
}

func TestLRUCacheCovariates(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(16)

	cov := domain.Covariates{
		domain.CovVegetationIndex: 0.72,
		domain.CovWater:           480,
		domain.CovSlopeAngle:      12.5,
	}
	require.NoError(t, c.SetCovariates(ctx, featuresTenant, LocationKey(12.29581, 76.63942), cov, time.Hour))

	// A point ~40 m away lands in the same bucket.
	got, err := c.GetCovariates(ctx, featuresTenant, LocationKey(12.2961, 76.6391))
	require.NoError(t, err)
	assert.Equal(t, cov, got)

	miss, err := c.GetCovariates(ctx, featuresTenant, LocationKey(20.59, 78.96))
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, c.Set(ctx, featuresTenant, covariatePrefix+"bad", []byte("not json"), time.Hour))
	_, err = c.GetCovariates(ctx, featuresTenant, "bad")
	assert.ErrorContains(t, err, "decode cached covariates")
}

func TestLRUCacheDensityCounter(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := NewLRUCacheWithClock(16, clock)
	window := 30 * 24 * time.Hour

	for want := int64(1); want <= 3; want++ {
		n, err := c.IncrementCounter(ctx, "tenant-ka", "density:Kodagu", window)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	other, err := c.IncrementCounter(ctx, "tenant-ka", "density:Wayanad", window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other, "districts count separately")

	clock.Advance(window + time.Minute)
	n, err := c.IncrementCounter(ctx, "tenant-ka", "density:Kodagu", window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a new window starts from one")
}

func TestLRUCacheClose(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(8)

	require.NoError(t, c.Set(ctx, geocodeTenant, "k", []byte("v"), time.Hour))
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Close())

	got, _ := c.Get(ctx, geocodeTenant, "k")
	assert.Nil(t, got)
}

func TestLRUCacheDefaultsCapacity(t *testing.T) {
	_, capacity := NewLRUCache(0).Stats()
	assert.Positive(t, capacity)
}

func TestNew(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	require.NoError(t, err)
	defer c.Close()
	assert.IsType(t, &LRUCache{}, c)

	_, err = New(domain.CacheConfig{Type: "memcached"})
	assert.ErrorContains(t, err, "unsupported cache type")
}

func TestLocationKey(t *testing.T) {
	tests := []struct {
		lat, lon float64
		want     string
	}{
		{12.29581, 76.63942, "12.296,76.639"},
		{29.3724, 78.1368, "29.372,78.137"},
		{-1.23449, 36.8, "-1.234,36.800"},
		{0, 0, "0.000,0.000"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v,%v", tt.lat, tt.lon), func(t *testing.T) {
			assert.Equal(t, tt.want, LocationKey(tt.lat, tt.lon))
		})
	}
}
