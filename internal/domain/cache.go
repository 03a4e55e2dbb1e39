package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetCovariates retrieves covariates cached for a location key.
	// Returns nil, nil if key not found.
	GetCovariates(ctx context.Context, tenantID string, locKey string) (Covariates, error)

	// SetCovariates caches covariates for a location key.
	SetCovariates(ctx context.Context, tenantID string, locKey string, cov Covariates, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for incident density over a time window.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase"` // If true, check local first, then Redis

	// CovariateTTL bounds how long looked-up covariates are reused.
	CovariateTTL time.Duration `json:"covariateTtl"`
}
