package domain

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete Pugmark configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Scoring    ScoringConfig    `json:"scoring"`
	Features   FeaturesConfig   `json:"features"`
	Geocode    GeocodeConfig    `json:"geocode"`
	Export     ExportConfig     `json:"export"`

	// Worker settings
	AsyncWorker bool     `json:"asyncWorker"`
	TenantIDs   []string `json:"tenantIds"`
	WorkerCount int      `json:"workerCount"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig tunes the scorer and decision processor.
type ScoringConfig struct {
	// AlertThreshold is the probability above which an assessment is HIGH.
	AlertThreshold float64 `json:"alertThreshold"`
	// MaxConcurrency bounds parallel scoring in a batch.
	MaxConcurrency int `json:"maxConcurrency"`
	// DensityWindow is the lookback for the recent_incidents variable.
	DensityWindow time.Duration `json:"densityWindow"`
}

// FeaturesConfig selects and tunes the feature provider.
type FeaturesConfig struct {
	// Provider is "simulated" or "overpass".
	Provider string `json:"provider"`
	// Seed for the simulated provider.
	Seed int64 `json:"seed"`

	OverpassEndpoints []string      `json:"overpassEndpoints"`
	OverpassRadius    float64       `json:"overpassRadius"` // metres
	OverpassTimeout   time.Duration `json:"overpassTimeout"`
	OverpassRetries   int           `json:"overpassRetries"`

	// Fallback to simulation when a live lookup fails.
	SimulatedFallback bool `json:"simulatedFallback"`
}

// GeocodeConfig holds geocoding client settings.
type GeocodeConfig struct {
	Enabled    bool          `json:"enabled"`
	BaseURL    string        `json:"baseUrl"`
	UserAgent  string        `json:"userAgent"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"maxRetries"`
	CacheTTL   time.Duration `json:"cacheTtl"`
}

// ExportConfig holds optional sinks for scored assessments.
type ExportConfig struct {
	KafkaBrokers []string `json:"kafkaBrokers"`
	KafkaTopic   string   `json:"kafkaTopic"`

	S3Bucket       string `json:"s3Bucket"`
	S3Prefix       string `json:"s3Prefix"`
	S3Region       string `json:"s3Region"`
	S3Endpoint     string `json:"s3Endpoint"`
	S3UsePathStyle bool   `json:"s3UsePathStyle"`
}

// KafkaEnabled reports whether a Kafka sink is configured.
func (e ExportConfig) KafkaEnabled() bool { return len(e.KafkaBrokers) > 0 && e.KafkaTopic != "" }

// S3Enabled reports whether an S3 sink is configured.
func (e ExportConfig) S3Enabled() bool { return e.S3Bucket != "" }

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + simulated features
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis with live features
	TierPro Tier = "pro"
)

// DefaultOverpassEndpoints are the public Overpass mirrors tried in order.
var DefaultOverpassEndpoints = []string{
	"https://overpass-api.de/api/interpreter",
	"https://lz4.overpass-api.de/api/interpreter",
	"https://overpass.kumi.systems/api/interpreter",
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./pugmark.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			CovariateTTL: 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			AlertThreshold: HighRiskThreshold,
			MaxConcurrency: 100,
			DensityWindow:  30 * 24 * time.Hour,
		},
		Features: FeaturesConfig{
			Provider:          "simulated",
			Seed:              42,
			OverpassEndpoints: DefaultOverpassEndpoints,
			OverpassRadius:    5000,
			OverpassTimeout:   30 * time.Second,
			OverpassRetries:   3,
		},
		Geocode: GeocodeConfig{
			Enabled:    false,
			BaseURL:    "https://nominatim.openstreetmap.org",
			UserAgent:  "pugmark-geocoder",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			CacheTTL:   7 * 24 * time.Hour,
		},
		WorkerCount: 5,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "pugmark",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "pugmark",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		CovariateTTL:   24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Features.Provider = "overpass"
	cfg.Features.SimulatedFallback = true
	cfg.Geocode.Enabled = true
	cfg.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig picks the tier from PUGMARK_TIER, applies PUGMARK_* overrides
// from the environment and validates the result.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if os.Getenv("PUGMARK_TIER") == string(TierPro) {
		cfg = ProConfig()
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PUGMARK_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	str("PUGMARK_HOST", &c.Server.Host)
	num("PUGMARK_PORT", &c.Server.Port)

	str("PUGMARK_DB_DRIVER", &c.Repository.Driver)
	str("PUGMARK_SQLITE_PATH", &c.Repository.SQLitePath)
	str("PUGMARK_POSTGRES_HOST", &c.Repository.PostgresHost)
	num("PUGMARK_POSTGRES_PORT", &c.Repository.PostgresPort)
	str("PUGMARK_POSTGRES_USER", &c.Repository.PostgresUser)
	str("PUGMARK_POSTGRES_PASSWORD", &c.Repository.PostgresPassword)
	str("PUGMARK_POSTGRES_DB", &c.Repository.PostgresDB)
	str("PUGMARK_POSTGRES_SSLMODE", &c.Repository.PostgresSSLMode)

	str("PUGMARK_CACHE", &c.Cache.Type)
	str("PUGMARK_REDIS_ADDR", &c.Cache.RedisAddr)
	str("PUGMARK_REDIS_PASSWORD", &c.Cache.RedisPassword)

	str("PUGMARK_BUS", &c.EventBus.Type)
	str("PUGMARK_NATS_URL", &c.EventBus.NATSUrl)
	str("PUGMARK_NATS_TOKEN", &c.EventBus.NATSToken)

	if v := getenv("PUGMARK_ALERT_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PUGMARK_ALERT_THRESHOLD: %w", err))
		} else {
			c.Scoring.AlertThreshold = f
		}
	}
	num("PUGMARK_MAX_CONCURRENCY", &c.Scoring.MaxConcurrency)
	dur("PUGMARK_DENSITY_WINDOW", &c.Scoring.DensityWindow)

	str("PUGMARK_FEATURES", &c.Features.Provider)
	if v := getenv("PUGMARK_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PUGMARK_SEED: %w", err))
		} else {
			c.Features.Seed = n
		}
	}
	list("PUGMARK_OVERPASS_ENDPOINTS", &c.Features.OverpassEndpoints)
	dur("PUGMARK_OVERPASS_TIMEOUT", &c.Features.OverpassTimeout)
	flag("PUGMARK_SIMULATED_FALLBACK", &c.Features.SimulatedFallback)

	flag("PUGMARK_GEOCODE_ENABLED", &c.Geocode.Enabled)
	str("PUGMARK_GEOCODE_URL", &c.Geocode.BaseURL)
	dur("PUGMARK_GEOCODE_TIMEOUT", &c.Geocode.Timeout)

	list("PUGMARK_KAFKA_BROKERS", &c.Export.KafkaBrokers)
	str("PUGMARK_KAFKA_TOPIC", &c.Export.KafkaTopic)
	str("PUGMARK_S3_BUCKET", &c.Export.S3Bucket)
	str("PUGMARK_S3_PREFIX", &c.Export.S3Prefix)
	str("PUGMARK_S3_REGION", &c.Export.S3Region)
	str("PUGMARK_S3_ENDPOINT", &c.Export.S3Endpoint)
	flag("PUGMARK_S3_PATH_STYLE", &c.Export.S3UsePathStyle)

	flag("PUGMARK_ASYNC_WORKER", &c.AsyncWorker)
	list("PUGMARK_TENANTS", &c.TenantIDs)
	num("PUGMARK_WORKERS", &c.WorkerCount)

	str("PUGMARK_LOG_LEVEL", &c.Logging.Level)
	str("PUGMARK_LOG_FORMAT", &c.Logging.Format)
	if getenv("PUGMARK_DEBUG") == "true" {
		c.Logging.Level = "debug"
	}
	flag("PUGMARK_TRACING", &c.Tracing.Enabled)

	return errors.Join(errs...)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver %q", c.Repository.Driver))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache type %q", c.Cache.Type))
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus type %q", c.EventBus.Type))
	}
	switch c.Features.Provider {
	case "simulated", "overpass":
	default:
		errs = append(errs, fmt.Errorf("unsupported feature provider %q", c.Features.Provider))
	}
	if c.Scoring.AlertThreshold < 0 || c.Scoring.AlertThreshold > 1 {
		errs = append(errs, fmt.Errorf("alert threshold %.2f outside [0,1]", c.Scoring.AlertThreshold))
	}
	if c.Scoring.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("max concurrency must be positive"))
	}
	if c.Features.Provider == "overpass" && len(c.Features.OverpassEndpoints) == 0 {
		errs = append(errs, errors.New("overpass provider requires at least one endpoint"))
	}
	if len(c.Export.KafkaBrokers) > 0 && c.Export.KafkaTopic == "" {
		errs = append(errs, errors.New("PUGMARK_KAFKA_TOPIC is required when brokers are set"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
