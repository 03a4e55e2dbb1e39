// Package domain defines the core interfaces and types for Pugmark.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Incident operations
	SaveIncident(ctx context.Context, tenantID string, inc *Incident) error
	GetIncident(ctx context.Context, tenantID string, incidentID string) (*Incident, error)
	ListIncidents(ctx context.Context, tenantID string, filter IncidentFilter) ([]*Incident, error)
	CountIncidentsInDistrict(ctx context.Context, tenantID string, district string, since time.Time) (int, error)

	// Custom rule operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *CustomRuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*CustomRuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*CustomRuleConfig, error)

	// Assessment results
	SaveAssessment(ctx context.Context, tenantID string, a *Assessment) error
	GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*Assessment, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// IncidentFilter narrows ListIncidents. Zero values match everything.
type IncidentFilter struct {
	Species  Species
	District string
	Limit    int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
