// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveIncident stores an incident with tenant isolation. Saving an existing
// ID replaces its covariates and descriptive fields.
func (r *SQLRepository) SaveIncident(ctx context.Context, tenantID string, inc *domain.Incident) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if inc == nil || inc.ID == "" {
		return fmt.Errorf("%w: incident ID is required", ErrInvalidInput)
	}

	covariates, err := json.Marshal(inc.Covariates)
	if err != nil {
		return fmt.Errorf("%w: covariates: %v", ErrInvalidInput, err)
	}

	createdAt := inc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO incidents (
			id, tenant_id, species, demographic, season, lat, lon,
			village, district, district_key, state, occurred_at,
			victim_outcome, details, source_type, covariates, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			species = excluded.species,
			demographic = excluded.demographic,
			season = excluded.season,
			lat = excluded.lat,
			lon = excluded.lon,
			village = excluded.village,
			district = excluded.district,
			district_key = excluded.district_key,
			state = excluded.state,
			occurred_at = excluded.occurred_at,
			victim_outcome = excluded.victim_outcome,
			details = excluded.details,
			source_type = excluded.source_type,
			covariates = excluded.covariates
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		inc.ID, tenantID, string(inc.Species), string(inc.Demographic), string(inc.Season),
		inc.Lat, inc.Lon,
		inc.Village, inc.District, districtKey(inc.District), inc.State,
		nullTime(inc.OccurredAt),
		inc.VictimOutcome, inc.Details, inc.SourceType,
		string(covariates), createdAt,
	)
	return err
}

const incidentColumns = `
	id, tenant_id, species, demographic, season, lat, lon,
	village, district, state, occurred_at,
	victim_outcome, details, source_type, covariates, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var inc domain.Incident
	var species, demographic, season string
	var village, district, state, outcome, details, source sql.NullString
	var occurred sql.NullTime
	var covariates string

	if err := row.Scan(
		&inc.ID, &inc.TenantID, &species, &demographic, &season, &inc.Lat, &inc.Lon,
		&village, &district, &state, &occurred,
		&outcome, &details, &source, &covariates, &inc.CreatedAt,
	); err != nil {
		return nil, err
	}

	inc.Species = domain.Species(species)
	inc.Demographic = domain.Demographic(demographic)
	inc.Season = domain.Season(season)
	inc.Village = village.String
	inc.District = district.String
	inc.State = state.String
	inc.VictimOutcome = outcome.String
	inc.Details = details.String
	inc.SourceType = source.String
	if occurred.Valid {
		inc.OccurredAt = occurred.Time
	}
	if covariates != "" {
		if err := json.Unmarshal([]byte(covariates), &inc.Covariates); err != nil {
			return nil, fmt.Errorf("failed to parse covariates for %s: %w", inc.ID, err)
		}
	}
	return &inc, nil
}

// GetIncident retrieves an incident by ID with tenant isolation.
func (r *SQLRepository) GetIncident(ctx context.Context, tenantID string, incidentID string) (*domain.Incident, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = ? AND id = ?`

	inc, err := scanIncident(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, incidentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// ListIncidents returns incidents for a tenant, newest first.
func (r *SQLRepository) ListIncidents(ctx context.Context, tenantID string, filter domain.IncidentFilter) ([]*domain.Incident, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = ?`)
	args := []any{tenantID}

	if filter.Species != "" {
		sb.WriteString(` AND species = ?`)
		args = append(args, string(filter.Species))
	}
	if filter.District != "" {
		sb.WriteString(` AND district_key = ?`)
		args = append(args, districtKey(filter.District))
	}
	sb.WriteString(` ORDER BY created_at DESC, id`)

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}

	return incidents, rows.Err()
}

// CountIncidentsInDistrict counts a tenant's incidents in a district created since the given time.
func (r *SQLRepository) CountIncidentsInDistrict(ctx context.Context, tenantID string, district string, since time.Time) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM incidents
		WHERE tenant_id = ? AND district_key = ? AND created_at >= ?
	`

	var count int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, districtKey(district), since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return count, nil
}

// SaveRuleConfig stores a custom rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.CustomRuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO custom_rules (
			id, tenant_id, name, description, version, species, expression, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			species = excluded.species,
			expression = excluded.expression,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, string(rule.Species), rule.Expression, rule.Weight, enabled,
		now, now,
	)
	return err
}

const ruleColumns = `id, tenant_id, name, description, version, species, expression, weight, enabled, created_at`

func scanRule(row rowScanner) (*domain.CustomRuleConfig, error) {
	var cfg domain.CustomRuleConfig
	var description, species sql.NullString
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &species, &cfg.Expression, &cfg.Weight, &enabled, &cfg.CreatedAt,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Species = domain.Species(species.String)
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// GetRuleConfig retrieves the latest enabled version of a custom rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.CustomRuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM custom_rules
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves all active custom rules for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.CustomRuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM custom_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.CustomRuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// SaveAssessment stores an assessment with tenant isolation.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, a *domain.Assessment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	hits, _ := json.Marshal(a.Hits)
	metadata, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO assessments (
			id, tenant_id, incident_id, batch_id, species, district, state,
			status, probability, raw_weight, error, process_ms, timestamp, hits, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.IncidentID, a.BatchID, string(a.Species), a.District, a.State,
		string(a.Status), a.Probability, a.RawWeight, a.Error, a.ProcessMs, a.Timestamp,
		string(hits), string(metadata),
	)
	return err
}

// GetAssessment retrieves an assessment by ID with tenant isolation.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*domain.Assessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, incident_id, batch_id, species, district, state,
			   status, probability, raw_weight, error, process_ms, timestamp, hits, metadata
		FROM assessments
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.Assessment
	var batchID, district, state, errText sql.NullString
	var species, status, hits, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, assessmentID).Scan(
		&a.ID, &a.TenantID, &a.IncidentID, &batchID, &species, &district, &state,
		&status, &a.Probability, &a.RawWeight, &errText, &a.ProcessMs, &a.Timestamp,
		&hits, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.BatchID = batchID.String
	a.Species = domain.Species(species)
	a.District = district.String
	a.State = state.String
	a.Status = domain.AssessmentStatus(status)
	a.Error = errText.String
	json.Unmarshal([]byte(hits), &a.Hits)
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func districtKey(district string) string {
	return strings.ToLower(strings.TrimSpace(district))
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
