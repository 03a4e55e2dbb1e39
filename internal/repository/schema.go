package repository

// Schema definitions for the Pugmark database.
// Compatible with both SQLite and PostgreSQL.

const schemaIncidents = `
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    species TEXT NOT NULL,
    demographic TEXT NOT NULL,
    season TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    village TEXT,
    district TEXT,
    district_key TEXT,
    state TEXT,
    occurred_at TIMESTAMP,
    victim_outcome TEXT,
    details TEXT,
    source_type TEXT,
    covariates TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_incidents_species ON incidents(tenant_id, species);
CREATE INDEX IF NOT EXISTS idx_incidents_district ON incidents(tenant_id, district_key, created_at);
`

const schemaCustomRules = `
CREATE TABLE IF NOT EXISTS custom_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    species TEXT,
    expression TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_custom_rules_enabled ON custom_rules(tenant_id, enabled);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    incident_id TEXT NOT NULL,
    batch_id TEXT,
    species TEXT NOT NULL,
    district TEXT,
    state TEXT,
    status TEXT NOT NULL,
    probability REAL NOT NULL,
    raw_weight REAL NOT NULL,
    error TEXT,
    process_ms INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    hits TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_incident ON assessments(tenant_id, incident_id);
CREATE INDEX IF NOT EXISTS idx_assessments_status ON assessments(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_assessments_batch ON assessments(tenant_id, batch_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaIncidents,
		schemaCustomRules,
		schemaAssessments,
	}
}
