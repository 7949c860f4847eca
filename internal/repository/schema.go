package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTrustProfiles = `
CREATE TABLE IF NOT EXISTS trust_profiles (
    tenant_id TEXT NOT NULL,
    principal_id TEXT NOT NULL,
    latest_score REAL NOT NULL DEFAULT 50,
    history TEXT NOT NULL,
    summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, principal_id)
);
`

const schemaTrustResults = `
CREATE TABLE IF NOT EXISTS trust_results (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    principal_id TEXT NOT NULL,
    context_id TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL DEFAULT '',
    score REAL NOT NULL,
    dimension_scores TEXT NOT NULL,
    level TEXT NOT NULL,
    confidence REAL NOT NULL,
    factors TEXT,
    anomalies TEXT,
    degraded TEXT,
    evaluation_ms INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trust_results_tenant ON trust_results(tenant_id);
CREATE INDEX IF NOT EXISTS idx_trust_results_principal ON trust_results(tenant_id, principal_id);
CREATE INDEX IF NOT EXISTS idx_trust_results_timestamp ON trust_results(tenant_id, timestamp);
`

const schemaScalingTriggers = `
CREATE TABLE IF NOT EXISTS scaling_triggers (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL DEFAULT '',
    context_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    description TEXT,
    dimension TEXT NOT NULL,
    condition_type TEXT NOT NULL,
    comparator TEXT,
    threshold REAL NOT NULL DEFAULT 0,
    expression TEXT,
    direction TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scaling_triggers_tenant ON scaling_triggers(tenant_id);
CREATE INDEX IF NOT EXISTS idx_scaling_triggers_enabled ON scaling_triggers(enabled);
`

const schemaScalingPolicies = `
CREATE TABLE IF NOT EXISTS scaling_policies (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL DEFAULT '',
    context_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    description TEXT,
    trigger_ids TEXT NOT NULL,
    adjustments TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scaling_policies_tenant ON scaling_policies(tenant_id);
CREATE INDEX IF NOT EXISTS idx_scaling_policies_enabled ON scaling_policies(enabled);
`

const schemaSecurityLevels = `
CREATE TABLE IF NOT EXISTS security_levels (
    tenant_id TEXT NOT NULL,
    principal_id TEXT NOT NULL,
    context_id TEXT NOT NULL DEFAULT '',
    mechanism TEXT NOT NULL,
    level TEXT NOT NULL,
    parameters TEXT,
    set_by TEXT,
    updated_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    PRIMARY KEY (tenant_id, principal_id, context_id, mechanism)
);

CREATE INDEX IF NOT EXISTS idx_security_levels_principal ON security_levels(tenant_id, principal_id);
`

const schemaSecurityLevelDefaults = `
CREATE TABLE IF NOT EXISTS security_level_defaults (
    tenant_id TEXT NOT NULL DEFAULT '',
    context_id TEXT NOT NULL DEFAULT '',
    mechanism TEXT NOT NULL,
    level TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, context_id, mechanism)
);
`

const schemaScalingEvents = `
CREATE TABLE IF NOT EXISTS scaling_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    principal_id TEXT NOT NULL,
    context_id TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL DEFAULT '',
    trigger_id TEXT,
    policy_id TEXT,
    score REAL NOT NULL,
    dimension_scores TEXT,
    direction TEXT NOT NULL,
    adjustments TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    revoked INTEGER NOT NULL DEFAULT 0,
    revoked_at TIMESTAMP,
    revoke_reason TEXT,
    swept INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_scaling_events_tenant ON scaling_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_scaling_events_principal ON scaling_events(tenant_id, principal_id);
CREATE INDEX IF NOT EXISTS idx_scaling_events_expiry ON scaling_events(swept, expires_at);
`

const schemaTenantConfigs = `
CREATE TABLE IF NOT EXISTS tenant_configs (
    tenant_id TEXT PRIMARY KEY,
    config TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaRegionalConfigs = `
CREATE TABLE IF NOT EXISTS regional_configs (
    region TEXT PRIMARY KEY,
    config TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTrustProfiles,
		schemaTrustResults,
		schemaScalingTriggers,
		schemaScalingPolicies,
		schemaSecurityLevels,
		schemaSecurityLevelDefaults,
		schemaScalingEvents,
		schemaTenantConfigs,
		schemaRegionalConfigs,
	}
}
