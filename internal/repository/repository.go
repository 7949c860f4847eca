// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-security/kestrel/internal/domain"
)

// SQLStore implements the persistence interfaces (ProfileStore, PolicyStore,
// SecurityLevelStore, EventStore, ConfigProvider) using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a new store based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLStore, error) {
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

	store := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetProfile retrieves a trust profile with tenant isolation.
func (s *SQLStore) GetProfile(ctx context.Context, tenantID, principalID string) (*domain.UserTrustProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, principal_id, latest_score, history, summary, created_at, updated_at
		FROM trust_profiles
		WHERE tenant_id = ? AND principal_id = ?
	`

	var profile domain.UserTrustProfile
	var history, summary string

	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, principalID).Scan(
		&profile.TenantID, &profile.PrincipalID, &profile.LatestScore,
		&history, &summary,
		&profile.CreatedAt, &profile.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(history), &profile.History); err != nil {
		return nil, fmt.Errorf("failed to parse profile history: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &profile.Summary); err != nil {
		return nil, fmt.Errorf("failed to parse profile summary: %w", err)
	}

	return &profile, nil
}

// SaveProfile upserts a trust profile.
func (s *SQLStore) SaveProfile(ctx context.Context, profile *domain.UserTrustProfile) error {
	if profile.TenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	history, _ := json.Marshal(profile.History)
	summary, _ := json.Marshal(profile.Summary)

	query := `
		INSERT INTO trust_profiles (
			tenant_id, principal_id, latest_score, history, summary, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, principal_id) DO UPDATE SET
			latest_score = excluded.latest_score,
			history = excluded.history,
			summary = excluded.summary,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		profile.TenantID, profile.PrincipalID, profile.LatestScore,
		string(history), string(summary),
		profile.CreatedAt, profile.UpdatedAt,
	)
	return err
}

// AppendHistory persists a full evaluation result and returns its ID.
func (s *SQLStore) AppendHistory(ctx context.Context, result *domain.TrustScoreResult) (string, error) {
	if result.TenantID == "" {
		return "", fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	id := result.ID
	if id == "" {
		id = uuid.New().String()
	}

	dimensionScores, _ := json.Marshal(result.DimensionScores)
	factors, _ := json.Marshal(result.Factors)
	anomalies, _ := json.Marshal(result.Anomalies)
	degraded, _ := json.Marshal(result.Degraded)

	query := `
		INSERT INTO trust_results (
			id, tenant_id, principal_id, context_id, region,
			score, dimension_scores, level, confidence,
			factors, anomalies, degraded, evaluation_ms, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		id, result.TenantID, result.PrincipalID, result.ContextID, result.Region,
		result.Score, string(dimensionScores), string(result.Level), result.Confidence,
		string(factors), string(anomalies), string(degraded),
		result.EvaluationMs, result.Timestamp,
	)
	if err != nil {
		return "", err
	}

	return id, nil
}

// GetResult retrieves a persisted evaluation result with tenant isolation.
func (s *SQLStore) GetResult(ctx context.Context, tenantID, resultID string) (*domain.TrustScoreResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, principal_id, context_id, region,
			   score, dimension_scores, level, confidence,
			   factors, anomalies, degraded, evaluation_ms, timestamp
		FROM trust_results
		WHERE tenant_id = ? AND id = ?
	`

	var result domain.TrustScoreResult
	var dimensionScores, factors, anomalies, degraded string

	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, resultID).Scan(
		&result.ID, &result.TenantID, &result.PrincipalID, &result.ContextID, &result.Region,
		&result.Score, &dimensionScores, &result.Level, &result.Confidence,
		&factors, &anomalies, &degraded,
		&result.EvaluationMs, &result.Timestamp,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(dimensionScores), &result.DimensionScores)
	json.Unmarshal([]byte(factors), &result.Factors)
	json.Unmarshal([]byte(anomalies), &result.Anomalies)
	json.Unmarshal([]byte(degraded), &result.Degraded)

	return &result, nil
}

// ListEnabledTriggers retrieves enabled triggers. Empty tenantID returns all
// enabled triggers; otherwise tenant-scoped plus wildcard triggers.
func (s *SQLStore) ListEnabledTriggers(ctx context.Context, tenantID string) ([]*domain.ScalingTrigger, error) {
	query := `
		SELECT id, tenant_id, region, context_id, name, description,
			   dimension, condition_type, comparator, threshold, expression,
			   direction, priority, enabled, created_at, updated_at
		FROM scaling_triggers
		WHERE enabled = 1
	`
	args := []any{}
	if tenantID != "" {
		query += ` AND (tenant_id = '' OR tenant_id = ?)`
		args = append(args, tenantID)
	}
	query += ` ORDER BY priority DESC, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*domain.ScalingTrigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}

	return triggers, rows.Err()
}

// GetTrigger retrieves a trigger by ID.
func (s *SQLStore) GetTrigger(ctx context.Context, triggerID string) (*domain.ScalingTrigger, error) {
	query := `
		SELECT id, tenant_id, region, context_id, name, description,
			   dimension, condition_type, comparator, threshold, expression,
			   direction, priority, enabled, created_at, updated_at
		FROM scaling_triggers
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(query), triggerID)
	trigger, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return trigger, nil
}

// SaveTrigger upserts a scaling trigger.
func (s *SQLStore) SaveTrigger(ctx context.Context, trigger *domain.ScalingTrigger) error {
	if trigger.ID == "" {
		return fmt.Errorf("%w: trigger ID is required", domain.ErrInvalidInput)
	}

	enabled := 0
	if trigger.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := trigger.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO scaling_triggers (
			id, tenant_id, region, context_id, name, description,
			dimension, condition_type, comparator, threshold, expression,
			direction, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			region = excluded.region,
			context_id = excluded.context_id,
			name = excluded.name,
			description = excluded.description,
			dimension = excluded.dimension,
			condition_type = excluded.condition_type,
			comparator = excluded.comparator,
			threshold = excluded.threshold,
			expression = excluded.expression,
			direction = excluded.direction,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		trigger.ID, trigger.TenantID, trigger.Region, trigger.ContextID,
		trigger.Name, trigger.Description,
		string(trigger.Dimension), string(trigger.ConditionType),
		string(trigger.Comparator), trigger.Threshold, trigger.Expression,
		string(trigger.Direction), trigger.Priority, enabled,
		createdAt, now,
	)
	return err
}

// DeleteTrigger removes a trigger.
func (s *SQLStore) DeleteTrigger(ctx context.Context, triggerID string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scaling_triggers WHERE id = ?`), triggerID)
	if err != nil {
		return err
	}
	return requireRows(result)
}

// ListEnabledPolicies retrieves enabled policies. Empty tenantID returns all
// enabled policies; otherwise tenant-scoped plus wildcard policies.
func (s *SQLStore) ListEnabledPolicies(ctx context.Context, tenantID string) ([]*domain.ScalingPolicy, error) {
	query := `
		SELECT id, tenant_id, region, context_id, name, description,
			   trigger_ids, adjustments, priority, enabled, created_at, updated_at
		FROM scaling_policies
		WHERE enabled = 1
	`
	args := []any{}
	if tenantID != "" {
		query += ` AND (tenant_id = '' OR tenant_id = ?)`
		args = append(args, tenantID)
	}
	query += ` ORDER BY priority DESC, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.ScalingPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}

	return policies, rows.Err()
}

// GetPolicy retrieves a policy by ID.
func (s *SQLStore) GetPolicy(ctx context.Context, policyID string) (*domain.ScalingPolicy, error) {
	query := `
		SELECT id, tenant_id, region, context_id, name, description,
			   trigger_ids, adjustments, priority, enabled, created_at, updated_at
		FROM scaling_policies
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(query), policyID)
	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// SavePolicy upserts a scaling policy.
func (s *SQLStore) SavePolicy(ctx context.Context, policy *domain.ScalingPolicy) error {
	if policy.ID == "" {
		return fmt.Errorf("%w: policy ID is required", domain.ErrInvalidInput)
	}

	triggerIDs, _ := json.Marshal(policy.TriggerIDs)
	adjustments, _ := json.Marshal(policy.Adjustments)

	enabled := 0
	if policy.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := policy.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO scaling_policies (
			id, tenant_id, region, context_id, name, description,
			trigger_ids, adjustments, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			region = excluded.region,
			context_id = excluded.context_id,
			name = excluded.name,
			description = excluded.description,
			trigger_ids = excluded.trigger_ids,
			adjustments = excluded.adjustments,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		policy.ID, policy.TenantID, policy.Region, policy.ContextID,
		policy.Name, policy.Description,
		string(triggerIDs), string(adjustments),
		policy.Priority, enabled,
		createdAt, now,
	)
	return err
}

// DeletePolicy removes a policy.
func (s *SQLStore) DeletePolicy(ctx context.Context, policyID string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scaling_policies WHERE id = ?`), policyID)
	if err != nil {
		return err
	}
	return requireRows(result)
}

// GetLevel retrieves the current security level record with tenant isolation.
func (s *SQLStore) GetLevel(ctx context.Context, tenantID, principalID, contextID string, mechanism domain.Mechanism) (*domain.SecurityLevelRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, principal_id, context_id, mechanism, level,
			   parameters, set_by, updated_at, expires_at
		FROM security_levels
		WHERE tenant_id = ? AND principal_id = ? AND context_id = ? AND mechanism = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, principalID, contextID, string(mechanism))
	record, err := scanLevel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// UpsertLevel atomically inserts or updates a security level record.
// A stale write (older updated_at than the stored row) is rejected with
// ErrAdjustmentConflict so the caller can re-read and retry.
func (s *SQLStore) UpsertLevel(ctx context.Context, record *domain.SecurityLevelRecord) error {
	if record.TenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	parameters, _ := json.Marshal(record.Parameters)

	query := `
		INSERT INTO security_levels (
			tenant_id, principal_id, context_id, mechanism, level,
			parameters, set_by, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, principal_id, context_id, mechanism) DO UPDATE SET
			level = excluded.level,
			parameters = excluded.parameters,
			set_by = excluded.set_by,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		WHERE excluded.updated_at >= security_levels.updated_at
	`

	result, err := s.db.ExecContext(ctx, s.rebind(query),
		record.TenantID, record.PrincipalID, record.ContextID, string(record.Mechanism),
		string(record.Level), string(parameters), record.SetBy,
		record.UpdatedAt, record.ExpiresAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrAdjustmentConflict
	}
	return nil
}

// ListLevels retrieves all current security level records for a principal.
func (s *SQLStore) ListLevels(ctx context.Context, tenantID, principalID string) ([]*domain.SecurityLevelRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, principal_id, context_id, mechanism, level,
			   parameters, set_by, updated_at, expires_at
		FROM security_levels
		WHERE tenant_id = ? AND principal_id = ?
		ORDER BY context_id, mechanism
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.SecurityLevelRecord
	for rows.Next() {
		record, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// GetDefault retrieves a configured default level for the exact scope.
func (s *SQLStore) GetDefault(ctx context.Context, tenantID, contextID string, mechanism domain.Mechanism) (domain.SecurityLevel, error) {
	query := `
		SELECT level FROM security_level_defaults
		WHERE tenant_id = ? AND context_id = ? AND mechanism = ?
	`

	var level string
	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, contextID, string(mechanism)).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.SecurityLevel(level), nil
}

// SetDefault configures a default level for the scope.
func (s *SQLStore) SetDefault(ctx context.Context, tenantID, contextID string, mechanism domain.Mechanism, level domain.SecurityLevel) error {
	query := `
		INSERT INTO security_level_defaults (tenant_id, context_id, mechanism, level, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, context_id, mechanism) DO UPDATE SET
			level = excluded.level,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		tenantID, contextID, string(mechanism), string(level), time.Now().UTC(),
	)
	return err
}

// SaveEvent stores a scaling event with tenant isolation.
func (s *SQLStore) SaveEvent(ctx context.Context, event *domain.ScalingEvent) error {
	if event.TenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	dimensionScores, _ := json.Marshal(event.DimensionScores)
	adjustments, _ := json.Marshal(event.Adjustments)

	query := `
		INSERT INTO scaling_events (
			id, tenant_id, principal_id, context_id, region,
			trigger_id, policy_id, score, dimension_scores,
			direction, adjustments, created_at, expires_at,
			revoked, revoked_at, revoke_reason, swept
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, '', 0)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		event.ID, event.TenantID, event.PrincipalID, event.ContextID, event.Region,
		event.TriggerID, event.PolicyID, event.Score, string(dimensionScores),
		string(event.Direction), string(adjustments),
		event.CreatedAt, event.ExpiresAt,
	)
	return err
}

// GetEvent retrieves a scaling event with tenant isolation.
func (s *SQLStore) GetEvent(ctx context.Context, tenantID, eventID string) (*domain.ScalingEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, principal_id, context_id, region,
			   trigger_id, policy_id, score, dimension_scores,
			   direction, adjustments, created_at, expires_at,
			   revoked, revoked_at, revoke_reason
		FROM scaling_events
		WHERE tenant_id = ? AND id = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// RevokeEvent marks an event revoked and moves its expiry to now.
// Revoking an already-revoked event is a no-op success.
func (s *SQLStore) RevokeEvent(ctx context.Context, tenantID, eventID, reason string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		UPDATE scaling_events
		SET revoked = 1, revoked_at = ?, revoke_reason = ?, expires_at = ?
		WHERE tenant_id = ? AND id = ? AND revoked = 0
	`

	result, err := s.db.ExecContext(ctx, s.rebind(query), now, reason, now, tenantID, eventID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// Either already revoked or missing.
	_, err = s.GetEvent(ctx, tenantID, eventID)
	return err
}

// ListExpired returns events whose expiry has passed (including revoked
// ones) and that the sweep has not yet handled.
func (s *SQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.ScalingEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, principal_id, context_id, region,
			   trigger_id, policy_id, score, dimension_scores,
			   direction, adjustments, created_at, expires_at,
			   revoked, revoked_at, revoke_reason
		FROM scaling_events
		WHERE swept = 0 AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.ScalingEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// MarkSwept records that the expiry sweep handled the event.
func (s *SQLStore) MarkSwept(ctx context.Context, tenantID, eventID string) error {
	query := `UPDATE scaling_events SET swept = 1 WHERE tenant_id = ? AND id = ?`

	result, err := s.db.ExecContext(ctx, s.rebind(query), tenantID, eventID)
	if err != nil {
		return err
	}
	return requireRows(result)
}

// GetTenantConfig retrieves a tenant's scoring configuration, falling back
// to documented defaults when the tenant has none stored.
func (s *SQLStore) GetTenantConfig(ctx context.Context, tenantID string) (*domain.TenantConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT config FROM tenant_configs WHERE tenant_id = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultTenantConfig(tenantID), nil
	}
	if err != nil {
		return nil, err
	}

	var cfg domain.TenantConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tenant config: %w", err)
	}
	cfg.TenantID = tenantID

	return &cfg, nil
}

// SaveTenantConfig upserts a tenant's scoring configuration.
func (s *SQLStore) SaveTenantConfig(ctx context.Context, cfg *domain.TenantConfig) error {
	if cfg.TenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tenant_configs (tenant_id, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, s.rebind(query), cfg.TenantID, string(raw), time.Now().UTC())
	return err
}

// GetRegionalConfig retrieves regional adjustments.
func (s *SQLStore) GetRegionalConfig(ctx context.Context, region string) (*domain.RegionalConfig, error) {
	if region == "" {
		return nil, domain.ErrNotFound
	}

	query := `SELECT config FROM regional_configs WHERE region = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(query), region).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cfg domain.RegionalConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse regional config: %w", err)
	}
	cfg.Region = region

	return &cfg, nil
}

// SaveRegionalConfig upserts a region's adjustments.
func (s *SQLStore) SaveRegionalConfig(ctx context.Context, cfg *domain.RegionalConfig) error {
	if cfg.Region == "" {
		return fmt.Errorf("%w: region is required", domain.ErrInvalidInput)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO regional_configs (region, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(region) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, s.rebind(query), cfg.Region, string(raw), time.Now().UTC())
	return err
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row scanner) (*domain.ScalingTrigger, error) {
	var t domain.ScalingTrigger
	var dimension, conditionType, comparator, direction string
	var enabled int

	err := row.Scan(
		&t.ID, &t.TenantID, &t.Region, &t.ContextID, &t.Name, &t.Description,
		&dimension, &conditionType, &comparator, &t.Threshold, &t.Expression,
		&direction, &t.Priority, &enabled, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Dimension = domain.Dimension(dimension)
	t.ConditionType = domain.ConditionType(conditionType)
	t.Comparator = domain.Comparator(comparator)
	t.Direction = domain.Direction(direction)
	t.Enabled = enabled == 1

	return &t, nil
}

func scanPolicy(row scanner) (*domain.ScalingPolicy, error) {
	var p domain.ScalingPolicy
	var triggerIDs, adjustments string
	var enabled int

	err := row.Scan(
		&p.ID, &p.TenantID, &p.Region, &p.ContextID, &p.Name, &p.Description,
		&triggerIDs, &adjustments, &p.Priority, &enabled, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(triggerIDs), &p.TriggerIDs); err != nil {
		return nil, fmt.Errorf("failed to parse policy trigger ids: %w", err)
	}
	if err := json.Unmarshal([]byte(adjustments), &p.Adjustments); err != nil {
		return nil, fmt.Errorf("failed to parse policy adjustments: %w", err)
	}

	return &p, nil
}

func scanLevel(row scanner) (*domain.SecurityLevelRecord, error) {
	var r domain.SecurityLevelRecord
	var mechanism, level, parameters string
	var expiresAt sql.NullTime

	err := row.Scan(
		&r.TenantID, &r.PrincipalID, &r.ContextID, &mechanism, &level,
		&parameters, &r.SetBy, &r.UpdatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	r.Mechanism = domain.Mechanism(mechanism)
	r.Level = domain.SecurityLevel(level)
	if expiresAt.Valid {
		t := expiresAt.Time
		r.ExpiresAt = &t
	}
	json.Unmarshal([]byte(parameters), &r.Parameters)

	return &r, nil
}

func scanEvent(row scanner) (*domain.ScalingEvent, error) {
	var e domain.ScalingEvent
	var dimensionScores, adjustments, direction string
	var expiresAt, revokedAt sql.NullTime
	var revoked int

	err := row.Scan(
		&e.ID, &e.TenantID, &e.PrincipalID, &e.ContextID, &e.Region,
		&e.TriggerID, &e.PolicyID, &e.Score, &dimensionScores,
		&direction, &adjustments, &e.CreatedAt, &expiresAt,
		&revoked, &revokedAt, &e.RevokeReason,
	)
	if err != nil {
		return nil, err
	}

	e.Direction = domain.Direction(direction)
	e.Revoked = revoked == 1
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		e.RevokedAt = &t
	}
	json.Unmarshal([]byte(dimensionScores), &e.DimensionScores)
	if err := json.Unmarshal([]byte(adjustments), &e.Adjustments); err != nil {
		return nil, fmt.Errorf("failed to parse event adjustments: %w", err)
	}

	return &e, nil
}

func requireRows(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
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
