package domain

import (
	"context"
	"time"
)

// ProfileStore persists user trust profiles and evaluation history.
type ProfileStore interface {
	// GetProfile returns the principal's profile, or ErrNotFound.
	GetProfile(ctx context.Context, tenantID, principalID string) (*UserTrustProfile, error)

	// SaveProfile upserts a profile.
	SaveProfile(ctx context.Context, profile *UserTrustProfile) error

	// AppendHistory persists a full evaluation result (factors and
	// anomalies included) and returns its history ID.
	AppendHistory(ctx context.Context, result *TrustScoreResult) (string, error)

	// GetResult returns a persisted evaluation result, or ErrNotFound.
	GetResult(ctx context.Context, tenantID, resultID string) (*TrustScoreResult, error)
}

// PolicyStore persists scaling triggers and policies. Every write must be
// followed by a cache-reload signal on the event bus.
type PolicyStore interface {
	ListEnabledTriggers(ctx context.Context, tenantID string) ([]*ScalingTrigger, error)
	GetTrigger(ctx context.Context, triggerID string) (*ScalingTrigger, error)
	SaveTrigger(ctx context.Context, trigger *ScalingTrigger) error
	DeleteTrigger(ctx context.Context, triggerID string) error

	ListEnabledPolicies(ctx context.Context, tenantID string) ([]*ScalingPolicy, error)
	GetPolicy(ctx context.Context, policyID string) (*ScalingPolicy, error)
	SavePolicy(ctx context.Context, policy *ScalingPolicy) error
	DeletePolicy(ctx context.Context, policyID string) error
}

// SecurityLevelStore persists per-mechanism security levels and defaults.
type SecurityLevelStore interface {
	// GetLevel returns the current record, or ErrNotFound when no explicit
	// level has been set.
	GetLevel(ctx context.Context, tenantID, principalID, contextID string, mechanism Mechanism) (*SecurityLevelRecord, error)

	// UpsertLevel atomically inserts or updates a record in one statement.
	// A concurrent-write conflict surfaces as ErrAdjustmentConflict.
	UpsertLevel(ctx context.Context, record *SecurityLevelRecord) error

	// ListLevels returns all current records for a principal.
	ListLevels(ctx context.Context, tenantID, principalID string) ([]*SecurityLevelRecord, error)

	// GetDefault returns the configured default for the scope, or
	// ErrNotFound. Resolution order across scopes is the caller's concern.
	GetDefault(ctx context.Context, tenantID, contextID string, mechanism Mechanism) (SecurityLevel, error)

	// SetDefault configures a default level. Empty tenantID sets the
	// global default; empty contextID sets a tenant-wide default.
	SetDefault(ctx context.Context, tenantID, contextID string, mechanism Mechanism, level SecurityLevel) error
}

// EventStore persists scaling events. Events are append-only except for
// revocation, which is idempotent.
type EventStore interface {
	SaveEvent(ctx context.Context, event *ScalingEvent) error
	GetEvent(ctx context.Context, tenantID, eventID string) (*ScalingEvent, error)

	// RevokeEvent sets expiry to now and flags the event revoked.
	// Revoking an already-revoked event is a no-op success.
	RevokeEvent(ctx context.Context, tenantID, eventID, reason string) error

	// ListExpired returns events whose expiry has passed (revoked events
	// included, since revocation moves expiry to now) and that have not
	// yet been swept.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*ScalingEvent, error)

	// MarkSwept records that the expiry sweep handled the event.
	MarkSwept(ctx context.Context, tenantID, eventID string) error
}

// ConfigProvider supplies tenant and regional scoring configuration.
type ConfigProvider interface {
	// GetTenantConfig returns the tenant's configuration, falling back to
	// documented defaults when the tenant has none stored.
	GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error)

	// GetRegionalConfig returns regional adjustments, or ErrNotFound.
	GetRegionalConfig(ctx context.Context, region string) (*RegionalConfig, error)
}

// NotificationSink delivers best-effort principal notifications. Failures
// never roll back applied adjustments.
type NotificationSink interface {
	Notify(ctx context.Context, tenantID, principalID, title, body string, metadata map[string]string) error
}

// EvaluationState is the controller's cached snapshot per evaluation key,
// used for cooldown checks and delta-trigger baselines.
type EvaluationState struct {
	Overall         float64               `json:"overall"`
	DimensionScores map[Dimension]float64 `json:"dimensionScores,omitempty"`
	AnomalyCount    int                   `json:"anomalyCount"`
	EvaluatedAt     time.Time             `json:"evaluatedAt"`
}

// SharedEvaluationStateStore externalizes the controller's per-key state so
// multi-replica deployments do not double-fire scaling events.
type SharedEvaluationStateStore interface {
	// GetState returns the key's state, or nil when absent.
	GetState(ctx context.Context, key string) (*EvaluationState, error)

	// SetState replaces the key's state.
	SetState(ctx context.Context, key string, state *EvaluationState) error
}

// DefaultContextID is the context discriminator used when a request carries
// no explicit context.
const DefaultContextID = "default"

// EvaluationKey builds the controller's cooldown/delta key for a result.
func EvaluationKey(tenantID, principalID, contextID string) string {
	if contextID == "" {
		contextID = DefaultContextID
	}
	return tenantID + ":" + principalID + ":" + contextID
}
