package domain

import "time"

// SecurityLevel is the ordered strength setting applied to a mechanism.
// Ordering matters: future "never downgrade below X" rules compare ranks
// even though current logic mostly compares for equality.
type SecurityLevel string

const (
	LevelMinimal  SecurityLevel = "minimal"
	LevelLow      SecurityLevel = "low"
	LevelStandard SecurityLevel = "standard"
	LevelHigh     SecurityLevel = "high"
	LevelVeryHigh SecurityLevel = "very_high"
	LevelMaximum  SecurityLevel = "maximum"
)

// Rank orders security levels from weakest to strongest.
func (l SecurityLevel) Rank() int {
	switch l {
	case LevelMinimal:
		return 0
	case LevelLow:
		return 1
	case LevelStandard:
		return 2
	case LevelHigh:
		return 3
	case LevelVeryHigh:
		return 4
	case LevelMaximum:
		return 5
	default:
		return -1
	}
}

// Valid reports whether l is a known level.
func (l SecurityLevel) Valid() bool {
	return l.Rank() >= 0
}

// Mechanism is an adjustable security control.
type Mechanism string

const (
	MechanismAuthFactors      Mechanism = "auth_factors"
	MechanismSessionTimeout   Mechanism = "session_timeout"
	MechanismTransactionLimit Mechanism = "transaction_limit"
	MechanismMonitoring       Mechanism = "monitoring"
)

// AllMechanisms returns the closed mechanism set.
func AllMechanisms() []Mechanism {
	return []Mechanism{
		MechanismAuthFactors,
		MechanismSessionTimeout,
		MechanismTransactionLimit,
		MechanismMonitoring,
	}
}

// Valid reports whether m is a known mechanism.
func (m Mechanism) Valid() bool {
	for _, mech := range AllMechanisms() {
		if m == mech {
			return true
		}
	}
	return false
}

// Direction is the scaling outcome a trigger nominates.
type Direction string

const (
	DirectionUp       Direction = "up"
	DirectionDown     Direction = "down"
	DirectionMaintain Direction = "maintain"
)

// ConditionType selects how a trigger's condition is evaluated.
type ConditionType string

const (
	ConditionThreshold    ConditionType = "threshold"
	ConditionDelta        ConditionType = "delta"
	ConditionAnomalyCount ConditionType = "anomaly_count"

	// ConditionExpression evaluates an admin-authored CEL predicate over
	// the result. Compiled at policy-cache reload.
	ConditionExpression ConditionType = "expression"
)

// Comparator is the comparison operator for threshold-style conditions.
type Comparator string

const (
	CompareLT  Comparator = "lt"
	CompareLTE Comparator = "lte"
	CompareGT  Comparator = "gt"
	CompareGTE Comparator = "gte"
	CompareEQ  Comparator = "eq"
)

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case CompareLT, CompareLTE, CompareGT, CompareGTE, CompareEQ:
		return true
	}
	return false
}

// ScalingTrigger is a condition over scores or anomalies that nominates a
// scaling direction. Empty scope fields act as wildcards.
type ScalingTrigger struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Scope: empty matches everything, non-empty must match exactly.
	TenantID  string `json:"tenantId,omitempty"`
	Region    string `json:"region,omitempty"`
	ContextID string `json:"contextId,omitempty"`

	Dimension     Dimension     `json:"dimension"` // DimensionOverall targets the aggregate
	ConditionType ConditionType `json:"conditionType"`
	Comparator    Comparator    `json:"comparator,omitempty"`
	Threshold     float64       `json:"threshold"`
	Expression    string        `json:"expression,omitempty"` // CEL, condition type "expression" only

	Direction Direction `json:"direction"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// ScalingPolicy bundles triggers and maps directions to concrete
// mechanism-level changes.
type ScalingPolicy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	TenantID  string `json:"tenantId,omitempty"`
	Region    string `json:"region,omitempty"`
	ContextID string `json:"contextId,omitempty"`

	TriggerIDs []string `json:"triggerIds"`

	// Adjustments maps direction to the target level per mechanism.
	Adjustments map[Direction]map[Mechanism]SecurityLevel `json:"adjustments"`

	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// References reports whether the policy includes the given trigger.
func (p *ScalingPolicy) References(triggerID string) bool {
	for _, id := range p.TriggerIDs {
		if id == triggerID {
			return true
		}
	}
	return false
}

// SecurityAdjustment is one mechanism change computed by the controller.
type SecurityAdjustment struct {
	Mechanism     Mechanism      `json:"mechanism"`
	PreviousLevel SecurityLevel  `json:"previousLevel"`
	NewLevel      SecurityLevel  `json:"newLevel"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Reason        string         `json:"reason"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`
}

// ScalingEvent is the durable record of one applied (or manually issued)
// adjustment set. Append-only except for revocation.
type ScalingEvent struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principalId"`
	TenantID    string `json:"tenantId"`
	ContextID   string `json:"contextId,omitempty"`
	Region      string `json:"region,omitempty"`

	TriggerID string `json:"triggerId,omitempty"`
	PolicyID  string `json:"policyId,omitempty"`

	// Trust-score snapshot at decision time.
	Score           float64               `json:"score"`
	DimensionScores map[Dimension]float64 `json:"dimensionScores,omitempty"`

	Direction   Direction            `json:"direction"`
	Adjustments []SecurityAdjustment `json:"adjustments"`

	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokeReason string     `json:"revokeReason,omitempty"`
}

// SecurityLevelRecord is the current per-mechanism posture for a principal.
type SecurityLevelRecord struct {
	PrincipalID string         `json:"principalId"`
	TenantID    string         `json:"tenantId"`
	ContextID   string         `json:"contextId,omitempty"`
	Mechanism   Mechanism      `json:"mechanism"`
	Level       SecurityLevel  `json:"level"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	// SetBy records provenance: a scaling event ID or "manual:<admin>".
	SetBy     string     `json:"setBy,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
