package domain

import (
	"time"
)

// TrustScoreRequest is an immutable evaluation request for one principal.
type TrustScoreRequest struct {
	PrincipalID string `json:"principalId"`
	TenantID    string `json:"tenantId"`
	ContextID   string `json:"contextId,omitempty"`
	Region      string `json:"region,omitempty"`

	// Dimensions optionally restricts evaluation to a subset. Empty means
	// all dimensions carrying a non-zero tenant weight.
	Dimensions []Dimension `json:"dimensions,omitempty"`

	Transaction *TransactionContext `json:"transaction,omitempty"`
	Device      *DeviceContext      `json:"device,omitempty"`
	Location    *LocationContext    `json:"location,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// TransactionContext carries the transaction payload under evaluation.
type TransactionContext struct {
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Type         string  `json:"type,omitempty"`
	Counterparty string  `json:"counterparty,omitempty"`
}

// DeviceContext carries the requesting device's tracked attributes.
type DeviceContext struct {
	DeviceID         string `json:"deviceId"`
	OS               string `json:"os,omitempty"`
	Browser          string `json:"browser,omitempty"`
	ScreenResolution string `json:"screenResolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
}

// LocationContext carries the request origin.
type LocationContext struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
	IP      string `json:"ip,omitempty"`
}

// FactorCategory classifies a factor's contribution.
type FactorCategory string

const (
	FactorPositive FactorCategory = "positive"
	FactorNegative FactorCategory = "negative"
	FactorNeutral  FactorCategory = "neutral"
	FactorRegional FactorCategory = "regional"
	FactorTemporal FactorCategory = "temporal"
)

// TrustScoreFactor is one weighted contribution to a dimension score.
// Produced per evaluation, persisted only as part of history.
type TrustScoreFactor struct {
	Dimension Dimension      `json:"dimension"`
	Name      string         `json:"name"`
	Category  FactorCategory `json:"category"`
	Weight    float64        `json:"weight"` // 0.0 to 1.0
	Value     float64        `json:"value"`  // signed score-scale contribution
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Impact is the factor's selection key for the explanation payload.
func (f TrustScoreFactor) Impact() float64 {
	v := f.Value
	if v < 0 {
		v = -v
	}
	return f.Weight * v
}

// AnomalyType identifies a detection rule family.
type AnomalyType string

const (
	AnomalyScoreDrop          AnomalyType = "score-drop"
	AnomalyImpossibleTravel   AnomalyType = "impossible-travel"
	AnomalyUnusualLocation    AnomalyType = "unusual-location"
	AnomalyDeviceChange       AnomalyType = "device-change"
	AnomalyUnusualBehavior    AnomalyType = "unusual-behavior"
	AnomalyFinancial          AnomalyType = "financial-anomaly"
	AnomalyIdentityMismatch   AnomalyType = "identity-mismatch"
	AnomalyUnusualTransaction AnomalyType = "unusual-transaction"
	AnomalyCredentialStuffing AnomalyType = "credential-stuffing"
	AnomalyAccountTakeover    AnomalyType = "account-takeover-attempt"
)

// Severity grades a detected anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for truncation (higher is worse).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Weight is the severity's contribution to the confidence penalty.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 0.4
	case SeverityHigh:
		return 0.25
	case SeverityMedium:
		return 0.1
	default:
		return 0.05
	}
}

// DetectedAnomaly is one finding from the anomaly detector.
type DetectedAnomaly struct {
	Type       AnomalyType `json:"type"`
	Severity   Severity    `json:"severity"`
	Confidence float64     `json:"confidence"` // 0.0 to 1.0
	Dimensions []Dimension `json:"dimensions,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	DetectedAt time.Time   `json:"detectedAt"`
}

// TrustScoreResult is the immutable outcome of one evaluation.
// Overall and per-dimension scores are on the 0-100 scale; confidence is
// on 0.0-1.0.
type TrustScoreResult struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principalId"`
	TenantID    string `json:"tenantId"`
	ContextID   string `json:"contextId,omitempty"`
	Region      string `json:"region,omitempty"`

	Score           float64               `json:"score"`
	DimensionScores map[Dimension]float64 `json:"dimensionScores"`
	Level           TrustLevel            `json:"level"`
	Confidence      float64               `json:"confidence"`

	Factors   []TrustScoreFactor `json:"factors,omitempty"`
	Anomalies []DetectedAnomaly  `json:"anomalies,omitempty"`

	// Degraded lists dimensions whose evaluator failed and fell back to
	// the neutral score.
	Degraded []Dimension `json:"degraded,omitempty"`

	EvaluationMs int64     `json:"evaluationMs"`
	Timestamp    time.Time `json:"timestamp"`
}
