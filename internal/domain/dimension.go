// Package domain defines the core interfaces and types for Kestrel.
package domain

// Dimension is one axis of trust evaluation. The set is closed: evaluators
// are registered per dimension at startup, never dispatched by open strings.
type Dimension string

const (
	DimensionIdentity    Dimension = "identity"
	DimensionBehavioral  Dimension = "behavioral"
	DimensionFinancial   Dimension = "financial"
	DimensionContextual  Dimension = "contextual"
	DimensionReputation  Dimension = "reputation"
	DimensionDocument    Dimension = "document"
	DimensionDevice      Dimension = "device"
	DimensionBiometric   Dimension = "biometric"
	DimensionTransaction Dimension = "transaction"
	DimensionRegional    Dimension = "regional"

	// DimensionOverall is a pseudo-dimension used by scaling triggers to
	// target the aggregated score. It is never evaluated directly.
	DimensionOverall Dimension = "overall"
)

// AllDimensions returns every evaluable dimension, in registry order.
func AllDimensions() []Dimension {
	return []Dimension{
		DimensionIdentity,
		DimensionBehavioral,
		DimensionFinancial,
		DimensionContextual,
		DimensionReputation,
		DimensionDocument,
		DimensionDevice,
		DimensionBiometric,
		DimensionTransaction,
		DimensionRegional,
	}
}

// KeyDimensions are the dimensions that drive confidence coverage. A result
// computed without them is considered less reliable.
func KeyDimensions() []Dimension {
	return []Dimension{
		DimensionIdentity,
		DimensionBehavioral,
		DimensionContextual,
		DimensionDevice,
	}
}

// Valid reports whether d names an evaluable dimension.
func (d Dimension) Valid() bool {
	for _, dim := range AllDimensions() {
		if d == dim {
			return true
		}
	}
	return false
}

// TrustLevel is the discrete classification bucket derived from the overall
// score.
type TrustLevel string

const (
	TrustLevelVeryLow  TrustLevel = "very_low"
	TrustLevelLow      TrustLevel = "low"
	TrustLevelMedium   TrustLevel = "medium"
	TrustLevelHigh     TrustLevel = "high"
	TrustLevelVeryHigh TrustLevel = "very_high"
)

// Score scale bounds. All dimension and overall scores are expressed on a
// single 0-100 scale; confidence and weights stay on 0.0-1.0.
const (
	ScoreMin = 0.0
	ScoreMax = 100.0

	// NeutralScore is the default for principals with no history and for
	// dimensions that degrade due to missing data.
	NeutralScore = 50.0
)

// ClampScore forces a score into the canonical 0-100 scale.
func ClampScore(s float64) float64 {
	if s < ScoreMin {
		return ScoreMin
	}
	if s > ScoreMax {
		return ScoreMax
	}
	return s
}
