package scaling

import (
	"log/slog"

	"github.com/google/cel-go/common/types"

	"github.com/opensource-security/kestrel/internal/domain"
)

// matchesScope reports whether the trigger or policy scope applies to the
// result. Empty scope fields are wildcards; non-empty must match exactly.
func matchesScope(tenantID, region, contextID string, result *domain.TrustScoreResult) bool {
	if tenantID != "" && tenantID != result.TenantID {
		return false
	}
	if region != "" && region != result.Region {
		return false
	}
	if contextID != "" && contextID != result.ContextID {
		return false
	}
	return true
}

// dimensionScore resolves the trigger's target score from the result.
// DimensionOverall targets the aggregate.
func dimensionScore(dim domain.Dimension, result *domain.TrustScoreResult) (float64, bool) {
	if dim == domain.DimensionOverall || dim == "" {
		return result.Score, true
	}
	s, ok := result.DimensionScores[dim]
	return s, ok
}

// compare applies a comparator with epsilon-tolerant equality.
func compare(c domain.Comparator, value, threshold, epsilon float64) bool {
	switch c {
	case domain.CompareLT:
		return value < threshold
	case domain.CompareLTE:
		return value <= threshold+epsilon
	case domain.CompareGT:
		return value > threshold
	case domain.CompareGTE:
		return value >= threshold-epsilon
	case domain.CompareEQ:
		diff := value - threshold
		if diff < 0 {
			diff = -diff
		}
		return diff <= epsilon
	default:
		return false
	}
}

// evaluateTrigger reports whether the trigger's condition holds for the
// result. prev is the evaluation key's cached state; delta conditions are
// skipped when no previous value exists.
func (c *Controller) evaluateTrigger(trigger *domain.ScalingTrigger, result *domain.TrustScoreResult, prev *domain.EvaluationState, snap *Snapshot) bool {
	switch trigger.ConditionType {
	case domain.ConditionThreshold:
		value, ok := dimensionScore(trigger.Dimension, result)
		if !ok {
			return false
		}
		return compare(trigger.Comparator, value, trigger.Threshold, c.cfg.Epsilon)

	case domain.ConditionDelta:
		if prev == nil {
			return false
		}
		current, ok := dimensionScore(trigger.Dimension, result)
		if !ok {
			return false
		}
		var previous float64
		if trigger.Dimension == domain.DimensionOverall || trigger.Dimension == "" {
			previous = prev.Overall
		} else {
			previous, ok = prev.DimensionScores[trigger.Dimension]
			if !ok {
				return false
			}
		}
		return compare(trigger.Comparator, current-previous, trigger.Threshold, c.cfg.Epsilon)

	case domain.ConditionAnomalyCount:
		count := 0
		if trigger.Dimension == "" || trigger.Dimension == domain.DimensionOverall {
			count = len(result.Anomalies)
		} else {
			for _, a := range result.Anomalies {
				for _, dim := range a.Dimensions {
					if dim == trigger.Dimension {
						count++
						break
					}
				}
			}
		}
		return compare(trigger.Comparator, float64(count), trigger.Threshold, c.cfg.Epsilon)

	case domain.ConditionExpression:
		program, ok := snap.Program(trigger.ID)
		if !ok {
			return false
		}
		scores := make(map[string]float64, len(result.DimensionScores))
		for dim, s := range result.DimensionScores {
			scores[string(dim)] = s
		}
		out, _, err := program.Eval(map[string]any{
			"overall":       result.Score,
			"scores":        scores,
			"level":         string(result.Level),
			"anomaly_count": len(result.Anomalies),
			"confidence":    result.Confidence,
		})
		if err != nil {
			slog.Warn("expression trigger evaluation failed",
				"trigger_id", trigger.ID,
				"error", err,
			)
			return false
		}
		fired, ok := out.(types.Bool)
		return ok && bool(fired)

	default:
		return false
	}
}
