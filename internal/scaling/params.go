package scaling

import (
	"context"
	"errors"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Per-level parameter tables. All tables consume the canonical 0-100 score
// scale where score-derived.

var requiredFactorsByLevel = map[domain.SecurityLevel]int{
	domain.LevelMinimal:  1,
	domain.LevelLow:      1,
	domain.LevelStandard: 2,
	domain.LevelHigh:     2,
	domain.LevelVeryHigh: 3,
	domain.LevelMaximum:  3,
}

var allowedFactorsByLevel = map[domain.SecurityLevel][]string{
	domain.LevelMinimal:  {"password"},
	domain.LevelLow:      {"password", "sms"},
	domain.LevelStandard: {"password", "sms", "totp"},
	domain.LevelHigh:     {"password", "totp", "push"},
	domain.LevelVeryHigh: {"totp", "push", "webauthn"},
	domain.LevelMaximum:  {"totp", "webauthn", "hardware_key"},
}

var sessionTimeoutMinutesByLevel = map[domain.SecurityLevel]int{
	domain.LevelMinimal:  480,
	domain.LevelLow:      240,
	domain.LevelStandard: 120,
	domain.LevelHigh:     60,
	domain.LevelVeryHigh: 30,
	domain.LevelMaximum:  15,
}

var transactionLimitMultiplierByLevel = map[domain.SecurityLevel]float64{
	domain.LevelMinimal:  2.0,
	domain.LevelLow:      1.5,
	domain.LevelStandard: 1.0,
	domain.LevelHigh:     0.5,
	domain.LevelVeryHigh: 0.25,
	domain.LevelMaximum:  0.1,
}

var monitoringSamplingRateByLevel = map[domain.SecurityLevel]float64{
	domain.LevelMinimal:  0.05,
	domain.LevelLow:      0.1,
	domain.LevelStandard: 0.25,
	domain.LevelHigh:     0.5,
	domain.LevelVeryHigh: 0.75,
	domain.LevelMaximum:  1.0,
}

// mechanismParameters derives the mechanism-specific parameters for a target
// level deterministically. score feeds the transaction-limit multiplier.
func mechanismParameters(m domain.Mechanism, level domain.SecurityLevel, score float64) map[string]any {
	switch m {
	case domain.MechanismAuthFactors:
		return map[string]any{
			"requiredFactors": requiredFactorsByLevel[level],
			"allowedFactors":  allowedFactorsByLevel[level],
		}
	case domain.MechanismSessionTimeout:
		return map[string]any{
			"timeoutMinutes": sessionTimeoutMinutesByLevel[level],
		}
	case domain.MechanismTransactionLimit:
		base := transactionLimitMultiplierByLevel[level]
		// Higher trust relaxes the limit within the level's band.
		adjusted := base * (0.5 + score/200.0)
		return map[string]any{
			"limitMultiplier":    base,
			"adjustedMultiplier": adjusted,
		}
	case domain.MechanismMonitoring:
		return map[string]any{
			"samplingRate": monitoringSamplingRateByLevel[level],
			"alerting":     level.Rank() >= domain.LevelHigh.Rank(),
		}
	default:
		return nil
	}
}

// resolveDefaultLevel resolves the security level to assume when no explicit
// per-principal record exists. Lookup order: context-specific tenant default,
// tenant-wide default, global default, then the hard-coded standard level.
// This order governs first-contact posture and must not change.
func resolveDefaultLevel(ctx context.Context, store domain.SecurityLevelStore, tenantID, contextID string, m domain.Mechanism) domain.SecurityLevel {
	if contextID != "" {
		if level, err := store.GetDefault(ctx, tenantID, contextID, m); err == nil {
			return level
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.LevelStandard
		}
	}
	if level, err := store.GetDefault(ctx, tenantID, "", m); err == nil {
		return level
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.LevelStandard
	}
	if level, err := store.GetDefault(ctx, "", "", m); err == nil {
		return level
	}
	return domain.LevelStandard
}
