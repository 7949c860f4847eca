package trust

import (
	"github.com/opensource-security/kestrel/internal/domain"
)

// EvalInput is the read-only input shared by all dimension evaluators.
type EvalInput struct {
	Request  *domain.TrustScoreRequest
	Profile  *domain.UserTrustProfile
	Tenant   *domain.TenantConfig
	Regional *domain.RegionalConfig // nil when the request has no region
}

// EvaluatorFunc scores one dimension. Evaluators are stateless and
// side-effect-free: they read the profile, never mutate it. Missing input
// degrades to a neutral score plus an insufficient-data factor; an evaluator
// must never fail the overall evaluation.
type EvaluatorFunc func(in *EvalInput) (float64, []domain.TrustScoreFactor)

// defaultRegistry maps every dimension to its evaluator. The registry is
// closed: a dimension without an entry here cannot be evaluated.
func defaultRegistry() map[domain.Dimension]EvaluatorFunc {
	return map[domain.Dimension]EvaluatorFunc{
		domain.DimensionIdentity:    evaluateIdentity,
		domain.DimensionBehavioral:  evaluateBehavioral,
		domain.DimensionFinancial:   evaluateFinancial,
		domain.DimensionContextual:  evaluateContextual,
		domain.DimensionReputation:  evaluateReputation,
		domain.DimensionDocument:    evaluateDocument,
		domain.DimensionDevice:      evaluateDevice,
		domain.DimensionBiometric:   evaluateBiometric,
		domain.DimensionTransaction: evaluateTransaction,
		domain.DimensionRegional:    evaluateRegional,
	}
}

// scoreFactors applies base score plus signed weighted contributions,
// clamped into the canonical scale.
func scoreFactors(base float64, factors []domain.TrustScoreFactor) float64 {
	score := base
	for _, f := range factors {
		score += f.Weight * f.Value
	}
	return domain.ClampScore(score)
}

// insufficientData is the graceful degrade for evaluators lacking input.
func insufficientData(dim domain.Dimension) (float64, []domain.TrustScoreFactor) {
	return domain.NeutralScore, []domain.TrustScoreFactor{{
		Dimension: dim,
		Name:      "insufficient_data",
		Category:  domain.FactorNeutral,
		Weight:    1.0,
		Value:     0,
	}}
}

func metaBool(req *domain.TrustScoreRequest, key string) (bool, bool) {
	if req.Metadata == nil {
		return false, false
	}
	v, ok := req.Metadata[key].(bool)
	return v, ok
}

func metaFloat(req *domain.TrustScoreRequest, key string) (float64, bool) {
	if req.Metadata == nil {
		return 0, false
	}
	switch v := req.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func metaStrings(req *domain.TrustScoreRequest, key string) []string {
	if req.Metadata == nil {
		return nil
	}
	raw, ok := req.Metadata[key].([]any)
	if !ok {
		if ss, ok := req.Metadata[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func evaluateIdentity(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	var factors []domain.TrustScoreFactor

	if verified, ok := metaBool(in.Request, "identity_verified"); ok {
		if verified {
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionIdentity,
				Name:      "identity_verified",
				Category:  domain.FactorPositive,
				Weight:    1.0,
				Value:     20,
			})
		} else {
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionIdentity,
				Name:      "identity_unverified",
				Category:  domain.FactorNegative,
				Weight:    1.0,
				Value:     -25,
			})
		}
	}

	switch n := len(in.Profile.History); {
	case n >= 10:
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionIdentity,
			Name:      "established_profile",
			Category:  domain.FactorPositive,
			Weight:    0.8,
			Value:     15,
		})
	case n >= 3:
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionIdentity,
			Name:      "developing_profile",
			Category:  domain.FactorPositive,
			Weight:    0.5,
			Value:     10,
		})
	}

	if len(factors) == 0 {
		return insufficientData(domain.DimensionIdentity)
	}
	return scoreFactors(domain.NeutralScore, factors), factors
}

func evaluateBehavioral(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	if len(in.Profile.History) == 0 {
		return insufficientData(domain.DimensionBehavioral)
	}

	var factors []domain.TrustScoreFactor

	now := in.Profile.UpdatedAt
	hour := now.UTC().Hour()
	if len(in.Profile.Summary.UsualHours) > 0 {
		if in.Profile.Summary.UsualHours[hour] > 0 {
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionBehavioral,
				Name:      "usual_access_hour",
				Category:  domain.FactorTemporal,
				Weight:    0.7,
				Value:     12,
			})
		} else {
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionBehavioral,
				Name:      "unusual_access_hour",
				Category:  domain.FactorTemporal,
				Weight:    0.7,
				Value:     -10,
			})
		}
	}

	// Score stability: small spread between the last score and the recent
	// average indicates consistent behavior.
	avg := in.Profile.RecentAverage(5)
	spread := in.Profile.LatestScore - avg
	if spread < 0 {
		spread = -spread
	}
	switch {
	case spread <= 5:
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionBehavioral,
			Name:      "consistent_scores",
			Category:  domain.FactorPositive,
			Weight:    0.6,
			Value:     14,
		})
	case spread >= 25:
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionBehavioral,
			Name:      "volatile_scores",
			Category:  domain.FactorNegative,
			Weight:    0.6,
			Value:     -12,
		})
	}

	if len(factors) == 0 {
		return insufficientData(domain.DimensionBehavioral)
	}
	return scoreFactors(domain.NeutralScore, factors), factors
}

func evaluateFinancial(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	tx := in.Request.Transaction
	if tx == nil {
		return insufficientData(domain.DimensionFinancial)
	}

	var factors []domain.TrustScoreFactor
	avg := in.Profile.Summary.AvgTransactionAmount

	if avg > 0 {
		ratio := tx.Amount / avg
		switch {
		case ratio <= 1.5:
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionFinancial,
				Name:      "amount_within_baseline",
				Category:  domain.FactorPositive,
				Weight:    0.9,
				Value:     15,
			})
		case ratio >= 5:
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionFinancial,
				Name:      "amount_far_above_baseline",
				Category:  domain.FactorNegative,
				Weight:    0.9,
				Value:     -20,
			})
		case ratio >= 3:
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionFinancial,
				Name:      "amount_above_baseline",
				Category:  domain.FactorNegative,
				Weight:    0.7,
				Value:     -10,
			})
		}
	} else {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionFinancial,
			Name:      "no_transaction_baseline",
			Category:  domain.FactorNeutral,
			Weight:    1.0,
			Value:     0,
		})
	}

	return scoreFactors(domain.NeutralScore, factors), factors
}

func evaluateContextual(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	loc := in.Request.Location
	if loc == nil || loc.Country == "" {
		return insufficientData(domain.DimensionContextual)
	}

	var factors []domain.TrustScoreFactor
	if in.Profile.KnownLocation(loc.Country) {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionContextual,
			Name:      "known_location",
			Category:  domain.FactorPositive,
			Weight:    0.9,
			Value:     15,
		})
	} else if len(in.Profile.Summary.UsualLocations) > 0 {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionContextual,
			Name:      "new_location",
			Category:  domain.FactorNegative,
			Weight:    0.9,
			Value:     -12,
		})
	} else {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionContextual,
			Name:      "no_location_baseline",
			Category:  domain.FactorNeutral,
			Weight:    1.0,
			Value:     0,
		})
	}

	return scoreFactors(domain.NeutralScore, factors), factors
}

func evaluateReputation(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	rep, ok := metaFloat(in.Request, "reputation_score")
	if !ok {
		return insufficientData(domain.DimensionReputation)
	}

	rep = domain.ClampScore(rep)
	category := domain.FactorPositive
	if rep < domain.NeutralScore {
		category = domain.FactorNegative
	}
	factors := []domain.TrustScoreFactor{{
		Dimension: domain.DimensionReputation,
		Name:      "external_reputation",
		Category:  category,
		Weight:    1.0,
		Value:     rep - domain.NeutralScore,
	}}
	return scoreFactors(domain.NeutralScore, factors), factors
}

func evaluateDocument(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	verified, ok := metaBool(in.Request, "documents_verified")
	if !ok {
		return insufficientData(domain.DimensionDocument)
	}

	var factors []domain.TrustScoreFactor
	if verified {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionDocument,
			Name:      "documents_verified",
			Category:  domain.FactorPositive,
			Weight:    1.0,
			Value:     20,
		})
	} else {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionDocument,
			Name:      "documents_pending",
			Category:  domain.FactorNegative,
			Weight:    0.8,
			Value:     -10,
		})
	}
	return scoreFactors(domain.NeutralScore, factors), factors
}

func evaluateDevice(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	dev := in.Request.Device
	if dev == nil || dev.DeviceID == "" {
		return insufficientData(domain.DimensionDevice)
	}

	var factors []domain.TrustScoreFactor
	fp, known := in.Profile.Summary.Devices[dev.DeviceID]
	if known {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionDevice,
			Name:      "known_device",
			Category:  domain.FactorPositive,
			Weight:    0.9,
			Value:     18,
		})
		if drifted(fp, dev) {
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionDevice,
				Name:      "device_attribute_drift",
				Category:  domain.FactorNegative,
				Weight:    0.8,
				Value:     -15,
			})
		}
	} else {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionDevice,
			Name:      "new_device",
			Category:  domain.FactorNegative,
			Weight:    0.9,
			Value:     -15,
		})
	}
	return scoreFactors(domain.NeutralScore, factors), factors
}

// drifted reports whether any tracked device attribute differs from the
// stored fingerprint. Empty request attributes are not compared.
func drifted(fp domain.DeviceFingerprint, dev *domain.DeviceContext) bool {
	if dev.OS != "" && fp.OS != "" && dev.OS != fp.OS {
		return true
	}
	if dev.Browser != "" && fp.Browser != "" && dev.Browser != fp.Browser {
		return true
	}
	if dev.ScreenResolution != "" && fp.ScreenResolution != "" && dev.ScreenResolution != fp.ScreenResolution {
		return true
	}
	if dev.Timezone != "" && fp.Timezone != "" && dev.Timezone != fp.Timezone {
		return true
	}
	return false
}

func evaluateBiometric(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	verified, ok := metaBool(in.Request, "biometric_verified")
	if !ok {
		return insufficientData(domain.DimensionBiometric)
	}

	var factors []domain.TrustScoreFactor
	if verified {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionBiometric,
			Name:      "biometric_verified",
			Category:  domain.FactorPositive,
			Weight:    1.0,
			Value:     25,
		})
	} else {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionBiometric,
			Name:      "biometric_failed",
			Category:  domain.FactorNegative,
			Weight:    1.0,
			Value:     -30,
		})
	}
	return scoreFactors(domain.NeutralScore, factors), factors
}

func evaluateTransaction(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	tx := in.Request.Transaction
	if tx == nil {
		return insufficientData(domain.DimensionTransaction)
	}

	var factors []domain.TrustScoreFactor
	if in.Profile.Summary.TransactionCount >= 5 {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionTransaction,
			Name:      "transaction_history",
			Category:  domain.FactorPositive,
			Weight:    0.7,
			Value:     12,
		})
	}
	if tx.Counterparty != "" && in.Profile.Summary.TransactionCount == 0 {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionTransaction,
			Name:      "first_transaction",
			Category:  domain.FactorNegative,
			Weight:    0.5,
			Value:     -8,
		})
	}
	if len(factors) == 0 {
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionTransaction,
			Name:      "limited_transaction_history",
			Category:  domain.FactorNeutral,
			Weight:    1.0,
			Value:     0,
		})
	}
	return scoreFactors(domain.NeutralScore, factors), factors
}

func evaluateRegional(in *EvalInput) (float64, []domain.TrustScoreFactor) {
	if in.Regional == nil {
		return insufficientData(domain.DimensionRegional)
	}

	var factors []domain.TrustScoreFactor
	if in.Regional.ScoreAdjustment != 0 {
		category := domain.FactorRegional
		factors = append(factors, domain.TrustScoreFactor{
			Dimension: domain.DimensionRegional,
			Name:      "regional_adjustment",
			Category:  category,
			Weight:    1.0,
			Value:     in.Regional.ScoreAdjustment,
		})
	}

	provided := make(map[string]bool)
	for _, v := range metaStrings(in.Request, "verifications") {
		provided[v] = true
	}
	for _, required := range in.Regional.RequiredVerifications {
		if !provided[required] {
			factors = append(factors, domain.TrustScoreFactor{
				Dimension: domain.DimensionRegional,
				Name:      "missing_verification:" + required,
				Category:  domain.FactorNegative,
				Weight:    0.8,
				Value:     -10,
			})
		}
	}

	if len(factors) == 0 {
		return insufficientData(domain.DimensionRegional)
	}
	return scoreFactors(domain.NeutralScore, factors), factors
}
