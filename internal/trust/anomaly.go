package trust

import (
	"sort"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// AnomalyConfig holds the detector's calibration constants.
type AnomalyConfig struct {
	// ScoreDropWindow is k, the number of historical scores averaged.
	ScoreDropWindow int

	// ScoreDropDelta is the drop (moving average minus current score)
	// above which a score-drop anomaly fires.
	ScoreDropDelta float64

	// ScoreDropConfidence is the calibrated constant for score drops.
	ScoreDropConfidence float64

	// LowScoreThreshold marks dimensions as affected by a score drop.
	LowScoreThreshold float64

	// TravelWindow is the travel-feasibility threshold: a location change
	// faster than this is impossible travel.
	TravelWindow time.Duration

	// TxnMultiple is the historical-average multiple above which a
	// transaction amount is anomalous.
	TxnMultiple float64
}

// DefaultAnomalyConfig returns the calibrated detector defaults.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		ScoreDropWindow:     5,
		ScoreDropDelta:      20,
		ScoreDropConfidence: 0.85,
		LowScoreThreshold:   40,
		TravelWindow:        2 * time.Hour,
		TxnMultiple:         3.0,
	}
}

// AnomalyDetector compares a request and its fresh scores against the
// principal's historical profile. Rules are independent; all may fire.
type AnomalyDetector struct {
	cfg AnomalyConfig
}

// NewAnomalyDetector creates a detector with the given calibration.
func NewAnomalyDetector(cfg AnomalyConfig) *AnomalyDetector {
	if cfg.ScoreDropWindow <= 0 {
		cfg.ScoreDropWindow = 5
	}
	if cfg.TravelWindow <= 0 {
		cfg.TravelWindow = 2 * time.Hour
	}
	return &AnomalyDetector{cfg: cfg}
}

// Detect runs all rules against the freshly computed scores and the loaded
// profile. The returned list is capped at maxAnomalies, truncated by
// severity then confidence, ties broken by detection order.
func (d *AnomalyDetector) Detect(req *domain.TrustScoreRequest, profile *domain.UserTrustProfile, scores map[domain.Dimension]float64, overall float64, maxAnomalies int) []domain.DetectedAnomaly {
	now := time.Now().UTC()
	var found []domain.DetectedAnomaly

	if a := d.detectScoreDrop(profile, scores, overall, now); a != nil {
		found = append(found, *a)
	}
	if a := d.detectImpossibleTravel(req, profile, now); a != nil {
		found = append(found, *a)
	}
	if a := d.detectUnusualLocation(req, profile, now); a != nil {
		found = append(found, *a)
	}
	if a := d.detectDeviceDrift(req, profile, now); a != nil {
		found = append(found, *a)
	}
	if a := d.detectUnusualTransaction(req, profile, now); a != nil {
		found = append(found, *a)
	}

	if maxAnomalies > 0 && len(found) > maxAnomalies {
		// Stable sort preserves detection order for ties.
		sort.SliceStable(found, func(i, j int) bool {
			if found[i].Severity.Rank() != found[j].Severity.Rank() {
				return found[i].Severity.Rank() > found[j].Severity.Rank()
			}
			return found[i].Confidence > found[j].Confidence
		})
		found = found[:maxAnomalies]
	}

	return found
}

func (d *AnomalyDetector) detectScoreDrop(profile *domain.UserTrustProfile, scores map[domain.Dimension]float64, overall float64, now time.Time) *domain.DetectedAnomaly {
	if len(profile.History) == 0 {
		return nil
	}

	avg := profile.RecentAverage(d.cfg.ScoreDropWindow)
	if avg-overall <= d.cfg.ScoreDropDelta {
		return nil
	}

	var affected []domain.Dimension
	for _, dim := range domain.AllDimensions() {
		if s, ok := scores[dim]; ok && s < d.cfg.LowScoreThreshold {
			affected = append(affected, dim)
		}
	}

	return &domain.DetectedAnomaly{
		Type:       domain.AnomalyScoreDrop,
		Severity:   domain.SeverityHigh,
		Confidence: d.cfg.ScoreDropConfidence,
		Dimensions: affected,
		Reason:     "overall score dropped sharply below recent average",
		DetectedAt: now,
	}
}

func (d *AnomalyDetector) detectImpossibleTravel(req *domain.TrustScoreRequest, profile *domain.UserTrustProfile, now time.Time) *domain.DetectedAnomaly {
	if req.Location == nil || req.Location.Country == "" {
		return nil
	}
	last := profile.LastEntry()
	if last == nil || last.Location == "" || last.Location == req.Location.Country {
		return nil
	}
	if now.Sub(last.Timestamp) >= d.cfg.TravelWindow {
		return nil
	}

	return &domain.DetectedAnomaly{
		Type:       domain.AnomalyImpossibleTravel,
		Severity:   domain.SeverityCritical,
		Confidence: 0.95,
		Dimensions: []domain.Dimension{domain.DimensionContextual},
		Reason:     "location changed faster than travel allows",
		DetectedAt: now,
	}
}

func (d *AnomalyDetector) detectUnusualLocation(req *domain.TrustScoreRequest, profile *domain.UserTrustProfile, now time.Time) *domain.DetectedAnomaly {
	if req.Location == nil || req.Location.Country == "" {
		return nil
	}
	// Needs an established location baseline to be meaningful.
	if len(profile.History) < 5 || len(profile.Summary.UsualLocations) == 0 {
		return nil
	}
	if profile.KnownLocation(req.Location.Country) {
		return nil
	}

	return &domain.DetectedAnomaly{
		Type:       domain.AnomalyUnusualLocation,
		Severity:   domain.SeverityMedium,
		Confidence: 0.6,
		Dimensions: []domain.Dimension{domain.DimensionContextual},
		Reason:     "access from a location outside the usual set",
		DetectedAt: now,
	}
}

func (d *AnomalyDetector) detectDeviceDrift(req *domain.TrustScoreRequest, profile *domain.UserTrustProfile, now time.Time) *domain.DetectedAnomaly {
	dev := req.Device
	if dev == nil || dev.DeviceID == "" {
		return nil
	}
	fp, known := profile.Summary.Devices[dev.DeviceID]
	if !known || !drifted(fp, dev) {
		return nil
	}

	return &domain.DetectedAnomaly{
		Type:       domain.AnomalyDeviceChange,
		Severity:   domain.SeverityMedium,
		Confidence: 0.75,
		Dimensions: []domain.Dimension{domain.DimensionDevice},
		Reason:     "known device reported changed attributes",
		DetectedAt: now,
	}
}

func (d *AnomalyDetector) detectUnusualTransaction(req *domain.TrustScoreRequest, profile *domain.UserTrustProfile, now time.Time) *domain.DetectedAnomaly {
	tx := req.Transaction
	if tx == nil || tx.Amount <= 0 {
		return nil
	}
	avg := profile.Summary.AvgTransactionAmount
	if avg <= 0 || tx.Amount <= avg*d.cfg.TxnMultiple {
		return nil
	}

	return &domain.DetectedAnomaly{
		Type:       domain.AnomalyUnusualTransaction,
		Severity:   domain.SeverityHigh,
		Confidence: 0.8,
		Dimensions: []domain.Dimension{domain.DimensionTransaction, domain.DimensionFinancial},
		Reason:     "transaction amount far exceeds historical average",
		DetectedAt: now,
	}
}
