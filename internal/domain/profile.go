package domain

import "time"

// DefaultHistoryWindow caps the rolling history kept per profile.
// Eviction is FIFO once the cap is reached.
const DefaultHistoryWindow = 20

// UserTrustProfile is the per-principal historical state read by the
// evaluators and the anomaly detector, and updated after every evaluation.
// The store owns the profile; the engine never holds a long-lived reference.
type UserTrustProfile struct {
	PrincipalID string `json:"principalId"`
	TenantID    string `json:"tenantId"`

	LatestScore float64        `json:"latestScore"`
	History     []HistoryEntry `json:"history"`
	Summary     ProfileSummary `json:"summary"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HistoryEntry is one past evaluation, trimmed to what the detectors need.
type HistoryEntry struct {
	ResultID        string                `json:"resultId"`
	Score           float64               `json:"score"`
	DimensionScores map[Dimension]float64 `json:"dimensionScores,omitempty"`
	AnomalyCount    int                   `json:"anomalyCount"`
	Location        string                `json:"location,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
}

// ProfileSummary aggregates behavioral baselines across the history window.
type ProfileSummary struct {
	// Devices maps device ID to its last known fingerprint.
	Devices map[string]DeviceFingerprint `json:"devices,omitempty"`

	// UsualLocations maps country code to observation count.
	UsualLocations map[string]int `json:"usualLocations,omitempty"`

	// UsualHours maps hour-of-day (0-23, UTC) to observation count.
	UsualHours map[int]int `json:"usualHours,omitempty"`

	// TopFactors records the strongest recent factor names per dimension.
	TopFactors map[Dimension][]string `json:"topFactors,omitempty"`

	// Transaction baseline used by the unusual-transaction detector.
	AvgTransactionAmount float64 `json:"avgTransactionAmount"`
	TransactionCount     int64   `json:"transactionCount"`
}

// DeviceFingerprint is the stored attribute set for a known device.
type DeviceFingerprint struct {
	DeviceID         string    `json:"deviceId"`
	OS               string    `json:"os,omitempty"`
	Browser          string    `json:"browser,omitempty"`
	ScreenResolution string    `json:"screenResolution,omitempty"`
	Timezone         string    `json:"timezone,omitempty"`
	FirstSeen        time.Time `json:"firstSeen"`
	LastSeen         time.Time `json:"lastSeen"`
}

// NewUserTrustProfile creates an empty profile with the neutral default score.
func NewUserTrustProfile(tenantID, principalID string) *UserTrustProfile {
	now := time.Now().UTC()
	return &UserTrustProfile{
		PrincipalID: principalID,
		TenantID:    tenantID,
		LatestScore: NeutralScore,
		Summary: ProfileSummary{
			Devices:        make(map[string]DeviceFingerprint),
			UsualLocations: make(map[string]int),
			UsualHours:     make(map[int]int),
			TopFactors:     make(map[Dimension][]string),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LastEntry returns the most recent history entry, or nil when empty.
func (p *UserTrustProfile) LastEntry() *HistoryEntry {
	if len(p.History) == 0 {
		return nil
	}
	return &p.History[len(p.History)-1]
}

// RecentAverage returns the mean of the last k recorded scores.
// Returns the neutral score when the history is empty.
func (p *UserTrustProfile) RecentAverage(k int) float64 {
	n := len(p.History)
	if n == 0 || k <= 0 {
		return NeutralScore
	}
	if k > n {
		k = n
	}
	var sum float64
	for _, e := range p.History[n-k:] {
		sum += e.Score
	}
	return sum / float64(k)
}

// KnownLocation reports whether country appears in the usual locations.
func (p *UserTrustProfile) KnownLocation(country string) bool {
	if country == "" {
		return false
	}
	return p.Summary.UsualLocations[country] > 0
}
