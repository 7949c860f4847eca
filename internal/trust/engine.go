// Package trust implements the multi-dimensional trust score engine.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-security/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-trust")

// Engine orchestrates the dimension evaluators, anomaly detection,
// confidence estimation, and persistence for one evaluation call.
type Engine struct {
	profiles   domain.ProfileStore
	configs    domain.ConfigProvider
	cache      domain.Cache // optional
	detector   *AnomalyDetector
	evaluators map[domain.Dimension]EvaluatorFunc
	cfg        domain.EngineConfig
}

// NewEngine creates a trust score engine. The cache is optional; pass nil to
// disable request short-circuiting regardless of configuration.
func NewEngine(profiles domain.ProfileStore, configs domain.ConfigProvider, cache domain.Cache, cfg domain.EngineConfig) *Engine {
	if cfg.TopFactors <= 0 {
		cfg.TopFactors = 10
	}
	if cfg.NegativeFactorBoost <= 0 {
		cfg.NegativeFactorBoost = 1.0
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = domain.DefaultHistoryWindow
	}
	return &Engine{
		profiles:   profiles,
		configs:    configs,
		cache:      cache,
		detector:   NewAnomalyDetector(DefaultAnomalyConfig()),
		evaluators: defaultRegistry(),
		cfg:        cfg,
	}
}

type evalOutcome struct {
	dimension domain.Dimension
	score     float64
	factors   []domain.TrustScoreFactor
	degraded  bool
}

// Evaluate computes a TrustScoreResult for the request. Configuration,
// profile, or persistence failures and deadline overruns surface as a
// wrapped ErrEvaluationFailed; no partial result is ever returned.
// Individual evaluator failures degrade to the neutral score instead.
func (e *Engine) Evaluate(ctx context.Context, req *domain.TrustScoreRequest) (*domain.TrustScoreResult, error) {
	start := time.Now()

	if req == nil || req.PrincipalID == "" || req.TenantID == "" {
		return nil, fmt.Errorf("%w: principalId and tenantId are required", domain.ErrInvalidInput)
	}

	if e.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.EvaluationTimeout)*time.Second)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "trust.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("principal.id", req.PrincipalID),
	)

	cacheKey := evalCacheKey(req)
	if e.cache != nil && e.cfg.CacheEnabled {
		if cached, err := e.cache.GetResult(ctx, req.TenantID, cacheKey); err == nil && cached != nil {
			return cached, nil
		}
	}

	tenant, err := e.configs.GetTenantConfig(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: tenant config: %v", domain.ErrEvaluationFailed, err)
	}

	var regional *domain.RegionalConfig
	if req.Region != "" {
		regional, err = e.configs.GetRegionalConfig(ctx, req.Region)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("%w: regional config: %v", domain.ErrEvaluationFailed, err)
		}
	}

	profile, err := e.profiles.GetProfile(ctx, req.TenantID, req.PrincipalID)
	if err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("%w: load profile: %v", domain.ErrEvaluationFailed, err)
		}
		profile = domain.NewUserTrustProfile(req.TenantID, req.PrincipalID)
	}

	dims := e.selectDimensions(req, tenant)
	if len(dims) == 0 {
		return nil, fmt.Errorf("%w: no dimensions selected", domain.ErrEvaluationFailed)
	}

	outcomes, err := e.evaluateDimensions(ctx, dims, &EvalInput{
		Request:  req,
		Profile:  profile,
		Tenant:   tenant,
		Regional: regional,
	})
	if err != nil {
		return nil, err
	}

	scores := make(map[domain.Dimension]float64, len(outcomes))
	var allFactors []domain.TrustScoreFactor
	var degraded []domain.Dimension
	for _, o := range outcomes {
		scores[o.dimension] = o.score
		allFactors = append(allFactors, o.factors...)
		if o.degraded {
			degraded = append(degraded, o.dimension)
		}
	}

	overall := aggregateScores(scores, tenant.Weights)

	result := &domain.TrustScoreResult{
		ID:              uuid.New().String(),
		PrincipalID:     req.PrincipalID,
		TenantID:        req.TenantID,
		ContextID:       req.ContextID,
		Region:          req.Region,
		Score:           overall,
		DimensionScores: scores,
		Level:           tenant.ClassifyLevel(overall),
		Factors:         e.topFactors(allFactors),
		Degraded:        degraded,
		Timestamp:       time.Now().UTC(),
	}

	if tenant.AnomalyDetection {
		result.Anomalies = e.detector.Detect(req, profile, scores, overall, tenant.MaxAnomalies)
	}

	result.Confidence = confidence(dims, degraded, tenant.Weights, result.Anomalies)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEvaluationFailed, ctx.Err())
	}

	// Fix the duration before persisting so the stored result carries it.
	result.EvaluationMs = time.Since(start).Milliseconds()

	if _, err := e.profiles.AppendHistory(ctx, result); err != nil {
		return nil, fmt.Errorf("%w: append history: %v", domain.ErrEvaluationFailed, err)
	}

	updateProfile(profile, req, result, e.cfg.HistoryWindow)
	if err := e.profiles.SaveProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("%w: save profile: %v", domain.ErrEvaluationFailed, err)
	}

	if e.cache != nil && e.cfg.CacheEnabled {
		ttl := time.Duration(e.cfg.CacheTTL) * time.Second
		if ttl <= 0 {
			ttl = time.Minute
		}
		if err := e.cache.SetResult(ctx, req.TenantID, cacheKey, result, ttl); err != nil {
			slog.Debug("result cache write failed", "error", err)
		}
	}

	return result, nil
}

// selectDimensions intersects the requested subset with the dimensions
// carrying a non-zero tenant weight.
func (e *Engine) selectDimensions(req *domain.TrustScoreRequest, tenant *domain.TenantConfig) []domain.Dimension {
	requested := req.Dimensions
	if len(requested) == 0 {
		requested = domain.AllDimensions()
	}

	var dims []domain.Dimension
	for _, d := range requested {
		if !d.Valid() {
			continue
		}
		if tenant.Weights[d] <= 0 {
			continue
		}
		if _, ok := e.evaluators[d]; !ok {
			continue
		}
		dims = append(dims, d)
	}
	return dims
}

// evaluateDimensions fans out one task per selected dimension and awaits
// all of them. A panicking or failing evaluator degrades to the neutral
// score; only the aggregate deadline aborts the batch.
func (e *Engine) evaluateDimensions(ctx context.Context, dims []domain.Dimension, in *EvalInput) ([]evalOutcome, error) {
	outcomes := make([]evalOutcome, len(dims))
	var wg sync.WaitGroup

	for i, dim := range dims {
		wg.Add(1)
		go func(idx int, d domain.Dimension) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("evaluator panic", "dimension", d, "panic", r)
					outcomes[idx] = evalOutcome{dimension: d, score: domain.NeutralScore, degraded: true}
				}
			}()

			if ctx.Err() != nil {
				outcomes[idx] = evalOutcome{dimension: d, score: domain.NeutralScore, degraded: true}
				return
			}

			score, factors := e.evaluators[d](in)
			outcomes[idx] = evalOutcome{
				dimension: d,
				score:     domain.ClampScore(score),
				factors:   factors,
			}
		}(i, dim)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return outcomes, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrEvaluationFailed, ctx.Err())
	}
}

// aggregateScores computes the weighted average of dimension scores.
func aggregateScores(scores map[domain.Dimension]float64, weights map[domain.Dimension]float64) float64 {
	var sum, totalWeight float64
	for dim, score := range scores {
		w := weights[dim]
		if w <= 0 {
			continue
		}
		sum += score * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return domain.NeutralScore
	}
	return domain.ClampScore(sum / totalWeight)
}

// topFactors selects the strongest factors across dimensions by
// weight x |value|, boosting negative factors so risk signals surface in
// the explanation payload.
func (e *Engine) topFactors(factors []domain.TrustScoreFactor) []domain.TrustScoreFactor {
	if len(factors) <= e.cfg.TopFactors {
		sorted := append([]domain.TrustScoreFactor(nil), factors...)
		sortFactors(sorted, e.cfg.NegativeFactorBoost)
		return sorted
	}
	sorted := append([]domain.TrustScoreFactor(nil), factors...)
	sortFactors(sorted, e.cfg.NegativeFactorBoost)
	return sorted[:e.cfg.TopFactors]
}

func sortFactors(factors []domain.TrustScoreFactor, negativeBoost float64) {
	impact := func(f domain.TrustScoreFactor) float64 {
		v := f.Impact()
		if f.Category == domain.FactorNegative {
			v *= negativeBoost
		}
		return v
	}
	sort.SliceStable(factors, func(i, j int) bool {
		return impact(factors[i]) > impact(factors[j])
	})
}

// confidence estimates the result's reliability:
// clamp(0.1, 0.5 + 0.5*coverage - anomalyPenalty, 1.0), where coverage is
// the evaluated fraction of key dimensions the tenant weights, and the
// anomaly penalty sums severityWeight x confidence capped at 0.8.
func confidence(evaluated, degraded []domain.Dimension, weights map[domain.Dimension]float64, anomalies []domain.DetectedAnomaly) float64 {
	degradedSet := make(map[domain.Dimension]bool, len(degraded))
	for _, d := range degraded {
		degradedSet[d] = true
	}
	evaluatedSet := make(map[domain.Dimension]bool, len(evaluated))
	for _, d := range evaluated {
		if !degradedSet[d] {
			evaluatedSet[d] = true
		}
	}

	var keyTotal, keyCovered int
	for _, d := range domain.KeyDimensions() {
		if weights[d] <= 0 {
			continue
		}
		keyTotal++
		if evaluatedSet[d] {
			keyCovered++
		}
	}

	coverage := 1.0
	if keyTotal > 0 {
		coverage = float64(keyCovered) / float64(keyTotal)
	}

	var penalty float64
	for _, a := range anomalies {
		penalty += a.Severity.Weight() * a.Confidence
	}
	if penalty > 0.8 {
		penalty = 0.8
	}

	c := 0.5 + 0.5*coverage - penalty
	if c < 0.1 {
		c = 0.1
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

// updateProfile folds the result into the profile's rolling window and
// summary. History eviction is FIFO once the window cap is reached.
func updateProfile(profile *domain.UserTrustProfile, req *domain.TrustScoreRequest, result *domain.TrustScoreResult, window int) {
	entry := domain.HistoryEntry{
		ResultID:        result.ID,
		Score:           result.Score,
		DimensionScores: result.DimensionScores,
		AnomalyCount:    len(result.Anomalies),
		Timestamp:       result.Timestamp,
	}
	if req.Location != nil {
		entry.Location = req.Location.Country
	}

	profile.History = append(profile.History, entry)
	for len(profile.History) > window {
		profile.History = profile.History[1:]
	}

	profile.LatestScore = result.Score
	profile.UpdatedAt = result.Timestamp

	if profile.Summary.Devices == nil {
		profile.Summary.Devices = make(map[string]domain.DeviceFingerprint)
	}
	if profile.Summary.UsualLocations == nil {
		profile.Summary.UsualLocations = make(map[string]int)
	}
	if profile.Summary.UsualHours == nil {
		profile.Summary.UsualHours = make(map[int]int)
	}
	if profile.Summary.TopFactors == nil {
		profile.Summary.TopFactors = make(map[domain.Dimension][]string)
	}

	if dev := req.Device; dev != nil && dev.DeviceID != "" {
		fp, known := profile.Summary.Devices[dev.DeviceID]
		if !known {
			fp = domain.DeviceFingerprint{DeviceID: dev.DeviceID, FirstSeen: result.Timestamp}
		}
		fp.OS = dev.OS
		fp.Browser = dev.Browser
		fp.ScreenResolution = dev.ScreenResolution
		fp.Timezone = dev.Timezone
		fp.LastSeen = result.Timestamp
		profile.Summary.Devices[dev.DeviceID] = fp
	}

	if req.Location != nil && req.Location.Country != "" {
		profile.Summary.UsualLocations[req.Location.Country]++
	}
	profile.Summary.UsualHours[result.Timestamp.UTC().Hour()]++

	if tx := req.Transaction; tx != nil && tx.Amount > 0 {
		n := profile.Summary.TransactionCount
		profile.Summary.AvgTransactionAmount = (profile.Summary.AvgTransactionAmount*float64(n) + tx.Amount) / float64(n+1)
		profile.Summary.TransactionCount = n + 1
	}

	// Strongest factor name per dimension, most recent first.
	byDim := make(map[domain.Dimension]string)
	for _, f := range result.Factors {
		if _, seen := byDim[f.Dimension]; !seen {
			byDim[f.Dimension] = f.Name
		}
	}
	for dim, name := range byDim {
		names := profile.Summary.TopFactors[dim]
		names = append([]string{name}, names...)
		if len(names) > 3 {
			names = names[:3]
		}
		profile.Summary.TopFactors[dim] = names
	}
}

func evalCacheKey(req *domain.TrustScoreRequest) string {
	ctxID := req.ContextID
	if ctxID == "" {
		ctxID = domain.DefaultContextID
	}
	return "eval:" + req.PrincipalID + ":" + ctxID
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
