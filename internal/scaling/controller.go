package scaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-security/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-scaling")

// Controller consumes trust-score results and adjusts security mechanisms
// through the policy pipeline: trigger evaluation, arbitration, adjustment
// computation, write-ahead event persistence, and level upserts.
type Controller struct {
	cfg      domain.ControllerConfig
	cache    *PolicyCache
	levels   domain.SecurityLevelStore
	events   domain.EventStore
	state    domain.SharedEvaluationStateStore
	notifier domain.NotificationSink // optional
}

// NewController creates a scaling controller.
func NewController(cfg domain.ControllerConfig, cache *PolicyCache, levels domain.SecurityLevelStore, events domain.EventStore, state domain.SharedEvaluationStateStore, notifier domain.NotificationSink) *Controller {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 1e-6
	}
	return &Controller{
		cfg:      cfg,
		cache:    cache,
		levels:   levels,
		events:   events,
		state:    state,
		notifier: notifier,
	}
}

type candidate struct {
	policy  *domain.ScalingPolicy
	trigger *domain.ScalingTrigger
}

// OnTrustScore evaluates triggers for a fresh result and returns the
// resulting scaling event, or nil when nothing fired, the cooldown is
// active, or every mechanism is already at its target level. The evaluation
// key's cached state is updated unconditionally so delta triggers keep
// fresh baselines even inside the cooldown window.
func (c *Controller) OnTrustScore(ctx context.Context, result *domain.TrustScoreResult) (*domain.ScalingEvent, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}
	if result == nil || result.PrincipalID == "" || result.TenantID == "" {
		return nil, fmt.Errorf("%w: result principalId and tenantId are required", domain.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "scaling.OnTrustScore")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", result.TenantID),
		attribute.String("principal.id", result.PrincipalID),
	)

	now := time.Now().UTC()
	key := domain.EvaluationKey(result.TenantID, result.PrincipalID, result.ContextID)

	prev, err := c.state.GetState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: evaluation state: %v", domain.ErrControllerFailed, err)
	}

	inCooldown := prev != nil && c.cfg.Cooldown > 0 &&
		now.Sub(prev.EvaluatedAt) < time.Duration(c.cfg.Cooldown)*time.Second

	var selected *candidate
	if !inCooldown {
		snap := c.cache.Snapshot()
		selected = c.arbitrate(c.triggeredCandidates(snap, result, prev))
	}

	// The state update is unconditional and ordered before any return so
	// the next call sees this evaluation as its cooldown/delta baseline.
	newState := &domain.EvaluationState{
		Overall:         result.Score,
		DimensionScores: result.DimensionScores,
		AnomalyCount:    len(result.Anomalies),
		EvaluatedAt:     now,
	}
	if err := c.state.SetState(ctx, key, newState); err != nil {
		return nil, fmt.Errorf("%w: update evaluation state: %v", domain.ErrControllerFailed, err)
	}

	if inCooldown || selected == nil {
		return nil, nil
	}

	direction := selected.trigger.Direction
	adjustments, err := c.computeAdjustments(ctx, result, selected, direction, now)
	if err != nil {
		return nil, err
	}
	if len(adjustments) == 0 {
		return nil, nil
	}

	event := &domain.ScalingEvent{
		ID:              uuid.New().String(),
		PrincipalID:     result.PrincipalID,
		TenantID:        result.TenantID,
		ContextID:       result.ContextID,
		Region:          result.Region,
		TriggerID:       selected.trigger.ID,
		PolicyID:        selected.policy.ID,
		Score:           result.Score,
		DimensionScores: result.DimensionScores,
		Direction:       direction,
		Adjustments:     adjustments,
		CreatedAt:       now,
		ExpiresAt:       maxExpiry(adjustments),
	}

	// Write-ahead of intent: the event is persisted before any level is
	// touched so a crash mid-apply is detectable and replayable.
	if err := c.events.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: save event: %v", domain.ErrControllerFailed, err)
	}

	c.applyAdjustments(ctx, event)
	c.notify(ctx, event)

	slog.Info("scaling event applied",
		"event_id", event.ID,
		"tenant_id", event.TenantID,
		"principal_id", event.PrincipalID,
		"policy_id", event.PolicyID,
		"direction", event.Direction,
		"adjustments", len(event.Adjustments),
	)

	return event, nil
}

// triggeredCandidates evaluates every enabled, scope-matching trigger and
// collects the (policy, trigger) pairs nominated by the fired ones.
func (c *Controller) triggeredCandidates(snap *Snapshot, result *domain.TrustScoreResult, prev *domain.EvaluationState) []candidate {
	var candidates []candidate
	for _, trigger := range snap.Triggers {
		if !trigger.Enabled {
			continue
		}
		if !matchesScope(trigger.TenantID, trigger.Region, trigger.ContextID, result) {
			continue
		}
		if !c.evaluateTrigger(trigger, result, prev, snap) {
			continue
		}
		for _, policy := range snap.Policies {
			if !policy.Enabled || !policy.References(trigger.ID) {
				continue
			}
			if !matchesScope(policy.TenantID, policy.Region, policy.ContextID, result) {
				continue
			}
			candidates = append(candidates, candidate{policy: policy, trigger: trigger})
		}
	}
	return candidates
}

// arbitrate selects the candidate with the highest policy priority.
// Ties break on the lexicographically smallest policy ID, then the smallest
// trigger ID, so repeated runs over the same triggered set are deterministic.
func (c *Controller) arbitrate(candidates []candidate) *candidate {
	var best *candidate
	for i := range candidates {
		cand := &candidates[i]
		if best == nil {
			best = cand
			continue
		}
		switch {
		case cand.policy.Priority > best.policy.Priority:
			best = cand
		case cand.policy.Priority == best.policy.Priority:
			if cand.policy.ID < best.policy.ID ||
				(cand.policy.ID == best.policy.ID && cand.trigger.ID < best.trigger.ID) {
				best = cand
			}
		}
	}
	return best
}

// computeAdjustments builds the minimal adjustment set: mechanisms whose
// mapped target differs from the current (or default-resolved) level.
func (c *Controller) computeAdjustments(ctx context.Context, result *domain.TrustScoreResult, sel *candidate, direction domain.Direction, now time.Time) ([]domain.SecurityAdjustment, error) {
	targets := sel.policy.Adjustments[direction]
	if len(targets) == 0 {
		return nil, nil
	}

	var expiry *time.Time
	if direction == domain.DirectionUp && c.cfg.AutoDowngrade && c.cfg.DowngradeDelay > 0 {
		t := now.Add(time.Duration(c.cfg.DowngradeDelay) * time.Minute)
		expiry = &t
	}

	var adjustments []domain.SecurityAdjustment
	// Iterate the closed mechanism set for deterministic adjustment order.
	for _, mech := range domain.AllMechanisms() {
		target, ok := targets[mech]
		if !ok {
			continue
		}

		current := c.currentLevel(ctx, result, mech)
		if current == target {
			continue
		}

		adjustments = append(adjustments, domain.SecurityAdjustment{
			Mechanism:     mech,
			PreviousLevel: current,
			NewLevel:      target,
			Parameters:    mechanismParameters(mech, target, result.Score),
			Reason: fmt.Sprintf("policy %s via trigger %s (score %.1f, direction %s)",
				sel.policy.ID, sel.trigger.ID, result.Score, direction),
			ExpiresAt: expiry,
		})
	}
	return adjustments, nil
}

func (c *Controller) currentLevel(ctx context.Context, result *domain.TrustScoreResult, mech domain.Mechanism) domain.SecurityLevel {
	record, err := c.levels.GetLevel(ctx, result.TenantID, result.PrincipalID, result.ContextID, mech)
	if err == nil {
		return record.Level
	}
	if !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("security level read failed, assuming default",
			"mechanism", mech,
			"error", err,
		)
	}
	return resolveDefaultLevel(ctx, c.levels, result.TenantID, result.ContextID, mech)
}

// applyAdjustments upserts each adjustment's level record. A conflict on one
// mechanism retries that mechanism only; other failures are logged and do
// not roll back the already-persisted event.
func (c *Controller) applyAdjustments(ctx context.Context, event *domain.ScalingEvent) {
	for _, adj := range event.Adjustments {
		record := &domain.SecurityLevelRecord{
			PrincipalID: event.PrincipalID,
			TenantID:    event.TenantID,
			ContextID:   event.ContextID,
			Mechanism:   adj.Mechanism,
			Level:       adj.NewLevel,
			Parameters:  adj.Parameters,
			SetBy:       event.ID,
			UpdatedAt:   event.CreatedAt,
			ExpiresAt:   adj.ExpiresAt,
		}

		err := c.levels.UpsertLevel(ctx, record)
		if errors.Is(err, domain.ErrAdjustmentConflict) {
			// A concurrent writer won with a newer timestamp. Retrying
			// with the same record would hit the stale-write guard again,
			// so refresh the timestamp past the stored row before the
			// single retry.
			retry := *record
			retry.UpdatedAt = time.Now().UTC()
			existing, gerr := c.levels.GetLevel(ctx, record.TenantID, record.PrincipalID, record.ContextID, adj.Mechanism)
			if gerr == nil && existing.UpdatedAt.After(retry.UpdatedAt) {
				retry.UpdatedAt = existing.UpdatedAt
			}
			err = c.levels.UpsertLevel(ctx, &retry)
		}
		if err != nil {
			slog.Error("failed to apply adjustment",
				"event_id", event.ID,
				"mechanism", adj.Mechanism,
				"error", err,
			)
		}
	}
}

func (c *Controller) notify(ctx context.Context, event *domain.ScalingEvent) {
	if !c.cfg.NotifyEnabled || c.notifier == nil {
		return
	}

	title := "Security settings adjusted"
	body := fmt.Sprintf("%d security mechanism(s) were adjusted (%s) based on recent account activity.",
		len(event.Adjustments), event.Direction)

	err := c.notifier.Notify(ctx, event.TenantID, event.PrincipalID, title, body, map[string]string{
		"eventId":   event.ID,
		"direction": string(event.Direction),
	})
	if err != nil {
		// Best effort: notification failure never rolls back adjustments.
		slog.Warn("notification failed",
			"event_id", event.ID,
			"error", err,
		)
	}
}

// ManualAdjustment is an administrator-issued override.
type ManualAdjustment struct {
	TenantID    string               `json:"tenantId"`
	PrincipalID string               `json:"principalId"`
	ContextID   string               `json:"contextId,omitempty"`
	Mechanism   domain.Mechanism     `json:"mechanism"`
	Level       domain.SecurityLevel `json:"level"`
	Reason      string               `json:"reason"`
	AdminID     string               `json:"adminId"`
	ExpiresAt   *time.Time           `json:"expiresAt,omitempty"`
}

// ApplyManual applies an administrator override, bypassing triggers and
// cooldown but still producing a write-ahead scaling event before the level
// is upserted.
func (c *Controller) ApplyManual(ctx context.Context, req *ManualAdjustment) (*domain.ScalingEvent, error) {
	if req == nil || req.TenantID == "" || req.PrincipalID == "" {
		return nil, fmt.Errorf("%w: tenantId and principalId are required", domain.ErrInvalidInput)
	}
	if !req.Mechanism.Valid() {
		return nil, fmt.Errorf("%w: unknown mechanism %q", domain.ErrInvalidInput, req.Mechanism)
	}
	if !req.Level.Valid() {
		return nil, fmt.Errorf("%w: unknown security level %q", domain.ErrInvalidInput, req.Level)
	}

	now := time.Now().UTC()
	current := domain.LevelStandard
	if record, err := c.levels.GetLevel(ctx, req.TenantID, req.PrincipalID, req.ContextID, req.Mechanism); err == nil {
		current = record.Level
	} else if errors.Is(err, domain.ErrNotFound) {
		current = resolveDefaultLevel(ctx, c.levels, req.TenantID, req.ContextID, req.Mechanism)
	}

	direction := domain.DirectionMaintain
	switch {
	case req.Level.Rank() > current.Rank():
		direction = domain.DirectionUp
	case req.Level.Rank() < current.Rank():
		direction = domain.DirectionDown
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual adjustment"
	}

	adjustment := domain.SecurityAdjustment{
		Mechanism:     req.Mechanism,
		PreviousLevel: current,
		NewLevel:      req.Level,
		Parameters:    mechanismParameters(req.Mechanism, req.Level, domain.NeutralScore),
		Reason:        reason,
		ExpiresAt:     req.ExpiresAt,
	}

	event := &domain.ScalingEvent{
		ID:          uuid.New().String(),
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
		ContextID:   req.ContextID,
		Score:       domain.NeutralScore,
		Direction:   direction,
		Adjustments: []domain.SecurityAdjustment{adjustment},
		CreatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	}
	if req.AdminID != "" {
		event.PolicyID = "manual:" + req.AdminID
	}

	if err := c.events.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: save event: %v", domain.ErrControllerFailed, err)
	}

	c.applyAdjustments(ctx, event)
	c.notify(ctx, event)

	return event, nil
}

// Revoke marks a scaling event revoked: expiry becomes the first revocation
// time and the revoked flag is set. Revoking twice is a no-op success.
// Already-applied level records are not reversed; issue a manual adjustment
// when immediate reversal is required.
func (c *Controller) Revoke(ctx context.Context, tenantID, eventID, reason string) error {
	if err := c.events.RevokeEvent(ctx, tenantID, eventID, reason); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: revoke event: %v", domain.ErrControllerFailed, err)
	}
	return nil
}

// SweepExpired restores expired upward adjustments to the default-resolved
// level. Returns the number of events swept.
func (c *Controller) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if !c.cfg.AutoDowngrade {
		return 0, nil
	}

	expired, err := c.events.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: list expired: %v", domain.ErrControllerFailed, err)
	}

	swept := 0
	for _, event := range expired {
		for _, adj := range event.Adjustments {
			record, err := c.levels.GetLevel(ctx, event.TenantID, event.PrincipalID, event.ContextID, adj.Mechanism)
			if err != nil {
				continue
			}
			// Only restore levels this event still owns.
			if record.SetBy != event.ID {
				continue
			}

			restored := resolveDefaultLevel(ctx, c.levels, event.TenantID, event.ContextID, adj.Mechanism)
			err = c.levels.UpsertLevel(ctx, &domain.SecurityLevelRecord{
				PrincipalID: event.PrincipalID,
				TenantID:    event.TenantID,
				ContextID:   event.ContextID,
				Mechanism:   adj.Mechanism,
				Level:       restored,
				Parameters:  mechanismParameters(adj.Mechanism, restored, domain.NeutralScore),
				SetBy:       "sweep:" + event.ID,
				UpdatedAt:   now,
			})
			if err != nil {
				slog.Error("failed to restore level on expiry",
					"event_id", event.ID,
					"mechanism", adj.Mechanism,
					"error", err,
				)
			}
		}

		if err := c.events.MarkSwept(ctx, event.TenantID, event.ID); err != nil {
			slog.Error("failed to mark event swept",
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		swept++
	}

	return swept, nil
}

func maxExpiry(adjustments []domain.SecurityAdjustment) *time.Time {
	var max *time.Time
	for _, adj := range adjustments {
		if adj.ExpiresAt == nil {
			continue
		}
		if max == nil || adj.ExpiresAt.After(*max) {
			max = adj.ExpiresAt
		}
	}
	return max
}
