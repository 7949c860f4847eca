// Package scaling implements the adaptive scaling controller: trigger
// evaluation, policy arbitration, and security-level adjustment.
package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Snapshot is one complete, immutable view of enabled triggers and policies.
// Readers always see either the old or the new snapshot, never a mix.
type Snapshot struct {
	Triggers map[string]*domain.ScalingTrigger
	Policies map[string]*domain.ScalingPolicy

	// programs holds compiled CEL predicates for expression triggers.
	programs map[string]cel.Program

	LoadedAt time.Time
}

// Program returns the compiled predicate for an expression trigger.
func (s *Snapshot) Program(triggerID string) (cel.Program, bool) {
	p, ok := s.programs[triggerID]
	return p, ok
}

// PolicyCache holds an atomically-swapped snapshot of triggers and policies,
// refreshed from the policy store on demand. A reload replaces the whole
// snapshot; between an administrative write and the next reload there is a
// bounded staleness window.
type PolicyCache struct {
	store domain.PolicyStore
	env   *cel.Env
	snap  atomic.Pointer[Snapshot]
}

// NewPolicyCache creates a cache with an empty snapshot. Call Reload before
// serving traffic.
func NewPolicyCache(store domain.PolicyStore) (*PolicyCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("overall", cel.DoubleType),
		cel.Variable("scores", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("level", cel.StringType),
		cel.Variable("anomaly_count", cel.IntType),
		cel.Variable("confidence", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	c := &PolicyCache{store: store, env: env}
	c.snap.Store(&Snapshot{
		Triggers: make(map[string]*domain.ScalingTrigger),
		Policies: make(map[string]*domain.ScalingPolicy),
		programs: make(map[string]cel.Program),
	})
	return c, nil
}

// Snapshot returns the current view. Never nil.
func (c *PolicyCache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Reload builds a fresh snapshot from the store and swaps it in atomically.
// An expression trigger that fails to compile is disabled and logged; it
// never fails the reload.
func (c *PolicyCache) Reload(ctx context.Context) error {
	triggers, err := c.store.ListEnabledTriggers(ctx, "")
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	policies, err := c.store.ListEnabledPolicies(ctx, "")
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}

	snap := &Snapshot{
		Triggers: make(map[string]*domain.ScalingTrigger, len(triggers)),
		Policies: make(map[string]*domain.ScalingPolicy, len(policies)),
		programs: make(map[string]cel.Program),
		LoadedAt: time.Now().UTC(),
	}

	for _, t := range triggers {
		if t.ConditionType == domain.ConditionExpression {
			program, err := c.compile(t.Expression)
			if err != nil {
				slog.Warn("disabling trigger with invalid expression",
					"trigger_id", t.ID,
					"error", err,
				)
				continue
			}
			snap.programs[t.ID] = program
		}
		snap.Triggers[t.ID] = t
	}
	for _, p := range policies {
		snap.Policies[p.ID] = p
	}

	c.snap.Store(snap)

	slog.Info("policy cache reloaded",
		"triggers", len(snap.Triggers),
		"policies", len(snap.Policies),
	)
	return nil
}

// ValidateTrigger checks a trigger before it is stored, including compiling
// expression conditions.
func (c *PolicyCache) ValidateTrigger(t *domain.ScalingTrigger) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: trigger id is required", domain.ErrInvalidInput)
	}
	switch t.ConditionType {
	case domain.ConditionThreshold, domain.ConditionDelta:
		if !t.Comparator.Valid() {
			return fmt.Errorf("%w: unknown comparator %q", domain.ErrInvalidInput, t.Comparator)
		}
		if t.Dimension != domain.DimensionOverall && !t.Dimension.Valid() {
			return fmt.Errorf("%w: unknown dimension %q", domain.ErrInvalidInput, t.Dimension)
		}
	case domain.ConditionAnomalyCount:
		if !t.Comparator.Valid() {
			return fmt.Errorf("%w: unknown comparator %q", domain.ErrInvalidInput, t.Comparator)
		}
	case domain.ConditionExpression:
		if _, err := c.compile(t.Expression); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	default:
		return fmt.Errorf("%w: unknown condition type %q", domain.ErrInvalidInput, t.ConditionType)
	}
	switch t.Direction {
	case domain.DirectionUp, domain.DirectionDown, domain.DirectionMaintain:
	default:
		return fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidInput, t.Direction)
	}
	return nil
}

// ValidatePolicy checks a policy's adjustment map before it is stored.
func ValidatePolicy(p *domain.ScalingPolicy) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: policy id is required", domain.ErrInvalidInput)
	}
	if len(p.TriggerIDs) == 0 {
		return fmt.Errorf("%w: policy must reference at least one trigger", domain.ErrInvalidInput)
	}
	for direction, levels := range p.Adjustments {
		switch direction {
		case domain.DirectionUp, domain.DirectionDown, domain.DirectionMaintain:
		default:
			return fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidInput, direction)
		}
		for mech, level := range levels {
			if !mech.Valid() {
				return fmt.Errorf("%w: unknown mechanism %q", domain.ErrInvalidInput, mech)
			}
			if !level.Valid() {
				return fmt.Errorf("%w: unknown security level %q", domain.ErrInvalidInput, level)
			}
		}
	}
	return nil
}

func (c *PolicyCache) compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression is required")
	}
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return c.env.Program(ast)
}
