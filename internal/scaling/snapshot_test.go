package scaling

import (
	"context"
	"testing"

	"github.com/opensource-security/kestrel/internal/domain"
)

func TestPolicyCacheReload(t *testing.T) {
	ctx := context.Background()
	store := newFakePolicyStore()

	store.SaveTrigger(ctx, lowScoreTrigger("trig-enabled", 5))

	disabled := lowScoreTrigger("trig-disabled", 5)
	disabled.Enabled = false
	store.SaveTrigger(ctx, disabled)

	store.SaveTrigger(ctx, &domain.ScalingTrigger{
		ID:            "trig-expr",
		Name:          "Expression",
		ConditionType: domain.ConditionExpression,
		Expression:    "overall < 30.0",
		Direction:     domain.DirectionUp,
		Enabled:       true,
	})

	// An invalid expression that slipped into the store must not break the
	// reload; its trigger is dropped from the snapshot.
	store.SaveTrigger(ctx, &domain.ScalingTrigger{
		ID:            "trig-broken",
		Name:          "Broken",
		ConditionType: domain.ConditionExpression,
		Expression:    "overall <<< (",
		Direction:     domain.DirectionUp,
		Enabled:       true,
	})

	store.SavePolicy(ctx, stepUpPolicy("pol-001", 5, "trig-enabled"))

	cache, err := NewPolicyCache(store)
	if err != nil {
		t.Fatalf("NewPolicyCache failed: %v", err)
	}

	t.Run("EmptyBeforeReload", func(t *testing.T) {
		snap := cache.Snapshot()
		if snap == nil {
			t.Fatal("expected non-nil snapshot before reload")
		}
		if len(snap.Triggers) != 0 || len(snap.Policies) != 0 {
			t.Error("expected empty snapshot before reload")
		}
	})

	t.Run("ReloadBuildsSnapshot", func(t *testing.T) {
		if err := cache.Reload(ctx); err != nil {
			t.Fatalf("Reload failed: %v", err)
		}

		snap := cache.Snapshot()
		if _, ok := snap.Triggers["trig-enabled"]; !ok {
			t.Error("expected enabled trigger in snapshot")
		}
		if _, ok := snap.Triggers["trig-disabled"]; ok {
			t.Error("expected disabled trigger excluded")
		}
		if _, ok := snap.Triggers["trig-broken"]; ok {
			t.Error("expected broken expression trigger dropped")
		}
		if _, ok := snap.Policies["pol-001"]; !ok {
			t.Error("expected policy in snapshot")
		}
		if snap.LoadedAt.IsZero() {
			t.Error("expected LoadedAt set")
		}
	})

	t.Run("ExpressionCompiled", func(t *testing.T) {
		snap := cache.Snapshot()
		if _, ok := snap.Program("trig-expr"); !ok {
			t.Error("expected compiled program for expression trigger")
		}
		if _, ok := snap.Program("trig-enabled"); ok {
			t.Error("expected no program for threshold trigger")
		}
	})
}

func TestValidateTrigger(t *testing.T) {
	cache, err := NewPolicyCache(newFakePolicyStore())
	if err != nil {
		t.Fatalf("NewPolicyCache failed: %v", err)
	}

	t.Run("ValidThreshold", func(t *testing.T) {
		if err := cache.ValidateTrigger(lowScoreTrigger("trig-ok", 1)); err != nil {
			t.Errorf("expected valid trigger, got %v", err)
		}
	})

	t.Run("MissingID", func(t *testing.T) {
		trigger := lowScoreTrigger("", 1)
		if err := cache.ValidateTrigger(trigger); err == nil {
			t.Error("expected error for missing ID")
		}
	})

	t.Run("BadComparator", func(t *testing.T) {
		trigger := lowScoreTrigger("trig-bad", 1)
		trigger.Comparator = "roughly"
		if err := cache.ValidateTrigger(trigger); err == nil {
			t.Error("expected error for unknown comparator")
		}
	})

	t.Run("BadDimension", func(t *testing.T) {
		trigger := lowScoreTrigger("trig-bad", 1)
		trigger.Dimension = "vibes"
		if err := cache.ValidateTrigger(trigger); err == nil {
			t.Error("expected error for unknown dimension")
		}
	})

	t.Run("BadConditionType", func(t *testing.T) {
		trigger := lowScoreTrigger("trig-bad", 1)
		trigger.ConditionType = "hunch"
		if err := cache.ValidateTrigger(trigger); err == nil {
			t.Error("expected error for unknown condition type")
		}
	})

	t.Run("BadDirection", func(t *testing.T) {
		trigger := lowScoreTrigger("trig-bad", 1)
		trigger.Direction = "sideways"
		if err := cache.ValidateTrigger(trigger); err == nil {
			t.Error("expected error for unknown direction")
		}
	})

	t.Run("ValidExpression", func(t *testing.T) {
		trigger := &domain.ScalingTrigger{
			ID:            "trig-expr",
			ConditionType: domain.ConditionExpression,
			Expression:    "confidence < 0.5 && overall < 50.0",
			Direction:     domain.DirectionUp,
		}
		if err := cache.ValidateTrigger(trigger); err != nil {
			t.Errorf("expected valid expression, got %v", err)
		}
	})

	t.Run("BrokenExpression", func(t *testing.T) {
		trigger := &domain.ScalingTrigger{
			ID:            "trig-expr",
			ConditionType: domain.ConditionExpression,
			Expression:    "overall <<< (",
			Direction:     domain.DirectionUp,
		}
		if err := cache.ValidateTrigger(trigger); err == nil {
			t.Error("expected error for broken expression")
		}
	})
}

func TestValidatePolicy(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		if err := ValidatePolicy(stepUpPolicy("pol-ok", 1, "trig-001")); err != nil {
			t.Errorf("expected valid policy, got %v", err)
		}
	})

	t.Run("MissingID", func(t *testing.T) {
		if err := ValidatePolicy(stepUpPolicy("", 1, "trig-001")); err == nil {
			t.Error("expected error for missing ID")
		}
	})

	t.Run("NoTriggers", func(t *testing.T) {
		if err := ValidatePolicy(stepUpPolicy("pol-bad", 1)); err == nil {
			t.Error("expected error for policy without triggers")
		}
	})

	t.Run("UnknownDirection", func(t *testing.T) {
		policy := stepUpPolicy("pol-bad", 1, "trig-001")
		policy.Adjustments["diagonal"] = map[domain.Mechanism]domain.SecurityLevel{
			domain.MechanismAuthFactors: domain.LevelHigh,
		}
		if err := ValidatePolicy(policy); err == nil {
			t.Error("expected error for unknown direction")
		}
	})

	t.Run("UnknownMechanism", func(t *testing.T) {
		policy := stepUpPolicy("pol-bad", 1, "trig-001")
		policy.Adjustments[domain.DirectionUp]["polygraph"] = domain.LevelHigh
		if err := ValidatePolicy(policy); err == nil {
			t.Error("expected error for unknown mechanism")
		}
	})

	t.Run("UnknownLevel", func(t *testing.T) {
		policy := stepUpPolicy("pol-bad", 1, "trig-001")
		policy.Adjustments[domain.DirectionUp][domain.MechanismAuthFactors] = "impenetrable"
		if err := ValidatePolicy(policy); err == nil {
			t.Error("expected error for unknown level")
		}
	})
}
