package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func TestSQLiteProfiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetProfile", func(t *testing.T) {
		profile := domain.NewUserTrustProfile(tenantID, "user-001")
		profile.LatestScore = 72.0
		profile.History = append(profile.History, domain.HistoryEntry{
			ResultID:  "res-001",
			Score:     72.0,
			Location:  "US",
			Timestamp: time.Now().UTC(),
		})

		if err := store.SaveProfile(ctx, profile); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		retrieved, err := store.GetProfile(ctx, tenantID, "user-001")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}

		if retrieved.LatestScore != 72.0 {
			t.Errorf("expected LatestScore 72.0, got %.1f", retrieved.LatestScore)
		}
		if len(retrieved.History) != 1 {
			t.Errorf("expected 1 history entry, got %d", len(retrieved.History))
		}
		if retrieved.History[0].Location != "US" {
			t.Errorf("expected location US, got %s", retrieved.History[0].Location)
		}
	})

	t.Run("UpsertProfile", func(t *testing.T) {
		profile := domain.NewUserTrustProfile(tenantID, "user-001")
		profile.LatestScore = 85.0

		if err := store.SaveProfile(ctx, profile); err != nil {
			t.Fatalf("SaveProfile upsert failed: %v", err)
		}

		retrieved, _ := store.GetProfile(ctx, tenantID, "user-001")
		if retrieved.LatestScore != 85.0 {
			t.Errorf("expected updated LatestScore 85.0, got %.1f", retrieved.LatestScore)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := store.GetProfile(ctx, "tenant-002", "user-001")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		_, err := store.GetProfile(ctx, "", "user-001")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("AppendAndGetResult", func(t *testing.T) {
		result := &domain.TrustScoreResult{
			PrincipalID: "user-001",
			TenantID:    tenantID,
			Score:       64.5,
			DimensionScores: map[domain.Dimension]float64{
				domain.DimensionIdentity: 80,
			},
			Level:      domain.TrustLevelMedium,
			Confidence: 0.9,
			Timestamp:  time.Now().UTC(),
		}

		id, err := store.AppendHistory(ctx, result)
		if err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
		if id == "" {
			t.Fatal("expected generated result ID")
		}

		retrieved, err := store.GetResult(ctx, tenantID, id)
		if err != nil {
			t.Fatalf("GetResult failed: %v", err)
		}
		if retrieved.Score != 64.5 {
			t.Errorf("expected Score 64.5, got %.1f", retrieved.Score)
		}
		if retrieved.DimensionScores[domain.DimensionIdentity] != 80 {
			t.Errorf("expected identity score 80, got %.1f", retrieved.DimensionScores[domain.DimensionIdentity])
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetResult(ctx, tenantID, "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestSQLitePolicies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trigger := &domain.ScalingTrigger{
		ID:            "trig-low-score",
		TenantID:      "tenant-001",
		Name:          "low overall score",
		Dimension:     domain.DimensionOverall,
		ConditionType: domain.ConditionThreshold,
		Comparator:    domain.CompareLT,
		Threshold:     40,
		Direction:     domain.DirectionUp,
		Priority:      10,
		Enabled:       true,
	}

	t.Run("SaveAndGetTrigger", func(t *testing.T) {
		if err := store.SaveTrigger(ctx, trigger); err != nil {
			t.Fatalf("SaveTrigger failed: %v", err)
		}

		retrieved, err := store.GetTrigger(ctx, trigger.ID)
		if err != nil {
			t.Fatalf("GetTrigger failed: %v", err)
		}
		if retrieved.Threshold != 40 {
			t.Errorf("expected threshold 40, got %.1f", retrieved.Threshold)
		}
		if retrieved.Comparator != domain.CompareLT {
			t.Errorf("expected comparator lt, got %s", retrieved.Comparator)
		}
	})

	t.Run("ListEnabledTriggers", func(t *testing.T) {
		wildcard := &domain.ScalingTrigger{
			ID:            "trig-global",
			Name:          "global anomaly",
			Dimension:     domain.DimensionOverall,
			ConditionType: domain.ConditionAnomalyCount,
			Comparator:    domain.CompareGTE,
			Threshold:     3,
			Direction:     domain.DirectionUp,
			Enabled:       true,
		}
		disabled := &domain.ScalingTrigger{
			ID:            "trig-disabled",
			TenantID:      "tenant-001",
			Name:          "disabled",
			Dimension:     domain.DimensionOverall,
			ConditionType: domain.ConditionThreshold,
			Comparator:    domain.CompareGT,
			Threshold:     90,
			Direction:     domain.DirectionDown,
			Enabled:       false,
		}
		if err := store.SaveTrigger(ctx, wildcard); err != nil {
			t.Fatalf("SaveTrigger failed: %v", err)
		}
		if err := store.SaveTrigger(ctx, disabled); err != nil {
			t.Fatalf("SaveTrigger failed: %v", err)
		}

		// Tenant-scoped list includes the wildcard trigger.
		triggers, err := store.ListEnabledTriggers(ctx, "tenant-001")
		if err != nil {
			t.Fatalf("ListEnabledTriggers failed: %v", err)
		}
		if len(triggers) != 2 {
			t.Errorf("expected 2 enabled triggers, got %d", len(triggers))
		}

		// Other tenants see only the wildcard.
		triggers, _ = store.ListEnabledTriggers(ctx, "tenant-002")
		if len(triggers) != 1 {
			t.Errorf("expected 1 trigger for other tenant, got %d", len(triggers))
		}
	})

	t.Run("SaveAndGetPolicy", func(t *testing.T) {
		policy := &domain.ScalingPolicy{
			ID:         "pol-step-up",
			TenantID:   "tenant-001",
			Name:       "step up on low trust",
			TriggerIDs: []string{"trig-low-score"},
			Adjustments: map[domain.Direction]map[domain.Mechanism]domain.SecurityLevel{
				domain.DirectionUp: {
					domain.MechanismAuthFactors:    domain.LevelHigh,
					domain.MechanismSessionTimeout: domain.LevelHigh,
				},
			},
			Priority: 5,
			Enabled:  true,
		}

		if err := store.SavePolicy(ctx, policy); err != nil {
			t.Fatalf("SavePolicy failed: %v", err)
		}

		retrieved, err := store.GetPolicy(ctx, policy.ID)
		if err != nil {
			t.Fatalf("GetPolicy failed: %v", err)
		}
		if !retrieved.References("trig-low-score") {
			t.Error("expected policy to reference trig-low-score")
		}
		if retrieved.Adjustments[domain.DirectionUp][domain.MechanismAuthFactors] != domain.LevelHigh {
			t.Error("expected auth_factors high in up adjustments")
		}
	})

	t.Run("DeleteTrigger", func(t *testing.T) {
		if err := store.DeleteTrigger(ctx, "trig-disabled"); err != nil {
			t.Fatalf("DeleteTrigger failed: %v", err)
		}
		if err := store.DeleteTrigger(ctx, "trig-disabled"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got: %v", err)
		}
	})
}

func TestSQLiteSecurityLevels(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("UpsertAndGetLevel", func(t *testing.T) {
		record := &domain.SecurityLevelRecord{
			PrincipalID: "user-001",
			TenantID:    tenantID,
			ContextID:   "default",
			Mechanism:   domain.MechanismAuthFactors,
			Level:       domain.LevelHigh,
			SetBy:       "evt-001",
			UpdatedAt:   time.Now().UTC(),
		}

		if err := store.UpsertLevel(ctx, record); err != nil {
			t.Fatalf("UpsertLevel failed: %v", err)
		}

		retrieved, err := store.GetLevel(ctx, tenantID, "user-001", "default", domain.MechanismAuthFactors)
		if err != nil {
			t.Fatalf("GetLevel failed: %v", err)
		}
		if retrieved.Level != domain.LevelHigh {
			t.Errorf("expected level high, got %s", retrieved.Level)
		}
	})

	t.Run("StaleWriteConflicts", func(t *testing.T) {
		stale := &domain.SecurityLevelRecord{
			PrincipalID: "user-001",
			TenantID:    tenantID,
			ContextID:   "default",
			Mechanism:   domain.MechanismAuthFactors,
			Level:       domain.LevelLow,
			SetBy:       "evt-old",
			UpdatedAt:   time.Now().UTC().Add(-time.Hour),
		}

		err := store.UpsertLevel(ctx, stale)
		if !errors.Is(err, domain.ErrAdjustmentConflict) {
			t.Errorf("expected ErrAdjustmentConflict for stale write, got: %v", err)
		}

		// Level unchanged.
		retrieved, _ := store.GetLevel(ctx, tenantID, "user-001", "default", domain.MechanismAuthFactors)
		if retrieved.Level != domain.LevelHigh {
			t.Errorf("expected level high after rejected stale write, got %s", retrieved.Level)
		}
	})

	t.Run("ListLevels", func(t *testing.T) {
		second := &domain.SecurityLevelRecord{
			PrincipalID: "user-001",
			TenantID:    tenantID,
			ContextID:   "default",
			Mechanism:   domain.MechanismSessionTimeout,
			Level:       domain.LevelStandard,
			UpdatedAt:   time.Now().UTC(),
		}
		if err := store.UpsertLevel(ctx, second); err != nil {
			t.Fatalf("UpsertLevel failed: %v", err)
		}

		records, err := store.ListLevels(ctx, tenantID, "user-001")
		if err != nil {
			t.Fatalf("ListLevels failed: %v", err)
		}
		if len(records) != 2 {
			t.Errorf("expected 2 records, got %d", len(records))
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		_, err := store.GetDefault(ctx, tenantID, "", domain.MechanismMonitoring)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unset default, got: %v", err)
		}

		if err := store.SetDefault(ctx, tenantID, "", domain.MechanismMonitoring, domain.LevelHigh); err != nil {
			t.Fatalf("SetDefault failed: %v", err)
		}

		level, err := store.GetDefault(ctx, tenantID, "", domain.MechanismMonitoring)
		if err != nil {
			t.Fatalf("GetDefault failed: %v", err)
		}
		if level != domain.LevelHigh {
			t.Errorf("expected default high, got %s", level)
		}
	})
}

func TestSQLiteEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	expiry := time.Now().UTC().Add(-time.Minute)
	event := &domain.ScalingEvent{
		ID:          "evt-001",
		PrincipalID: "user-001",
		TenantID:    tenantID,
		TriggerID:   "trig-001",
		PolicyID:    "pol-001",
		Score:       35.0,
		Direction:   domain.DirectionUp,
		Adjustments: []domain.SecurityAdjustment{
			{
				Mechanism:     domain.MechanismAuthFactors,
				PreviousLevel: domain.LevelStandard,
				NewLevel:      domain.LevelHigh,
				Reason:        "low score",
			},
		},
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		ExpiresAt: &expiry,
	}

	t.Run("SaveAndGetEvent", func(t *testing.T) {
		if err := store.SaveEvent(ctx, event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}

		retrieved, err := store.GetEvent(ctx, tenantID, event.ID)
		if err != nil {
			t.Fatalf("GetEvent failed: %v", err)
		}
		if retrieved.Score != 35.0 {
			t.Errorf("expected score 35.0, got %.1f", retrieved.Score)
		}
		if len(retrieved.Adjustments) != 1 {
			t.Fatalf("expected 1 adjustment, got %d", len(retrieved.Adjustments))
		}
		if retrieved.Adjustments[0].NewLevel != domain.LevelHigh {
			t.Errorf("expected new level high, got %s", retrieved.Adjustments[0].NewLevel)
		}
	})

	t.Run("ListExpired", func(t *testing.T) {
		events, err := store.ListExpired(ctx, time.Now().UTC(), 10)
		if err != nil {
			t.Fatalf("ListExpired failed: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 expired event, got %d", len(events))
		}
		if events[0].ID != event.ID {
			t.Errorf("expected event %s, got %s", event.ID, events[0].ID)
		}
	})

	t.Run("MarkSwept", func(t *testing.T) {
		if err := store.MarkSwept(ctx, tenantID, event.ID); err != nil {
			t.Fatalf("MarkSwept failed: %v", err)
		}

		events, _ := store.ListExpired(ctx, time.Now().UTC(), 10)
		if len(events) != 0 {
			t.Errorf("expected no expired events after sweep, got %d", len(events))
		}
	})

	t.Run("RevokeEvent", func(t *testing.T) {
		future := time.Now().UTC().Add(time.Hour)
		second := &domain.ScalingEvent{
			ID:          "evt-002",
			PrincipalID: "user-001",
			TenantID:    tenantID,
			Score:       80.0,
			Direction:   domain.DirectionDown,
			Adjustments: []domain.SecurityAdjustment{
				{Mechanism: domain.MechanismMonitoring, PreviousLevel: domain.LevelHigh, NewLevel: domain.LevelStandard, Reason: "recovered"},
			},
			CreatedAt: time.Now().UTC(),
			ExpiresAt: &future,
		}
		if err := store.SaveEvent(ctx, second); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}

		if err := store.RevokeEvent(ctx, tenantID, second.ID, "admin request"); err != nil {
			t.Fatalf("RevokeEvent failed: %v", err)
		}

		retrieved, _ := store.GetEvent(ctx, tenantID, second.ID)
		if !retrieved.Revoked {
			t.Error("expected event to be revoked")
		}
		if retrieved.RevokeReason != "admin request" {
			t.Errorf("expected revoke reason 'admin request', got %q", retrieved.RevokeReason)
		}
		if retrieved.ExpiresAt == nil || retrieved.ExpiresAt.After(time.Now().UTC()) {
			t.Error("expected expiry moved to revocation time")
		}

		// Revoking again is a no-op success.
		if err := store.RevokeEvent(ctx, tenantID, second.ID, "again"); err != nil {
			t.Errorf("expected idempotent revoke, got: %v", err)
		}
		retrieved, _ = store.GetEvent(ctx, tenantID, second.ID)
		if retrieved.RevokeReason != "admin request" {
			t.Error("expected first revoke reason preserved")
		}

		// Revoked events are sweep candidates.
		events, _ := store.ListExpired(ctx, time.Now().UTC(), 10)
		if len(events) != 1 || events[0].ID != second.ID {
			t.Errorf("expected revoked event in expired list, got %d events", len(events))
		}
	})

	t.Run("RevokeMissing", func(t *testing.T) {
		err := store.RevokeEvent(ctx, tenantID, "nonexistent", "reason")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestSQLiteConfigs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("TenantConfigDefaults", func(t *testing.T) {
		cfg, err := store.GetTenantConfig(ctx, "tenant-fresh")
		if err != nil {
			t.Fatalf("GetTenantConfig failed: %v", err)
		}
		if cfg.TenantID != "tenant-fresh" {
			t.Errorf("expected tenant ID on defaults, got %s", cfg.TenantID)
		}
		if len(cfg.Weights) == 0 {
			t.Error("expected default weights")
		}
	})

	t.Run("SaveAndGetTenantConfig", func(t *testing.T) {
		cfg := domain.DefaultTenantConfig("tenant-001")
		cfg.Weights[domain.DimensionBiometric] = 0.5
		cfg.MaxAnomalies = 3

		if err := store.SaveTenantConfig(ctx, cfg); err != nil {
			t.Fatalf("SaveTenantConfig failed: %v", err)
		}

		retrieved, err := store.GetTenantConfig(ctx, "tenant-001")
		if err != nil {
			t.Fatalf("GetTenantConfig failed: %v", err)
		}
		if retrieved.Weights[domain.DimensionBiometric] != 0.5 {
			t.Errorf("expected biometric weight 0.5, got %.2f", retrieved.Weights[domain.DimensionBiometric])
		}
		if retrieved.MaxAnomalies != 3 {
			t.Errorf("expected MaxAnomalies 3, got %d", retrieved.MaxAnomalies)
		}
	})

	t.Run("RegionalConfig", func(t *testing.T) {
		_, err := store.GetRegionalConfig(ctx, "eu-west")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		cfg := &domain.RegionalConfig{
			Region:                "eu-west",
			ScoreAdjustment:       -5,
			RequiredVerifications: []string{"gdpr_consent"},
		}
		if err := store.SaveRegionalConfig(ctx, cfg); err != nil {
			t.Fatalf("SaveRegionalConfig failed: %v", err)
		}

		retrieved, err := store.GetRegionalConfig(ctx, "eu-west")
		if err != nil {
			t.Fatalf("GetRegionalConfig failed: %v", err)
		}
		if retrieved.ScoreAdjustment != -5 {
			t.Errorf("expected score adjustment -5, got %.1f", retrieved.ScoreAdjustment)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	store := &SQLStore{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := store.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
