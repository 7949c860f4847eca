// Package worker provides async message processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/scaling"
)

// Worker consumes trust score results from the EventBus and drives the
// scaling controller. It also handles policy reload signals and runs the
// periodic expiry sweep.
type Worker struct {
	bus         domain.EventBus
	controller  *scaling.Controller
	policyCache *scaling.PolicyCache

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via the global subject)
	TenantIDs []string

	// SweepInterval is how often expired adjustments are swept (0 disables the sweeper)
	SweepInterval time.Duration

	// SweepLimit caps how many expired events are processed per sweep (0 = store default)
	SweepLimit int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, controller *scaling.Controller, policyCache *scaling.PolicyCache) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         bus,
		controller:  controller,
		policyCache: policyCache,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		if err := w.startGlobalWorker(); err != nil {
			return err
		}
	} else {
		for _, tenantID := range cfg.TenantIDs {
			if err := w.startTenantWorker(tenantID); err != nil {
				slog.Error("failed to start worker for tenant",
					"tenant_id", tenantID,
					"error", err,
				)
				continue
			}
		}
	}

	// Policy reload signals can come from any tenant's admin surface.
	sub, err := w.bus.Subscribe(w.ctx, domain.TenantWildcard, domain.TopicPolicyReload, w.handleReload)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	if cfg.SweepInterval > 0 {
		w.wg.Add(1)
		go w.runSweeper(cfg.SweepInterval, cfg.SweepLimit)
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"sweep_interval", cfg.SweepInterval.String(),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants.
func (w *Worker) startGlobalWorker() error {
	// Results are published on per-tenant subjects, so a worker without an
	// explicit tenant list has to subscribe with the cross-tenant wildcard.
	sub, err := w.bus.Subscribe(w.ctx, domain.TenantWildcard, domain.TopicTrustEvaluated, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTrustEvaluated, func(ctx context.Context, msg *domain.Message) error {
		return w.processResult(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTrustEvaluated,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processResult(ctx, msg.TenantID, msg)
}

// handleReload refreshes the local policy cache when an admin signals a change.
func (w *Worker) handleReload(ctx context.Context, msg *domain.Message) error {
	if err := w.policyCache.Reload(ctx); err != nil {
		slog.Error("policy reload failed",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	snap := w.policyCache.Snapshot()
	slog.Info("policies reloaded",
		"trigger_count", len(snap.Triggers),
		"policy_count", len(snap.Policies),
	)
	return nil
}

// processResult runs a trust score result through the scaling controller.
func (w *Worker) processResult(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var result domain.TrustScoreResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		slog.Error("failed to parse trust result message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if result.TenantID == "" {
		result.TenantID = tenantID
	}

	slog.Debug("processing trust result",
		"result_id", result.ID,
		"tenant_id", result.TenantID,
		"principal_id", result.PrincipalID,
		"score", result.Score,
	)

	event, err := w.controller.OnTrustScore(ctx, &result)
	if err != nil {
		slog.Error("scaling evaluation failed",
			"result_id", result.ID,
			"tenant_id", result.TenantID,
			"error", err,
		)
		return err
	}

	if event != nil {
		payload, _ := json.Marshal(event)
		if err := w.bus.Publish(ctx, result.TenantID, domain.TopicScalingApplied, payload); err != nil {
			slog.Error("failed to publish scaling event",
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	slog.Info("trust result processed",
		"result_id", result.ID,
		"tenant_id", result.TenantID,
		"adjusted", event != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// runSweeper periodically restores expired adjustments to their defaults.
func (w *Worker) runSweeper(interval time.Duration, limit int) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := w.controller.SweepExpired(w.ctx, now, limit)
			if err != nil {
				slog.Error("expiry sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				slog.Info("expired adjustments swept", "count", swept)
			}
		}
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
