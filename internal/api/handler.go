package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/scaling"
	"github.com/opensource-security/kestrel/internal/trust"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine      *trust.Engine
	controller  *scaling.Controller
	policyCache *scaling.PolicyCache

	profiles domain.ProfileStore
	policies domain.PolicyStore
	levels   domain.SecurityLevelStore
	events   domain.EventStore

	cache   domain.Cache
	bus     domain.EventBus
	version string
	async   bool
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		engine:      deps.Engine,
		controller:  deps.Controller,
		policyCache: deps.PolicyCache,
		profiles:    deps.Profiles,
		policies:    deps.Policies,
		levels:      deps.Levels,
		events:      deps.Events,
		cache:       deps.Cache,
		bus:         deps.Bus,
		version:     deps.Version,
		async:       deps.Async,
	}
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	Result       *domain.TrustScoreResult `json:"result"`
	ScalingEvent *domain.ScalingEvent     `json:"scalingEvent,omitempty"`
	Metadata     struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	// Parse request
	var req domain.TrustScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// The header tenant always wins over the body.
	req.TenantID = tenantID

	if req.PrincipalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "principalId is required",
		})
		return
	}
	for _, dim := range req.Dimensions {
		if !dim.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unknown dimension: " + string(dim),
			})
			return
		}
	}

	result, err := h.engine.Evaluate(ctx, &req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("trust evaluation failed",
			"principal_id", req.PrincipalID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "trust evaluation failed",
		})
		return
	}

	// Publish the result for downstream consumers (async controller,
	// audit pipelines). Best effort.
	if h.bus != nil {
		payload, _ := json.Marshal(result)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicTrustEvaluated, payload); err != nil {
			slog.Error("failed to publish evaluation result",
				"result_id", result.ID,
				"error", err,
			)
		}
	}

	resp := EvaluateResponse{Result: result}

	// Inline mode runs the controller in the request path so the caller
	// sees the adjustment outcome immediately.
	if !h.async && h.controller != nil {
		event, err := h.controller.OnTrustScore(ctx, result)
		if err != nil {
			slog.Error("scaling evaluation failed",
				"result_id", result.ID,
				"error", err,
			)
		} else {
			resp.ScalingEvent = event
		}
	}

	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// GetResult retrieves a persisted evaluation result by ID.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	resultID := chi.URLParam(r, "id")

	result, err := h.profiles.GetResult(ctx, tenantID, resultID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "result not found",
			})
			return
		}
		slog.Error("failed to get result", "id", resultID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get result",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetProfile retrieves a principal's trust profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	principalID := chi.URLParam(r, "principalId")

	profile, err := h.profiles.GetProfile(ctx, tenantID, principalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "profile not found",
			})
			return
		}
		slog.Error("failed to get profile", "principal_id", principalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get profile",
		})
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// ListTriggers returns the triggers currently loaded in the policy cache.
func (h *Handler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	snap := h.policyCache.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"triggers": snap.Triggers,
		"count":    len(snap.Triggers),
		"loadedAt": snap.LoadedAt,
	})
}

// GetTrigger retrieves a trigger by ID.
func (h *Handler) GetTrigger(w http.ResponseWriter, r *http.Request) {
	triggerID := chi.URLParam(r, "id")

	trigger, err := h.policies.GetTrigger(r.Context(), triggerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "trigger not found",
			})
			return
		}
		slog.Error("failed to get trigger", "id", triggerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get trigger",
		})
		return
	}

	writeJSON(w, http.StatusOK, trigger)
}

// CreateTrigger stores a new scaling trigger. Expression conditions are
// compiled up front so a bad expression is rejected at write time.
func (h *Handler) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var trigger domain.ScalingTrigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	h.saveTrigger(w, r, &trigger)
}

// UpdateTrigger updates an existing trigger.
func (h *Handler) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var trigger domain.ScalingTrigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	trigger.ID = chi.URLParam(r, "id")
	h.saveTrigger(w, r, &trigger)
}

func (h *Handler) saveTrigger(w http.ResponseWriter, r *http.Request, trigger *domain.ScalingTrigger) {
	ctx := r.Context()

	if err := h.policyCache.ValidateTrigger(trigger); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.policies.SaveTrigger(ctx, trigger); err != nil {
		slog.Error("failed to save trigger", "id", trigger.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save trigger",
		})
		return
	}

	h.signalPolicyReload(ctx)

	slog.Info("trigger saved", "id", trigger.ID, "name", trigger.Name)
	writeJSON(w, http.StatusCreated, trigger)
}

// DeleteTrigger removes a trigger.
func (h *Handler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	triggerID := chi.URLParam(r, "id")

	if err := h.policies.DeleteTrigger(ctx, triggerID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "trigger not found",
			})
			return
		}
		slog.Error("failed to delete trigger", "id", triggerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete trigger",
		})
		return
	}

	h.signalPolicyReload(ctx)

	slog.Info("trigger deleted", "id", triggerID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "trigger deleted",
	})
}

// ListPolicies returns the policies currently loaded in the policy cache.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	snap := h.policyCache.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"policies": snap.Policies,
		"count":    len(snap.Policies),
		"loadedAt": snap.LoadedAt,
	})
}

// GetPolicy retrieves a policy by ID.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "id")

	policy, err := h.policies.GetPolicy(r.Context(), policyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "policy not found",
			})
			return
		}
		slog.Error("failed to get policy", "id", policyID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get policy",
		})
		return
	}

	writeJSON(w, http.StatusOK, policy)
}

// CreatePolicy stores a new scaling policy.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy domain.ScalingPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	h.savePolicy(w, r, &policy)
}

// UpdatePolicy updates an existing policy.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy domain.ScalingPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	policy.ID = chi.URLParam(r, "id")
	h.savePolicy(w, r, &policy)
}

func (h *Handler) savePolicy(w http.ResponseWriter, r *http.Request, policy *domain.ScalingPolicy) {
	ctx := r.Context()

	if err := scaling.ValidatePolicy(policy); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// A policy referencing an unknown trigger can never fire.
	for _, triggerID := range policy.TriggerIDs {
		if _, err := h.policies.GetTrigger(ctx, triggerID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error": "unknown trigger: " + triggerID,
				})
				return
			}
			slog.Error("failed to check trigger", "id", triggerID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to validate policy",
			})
			return
		}
	}

	if err := h.policies.SavePolicy(ctx, policy); err != nil {
		slog.Error("failed to save policy", "id", policy.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save policy",
		})
		return
	}

	h.signalPolicyReload(ctx)

	slog.Info("policy saved", "id", policy.ID, "name", policy.Name)
	writeJSON(w, http.StatusCreated, policy)
}

// DeletePolicy removes a policy.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := chi.URLParam(r, "id")

	if err := h.policies.DeletePolicy(ctx, policyID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "policy not found",
			})
			return
		}
		slog.Error("failed to delete policy", "id", policyID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete policy",
		})
		return
	}

	h.signalPolicyReload(ctx)

	slog.Info("policy deleted", "id", policyID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "policy deleted",
	})
}

// ReloadPolicies reloads triggers and policies from the store into the
// policy cache. This enables hot-reloading without server restart.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if err := h.policyCache.Reload(r.Context()); err != nil {
		slog.Error("failed to reload policy cache", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload policies",
		})
		return
	}

	snap := h.policyCache.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "policies reloaded successfully",
		"triggers": len(snap.Triggers),
		"policies": len(snap.Policies),
	})
}

// GetLevels returns the principal's current per-mechanism security levels.
func (h *Handler) GetLevels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	principalID := chi.URLParam(r, "principalId")

	records, err := h.levels.ListLevels(ctx, tenantID, principalID)
	if err != nil {
		slog.Error("failed to list levels", "principal_id", principalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list levels",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"levels": records,
		"count":  len(records),
	})
}

// CreateAdjustment applies a manual security adjustment (admin override).
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req scaling.ManualAdjustment
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	req.TenantID = tenantID

	event, err := h.controller.ApplyManual(ctx, &req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("manual adjustment failed", "principal_id", req.PrincipalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "manual adjustment failed",
		})
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// GetEvent retrieves a scaling event by ID.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	event, err := h.events.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "event not found",
			})
			return
		}
		slog.Error("failed to get event", "id", eventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get event",
		})
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// RevokeEventRequest is the request body for POST /events/{id}/revoke.
type RevokeEventRequest struct {
	Reason string `json:"reason"`
}

// RevokeEvent marks a scaling event revoked. Revoking twice is a no-op.
func (h *Handler) RevokeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	var req RevokeEventRequest
	if r.Body != nil {
		// An empty body is fine; the reason is optional.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.controller.Revoke(ctx, tenantID, eventID, req.Reason); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "event not found",
			})
			return
		}
		slog.Error("failed to revoke event", "id", eventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to revoke event",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "event revoked",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// signalPolicyReload tells every replica to refresh its policy cache after
// a trigger or policy write. The local cache reloads inline so the writing
// node observes its own change immediately.
func (h *Handler) signalPolicyReload(ctx context.Context) {
	if err := h.policyCache.Reload(ctx); err != nil {
		slog.Error("failed to reload policy cache", "error", err)
	}
	if h.bus != nil {
		if err := h.bus.Publish(ctx, "_global", domain.TopicPolicyReload, nil); err != nil {
			slog.Error("failed to publish policy reload", "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
