package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/repository"
	"github.com/opensource-security/kestrel/internal/scaling"
	"github.com/opensource-security/kestrel/internal/trust"
)

// createTestServer wires a server against a temp sqlite store.
func createTestServer(t *testing.T) (*Server, *repository.SQLStore) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	store, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	policyCache, err := scaling.NewPolicyCache(store)
	if err != nil {
		t.Fatalf("failed to create policy cache: %v", err)
	}

	engine := trust.NewEngine(store, store, nil, domain.EngineConfig{})
	controller := scaling.NewController(
		domain.ControllerConfig{Enabled: true},
		policyCache, store, store, scaling.NewMemoryStateStore(), nil,
	)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	server := NewServer(cfg, Deps{
		Engine:      engine,
		Controller:  controller,
		PolicyCache: policyCache,
		Profiles:    store,
		Policies:    store,
		Levels:      store,
		Events:      store,
		Version:     "test-v1",
	})

	return server, store
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestEvaluateEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("SuccessfulEvaluation", func(t *testing.T) {
		reqBody := domain.TrustScoreRequest{
			PrincipalID: "user-001",
			Device: &domain.DeviceContext{
				DeviceID: "device-001",
				OS:       "linux",
			},
			Location: &domain.LocationContext{
				Country: "US",
				City:    "Boston",
			},
		}

		rr := doJSON(t, server, http.MethodPost, "/evaluate", reqBody)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.Result == nil {
			t.Fatal("expected result in response")
		}
		if resp.Result.ID == "" {
			t.Error("expected result ID")
		}
		if resp.Result.TenantID != "tenant-001" {
			t.Errorf("expected tenant from header, got '%s'", resp.Result.TenantID)
		}
		if resp.Result.Score < 0 || resp.Result.Score > 100 {
			t.Errorf("score out of range: %f", resp.Result.Score)
		}
		if resp.Result.Confidence < 0 || resp.Result.Confidence > 1 {
			t.Errorf("confidence out of range: %f", resp.Result.Confidence)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingPrincipalID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/evaluate", domain.TrustScoreRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownDimension", func(t *testing.T) {
		reqBody := domain.TrustScoreRequest{
			PrincipalID: "user-001",
			Dimensions:  []domain.Dimension{"astrological"},
		}
		rr := doJSON(t, server, http.MethodPost, "/evaluate", reqBody)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		reqBody := domain.TrustScoreRequest{PrincipalID: "user-headers"}
		rr := doJSON(t, server, http.MethodPost, "/evaluate", reqBody)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})

	t.Run("ProfilePersisted", func(t *testing.T) {
		reqBody := domain.TrustScoreRequest{PrincipalID: "user-profile"}
		rr := doJSON(t, server, http.MethodPost, "/evaluate", reqBody)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodGet, "/profiles/user-profile", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var profile domain.UserTrustProfile
		if err := json.Unmarshal(rr.Body.Bytes(), &profile); err != nil {
			t.Fatalf("failed to parse profile: %v", err)
		}
		if profile.PrincipalID != "user-profile" {
			t.Errorf("expected principal 'user-profile', got '%s'", profile.PrincipalID)
		}
		if len(profile.History) == 0 {
			t.Error("expected history entry after evaluation")
		}
	})

	t.Run("ProfileNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/profiles/no-such-user", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestTriggerEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	trigger := domain.ScalingTrigger{
		ID:            "trig-001",
		Name:          "Low Score",
		Dimension:     domain.DimensionOverall,
		ConditionType: domain.ConditionThreshold,
		Comparator:    domain.CompareLT,
		Threshold:     40,
		Direction:     domain.DirectionUp,
		Priority:      5,
		Enabled:       true,
	}

	t.Run("CreateTrigger", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/triggers", trigger)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("GetTrigger", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/triggers/trig-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var got domain.ScalingTrigger
		if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
			t.Fatalf("failed to parse trigger: %v", err)
		}
		if got.Name != "Low Score" {
			t.Errorf("expected name 'Low Score', got '%s'", got.Name)
		}
	})

	t.Run("ListTriggers", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/triggers", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Triggers map[string]domain.ScalingTrigger `json:"triggers"`
			Count    int                              `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 {
			t.Errorf("expected 1 trigger, got %d", resp.Count)
		}
	})

	t.Run("UpdateTrigger", func(t *testing.T) {
		updated := trigger
		updated.Threshold = 35

		rr := doJSON(t, server, http.MethodPut, "/triggers/trig-001", updated)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/triggers/trig-001", nil)
		var got domain.ScalingTrigger
		json.Unmarshal(rr.Body.Bytes(), &got)
		if got.Threshold != 35 {
			t.Errorf("expected threshold 35, got %f", got.Threshold)
		}
	})

	t.Run("InvalidComparator", func(t *testing.T) {
		bad := trigger
		bad.ID = "trig-bad"
		bad.Comparator = "approximately"

		rr := doJSON(t, server, http.MethodPost, "/triggers", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		bad := domain.ScalingTrigger{
			ID:            "trig-expr-bad",
			Name:          "Broken Expression",
			ConditionType: domain.ConditionExpression,
			Expression:    "score >>> (",
			Direction:     domain.DirectionUp,
			Enabled:       true,
		}

		rr := doJSON(t, server, http.MethodPost, "/triggers", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("DeleteTrigger", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/triggers/trig-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodGet, "/triggers/trig-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
	})
}

func TestPolicyEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	trigger := domain.ScalingTrigger{
		ID:            "trig-pol",
		Name:          "Policy Trigger",
		Dimension:     domain.DimensionOverall,
		ConditionType: domain.ConditionThreshold,
		Comparator:    domain.CompareLT,
		Threshold:     40,
		Direction:     domain.DirectionUp,
		Enabled:       true,
	}
	if rr := doJSON(t, server, http.MethodPost, "/triggers", trigger); rr.Code != http.StatusCreated {
		t.Fatalf("trigger setup failed: %d", rr.Code)
	}

	policy := domain.ScalingPolicy{
		ID:         "pol-001",
		Name:       "Step Up",
		TriggerIDs: []string{"trig-pol"},
		Adjustments: map[domain.Direction]map[domain.Mechanism]domain.SecurityLevel{
			domain.DirectionUp: {
				domain.MechanismAuthFactors: domain.LevelHigh,
			},
		},
		Priority: 5,
		Enabled:  true,
	}

	t.Run("CreatePolicy", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policies", policy)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("UnknownTriggerRejected", func(t *testing.T) {
		bad := policy
		bad.ID = "pol-dangling"
		bad.TriggerIDs = []string{"no-such-trigger"}

		rr := doJSON(t, server, http.MethodPost, "/policies", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("NoTriggersRejected", func(t *testing.T) {
		bad := policy
		bad.ID = "pol-empty"
		bad.TriggerIDs = nil

		rr := doJSON(t, server, http.MethodPost, "/policies", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListPolicies", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/policies", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Policies map[string]domain.ScalingPolicy `json:"policies"`
			Count    int                             `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 {
			t.Errorf("expected 1 policy, got %d", resp.Count)
		}
	})

	t.Run("ReloadPolicies", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policies/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["triggers"] != float64(1) || resp["policies"] != float64(1) {
			t.Errorf("unexpected reload counts: %v", resp)
		}
	})

	t.Run("DeletePolicy", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/policies/pol-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodGet, "/policies/pol-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
	})
}

func TestAdjustmentEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	adjustment := scaling.ManualAdjustment{
		PrincipalID: "user-adj",
		Mechanism:   domain.MechanismAuthFactors,
		Level:       domain.LevelVeryHigh,
		Reason:      "suspected account takeover",
		AdminID:     "admin-007",
	}

	var eventID string

	t.Run("CreateAdjustment", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/adjustments", adjustment)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var event domain.ScalingEvent
		if err := json.Unmarshal(rr.Body.Bytes(), &event); err != nil {
			t.Fatalf("failed to parse event: %v", err)
		}
		if event.ID == "" {
			t.Fatal("expected event ID")
		}
		if event.PolicyID != "manual:admin-007" {
			t.Errorf("expected policy 'manual:admin-007', got '%s'", event.PolicyID)
		}
		eventID = event.ID
	})

	t.Run("InvalidMechanism", func(t *testing.T) {
		bad := adjustment
		bad.Mechanism = "captcha_farm"

		rr := doJSON(t, server, http.MethodPost, "/adjustments", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetLevels", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/levels/user-adj", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Levels []domain.SecurityLevelRecord `json:"levels"`
			Count  int                          `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 {
			t.Fatalf("expected 1 level record, got %d", resp.Count)
		}
		if resp.Levels[0].Level != domain.LevelVeryHigh {
			t.Errorf("expected level very_high, got '%s'", resp.Levels[0].Level)
		}
	})

	t.Run("GetEvent", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/events/"+eventID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("RevokeEvent", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/events/"+eventID+"/revoke", RevokeEventRequest{
			Reason: "false positive",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/events/"+eventID, nil)
		var event domain.ScalingEvent
		json.Unmarshal(rr.Body.Bytes(), &event)
		if !event.Revoked {
			t.Error("expected event marked revoked")
		}
		if event.RevokeReason != "false positive" {
			t.Errorf("expected revoke reason preserved, got '%s'", event.RevokeReason)
		}
	})

	t.Run("RevokeIsIdempotent", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/events/"+eventID+"/revoke", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200 on repeat revoke, got %d", rr.Code)
		}
	})

	t.Run("RevokeMissingEvent", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/events/no-such-event/revoke", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
