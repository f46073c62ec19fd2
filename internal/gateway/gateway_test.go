package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/af-corp/aegis-router/internal/auth"
	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/costguard"
	"github.com/af-corp/aegis-router/internal/router"
	"github.com/af-corp/aegis-router/internal/telemetry"
	"github.com/af-corp/aegis-router/internal/types"
)

const adminKey = "aegis-admin-test-key"

type stubAdapter struct {
	fail map[string]error
}

func (s *stubAdapter) Family() config.Family { return config.FamilyOpenAI }

func (s *stubAdapter) Invoke(_ context.Context, p config.ProviderConfig, _ *types.Request) (*types.Response, error) {
	if err := s.fail[p.ID]; err != nil {
		return nil, err
	}
	return &types.Response{
		Content: "answer from " + p.ID,
		Usage:   types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func testProvider(id string, priority int, tier config.CostTier) config.ProviderConfig {
	return config.ProviderConfig{
		ID:          id,
		Name:        id,
		Family:      config.FamilyOpenAI,
		Credentials: "sk-" + id + "-secret",
		Weight:      1,
		Priority:    priority,
		CostTier:    tier,
		Enabled:     true,
	}
}

type testEnv struct {
	server *httptest.Server
	store  *configstore.Store
}

func newTestEnv(t *testing.T, fail map[string]error) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "routing.yaml")
	persister := configstore.NewFilePersister(path)
	doc := &config.Document{
		Providers: []config.ProviderConfig{
			testProvider("alpha", 1, config.CostFree),
			testProvider("beta", 2, config.CostPaid),
		},
		Clusters: []config.ClusterConfig{{
			Name:                  "parsing",
			Strategy:              config.StrategyLeastConnections,
			MaxConcurrentRequests: 2,
			RequestTimeoutMs:      2000,
			ProviderIDs:           []string{"alpha"},
		}},
	}
	if err := persister.Save(context.Background(), doc); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	store := configstore.New(persister, nil)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	registry := router.NewRegistry()
	registry.Register(&stubAdapter{fail: fail})

	ledger := costguard.NewLedger(100, 0.3, nil, nil)
	guard := costguard.New(store, ledger, costguard.WithMetrics(metrics))
	t.Cleanup(guard.Flush)

	manager := router.NewManager(store, registry,
		router.WithObserver(guard),
		router.WithLatencySource(ledger),
		router.WithMetrics(metrics),
	)
	store.OnChange(manager.Wake)
	orchestrator := router.NewOrchestrator(store, registry,
		router.WithObserver(guard),
		router.WithMetrics(metrics),
	)

	maxBody := func() int64 { return 1024 }
	srv := httptest.NewServer(NewRouter(RouterConfig{
		Handler:  NewHandler(manager, orchestrator, maxBody, nil),
		Admin:    NewAdminHandler(store, guard, manager, maxBody, nil),
		KeyStore: auth.NewStaticKeyStore(func() []string { return []string{auth.HashKey(adminKey)} }),
		Gatherer: reg,
		Version:  "test",
	}))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string, admin bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/health", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req_client_supplied")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req_client_supplied" {
		t.Errorf("X-Request-ID = %q, want req_client_supplied", got)
	}
}

func TestProcessCluster_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodPost, "/v1/clusters/parsing/process", `{"prompt":"parse this resume"}`, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["node"] != "alpha" {
		t.Errorf("node = %v, want alpha", body["node"])
	}
	data, _ := body["data"].(map[string]any)
	if data["content"] != "answer from alpha" {
		t.Errorf("content = %v", data["content"])
	}
	if body["request_id"] != resp.Header.Get("X-Request-ID") {
		t.Errorf("request_id %v does not match header %q", body["request_id"], resp.Header.Get("X-Request-ID"))
	}
}

func TestProcessCluster_Errors(t *testing.T) {
	tests := []struct {
		name       string
		fail       map[string]error
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown cluster", nil, "/v1/clusters/missing/process", `{"prompt":"hi"}`, http.StatusNotFound, "not_found"},
		{"empty body", nil, "/v1/clusters/parsing/process", ``, http.StatusBadRequest, "invalid_request"},
		{"no content", nil, "/v1/clusters/parsing/process", `{"task":"x"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", nil, "/v1/clusters/parsing/process", `{"prompt":"hi","bogus":1}`, http.StatusBadRequest, "invalid_request"},
		{"body too large", nil, "/v1/clusters/parsing/process", `{"prompt":"` + strings.Repeat("x", 2048) + `"}`, http.StatusBadRequest, "invalid_request"},
		{"provider failure", map[string]error{"alpha": errors.New("connection reset")}, "/v1/clusters/parsing/process", `{"prompt":"hi"}`, http.StatusBadGateway, "provider_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.fail)
			resp, body := env.do(t, http.MethodPost, tt.path, tt.body, false)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.wantStatus, body)
			}
			if got := errorCode(body); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestProcessCluster_NoAvailableNode(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.SetProviderEnabled(context.Background(), "alpha", false); err != nil {
		t.Fatal(err)
	}
	resp, body := env.do(t, http.MethodPost, "/v1/clusters/parsing/process", `{"prompt":"hi"}`, false)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (body %v)", resp.StatusCode, body)
	}
}

func TestFallback_Recovers(t *testing.T) {
	env := newTestEnv(t, map[string]error{"alpha": errors.New("boom")})
	resp, body := env.do(t, http.MethodPost, "/v1/fallback", `{"prompt":"hi"}`, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["success"] != true || body["used_provider"] != "beta" {
		t.Errorf("envelope = %v, want success via beta", body)
	}
	errs, _ := body["errors"].([]any)
	if len(errs) != 1 {
		t.Errorf("errors = %v, want one entry for alpha", errs)
	}
}

func TestFallback_Options(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodPost, "/v1/fallback", `{"prompt":"hi","options":{"preferred":"beta"}}`, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["used_provider"] != "beta" {
		t.Errorf("used_provider = %v, want beta", body["used_provider"])
	}
}

func TestFallback_AllFail(t *testing.T) {
	env := newTestEnv(t, map[string]error{
		"alpha": errors.New("boom"),
		"beta":  errors.New("bust"),
	})
	resp, body := env.do(t, http.MethodPost, "/v1/fallback", `{"prompt":"hi"}`, false)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body["success"] != false || body["error"] != "all providers failed" {
		t.Errorf("envelope = %v", body)
	}
	errs, _ := body["errors"].([]any)
	if len(errs) != 2 {
		t.Errorf("errors = %v, want 2", errs)
	}
}

func TestAdmin_RequiresKey(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, http.MethodGet, "/admin/status", "", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdmin_Status(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/admin/status", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	clusters, _ := body["clusters"].([]any)
	if len(clusters) != 1 {
		t.Fatalf("clusters = %v, want 1", clusters)
	}
}

func TestAdmin_PutClusterValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodPut, "/admin/clusters/parsing",
		`{"name":"parsing","strategy":"random","max_concurrent_requests":0,"provider_ids":["alpha"]}`, true)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (body %v)", resp.StatusCode, body)
	}
	e, _ := body["error"].(map[string]any)
	details, _ := e["details"].([]any)
	if len(details) < 2 {
		t.Errorf("details = %v, want strategy and max_concurrent_requests violations", details)
	}
}

func TestAdmin_PutClusterCreatesAndUpdates(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, http.MethodPut, "/admin/clusters/scoring",
		`{"strategy":"weighted_round_robin","max_concurrent_requests":3,"provider_ids":["alpha","beta"]}`, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPut, "/admin/clusters/scoring",
		`{"name":"scoring","strategy":"least_connections","max_concurrent_requests":5,"provider_ids":["beta"]}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	c, err := env.store.GetCluster("scoring")
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxConcurrentRequests != 5 || c.Strategy != config.StrategyLeastConnections {
		t.Errorf("cluster = %+v, want updated values", c)
	}
}

func TestAdmin_ClusterProviderLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/admin/clusters/parsing/providers",
		`{"id":"gamma","name":"Gamma","family":"openai","credentials":"sk-gamma-literal","weight":1,"cost_tier":"free","enabled":true}`, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want 201 (body %v)", resp.StatusCode, body)
	}
	if body["credentials"] == "sk-gamma-literal" {
		t.Error("credentials returned unmasked")
	}

	resp, _ = env.do(t, http.MethodPost, "/admin/clusters/parsing/providers",
		`{"id":"gamma","name":"Gamma","family":"openai","weight":1,"cost_tier":"free"}`, true)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate add status = %d, want 409", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/admin/clusters/parsing/providers", `{"id":"beta"}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("attach status = %d, want 200", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/admin/clusters/parsing/providers", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if ps, _ := body["providers"].([]any); len(ps) != 3 {
		t.Errorf("providers = %d, want 3", len(ps))
	}

	resp, _ = env.do(t, http.MethodDelete, "/admin/clusters/parsing/providers/gamma", "", true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/admin/clusters/parsing/providers/gamma", "", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
	if _, err := env.store.GetProvider("gamma"); err != nil {
		t.Errorf("provider should stay registered after detach: %v", err)
	}
}

func TestAdmin_ReadModifyWriteKeepsCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/admin/clusters/parsing/providers/alpha", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	body["weight"] = 2
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	resp, _ = env.do(t, http.MethodPut, "/admin/clusters/parsing/providers/alpha", string(raw), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}

	p, err := env.store.GetProvider("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if p.Credentials != "sk-alpha-secret" {
		t.Errorf("stored credentials = %q, want the original secret", p.Credentials)
	}
	if p.Weight != 2 {
		t.Errorf("weight = %v, want 2", p.Weight)
	}

	resp, body = env.do(t, http.MethodPost, "/v1/clusters/parsing/process", `{"prompt":"hi"}`, false)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("process after edit = %d (body %v), want 200", resp.StatusCode, body)
	}
}

func TestAdmin_DisablePaidIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/admin/disable-paid", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if d, _ := body["disabled"].([]any); len(d) != 1 || d[0] != "beta" {
		t.Errorf("disabled = %v, want [beta]", body["disabled"])
	}

	_, body = env.do(t, http.MethodPost, "/admin/disable-paid", "", true)
	if d, _ := body["disabled"].([]any); len(d) != 0 {
		t.Errorf("second call disabled = %v, want none", d)
	}
}

func TestAdmin_SetProviderEnabled(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, http.MethodPut, "/admin/providers/alpha/enabled", `{"enabled":false}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	p, err := env.store.GetProvider("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("alpha still enabled")
	}

	resp, _ = env.do(t, http.MethodPut, "/admin/providers/alpha/enabled", `{}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing enabled status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmin_Usage(t *testing.T) {
	env := newTestEnv(t, nil)
	alpha, err := env.store.GetProvider("alpha")
	if err != nil {
		t.Fatal(err)
	}
	alpha.Pricing = &config.PriceEntry{Input: 1, Output: 2}
	if _, err := env.store.UpdateProvider(context.Background(), "alpha", alpha); err != nil {
		t.Fatalf("UpdateProvider: %v", err)
	}
	env.do(t, http.MethodPost, "/v1/clusters/parsing/process", `{"prompt":"hi"}`, false)

	resp, body := env.do(t, http.MethodGet, "/admin/usage?provider=alpha&window=1h", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	ps, _ := body["providers"].([]any)
	if len(ps) != 1 {
		t.Fatalf("providers = %v", ps)
	}
	s, _ := ps[0].(map[string]any)
	if s["attempts"] != float64(1) || s["prompt_tokens"] != float64(10) {
		t.Errorf("summary = %v, want one attempt with 10 prompt tokens", s)
	}
	// 10 prompt tokens at $1/1K plus 5 completion tokens at $2/1K.
	if spend, ok := s["daily_spend_usd"].(float64); !ok || math.Abs(spend-0.02) > 1e-9 {
		t.Errorf("daily_spend_usd = %v, want 0.02", s["daily_spend_usd"])
	}

	resp, _ = env.do(t, http.MethodGet, "/admin/usage?window=-5m", "", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmin_ExportMasksCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/admin/export", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	raw, _ := json.Marshal(body)
	if strings.Contains(string(raw), "sk-alpha-secret") {
		t.Errorf("export leaked a literal credential: %s", raw)
	}
}

func TestAdmin_Reset(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, http.MethodPost, "/admin/reset", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, err := env.store.GetCluster("resume-parsing"); err != nil {
		t.Errorf("default cluster missing after reset: %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/v1/clusters/parsing/process", `{"prompt":"hi"}`, false)

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
