package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/auth"
	"github.com/agentplane/agentplane/core/requestplane/bus"
	"github.com/agentplane/agentplane/core/requestplane/health"
	"github.com/agentplane/agentplane/core/requestplane/registry"
	"github.com/agentplane/agentplane/core/requestplane/router"
)

const operatorToken = "test-operator-token"

type testAPI struct {
	api   *API
	bus   *bus.Bus
	rules *router.Rules
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	cfg := requestplane.Config{}
	cfg.ApplyDefaults()
	cfg.Admin.JWTSecret = "test-secret"

	hash, err := auth.HashBootstrapToken(operatorToken)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Admin.BootstrapTokenHash = hash

	b, err := bus.NewInMemory(cfg.Bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Stop() })

	store, err := registry.OpenStore(filepath.Join(t.TempDir(), "registry.db"), "SELECT {:tenant}")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	reg, err := registry.New(cfg.Registry, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	rules := router.NewRules()
	checker := health.NewChecker("test")

	api, err := New(cfg.Admin, b, reg, store, rules, checker)
	if err != nil {
		t.Fatal(err)
	}

	return &testAPI{api: api, bus: b, rules: rules}
}

// session exchanges the bootstrap token for an operator JWT
func (ta *testAPI) session(t *testing.T) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"token": operatorToken, "name": "tester"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/admin/auth", bytes.NewReader(body))
	ta.api.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("auth failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return resp["token"]
}

func (ta *testAPI) request(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ta.api.ServeHTTP(rec, req)
	return rec
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	ta := newTestAPI(t)

	for _, target := range []string{"/api/admin/dlq?kind=agent_run", "/api/admin/stats", "/api/admin/rules"} {
		rec := ta.request(t, "GET", target, "", nil)
		if rec.Code != 401 {
			t.Errorf("%s: expected 401 without token, got %d", target, rec.Code)
		}
	}
}

func TestWrongBootstrapTokenRejected(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.request(t, "POST", "/api/admin/auth", "", map[string]string{"token": "wrong"})
	if rec.Code != 401 {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestDLQInspectAndRequeue(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.session(t)

	// Drive an envelope into the DLQ through a permanently failing consumer
	if _, err := ta.bus.Subscribe("ingest_doc", "test", func(ctx context.Context, env *bus.Envelope) error {
		return fmt.Errorf("consumer broken")
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := ta.bus.Publish(context.Background(), "ingest_doc", "t1",
		requestplane.PriorityNormal, map[string]any{"doc": "d1"}, ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := ta.bus.StreamLen(bus.DLQName("ingest_doc")); n == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec := ta.request(t, "GET", "/api/admin/dlq?kind=ingest_doc", token, nil)
	if rec.Code != 200 {
		t.Fatalf("inspect failed: %d %s", rec.Code, rec.Body.String())
	}
	var inspect struct {
		Count     int             `json:"count"`
		Envelopes []*bus.Envelope `json:"envelopes"`
	}
	json.Unmarshal(rec.Body.Bytes(), &inspect)
	if inspect.Count != 1 || inspect.Envelopes[0].FailureCause == "" {
		t.Fatalf("unexpected DLQ listing: %+v", inspect)
	}

	rec = ta.request(t, "POST", "/api/admin/dlq/requeue", token, map[string]any{"kind": "ingest_doc", "max": 10})
	if rec.Code != 200 {
		t.Fatalf("requeue failed: %d %s", rec.Code, rec.Body.String())
	}
	var requeue map[string]int
	json.Unmarshal(rec.Body.Bytes(), &requeue)
	if requeue["requeued"] != 1 {
		t.Errorf("expected 1 requeued, got %d", requeue["requeued"])
	}
}

func TestDLQUnknownKindRejected(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.session(t)

	rec := ta.request(t, "GET", "/api/admin/dlq?kind=bogus", token, nil)
	if rec.Code != 400 {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTenantUpsertAndLookup(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.session(t)

	tenant := requestplane.Tenant{
		ID:         "t1",
		Plan:       requestplane.PlanPro,
		Status:     requestplane.TenantStatusActive,
		DataRegion: "eu-west-1",
	}
	rec := ta.request(t, "PUT", "/api/admin/tenants", token, tenant)
	if rec.Code != 200 {
		t.Fatalf("upsert failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = ta.request(t, "GET", "/api/admin/tenants?tenantId=t1", token, nil)
	if rec.Code != 200 {
		t.Fatalf("lookup failed: %d %s", rec.Code, rec.Body.String())
	}
	var got requestplane.Tenant
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Plan != requestplane.PlanPro || got.DataRegion != "eu-west-1" {
		t.Errorf("unexpected tenant: %+v", got)
	}
}

func TestRulesInstallAndReject(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.session(t)

	rec := ta.request(t, "PUT", "/api/admin/rules", token, map[string]any{
		"tenantId": "t1",
		"overrides": map[string]any{
			"denyEarlyExit": []string{`flags = "legal"`},
		},
	})
	if rec.Code != 200 {
		t.Fatalf("install failed: %d %s", rec.Code, rec.Body.String())
	}
	if got := ta.rules.List(); len(got) != 1 || got[0] != "t1" {
		t.Errorf("rules not installed: %v", got)
	}

	// A malformed expression must not partially install
	rec = ta.request(t, "PUT", "/api/admin/rules", token, map[string]any{
		"tenantId": "t2",
		"overrides": map[string]any{
			"forceEscalate": []string{`tokenCount >`},
		},
	})
	if rec.Code != 400 {
		t.Errorf("expected 400 for malformed rule, got %d", rec.Code)
	}
	if got := ta.rules.List(); len(got) != 1 {
		t.Errorf("malformed rule leaked into registry: %v", got)
	}
}

func TestInvoicePreviewSumsUsage(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.session(t)

	publish := func(tenant, resource string, qty int64) {
		_, err := ta.bus.Publish(context.Background(), "usage_metered", tenant,
			requestplane.PriorityNormal, map[string]any{
				"requestId": "r",
				"resource":  resource,
				"quantity":  qty,
			}, "")
		if err != nil {
			t.Fatal(err)
		}
	}
	publish("t1", "tokens", 1000)
	publish("t1", "tokens", 500)
	publish("t1", "tool_calls", 3)
	publish("t2", "tokens", 99999) // other tenant, excluded

	rec := ta.request(t, "GET", "/api/admin/invoice?tenantId=t1", token, nil)
	if rec.Code != 200 {
		t.Fatalf("invoice failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Events        int           `json:"events"`
		Lines         []invoiceLine `json:"lines"`
		TotalMicroUSD int64         `json:"totalMicroUsd"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)

	if resp.Events != 3 {
		t.Errorf("expected 3 events, got %d", resp.Events)
	}
	want := 1500*unitPriceMicroUSD["tokens"] + 3*unitPriceMicroUSD["tool_calls"]
	if resp.TotalMicroUSD != want {
		t.Errorf("expected total %d, got %d", want, resp.TotalMicroUSD)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.request(t, "GET", "/health/live", "", nil)
	if rec.Code != 200 {
		t.Errorf("liveness: expected 200, got %d", rec.Code)
	}
	rec = ta.request(t, "GET", "/health/ready", "", nil)
	if rec.Code != 200 {
		t.Errorf("readiness: expected 200, got %d", rec.Code)
	}
}
