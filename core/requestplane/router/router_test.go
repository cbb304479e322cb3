package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
)

// mockFeatureStore serves canned historicals with an optional delay
type mockFeatureStore struct {
	features *requestplane.Features
	err      error
	delay    time.Duration
}

func (m *mockFeatureStore) GetFeatures(ctx context.Context, tenantID, userID, fingerprint string) (*requestplane.Features, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.features, nil
}

func (m *mockFeatureStore) UpdateOutcome(ctx context.Context, tenantID, userID, fingerprint string, outcome *requestplane.Outcome) error {
	return nil
}

// failingBanditStore simulates an unavailable arm store
type failingBanditStore struct{}

func (failingBanditStore) GetArmStats(ctx context.Context, tenantID string, tier requestplane.Tier) (*requestplane.ArmStats, error) {
	return nil, errors.New("store unavailable")
}

func (failingBanditStore) UpdateArm(ctx context.Context, tenantID string, tier requestplane.Tier, reward, cost float64, errored bool) error {
	return errors.New("store unavailable")
}

func testRouterConfig() requestplane.RouterConfig {
	cfg := requestplane.Config{}
	cfg.ApplyDefaults()
	return cfg.Router
}

func seededBanditStore(t *testing.T, tenantID string, rewards map[requestplane.Tier]float64) *BanditStore {
	t.Helper()
	store, err := NewBanditStoreInMemory()
	if err != nil {
		t.Fatalf("failed to open bandit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for tier, reward := range rewards {
		if err := store.UpdateArm(context.Background(), tenantID, tier, reward, 0, false); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func routeRequest(tokens int, strictness float64, flags ...string) *requestplane.Request {
	return &requestplane.Request{
		RequestID:        requestplane.NewRequestID(),
		TenantID:         "t1",
		UserID:           "u1",
		Priority:         requestplane.PriorityNormal,
		Fingerprint:      "fp-1",
		TokenCount:       tokens,
		SchemaStrictness: strictness,
		DomainFlags:      flags,
	}
}

func proTenant() *requestplane.Tenant {
	return &requestplane.Tenant{
		ID:     "t1",
		Plan:   requestplane.PlanPro,
		Status: requestplane.TenantStatusActive,
	}
}

func TestEarlyExitSimpleRequest(t *testing.T) {
	store := &mockFeatureStore{features: &requestplane.Features{
		Novelty:               0.3,
		HistoricalFailureRate: 0.1,
	}}
	r := New(testRouterConfig(), store, failingBanditStore{}, nil, nil)

	decision, features := r.Route(context.Background(), routeRequest(100, 0.9), proTenant())

	if decision.Strategy != requestplane.StrategyEarlyExit {
		t.Fatalf("expected early_exit, got %s (tier %s)", decision.Strategy, decision.ChosenTier)
	}
	if decision.ChosenTier != requestplane.TierA {
		t.Errorf("expected Tier A, got %s", decision.ChosenTier)
	}
	if decision.Confidence < 0.8 || decision.Confidence > 1.0 {
		t.Errorf("expected confidence in [0.8, 1.0], got %f", decision.Confidence)
	}
	if features.Complexity > 0.3 {
		t.Errorf("expected simple request complexity, got %f", features.Complexity)
	}
}

func TestCanaryCohortDeterministic(t *testing.T) {
	h := requestplane.StableHash("t1", "u1")

	cfg := testRouterConfig()
	cfg.Canary.MinPct = h
	cfg.Canary.MaxPct = h + 0.001
	cfg.Canary.Tier = requestplane.TierB

	store := &mockFeatureStore{features: &requestplane.Features{Novelty: 0.2}}
	r := New(cfg, store, failingBanditStore{}, nil, nil)

	for i := 0; i < 10; i++ {
		decision, _ := r.Route(context.Background(), routeRequest(100, 0.9), proTenant())
		if decision.Strategy != requestplane.StrategyCanary {
			t.Fatalf("run %d: expected canary, got %s", i, decision.Strategy)
		}
		if decision.ChosenTier != requestplane.TierB {
			t.Fatalf("run %d: expected canary tier B, got %s", i, decision.ChosenTier)
		}
	}

	// The band is half-open: a band ending exactly at the pair's hash
	// excludes it
	cfg.Canary.MinPct = 0
	cfg.Canary.MaxPct = h
	r = New(cfg, store, failingBanditStore{}, nil, nil)
	decision, _ := r.Route(context.Background(), routeRequest(100, 0.9), proTenant())
	if decision.Strategy == requestplane.StrategyCanary {
		t.Error("expected pair at the band's upper boundary to be outside the cohort")
	}
}

func TestLowConfidenceEscalatesOneTier(t *testing.T) {
	// Mid-complexity features keep classifier confidence below the bandit
	// threshold; the seeded bandit exploits Tier A, then low confidence
	// escalates A to B
	store := &mockFeatureStore{features: &requestplane.Features{
		Novelty:               0.6,
		HistoricalFailureRate: 0.25,
	}}

	cfg := testRouterConfig()
	cfg.Bandit.Epsilon = 0 // deterministic exploitation

	banditStore := seededBanditStore(t, "t1", map[requestplane.Tier]float64{
		requestplane.TierA: 0.9,
		requestplane.TierB: 0.2,
		requestplane.TierC: 0.1,
	})
	r := New(cfg, store, banditStore, nil, nil)

	decision, _ := r.Route(context.Background(), routeRequest(2000, 0.6), proTenant())

	if decision.Strategy != requestplane.StrategyEscalation {
		t.Fatalf("expected escalation, got %s (conf %f)", decision.Strategy, decision.Confidence)
	}
	if decision.EscalationReason != ReasonLowConfidence {
		t.Errorf("expected LOW_CONFIDENCE, got %s", decision.EscalationReason)
	}
	if decision.ChosenTier != requestplane.TierB {
		t.Errorf("expected escalation A->B, got %s", decision.ChosenTier)
	}
	if decision.Confidence >= 0.8 {
		t.Errorf("expected confidence below escalation floor, got %f", decision.Confidence)
	}
}

func TestHighFailureRateEscalatesFromCStaysC(t *testing.T) {
	store := &mockFeatureStore{features: &requestplane.Features{
		Novelty:               0.4,
		HistoricalFailureRate: 0.6,
	}}
	r := New(testRouterConfig(), store, failingBanditStore{}, nil, nil)

	// Large loose request: classifier picks C with high confidence, then
	// the failure rate forces an escalation that cannot go above C
	decision, _ := r.Route(context.Background(), routeRequest(4000, 0.1, "legal", "finance"), proTenant())

	if decision.Strategy != requestplane.StrategyEscalation {
		t.Fatalf("expected escalation, got %s", decision.Strategy)
	}
	if decision.EscalationReason != ReasonHighFailureRate {
		t.Errorf("expected HIGH_FAILURE_RATE, got %s", decision.EscalationReason)
	}
	if decision.ChosenTier != requestplane.TierC {
		t.Errorf("expected tier to stay C, got %s", decision.ChosenTier)
	}
}

func TestFeatureStoreTimeoutDegrades(t *testing.T) {
	cfg := testRouterConfig() // 20ms store timeout, default tier B

	store := &mockFeatureStore{
		features: &requestplane.Features{Novelty: 0.1},
		delay:    200 * time.Millisecond,
	}
	r := New(cfg, store, failingBanditStore{}, nil, nil)

	started := time.Now()
	decision, _ := r.Route(context.Background(), routeRequest(100, 0.9), proTenant())
	elapsed := time.Since(started)

	if decision.Strategy != requestplane.StrategyDegraded {
		t.Fatalf("expected degraded, got %s", decision.Strategy)
	}
	if decision.ChosenTier != cfg.DefaultTier {
		t.Errorf("expected default tier %s, got %s", cfg.DefaultTier, decision.ChosenTier)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("expected routing bounded by the store timeout, took %v", elapsed)
	}
}

func TestBanditFailureBelowThresholdDegrades(t *testing.T) {
	// Features with no strong tier signal push confidence below the bandit
	// threshold; the failing arm store falls back to the static rule
	store := &mockFeatureStore{features: &requestplane.Features{
		Novelty:               0.6,
		HistoricalFailureRate: 0.25,
	}}
	cfg := testRouterConfig()
	r := New(cfg, store, failingBanditStore{}, nil, nil)

	decision, _ := r.Route(context.Background(), routeRequest(2000, 0.6), proTenant())

	if decision.Strategy != requestplane.StrategyDegraded {
		t.Fatalf("expected degraded, got %s", decision.Strategy)
	}
	if decision.ChosenTier != cfg.DefaultTier {
		t.Errorf("expected default tier %s, got %s", cfg.DefaultTier, decision.ChosenTier)
	}
}

func TestExploreCohortConsultsBandit(t *testing.T) {
	// High-confidence early-exit-ineligible request: without the explore
	// flag the classifier would decide alone
	store := &mockFeatureStore{features: &requestplane.Features{
		Novelty:               0.2,
		HistoricalFailureRate: 0.1,
	}}

	cfg := testRouterConfig()
	cfg.Bandit.Epsilon = 0

	banditStore := seededBanditStore(t, "t1", map[requestplane.Tier]float64{
		requestplane.TierA: 0.1,
		requestplane.TierB: 0.2,
		requestplane.TierC: 0.9,
	})
	r := New(cfg, store, banditStore, nil, nil)

	if err := r.Rules().Set("t1", TenantOverrides{Explore: true}); err != nil {
		t.Fatal(err)
	}

	decision, _ := r.Route(context.Background(), routeRequest(4000, 0.2), proTenant())

	if decision.Strategy != requestplane.StrategyBandit && decision.Strategy != requestplane.StrategyEscalation {
		t.Fatalf("expected bandit consultation, got %s", decision.Strategy)
	}
}

func TestTenantRuleDeniesEarlyExit(t *testing.T) {
	store := &mockFeatureStore{features: &requestplane.Features{
		Novelty:               0.3,
		HistoricalFailureRate: 0.1,
	}}
	r := New(testRouterConfig(), store, failingBanditStore{}, nil, nil)

	if err := r.Rules().Set("t1", TenantOverrides{
		DenyEarlyExit: []string{`flags = "legal"`},
	}); err != nil {
		t.Fatal(err)
	}

	// Identical request shape with and without the gated flag
	withFlag, _ := r.Route(context.Background(), routeRequest(100, 0.9, "legal"), proTenant())
	if withFlag.Strategy == requestplane.StrategyEarlyExit {
		t.Error("expected tenant rule to block early exit for flagged request")
	}

	without, _ := r.Route(context.Background(), routeRequest(100, 0.9), proTenant())
	if without.Strategy != requestplane.StrategyEarlyExit {
		t.Errorf("expected unflagged request to early-exit, got %s", without.Strategy)
	}
}

func TestTenantRuleForcesEscalation(t *testing.T) {
	store := &mockFeatureStore{features: &requestplane.Features{
		Novelty:               0.3,
		HistoricalFailureRate: 0.1,
	}}
	r := New(testRouterConfig(), store, failingBanditStore{}, nil, nil)

	if err := r.Rules().Set("t1", TenantOverrides{
		ForceEscalate: []string{`tokenCount > 50 && schemaStrictness >= 0.8`},
	}); err != nil {
		t.Fatal(err)
	}

	decision, _ := r.Route(context.Background(), routeRequest(100, 0.9), proTenant())

	if decision.Strategy != requestplane.StrategyEscalation {
		t.Fatalf("expected forced escalation, got %s", decision.Strategy)
	}
	if decision.EscalationReason != ReasonTenantRule {
		t.Errorf("expected TENANT_RULE, got %s", decision.EscalationReason)
	}
	if decision.ChosenTier != requestplane.TierB {
		t.Errorf("expected A escalated to B, got %s", decision.ChosenTier)
	}
}

func TestThresholdOverridesStrictlyOverride(t *testing.T) {
	store := &mockFeatureStore{features: &requestplane.Features{
		Novelty:               0.3,
		HistoricalFailureRate: 0.1,
	}}
	r := New(testRouterConfig(), store, failingBanditStore{}, nil, nil)

	// Default MaxTokenCount is 200; the tenant tightens it to 50
	tight := testRouterConfig().EarlyExit
	tight.MaxTokenCount = 50
	if err := r.Rules().Set("t1", TenantOverrides{EarlyExit: &tight}); err != nil {
		t.Fatal(err)
	}

	decision, _ := r.Route(context.Background(), routeRequest(100, 0.9), proTenant())
	if decision.Strategy == requestplane.StrategyEarlyExit {
		t.Error("expected tenant override to block early exit above 50 tokens")
	}
}

func TestInvalidRuleRejected(t *testing.T) {
	r := New(testRouterConfig(), nil, failingBanditStore{}, nil, nil)

	err := r.Rules().Set("t1", TenantOverrides{
		DenyEarlyExit: []string{`tokenCount >`},
	})
	if err == nil {
		t.Fatal("expected invalid expression to be rejected")
	}

	// A failed Set must not install partial state
	if got := r.Rules().get("t1"); got != nil {
		t.Error("expected no overrides installed after rejection")
	}
}

func TestDecisionMetadata(t *testing.T) {
	store := &mockFeatureStore{features: &requestplane.Features{Novelty: 0.3}}
	r := New(testRouterConfig(), store, failingBanditStore{}, nil, nil)

	req := routeRequest(100, 0.9)
	decision, _ := r.Route(context.Background(), req, proTenant())

	if decision.RequestID != req.RequestID {
		t.Errorf("expected request ID %s, got %s", req.RequestID, decision.RequestID)
	}
	if decision.TenantID != "t1" {
		t.Errorf("expected tenant t1, got %s", decision.TenantID)
	}
	if decision.DecisionTS.IsZero() {
		t.Error("expected decision timestamp")
	}
	if decision.DecisionLatency <= 0 {
		t.Error("expected positive decision latency")
	}
}
