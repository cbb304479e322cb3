package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/router"
	"github.com/agentplane/agentplane/core/requestplane/scheduler"
)

type mockRegistry struct {
	tenant      *requestplane.Tenant
	provider    *requestplane.ProviderConfig
	resolveErr  error
	mu          sync.Mutex
	resolveCnt  int
	resolvedFor []string
}

func (m *mockRegistry) GetTenant(ctx context.Context, tenantID string) (*requestplane.Tenant, error) {
	if m.tenant == nil {
		return nil, requestplane.ErrTenantNotFound
	}
	return m.tenant, nil
}

func (m *mockRegistry) GetAllowedRegions(ctx context.Context, tenantID string) ([]string, error) {
	return m.tenant.AllowedRegions, nil
}

func (m *mockRegistry) ResolveProvider(ctx context.Context, tenantID, providerType string) (*requestplane.ProviderConfig, error) {
	m.mu.Lock()
	m.resolveCnt++
	m.resolvedFor = append(m.resolvedFor, providerType)
	m.mu.Unlock()
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return m.provider, nil
}

type mockQuota struct {
	mu        sync.Mutex
	committed []string
	released  []string
}

func (m *mockQuota) Reserve(ctx context.Context, tenant *requestplane.Tenant, resource string, amount int64, priority requestplane.Priority) (*requestplane.ReserveResult, error) {
	return &requestplane.ReserveResult{ReservationID: "resv", OK: true}, nil
}

func (m *mockQuota) Commit(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, reservationID)
	return nil
}

func (m *mockQuota) Release(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, reservationID)
	return nil
}

func (m *mockQuota) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed), len(m.released)
}

type mockRouter struct {
	tier requestplane.Tier
}

func (m *mockRouter) Route(ctx context.Context, req *requestplane.Request, tenant *requestplane.Tenant) (*requestplane.Decision, *requestplane.Features) {
	return &requestplane.Decision{
		RequestID:  req.RequestID,
		TenantID:   req.TenantID,
		ChosenTier: m.tier,
		Confidence: 0.9,
		Strategy:   requestplane.StrategyClassifier,
		DecisionTS: time.Now(),
	}, &requestplane.Features{}
}

type mockInvoker struct {
	mu      sync.Mutex
	calls   int
	outcome *requestplane.Outcome
	err     error
}

func (m *mockInvoker) Invoke(ctx context.Context, req *requestplane.Request, tier requestplane.Tier, provider *requestplane.ProviderConfig) (*requestplane.Outcome, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.outcome != nil {
		out := *m.outcome
		return &out, nil
	}
	return &requestplane.Outcome{Success: true, LatencyMS: 5, CostMicroUSD: 100}, nil
}

func (m *mockInvoker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockSink struct {
	mu       sync.Mutex
	outcomes []*requestplane.Outcome
}

func (m *mockSink) Record(ctx context.Context, outcome *requestplane.Outcome, decision *requestplane.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	return nil
}

func (m *mockSink) recorded() []*requestplane.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*requestplane.Outcome, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}

type mockEscalator struct {
	mu    sync.Mutex
	items []*scheduler.Item
	tiers []requestplane.Tier
}

func (m *mockEscalator) RequeueEscalated(item *scheduler.Item, tier requestplane.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	m.tiers = append(m.tiers, tier)
}

func (m *mockEscalator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type testHarness struct {
	dispatcher *Dispatcher
	registry   *mockRegistry
	quota      *mockQuota
	invoker    *mockInvoker
	sink       *mockSink
	escalator  *mockEscalator
}

func newHarness(t *testing.T, tier requestplane.Tier) *testHarness {
	t.Helper()

	cfg := requestplane.Config{}
	cfg.ApplyDefaults()

	h := &testHarness{
		registry: &mockRegistry{
			tenant: &requestplane.Tenant{
				ID:         "t1",
				Plan:       requestplane.PlanPro,
				Status:     requestplane.TenantStatusActive,
				DataRegion: "us-east-1",
			},
			provider: &requestplane.ProviderConfig{
				ProviderType: ProviderType(tier),
				Region:       "us-east-1",
				Endpoint:     "http://provider.local",
				Available:    true,
			},
		},
		quota:     &mockQuota{},
		invoker:   &mockInvoker{},
		sink:      &mockSink{},
		escalator: &mockEscalator{},
	}

	h.dispatcher = New(cfg.Dispatch, h.registry, h.quota, &mockRouter{tier: tier},
		h.invoker, h.sink, nil, nil)
	h.dispatcher.SetEscalator(h.escalator)
	h.dispatcher.Start()
	t.Cleanup(h.dispatcher.Stop)
	return h
}

func testItem(id string) *scheduler.Item {
	return &scheduler.Item{
		Request: &requestplane.Request{
			RequestID: id,
			TenantID:  "t1",
			UserID:    "u1",
			ArrivalTS: time.Now(),
			Priority:  requestplane.PriorityNormal,
		},
		ReservationID: "resv-" + id,
		EnqueuedAt:    time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSuccessfulDispatchCommitsQuota(t *testing.T) {
	h := newHarness(t, requestplane.TierB)

	h.dispatcher.Dispatch(testItem("r1"))

	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.recorded()) == 1
	}, "outcome never recorded")

	out := h.sink.recorded()[0]
	if !out.Success {
		t.Error("expected successful outcome")
	}
	if out.RequestID != "r1" || out.TenantID != "t1" || out.UserID != "u1" {
		t.Errorf("outcome identity lost: %+v", out)
	}
	if out.Tier != requestplane.TierB {
		t.Errorf("expected tier B, got %s", out.Tier)
	}

	committed, released := h.quota.counts()
	if committed != 1 || released != 0 {
		t.Errorf("expected 1 commit / 0 releases, got %d / %d", committed, released)
	}
}

func TestInvokeFailureReleasesQuota(t *testing.T) {
	h := newHarness(t, requestplane.TierA)
	h.invoker.err = fmt.Errorf("provider exploded")

	h.dispatcher.Dispatch(testItem("r1"))

	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.recorded()) == 1
	}, "outcome never recorded")

	if h.sink.recorded()[0].Success {
		t.Error("expected failed outcome")
	}
	committed, released := h.quota.counts()
	if committed != 0 || released != 1 {
		t.Errorf("expected 0 commits / 1 release, got %d / %d", committed, released)
	}
}

func TestSchemaValidationEscalatesOneTier(t *testing.T) {
	h := newHarness(t, requestplane.TierA)
	h.invoker.err = ErrSchemaValidation

	h.dispatcher.Dispatch(testItem("r1"))

	waitFor(t, 2*time.Second, func() bool {
		return h.escalator.count() == 1
	}, "request never escalated")

	h.escalator.mu.Lock()
	tier := h.escalator.tiers[0]
	item := h.escalator.items[0]
	h.escalator.mu.Unlock()

	if tier != requestplane.TierB {
		t.Errorf("expected escalation to tier B, got %s", tier)
	}
	if item.ReservationID != "resv-r1" {
		t.Error("expected reservation carried through escalation")
	}

	// Reservation is reused, not committed or released
	committed, released := h.quota.counts()
	if committed != 0 || released != 0 {
		t.Errorf("expected quota untouched on escalation, got %d commits / %d releases", committed, released)
	}
	if len(h.sink.recorded()) != 0 {
		t.Error("expected no terminal outcome on escalation")
	}
}

func TestValidationFailureAtTopTierIsTerminal(t *testing.T) {
	h := newHarness(t, requestplane.TierC)
	h.invoker.err = ErrJSONValidation

	h.dispatcher.Dispatch(testItem("r1"))

	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.recorded()) == 1
	}, "outcome never recorded")

	if h.escalator.count() != 0 {
		t.Error("expected no escalation from tier C")
	}
	if h.sink.recorded()[0].Success {
		t.Error("expected failed outcome")
	}
	if _, released := h.quota.counts(); released != 1 {
		t.Error("expected reservation released")
	}
}

func TestEscalatedItemValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t, requestplane.TierB)
	h.invoker.err = ErrSchemaValidation

	item := testItem("r1")
	item.Tier = requestplane.TierB
	item.Escalated = true
	h.dispatcher.Dispatch(item)

	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.recorded()) == 1
	}, "outcome never recorded")

	if h.escalator.count() != 0 {
		t.Error("expected no second escalation")
	}
	if _, released := h.quota.counts(); released != 1 {
		t.Error("expected reservation released")
	}
}

func TestRegionForbiddenNeverFallsBack(t *testing.T) {
	h := newHarness(t, requestplane.TierB)
	h.registry.resolveErr = requestplane.ErrRegionForbidden

	h.dispatcher.Dispatch(testItem("r1"))

	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.recorded()) == 1
	}, "outcome never recorded")

	// The provider is never invoked on a residency violation
	if h.invoker.callCount() != 0 {
		t.Error("expected no provider call for forbidden region")
	}
	if h.sink.recorded()[0].Success {
		t.Error("expected failed outcome")
	}
	if _, released := h.quota.counts(); released != 1 {
		t.Error("expected reservation released")
	}
}

func TestExpiredDeadlineNotInvoked(t *testing.T) {
	h := newHarness(t, requestplane.TierA)

	item := testItem("r1")
	item.Request.DeadlineTS = time.Now().Add(-time.Second)
	h.dispatcher.Dispatch(item)

	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.recorded()) == 1
	}, "outcome never recorded")

	if h.invoker.callCount() != 0 {
		t.Error("expected no provider call for expired request")
	}
	if _, released := h.quota.counts(); released != 1 {
		t.Error("expected reservation released")
	}
}

func TestEscalatedItemSkipsRouting(t *testing.T) {
	// Router would pick tier A; the escalated item must stay on its own tier
	h := newHarness(t, requestplane.TierA)
	h.registry.provider.ProviderType = ProviderType(requestplane.TierC)

	item := testItem("r1")
	item.Tier = requestplane.TierC
	item.Escalated = true
	h.dispatcher.Dispatch(item)

	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.recorded()) == 1
	}, "outcome never recorded")

	if got := h.sink.recorded()[0].Tier; got != requestplane.TierC {
		t.Errorf("expected tier C preserved, got %s", got)
	}

	h.registry.mu.Lock()
	resolved := h.registry.resolvedFor[0]
	h.registry.mu.Unlock()
	if resolved != "tier-c" {
		t.Errorf("expected tier-c provider resolution, got %s", resolved)
	}
}

func TestIntakeOverflowReleasesReservation(t *testing.T) {
	cfg := requestplane.Config{}
	cfg.ApplyDefaults()
	cfg.Dispatch.CreditBuffer = 2

	quota := &mockQuota{}
	sink := &mockSink{}
	d := New(cfg.Dispatch, &mockRegistry{}, quota, &mockRouter{tier: requestplane.TierA},
		&mockInvoker{}, sink, nil, nil)
	// Not started: intake fills up and the overflow path must trigger

	if d.Available() != 2 {
		t.Fatalf("expected 2 credits, got %d", d.Available())
	}

	d.Dispatch(testItem("r1"))
	d.Dispatch(testItem("r2"))
	if d.Available() != 0 {
		t.Fatalf("expected 0 credits, got %d", d.Available())
	}

	d.Dispatch(testItem("r3"))

	quota.mu.Lock()
	defer quota.mu.Unlock()
	if len(quota.released) != 1 || quota.released[0] != "resv-r3" {
		t.Errorf("expected overflow release of resv-r3, got %v", quota.released)
	}
}

func TestValidationReasonClassification(t *testing.T) {
	if got := validationReason(ErrSchemaValidation); got != router.ReasonSchemaValidation {
		t.Errorf("unexpected reason %s", got)
	}
	if got := validationReason(fmt.Errorf("wrapped: %w", ErrJSONValidation)); got != router.ReasonJSONValidation {
		t.Errorf("unexpected reason %s", got)
	}
	if got := validationReason(errors.New("other")); got != "" {
		t.Errorf("expected empty reason, got %s", got)
	}
}
