package outcome

import (
	"context"
	"sync"
	"testing"

	"github.com/agentplane/agentplane/core/requestplane"
)

type armUpdate struct {
	tenantID string
	tier     requestplane.Tier
	reward   float64
	cost     float64
	errored  bool
}

type mockBandit struct {
	mu      sync.Mutex
	updates []armUpdate
}

func (m *mockBandit) GetArmStats(ctx context.Context, tenantID string, tier requestplane.Tier) (*requestplane.ArmStats, error) {
	return &requestplane.ArmStats{}, nil
}

func (m *mockBandit) UpdateArm(ctx context.Context, tenantID string, tier requestplane.Tier, reward, cost float64, errored bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, armUpdate{tenantID, tier, reward, cost, errored})
	return nil
}

type fixedReward struct {
	value float64
}

func (f *fixedReward) Reward(outcome *requestplane.Outcome) float64 {
	return f.value
}

type featureUpdate struct {
	tenantID    string
	userID      string
	fingerprint string
}

type mockFeatures struct {
	mu      sync.Mutex
	updates []featureUpdate
}

func (m *mockFeatures) GetFeatures(ctx context.Context, tenantID, userID, fingerprint string) (*requestplane.Features, error) {
	return nil, nil
}

func (m *mockFeatures) UpdateOutcome(ctx context.Context, tenantID, userID, fingerprint string, outcome *requestplane.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, featureUpdate{tenantID, userID, fingerprint})
	return nil
}

type publishedEvent struct {
	kind     string
	tenantID string
	payload  map[string]any
}

type recordingBus struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (b *recordingBus) Publish(ctx context.Context, kind string, tenantID string, priority requestplane.Priority, payload any, correlationID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, publishedEvent{kind, tenantID, payload.(map[string]any)})
	return "evt", nil
}

func (b *recordingBus) byKind(kind string) []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedEvent
	for _, e := range b.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type testRecorder struct {
	recorder *Recorder
	bandit   *mockBandit
	features *mockFeatures
	bus      *recordingBus
}

func newTestRecorder(t *testing.T) *testRecorder {
	t.Helper()

	tr := &testRecorder{
		bandit:   &mockBandit{},
		features: &mockFeatures{},
		bus:      &recordingBus{},
	}
	rec, err := NewInMemory(tr.bandit, &fixedReward{value: 0.5}, tr.features, tr.bus)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	tr.recorder = rec
	return tr
}

func successOutcome(requestID string) *requestplane.Outcome {
	return &requestplane.Outcome{
		RequestID:    requestID,
		TenantID:     "t1",
		UserID:       "u1",
		Tier:         requestplane.TierB,
		Fingerprint:  "fp-1",
		Success:      true,
		LatencyMS:    120,
		CostMicroUSD: 4200,
		TokensIn:     300,
		TokensOut:    150,
		ToolCalls:    2,
	}
}

func TestRecordFeedsAllStores(t *testing.T) {
	tr := newTestRecorder(t)

	if err := tr.recorder.Record(context.Background(), successOutcome("r1"), nil); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	tr.bandit.mu.Lock()
	if len(tr.bandit.updates) != 1 {
		t.Fatalf("expected 1 arm update, got %d", len(tr.bandit.updates))
	}
	up := tr.bandit.updates[0]
	tr.bandit.mu.Unlock()

	if up.tenantID != "t1" || up.tier != requestplane.TierB {
		t.Errorf("arm update misaddressed: %+v", up)
	}
	if up.reward != 0.5 || up.cost != 4200 || up.errored {
		t.Errorf("unexpected arm update: %+v", up)
	}

	tr.features.mu.Lock()
	if len(tr.features.updates) != 1 {
		t.Fatalf("expected 1 historical fold, got %d", len(tr.features.updates))
	}
	fu := tr.features.updates[0]
	tr.features.mu.Unlock()
	if fu.tenantID != "t1" || fu.userID != "u1" || fu.fingerprint != "fp-1" {
		t.Errorf("historical fold misaddressed: %+v", fu)
	}
}

func TestUsageMeteredPerResource(t *testing.T) {
	tr := newTestRecorder(t)

	if err := tr.recorder.Record(context.Background(), successOutcome("r1"), nil); err != nil {
		t.Fatal(err)
	}

	metered := tr.bus.byKind("usage_metered")
	if len(metered) != 2 {
		t.Fatalf("expected 2 usage events (tokens, tool_calls), got %d", len(metered))
	}

	quantities := map[string]int64{}
	for _, e := range metered {
		quantities[e.payload["resource"].(string)] = e.payload["quantity"].(int64)
	}
	if quantities["tokens"] != 450 {
		t.Errorf("expected 450 tokens metered, got %d", quantities["tokens"])
	}
	if quantities["tool_calls"] != 2 {
		t.Errorf("expected 2 tool calls metered, got %d", quantities["tool_calls"])
	}

	terminal := tr.bus.byKind("agent_run")
	if len(terminal) != 1 {
		t.Fatalf("expected 1 terminal record, got %d", len(terminal))
	}
	if terminal[0].payload["requestId"] != "r1" {
		t.Errorf("terminal record misaddressed: %+v", terminal[0].payload)
	}
}

func TestDuplicateOutcomeDropped(t *testing.T) {
	tr := newTestRecorder(t)

	out := successOutcome("r1")
	if err := tr.recorder.Record(context.Background(), out, nil); err != nil {
		t.Fatal(err)
	}
	// At-least-once delivery replays the same outcome
	if err := tr.recorder.Record(context.Background(), out, nil); err != nil {
		t.Fatal(err)
	}

	tr.bandit.mu.Lock()
	arms := len(tr.bandit.updates)
	tr.bandit.mu.Unlock()
	if arms != 1 {
		t.Errorf("expected 1 arm update after replay, got %d", arms)
	}

	if got := len(tr.bus.byKind("usage_metered")); got != 2 {
		t.Errorf("expected usage metered exactly once (2 events), got %d", got)
	}
}

func TestDistinctRequestsBothRecorded(t *testing.T) {
	tr := newTestRecorder(t)

	tr.recorder.Record(context.Background(), successOutcome("r1"), nil)
	tr.recorder.Record(context.Background(), successOutcome("r2"), nil)

	tr.bandit.mu.Lock()
	defer tr.bandit.mu.Unlock()
	if len(tr.bandit.updates) != 2 {
		t.Errorf("expected 2 arm updates, got %d", len(tr.bandit.updates))
	}
}

func TestFailureMarksArmErrored(t *testing.T) {
	tr := newTestRecorder(t)

	out := successOutcome("r1")
	out.Success = false
	out.TokensIn = 0
	out.TokensOut = 0
	out.ToolCalls = 0

	if err := tr.recorder.Record(context.Background(), out, nil); err != nil {
		t.Fatal(err)
	}

	tr.bandit.mu.Lock()
	up := tr.bandit.updates[0]
	tr.bandit.mu.Unlock()
	if !up.errored {
		t.Error("expected arm marked errored")
	}

	// Nothing consumed, nothing metered
	if got := len(tr.bus.byKind("usage_metered")); got != 0 {
		t.Errorf("expected no usage events, got %d", got)
	}
}

func TestAnonymousOutcomeSkipsHistoricals(t *testing.T) {
	tr := newTestRecorder(t)

	out := successOutcome("r1")
	out.UserID = ""
	if err := tr.recorder.Record(context.Background(), out, nil); err != nil {
		t.Fatal(err)
	}

	tr.features.mu.Lock()
	defer tr.features.mu.Unlock()
	if len(tr.features.updates) != 0 {
		t.Error("expected no historical fold without a user")
	}
}

func TestMissingRequestIDRejected(t *testing.T) {
	tr := newTestRecorder(t)

	out := successOutcome("")
	if err := tr.recorder.Record(context.Background(), out, nil); err == nil {
		t.Error("expected error for outcome without request ID")
	}
}
