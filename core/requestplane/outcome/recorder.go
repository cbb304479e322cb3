package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/agentplane/agentplane/core/requestplane"
)

// seenTTL bounds the dedup window for terminal outcomes. A duplicate after
// this window would double-fold, but upstream retention makes that window
// comfortably wide.
const seenTTL = 24 * time.Hour

// Rewarder scores a terminal outcome for the bandit feedback loop
type Rewarder interface {
	Reward(outcome *requestplane.Outcome) float64
}

// Recorder folds exactly one terminal outcome per request into the feedback
// stores: bandit arm statistics, per-(tenant,user) historicals, and the
// metered usage events that billing is derived from. Duplicate deliveries
// (the bus is at-least-once) are absorbed by a persisted seen-set.
type Recorder struct {
	db *badger.DB

	bandit   requestplane.BanditStore
	reward   Rewarder
	features requestplane.FeatureStore
	bus      requestplane.EventPublisher

	logger *log.Logger
}

// New creates a recorder with its seen-set persisted under dataDir
func New(dataDir string, bandit requestplane.BanditStore, reward Rewarder, features requestplane.FeatureStore, bus requestplane.EventPublisher) (*Recorder, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "outcomes"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open outcome store: %w", err)
	}
	return newRecorder(db, bandit, reward, features, bus), nil
}

// NewInMemory creates a recorder over an in-memory seen-set (tests)
func NewInMemory(bandit requestplane.BanditStore, reward Rewarder, features requestplane.FeatureStore, bus requestplane.EventPublisher) (*Recorder, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return newRecorder(db, bandit, reward, features, bus), nil
}

func newRecorder(db *badger.DB, bandit requestplane.BanditStore, reward Rewarder, features requestplane.FeatureStore, bus requestplane.EventPublisher) *Recorder {
	return &Recorder{
		db:       db,
		bandit:   bandit,
		reward:   reward,
		features: features,
		bus:      bus,
		logger:   log.Default(),
	}
}

// Close closes the seen-set store
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record folds one terminal outcome. Idempotent by request ID: replays are
// dropped before any store is touched, so arms and historicals never
// double-count and usage is metered exactly once per request.
func (r *Recorder) Record(ctx context.Context, out *requestplane.Outcome, decision *requestplane.Decision) error {
	if out.RequestID == "" {
		return fmt.Errorf("outcome without request ID")
	}

	fresh, err := r.markSeen(out.RequestID)
	if err != nil {
		return fmt.Errorf("failed to check outcome dedup for %s: %w", out.RequestID, err)
	}
	if !fresh {
		r.logger.Printf("[Recorder] Dropping duplicate outcome for %s", out.RequestID)
		return nil
	}

	// Arm statistics feed the router's bandit on the next decision for this
	// tenant; errors here must not lose the usage events below.
	reward := r.reward.Reward(out)
	if err := r.bandit.UpdateArm(ctx, out.TenantID, out.Tier, reward, float64(out.CostMicroUSD), !out.Success); err != nil {
		r.logger.Printf("[Recorder] Failed to update arm %s/%s: %v", out.TenantID, out.Tier, err)
	}

	if out.UserID != "" {
		if err := r.features.UpdateOutcome(ctx, out.TenantID, out.UserID, out.Fingerprint, out); err != nil {
			r.logger.Printf("[Recorder] Failed to fold historicals for %s/%s: %v", out.TenantID, out.UserID, err)
		}
	}

	r.meterUsage(ctx, out)
	r.publishTerminal(ctx, out, decision)
	return nil
}

// markSeen records the request ID in the dedup set. Returns false when the
// ID was already present.
func (r *Recorder) markSeen(requestID string) (bool, error) {
	key := []byte("seen:" + requestID)
	fresh := false

	err := r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		fresh = true
		entry := badger.NewEntry(key, []byte{1}).WithTTL(seenTTL)
		return txn.SetEntry(entry)
	})
	return fresh, err
}

// meterUsage publishes one usage_metered event per consumed resource. These
// events are the billing record: emitted exactly once per request, after the
// outcome is marked recorded.
func (r *Recorder) meterUsage(ctx context.Context, out *requestplane.Outcome) {
	meter := func(resource string, quantity int64) {
		if quantity <= 0 {
			return
		}
		_, err := r.bus.Publish(ctx, "usage_metered", out.TenantID, requestplane.PriorityNormal, map[string]any{
			"requestId": out.RequestID,
			"resource":  resource,
			"quantity":  quantity,
			"tier":      string(out.Tier),
			"success":   out.Success,
		}, out.RequestID)
		if err != nil {
			r.logger.Printf("[Recorder] Failed to meter %s for %s: %v", resource, out.RequestID, err)
		}
	}

	meter("tokens", out.TokensIn+out.TokensOut)
	meter("tool_calls", out.ToolCalls)
	meter("ws_minutes", out.WSMinutes)
}

// publishTerminal writes the joined decision/outcome record for downstream
// calibration consumers
func (r *Recorder) publishTerminal(ctx context.Context, out *requestplane.Outcome, decision *requestplane.Decision) {
	payload := map[string]any{
		"event":     "outcome",
		"requestId": out.RequestID,
		"tier":      string(out.Tier),
		"success":   out.Success,
		"latencyMs": out.LatencyMS,
		"costMicro": out.CostMicroUSD,
	}
	if decision != nil {
		if data, err := json.Marshal(decision); err == nil {
			payload["decision"] = json.RawMessage(data)
		}
	}

	if _, err := r.bus.Publish(ctx, "agent_run", out.TenantID, requestplane.PriorityNormal, payload, out.RequestID); err != nil {
		r.logger.Printf("[Recorder] Failed to publish terminal record for %s: %v", out.RequestID, err)
	}
}
