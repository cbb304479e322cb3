package features

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/agentplane/agentplane/core/requestplane"
)

// ewmaAlpha is the smoothing factor for success-rate and latency averages
const ewmaAlpha = 0.2

// fingerprintWindow bounds the recent-fingerprint ring per pair
const fingerprintWindow = 64

// cacheTTL is the ephemeral lifetime of a cached historical record
const cacheTTL = 30 * time.Second

const keyPrefixHistory = "hist:"

// history is the persisted per-(tenant,user) aggregate
type history struct {
	SuccessRate float64  `json:"successRate"`
	LatencyMS   float64  `json:"latencyMs"`
	Count       int64    `json:"count"`
	Fingerprints []uint64 `json:"fingerprints,omitempty"`
}

func (h *history) seen(fp uint64) bool {
	for _, f := range h.Fingerprints {
		if f == fp {
			return true
		}
	}
	return false
}

// novelty scores how unfamiliar a fingerprint is for this pair. A repeat
// of a recently seen payload shape is cheap to serve; a shape never seen
// from a pair with little history is the riskiest.
func (h *history) novelty(fp uint64) float64 {
	base := 1.0 / (1.0 + float64(h.Count)/20.0)
	if h.seen(fp) {
		return requestplane.Clamp01(base * 0.25)
	}
	return requestplane.Clamp01(0.5 + base/2)
}

// Store serves router feature reads from a ristretto cache over badger
// historicals. Reads are hot-path: the caller wraps them in a context
// deadline and falls back to defaults on miss or timeout.
type Store struct {
	db    *badger.DB
	cache *ristretto.Cache[string, *history]
}

// NewStore opens the feature store under dataDir
func NewStore(dataDir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "features"))
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open feature store: %w", err)
	}

	return newStore(db)
}

// NewStoreInMemory opens an in-memory store (tests)
func NewStoreInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

func newStore(db *badger.DB) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *history]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create feature cache: %w", err)
	}

	return &Store{db: db, cache: cache}, nil
}

// Close closes the store
func (s *Store) Close() error {
	s.cache.Close()
	return s.db.Close()
}

func historyKey(tenantID, userID string) string {
	return keyPrefixHistory + tenantID + ":" + userID
}

func fingerprintHash(fingerprint string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(fingerprint))
	return h.Sum64()
}

// GetFeatures returns the historical slice of the router features for the
// pair, with Novelty scored against the request fingerprint. Returns nil
// when the pair has no history.
func (s *Store) GetFeatures(ctx context.Context, tenantID, userID, fingerprint string) (*requestplane.Features, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, err := s.load(tenantID, userID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}

	return &requestplane.Features{
		Novelty:               h.novelty(fingerprintHash(fingerprint)),
		HistoricalFailureRate: requestplane.Clamp01(1.0 - h.SuccessRate),
	}, nil
}

// UpdateOutcome folds a terminal outcome into the pair's historicals
func (s *Store) UpdateOutcome(ctx context.Context, tenantID, userID, fingerprint string, outcome *requestplane.Outcome) error {
	key := historyKey(tenantID, userID)
	fp := fingerprintHash(fingerprint)

	err := s.db.Update(func(txn *badger.Txn) error {
		h := &history{SuccessRate: 1.0}

		item, err := txn.Get([]byte(key))
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, h)
			}); verr != nil {
				return verr
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		success := 0.0
		if outcome.Success {
			success = 1.0
		}

		if h.Count == 0 {
			h.SuccessRate = success
			h.LatencyMS = float64(outcome.LatencyMS)
		} else {
			h.SuccessRate = ewmaAlpha*success + (1-ewmaAlpha)*h.SuccessRate
			h.LatencyMS = ewmaAlpha*float64(outcome.LatencyMS) + (1-ewmaAlpha)*h.LatencyMS
		}
		h.Count++

		if !h.seen(fp) {
			h.Fingerprints = append(h.Fingerprints, fp)
			if len(h.Fingerprints) > fingerprintWindow {
				h.Fingerprints = h.Fingerprints[len(h.Fingerprints)-fingerprintWindow:]
			}
		}

		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to update historicals for %s/%s: %w", tenantID, userID, err)
	}

	// Invalidate rather than overwrite: ristretto writes are buffered, and
	// a read-through repopulate cannot go stale
	s.cache.Del(key)
	s.cache.Wait()

	return nil
}

// load reads a history record through the cache
func (s *Store) load(tenantID, userID string) (*history, error) {
	key := historyKey(tenantID, userID)

	if h, ok := s.cache.Get(key); ok {
		return h, nil
	}

	var h *history
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		h = &history{}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, h)
		})
	})
	if err != nil {
		return nil, err
	}

	if h != nil {
		s.cache.SetWithTTL(key, h, 1, cacheTTL)
	}
	return h, nil
}
