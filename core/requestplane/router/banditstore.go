package router

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/agentplane/agentplane/core/requestplane"
)

const armKeyPrefix = "arm:"

const armConflictRetries = 16

// BanditStore persists per-(tenant, tier) arm statistics in BadgerDB.
// Updates run in serializable transactions so concurrent outcome recordings
// never lose pulls.
type BanditStore struct {
	db *badger.DB
}

// NewBanditStore opens the arm store under dataDir
func NewBanditStore(dataDir string) (*BanditStore, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "bandit"))
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bandit store: %w", err)
	}
	return &BanditStore{db: db}, nil
}

// NewBanditStoreInMemory opens an in-memory arm store (tests)
func NewBanditStoreInMemory() (*BanditStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BanditStore{db: db}, nil
}

// Close closes the store
func (s *BanditStore) Close() error {
	return s.db.Close()
}

func armKey(tenantID string, tier requestplane.Tier) []byte {
	return []byte(armKeyPrefix + tenantID + ":" + string(tier))
}

// GetArmStats returns the arm state, zero-valued when never pulled
func (s *BanditStore) GetArmStats(ctx context.Context, tenantID string, tier requestplane.Tier) (*requestplane.ArmStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &requestplane.ArmStats{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(armKey(tenantID, tier))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, stats)
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// UpdateArm folds one pull into the arm state
func (s *BanditStore) UpdateArm(ctx context.Context, tenantID string, tier requestplane.Tier, reward, cost float64, errored bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := armKey(tenantID, tier)

	var err error
	for i := 0; i < armConflictRetries; i++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			stats := &requestplane.ArmStats{}

			item, err := txn.Get(key)
			if err == nil {
				if verr := item.Value(func(val []byte) error {
					return json.Unmarshal(val, stats)
				}); verr != nil {
					return verr
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}

			stats.Pulls++
			stats.RewardSum += reward
			stats.CostSum += cost
			if errored {
				stats.Errors++
			}

			data, err := json.Marshal(stats)
			if err != nil {
				return err
			}
			return txn.Set(key, data)
		})
		if err != badger.ErrConflict {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to update arm %s/%s: %w", tenantID, tier, err)
	}
	return nil
}
