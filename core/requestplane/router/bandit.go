package router

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/agentplane/agentplane/core/requestplane"
)

// Normalization caps for the reward function. Costs and latencies at or
// above the cap contribute their full penalty weight.
const (
	rewardCostCapMicroUSD = 100_000
	rewardLatencyCapMS    = 10_000
)

// bandit is the per-tenant ε-greedy policy over the three tier arms with a
// UCB exploration bonus. Arm state is persisted per (tenant, tier) and
// updated by the outcome recorder.
type bandit struct {
	config requestplane.BanditConfig
	store  requestplane.BanditStore

	rng   *rand.Rand
	rngMu sync.Mutex
}

func newBandit(config requestplane.BanditConfig, store requestplane.BanditStore, seed int64) *bandit {
	return &bandit{
		config: config,
		store:  store,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// choose picks an arm for the tenant. With probability ε it explores the
// arm with the highest UCB bonus (unpulled arms first), otherwise it
// exploits the best observed mean reward.
func (b *bandit) choose(ctx context.Context, tenantID string) (requestplane.Tier, error) {
	arms := make([]*requestplane.ArmStats, len(requestplane.Tiers))
	var total int64

	for i, tier := range requestplane.Tiers {
		stats, err := b.store.GetArmStats(ctx, tenantID, tier)
		if err != nil {
			return "", err
		}
		arms[i] = stats
		total += stats.Pulls
	}

	// Every arm gets pulled once before any policy applies
	for i, stats := range arms {
		if stats.Pulls == 0 {
			return requestplane.Tiers[i], nil
		}
	}

	if b.explore() {
		best := 0
		bestBonus := ucbBonus(total, arms[0].Pulls)
		for i := 1; i < len(arms); i++ {
			if bonus := ucbBonus(total, arms[i].Pulls); bonus > bestBonus {
				best = i
				bestBonus = bonus
			}
		}
		return requestplane.Tiers[best], nil
	}

	best := 0
	for i := 1; i < len(arms); i++ {
		if arms[i].MeanReward() > arms[best].MeanReward() {
			best = i
		}
	}
	return requestplane.Tiers[best], nil
}

func (b *bandit) explore() bool {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64() < b.config.Epsilon
}

// ucbBonus is the upper-confidence-bound exploration term
func ucbBonus(totalPulls, armPulls int64) float64 {
	if armPulls == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(2 * math.Log(float64(totalPulls)) / float64(armPulls))
}

// Reward computes the arm reward for a terminal outcome:
// α·success − β·normalized_cost − γ·normalized_latency
func (b *bandit) Reward(outcome *requestplane.Outcome) float64 {
	success := 0.0
	if outcome.Success {
		success = 1.0
	}

	cost := float64(outcome.CostMicroUSD) / rewardCostCapMicroUSD
	if cost > 1 {
		cost = 1
	}
	latency := float64(outcome.LatencyMS) / rewardLatencyCapMS
	if latency > 1 {
		latency = 1
	}

	return b.config.Alpha*success - b.config.Beta*cost - b.config.Gamma*latency
}
