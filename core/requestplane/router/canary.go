package router

import (
	"github.com/agentplane/agentplane/core/requestplane"
)

// canaryGate decides canary cohort membership from the stable hash of the
// (tenant, user) pair. Membership never flaps for a given pair and band:
// hash == minPct is in, hash == maxPct is out.
type canaryGate struct {
	config requestplane.CanaryConfig
}

func newCanaryGate(config requestplane.CanaryConfig) *canaryGate {
	return &canaryGate{config: config}
}

// inBand reports whether the pair falls inside [minPct, maxPct)
func (g *canaryGate) inBand(tenantID, userID string) bool {
	h := requestplane.StableHash(tenantID, userID)
	return h >= g.config.MinPct && h < g.config.MaxPct
}

// tier returns the tier served to the canary cohort
func (g *canaryGate) tier() requestplane.Tier {
	return g.config.Tier
}
