package requestplane

import (
	"context"
)

// TenantRegistry resolves tenant metadata. Implementations are read-through
// caches over the authoritative tenant table; reads bind the request-local
// tenant identity and fail closed if the bind fails.
type TenantRegistry interface {
	// GetTenant resolves a tenant by ID
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)

	// GetAllowedRegions returns the regions the tenant may be served from
	GetAllowedRegions(ctx context.Context, tenantID string) ([]string, error)

	// ResolveProvider selects a region-appropriate backend for the tenant.
	// Returns ErrRegionForbidden when no allowed region has the provider,
	// ErrDownstreamUnavailable when the region is allowed but the provider
	// is down.
	ResolveProvider(ctx context.Context, tenantID, providerType string) (*ProviderConfig, error)
}

// FeatureStore reads cached per-(tenant,user) historicals and accepts
// outcome aggregates. Reads on the hot path carry a hard timeout; callers
// fall back to defaults on expiry.
type FeatureStore interface {
	// GetFeatures returns historical features for the pair with Novelty
	// scored against the request fingerprint, or nil when the pair has no
	// history yet
	GetFeatures(ctx context.Context, tenantID, userID, fingerprint string) (*Features, error)

	// UpdateOutcome folds a terminal outcome into the historicals (EWMA of
	// success rate and latency) and records the request fingerprint
	UpdateOutcome(ctx context.Context, tenantID, userID, fingerprint string, outcome *Outcome) error
}

// ArmStats is the per-(tenant,tier) bandit state
type ArmStats struct {
	Pulls     int64   `json:"pulls"`
	RewardSum float64 `json:"rewardSum"`
	CostSum   float64 `json:"costSum"`
	Errors    int64   `json:"errors"`
}

// MeanReward returns the average reward for the arm
func (a *ArmStats) MeanReward() float64 {
	if a.Pulls == 0 {
		return 0
	}
	return a.RewardSum / float64(a.Pulls)
}

// BanditStore persists per-tenant arm statistics
type BanditStore interface {
	GetArmStats(ctx context.Context, tenantID string, tier Tier) (*ArmStats, error)
	UpdateArm(ctx context.Context, tenantID string, tier Tier, reward, cost float64, errored bool) error
}

// ReserveResult is returned by quota reservation attempts
type ReserveResult struct {
	ReservationID string
	OK            bool
	Remaining     int64
	ResetTS       int64 // unix seconds
	// ApproachingLimit is set once consumption crosses the warning threshold
	ApproachingLimit bool
}

// QuotaEngine is the admission-facing quota contract. Reserve carries the
// request priority so counter-store failures degrade per policy (fail
// closed for CRITICAL/HIGH, tenant-overridable fail open below that).
type QuotaEngine interface {
	Reserve(ctx context.Context, tenant *Tenant, resource string, amount int64, priority Priority) (*ReserveResult, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
}

// EventPublisher publishes envelopes onto the event bus. Publishing never
// blocks the hot path: transient failures land in a bounded outbox.
type EventPublisher interface {
	Publish(ctx context.Context, kind string, tenantID string, priority Priority, payload any, correlationID string) (string, error)
}
