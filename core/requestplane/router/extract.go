package router

import (
	"context"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
)

// Historical defaults used when the (tenant, user) pair has no history or
// the feature store read degrades
const (
	defaultNovelty     = 1.0
	defaultFailureRate = 0.0
)

// Extractor composes current-request features with cached historicals.
// Store reads run under the configured hot-path timeout; on expiry the
// extractor returns request-only features and reports the degradation.
type Extractor struct {
	store   requestplane.FeatureStore
	timeout time.Duration
}

// NewExtractor creates a feature extractor over the given store
func NewExtractor(store requestplane.FeatureStore, timeout time.Duration) *Extractor {
	return &Extractor{store: store, timeout: timeout}
}

// Extract builds the feature vector for a request. The second return value
// reports whether the historical read degraded (timeout or store failure).
func (e *Extractor) Extract(ctx context.Context, req *requestplane.Request, tenant *requestplane.Tenant) (*requestplane.Features, bool) {
	now := time.Now().UTC()

	f := &requestplane.Features{
		TokenCount:            req.TokenCount,
		SchemaStrictness:      requestplane.Clamp01(req.SchemaStrictness),
		DomainFlags:           req.DomainFlags,
		Novelty:               defaultNovelty,
		HistoricalFailureRate: defaultFailureRate,
		UserTier:              tenant.Plan,
		TimeOfDay:             now.Hour(),
		DayOfWeek:             int(now.Weekday()),
	}
	f.Complexity = complexity(f)

	degraded := false
	if e.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		hist, err := e.store.GetFeatures(storeCtx, req.TenantID, req.UserID, req.Fingerprint)
		if err != nil {
			degraded = true
		} else if hist != nil {
			f.Novelty = hist.Novelty
			f.HistoricalFailureRate = hist.HistoricalFailureRate
		}
	}

	return f, degraded
}

// complexity derives a scalar work estimate from the request shape: long
// payloads, loose output schemas and many domain flags all push it up
func complexity(f *requestplane.Features) float64 {
	size := float64(f.TokenCount) / 4000.0
	if size > 1 {
		size = 1
	}
	breadth := float64(len(f.DomainFlags)) / 4.0
	if breadth > 1 {
		breadth = 1
	}
	return requestplane.Clamp01(0.5*size + 0.3*(1.0-f.SchemaStrictness) + 0.2*breadth)
}
