package registry

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/metrics"
)

// cacheEntry is a cached lookup result. Negative entries absorb repeated
// lookups of unknown tenants for a short window.
type cacheEntry struct {
	tenant   *requestplane.Tenant
	negative bool
}

// Registry is the read-through tenant registry: a short-TTL ristretto cache
// over the SQL store, with lookup coalescing and a circuit breaker so a
// degraded database cannot stack admission latency.
type Registry struct {
	config requestplane.RegistryConfig
	store  *Store

	cache   *ristretto.Cache[string, *cacheEntry]
	group   singleflight.Group
	breaker *requestplane.CircuitBreaker

	metrics *metrics.Collector
	logger  *log.Logger
}

// New creates the registry over an opened store
func New(config requestplane.RegistryConfig, store *Store, m *metrics.Collector) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *cacheEntry]{
		NumCounters: 100_000,
		MaxCost:     config.CacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry cache: %w", err)
	}

	return &Registry{
		config: config,
		store:  store,
		cache:  cache,
		breaker: requestplane.NewCircuitBreaker(requestplane.CircuitBreakerConfig{
			Name: "tenant-registry",
		}),
		metrics: m,
		logger:  log.Default(),
	}, nil
}

// Close releases the cache and the backing store
func (r *Registry) Close() error {
	r.cache.Close()
	return r.store.Close()
}

// GetTenant resolves a tenant, serving from cache within its TTL. A bind
// failure is never cached: the next lookup retries the store.
func (r *Registry) GetTenant(ctx context.Context, tenantID string) (*requestplane.Tenant, error) {
	if entry, ok := r.cache.Get(tenantID); ok {
		if r.metrics != nil {
			r.metrics.RegistryCacheHits.Inc()
		}
		if entry.negative {
			return nil, requestplane.ErrTenantNotFound
		}
		return entry.tenant, nil
	}

	if r.metrics != nil {
		r.metrics.RegistryCacheMisses.Inc()
	}

	// Coalesce concurrent misses for the same tenant into one store read
	v, err, _ := r.group.Do(tenantID, func() (interface{}, error) {
		return r.load(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*requestplane.Tenant), nil
}

func (r *Registry) load(ctx context.Context, tenantID string) (*requestplane.Tenant, error) {
	var tenant *requestplane.Tenant

	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		t, err := r.store.GetTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		tenant = t
		return nil
	})

	switch {
	case err == nil:
		r.cache.SetWithTTL(tenantID, &cacheEntry{tenant: tenant}, 1, r.config.CacheTTL)
		return tenant, nil

	case errors.Is(err, requestplane.ErrTenantNotFound):
		r.cache.SetWithTTL(tenantID, &cacheEntry{negative: true}, 1, r.config.NegativeTTL)
		return nil, err

	case errors.Is(err, requestplane.ErrTenantBindFailed):
		if r.metrics != nil {
			r.metrics.RegistryBindErrors.Inc()
		}
		r.logger.Printf("[Registry] Session bind failed for %s, failing closed: %v", tenantID, err)
		return nil, err

	default:
		return nil, fmt.Errorf("registry lookup failed for %s: %w", tenantID, err)
	}
}

// GetAllowedRegions returns the regions the tenant may be served from
func (r *Registry) GetAllowedRegions(ctx context.Context, tenantID string) ([]string, error) {
	tenant, err := r.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	regions := make([]string, 0, len(tenant.AllowedRegions)+1)
	regions = append(regions, tenant.DataRegion)
	for _, region := range tenant.AllowedRegions {
		if region != tenant.DataRegion {
			regions = append(regions, region)
		}
	}
	return regions, nil
}

// ResolveProvider selects a backend for the tenant within its allowed
// regions. The tenant's data region wins when it has the provider; there is
// no fallback outside the allowed set under any circumstances.
func (r *Registry) ResolveProvider(ctx context.Context, tenantID, providerType string) (*requestplane.ProviderConfig, error) {
	tenant, err := r.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var providers []*requestplane.ProviderConfig
	err = r.breaker.Execute(ctx, func(ctx context.Context) error {
		p, err := r.store.ListProviders(ctx, tenantID, providerType)
		if err != nil {
			return err
		}
		providers = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	var inRegion []*requestplane.ProviderConfig
	for _, p := range providers {
		if tenant.RegionAllowed(p.Region) {
			inRegion = append(inRegion, p)
		}
	}
	if len(inRegion) == 0 {
		return nil, requestplane.NewTenantError(tenantID, requestplane.ErrRegionForbidden)
	}

	var candidate *requestplane.ProviderConfig
	for _, p := range inRegion {
		if !p.Available {
			continue
		}
		if p.Region == tenant.DataRegion {
			return p, nil
		}
		if candidate == nil {
			candidate = p
		}
	}
	if candidate == nil {
		return nil, requestplane.NewTenantError(tenantID, requestplane.ErrDownstreamUnavailable)
	}
	return candidate, nil
}

// Invalidate drops a tenant from the cache (admin updates)
func (r *Registry) Invalidate(tenantID string) {
	r.cache.Del(tenantID)
	r.cache.Wait()
}

// Breaker exposes the store circuit breaker (health surface)
func (r *Registry) Breaker() *requestplane.CircuitBreaker {
	return r.breaker
}

// Stats returns registry statistics
func (r *Registry) Stats() map[string]interface{} {
	return map[string]interface{}{
		"breaker": r.breaker.Stats(),
	}
}
