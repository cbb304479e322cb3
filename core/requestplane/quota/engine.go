package quota

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/metrics"
)

// Engine enforces per-tenant quotas on admission and meters usage on
// commit. Counters are its cache; the usage_metered events it emits are
// the billing source of truth.
type Engine struct {
	config  requestplane.QuotaConfig
	store   *Store
	bus     requestplane.EventPublisher
	metrics *metrics.Collector

	// openResvs tracks fail-open reservations that could not be persisted
	// because the counter store was unavailable; Commit still meters them
	openResvs   map[string]*Reservation
	openResvsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewEngine creates a quota engine over the given counter store
func NewEngine(config requestplane.QuotaConfig, store *Store, bus requestplane.EventPublisher, m *metrics.Collector) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		config:     config,
		store:      store,
		bus:        bus,
		metrics:    m,
		openResvs:  make(map[string]*Reservation),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.Default(),
	}
}

// Start begins the reservation expiry sweeper
func (e *Engine) Start() {
	e.logger.Printf("[QuotaEngine] Starting quota enforcement (reservation ttl %ds)", e.config.ReservationTTLS)

	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop stops the engine
func (e *Engine) Stop() {
	e.logger.Printf("[QuotaEngine] Stopping quota engine")
	e.cancel()
	e.wg.Wait()
}

// effectiveLimit resolves the limit for (tenant, resource).
// Returns -1 when no override and no default exists (unlimited).
func (e *Engine) effectiveLimit(tenant *requestplane.Tenant, resource string) int64 {
	if tenant.QuotaOverrides != nil {
		if limit, ok := tenant.QuotaOverrides[resource]; ok {
			return limit
		}
	}
	if limit, ok := e.config.DefaultLimits[resource]; ok {
		return limit
	}
	return -1
}

func (e *Engine) periodFor(resource string) Period {
	return ParsePeriod(e.config.Periods[resource])
}

// failOpen decides the degradation policy when the counter store is
// unavailable. CRITICAL and HIGH prefer correctness and fail closed;
// NORMAL/LOW follow the platform default unless the tenant overrides it.
func (e *Engine) failOpen(tenant *requestplane.Tenant, priority requestplane.Priority) bool {
	if priority >= requestplane.PriorityHigh {
		return false
	}
	if tenant.FailOpen != nil {
		return *tenant.FailOpen
	}
	return e.config.FailOpen
}

// Reserve conditionally consumes quota for (tenant, resource). The caller
// passes the request priority so store failures degrade per policy.
func (e *Engine) Reserve(ctx context.Context, tenant *requestplane.Tenant, resource string, amount int64, priority requestplane.Priority) (*requestplane.ReserveResult, error) {
	now := time.Now()
	period := e.periodFor(resource)
	limit := e.effectiveLimit(tenant, resource)

	resv := &Reservation{
		ID:          requestplane.NewReservationID(),
		TenantID:    tenant.ID,
		Resource:    resource,
		Amount:      amount,
		Period:      period,
		PeriodStart: period.Start(now),
		State:       ReservationPending,
		Unlimited:   limit < 0,
		Created:     now,
		Expiry:      now.Add(time.Duration(e.config.ReservationTTLS) * time.Second),
	}

	consumed, ok, err := e.store.ReserveIncr(resv, limit)
	if err != nil {
		return e.degrade(ctx, tenant, resv, priority, err)
	}

	resetTS := period.End(now).Unix()

	if !ok {
		if e.metrics != nil {
			e.metrics.QuotaDenials.WithLabelValues(resource).Inc()
			e.metrics.QuotaReservations.WithLabelValues(resource, "denied").Inc()
		}
		return &requestplane.ReserveResult{
			OK:        false,
			Remaining: remaining(limit, consumed),
			ResetTS:   resetTS,
		}, requestplane.NewQuotaError(tenant.ID, resource, consumed, limit, resetTS)
	}

	result := &requestplane.ReserveResult{
		ReservationID: resv.ID,
		OK:            true,
		Remaining:     remaining(limit, consumed),
		ResetTS:       resetTS,
	}

	if limit > 0 && float64(consumed) >= e.config.WarningThreshold*float64(limit) {
		result.ApproachingLimit = true
		e.emitWarning(ctx, tenant.ID, resource, consumed, limit, resetTS)
	}

	if e.metrics != nil {
		e.metrics.QuotaReservations.WithLabelValues(resource, "ok").Inc()
	}

	return result, nil
}

// degrade applies the fail-open/fail-closed policy on store failure
func (e *Engine) degrade(ctx context.Context, tenant *requestplane.Tenant, resv *Reservation, priority requestplane.Priority, cause error) (*requestplane.ReserveResult, error) {
	if e.failOpen(tenant, priority) {
		e.logger.Printf("[QuotaEngine] Counter store unavailable, failing open for tenant %s (%s): %v",
			tenant.ID, priority, cause)
		if e.metrics != nil {
			e.metrics.QuotaStoreFailures.WithLabelValues("open").Inc()
		}
		e.publish(ctx, "audit_log", tenant.ID, requestplane.PriorityHigh, map[string]any{
			"event":    "quota.degraded",
			"policy":   "fail_open",
			"resource": resv.Resource,
			"error":    cause.Error(),
		})

		// Unbacked reservation: Commit still meters usage, Release just
		// drops the record
		e.openResvsMu.Lock()
		e.openResvs[resv.ID] = resv
		e.openResvsMu.Unlock()
		return &requestplane.ReserveResult{
			ReservationID: resv.ID,
			OK:            true,
			Remaining:     -1,
			ResetTS:       resv.Period.End(resv.Created).Unix(),
		}, nil
	}

	if e.metrics != nil {
		e.metrics.QuotaStoreFailures.WithLabelValues("closed").Inc()
	}
	return nil, requestplane.NewTenantError(tenant.ID, requestplane.ErrDownstreamUnavailable)
}

// Commit finalizes a reservation after successful dispatch and emits
// exactly one usage.metered event. Commit without a prior Reserve is a
// fatal invariant violation.
func (e *Engine) Commit(ctx context.Context, reservationID string) error {
	if resv := e.takeOpenReservation(reservationID); resv != nil {
		e.publish(ctx, "usage_metered", resv.TenantID, requestplane.PriorityNormal, map[string]any{
			"tenant":   resv.TenantID,
			"resource": resv.Resource,
			"quantity": resv.Amount,
			"period":   string(resv.Period),
			"ts":       time.Now().Unix(),
		})
		return nil
	}

	resv, transitioned, err := e.store.Commit(reservationID, time.Now())
	if err != nil {
		if err == requestplane.ErrReservationNotFound {
			panic(requestplane.NewInvariantViolation("quota",
				"Commit called for unknown reservation "+reservationID))
		}
		return err
	}

	if !transitioned {
		// Idempotent replay: the usage event was already emitted
		return nil
	}

	e.publish(ctx, "usage_metered", resv.TenantID, requestplane.PriorityNormal, map[string]any{
		"tenant":   resv.TenantID,
		"resource": resv.Resource,
		"quantity": resv.Amount,
		"period":   string(resv.Period),
		"ts":       time.Now().Unix(),
	})

	return nil
}

// Release returns an uncommitted reservation's quota. Idempotent.
func (e *Engine) Release(ctx context.Context, reservationID string) error {
	if resv := e.takeOpenReservation(reservationID); resv != nil {
		return nil
	}
	_, _, err := e.store.Release(reservationID)
	return err
}

// takeOpenReservation removes and returns a fail-open reservation, if any
func (e *Engine) takeOpenReservation(reservationID string) *Reservation {
	e.openResvsMu.Lock()
	defer e.openResvsMu.Unlock()
	resv, ok := e.openResvs[reservationID]
	if ok {
		delete(e.openResvs, reservationID)
	}
	return resv
}

// Consumed exposes the current counter value for admission diagnostics
func (e *Engine) Consumed(tenantID, resource string) (int64, error) {
	period := e.periodFor(resource)
	return e.store.Consumed(tenantID, resource, period.Start(time.Now()))
}

// sweepLoop auto-releases reservations whose TTL expired (crash tolerance)
func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

func (e *Engine) sweepExpired() {
	ids, err := e.store.ExpiredPending(time.Now(), 256)
	if err != nil {
		e.logger.Printf("[QuotaEngine] Expiry sweep failed: %v", err)
		return
	}

	for _, id := range ids {
		if _, released, err := e.store.Release(id); err != nil {
			e.logger.Printf("[QuotaEngine] Auto-release failed for %s: %v", id, err)
		} else if released {
			if e.metrics != nil {
				e.metrics.QuotaAutoReleases.Inc()
			}
		}
	}

	if len(ids) > 0 {
		e.logger.Printf("[QuotaEngine] Auto-released %d expired reservations", len(ids))
	}
}

func (e *Engine) emitWarning(ctx context.Context, tenantID, resource string, consumed, limit, resetTS int64) {
	if e.metrics != nil {
		e.metrics.QuotaWarnings.Inc()
	}
	e.publish(ctx, "audit_log", tenantID, requestplane.PriorityNormal, map[string]any{
		"event":    "quota.approaching_limit",
		"resource": resource,
		"consumed": consumed,
		"limit":    limit,
		"resetTs":  resetTS,
	})
}

func (e *Engine) publish(ctx context.Context, kind, tenantID string, priority requestplane.Priority, payload any) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(ctx, kind, tenantID, priority, payload, ""); err != nil {
		e.logger.Printf("[QuotaEngine] Failed to publish %s event: %v", kind, err)
	}
}

func remaining(limit, consumed int64) int64 {
	if limit < 0 {
		return -1
	}
	r := limit - consumed
	if r < 0 {
		return 0
	}
	return r
}
