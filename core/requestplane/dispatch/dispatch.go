package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/metrics"
	"github.com/agentplane/agentplane/core/requestplane/router"
	"github.com/agentplane/agentplane/core/requestplane/scheduler"
)

// Validation failures surfaced by tier workers. A first occurrence requeues
// the request one tier up on its existing reservation; a repeat (or one at
// the top tier) is terminal.
var (
	ErrSchemaValidation = errors.New("output failed schema validation")
	ErrJSONValidation   = errors.New("output is not valid JSON")
)

// TierRouter chooses a tier for an admitted request
type TierRouter interface {
	Route(ctx context.Context, req *requestplane.Request, tenant *requestplane.Tenant) (*requestplane.Decision, *requestplane.Features)
}

// Invoker executes a request against a resolved provider and returns its
// outcome. Implementations own the provider protocol.
type Invoker interface {
	Invoke(ctx context.Context, req *requestplane.Request, tier requestplane.Tier, provider *requestplane.ProviderConfig) (*requestplane.Outcome, error)
}

// OutcomeSink receives one terminal outcome per request
type OutcomeSink interface {
	Record(ctx context.Context, outcome *requestplane.Outcome, decision *requestplane.Decision) error
}

// Escalator requeues a request at the head of its tenant queue on a higher
// tier, reusing the original reservation
type Escalator interface {
	RequeueEscalated(item *scheduler.Item, tier requestplane.Tier)
}

// work is an item together with its routing decision, bound to a tier pool
type work struct {
	item     *scheduler.Item
	tenant   *requestplane.Tenant
	decision *requestplane.Decision
}

// Dispatcher runs the per-tier worker pools. The scheduler hands it selected
// items through Dispatch; free intake capacity is advertised back as credits
// so the scheduler never selects more than downstream can absorb.
type Dispatcher struct {
	config requestplane.DispatchConfig

	registry requestplane.TenantRegistry
	quota    requestplane.QuotaEngine
	router   TierRouter
	invoker  Invoker
	sink     OutcomeSink
	bus      requestplane.EventPublisher
	esc      Escalator

	intake chan *scheduler.Item
	pools  map[requestplane.Tier]chan *work

	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates the dispatcher. The escalator (normally the scheduler) is set
// separately to break the construction cycle between the two.
func New(config requestplane.DispatchConfig, registry requestplane.TenantRegistry, quota requestplane.QuotaEngine, tr TierRouter, invoker Invoker, sink OutcomeSink, bus requestplane.EventPublisher, m *metrics.Collector) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	pools := make(map[requestplane.Tier]chan *work, len(requestplane.Tiers))
	for _, tier := range requestplane.Tiers {
		pools[tier] = make(chan *work, config.CreditBuffer)
	}

	return &Dispatcher{
		config:   config,
		registry: registry,
		quota:    quota,
		router:   tr,
		invoker:  invoker,
		sink:     sink,
		bus:      bus,
		intake:   make(chan *scheduler.Item, config.CreditBuffer),
		pools:    pools,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.Default(),
	}
}

// SetEscalator wires the escalation target
func (d *Dispatcher) SetEscalator(esc Escalator) {
	d.esc = esc
}

// Start launches the routing stage and the tier worker pools
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.routeLoop()

	for _, tier := range requestplane.Tiers {
		n := d.config.WorkersPerTier[string(tier)]
		if n <= 0 {
			n = 1
		}
		d.logger.Printf("[Dispatcher] Starting %d tier-%s workers", n, tier)
		for i := 0; i < n; i++ {
			d.wg.Add(1)
			go d.workerLoop(tier)
		}
	}
}

// Stop stops the pools and releases reservations of anything still in flight
// between intake and a worker
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()

	drained := 0
	for {
		select {
		case item := <-d.intake:
			d.release(item)
			drained++
			continue
		default:
		}
		break
	}
	for _, pool := range d.pools {
		for {
			select {
			case w := <-pool:
				d.release(w.item)
				drained++
				continue
			default:
			}
			break
		}
	}
	if drained > 0 {
		d.logger.Printf("[Dispatcher] Released %d undispatched reservations on shutdown", drained)
	}
}

// Available reports free intake capacity. Implements the scheduler's credit
// contract; never blocks.
func (d *Dispatcher) Available() int {
	return cap(d.intake) - len(d.intake)
}

// Dispatch accepts a selected item from the scheduler. Must not block: an
// overflow (credits raced to zero) releases the reservation and drops.
func (d *Dispatcher) Dispatch(item *scheduler.Item) {
	select {
	case d.intake <- item:
	default:
		d.logger.Printf("[Dispatcher] Intake overflow, dropping request %s", item.Request.RequestID)
		if d.metrics != nil {
			d.metrics.DispatchErrors.WithLabelValues("overflow").Inc()
		}
		d.release(item)
	}
}

// routeLoop routes each incoming item and binds it to its tier pool.
// Escalation requeues arrive with their tier already fixed and skip routing.
func (d *Dispatcher) routeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case item := <-d.intake:
			d.routeOne(item)
		}
	}
}

func (d *Dispatcher) routeOne(item *scheduler.Item) {
	tenant, err := d.registry.GetTenant(d.ctx, item.Request.TenantID)
	if err != nil {
		d.fail(item, nil, "tenant_lookup", err)
		return
	}

	var decision *requestplane.Decision
	if item.Escalated && item.Tier != "" {
		decision = &requestplane.Decision{
			RequestID:  item.Request.RequestID,
			TenantID:   item.Request.TenantID,
			ChosenTier: item.Tier,
			Strategy:   requestplane.StrategyEscalation,
			DecisionTS: time.Now(),
		}
	} else {
		decision, _ = d.router.Route(d.ctx, item.Request, tenant)
		item.Tier = decision.ChosenTier
	}

	pool := d.pools[decision.ChosenTier]
	select {
	case pool <- &work{item: item, tenant: tenant, decision: decision}:
		d.updateCredits(decision.ChosenTier)
	case <-d.ctx.Done():
		d.release(item)
	}
}

func (d *Dispatcher) workerLoop(tier requestplane.Tier) {
	defer d.wg.Done()

	pool := d.pools[tier]
	for {
		select {
		case <-d.ctx.Done():
			return
		case w := <-pool:
			if d.metrics != nil {
				d.metrics.WorkerBusy.WithLabelValues(string(tier)).Inc()
			}
			d.process(w)
			if d.metrics != nil {
				d.metrics.WorkerBusy.WithLabelValues(string(tier)).Dec()
			}
			d.updateCredits(tier)
		}
	}
}

// process runs one request to its terminal state
func (d *Dispatcher) process(w *work) {
	req := w.item.Request
	tier := w.decision.ChosenTier
	started := time.Now()

	if req.Expired(started) {
		d.fail(w.item, w.decision, "deadline", requestplane.ErrDeadlineExceeded)
		return
	}

	// Residency is enforced at resolution time: a tenant never silently
	// falls back to a provider outside its allowed regions.
	provider, err := d.registry.ResolveProvider(d.ctx, req.TenantID, ProviderType(tier))
	if err != nil {
		kind := "provider_unavailable"
		if errors.Is(err, requestplane.ErrRegionForbidden) {
			kind = "region_forbidden"
		}
		d.fail(w.item, w.decision, kind, err)
		return
	}

	callCtx, cancel := d.callContext(req)
	out, err := d.invoker.Invoke(callCtx, req, tier, provider)
	cancel()

	if err != nil {
		if reason := validationReason(err); reason != "" && !w.item.Escalated && tier != requestplane.TierC && d.esc != nil {
			d.escalate(w, reason)
			return
		}
		d.fail(w.item, w.decision, "invoke", err)
		return
	}

	if err := d.quota.Commit(d.ctx, w.item.ReservationID); err != nil {
		d.logger.Printf("[Dispatcher] Commit failed for %s: %v", req.RequestID, err)
		if d.metrics != nil {
			d.metrics.DispatchErrors.WithLabelValues("commit").Inc()
		}
	}

	d.finish(w, out, started)
}

// escalate requeues the request one tier up at the head of its tenant queue.
// The original reservation rides along; no quota movement happens here.
func (d *Dispatcher) escalate(w *work, reason string) {
	next := w.decision.ChosenTier.Next()
	d.logger.Printf("[Dispatcher] Escalating %s from tier %s to %s (%s)",
		w.item.Request.RequestID, w.decision.ChosenTier, next, reason)

	if d.metrics != nil {
		d.metrics.Escalations.WithLabelValues(reason).Inc()
	}
	if d.bus != nil {
		d.bus.Publish(d.ctx, "audit_log", w.item.Request.TenantID, w.item.Request.Priority, map[string]any{
			"event":     "dispatch.escalate",
			"requestId": w.item.Request.RequestID,
			"fromTier":  string(w.decision.ChosenTier),
			"toTier":    string(next),
			"reason":    reason,
		}, w.item.Request.RequestID)
	}

	d.esc.RequeueEscalated(w.item, next)
}

// finish commits the happy path: the outcome is completed and recorded
func (d *Dispatcher) finish(w *work, out *requestplane.Outcome, started time.Time) {
	req := w.item.Request

	out.RequestID = req.RequestID
	out.TenantID = req.TenantID
	out.UserID = req.UserID
	out.Tier = w.decision.ChosenTier
	out.Fingerprint = req.Fingerprint
	if out.LatencyMS == 0 {
		out.LatencyMS = time.Since(started).Milliseconds()
	}

	if d.metrics != nil {
		d.metrics.RequestsDispatched.WithLabelValues(string(out.Tier)).Inc()
	}

	if err := d.sink.Record(d.ctx, out, w.decision); err != nil {
		d.logger.Printf("[Dispatcher] Failed to record outcome for %s: %v", req.RequestID, err)
	}
}

// fail releases the reservation and records a failed outcome
func (d *Dispatcher) fail(item *scheduler.Item, decision *requestplane.Decision, kind string, cause error) {
	req := item.Request
	d.logger.Printf("[Dispatcher] Request %s failed (%s): %v", req.RequestID, kind, cause)

	if d.metrics != nil {
		d.metrics.DispatchErrors.WithLabelValues(kind).Inc()
	}
	d.release(item)

	tier := item.Tier
	if decision != nil {
		tier = decision.ChosenTier
	}
	out := &requestplane.Outcome{
		RequestID:   req.RequestID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Tier:        tier,
		Fingerprint: req.Fingerprint,
		Success:     false,
	}
	if err := d.sink.Record(d.ctx, out, decision); err != nil {
		d.logger.Printf("[Dispatcher] Failed to record outcome for %s: %v", req.RequestID, err)
	}
}

func (d *Dispatcher) release(item *scheduler.Item) {
	if item.ReservationID == "" {
		return
	}
	if err := d.quota.Release(context.Background(), item.ReservationID); err != nil {
		d.logger.Printf("[Dispatcher] Failed to release reservation %s: %v", item.ReservationID, err)
	}
}

// callContext bounds the provider call by the request deadline when one is
// set, the default call timeout otherwise
func (d *Dispatcher) callContext(req *requestplane.Request) (context.Context, context.CancelFunc) {
	if req.HasDeadline() {
		return context.WithDeadline(d.ctx, req.DeadlineTS)
	}
	return context.WithTimeout(d.ctx, d.config.DefaultCallTimeout)
}

func (d *Dispatcher) updateCredits(tier requestplane.Tier) {
	if d.metrics == nil {
		return
	}
	pool := d.pools[tier]
	d.metrics.WorkerCredits.WithLabelValues(string(tier)).Set(float64(cap(pool) - len(pool)))
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() map[string]interface{} {
	pools := make(map[string]int, len(d.pools))
	for tier, pool := range d.pools {
		pools[string(tier)] = len(pool)
	}
	return map[string]interface{}{
		"intakeDepth": len(d.intake),
		"poolDepths":  pools,
	}
}

// ProviderType maps a tier to the provider type resolved in the registry
func ProviderType(tier requestplane.Tier) string {
	return fmt.Sprintf("tier-%s", strings.ToLower(string(tier)))
}

// validationReason classifies worker validation failures into escalation
// reasons; other errors return an empty string
func validationReason(err error) string {
	switch {
	case errors.Is(err, ErrSchemaValidation):
		return router.ReasonSchemaValidation
	case errors.Is(err, ErrJSONValidation):
		return router.ReasonJSONValidation
	default:
		return ""
	}
}
