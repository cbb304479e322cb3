package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/metrics"
)

// quota resource consumed by every admitted request
const resourceAPICalls = "api_calls"

const (
	priorityBoostStep = 0.1
	urgencyBoost      = 10.0
)

// DispatchFunc receives a selected item. It must not block: the runtime's
// handler routes the request and hands it to a tier worker pool.
type DispatchFunc func(item *Item)

// CreditSource advertises downstream worker capacity. Calls never block.
type CreditSource interface {
	// Available returns the aggregate free capacity across all tiers
	Available() int
}

// unlimitedCredits is used when no dispatcher is attached (tests)
type unlimitedCredits struct{}

func (unlimitedCredits) Available() int { return 1 << 30 }

// queueShard holds a slice of the tenant queue registry; sharding by
// tenant hash keeps enqueue/dispatch contention off a global lock
type queueShard struct {
	queues map[string]*tenantQueue
	mu     sync.RWMutex
}

// Scheduler is the weighted fair scheduler. Long-run bandwidth share per
// tenant approximates weight_i / sum(weight_j) while priorities and
// deadline urgency bias selection within that envelope.
type Scheduler struct {
	config   requestplane.SchedulerConfig
	region   string
	registry requestplane.TenantRegistry
	quota    requestplane.QuotaEngine
	bus      requestplane.EventPublisher
	metrics  *metrics.Collector

	shards []*queueShard

	// index of queued items by request ID for cancellation
	queued   map[string]*tenantQueue
	queuedMu sync.Mutex

	dispatch DispatchFunc
	credits  CreditSource

	// wake nudges the dispatch loop when a queue becomes non-empty
	wake chan struct{}

	// epoch anchors the virtual clock
	epoch time.Time

	admitting bool
	admitMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a scheduler. The dispatch function and credit source are
// attached by the runtime before Start.
func New(config requestplane.SchedulerConfig, region string, registry requestplane.TenantRegistry, quota requestplane.QuotaEngine, bus requestplane.EventPublisher, m *metrics.Collector) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	shards := make([]*queueShard, config.ShardCount)
	for i := range shards {
		shards[i] = &queueShard{queues: make(map[string]*tenantQueue)}
	}

	return &Scheduler{
		config:    config,
		region:    region,
		registry:  registry,
		quota:     quota,
		bus:       bus,
		metrics:   m,
		shards:    shards,
		queued:    make(map[string]*tenantQueue),
		credits:   unlimitedCredits{},
		wake:      make(chan struct{}, 1),
		epoch:     time.Now(),
		admitting: true,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.Default(),
	}
}

// SetDispatch attaches the dispatch handler. Must be called before Start.
func (s *Scheduler) SetDispatch(fn DispatchFunc) {
	s.dispatch = fn
}

// SetCredits attaches the worker credit source. Must be called before Start.
func (s *Scheduler) SetCredits(c CreditSource) {
	s.credits = c
}

// Start begins the dispatch loop
func (s *Scheduler) Start() {
	s.logger.Printf("[Scheduler] Starting dispatch loop (tick %dms, depth cap %d)",
		s.config.TickMS, s.config.QueueDepthCap)

	s.wg.Add(1)
	go s.dispatchLoop()
}

// Stop stops admitting, drains nothing further and releases the quota
// reservations of still-queued requests
func (s *Scheduler) Stop() {
	s.logger.Printf("[Scheduler] Stopping scheduler")

	s.admitMu.Lock()
	s.admitting = false
	s.admitMu.Unlock()

	s.cancel()
	s.wg.Wait()

	// Release uncommitted reservations of everything still parked
	released := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		queues := make([]*tenantQueue, 0, len(shard.queues))
		for _, q := range shard.queues {
			queues = append(queues, q)
		}
		shard.mu.RUnlock()

		for _, q := range queues {
			for _, item := range q.drain() {
				q.markDropped(1)
				s.forgetQueued(item.Request.RequestID)
				s.releaseReservation(item)
				released++
			}
		}
	}

	if released > 0 {
		s.logger.Printf("[Scheduler] Released %d queued reservations on shutdown", released)
	}
}

// Schedule admits a request: resolve tenant, check queue depth, reserve
// quota, park in the tenant queue. Rejections carry enumerated reasons.
func (s *Scheduler) Schedule(ctx context.Context, req *requestplane.Request) requestplane.ScheduleResult {
	s.admitMu.RLock()
	admitting := s.admitting
	s.admitMu.RUnlock()
	if !admitting {
		return requestplane.NewRejection(requestplane.KindDownstreamUnavailable,
			"scheduler is shutting down", 1000).Result()
	}

	tenant, err := s.registry.GetTenant(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, requestplane.ErrTenantBindFailed) {
			return requestplane.NewRejection(requestplane.KindTenantBindError,
				"failed to bind tenant session", 0).Result()
		}
		return requestplane.NewRejection(requestplane.KindTenantInactive,
			fmt.Sprintf("tenant %s not found", req.TenantID), 0).Result()
	}
	if tenant.Status != requestplane.TenantStatusActive {
		return requestplane.NewRejection(requestplane.KindTenantInactive,
			fmt.Sprintf("tenant %s is %s", tenant.ID, tenant.Status), 0).Result()
	}
	if !tenant.RegionAllowed(s.region) {
		return requestplane.NewRejection(requestplane.KindRegionForbidden,
			fmt.Sprintf("region %s not allowed for tenant %s", s.region, tenant.ID), 0).Result()
	}

	queue := s.getOrCreateQueue(tenant)

	// Depth check before touching quota so a full queue costs nothing
	if queue.depth() >= s.config.QueueDepthCap {
		queue.markRejected(1)
		s.emitSchedulerEvent(ctx, "scheduler.drop", req, "queue_full")
		if s.metrics != nil {
			s.metrics.RequestsRejected.WithLabelValues(string(requestplane.KindQueueFull)).Inc()
			s.metrics.RequestsDropped.WithLabelValues("queue_full").Inc()
		}
		return requestplane.NewRejection(requestplane.KindQueueFull,
			fmt.Sprintf("tenant %s queue at depth cap %d", tenant.ID, s.config.QueueDepthCap),
			int64(s.config.TickMS)).Result()
	}

	reserve, err := s.quota.Reserve(ctx, tenant, resourceAPICalls, 1, req.Priority)
	if err != nil {
		if qerr, ok := err.(*requestplane.QuotaError); ok {
			retryMS := (qerr.ResetTS - time.Now().Unix()) * 1000
			if retryMS < 0 {
				retryMS = 0
			}
			if s.metrics != nil {
				s.metrics.RequestsRejected.WithLabelValues(string(requestplane.KindQuotaExceeded)).Inc()
			}
			return requestplane.NewRejection(requestplane.KindQuotaExceeded,
				qerr.Error(), retryMS).Result()
		}
		if s.metrics != nil {
			s.metrics.RequestsRejected.WithLabelValues(string(requestplane.KindDownstreamUnavailable)).Inc()
		}
		return requestplane.NewRejection(requestplane.KindDownstreamUnavailable,
			"quota store unavailable", 1000).Result()
	}

	if req.ArrivalTS.IsZero() {
		req.ArrivalTS = time.Now()
	}

	item := &Item{
		Request:       req,
		ReservationID: reserve.ReservationID,
		EnqueuedAt:    time.Now(),
	}

	if !queue.push(item) {
		// Lost the race to the last slot
		queue.markRejected(1)
		s.releaseReservation(item)
		s.emitSchedulerEvent(ctx, "scheduler.drop", req, "queue_full")
		return requestplane.NewRejection(requestplane.KindQueueFull,
			fmt.Sprintf("tenant %s queue at depth cap %d", tenant.ID, s.config.QueueDepthCap),
			int64(s.config.TickMS)).Result()
	}

	s.rememberQueued(req.RequestID, queue)

	if s.metrics != nil {
		s.metrics.RequestsAdmitted.WithLabelValues(req.Priority.String()).Inc()
		s.metrics.QueueDepth.WithLabelValues(tenant.ID).Set(float64(queue.depth()))
	}

	s.nudge()

	return requestplane.ScheduleResult{Accepted: true}
}

// RequeueEscalated parks an escalated request at the head of its tenant's
// queue with HIGH priority and the escalated tier. The original quota
// reservation is reused; admission checks are bypassed.
func (s *Scheduler) RequeueEscalated(item *Item, tier requestplane.Tier) {
	item.Tier = tier
	item.Escalated = true
	item.Request.Priority = requestplane.PriorityHigh

	queue := s.lookupQueue(item.Request.TenantID)
	if queue == nil {
		// Queue evicted between dispatch and escalation; recreate lazily
		// with the default weight
		queue = s.getOrCreateQueueWithWeight(item.Request.TenantID, requestplane.PlanFree.DefaultWeight())
	}

	queue.pushHead(item)
	s.rememberQueued(item.Request.RequestID, queue)
	s.nudge()
}

// Cancel removes a still-queued request and releases its reservation.
// Idempotent: cancelling an unknown or already-dispatched request is a
// no-op at the scheduler (in-flight work is owned by the worker).
func (s *Scheduler) Cancel(ctx context.Context, requestID string) bool {
	s.queuedMu.Lock()
	queue, ok := s.queued[requestID]
	if ok {
		delete(s.queued, requestID)
	}
	s.queuedMu.Unlock()

	if !ok {
		return false
	}

	item := queue.remove(requestID)
	if item == nil {
		return false
	}

	queue.markDropped(1)
	s.releaseReservation(item)
	s.emitSchedulerEvent(ctx, "scheduler.cancel", item.Request, "cancelled")
	if s.metrics != nil {
		s.metrics.RequestsDropped.WithLabelValues("cancelled").Inc()
	}
	return true
}

// ClearTenantQueue drains a tenant's queue, releasing every reservation.
// Returns the number of requests dropped.
func (s *Scheduler) ClearTenantQueue(ctx context.Context, tenantID string) int {
	queue := s.lookupQueue(tenantID)
	if queue == nil {
		return 0
	}

	items := queue.drain()
	queue.markDropped(int64(len(items)))

	for _, item := range items {
		s.forgetQueued(item.Request.RequestID)
		s.releaseReservation(item)
	}

	if len(items) > 0 {
		s.logger.Printf("[Scheduler] Cleared %d queued requests for tenant %s", len(items), tenantID)
		if s.metrics != nil {
			s.metrics.RequestsDropped.WithLabelValues("cleared").Add(float64(len(items)))
		}
	}

	return len(items)
}

// dispatchLoop is the cooperative scheduler tick. It fires every
// scheduling interval and whenever a queue becomes non-empty, draining as
// many requests as the worker pools advertise capacity for.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.config.TickMS) * time.Millisecond)
	defer ticker.Stop()

	evict := time.NewTicker(time.Minute)
	defer evict.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce()
		case <-s.wake:
			s.drainOnce()
		case <-evict.C:
			s.evictIdleQueues()
		}
	}
}

// drainOnce dispatches until worker credits or queued work run out
func (s *Scheduler) drainOnce() {
	for {
		if s.credits.Available() <= 0 {
			return
		}

		item, queue := s.selectNext()
		if item == nil {
			return
		}

		s.forgetQueued(item.Request.RequestID)

		// Unit cost on the hot path; router-projected tier cost feeds back
		// through the outcome path only
		queue.markServed(s.virtualNow(), 1.0)

		if s.metrics != nil {
			s.metrics.RequestsDispatched.WithLabelValues(string(item.Tier)).Inc()
			s.metrics.QueueDepth.WithLabelValues(queue.tenantID).Set(float64(queue.depth()))
		}

		if s.dispatch != nil {
			s.dispatch(item)
		}
	}
}

// selectNext picks the head of the non-empty queue with the lowest score,
// discarding expired-deadline heads along the way
func (s *Scheduler) selectNext() (*Item, *tenantQueue) {
	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SchedulingLatency.Observe(time.Since(started).Seconds())
		}
	}()

	for {
		best, bestHead := s.lowestScoreQueue()
		if best == nil {
			return nil, nil
		}

		// Deadline check at selection time: expired heads are never
		// dispatched
		if bestHead.Request.Expired(time.Now()) {
			if item := best.pop(); item != nil {
				best.markDropped(1)
				s.forgetQueued(item.Request.RequestID)
				s.expireItem(item)
			}
			continue
		}

		item := best.pop()
		if item == nil {
			continue
		}
		return item, best
	}
}

// lowestScoreQueue scans all non-empty queues for the minimum score.
// Ties break by earlier deadline, then earlier arrival.
func (s *Scheduler) lowestScoreQueue() (*tenantQueue, *Item) {
	now := time.Now()

	var best *tenantQueue
	var bestHead *Item
	var bestScore float64

	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, q := range shard.queues {
			head := q.head()
			if head == nil {
				continue
			}

			score := s.score(q, head, now)
			if best == nil || score < bestScore ||
				(score == bestScore && tieBreak(head, bestHead)) {
				best = q
				bestHead = head
				bestScore = score
			}
		}
		shard.mu.RUnlock()
	}

	return best, bestHead
}

// score computes v_i minus the priority and urgency boosts of the head
func (s *Scheduler) score(q *tenantQueue, head *Item, now time.Time) float64 {
	q.mu.Lock()
	v := q.virtualTime
	q.mu.Unlock()

	score := v - priorityBoostStep*float64(head.Request.Priority.Level())

	if head.Request.HasDeadline() {
		window := time.Duration(s.config.UrgencyWindowS * float64(time.Second))
		if head.Request.DeadlineTS.Sub(now) < window {
			score -= urgencyBoost
		}
	}

	return score
}

// tieBreak prefers a over b: earlier deadline first, then earlier arrival
func tieBreak(a, b *Item) bool {
	aHas, bHas := a.Request.HasDeadline(), b.Request.HasDeadline()
	switch {
	case aHas && !bHas:
		return true
	case !aHas && bHas:
		return false
	case aHas && bHas:
		if !a.Request.DeadlineTS.Equal(b.Request.DeadlineTS) {
			return a.Request.DeadlineTS.Before(b.Request.DeadlineTS)
		}
	}
	return a.Request.ArrivalTS.Before(b.Request.ArrivalTS)
}

// expireItem records a deadline miss: quota released, terminal event emitted
func (s *Scheduler) expireItem(item *Item) {
	s.releaseReservation(item)
	s.emitSchedulerEvent(s.ctx, "scheduler.deadline_miss", item.Request, "deadline_exceeded")

	if s.metrics != nil {
		s.metrics.DeadlineMisses.Inc()
		s.metrics.RequestsDropped.WithLabelValues("deadline").Inc()
	}
}

// virtualNow is the scheduler's monotonic clock in seconds
func (s *Scheduler) virtualNow() float64 {
	return time.Since(s.epoch).Seconds()
}

func (s *Scheduler) shardFor(tenantID string) *queueShard {
	return s.shards[requestplane.ShardIndex(tenantID, len(s.shards))]
}

func (s *Scheduler) lookupQueue(tenantID string) *tenantQueue {
	shard := s.shardFor(tenantID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.queues[tenantID]
}

func (s *Scheduler) getOrCreateQueue(tenant *requestplane.Tenant) *tenantQueue {
	weight := tenant.EffectiveWeight()
	if w, ok := s.config.Weights[string(tenant.Plan)]; ok && tenant.Weight == 0 {
		weight = w
	}
	return s.getOrCreateQueueWithWeight(tenant.ID, weight)
}

func (s *Scheduler) getOrCreateQueueWithWeight(tenantID string, weight int) *tenantQueue {
	shard := s.shardFor(tenantID)

	shard.mu.RLock()
	q, exists := shard.queues[tenantID]
	shard.mu.RUnlock()
	if exists {
		return q
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if q, exists := shard.queues[tenantID]; exists {
		return q
	}

	q = newTenantQueue(tenantID, weight, s.config.QueueDepthCap)

	// A fresh queue starts at the current virtual time so an idle tenant
	// cannot bank service credit against busy ones
	q.virtualTime = s.virtualNow()

	shard.queues[tenantID] = q

	if s.metrics != nil {
		s.metrics.ActiveQueues.Inc()
	}
	return q
}

// evictIdleQueues removes empty queues idle past the configured TTL
func (s *Scheduler) evictIdleQueues() {
	cutoff := time.Now().Add(-s.config.IdleQueueTTL)
	evicted := 0

	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, q := range shard.queues {
			if q.idleSince(cutoff) {
				delete(shard.queues, id)
				evicted++
			}
		}
		shard.mu.Unlock()
	}

	if evicted > 0 {
		s.logger.Printf("[Scheduler] Evicted %d idle tenant queues", evicted)
		if s.metrics != nil {
			s.metrics.ActiveQueues.Sub(float64(evicted))
		}
	}
}

func (s *Scheduler) rememberQueued(requestID string, q *tenantQueue) {
	s.queuedMu.Lock()
	s.queued[requestID] = q
	s.queuedMu.Unlock()
}

func (s *Scheduler) forgetQueued(requestID string) {
	s.queuedMu.Lock()
	delete(s.queued, requestID)
	s.queuedMu.Unlock()
}

func (s *Scheduler) releaseReservation(item *Item) {
	if item.ReservationID == "" {
		return
	}
	if err := s.quota.Release(s.ctx, item.ReservationID); err != nil {
		s.logger.Printf("[Scheduler] Failed to release reservation %s: %v", item.ReservationID, err)
	}
}

// nudge wakes the dispatch loop without blocking
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emitSchedulerEvent(ctx context.Context, event string, req *requestplane.Request, reason string) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{
		"event":     event,
		"requestId": req.RequestID,
		"reason":    reason,
		"priority":  req.Priority.String(),
	}
	if _, err := s.bus.Publish(ctx, "audit_log", req.TenantID, req.Priority, payload, req.RequestID); err != nil {
		s.logger.Printf("[Scheduler] Failed to publish %s: %v", event, err)
	}
}

// QueueSnapshot returns the stats for one tenant queue, if present
func (s *Scheduler) QueueSnapshot(tenantID string) (QueueStats, bool) {
	q := s.lookupQueue(tenantID)
	if q == nil {
		return QueueStats{}, false
	}
	return q.snapshot(), true
}

// Stats returns scheduler-wide statistics
func (s *Scheduler) Stats() map[string]interface{} {
	var queues, depth int
	var served, dropped int64

	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, q := range shard.queues {
			snap := q.snapshot()
			queues++
			depth += snap.Depth
			served += snap.Served
			dropped += snap.Dropped
		}
		shard.mu.RUnlock()
	}

	return map[string]interface{}{
		"activeQueues": queues,
		"queuedTotal":  depth,
		"servedTotal":  served,
		"droppedTotal": dropped,
	}
}
