package scheduler

import (
	"sync"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
)

// Item is a queued request together with its admission-time quota
// reservation and routing state
type Item struct {
	Request       *requestplane.Request
	ReservationID string

	// Tier is set once routing has run; escalation requeues carry the
	// escalated tier so the original reservation is reused
	Tier requestplane.Tier

	// Escalated marks a head-of-queue requeue after escalation
	Escalated bool

	EnqueuedAt time.Time
}

// tenantQueue is the per-tenant FIFO deque with its fair-queuing state.
// One writer (enqueue) and one reader (dispatch) mutate it; a mutex guards
// the deque without any global locking.
type tenantQueue struct {
	tenantID string
	weight   int

	items []*Item

	// virtualTime is the cumulative service counter in seconds scaled by
	// weight; the non-empty queue with the lowest score is served next
	virtualTime float64

	lastServed    time.Time
	lastActivity  time.Time
	servedCount   int64
	droppedCount  int64
	enqueuedCount int64

	depthCap int

	mu sync.Mutex
}

func newTenantQueue(tenantID string, weight, depthCap int) *tenantQueue {
	return &tenantQueue{
		tenantID:     tenantID,
		weight:       weight,
		depthCap:     depthCap,
		lastActivity: time.Now(),
	}
}

// push appends an item at the tail. Returns false when the queue is at its
// depth cap.
func (q *tenantQueue) push(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.depthCap {
		return false
	}

	q.items = append(q.items, item)
	q.enqueuedCount++
	q.lastActivity = time.Now()
	return true
}

// pushHead inserts an item at the head (escalation requeue). The depth cap
// is not enforced here: the item already holds a reservation.
func (q *tenantQueue) pushHead(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append([]*Item{item}, q.items...)
	q.enqueuedCount++
	q.lastActivity = time.Now()
}

// pop removes and returns the head item, or nil when empty
func (q *tenantQueue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.lastActivity = time.Now()
	return item
}

// head returns the head item without removing it
func (q *tenantQueue) head() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// depth returns the current queue length
func (q *tenantQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// remove removes the item with the given request ID. O(n) and rare.
func (q *tenantQueue) remove(requestID string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.Request.RequestID == requestID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item
		}
	}
	return nil
}

// drain removes and returns all queued items
func (q *tenantQueue) drain() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// markServed advances the queue's virtual time after serving a request of
// the given unit cost at virtual now
func (q *tenantQueue) markServed(vnow, cost float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.virtualTime < vnow {
		q.virtualTime = vnow
	}
	q.virtualTime += cost / float64(q.weight)
	q.servedCount++
	q.lastServed = time.Now()
}

// markDropped accounts a dropped item
func (q *tenantQueue) markDropped(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.droppedCount += n
}

// markRejected accounts an admission attempt rejected at the depth cap.
// The attempt counts as both enqueued and dropped so that
// served + dropped + depth = enqueued holds across rejections.
func (q *tenantQueue) markRejected(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueuedCount += n
	q.droppedCount += n
}

// idleSince reports whether the queue is empty and inactive since before t
func (q *tenantQueue) idleSince(t time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.lastActivity.Before(t)
}

// snapshot returns the queue counters for stats and invariant checks
func (q *tenantQueue) snapshot() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		TenantID:    q.tenantID,
		Weight:      q.weight,
		Depth:       len(q.items),
		VirtualTime: q.virtualTime,
		Served:      q.servedCount,
		Dropped:     q.droppedCount,
		Enqueued:    q.enqueuedCount,
	}
}

// QueueStats is an external snapshot of one tenant queue
type QueueStats struct {
	TenantID    string  `json:"tenantId"`
	Weight      int     `json:"weight"`
	Depth       int     `json:"depth"`
	VirtualTime float64 `json:"virtualTime"`
	Served      int64   `json:"served"`
	Dropped     int64   `json:"dropped"`
	Enqueued    int64   `json:"enqueued"`
}
