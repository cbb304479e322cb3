package requestplane

import (
	"time"
)

// Plan represents a tenant's pricing plan
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// DefaultWeight returns the scheduling weight derived from the plan.
// Tenants may carry an explicit override in their registry record.
func (p Plan) DefaultWeight() int {
	switch p {
	case PlanPro:
		return 3
	case PlanEnterprise:
		return 10
	default:
		return 1
	}
}

// TenantStatus represents the lifecycle state of a tenant
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusDeleted   TenantStatus = "deleted"
)

// Tenant is the registry view of a tenant consumed on the request plane.
// It is created out-of-band and cached in-process with a short TTL.
type Tenant struct {
	ID     string       `json:"id"`
	Plan   Plan         `json:"plan"`
	Status TenantStatus `json:"status"`

	// Weight overrides the plan-derived scheduling weight when > 0
	Weight int `json:"weight,omitempty"`

	// Data residency
	DataRegion     string   `json:"dataRegion"`
	AllowedRegions []string `json:"allowedRegions"`

	// Quota overrides per resource; absence of a resource here and in the
	// configured defaults means unlimited
	QuotaOverrides map[string]int64 `json:"quotaOverrides,omitempty"`

	// FailOpen overrides the platform quota-degradation policy when set
	FailOpen *bool `json:"failOpen,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// EffectiveWeight returns the scheduling weight for the tenant
func (t *Tenant) EffectiveWeight() int {
	if t.Weight > 0 {
		return t.Weight
	}
	return t.Plan.DefaultWeight()
}

// RegionAllowed reports whether the tenant may be served from region
func (t *Tenant) RegionAllowed(region string) bool {
	if region == t.DataRegion {
		return true
	}
	for _, r := range t.AllowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// Priority represents request priority
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Level returns the numeric boost level used by the scheduler
func (p Priority) Level() int {
	return int(p)
}

// Tier represents one of the three escalating service classes.
// Tier A is the cheapest and fastest, Tier C the most capable.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// Tiers lists all tiers in ascending capability order
var Tiers = []Tier{TierA, TierB, TierC}

// Next returns the tier one level up. Escalation from C stays at C.
func (t Tier) Next() Tier {
	switch t {
	case TierA:
		return TierB
	case TierB:
		return TierC
	default:
		return TierC
	}
}

// Index returns the 0-based position of the tier
func (t Tier) Index() int {
	switch t {
	case TierA:
		return 0
	case TierB:
		return 1
	default:
		return 2
	}
}

// RequestState tracks a request through the request plane
type RequestState string

const (
	StateCreated    RequestState = "created"
	StateScheduled  RequestState = "scheduled"
	StateRouted     RequestState = "routed"
	StateDispatched RequestState = "dispatched"
	StateCompleted  RequestState = "completed"
	StateFailed     RequestState = "failed"
	StateEscalated  RequestState = "escalated"
	StateRecorded   RequestState = "recorded"
)

// Request is an admitted unit of work. Immutable after admission.
type Request struct {
	RequestID string `json:"requestId"`
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	ArrivalTS  time.Time `json:"arrivalTs"`
	DeadlineTS time.Time `json:"deadlineTs,omitempty"` // zero means no deadline
	Priority   Priority  `json:"priority"`

	PayloadRef  string `json:"payloadRef"`
	Fingerprint string `json:"fingerprint"`

	// TokenCount is the edge's token estimate for the payload, consumed by
	// router feature extraction
	TokenCount int `json:"tokenCount,omitempty"`

	// SchemaStrictness in [0,1] describes how constrained the expected
	// output is (1 = fully structured)
	SchemaStrictness float64  `json:"schemaStrictness,omitempty"`
	DomainFlags      []string `json:"domainFlags,omitempty"`
}

// HasDeadline reports whether the request carries an explicit deadline
func (r *Request) HasDeadline() bool {
	return !r.DeadlineTS.IsZero()
}

// Expired reports whether the request deadline has already passed at now
func (r *Request) Expired(now time.Time) bool {
	return r.HasDeadline() && !r.DeadlineTS.After(now)
}

// Strategy identifies which router stage produced the final tier
type Strategy string

const (
	StrategyClassifier Strategy = "classifier"
	StrategyBandit     Strategy = "bandit"
	StrategyCanary     Strategy = "canary"
	StrategyEarlyExit  Strategy = "early_exit"
	StrategyEscalation Strategy = "escalation"
	StrategyDegraded   Strategy = "degraded"
)

// Decision is the routing decision for a request. Written to the event bus,
// never mutated.
type Decision struct {
	RequestID  string   `json:"requestId"`
	TenantID   string   `json:"tenantId"`
	ChosenTier Tier     `json:"chosenTier"`
	Confidence float64  `json:"confidence"`
	Strategy   Strategy `json:"strategy"`

	// EscalationReason is set when Strategy is escalation
	EscalationReason string `json:"escalationReason,omitempty"`

	DecisionTS      time.Time     `json:"decisionTs"`
	DecisionLatency time.Duration `json:"decisionLatencyNs"`
}

// Features are the router inputs derived synchronously from the request
// plus cached tenant/user historicals. Not persisted beyond an ephemeral TTL.
type Features struct {
	TokenCount            int      `json:"tokenCount"`
	SchemaStrictness      float64  `json:"schemaStrictness"`
	DomainFlags           []string `json:"domainFlags,omitempty"`
	Novelty               float64  `json:"novelty"`
	HistoricalFailureRate float64  `json:"historicalFailureRate"`
	UserTier              Plan     `json:"userTier"`
	TimeOfDay             int      `json:"timeOfDay"` // hour 0-23 UTC
	DayOfWeek             int      `json:"dayOfWeek"` // 0=Sunday
	Complexity            float64  `json:"complexity"`
}

// HasFlag reports whether the feature set carries the given domain flag
func (f *Features) HasFlag(flag string) bool {
	for _, df := range f.DomainFlags {
		if df == flag {
			return true
		}
	}
	return false
}

// Outcome is produced once per request on terminal state
type Outcome struct {
	RequestID string `json:"requestId"`
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId,omitempty"`
	Tier      Tier   `json:"tier"`

	// Fingerprint echoes the request fingerprint for historical folding
	Fingerprint string `json:"fingerprint,omitempty"`

	Success      bool    `json:"success"`
	LatencyMS    int64   `json:"latencyMs"`
	CostMicroUSD int64   `json:"costMicroUsd"`
	TokensIn     int64   `json:"tokensIn"`
	TokensOut    int64   `json:"tokensOut"`
	Quality      float64 `json:"quality"`

	// ToolCalls and WSMinutes are metered alongside tokens
	ToolCalls int64 `json:"toolCalls,omitempty"`
	WSMinutes int64 `json:"wsMinutes,omitempty"`
}

// ProviderConfig identifies a region-appropriate backend for a tier worker
type ProviderConfig struct {
	ProviderType string `json:"providerType"`
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	Model        string `json:"model,omitempty"`
	Available    bool   `json:"available"`
}

// ScheduleResult is the admission API response
type ScheduleResult struct {
	Accepted     bool      `json:"accepted"`
	Reason       ErrorKind `json:"reason,omitempty"`
	Message      string    `json:"message,omitempty"`
	RetryAfterMS int64     `json:"retryAfterMs,omitempty"`
}
