package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
)

// Status represents the health of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// checkTimeout bounds each individual probe
const checkTimeout = 5 * time.Second

// Check is the result of a single probe
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Took   int64  `json:"took_ms"`
}

// Response is the aggregated health report
type Response struct {
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version,omitempty"`
	Checks    []Check        `json:"checks"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Checker aggregates probes over the request plane's dependencies: the
// registry database, the badger stores, the event bus, and the circuit
// breakers guarding external stores.
type Checker struct {
	checks   map[string]CheckFunc
	breakers map[string]*requestplane.CircuitBreaker
	version  string
	metadata map[string]any
	mu       sync.RWMutex
}

// NewChecker creates a health checker
func NewChecker(version string) *Checker {
	return &Checker{
		checks:   make(map[string]CheckFunc),
		breakers: make(map[string]*requestplane.CircuitBreaker),
		version:  version,
		metadata: make(map[string]any),
	}
}

// Register adds a dependency probe
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RegisterBreaker surfaces a circuit breaker's state as a check: open is
// unhealthy, half-open is degraded
func (c *Checker) RegisterBreaker(name string, cb *requestplane.CircuitBreaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers[name] = cb
}

// SetMetadata attaches a static value to every health response
func (c *Checker) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Check runs every registered probe and folds the results. The overall
// status is the worst individual one; degraded never masks unhealthy.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	breakers := make(map[string]*requestplane.CircuitBreaker, len(c.breakers))
	for k, v := range c.breakers {
		breakers[k] = v
	}
	metadata := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	version := c.version
	c.mu.RUnlock()

	results := make([]Check, 0, len(checks)+len(breakers))
	overall := StatusHealthy

	for name, fn := range checks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := fn(checkCtx)
		cancel()

		result := Check{
			Name:   name,
			Status: StatusHealthy,
			Took:   time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			overall = StatusUnhealthy
		}
		results = append(results, result)
	}

	for name, cb := range breakers {
		result := Check{Name: name, Status: StatusHealthy}
		switch cb.State() {
		case requestplane.BreakerOpen:
			result.Status = StatusUnhealthy
			result.Error = "circuit open"
			overall = StatusUnhealthy
		case requestplane.BreakerHalfOpen:
			result.Status = StatusDegraded
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	return &Response{
		Status:    overall,
		Timestamp: time.Now(),
		Version:   version,
		Checks:    results,
		Metadata:  metadata,
	}
}

// HTTPHandler serves the aggregated report; unhealthy maps to 503
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		statusCode := http.StatusOK
		if response.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler reports process liveness only
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}
