package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/auth"
	"github.com/agentplane/agentplane/core/requestplane/bus"
	"github.com/agentplane/agentplane/core/requestplane/health"
	"github.com/agentplane/agentplane/core/requestplane/registry"
	"github.com/agentplane/agentplane/core/requestplane/router"
)

// StatsProvider exposes component statistics on the stats endpoint
type StatsProvider interface {
	Stats() map[string]interface{}
}

// API is the operator HTTP surface: DLQ inspection and requeue, tenant and
// routing-rule management, invoice previews, health, and metrics.
type API struct {
	config requestplane.AdminConfig

	bus      *bus.Bus
	registry *registry.Registry
	store    *registry.Store
	rules    *router.Rules
	checker  *health.Checker

	jwt     *auth.JWTManager
	limiter *auth.RateLimiter

	stats map[string]StatsProvider

	mux    *http.ServeMux
	server *http.Server
	logger *log.Logger
}

// New creates the admin API
func New(config requestplane.AdminConfig, b *bus.Bus, reg *registry.Registry, store *registry.Store, rules *router.Rules, checker *health.Checker) (*API, error) {
	jwtManager, err := auth.NewJWTManager(config.JWTSecret, config.BootstrapTokenHash)
	if err != nil {
		return nil, err
	}

	a := &API{
		config:   config,
		bus:      b,
		registry: reg,
		store:    store,
		rules:    rules,
		checker:  checker,
		jwt:      jwtManager,
		limiter:  auth.NewRateLimiter(10, time.Minute, 5*time.Minute),
		stats:    make(map[string]StatsProvider),
		mux:      http.NewServeMux(),
		logger:   log.Default(),
	}
	a.setupRoutes()
	return a, nil
}

// RegisterStats adds a component to the stats endpoint
func (a *API) RegisterStats(name string, provider StatsProvider) {
	a.stats[name] = provider
}

// Start begins serving. Returns immediately; errors surface on the log.
func (a *API) Start() {
	if a.config.Addr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.config.Addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Printf("[Admin] Serving operator API on %s", a.config.Addr)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Printf("[Admin] Server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully
func (a *API) Stop() error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler
func (a *API) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	a.mux.ServeHTTP(w, req)
}

func (a *API) setupRoutes() {
	protect := auth.RequireOperatorAuth(a.jwt)

	a.mux.Handle("/api/admin/auth",
		auth.RateLimitMiddleware(a.limiter)(http.HandlerFunc(a.handleAuth)))

	a.mux.Handle("/api/admin/dlq", protect(http.HandlerFunc(a.handleDLQ)))
	a.mux.Handle("/api/admin/dlq/requeue", protect(http.HandlerFunc(a.handleDLQRequeue)))
	a.mux.Handle("/api/admin/tenants", protect(http.HandlerFunc(a.handleTenants)))
	a.mux.Handle("/api/admin/rules", protect(http.HandlerFunc(a.handleRules)))
	a.mux.Handle("/api/admin/invoice", protect(http.HandlerFunc(a.handleInvoice)))
	a.mux.Handle("/api/admin/stats", protect(http.HandlerFunc(a.handleStats)))

	a.mux.HandleFunc("/health/live", health.LivenessHandler())
	a.mux.HandleFunc("/health/ready", a.checker.HTTPHandler())
	a.mux.Handle("/metrics", promhttp.Handler())
}

// handleAuth exchanges the static operator token for a session JWT
func (a *API) handleAuth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		body.Name = "operator"
	}

	session, err := a.jwt.ExchangeBootstrapToken(body.Token, body.Name)
	if err != nil {
		http.Error(w, "Invalid operator token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": session})
}

// handleDLQ lists dead-lettered envelopes for a kind
func (a *API) handleDLQ(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := req.URL.Query().Get("kind")
	if !bus.KnownKind(kind) {
		http.Error(w, "Unknown event kind", http.StatusBadRequest)
		return
	}
	max := queryInt(req, "max", 100)

	envs, err := a.bus.DLQMessages(kind, max)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":      kind,
		"count":     len(envs),
		"envelopes": envs,
	})
}

// handleDLQRequeue moves dead-lettered envelopes back onto the live stream
func (a *API) handleDLQRequeue(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Kind string `json:"kind"`
		Max  int    `json:"max"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !bus.KnownKind(body.Kind) {
		http.Error(w, "Unknown event kind", http.StatusBadRequest)
		return
	}
	if body.Max <= 0 {
		body.Max = 100
	}

	n, err := a.bus.RequeueDLQ(body.Kind, body.Max)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	claims, _ := auth.GetOperatorClaims(req.Context())
	if claims != nil {
		a.logger.Printf("[Admin] %s requeued %d envelopes from dlq.%s", claims.Name, n, body.Kind)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

// handleTenants reads and upserts tenant records
func (a *API) handleTenants(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		tenantID := req.URL.Query().Get("tenantId")
		if tenantID == "" {
			http.Error(w, "tenantId is required", http.StatusBadRequest)
			return
		}
		tenant, err := a.registry.GetTenant(req.Context(), tenantID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, tenant)

	case http.MethodPut:
		var tenant requestplane.Tenant
		if err := json.NewDecoder(req.Body).Decode(&tenant); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if tenant.ID == "" {
			http.Error(w, "tenant id is required", http.StatusBadRequest)
			return
		}
		if err := a.store.SaveTenant(req.Context(), &tenant); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// The cache must not serve the stale record for up to its TTL
		a.registry.Invalidate(tenant.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRules manages per-tenant routing overrides
func (a *API) handleRules(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"tenants": a.rules.List()})

	case http.MethodPut:
		var body struct {
			TenantID  string                 `json:"tenantId"`
			Overrides router.TenantOverrides `json:"overrides"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if body.TenantID == "" {
			http.Error(w, "tenantId is required", http.StatusBadRequest)
			return
		}
		if err := a.rules.Set(body.TenantID, body.Overrides); err != nil {
			http.Error(w, fmt.Sprintf("invalid rules: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "installed"})

	case http.MethodDelete:
		tenantID := req.URL.Query().Get("tenantId")
		if tenantID == "" {
			http.Error(w, "tenantId is required", http.StatusBadRequest)
			return
		}
		a.rules.Delete(tenantID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStats returns per-component statistics
func (a *API) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out := make(map[string]any, len(a.stats))
	for name, provider := range a.stats {
		out[name] = provider.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(req *http.Request, key string, def int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
