package router

import (
	"context"
	"log"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/metrics"
)

// Router selects a service tier for each dispatched request. The pipeline
// runs feature extraction, the canary gate, early exit, the calibrated
// classifier, the bandit and finally the escalation rules; any stage whose
// backing store is unavailable degrades rather than failing the request.
type Router struct {
	config requestplane.RouterConfig

	extractor  *Extractor
	canary     *canaryGate
	classifier *classifier
	bandit     *bandit
	escalator  *escalator
	rules      *Rules

	bus     requestplane.EventPublisher
	metrics *metrics.Collector
	logger  *log.Logger
}

// New creates a router over the given feature and bandit stores
func New(config requestplane.RouterConfig, featureStore requestplane.FeatureStore, banditStore requestplane.BanditStore, bus requestplane.EventPublisher, m *metrics.Collector) *Router {
	return &Router{
		config:     config,
		extractor:  NewExtractor(featureStore, config.StoreTimeout),
		canary:     newCanaryGate(config.Canary),
		classifier: &classifier{},
		bandit:     newBandit(config.Bandit, banditStore, time.Now().UnixNano()),
		escalator:  newEscalator(config.Escalation),
		rules:      NewRules(),
		bus:        bus,
		metrics:    m,
		logger:     log.Default(),
	}
}

// Rules exposes the per-tenant override registry (admin surface)
func (r *Router) Rules() *Rules {
	return r.rules
}

// Bandit exposes the reward function for the outcome recorder
func (r *Router) Bandit() interface {
	Reward(outcome *requestplane.Outcome) float64
} {
	return r.bandit
}

// Route runs the full pipeline and returns the immutable decision together
// with the extracted features
func (r *Router) Route(ctx context.Context, req *requestplane.Request, tenant *requestplane.Tenant) (*requestplane.Decision, *requestplane.Features) {
	started := time.Now()

	overrides := r.rules.get(req.TenantID)
	features, degraded := r.extractor.Extract(ctx, req, tenant)

	decision := r.decide(ctx, req, features, degraded, overrides)
	decision.RequestID = req.RequestID
	decision.TenantID = req.TenantID
	decision.DecisionTS = time.Now()
	decision.DecisionLatency = time.Since(started)

	if r.metrics != nil {
		r.metrics.RoutingDecisions.WithLabelValues(string(decision.ChosenTier), string(decision.Strategy)).Inc()
		r.metrics.RoutingLatency.Observe(decision.DecisionLatency.Seconds())
		if degraded {
			r.metrics.FeatureTimeouts.Inc()
		}
	}

	r.publishDecision(ctx, req, decision)

	return decision, features
}

func (r *Router) decide(ctx context.Context, req *requestplane.Request, f *requestplane.Features, degraded bool, overrides *compiledOverrides) *requestplane.Decision {
	// A degraded feature read falls back to the static rule outright: the
	// historicals that drive every later stage are missing
	if degraded {
		return &requestplane.Decision{
			ChosenTier: r.config.DefaultTier,
			Confidence: 0,
			Strategy:   requestplane.StrategyDegraded,
		}
	}

	// Canary cohort bypasses classification entirely
	if r.canary.inBand(req.TenantID, req.UserID) {
		return r.finish(&requestplane.Decision{
			ChosenTier: r.canary.tier(),
			Confidence: 1.0,
			Strategy:   requestplane.StrategyCanary,
		}, f, overrides)
	}

	if tier, confidence, ok := r.earlyExit(f, overrides); ok {
		return r.finish(&requestplane.Decision{
			ChosenTier: tier,
			Confidence: confidence,
			Strategy:   requestplane.StrategyEarlyExit,
		}, f, overrides)
	}

	temperature := defaultTemperature
	if overrides != nil && overrides.Temperature != nil {
		temperature = *overrides.Temperature
	}
	tier, confidence := r.classifier.classify(f, temperature)
	strategy := requestplane.StrategyClassifier

	explore := overrides != nil && overrides.Explore
	if confidence < r.config.Bandit.Threshold || explore {
		banditTier, err := r.bandit.choose(ctx, req.TenantID)
		if err != nil {
			// Bandit state unavailable below the confidence gate: static rule
			r.logger.Printf("[Router] Bandit store unavailable for tenant %s: %v", req.TenantID, err)
			return &requestplane.Decision{
				ChosenTier: r.config.DefaultTier,
				Confidence: confidence,
				Strategy:   requestplane.StrategyDegraded,
			}
		}
		if r.metrics != nil {
			r.metrics.BanditPulls.WithLabelValues(string(banditTier)).Inc()
		}
		tier = banditTier
		strategy = requestplane.StrategyBandit
	}

	return r.finish(&requestplane.Decision{
		ChosenTier: tier,
		Confidence: confidence,
		Strategy:   strategy,
	}, f, overrides)
}

// earlyExit checks the cheap-path gate against the effective thresholds
func (r *Router) earlyExit(f *requestplane.Features, overrides *compiledOverrides) (requestplane.Tier, float64, bool) {
	cfg := &r.config.EarlyExit
	if overrides != nil && overrides.EarlyExit != nil {
		cfg = overrides.EarlyExit
	}

	if f.SchemaStrictness < cfg.MinSchemaStrict ||
		f.TokenCount > cfg.MaxTokenCount ||
		f.Complexity > cfg.MaxComplexity ||
		f.Novelty > cfg.MaxNovelty ||
		f.HistoricalFailureRate > cfg.MaxFailureRate {
		return "", 0, false
	}

	if overrides != nil {
		if denied, rule := matchAny(overrides.denyEarlyExit, f); denied {
			r.logger.Printf("[Router] Early exit denied by tenant rule %q", rule)
			return "", 0, false
		}
	}

	// Confidence scales from the base toward 1.0 as complexity approaches 0
	confidence := cfg.BaseConfidence
	if cfg.MaxComplexity > 0 {
		confidence += (1 - cfg.BaseConfidence) * (1 - f.Complexity/cfg.MaxComplexity)
	}
	if confidence > 1 {
		confidence = 1
	}

	return requestplane.TierA, confidence, true
}

// finish applies the escalation stage to a chosen tier
func (r *Router) finish(d *requestplane.Decision, f *requestplane.Features, overrides *compiledOverrides) *requestplane.Decision {
	var cfg *requestplane.EscalationConfig
	if overrides != nil && overrides.Escalation != nil {
		cfg = overrides.Escalation
	}

	escalate, reason := r.escalator.evaluate(cfg, f, d.Confidence, overrides)
	if !escalate {
		return d
	}

	if r.metrics != nil {
		r.metrics.Escalations.WithLabelValues(reason).Inc()
	}

	// Escalation from C cannot raise the tier but is still recorded
	d.ChosenTier = d.ChosenTier.Next()
	d.Strategy = requestplane.StrategyEscalation
	d.EscalationReason = reason
	return d
}

func (r *Router) publishDecision(ctx context.Context, req *requestplane.Request, d *requestplane.Decision) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(ctx, "router_decision", req.TenantID, req.Priority, d, req.RequestID); err != nil {
		r.logger.Printf("[Router] Failed to publish decision for %s: %v", req.RequestID, err)
	}
}
