package router

import (
	"github.com/agentplane/agentplane/core/requestplane"
)

// Escalation reasons carried on routing decisions and events
const (
	ReasonLowConfidence        = "LOW_CONFIDENCE"
	ReasonHighFailureRate      = "HIGH_FAILURE_RATE"
	ReasonHighNovelty          = "HIGH_NOVELTY"
	ReasonEnterpriseComplexity = "ENTERPRISE_COMPLEXITY"
	ReasonSchemaValidation     = "SCHEMA_VALIDATION_FAILED"
	ReasonJSONValidation       = "JSON_VALIDATION_FAILED"
	ReasonTenantRule           = "TENANT_RULE"
)

// escalator evaluates the escalation conditions after a tier is chosen
type escalator struct {
	defaults requestplane.EscalationConfig
}

func newEscalator(defaults requestplane.EscalationConfig) *escalator {
	return &escalator{defaults: defaults}
}

// evaluate returns whether to escalate one tier up and the first matching
// reason. cfg carries the tenant's thresholds when overridden.
func (e *escalator) evaluate(cfg *requestplane.EscalationConfig, f *requestplane.Features, confidence float64, overrides *compiledOverrides) (bool, string) {
	if cfg == nil {
		cfg = &e.defaults
	}

	if confidence < cfg.MinConfidence {
		return true, ReasonLowConfidence
	}
	if f.HistoricalFailureRate > cfg.MaxFailureRate {
		return true, ReasonHighFailureRate
	}
	if f.Novelty > cfg.MaxNovelty {
		return true, ReasonHighNovelty
	}
	if f.UserTier == requestplane.PlanEnterprise && f.Complexity > cfg.EnterpriseComplexity {
		return true, ReasonEnterpriseComplexity
	}

	if overrides != nil {
		if ok, _ := matchAny(overrides.forceEscalate, f); ok {
			return true, ReasonTenantRule
		}
	}

	return false, ""
}
