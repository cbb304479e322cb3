package router

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/ganigeorgiev/fexpr"

	"github.com/agentplane/agentplane/core/requestplane"
)

// TenantOverrides customizes routing for one tenant. Thresholds, when set,
// strictly override the configured defaults; the rule expressions gate the
// early-exit and escalation stages on top of the built-in conditions.
type TenantOverrides struct {
	// EarlyExit replaces the default early-exit thresholds
	EarlyExit *requestplane.EarlyExitConfig `json:"earlyExit,omitempty"`

	// Escalation replaces the default escalation thresholds
	Escalation *requestplane.EscalationConfig `json:"escalation,omitempty"`

	// Temperature replaces the default classifier calibration (1.0)
	Temperature *float64 `json:"temperature,omitempty"`

	// Explore places the tenant in the bandit explore cohort: the bandit is
	// consulted regardless of classifier confidence
	Explore bool `json:"explore,omitempty"`

	// DenyEarlyExit expressions block the early-exit stage when any matches
	DenyEarlyExit []string `json:"denyEarlyExit,omitempty"`

	// ForceEscalate expressions trigger escalation when any matches
	ForceEscalate []string `json:"forceEscalate,omitempty"`
}

// compiledOverrides carries the overrides with their parsed expressions
type compiledOverrides struct {
	TenantOverrides
	denyEarlyExit []compiledRule
	forceEscalate []compiledRule
}

type compiledRule struct {
	source string
	groups []fexpr.ExprGroup
}

// Rules holds per-tenant routing overrides. Mutated by the admin surface,
// read on every routing decision.
type Rules struct {
	byTenant map[string]*compiledOverrides
	mu       sync.RWMutex
}

// NewRules creates an empty rule registry
func NewRules() *Rules {
	return &Rules{byTenant: make(map[string]*compiledOverrides)}
}

// Set compiles and installs the overrides for a tenant. Invalid expressions
// reject the whole set so a tenant never runs half its rules.
func (r *Rules) Set(tenantID string, overrides TenantOverrides) error {
	compiled := &compiledOverrides{TenantOverrides: overrides}

	for _, src := range overrides.DenyEarlyExit {
		rule, err := compileRule(src)
		if err != nil {
			return fmt.Errorf("invalid denyEarlyExit rule %q: %w", src, err)
		}
		compiled.denyEarlyExit = append(compiled.denyEarlyExit, rule)
	}
	for _, src := range overrides.ForceEscalate {
		rule, err := compileRule(src)
		if err != nil {
			return fmt.Errorf("invalid forceEscalate rule %q: %w", src, err)
		}
		compiled.forceEscalate = append(compiled.forceEscalate, rule)
	}

	r.mu.Lock()
	r.byTenant[tenantID] = compiled
	r.mu.Unlock()
	return nil
}

// Delete removes a tenant's overrides
func (r *Rules) Delete(tenantID string) {
	r.mu.Lock()
	delete(r.byTenant, tenantID)
	r.mu.Unlock()
}

// Get returns the overrides for a tenant, or nil
func (r *Rules) get(tenantID string) *compiledOverrides {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTenant[tenantID]
}

// List returns the tenant IDs carrying overrides
func (r *Rules) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byTenant))
	for id := range r.byTenant {
		ids = append(ids, id)
	}
	return ids
}

func compileRule(src string) (compiledRule, error) {
	groups, err := fexpr.Parse(src)
	if err != nil {
		return compiledRule{}, err
	}
	return compiledRule{source: src, groups: groups}, nil
}

// matchAny evaluates the rules against the feature set; a rule that fails
// to evaluate is treated as non-matching
func matchAny(rules []compiledRule, f *requestplane.Features) (bool, string) {
	for _, rule := range rules {
		ok, err := evalGroups(rule.groups, f)
		if err == nil && ok {
			return true, rule.source
		}
	}
	return false, ""
}

// evalGroups folds the parsed expression groups left to right
func evalGroups(groups []fexpr.ExprGroup, f *requestplane.Features) (bool, error) {
	result := false

	for i, group := range groups {
		var v bool
		var err error

		switch item := group.Item.(type) {
		case fexpr.Expr:
			v, err = evalExpr(item, f)
		case []fexpr.ExprGroup:
			v, err = evalGroups(item, f)
		default:
			return false, fmt.Errorf("unsupported expression item %T", group.Item)
		}
		if err != nil {
			return false, err
		}

		if i == 0 {
			result = v
		} else if group.Join == fexpr.JoinOr {
			result = result || v
		} else {
			result = result && v
		}
	}

	return result, nil
}

func evalExpr(expr fexpr.Expr, f *requestplane.Features) (bool, error) {
	left, err := resolveToken(expr.Left, f)
	if err != nil {
		return false, err
	}
	right, err := resolveToken(expr.Right, f)
	if err != nil {
		return false, err
	}

	// Flag-set membership: flags = "x" means the flag is present
	if ls, ok := left.([]string); ok {
		rs, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("flag comparison requires a string literal")
		}
		has := contains(ls, rs)
		switch expr.Op {
		case fexpr.SignEq, fexpr.SignAnyEq:
			return has, nil
		case fexpr.SignNeq, fexpr.SignAnyNeq:
			return !has, nil
		default:
			return false, fmt.Errorf("unsupported flag operator %q", expr.Op)
		}
	}

	if ln, lok := left.(float64); lok {
		rn, rok := right.(float64)
		if !rok {
			return false, fmt.Errorf("type mismatch: number vs %T", right)
		}
		switch expr.Op {
		case fexpr.SignEq:
			return ln == rn, nil
		case fexpr.SignNeq:
			return ln != rn, nil
		case fexpr.SignLt:
			return ln < rn, nil
		case fexpr.SignLte:
			return ln <= rn, nil
		case fexpr.SignGt:
			return ln > rn, nil
		case fexpr.SignGte:
			return ln >= rn, nil
		default:
			return false, fmt.Errorf("unsupported numeric operator %q", expr.Op)
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false, fmt.Errorf("type mismatch: %T vs %T", left, right)
	}
	switch expr.Op {
	case fexpr.SignEq:
		return ls == rs, nil
	case fexpr.SignNeq:
		return ls != rs, nil
	default:
		return false, fmt.Errorf("unsupported string operator %q", expr.Op)
	}
}

// resolveToken maps a token onto a feature value or literal
func resolveToken(tok fexpr.Token, f *requestplane.Features) (any, error) {
	switch tok.Type {
	case fexpr.TokenNumber:
		n, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case fexpr.TokenText:
		return tok.Literal, nil
	case fexpr.TokenIdentifier:
		switch tok.Literal {
		case "tokenCount":
			return float64(f.TokenCount), nil
		case "schemaStrictness":
			return f.SchemaStrictness, nil
		case "complexity":
			return f.Complexity, nil
		case "novelty":
			return f.Novelty, nil
		case "failureRate":
			return f.HistoricalFailureRate, nil
		case "timeOfDay":
			return float64(f.TimeOfDay), nil
		case "dayOfWeek":
			return float64(f.DayOfWeek), nil
		case "userTier":
			return string(f.UserTier), nil
		case "flags":
			return f.DomainFlags, nil
		case "true":
			return "true", nil
		case "false":
			return "false", nil
		default:
			return nil, fmt.Errorf("unknown feature %q", tok.Literal)
		}
	default:
		return nil, fmt.Errorf("unsupported token type %v", tok.Type)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
