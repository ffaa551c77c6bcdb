// Package gate decides whether a proposed action runs immediately or waits for a human.
package gate

import (
	"fmt"
	"slices"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/types"
)

// Config is the gating part of an agent's configuration.
type Config struct {
	// Threshold is the amount above which an action is held. Zero or less disables gating.
	Threshold float64 `toml:"threshold" json:"threshold"`
	// FailClosed holds monetary actions whose amount cannot be derived.
	FailClosed bool `toml:"fail_closed" json:"fail_closed"`
}

// Override is an agent's refinement of the policy.
type Override struct {
	// Kinds restricts gating to these action kinds when non-empty.
	Kinds []action.Kind `toml:"kinds" json:"kinds,omitempty"`
	// Sensitive adds rules, evaluated against the action's Args, that hold an action
	// regardless of its amount.
	Sensitive map[action.Kind][]string `toml:"sensitive" json:"sensitive,omitempty"`
}

// Policy evaluates actions against the catalog's sensitivity rules plus agent overrides.
type Policy struct {
	eval      rules.Evaluator
	sensitive map[action.Kind][]string
}

// NewPolicy returns a policy seeded with action.DefaultSensitivity.
func NewPolicy(eval rules.Evaluator) *Policy {
	return &Policy{eval: eval, sensitive: action.DefaultSensitivity()}
}

var defaultPolicy = NewPolicy(rules.NewExprEvaluator())

// Evaluate applies the default policy.
func Evaluate(a action.Action, cfg Config, override *Override) bool {
	return defaultPolicy.Evaluate(a, cfg, override)
}

// Evaluate reports whether a must be held for approval. It has no side effects.
func (p *Policy) Evaluate(a action.Action, cfg Config, override *Override) bool {
	if cfg.Threshold <= 0 {
		return false
	}
	if override != nil && len(override.Kinds) > 0 && !slices.Contains(override.Kinds, a.Kind) {
		return false
	}
	if a.Args == nil {
		return cfg.FailClosed && action.Monetary(a.Kind)
	}
	if p.sensitiveAction(a, cfg, override) {
		return true
	}

	amount, ok := action.Amount(a)
	if !ok {
		return cfg.FailClosed && action.Monetary(a.Kind)
	}
	return amount > cfg.Threshold
}

func (p *Policy) sensitiveAction(a action.Action, cfg Config, override *Override) bool {
	for _, expr := range p.rulesFor(a.Kind, override) {
		hit, err := p.eval.Evaluate(expr, a.Args)
		if err != nil {
			if cfg.FailClosed {
				return true
			}
			continue
		}
		if hit {
			return true
		}
	}
	return false
}

func (p *Policy) rulesFor(k action.Kind, override *Override) []string {
	out := p.sensitive[k]
	if override != nil {
		out = append(slices.Clip(out), override.Sensitive[k]...)
	}
	return out
}

// Validate compiles every rule of override against its kind's Args so a bad rule fails
// at startup.
func (p *Policy) Validate(override *Override) error {
	if override == nil {
		return nil
	}
	for _, k := range override.Kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: override names unknown action %q", types.ErrFatalConfiguration, k)
		}
	}
	compiler, canCompile := p.eval.(interface{ Compile(string, any) error })
	for k, exprs := range override.Sensitive {
		a, err := action.Parse("", k, nil)
		if err != nil {
			return err
		}
		if !canCompile {
			continue
		}
		for _, expr := range exprs {
			if err := compiler.Compile(expr, a.Args); err != nil {
				return fmt.Errorf("%w: sensitivity rule for %s: %v", types.ErrFatalConfiguration, k, err)
			}
		}
	}
	return nil
}
