// Package agent runs tool-using procurement assistants: it asks an oracle for the next
// actions, holds risky ones for human approval and executes the rest.
package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/gate"
	"github.com/songzhibin97/procurement-engine/types"
)

// DefaultMaxIterations bounds oracle round trips per task when a definition leaves it unset.
const DefaultMaxIterations = 10

// ErrUnknownAgent is returned for agent IDs missing from the registry.
var ErrUnknownAgent = fmt.Errorf("%w: unknown agent", types.ErrFatalConfiguration)

// Definition configures one agent.
type Definition struct {
	ID            string         `toml:"id" json:"id"`
	Name          string         `toml:"name" json:"name"`
	Tier          int            `toml:"tier" json:"tier"`
	Category      string         `toml:"category" json:"category"`
	Tools         []action.Kind  `toml:"tools" json:"tools"`
	Prompt        string         `toml:"prompt" json:"-"`
	Gate          gate.Config    `toml:"gate" json:"gate"`
	Override      *gate.Override `toml:"override" json:"override,omitempty"`
	MaxIterations int            `toml:"max_iterations" json:"max_iterations"`
}

// Allows reports whether the agent may call kind.
func (d Definition) Allows(kind action.Kind) bool {
	return slices.Contains(d.Tools, kind)
}

// Specs describes the agent's tools to the oracle.
func (d Definition) Specs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(d.Tools))
	for _, k := range d.Tools {
		specs = append(specs, ToolSpec{Name: k, Description: toolDescriptions[k]})
	}
	return specs
}

func (d Definition) maxIterations() int {
	if d.MaxIterations > 0 {
		return d.MaxIterations
	}
	return DefaultMaxIterations
}

// Registry holds the configured agents.
type Registry struct {
	defs  map[string]Definition
	order []string
}

// NewRegistry validates defs: unique IDs, catalog-only tools and compilable overrides.
func NewRegistry(policy *gate.Policy, defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	var errs []error
	for _, d := range defs {
		if d.ID == "" {
			errs = append(errs, errors.New("agent without ID"))
			continue
		}
		if _, dup := r.defs[d.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate agent %q", d.ID))
			continue
		}
		for _, k := range d.Tools {
			if !k.Valid() {
				errs = append(errs, fmt.Errorf("agent %q lists unknown tool %q", d.ID, k))
			}
		}
		if policy != nil {
			if err := policy.Validate(d.Override); err != nil {
				errs = append(errs, fmt.Errorf("agent %q: %w", d.ID, err))
			}
		}
		r.defs[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrFatalConfiguration, err)
	}
	return r, nil
}

// Get returns the definition of id.
func (r *Registry) Get(id string) (Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w %q", ErrUnknownAgent, id)
	}
	return d, nil
}

// List returns the definitions in registration order.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Render substitutes {key} placeholders in template with values from vars. Unknown
// placeholders are left as they are. The result is display text only.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// DefaultDefinitions returns the six standard agents.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:       "price-watch",
			Name:     "PriceWatch Agent",
			Tier:     1,
			Category: "Core Price Intelligence",
			Tools: []action.Kind{
				action.SearchProducts, action.GetPriceHistory, action.GetVendorListings,
				action.CreatePriceAlert, action.SendSlackAlert,
			},
			Prompt: priceWatchPrompt,
			// Any positive threshold enables gating; only the critical-alert rule can hold.
			Gate:     gate.Config{Threshold: 1},
			Override: &gate.Override{Kinds: []action.Kind{action.SendSlackAlert}},
		},
		{
			ID:       "price-compare",
			Name:     "Price Compare Agent",
			Tier:     1,
			Category: "Core Price Intelligence",
			Tools: []action.Kind{
				action.SearchProducts, action.CompareVendorPrices, action.CalculateTotalCost,
				action.GetNetworkBenchmark, action.GetPriceHistory,
			},
			Prompt: priceComparePrompt,
		},
		{
			ID:       "historical-price",
			Name:     "Historical Price Agent",
			Tier:     1,
			Category: "Core Price Intelligence",
			Tools: []action.Kind{
				action.GetPriceHistory, action.PredictPriceState, action.RecommendPurchaseTiming,
				action.SearchProducts,
			},
			Prompt: historicalPricePrompt,
		},
		{
			ID:       "requisition",
			Name:     "Requisition Agent",
			Tier:     2,
			Category: "Procurement Process",
			Tools: []action.Kind{
				action.ParseRequest, action.MatchProduct, action.CheckBudget,
				action.ValidatePolicy, action.CreateRequisition, action.RouteApproval,
			},
			Prompt:   requisitionPrompt,
			Gate:     gate.Config{Threshold: 25000},
			Override: &gate.Override{Kinds: []action.Kind{action.CreateRequisition}},
		},
		{
			ID:       "approval-workflow",
			Name:     "Approval Workflow Agent",
			Tier:     2,
			Category: "Procurement Process",
			Tools: []action.Kind{
				action.GetPendingApprovals, action.SendReminder, action.EscalateApproval,
				action.ProcessApproval, action.RouteApproval,
			},
			Prompt: approvalWorkflowPrompt,
		},
		{
			ID:       "vendor-selection",
			Name:     "Vendor Selection Agent",
			Tier:     2,
			Category: "Procurement Process",
			Tools: []action.Kind{
				action.ScoreVendor, action.FindDiverseSuppliers, action.AssessVendorRisk,
				action.GetVendorPerformance,
			},
			Prompt: vendorSelectionPrompt,
		},
	}
}
