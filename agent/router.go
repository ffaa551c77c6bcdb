package agent

import (
	"context"
	"maps"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultAgent handles messages no intent matches.
const DefaultAgent = "requisition"

// Intent maps message keywords to an agent.
type Intent struct {
	Keywords []string `toml:"keywords" json:"keywords"`
	AgentID  string   `toml:"agent" json:"agent"`
}

// DefaultIntents is checked in order; the first intent with a keyword in the message wins.
func DefaultIntents() []Intent {
	return []Intent{
		{Keywords: []string{"compare", "cheapest", "total cost"}, AgentID: "price-compare"},
		{Keywords: []string{"trend", "history", "historical", "when to buy"}, AgentID: "historical-price"},
		{Keywords: []string{"approval", "approve", "reject", "escalat"}, AgentID: "approval-workflow"},
		{Keywords: []string{"vendor", "supplier", "diverse"}, AgentID: "vendor-selection"},
		{Keywords: []string{"price", "alert"}, AgentID: "price-watch"},
		{Keywords: []string{"requisition", "order", "purchase", "need"}, AgentID: "requisition"},
	}
}

// Router picks an agent for a message by keyword.
type Router struct {
	registry *Registry
	intents  []Intent
	fallback string
}

// NewRouter keeps only the intents whose agent is registered.
func NewRouter(registry *Registry, intents []Intent) *Router {
	r := &Router{registry: registry, fallback: DefaultAgent}
	for _, in := range intents {
		if _, err := registry.Get(in.AgentID); err == nil {
			r.intents = append(r.intents, in)
		}
	}
	return r
}

// Route returns the agent for message.
func (r *Router) Route(message string) string {
	msg := strings.ToLower(message)
	for _, in := range r.intents {
		for _, kw := range in.Keywords {
			if strings.Contains(msg, kw) {
				return in.AgentID
			}
		}
	}
	return r.fallback
}

// AgentStatus summarises one registered agent.
type AgentStatus struct {
	ID       string `json:"agent_id"`
	Name     string `json:"name"`
	Tier     int    `json:"tier"`
	Category string `json:"category"`
	Tools    int    `json:"tools"`
	Gated    bool   `json:"gated"`
}

// Orchestrator routes messages and runs agent chains on a Loop.
type Orchestrator struct {
	loop   *Loop
	router *Router
}

func NewOrchestrator(loop *Loop, router *Router) *Orchestrator {
	return &Orchestrator{loop: loop, router: router}
}

// Loop returns the decision loop behind the orchestrator.
func (o *Orchestrator) Loop() *Loop { return o.loop }

// Chat runs message on agentID, or on the routed agent when agentID is empty.
func (o *Orchestrator) Chat(ctx context.Context, agentID, message, userID string, taskCtx map[string]string) (Result, error) {
	if agentID == "" {
		agentID = o.router.Route(message)
	}
	return o.loop.Run(ctx, agentID, message, userID, taskCtx)
}

// RunChain runs agents one after another, each on the previous agent's response. It stops
// at the first error or at the first task suspended for approval.
func (o *Orchestrator) RunChain(ctx context.Context, agentIDs []string, message, userID string, taskCtx map[string]string) ([]Result, error) {
	results := make([]Result, 0, len(agentIDs))
	cur := maps.Clone(taskCtx)
	if cur == nil {
		cur = make(map[string]string)
	}
	for _, id := range agentIDs {
		res, err := o.loop.Run(ctx, id, message, userID, cur)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.PendingApproval != nil {
			break
		}
		message = res.Response
		cur["previous_agent"] = id
		cur["previous_result"] = res.Response
	}
	return results, nil
}

// RunParallel runs message on every agent concurrently. Results keep the order of agentIDs.
func (o *Orchestrator) RunParallel(ctx context.Context, agentIDs []string, message, userID string, taskCtx map[string]string) ([]Result, error) {
	results := make([]Result, len(agentIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range agentIDs {
		g.Go(func() error {
			res, err := o.loop.Run(gctx, id, message, userID, maps.Clone(taskCtx))
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Status lists the registered agents.
func (o *Orchestrator) Status() []AgentStatus {
	defs := o.loop.Registry().List()
	out := make([]AgentStatus, 0, len(defs))
	for _, d := range defs {
		out = append(out, AgentStatus{
			ID:       d.ID,
			Name:     d.Name,
			Tier:     d.Tier,
			Category: d.Category,
			Tools:    len(d.Tools),
			Gated:    d.Gate.Threshold > 0,
		})
	}
	return out
}
