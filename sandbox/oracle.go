package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/agent"
)

// ErrScriptExhausted is returned once a scripted oracle has no proposals left.
var ErrScriptExhausted = errors.New("oracle script exhausted")

// ScriptedOracle replays proposals in order and records what it was asked.
type ScriptedOracle struct {
	mu        sync.Mutex
	script    []agent.Proposal
	prompts   []string
	histories [][]agent.Turn
	// Fallback answers once the script is exhausted. When nil the oracle fails instead.
	Fallback *agent.Proposal
}

func NewScriptedOracle(script ...agent.Proposal) *ScriptedOracle {
	return &ScriptedOracle{script: script}
}

// Push appends proposals to the script.
func (o *ScriptedOracle) Push(p ...agent.Proposal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.script = append(o.script, p...)
}

func (o *ScriptedOracle) Propose(ctx context.Context, prompt string, history []agent.Turn, tools []agent.ToolSpec) (agent.Proposal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompts = append(o.prompts, prompt)
	o.histories = append(o.histories, append([]agent.Turn(nil), history...))
	if len(o.script) == 0 {
		if o.Fallback != nil {
			return *o.Fallback, nil
		}
		return agent.Proposal{}, ErrScriptExhausted
	}
	p := o.script[0]
	o.script = o.script[1:]
	return p, nil
}

// Calls returns how many proposals were requested.
func (o *ScriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.prompts)
}

// Prompt returns the i-th rendered prompt.
func (o *ScriptedOracle) Prompt(i int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prompts[i]
}

// History returns the turns sent with the i-th request.
func (o *ScriptedOracle) History(i int) []agent.Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.histories[i]
}

// Say is a final-text proposal.
func Say(text string) agent.Proposal {
	return agent.Proposal{Text: text}
}

// Use is a proposal of one or more calls.
func Use(calls ...agent.Call) agent.Proposal {
	return agent.Proposal{Calls: calls}
}

// CallOf builds a call of kind with args marshalled to JSON. It panics on unmarshalable
// args, which only happens with programming errors in scripts.
func CallOf(id string, kind action.Kind, args any) agent.Call {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("sandbox: marshal %s args: %v", kind, err))
	}
	return agent.Call{ID: id, Name: kind, Args: raw}
}
