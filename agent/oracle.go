package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/songzhibin97/procurement-engine/action"
)

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Call is an action proposed by the oracle, before it is checked against the catalog.
type Call struct {
	ID   string          `json:"id"`
	Name action.Kind     `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Turn is one entry of a task's conversation.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content,omitempty"`
	Calls   []Call    `json:"calls,omitempty"`
	CallID  string    `json:"call_id,omitempty"` // set on tool turns
	At      time.Time `json:"at"`
}

// ToolSpec describes an action an agent may call.
type ToolSpec struct {
	Name        action.Kind `json:"name"`
	Description string      `json:"description"`
}

// Proposal is the oracle's answer: final text, or actions to run.
type Proposal struct {
	Text  string `json:"text,omitempty"`
	Calls []Call `json:"calls,omitempty"`
}

// Oracle proposes the next step of a conversation. It must have no side effects.
type Oracle interface {
	Propose(ctx context.Context, prompt string, history []Turn, tools []ToolSpec) (Proposal, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, prompt string, history []Turn, tools []ToolSpec) (Proposal, error)

func (f OracleFunc) Propose(ctx context.Context, prompt string, history []Turn, tools []ToolSpec) (Proposal, error) {
	return f(ctx, prompt, history, tools)
}
