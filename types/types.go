package types

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further step will ever execute for the status.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// WorkflowRun is the persisted record of one execution of a workflow.
// Steps is append-only; replaying the workflow against it skips every committed step.
type WorkflowRun struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Input       json.RawMessage `json:"input"`
	Status      RunStatus       `json:"status"`
	CurrentStep int             `json:"current_step"`
	StepLabel   string          `json:"step_label,omitempty"`
	Steps       []StepRecord    `json:"steps"`
	Retries     map[string]int  `json:"retries,omitempty"`
	Inbox       []Signal        `json:"inbox,omitempty"`
	Wait        *WaitState      `json:"wait,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`  // query-visible state
	Result      json.RawMessage `json:"result,omitempty"` // terminal outcome
	Error       string          `json:"error,omitempty"`  // set when Status is failed
	CancelAsked bool            `json:"cancel_asked,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepRecord is one committed step of a run.
type StepRecord struct {
	Index       int             `json:"index"`
	Name        string          `json:"name"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"` // message of the sentinel the error wrapped
	Attempts    int             `json:"attempts,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Signal is an external input delivered to a waiting run.
type Signal struct {
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// WaitState describes what a suspended run is blocked on.
type WaitState struct {
	Name  string    `json:"name"`
	Keys  []string  `json:"keys"`
	Until time.Time `json:"until"`
	Step  int       `json:"step"`
}

// Accepts reports whether a signal with the given key satisfies the wait.
func (w *WaitState) Accepts(key string) bool {
	if w == nil {
		return false
	}
	for _, k := range w.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the run so callers can mutate it freely.
func (r WorkflowRun) Clone() WorkflowRun {
	c := r
	c.Steps = append([]StepRecord(nil), r.Steps...)
	c.Inbox = append([]Signal(nil), r.Inbox...)
	if r.Retries != nil {
		c.Retries = make(map[string]int, len(r.Retries))
		for k, v := range r.Retries {
			c.Retries[k] = v
		}
	}
	if r.Wait != nil {
		w := *r.Wait
		w.Keys = append([]string(nil), r.Wait.Keys...)
		c.Wait = &w
	}
	return c
}
