package agent

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/songzhibin97/procurement-engine/action"
)

// ErrTaskNotFound is returned for unknown or already finished tasks.
var ErrTaskNotFound = errors.New("task not found")

// PendingApproval links a suspended task to the approval run holding its actions.
type PendingApproval struct {
	RunID         string `json:"run_id"`
	RequisitionID string `json:"requisition_id"`
	// ActionID is the held create_requisition the run approves, if any.
	ActionID string          `json:"action_id,omitempty"`
	Actions  []action.Action `json:"actions"`
}

// Task is one conversation with an agent.
type Task struct {
	ID         string            `json:"task_id"`
	AgentID    string            `json:"agent_id"`
	UserID     string            `json:"user_id"`
	Turns      []Turn            `json:"turns"`
	Context    map[string]string `json:"context,omitempty"`
	Iterations int               `json:"iterations"`
	Completed  bool              `json:"completed"`
	Pending    *PendingApproval  `json:"pending_approval,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (t Task) clone() Task {
	c := t
	c.Turns = append([]Turn(nil), t.Turns...)
	c.Context = maps.Clone(t.Context)
	if t.Pending != nil {
		p := *t.Pending
		p.Actions = append([]action.Action(nil), t.Pending.Actions...)
		c.Pending = &p
	}
	return c
}

// TaskStore keeps suspended tasks until they are resumed.
type TaskStore interface {
	Save(ctx context.Context, task Task) error
	Get(ctx context.Context, id string) (Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Task, error)
}

// MemoryTaskStore is an in-memory TaskStore.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

func (s *MemoryTaskStore) Save(ctx context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.clone()
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t.clone(), nil
}

func (s *MemoryTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *MemoryTaskStore) List(ctx context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	return out, nil
}
