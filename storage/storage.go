package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/procurement-engine/types"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Storage persists workflow runs. Every SaveRun is a commit point of the engine:
// after it returns the run's step log survives a process restart.
type Storage interface {
	// SaveRun inserts or replaces a run.
	SaveRun(ctx context.Context, run types.WorkflowRun) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (types.WorkflowRun, error)

	// ListRuns returns the runs matching the filter, oldest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]types.WorkflowRun, error)

	// Archive removes terminal runs last updated before the cutoff and reports how many went.
	Archive(ctx context.Context, before time.Time) (int, error)
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Kind     string
	Statuses []types.RunStatus
	// Active restricts the result to non-terminal runs.
	Active bool
}

// Match reports whether run passes the filter.
func (f RunFilter) Match(run types.WorkflowRun) bool {
	if f.Kind != "" && run.Kind != f.Kind {
		return false
	}
	if f.Active && run.Status.Terminal() {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if run.Status == s {
			return true
		}
	}
	return false
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}
