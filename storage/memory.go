package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/procurement-engine/types"
)

// MemoryStorage keeps runs in process memory. Runs are cloned on the way in and out
// so callers never share slices with the store.
type MemoryStorage struct {
	runs map[string]types.WorkflowRun
	mu   sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{runs: make(map[string]types.WorkflowRun)}
}

// SaveRun stores a copy of run.
func (s *MemoryStorage) SaveRun(ctx context.Context, run types.WorkflowRun) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[run.ID] = run.Clone()
		return struct{}{}, nil
	})
	return err
}

// GetRun retrieves a copy of a run.
func (s *MemoryStorage) GetRun(ctx context.Context, id string) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		run, ok := s.runs[id]
		if !ok {
			return types.WorkflowRun{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		}
		return run.Clone(), nil
	})
}

// ListRuns returns copies of the matching runs ordered by creation time.
func (s *MemoryStorage) ListRuns(ctx context.Context, filter RunFilter) ([]types.WorkflowRun, error) {
	return withContext(ctx, func() ([]types.WorkflowRun, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowRun
		for _, run := range s.runs {
			if filter.Match(run) {
				out = append(out, run.Clone())
			}
		}
		sortRuns(out)
		return out, nil
	})
}

// SaveRuns saves multiple runs under a single lock.
func (s *MemoryStorage) SaveRuns(ctx context.Context, runs []types.WorkflowRun) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, run := range runs {
			s.runs[run.ID] = run.Clone()
		}
		return struct{}{}, nil
	})
	return err
}

// Archive removes terminal runs updated before the cutoff.
func (s *MemoryStorage) Archive(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := 0
		for id, run := range s.runs {
			if run.Status.Terminal() && run.UpdatedAt.Before(before) {
				delete(s.runs, id)
				n++
			}
		}
		return n, nil
	})
}

func sortRuns(runs []types.WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}
