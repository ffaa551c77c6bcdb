package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/procurement-engine/types"
)

const (
	runPrefix  = "run:"
	activeRuns = "runs:active"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Each run is a JSON document under run:<id>; the IDs of non-terminal runs are
// also kept in the runs:active set so recovery does not need a key scan.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection pool.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func runKey(id string) string { return runPrefix + id }

// queueRun adds the write of run and its active-set membership to pipe.
func queueRun(ctx context.Context, pipe redis.Pipeliner, run types.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}
	pipe.Set(ctx, runKey(run.ID), data, 0)
	if run.Status.Terminal() {
		pipe.SRem(ctx, activeRuns, run.ID)
	} else {
		pipe.SAdd(ctx, activeRuns, run.ID)
	}
	return nil
}

// SaveRun writes the run document and updates the active set atomically.
func (s *RedisStorage) SaveRun(ctx context.Context, run types.WorkflowRun) error {
	return withContextError(ctx, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return queueRun(ctx, pipe, run)
		})
		if err != nil {
			return fmt.Errorf("failed to save run %s: %w", run.ID, err)
		}
		return nil
	})
}

// SaveRuns saves multiple runs using one pipeline.
func (s *RedisStorage) SaveRuns(ctx context.Context, runs []types.WorkflowRun) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, run := range runs {
			if err := queueRun(ctx, pipe, run); err != nil {
				return err
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for runs: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run from Redis.
func (s *RedisStorage) GetRun(ctx context.Context, id string) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		return s.load(ctx, runKey(id))
	})
}

func (s *RedisStorage) load(ctx context.Context, key string) (types.WorkflowRun, error) {
	var run types.WorkflowRun
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return run, fmt.Errorf("%w: key=%s", ErrRunNotFound, key)
	} else if err != nil {
		return run, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	if err := json.Unmarshal(data, &run); err != nil {
		return run, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return run, nil
}

// ListRuns reads the active set for Active filters and scans run keys otherwise.
func (s *RedisStorage) ListRuns(ctx context.Context, filter RunFilter) ([]types.WorkflowRun, error) {
	return withContext(ctx, func() ([]types.WorkflowRun, error) {
		keys, err := s.candidateKeys(ctx, filter)
		if err != nil {
			return nil, err
		}
		var out []types.WorkflowRun
		for _, key := range keys {
			run, err := s.load(ctx, key)
			if errors.Is(err, ErrRunNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			if filter.Match(run) {
				out = append(out, run)
			}
		}
		sortRuns(out)
		return out, nil
	})
}

func (s *RedisStorage) candidateKeys(ctx context.Context, filter RunFilter) ([]string, error) {
	if filter.Active {
		ids, err := s.client.SMembers(ctx, activeRuns).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read active runs: %w", err)
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = runKey(id)
		}
		return keys, nil
	}
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, runPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan run keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Archive deletes terminal runs updated before the cutoff.
func (s *RedisStorage) Archive(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		runs, err := s.ListRuns(ctx, RunFilter{})
		if err != nil {
			return 0, err
		}
		pipe := s.client.Pipeline()
		n := 0
		for _, run := range runs {
			if run.Status.Terminal() && run.UpdatedAt.Before(before) {
				pipe.Del(ctx, runKey(run.ID))
				pipe.SRem(ctx, activeRuns, run.ID)
				n++
			}
		}
		if n == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for archive: %w", err)
		}
		return n, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
