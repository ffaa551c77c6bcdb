package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/songzhibin97/procurement-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to a local Redis on DB 15 and flushes it, skipping when none runs.
func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(RedisOptions{
		Addr:         "localhost:6379",
		DB:           15,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, store.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStorage(t *testing.T) {
	t.Run("ConnectionFailure", func(t *testing.T) {
		_, err := NewRedisStorage(RedisOptions{Addr: "invalid:6379"})
		assert.Error(t, err)
	})

	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		run := newRun("1", types.RunWaiting)
		require.NoError(t, store.SaveRun(ctx, run))

		got, err := store.GetRun(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, run.Status, got.Status)
		assert.Equal(t, run.Steps[0].Name, got.Steps[0].Name)
		assert.JSONEq(t, string(run.Input), string(got.Input))

		_, err = store.GetRun(ctx, "999")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("ActiveSetFollowsStatus", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		run := newRun("1", types.RunWaiting)
		require.NoError(t, store.SaveRun(ctx, run))
		active, err := store.ListRuns(ctx, RunFilter{Active: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, runIDs(active))

		run.Status = types.RunCompleted
		require.NoError(t, store.SaveRun(ctx, run))
		active, err = store.ListRuns(ctx, RunFilter{Active: true})
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := store.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, runIDs(all))
	})

	t.Run("SaveRunsAndArchive", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		var runs []types.WorkflowRun
		for i, status := range []types.RunStatus{types.RunRunning, types.RunCompleted, types.RunFailed} {
			runs = append(runs, newRun(fmt.Sprint(i+1), status))
		}
		require.NoError(t, store.SaveRuns(ctx, runs))

		n, err := store.Archive(ctx, epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = store.GetRun(ctx, "1")
		assert.NoError(t, err)
		_, err = store.GetRun(ctx, "2")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newTestRedis(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.SaveRun(ctx, newRun("1", types.RunRunning)), context.Canceled)
		_, err := store.GetRun(ctx, "1")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.Archive(ctx, epoch)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
