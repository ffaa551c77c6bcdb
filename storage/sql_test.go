package storage

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLStorage {
	t.Helper()
	store, err := OpenSQLStorage(DialectSQLite, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStorageSQLite(t *testing.T) {
	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := newSQLiteStore(t)
		ctx := context.Background()

		run := newRun("1", types.RunRunning)
		require.NoError(t, store.SaveRun(ctx, run))

		got, err := store.GetRun(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, run.CurrentStep, got.CurrentStep)
		assert.Len(t, got.Steps, 1)
		assert.True(t, run.CreatedAt.Equal(got.CreatedAt))

		_, err = store.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("UpsertReplacesRow", func(t *testing.T) {
		store := newSQLiteStore(t)
		ctx := context.Background()

		run := newRun("1", types.RunRunning)
		require.NoError(t, store.SaveRun(ctx, run))
		run.Status = types.RunWaiting
		run.Steps = append(run.Steps, types.StepRecord{Index: 1, Name: "resolve_chain", CommittedAt: epoch})
		require.NoError(t, store.SaveRun(ctx, run))

		got, err := store.GetRun(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, types.RunWaiting, got.Status)
		assert.Len(t, got.Steps, 2)

		all, err := store.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ListAndArchive", func(t *testing.T) {
		store := newSQLiteStore(t)
		ctx := context.Background()

		a := newRun("a", types.RunWaiting)
		b := newRun("b", types.RunCompleted)
		b.CreatedAt = epoch.Add(time.Minute)
		c := newRun("c", types.RunRunning)
		c.Kind = "invoice_match"
		c.CreatedAt = epoch.Add(2 * time.Minute)
		for _, r := range []types.WorkflowRun{c, b, a} {
			require.NoError(t, store.SaveRun(ctx, r))
		}

		active, err := store.ListRuns(ctx, RunFilter{Active: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, runIDs(active))

		kind, err := store.ListRuns(ctx, RunFilter{Kind: "invoice_match"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, runIDs(kind))

		n, err := store.Archive(ctx, epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = store.GetRun(ctx, "b")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("UnsupportedDialect", func(t *testing.T) {
		_, err := NewSQLStorage(nil, "oracle")
		assert.ErrorIs(t, err, types.ErrFatalConfiguration)
	})
}

func TestSQLStoragePostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS workflow_runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLStorage(db, DialectPostgres)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("SaveRunUsesNumberedPlaceholders", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_runs (id, kind, status, data, created_at, updated_at)\nVALUES ($1, $2, $3, $4, $5, $6)")).
			WithArgs("1", "requisition_approval", "running", sqlmock.AnyArg(), epoch.UnixMilli(), epoch.UnixMilli()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, store.SaveRun(ctx, newRun("1", types.RunRunning)))
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM workflow_runs WHERE id = $1")).
			WithArgs("2").
			WillReturnRows(sqlmock.NewRows([]string{"data"}))

		_, err := store.GetRun(ctx, "2")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("GetRunDecodesDocument", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM workflow_runs WHERE id = $1")).
			WithArgs("3").
			WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(`{"id":"3","kind":"invoice_match","status":"waiting"}`))

		run, err := store.GetRun(ctx, "3")
		require.NoError(t, err)
		assert.Equal(t, types.RunWaiting, run.Status)
		assert.Equal(t, "invoice_match", run.Kind)
	})

	t.Run("Archive", func(t *testing.T) {
		cutoff := epoch.Add(time.Hour)
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM workflow_runs WHERE status IN ($1, $2, $3) AND updated_at < $4")).
			WithArgs("completed", "failed", "cancelled", cutoff.UnixMilli()).
			WillReturnResult(sqlmock.NewResult(0, 4))

		n, err := store.Archive(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
