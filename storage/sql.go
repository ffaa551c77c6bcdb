package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/songzhibin97/procurement-engine/types"
	_ "modernc.org/sqlite"
)

// SQL dialects accepted by NewSQLStorage.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const runsSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// SQLStorage keeps runs in a single workflow_runs table. The run document lives in
// the data column; kind, status and the timestamps are copied out for filtering.
type SQLStorage struct {
	db      *sql.DB
	dialect string
}

// OpenSQLStorage opens a database with the driver registered for dialect and migrates it.
func OpenSQLStorage(dialect, dsn string) (*SQLStorage, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	s, err := NewSQLStorage(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStorage wraps an open database and creates the runs table if needed.
func NewSQLStorage(db *sql.DB, dialect string) (*SQLStorage, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("%w: unsupported sql dialect %q", types.ErrFatalConfiguration, dialect)
	}
	s := &SQLStorage{db: db, dialect: dialect}
	if _, err := db.ExecContext(context.Background(), runsSchema); err != nil {
		return nil, fmt.Errorf("migrate workflow_runs: %w", err)
	}
	return s, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveRun upserts the run row.
func (s *SQLStorage) SaveRun(ctx context.Context, run types.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}
	query := s.rebind(`INSERT INTO workflow_runs (id, kind, status, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`)
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Kind, string(run.Status), string(data), run.CreatedAt.UnixMilli(), run.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLStorage) GetRun(ctx context.Context, id string) (types.WorkflowRun, error) {
	var (
		run  types.WorkflowRun
		data string
	)
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM workflow_runs WHERE id = ?`), id)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		}
		return run, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return run, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns pushes the kind filter into SQL and applies the rest in memory.
func (s *SQLStorage) ListRuns(ctx context.Context, filter RunFilter) ([]types.WorkflowRun, error) {
	query := `SELECT data FROM workflow_runs`
	var args []any
	if filter.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.WorkflowRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run types.WorkflowRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		if filter.Match(run) {
			out = append(out, run)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Archive deletes terminal runs updated before the cutoff.
func (s *SQLStorage) Archive(ctx context.Context, before time.Time) (int, error) {
	query := s.rebind(`DELETE FROM workflow_runs WHERE status IN (?, ?, ?) AND updated_at < ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(types.RunCompleted), string(types.RunFailed), string(types.RunCancelled), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to archive runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}
