package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/cmscan/pkg/api"
)

// Store is the SQLite-backed run ledger.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	ConfigPath string
	JobCount   int
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Writes are serialized anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// BeginRun records a new run and returns its id.
func (s *Store) BeginRun(ctx context.Context, configPath string, jobCount int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, config_path, job_count) VALUES (?, ?, ?, ?)`,
		id, time.Now().UnixMilli(), configPath, jobCount)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// RecordResults stores every job result of a run and marks it finished.
func (s *Store) RecordResults(ctx context.Context, runID string, results []JobResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs
		(run_id, seq, name, input, status, elapsed_ms, exit_code, summary, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, r := range results {
		p := r.Public()
		if !p.Status.Terminal() {
			return fmt.Errorf("job %s: status %q is not final", p.Name, p.Status)
		}
		if _, err := stmt.ExecContext(ctx, runID, r.Seq, p.Name, p.Input, string(p.Status),
			p.ElapsedMS, p.ExitCode, p.Summary, p.Error); err != nil {
			return fmt.Errorf("insert job %s: %w", p.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return tx.Commit()
}

// Runs lists the most recent runs first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, config_path, job_count FROM runs
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.ConfigPath, &r.JobCount); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Jobs returns the job results of one run in submission order.
func (s *Store) Jobs(ctx context.Context, runID string) ([]api.JobSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, input, status, elapsed_ms, exit_code, summary, error FROM jobs
		 WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []api.JobSummary
	for rows.Next() {
		var (
			j      api.JobSummary
			status string
		)
		if err := rows.Scan(&j.Name, &j.Input, &status, &j.ElapsedMS, &j.ExitCode, &j.Summary, &j.Error); err != nil {
			return nil, err
		}
		j.Status = api.RunStatus(status)
		out = append(out, j)
	}
	return out, rows.Err()
}
