// Package audit records run history in Postgres. Recording is best-effort:
// callers log a warning on failure and the run's outcome is never affected.
// History rows are read by the history command and the status surface, never
// by the engine itself.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/sync"
)

// Run triggers.
const (
	TriggerCLI   = "cli"
	TriggerBot   = "bot"
	TriggerQueue = "queue"
)

// Run is one recorded engine run.
type Run struct {
	ID         string        `json:"run_id"`
	Mode       string        `json:"mode"`
	Trigger    string        `json:"trigger"`
	TeamID     string        `json:"team_id,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Results    []sync.Result `json:"results,omitempty"`
}

// NewRun assembles a Run from a finished reconciliation.
func NewRun(id, mode, trigger, teamID string, startedAt, finishedAt time.Time, results []sync.Result) Run {
	succeeded, skipped, failed := sync.Tally(results)
	return Run{
		ID:         id,
		Mode:       mode,
		Trigger:    trigger,
		TeamID:     teamID,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Succeeded:  succeeded,
		Skipped:    skipped,
		Failed:     failed,
		Results:    results,
	}
}

// Store persists runs through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  logging.Logger
}

// Connect opens a pool from configuration and pings it. The store writes
// once per run, so the pool stays small.
func Connect(ctx context.Context, cfg *config.AuditConfig, log logging.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing audit dsn: %w", err)
	}
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating audit pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging audit store: %w", err)
	}
	return NewStore(pool, log), nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool, log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Store{pool: pool, log: log}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sync_runs (
	run_id       TEXT PRIMARY KEY,
	mode         TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	team_id      TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_results (
	id      BIGSERIAL PRIMARY KEY,
	run_id  TEXT NOT NULL REFERENCES sync_runs(run_id) ON DELETE CASCADE,
	service TEXT NOT NULL,
	target  TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	status  TEXT NOT NULL,
	action  TEXT NOT NULL,
	error   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS sync_runs_started_at_idx ON sync_runs (started_at DESC);
CREATE INDEX IF NOT EXISTS sync_results_run_id_idx ON sync_results (run_id);
`

// EnsureSchema creates the history tables. The DDL is idempotent, so every
// writer runs it at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensuring audit schema: %w", err)
	}
	return nil
}

// RecordRun inserts the run and its result rows in one transaction.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_runs (
			run_id, mode, triggered_by, team_id, started_at, finished_at,
			succeeded, skipped, failed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID,
		run.Mode,
		run.Trigger,
		run.TeamID,
		run.StartedAt,
		run.FinishedAt,
		run.Succeeded,
		run.Skipped,
		run.Failed,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for _, r := range run.Results {
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_results (
				run_id, service, target, subject, channel, status, action, error
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			run.ID,
			r.Service,
			r.Target,
			r.Subject,
			r.Channel,
			string(r.Status),
			r.Action,
			r.Error,
		)
		if err != nil {
			return fmt.Errorf("inserting result for run %s: %w", run.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing run %s: %w", run.ID, err)
	}

	s.log.Debug("run recorded",
		logging.F("run_id", run.ID),
		logging.F("results", len(run.Results)))
	return nil
}

// RecentRuns returns the newest runs without their result rows.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT run_id, mode, triggered_by, team_id, started_at, finished_at,
			succeeded, skipped, failed
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		err := rows.Scan(
			&run.ID, &run.Mode, &run.Trigger, &run.TeamID,
			&run.StartedAt, &run.FinishedAt,
			&run.Succeeded, &run.Skipped, &run.Failed,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunResults returns the result rows of one run in insertion order.
func (s *Store) RunResults(ctx context.Context, runID string) ([]sync.Result, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service, target, subject, channel, status, action, error
		FROM sync_results
		WHERE run_id = $1
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing results for run %s: %w", runID, err)
	}
	defer rows.Close()

	var results []sync.Result
	for rows.Next() {
		var r sync.Result
		var status string
		err := rows.Scan(&r.Service, &r.Target, &r.Subject, &r.Channel, &status, &r.Action, &r.Error)
		if err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		r.Status = sync.Status(status)
		results = append(results, r)
	}
	return results, rows.Err()
}
