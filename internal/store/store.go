package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store indexes sealed runs in PostgreSQL. The run directory remains the source of truth.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

const (
	sqlCreateRuns = `
        CREATE TABLE IF NOT EXISTS mission_runs (
            run_id          TEXT PRIMARY KEY,
            target_kind     TEXT NOT NULL,
            target_location TEXT NOT NULL,
            result          TEXT NOT NULL,
            stop_reason     TEXT NOT NULL,
            started_at      TIMESTAMPTZ NOT NULL,
            ended_at        TIMESTAMPTZ NOT NULL,
            iteration_count INTEGER NOT NULL,
            error_count     INTEGER NOT NULL,
            error           TEXT NOT NULL DEFAULT '',
            artifact_dir    TEXT NOT NULL
        );
    `
	sqlCreateIterations = `
        CREATE TABLE IF NOT EXISTS mission_iterations (
            run_id         TEXT NOT NULL REFERENCES mission_runs(run_id) ON DELETE CASCADE,
            iteration      INTEGER NOT NULL,
            verdict_status TEXT NOT NULL,
            rationale      TEXT NOT NULL DEFAULT '',
            elapsed_ms     BIGINT NOT NULL,
            action_count   INTEGER NOT NULL,
            failed_actions INTEGER NOT NULL,
            credential     TEXT NOT NULL DEFAULT '',
            error          TEXT NOT NULL DEFAULT '',
            PRIMARY KEY (run_id, iteration)
        );
    `
	sqlUpsertRun = `
        INSERT INTO mission_runs (run_id, target_kind, target_location, result, stop_reason, started_at, ended_at, iteration_count, error_count, error, artifact_dir)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (run_id) DO UPDATE SET
            result = EXCLUDED.result,
            stop_reason = EXCLUDED.stop_reason,
            ended_at = EXCLUDED.ended_at,
            iteration_count = EXCLUDED.iteration_count,
            error_count = EXCLUDED.error_count,
            error = EXCLUDED.error;
    `
	sqlInsertIteration = `
        INSERT INTO mission_iterations (run_id, iteration, verdict_status, rationale, elapsed_ms, action_count, failed_actions, credential, error)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (run_id, iteration) DO NOTHING;
    `
	sqlRecentRuns = `
        SELECT run_id, target_kind, target_location, result, stop_reason, started_at, ended_at, iteration_count, error_count, artifact_dir
        FROM mission_runs
        ORDER BY started_at DESC
        LIMIT $1;
    `
)

// Connect opens a pgx pool for url and wraps it in a Store.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the index tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateRuns, sqlCreateIterations} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// IndexRun upserts a sealed run and its iterations in one transaction.
func (s *Store) IndexRun(ctx context.Context, dir string, summary schemas.Summary, iterations []schemas.Iteration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlUpsertRun,
		summary.RunID,
		string(summary.Target.Kind),
		summary.Target.Location,
		string(summary.Result),
		string(summary.StopReason),
		summary.StartedAt.UTC(),
		summary.EndedAt.UTC(),
		summary.IterationCount,
		summary.ErrorCount,
		summary.Error,
		dir,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", summary.RunID, err)
	}

	if len(iterations) > 0 {
		if err := s.insertIterations(ctx, tx, summary.RunID, iterations); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Run indexed.", zap.String("run_id", summary.RunID), zap.Int("iterations", len(iterations)))
	return nil
}

func (s *Store) insertIterations(ctx context.Context, tx pgx.Tx, runID string, iterations []schemas.Iteration) error {
	batch := &pgx.Batch{}
	for i := range iterations {
		it := &iterations[i]
		rationale := ""
		if it.Verdict != nil {
			rationale = it.Verdict.Rationale
		}
		batch.Queue(sqlInsertIteration,
			runID,
			it.Number,
			it.VerdictLabel(),
			rationale,
			it.ElapsedMs,
			len(it.Actions),
			it.FailedActions(),
			it.Credential,
			it.Error,
		)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range iterations {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert iteration %d: %w", iterations[i].Number, err)
		}
	}
	return nil
}

// RunRow is one indexed run.
type RunRow struct {
	RunID          string    `json:"run_id"`
	TargetKind     string    `json:"target_kind"`
	TargetLocation string    `json:"target_location"`
	Result         string    `json:"result"`
	StopReason     string    `json:"stop_reason"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	IterationCount int       `json:"iteration_count"`
	ErrorCount     int       `json:"error_count"`
	ArtifactDir    string    `json:"artifact_dir"`
}

// RecentRuns lists the latest indexed runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	rows, err := s.pool.Query(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(
			&r.RunID, &r.TargetKind, &r.TargetLocation, &r.Result, &r.StopReason,
			&r.StartedAt, &r.EndedAt, &r.IterationCount, &r.ErrorCount, &r.ArtifactDir,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
