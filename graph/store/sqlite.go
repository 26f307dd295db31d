package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRunStore is the default RunStore backend: a single-file database
// covering the runs/attempts/checkpoints tables, in the prior engine's
// SQLiteStore idiom (WAL mode, busy_timeout, single writer).
//
// SQLite has no row-level SELECT ... FOR UPDATE SKIP LOCKED; ClaimNext
// instead serializes through the single-writer connection pool
// (db.SetMaxOpenConns(1)), a process-local mutex, and one transaction per
// claim, giving the same
// at-most-one-claimant-per-run guarantee for the single-process deployments
// SQLite targets. MySQLRunStore uses real SKIP LOCKED for multi-process
// deployments.
type SQLiteRunStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRunStore opens (and migrates) a SQLite-backed RunStore. path may
// be a file path or ":memory:" for ephemeral use in tests.
func NewSQLiteRunStore(path string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteRunStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input_payload BLOB,
			output_payload BLOB,
			idempotency_key TEXT UNIQUE,
			claimed_by TEXT,
			claimed_until TIMESTAMP,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			resume_payload BLOB,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, graph_name)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			attempt_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			attempt_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error TEXT,
			UNIQUE(run_id, attempt_number)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			node_id TEXT NOT NULL,
			state_snapshot BLOB NOT NULL,
			metadata BLOB,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY(run_id, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run_created ON checkpoints(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS node_intents (
			run_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			input BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS latest_state (
			run_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			state_snapshot BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interrupts (
			run_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			state_snapshot BLOB NOT NULL,
			payload BLOB
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteRunStore) CreateRun(ctx context.Context, run Run) error {
	now := run.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, graph_name, status, input_payload, output_payload,
			idempotency_key, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		run.RunID, string(run.GraphName), string(run.Status), run.InputPayload, run.OutputPayload,
		run.IdempotencyKey, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) FindByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM runs WHERE idempotency_key = ?`, key).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find by idempotency key: %w", err)
	}
	return runID, true, nil
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, graph_name, status, input_payload, output_payload, idempotency_key,
			claimed_by, claimed_until, cancel_requested, resume_payload,
			created_at, updated_at, completed_at, error
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (Run, error) {
	var run Run
	var graphName, status string
	var cancelRequested int
	err := row.Scan(&run.RunID, &graphName, &status, &run.InputPayload, &run.OutputPayload,
		&run.IdempotencyKey, &run.ClaimedBy, &run.ClaimedUntil, &cancelRequested, &run.ResumePayload,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt, &run.Error)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.GraphName = GraphName(graphName)
	run.Status = RunStatus(status)
	run.CancelRequested = cancelRequested != 0
	return run, nil
}

func (s *SQLiteRunStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg *string) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		completedAt = &now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, updated_at = ?,
			completed_at = COALESCE(?, completed_at)
		WHERE run_id = ?`, string(status), errMsg, now, completedAt, runID)
	return checkRowsAffected(res, err, "update run status")
}

func (s *SQLiteRunStore) SetOutput(ctx context.Context, runID string, output []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET output_payload = ?, updated_at = ? WHERE run_id = ?`,
		output, time.Now().UTC(), runID)
	return checkRowsAffected(res, err, "set output")
}

func (s *SQLiteRunStore) RequestCancel(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET cancel_requested = 1, updated_at = ?,
			status = CASE WHEN status IN ('pending','paused') THEN 'cancelled' ELSE status END,
			completed_at = CASE WHEN status IN ('pending','paused') THEN ? ELSE completed_at END
		WHERE run_id = ?`, now, now, runID)
	return checkRowsAffected(res, err, "request cancel")
}

func (s *SQLiteRunStore) SetResumePayload(ctx context.Context, runID string, payload []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET resume_payload = ?, status = 'pending', updated_at = ? WHERE run_id = ?`,
		payload, time.Now().UTC(), runID)
	return checkRowsAffected(res, err, "set resume payload")
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT run_id, graph_name, status, input_payload, output_payload, idempotency_key,
			claimed_by, claimed_until, cancel_requested, resume_payload,
			created_at, updated_at, completed_at, error FROM runs WHERE 1=1`
	var args []any
	if filter.GraphName != "" {
		query += " AND graph_name = ?"
		args = append(args, string(filter.GraphName))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var graphName, status string
		var cancelRequested int
		if err := rows.Scan(&run.RunID, &graphName, &status, &run.InputPayload, &run.OutputPayload,
			&run.IdempotencyKey, &run.ClaimedBy, &run.ClaimedUntil, &cancelRequested, &run.ResumePayload,
			&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.GraphName = GraphName(graphName)
		run.Status = RunStatus(status)
		run.CancelRequested = cancelRequested != 0
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimNext serializes claims through a single transaction on the
// single-writer connection: select the oldest pending run of an allowed
// graph, mark it RUNNING under workerID with a fresh lease.
func (s *SQLiteRunStore) ClaimNext(ctx context.Context, workerID string, graphNames []GraphName, lease time.Duration) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT run_id FROM runs WHERE status = 'pending'`
	var args []any
	if len(graphNames) > 0 {
		placeholders := ""
		for i, g := range graphNames {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(g))
		}
		query += " AND graph_name IN (" + placeholders + ")"
	}
	query += " ORDER BY created_at ASC LIMIT 1"

	var runID string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("claim query: %w", err)
	}

	now := time.Now().UTC()
	until := now.Add(lease)
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = 'running', claimed_by = ?, claimed_until = ?, updated_at = ?
		WHERE run_id = ?`, workerID, until, now, runID); err != nil {
		return Run{}, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetRun(ctx, runID)
}

func (s *SQLiteRunStore) HeartbeatClaim(ctx context.Context, runID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET claimed_until = ? WHERE run_id = ? AND claimed_by = ?`,
		time.Now().UTC().Add(lease), runID, workerID)
	return checkRowsAffected(res, err, "heartbeat claim")
}

func (s *SQLiteRunStore) ReleaseExpiredClaims(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'pending', claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE status = 'running' AND claimed_until IS NOT NULL AND claimed_until < ?`,
		time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteRunStore) RecordAttempt(ctx context.Context, attempt Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (attempt_id, run_id, attempt_number, status, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.AttemptID, attempt.RunID, attempt.AttemptNumber, string(attempt.Status),
		attempt.StartedAt, attempt.CompletedAt, attempt.Error)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) CompleteAttempt(ctx context.Context, attemptID string, status RunStatus, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?, completed_at = ?, error = ? WHERE attempt_id = ?`,
		string(status), time.Now().UTC(), errMsg, attemptID)
	return checkRowsAffected(res, err, "complete attempt")
}

func (s *SQLiteRunStore) NextAttemptNumber(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n + 1, nil
}

func (s *SQLiteRunStore) SaveIntent(ctx context.Context, runID, nodeID string, attempt int, input []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_intents (run_id, node_id, attempt, input, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET node_id = excluded.node_id, attempt = excluded.attempt,
			input = excluded.input, created_at = excluded.created_at`,
		runID, nodeID, attempt, input, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	return nil
}

// CommitStep clears the matching intent and writes latest_state plus a new
// checkpoint row, atomically — the pairing requires so a crash
// mid-node leaves either the intent (replay) or the commit (done), never
// both dangling.
func (s *SQLiteRunStore) CommitStep(ctx context.Context, runID, nodeID string, state []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit step: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_intents WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear intent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO latest_state (run_id, node_id, state_snapshot) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET node_id = excluded.node_id, state_snapshot = excluded.state_snapshot`,
		runID, nodeID, state); err != nil {
		return fmt.Errorf("save latest state: %w", err)
	}

	var parent sql.NullString
	_ = tx.QueryRowContext(ctx, `
		SELECT checkpoint_id FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`, runID).Scan(&parent)

	cpID := uuid.NewString()
	var parentPtr *string
	if parent.Valid {
		parentPtr = &parent.String
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, checkpoint_id, parent_checkpoint_id, node_id, state_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, cpID, parentPtr, nodeID, state, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteRunStore) LoadLatest(ctx context.Context, runID string) ([]byte, string, bool, error) {
	var state []byte
	var nodeID string
	err := s.db.QueryRowContext(ctx, `SELECT node_id, state_snapshot FROM latest_state WHERE run_id = ?`, runID).
		Scan(&nodeID, &state)
	if err == sql.ErrNoRows {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("load latest: %w", err)
	}
	return state, nodeID, true, nil
}

func (s *SQLiteRunStore) LoadPendingIntent(ctx context.Context, runID string) (string, int, []byte, bool, error) {
	var nodeID string
	var attempt int
	var input []byte
	err := s.db.QueryRowContext(ctx, `SELECT node_id, attempt, input FROM node_intents WHERE run_id = ?`, runID).
		Scan(&nodeID, &attempt, &input)
	if err == sql.ErrNoRows {
		return "", 0, nil, false, nil
	}
	if err != nil {
		return "", 0, nil, false, fmt.Errorf("load pending intent: %w", err)
	}
	return nodeID, attempt, input, true, nil
}

func (s *SQLiteRunStore) SaveInterrupt(ctx context.Context, runID, nodeID string, state []byte, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interrupts (run_id, node_id, state_snapshot, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET node_id = excluded.node_id, state_snapshot = excluded.state_snapshot,
			payload = excluded.payload`,
		runID, nodeID, state, payload)
	if err != nil {
		return fmt.Errorf("save interrupt: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) LoadInterrupt(ctx context.Context, runID string) (string, []byte, []byte, bool, error) {
	var nodeID string
	var state, payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT node_id, state_snapshot, payload FROM interrupts WHERE run_id = ?`, runID).
		Scan(&nodeID, &state, &payload)
	if err == sql.ErrNoRows {
		return "", nil, nil, false, nil
	}
	if err != nil {
		return "", nil, nil, false, fmt.Errorf("load interrupt: %w", err)
	}
	return nodeID, state, payload, true, nil
}

func (s *SQLiteRunStore) ClearInterrupt(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interrupts WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("clear interrupt: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) SaveCheckpoint(ctx context.Context, cp CheckpointRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, checkpoint_id, parent_checkpoint_id, node_id, state_snapshot, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.CheckpointID, cp.ParentCheckpointID, cp.NodeID, cp.StateSnapshot, cp.Metadata, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// PruneCheckpoints keeps only the keepLatest most recent checkpoints of
// runID; keepLatest <= 0 is treated as 1, so the latest checkpoint is always
// retained. The run's status is not consulted.
func (s *SQLiteRunStore) PruneCheckpoints(ctx context.Context, runID string, keepLatest int) error {
	if keepLatest <= 0 {
		keepLatest = 1
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE run_id = ? AND checkpoint_id NOT IN (
			SELECT checkpoint_id FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC LIMIT ?
		)`, runID, runID, keepLatest)
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func checkRowsAffected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

var _ RunStore = (*SQLiteRunStore)(nil)
