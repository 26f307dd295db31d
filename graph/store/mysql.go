package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLRunStore is the multi-worker RunStore backend: same
// runs/attempts/checkpoints schema as SQLiteRunStore, but ClaimNext uses
// real row-level locking (SELECT ... FOR UPDATE SKIP LOCKED, MySQL 8+) so N
// workers claim distinct runs under contention without blocking each other,
// type MySQLRunStore struct {
	db *sql.DB
}

// NewMySQLRunStore opens (and migrates) a MySQL-backed RunStore. dsn follows
// go-sql-driver/mysql's DSN format, e.g.
// "user:pass@tcp(localhost:3306)/gradeflow?parseTime=true".
func NewMySQLRunStore(dsn string) (*MySQLRunStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLRunStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLRunStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(64) PRIMARY KEY,
			graph_name VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input_payload LONGBLOB,
			output_payload LONGBLOB,
			idempotency_key VARCHAR(255) UNIQUE,
			claimed_by VARCHAR(128),
			claimed_until DATETIME(6),
			cancel_requested TINYINT NOT NULL DEFAULT 0,
			resume_payload LONGBLOB,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6),
			error TEXT,
			INDEX idx_runs_status (status, graph_name, created_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS attempts (
			attempt_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			attempt_number INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6),
			error TEXT,
			UNIQUE KEY uq_attempt (run_id, attempt_number),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id VARCHAR(64) NOT NULL,
			checkpoint_id VARCHAR(64) NOT NULL,
			parent_checkpoint_id VARCHAR(64),
			node_id VARCHAR(128) NOT NULL,
			state_snapshot LONGBLOB NOT NULL,
			metadata LONGBLOB,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (run_id, checkpoint_id),
			INDEX idx_checkpoints_run_created (run_id, created_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS node_intents (
			run_id VARCHAR(64) PRIMARY KEY,
			node_id VARCHAR(128) NOT NULL,
			attempt INT NOT NULL,
			input LONGBLOB NOT NULL,
			created_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS latest_state (
			run_id VARCHAR(64) PRIMARY KEY,
			node_id VARCHAR(128) NOT NULL,
			state_snapshot LONGBLOB NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS interrupts (
			run_id VARCHAR(64) PRIMARY KEY,
			node_id VARCHAR(128) NOT NULL,
			state_snapshot LONGBLOB NOT NULL,
			payload LONGBLOB
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLRunStore) CreateRun(ctx context.Context, run Run) error {
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

func (s *MySQLRunStore) FindByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
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

func (s *MySQLRunStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, graph_name, status, input_payload, output_payload, idempotency_key,
			claimed_by, claimed_until, cancel_requested, resume_payload,
			created_at, updated_at, completed_at, error
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func (s *MySQLRunStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg *string) error {
	now := time.Now().UTC()
	isTerminal := status == StatusCompleted || status == StatusFailed || status == StatusCancelled
	var res sql.Result
	var err error
	if isTerminal {
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, updated_at = ?, completed_at = ? WHERE run_id = ?`,
			string(status), errMsg, now, now, runID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE run_id = ?`,
			string(status), errMsg, now, runID)
	}
	return checkRowsAffected(res, err, "update run status")
}

func (s *MySQLRunStore) SetOutput(ctx context.Context, runID string, output []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET output_payload = ?, updated_at = ? WHERE run_id = ?`,
		output, time.Now().UTC(), runID)
	return checkRowsAffected(res, err, "set output")
}

func (s *MySQLRunStore) RequestCancel(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET cancel_requested = 1, updated_at = ?,
			status = CASE WHEN status IN ('pending','paused') THEN 'cancelled' ELSE status END,
			completed_at = CASE WHEN status IN ('pending','paused') THEN ? ELSE completed_at END
		WHERE run_id = ?`, now, now, runID)
	return checkRowsAffected(res, err, "request cancel")
}

func (s *MySQLRunStore) SetResumePayload(ctx context.Context, runID string, payload []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET resume_payload = ?, status = 'pending', updated_at = ? WHERE run_id = ?`,
		payload, time.Now().UTC(), runID)
	return checkRowsAffected(res, err, "set resume payload")
}

func (s *MySQLRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
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

// ClaimNext uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// each lock a distinct candidate row instead of queueing behind one lock,
// satisfying "N workers make progress without contention".
func (s *MySQLRunStore) ClaimNext(ctx context.Context, workerID string, graphNames []GraphName, lease time.Duration) (Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT run_id FROM runs WHERE status = 'pending'`
	var args []any
	if len(graphNames) > 0 {
		placeholders := make([]string, len(graphNames))
		for i, g := range graphNames {
			placeholders[i] = "?"
			args = append(args, string(g))
		}
		query += " AND graph_name IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED"

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

func (s *MySQLRunStore) HeartbeatClaim(ctx context.Context, runID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET claimed_until = ? WHERE run_id = ? AND claimed_by = ?`,
		time.Now().UTC().Add(lease), runID, workerID)
	return checkRowsAffected(res, err, "heartbeat claim")
}

func (s *MySQLRunStore) ReleaseExpiredClaims(ctx context.Context) (int, error) {
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

func (s *MySQLRunStore) RecordAttempt(ctx context.Context, attempt Attempt) error {
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

func (s *MySQLRunStore) CompleteAttempt(ctx context.Context, attemptID string, status RunStatus, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?, completed_at = ?, error = ? WHERE attempt_id = ?`,
		string(status), time.Now().UTC(), errMsg, attemptID)
	return checkRowsAffected(res, err, "complete attempt")
}

func (s *MySQLRunStore) NextAttemptNumber(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n + 1, nil
}

func (s *MySQLRunStore) SaveIntent(ctx context.Context, runID, nodeID string, attempt int, input []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_intents (run_id, node_id, attempt, input, created_at) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE node_id = VALUES(node_id), attempt = VALUES(attempt),
			input = VALUES(input), created_at = VALUES(created_at)`,
		runID, nodeID, attempt, input, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	return nil
}

func (s *MySQLRunStore) CommitStep(ctx context.Context, runID, nodeID string, state []byte) error {
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
		ON DUPLICATE KEY UPDATE node_id = VALUES(node_id), state_snapshot = VALUES(state_snapshot)`,
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

func (s *MySQLRunStore) LoadLatest(ctx context.Context, runID string) ([]byte, string, bool, error) {
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

func (s *MySQLRunStore) LoadPendingIntent(ctx context.Context, runID string) (string, int, []byte, bool, error) {
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

func (s *MySQLRunStore) SaveInterrupt(ctx context.Context, runID, nodeID string, state []byte, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interrupts (run_id, node_id, state_snapshot, payload) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE node_id = VALUES(node_id), state_snapshot = VALUES(state_snapshot),
			payload = VALUES(payload)`,
		runID, nodeID, state, payload)
	if err != nil {
		return fmt.Errorf("save interrupt: %w", err)
	}
	return nil
}

func (s *MySQLRunStore) LoadInterrupt(ctx context.Context, runID string) (string, []byte, []byte, bool, error) {
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

func (s *MySQLRunStore) ClearInterrupt(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interrupts WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("clear interrupt: %w", err)
	}
	return nil
}

func (s *MySQLRunStore) SaveCheckpoint(ctx context.Context, cp CheckpointRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, checkpoint_id, parent_checkpoint_id, node_id, state_snapshot, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.CheckpointID, cp.ParentCheckpointID, cp.NodeID, cp.StateSnapshot, cp.Metadata, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *MySQLRunStore) PruneCheckpoints(ctx context.Context, runID string, keepLatest int) error {
	if keepLatest <= 0 {
		keepLatest = 1
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE c FROM checkpoints c
		LEFT JOIN (
			SELECT checkpoint_id FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC LIMIT ?
		) keep ON c.checkpoint_id = keep.checkpoint_id
		WHERE c.run_id = ? AND keep.checkpoint_id IS NULL`, runID, keepLatest, runID)
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

func (s *MySQLRunStore) Close() error {
	return s.db.Close()
}

var _ RunStore = (*MySQLRunStore)(nil)
