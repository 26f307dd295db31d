// Package store provides durable persistence for gradeflow runs: the runs,
// attempts, and checkpoints tables, behind one RunStore interface with
// SQLite (default), MySQL, and in-memory backends.
//
// Unlike the prior engine's Store[S], which was generic over one workflow's
// state type, RunStore is deliberately non-generic: a single runs table
// must hold ExamPaper, BatchGrading, and RuleUpgrade runs uniformly, so
// state is carried as json.RawMessage. graph.CheckpointStore[S] —
// the generic, per-graph interface the Engine actually depends on — is
// bridged on top via NewCheckpointAdapter.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run, attempt, or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrIdempotencyConflict is returned by CreateRun when a run already exists
// under the same idempotency key, realizing exactly-once
// StartRun guarantee via a unique database constraint rather than
// application-level locking.
var ErrIdempotencyConflict = errors.New("idempotency conflict: run already exists for this key")

// GraphName identifies which graph a run executes.
type GraphName string

const (
	GraphExamPaper     GraphName = "exam_paper"
	GraphBatchGrading  GraphName = "batch_grading"
	GraphRuleUpgrade   GraphName = "rule_upgrade"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Run is one durable workflow execution.
type Run struct {
	RunID           string
	GraphName       GraphName
	Status          RunStatus
	InputPayload    []byte
	OutputPayload   []byte
	IdempotencyKey  *string
	ClaimedBy       *string
	ClaimedUntil    *time.Time
	CancelRequested bool
	ResumePayload   []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	Error           *string
}

// Attempt is one worker's execution attempt of a run.
type Attempt struct {
	AttemptID     string
	RunID         string
	AttemptNumber int
	Status        RunStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	Error         *string
}

// CheckpointRecord is a durable, tree-shaped snapshot of a run's graph
// execution state — generalizing the prior engine's flat per-(run,step)
// CheckpointV2 to carry a parent link, since a Send fan-out creates branch
// points that must be reconstructable during replay.
type CheckpointRecord struct {
	RunID              string
	CheckpointID       string
	ParentCheckpointID *string
	NodeID             string
	StateSnapshot      []byte
	Metadata           []byte
	CreatedAt          time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	GraphName GraphName
	Status    RunStatus
	Limit     int
	Offset    int
}

// RunStore is the full persistence contract: run lifecycle, worker
// claiming, and the intent/commit/interrupt primitives graph.CheckpointStore
// bridges to.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg *string) error
	SetOutput(ctx context.Context, runID string, output []byte) error
	RequestCancel(ctx context.Context, runID string) error
	// SetResumePayload implements SendEvent's effect on the run row: write
	// resume_payload and flip status back to PENDING so a worker re-claims it.
	SetResumePayload(ctx context.Context, runID string, payload []byte) error
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	// FindByIdempotencyKey returns the run_id already registered for key, for
	// StartRun's exactly-once-start check.
	FindByIdempotencyKey(ctx context.Context, key string) (string, bool, error)

	// ClaimNext atomically claims one pending/retryable run of the given
	// graph names for workerID, setting ClaimedUntil = now + lease. Returns
	// ErrNotFound if nothing is claimable.
	ClaimNext(ctx context.Context, workerID string, graphNames []GraphName, lease time.Duration) (Run, error)
	HeartbeatClaim(ctx context.Context, runID, workerID string, lease time.Duration) error
	ReleaseExpiredClaims(ctx context.Context) (int, error)

	RecordAttempt(ctx context.Context, attempt Attempt) error
	CompleteAttempt(ctx context.Context, attemptID string, status RunStatus, errMsg *string) error
	// NextAttemptNumber returns the dense, monotone attempt number for runID
	//.
	NextAttemptNumber(ctx context.Context, runID string) (int, error)

	// SaveIntent/CommitStep/LoadLatest/LoadPendingIntent implement the
	// crash-safe intent+poststate pair graph.CheckpointStore needs.
	SaveIntent(ctx context.Context, runID, nodeID string, attempt int, input []byte) error
	CommitStep(ctx context.Context, runID, nodeID string, state []byte) error
	LoadLatest(ctx context.Context, runID string) (state []byte, nodeID string, found bool, err error)
	LoadPendingIntent(ctx context.Context, runID string) (nodeID string, attempt int, input []byte, found bool, err error)

	SaveInterrupt(ctx context.Context, runID, nodeID string, state []byte, payload []byte) error
	LoadInterrupt(ctx context.Context, runID string) (nodeID string, state []byte, payload []byte, found bool, err error)
	ClearInterrupt(ctx context.Context, runID string) error

	SaveCheckpoint(ctx context.Context, cp CheckpointRecord) error
	PruneCheckpoints(ctx context.Context, runID string, keepLatest int) error

	Close() error
}
