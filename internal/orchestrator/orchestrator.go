// Package orchestrator implements gradeflow's public façade: StartRun, GetStatus, Cancel, Retry, ListRuns, SendEvent. It owns
// run-record lifecycle and idempotency; it never executes a graph itself —
// that is the Worker Pool's job (package worker), which polls the same
// store.RunStore for PENDING/resumable runs.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/gradeflow/graph/store"
)

// Sentinel errors surfaced by the orchestrator's public operations,
// matching error table (INVALID_PAYLOAD, IDEMPOTENCY_CONFLICT,
// NOT_FOUND, NOT_FAILED, NOT_PAUSED).
var (
	ErrInvalidPayload      = errors.New("orchestrator: invalid payload")
	ErrIdempotencyConflict = errors.New("orchestrator: idempotency conflict: same key, different payload")
	ErrNotFound            = errors.New("orchestrator: run not found")
	ErrNotFailed           = errors.New("orchestrator: retry requires a FAILED run")
	ErrNotPaused           = errors.New("orchestrator: send_event requires a PAUSED run")
)

// RunInfo is GetStatus/ListRuns' read view of a run, combining the run
// record with the stage/fraction in its latest checkpoint.
type RunInfo struct {
	RunID     string
	GraphName store.GraphName
	Status    store.RunStatus
	Progress  Progress
	CreatedAt time.Time
	UpdatedAt time.Time
	Error     *string
}

// Progress mirrors the engine-required `progress` channel every graph's
// state carries: a stage label and a [0,1] completion fraction. It is
// read back out of the latest checkpoint's JSON without the orchestrator
// needing to know which of the three concrete state types produced it,
// since all three name the field identically ("Progress").
type Progress struct {
	Stage    string  `json:"Stage"`
	Fraction float64 `json:"Fraction"`
}

// Orchestrator implements over a store.RunStore. It holds no
// in-memory run state of its own — every operation is a thin, serialized
// transformation of the runs table, safe for concurrent callers across
// process boundaries (the State Store's unique constraint and row locking
// is what actually serializes concurrent StartRun/SendEvent calls).
type Orchestrator struct {
	store store.RunStore
}

// New builds an Orchestrator over store.
func New(s store.RunStore) *Orchestrator {
	return &Orchestrator{store: s}
}

// StartRun creates a PENDING run for graphName with payload, returning its
// run_id. It does not execute the graph — a Worker picks it up. With
// idempotencyKey set, a prior run registered under the same key is
// returned unchanged; a different payload under the
// same key is ErrIdempotencyConflict. Two concurrent
// callers with the same key race on store.CreateRun's unique constraint,
// not on an application lock (P1): the loser re-reads the winner's row.
func (o *Orchestrator) StartRun(ctx context.Context, graphName store.GraphName, payload map[string]any, idempotencyKey *string) (string, error) {
	if payload == nil {
		return "", ErrInvalidPayload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if idempotencyKey != nil && *idempotencyKey != "" {
		if runID, found, err := o.store.FindByIdempotencyKey(ctx, *idempotencyKey); err != nil {
			return "", err
		} else if found {
			return o.checkIdempotentPayload(ctx, runID, raw)
		}
	}

	now := time.Now().UTC()
	runID := uuid.NewString()
	run := store.Run{
		RunID:          runID,
		GraphName:      graphName,
		Status:         store.StatusPending,
		InputPayload:   raw,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrIdempotencyConflict) && idempotencyKey != nil {
			// Lost the create race: another StartRun call with the same key
			// won between our lookup and our insert. Re-read its row rather
			// than surfacing the race as an error (P1).
			if winnerID, found, ferr := o.store.FindByIdempotencyKey(ctx, *idempotencyKey); ferr == nil && found {
				return o.checkIdempotentPayload(ctx, winnerID, raw)
			}
		}
		return "", err
	}
	return runID, nil
}

// checkIdempotentPayload compares an already-registered run's input
// payload fingerprint against a new StartRun call's payload, returning
// the existing run_id on a match or ErrIdempotencyConflict otherwise.
func (o *Orchestrator) checkIdempotentPayload(ctx context.Context, runID string, raw []byte) (string, error) {
	existing, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(existing.InputPayload, raw) {
		return "", ErrIdempotencyConflict
	}
	return runID, nil
}

// GetStatus reads the run row and its latest checkpoint, returning the
// progress most recently committed.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (RunInfo, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RunInfo{}, ErrNotFound
		}
		return RunInfo{}, err
	}
	return o.runInfo(ctx, run, true), nil
}

func (o *Orchestrator) runInfo(ctx context.Context, run store.Run, withProgress bool) RunInfo {
	info := RunInfo{
		RunID:     run.RunID,
		GraphName: run.GraphName,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
		Error:     run.Error,
	}
	if withProgress {
		if raw, _, found, err := o.store.LoadLatest(ctx, run.RunID); err == nil && found {
			var view struct{ Progress Progress }
			if json.Unmarshal(raw, &view) == nil {
				info.Progress = view.Progress
			}
		}
	}
	return info
}

// Cancel sets cancel_requested and, if the run is PENDING or PAUSED, marks
// it CANCELLED immediately. Idempotent: a second Cancel
// call, or a Cancel on an already-terminal run, returns false without
// error. A RUNNING run is only flagged here — the next worker node
// boundary observes cancel_requested and transitions it.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	if isTerminal(run.Status) {
		return false, nil
	}
	if err := o.store.RequestCancel(ctx, runID); err != nil {
		return false, err
	}
	return true, nil
}

// Retry creates a fresh run of the same graph with the original
// input_payload, permitted only when the original run is FAILED. It does not touch the original run's checkpoints or status.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (string, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if run.Status != store.StatusFailed {
		return "", ErrNotFailed
	}

	now := time.Now().UTC()
	newRunID := uuid.NewString()
	newRun := store.Run{
		RunID:        newRunID,
		GraphName:    run.GraphName,
		Status:       store.StatusPending,
		InputPayload: run.InputPayload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreateRun(ctx, newRun); err != nil {
		return "", err
	}
	return newRunID, nil
}

// ListRuns returns RunInfo for every run matching filter, paginated via
// filter.Limit/Offset. Progress is omitted here (unlike GetStatus) to
// avoid one extra checkpoint read per row on what is meant to be a
// lightweight listing endpoint; callers that need a run's progress call
// GetStatus for that run_id.
func (o *Orchestrator) ListRuns(ctx context.Context, filter store.RunFilter) ([]RunInfo, error) {
	runs, err := o.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	infos := make([]RunInfo, len(runs))
	for i, run := range runs {
		infos[i] = o.runInfo(ctx, run, false)
	}
	return infos, nil
}

// SendEvent delivers an external event to a PAUSED run, writing
// resume_payload and flipping status back to PENDING so the next worker
// that claims the run resumes the interrupted node with it. Valid only while status == PAUSED.
func (o *Orchestrator) SendEvent(ctx context.Context, runID string, eventType string, eventData any) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	if run.Status != store.StatusPaused {
		return false, ErrNotPaused
	}

	payload, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"event_data": eventData,
	})
	if err != nil {
		return false, fmt.Errorf("orchestrator: marshal resume payload: %w", err)
	}
	if err := o.store.SetResumePayload(ctx, runID, payload); err != nil {
		return false, err
	}
	return true, nil
}

func isTerminal(s store.RunStatus) bool {
	switch s {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
		return true
	default:
		return false
	}
}
