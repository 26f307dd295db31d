package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRunStore is an in-memory RunStore used by tests and by example wiring
// that doesn't need durability across process restarts. It implements the
// same claim/lease/intent-commit contract as the SQL backends so orchestrator
// and worker tests can run without a database.
type MemRunStore struct {
	mu sync.Mutex

	runs     map[string]Run
	idemKey  map[string]string // idempotency_key -> run_id
	attempts map[string][]Attempt

	intents    map[string]NodeIntentRecord
	latest     map[string]latestState
	interrupts map[string]interruptState
	checkpoints map[string][]CheckpointRecord
}

// NodeIntentRecord mirrors the engine's NodeIntent plus its JSON input, kept
// here (rather than imported from package graph) to avoid a store->graph
// import cycle; graph.CheckpointStore[S] only ever sees it through the
// generic adapter in adapter.go.
type NodeIntentRecord struct {
	NodeID  string
	Attempt int
	Input   []byte
}

type latestState struct {
	state  []byte
	nodeID string
}

type interruptState struct {
	nodeID  string
	state   []byte
	payload []byte
}

// NewMemRunStore creates an empty in-memory RunStore.
func NewMemRunStore() *MemRunStore {
	return &MemRunStore{
		runs:        make(map[string]Run),
		idemKey:     make(map[string]string),
		attempts:    make(map[string][]Attempt),
		intents:     make(map[string]NodeIntentRecord),
		latest:      make(map[string]latestState),
		interrupts:  make(map[string]interruptState),
		checkpoints: make(map[string][]CheckpointRecord),
	}
}

func (m *MemRunStore) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.IdempotencyKey != nil {
		if _, ok := m.idemKey[*run.IdempotencyKey]; ok {
			return ErrIdempotencyConflict
		}
	}
	m.runs[run.RunID] = run
	if run.IdempotencyKey != nil {
		m.idemKey[*run.IdempotencyKey] = run.RunID
	}
	return nil
}

func (m *MemRunStore) FindByIdempotencyKey(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runID, ok := m.idemKey[key]
	return runID, ok, nil
}

func (m *MemRunStore) GetRun(_ context.Context, runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (m *MemRunStore) UpdateRunStatus(_ context.Context, runID string, status RunStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.Error = errMsg
	run.UpdatedAt = time.Now().UTC()
	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		now := run.UpdatedAt
		run.CompletedAt = &now
	}
	m.runs[runID] = run
	return nil
}

func (m *MemRunStore) SetOutput(_ context.Context, runID string, output []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.OutputPayload = output
	run.UpdatedAt = time.Now().UTC()
	m.runs[runID] = run
	return nil
}

func (m *MemRunStore) RequestCancel(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.CancelRequested = true
	if run.Status == StatusPending || run.Status == StatusPaused {
		run.Status = StatusCancelled
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	run.UpdatedAt = time.Now().UTC()
	m.runs[runID] = run
	return nil
}

// SetResumePayload writes resume_payload and flips the run back to PENDING,
// the effect SendEvent has on the run row.
func (m *MemRunStore) SetResumePayload(_ context.Context, runID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.ResumePayload = payload
	run.Status = StatusPending
	run.UpdatedAt = time.Now().UTC()
	m.runs[runID] = run
	return nil
}

func (m *MemRunStore) ListRuns(_ context.Context, filter RunFilter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.GraphName != "" && run.GraphName != filter.GraphName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemRunStore) ClaimNext(_ context.Context, workerID string, graphNames []GraphName, lease time.Duration) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := make(map[GraphName]bool, len(graphNames))
	for _, g := range graphNames {
		allowed[g] = true
	}

	var ids []string
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now().UTC()
	for _, id := range ids {
		run := m.runs[id]
		if len(allowed) > 0 && !allowed[run.GraphName] {
			continue
		}
		if run.Status != StatusPending {
			continue
		}
		run.Status = StatusRunning
		worker := workerID
		run.ClaimedBy = &worker
		until := now.Add(lease)
		run.ClaimedUntil = &until
		run.UpdatedAt = now
		m.runs[id] = run
		return run, nil
	}
	return Run{}, ErrNotFound
}

func (m *MemRunStore) HeartbeatClaim(_ context.Context, runID, workerID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.ClaimedBy == nil || *run.ClaimedBy != workerID {
		return ErrNotFound
	}
	until := time.Now().UTC().Add(lease)
	run.ClaimedUntil = &until
	m.runs[runID] = run
	return nil
}

func (m *MemRunStore) ReleaseExpiredClaims(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	released := 0
	for id, run := range m.runs {
		if run.Status != StatusRunning || run.ClaimedUntil == nil {
			continue
		}
		if run.ClaimedUntil.Before(now) {
			run.Status = StatusPending
			run.ClaimedBy = nil
			run.ClaimedUntil = nil
			run.UpdatedAt = now
			m.runs[id] = run
			released++
		}
	}
	return released, nil
}

func (m *MemRunStore) RecordAttempt(_ context.Context, attempt Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.RunID] = append(m.attempts[attempt.RunID], attempt)
	return nil
}

func (m *MemRunStore) CompleteAttempt(_ context.Context, attemptID string, status RunStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for runID, list := range m.attempts {
		for i, a := range list {
			if a.AttemptID == attemptID {
				now := time.Now().UTC()
				list[i].Status = status
				list[i].CompletedAt = &now
				list[i].Error = errMsg
				m.attempts[runID] = list
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemRunStore) NextAttemptNumber(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts[runID]) + 1, nil
}

func (m *MemRunStore) SaveIntent(_ context.Context, runID, nodeID string, attempt int, input []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[runID] = NodeIntentRecord{NodeID: nodeID, Attempt: attempt, Input: input}
	return nil
}

func (m *MemRunStore) CommitStep(_ context.Context, runID, nodeID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intents, runID)
	m.latest[runID] = latestState{state: state, nodeID: nodeID}
	cpID := uuid.NewString()
	var parent *string
	if prev := m.checkpoints[runID]; len(prev) > 0 {
		p := prev[len(prev)-1].CheckpointID
		parent = &p
	}
	m.checkpoints[runID] = append(m.checkpoints[runID], CheckpointRecord{
		RunID:              runID,
		CheckpointID:       cpID,
		ParentCheckpointID: parent,
		NodeID:             nodeID,
		StateSnapshot:      state,
		CreatedAt:          time.Now().UTC(),
	})
	return nil
}

func (m *MemRunStore) LoadLatest(_ context.Context, runID string) ([]byte, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.latest[runID]
	if !ok {
		return nil, "", false, nil
	}
	return ls.state, ls.nodeID, true, nil
}

func (m *MemRunStore) LoadPendingIntent(_ context.Context, runID string) (string, int, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[runID]
	if !ok {
		return "", 0, nil, false, nil
	}
	return intent.NodeID, intent.Attempt, intent.Input, true, nil
}

func (m *MemRunStore) SaveInterrupt(_ context.Context, runID, nodeID string, state []byte, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupts[runID] = interruptState{nodeID: nodeID, state: state, payload: payload}
	return nil
}

func (m *MemRunStore) LoadInterrupt(_ context.Context, runID string) (string, []byte, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.interrupts[runID]
	if !ok {
		return "", nil, nil, false, nil
	}
	return is.nodeID, is.state, is.payload, true, nil
}

func (m *MemRunStore) ClearInterrupt(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interrupts, runID)
	return nil
}

func (m *MemRunStore) SaveCheckpoint(_ context.Context, cp CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.RunID] = append(m.checkpoints[cp.RunID], cp)
	return nil
}

func (m *MemRunStore) PruneCheckpoints(_ context.Context, runID string, keepLatest int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.checkpoints[runID]
	if keepLatest <= 0 || len(list) <= keepLatest {
		return nil
	}
	m.checkpoints[runID] = list[len(list)-keepLatest:]
	return nil
}

// Checkpoints exposes the full recorded checkpoint history for a run,
// used by tests asserting checkpoint-per-transition behavior (P7 and the
// end-to-end scenarios in ).
func (m *MemRunStore) Checkpoints(runID string) []CheckpointRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckpointRecord, len(m.checkpoints[runID]))
	copy(out, m.checkpoints[runID])
	return out
}

func (m *MemRunStore) Close() error { return nil }

var _ RunStore = (*MemRunStore)(nil)
