package graph

import (
	"context"
	"sync"
)

// memCheckpointStore is a minimal in-memory CheckpointStore[S] used only by
// this package's own tests; store.MemRunStore (adapted via
// store.NewCheckpointAdapter) is the production equivalent used by
// internal/examgraph.
type memCheckpointStore[S any] struct {
	mu        sync.Mutex
	latest    map[string]S
	latestOK  map[string]bool
	lastNode  map[string]string
	intent    map[string]NodeIntent
	intentIn  map[string]S
	interrupt map[string]bool
	interNode map[string]string
	interSt   map[string]S
	interPay  map[string]any
}

func newMemCheckpointStore[S any]() *memCheckpointStore[S] {
	return &memCheckpointStore[S]{
		latest:    make(map[string]S),
		latestOK:  make(map[string]bool),
		lastNode:  make(map[string]string),
		intent:    make(map[string]NodeIntent),
		intentIn:  make(map[string]S),
		interrupt: make(map[string]bool),
		interNode: make(map[string]string),
		interSt:   make(map[string]S),
		interPay:  make(map[string]any),
	}
}

func (m *memCheckpointStore[S]) SaveIntent(_ context.Context, runID, nodeID string, attempt int, input S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intent[runID] = NodeIntent{RunID: runID, NodeID: nodeID, Attempt: attempt}
	m.intentIn[runID] = input
	return nil
}

func (m *memCheckpointStore[S]) CommitStep(_ context.Context, runID, nodeID string, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intent, runID)
	m.latest[runID] = state
	m.latestOK[runID] = true
	m.lastNode[runID] = nodeID
	return nil
}

func (m *memCheckpointStore[S]) LoadLatest(_ context.Context, runID string) (S, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest[runID], m.lastNode[runID], m.latestOK[runID], nil
}

func (m *memCheckpointStore[S]) LoadPendingIntent(_ context.Context, runID string) (string, int, S, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intent[runID]
	if !ok {
		var zero S
		return "", 0, zero, false, nil
	}
	return intent.NodeID, intent.Attempt, m.intentIn[runID], true, nil
}

func (m *memCheckpointStore[S]) SaveInterrupt(_ context.Context, runID, nodeID string, state S, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupt[runID] = true
	m.interNode[runID] = nodeID
	m.interSt[runID] = state
	m.interPay[runID] = payload
	return nil
}

func (m *memCheckpointStore[S]) LoadInterrupt(_ context.Context, runID string) (string, S, any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.interrupt[runID] {
		var zero S
		return "", zero, nil, false, nil
	}
	return m.interNode[runID], m.interSt[runID], m.interPay[runID], true, nil
}

func (m *memCheckpointStore[S]) ClearInterrupt(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interrupt, runID)
	return nil
}
