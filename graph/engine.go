// Package graph provides the core graph execution engine for gradeflow.
package graph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/gradeflow/graph/emit"
)

type ctxKey string

const (
	// RunIDKey exposes the current run ID to node implementations via ctx.
	RunIDKey ctxKey = "gradeflow_run_id"
	// NodeIDKey exposes the currently-executing node ID.
	NodeIDKey ctxKey = "gradeflow_node_id"
	// AttemptKey exposes the current retry attempt number (0-indexed).
	AttemptKey ctxKey = "gradeflow_attempt"
	// ResumeValueKey carries the payload delivered by Resume back into the
	// node that issued the original Interrupt.
	ResumeValueKey ctxKey = "gradeflow_resume_value"
)

// ResumeValue extracts the payload Resume delivered to an interrupted node,
// if any.
func ResumeValue(ctx context.Context) (any, bool) {
	v := ctx.Value(ResumeValueKey)
	return v, v != nil
}

// Engine executes a registered graph of Node[S] over state S, persisting an
// intent/commit pair around every node invocation and supporting Send
// fan-out, Interrupt/Resume, and cooperative cancellation.
type Engine[S any] struct {
	mu        sync.RWMutex
	reducer   Reducer[S]
	store     CheckpointStore[S]
	emitter   emit.Emitter
	opts      Options
	nodes     map[string]Node[S]
	policies  map[string]*NodePolicy
	edges     map[string][]Edge[S]
	edgeOrder map[string]int
	startNode string
}

// New creates an Engine with the given reducer, checkpoint store, event
// emitter, and functional options.
func New[S any](reducer Reducer[S], store CheckpointStore[S], emitter emit.Emitter, opts ...Option) *Engine[S] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[S]{
		reducer:   reducer,
		store:     store,
		emitter:   emitter,
		opts:      o,
		nodes:     make(map[string]Node[S]),
		policies:  make(map[string]*NodePolicy),
		edges:     make(map[string][]Edge[S]),
		edgeOrder: make(map[string]int),
	}
}

// Add registers a node under nodeID with an optional policy (nil uses
// Options.DefaultNodeTimeout and no retry).
func (e *Engine[S]) Add(nodeID string, node Node[S], policy *NodePolicy) error {
	if e == nil {
		return &EngineError{Message: "nil engine", Code: "NIL_ENGINE"}
	}
	if nodeID == "" {
		return &EngineError{Message: "node id must not be empty", Code: "INVALID_NODE"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[nodeID] = node
	e.policies[nodeID] = policy
	return nil
}

// StartAt designates the entry node for Run.
func (e *Engine[S]) StartAt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.nodes[nodeID]; !ok {
		return &EngineError{Message: "unknown start node " + nodeID, Code: "UNKNOWN_NODE"}
	}
	e.startNode = nodeID
	return nil
}

// Connect registers a directed edge, evaluated in registration order
// (first matching predicate wins) whenever a node ends with CmdStateUpdate
// or a CmdSend's children all complete.
func (e *Engine[S]) Connect(from, to string, when Predicate[S]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.nodes[from]; !ok {
		return &EngineError{Message: "unknown edge source " + from, Code: "UNKNOWN_NODE"}
	}
	if _, ok := e.nodes[to]; !ok {
		return &EngineError{Message: "unknown edge target " + to, Code: "UNKNOWN_NODE"}
	}
	e.edges[from] = append(e.edges[from], Edge[S]{From: from, To: to, When: when})
	return nil
}

// Run executes the graph from the start node over initial state, returning
// the final merged state on success. If a node returns CmdInterrupt, Run
// returns (state-so-far, *InterruptError) after persisting the pause.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (S, error) {
	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}
	return e.runFrom(ctx, runID, e.startNode, initial, 0, nil)
}

// Resume continues a paused or crashed run. If the run has a pending
// interrupt, resumeValue is delivered to the interrupted node via
// ResumeValue(ctx). If instead the run crashed mid-node (an intent with no
// matching commit), the same node is re-invoked with its recorded input and
// resumeValue is ignored — this is the crash-recovery path (P7).
func (e *Engine[S]) Resume(ctx context.Context, runID string, resumeValue any) (S, error) {
	var zero S

	if nodeID, state, payload, found, err := e.store.LoadInterrupt(ctx, runID); err != nil {
		return zero, err
	} else if found {
		_ = payload
		if err := e.store.ClearInterrupt(ctx, runID); err != nil {
			return zero, err
		}
		return e.runFrom(ctx, runID, nodeID, state, 0, resumeValue)
	}

	if nodeID, attempt, input, found, err := e.store.LoadPendingIntent(ctx, runID); err != nil {
		return zero, err
	} else if found {
		return e.runFrom(ctx, runID, nodeID, input, attempt, nil)
	}

	state, nodeID, found, err := e.store.LoadLatest(ctx, runID)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, errors.New("resume: no run state found for " + runID)
	}
	next, ok := e.evaluateEdges(nodeID, state)
	if !ok {
		return state, nil
	}
	return e.runFrom(ctx, runID, next, state, 0, nil)
}

// runFrom is the sequential execution loop: invoke nodeID, interpret its
// Command, repeat until CmdStop or no outgoing edge matches.
func (e *Engine[S]) runFrom(ctx context.Context, runID, nodeID string, state S, attempt int, resumeValue any) (S, error) {
	steps := 0
	for {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		if e.opts.MaxSteps > 0 && steps >= e.opts.MaxSteps {
			return state, ErrMaxStepsExceeded
		}
		steps++

		e.mu.RLock()
		node, ok := e.nodes[nodeID]
		policy := e.policies[nodeID]
		e.mu.RUnlock()
		if !ok {
			return state, ErrUnknownNode
		}

		if err := e.store.SaveIntent(ctx, runID, nodeID, attempt, state); err != nil {
			return state, err
		}

		nodeCtx := context.WithValue(ctx, RunIDKey, runID)
		nodeCtx = context.WithValue(nodeCtx, NodeIDKey, nodeID)
		nodeCtx = context.WithValue(nodeCtx, AttemptKey, attempt)
		if resumeValue != nil {
			nodeCtx = context.WithValue(nodeCtx, ResumeValueKey, resumeValue)
			resumeValue = nil
		}

		start := time.Now()
		result, timeoutErr := executeNodeWithTimeout(nodeCtx, node, nodeID, state, policy, e.opts.DefaultNodeTimeout)
		e.emitStep(runID, nodeID, "node_complete", result.Err)
		e.recordStepLatency(runID, nodeID, time.Since(start), timeoutErr, result.Err)

		if timeoutErr != nil {
			return state, timeoutErr
		}
		if result.Err != nil {
			return state, result.Err
		}

		cmd := result.Command
		switch cmd.Kind {
		case CmdStateUpdate:
			state = e.reducer(state, cmd.Delta)
			if err := e.store.CommitStep(ctx, runID, nodeID, state); err != nil {
				return state, err
			}
			next, ok := e.evaluateEdges(nodeID, state)
			if !ok {
				return state, nil
			}
			nodeID, attempt = next, 0

		case CmdGoto:
			state = e.reducer(state, cmd.Delta)
			if err := e.store.CommitStep(ctx, runID, nodeID, state); err != nil {
				return state, err
			}
			nodeID, attempt = cmd.Goto, 0

		case CmdStop:
			state = e.reducer(state, cmd.Delta)
			if err := e.store.CommitStep(ctx, runID, nodeID, state); err != nil {
				return state, err
			}
			return state, nil

		case CmdInterrupt:
			state = e.reducer(state, cmd.Delta)
			if err := e.store.SaveInterrupt(ctx, runID, nodeID, state, cmd.Payload); err != nil {
				return state, err
			}
			return state, &InterruptError{RunID: runID, NodeID: nodeID, Payload: cmd.Payload}

		case CmdSend:
			merged, err := e.executeSend(ctx, runID, nodeID, state, cmd.Sends)
			if err != nil {
				return merged, err
			}
			state = merged
			if err := e.store.CommitStep(ctx, runID, nodeID, state); err != nil {
				return state, err
			}
			childNode := nodeID
			if len(cmd.Sends) > 0 {
				childNode = cmd.Sends[0].Node
			}
			next, ok := e.evaluateEdges(childNode, state)
			if !ok {
				return state, nil
			}
			nodeID, attempt = next, 0

		default:
			return state, &EngineError{Message: "unknown command kind", Code: "UNKNOWN_COMMAND"}
		}
	}
}

// executeSend dispatches every SendOne through a Frontier (queue capacity
// Options.QueueDepth, raised to len(sends) when smaller or unset), drained by Options.MaxConcurrentSends worker
// goroutines, checking for cancellation before dispatching each child, and
// merges their deltas back into parent state in OrderKey order once all
// children complete (a fan-in barrier).
func (e *Engine[S]) executeSend(ctx context.Context, runID, parentNode string, parent S, sends []SendOne[S]) (S, error) {
	type outcome struct {
		orderKey uint64
		delta    S
		err      error
	}

	if len(sends) == 0 {
		return parent, nil
	}

	e.mu.RLock()
	for _, send := range sends {
		if _, ok := e.nodes[send.Node]; !ok {
			e.mu.RUnlock()
			return parent, ErrUnknownNode
		}
	}
	e.mu.RUnlock()

	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordFanOutWidth(e.opts.GraphName, len(sends))
	}

	queueDepth := e.opts.QueueDepth
	if queueDepth <= 0 || queueDepth < len(sends) {
		queueDepth = len(sends)
	}
	frontier := NewFrontier[S](queueDepth)

	go func() {
		for i, send := range sends {
			if ctx.Err() != nil {
				return
			}
			item := WorkItem[S]{
				OrderKey:     ComputeOrderKey(parentNode, i),
				NodeID:       send.Node,
				State:        send.State,
				ParentNodeID: parentNode,
				EdgeIndex:    i,
			}
			if err := frontier.Enqueue(ctx, item); err != nil {
				return
			}
		}
	}()

	workers := e.opts.MaxConcurrentSends
	if workers <= 0 || workers > len(sends) {
		workers = len(sends)
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(sends)))

	var mu sync.Mutex
	outcomes := make([]outcome, 0, len(sends))
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for remaining.Add(-1) >= 0 {
				item, err := frontier.Dequeue(ctx)
				if err != nil {
					mu.Lock()
					outcomes = append(outcomes, outcome{err: err})
					mu.Unlock()
					return
				}

				e.mu.RLock()
				node := e.nodes[item.NodeID]
				policy := e.policies[item.NodeID]
				e.mu.RUnlock()

				childCtx := context.WithValue(ctx, RunIDKey, runID)
				childCtx = context.WithValue(childCtx, NodeIDKey, item.NodeID)

				result, timeoutErr := executeNodeWithTimeout(childCtx, node, item.NodeID, item.State, policy, e.opts.DefaultNodeTimeout)
				e.emitStep(runID, item.NodeID, "send_child_complete", result.Err)

				oc := outcome{orderKey: item.OrderKey}
				switch {
				case timeoutErr != nil:
					oc.err = timeoutErr
				case result.Err != nil:
					oc.err = result.Err
				default:
					oc.delta = result.Command.Delta
				}
				mu.Lock()
				outcomes = append(outcomes, oc)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if e.opts.Metrics != nil {
		if fm := frontier.Metrics(); fm.BackpressureEvents > 0 {
			e.opts.Metrics.IncrementBackpressure(runID, "queue_full")
		}
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].orderKey < outcomes[j].orderKey })

	var firstErr error
	state := parent
	for _, oc := range outcomes {
		if oc.err != nil {
			if firstErr == nil {
				firstErr = oc.err
			}
			continue
		}
		state = e.reducer(state, oc.delta)
	}
	return state, firstErr
}

// evaluateEdges returns the first outgoing edge from nodeID whose predicate
// matches (or is nil), in registration order.
func (e *Engine[S]) evaluateEdges(nodeID string, state S) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, edge := range e.edges[nodeID] {
		if edge.When == nil || edge.When(state) {
			return edge.To, true
		}
	}
	return "", false
}

// recordStepLatency reports a node's execution duration to e.opts.Metrics,
// labeled by outcome (ok/timeout/error), a no-op when Metrics is unset.
func (e *Engine[S]) recordStepLatency(runID, nodeID string, latency time.Duration, timeoutErr, nodeErr error) {
	if e.opts.Metrics == nil {
		return
	}
	status := "ok"
	switch {
	case timeoutErr != nil:
		status = "timeout"
	case nodeErr != nil:
		status = "error"
	}
	e.opts.Metrics.RecordStepLatency(runID, nodeID, latency, status)
}

func (e *Engine[S]) emitStep(runID, nodeID, msg string, err error) {
	if e.emitter == nil {
		return
	}
	meta := map[string]interface{}{}
	if err != nil {
		meta["error"] = err.Error()
	}
	e.emitter.Emit(emit.Event{RunID: runID, NodeID: nodeID, Msg: msg, Meta: meta})
}
