package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/graph/store"
)

// Options configures a Pool. Zero values fall back to // documented defaults (internal/config.Defaults).
type Options struct {
	// WorkerID identifies this process's claims. Defaults to a fresh uuid.
	WorkerID string

	// MaxConcurrentRuns bounds how many runs this Pool drives at once.
	MaxConcurrentRuns int

	// Lease is how long a claim is held before ReleaseExpiredClaims
	// considers the worker dead. Heartbeat renews it at Lease/2.
	Lease time.Duration

	// PollInterval is how often an idle Pool polls ClaimNext for new work.
	PollInterval time.Duration

	// JanitorInterval is how often the Pool sweeps expired claims.
	// Running the janitor from every worker is deliberate — ReleaseExpiredClaims
	// is a conditional UPDATE, safe under concurrent callers, so there is no
	// need for a single elected janitor process.
	JanitorInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = uuid.NewString()
	}
	if o.MaxConcurrentRuns <= 0 {
		o.MaxConcurrentRuns = 8
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = o.Lease
	}
	return o
}

// Pool is a long-lived worker process: it polls store for
// claimable runs, drives each through the GraphRunner registered for its
// graph_name, and releases it on completion, suspension, or failure.
type Pool struct {
	store   store.RunStore
	emitter emit.Emitter
	opts    Options

	runners map[store.GraphName]GraphRunner

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Pool over store, dispatching claimed runs to runners keyed
// by the graph they name.
func New(runStore store.RunStore, emitter emit.Emitter, runners []GraphRunner, opts Options) *Pool {
	opts = opts.withDefaults()
	byName := make(map[store.GraphName]GraphRunner, len(runners))
	for _, r := range runners {
		byName[r.GraphName()] = r
	}
	return &Pool{
		store:   runStore,
		emitter: emitter,
		opts:    opts,
		runners: byName,
		sem:     make(chan struct{}, opts.MaxConcurrentRuns),
	}
}

// graphNames returns the pool's registered graph names, for ClaimNext's
// filter.
func (p *Pool) graphNames() []store.GraphName {
	names := make([]store.GraphName, 0, len(p.runners))
	for name := range p.runners {
		names = append(names, name)
	}
	return names
}

// Run drives the claim/run/release loop and the janitor sweep until ctx is
// canceled, then waits for in-flight runs to finish their current node
// boundary before returning.
func (p *Pool) Run(ctx context.Context) error {
	var janitorWG sync.WaitGroup
	janitorWG.Add(1)
	go func() {
		defer janitorWG.Done()
		p.janitorLoop(ctx)
	}()

	pollTicker := time.NewTicker(p.opts.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			janitorWG.Wait()
			return ctx.Err()
		case <-pollTicker.C:
			p.claimAvailable(ctx)
		}
	}
}

// claimAvailable fills every free Pool slot with a claimed run, launching
// each in its own goroutine.
func (p *Pool) claimAvailable(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return // pool saturated
		}

		run, err := p.store.ClaimNext(ctx, p.opts.WorkerID, p.graphNames(), p.opts.Lease)
		if err != nil {
			<-p.sem
			if !errors.Is(err, store.ErrNotFound) {
				p.emitter.Emit(emit.Event{RunID: "", Msg: "claim_error", Meta: map[string]any{"error": err.Error()}})
			}
			return // nothing claimable right now
		}

		p.wg.Add(1)
		go func(run store.Run) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.drive(ctx, run)
		}(run)
	}
}

// drive runs one claimed run to completion, suspension, or failure,
// heartbeating its lease throughout, then releases it by updating status
// and output/error.
func (p *Pool) drive(ctx context.Context, run store.Run) {
	runner, ok := p.runners[run.GraphName]
	if !ok {
		errMsg := fmt.Sprintf("worker: no runner registered for graph %q", run.GraphName)
		_ = p.store.UpdateRunStatus(ctx, run.RunID, store.StatusFailed, &errMsg)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, run.RunID)

	attemptNumber, err := p.store.NextAttemptNumber(ctx, run.RunID)
	if err != nil {
		attemptNumber = 1
	}
	attemptID := uuid.NewString()
	_ = p.store.RecordAttempt(ctx, store.Attempt{
		AttemptID:     attemptID,
		RunID:         run.RunID,
		AttemptNumber: attemptNumber,
		Status:        store.StatusRunning,
		StartedAt:     time.Now().UTC(),
	})

	output, runErr := p.invoke(ctx, runner, run, attemptNumber)

	if runErr != nil {
		var interruptErr *graph.InterruptError
		if errors.As(runErr, &interruptErr) {
			_ = p.store.CompleteAttempt(ctx, attemptID, store.StatusPaused, nil)
			_ = p.store.UpdateRunStatus(ctx, run.RunID, store.StatusPaused, nil)
			return
		}
		errMsg := runErr.Error()
		_ = p.store.CompleteAttempt(ctx, attemptID, store.StatusFailed, &errMsg)
		_ = p.store.UpdateRunStatus(ctx, run.RunID, store.StatusFailed, &errMsg)
		return
	}

	if runner.IsRejected(output) {
		errMsg := "run rejected during human review"
		_ = p.store.CompleteAttempt(ctx, attemptID, store.StatusFailed, &errMsg)
		_ = p.store.SetOutput(ctx, run.RunID, output)
		_ = p.store.UpdateRunStatus(ctx, run.RunID, store.StatusFailed, &errMsg)
		return
	}

	_ = p.store.CompleteAttempt(ctx, attemptID, store.StatusCompleted, nil)
	if err := p.store.SetOutput(ctx, run.RunID, output); err != nil {
		errMsg := err.Error()
		_ = p.store.UpdateRunStatus(ctx, run.RunID, store.StatusFailed, &errMsg)
		return
	}
	_ = p.store.UpdateRunStatus(ctx, run.RunID, store.StatusCompleted, nil)
}

// invoke picks Run vs Resume: a first attempt with no resume_payload
// starts fresh from the graph's entry node; anything else — a SendEvent
// decision waiting in resume_payload, or a bare reclaim after crash with
// neither — goes through Resume, which itself replays a crashed intent or
// delivers the resume payload to a pending interrupt.
func (p *Pool) invoke(ctx context.Context, runner GraphRunner, run store.Run, attemptNumber int) ([]byte, error) {
	if attemptNumber <= 1 && len(run.ResumePayload) == 0 {
		return runner.Run(ctx, run.RunID, run.InputPayload)
	}
	return runner.Resume(ctx, run.RunID, run.ResumePayload)
}

func (p *Pool) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(p.opts.Lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.HeartbeatClaim(ctx, runID, p.opts.WorkerID, p.opts.Lease); err != nil {
				p.emitter.Emit(emit.Event{RunID: runID, Msg: "heartbeat_error", Meta: map[string]any{"error": err.Error()}})
				return
			}
		}
	}
}

// janitorLoop periodically resets runs whose lease expired back to
// PENDING, the sole crash-recovery
// mechanism: the next claimant resumes from the last checkpoint.
func (p *Pool) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.store.ReleaseExpiredClaims(ctx); err != nil {
				p.emitter.Emit(emit.Event{Msg: "janitor_error", Meta: map[string]any{"error": err.Error()}})
			}
		}
	}
}
