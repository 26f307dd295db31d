package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dshills/gradeflow/graph/store"
)

func strp(s string) *string { return &s }

func TestStartRunCreatesPendingRun(t *testing.T) {
	o := New(store.NewMemRunStore())
	runID, err := o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 1}, nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	info, err := o.GetStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if info.Status != store.StatusPending {
		t.Errorf("status = %v, want PENDING", info.Status)
	}
}

func TestStartRunRejectsNilPayload(t *testing.T) {
	o := New(store.NewMemRunStore())
	if _, err := o.StartRun(context.Background(), store.GraphExamPaper, nil, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}

// TestStartRunIdempotentSameKeySamePayload is P1: two calls with the same
// idempotency key and payload yield one run and the same run_id.
func TestStartRunIdempotentSameKeySamePayload(t *testing.T) {
	o := New(store.NewMemRunStore())
	key := strp("abc")
	payload := map[string]any{"submission_id": "sub-1"}

	id1, err := o.StartRun(context.Background(), store.GraphExamPaper, payload, key)
	if err != nil {
		t.Fatalf("first StartRun: %v", err)
	}
	id2, err := o.StartRun(context.Background(), store.GraphExamPaper, payload, key)
	if err != nil {
		t.Fatalf("second StartRun: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("run ids differ: %s != %s", id1, id2)
	}

	runs, err := o.ListRuns(context.Background(), store.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
}

// TestStartRunConcurrentSameKey is P1 under real concurrency.
func TestStartRunConcurrentSameKey(t *testing.T) {
	o := New(store.NewMemRunStore())
	key := strp("concurrent-key")
	payload := map[string]any{"submission_id": "sub-1"}

	const n = 20
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = o.StartRun(context.Background(), store.GraphExamPaper, payload, key)
		}(i)
	}
	wg.Wait()

	var first string
	for i, err := range errs {
		if err != nil {
			t.Fatalf("StartRun[%d]: %v", i, err)
		}
		if first == "" {
			first = ids[i]
		} else if ids[i] != first {
			t.Fatalf("run id mismatch at %d: %s != %s", i, ids[i], first)
		}
	}
}

func TestStartRunIdempotencyConflictOnDifferentPayload(t *testing.T) {
	o := New(store.NewMemRunStore())
	key := strp("same-key")
	if _, err := o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 1}, key); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if _, err := o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 2}, key); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
}

func TestCancelIdempotentOnTerminalRun(t *testing.T) {
	s := store.NewMemRunStore()
	o := New(s)
	runID, _ := o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 1}, nil)
	if err := s.UpdateRunStatus(context.Background(), runID, store.StatusCompleted, nil); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	ok, err := o.Cancel(context.Background(), runID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok {
		t.Fatal("Cancel on a terminal run returned true, want false")
	}
}

func TestCancelPendingRunGoesStraightToCancelled(t *testing.T) {
	o := New(store.NewMemRunStore())
	runID, _ := o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 1}, nil)

	ok, err := o.Cancel(context.Background(), runID)
	if err != nil || !ok {
		t.Fatalf("Cancel: ok=%v err=%v", ok, err)
	}
	info, err := o.GetStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if info.Status != store.StatusCancelled {
		t.Errorf("status = %v, want CANCELLED", info.Status)
	}
}

func TestCancelNotFound(t *testing.T) {
	o := New(store.NewMemRunStore())
	if _, err := o.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRetryRequiresFailedRun(t *testing.T) {
	s := store.NewMemRunStore()
	o := New(s)
	runID, _ := o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 1}, nil)

	if _, err := o.Retry(context.Background(), runID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("err = %v, want ErrNotFailed", err)
	}

	if err := s.UpdateRunStatus(context.Background(), runID, store.StatusFailed, strp("boom")); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	newRunID, err := o.Retry(context.Background(), runID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if newRunID == runID {
		t.Fatal("Retry returned the original run_id, want a new one")
	}
	info, err := o.GetStatus(context.Background(), newRunID)
	if err != nil {
		t.Fatalf("GetStatus(new): %v", err)
	}
	if info.Status != store.StatusPending {
		t.Errorf("new run status = %v, want PENDING", info.Status)
	}
}

func TestSendEventRequiresPausedRun(t *testing.T) {
	s := store.NewMemRunStore()
	o := New(s)
	runID, _ := o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 1}, nil)

	if _, err := o.SendEvent(context.Background(), runID, "review_signal", map[string]any{"action": "APPROVE"}); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("err = %v, want ErrNotPaused", err)
	}

	if err := s.UpdateRunStatus(context.Background(), runID, store.StatusPaused, nil); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	ok, err := o.SendEvent(context.Background(), runID, "review_signal", map[string]any{"action": "APPROVE"})
	if err != nil || !ok {
		t.Fatalf("SendEvent: ok=%v err=%v", ok, err)
	}
	info, err := o.GetStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if info.Status != store.StatusPending {
		t.Errorf("status after SendEvent = %v, want PENDING", info.Status)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	s := store.NewMemRunStore()
	o := New(s)
	id1, _ := o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 1}, nil)
	_, _ = o.StartRun(context.Background(), store.GraphExamPaper, map[string]any{"a": 2}, nil)
	if err := s.UpdateRunStatus(context.Background(), id1, store.StatusCompleted, nil); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	runs, err := o.ListRuns(context.Background(), store.RunFilter{Status: store.StatusCompleted})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != id1 {
		t.Fatalf("runs = %+v", runs)
	}
}
