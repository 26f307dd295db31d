package graph

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"testing"
	"time"
)

type counterState struct {
	Count    int
	Log      []string
	Reviewed bool
}

func reduceCounter(prev, delta counterState) counterState {
	prev.Count += delta.Count
	prev.Log = append(prev.Log, delta.Log...)
	if delta.Reviewed {
		prev.Reviewed = true
	}
	return prev
}

func TestEngineSequentialRun(t *testing.T) {
	store := newMemCheckpointStore[counterState]()
	e := New[counterState](reduceCounter, store, nil)

	must(t, e.Add("start", NodeFunc[counterState](func(_ context.Context, s counterState) NodeResult[counterState] {
		return NodeResult[counterState]{Command: Update(counterState{Count: 1, Log: []string{"start"}})}
	}), nil))
	must(t, e.Add("finish", NodeFunc[counterState](func(_ context.Context, s counterState) NodeResult[counterState] {
		return NodeResult[counterState]{Command: StopCmd(counterState{Count: 1, Log: []string{"finish"}})}
	}), nil))
	must(t, e.StartAt("start"))
	must(t, e.Connect("start", "finish", nil))

	final, err := e.Run(context.Background(), "run-1", counterState{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.Count != 2 {
		t.Errorf("Count = %d, want 2", final.Count)
	}
	if len(final.Log) != 2 || final.Log[0] != "start" || final.Log[1] != "finish" {
		t.Errorf("Log = %v, want [start finish]", final.Log)
	}
}

func TestEngineSendFanOutMergesInOrderKeyOrder(t *testing.T) {
	store := newMemCheckpointStore[counterState]()
	e := New[counterState](reduceCounter, store, nil, WithMaxConcurrentSends(3))

	must(t, e.Add("router", NodeFunc[counterState](func(_ context.Context, s counterState) NodeResult[counterState] {
		sends := make([]SendOne[counterState], 5)
		for i := range sends {
			sends[i] = SendOne[counterState]{Node: "grade", State: counterState{Count: i + 1, Log: []string{strconv.Itoa(i + 1)}}}
		}
		return NodeResult[counterState]{Command: Send(sends...)}
	}), nil))
	must(t, e.Add("grade", NodeFunc[counterState](func(_ context.Context, s counterState) NodeResult[counterState] {
		return NodeResult[counterState]{Command: Update(s)}
	}), nil))
	must(t, e.Add("aggregate", NodeFunc[counterState](func(_ context.Context, s counterState) NodeResult[counterState] {
		return NodeResult[counterState]{Command: StopCmd(counterState{})}
	}), nil))
	must(t, e.StartAt("router"))
	must(t, e.Connect("router", "grade", nil))
	must(t, e.Connect("grade", "aggregate", nil))

	final, err := e.Run(context.Background(), "run-2", counterState{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.Count != 1+2+3+4+5 {
		t.Errorf("Count = %d, want 15", final.Count)
	}

	idx := []int{0, 1, 2, 3, 4}
	sort.Slice(idx, func(a, b int) bool { return ComputeOrderKey("router", idx[a]) < ComputeOrderKey("router", idx[b]) })
	want := make([]string, len(idx))
	for k, i := range idx {
		want[k] = strconv.Itoa(i + 1)
	}
	if !reflect.DeepEqual(final.Log, want) {
		t.Errorf("Log = %v, want %v (OrderKey order)", final.Log, want)
	}
}

func TestEngineInterruptAndResume(t *testing.T) {
	store := newMemCheckpointStore[counterState]()
	e := New[counterState](reduceCounter, store, nil)

	must(t, e.Add("review", NodeFunc[counterState](func(ctx context.Context, s counterState) NodeResult[counterState] {
		if v, ok := ResumeValue(ctx); ok {
			approved := v.(bool)
			return NodeResult[counterState]{Command: StopCmd(counterState{Reviewed: approved})}
		}
		return NodeResult[counterState]{Command: Interrupt(counterState{}, "please review")}
	}), nil))
	must(t, e.StartAt("review"))

	_, err := e.Run(context.Background(), "run-3", counterState{})
	var interruptErr *InterruptError
	if !errors.As(err, &interruptErr) {
		t.Fatalf("Run() error = %v, want *InterruptError", err)
	}
	if interruptErr.Payload != "please review" {
		t.Errorf("Payload = %v, want %q", interruptErr.Payload, "please review")
	}

	final, err := e.Resume(context.Background(), "run-3", true)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !final.Reviewed {
		t.Error("Reviewed = false, want true after resume")
	}
}

func TestRetryDegradesAfterExhaustion(t *testing.T) {
	attempts := 0
	flaky := NodeFunc[counterState](func(_ context.Context, s counterState) NodeResult[counterState] {
		attempts++
		return NodeResult[counterState]{Err: errors.New("transient")}
	})
	policy := &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Retryable: func(error) bool { return true }}
	wrapped := Retry[counterState](flaky, policy, func(s counterState, lastErr error) Command[counterState] {
		return StopCmd(counterState{Log: []string{"degraded:" + lastErr.Error()}})
	})

	result := wrapped.Run(context.Background(), counterState{})
	if result.Err != nil {
		t.Fatalf("expected graceful degradation, got err %v", result.Err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(result.Command.Delta.Log) != 1 {
		t.Errorf("expected degraded log entry, got %v", result.Command.Delta.Log)
	}
}

func TestMaxStepsExceeded(t *testing.T) {
	store := newMemCheckpointStore[counterState]()
	e := New[counterState](reduceCounter, store, nil, WithMaxSteps(2))

	must(t, e.Add("loop", NodeFunc[counterState](func(_ context.Context, s counterState) NodeResult[counterState] {
		return NodeResult[counterState]{Command: GotoCmd("loop", counterState{Count: 1})}
	}), nil))
	must(t, e.StartAt("loop"))

	_, err := e.Run(context.Background(), "run-4", counterState{})
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("err = %v, want ErrMaxStepsExceeded", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}
}
