package graph

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// WorkItem is one schedulable Send child: which node to run, over which
// sub-state, with enough provenance (OrderKey) to merge results back into
// the parent state deterministically regardless of completion order.
type WorkItem[S any] struct {
	OrderKey     uint64
	NodeID       string
	State        S
	ParentNodeID string
	EdgeIndex    int
}

// ComputeOrderKey derives a deterministic sort key from the fan-out parent
// and child index, so that concurrently-completing Send children always
// merge into the parent state in the same order on every run.
func ComputeOrderKey(parentNodeID string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentNodeID))
	edgeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(edgeBytes, uint32(edgeIndex))
	h.Write(edgeBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type workHeap[S any] []WorkItem[S]

func (h workHeap[S]) Len() int            { return len(h) }
func (h workHeap[S]) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap[S]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap[S]) Push(x interface{}) { *h = append(*h, x.(WorkItem[S])) }
func (h *workHeap[S]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is a bounded, deterministically-ordered work queue used to
// dispatch a CmdSend's children. Capacity bounds memory when a run fans out
// wider than the configured per-run concurrency cap (spec default 10);
// Enqueue blocks (providing backpressure) once the channel is full.
type Frontier[S any] struct {
	heap     workHeap[S]
	queue    chan WorkItem[S]
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

// NewFrontier creates a Frontier with the given bounded capacity.
func NewFrontier[S any](capacity int) *Frontier[S] {
	f := &Frontier[S]{
		heap:     make(workHeap[S], 0),
		queue:    make(chan WorkItem[S], capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds a work item, blocking under backpressure until capacity
// frees up or ctx is cancelled.
func (f *Frontier[S]) Enqueue(ctx context.Context, item WorkItem[S]) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		old := f.peakQueueDepth.Load()
		if depth <= old || f.peakQueueDepth.CompareAndSwap(old, depth) {
			break
		}
	}
	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- item:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue blocks until a work item is available or ctx is cancelled, then
// returns the item with the smallest OrderKey currently queued.
func (f *Frontier[S]) Dequeue(ctx context.Context) (WorkItem[S], error) {
	var zero WorkItem[S]
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(WorkItem[S])
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len reports the current queue depth.
func (f *Frontier[S]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of Frontier activity,
// exposed through PrometheusMetrics for fan-out width observability.
type SchedulerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

// Metrics returns a snapshot of the frontier's counters.
func (f *Frontier[S]) Metrics() SchedulerMetrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	return SchedulerMetrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
