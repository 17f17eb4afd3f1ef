// Package task defines a dispatched (query-subtree, reference-subtree)
// pair and the per-query-subtree max-heap that orders them by priority
// (spec.md §3, "Task" and "Heap[q]").
package task

import (
	"container/heap"

	"github.com/dualtree/taskqueue/internal/treehandle"
)

// Task is one dispatched unit of work: a reference subtree paired with the
// query subtree it will run against, plus the cache id that must be
// released when the task completes.
type Task struct {
	// ReferenceTable identifies which process-local table CacheID resolves
	// against; opaque to the dispatcher beyond equality/identity.
	ReferenceTable any
	ReferenceNode  treehandle.Handle
	CacheID        int64
	Priority       float64 // negation of the squared-distance range's midpoint
}

// Priority computes the spec's signed encoding: the negation of the
// midpoint of the squared-distance range between a query bound and a
// reference bound, so that larger values mean "closer pair."
func Priority(query, reference treehandle.Handle) float64 {
	r := query.Bound().RangeDistanceSq(reference.Bound())
	return -r.Mid()
}

// Heap is a max-heap of Tasks ordered by Priority (closer pairs first).
// Grounded on the container/heap.Interface pattern used by
// other_examples/grafana-loki__pqueue.go; unlike that queue this one does
// not need in-place priority updates (a task's priority is fixed at
// creation), so no index bookkeeping is kept on the element.
type Heap struct {
	items []Task
}

// NewHeap returns an empty Heap, ready to use.
func NewHeap() *Heap {
	h := &Heap{}
	heap.Init(h)
	return h
}

// Len implements heap.Interface.
func (h *Heap) Len() int { return len(h.items) }

// Less implements heap.Interface: higher Priority sorts first, i.e. this is
// a max-heap on Priority, chosen directly rather than via a stdlib min-heap
// wrapped in a sign flip (spec.md §9's redesign note on the priority
// encoding oddity — the sign flip stays at the Priority() call site because
// it is part of the documented wire encoding in spec.md §6, but the heap
// itself just compares "bigger priority runs first").
func (h *Heap) Less(i, j int) bool { return h.items[i].Priority > h.items[j].Priority }

// Swap implements heap.Interface.
func (h *Heap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

// Push implements heap.Interface; use Heap.PushTask to push a Task.
func (h *Heap) Push(x any) { h.items = append(h.items, x.(Task)) }

// Pop implements heap.Interface; use Heap.PopTask to pop a Task.
func (h *Heap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// PushTask pushes t onto the heap, restoring heap order.
func (h *Heap) PushTask(t Task) { heap.Push(h, t) }

// PopTask pops the highest-priority task. Panics if the heap is empty;
// callers must check Len() first (mirrors the invariant that DequeueTask
// never calls this on an empty heap).
func (h *Heap) PopTask() Task { return heap.Pop(h).(Task) }

// Top returns the highest-priority task without removing it. Callers must
// check Len() first.
func (h *Heap) Top() Task { return h.items[0] }

// Drain empties the heap and returns its contents, no longer in priority
// order, for the splitting protocol (spec.md §4.2: "priority no longer
// meaningful — the reference side may change").
func (h *Heap) Drain() []Task {
	drained := h.items
	h.items = nil
	return drained
}
