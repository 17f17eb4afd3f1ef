package task

import (
	"testing"

	"github.com/dualtree/taskqueue/internal/treehandle"
)

func leafAt(x, y float64) treehandle.Handle {
	return treehandle.Build([]treehandle.Point{{x, y}}, 1)
}

func TestPriorityCloserPairsScoreHigher(t *testing.T) {
	query := leafAt(0, 0)
	near := leafAt(2, 0)
	far := leafAt(20, 0)

	pNear := Priority(query, near)
	pFar := Priority(query, far)

	if pNear <= pFar {
		t.Errorf("expected closer pair to have higher priority: near=%v far=%v", pNear, pFar)
	}
}

func TestHeapPopsHighestPriorityFirst(t *testing.T) {
	h := NewHeap()
	h.PushTask(Task{CacheID: 1, Priority: -5})
	h.PushTask(Task{CacheID: 2, Priority: -1})
	h.PushTask(Task{CacheID: 3, Priority: -10})

	first := h.PopTask()
	if first.CacheID != 2 {
		t.Fatalf("expected highest priority (-1) task first, got cache id %d", first.CacheID)
	}
	second := h.PopTask()
	if second.CacheID != 1 {
		t.Fatalf("expected -5 priority task second, got cache id %d", second.CacheID)
	}
	third := h.PopTask()
	if third.CacheID != 3 {
		t.Fatalf("expected -10 priority task last, got cache id %d", third.CacheID)
	}
	if h.Len() != 0 {
		t.Fatalf("expected empty heap, got len %d", h.Len())
	}
}

func TestHeapTopDoesNotRemove(t *testing.T) {
	h := NewHeap()
	h.PushTask(Task{CacheID: 1, Priority: 5})
	top := h.Top()
	if top.CacheID != 1 {
		t.Fatalf("Top() = %+v, want cache id 1", top)
	}
	if h.Len() != 1 {
		t.Fatalf("Top() must not remove, Len() = %d, want 1", h.Len())
	}
}

func TestHeapDrainEmptiesAndReturnsAll(t *testing.T) {
	h := NewHeap()
	h.PushTask(Task{CacheID: 1, Priority: 1})
	h.PushTask(Task{CacheID: 2, Priority: 2})
	h.PushTask(Task{CacheID: 3, Priority: 3})

	drained := h.Drain()
	if len(drained) != 3 {
		t.Fatalf("Drain() returned %d tasks, want 3", len(drained))
	}
	if h.Len() != 0 {
		t.Fatalf("heap not empty after Drain(), Len() = %d", h.Len())
	}
}

func TestHeapPopOnEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected PopTask on empty heap to panic")
		}
	}()
	h := NewHeap()
	h.PopTask()
}
