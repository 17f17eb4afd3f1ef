// Package dispatcher implements the Task Dispatcher, the core of this
// module (spec.md §2, §4.1): it owns the live query subtrees, their
// advisory locks, their per-subtree task heaps and work-credit state, and
// mediates every mutation under one mutex.
//
// Grounded on msageha-maestro_v2/internal/daemon/dispatcher.go for its
// logging idiom and on the original C++
// core::parallel::DistributedDualtreeTaskQueue for its exact semantics
// (see DESIGN.md). Two structural changes from the original are made per
// spec.md §9's redesign notes: the five parallel arrays become one slice
// of subtreeSlot records, and the reentrant mutex is replaced by a plain
// sync.Mutex by splitting an unlocked internal push from the public locked
// one (split already holds the lock when it calls the internal push).
package dispatcher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dualtree/taskqueue/internal/exchange"
	"github.com/dualtree/taskqueue/internal/interval"
	"github.com/dualtree/taskqueue/internal/logging"
	"github.com/dualtree/taskqueue/internal/task"
	"github.com/dualtree/taskqueue/internal/treehandle"
)

// SubtreeID is a query subtree's wire identity (spec.md §6): the owning
// rank plus the (begin, count) pair that is unique within that rank's
// local query table.
type SubtreeID struct {
	Rank  int
	Begin int
	Count int
}

// subtreeSlot is one live query subtree's state. Replaces the original's
// five index-aligned parallel arrays (QuerySubtrees, AssignedWork,
// RemainingWork, SubtreeLocks, Heap) with a single record per subtree, so
// compaction moves one slice element instead of five in lockstep
// (spec.md §9, "Parallel arrays over five fields").
type subtreeSlot struct {
	subtree       treehandle.Handle
	assignedWork  *interval.Set
	remainingWork uint64
	locked        bool
	heap          *task.Heap
}

// WorldInfo mirrors exchange.WorldInfo; re-exported so callers of this
// package don't need to import internal/exchange just to call Init.
type WorldInfo = exchange.WorldInfo

// Metric mirrors exchange.Metric.
type Metric = exchange.Metric

// QueryTable is the minimal surface the Dispatcher needs from a
// distributed query table at Init: the local frontier to seed subtrees
// from, and per-rank point counts to size the global work counters.
type QueryTable interface {
	// Frontier returns at most maxNodes subtrees covering the local query
	// tree (spec.md §4.1, "a frontier of at most a bounded number of
	// subtrees"). The partitioner is free to return more or fewer.
	Frontier(maxNodes int) []treehandle.Handle
	// LocalPoints returns the number of query points rank holds.
	LocalPoints(rank int) int
}

// ReferenceTable is the minimal surface the Dispatcher needs from a
// distributed reference table at Init: per-rank point counts.
type ReferenceTable interface {
	LocalPoints(rank int) int
}

// Dispatcher is the Task Dispatcher (spec.md §4.1). The zero value is not
// usable; construct with New.
type Dispatcher struct {
	mu sync.Mutex

	world    WorldInfo
	exch     exchange.Exchange
	logger   *logging.Logger
	debug    bool // panic instead of saturate on underflow (spec.md §7(c)/(d))
	closed   bool

	slots []subtreeSlot

	numRemainingTasks int
	remainingGlobal   uint64
	remainingLocal    uint64
	splitRequested    bool
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithDebugAssertions enables the debug-build saturation panics described
// in spec.md §7(c)/(d).
func WithDebugAssertions() Option {
	return func(d *Dispatcher) { d.debug = true }
}

// New creates an unconfigured Dispatcher; call Init before using it.
func New(exch exchange.Exchange, logger *logging.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{exch: exch, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) checkNotClosed() {
	if d.closed {
		panic("dispatcher: use after Close")
	}
}

// Init partitions the local query tree into a frontier of subtrees, sizes
// all per-subtree state, binds the Exchange, and computes the initial
// global/local work counters (spec.md §4.1, §6).
func (d *Dispatcher) Init(world WorldInfo, queryTable QueryTable, refTable ReferenceTable, numThreads int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()

	d.world = world
	frontier := queryTable.Frontier(numThreads)

	var totalQueryPoints, totalReferencePoints uint64
	for r := 0; r < world.Size; r++ {
		totalQueryPoints += uint64(queryTable.LocalPoints(r))
		totalReferencePoints += uint64(refTable.LocalPoints(r))
	}

	d.slots = make([]subtreeSlot, len(frontier))
	for i, qt := range frontier {
		d.slots[i] = subtreeSlot{
			subtree:       qt,
			assignedWork:  interval.New(),
			remainingWork: totalReferencePoints,
			heap:          task.NewHeap(),
		}
	}

	d.remainingGlobal = totalQueryPoints * totalReferencePoints
	d.remainingLocal = uint64(queryTable.LocalPoints(world.Rank)) * totalReferencePoints

	return d.exch.Init(world, queryTable, refTable, d)
}

// GenerateTasks implements exchange.ArrivalHandler: for each arrived
// reference-subtable descriptor, resolve it via the Exchange and push one
// task per live query subtree that has not already been assigned that
// interval (spec.md §4.1).
func (d *Dispatcher) GenerateTasks(metric Metric, arrived []exchange.ArrivedSubtable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()

	for _, a := range arrived {
		sub, ok := d.exch.FindSubTable(a.CacheID)
		var refTable any
		var refNode treehandle.Handle
		if ok {
			refTable = sub.Table
			refNode = sub.Node
		} else {
			refTable = d.exch.LocalTable()
			node, found := d.exch.FindByBeginCount(a.RefBegin, a.RefCount)
			if !found {
				// Cache miss on both paths: data not yet arrived for this
				// tuple (spec.md §7(b)). Skip it; a later arrival will
				// retry the same (srcRank, begin, count).
				d.logger.Debugf("generate_tasks_skip rank=%d begin=%d count=%d cache_id=%d: not yet arrived",
					a.SrcRank, a.RefBegin, a.RefCount, a.CacheID)
				continue
			}
			refNode = node
		}

		for i := range d.slots {
			if d.slots[i].assignedWork.Insert(a.SrcRank, a.RefBegin, a.RefBegin+a.RefCount) {
				d.pushTaskLocked(i, refTable, refNode, a.CacheID)
				d.exch.Lock(a.CacheID, 1)
			}
		}
	}
}

// pushTaskLocked computes the priority for (slots[i].subtree, refNode) and
// pushes the task into slots[i]'s heap. Callers must already hold d.mu.
// This is the unlocked internal push the splitting protocol calls into
// directly — the structural fix spec.md §9 asks for in place of a
// reentrant mutex.
func (d *Dispatcher) pushTaskLocked(i int, refTable any, refNode treehandle.Handle, cacheID int64) {
	t := task.Task{
		ReferenceTable: refTable,
		ReferenceNode:  refNode,
		CacheID:        cacheID,
		Priority:       task.Priority(d.slots[i].subtree, refNode),
	}
	d.slots[i].heap.PushTask(t)
	d.numRemainingTasks++
}

// DequeuedTask is what DequeueTask hands back: the task itself and the
// index (at the moment of dequeue) of the query subtree it was dequeued
// from, needed by UnlockQuerySubtree-style callers that want to act on
// "the subtree I'm currently holding."
type DequeuedTask struct {
	Task      task.Task
	QueryID   SubtreeID
	slotIndex int
}

// DequeueTask scans query subtrees in ascending index order for one with a
// non-empty, unlocked heap, lazily compacting any subtree whose heap is
// empty and whose remaining work has reached zero (spec.md §4.1, §4.3).
// Returns ok=false if no eligible slot was found — callers should treat
// that, combined with known-pending work, as the signal to request a
// split. The caller must not hold any SubtreeLock when calling this (spec
// §4.3): compaction assumes no lock protects the tail slot being swapped.
func (d *Dispatcher) DequeueTask(lockSubtree bool) (out DequeuedTask, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()

	for i := 0; i < len(d.slots); i++ {
		slot := &d.slots[i]
		if slot.heap.Len() > 0 {
			if !slot.locked {
				t := slot.heap.PopTask()
				slot.locked = lockSubtree
				d.numRemainingTasks--
				return DequeuedTask{
					Task:      t,
					QueryID:   d.idOf(i),
					slotIndex: i,
				}, true
			}
			continue
		}

		if slot.remainingWork == 0 {
			// Retire this subtree: swap-and-pop the tail into slot i.
			// Self-swap (i is already the tail) is a correct no-op; after
			// it the slice is one shorter, so re-examine slot i only if
			// it still exists (spec.md §9, third open question).
			last := len(d.slots) - 1
			d.slots[i] = d.slots[last]
			d.slots = d.slots[:last]
			i--
		}
	}

	return DequeuedTask{}, false
}

// DequeueTaskAt is the targeted form used after a split to drain a
// specific newly-populated heap deterministically. It does not compact.
// Per spec.md §9's first Open Question, if slots[index]'s heap is empty
// this silently returns ok=false without touching out's zero value —
// callers must not assume out was written when ok is false.
func (d *Dispatcher) DequeueTaskAt(index int, lockSubtree bool) (out DequeuedTask, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	return d.dequeueTaskAtLocked(index, lockSubtree)
}

func (d *Dispatcher) dequeueTaskAtLocked(index int, lockSubtree bool) (DequeuedTask, bool) {
	slot := &d.slots[index]
	if slot.heap.Len() == 0 {
		return DequeuedTask{}, false
	}
	if slot.locked {
		return DequeuedTask{}, false
	}
	t := slot.heap.PopTask()
	slot.locked = lockSubtree
	d.numRemainingTasks--
	return DequeuedTask{Task: t, QueryID: d.idOf(index), slotIndex: index}, true
}

// idOf must be called with d.mu held.
func (d *Dispatcher) idOf(i int) SubtreeID {
	return SubtreeID{Rank: d.world.Rank, Begin: d.slots[i].subtree.Begin(), Count: d.slots[i].subtree.Count()}
}

// findSlot must be called with d.mu held. Panics if no live subtree
// matches queryID — per spec.md §7(a) this is a fatal programmer error,
// since the caller must have just held that subtree.
func (d *Dispatcher) findSlot(queryID SubtreeID) int {
	for i := range d.slots {
		if d.slots[i].subtree.Begin() == queryID.Begin && d.slots[i].subtree.Count() == queryID.Count {
			return i
		}
	}
	panic(fmt.Sprintf("dispatcher: no live query subtree for %+v", queryID))
}

// UnlockQuerySubtree clears the advisory lock on queryID (spec.md §4.1).
func (d *Dispatcher) UnlockQuerySubtree(queryID SubtreeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	d.slots[d.findSlot(queryID)].locked = false
}

// PushCompletedComputation reports refCount reference points' worth of
// units of work completed against queryID specifically (spec.md §4.1).
func (d *Dispatcher) PushCompletedComputation(queryID SubtreeID, refCount, units uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()

	d.subGlobalAndLocal(units)
	d.exch.PushCompletedComputation(d.world, units)

	i := d.findSlot(queryID)
	d.slots[i].remainingWork = d.satSub(d.slots[i].remainingWork, refCount,
		fmt.Sprintf("remaining_work[%+v]", queryID))
}

// PushCompletedComputationBulk reports refCount reference points' worth of
// units completed against every live query subtree at once, for
// completions that can't be attributed to a single q (spec.md §4.1's
// second PushCompletedComputation overload).
func (d *Dispatcher) PushCompletedComputationBulk(refCount, units uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()

	d.subGlobalAndLocal(units)
	d.exch.PushCompletedComputation(d.world, units)

	for i := range d.slots {
		d.slots[i].remainingWork = d.satSub(d.slots[i].remainingWork, refCount, "remaining_work[*]")
	}
}

func (d *Dispatcher) subGlobalAndLocal(units uint64) {
	d.remainingGlobal = d.satSub(d.remainingGlobal, units, "remaining_global_work")
	d.remainingLocal = d.satSub(d.remainingLocal, units, "remaining_local_work")
}

// satSub subtracts b from a, saturating at zero (spec.md §7(c)). Under
// debug assertions it panics instead of saturating, surfacing the
// invariant violation immediately.
func (d *Dispatcher) satSub(a, b uint64, what string) uint64 {
	if b <= a {
		return a - b
	}
	if d.debug {
		panic(fmt.Sprintf("dispatcher: underflow on %s (have %d, subtracting %d)", what, a, b))
	}
	d.logger.Warnf("underflow_saturated field=%s have=%d subtracting=%d", what, a, b)
	return 0
}

// ReleaseCache forwards to the Exchange, serialized through the
// Dispatcher mutex so it can never interleave with the Lock calls
// GenerateTasks performs (spec.md §4.1).
func (d *Dispatcher) ReleaseCache(cacheID int64, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	d.exch.Release(cacheID, n)
}

// SendReceive is a mutex-guarded passthrough to the Exchange (spec.md
// §4.1).
func (d *Dispatcher) SendReceive(threadID int, metric Metric, world WorldInfo, refTable any, outbound []exchange.RouteRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	return d.exch.SendReceive(threadID, metric, world, refTable, outbound)
}

// RequestSplit sets the SplitRequested latch (spec.md §3): a worker calls
// this after failing to find an eligible task while work remains.
func (d *Dispatcher) RequestSplit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	d.splitRequested = true
}

// CanTerminate reports whether global termination has been reached
// (spec.md §4.1, §8 property 6): once true it remains true absent new
// GenerateTasks calls, since both remainingGlobal and the Exchange's own
// predicate are monotonic.
func (d *Dispatcher) CanTerminate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	return d.remainingGlobal == 0 && d.exch.CanTerminate()
}

// Size reports the number of live query subtrees.
func (d *Dispatcher) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	return len(d.slots)
}

// NumRemainingTasks reports the count across all per-subtree heaps.
func (d *Dispatcher) NumRemainingTasks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	return d.numRemainingTasks
}

// IsEmpty reports whether NumRemainingTasks is zero.
func (d *Dispatcher) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()
	return d.numRemainingTasks == 0
}

// Close releases the Dispatcher's references to its subtree state. It is
// idempotent; every other method panics if called after Close (spec_full
// §13.2 supplements the original's destructor, which Go has no equivalent
// of).
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.slots = nil
	d.closed = true
}

// SplitResult reports which two slot indices resulted from a split, so a
// caller can drive DequeueTaskAt deterministically against the
// newly-populated right child (spec.md §4.1, targeted DequeueTask).
type SplitResult struct {
	Split      bool
	LeftIndex  int
	RightIndex int
}

// RedistributeAmongCores runs the splitting protocol (spec.md §4.2) if
// SplitRequested is set: it selects the unlocked, non-leaf subtree with
// the largest point count and a non-empty heap (ties broken by lowest
// index), splits it if one exists, and clears SplitRequested either way.
func (d *Dispatcher) RedistributeAmongCores(world WorldInfo, refTable any, metric Metric) SplitResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotClosed()

	if !d.splitRequested {
		return SplitResult{}
	}
	defer func() { d.splitRequested = false }()

	splitIndex := -1
	bestCount := 0
	for i := range d.slots {
		s := &d.slots[i]
		if s.locked || s.subtree.IsLeaf() || s.heap.Len() == 0 {
			continue
		}
		if s.subtree.Count() > bestCount {
			bestCount = s.subtree.Count()
			splitIndex = i
		}
	}
	if splitIndex < 0 {
		return SplitResult{}
	}
	rightIndex := d.splitLocked(splitIndex)
	return SplitResult{Split: true, LeftIndex: splitIndex, RightIndex: rightIndex}
}

// splitLocked implements the four-step split protocol of spec.md §4.2 and
// returns the new right child's slot index. Callers must already hold d.mu.
func (d *Dispatcher) splitLocked(p int) int {
	parentSubtree := d.slots[p].subtree
	left := parentSubtree.Left()
	right := parentSubtree.Right()

	// Step 1/2: overwrite slot p with the left child; append the right
	// child as a new slot that inherits a deep copy of the parent's
	// assigned-work history and its remaining-work credit (spec.md §9's
	// second Open Question: this copy is not intersected against the
	// child's narrower geometry, matching the original).
	d.slots[p].subtree = left
	rightSlot := subtreeSlot{
		subtree:       right,
		assignedWork:  d.slots[p].assignedWork.Clone(),
		remainingWork: d.slots[p].remainingWork,
		heap:          task.NewHeap(),
	}

	// Step 3: drain the parent's heap before appending, so the append
	// can't be confused with the slot being drained. Each drained task is
	// about to be re-emitted as two or four new ones (step 4); account for
	// its removal now so numRemainingTasks doesn't double-count it.
	drained := d.slots[p].heap.Drain()
	d.numRemainingTasks -= len(drained)
	d.slots = append(d.slots, rightSlot)
	rightIndex := len(d.slots) - 1

	// Step 4: re-emit each drained task against both children.
	for _, t := range drained {
		if !t.ReferenceNode.IsLeaf() && sameNode(t.ReferenceNode, parentSubtree) {
			refLeft := t.ReferenceNode.Left()
			refRight := t.ReferenceNode.Right()

			d.pushTaskLocked(p, t.ReferenceTable, refLeft, t.CacheID)
			d.pushTaskLocked(p, t.ReferenceTable, refRight, t.CacheID)
			d.pushTaskLocked(rightIndex, t.ReferenceTable, refLeft, t.CacheID)
			d.pushTaskLocked(rightIndex, t.ReferenceTable, refRight, t.CacheID)

			// One original refcount carries forward into these four new
			// tasks; three more are needed.
			d.exch.Lock(t.CacheID, 3)
		} else {
			d.pushTaskLocked(p, t.ReferenceTable, t.ReferenceNode, t.CacheID)
			d.pushTaskLocked(rightIndex, t.ReferenceTable, t.ReferenceNode, t.CacheID)

			// One original refcount carries forward; one more is needed.
			d.exch.Lock(t.CacheID, 1)
		}
	}

	return rightIndex
}

// sameNode reports whether a query subtree and a reference node are "the
// same pair" in the self-pair sense of spec.md §4.2: identical (begin,
// count) identity. Tree handles don't expose pointer identity through the
// interface, so identity is judged the way the dispatcher judges subtree
// identity everywhere else, by (begin, count).
func sameNode(a, b treehandle.Handle) bool {
	return a.Begin() == b.Begin() && a.Count() == b.Count()
}

// sortedSlotIndices is a test/debug helper returning slot indices ordered
// by Begin, useful for deterministic assertions over Size()/internal
// state without exposing the slot type itself.
func (d *Dispatcher) sortedSlotIndices() []int {
	idx := make([]int, len(d.slots))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return d.slots[idx[i]].subtree.Begin() < d.slots[idx[j]].subtree.Begin() })
	return idx
}
