// Package exchange defines the Cache Handle contract (spec.md §2.3, §4.4:
// "the Exchange") the dispatcher depends on, and a local, single-process
// implementation used by tests and the demo entry point. A cluster
// deployment replaces LocalExchange with one that actually ships reference
// subtables between processes over MPI or an equivalent transport — that
// route-table/network layer is explicitly out of scope for this module
// (spec.md §1).
package exchange

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dualtree/taskqueue/internal/logging"
	"github.com/dualtree/taskqueue/internal/treehandle"
)

// WorldInfo is the subset of cluster membership the Exchange contract
// needs: this process's rank and the total process count.
type WorldInfo struct {
	Rank int
	Size int
}

// Metric is an opaque handle to the numeric kernel's distance metric,
// passed through unused by everything in this package (spec.md §1: numeric
// kernels are out of scope).
type Metric any

// RouteRequest describes an outbound reference-subtable send the caller
// wants the Exchange to buffer and eventually transmit. Its contents are a
// network-layer concern; the dispatcher only ever forwards a slice of
// these through SendReceive.
type RouteRequest struct {
	DestRank int
	CacheID  int64
}

// ArrivedSubtable is one element of the arrival list the Exchange hands to
// GenerateTasks: a reference subtable that has just become available,
// either freshly received from a peer or already resident locally
// (spec.md §6, "Received reference-subtable descriptors").
type ArrivedSubtable struct {
	SrcRank  int
	RefBegin int
	RefCount int
	CacheID  int64
}

// ArrivalHandler is implemented by the Dispatcher and registered with the
// Exchange at Init, replacing the original's raw back-pointer cycle
// (spec.md §9, "Cyclic back-references") with a callback interface: the
// Exchange only ever needs to call GenerateTasks, never anything else on
// the Dispatcher.
type ArrivalHandler interface {
	GenerateTasks(metric Metric, arrived []ArrivedSubtable)
}

// SubTable is a resolved reference subtable: its owning table handle and
// the tree node the dispatcher should treat as the root of the assigned
// work (spec.md §4.4, FindSubTable/FindByBeginCount).
type SubTable struct {
	Table any
	Node  treehandle.Handle
}

// Exchange is the Cache Handle the dispatcher depends on (spec.md §2.3).
type Exchange interface {
	Init(world WorldInfo, queryTable, refTable any, handler ArrivalHandler) error
	SendReceive(threadID int, metric Metric, world WorldInfo, refTable any, outbound []RouteRequest) error

	// FindSubTable resolves cacheID directly. ok is false if no cached
	// instance is present (spec.md §7(b): "data not yet arrived"),
	// leaving the caller to fall back to FindByBeginCount.
	FindSubTable(cacheID int64) (sub SubTable, ok bool)

	LocalTable() any

	// FindByBeginCount is the fallback lookup against the process-local
	// table when FindSubTable misses. ok is false if the range is truly
	// unknown locally (spec.md §7(b)), in which case the caller skips
	// that one arrival tuple.
	FindByBeginCount(begin, count int) (node treehandle.Handle, ok bool)

	Lock(cacheID int64, n int)
	Release(cacheID int64, n int)
	PushCompletedComputation(world WorldInfo, units uint64)
	CanTerminate() bool
}

// refEntry tracks one cache id's resolved subtable and its live refcount.
type refEntry struct {
	sub   SubTable
	count int
}

// LocalExchange is a single-process Exchange: every "remote" subtable is
// actually already resident, and CanTerminate is driven by an explicit
// flag rather than a cross-process reduction. Useful for tests, for the
// demo entry point, and as the base a networked Exchange can embed and
// override FindSubTable/SendReceive on.
type LocalExchange struct {
	mu        sync.Mutex
	refs      map[int64]*refEntry
	localRoot treehandle.Handle
	nodesByBC map[[2]int]treehandle.Handle // (begin, count) -> node, for the fallback lookup
	done      bool

	group  singleflight.Group
	logger *logging.Logger

	handler ArrivalHandler
}

// NewLocalExchange creates a LocalExchange rooted at localRoot, whose
// descendants are indexed by (begin, count) for FindByBeginCount.
func NewLocalExchange(localRoot treehandle.Handle, logger *logging.Logger) *LocalExchange {
	e := &LocalExchange{
		refs:      make(map[int64]*refEntry),
		localRoot: localRoot,
		nodesByBC: make(map[[2]int]treehandle.Handle),
		logger:    logger,
	}
	e.indexByBeginCount(localRoot)
	return e
}

func (e *LocalExchange) indexByBeginCount(n treehandle.Handle) {
	if n == nil {
		return
	}
	e.nodesByBC[[2]int{n.Begin(), n.Count()}] = n
	e.indexByBeginCount(n.Left())
	e.indexByBeginCount(n.Right())
}

// Register makes a reference subtable resolvable by cacheID with zero
// initial refcount (the dispatcher's own Lock calls establish the count).
func (e *LocalExchange) Register(cacheID int64, sub SubTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.refs[cacheID]; ok {
		return
	}
	e.refs[cacheID] = &refEntry{sub: sub}
	e.indexByBeginCount(sub.Node)
}

func (e *LocalExchange) Init(world WorldInfo, queryTable, refTable any, handler ArrivalHandler) error {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
	return nil
}

// Deliver is the local stand-in for an inbound network arrival: it
// registers the subtable (if not already known) and invokes the
// registered ArrivalHandler, exactly the role an MPI-backed Exchange would
// play on message receipt.
func (e *LocalExchange) Deliver(metric Metric, arrived []ArrivedSubtable, subs map[int64]SubTable) {
	e.mu.Lock()
	for _, a := range arrived {
		if sub, ok := subs[a.CacheID]; ok {
			if _, known := e.refs[a.CacheID]; !known {
				e.refs[a.CacheID] = &refEntry{sub: sub}
				e.indexByBeginCount(sub.Node)
			}
		}
	}
	handler := e.handler
	e.mu.Unlock()

	if handler != nil {
		handler.GenerateTasks(metric, arrived)
	}
}

func (e *LocalExchange) SendReceive(threadID int, metric Metric, world WorldInfo, refTable any, outbound []RouteRequest) error {
	// Single-process: nothing to send. A networked Exchange overrides this
	// to buffer outbound sends and pump inbound arrivals into Deliver.
	return nil
}

func (e *LocalExchange) FindSubTable(cacheID int64) (SubTable, bool) {
	e.mu.Lock()
	entry, ok := e.refs[cacheID]
	e.mu.Unlock()
	if !ok {
		return SubTable{}, false
	}
	return entry.sub, true
}

func (e *LocalExchange) LocalTable() any {
	return e.localRoot
}

func (e *LocalExchange) FindByBeginCount(begin, count int) (treehandle.Handle, bool) {
	// Concurrent misses for the same (begin, count) collapse into one
	// lookup, the way internal/quality/engine.go's singleflight.Group
	// dedupes concurrent gate evaluations in the teacher.
	key := itoa2(begin, count)
	v, _, _ := e.group.Do(key, func() (any, error) {
		e.mu.Lock()
		n, ok := e.nodesByBC[[2]int{begin, count}]
		e.mu.Unlock()
		if !ok {
			return (treehandle.Handle)(nil), nil
		}
		return n, nil
	})
	n, _ := v.(treehandle.Handle)
	return n, n != nil
}

func (e *LocalExchange) Lock(cacheID int64, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.refs[cacheID]
	if !ok {
		e.logger.Warnf("lock on unregistered cache id=%d", cacheID)
		return
	}
	entry.count += n
}

func (e *LocalExchange) Release(cacheID int64, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.refs[cacheID]
	if !ok {
		e.logger.Warnf("release on unregistered cache id=%d", cacheID)
		return
	}
	entry.count -= n
	if entry.count < 0 {
		e.logger.Errorf("cache id=%d refcount underflow, saturating at zero", cacheID)
		entry.count = 0
	}
}

// RefCount reports cacheID's current refcount, for tests checking the
// invariant in spec.md §8(4).
func (e *LocalExchange) RefCount(cacheID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.refs[cacheID]
	if !ok {
		return 0
	}
	return entry.count
}

func (e *LocalExchange) PushCompletedComputation(world WorldInfo, units uint64) {
	// Single-process: nothing to route globally. A networked Exchange
	// overrides this to fold units into a cross-process reduction.
}

func (e *LocalExchange) CanTerminate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// SetDone flips the local-termination predicate, standing in for whatever
// cross-process agreement protocol a networked Exchange would run.
func (e *LocalExchange) SetDone(done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = done
}

func itoa2(a, b int) string {
	// Cheap composite key; avoids importing strconv/fmt for a two-int key.
	buf := make([]byte, 0, 24)
	buf = appendInt(buf, a)
	buf = append(buf, ':')
	buf = appendInt(buf, b)
	return string(buf)
}

func appendInt(buf []byte, v int) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	neg := v < 0
	if neg {
		v = -v
	}
	start := len(buf)
	for v > 0 {
		buf = append(buf, byte('0'+v%10))
		v /= 10
	}
	if neg {
		buf = append(buf, '-')
	}
	// reverse the digits just appended
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}
