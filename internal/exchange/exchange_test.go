package exchange

import (
	"log"
	"os"
	"testing"

	"github.com/dualtree/taskqueue/internal/logging"
	"github.com/dualtree/taskqueue/internal/treehandle"
)

func testLogger() *logging.Logger {
	return logging.New(log.New(os.Stderr, "", 0), "exchange_test", logging.LevelError)
}

type recordingHandler struct {
	calls [][]ArrivedSubtable
}

func (h *recordingHandler) GenerateTasks(metric Metric, arrived []ArrivedSubtable) {
	h.calls = append(h.calls, arrived)
}

func buildLocal() *treehandle.Tree {
	pts := []treehandle.Point{{0, 0}, {1, 0}, {2, 0}, {3, 0}}
	return treehandle.Build(pts, 1)
}

func TestLocalExchangeFindSubTable(t *testing.T) {
	root := buildLocal()
	e := NewLocalExchange(root, testLogger())

	sub := SubTable{Table: root, Node: root}
	e.Register(7, sub)

	got, ok := e.FindSubTable(7)
	if !ok {
		t.Fatal("expected FindSubTable to find a registered cache id")
	}
	if got.Node != sub.Node {
		t.Error("FindSubTable returned a different node than registered")
	}

	if _, ok := e.FindSubTable(999); ok {
		t.Error("expected FindSubTable to miss on an unregistered cache id")
	}
}

func TestLocalExchangeFindByBeginCount(t *testing.T) {
	root := buildLocal()
	e := NewLocalExchange(root, testLogger())

	node, ok := e.FindByBeginCount(root.Begin(), root.Count())
	if !ok {
		t.Fatal("expected FindByBeginCount to find the root by its own (begin, count)")
	}
	if node.Begin() != root.Begin() || node.Count() != root.Count() {
		t.Errorf("FindByBeginCount returned wrong node: begin=%d count=%d", node.Begin(), node.Count())
	}

	if _, ok := e.FindByBeginCount(1000, 1); ok {
		t.Error("expected FindByBeginCount to miss on an unknown range")
	}
}

func TestLocalExchangeLockRelease(t *testing.T) {
	root := buildLocal()
	e := NewLocalExchange(root, testLogger())
	e.Register(1, SubTable{Table: root, Node: root})

	e.Lock(1, 2)
	if got := e.RefCount(1); got != 2 {
		t.Fatalf("RefCount = %d, want 2", got)
	}

	e.Release(1, 1)
	if got := e.RefCount(1); got != 1 {
		t.Fatalf("RefCount = %d, want 1", got)
	}
}

func TestLocalExchangeReleaseUnderflowSaturates(t *testing.T) {
	root := buildLocal()
	e := NewLocalExchange(root, testLogger())
	e.Register(1, SubTable{Table: root, Node: root})

	e.Lock(1, 1)
	e.Release(1, 5)
	if got := e.RefCount(1); got != 0 {
		t.Fatalf("RefCount = %d, want 0 (saturated)", got)
	}
}

func TestLocalExchangeLockOnUnregisteredIsNoop(t *testing.T) {
	root := buildLocal()
	e := NewLocalExchange(root, testLogger())
	e.Lock(42, 3) // must not panic
	if got := e.RefCount(42); got != 0 {
		t.Fatalf("RefCount = %d, want 0 for never-registered cache id", got)
	}
}

func TestLocalExchangeDeliverInvokesHandler(t *testing.T) {
	root := buildLocal()
	e := NewLocalExchange(root, testLogger())

	h := &recordingHandler{}
	if err := e.Init(WorldInfo{Rank: 0, Size: 1}, nil, nil, h); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	arrived := []ArrivedSubtable{{SrcRank: 0, RefBegin: 0, RefCount: 2, CacheID: 5}}
	subs := map[int64]SubTable{5: {Table: root, Node: root}}
	e.Deliver(nil, arrived, subs)

	if len(h.calls) != 1 {
		t.Fatalf("expected handler invoked once, got %d calls", len(h.calls))
	}
	if len(h.calls[0]) != 1 || h.calls[0][0].CacheID != 5 {
		t.Errorf("handler called with unexpected arrival list: %+v", h.calls[0])
	}

	if _, ok := e.FindSubTable(5); !ok {
		t.Error("expected Deliver to have registered the delivered subtable")
	}
}

func TestLocalExchangeCanTerminate(t *testing.T) {
	root := buildLocal()
	e := NewLocalExchange(root, testLogger())

	if e.CanTerminate() {
		t.Error("expected CanTerminate to be false before SetDone")
	}
	e.SetDone(true)
	if !e.CanTerminate() {
		t.Error("expected CanTerminate to be true after SetDone(true)")
	}
}
