package treehandle

import (
	"testing"

	"github.com/dualtree/taskqueue/internal/geo"
)

func gridPoints() []Point {
	pts := make([]Point, 0, 16)
	for x := 0.0; x < 4; x++ {
		for y := 0.0; y < 4; y++ {
			pts = append(pts, Point{x, y})
		}
	}
	return pts
}

func TestBuildCoversAllPoints(t *testing.T) {
	pts := gridPoints()
	tree := Build(pts, 2)
	if tree.Count() != len(pts) {
		t.Fatalf("root Count() = %d, want %d", tree.Count(), len(pts))
	}
}

func TestBuildLeafSize(t *testing.T) {
	pts := gridPoints()
	tree := Build(pts, 2)

	var walk func(*Tree)
	walk = func(n *Tree) {
		if n.IsLeaf() {
			if n.Count() > 4 {
				// leafSize bounds splitting, not a hard count cap, but a
				// leaf should never be wildly larger than leafSize for this
				// well-distributed grid.
				t.Errorf("leaf has %d points, expected close to leafSize", n.Count())
			}
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(tree)
}

func TestNilChildHandleIsUntypedNil(t *testing.T) {
	pts := []Point{{0, 0}, {1, 1}}
	tree := Build(pts, 10) // leafSize large enough to stay a single leaf
	if !tree.IsLeaf() {
		t.Fatalf("expected a single leaf for leafSize=10 with 2 points")
	}
	if tree.Left() != nil {
		t.Errorf("Left() on a leaf must compare equal to nil")
	}
	if tree.Right() != nil {
		t.Errorf("Right() on a leaf must compare equal to nil")
	}
}

func TestSplitProducesTwoNonEmptyChildren(t *testing.T) {
	pts := gridPoints()
	tree := Build(pts, 2)
	if tree.IsLeaf() {
		t.Fatalf("expected root to split for 16 points with leafSize=2")
	}
	if tree.left == nil || tree.right == nil {
		t.Fatalf("expected both children present")
	}
	if tree.left.Count()+tree.right.Count() != tree.Count() {
		t.Errorf("children counts %d+%d do not sum to parent %d", tree.left.Count(), tree.right.Count(), tree.Count())
	}
}

func TestBoxRangeDistanceSqDisjoint(t *testing.T) {
	a := Box{Lo: Point{0, 0}, Hi: Point{1, 1}}
	b := Box{Lo: Point{3, 0}, Hi: Point{4, 1}}

	r := a.RangeDistanceSq(b)
	if r.Lo <= 0 {
		t.Errorf("expected strictly positive Lo for disjoint boxes, got %v", r.Lo)
	}
	if r.Hi < r.Lo {
		t.Errorf("Hi (%v) should be >= Lo (%v)", r.Hi, r.Lo)
	}
}

func TestBoxRangeDistanceSqOverlapping(t *testing.T) {
	a := Box{Lo: Point{0, 0}, Hi: Point{2, 2}}
	b := Box{Lo: Point{1, 1}, Hi: Point{3, 3}}

	r := a.RangeDistanceSq(b)
	if r.Lo != 0 {
		t.Errorf("expected Lo=0 for overlapping boxes, got %v", r.Lo)
	}
}

func TestBoxRangeDistanceSqForeignTypePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for foreign Bound type")
		}
	}()
	a := Box{Lo: Point{0, 0}, Hi: Point{1, 1}}
	a.RangeDistanceSq(fakeBound{})
}

// fakeBound satisfies geo.Bound without being a Box, to exercise
// RangeDistanceSq's type-assertion panic.
type fakeBound struct{}

func (fakeBound) RangeDistanceSq(other geo.Bound) geo.Range {
	return geo.Range{}
}

func TestLocalTableFrontierGrowsToward(t *testing.T) {
	pts := gridPoints()
	root := Build(pts, 1)
	lt := &LocalTable{Root: root, RankCounts: []int{len(pts)}}

	frontier := lt.Frontier(4)
	if len(frontier) == 0 {
		t.Fatal("expected a non-empty frontier")
	}
	total := 0
	for _, h := range frontier {
		total += h.Count()
	}
	if total != len(pts) {
		t.Errorf("frontier covers %d points, want %d", total, len(pts))
	}
}

func TestLocalTableFrontierSingleLeafStaysSize1(t *testing.T) {
	pts := []Point{{0, 0}}
	root := Build(pts, 10)
	lt := &LocalTable{Root: root, RankCounts: []int{1}}

	frontier := lt.Frontier(8)
	if len(frontier) != 1 {
		t.Fatalf("expected frontier of 1 for a single leaf, got %d", len(frontier))
	}
}

func TestLocalTableLocalPointsOutOfRange(t *testing.T) {
	lt := &LocalTable{RankCounts: []int{3, 5}}
	if got := lt.LocalPoints(2); got != 0 {
		t.Errorf("LocalPoints(2) = %d, want 0", got)
	}
	if got := lt.LocalPoints(1); got != 5 {
		t.Errorf("LocalPoints(1) = %d, want 5", got)
	}
}
