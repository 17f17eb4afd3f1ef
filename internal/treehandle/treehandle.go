// Package treehandle defines the Tree Handle contract the dispatcher
// consumes (spec.md §2.1) and a small concrete binary space-partitioning
// tree that satisfies it, used by tests and the demo entry point. A real
// deployment plugs in whatever spatial-tree package actually constructs the
// query and reference trees; the dispatcher never constructs a tree itself.
package treehandle

import "github.com/dualtree/taskqueue/internal/geo"

// Handle is the opaque node handle the dispatcher depends on. It is
// "external" in the sense of spec.md §2.1: the dispatcher borrows handles
// from trees it did not build and never mutates them.
type Handle interface {
	// Left and Right are nil on a leaf.
	Left() Handle
	Right() Handle
	IsLeaf() bool

	// Bound is the node's geometric extent.
	Bound() geo.Bound

	// Count is the number of points covered by this node.
	Count() int

	// Begin is the offset of this node's point range within its owning
	// table. (Begin, Count) is unique within one process and, together
	// with the owning rank, is the wire identity of a query subtree
	// (spec.md §6).
	Begin() int
}

// Point is a coordinate in the toy space the concrete tree below indexes.
// A real spatial-tree package would use its own higher-dimensional point
// type; the dispatcher never looks at points directly, only at bounds.
type Point []float64

// Box is an axis-aligned bounding box, the Bound implementation for Tree.
type Box struct {
	Lo Point
	Hi Point
}

// RangeDistanceSq implements geo.Bound: the squared-distance range between
// two axis-aligned boxes, computed dimension-by-dimension the way
// HRectBound::RangeDistance does in the original's rectangle tree.
func (b Box) RangeDistanceSq(other geo.Bound) geo.Range {
	ob, ok := other.(Box)
	if !ok {
		panic("treehandle: RangeDistanceSq called with a foreign Bound type")
	}
	var lo, hi float64
	for d := range b.Lo {
		minGap := axisMinDistance(b.Lo[d], b.Hi[d], ob.Lo[d], ob.Hi[d])
		maxGap := axisMaxDistance(b.Lo[d], b.Hi[d], ob.Lo[d], ob.Hi[d])
		lo += minGap * minGap
		hi += maxGap * maxGap
	}
	return geo.Range{Lo: lo, Hi: hi}
}

func axisMinDistance(aLo, aHi, bLo, bHi float64) float64 {
	if aHi < bLo {
		return bLo - aHi
	}
	if bHi < aLo {
		return aLo - bHi
	}
	return 0
}

func axisMaxDistance(aLo, aHi, bLo, bHi float64) float64 {
	d1 := abs(aHi - bLo)
	d2 := abs(bHi - aLo)
	if d1 > d2 {
		return d1
	}
	return d2
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Tree is a minimal concrete Handle: a binary tree built once over a flat
// point set by splitting on the widest axis at its midpoint, matching the
// spec's "half-open integer intervals over (begin, count)" identity scheme.
// It exists purely so internal/dispatcher and internal/interval have a real
// tree to split and query against in tests; production trees are supplied
// externally.
type Tree struct {
	left, right *Tree
	bound       Box
	begin       int
	count       int
}

// Build constructs a Tree over all of points, recursively splitting on the
// bounding box's widest dimension until leaves hold at most leafSize points
// (or a node's points cannot be split on that axis). points is not
// reordered; Build partitions a local index slice instead, so a node's
// Begin is the smallest index among its points, and its points are not in
// general the contiguous range points[Begin:Begin+Count].
func Build(points []Point, leafSize int) *Tree {
	idx := make([]int, len(points))
	for i := range idx {
		idx[i] = i
	}
	return build(points, idx, leafSize)
}

func build(points []Point, idx []int, leafSize int) *Tree {
	bound := boundOf(points, idx)
	node := &Tree{bound: bound, begin: idx[0], count: len(idx)}
	if len(idx) <= leafSize || len(idx) < 2 {
		return node
	}

	axis := widestAxis(bound)
	mid := (bound.Lo[axis] + bound.Hi[axis]) / 2

	var leftIdx, rightIdx []int
	for _, i := range idx {
		if points[i][axis] < mid {
			leftIdx = append(leftIdx, i)
		} else {
			rightIdx = append(rightIdx, i)
		}
	}
	if len(leftIdx) == 0 || len(rightIdx) == 0 {
		// Degenerate split (all points coincide on this axis): stop here.
		return node
	}

	node.left = build(points, leftIdx, leafSize)
	node.right = build(points, rightIdx, leafSize)
	return node
}

func boundOf(points []Point, idx []int) Box {
	dims := len(points[idx[0]])
	lo := make(Point, dims)
	hi := make(Point, dims)
	copy(lo, points[idx[0]])
	copy(hi, points[idx[0]])
	for _, i := range idx[1:] {
		for d := 0; d < dims; d++ {
			if points[i][d] < lo[d] {
				lo[d] = points[i][d]
			}
			if points[i][d] > hi[d] {
				hi[d] = points[i][d]
			}
		}
	}
	return Box{Lo: lo, Hi: hi}
}

func widestAxis(b Box) int {
	best, bestWidth := 0, -1.0
	for d := range b.Lo {
		w := b.Hi[d] - b.Lo[d]
		if w > bestWidth {
			best, bestWidth = d, w
		}
	}
	return best
}

func (t *Tree) Left() Handle {
	if t.left == nil {
		return nil
	}
	return t.left
}

func (t *Tree) Right() Handle {
	if t.right == nil {
		return nil
	}
	return t.right
}

func (t *Tree) IsLeaf() bool { return t.left == nil && t.right == nil }

func (t *Tree) Bound() geo.Bound { return t.bound }

func (t *Tree) Count() int { return t.count }

func (t *Tree) Begin() int { return t.begin }

// LocalTable adapts a Tree plus the cluster's per-rank point counts into
// the dispatcher.QueryTable and dispatcher.ReferenceTable contracts, so
// tests and the demo entry point have a concrete table without depending
// on internal/dispatcher (which would be an import cycle).
type LocalTable struct {
	Root       *Tree
	RankCounts []int // RankCounts[r] is LocalPoints(r)
}

// LocalPoints returns RankCounts[rank], or 0 if rank is out of range.
func (lt *LocalTable) LocalPoints(rank int) int {
	if rank < 0 || rank >= len(lt.RankCounts) {
		return 0
	}
	return lt.RankCounts[rank]
}

// Frontier repeatedly splits the largest non-leaf node until it holds at
// least maxNodes nodes or no non-leaf remains, the simplest partitioner
// that satisfies "roughly one per worker thread, but free to return more
// or fewer" (spec.md §4.1).
func (lt *LocalTable) Frontier(maxNodes int) []Handle {
	if lt.Root == nil {
		return nil
	}
	frontier := []*Tree{lt.Root}
	for len(frontier) < maxNodes {
		splitAt, best := -1, 0
		for i, n := range frontier {
			if !n.IsLeaf() && n.count > best {
				splitAt, best = i, n.count
			}
		}
		if splitAt < 0 {
			break
		}
		n := frontier[splitAt]
		frontier = append(frontier[:splitAt], frontier[splitAt+1:]...)
		frontier = append(frontier, n.left, n.right)
	}
	handles := make([]Handle, len(frontier))
	for i, n := range frontier {
		handles[i] = n
	}
	return handles
}
