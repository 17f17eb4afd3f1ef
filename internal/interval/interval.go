// Package interval implements the per-query-subtree Interval Set from
// spec.md §2.2/§3 (AssignedWork[q]): an idempotent set of half-open integer
// intervals keyed by (rank, lo, hi), used to deduplicate reference-interval
// assignments so the same (rank, begin, count) arrival never produces two
// tasks for the same query subtree.
//
// Backed by github.com/google/btree (the ordered-map structure
// cockroachdb-cockroach depends on) rather than a hand-rolled balanced tree:
// intervals are stored ordered by (rank, lo), so Insert scans the new
// interval's rank in lo order and stops at the first entry that starts
// past the new interval's end.
package interval

import (
	"math"

	"github.com/google/btree"
)

const degree = 32

// entry is one stored (rank, lo, hi) interval, lo inclusive, hi exclusive.
type entry struct {
	rank   int
	lo, hi int
}

func less(a, b entry) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.lo < b.lo
}

// Set is one query subtree's record of reference intervals already
// converted into tasks. Not safe for concurrent use; callers (the
// dispatcher) serialize access with their own mutex.
type Set struct {
	tree *btree.BTreeG[entry]
}

// New creates an empty Set.
func New() *Set {
	return &Set{tree: btree.NewG(degree, less)}
}

// Clone deep-copies s. Used by the splitting protocol (spec.md §4.2) to
// give a newly-split subtree's right child the same assigned-work history
// as its parent, without intersecting it against the child's narrower
// geometry — the spec calls this out as deliberately conservative (see
// DESIGN.md, Open Question 2): it may cause the right child to skip a task
// the parent genuinely has not yet seen for that half of the space.
func (s *Set) Clone() *Set {
	clone := New()
	s.tree.Ascend(func(e entry) bool {
		clone.tree.ReplaceOrInsert(e)
		return true
	})
	return clone
}

// Insert records [lo, hi) for rank, returning true iff this call added
// coverage that was not already present (first insertion of a given
// interval), false if the interval was already fully covered by an
// existing entry for the same rank.
func (s *Set) Insert(rank, lo, hi int) bool {
	if hi <= lo {
		return false
	}

	// Gather every existing interval for this rank that overlaps or
	// touches [lo, hi), merging them into the new entry's span. Two
	// intervals "touch" when one's hi equals the other's lo so adjacent
	// assignments coalesce instead of accumulating as separate entries.
	mergedLo, mergedHi := lo, hi
	alreadyCovered := false
	var toDelete []entry

	s.tree.AscendGreaterOrEqual(entry{rank: rank, lo: math.MinInt}, func(e entry) bool {
		if e.rank != rank {
			return false // ranks are ascending; no more entries for this rank
		}
		if e.lo > hi {
			return false // entries are lo-ascending; nothing further can overlap
		}
		if e.hi < lo {
			return true // this entry ends before lo; keep scanning
		}
		if e.lo <= lo && e.hi >= hi {
			alreadyCovered = true
		}
		if e.lo < mergedLo {
			mergedLo = e.lo
		}
		if e.hi > mergedHi {
			mergedHi = e.hi
		}
		toDelete = append(toDelete, e)
		return true
	})

	if alreadyCovered {
		return false
	}

	for _, e := range toDelete {
		s.tree.Delete(e)
	}
	s.tree.ReplaceOrInsert(entry{rank: rank, lo: mergedLo, hi: mergedHi})
	return true
}

// Len reports how many disjoint intervals are currently stored, across all
// ranks. Exposed for tests.
func (s *Set) Len() int {
	return s.tree.Len()
}

