package interval

import "testing"

func TestInsertFirstAlwaysTrue(t *testing.T) {
	s := New()
	if !s.Insert(0, 10, 20) {
		t.Fatal("first insertion of an interval must return true")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestInsertExactDuplicateReturnsFalse(t *testing.T) {
	s := New()
	s.Insert(0, 10, 20)
	if s.Insert(0, 10, 20) {
		t.Error("re-inserting the same interval must return false")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestInsertSubsumedReturnsFalse(t *testing.T) {
	s := New()
	s.Insert(0, 0, 100)
	if s.Insert(0, 10, 20) {
		t.Error("inserting a sub-interval of an already-covered range must return false")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestInsertOverlappingMerges(t *testing.T) {
	s := New()
	s.Insert(0, 0, 10)
	if !s.Insert(0, 5, 15) {
		t.Error("overlapping-but-not-subsumed interval must return true")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 merged interval", s.Len())
	}
	// The merged span should now cover [0, 15); a later insert fully inside
	// it must be rejected.
	if s.Insert(0, 2, 8) {
		t.Error("interval inside the merged span should now be covered")
	}
}

func TestInsertAdjacentTouchesMerge(t *testing.T) {
	s := New()
	s.Insert(0, 0, 10)
	if !s.Insert(0, 10, 20) {
		t.Error("adjacent interval must return true")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want touching intervals to coalesce into 1", s.Len())
	}
}

func TestInsertDisjointKeepsSeparate(t *testing.T) {
	s := New()
	s.Insert(0, 0, 10)
	s.Insert(0, 100, 110)
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 disjoint intervals", s.Len())
	}
}

func TestInsertDifferentRanksIndependent(t *testing.T) {
	s := New()
	s.Insert(0, 0, 10)
	if !s.Insert(1, 0, 10) {
		t.Error("same span on a different rank must not be considered covered")
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
}

func TestInsertEmptyRangeIsNoop(t *testing.T) {
	s := New()
	if s.Insert(0, 10, 10) {
		t.Error("empty [lo, hi) range must return false")
	}
	if s.Insert(0, 10, 5) {
		t.Error("inverted range must return false")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestCloneIndependence(t *testing.T) {
	s := New()
	s.Insert(0, 0, 10)

	clone := s.Clone()
	clone.Insert(0, 100, 110)

	if s.Len() != 1 {
		t.Errorf("original Len() = %d, want 1 (clone mutation leaked)", s.Len())
	}
	if clone.Len() != 2 {
		t.Errorf("clone Len() = %d, want 2", clone.Len())
	}
}

func TestCloneStartsWithSameCoverage(t *testing.T) {
	s := New()
	s.Insert(0, 0, 10)
	clone := s.Clone()
	if clone.Insert(0, 2, 8) {
		t.Error("clone should start out covering everything the parent covered")
	}
}

func TestInsertGapBetweenNonTouchingKeptSeparate(t *testing.T) {
	s := New()
	s.Insert(0, 0, 10)
	s.Insert(0, 11, 20) // gap at [10,11), not touching
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 for a non-touching gap", s.Len())
	}
	// now bridge the gap
	if !s.Insert(0, 9, 12) {
		t.Error("bridging insert must return true")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want bridging insert to merge all three into 1", s.Len())
	}
}
