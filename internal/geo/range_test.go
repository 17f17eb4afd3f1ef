package geo

import "testing"

func TestRangeMid(t *testing.T) {
	r := Range{Lo: 2, Hi: 8}
	if got := r.Mid(); got != 5 {
		t.Errorf("Mid() = %v, want 5", got)
	}
}

func TestRangeMidDegenerate(t *testing.T) {
	r := Range{Lo: 3, Hi: 3}
	if got := r.Mid(); got != 3 {
		t.Errorf("Mid() = %v, want 3", got)
	}
}
