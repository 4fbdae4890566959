package rangeset

import (
	"fmt"
	"testing"
)

func dump(s *Set) string {
	out := ""
	for _, r := range s.Ascending() {
		out += fmt.Sprintf("[%d,%d]", r.Smallest, r.Largest)
	}
	return out
}

func TestAddMerging(t *testing.T) {
	var s Set
	check := func(want string) {
		t.Helper()
		if got := dump(&s); got != want {
			t.Fatalf("set = %s, want %s", got, want)
		}
	}

	s.Add(5)
	check("[5,5]")
	s.Add(7)
	check("[5,5][7,7]")
	s.Add(6) // bridges the two
	check("[5,7]")
	s.Add(4) // adjacent below
	check("[4,7]")
	s.Add(9)
	check("[4,7][9,9]")
	s.AddRange(1, 2)
	check("[1,2][4,7][9,9]")
	s.AddRange(3, 20) // swallows everything
	check("[1,20]")
	s.AddRange(15, 18) // fully contained, no change
	check("[1,20]")
}

func TestAddRangeInsertBefore(t *testing.T) {
	var s Set
	s.AddRange(10, 20)
	s.AddRange(1, 3)
	if got := dump(&s); got != "[1,3][10,20]" {
		t.Fatalf("set = %s", got)
	}
	if s.Min() != 1 || s.Max() != 20 {
		t.Fatalf("min/max = %d/%d", s.Min(), s.Max())
	}
}

func TestContains(t *testing.T) {
	var s Set
	s.AddRange(3, 5)
	s.AddRange(10, 10)
	for _, tc := range []struct {
		v    uint64
		want bool
	}{
		{2, false}, {3, true}, {4, true}, {5, true},
		{6, false}, {9, false}, {10, true}, {11, false},
	} {
		if s.Contains(tc.v) != tc.want {
			t.Fatalf("Contains(%d) = %v", tc.v, !tc.want)
		}
	}
}

func TestRemoveBelow(t *testing.T) {
	var s Set
	s.AddRange(1, 4)
	s.AddRange(8, 12)
	s.RemoveBelow(3)
	if got := dump(&s); got != "[3,4][8,12]" {
		t.Fatalf("set = %s", got)
	}
	s.RemoveBelow(5)
	if got := dump(&s); got != "[8,12]" {
		t.Fatalf("set = %s", got)
	}
	s.RemoveBelow(13)
	if !s.IsEmpty() {
		t.Fatalf("set not empty: %s", dump(&s))
	}
}

func TestRemoveRangeSplits(t *testing.T) {
	var s Set
	s.AddRange(0, 100)
	s.RemoveRange(10, 20)
	if got := dump(&s); got != "[0,9][21,100]" {
		t.Fatalf("set = %s", got)
	}
	s.RemoveRange(0, 5)
	if got := dump(&s); got != "[6,9][21,100]" {
		t.Fatalf("set = %s", got)
	}
	s.RemoveRange(8, 30)
	if got := dump(&s); got != "[6,7][31,100]" {
		t.Fatalf("set = %s", got)
	}
	s.RemoveRange(0, 200)
	if !s.IsEmpty() {
		t.Fatalf("set not empty: %s", dump(&s))
	}
}

func TestDescending(t *testing.T) {
	var s Set
	s.AddRange(1, 2)
	s.AddRange(5, 6)
	s.AddRange(9, 9)
	desc := s.Descending()
	if len(desc) != 3 || desc[0].Smallest != 9 || desc[2].Largest != 2 {
		t.Fatalf("descending = %v", desc)
	}
	if desc[1].Len() != 2 {
		t.Fatalf("middle range len = %d", desc[1].Len())
	}
}

func TestOverflowGuard(t *testing.T) {
	top := ^uint64(0)
	var s Set
	s.AddRange(top-1, top)
	s.Add(5)
	if got := dump(&s); got != fmt.Sprintf("[5,5][%d,%d]", top-1, top) {
		t.Fatalf("set = %s", got)
	}
	s.AddRange(top-3, top)
	if s.Len() != 2 {
		t.Fatalf("ranges = %s", dump(&s))
	}
}
