// Package rangeset maintains an ordered set of non-overlapping,
// non-adjacent intervals of packet numbers.
package rangeset

// Range is a closed interval [Smallest, Largest].
type Range struct {
	Smallest uint64
	Largest  uint64
}

// Len returns the number of values covered by the range.
func (r Range) Len() uint64 { return r.Largest - r.Smallest + 1 }

// Contains reports whether v lies inside the range.
func (r Range) Contains(v uint64) bool { return v >= r.Smallest && v <= r.Largest }

// Set is an ascending list of disjoint ranges. The zero value is empty.
type Set struct {
	ranges []Range
}

// Add inserts v, merging with neighbouring ranges where adjacent.
func (s *Set) Add(v uint64) {
	s.AddRange(v, v)
}

// AddRange inserts the interval [smallest, largest].
func (s *Set) AddRange(smallest, largest uint64) {
	if largest < smallest {
		return
	}
	// Find the first range whose end reaches smallest-1 (merge candidate).
	i := 0
	for i < len(s.ranges) && s.ranges[i].Largest+1 < smallest {
		// Guard the +1 overflow at the top of the number space.
		if s.ranges[i].Largest == ^uint64(0) {
			break
		}
		i++
	}
	if i == len(s.ranges) {
		s.ranges = append(s.ranges, Range{Smallest: smallest, Largest: largest})
		return
	}
	if s.ranges[i].Smallest > largest+1 && largest != ^uint64(0) {
		// Entirely before range i, not adjacent: insert.
		s.ranges = append(s.ranges, Range{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = Range{Smallest: smallest, Largest: largest}
		return
	}
	// Overlaps or touches range i; possibly swallows later ranges too.
	if smallest < s.ranges[i].Smallest {
		s.ranges[i].Smallest = smallest
	}
	if largest > s.ranges[i].Largest {
		s.ranges[i].Largest = largest
	}
	j := i + 1
	for j < len(s.ranges) && s.ranges[j].Smallest <= s.ranges[i].Largest+1 {
		if s.ranges[j].Largest > s.ranges[i].Largest {
			s.ranges[i].Largest = s.ranges[j].Largest
		}
		j++
	}
	s.ranges = append(s.ranges[:i+1], s.ranges[j:]...)
}

// RemoveBelow drops all values smaller than v.
func (s *Set) RemoveBelow(v uint64) {
	i := 0
	for i < len(s.ranges) && s.ranges[i].Largest < v {
		i++
	}
	s.ranges = s.ranges[i:]
	if len(s.ranges) > 0 && s.ranges[0].Smallest < v {
		s.ranges[0].Smallest = v
	}
}

// RemoveRange deletes the interval [smallest, largest] from the set,
// splitting ranges that straddle its edges.
func (s *Set) RemoveRange(smallest, largest uint64) {
	if largest < smallest {
		return
	}
	out := make([]Range, 0, len(s.ranges)+1)
	for _, r := range s.ranges {
		if r.Largest < smallest || r.Smallest > largest {
			out = append(out, r)
			continue
		}
		if r.Smallest < smallest {
			out = append(out, Range{Smallest: r.Smallest, Largest: smallest - 1})
		}
		if r.Largest > largest {
			out = append(out, Range{Smallest: largest + 1, Largest: r.Largest})
		}
	}
	s.ranges = out
}

// Contains reports whether v is in the set.
func (s *Set) Contains(v uint64) bool {
	for _, r := range s.ranges {
		if v < r.Smallest {
			return false
		}
		if v <= r.Largest {
			return true
		}
	}
	return false
}

// Max returns the largest value in the set. Valid only when not empty.
func (s *Set) Max() uint64 { return s.ranges[len(s.ranges)-1].Largest }

// Min returns the smallest value in the set. Valid only when not empty.
func (s *Set) Min() uint64 { return s.ranges[0].Smallest }

// Len returns the number of ranges.
func (s *Set) Len() int { return len(s.ranges) }

// IsEmpty reports whether the set holds no values.
func (s *Set) IsEmpty() bool { return len(s.ranges) == 0 }

// Descending returns the ranges from largest to smallest, the order ACK
// frames are encoded in. The returned slice is freshly allocated.
func (s *Set) Descending() []Range {
	out := make([]Range, len(s.ranges))
	for i, r := range s.ranges {
		out[len(s.ranges)-1-i] = r
	}
	return out
}

// Ascending returns the ranges smallest-first. The slice aliases internal
// state and must not be mutated.
func (s *Set) Ascending() []Range { return s.ranges }

// Reset empties the set.
func (s *Set) Reset() { s.ranges = s.ranges[:0] }
