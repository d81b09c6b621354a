// Package partitions provides the distributed index and vector layer:
// index sets, partitioners with neighbor exchange maps, and ghosted
// vectors with split-phase update and compress operations.
package partitions

import (
	"sort"

	"github.com/pkg/errors"
)

// Interval is a half-open index range.
type Interval struct {
	Begin, End int64
}

// IndexSet is a sorted union of disjoint half-open intervals over a
// global index space.
type IndexSet struct {
	size      int64
	intervals []Interval
	compacted bool
}

// NewIndexSet creates an empty set over a global space of the given
// size.
func NewIndexSet(size int64) *IndexSet {
	return &IndexSet{size: size, compacted: true}
}

// GlobalSize returns the size of the surrounding index space.
func (s *IndexSet) GlobalSize() int64 { return s.size }

// AddRange inserts the half-open range [begin, end).
func (s *IndexSet) AddRange(begin, end int64) {
	if begin >= end {
		return
	}
	s.intervals = append(s.intervals, Interval{Begin: begin, End: end})
	s.compacted = false
}

// AddIndex inserts a single index.
func (s *IndexSet) AddIndex(idx int64) { s.AddRange(idx, idx+1) }

// Compress sorts and merges the intervals; queries call it implicitly.
func (s *IndexSet) Compress() {
	if s.compacted {
		return
	}
	sort.Slice(s.intervals, func(i, j int) bool { return s.intervals[i].Begin < s.intervals[j].Begin })
	merged := s.intervals[:0]
	for _, iv := range s.intervals {
		if n := len(merged); n > 0 && iv.Begin <= merged[n-1].End {
			if iv.End > merged[n-1].End {
				merged[n-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	s.intervals = merged
	s.compacted = true
}

// NElements counts the indices in the set.
func (s *IndexSet) NElements() int64 {
	s.Compress()
	var n int64
	for _, iv := range s.intervals {
		n += iv.End - iv.Begin
	}
	return n
}

// Contains reports set membership.
func (s *IndexSet) Contains(idx int64) bool {
	s.Compress()
	i := sort.Search(len(s.intervals), func(i int) bool { return s.intervals[i].End > idx })
	return i < len(s.intervals) && s.intervals[i].Begin <= idx
}

// PositionOf returns the position of a global index within the set's
// ascending enumeration, or -1 when absent.
func (s *IndexSet) PositionOf(idx int64) int64 {
	s.Compress()
	var before int64
	for _, iv := range s.intervals {
		if idx < iv.Begin {
			return -1
		}
		if idx < iv.End {
			return before + (idx - iv.Begin)
		}
		before += iv.End - iv.Begin
	}
	return -1
}

// NthIndex returns the n-th global index of the ascending enumeration.
func (s *IndexSet) NthIndex(n int64) (int64, error) {
	s.Compress()
	for _, iv := range s.intervals {
		span := iv.End - iv.Begin
		if n < span {
			return iv.Begin + n, nil
		}
		n -= span
	}
	return 0, errors.Errorf("position %d beyond set of %d elements", n, s.NElements())
}

// Each visits every index in ascending order.
func (s *IndexSet) Each(fn func(idx int64) bool) {
	s.Compress()
	for _, iv := range s.intervals {
		for idx := iv.Begin; idx < iv.End; idx++ {
			if !fn(idx) {
				return
			}
		}
	}
}

// Indices materializes the set in ascending order.
func (s *IndexSet) Indices() []int64 {
	out := make([]int64, 0, s.NElements())
	s.Each(func(idx int64) bool {
		out = append(out, idx)
		return true
	})
	return out
}

// Intervals returns the merged interval list.
func (s *IndexSet) Intervals() []Interval {
	s.Compress()
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// IsSubsetOf reports whether every index of the set lies in other.
func (s *IndexSet) IsSubsetOf(other *IndexSet) bool {
	s.Compress()
	other.Compress()
	for _, iv := range s.intervals {
		i := sort.Search(len(other.intervals), func(i int) bool { return other.intervals[i].End > iv.Begin })
		if i >= len(other.intervals) || other.intervals[i].Begin > iv.Begin || other.intervals[i].End < iv.End {
			return false
		}
	}
	return true
}

// Equal reports whether two sets hold the same indices over the same
// space.
func (s *IndexSet) Equal(other *IndexSet) bool {
	s.Compress()
	other.Compress()
	if s.size != other.size || len(s.intervals) != len(other.intervals) {
		return false
	}
	for i, iv := range s.intervals {
		if other.intervals[i] != iv {
			return false
		}
	}
	return true
}
