package types

import (
	"fmt"
	"sort"
	"strings"
)

// Range is a closed interval of unsigned integers, Begin <= End.
type Range struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

// Ranges is a set of integer intervals. The zero value is the empty set.
//
// The canonical form maintained by the algebra below is sorted, disjoint, and non-adjacent
// (adjacent intervals are merged). All exported operations return their results in canonical form
// and accept arguments in any form.
type Ranges struct {
	Ranges []Range `json:"range"`
}

// NewRanges constructs a Ranges value in canonical form from the given intervals.
func NewRanges(ranges ...Range) *Ranges {
	r := &Ranges{Ranges: ranges}
	return r.normalize()
}

// Validate returns an error if any interval is inverted (Begin > End).
func (r *Ranges) Validate() error {
	for _, interval := range r.Ranges {
		if interval.Begin > interval.End {
			return fmt.Errorf("%w: range [%d-%d] is inverted", ErrMalformedResource, interval.Begin, interval.End)
		}
	}

	return nil
}

// Size returns the total number of integers contained in the set.
func (r *Ranges) Size() uint64 {
	normalized := r.normalize()

	var size uint64
	for _, interval := range normalized.Ranges {
		size += interval.End - interval.Begin + 1
	}

	return size
}

// IsEmpty returns true if the set contains no integers.
func (r *Ranges) IsEmpty() bool {
	return r.Size() == 0
}

// Clone returns a deep copy of the set.
func (r *Ranges) Clone() *Ranges {
	clone := &Ranges{Ranges: make([]Range, len(r.Ranges))}
	copy(clone.Ranges, r.Ranges)
	return clone
}

// Contains returns true if every integer in other is also present in r.
func (r *Ranges) Contains(other *Ranges) bool {
	a := r.normalize()
	b := other.normalize()

	i := 0
	for _, want := range b.Ranges {
		for i < len(a.Ranges) && a.Ranges[i].End < want.Begin {
			i++
		}

		if i >= len(a.Ranges) || a.Ranges[i].Begin > want.Begin || a.Ranges[i].End < want.End {
			return false
		}
	}

	return true
}

// Plus returns the union of r and other. Neither receiver nor argument is mutated.
func (r *Ranges) Plus(other *Ranges) *Ranges {
	combined := &Ranges{Ranges: make([]Range, 0, len(r.Ranges)+len(other.Ranges))}
	combined.Ranges = append(combined.Ranges, r.Ranges...)
	combined.Ranges = append(combined.Ranges, other.Ranges...)
	return combined.normalize()
}

// Minus returns the set difference r \ other.
//
// Minus fails with ErrQuantityUnderflow if other is not fully contained in r, mirroring the
// scalar subtraction contract: callers must establish containment before subtracting.
func (r *Ranges) Minus(other *Ranges) (*Ranges, error) {
	if !r.Contains(other) {
		return nil, fmt.Errorf("%w: %s is not contained in %s", ErrQuantityUnderflow, other.String(), r.String())
	}

	result := r.normalize()
	for _, remove := range other.normalize().Ranges {
		remaining := make([]Range, 0, len(result.Ranges)+1)
		for _, interval := range result.Ranges {
			// No overlap: keep the interval as-is.
			if remove.End < interval.Begin || remove.Begin > interval.End {
				remaining = append(remaining, interval)
				continue
			}

			if remove.Begin > interval.Begin {
				remaining = append(remaining, Range{Begin: interval.Begin, End: remove.Begin - 1})
			}

			if remove.End < interval.End {
				remaining = append(remaining, Range{Begin: remove.End + 1, End: interval.End})
			}
		}
		result.Ranges = remaining
	}

	return result, nil
}

// Equals returns true if both sets contain exactly the same integers.
func (r *Ranges) Equals(other *Ranges) bool {
	a := r.normalize()
	b := other.normalize()

	if len(a.Ranges) != len(b.Ranges) {
		return false
	}

	for i := range a.Ranges {
		if a.Ranges[i] != b.Ranges[i] {
			return false
		}
	}

	return true
}

func (r *Ranges) String() string {
	normalized := r.normalize()

	parts := make([]string, 0, len(normalized.Ranges))
	for _, interval := range normalized.Ranges {
		parts = append(parts, fmt.Sprintf("%d-%d", interval.Begin, interval.End))
	}

	return "[" + strings.Join(parts, ",") + "]"
}

// normalize returns a sorted, disjoint, merged copy of the set.
func (r *Ranges) normalize() *Ranges {
	if len(r.Ranges) == 0 {
		return &Ranges{}
	}

	sorted := make([]Range, len(r.Ranges))
	copy(sorted, r.Ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Begin == sorted[j].Begin {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Begin < sorted[j].Begin
	})

	merged := make([]Range, 0, len(sorted))
	current := sorted[0]
	for _, interval := range sorted[1:] {
		// Merge overlapping and adjacent intervals.
		if interval.Begin <= current.End || (current.End != ^uint64(0) && interval.Begin == current.End+1) {
			if interval.End > current.End {
				current.End = interval.End
			}
			continue
		}

		merged = append(merged, current)
		current = interval
	}
	merged = append(merged, current)

	return &Ranges{Ranges: merged}
}
