// Package segment implements the interval arithmetic behind pad
// allocation: half-open byte ranges, overlap detection, and the
// first-fit free-range search used when no explicit offset is given.
//
// All functions are pure; the segment package holds no state and does
// no I/O. Persisting and serializing segments is the state package's
// job, deciding when to allocate is the coordinator's.
package segment

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfBounds indicates a segment that is empty, inverted, or not
// fully contained within the pad.
var ErrOutOfBounds = errors.New("segment out of pad bounds")

// ErrOverlap indicates a segment that intersects an already-used segment.
var ErrOverlap = errors.New("segment overlaps used range")

// ErrInsufficientSpace indicates that no free range of the requested
// length exists in the pad.
var ErrInsufficientSpace = errors.New("insufficient contiguous pad space")

// Segment is a half-open byte range [Start, End) within a single pad.
type Segment struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// New constructs the segment [start, start+length).
func New(start, length uint64) Segment {
	return Segment{Start: start, End: start + length}
}

// Length returns the number of bytes the segment covers.
func (s Segment) Length() uint64 {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

// Overlaps reports whether s and o share at least one byte.
func (s Segment) Overlaps(o Segment) bool {
	return s.Start < o.End && o.Start < s.End
}

// Equal reports whether s and o describe exactly the same range.
func (s Segment) Equal(o Segment) bool {
	return s.Start == o.Start && s.End == o.End
}

// String formats the segment for error messages and logs.
func (s Segment) String() string {
	return fmt.Sprintf("[%d, %d)", s.Start, s.End)
}

// Validate checks that s is a well-formed, non-empty range inside a pad
// of padSize bytes.
func Validate(s Segment, padSize uint64) error {
	if s.End <= s.Start {
		return fmt.Errorf("%w: segment %s is empty or inverted", ErrOutOfBounds, s)
	}
	if s.End > padSize {
		return fmt.Errorf("%w: segment %s exceeds pad size %d", ErrOutOfBounds, s, padSize)
	}
	return nil
}

// CheckFree validates the explicit-offset case: s must be in bounds and
// must not intersect any segment in used. The request is never shifted;
// a conflict is an error.
func CheckFree(used []Segment, s Segment, padSize uint64) error {
	if err := Validate(s, padSize); err != nil {
		return err
	}
	for _, u := range used {
		if s.Overlaps(u) {
			return fmt.Errorf("%w: requested %s intersects used %s", ErrOverlap, s, u)
		}
	}
	return nil
}

// UsedBytes returns the total number of bytes covered by used.
// Segments are assumed pairwise disjoint (the state store enforces this).
func UsedBytes(used []Segment) uint64 {
	var total uint64
	for _, u := range used {
		total += u.Length()
	}
	return total
}

// sorted returns a copy of used ordered by ascending Start. Callers may
// hold segments in any order; all scanning here normalizes first.
func sorted(used []Segment) []Segment {
	out := make([]Segment, len(used))
	copy(out, used)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// FirstFit returns the lowest start position >= minStart at which a free
// range of the given length fits, scanning gaps between used segments in
// ascending order (first-fit from byte zero). Gaps left by explicit-offset
// allocations are candidates like any other free range.
func FirstFit(used []Segment, padSize, length, minStart uint64) (uint64, error) {
	if length == 0 || length > padSize {
		return 0, fmt.Errorf("%w: requested length %d, pad size %d", ErrInsufficientSpace, length, padSize)
	}

	cursor := minStart
	for _, u := range sorted(used) {
		if u.End <= cursor {
			continue
		}
		if u.Start >= cursor && u.Start-cursor >= length {
			return cursor, nil
		}
		if u.End > cursor {
			cursor = u.End
		}
	}
	if padSize >= cursor && padSize-cursor >= length {
		return cursor, nil
	}
	return 0, fmt.Errorf("%w: no free range of %d bytes at or after offset %d", ErrInsufficientSpace, length, minStart)
}
