package urlmetric

import (
	"fmt"
	"slices"
	"sort"
)

// NormalizeBreakpoints returns the breakpoints sorted ascending with
// duplicates removed.  Every breakpoint must be a positive width.
func NormalizeBreakpoints(breakpoints []int) ([]int, error) {
	out := slices.Clone(breakpoints)
	for _, b := range out {
		if b <= 0 {
			return nil, fmt.Errorf("breakpoint %d is not a positive width: %w", b, ErrInvalidArgument)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// BreakpointIndex returns the index of the group that a viewport
// width falls into, given normalized breakpoints.  A width equal to a
// breakpoint belongs to the group above it.
func BreakpointIndex(breakpoints []int, width int) int {
	return sort.Search(len(breakpoints), func(i int) bool {
		return breakpoints[i] > width
	})
}
