package rangetree

import (
	"sort"

	"cowrite/types"
)

// markerRange maps a run of item ids to the leaf currently holding them.
type markerRange struct {
	start, end types.LV
	leaf       *node
}

// markerIndex is the secondary id → leaf index. It is kept as sorted,
// disjoint ranges; Set splices in overwrites when spans move between leaves.
type markerIndex struct {
	ranges []markerRange
}

func (m *markerIndex) find(id types.LV) int {
	return sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].end > id
	})
}

// Get returns the leaf holding id, or nil when unmapped.
func (m *markerIndex) Get(id types.LV) *node {
	i := m.find(id)
	if i >= len(m.ranges) || m.ranges[i].start > id {
		return nil
	}
	return m.ranges[i].leaf
}

// Set maps [start, end) to leaf, overwriting any previous mapping.
func (m *markerIndex) Set(start, end types.LV, leaf *node) {
	if end <= start {
		return
	}
	lo := m.find(start)

	// Preserve the head of an overlapped range on the left.
	var prefix []markerRange
	if lo < len(m.ranges) && m.ranges[lo].start < start {
		prefix = append(prefix, markerRange{m.ranges[lo].start, start, m.ranges[lo].leaf})
	}

	hi := lo
	for hi < len(m.ranges) && m.ranges[hi].start < end {
		hi++
	}
	// Preserve the tail of an overlapped range on the right.
	var suffix []markerRange
	if hi > lo && m.ranges[hi-1].end > end {
		suffix = append(suffix, markerRange{end, m.ranges[hi-1].end, m.ranges[hi-1].leaf})
	}

	repl := prefix
	if n := len(repl); n > 0 && repl[n-1].leaf == leaf && repl[n-1].end == start {
		repl[n-1].end = end
	} else {
		repl = append(repl, markerRange{start, end, leaf})
	}
	repl = append(repl, suffix...)

	m.ranges = append(m.ranges[:lo], append(repl, m.ranges[hi:]...)...)

	// Merge with direct neighbours pointing at the same leaf.
	m.coalesceAround(lo)
}

func (m *markerIndex) coalesceAround(i int) {
	lo := i - 1
	if lo < 0 {
		lo = 0
	}
	hi := i + 3
	if hi > len(m.ranges) {
		hi = len(m.ranges)
	}
	for j := hi - 1; j > lo; j-- {
		if j < len(m.ranges) && j > 0 &&
			m.ranges[j-1].leaf == m.ranges[j].leaf && m.ranges[j-1].end == m.ranges[j].start {
			m.ranges[j-1].end = m.ranges[j].end
			m.ranges = append(m.ranges[:j], m.ranges[j+1:]...)
		}
	}
}
