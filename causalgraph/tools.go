package causalgraph

import (
	"container/heap"

	"golang.org/x/exp/slices"

	"cowrite/types"
)

// lvFlag is a heap item for the diff walk.
type lvFlag struct {
	lv   types.LV
	flag DiffFlag
}

// lvFlagHeap is a max-heap on lv.
type lvFlagHeap []lvFlag

func (h lvFlagHeap) Len() int            { return len(h) }
func (h lvFlagHeap) Less(i, j int) bool  { return h[i].lv > h[j].lv }
func (h lvFlagHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *lvFlagHeap) Push(x interface{}) { *h = append(*h, x.(lvFlag)) }
func (h *lvFlagHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// revRanges collects ranges emitted in descending order, merging adjacent
// ones, and yields them ascending.
type revRanges struct {
	ranges []types.LVRange // descending by Start
}

func (r *revRanges) push(rg types.LVRange) {
	if n := len(r.ranges); n > 0 && r.ranges[n-1].Start == rg.End {
		r.ranges[n-1].Start = rg.Start
		return
	}
	r.ranges = append(r.ranges, rg)
}

func (r *revRanges) ascending() []types.LVRange {
	slices.Reverse(r.ranges)
	return r.ranges
}

// Diff computes the versions reachable from a but not b, and vice versa, as
// ascending LV ranges. diff(v, v) is empty; diff is symmetric under swap.
func (g *Graph) Diff(a, b types.Frontier) (aOnly, bOnly []types.LVRange) {
	if a.Eq(b) {
		return nil, nil
	}

	queue := lvFlagHeap{}
	for _, v := range a {
		queue = append(queue, lvFlag{v, OnlyA})
	}
	for _, v := range b {
		queue = append(queue, lvFlag{v, OnlyB})
	}
	heap.Init(&queue)

	var aRes, bRes revRanges
	markRun := func(start, endIncl types.LV, flag DiffFlag) {
		switch flag {
		case OnlyA:
			aRes.push(types.LVRange{Start: start, End: endIncl + 1})
		case OnlyB:
			bRes.push(types.LVRange{Start: start, End: endIncl + 1})
		}
	}

	numShared := 0
	for queue.Len() > 0 {
		item := heap.Pop(&queue).(lvFlag)
		lv, flag := item.lv, item.flag
		if flag == Shared {
			numShared--
		}

		// Merge duplicate heap entries for the same version.
		for queue.Len() > 0 && queue[0].lv == lv {
			if queue[0].flag != flag {
				flag = Shared
			}
			if queue[0].flag == Shared {
				numShared--
			}
			heap.Pop(&queue)
		}

		e, _ := g.entryFor(lv)

		// Consume every other queued version within the same entry. The run
		// in between two queued versions keeps the outer flag; everything
		// below the inner one becomes shared.
		for queue.Len() > 0 && queue[0].lv >= e.Version {
			if queue[0].flag != flag {
				markRun(queue[0].lv+1, lv, flag)
				lv = queue[0].lv
				flag = Shared
			}
			if queue[0].flag == Shared {
				numShared--
			}
			heap.Pop(&queue)
		}

		markRun(e.Version, lv, flag)

		for _, p := range e.Parents {
			heap.Push(&queue, lvFlag{p, flag})
			if flag == Shared {
				numShared++
			}
		}

		// Only shared history left to walk.
		if queue.Len() == numShared {
			break
		}
	}

	return aRes.ascending(), bRes.ascending()
}

// VersionContainsLV reports whether target is an ancestor of (or member of)
// the frontier. The walk is pruned to versions above target.
func (g *Graph) VersionContainsLV(frontier types.Frontier, target types.LV) bool {
	if target == types.RootLV {
		return true
	}
	if frontier.Has(target) {
		return true
	}

	queue := lvFlagHeap{}
	for _, v := range frontier {
		if v > target {
			queue = append(queue, lvFlag{lv: v})
		}
	}
	heap.Init(&queue)

	for queue.Len() > 0 {
		t := heap.Pop(&queue).(lvFlag).lv
		e, _ := g.entryFor(t)
		if target >= e.Version {
			return true
		}
		for queue.Len() > 0 && queue[0].lv >= e.Version {
			heap.Pop(&queue)
		}
		for _, p := range e.Parents {
			if p == target {
				return true
			}
			if p > target {
				heap.Push(&queue, lvFlag{lv: p})
			}
		}
	}
	return false
}

// timePoint is a heap item for FindConflicting: a whole frontier collapsed
// into its greatest element plus the rest.
type timePoint struct {
	last       types.LV // RootLV for the root frontier
	mergedWith []types.LV
	flag       DiffFlag
}

type timePointHeap []timePoint

func (h timePointHeap) Len() int { return len(h) }
func (h timePointHeap) Less(i, j int) bool {
	// Max-heap: highest last first; merge points before plain versions.
	if h[i].last != h[j].last {
		return h[i].last > h[j].last
	}
	return len(h[i].mergedWith) > 0 && len(h[j].mergedWith) == 0
}
func (h timePointHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timePointHeap) Push(x interface{}) { *h = append(*h, x.(timePoint)) }
func (h *timePointHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func frontierPoint(f types.Frontier, flag DiffFlag) timePoint {
	if len(f) == 0 {
		return timePoint{last: types.RootLV, flag: flag}
	}
	return timePoint{
		last:       f[len(f)-1],
		mergedWith: slices.Clone(f[:len(f)-1]),
		flag:       flag,
	}
}

func tpEqual(a, b timePoint) bool {
	return a.last == b.last && slices.Equal(a.mergedWith, b.mergedWith)
}

// FindConflicting walks every version reachable from a or b but not from
// their greatest common frontier, emitting ranges tagged OnlyA/OnlyB/Shared
// in descending order, and returns that common frontier.
func (g *Graph) FindConflicting(a, b types.Frontier, visit func(r types.LVRange, flag DiffFlag)) types.Frontier {
	if a.Eq(b) {
		return a.Clone()
	}

	queue := timePointHeap{frontierPoint(a, OnlyA), frontierPoint(b, OnlyB)}
	heap.Init(&queue)

	for {
		tm := heap.Pop(&queue).(timePoint)
		t, flag := tm.last, tm.flag
		if t == types.RootLV {
			return types.Frontier{}
		}

		// Discard duplicates of this exact point.
		for queue.Len() > 0 && tpEqual(queue[0], tm) {
			if queue[0].flag != flag {
				flag = Shared
			}
			heap.Pop(&queue)
		}

		if queue.Len() == 0 {
			f := types.FrontierFrom(append(slices.Clone(tm.mergedWith), t)...)
			return f
		}

		// A merge point shatters into its components; t is handled below.
		for _, m := range tm.mergedWith {
			heap.Push(&queue, timePoint{last: m, flag: flag})
		}

		e, _ := g.entryFor(t)
		rangeStart, rangeEnd := e.Version, t+1

		for {
			if queue.Len() == 0 {
				return types.Frontier{rangeEnd - 1}
			}
			if queue[0].last >= e.Version {
				// The next queued point lands inside this entry. Emit the
				// part above it and continue merging flags downward.
				inner := heap.Pop(&queue).(timePoint)
				if inner.last+1 < rangeEnd {
					offset := inner.last + 1 - e.Version
					visit(types.LVRange{Start: e.Version + offset, End: rangeEnd}, flag)
					rangeEnd = e.Version + offset
				}
				if inner.flag != flag {
					flag = Shared
				}
				for _, m := range inner.mergedWith {
					heap.Push(&queue, timePoint{last: m, flag: inner.flag})
				}
			} else {
				// Emit the rest of the entry and step to its parents.
				visit(types.LVRange{Start: rangeStart, End: rangeEnd}, flag)
				heap.Push(&queue, frontierPoint(e.Parents, flag))
				break
			}
		}
	}
}

// FindDominators filters versions down to the subset not dominated by any
// other element: the canonical frontier of the set.
func (g *Graph) FindDominators(versions []types.LV) types.Frontier {
	if len(versions) <= 1 {
		return types.FrontierFrom(versions...)
	}
	sorted := slices.Clone(versions)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var result types.Frontier
	for i := len(sorted) - 1; i >= 0; i-- {
		v := sorted[i]
		if !g.VersionContainsLV(result, v) {
			result = append(result, v)
		}
	}
	slices.Sort(result)
	return result
}

// MergeFrontiers returns the canonical join of two frontiers.
func (g *Graph) MergeFrontiers(a, b types.Frontier) types.Frontier {
	return g.FindDominators(append(slices.Clone(a), b...))
}
