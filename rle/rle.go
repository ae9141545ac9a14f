// Package rle provides run-length-encoded vectors keyed by local version.
// Every columnar store in the repo (causal graph entries, op rows, merge
// markers) keeps maximal runs and locates them by binary search.
package rle

import (
	"sort"

	"cowrite/types"
)

// Run is a span of consecutive local versions carrying some payload.
// Implementations are value types; TryAppend uses a pointer receiver so a
// run in place can absorb its successor.
type Run[T any] interface {
	Start() types.LV
	Len() int
	// TryAppend extends the run by next when next directly follows it and
	// the payloads are compatible. Returns false without mutating otherwise.
	TryAppend(next T) bool
}

// List is an append-only vector of runs ordered by Start, with no overlaps.
type List[T any, PT interface {
	Run[T]
	*T
}] struct {
	runs []T
}

// FromRuns adopts runs verbatim. The caller guarantees they are ordered,
// disjoint and maximal.
func FromRuns[T any, PT interface {
	Run[T]
	*T
}](runs []T) List[T, PT] {
	return List[T, PT]{runs: runs}
}

// Append adds r at the end, merging it into the last run when possible.
// r.Start must be >= the end of the last run.
func (l *List[T, PT]) Append(r T) {
	if n := len(l.runs); n > 0 {
		if PT(&l.runs[n-1]).TryAppend(r) {
			return
		}
	}
	l.runs = append(l.runs, r)
}

// Find locates the run containing v. Returns the run index and the offset of
// v within it.
func (l *List[T, PT]) Find(v types.LV) (idx int, offset int, ok bool) {
	idx = sort.Search(len(l.runs), func(i int) bool {
		r := PT(&l.runs[i])
		return r.Start()+types.LV(r.Len()) > v
	})
	if idx >= len(l.runs) {
		return 0, 0, false
	}
	r := PT(&l.runs[idx])
	if r.Start() > v {
		return 0, 0, false
	}
	return idx, int(v - r.Start()), true
}

// Last returns a pointer to the final run, or nil when empty.
func (l *List[T, PT]) Last() *T {
	if len(l.runs) == 0 {
		return nil
	}
	return &l.runs[len(l.runs)-1]
}

func (l *List[T, PT]) Empty() bool { return len(l.runs) == 0 }

func (l *List[T, PT]) NumRuns() int { return len(l.runs) }

// Runs exposes the backing slice. Callers must not reorder it.
func (l *List[T, PT]) Runs() []T { return l.runs }

// At returns a pointer to the i-th run.
func (l *List[T, PT]) At(i int) *T { return &l.runs[i] }

// End returns the LV one past the final run, or 0 when empty.
func (l *List[T, PT]) End() types.LV {
	if len(l.runs) == 0 {
		return 0
	}
	r := PT(&l.runs[len(l.runs)-1])
	return r.Start() + types.LV(r.Len())
}

// VisitRange calls visit for every maximal sub-run intersecting [r.Start,
// r.End), passing the run index plus the clipped offset and length within it.
func (l *List[T, PT]) VisitRange(r types.LVRange, visit func(idx, offset, length int)) {
	if r.Empty() {
		return
	}
	idx, offset, ok := l.Find(r.Start)
	if !ok {
		return
	}
	remaining := r.Len()
	for remaining > 0 && idx < len(l.runs) {
		run := PT(&l.runs[idx])
		length := run.Len() - offset
		if length > remaining {
			length = remaining
		}
		visit(idx, offset, length)
		remaining -= length
		idx++
		offset = 0
	}
}
