// Package merge replays operation-log ranges in topological order and
// resolves, for every operation, the live document position where it lands.
// Concurrency is handled with the YjsMod origin-left/right tie-break over a
// range tree whose spans toggle between NotInserted, Inserted and Deleted as
// the walk advances and retreats between branches.
package merge

import (
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"cowrite/oplog"
	"cowrite/rangetree"
	"cowrite/types"
)

// delRun records which tree items a run of delete operations targeted, so
// advance and retreat can find them again by op version.
type delRun struct {
	Version types.LV // first delete op
	Target  types.LV // tree item deleted by the first op
	Length  int
	Fwd     bool
}

func (r *delRun) nextTargetUnder(fwd bool) types.LV {
	if fwd {
		return r.Target + types.LV(r.Length)
	}
	return r.Target - types.LV(r.Length)
}

func (r *delRun) TryAppend(next delRun) bool {
	if next.Version != r.Version+types.LV(r.Length) {
		return false
	}
	switch {
	case next.Length == 1:
		if next.Target == r.nextTargetUnder(r.Fwd) {
			// Keeps direction.
		} else if r.Length == 1 && next.Target == r.nextTargetUnder(!r.Fwd) {
			r.Fwd = !r.Fwd
		} else {
			return false
		}
	default:
		if next.Fwd != r.Fwd || next.Target != r.nextTargetUnder(r.Fwd) {
			return false
		}
	}
	r.Length += next.Length
	return true
}

// targetAt returns the tree item the delete at offset targeted.
func (r *delRun) targetAt(offset int) types.LV {
	if r.Fwd {
		return r.Target + types.LV(offset)
	}
	return r.Target - types.LV(offset)
}

// delIndex maps delete-op versions to their recorded targets. The two walk
// phases interleave in version space, so runs insert sorted rather than
// append.
type delIndex struct {
	runs []delRun
}

func (d *delIndex) add(r delRun) {
	i := sort.Search(len(d.runs), func(i int) bool {
		return d.runs[i].Version > r.Version
	})
	if i > 0 && d.runs[i-1].TryAppend(r) {
		return
	}
	d.runs = slices.Insert(d.runs, i, r)
}

func (d *delIndex) find(v types.LV) (*delRun, int, bool) {
	i := sort.Search(len(d.runs), func(i int) bool {
		return d.runs[i].Version+types.LV(d.runs[i].Length) > v
	})
	if i >= len(d.runs) || d.runs[i].Version > v {
		return nil, 0, false
	}
	return &d.runs[i], int(v - d.runs[i].Version), true
}

// Tracker is the merge position resolver. It owns a range tree seeded with
// an underwater placeholder standing in for everything that predates the
// walk's common ancestor.
type Tracker struct {
	log        *oplog.Log
	tree       *rangetree.Tree
	delTargets delIndex
	logger     zerolog.Logger
}

// NewTracker creates a tracker over the log.
func NewTracker(l *oplog.Log, logger zerolog.Logger) *Tracker {
	t := rangetree.New()
	t.Push(rangetree.Underwater())
	return &Tracker{log: l, tree: t, logger: logger}
}

// markInsRange toggles the state of the items inserted by ops [start, end).
func (tr *Tracker) markInsRange(start, end types.LV, fn func(*rangetree.Span)) error {
	id := start
	for id < end {
		c, err := tr.tree.CursorBeforeItem(id)
		if err != nil {
			return err
		}
		id += types.LV(tr.tree.MutateEntry(c, int(end-id), fn))
	}
	return nil
}

// markDelTargets toggles the state of the items targeted by delete ops
// [start, end).
func (tr *Tracker) markDelTargets(start, end types.LV, fn func(*rangetree.Span)) error {
	for start < end {
		run, offset, ok := tr.delTargets.find(start)
		if !ok {
			return xerrors.Errorf("no recorded delete target for op %d", start)
		}
		length := run.Length - offset
		if length > int(end-start) {
			length = int(end - start)
		}
		if run.Fwd {
			if err := tr.markTargetRange(run.targetAt(offset), length, fn); err != nil {
				return err
			}
		} else {
			// Reversed runs target descending items; toggle one by one.
			for i := 0; i < length; i++ {
				if err := tr.markTargetRange(run.targetAt(offset+i), 1, fn); err != nil {
					return err
				}
			}
		}
		start += types.LV(length)
	}
	return nil
}

func (tr *Tracker) markTargetRange(id types.LV, length int, fn func(*rangetree.Span)) error {
	end := id + types.LV(length)
	for id < end {
		c, err := tr.tree.CursorBeforeItem(id)
		if err != nil {
			return err
		}
		id += types.LV(tr.tree.MutateEntry(c, int(end-id), fn))
	}
	return nil
}

// Advance re-applies the effects of ops [r.Start, r.End) to the tracker
// state without emitting anything. The ops must have been applied before.
func (tr *Tracker) Advance(r types.LVRange) error {
	var err error
	tr.log.VisitRange(r, func(lv types.LV, op types.Operation) {
		if err != nil {
			return
		}
		end := lv + types.LV(op.Len)
		if op.Kind == types.Ins {
			err = tr.markInsRange(lv, end, func(s *rangetree.Span) { s.MarkInserted() })
		} else {
			err = tr.markDelTargets(lv, end, func(s *rangetree.Span) { s.Delete() })
		}
	})
	return err
}

// Retreat undoes the effects of ops [r.Start, r.End) on the tracker state.
// Ranges must be retreated in reverse application order; within the range,
// runs are processed backwards so deletes lift before their inserts.
func (tr *Tracker) Retreat(r types.LVRange) error {
	type clipped struct {
		lv types.LV
		op types.Operation
	}
	var runs []clipped
	tr.log.VisitRange(r, func(lv types.LV, op types.Operation) {
		runs = append(runs, clipped{lv, op})
	})
	for i := len(runs) - 1; i >= 0; i-- {
		lv, op := runs[i].lv, runs[i].op
		end := lv + types.LV(op.Len)
		var err error
		if op.Kind == types.Ins {
			err = tr.markInsRange(lv, end, func(s *rangetree.Span) { s.MarkNotInserted() })
		} else {
			err = tr.markDelTargets(lv, end, func(s *rangetree.Span) { s.Undelete() })
		}
		if err != nil {
			return err
		}
	}
	return nil
}
