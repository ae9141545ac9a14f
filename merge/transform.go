package merge

import (
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"cowrite/causalgraph"
	"cowrite/oplog"
	"cowrite/types"
)

// Transform computes, for every operation needed to move a document from
// the `from` frontier to the join of `from` and `to`, the live position it
// applies at. Operations already known at `from` are not emitted.
//
// Linear extensions of `from` fast-forward without building a tracker; only
// genuinely concurrent spans pay for conflict resolution.
func Transform(l *oplog.Log, from, to types.Frontier, logger zerolog.Logger) ([]XFOp, types.Frontier, error) {
	g := l.CG()

	var newOps, conflictOps []types.LVRange
	commonAncestor := collectConflicts(g, from, to, &newOps, &conflictOps)

	var out []XFOp
	nextFrontier := from.Clone()

	// Fast-forward mode: eat spans that chain directly off our frontier.
	didFF := false
	for len(newOps) > 0 {
		r := newOps[0]
		e, _ := g.EntryFor(r.Start)
		offset := int(r.Start - e.Version)
		if !types.Frontier(e.ParentsAt(offset)).Eq(nextFrontier) {
			break
		}
		end := e.VEnd
		if r.End < end {
			end = r.End
		}
		l.VisitRange(types.LVRange{Start: r.Start, End: end}, func(lv types.LV, op types.Operation) {
			out = append(out, ffOp(lv, op)...)
		})
		nextFrontier = types.Frontier{end - 1}
		didFF = true
		if end == r.End {
			newOps = newOps[1:]
		} else {
			newOps[0].Start = end
		}
	}

	if len(newOps) == 0 {
		return out, g.MergeFrontiers(from, to), nil
	}

	if didFF {
		// The conflict set was computed against the old frontier; rebuild it
		// from where fast-forwarding stopped.
		conflictOps = conflictOps[:0]
		commonAncestor = g.FindConflicting(nextFrontier, to, func(r types.LVRange, flag causalgraph.DiffFlag) {
			if flag != causalgraph.OnlyB {
				pushReversed(&conflictOps, r)
			}
		})
		slices.Reverse(conflictOps)
	}

	logger.Debug().
		Int("conflictRanges", len(conflictOps)).
		Int("newRanges", len(newOps)).
		Msg("building merge tracker")

	tracker := NewTracker(l, logger)
	cur, err := tracker.walkFrom(commonAncestor, conflictOps, nil)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tracker.walkFrom(cur, newOps, &out); err != nil {
		return nil, nil, err
	}

	return out, g.MergeFrontiers(from, to), nil
}

// collectConflicts splits the history between from and to into the new spans
// to merge (OnlyB) and the conflict set to build a tracker around (OnlyA and
// Shared), both ascending. Returns the common ancestor.
func collectConflicts(g *causalgraph.Graph, from, to types.Frontier,
	newOps, conflictOps *[]types.LVRange) types.Frontier {
	common := g.FindConflicting(from, to, func(r types.LVRange, flag causalgraph.DiffFlag) {
		if flag == causalgraph.OnlyB {
			pushReversed(newOps, r)
		} else {
			pushReversed(conflictOps, r)
		}
	})
	slices.Reverse(*newOps)
	slices.Reverse(*conflictOps)
	return common
}

// pushReversed collects descending-order ranges, merging adjacent ones.
func pushReversed(ranges *[]types.LVRange, r types.LVRange) {
	if n := len(*ranges); n > 0 && (*ranges)[n-1].Start == r.End {
		(*ranges)[n-1].Start = r.Start
		return
	}
	*ranges = append(*ranges, r)
}

// ffOp emits an operation without transformation.
func ffOp(lv types.LV, op types.Operation) []XFOp {
	if op.Kind == types.Ins {
		if op.Fwd || op.Len == 1 {
			return []XFOp{{LV: lv, Kind: types.Ins, Pos: op.Pos, Len: op.Len, Content: op.Content}}
		}
		ops := make([]XFOp, op.Len)
		for i := range ops {
			ops[i] = XFOp{LV: lv + types.LV(i), Kind: types.Ins, Pos: op.Pos, Len: 1,
				Content: op.Content[i : i+1]}
		}
		return ops
	}
	// Deletes collapse to their target range.
	start := op.Pos
	if !op.Fwd {
		start = op.Pos - op.Len + 1
	}
	return []XFOp{{LV: lv, Kind: types.Del, Pos: start, Len: op.Len}}
}

// walkFrom syncs the tracker to each entry's parents via retreat/advance,
// then applies the entry, starting from the given tracker frontier.
func (tr *Tracker) walkFrom(cur types.Frontier, ranges []types.LVRange, out *[]XFOp) (types.Frontier, error) {
	g := tr.log.CG()
	var err error
	for _, r := range ranges {
		g.VisitEntriesRange(r, func(e causalgraph.CGEntry) {
			if err != nil {
				return
			}
			parents := types.FrontierFrom(e.Parents...)
			retreats, advances := g.Diff(cur, parents)
			for i := len(retreats) - 1; i >= 0; i-- {
				if err = tr.Retreat(retreats[i]); err != nil {
					return
				}
			}
			for _, a := range advances {
				if err = tr.Advance(a); err != nil {
					return
				}
			}
			if err = tr.Apply(types.LVRange{Start: e.Version, End: e.VEnd}, out); err != nil {
				return
			}
			cur = types.Frontier{e.VEnd - 1}
		})
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}
