// Package oplog is the append-only columnar store of edit operations, keyed
// by local version. Rows are kept as maximal runs; character payloads live
// in contiguous arenas so a run's content is always a single slice.
package oplog

import (
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"cowrite/causalgraph"
	"cowrite/rle"
	"cowrite/types"
)

// OpRun is one run of operations. Pos is the position of the run's first
// operation; later operations follow the arithmetic progression implied by
// (Kind, Fwd). ContentIdx points into the insert arena for inserts, and
// DelContentIdx into the delete arena for deletes that retained their
// content (-1 otherwise).
type OpRun struct {
	Version       types.LV
	Kind          types.OpKind
	Fwd           bool
	Pos           int
	Length        int
	ContentIdx    int
	DelContentIdx int
}

// Start implements rle.Run.
func (r *OpRun) Start() types.LV { return r.Version }

// Len implements rle.Run.
func (r *OpRun) Len() int { return r.Length }

// posAt returns the document position of the operation at offset.
func (r *OpRun) posAt(offset int) int {
	switch {
	case r.Kind == types.Ins && r.Fwd:
		return r.Pos + offset
	case r.Kind == types.Del && !r.Fwd:
		return r.Pos - offset
	default:
		return r.Pos
	}
}

// TargetStart returns the lowest document position the run touches in its
// parent document state.
func (r *OpRun) TargetStart() int {
	if r.Kind == types.Del && !r.Fwd {
		return r.Pos - r.Length + 1
	}
	return r.Pos
}

// nextPosUnder returns where the run's next operation would land if the run
// had the given direction.
func (r *OpRun) nextPosUnder(fwd bool) int {
	switch {
	case r.Kind == types.Ins && fwd:
		return r.Pos + r.Length
	case r.Kind == types.Del && !fwd:
		return r.Pos - r.Length
	default:
		return r.Pos
	}
}

// TryAppend implements rle.Run. Single-operation runs have an ambiguous
// direction, so a pair of them picks whichever direction fits.
func (r *OpRun) TryAppend(next OpRun) bool {
	if next.Kind != r.Kind || next.Version != r.Version+types.LV(r.Length) {
		return false
	}
	switch r.Kind {
	case types.Ins:
		if next.ContentIdx != r.ContentIdx+r.Length {
			return false
		}
	case types.Del:
		hasContent := r.DelContentIdx >= 0
		if hasContent != (next.DelContentIdx >= 0) {
			return false
		}
		if hasContent && next.DelContentIdx != r.DelContentIdx+r.Length {
			return false
		}
	}
	switch {
	case next.Length == 1:
		if next.Pos == r.nextPosUnder(r.Fwd) {
			// Keeps the current direction.
		} else if r.Length == 1 && next.Pos == r.nextPosUnder(!r.Fwd) {
			r.Fwd = !r.Fwd
		} else {
			return false
		}
	case r.Length == 1 && next.posAt(0) == r.nextPosUnder(next.Fwd):
		r.Fwd = next.Fwd
	default:
		if next.Fwd != r.Fwd || next.posAt(0) != r.nextPosUnder(r.Fwd) {
			return false
		}
	}
	r.Length += next.Length
	return true
}

// Log owns the causal graph and the columnar operation rows. One mutable
// owner at a time.
type Log struct {
	cg       *causalgraph.Graph
	ops      rle.List[OpRun, *OpRun]
	insArena []rune
	delArena []rune
}

// New creates an empty log with a fresh causal graph.
func New() *Log {
	return &Log{cg: causalgraph.New()}
}

// CG returns the owned causal graph.
func (l *Log) CG() *causalgraph.Graph { return l.cg }

// Clone returns a deep copy of the log and its causal graph.
func (l *Log) Clone() *Log {
	return &Log{
		cg:       l.cg.Clone(),
		ops:      rle.FromRuns[OpRun, *OpRun](slices.Clone(l.ops.Runs())),
		insArena: slices.Clone(l.insArena),
		delArena: slices.Clone(l.delArena),
	}
}

// Len returns the number of operations stored.
func (l *Log) Len() int { return int(l.ops.End()) }

// NumRuns returns how many run-length rows back the log.
func (l *Log) NumRuns() int { return l.ops.NumRuns() }

// Push appends the operation run starting at lv. lv must be the next
// version in the log, and must already exist in the causal graph.
func (l *Log) Push(lv types.LV, op types.Operation) error {
	if op.Len <= 0 {
		return xerrors.Errorf("op length must be positive, got %d", op.Len)
	}
	if op.Pos < 0 || op.End() > types.MaxDocLen {
		return xerrors.Errorf("op range [%d,%d): %w", op.Pos, op.End(), types.ErrDocumentTooLarge)
	}
	if lv != l.ops.End() {
		return xerrors.Errorf("push at lv %d, want %d", lv, l.ops.End())
	}

	run := OpRun{
		Version:       lv,
		Kind:          op.Kind,
		Fwd:           op.Fwd,
		Pos:           op.Pos,
		Length:        op.Len,
		ContentIdx:    -1,
		DelContentIdx: -1,
	}
	if op.Len == 1 {
		// Canonical direction for single ops.
		run.Fwd = true
	}
	switch op.Kind {
	case types.Ins:
		if len(op.Content) != op.Len {
			return xerrors.Errorf("insert of %d chars with %d content runes", op.Len, len(op.Content))
		}
		run.ContentIdx = len(l.insArena)
		l.insArena = append(l.insArena, op.Content...)
	case types.Del:
		if len(op.Content) != 0 {
			if len(op.Content) != op.Len {
				return xerrors.Errorf("delete of %d chars with %d content runes", op.Len, len(op.Content))
			}
			run.DelContentIdx = len(l.delArena)
			l.delArena = append(l.delArena, op.Content...)
		}
	}
	l.ops.Append(run)
	return nil
}

// clip materializes the sub-run [offset, offset+length) as an Operation.
func (l *Log) clip(r *OpRun, offset, length int) types.Operation {
	op := types.Operation{
		Kind: r.Kind,
		Pos:  r.posAt(offset),
		Len:  length,
		Fwd:  r.Fwd,
	}
	if length == 1 {
		op.Fwd = true
	}
	switch {
	case r.Kind == types.Ins:
		op.Content = l.insArena[r.ContentIdx+offset : r.ContentIdx+offset+length]
	case r.Kind == types.Del && r.DelContentIdx >= 0:
		op.Content = l.delArena[r.DelContentIdx+offset : r.DelContentIdx+offset+length]
	}
	return op
}

// OpAt returns the single operation at lv.
func (l *Log) OpAt(lv types.LV) (types.Operation, error) {
	idx, offset, ok := l.ops.Find(lv)
	if !ok {
		return types.Operation{}, xerrors.Errorf("lv %d: %w", lv, types.ErrUnknownID)
	}
	return l.clip(l.ops.At(idx), offset, 1), nil
}

// VisitRange yields maximal clipped sub-runs intersecting r, in ascending
// LV order.
func (l *Log) VisitRange(r types.LVRange, visit func(lv types.LV, op types.Operation)) {
	l.ops.VisitRange(r, func(idx, offset, length int) {
		run := l.ops.At(idx)
		visit(run.Version+types.LV(offset), l.clip(run, offset, length))
	})
}

// Runs exposes the raw rows, for encoding.
func (l *Log) Runs() []OpRun { return l.ops.Runs() }
