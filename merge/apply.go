package merge

import (
	"golang.org/x/xerrors"

	"cowrite/rangetree"
	"cowrite/types"
)

// XFOp is a transformed operation: where an op lands in the document being
// merged into. A delete whose characters were already removed upstream has
// Pos == -1 and is skipped by branches.
type XFOp struct {
	LV      types.LV
	Kind    types.OpKind
	Pos     int
	Len     int
	Content []rune
}

// AlreadyHappened reports a delete swallowed by a concurrent delete.
func (op XFOp) AlreadyHappened() bool { return op.Pos < 0 }

// cursorBefore positions a cursor on the item with the given id, or at the
// very end of the tree for the root (end-of-document) id.
func (tr *Tracker) cursorBefore(id types.LV) (rangetree.Cursor, error) {
	if id == types.RootLV {
		return tr.tree.CursorAtEnd(), nil
	}
	return tr.tree.CursorBeforeItem(id)
}

// cursorAfter positions a cursor one item past id, rolled onto the next
// span, or at the start of the tree for the root id.
func (tr *Tracker) cursorAfter(id types.LV) (rangetree.Cursor, error) {
	if id == types.RootLV {
		return tr.tree.CursorAtStart(), nil
	}
	c, err := tr.tree.CursorBeforeItem(id)
	if err != nil {
		return rangetree.Cursor{}, err
	}
	tr.tree.NextItem(&c)
	tr.tree.RollToNextEntry(&c)
	return c, nil
}

// integrate inserts item at the cursor, scanning right past concurrent
// spans per the YjsMod rules, and returns the upstream position the insert
// lands at.
func (tr *Tracker) integrate(item rangetree.Span, cursor rangetree.Cursor) (int, error) {
	t := tr.tree
	t.RollToNextEntry(&cursor)

	leftCursor := cursor
	scanStart := cursor
	scanning := false

	for {
		if !t.RollToNextEntry(&cursor) {
			break // end of document
		}
		other := *cursor.Span()
		otherLV := cursor.Item()

		if otherLV == item.OriginRight {
			break
		}

		// Anything between our origins that is already inserted would have
		// been consumed by the position lookup; only not-yet-inserted spans
		// can be concurrent with us here.
		if other.State != rangetree.NotInserted {
			return 0, xerrors.Errorf("integrate: span %v concurrent with %d is not NotInserted", &other, item.ID)
		}

		otherLeftCursor, err := tr.cursorAfter(other.OriginLeftAt(cursor.Offset()))
		if err != nil {
			return 0, err
		}

		cmp := t.CmpCursors(otherLeftCursor, leftCursor)
		switch {
		case cmp < 0:
			// other's origin is left of ours: we stay before it.
			goto done
		case cmp > 0:
			// other's origin is right of ours: skip past it.
		default:
			if item.OriginRight == other.OriginRight {
				// Fully concurrent siblings: agent/seq tie-break.
				if tr.log.CG().CompareRawOrder(item.ID, otherLV) < 0 {
					goto done
				}
				scanning = false
			} else {
				myRight, err := tr.cursorBefore(item.OriginRight)
				if err != nil {
					return 0, err
				}
				otherRight, err := tr.cursorBefore(other.OriginRight)
				if err != nil {
					return 0, err
				}
				if t.CmpCursors(otherRight, myRight) < 0 {
					if !scanning {
						scanning = true
						scanStart = cursor
					}
				} else {
					scanning = false
				}
			}
		}

		if !t.NextEntry(&cursor) {
			break
		}
	}
done:
	if scanning {
		cursor = scanStart
	}

	insPos := t.UpstreamPos(cursor)
	t.Insert(cursor, item)
	return insPos, nil
}

// applyIns inserts the run's items into the tracker and returns the
// upstream position the run lands at.
func (tr *Tracker) applyIns(lv types.LV, pos, length int) (int, error) {
	t := tr.tree

	var cursor rangetree.Cursor
	originLeft := types.RootLV
	if pos > 0 {
		cursor = t.CursorAtContent(pos - 1)
		originLeft = cursor.Item()
		t.NextItem(&cursor)
	} else {
		cursor = t.CursorAtStart()
	}

	// Origin-right is the next item that is not in the NotInserted state, or
	// the document end.
	originRight := types.RootLV
	c2 := cursor
	for t.RollToNextEntry(&c2) {
		if c2.Span().State != rangetree.NotInserted {
			originRight = c2.Item()
			break
		}
		if !t.NextEntry(&c2) {
			break
		}
	}

	item := rangetree.Span{
		ID:          lv,
		Len:         length,
		OriginLeft:  originLeft,
		OriginRight: originRight,
		State:       rangetree.Inserted,
	}
	return tr.integrate(item, cursor)
}

// applyDelChunk deletes up to maxLen currently visible items starting at
// content position pos. It mutates a single tree span, records the delete
// target for later advance/retreat, and returns the consumed length plus
// the transformed position (-1 when the chunk was already deleted upstream).
func (tr *Tracker) applyDelChunk(opLV types.LV, pos, maxLen int, fwd bool) (int, int, error) {
	t := tr.tree
	cursor := t.CursorAtContent(pos)
	if !t.RollToNextEntry(&cursor) {
		return 0, 0, xerrors.Errorf("delete at position %d past end of document", pos)
	}
	span := cursor.Span()
	if span.State != rangetree.Inserted {
		return 0, 0, xerrors.Errorf("delete target at %d is not visible", pos)
	}
	everDeleted := span.EverDeleted
	targetID := cursor.Item()
	xfPos := t.UpstreamPos(cursor)

	consumed := t.MutateEntry(cursor, maxLen, func(s *rangetree.Span) { s.Delete() })

	tr.delTargets.add(delRun{
		Version: opLV,
		Target:  targetID,
		Length:  consumed,
		Fwd:     fwd,
	})

	if everDeleted {
		xfPos = -1
	}
	return consumed, xfPos, nil
}

// Apply runs the ops [r.Start, r.End) through the tracker, which must be
// synced to each op's parents, and appends the transformed ops to out.
func (tr *Tracker) Apply(r types.LVRange, out *[]XFOp) error {
	var err error
	tr.log.VisitRange(r, func(lv types.LV, op types.Operation) {
		if err != nil {
			return
		}
		if op.Kind == types.Ins {
			err = tr.applyInsOp(lv, op, out)
		} else {
			err = tr.applyDelOp(lv, op, out)
		}
	})
	return err
}

func (tr *Tracker) applyInsOp(lv types.LV, op types.Operation, out *[]XFOp) error {
	if op.Fwd || op.Len == 1 {
		pos, err := tr.applyIns(lv, op.Pos, op.Len)
		if err != nil {
			return err
		}
		if out != nil {
			*out = append(*out, XFOp{LV: lv, Kind: types.Ins, Pos: pos, Len: op.Len, Content: op.Content})
		}
		return nil
	}
	// Reversed inserts land item by item at the same position.
	for i := 0; i < op.Len; i++ {
		pos, err := tr.applyIns(lv+types.LV(i), op.Pos, 1)
		if err != nil {
			return err
		}
		if out != nil {
			*out = append(*out, XFOp{LV: lv + types.LV(i), Kind: types.Ins, Pos: pos, Len: 1,
				Content: op.Content[i : i+1]})
		}
	}
	return nil
}

func (tr *Tracker) applyDelOp(lv types.LV, op types.Operation, out *[]XFOp) error {
	if op.Fwd {
		remaining := op.Len
		offset := 0
		for remaining > 0 {
			consumed, xfPos, err := tr.applyDelChunk(lv+types.LV(offset), op.Pos, remaining, true)
			if err != nil {
				return err
			}
			if out != nil {
				*out = append(*out, XFOp{LV: lv + types.LV(offset), Kind: types.Del, Pos: xfPos, Len: consumed})
			}
			offset += consumed
			remaining -= consumed
		}
		return nil
	}
	// Backspacing: each op targets the character one position left of the
	// previous one.
	for i := 0; i < op.Len; i++ {
		_, xfPos, err := tr.applyDelChunk(lv+types.LV(i), op.Pos-i, 1, false)
		if err != nil {
			return err
		}
		if out != nil {
			*out = append(*out, XFOp{LV: lv + types.LV(i), Kind: types.Del, Pos: xfPos, Len: 1})
		}
	}
	return nil
}
