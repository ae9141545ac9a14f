package rangetree

import (
	"fmt"

	"cowrite/types"
)

// Span states. NotInserted is distinct from Deleted so an item that was
// applied then retreated keeps its position without being visible.
const (
	NotInserted int32 = 0
	Inserted    int32 = 1
	DeletedOnce int32 = 2
	// DeletedOnce + n → deleted n+1 times (concurrent double deletes).
)

// UnderwaterStart is the first id used for placeholder spans standing in
// for document content that predates the current merge walk. Underwater
// items never leave the Inserted/Deleted states.
const UnderwaterStart types.LV = 1 << 40

// IsUnderwater reports whether id belongs to a placeholder span.
func IsUnderwater(id types.LV) bool { return id >= UnderwaterStart }

// Span is a run of sequential items in the range tree. OriginLeft applies to
// the first item only; item i has the implicit origin-left id+i-1.
// OriginRight is shared by every item in the span.
type Span struct {
	ID          types.LV
	Len         int
	OriginLeft  types.LV // RootLV for start-of-document
	OriginRight types.LV // RootLV for end-of-document
	State       int32
	EverDeleted bool
}

// Underwater returns the placeholder span used to seed a merge tracker.
func Underwater() Span {
	return Span{
		ID:          UnderwaterStart,
		Len:         int(UnderwaterStart),
		OriginLeft:  types.RootLV,
		OriginRight: types.RootLV,
		State:       Inserted,
	}
}

// End is one past the last id in the span.
func (s *Span) End() types.LV { return s.ID + types.LV(s.Len) }

// Contains reports id membership.
func (s *Span) Contains(id types.LV) bool { return id >= s.ID && id < s.End() }

// OriginLeftAt returns the origin-left of the item at offset.
func (s *Span) OriginLeftAt(offset int) types.LV {
	if offset == 0 {
		return s.OriginLeft
	}
	return s.ID + types.LV(offset) - 1
}

// SplitAt truncates the span to offset items and returns the remainder.
func (s *Span) SplitAt(offset int) Span {
	right := Span{
		ID:          s.ID + types.LV(offset),
		Len:         s.Len - offset,
		OriginLeft:  s.ID + types.LV(offset) - 1,
		OriginRight: s.OriginRight,
		State:       s.State,
		EverDeleted: s.EverDeleted,
	}
	s.Len = offset
	return right
}

// CanAppend reports whether other directly continues this span: contiguous
// ids, chained origins and identical state.
func (s *Span) CanAppend(other *Span) bool {
	return other.ID == s.End() &&
		other.OriginLeft == s.End()-1 &&
		other.OriginRight == s.OriginRight &&
		other.State == s.State &&
		other.EverDeleted == s.EverDeleted
}

// Append extends the span by other. Only valid after CanAppend.
func (s *Span) Append(other *Span) { s.Len += other.Len }

// Delete transitions the span one deletion deeper and latches EverDeleted.
// Deleting a NotInserted span is allowed for pending deletes of items whose
// insert has not been advanced yet.
func (s *Span) Delete() {
	if s.State == NotInserted {
		s.State = DeletedOnce
	} else {
		s.State++
	}
	s.EverDeleted = true
}

// Undelete reverses one Delete.
func (s *Span) Undelete() {
	if s.State < DeletedOnce {
		panic("invariant violation: undelete of an undeleted span")
	}
	s.State--
}

// MarkInserted advances a not-yet-inserted span to Inserted. A span already
// carrying a pending delete stays deleted.
func (s *Span) MarkInserted() {
	if s.State == NotInserted {
		s.State = Inserted
	}
}

// MarkNotInserted retreats an inserted span.
func (s *Span) MarkNotInserted() {
	if s.State != Inserted {
		panic("invariant violation: retreating an insert that is not currently inserted")
	}
	s.State = NotInserted
}

// contentLen is the span's contribution to the content metric: only items
// visible at the tracker's current frontier count.
func (s *Span) contentLen() int {
	if s.State == Inserted {
		return s.Len
	}
	return 0
}

func (s *Span) contentLenAt(offset int) int {
	if s.State == Inserted {
		return offset
	}
	return 0
}

// upstreamLen is the span's contribution to the upstream metric: items that
// exist in the merged output document, which is everything never deleted
// regardless of the current tracker state.
func (s *Span) upstreamLen() int {
	if s.EverDeleted {
		return 0
	}
	return s.Len
}

func (s *Span) upstreamLenAt(offset int) int {
	if s.EverDeleted {
		return 0
	}
	return offset
}

func (s *Span) String() string {
	return fmt.Sprintf("span{[%d,%d) L%d R%d st%d ed%v}",
		s.ID, s.End(), s.OriginLeft, s.OriginRight, s.State, s.EverDeleted)
}
