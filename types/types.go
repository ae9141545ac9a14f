package types

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// AgentID identifies a peer. Any non-empty printable string except the
// reserved RootAgent.
type AgentID string

// RootAgent is the virtual origin agent. No real peer may use it.
const RootAgent AgentID = "ROOT"

// LV is a local version: a dense integer index assigned in topological order
// as operations are first observed. LVs are never shared across peers.
type LV int

// RootLV is the sentinel LV denoting the virtual origin.
const RootLV LV = -1

// MaxDocLen bounds document positions and lengths to 31 bits. Anything
// larger is rejected with ErrDocumentTooLarge.
const MaxDocLen = 1<<31 - 1

// RawVersion is the globally meaningful (agent, seq) identifier of a single
// operation.
type RawVersion struct {
	Agent AgentID
	Seq   int
}

func (rv RawVersion) String() string {
	return fmt.Sprintf("%s:%d", rv.Agent, rv.Seq)
}

// Cmp orders raw versions lexicographically by agent byte string, then seq.
// This is the tie-break used for concurrent operations and is total.
func (rv RawVersion) Cmp(other RawVersion) int {
	if rv.Agent != other.Agent {
		if rv.Agent < other.Agent {
			return -1
		}
		return 1
	}
	switch {
	case rv.Seq < other.Seq:
		return -1
	case rv.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// LVRange is a half-open range [Start, End) of local versions.
type LVRange struct {
	Start, End LV
}

func (r LVRange) Len() int {
	return int(r.End - r.Start)
}

func (r LVRange) Empty() bool {
	return r.End <= r.Start
}

func (r LVRange) Contains(v LV) bool {
	return v >= r.Start && v < r.End
}

func (r LVRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Frontier is an antichain of LVs: no element is a transitive ancestor of
// another. Canonically stored sorted ascending. The empty frontier denotes
// the state before anything happened.
type Frontier []LV

// FrontierFrom returns a canonical (sorted, deduplicated) frontier holding
// the given LVs. The caller is responsible for the antichain property.
func FrontierFrom(lvs ...LV) Frontier {
	f := slices.Clone(lvs)
	slices.Sort(f)
	return slices.Compact(f)
}

func (f Frontier) Clone() Frontier {
	return slices.Clone(f)
}

func (f Frontier) Eq(other Frontier) bool {
	return slices.Equal(f, other)
}

// Has reports direct membership, not ancestry.
func (f Frontier) Has(v LV) bool {
	_, found := slices.BinarySearch(f, v)
	return found
}

// OpKind tags an operation as an insert or a delete.
type OpKind uint8

const (
	Ins OpKind = iota
	Del
)

func (k OpKind) String() string {
	if k == Ins {
		return "ins"
	}
	return "del"
}

// Operation is a user-level edit: a run of inserted or deleted characters.
// Pos counts whole Unicode scalars relative to the document state at the
// operation's parents. For inserts, Fwd = true means subsequent characters
// land at increasing positions (typing) and Fwd = false means every
// character lands at the same position. For deletes, Fwd = true means every
// character is removed at the same position (forward delete) and Fwd = false
// means each one is removed one position left of the previous (backspace).
// For deletes, Content optionally carries the removed characters.
type Operation struct {
	Kind    OpKind
	Pos     int
	Len     int
	Fwd     bool
	Content []rune
}

// End returns the position one past the last character the operation covers.
func (op Operation) End() int {
	return op.Pos + op.Len
}
