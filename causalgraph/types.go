package causalgraph

import (
	"cowrite/types"

	"golang.org/x/exp/slices"
)

// CGEntry is one run of the causal graph: a span of consecutive local
// versions assigned to one agent with densely packed sequence numbers.
// Parents applies to Version only; every later LV in the run has the
// implicit parent {lv - 1}.
type CGEntry struct {
	Version types.LV
	VEnd    types.LV
	Agent   types.AgentID
	Seq     int
	Parents []types.LV
}

// Start implements rle.Run.
func (e *CGEntry) Start() types.LV { return e.Version }

// Len implements rle.Run.
func (e *CGEntry) Len() int { return int(e.VEnd - e.Version) }

// SeqEnd is one past the last sequence number the entry covers.
func (e *CGEntry) SeqEnd() int { return e.Seq + e.Len() }

// TryAppend implements rle.Run. A following entry merges in when it extends
// this one's agent/seq run and trivially chains off its last version.
func (e *CGEntry) TryAppend(next CGEntry) bool {
	if next.Agent != e.Agent || next.Seq != e.SeqEnd() || next.Version != e.VEnd {
		return false
	}
	if len(next.Parents) != 1 || next.Parents[0] != e.VEnd-1 {
		return false
	}
	e.VEnd = next.VEnd
	return true
}

// ParentsAt returns the parents of the LV at offset within the entry.
func (e *CGEntry) ParentsAt(offset int) []types.LV {
	if offset == 0 {
		return e.Parents
	}
	return []types.LV{e.Version + types.LV(offset) - 1}
}

// clip returns the sub-entry covering [offset, offset+length), with seq and
// parents adjusted.
func (e *CGEntry) clip(offset, length int) CGEntry {
	return CGEntry{
		Version: e.Version + types.LV(offset),
		VEnd:    e.Version + types.LV(offset+length),
		Agent:   e.Agent,
		Seq:     e.Seq + offset,
		Parents: slices.Clone(e.ParentsAt(offset)),
	}
}

// ClientEntry maps a run of an agent's sequence numbers to the local
// versions they were assigned. Kept sorted by Seq per agent.
type ClientEntry struct {
	Seq     int
	SeqEnd  int
	Version types.LV
}

// VersionSummary is a compact version vector: for each agent, the sorted,
// disjoint [start, end) sequence ranges known.
type VersionSummary map[types.AgentID][][2]int

// DiffFlag tags ranges emitted by Diff and FindConflicting.
type DiffFlag uint8

const (
	OnlyA DiffFlag = iota
	OnlyB
	Shared
)

func (f DiffFlag) String() string {
	switch f {
	case OnlyA:
		return "a"
	case OnlyB:
		return "b"
	default:
		return "shared"
	}
}
