// Package causalgraph stores the run-length-encoded DAG of every operation
// ever observed, and maps between external (agent, seq) identifiers and the
// dense local version indices the rest of the system runs on.
package causalgraph

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"cowrite/rle"
	"cowrite/types"
)

// Graph is the causal graph. It has no internal locking: one mutable owner
// at a time.
type Graph struct {
	entries        rle.List[CGEntry, *CGEntry]
	agentToVersion map[types.AgentID][]ClientEntry
	frontier       types.Frontier
}

// New creates an empty causal graph.
func New() *Graph {
	return &Graph{
		agentToVersion: make(map[types.AgentID][]ClientEntry),
	}
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	runs := make([]CGEntry, 0, g.entries.NumRuns())
	for _, e := range g.entries.Runs() {
		e.Parents = slices.Clone(e.Parents)
		runs = append(runs, e)
	}
	atv := make(map[types.AgentID][]ClientEntry, len(g.agentToVersion))
	for a, entries := range g.agentToVersion {
		atv[a] = slices.Clone(entries)
	}
	return &Graph{
		entries:        rle.FromRuns[CGEntry, *CGEntry](runs),
		agentToVersion: atv,
		frontier:       g.frontier.Clone(),
	}
}

// NextLV returns the next local version to be assigned, which equals the
// number of versions in the graph.
func (g *Graph) NextLV() types.LV {
	return g.entries.End()
}

// Len returns the number of operations in the graph.
func (g *Graph) Len() int { return int(g.entries.End()) }

// Frontier returns the current frontier: the set of LVs with no successors.
func (g *Graph) Frontier() types.Frontier { return g.frontier }

// NumEntries returns how many run-length entries back the graph.
func (g *Graph) NumEntries() int { return g.entries.NumRuns() }

// NextSeqFor returns the next unused sequence number for agent.
func (g *Graph) NextSeqFor(agent types.AgentID) int {
	entries := g.agentToVersion[agent]
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].SeqEnd
}

// Agents returns every agent known to the graph, sorted.
func (g *Graph) Agents() []types.AgentID {
	agents := make([]types.AgentID, 0, len(g.agentToVersion))
	for a := range g.agentToVersion {
		agents = append(agents, a)
	}
	slices.Sort(agents)
	return agents
}

func (g *Graph) entryFor(v types.LV) (*CGEntry, int) {
	idx, offset, ok := g.entries.Find(v)
	if !ok {
		panic(xerrors.Errorf("invariant violation: LV %d not in causal graph", v))
	}
	return g.entries.At(idx), offset
}

// EntryFor returns the entry containing v and v's offset within it.
func (g *Graph) EntryFor(v types.LV) (CGEntry, int) {
	e, offset := g.entryFor(v)
	return *e, offset
}

// ParentsOf returns the parents of v. Empty means the virtual root.
func (g *Graph) ParentsOf(v types.LV) []types.LV {
	e, offset := g.entryFor(v)
	return e.ParentsAt(offset)
}

// LVToRaw converts a local version to its (agent, seq) identity. RootLV maps
// to the reserved root agent.
func (g *Graph) LVToRaw(v types.LV) types.RawVersion {
	if v == types.RootLV {
		return types.RawVersion{Agent: types.RootAgent}
	}
	e, offset := g.entryFor(v)
	return types.RawVersion{Agent: e.Agent, Seq: e.Seq + offset}
}

// LVToRawList converts a list of local versions.
func (g *Graph) LVToRawList(lvs []types.LV) []types.RawVersion {
	raws := make([]types.RawVersion, len(lvs))
	for i, v := range lvs {
		raws[i] = g.LVToRaw(v)
	}
	return raws
}

// RawToLV converts an (agent, seq) identity to its local version. The root
// agent maps to RootLV.
func (g *Graph) RawToLV(agent types.AgentID, seq int) (types.LV, error) {
	if agent == types.RootAgent {
		return types.RootLV, nil
	}
	entries := g.agentToVersion[agent]
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].SeqEnd > seq
	})
	if idx >= len(entries) || entries[idx].Seq > seq {
		return 0, xerrors.Errorf("agent %s seq %d: %w", agent, seq, types.ErrUnknownID)
	}
	return entries[idx].Version + types.LV(seq-entries[idx].Seq), nil
}

// RawToLVList converts raw versions to a canonical frontier.
func (g *Graph) RawToLVList(raws []types.RawVersion) (types.Frontier, error) {
	lvs := make([]types.LV, 0, len(raws))
	for _, rv := range raws {
		v, err := g.RawToLV(rv.Agent, rv.Seq)
		if err != nil {
			return nil, err
		}
		if v != types.RootLV {
			lvs = append(lvs, v)
		}
	}
	return types.FrontierFrom(lvs...), nil
}

// seqKnownUpTo returns how many sequence numbers starting at seq are already
// assigned for agent (0 when seq itself is unknown).
func (g *Graph) seqKnownUpTo(agent types.AgentID, seq, max int) int {
	entries := g.agentToVersion[agent]
	known := 0
	for known < max {
		s := seq + known
		idx := sort.Search(len(entries), func(i int) bool {
			return entries[i].SeqEnd > s
		})
		if idx >= len(entries) || entries[idx].Seq > s {
			break
		}
		known += entries[idx].SeqEnd - s
	}
	if known > max {
		known = max
	}
	return known
}

func (g *Graph) addClientEntry(agent types.AgentID, seq, count int, v types.LV) {
	entries := g.agentToVersion[agent]
	if n := len(entries); n > 0 {
		last := &entries[n-1]
		if last.SeqEnd == seq && last.Version+types.LV(last.SeqEnd-last.Seq) == v {
			last.SeqEnd += count
			return
		}
	}
	entries = append(entries, ClientEntry{Seq: seq, SeqEnd: seq + count, Version: v})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	g.agentToVersion[agent] = entries
}

func (g *Graph) add(agent types.AgentID, seq, count int, parents []types.LV) types.LV {
	start := g.NextLV()
	// Root parents are stored as nil however the caller spelled them, so a
	// decoded graph compares equal to the one it was encoded from.
	var ps []types.LV
	if len(parents) > 0 {
		ps = slices.Clone(parents)
	}
	g.entries.Append(CGEntry{
		Version: start,
		VEnd:    start + types.LV(count),
		Agent:   agent,
		Seq:     seq,
		Parents: ps,
	})
	g.addClientEntry(agent, seq, count, start)
	g.frontier = advanceFrontier(g.frontier, parents, start+types.LV(count)-1)
	return start
}

// AddLocal assigns a fresh run of count versions to agent, parented on the
// current frontier. Returns the first new LV.
func (g *Graph) AddLocal(agent types.AgentID, count int) types.LV {
	return g.add(agent, g.NextSeqFor(agent), count, g.frontier)
}

// AddLocalWithParents is AddLocal with an explicit parent frontier. Every
// parent must already be in the graph.
func (g *Graph) AddLocalWithParents(agent types.AgentID, count int, parents types.Frontier) (types.LV, error) {
	next := g.NextLV()
	for _, p := range parents {
		if p < 0 || p >= next {
			return 0, xerrors.Errorf("parent %d out of range: %w", p, types.ErrInvalidParents)
		}
	}
	return g.add(agent, g.NextSeqFor(agent), count, parents), nil
}

// AddRaw ingests a remote run. Fully known ranges return (-1, 0, nil);
// partially known ranges ingest only the unknown suffix, chained off the
// last known version. Returns the first newly assigned LV and how many
// versions were added.
func (g *Graph) AddRaw(rv types.RawVersion, count int, rawParents []types.RawVersion) (types.LV, int, error) {
	known := g.seqKnownUpTo(rv.Agent, rv.Seq, count)
	if known == count {
		return -1, 0, nil
	}
	entries := g.agentToVersion[rv.Agent]
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].SeqEnd > rv.Seq+known
	})
	if idx < len(entries) && entries[idx].Seq < rv.Seq+count {
		return 0, 0, xerrors.Errorf("agent %s seqs [%d,%d) interleave with known history: %w",
			rv.Agent, rv.Seq, rv.Seq+count, types.ErrDuplicateOperation)
	}

	var parents types.Frontier
	if known > 0 {
		last, err := g.RawToLV(rv.Agent, rv.Seq+known-1)
		if err != nil {
			return 0, 0, err
		}
		parents = types.Frontier{last}
	} else {
		var err error
		parents, err = g.RawToLVList(rawParents)
		if err != nil {
			return 0, 0, fmt.Errorf("resolving parents of %s: %w: %w", rv, types.ErrInvalidParents, err)
		}
	}
	start := g.add(rv.Agent, rv.Seq+known, count-known, parents)
	return start, count - known, nil
}

// advanceFrontier replaces the parents of a newly added run with its last
// version, keeping the frontier a sorted antichain.
func advanceFrontier(f types.Frontier, parents []types.LV, last types.LV) types.Frontier {
	out := make(types.Frontier, 0, len(f)+1)
	for _, v := range f {
		if !slices.Contains(parents, v) {
			out = append(out, v)
		}
	}
	out = append(out, last)
	slices.Sort(out)
	return slices.Compact(out)
}

// AdvanceFrontierBy returns f advanced by the run [r.Start, r.End), using
// the parents the graph records for r.Start.
func (g *Graph) AdvanceFrontierBy(f types.Frontier, r types.LVRange) types.Frontier {
	parents := g.ParentsOf(r.Start)
	return advanceFrontier(f, parents, r.End-1)
}

// VisitEntriesRange calls visit with maximal clipped entries covering
// [r.Start, r.End), in ascending order.
func (g *Graph) VisitEntriesRange(r types.LVRange, visit func(e CGEntry)) {
	g.entries.VisitRange(r, func(idx, offset, length int) {
		visit(g.entries.At(idx).clip(offset, length))
	})
}

// CompareRawOrder is the display/tie-break ordering for concurrent versions:
// lexicographic on (agent, seq). Total over concurrent items and independent
// of local insertion order.
func (g *Graph) CompareRawOrder(a, b types.LV) int {
	return g.LVToRaw(a).Cmp(g.LVToRaw(b))
}
