package causalgraph

import (
	"golang.org/x/exp/slices"

	"cowrite/types"
)

// Summarize returns a compact version vector of everything in the graph:
// for each agent, the sorted disjoint sequence ranges known locally. Two
// peers exchange summaries for bidirectional catch-up.
func (g *Graph) Summarize() VersionSummary {
	summary := make(VersionSummary, len(g.agentToVersion))
	for agent, entries := range g.agentToVersion {
		ranges := make([][2]int, 0, len(entries))
		for _, ce := range entries {
			if n := len(ranges); n > 0 && ranges[n-1][1] == ce.Seq {
				ranges[n-1][1] = ce.SeqEnd
				continue
			}
			ranges = append(ranges, [2]int{ce.Seq, ce.SeqEnd})
		}
		summary[agent] = ranges
	}
	return summary
}

func summaryCovers(summary VersionSummary, agent types.AgentID, seq int) (bool, int) {
	ranges := summary[agent]
	idx, _ := slices.BinarySearchFunc(ranges, seq, func(r [2]int, s int) int {
		switch {
		case r[1] <= s:
			return -1
		case r[0] > s:
			return 1
		default:
			return 0
		}
	})
	if idx < len(ranges) && ranges[idx][0] <= seq && seq < ranges[idx][1] {
		return true, ranges[idx][1] - seq
	}
	// Not covered; how far until the next covered seq?
	if idx < len(ranges) {
		return false, ranges[idx][0] - seq
	}
	return false, 0
}

// IntersectWithSummary returns the local entries a peer with the given
// summary is missing, clipped and in ascending (causal) order.
func (g *Graph) IntersectWithSummary(summary VersionSummary) []CGEntry {
	var missing []CGEntry
	for _, e := range g.entries.Runs() {
		offset := 0
		for offset < e.Len() {
			seq := e.Seq + offset
			covered, span := summaryCovers(summary, e.Agent, seq)
			if span == 0 || span > e.Len()-offset {
				span = e.Len() - offset
			}
			if !covered {
				missing = append(missing, e.clip(offset, span))
			}
			offset += span
		}
	}
	return missing
}
