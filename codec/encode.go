package codec

import (
	"encoding/binary"
	"hash/crc32"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"cowrite/causalgraph"
	"cowrite/oplog"
	"cowrite/types"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32Of(b []byte) uint32 { return crc32.Checksum(b, castagnoli) }

// Encode serializes everything the log knows past `since` (everything, when
// since is empty). The start branch records `since` so the receiver can
// check it shares the baseline.
func Encode(l *oplog.Log, since types.Frontier, opts EncodeOpts) ([]byte, error) {
	g := l.CG()
	var ranges []types.LVRange
	if len(since) == 0 {
		if n := g.NextLV(); n > 0 {
			ranges = []types.LVRange{{Start: 0, End: n}}
		}
	} else {
		for _, v := range since {
			if !g.VersionContainsLV(g.Frontier(), v) {
				return nil, xerrors.Errorf("version %d not dominated by frontier: %w",
					v, types.ErrVersionNotReached)
			}
		}
		aOnly, _ := g.Diff(g.Frontier(), since)
		ranges = aOnly
	}
	return encodeRanges(l, since, ranges, opts)
}

// fileMap translates local versions to dense patch-file versions.
type fileMap struct {
	ranges []types.LVRange
	starts []int // file version of each range start
}

func newFileMap(ranges []types.LVRange) *fileMap {
	m := &fileMap{ranges: ranges, starts: make([]int, len(ranges))}
	total := 0
	for i, r := range ranges {
		m.starts[i] = total
		total += r.Len()
	}
	return m
}

func (m *fileMap) toFile(v types.LV) (int, bool) {
	for i, r := range m.ranges {
		if r.Contains(v) {
			return m.starts[i] + int(v-r.Start), true
		}
	}
	return 0, false
}

// agentTable assigns dense indices to agents in order of first appearance.
type agentTable struct {
	names []types.AgentID
	seen  mapset.Set[types.AgentID]
}

func newAgentTable() *agentTable {
	return &agentTable{seen: mapset.NewThreadUnsafeSet[types.AgentID]()}
}

func (t *agentTable) index(a types.AgentID) int {
	if t.seen.Add(a) {
		t.names = append(t.names, a)
	}
	return slices.Index(t.names, a)
}

func encodeRanges(l *oplog.Log, since types.Frontier, ranges []types.LVRange, opts EncodeOpts) ([]byte, error) {
	g := l.CG()
	fm := newFileMap(ranges)
	agents := newAgentTable()

	var entries []causalgraph.CGEntry
	for _, r := range ranges {
		g.VisitEntriesRange(r, func(e causalgraph.CGEntry) {
			entries = append(entries, e)
		})
	}

	// Agent assignment column.
	assign := &writer{}
	lastSeq := make(map[types.AgentID]int)
	for _, e := range entries {
		idx := agents.index(e.Agent)
		prev, ok := lastSeq[e.Agent]
		if !ok {
			prev = 0
		}
		assign.uvarint(uint64(idx))
		assign.svarint(int64(e.Seq - prev))
		assign.uvarint(uint64(e.Len()))
		lastSeq[e.Agent] = e.SeqEnd()
	}

	// Parents column: one entry per run.
	parents := &writer{}
	var prevParents []types.LV
	havePrev := false
	for _, e := range entries {
		fileStart, ok := fm.toFile(e.Version)
		if !ok {
			return nil, xerrors.Errorf("entry %d outside encoded ranges", e.Version)
		}
		switch {
		case len(e.Parents) == 0:
			parents.uvarint(parentsRoot)
		case havePrev && len(e.Parents) > 1 && slices.Equal(e.Parents, prevParents):
			parents.uvarint(parentsSameAsPrev)
		case len(e.Parents) == 1 && isLocalChain(fm, e.Parents[0]):
			fp, _ := fm.toFile(e.Parents[0])
			parents.uvarint(parentsChainBack)
			parents.uvarint(uint64(fileStart - 1 - fp))
		default:
			parents.uvarint(parentsExplicit)
			for i, p := range e.Parents {
				last := uint64(0)
				if i == len(e.Parents)-1 {
					last = parentEntryLast
				}
				if fp, ok := fm.toFile(p); ok {
					delta := uint64(fileStart - fp - 1)
					parents.uvarint(delta<<parentEntryShift | last)
				} else {
					rv := g.LVToRaw(p)
					idx := agents.index(rv.Agent)
					parents.uvarint(uint64(idx)<<parentEntryShift | parentEntryForeign | last)
					parents.uvarint(uint64(rv.Seq))
				}
			}
		}
		prevParents = e.Parents
		havePrev = true
	}

	// Op kind, direction, length and position column; content arenas.
	kindPos := &writer{}
	var insContent, delContent []rune
	delKnown := &writer{}
	numDelRuns := 0
	prevPos := 0
	for _, r := range ranges {
		l.VisitRange(r, func(_ types.LV, op types.Operation) {
			header := uint64(op.Len)<<2 | boolBit(op.Fwd)<<1 | kindBit(op.Kind)
			kindPos.uvarint(header)
			kindPos.svarint(int64(op.Pos - prevPos))
			prevPos = op.Pos
			if op.Kind == types.Ins {
				insContent = append(insContent, op.Content...)
			} else {
				known := uint64(0)
				if len(op.Content) > 0 {
					known = 1
					delContent = append(delContent, op.Content...)
				}
				delKnown.uvarint(uint64(op.Len)<<1 | known)
				numDelRuns++
			}
		})
	}

	// Start branch frontier in raw form, ordered by (agent, seq).
	raws := g.LVToRawList(since)
	slices.SortFunc(raws, func(a, b types.RawVersion) int { return a.Cmp(b) })
	frontier := &writer{}
	frontier.uvarint(uint64(len(raws)))
	for _, rv := range raws {
		frontier.uvarint(uint64(agents.index(rv.Agent)))
		frontier.uvarint(uint64(rv.Seq))
	}

	// Assemble nested chunks.
	names := &writer{}
	for _, a := range agents.names {
		names.uvarint(uint64(len(a)))
		names.raw([]byte(a))
	}
	fileInfo := &writer{}
	fileInfo.chunk(chunkAgentNames, names.bytes())

	startBranch := &writer{}
	startBranch.chunk(chunkFrontier, frontier.bytes())

	patches := &writer{}
	patches.chunk(chunkAgentAssign, assign.bytes())
	patches.chunk(chunkOpKindAndPos, kindPos.bytes())
	patches.chunk(chunkParents, parents.bytes())
	patches.chunk(chunkInsertedContent, contentChunk(insContent, opts))
	if numDelRuns > 0 {
		dc := &writer{}
		dc.uvarint(uint64(numDelRuns))
		dc.raw(delKnown.bytes())
		dc.raw(contentChunk(delContent, opts))
		patches.chunk(chunkDeletedContent, dc.bytes())
	}

	out := &writer{}
	out.raw(magicBytes)
	out.uvarint(protocolVersion)
	out.chunk(chunkFileInfo, fileInfo.bytes())
	out.chunk(chunkStartBranch, startBranch.bytes())
	out.chunk(chunkPatches, patches.bytes())

	crc := crc32Of(out.bytes())
	var crcBytes [4]byte
	binary.LittleEndian.PutUint32(crcBytes[:], crc)
	out.chunk(chunkCRC, crcBytes[:])

	return out.bytes(), nil
}

func isLocalChain(fm *fileMap, p types.LV) bool {
	_, ok := fm.toFile(p)
	return ok
}

// contentChunk encodes a content payload with its compression flag.
func contentChunk(content []rune, opts EncodeOpts) []byte {
	raw := []byte(string(content))
	w := &writer{}
	if opts.Compress && len(raw) >= compressThreshold {
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err == nil && n > 0 && n < len(raw) {
			w.byte(contentLZ4)
			w.uvarint(uint64(len(raw)))
			w.raw(dst[:n])
			return w.bytes()
		}
	}
	w.byte(contentRaw)
	w.raw(raw)
	return w.bytes()
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func kindBit(k types.OpKind) uint64 {
	if k == types.Del {
		return 1
	}
	return 0
}
