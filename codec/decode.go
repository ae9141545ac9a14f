package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"

	"cowrite/oplog"
	"cowrite/types"
)

// parentRef is one decoded parent: either a version inside the patch (by
// file version) or a foreign (agent, seq) reference.
type parentRef struct {
	foreign bool
	fileLV  int
	raw     types.RawVersion
}

// assignRun is one decoded agent-assignment run with its parents.
type assignRun struct {
	agent   types.AgentID
	seq     int
	length  int
	parents []parentRef
}

// opRun is one decoded operation run.
type opRun struct {
	kind       types.OpKind
	fwd        bool
	pos        int
	length     int
	contentIdx int // offset into insContent or delContent
	hasContent bool
}

// Patch is a decoded file, not yet applied to a log.
type Patch struct {
	startFrontier []types.RawVersion
	runs          []assignRun
	ops           []opRun
	insContent    []rune
	delContent    []rune
}

// Decode parses and validates a file without touching any log state.
func Decode(data []byte) (*Patch, error) {
	if len(data) < len(magicBytes)+1 || !bytes.Equal(data[:len(magicBytes)], magicBytes) {
		return nil, xerrors.Errorf("bad magic: %w", types.ErrCorruptFile)
	}
	r := &reader{buf: data, pos: len(magicBytes)}
	proto, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if proto != protocolVersion {
		return nil, xerrors.Errorf("unsupported protocol %d: %w", proto, types.ErrCorruptFile)
	}

	p := &Patch{}
	var agents []types.AgentID
	sawCRC := false
	for !r.empty() {
		chunkStart := r.pos
		kind, payload, err := r.nextChunk()
		if err != nil {
			return nil, err
		}
		switch kind {
		case chunkFileInfo:
			if agents, err = decodeFileInfo(payload); err != nil {
				return nil, err
			}
		case chunkStartBranch:
			if p.startFrontier, err = decodeStartBranch(payload, agents); err != nil {
				return nil, err
			}
		case chunkPatches:
			if err = p.decodePatches(payload, agents); err != nil {
				return nil, err
			}
		case chunkCRC:
			if len(payload.buf) != 4 {
				return nil, xerrors.Errorf("crc chunk length %d: %w", len(payload.buf), types.ErrCorruptFile)
			}
			want := binary.LittleEndian.Uint32(payload.buf)
			got := crc32Of(data[:chunkStart])
			if want != got {
				return nil, xerrors.Errorf("crc mismatch (%08x != %08x): %w", got, want, types.ErrCorruptFile)
			}
			sawCRC = true
		default:
			// Forward compatibility: unknown chunks skip by length.
		}
	}
	if !sawCRC {
		return nil, xerrors.Errorf("missing crc chunk: %w", types.ErrCorruptFile)
	}
	return p, nil
}

func decodeFileInfo(r *reader) ([]types.AgentID, error) {
	var agents []types.AgentID
	for !r.empty() {
		kind, payload, err := r.nextChunk()
		if err != nil {
			return nil, err
		}
		if kind != chunkAgentNames {
			continue // UserData and future chunks
		}
		for !payload.empty() {
			n, err := payload.intVarint()
			if err != nil {
				return nil, err
			}
			b, err := payload.take(n)
			if err != nil {
				return nil, err
			}
			name := types.AgentID(b)
			if name == "" || name == types.RootAgent {
				return nil, xerrors.Errorf("reserved agent name %q: %w", name, types.ErrCorruptFile)
			}
			agents = append(agents, name)
		}
	}
	return agents, nil
}

func agentAt(agents []types.AgentID, idx int) (types.AgentID, error) {
	if idx < 0 || idx >= len(agents) {
		return "", xerrors.Errorf("agent index %d out of range: %w", idx, types.ErrCorruptFile)
	}
	return agents[idx], nil
}

func decodeStartBranch(r *reader, agents []types.AgentID) ([]types.RawVersion, error) {
	var frontier []types.RawVersion
	for !r.empty() {
		kind, payload, err := r.nextChunk()
		if err != nil {
			return nil, err
		}
		if kind != chunkFrontier {
			continue // optional Content chunk
		}
		count, err := payload.intVarint()
		if err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			idx, err := payload.intVarint()
			if err != nil {
				return nil, err
			}
			agent, err := agentAt(agents, idx)
			if err != nil {
				return nil, err
			}
			seq, err := payload.intVarint()
			if err != nil {
				return nil, err
			}
			frontier = append(frontier, types.RawVersion{Agent: agent, Seq: seq})
		}
	}
	return frontier, nil
}

func (p *Patch) decodePatches(r *reader, agents []types.AgentID) error {
	var parentsRaw *reader
	for !r.empty() {
		kind, payload, err := r.nextChunk()
		if err != nil {
			return err
		}
		switch kind {
		case chunkAgentAssign:
			if err := p.decodeAssign(payload, agents); err != nil {
				return err
			}
		case chunkOpKindAndPos:
			if err := p.decodeOps(payload); err != nil {
				return err
			}
		case chunkParents:
			parentsRaw = payload
		case chunkInsertedContent:
			if p.insContent, err = decodeContent(payload); err != nil {
				return err
			}
		case chunkDeletedContent:
			if err := p.decodeDelContent(payload); err != nil {
				return err
			}
		}
	}
	if parentsRaw == nil {
		return xerrors.Errorf("patches without parents column: %w", types.ErrCorruptFile)
	}
	if err := p.decodeParents(parentsRaw, agents); err != nil {
		return err
	}
	return p.validate()
}

func (p *Patch) decodeAssign(r *reader, agents []types.AgentID) error {
	lastSeq := make(map[types.AgentID]int)
	for !r.empty() {
		idx, err := r.intVarint()
		if err != nil {
			return err
		}
		agent, err := agentAt(agents, idx)
		if err != nil {
			return err
		}
		delta, err := r.svarint()
		if err != nil {
			return err
		}
		length, err := r.intVarint()
		if err != nil {
			return err
		}
		if length <= 0 {
			return xerrors.Errorf("agent run length %d: %w", length, types.ErrCorruptFile)
		}
		seq := lastSeq[agent] + int(delta)
		if seq < 0 {
			return xerrors.Errorf("agent %s seq %d: %w", agent, seq, types.ErrCorruptFile)
		}
		p.runs = append(p.runs, assignRun{agent: agent, seq: seq, length: length})
		lastSeq[agent] = seq + length
	}
	return nil
}

func (p *Patch) decodeOps(r *reader) error {
	insChars, delChars := 0, 0
	prevPos := 0
	for !r.empty() {
		header, err := r.uvarint()
		if err != nil {
			return err
		}
		length := int(header >> 2)
		if length <= 0 || length > types.MaxDocLen {
			return xerrors.Errorf("op run length %d: %w", length, types.ErrCorruptFile)
		}
		kind := types.Ins
		if header&1 != 0 {
			kind = types.Del
		}
		fwd := header&2 != 0
		delta, err := r.svarint()
		if err != nil {
			return err
		}
		pos := prevPos + int(delta)
		if pos < 0 {
			return xerrors.Errorf("op position %d: %w", pos, types.ErrCorruptFile)
		}
		prevPos = pos

		run := opRun{kind: kind, fwd: fwd, pos: pos, length: length}
		if kind == types.Ins {
			run.contentIdx = insChars
			run.hasContent = true
			insChars += length
		} else {
			delChars += length
		}
		p.ops = append(p.ops, run)
	}
	return nil
}

func (p *Patch) decodeDelContent(r *reader) error {
	count, err := r.intVarint()
	if err != nil {
		return err
	}
	flags := make([]bool, 0, count)
	lengths := make([]int, 0, count)
	for i := 0; i < count; i++ {
		v, err := r.uvarint()
		if err != nil {
			return err
		}
		lengths = append(lengths, int(v>>1))
		flags = append(flags, v&1 != 0)
	}
	content, err := decodeContent(r)
	if err != nil {
		return err
	}
	p.delContent = content

	// Attach the known flags to the delete runs, in order.
	i := 0
	idx := 0
	for ri := range p.ops {
		run := &p.ops[ri]
		if run.kind != types.Del {
			continue
		}
		if i >= count {
			return xerrors.Errorf("deleted-content column shorter than delete runs: %w", types.ErrCorruptFile)
		}
		if lengths[i] != run.length {
			return xerrors.Errorf("deleted-content run length %d != op run %d: %w",
				lengths[i], run.length, types.ErrCorruptFile)
		}
		if flags[i] {
			run.hasContent = true
			run.contentIdx = idx
			idx += run.length
		}
		i++
	}
	if i != count {
		return xerrors.Errorf("deleted-content column longer than delete runs: %w", types.ErrCorruptFile)
	}
	if idx != len(p.delContent) {
		return xerrors.Errorf("deleted-content holds %d chars, expected %d: %w",
			len(p.delContent), idx, types.ErrCorruptFile)
	}
	return nil
}

func decodeContent(r *reader) ([]rune, error) {
	flag, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch flag {
	case contentRaw:
		b, err := r.take(r.remaining())
		if err != nil {
			return nil, err
		}
		return []rune(string(b)), nil
	case contentLZ4:
		rawLen, err := r.intVarint()
		if err != nil {
			return nil, err
		}
		src, err := r.take(r.remaining())
		if err != nil {
			return nil, err
		}
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil || n != rawLen {
			return nil, xerrors.Errorf("lz4 content: %w", types.ErrCorruptFile)
		}
		return []rune(string(dst)), nil
	default:
		return nil, xerrors.Errorf("unknown content compression %d: %w", flag, types.ErrCorruptFile)
	}
}

func (p *Patch) decodeParents(r *reader, agents []types.AgentID) error {
	fileLV := 0
	var prev []parentRef
	for i := range p.runs {
		run := &p.runs[i]
		flag, err := r.uvarint()
		if err != nil {
			return err
		}
		switch flag {
		case parentsRoot:
			run.parents = []parentRef{}
		case parentsSameAsPrev:
			if i == 0 {
				return xerrors.Errorf("first run repeats previous parents: %w", types.ErrCorruptFile)
			}
			run.parents = prev
		case parentsChainBack:
			k, err := r.intVarint()
			if err != nil {
				return err
			}
			target := fileLV - 1 - k
			if target < 0 {
				return xerrors.Errorf("parent before file start: %w", types.ErrCorruptFile)
			}
			run.parents = []parentRef{{fileLV: target}}
		case parentsExplicit:
			for {
				v, err := r.uvarint()
				if err != nil {
					return err
				}
				ref := parentRef{}
				if v&parentEntryForeign != 0 {
					agent, err := agentAt(agents, int(v>>parentEntryShift))
					if err != nil {
						return err
					}
					seq, err := r.intVarint()
					if err != nil {
						return err
					}
					ref.foreign = true
					ref.raw = types.RawVersion{Agent: agent, Seq: seq}
				} else {
					target := fileLV - 1 - int(v>>parentEntryShift)
					if target < 0 {
						return xerrors.Errorf("parent before file start: %w", types.ErrCorruptFile)
					}
					ref.fileLV = target
				}
				run.parents = append(run.parents, ref)
				if v&parentEntryLast != 0 {
					break
				}
			}
		default:
			return xerrors.Errorf("unknown parents flag %d: %w", flag, types.ErrCorruptFile)
		}
		prev = run.parents
		fileLV += run.length
	}
	if !r.empty() {
		return xerrors.Errorf("trailing bytes in parents column: %w", types.ErrCorruptFile)
	}
	return nil
}

// validate cross-checks column lengths.
func (p *Patch) validate() error {
	assignLen, opLen, insChars := 0, 0, 0
	for _, run := range p.runs {
		assignLen += run.length
	}
	for _, run := range p.ops {
		opLen += run.length
		if run.kind == types.Ins {
			insChars += run.length
		}
	}
	if assignLen != opLen {
		return xerrors.Errorf("agent column covers %d ops, op column %d: %w",
			assignLen, opLen, types.ErrCorruptFile)
	}
	if insChars != len(p.insContent) {
		return xerrors.Errorf("inserted content holds %d chars, ops need %d: %w",
			len(p.insContent), insChars, types.ErrCorruptFile)
	}
	return nil
}

// NumOps returns how many operations the patch carries.
func (p *Patch) NumOps() int {
	n := 0
	for _, run := range p.runs {
		n += run.length
	}
	return n
}

// rawAtFile maps a patch-file version to its (agent, seq) identity.
func (p *Patch) rawAtFile(fileLV int) (types.RawVersion, error) {
	base := 0
	for _, run := range p.runs {
		if fileLV < base+run.length {
			return types.RawVersion{Agent: run.agent, Seq: run.seq + fileLV - base}, nil
		}
		base += run.length
	}
	return types.RawVersion{}, xerrors.Errorf("file version %d out of range: %w", fileLV, types.ErrCorruptFile)
}

// visitOps yields single-run clips of the op columns covering file versions
// [start, end).
func (p *Patch) visitOps(start, end int, visit func(fileLV int, op types.Operation) error) error {
	base := 0
	for _, run := range p.ops {
		runEnd := base + run.length
		if runEnd > start && base < end {
			lo, hi := start, end
			if base > lo {
				lo = base
			}
			if runEnd < hi {
				hi = runEnd
			}
			op := types.Operation{
				Kind: run.kind,
				Len:  hi - lo,
				Fwd:  run.fwd,
			}
			offset := lo - base
			switch {
			case run.kind == types.Ins && run.fwd:
				op.Pos = run.pos + offset
			case run.kind == types.Del && !run.fwd:
				op.Pos = run.pos - offset
			default:
				op.Pos = run.pos
			}
			if op.Len == 1 {
				op.Fwd = true
			}
			if run.hasContent {
				arena := p.insContent
				if run.kind == types.Del {
					arena = p.delContent
				}
				op.Content = arena[run.contentIdx+offset : run.contentIdx+offset+op.Len]
			}
			if err := visit(lo, op); err != nil {
				return err
			}
		}
		base = runEnd
	}
	return nil
}

// Apply ingests the patch into the log. Known operations are deduplicated;
// a known range carrying different content is rejected. Returns the number
// of new operations.
//
// Apply mutates the log as it goes; callers wanting atomic ingest stage into
// a clone and swap (which is how OpLog.AddFromBytes uses it).
func (p *Patch) Apply(l *oplog.Log) (int, error) {
	g := l.CG()

	// The baseline the patch was created against must be known locally.
	for _, rv := range p.startFrontier {
		if _, err := g.RawToLV(rv.Agent, rv.Seq); err != nil {
			return 0, xerrors.Errorf("patch baseline %s unknown: %w", rv, types.ErrVersionNotReached)
		}
	}

	added := 0
	fileLV := 0
	for _, run := range p.runs {
		rawParents := make([]types.RawVersion, 0, len(run.parents))
		for _, ref := range run.parents {
			if ref.foreign {
				rawParents = append(rawParents, ref.raw)
				continue
			}
			rv, err := p.rawAtFile(ref.fileLV)
			if err != nil {
				return 0, err
			}
			rawParents = append(rawParents, rv)
		}

		rv := types.RawVersion{Agent: run.agent, Seq: run.seq}
		firstLV, count, err := g.AddRaw(rv, run.length, rawParents)
		if err != nil {
			return 0, err
		}
		if count < run.length {
			// Fully or partially known: the known prefix must match what we
			// already store.
			if err := p.verifyDup(l, fileLV, run.length-count, rv); err != nil {
				return 0, err
			}
		}
		if count > 0 {
			lv := firstLV
			err := p.visitOps(fileLV+(run.length-count), fileLV+run.length, func(_ int, op types.Operation) error {
				if err := l.Push(lv, op); err != nil {
					return err
				}
				lv += types.LV(op.Len)
				return nil
			})
			if err != nil {
				return 0, err
			}
			added += count
		}
		fileLV += run.length
	}
	return added, nil
}

// verifyDup checks that an already-known prefix of a run matches the stored
// operations.
func (p *Patch) verifyDup(l *oplog.Log, fileStart, knownLen int, rv types.RawVersion) error {
	g := l.CG()
	for i := 0; i < knownLen; i++ {
		var incoming types.Operation
		err := p.visitOps(fileStart+i, fileStart+i+1, func(_ int, op types.Operation) error {
			incoming = op
			return nil
		})
		if err != nil {
			return err
		}
		lv, err := g.RawToLV(rv.Agent, rv.Seq+i)
		if err != nil {
			return err
		}
		stored, err := l.OpAt(lv)
		if err != nil {
			return err
		}
		if stored.Kind != incoming.Kind || stored.Pos != incoming.Pos ||
			stored.Len != incoming.Len || string(stored.Content) != string(incoming.Content) {
			return xerrors.Errorf("op %s:%d differs from stored copy: %w",
				rv.Agent, rv.Seq+i, types.ErrDuplicateOperation)
		}
	}
	return nil
}

// StartFrontier exposes the raw baseline the patch was encoded against.
func (p *Patch) StartFrontier() []types.RawVersion { return p.startFrontier }
