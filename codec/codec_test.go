package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cowrite/oplog"
	"cowrite/types"
)

func push(t *testing.T, l *oplog.Log, agent types.AgentID, op types.Operation, parents ...types.Frontier) types.LV {
	t.Helper()
	var lv types.LV
	if len(parents) > 0 {
		var err error
		lv, err = l.CG().AddLocalWithParents(agent, op.Len, parents[0])
		require.NoError(t, err)
	} else {
		lv = l.CG().AddLocal(agent, op.Len)
	}
	require.NoError(t, l.Push(lv, op))
	return lv
}

func insOp(pos int, text string) types.Operation {
	return types.Operation{Kind: types.Ins, Pos: pos, Len: len([]rune(text)), Fwd: true, Content: []rune(text)}
}

func delOp(pos, length int) types.Operation {
	return types.Operation{Kind: types.Del, Pos: pos, Len: length, Fwd: true}
}

func roundtrip(t *testing.T, l *oplog.Log, opts EncodeOpts) *oplog.Log {
	t.Helper()
	data, err := Encode(l, nil, opts)
	require.NoError(t, err)

	patch, err := Decode(data)
	require.NoError(t, err)

	restored := oplog.New()
	added, err := patch.Apply(restored)
	require.NoError(t, err)
	require.Equal(t, l.Len(), added)
	return restored
}

func requireLogsEqual(t *testing.T, want, got *oplog.Log) {
	t.Helper()
	require.Equal(t, want.Len(), got.Len())
	require.Equal(t, want.CG().Frontier(), got.CG().Frontier())
	for lv := types.LV(0); lv < types.LV(want.Len()); lv++ {
		wantOp, err := want.OpAt(lv)
		require.NoError(t, err)
		gotOp, err := got.OpAt(lv)
		require.NoError(t, err)
		require.Equal(t, wantOp, gotOp, "op at %d", lv)
		require.Equal(t, want.CG().LVToRaw(lv), got.CG().LVToRaw(lv))
		require.Equal(t, want.CG().ParentsOf(lv), got.CG().ParentsOf(lv))
	}
}

func Test_Codec_MagicAndCRC(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "hi there"))

	data, err := Encode(l, nil, EncodeOpts{})
	require.NoError(t, err)
	require.Equal(t, "DMNDTYPS", string(data[:8]))

	// A flipped byte inside the file-info chunk must be rejected as corrupt.
	corrupt := append([]byte{}, data...)
	corrupt[12] ^= 0xff
	_, err = Decode(corrupt)
	require.ErrorIs(t, err, types.ErrCorruptFile)

	_, err = Decode([]byte("NOTMAGIC batch"))
	require.ErrorIs(t, err, types.ErrCorruptFile)

	// A truncated file loses its CRC chunk.
	_, err = Decode(data[:len(data)-6])
	require.ErrorIs(t, err, types.ErrCorruptFile)
}

func Test_Codec_Roundtrip_Simple(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "hi there"))
	push(t, l, "seph", delOp(1, 2))

	restored := roundtrip(t, l, EncodeOpts{})
	requireLogsEqual(t, l, restored)
}

func Test_Codec_Roundtrip_ConcurrentBranches(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "base"))
	base := l.CG().Frontier()
	push(t, l, "alice", insOp(0, "AA"), base)
	push(t, l, "bob", insOp(4, "BB"), base)
	push(t, l, "alice", delOp(0, 1))

	restored := roundtrip(t, l, EncodeOpts{})
	requireLogsEqual(t, l, restored)
}

func Test_Codec_Roundtrip_DeletedContentRetained(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "hello"))
	push(t, l, "seph", types.Operation{Kind: types.Del, Pos: 1, Len: 2, Fwd: true, Content: []rune("el")})
	push(t, l, "seph", delOp(0, 1))

	restored := roundtrip(t, l, EncodeOpts{})
	requireLogsEqual(t, l, restored)

	op, err := restored.OpAt(5)
	require.NoError(t, err)
	require.Equal(t, []rune("e"), op.Content)
	op, err = restored.OpAt(7)
	require.NoError(t, err)
	require.Empty(t, op.Content)
}

func Test_Codec_Roundtrip_LZ4(t *testing.T) {
	l := oplog.New()
	text := strings.Repeat("all work and no play makes jack a dull boy. ", 40)
	push(t, l, "seph", insOp(0, text))

	raw, err := Encode(l, nil, EncodeOpts{})
	require.NoError(t, err)
	compressed, err := Encode(l, nil, EncodeOpts{Compress: true})
	require.NoError(t, err)
	require.Less(t, len(compressed), len(raw))

	patch, err := Decode(compressed)
	require.NoError(t, err)
	restored := oplog.New()
	_, err = patch.Apply(restored)
	require.NoError(t, err)
	requireLogsEqual(t, l, restored)
}

func Test_Codec_Deterministic(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "aaa"))
	base := l.CG().Frontier()
	push(t, l, "a", delOp(0, 2), base)
	push(t, l, "b", delOp(1, 2), base)

	one, err := Encode(l, nil, EncodeOpts{})
	require.NoError(t, err)
	two, err := Encode(l, nil, EncodeOpts{})
	require.NoError(t, err)
	require.Equal(t, one, two)

	// Decoding and re-encoding reproduces the same bytes.
	restored := roundtrip(t, l, EncodeOpts{})
	three, err := Encode(restored, nil, EncodeOpts{})
	require.NoError(t, err)
	require.Equal(t, one, three)
}

func Test_Codec_RunLengthSingleEntry(t *testing.T) {
	l := oplog.New()
	for i := 0; i < 1000; i++ {
		push(t, l, "seph", insOp(i, "x"))
	}
	require.Equal(t, 1, l.NumRuns())
	require.Equal(t, 1, l.CG().NumEntries())

	data, err := Encode(l, nil, EncodeOpts{})
	require.NoError(t, err)
	// One agent-assignment triple, one op run, one parents flag: the whole
	// patch encodes in well under a hundred bytes plus framing.
	require.Less(t, len(data), 1100) // content dominates

	restored := oplog.New()
	patch, err := Decode(data)
	require.NoError(t, err)
	_, err = patch.Apply(restored)
	require.NoError(t, err)
	require.Equal(t, 1, restored.NumRuns())
	require.Equal(t, 1, restored.CG().NumEntries())
}

func Test_Codec_PatchSince(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "hello"))
	mid := l.CG().Frontier()
	push(t, l, "seph", insOp(5, " world"))

	// The patch carries only the suffix.
	data, err := Encode(l, mid, EncodeOpts{})
	require.NoError(t, err)
	patch, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, 6, patch.NumOps())
	require.Equal(t, []types.RawVersion{{Agent: "seph", Seq: 4}}, patch.StartFrontier())

	// A peer holding the prefix can apply it.
	peer := oplog.New()
	push(t, peer, "seph", insOp(0, "hello"))
	added, err := patch.Apply(peer)
	require.NoError(t, err)
	require.Equal(t, 6, added)
	requireLogsEqual(t, l, peer)

	// A peer missing the baseline cannot.
	stranger := oplog.New()
	_, err = patch.Apply(stranger)
	require.ErrorIs(t, err, types.ErrVersionNotReached)

	// Unreached versions are rejected at encode time.
	_, err = Encode(l, types.Frontier{999}, EncodeOpts{})
	require.Error(t, err)
}

func Test_Codec_IdempotentIngest(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "abc"))
	data, err := Encode(l, nil, EncodeOpts{})
	require.NoError(t, err)

	peer := oplog.New()
	patch, err := Decode(data)
	require.NoError(t, err)
	added, err := patch.Apply(peer)
	require.NoError(t, err)
	require.Equal(t, 3, added)

	// Same bytes again: benign duplicate, nothing changes.
	patch2, err := Decode(data)
	require.NoError(t, err)
	added, err = patch2.Apply(peer)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Equal(t, 3, peer.Len())
}

func Test_Codec_DuplicateWithDifferentContent(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "abc"))
	data, err := Encode(l, nil, EncodeOpts{})
	require.NoError(t, err)

	// A peer that already stores different content for the same versions.
	evil := oplog.New()
	push(t, evil, "seph", insOp(0, "xyz"))
	patch, err := Decode(data)
	require.NoError(t, err)
	_, err = patch.Apply(evil)
	require.ErrorIs(t, err, types.ErrDuplicateOperation)
}

func Test_Codec_UnknownChunksSkipped(t *testing.T) {
	l := oplog.New()
	push(t, l, "seph", insOp(0, "hi"))
	data, err := Encode(l, nil, EncodeOpts{})
	require.NoError(t, err)

	// Splice an unknown chunk (kind 77) in front of the CRC chunk, fixing
	// up the checksum.
	body := data[:len(data)-6] // strip "100, 4, crc32" framing
	w := &writer{}
	w.raw(body)
	w.chunk(77, []byte{1, 2, 3})
	withUnknown := w.bytes()
	crcW := &writer{}
	crcW.raw(withUnknown)
	var crcBytes [4]byte
	crc := crc32Of(withUnknown)
	crcBytes[0] = byte(crc)
	crcBytes[1] = byte(crc >> 8)
	crcBytes[2] = byte(crc >> 16)
	crcBytes[3] = byte(crc >> 24)
	crcW.chunk(chunkCRC, crcBytes[:])

	patch, err := Decode(crcW.bytes())
	require.NoError(t, err)
	restored := oplog.New()
	_, err = patch.Apply(restored)
	require.NoError(t, err)
	require.Equal(t, 2, restored.Len())
}

func Test_Codec_RejectsZeroLengthRun(t *testing.T) {
	// Hand-build a Patches chunk with a zero-length op run.
	assign := &writer{}
	assign.uvarint(0)  // agent 0
	assign.svarint(0)  // seq delta
	assign.uvarint(1)  // run length
	ops := &writer{}
	ops.uvarint(0 << 2) // zero length, fwd=false, ins
	ops.svarint(0)
	names := &writer{}
	names.uvarint(4)
	names.raw([]byte("seph"))
	fileInfo := &writer{}
	fileInfo.chunk(chunkAgentNames, names.bytes())
	parents := &writer{}
	parents.uvarint(parentsRoot)
	patches := &writer{}
	patches.chunk(chunkAgentAssign, assign.bytes())
	patches.chunk(chunkOpKindAndPos, ops.bytes())
	patches.chunk(chunkParents, parents.bytes())
	patches.chunk(chunkInsertedContent, []byte{contentRaw})

	out := &writer{}
	out.raw(magicBytes)
	out.uvarint(protocolVersion)
	out.chunk(chunkFileInfo, fileInfo.bytes())
	out.chunk(chunkPatches, patches.bytes())
	crc := crc32Of(out.bytes())
	out.chunk(chunkCRC, []byte{byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24)})

	_, err := Decode(out.bytes())
	require.ErrorIs(t, err, types.ErrCorruptFile)
}
