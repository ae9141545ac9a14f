package cowrite

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"cowrite/internal/testutil"
	"cowrite/types"
)

func get(t *testing.T, o *OpLog) string {
	t.Helper()
	b, err := All(o)
	require.NoError(t, err)
	return b.Get()
}

// sync ships everything a knows to b and vice versa.
func sync(t *testing.T, a, b *OpLog) {
	t.Helper()
	ab, err := a.ToBytes()
	require.NoError(t, err)
	ba, err := b.ToBytes()
	require.NoError(t, err)
	_, err = b.AddFromBytes(ab)
	require.NoError(t, err)
	_, err = a.AddFromBytes(ba)
	require.NoError(t, err)
}

func Test_Doc_SequentialEditing(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "hi there"))
	require.Equal(t, "hi there", get(t, o))

	require.NoError(t, o.Del(1, 2))
	require.Equal(t, "h there", get(t, o))

	require.Equal(t, types.Frontier{9}, o.LocalVersion())
	require.Equal(t, []types.RawVersion{{Agent: "seph", Seq: 9}}, o.RemoteVersion())
}

func Test_Doc_PatchRoundtripsTwoOps(t *testing.T) {
	o := New("seph")
	initial := o.LocalVersion()
	require.NoError(t, o.Ins(0, "hi there"))
	require.NoError(t, o.Del(1, 2))

	patch, err := o.PatchSince(initial)
	require.NoError(t, err)

	peer := New("mike")
	_, err = peer.AddFromBytes(patch)
	require.NoError(t, err)
	require.Equal(t, "h there", get(t, peer))

	ops := peer.Ops()
	require.Len(t, ops, 2)
	require.Equal(t, types.Ins, ops[0].Kind)
	require.Equal(t, types.Del, ops[1].Kind)
	require.Equal(t, 1, ops[1].Pos)
	require.Equal(t, 2, ops[1].Len)
}

func Test_Doc_ConcurrentTieBreak(t *testing.T) {
	// Peer a and peer b insert concurrently at position 0; both must
	// converge on AAABBB because "a" sorts before "b".
	a := New("a")
	require.NoError(t, a.Ins(0, "AAA"))
	b := New("b")
	require.NoError(t, b.Ins(0, "BBB"))

	sync(t, a, b)
	require.Equal(t, "AAABBB", get(t, a))
	require.Equal(t, "AAABBB", get(t, b))
	require.Equal(t, a.RemoteVersion(), b.RemoteVersion())
}

func Test_Doc_DoubleDelete(t *testing.T) {
	seed := New("seph")
	require.NoError(t, seed.Ins(0, "aaa"))
	data, err := seed.ToBytes()
	require.NoError(t, err)

	a, err := FromBytes(data, "a")
	require.NoError(t, err)
	b, err := FromBytes(data, "b")
	require.NoError(t, err)

	require.NoError(t, a.Del(0, 2))
	require.NoError(t, b.Del(1, 2))

	sync(t, a, b)
	require.Equal(t, "", get(t, a))
	require.Equal(t, "", get(t, b))

	// Both deletes stay in the log; the transformed stream reports three
	// character deletions, not four.
	require.Equal(t, 7, a.Len())
	xf, err := a.XF()
	require.NoError(t, err)
	deleted := 0
	for _, op := range xf {
		if op.Kind == types.Del && !op.AlreadyHappened() {
			deleted += op.Len
		}
	}
	require.Equal(t, 3, deleted)
}

func Test_Doc_Convergence_ThreePeers(t *testing.T) {
	seed := New("seph")
	require.NoError(t, seed.Ins(0, "the quick brown fox"))
	data, err := seed.ToBytes()
	require.NoError(t, err)

	peers := make([]*OpLog, 3)
	for i, name := range []string{"alice", "bob", "carol"} {
		peers[i], err = FromBytes(data, name)
		require.NoError(t, err)
	}
	require.NoError(t, peers[0].Ins(4, "very "))
	require.NoError(t, peers[1].Del(10, 6)) // "brown "
	require.NoError(t, peers[2].Ins(19, " jumps"))

	// Deliver all patches pairwise in different orders.
	sync(t, peers[0], peers[1])
	sync(t, peers[2], peers[0])
	sync(t, peers[1], peers[2])
	sync(t, peers[0], peers[1])

	first := get(t, peers[0])
	for _, p := range peers[1:] {
		require.Equal(t, first, get(t, p))
		require.Equal(t, peers[0].RemoteVersion(), p.RemoteVersion())
	}
}

func Test_Doc_WireFormat_StructuralRoundtrip(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "hello"))
	require.NoError(t, o.SetAgent("mike"))
	require.NoError(t, o.Ins(5, " world"))
	require.NoError(t, o.Del(0, 1))

	data, err := o.ToBytes()
	require.NoError(t, err)
	restored, err := FromBytes(data, "seph")
	require.NoError(t, err)

	testutil.RequireEqualDump(t, o.Ops(), restored.Ops())
	testutil.RequireEqualDump(t, o.History(), restored.History())
	require.Equal(t, o.RemoteVersion(), restored.RemoteVersion())

	// Re-encoding is byte-identical.
	again, err := restored.ToBytes()
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func Test_Doc_SnapshotEquivalence(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "hello"))
	base := o.LocalVersion()
	require.NoError(t, o.InsAt(base, 5, "!"))
	require.NoError(t, o.SetAgent("mike"))
	require.NoError(t, o.InsAt(base, 5, "?"))

	b1, err := All(o)
	require.NoError(t, err)

	data, err := o.ToBytes()
	require.NoError(t, err)
	restored, err := FromBytes(data, "seph")
	require.NoError(t, err)
	b2, err := All(restored)
	require.NoError(t, err)

	require.Equal(t, b1.Get(), b2.Get())
	require.Equal(t, b1.Frontier(), b2.Frontier())
}

func Test_Doc_IdempotentIngest(t *testing.T) {
	a := New("a")
	require.NoError(t, a.Ins(0, "stuff"))
	patch, err := a.ToBytes()
	require.NoError(t, err)

	b := New("b")
	v1, err := b.AddFromBytes(patch)
	require.NoError(t, err)
	v2, err := b.AddFromBytes(patch)
	require.NoError(t, err)
	require.True(t, v1.Eq(v2))
	require.Equal(t, 5, b.Len())
}

func Test_Doc_PartialIngest(t *testing.T) {
	// A peer holding a prefix of the history applies a full snapshot and
	// only the suffix lands.
	a := New("asdf")
	require.NoError(t, a.Ins(0, "dfxxfds1xxyzqwer"))
	prefix, err := a.ToBytes()
	require.NoError(t, err)
	require.NoError(t, a.Ins(16, "sdfsdsdasdsdsdsdasdasdqwewqewqwkjkjkjkkjkjklj"))
	full, err := a.ToBytes()
	require.NoError(t, err)

	peer, err := FromBytes(prefix, "asdf")
	require.NoError(t, err)
	require.Equal(t, 16, peer.Len())
	_, err = peer.AddFromBytes(full)
	require.NoError(t, err)
	require.Equal(t, a.Len(), peer.Len())
	require.Equal(t,
		"dfxxfds1xxyzqwersdfsdsdasdsdsdsdasdasdqwewqewqwkjkjkjkkjkjklj",
		get(t, peer))
}

func Test_Doc_RunLengthCollapse(t *testing.T) {
	o := New("seph")
	for i := 0; i < 1000; i++ {
		require.NoError(t, o.Ins(i, "x"))
	}
	history := o.History()
	require.Len(t, history, 1)
	require.Len(t, o.Ops(), 1)
}

func Test_Doc_XF_ReplayReproducesDocument(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "aaa"))
	base := o.LocalVersion()
	require.NoError(t, o.SetAgent("a"))
	require.NoError(t, o.InsAt(base, 1, "X"))
	require.NoError(t, o.SetAgent("b"))
	require.NoError(t, o.InsAt(base, 2, "Y"))

	xf, err := o.XF()
	require.NoError(t, err)

	// Replaying the transformed stream reproduces the document, and every
	// emitted position is within bounds at its time of application.
	doc := []rune{}
	for _, op := range xf {
		if op.AlreadyHappened() {
			continue
		}
		switch op.Kind {
		case types.Ins:
			require.LessOrEqual(t, op.Pos, len(doc))
			doc = append(doc[:op.Pos], append(append([]rune{}, op.Content...), doc[op.Pos:]...)...)
		case types.Del:
			require.LessOrEqual(t, op.Pos+op.Len, len(doc))
			doc = append(doc[:op.Pos], doc[op.Pos+op.Len:]...)
		}
	}
	require.Equal(t, get(t, o), string(doc))
}

func Test_Doc_MergeVersions(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "hi"))
	base := o.LocalVersion()
	require.NoError(t, o.InsAt(base, 2, "a"))
	aHead := o.LocalVersion()
	require.NoError(t, o.SetAgent("mike"))
	require.NoError(t, o.InsAt(base, 2, "b"))

	joined := o.MergeVersions(aHead, types.Frontier{3})
	require.Equal(t, o.LocalVersion(), joined)
	require.Equal(t, base, o.MergeVersions(base, types.Frontier{1}))
}

func Test_Doc_VersionContains(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "abc"))
	require.True(t, o.VersionContains(o.LocalVersion(), 0))
	require.True(t, o.VersionContains(o.LocalVersion(), types.RootLV))
	require.False(t, o.VersionContains(types.Frontier{0}, 2))
}

func Test_Doc_SummaryCatchup(t *testing.T) {
	a := New("a")
	require.NoError(t, a.Ins(0, "shared"))
	data, err := a.ToBytes()
	require.NoError(t, err)
	b, err := FromBytes(data, "b")
	require.NoError(t, err)
	require.NoError(t, b.Ins(6, " more"))

	missing := b.MissingFrom(a.Summarize())
	require.Len(t, missing, 1)
	require.Equal(t, types.AgentID("b"), missing[0].Agent)
	require.Equal(t, 5, missing[0].Len())
	require.Empty(t, a.MissingFrom(a.Summarize()))
}

func Test_Doc_WithLogger(t *testing.T) {
	logger := NewConsoleLogger(zerolog.Disabled)
	o, err := NewWithOptions(Options{Agent: "seph", Logger: &logger})
	require.NoError(t, err)
	require.NoError(t, o.Ins(0, "logged"))
	base := o.LocalVersion()
	require.NoError(t, o.SetAgent("mike"))
	require.NoError(t, o.InsAt(base, 0, "also "))
	require.Equal(t, "also logged", get(t, o))
}

func Test_Doc_GeneratedAgentIDs(t *testing.T) {
	a := New("")
	b := New("")
	require.NotEmpty(t, a.Agent())
	require.NotEqual(t, a.Agent(), b.Agent())

	require.Error(t, a.SetAgent("ROOT"))
	_, err := NewWithOptions(Options{Agent: "ROOT"})
	require.Error(t, err)
}

func Test_Doc_CloneIsIndependent(t *testing.T) {
	a := New("a")
	require.NoError(t, a.Ins(0, "base"))
	c := a.Clone()
	require.NoError(t, c.Ins(4, "!"))
	require.Equal(t, "base", get(t, a))
	require.Equal(t, "base!", get(t, c))
	require.Equal(t, 4, a.Len())
}

func Test_Doc_RetainDeleted(t *testing.T) {
	o, err := NewWithOptions(Options{Agent: "seph", RetainDeleted: true})
	require.NoError(t, err)
	require.NoError(t, o.Ins(0, "hello"))
	require.NoError(t, o.Del(1, 2))

	ops := o.Ops()
	require.Len(t, ops, 2)
	require.Equal(t, []rune("el"), ops[1].Content)

	// Retained content survives the wire.
	data, err := o.ToBytes()
	require.NoError(t, err)
	restored, err := FromBytes(data, "seph")
	require.NoError(t, err)
	require.Equal(t, []rune("el"), restored.Ops()[1].Content)
}

func Test_Doc_Wchars(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "a𝄞b")) // 𝄞 needs a surrogate pair in UTF-16

	w, err := o.CharsToWchars(3)
	require.NoError(t, err)
	require.Equal(t, 4, w)
	c, err := o.WcharsToChars(4)
	require.NoError(t, err)
	require.Equal(t, 3, c)
	c, err = o.WcharsToChars(2) // inside the surrogate pair: round down
	require.NoError(t, err)
	require.Equal(t, 1, c)
}
