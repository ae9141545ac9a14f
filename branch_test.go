package cowrite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cowrite/types"
)

func Test_Branch_MergeIncremental(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "hello"))
	mid := o.LocalVersion()
	require.NoError(t, o.Ins(5, " world"))

	b := NewBranch()
	require.NoError(t, b.Merge(o, mid))
	require.Equal(t, "hello", b.Get())
	require.Equal(t, mid, b.Frontier())
	require.Equal(t, 5, b.Len())

	require.NoError(t, b.Merge(o, nil))
	require.Equal(t, "hello world", b.Get())
	require.Equal(t, o.LocalVersion(), b.Frontier())
}

func Test_Branch_MergeConcurrentBranches(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "m"))
	base := o.LocalVersion()
	require.NoError(t, o.SetAgent("a"))
	require.NoError(t, o.InsAt(base, 0, "L"))
	aHead := o.LocalVersion()
	require.NoError(t, o.SetAgent("b"))
	require.NoError(t, o.InsAt(base, 1, "R"))
	bHead := types.Frontier{2}

	b := NewBranch()
	require.NoError(t, b.Merge(o, aHead))
	require.Equal(t, "Lm", b.Get())

	// Merging a concurrent branch lands on the join of both.
	require.NoError(t, b.Merge(o, bHead))
	require.Equal(t, "LmR", b.Get())
	require.Equal(t, o.LocalVersion(), b.Frontier())
}

func Test_Branch_Checkout(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "one"))
	v1 := o.LocalVersion()
	require.NoError(t, o.Ins(3, " two"))
	v2 := o.LocalVersion()

	b := NewBranch()
	require.NoError(t, b.Checkout(o, v2))
	require.Equal(t, "one two", b.Get())

	// Absolute move backwards.
	require.NoError(t, b.Checkout(o, v1))
	require.Equal(t, "one", b.Get())
	require.Equal(t, v1, b.Frontier())

	// And forward again.
	require.NoError(t, b.Checkout(o, v2))
	require.Equal(t, "one two", b.Get())

	// Checking out the current version is a no-op.
	require.NoError(t, b.Checkout(o, v2))
	require.Equal(t, "one two", b.Get())
}

func Test_Branch_CloneAndWchars(t *testing.T) {
	o := New("seph")
	require.NoError(t, o.Ins(0, "x𝄞y"))

	b, err := All(o)
	require.NoError(t, err)
	c := b.Clone()
	require.NoError(t, o.Ins(3, "!"))
	require.NoError(t, b.Merge(o, nil))
	require.Equal(t, "x𝄞y!", b.Get())
	require.Equal(t, "x𝄞y", c.Get())

	require.Equal(t, 3, c.CharsToWchars(2))
	require.Equal(t, 2, c.WcharsToChars(3))
}

func Test_Branch_AllEmpty(t *testing.T) {
	o := New("seph")
	b, err := All(o)
	require.NoError(t, err)
	require.Equal(t, "", b.Get())
	require.Empty(t, b.Frontier())
}
