package rle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cowrite/types"
)

// span is a minimal run for exercising the list.
type span struct {
	start types.LV
	len   int
	tag   byte
}

func (s *span) Start() types.LV { return s.start }
func (s *span) Len() int        { return s.len }
func (s *span) TryAppend(next span) bool {
	if next.tag != s.tag || next.start != s.start+types.LV(s.len) {
		return false
	}
	s.len += next.len
	return true
}

func Test_RLE_AppendMerges(t *testing.T) {
	var l List[span, *span]
	l.Append(span{start: 0, len: 2, tag: 'a'})
	l.Append(span{start: 2, len: 3, tag: 'a'})
	l.Append(span{start: 5, len: 1, tag: 'b'})
	l.Append(span{start: 6, len: 1, tag: 'b'})

	require.Equal(t, 2, l.NumRuns())
	require.Equal(t, types.LV(7), l.End())
	require.Equal(t, 5, l.At(0).len)
}

func Test_RLE_Find(t *testing.T) {
	var l List[span, *span]
	l.Append(span{start: 0, len: 4, tag: 'a'})
	l.Append(span{start: 4, len: 2, tag: 'b'})

	idx, offset, ok := l.Find(3)
	require.True(t, ok)
	require.Zero(t, idx)
	require.Equal(t, 3, offset)

	idx, offset, ok = l.Find(5)
	require.True(t, ok)
	require.Equal(t, 1, idx)
	require.Equal(t, 1, offset)

	_, _, ok = l.Find(6)
	require.False(t, ok)
}

func Test_RLE_VisitRange(t *testing.T) {
	var l List[span, *span]
	l.Append(span{start: 0, len: 4, tag: 'a'})
	l.Append(span{start: 4, len: 4, tag: 'b'})

	type clip struct{ idx, offset, length int }
	var clips []clip
	l.VisitRange(types.LVRange{Start: 2, End: 6}, func(idx, offset, length int) {
		clips = append(clips, clip{idx, offset, length})
	})
	require.Equal(t, []clip{{0, 2, 2}, {1, 0, 2}}, clips)

	clips = nil
	l.VisitRange(types.LVRange{Start: 5, End: 5}, func(idx, offset, length int) {
		clips = append(clips, clip{idx, offset, length})
	})
	require.Empty(t, clips)
}
