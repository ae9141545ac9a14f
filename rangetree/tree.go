// Package rangetree implements the run-length B-tree of YjsSpans ordered by
// live document position. Internal nodes cache three aggregated metrics per
// subtree (raw, content, upstream), giving O(log n) position lookups; a
// secondary id index finds the leaf holding any item in O(log n).
//
// Spans are never removed. States only transition, so the tree never
// underflows and leaves only ever split.
package rangetree

import (
	"golang.org/x/xerrors"

	"cowrite/types"
)

const (
	maxSpans    = 32
	maxChildren = 16
)

type metrics struct {
	raw      int
	content  int
	upstream int
}

func (m *metrics) add(o metrics) {
	m.raw += o.raw
	m.content += o.content
	m.upstream += o.upstream
}

func spanMetrics(s *Span) metrics {
	return metrics{raw: s.Len, content: s.contentLen(), upstream: s.upstreamLen()}
}

// node is either a leaf (spans != nil or children == nil) or an internal
// node. agg caches the subtree totals.
type node struct {
	parent   *node
	children []*node
	spans    []Span
	agg      metrics
	next     *node // leaf chain
}

func (n *node) isLeaf() bool { return n.children == nil }

func (n *node) recalc() {
	var m metrics
	if n.isLeaf() {
		for i := range n.spans {
			m.add(spanMetrics(&n.spans[i]))
		}
	} else {
		for _, c := range n.children {
			m.add(c.agg)
		}
	}
	n.agg = m
}

// Tree is the range tree. One mutable owner at a time.
type Tree struct {
	root *node
	idx  markerIndex
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{root: &node{}}
}

// ContentLen returns the total length of currently visible items.
func (t *Tree) ContentLen() int { return t.root.agg.content }

// UpstreamLen returns the total length of items in the merged output.
func (t *Tree) UpstreamLen() int { return t.root.agg.upstream }

// RawLen returns the total number of items including invisible ones.
func (t *Tree) RawLen() int { return t.root.agg.raw }

func (t *Tree) firstLeaf() *node {
	n := t.root
	for !n.isLeaf() {
		n = n.children[0]
	}
	return n
}

func (t *Tree) lastLeaf() *node {
	n := t.root
	for !n.isLeaf() {
		n = n.children[len(n.children)-1]
	}
	return n
}

func (t *Tree) updateUp(n *node) {
	for ; n != nil; n = n.parent {
		n.recalc()
	}
}

// Cursor addresses an item as (leaf, span index, offset within span).
// offset may equal the span's length transiently, denoting the gap after it.
type Cursor struct {
	leaf   *node
	idx    int
	offset int
}

// Span returns the span under the cursor.
func (c Cursor) Span() *Span { return &c.leaf.spans[c.idx] }

// Item returns the id of the item under the cursor.
func (c Cursor) Item() types.LV {
	s := c.Span()
	return s.ID + types.LV(c.offset)
}

// Offset returns the cursor's offset within its span.
func (c Cursor) Offset() int { return c.offset }

// CursorAtStart returns a cursor at the very start of the tree.
func (t *Tree) CursorAtStart() Cursor {
	return Cursor{leaf: t.firstLeaf()}
}

// CursorAtEnd returns a cursor past the final span.
func (t *Tree) CursorAtEnd() Cursor {
	leaf := t.lastLeaf()
	return Cursor{leaf: leaf, idx: len(leaf.spans)}
}

// CursorAtContent descends to the item at the given content position. At a
// span boundary the cursor lands at the start of the next visible span.
func (t *Tree) CursorAtContent(pos int) Cursor {
	n := t.root
	for !n.isLeaf() {
		chosen := n.children[len(n.children)-1]
		for _, c := range n.children[:len(n.children)-1] {
			if pos < c.agg.content {
				chosen = c
				break
			}
			pos -= c.agg.content
		}
		n = chosen
	}
	for i := range n.spans {
		cl := n.spans[i].contentLen()
		if pos < cl {
			return Cursor{leaf: n, idx: i, offset: pos}
		}
		pos -= cl
	}
	return Cursor{leaf: n, idx: len(n.spans)}
}

// CursorBeforeItem locates the item with the given id via the secondary
// index.
func (t *Tree) CursorBeforeItem(id types.LV) (Cursor, error) {
	leaf := t.idx.Get(id)
	if leaf == nil {
		return Cursor{}, xerrors.Errorf("item %d not in range tree index", id)
	}
	for i := range leaf.spans {
		if leaf.spans[i].Contains(id) {
			return Cursor{leaf: leaf, idx: i, offset: int(id - leaf.spans[i].ID)}, nil
		}
	}
	return Cursor{}, xerrors.Errorf("index maps item %d to a leaf that lost it", id)
}

// cursorAtSpanStart returns the cursor of the span beginning exactly at id.
func (t *Tree) cursorAtSpanStart(id types.LV) Cursor {
	c, err := t.CursorBeforeItem(id)
	if err != nil || c.offset != 0 {
		panic(xerrors.Errorf("invariant violation: no span starts at %d", id))
	}
	return c
}

// NextItem steps the cursor one raw item forward. Returns false at the end
// of the tree, leaving the cursor in the gap after the final item.
func (t *Tree) NextItem(c *Cursor) bool {
	c.offset++
	if c.offset < c.leaf.spans[c.idx].Len {
		return true
	}
	return t.RollToNextEntry(c)
}

// RollToNextEntry normalizes a cursor sitting at the end of a span onto the
// start of the next span. Returns false at the end of the tree.
func (t *Tree) RollToNextEntry(c *Cursor) bool {
	if c.idx < len(c.leaf.spans) && c.offset < c.leaf.spans[c.idx].Len {
		return true
	}
	c.idx++
	c.offset = 0
	for c.idx >= len(c.leaf.spans) {
		if c.leaf.next == nil {
			c.idx = len(c.leaf.spans)
			return false
		}
		c.leaf = c.leaf.next
		c.idx = 0
	}
	return true
}

// NextEntry moves the cursor to the start of the following span.
func (t *Tree) NextEntry(c *Cursor) bool {
	c.offset = c.leaf.spans[c.idx].Len
	return t.RollToNextEntry(c)
}

type metricKind uint8

const (
	rawMetric metricKind = iota
	contentMetric
	upstreamMetric
)

func (m metrics) pick(k metricKind) int {
	switch k {
	case rawMetric:
		return m.raw
	case contentMetric:
		return m.content
	default:
		return m.upstream
	}
}

func spanPartial(s *Span, offset int, k metricKind) int {
	switch k {
	case rawMetric:
		return offset
	case contentMetric:
		return s.contentLenAt(offset)
	default:
		return s.upstreamLenAt(offset)
	}
}

func (t *Tree) posOf(c Cursor, k metricKind) int {
	pos := 0
	if c.idx < len(c.leaf.spans) && c.offset > 0 {
		pos += spanPartial(&c.leaf.spans[c.idx], c.offset, k)
	}
	for i := 0; i < c.idx && i < len(c.leaf.spans); i++ {
		pos += spanMetrics(&c.leaf.spans[i]).pick(k)
	}
	for n, p := c.leaf, c.leaf.parent; p != nil; n, p = p, p.parent {
		for _, ch := range p.children {
			if ch == n {
				break
			}
			pos += ch.agg.pick(k)
		}
	}
	return pos
}

// RawPos counts every item before the cursor.
func (t *Tree) RawPos(c Cursor) int { return t.posOf(c, rawMetric) }

// ContentPos counts currently visible items before the cursor.
func (t *Tree) ContentPos(c Cursor) int { return t.posOf(c, contentMetric) }

// UpstreamPos counts merged-output items before the cursor.
func (t *Tree) UpstreamPos(c Cursor) int { return t.posOf(c, upstreamMetric) }

// CmpCursors orders two cursors by tree position.
func (t *Tree) CmpCursors(a, b Cursor) int {
	return t.RawPos(a) - t.RawPos(b)
}
