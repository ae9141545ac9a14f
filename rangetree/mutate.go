package rangetree

import (
	"golang.org/x/exp/slices"

	"cowrite/types"
)

// insertSpansAt splices spans into the leaf at position at, re-indexes them,
// and splits the leaf if it overflows.
func (t *Tree) insertSpansAt(leaf *node, at int, ss ...Span) {
	leaf.spans = slices.Insert(leaf.spans, at, ss...)
	for i := range ss {
		t.idx.Set(ss[i].ID, ss[i].End(), leaf)
	}
	if len(leaf.spans) > maxSpans {
		t.splitLeaf(leaf)
	} else {
		t.updateUp(leaf)
	}
}

func (t *Tree) splitLeaf(leaf *node) {
	half := len(leaf.spans) / 2
	right := &node{
		parent: leaf.parent,
		spans:  slices.Clone(leaf.spans[half:]),
		next:   leaf.next,
	}
	leaf.spans = leaf.spans[:half:half]
	leaf.next = right
	for i := range right.spans {
		t.idx.Set(right.spans[i].ID, right.spans[i].End(), right)
	}
	leaf.recalc()
	right.recalc()
	t.insertSibling(leaf, right)
}

// insertSibling places newNode directly after n under n's parent, growing
// the tree upward as needed.
func (t *Tree) insertSibling(n, newNode *node) {
	parent := n.parent
	if parent == nil {
		root := &node{children: []*node{n, newNode}}
		n.parent = root
		newNode.parent = root
		t.root = root
		root.recalc()
		return
	}
	i := slices.Index(parent.children, n)
	parent.children = slices.Insert(parent.children, i+1, newNode)
	newNode.parent = parent
	if len(parent.children) > maxChildren {
		t.splitInternal(parent)
	} else {
		t.updateUp(parent)
	}
}

func (t *Tree) splitInternal(n *node) {
	half := len(n.children) / 2
	right := &node{
		parent:   n.parent,
		children: slices.Clone(n.children[half:]),
	}
	n.children = n.children[:half:half]
	for _, c := range right.children {
		c.parent = right
	}
	n.recalc()
	right.recalc()
	t.insertSibling(n, right)
}

// Push appends a span at the end of the tree.
func (t *Tree) Push(s Span) {
	leaf := t.lastLeaf()
	if n := len(leaf.spans); n > 0 && leaf.spans[n-1].CanAppend(&s) {
		leaf.spans[n-1].Append(&s)
		t.idx.Set(s.ID, s.End(), leaf)
		t.updateUp(leaf)
		return
	}
	t.insertSpansAt(leaf, len(leaf.spans), s)
}

// Insert places a new span at the cursor position, splitting the span under
// the cursor when it lands mid-span. Neighbouring spans absorb the new one
// when they can.
func (t *Tree) Insert(c Cursor, s Span) {
	leaf := c.leaf
	at := c.idx

	if at < len(leaf.spans) && c.offset > 0 {
		if c.offset < leaf.spans[at].Len {
			// Mid-span: split, then place the new span in the gap.
			right := leaf.spans[at].SplitAt(c.offset)
			t.insertSpansAt(leaf, at+1, s, right)
			return
		}
		at++
	}

	if at > 0 && leaf.spans[at-1].CanAppend(&s) {
		leaf.spans[at-1].Append(&s)
		t.idx.Set(s.ID, s.End(), leaf)
		t.updateUp(leaf)
		return
	}
	t.insertSpansAt(leaf, at, s)
}

// MutateEntry applies fn to at most maxLen items of the span under the
// cursor, starting at its offset. The span is split so fn sees exactly the
// targeted run. Returns the number of items mutated; the caller re-finds
// its position by id afterwards, since splits can move spans across leaves.
func (t *Tree) MutateEntry(c Cursor, maxLen int, fn func(*Span)) int {
	id := c.Span().ID + types.LV(c.offset)
	if c.offset > 0 {
		right := c.Span().SplitAt(c.offset)
		t.insertSpansAt(c.leaf, c.idx+1, right)
	}

	c2 := t.cursorAtSpanStart(id)
	length := c2.Span().Len
	if length > maxLen {
		right := c2.Span().SplitAt(maxLen)
		t.insertSpansAt(c2.leaf, c2.idx+1, right)
		c2 = t.cursorAtSpanStart(id)
		length = maxLen
	}
	fn(c2.Span())
	t.updateUp(c2.leaf)
	return length
}

// VisitSpans walks every span left to right.
func (t *Tree) VisitSpans(visit func(s *Span)) {
	for leaf := t.firstLeaf(); leaf != nil; leaf = leaf.next {
		for i := range leaf.spans {
			visit(&leaf.spans[i])
		}
	}
}
