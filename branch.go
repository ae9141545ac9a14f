package cowrite

import (
	"golang.org/x/xerrors"

	"cowrite/merge"
	"cowrite/types"
)

// Branch is a document materialized at one frontier. It holds a non-owning
// view onto an OpLog: merging pulls new operations in, but a branch never
// mutates the log.
type Branch struct {
	version types.Frontier
	content *rope
}

// NewBranch creates an empty branch at the root version.
func NewBranch() *Branch {
	return &Branch{content: newRope()}
}

// All materializes the whole log.
func All(o *OpLog) (*Branch, error) {
	b := NewBranch()
	if err := b.Merge(o, nil); err != nil {
		return nil, err
	}
	return b, nil
}

// Merge advances the branch to the join of its version and the target
// version. A nil version means the log's current frontier.
func (b *Branch) Merge(o *OpLog, version types.Frontier) error {
	if version == nil {
		version = o.log.CG().Frontier()
	}
	ops, frontier, err := merge.Transform(o.log, b.version, version, o.logger)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.AlreadyHappened() {
			continue
		}
		switch op.Kind {
		case types.Ins:
			if op.Pos > b.content.Len() {
				return xerrors.Errorf("insert at %d in document of %d: %w",
					op.Pos, b.content.Len(), types.ErrDocumentTooLarge)
			}
			b.content.Insert(op.Pos, op.Content)
		case types.Del:
			b.content.Delete(op.Pos, op.Len)
		}
	}
	b.version = frontier
	return nil
}

// Checkout moves the branch to exactly the given version, backwards if
// needed. Moving to a non-descendant version rebuilds the content from
// scratch.
func (b *Branch) Checkout(o *OpLog, version types.Frontier) error {
	g := o.log.CG()
	if version.Eq(b.version) {
		return nil
	}
	forward := true
	for _, v := range b.version {
		if !g.VersionContainsLV(version, v) {
			forward = false
			break
		}
	}
	if forward {
		return b.Merge(o, version)
	}
	fresh := NewBranch()
	if err := fresh.Merge(o, version); err != nil {
		return err
	}
	*b = *fresh
	return nil
}

// Get returns the document text.
func (b *Branch) Get() string { return b.content.String() }

// Len returns the document length in characters.
func (b *Branch) Len() int { return b.content.Len() }

// Frontier returns the branch's version.
func (b *Branch) Frontier() types.Frontier { return b.version.Clone() }

// Clone returns an independent copy of the branch.
func (b *Branch) Clone() *Branch {
	return &Branch{version: b.version.Clone(), content: b.content.clone()}
}

// CharsToWchars converts a character position in this branch's document
// into UTF-16 code units.
func (b *Branch) CharsToWchars(pos int) int {
	return charsToWchars(b.content.Runes(), pos)
}

// WcharsToChars converts a UTF-16 code-unit position in this branch's
// document into characters.
func (b *Branch) WcharsToChars(wpos int) int {
	return wcharsToChars(b.content.Runes(), wpos)
}
