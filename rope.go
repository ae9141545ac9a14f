package cowrite

import (
	"strings"

	"golang.org/x/exp/slices"
)

// ropeChunkSize bounds how many characters a single chunk holds. Edits only
// shuffle one chunk plus its neighbours, keeping inserts cheap on large
// documents.
const ropeChunkSize = 512

// rope stores the materialized document as a list of rune chunks indexed by
// character position.
type rope struct {
	chunks [][]rune
	length int
}

func newRope() *rope {
	return &rope{}
}

func (r *rope) Len() int { return r.length }

// locate finds the chunk containing pos and the offset within it. pos ==
// r.length yields the end of the final chunk.
func (r *rope) locate(pos int) (int, int) {
	for i, c := range r.chunks {
		if pos <= len(c) {
			if pos == len(c) && i < len(r.chunks)-1 {
				return i + 1, 0
			}
			return i, pos
		}
		pos -= len(c)
	}
	return len(r.chunks), 0
}

func (r *rope) Insert(pos int, content []rune) {
	if len(content) == 0 {
		return
	}
	r.length += len(content)

	ci, offset := r.locate(pos)
	if ci == len(r.chunks) {
		r.chunks = append(r.chunks, slices.Clone(content))
		r.splitChunk(len(r.chunks) - 1)
		return
	}
	chunk := r.chunks[ci]
	merged := make([]rune, 0, len(chunk)+len(content))
	merged = append(merged, chunk[:offset]...)
	merged = append(merged, content...)
	merged = append(merged, chunk[offset:]...)
	r.chunks[ci] = merged
	r.splitChunk(ci)
}

// splitChunk re-chunks an oversized chunk in place.
func (r *rope) splitChunk(ci int) {
	chunk := r.chunks[ci]
	if len(chunk) <= ropeChunkSize {
		return
	}
	var parts [][]rune
	for len(chunk) > ropeChunkSize {
		parts = append(parts, chunk[:ropeChunkSize:ropeChunkSize])
		chunk = chunk[ropeChunkSize:]
	}
	parts = append(parts, chunk)
	r.chunks = slices.Insert(slices.Delete(r.chunks, ci, ci+1), ci, parts...)
}

func (r *rope) Delete(pos, length int) {
	if length <= 0 {
		return
	}
	r.length -= length

	ci, offset := r.locate(pos)
	for length > 0 && ci < len(r.chunks) {
		chunk := r.chunks[ci]
		n := len(chunk) - offset
		if n > length {
			n = length
		}
		if n == len(chunk) {
			r.chunks = slices.Delete(r.chunks, ci, ci+1)
		} else {
			r.chunks[ci] = slices.Delete(slices.Clone(chunk), offset, offset+n)
			ci++
		}
		length -= n
		offset = 0
	}
}

func (r *rope) String() string {
	var sb strings.Builder
	for _, c := range r.chunks {
		sb.WriteString(string(c))
	}
	return sb.String()
}

// Runes returns the document as a fresh rune slice.
func (r *rope) Runes() []rune {
	out := make([]rune, 0, r.length)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

func (r *rope) clone() *rope {
	chunks := make([][]rune, len(r.chunks))
	for i, c := range r.chunks {
		chunks[i] = slices.Clone(c)
	}
	return &rope{chunks: chunks, length: r.length}
}
