package codec

import (
	"golang.org/x/xerrors"

	"cowrite/types"
)

// writer accumulates the encoded file.
type writer struct {
	buf []byte
}

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

// uvarint writes an unsigned LEB128 varint.
func (w *writer) uvarint(v uint64) {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// svarint writes a zig-zag encoded signed varint.
func (w *writer) svarint(v int64) {
	w.uvarint(uint64((v << 1) ^ (v >> 63)))
}

// chunk writes a nested chunk: kind, byte length, payload.
func (w *writer) chunk(kind uint64, payload []byte) {
	w.uvarint(kind)
	w.uvarint(uint64(len(payload)))
	w.raw(payload)
}

// reader consumes an encoded buffer. All failures map to ErrCorruptFile.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) empty() bool { return r.pos >= len(r.buf) }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, xerrors.Errorf("chunk length overflows buffer: %w", types.ErrCorruptFile)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uvarint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if r.empty() || shift > 63 {
			return 0, xerrors.Errorf("truncated varint: %w", types.ErrCorruptFile)
		}
		b := r.buf[r.pos]
		r.pos++
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
}

func (r *reader) svarint() (int64, error) {
	v, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	return int64(v>>1) ^ -int64(v&1), nil
}

// intVarint reads an unsigned varint that must fit a non-negative int.
func (r *reader) intVarint() (int, error) {
	v, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if v > uint64(types.MaxDocLen) {
		return 0, xerrors.Errorf("varint %d out of range: %w", v, types.ErrCorruptFile)
	}
	return int(v), nil
}

// nextChunk reads a chunk header and returns its kind and payload.
func (r *reader) nextChunk() (uint64, *reader, error) {
	kind, err := r.uvarint()
	if err != nil {
		return 0, nil, err
	}
	length, err := r.uvarint()
	if err != nil {
		return 0, nil, err
	}
	if length > uint64(r.remaining()) {
		return 0, nil, xerrors.Errorf("chunk %d length %d overflows file: %w", kind, length, types.ErrCorruptFile)
	}
	payload, err := r.take(int(length))
	if err != nil {
		return 0, nil, err
	}
	return kind, &reader{buf: payload}, nil
}
