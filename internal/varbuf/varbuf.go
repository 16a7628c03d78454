// Package varbuf provides append-style writers and cursor-style readers for
// the unsigned-varint framed byte layouts shared by the wire protocol and the
// document update format.
package varbuf

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// ErrShortBuffer is returned when a length prefix points past the end of the
// buffer.
var ErrShortBuffer = errors.New("varbuf: length exceeds remaining bytes")

// Writer accumulates varuints and length-prefixed byte strings.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Uvarint appends x as a minimal unsigned varint. Values above
// varint.MaxValueUvarint63 cannot be read back.
func (w *Writer) Uvarint(x uint64) {
	w.buf = append(w.buf, varint.ToUvarint(x)...)
}

// Bytes appends b prefixed with its length.
func (w *Writer) Bytes(b []byte) {
	w.Uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Result returns the accumulated bytes.
func (w *Writer) Result() []byte {
	return w.buf
}

// Reader consumes a byte slice front to back.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Uvarint reads one minimal unsigned varint.
func (r *Reader) Uvarint() (uint64, error) {
	v, n, err := varint.FromUvarint(r.buf[r.off:])
	if err != nil {
		return 0, fmt.Errorf("varbuf: read uvarint at offset %d: %w", r.off, err)
	}
	r.off += n
	return v, nil
}

// Bytes reads a length-prefixed byte string. The returned slice aliases the
// underlying buffer.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrShortBuffer, n, r.Len())
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// Rest consumes and returns everything left in the buffer.
func (r *Reader) Rest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

// Len reports how many bytes remain unread.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Offset reports how many bytes have been consumed.
func (r *Reader) Offset() int {
	return r.off
}
