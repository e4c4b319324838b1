// Package codec implements the lib0 binary encoding used by Yjs and
// y-protocols: unsigned and signed variable-length integers, length-prefixed
// byte arrays and UTF-8 strings, and the tagged "any" values Yjs stores in
// maps and arrays.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnexpectedEOF = errors.New("codec: unexpected end of buffer")
	ErrOverflow      = errors.New("codec: varint overflows uint64")
	ErrUnknownAny    = errors.New("codec: unknown any type")
)

// maxVarBytes bounds a single length prefix so a corrupt frame cannot make the
// decoder allocate unbounded memory.
const maxVarBytes = 64 << 20

// maxAnyDepth bounds nesting of arrays and objects inside an any value.
const maxAnyDepth = 128

// lib0 any type tags.
const (
	anyUndefined = 127
	anyNull      = 126
	anyInteger   = 125
	anyFloat32   = 124
	anyFloat64   = 123
	anyBigInt    = 122
	anyFalse     = 121
	anyTrue      = 120
	anyString    = 119
	anyObject    = 118
	anyArray     = 117
	anyBytes     = 116
)

type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) WriteUint8(b byte) {
	e.buf = append(e.buf, b)
}

func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteRaw appends b without a length prefix. It is used to copy values that
// were captured with Decoder.From.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Bytes() []byte { return e.buf }

type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Offset is the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.pos }

// From returns the bytes consumed since offset. The slice aliases the
// decoder's buffer.
func (d *Decoder) From(offset int) []byte { return d.buf[offset:d.pos] }

// Remaining is the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) HasContent() bool { return d.pos < len(d.buf) }

func (d *Decoder) ReadUint8() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, ErrUnexpectedEOF
	case n < 0:
		return 0, ErrOverflow
	}
	d.pos += n
	return v, nil
}

// ReadVarInt reads a lib0 signed varint: the first byte carries a
// continuation bit, a sign bit and six value bits, later bytes seven.
func (d *Decoder) ReadVarInt() (int64, error) {
	b, err := d.ReadUint8()
	if err != nil {
		return 0, err
	}
	v := uint64(b & 0x3f)
	negative := b&0x40 != 0
	shift := uint(6)
	for b&0x80 != 0 {
		if b, err = d.ReadUint8(); err != nil {
			return 0, err
		}
		if shift > 63 {
			return 0, ErrOverflow
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
	}
	if negative {
		return -int64(v), nil
	}
	return int64(v), nil
}

// ReadVarBytes returns a slice aliasing the decoder's buffer.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > maxVarBytes || n > uint64(len(d.buf)-d.pos) {
		return nil, ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) skip(n int) error {
	if n > len(d.buf)-d.pos {
		return ErrUnexpectedEOF
	}
	d.pos += n
	return nil
}

// ReadAny consumes one lib0 any value and returns its encoded bytes without
// interpreting them. The slice aliases the decoder's buffer.
func (d *Decoder) ReadAny() ([]byte, error) {
	start := d.pos
	if err := d.skipAny(0); err != nil {
		return nil, err
	}
	return d.buf[start:d.pos], nil
}

func (d *Decoder) skipAny(depth int) error {
	if depth > maxAnyDepth {
		return ErrOverflow
	}
	tag, err := d.ReadUint8()
	if err != nil {
		return err
	}
	switch tag {
	case anyUndefined, anyNull, anyFalse, anyTrue:
		return nil
	case anyInteger:
		_, err = d.ReadVarInt()
		return err
	case anyFloat32:
		return d.skip(4)
	case anyFloat64, anyBigInt:
		return d.skip(8)
	case anyString, anyBytes:
		_, err = d.ReadVarBytes()
		return err
	case anyObject:
		n, err := d.ReadVarUint()
		if err != nil {
			return err
		}
		if n > uint64(d.Remaining()) {
			return ErrUnexpectedEOF
		}
		for i := uint64(0); i < n; i++ {
			if _, err := d.ReadVarBytes(); err != nil {
				return err
			}
			if err := d.skipAny(depth + 1); err != nil {
				return err
			}
		}
		return nil
	case anyArray:
		n, err := d.ReadVarUint()
		if err != nil {
			return err
		}
		if n > uint64(d.Remaining()) {
			return ErrUnexpectedEOF
		}
		for i := uint64(0); i < n; i++ {
			if err := d.skipAny(depth + 1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownAny, tag)
	}
}
