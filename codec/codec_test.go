package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUintMatchesLib0(t *testing.T) {
	// lib0 writes 7 bits per byte, least significant group first.
	cases := map[uint64][]byte{
		0:     {0x00},
		1:     {0x01},
		127:   {0x7f},
		128:   {0x80, 0x01},
		300:   {0xac, 0x02},
		16384: {0x80, 0x80, 0x01},
	}
	for v, want := range cases {
		enc := NewEncoder()
		enc.WriteVarUint(v)
		assert.Equal(t, want, enc.Bytes(), "value %d", v)

		got, err := NewDecoder(want).ReadVarUint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestVarBytesAndString(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarBytes([]byte{1, 2, 3})
	enc.WriteVarString(`{"cursor":{"x":1}}`)

	dec := NewDecoder(enc.Bytes())
	b, err := dec.ReadVarBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	s, err := dec.ReadVarString()
	require.NoError(t, err)
	assert.Equal(t, `{"cursor":{"x":1}}`, s)
	assert.False(t, dec.HasContent())
}

func TestDecoderTruncated(t *testing.T) {
	_, err := NewDecoder(nil).ReadVarUint()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)

	_, err = NewDecoder([]byte{0x80}).ReadVarUint()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)

	// Length prefix claims 5 bytes, only 2 follow.
	_, err = NewDecoder([]byte{0x05, 0x01, 0x02}).ReadVarBytes()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestVarIntMatchesLib0(t *testing.T) {
	// First byte: continuation bit, sign bit, six value bits.
	cases := []struct {
		raw  []byte
		want int64
	}{
		{[]byte{0x01}, 1},
		{[]byte{0x41}, -1},
		{[]byte{0x3f}, 63},
		{[]byte{0x80, 0x01}, 64},
		{[]byte{0xc0, 0x01}, -64},
		{[]byte{0xa8, 0x0f}, 1000},
	}
	for _, tt := range cases {
		got, err := NewDecoder(tt.raw).ReadVarInt()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "bytes %v", tt.raw)
	}

	_, err := NewDecoder([]byte{0x80}).ReadVarInt()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestReadAnyReturnsEncodedValue(t *testing.T) {
	values := map[string][]byte{
		"integer":   {125, 0x01},
		"float32":   {124, 0x3f, 0xc0, 0x00, 0x00},
		"float64":   {123, 0x40, 0x09, 0x21, 0xfb, 0x54, 0x44, 0x2d, 0x18},
		"string":    {119, 0x02, 'h', 'i'},
		"object":    {118, 0x01, 0x01, 'x', 125, 0x01},
		"array":     {117, 0x02, 120, 126},
		"bytes":     {116, 0x02, 0xde, 0xad},
		"undefined": {127},
	}
	for name, raw := range values {
		t.Run(name, func(t *testing.T) {
			// A trailing byte must be left for the next read.
			dec := NewDecoder(append(append([]byte{}, raw...), 0x07))
			got, err := dec.ReadAny()
			require.NoError(t, err)
			assert.Equal(t, raw, got)

			next, err := dec.ReadUint8()
			require.NoError(t, err)
			assert.Equal(t, byte(0x07), next)
		})
	}
}

func TestReadAnyRejectsGarbage(t *testing.T) {
	_, err := NewDecoder([]byte{0x05}).ReadAny()
	assert.ErrorIs(t, err, ErrUnknownAny)

	_, err = NewDecoder([]byte{117, 0x03, 120}).ReadAny()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)

	_, err = NewDecoder([]byte{123, 0x40}).ReadAny()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestDecoderOffsets(t *testing.T) {
	dec := NewDecoder([]byte{0x02, 'o', 'k', 0x05})
	start := dec.Offset()
	_, err := dec.ReadVarString()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 'o', 'k'}, dec.From(start))
	assert.Equal(t, 1, dec.Remaining())

	enc := NewEncoder()
	enc.WriteUint8(0x04)
	enc.WriteRaw(dec.From(start))
	assert.Equal(t, []byte{0x04, 0x02, 'o', 'k'}, enc.Bytes())
}
