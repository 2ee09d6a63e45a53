package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUint32(t *testing.T) {
	tests := []struct {
		name     string
		input    uint32
		expected []byte
	}{
		{name: "stop command", input: 0, expected: []byte{0x00, 0x00, 0x00, 0x00}},
		{name: "transfer command", input: 512, expected: []byte{0x00, 0x02, 0x00, 0x00}},
		{name: "burst arm for 60s", input: 10572, expected: []byte{0x4c, 0x29, 0x00, 0x00}},
		{name: "max value", input: math.MaxUint32, expected: []byte{0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EncodeUint32(tt.input))
		})
	}
}

func TestDecodeUint32(t *testing.T) {
	t.Run("decodes little-endian", func(t *testing.T) {
		n, err := DecodeUint32([]byte{0x10, 0x27, 0x00, 0x00})
		require.NoError(t, err)
		assert.Equal(t, uint32(10000), n)
	})

	t.Run("ignores trailing bytes", func(t *testing.T) {
		n, err := DecodeUint32([]byte{0x01, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff})
		require.NoError(t, err)
		assert.Equal(t, uint32(1), n)
	})

	for _, short := range [][]byte{nil, {}, {0x01}, {0x01, 0x02, 0x03}} {
		_, err := DecodeUint32(short)
		assert.ErrorIs(t, err, ErrMalformedPayload, "%d bytes MUST be rejected", len(short))
	}
}

func TestDecodeFloat32Block(t *testing.T) {
	t.Run("decodes packed floats in order", func(t *testing.T) {
		in := []float32{1.5, -2.25, 0, float32(math.Inf(1))}
		out, err := DecodeFloat32Block(EncodeFloat32Block(in), len(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("known bit pattern", func(t *testing.T) {
		// 1.0f == 0x3f800000
		out, err := DecodeFloat32Block([]byte{0x00, 0x00, 0x80, 0x3f}, 1)
		require.NoError(t, err)
		assert.Equal(t, []float32{1.0}, out)
	})

	t.Run("short block is malformed", func(t *testing.T) {
		_, err := DecodeFloat32Block(make([]byte, 127), 32)
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestDecodeLabelList(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []string
	}{
		{name: "single label", input: []byte("gy"), expected: []string{"gy"}},
		{name: "trailing newline", input: []byte("ax,ay,az\n"), expected: []string{"ax", "ay", "az"}},
		{name: "trailing whitespace and CRLF", input: []byte("gx,gy,gz \r\n"), expected: []string{"gx", "gy", "gz"}},
		{name: "NUL padded", input: append([]byte("mx,my"), 0, 0, 0, 0), expected: []string{"mx", "my"}},
		{name: "empty", input: []byte{}, expected: []string{}},
		{name: "only whitespace", input: []byte(" \n"), expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels, err := DecodeLabelList(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, labels)
		})
	}

	t.Run("invalid UTF-8 is malformed", func(t *testing.T) {
		_, err := DecodeLabelList([]byte{'a', 'x', ',', 0xff, 0xfe})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}
