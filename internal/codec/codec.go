// Package codec converts between the sensor node's fixed-width little-endian
// wire encodings and Go values. All functions are pure.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Uint32Size is the wire width of every integer attribute.
const Uint32Size = 4

// Float32Size is the wire width of one sample.
const Float32Size = 4

// ErrMalformedPayload is returned when an attribute value cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// EncodeUint32 returns n as 4 little-endian bytes.
func EncodeUint32(n uint32) []byte {
	buf := make([]byte, Uint32Size)
	binary.LittleEndian.PutUint32(buf, n)
	return buf
}

// DecodeUint32 reads a little-endian uint32 from the first 4 bytes of b.
// Trailing bytes are ignored.
func DecodeUint32(b []byte) (uint32, error) {
	if len(b) < Uint32Size {
		return 0, fmt.Errorf("%w: uint32 needs %d bytes, got %d", ErrMalformedPayload, Uint32Size, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// DecodeFloat32Block unpacks n IEEE-754 little-endian floats from b.
func DecodeFloat32Block(b []byte, n int) ([]float32, error) {
	need := n * Float32Size
	if len(b) < need {
		return nil, fmt.Errorf("%w: block of %d floats needs %d bytes, got %d", ErrMalformedPayload, n, need, len(b))
	}

	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*Float32Size:]))
	}
	return values, nil
}

// EncodeFloat32Block packs values as IEEE-754 little-endian floats.
func EncodeFloat32Block(values []float32) []byte {
	buf := make([]byte, len(values)*Float32Size)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*Float32Size:], math.Float32bits(v))
	}
	return buf
}

// DecodeLabelList decodes a comma-separated UTF-8 label list such as "ax,ay,az\n".
// Trailing whitespace and NUL padding are trimmed before splitting. An empty
// value decodes to an empty list.
func DecodeLabelList(b []byte) ([]string, error) {
	if !utf8.Valid(b) {
		return nil, fmt.Errorf("%w: label list is not valid UTF-8", ErrMalformedPayload)
	}

	text := strings.TrimRightFunc(string(b), func(r rune) bool {
		return r == 0 || unicode.IsSpace(r)
	})
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, ","), nil
}

// EncodeLabelList joins labels the way the node publishes them.
func EncodeLabelList(labels []string) []byte {
	return []byte(strings.Join(labels, ","))
}
