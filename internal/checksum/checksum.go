// Package checksum produces the per-block acknowledgment the host returns to
// the node through the BlockChecksum attribute.
package checksum

import (
	"hash/crc32"

	"github.com/srg/imucap/internal/codec"
)

// Compute returns the CRC-32 (IEEE polynomial) of block.
func Compute(block []byte) uint32 {
	return crc32.ChecksumIEEE(block) & 0xffffffff
}

// Verifier turns received blocks into acknowledgment payloads and remembers
// the last checksum it produced. It is not safe for concurrent use; the session
// dispatcher is its only caller.
type Verifier struct {
	last  uint32
	count uint64
}

// Acknowledge computes the checksum of block and returns it encoded for the
// BlockChecksum attribute.
func (v *Verifier) Acknowledge(block []byte) []byte {
	v.last = Compute(block)
	v.count++
	return codec.EncodeUint32(v.last)
}

// Last returns the most recently computed checksum.
func (v *Verifier) Last() uint32 {
	return v.last
}

// Count returns how many blocks have been acknowledged.
func (v *Verifier) Count() uint64 {
	return v.count
}
