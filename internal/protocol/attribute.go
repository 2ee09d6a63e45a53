// Package protocol describes the sensor node's GATT profile: the attribute
// catalog, the command codes written to the Command attribute, the channel
// bitmask and the two recording strategies.
package protocol

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Attribute is the logical name of one characteristic exposed by the node.
type Attribute int

const (
	SampleCount Attribute = iota
	SamplingDuration
	SampleBlock
	ChannelLabels
	Command
	BlockChecksum
)

func (a Attribute) String() string {
	switch a {
	case SampleCount:
		return "SampleCount"
	case SamplingDuration:
		return "SamplingDuration"
	case SampleBlock:
		return "SampleBlock"
	case ChannelLabels:
		return "ChannelLabels"
	case Command:
		return "Command"
	case BlockChecksum:
		return "BlockChecksum"
	default:
		return fmt.Sprintf("Attribute(%d)", int(a))
	}
}

// Direction is a bitmask of the operations an attribute supports.
type Direction uint8

const (
	DirRead Direction = 1 << iota
	DirWrite
	DirNotify
)

func (d Direction) Has(op Direction) bool {
	return d&op == op
}

// AttributeSpec describes how one attribute is addressed and encoded.
type AttributeSpec struct {
	Attribute Attribute
	UUID      string
	Direction Direction
	// MaxSize is the fixed or maximum payload size in bytes.
	MaxSize int
}

const (
	// BlockFloats is the number of samples packed into one SampleBlock notification.
	BlockFloats = 32
	// BlockSize is the SampleBlock payload size in bytes.
	BlockSize = BlockFloats * 4
	// LabelsMaxSize is the ChannelLabels characteristic size.
	LabelsMaxSize = 128
)

// uuidFor expands a 16-bit discriminator into the node's 128-bit UUID family.
func uuidFor(discriminator string) string {
	return "3701be4f-" + discriminator + "-4fa7-a6f9-617c3c7f8c0f"
}

// ServiceUUID identifies the IMU logging service.
var ServiceUUID = uuidFor("0000")

var catalog = newCatalog()

func newCatalog() *orderedmap.OrderedMap[Attribute, AttributeSpec] {
	m := orderedmap.New[Attribute, AttributeSpec]()
	for _, spec := range []AttributeSpec{
		{Attribute: SampleCount, UUID: uuidFor("9912"), Direction: DirRead | DirNotify, MaxSize: 4},
		{Attribute: SamplingDuration, UUID: uuidFor("9913"), Direction: DirRead | DirNotify, MaxSize: 4},
		{Attribute: SampleBlock, UUID: uuidFor("9914"), Direction: DirNotify, MaxSize: BlockSize},
		{Attribute: ChannelLabels, UUID: uuidFor("9915"), Direction: DirRead | DirNotify, MaxSize: LabelsMaxSize},
		{Attribute: Command, UUID: uuidFor("9916"), Direction: DirWrite, MaxSize: 4},
		{Attribute: BlockChecksum, UUID: uuidFor("9917"), Direction: DirWrite, MaxSize: 4},
	} {
		m.Set(spec.Attribute, spec)
	}
	return m
}

// Lookup returns the catalog entry for a.
func Lookup(a Attribute) (AttributeSpec, bool) {
	return catalog.Get(a)
}

// Attributes returns the catalog in its fixed order.
func Attributes() []AttributeSpec {
	specs := make([]AttributeSpec, 0, catalog.Len())
	for pair := catalog.Oldest(); pair != nil; pair = pair.Next() {
		specs = append(specs, pair.Value)
	}
	return specs
}

// NotifyingAttributes returns the attributes the host subscribes to during retrieval,
// in subscription order.
func NotifyingAttributes() []Attribute {
	return []Attribute{SampleBlock, SamplingDuration, SampleCount, ChannelLabels}
}
