package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	specs := Attributes()
	require.Len(t, specs, 6)

	order := make([]Attribute, 0, len(specs))
	for _, spec := range specs {
		order = append(order, spec.Attribute)
	}
	assert.Equal(t, []Attribute{SampleCount, SamplingDuration, SampleBlock, ChannelLabels, Command, BlockChecksum}, order)

	block, ok := Lookup(SampleBlock)
	require.True(t, ok)
	assert.Equal(t, "3701be4f-9914-4fa7-a6f9-617c3c7f8c0f", block.UUID)
	assert.Equal(t, 128, block.MaxSize)
	assert.True(t, block.Direction.Has(DirNotify))
	assert.False(t, block.Direction.Has(DirRead))

	crc, ok := Lookup(BlockChecksum)
	require.True(t, ok)
	assert.Equal(t, "3701be4f-9917-4fa7-a6f9-617c3c7f8c0f", crc.UUID)
	assert.Equal(t, DirWrite, crc.Direction)

	assert.Equal(t, "3701be4f-0000-4fa7-a6f9-617c3c7f8c0f", ServiceUUID)

	_, ok = Lookup(Attribute(42))
	assert.False(t, ok)
	assert.Equal(t, "Attribute(42)", Attribute(42).String())
}

func TestParseChannelMask(t *testing.T) {
	tests := []struct {
		input    string
		expected ChannelMask
		labels   []string
	}{
		{input: "ax", expected: 0b1, labels: []string{"ax"}},
		{input: "gy", expected: 0b10000, labels: []string{"gy"}},
		{input: "mz, ax ,GX", expected: 0b100001001, labels: []string{"ax", "gx", "mz"}},
		{input: "gyro", expected: GyroMask, labels: []string{"gx", "gy", "gz"}},
		{input: "accel,mag", expected: AccelMask | MagMask, labels: []string{"ax", "ay", "az", "mx", "my", "mz"}},
		{input: "all", expected: 511, labels: ChannelNames[:]},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			mask, err := ParseChannelMask(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mask)
			assert.Equal(t, tt.labels, mask.Labels())
			assert.Equal(t, len(tt.labels), mask.Width())
		})
	}

	for _, bad := range []string{"", " , ", "qx", "ax,bogus"} {
		_, err := ParseChannelMask(bad)
		assert.Error(t, err, "%q MUST be rejected", bad)
	}
}

func TestCommands(t *testing.T) {
	start, err := StartCommand(GyroMask)
	require.NoError(t, err)
	assert.Equal(t, uint32(56), start)

	burstMask, err := BurstMaskCommand(0b10000)
	require.NoError(t, err)
	assert.Equal(t, uint32(10016), burstMask)

	arm, err := BurstArmCommand(60 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(10572), arm)

	arm, err = BurstArmCommand(1500 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(10513), arm, "durations MUST round down to whole seconds")

	_, err = BurstArmCommand(500 * time.Millisecond)
	assert.Error(t, err)

	_, err = StartCommand(0)
	assert.Error(t, err)
	_, err = BurstMaskCommand(1 << 9)
	assert.Error(t, err)

	// The reserved codes never collide with a channel mask.
	assert.False(t, ChannelMask(CommandTransfer).Valid())
	assert.False(t, ChannelMask(CommandStop).Valid())
}

func TestParseMode(t *testing.T) {
	for input, expected := range map[string]Mode{
		"burst":      RecordDuringSeconds,
		"10513":      RecordDuringSeconds,
		"Continuous": RecordUntilStop,
		"0":          RecordUntilStop,
	} {
		mode, err := ParseMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, mode, input)
	}

	_, err := ParseMode("turbo")
	assert.Error(t, err)
	assert.Equal(t, "burst", RecordDuringSeconds.String())
}
