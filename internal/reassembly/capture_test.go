package reassembly

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequence returns n floats 1..n.
func sequence(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

// blocks splits values into 32-float blocks, zero-padding the last one the way
// the node pads its final notification.
func blocks(values []float32) [][]float32 {
	var out [][]float32
	for start := 0; start < len(values); start += 32 {
		block := make([]float32, 32)
		copy(block, values[start:min(start+32, len(values))])
		out = append(out, block)
	}
	return out
}

func labelsOf(width int) []string {
	labels := make([]string, width)
	for i := range labels {
		labels[i] = fmt.Sprintf("c%d", i)
	}
	return labels
}

func newReadyCapture(t *testing.T, count, width int, opts ...Option) *Capture {
	t.Helper()
	c := NewCapture(opts...)
	require.NoError(t, c.SetSampleCount(uint32(count)))
	require.NoError(t, c.SetLabels(labelsOf(width)))
	return c
}

func flatten(m [][]float32) []float32 {
	var out []float32
	for _, row := range m {
		out = append(out, row...)
	}
	return out
}

func TestCaptureRoundTrip(t *testing.T) {
	// GOAL: Verify that in-order blocks covering exactly sampleCount floats rebuild the input
	//
	// TEST SCENARIO: various (count, width) with width | count → matrix shape and content match → completion only on last float

	shapes := []struct{ count, width int }{
		{count: 9, width: 3},
		{count: 32, width: 1},
		{count: 96, width: 3},
		{count: 288, width: 9},
		{count: 300, width: 6},
		{count: 1000, width: 2},
	}

	for _, shape := range shapes {
		t.Run(fmt.Sprintf("%dx%d", shape.count, shape.width), func(t *testing.T) {
			c := newReadyCapture(t, shape.count, shape.width)
			input := sequence(shape.count)
			all := blocks(input)

			for i, block := range all {
				complete, err := c.Consume(block)
				require.NoError(t, err)
				if i < len(all)-1 {
					assert.False(t, complete, "MUST NOT complete before the last block")
				} else {
					assert.True(t, complete, "MUST complete on the last block")
				}
			}

			m := c.Matrix()
			require.Len(t, m, shape.count/shape.width)
			for _, row := range m {
				require.Len(t, row, shape.width)
			}
			assert.Equal(t, input, flatten(m))
			assert.Equal(t, shape.count, c.Cursor())
			assert.Equal(t, Complete, c.State())

			select {
			case <-c.Done():
			default:
				t.Fatal("Done MUST be closed on completion")
			}
		})
	}
}

func TestCaptureScenarioThreeByThree(t *testing.T) {
	c := newReadyCapture(t, 9, 3)

	first := make([]float32, 32)
	copy(first, sequence(9))
	for i := 9; i < 32; i++ {
		first[i] = -1
	}

	complete, err := c.Consume(first)
	require.NoError(t, err)
	assert.True(t, complete, "completion MUST trigger inside the first block")
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}, c.Matrix())

	second := sequence(32)
	complete, err = c.Consume(second)
	assert.ErrorIs(t, err, ErrUnexpectedDataAfterCompletion)
	assert.True(t, complete)
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}, c.Matrix(), "late block MUST NOT mutate the matrix")
}

func TestCaptureAfterCompletion(t *testing.T) {
	c := newReadyCapture(t, 32, 4)
	_, err := c.Consume(sequence(32))
	require.NoError(t, err)
	before := flatten(c.Matrix())

	for i := 0; i < 3; i++ {
		_, err := c.Consume(make([]float32, 32))
		assert.ErrorIs(t, err, ErrUnexpectedDataAfterCompletion)
	}
	assert.Equal(t, before, flatten(c.Matrix()))
	assert.Equal(t, 32, c.Cursor())
}

func TestCaptureZeroSamples(t *testing.T) {
	c := NewCapture()
	require.NoError(t, c.SetLabels([]string{"ax", "ay"}))
	assert.False(t, c.Complete(), "count still unknown")

	require.NoError(t, c.SetSampleCount(0))
	assert.True(t, c.Complete(), "zero samples MUST complete immediately")
	assert.Empty(t, c.Matrix())
	assert.Equal(t, 0, c.Cursor())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done MUST be closed")
	}

	_, err := c.Consume(sequence(32))
	assert.ErrorIs(t, err, ErrUnexpectedDataAfterCompletion)
}

func TestCaptureFinalBlockTruncation(t *testing.T) {
	// 40 floats: one full block plus 8 values of a second block padded with sentinels.
	c := newReadyCapture(t, 40, 4)

	_, err := c.Consume(sequence(32))
	require.NoError(t, err)

	tail := make([]float32, 32)
	for i := range tail {
		if i < 8 {
			tail[i] = float32(33 + i)
		} else {
			tail[i] = 9999
		}
	}
	complete, err := c.Consume(tail)
	require.NoError(t, err)
	assert.True(t, complete)

	flat := flatten(c.Matrix())
	assert.Equal(t, sequence(40), flat)
	assert.NotContains(t, flat, float32(9999), "excess floats MUST be discarded")
}

func TestCaptureOrderingViolation(t *testing.T) {
	t.Run("no metadata", func(t *testing.T) {
		c := NewCapture()
		_, err := c.Consume(sequence(32))
		assert.ErrorIs(t, err, ErrOrderingViolation)
		assert.Equal(t, Uninitialized, c.State())
	})

	t.Run("labels not read yet", func(t *testing.T) {
		c := NewCapture()
		require.NoError(t, c.SetSampleCount(64))
		_, err := c.Consume(sequence(32))
		assert.ErrorIs(t, err, ErrOrderingViolation)
	})

	t.Run("empty label list", func(t *testing.T) {
		c := newReadyCapture(t, 64, 0)
		_, err := c.Consume(sequence(32))
		assert.ErrorIs(t, err, ErrOrderingViolation)
	})
}

func TestCaptureMetadataFrozen(t *testing.T) {
	c := newReadyCapture(t, 64, 2)
	assert.Equal(t, MetadataKnown, c.State())

	_, err := c.Consume(sequence(32))
	require.NoError(t, err)
	assert.Equal(t, Receiving, c.State())

	assert.ErrorIs(t, c.SetSampleCount(128), ErrMetadataFrozen)
	assert.ErrorIs(t, c.SetLabels([]string{"ax"}), ErrMetadataFrozen)

	c.SetSamplingDuration(1500)
	assert.Equal(t, uint32(1500), c.SamplingDurationMs())
}

func TestCaptureNonDivisibleCount(t *testing.T) {
	// 10 floats over 3 channels: 3 rows, one unreachable value.
	c := newReadyCapture(t, 10, 3)

	complete, err := c.Consume(sequence(32))
	require.NoError(t, err)
	assert.True(t, complete, "completion MUST still be reached at sampleCount")
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}, c.Matrix())
	assert.Equal(t, 1, c.Remainder())
	assert.Equal(t, 10, c.Cursor())
}

func TestCaptureProgress(t *testing.T) {
	var reports []float64
	c := newReadyCapture(t, 64, 4, WithProgress(func(f float64) {
		reports = append(reports, f)
	}))

	for _, block := range blocks(sequence(64)) {
		_, err := c.Consume(block)
		require.NoError(t, err)
	}

	require.Len(t, reports, 64)
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i], reports[i-1], "progress MUST be strictly increasing")
	}
	assert.Equal(t, 1.0, reports[len(reports)-1])
}

func TestCaptureCursorMonotonic(t *testing.T) {
	c := newReadyCapture(t, 200, 5)
	last := c.Cursor()
	for _, block := range blocks(sequence(200)) {
		_, err := c.Consume(block)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, c.Cursor(), last)
		last = c.Cursor()
	}
	assert.Equal(t, 200, last)
}
