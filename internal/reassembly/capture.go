// Package reassembly folds the node's fixed-size float blocks into a row-major
// sample matrix.
package reassembly

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOrderingViolation is returned when a block arrives before the sample
	// count and row width are known.
	ErrOrderingViolation = errors.New("sample block received before capture metadata")

	// ErrUnexpectedDataAfterCompletion is returned for blocks consumed after the
	// matrix is complete. The matrix is left untouched.
	ErrUnexpectedDataAfterCompletion = errors.New("unexpected data after completion")

	// ErrMetadataFrozen is returned when metadata changes once blocks have been consumed.
	ErrMetadataFrozen = errors.New("capture metadata is frozen once receiving")
)

// State is the capture lifecycle stage.
type State int

const (
	Uninitialized State = iota
	MetadataKnown
	Receiving
	Complete
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case MetadataKnown:
		return "metadata-known"
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProgressFunc receives cursor/sampleCount after every consumed value.
type ProgressFunc func(fraction float64)

// Capture is the per-transfer reassembly state. Metadata setters and Consume
// must be called from a single goroutine; Done may be waited on from any.
type Capture struct {
	sampleCount    int
	countKnown     bool
	labels         []string
	labelsKnown    bool
	durationMs     uint32
	matrix         [][]float32
	allocated      bool
	cursor         int
	remainder      int
	complete       bool
	done           chan struct{}
	doneOnce       sync.Once
	progress       ProgressFunc
	reachableCount int
}

// Option configures a Capture.
type Option func(*Capture)

// WithProgress installs an advisory progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Capture) {
		c.progress = fn
	}
}

// NewCapture returns an uninitialized capture.
func NewCapture(opts ...Option) *Capture {
	c := &Capture{done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSampleCount records the total number of floats the node will send.
func (c *Capture) SetSampleCount(n uint32) error {
	if c.allocated || c.complete {
		return ErrMetadataFrozen
	}
	c.sampleCount = int(n)
	c.countKnown = true
	c.checkEmpty()
	return nil
}

// SetLabels records the channel labels; their count is the row width.
func (c *Capture) SetLabels(labels []string) error {
	if c.allocated || c.complete {
		return ErrMetadataFrozen
	}
	c.labels = append([]string(nil), labels...)
	c.labelsKnown = true
	c.checkEmpty()
	return nil
}

// SetSamplingDuration records the recording duration in milliseconds. It does
// not affect reassembly and may be updated at any time.
func (c *Capture) SetSamplingDuration(ms uint32) {
	c.durationMs = ms
}

// checkEmpty completes a zero-length capture as soon as its metadata is known.
func (c *Capture) checkEmpty() {
	if c.countKnown && c.labelsKnown && c.sampleCount == 0 {
		c.allocate()
		c.finish()
	}
}

func (c *Capture) allocate() {
	width := len(c.labels)
	rows := 0
	if width > 0 {
		rows = c.sampleCount / width
	}
	c.matrix = make([][]float32, rows)
	for i := range c.matrix {
		c.matrix[i] = make([]float32, width)
	}
	c.reachableCount = rows * width
	c.cursor = 0
	c.allocated = true
}

func (c *Capture) finish() {
	c.complete = true
	c.doneOnce.Do(func() { close(c.done) })
}

// Consume folds block into the matrix in order. It reports whether the capture
// is complete after this block. Values past the sample count are discarded.
func (c *Capture) Consume(block []float32) (bool, error) {
	if c.complete {
		return true, ErrUnexpectedDataAfterCompletion
	}
	if !c.countKnown || !c.labelsKnown || len(c.labels) == 0 {
		return false, ErrOrderingViolation
	}
	if !c.allocated {
		c.allocate()
	}

	width := len(c.labels)
	for _, v := range block {
		if c.cursor < c.reachableCount {
			c.matrix[c.cursor/width][c.cursor%width] = v
		} else {
			// sampleCount is not a multiple of the row width; the tail has no row.
			c.remainder++
		}
		c.cursor++
		if c.progress != nil {
			c.progress(float64(c.cursor) / float64(c.sampleCount))
		}
		if c.cursor == c.sampleCount {
			c.finish()
			break
		}
	}
	return c.complete, nil
}

// State returns the lifecycle stage.
func (c *Capture) State() State {
	switch {
	case c.complete:
		return Complete
	case c.allocated:
		return Receiving
	case c.countKnown && c.labelsKnown:
		return MetadataKnown
	default:
		return Uninitialized
	}
}

// Done is closed when the capture completes.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Complete reports whether every expected value has been consumed.
func (c *Capture) Complete() bool { return c.complete }

// Cursor is the next expected linear offset.
func (c *Capture) Cursor() int { return c.cursor }

// SampleCount is the total number of floats expected.
func (c *Capture) SampleCount() int { return c.sampleCount }

// RowWidth is the number of channels per row.
func (c *Capture) RowWidth() int { return len(c.labels) }

// Labels returns the channel labels.
func (c *Capture) Labels() []string { return c.labels }

// SamplingDurationMs returns the recording duration reported by the node.
func (c *Capture) SamplingDurationMs() uint32 { return c.durationMs }

// Remainder is the number of values dropped because they did not fill a row.
func (c *Capture) Remainder() int { return c.remainder }

// Matrix returns the row-major sample matrix. It is nil until the first block
// (or zero-length completion) and must not be read before Done is closed.
func (c *Capture) Matrix() [][]float32 { return c.matrix }
