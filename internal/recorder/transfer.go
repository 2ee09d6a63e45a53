package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/checksum"
	"github.com/srg/imucap/internal/codec"
	"github.com/srg/imucap/internal/protocol"
	"github.com/srg/imucap/internal/reassembly"
)

// transfer is the state of one bulk retrieval. Its handlers run on the session
// dispatcher; the controller goroutine only touches the capture under mu.
type transfer struct {
	sess         Session
	logger       *logrus.Logger
	writeTimeout time.Duration
	progress     ProgressFunc

	mu       sync.Mutex
	capture  *reassembly.Capture
	verifier checksum.Verifier

	blocks     atomic.Int64
	lateBlocks atomic.Int64
	ackFailed  atomic.Int64
	cursor     atomic.Int64

	failures chan error
	// finished is closed once the completing block has been acknowledged.
	finished   chan struct{}
	finishOnce sync.Once
}

func newTransfer(sess Session, logger *logrus.Logger, writeTimeout time.Duration, progress ProgressFunc) *transfer {
	t := &transfer{
		sess:         sess,
		logger:       logger,
		writeTimeout: writeTimeout,
		progress:     progress,
		failures:     make(chan error, 1),
		finished:     make(chan struct{}),
	}
	t.capture = reassembly.NewCapture()
	return t
}

// fatal records the first unrecoverable handler error.
func (t *transfer) fatal(err error) {
	select {
	case t.failures <- err:
	default:
	}
}

func (t *transfer) onBlock(payload []byte) {
	values, err := codec.DecodeFloat32Block(payload, protocol.BlockFloats)
	if err != nil {
		t.fatal(fmt.Errorf("sample block %d: %w", t.blocks.Load(), err))
		return
	}

	t.mu.Lock()
	complete, err := t.capture.Consume(values)
	cursor, total := t.capture.Cursor(), t.capture.SampleCount()
	t.mu.Unlock()

	switch {
	case errors.Is(err, reassembly.ErrUnexpectedDataAfterCompletion):
		t.lateBlocks.Add(1)
		t.logger.WithField("late_blocks", t.lateBlocks.Load()).Warn("Discarding sample block received after completion")
		return
	case err != nil:
		t.fatal(err)
		return
	}

	n := t.blocks.Add(1)
	t.cursor.Store(int64(cursor))

	ack := t.verifier.Acknowledge(payload[:protocol.BlockSize])
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	err = t.sess.Write(ctx, protocol.BlockChecksum, ack, false)
	cancel()
	if err != nil {
		t.ackFailed.Add(1)
		t.logger.WithFields(logrus.Fields{
			"block": n,
			"crc":   fmt.Sprintf("%08x", t.verifier.Last()),
			"error": err,
		}).Warn("Failed to acknowledge sample block")
	}

	t.logger.WithFields(logrus.Fields{
		"block":  n,
		"cursor": cursor,
		"total":  total,
		"crc":    fmt.Sprintf("%08x", t.verifier.Last()),
	}).Trace("Sample block consumed")

	if t.progress != nil {
		t.progress(cursor, total)
	}
	if complete {
		t.logger.WithField("blocks", n).Debug("Capture complete")
		t.finishOnce.Do(func() { close(t.finished) })
	}
}

func (t *transfer) onSampleCount(payload []byte) {
	n, err := codec.DecodeUint32(payload)
	if err != nil {
		t.fatal(fmt.Errorf("sample count notification: %w", err))
		return
	}
	t.logger.WithField("sample_count", n).Debug("Sample count notified")
	if err := t.setSampleCount(n); err != nil {
		t.logger.WithField("error", err).Debug("Ignoring sample count update")
	}
}

func (t *transfer) onSamplingDuration(payload []byte) {
	ms, err := codec.DecodeUint32(payload)
	if err != nil {
		t.fatal(fmt.Errorf("sampling duration notification: %w", err))
		return
	}
	t.logger.WithField("duration_ms", ms).Debug("Sampling duration notified")
	t.setSamplingDuration(ms)
}

func (t *transfer) onChannelLabels(payload []byte) {
	labels, err := codec.DecodeLabelList(payload)
	if err != nil {
		t.fatal(fmt.Errorf("channel labels notification: %w", err))
		return
	}
	t.logger.WithField("labels", labels).Debug("Channel labels notified")
	if err := t.setLabels(labels); err != nil {
		t.logger.WithField("error", err).Debug("Ignoring channel labels update")
	}
}

func (t *transfer) setSampleCount(n uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capture.State() >= reassembly.Receiving {
		return reassembly.ErrMetadataFrozen
	}
	return t.capture.SetSampleCount(n)
}

func (t *transfer) setLabels(labels []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capture.State() >= reassembly.Receiving {
		return reassembly.ErrMetadataFrozen
	}
	return t.capture.SetLabels(labels)
}

func (t *transfer) setSamplingDuration(ms uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capture.SetSamplingDuration(ms)
}

func (t *transfer) handlers() map[protocol.Attribute]func([]byte) {
	return map[protocol.Attribute]func([]byte){
		protocol.SampleBlock:      t.onBlock,
		protocol.SamplingDuration: t.onSamplingDuration,
		protocol.SampleCount:      t.onSampleCount,
		protocol.ChannelLabels:    t.onChannelLabels,
	}
}

// snapshot returns the capture's shape under the lock.
func (t *transfer) snapshot() (count, width int, durationMs uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capture.SampleCount(), t.capture.RowWidth(), t.capture.SamplingDurationMs()
}

func (t *transfer) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capture.SampleCount()
}
