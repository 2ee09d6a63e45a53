// Package recorder drives the sensor node through a recording and the bulk
// transfer that follows it.
//
// Continuous mode keeps the link open while the node records. Burst mode arms
// the node, lets it drop the link to record at full rate, and reconnects once
// the recording window has passed. Either way the buffered samples are then
// pulled block by block, each block acknowledged with its CRC-32.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/codec"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/export"
	"github.com/srg/imucap/internal/protocol"
	"github.com/srg/imucap/internal/session"
	"github.com/srg/imucap/scanner"
)

var (
	ErrCaptureTimedOut = errors.New("capture timed out")
	ErrConnectionLost  = errors.New("connection lost")
)

// reconnectBackoff spaces reconnect attempts while waiting for a burst to end.
const reconnectBackoff = 200 * time.Millisecond

// Session is the slice of session.Session the controller drives.
type Session interface {
	Connect(ctx context.Context, address string) error
	Subscribe(attr protocol.Attribute, handler session.Handler) error
	Unsubscribe(attr protocol.Attribute) error
	Read(ctx context.Context, attr protocol.Attribute) ([]byte, error)
	Write(ctx context.Context, attr protocol.Attribute, data []byte, requireAck bool) error
	Disconnected() <-chan struct{}
	Connected() bool
}

// Resolver confirms a node is advertising before the first connection.
type Resolver interface {
	Resolve(ctx context.Context, address string) (*scanner.DeviceEntry, error)
}

// ProgressFunc receives the transfer cursor after each block.
type ProgressFunc func(received, total int)

// Options configures a Recorder.
type Options struct {
	Mode     protocol.Mode
	Duration time.Duration
	Channels protocol.ChannelMask
	// ReconnectMargin is added to Duration for the burst disconnect and reconnect waits.
	ReconnectMargin time.Duration
	// ReadTimeout bounds each attribute read and acknowledged write.
	ReadTimeout     time.Duration
	TransferTimeout time.Duration
}

// Report summarizes a completed retrieval.
type Report struct {
	Path             string
	Address          string
	Mode             protocol.Mode
	Labels           []string
	Rows             int
	SampleCount      int
	SamplingDuration time.Duration
	// SampleRate is rows per second over the sampling duration (0 when unknown).
	SampleRate   float64
	Blocks       int64
	LateBlocks   int64
	FailedAcks   int64
	Remainder    int
	TransferTime time.Duration
	Matrix       [][]float32
}

// Recorder is the recording controller. It is used from a single goroutine.
type Recorder struct {
	sess     Session
	exporter export.Exporter
	resolver Resolver
	logger   *logrus.Logger
	opts     Options
	progress ProgressFunc

	state atomic.Int32
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithResolver checks the node is advertising before connecting.
func WithResolver(r Resolver) Option {
	return func(rec *Recorder) { rec.resolver = r }
}

// WithProgress installs a transfer progress callback. It runs on the session dispatcher.
func WithProgress(fn ProgressFunc) Option {
	return func(rec *Recorder) { rec.progress = fn }
}

// WithExporter sets the exporter used by Run and Pull.
func WithExporter(e export.Exporter) Option {
	return func(rec *Recorder) { rec.exporter = e }
}

// New creates a Recorder driving sess.
func New(sess Session, logger *logrus.Logger, opts Options, options ...Option) *Recorder {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 5 * time.Minute
	}
	if opts.ReconnectMargin <= 0 {
		opts.ReconnectMargin = time.Second
	}
	r := &Recorder{sess: sess, logger: logger, opts: opts}
	for _, o := range options {
		o(r)
	}
	return r
}

// State returns the current protocol state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

func (r *Recorder) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		r.logger.WithFields(logrus.Fields{
			"from": prev,
			"to":   s,
		}).Debug("Recorder state changed")
	}
}

func (r *Recorder) fail(err error) error {
	r.setState(Failed)
	return err
}

// Run records, retrieves and exports.
func (r *Recorder) Run(ctx context.Context, address string) (*Report, error) {
	if err := r.Record(ctx, address); err != nil {
		return nil, err
	}
	return r.Pull(ctx, address)
}

// Pull retrieves what the node has buffered and exports it.
func (r *Recorder) Pull(ctx context.Context, address string) (*Report, error) {
	report, err := r.Retrieve(ctx, address)
	if err != nil {
		return nil, err
	}

	if r.exporter != nil {
		path, err := r.exporter.Export(ctx, &export.Capture{
			Matrix:           report.Matrix,
			Labels:           report.Labels,
			SamplingDuration: report.SamplingDuration,
			DeviceID:         address,
		})
		if err != nil {
			return nil, r.fail(fmt.Errorf("export: %w", err))
		}
		report.Path = path
	}

	r.setState(Done)
	return report, nil
}

// Record connects and runs the configured recording strategy.
func (r *Recorder) Record(ctx context.Context, address string) error {
	if err := r.connect(ctx, address); err != nil {
		return r.fail(err)
	}

	r.logger.WithFields(logrus.Fields{
		"mode":     r.opts.Mode,
		"duration": r.opts.Duration,
		"channels": r.opts.Channels,
	}).Info("Starting recording")

	var err error
	switch r.opts.Mode {
	case protocol.RecordUntilStop:
		err = r.recordContinuous(ctx)
	case protocol.RecordDuringSeconds:
		err = r.recordBurst(ctx, address)
	default:
		err = fmt.Errorf("unsupported recording mode %v", r.opts.Mode)
	}
	if err != nil {
		return r.fail(err)
	}
	r.setState(ConnectedIdle)
	return nil
}

func (r *Recorder) connect(ctx context.Context, address string) error {
	r.setState(Discovering)
	if r.resolver != nil {
		entry, err := r.resolver.Resolve(ctx, address)
		if err != nil {
			return fmt.Errorf("%w: %w", session.ErrDeviceUnreachable, err)
		}
		r.logger.WithFields(logrus.Fields{
			"address": entry.Address,
			"name":    entry.Name,
			"rssi":    entry.RSSI,
		}).Info("Sensor node is advertising")
	}
	if err := r.sess.Connect(ctx, address); err != nil {
		return err
	}
	r.setState(ConnectedIdle)
	return nil
}

func (r *Recorder) command(ctx context.Context, code uint32) error {
	wctx, cancel := context.WithTimeout(ctx, r.opts.ReadTimeout)
	defer cancel()

	r.logger.WithField("command", code).Debug("Writing command")
	return r.sess.Write(wctx, protocol.Command, codec.EncodeUint32(code), true)
}

func (r *Recorder) recordContinuous(ctx context.Context) error {
	start, err := protocol.StartCommand(r.opts.Channels)
	if err != nil {
		return err
	}

	disconnected := r.sess.Disconnected()
	r.setState(Commanding)
	if err := r.command(ctx, start); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}

	r.setState(AwaitingCompletion)
	timer := time.NewTimer(r.opts.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-disconnected:
		return fmt.Errorf("%w: node dropped the link while recording", ErrConnectionLost)
	case <-ctx.Done():
		r.stopAfterCancel()
		return ctx.Err()
	}

	r.setState(Commanding)
	if err := r.command(ctx, protocol.CommandStop); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	r.logger.WithField("duration", r.opts.Duration).Info("Recording stopped")
	return nil
}

// stopAfterCancel leaves the node idle when the user aborts a continuous recording.
func (r *Recorder) stopAfterCancel() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ReadTimeout)
	defer cancel()
	if err := r.command(ctx, protocol.CommandStop); err != nil {
		r.logger.WithField("error", err).Warn("Failed to stop recording after cancellation")
	}
}

func (r *Recorder) recordBurst(ctx context.Context, address string) error {
	maskCmd, err := protocol.BurstMaskCommand(r.opts.Channels)
	if err != nil {
		return err
	}
	armCmd, err := protocol.BurstArmCommand(r.opts.Duration)
	if err != nil {
		return err
	}

	disconnected := r.sess.Disconnected()
	r.setState(Commanding)
	if err := r.command(ctx, maskCmd); err != nil {
		return fmt.Errorf("select burst channels: %w", err)
	}
	if err := r.command(ctx, armCmd); err != nil {
		if !droppedAfterArm(err, disconnected) {
			return fmt.Errorf("arm burst: %w", err)
		}
		r.logger.WithField("error", err).Debug("Arm write failed because the node already dropped the link")
	}

	budget := r.opts.Duration + r.opts.ReconnectMargin
	r.setState(AwaitingDisconnect)
	r.logger.WithField("budget", budget).Info("Burst armed, waiting for the node to drop the link")

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-disconnected:
	case <-timer.C:
		return fmt.Errorf("%w: node kept the link open %v after arming", ErrCaptureTimedOut, budget)
	case <-ctx.Done():
		return ctx.Err()
	}

	r.setState(Reconnecting)
	return r.reconnect(ctx, address, budget)
}

// droppedAfterArm reports whether a failed arm write is explained by the node
// already dropping the link, which is what it does once armed.
func droppedAfterArm(err error, disconnected <-chan struct{}) bool {
	if errors.Is(err, device.ErrNotConnected) || errors.Is(err, session.ErrNotConnected) {
		return true
	}
	select {
	case <-disconnected:
		return true
	case <-time.After(reconnectBackoff):
		return false
	}
}

func (r *Recorder) reconnect(ctx context.Context, address string, budget time.Duration) error {
	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	attempt := 0
	for {
		attempt++
		err := r.sess.Connect(rctx, address)
		if err == nil {
			r.logger.WithField("attempts", attempt).Info("Reconnected after burst")
			return nil
		}
		r.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Debug("Reconnect attempt failed")

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, session.ErrServiceNotFound) {
			return err
		}

		select {
		case <-rctx.Done():
			return fmt.Errorf("%w: node did not come back within %v: %v", ErrCaptureTimedOut, budget, err)
		case <-time.After(reconnectBackoff):
		}
	}
}

// Retrieve pulls the buffered samples. It connects first when needed.
func (r *Recorder) Retrieve(ctx context.Context, address string) (*Report, error) {
	if !r.sess.Connected() {
		if err := r.connect(ctx, address); err != nil {
			return nil, r.fail(err)
		}
	}

	report, err := r.retrieve(ctx, address)
	if err != nil {
		return nil, r.fail(err)
	}
	return report, nil
}

func (r *Recorder) retrieve(ctx context.Context, address string) (*Report, error) {
	t := newTransfer(r.sess, r.logger, r.opts.ReadTimeout, r.progress)
	disconnected := r.sess.Disconnected()

	r.setState(Notifying)
	var subscribed []protocol.Attribute
	defer func() {
		for _, attr := range subscribed {
			if err := r.sess.Unsubscribe(attr); err != nil {
				r.logger.WithFields(logrus.Fields{
					"attribute": attr,
					"error":     err,
				}).Debug("Unsubscribe failed")
			}
		}
	}()

	handlers := t.handlers()
	for _, attr := range protocol.NotifyingAttributes() {
		if err := r.sess.Subscribe(attr, handlers[attr]); err != nil {
			return nil, err
		}
		subscribed = append(subscribed, attr)
	}

	if err := r.readMetadata(ctx, t); err != nil {
		return nil, err
	}

	count, width, durationMs := t.snapshot()
	duration := time.Duration(durationMs) * time.Millisecond
	rows := 0
	if width > 0 {
		rows = count / width
	}
	rate := 0.0
	if duration > 0 {
		rate = float64(rows) / duration.Seconds()
	}
	r.logger.WithFields(logrus.Fields{
		"samples":   count,
		"channels":  width,
		"rows":      rows,
		"duration":  duration,
		"sample_hz": fmt.Sprintf("%.2f", rate),
	}).Info("Capture metadata received")

	started := time.Now()
	select {
	case <-t.capture.Done():
		r.logger.Info("Node has no buffered samples")
	default:
		r.setState(Commanding)
		if err := r.command(ctx, protocol.CommandTransfer); err != nil {
			return nil, fmt.Errorf("request transfer: %w", err)
		}
		r.setState(Transferring)
		if err := r.awaitTransfer(ctx, t, disconnected); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	report := &Report{
		Address:          address,
		Mode:             r.opts.Mode,
		Labels:           append([]string(nil), t.capture.Labels()...),
		Rows:             rows,
		SampleCount:      count,
		SamplingDuration: duration,
		SampleRate:       rate,
		Remainder:        t.capture.Remainder(),
		Matrix:           t.capture.Matrix(),
	}
	t.mu.Unlock()
	report.Blocks = t.blocks.Load()
	report.LateBlocks = t.lateBlocks.Load()
	report.FailedAcks = t.ackFailed.Load()
	report.TransferTime = time.Since(started)

	if report.FailedAcks > 0 {
		r.logger.WithField("failed_acks", report.FailedAcks).Warn("Some block acknowledgments were not delivered")
	}
	if report.Remainder > 0 {
		r.logger.WithField("dropped_values", report.Remainder).Warn("Sample count is not a multiple of the channel count")
	}
	r.logger.WithFields(logrus.Fields{
		"blocks":  report.Blocks,
		"elapsed": report.TransferTime,
	}).Info("Transfer complete")
	return report, nil
}

func (r *Recorder) readMetadata(ctx context.Context, t *transfer) error {
	read := func(attr protocol.Attribute) ([]byte, error) {
		rctx, cancel := context.WithTimeout(ctx, r.opts.ReadTimeout)
		defer cancel()
		return r.sess.Read(rctx, attr)
	}

	raw, err := read(protocol.SampleCount)
	if err != nil {
		return err
	}
	count, err := codec.DecodeUint32(raw)
	if err != nil {
		return fmt.Errorf("sample count: %w", err)
	}

	raw, err = read(protocol.SamplingDuration)
	if err != nil {
		return err
	}
	durationMs, err := codec.DecodeUint32(raw)
	if err != nil {
		return fmt.Errorf("sampling duration: %w", err)
	}

	raw, err = read(protocol.ChannelLabels)
	if err != nil {
		return err
	}
	labels, err := codec.DecodeLabelList(raw)
	if err != nil {
		return fmt.Errorf("channel labels: %w", err)
	}

	t.setSamplingDuration(durationMs)
	if err := t.setSampleCount(count); err != nil {
		return err
	}
	return t.setLabels(labels)
}

func (r *Recorder) awaitTransfer(ctx context.Context, t *transfer, disconnected <-chan struct{}) error {
	timer := time.NewTimer(r.opts.TransferTimeout)
	defer timer.Stop()

	select {
	case <-t.finished:
		return nil
	case err := <-t.failures:
		return err
	case <-disconnected:
		select {
		case <-t.finished:
			return nil
		default:
		}
		return fmt.Errorf("%w: node dropped the link after %d of %d samples",
			ErrConnectionLost, t.cursor.Load(), t.total())
	case <-timer.C:
		return fmt.Errorf("%w: received %d of %d samples in %v",
			ErrCaptureTimedOut, t.cursor.Load(), t.total(), r.opts.TransferTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
