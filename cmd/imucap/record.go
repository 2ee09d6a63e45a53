package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/devicefactory"
	"github.com/srg/imucap/internal/export"
	"github.com/srg/imucap/internal/protocol"
	"github.com/srg/imucap/internal/recorder"
	"github.com/srg/imucap/internal/session"
	"github.com/srg/imucap/pkg/config"
	"github.com/srg/imucap/scanner"
)

func newRecordCmd(defaults *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record <address>",
		Short: "Record a capture and download it",
		Long: `Record IMU samples on the node and download them once the recording ends.

In burst mode the node drops the link while it records and imucap reconnects
after the duration has passed. In continuous mode the link stays open and a
stop command ends the recording. Either way every block is acknowledged with
its CRC-32 and the capture is written to --output-dir.`,
		Example: `  imucap record AA:BB:CC:DD:EE:FF --duration 30s
  imucap record AA:BB:CC:DD:EE:FF --mode continuous --channels accel,gz --format csv`,
		Args: cobra.ExactArgs(1),
		RunE: runRecord,
	}

	cmd.Flags().String("mode", defaults.Recording.Mode, "Recording mode (burst, continuous)")
	cmd.Flags().Duration("duration", defaults.Recording.Duration, "Recording duration")
	cmd.Flags().String("channels", defaults.Recording.Channels, "Channels to record (ax..mz, accel, gyro, mag, all)")
	return cmd
}

func runRecord(cmd *cobra.Command, args []string) error {
	return runCapture(cmd, args[0], func(ctx context.Context, rec *recorder.Recorder, address string) (*recorder.Report, error) {
		return rec.Run(ctx, address)
	})
}

type captureFunc func(ctx context.Context, rec *recorder.Recorder, address string) (*recorder.Report, error)

// runCapture builds the transport, session and recorder from the effective
// configuration, runs fn under Ctrl+C handling and prints the report.
func runCapture(cmd *cobra.Command, rawAddress string, fn captureFunc) error {
	address, ok := device.ParseAddress(rawAddress)
	if !ok {
		return fmt.Errorf("invalid address %q: expected AA:BB:CC:DD:EE:FF or a peripheral UUID", rawAddress)
	}

	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Capturing from "+address).
		Countdown(recorder.AwaitingCompletion.String(), cfg.Recording.Duration).
		Countdown(recorder.AwaitingDisconnect.String(), cfg.Recording.Duration+cfg.Recording.ReconnectMargin)

	rec, cleanup, err := newRecorder(cfg, logger, recorder.WithProgress(progress.Transfer))
	if err != nil {
		return err
	}
	defer cleanup()

	progress.Start(func() string { return rec.State().String() })
	report, err := fn(ctx, rec, address)
	progress.Stop()
	if err != nil {
		return err
	}

	printReport(cmd.OutOrStdout(), report)
	return nil
}

// newRecorder wires the configured transport into a session and recorder.
// cleanup closes the session.
func newRecorder(cfg *config.Config, logger *logrus.Logger, options ...recorder.Option) (*recorder.Recorder, func(), error) {
	mode, err := protocol.ParseMode(cfg.Recording.Mode)
	if err != nil {
		return nil, nil, err
	}
	mask, err := protocol.ParseChannelMask(cfg.Recording.Channels)
	if err != nil {
		return nil, nil, err
	}
	format, err := export.ParseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}

	dialer, err := devicefactory.NewDialer(cfg.Transport, logger)
	if err != nil {
		return nil, nil, err
	}
	backend, err := devicefactory.NewScanner(cfg.Transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create BLE scanner: %w", device.NormalizeError(err))
	}
	sc, err := scanner.NewScanner(backend, logger)
	if err != nil {
		return nil, nil, err
	}
	exporter, err := export.New(format, cfg.OutputDir, logger)
	if err != nil {
		return nil, nil, err
	}

	sess := session.New(dialer, logger, session.Options{ConnectTimeout: cfg.ConnectTimeout})
	options = append([]recorder.Option{
		recorder.WithResolver(&boundedResolver{scanner: sc, timeout: cfg.ScanTimeout}),
		recorder.WithExporter(exporter),
	}, options...)

	rec := recorder.New(sess, logger, recorder.Options{
		Mode:            mode,
		Duration:        cfg.Recording.Duration,
		Channels:        mask,
		ReconnectMargin: cfg.Recording.ReconnectMargin,
		ReadTimeout:     cfg.ReadTimeout,
		TransferTimeout: cfg.TransferTimeout,
	}, options...)

	return rec, func() { _ = sess.Close() }, nil
}

// boundedResolver gives up on an address that does not advertise within timeout.
type boundedResolver struct {
	scanner *scanner.Scanner
	timeout time.Duration
}

func (r *boundedResolver) Resolve(ctx context.Context, address string) (*scanner.DeviceEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.scanner.Resolve(ctx, address)
}

// printReport summarizes a finished capture and warns about anything the
// transfer had to tolerate.
func printReport(out io.Writer, report *recorder.Report) {
	fmt.Fprintf(out, "Saved %d rows x %d channels to %s\n", report.Rows, len(report.Labels), report.Path)
	fmt.Fprintf(out, "  samples: %d in %d blocks, sample rate: %.1f Hz, transfer: %v\n",
		report.SampleCount, report.Blocks, report.SampleRate, report.TransferTime.Round(time.Millisecond))

	warn := color.New(color.FgYellow)
	if !isTerminal(out) {
		warn.DisableColor()
	}
	if report.FailedAcks > 0 {
		warn.Fprintf(out, "WARNING: %d block acknowledgments failed to send\n", report.FailedAcks)
	}
	if report.LateBlocks > 0 {
		warn.Fprintf(out, "WARNING: %d blocks arrived after the capture was complete and were discarded\n", report.LateBlocks)
	}
	if report.Remainder > 0 {
		warn.Fprintf(out, "WARNING: %d trailing samples did not fill a row and were dropped\n", report.Remainder)
	}
}
