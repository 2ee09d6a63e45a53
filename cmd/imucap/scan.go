package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/devicefactory"
	"github.com/srg/imucap/pkg/config"
	"github.com/srg/imucap/scanner"
)

func newScanCmd(defaults *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby IMU nodes",
		Long: `Scan for Bluetooth Low Energy peripherals advertising the IMU service and
list them, strongest signal first. Use --all to include every peripheral.`,
		Args: cobra.NoArgs,
		RunE: runScan,
	}

	cmd.Flags().Duration("timeout", defaults.ScanTimeout, "Scan duration")
	cmd.Flags().Bool("all", false, "List every peripheral, not only IMU nodes")
	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	backend, err := devicefactory.NewScanner(cfg.Transport)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", device.NormalizeError(err))
	}
	s, err := scanner.NewScanner(backend, logger)
	if err != nil {
		return err
	}

	opts := scanner.DefaultScanOptions()
	opts.Duration = cfg.ScanTimeout
	if all {
		opts.ServiceUUIDs = nil
	}

	// Ctrl+C ends the scan early but still lists what was seen
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var phase atomicString
	phase.Store("starting")
	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for IMU nodes").Countdown("Scanning", cfg.ScanTimeout)
	progress.Start(phase.Load)
	devices, err := s.Scan(ctx, opts, phase.Store)
	progress.Stop()

	if errors.Is(err, context.Canceled) {
		devices, err = s.Devices(), nil
	}
	if err != nil {
		logger.WithError(err).Error("scan failed")
		return err
	}

	displayDevicesTable(cmd.OutOrStdout(), devices, time.Now())
	return nil
}

// displayDevicesTable prints devices as an aligned table.
func displayDevicesTable(out io.Writer, devices []scanner.DeviceEntry, now time.Time) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tIMU\tLAST SEEN")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		imu := "no"
		if d.HasIMU {
			imu = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n", d.Address, name, d.RSSI, imu, now.Sub(d.LastSeen).Truncate(time.Second))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\n%d device(s) found\n", len(devices))
}
