package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/imucap/internal/devicefactory"
	"github.com/srg/imucap/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   config.AppName,
		Short: "Record and download IMU captures over Bluetooth Low Energy",
		Long: `imucap drives a BLE inertial sensor node through a recording and downloads
the buffered samples as a spreadsheet:

- Continuous recordings keep the link open until the duration elapses
- Burst recordings let the node drop the link and record at full rate
- Every transferred block is acknowledged with its CRC-32
- Captures are written as xlsx or csv with a leading time column

Settings come from flags, IMUCAP_* environment variables and config.yaml.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: search ~/.config/imucap, /etc/imucap, .)")
	flags.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	flags.String("transport", defaults.Transport, fmt.Sprintf("BLE transport (%v)", devicefactory.Names()))
	flags.String("output-dir", defaults.OutputDir, "Directory captures are written to")
	flags.String("format", defaults.Format, "Capture file format (xlsx, csv)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(newRecordCmd(defaults))
	rootCmd.AddCommand(newPullCmd())
	rootCmd.AddCommand(newScanCmd(defaults))
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
