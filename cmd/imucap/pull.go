package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/srg/imucap/internal/recorder"
)

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <address>",
		Short: "Download the capture already buffered on the node",
		Long: `Connect to the node and download whatever it has buffered without starting a
new recording. Use it after a recording whose download was interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, args[0], func(ctx context.Context, rec *recorder.Recorder, address string) (*recorder.Report, error) {
				return rec.Pull(ctx, address)
			})
		},
	}
}
