package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/imucap/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or show the configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to a file",
		Long: `Write the effective configuration (defaults overridden by any config file,
IMUCAP_* environment variables and flags) as YAML.`,
		Args: cobra.NoArgs,
		RunE: runConfigInit,
	}
	initCmd.Flags().StringP("output", "o", config.DefaultConfigPath(), "Where to write the config file")
	initCmd.Flags().BoolP("yes", "y", false, "Overwrite an existing file")

	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigPrint,
	}

	cmd.AddCommand(initCmd, printCmd)
	return cmd
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("output")
	overwrite, _ := cmd.Flags().GetBool("yes")

	cmd.SilenceUsage = true
	if err := cfg.Save(path, overwrite); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigPrint(cmd *cobra.Command, _ []string) error {
	cfg, used, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out, err := cfg.Render()
	if err != nil {
		return err
	}
	if used != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", used)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
