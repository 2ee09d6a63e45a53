package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/imucap/pkg/config"
)

// loadConfig resolves the effective configuration for cmd: flags over
// IMUCAP_* environment over the config file over defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configFile, _ := cmd.Flags().GetString("config")

	cfg, used, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, used, nil
}

// configureLogger loads the configuration and creates the logger it asks for.
// Logs go to the command's stderr so they never mix with table output.
func configureLogger(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, used, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	if used != "" {
		logger.WithField("path", used).Debug("Loaded config file")
	}
	return cfg, logger, nil
}
