package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"galaxydocs/api/internal/config"
	"galaxydocs/api/internal/logging"
)

var (
	// flags
	logLevel string

	cfg    config.Config
	logger zerolog.Logger
)

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides GALAXY_LOG_LEVEL)")
	RootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

var RootCmd = &cobra.Command{
	Use:           "api",
	Short:         "GalaxyDocs real-time collaboration API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger = logging.New(cfg.LogLevel, os.Stdout)
	},
}
