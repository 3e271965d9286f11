package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/config"
	"github.com/dojo-tracker/capture/pkg/logger"
)

var (
	cfg *config.Config
	log *zap.Logger

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "capture",
	Short:         "Record or pick a technique video and upload it to the Media Store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if log, err = logger.New(cfg.Log); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, uploadCmd, recordCmd, codecsCmd, versionCmd)
}
