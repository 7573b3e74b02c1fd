package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"msgstore/internal/app"
	"msgstore/pkg/logger"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the store and run maintenance and metrics until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eff, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		setupLogging(cmd, eff.Config, true)
		defer logger.Sync()
		logger.Info("effective_config_loaded", "source", eff.Source, "db_path", eff.DBPath)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, eff.Config, version)
		if err != nil {
			return err
		}
		serveErr := a.Serve(ctx)
		if err := a.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
		logger.Info("shutdown_complete")
		return serveErr
	},
}
