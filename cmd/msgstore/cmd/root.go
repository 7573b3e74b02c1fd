package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"msgstore/internal/app"
	"msgstore/pkg/config"
	"msgstore/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "msgstore",
	Short: "Typed message store on pebble",
	Long: `msgstore keeps schema-versioned messages and typed key/value records in
an embedded pebble store, with views and indexes kept in step on every write.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging on stderr")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default $MSGSTORE_CONFIG)")
	rootCmd.PersistentFlags().String("db", "", "store directory (overrides config and env)")
}

// loadConfig resolves and validates the effective config for cmd.
func loadConfig(cmd *cobra.Command) (config.EffectiveConfigResult, error) {
	pf := cmd.Flags()
	flags := config.Flags{Set: map[string]bool{}}
	flags.DB, _ = pf.GetString("db")
	flags.Config, _ = pf.GetString("config")
	flags.Set["db"] = pf.Changed("db")
	flags.Set["config"] = pf.Changed("config")

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		return config.EffectiveConfigResult{}, fmt.Errorf("failed to load config file: %w", err)
	}
	envCfg, envRes := config.ParseConfigEnvs()
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		return eff, fmt.Errorf("failed to build effective config: %w", err)
	}
	if err := config.ValidateConfig(eff); err != nil {
		return eff, fmt.Errorf("invalid configuration: %w", err)
	}
	config.SetConfig(eff.Config)
	return eff, nil
}

// setupLogging sends one-shot commands' logs to stderr at warn so they do
// not mix with command output. The server logs as configured.
func setupLogging(cmd *cobra.Command, cfg *config.Config, server bool) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	switch {
	case verbose:
		logger.Init("debug", "stderr")
	case server:
		logger.InitWithRotation(cfg.Logging.Level, cfg.Logging.Sink, logger.RotationConfig{
			MaxSizeMB: cfg.Logging.MaxSizeMB,
			MaxFiles:  cfg.Logging.MaxFiles,
		})
	default:
		logger.Init("warn", "stderr")
	}
}

// openApp loads config and opens the store. readOnly forces a read-only
// open for commands that never write.
func openApp(cmd *cobra.Command, readOnly bool) (*app.App, error) {
	eff, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	setupLogging(cmd, eff.Config, false)
	if readOnly {
		if _, statErr := os.Stat(eff.Config.Store.Path); statErr != nil {
			return nil, fmt.Errorf("no store at %s: %w", eff.Config.Store.Path, statErr)
		}
		eff.Config.Store.ReadOnly = true
	}
	return app.New(context.Background(), eff.Config, version)
}
