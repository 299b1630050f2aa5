package cmd

import (
	"FaceAuthClient/config"
	"FaceAuthClient/logger"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is the application version.
const Version = "0.1.0"

var (
	configPath string
	logLevel   string

	// cfg is loaded once by the root command for every subcommand.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "faceauth",
	Short:         "Face login kiosk client for the recognizer backend",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		l := loaded.Logging
		if err := logger.Init(logger.Options{
			Level:       l.Level,
			Development: l.Development,
			File:        l.File,
			MaxSizeMB:   l.MaxSizeMB,
			MaxBackups:  l.MaxBackups,
			MaxAgeDays:  l.MaxAgeDays,
		}); err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}
