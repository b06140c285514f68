/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"riderpi/pkg/config"
	"riderpi/pkg/logger"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "riderpi",
	Short: "Rider-Pi robot bus, broker and motion bridge",
	Long: `riderpi runs the processes of the Rider-Pi robot stack: the pub/sub broker,
the motion bridge that turns bus commands into XGO board motions, and small
tools to publish, watch and drive over the bus.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		if value := strings.TrimSpace(configPath); value != "" {
			if err := os.Setenv("RIDERPI_CONFIG", value); err != nil {
				return fmt.Errorf("set config path: %w", err)
			}
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: RIDERPI_CONFIG, then ./riderpi.yaml)")
}

// loadRuntime loads config and installs the process logger.
func loadRuntime(component string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, logger.Component(appLogger, component), nil
}

// exitOnStartupError ends a long-running command whose config cannot be used.
// The non-zero status lets a supervisor restart or flag the unit.
func exitOnStartupError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
