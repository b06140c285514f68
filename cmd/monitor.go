package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"riderpi/pkg/bus"
	"riderpi/pkg/ui/monitor"

	"github.com/spf13/cobra"
)

var (
	monitorSpeed    float64
	monitorDuration float64
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch telemetry and drive from the keyboard",
	Long:  "Opens a terminal dashboard over bridge telemetry and events. Arrow keys publish cmd.move, space publishes cmd.stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, log, err := loadRuntime("cmd.monitor")
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		messageBus, err := bus.Open(cfg.Bus, log)
		if err != nil {
			return fmt.Errorf("open bus: %w", err)
		}
		defer messageBus.Close()

		return monitor.Run(runCtx, messageBus, monitor.Options{
			Speed:          monitorSpeed,
			Duration:       monitorDuration,
			TelemetryTopic: cfg.Bridge.TelemetryTopic,
		})
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Float64Var(&monitorSpeed, "speed", 0.3, "axis magnitude in [0,1] for key presses")
	monitorCmd.Flags().Float64Var(&monitorDuration, "duration", 0.3, "requested move duration in seconds")
}
