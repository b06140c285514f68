package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"riderpi/pkg/actuator"
	"riderpi/pkg/bus"
	"riderpi/pkg/config"
	"riderpi/pkg/estop"
	"riderpi/pkg/motion"
	"riderpi/pkg/status"

	"github.com/spf13/cobra"
)

var (
	bridgeDryRun   bool
	bridgeReadOnly bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the motion bridge",
	Long:  "Subscribes to motion commands, drives the XGO board with a single deadman per motion, and publishes telemetry and bridge events. Serves /healthz, /readyz, /state, /metrics and /control when the status server is enabled.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := loadRuntime("cmd.bridge")
		if err != nil {
			exitOnStartupError(err)
		}
		applyBridgeFlags(cmd, &cfg.Bridge)

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runBridge(runCtx, cfg, log); err != nil {
			log.Error("Bridge runtime failed", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().BoolVar(&bridgeDryRun, "dry-run", true, "never touch the hardware (overrides config when set)")
	bridgeCmd.Flags().BoolVar(&bridgeReadOnly, "read-only", false, "read telemetry from the board but never actuate (overrides config when set)")
}

// applyBridgeFlags lets explicit flags win over file and environment config.
func applyBridgeFlags(cmd *cobra.Command, cfg *config.BridgeConfig) {
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = bridgeDryRun
	}
	if cmd.Flags().Changed("read-only") {
		cfg.ReadOnly = bridgeReadOnly
	}
}

// openActuator never fails: dry-run config, a missing port or a failed
// handshake all produce a device that only logs.
func openActuator(ctx context.Context, cfg *config.Config, log *slog.Logger) *actuator.Device {
	if cfg.Bridge.DryRun {
		return actuator.NewDryRun(log)
	}
	return actuator.Open(ctx, cfg.XGO, actuator.Options{
		ActuationEnabled: !cfg.Bridge.ReadOnly,
		Logger:           log,
	})
}

func runBridge(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	device := openActuator(ctx, cfg, log)
	defer device.Close()

	messageBus, err := bus.Open(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer messageBus.Close()

	var gate *estop.Gate
	if cfg.Bridge.EStopFlag != "" {
		gate, err = estop.Watch(ctx, cfg.Bridge.EStopFlag, log)
		if err != nil {
			return fmt.Errorf("watch e-stop flag: %w", err)
		}
		defer gate.Close()
	}

	bridge, err := motion.New(motion.Options{
		Config:   cfg.Bridge,
		Bus:      messageBus,
		Actuator: device,
		EStop:    gate,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("initialize bridge: %w", err)
	}

	if cfg.Status.Enabled {
		svc, err := status.NewService(cfg.Status, bridge, messageBus, log)
		if err != nil {
			return fmt.Errorf("initialize status server: %w", err)
		}
		go func() {
			if err := svc.Run(ctx); err != nil {
				log.Error("Status server failed", "error", err)
			}
		}()
	}

	log.Info("Bridge starting",
		"transport", cfg.Bus.Transport,
		"present", device.Present(),
		"dry_run", device.DryRun(),
		"safe_max_duration", cfg.Bridge.SafeMaxDuration,
		"estop_flag", cfg.Bridge.EStopFlag,
	)
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
