package cmd

import (
	"errors"
	"fmt"
	"strings"

	"riderpi/pkg/estop"

	"github.com/spf13/cobra"
)

var estopFlagPath string

var estopCmd = &cobra.Command{
	Use:       "estop <on|off|status>",
	Short:     "Engage, release or inspect the E-Stop flag",
	Long:      "Creates or removes the E-Stop flag file watched by the bridge. While it exists every move is skipped.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := strings.TrimSpace(estopFlagPath)
		if path == "" {
			cfg, _, err := loadRuntime("cmd.estop")
			if err != nil {
				return err
			}
			path = cfg.Bridge.EStopFlag
		}
		if path == "" {
			return errors.New("no e-stop flag configured (set bridge.estop_flag, ESTOP_FLAG or --flag)")
		}

		state, err := applyEStop(args[0], path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "estop %s (%s)\n", state, path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(estopCmd)
	estopCmd.Flags().StringVar(&estopFlagPath, "flag", "", "flag file path (default: bridge.estop_flag)")
}

func applyEStop(action string, path string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "on", "engage":
		if err := estop.Engage(path); err != nil {
			return "", err
		}
	case "off", "release":
		if err := estop.Release(path); err != nil {
			return "", err
		}
	case "status":
	default:
		return "", fmt.Errorf("unknown estop action %q (want on, off or status)", action)
	}

	if estop.IsEngaged(path) {
		return "engaged", nil
	}
	return "released", nil
}
