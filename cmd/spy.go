package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"riderpi/pkg/bus"

	"github.com/spf13/cobra"
)

var spyCount int

var spyCmd = &cobra.Command{
	Use:   "spy [prefix...]",
	Short: "Print bus traffic matching topic prefixes",
	Long:  "Subscribes to the given topic prefixes (all topics when none are given) and prints one line per message until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime("cmd.spy")
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

		sub, err := messageBus.Subscribe(runCtx, args...)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer sub.Close()

		return spy(runCtx, sub, cmd.OutOrStdout(), spyCount)
	},
}

func init() {
	rootCmd.AddCommand(spyCmd)
	spyCmd.Flags().IntVarP(&spyCount, "count", "n", 0, "exit after this many messages (0 = forever)")
}

// spy prints messages until ctx ends, the subscription closes or limit lines are written.
func spy(ctx context.Context, sub *bus.Subscription, out io.Writer, limit int) error {
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case msg := <-sub.C():
			fmt.Fprintln(out, formatSpyLine(msg))
			seen++
			if limit > 0 && seen >= limit {
				return nil
			}
		}
	}
}

func formatSpyLine(msg bus.Message) string {
	marker := ""
	if msg.Undecodable {
		marker = " (not json)"
	}
	return fmt.Sprintf("%s %s %s%s", msg.ReceivedAt.Local().Format("15:04:05.000"), msg.Topic, msg.Payload, marker)
}
