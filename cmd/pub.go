package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"riderpi/pkg/bus"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	pubNoRID       bool
	pubNoTimestamp bool
)

var pubCmd = &cobra.Command{
	Use:   "pub <topic> [json]",
	Short: "Publish one message on the bus",
	Long: `Publishes a single JSON payload (default {}) on topic. Object payloads get a
request id ("rid") and a "ts" timestamp unless they already carry one.

  riderpi pub cmd.move '{"vx":0.4,"duration":0.5}'
  riderpi pub cmd.stop`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime("cmd.pub")
		if err != nil {
			return err
		}

		topic := strings.TrimSpace(args[0])
		raw := ""
		if len(args) == 2 {
			raw = args[1]
		}
		payload, err := buildPayload(raw, !pubNoRID, uuid.NewString)
		if err != nil {
			return err
		}

		messageBus, err := bus.Open(cfg.Bus, log)
		if err != nil {
			return fmt.Errorf("open bus: %w", err)
		}

		var opts []bus.PublishOption
		if !pubNoTimestamp {
			opts = append(opts, bus.WithTimestamp())
		}
		publishErr := messageBus.Publish(topic, payload, opts...)
		closeErr := messageBus.Close()
		if publishErr != nil {
			return fmt.Errorf("publish %s: %w", topic, publishErr)
		}
		if closeErr != nil {
			return fmt.Errorf("close bus: %w", closeErr)
		}

		data, _ := json.Marshal(payload)
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", topic, data)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pubCmd)
	pubCmd.Flags().BoolVar(&pubNoRID, "no-rid", false, "do not add a request id")
	pubCmd.Flags().BoolVar(&pubNoTimestamp, "no-ts", false, "do not add a ts field")
}

// buildPayload parses raw JSON and stamps object payloads with a rid.
func buildPayload(raw string, withRID bool, newRID func() string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}

	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}

	object, ok := payload.(map[string]any)
	if !ok || !withRID {
		return payload, nil
	}
	if _, exists := object["rid"]; !exists {
		if newRID == nil {
			return nil, errors.New("no request id generator")
		}
		object["rid"] = newRID()
	}
	return object, nil
}
