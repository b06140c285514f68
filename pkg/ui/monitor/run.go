package monitor

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"riderpi/pkg/bus"
)

// Options tunes the keyboard teleop.
type Options struct {
	// Speed is the starting axis magnitude in [0,1] for arrow-key moves.
	Speed float64
	// Duration is the requested move length in seconds.
	Duration float64
	// TelemetryTopic defaults to devices.xgo.
	TelemetryTopic string
}

// Run shows live telemetry and bridge events and drives the robot from the
// keyboard until the user quits. A stop is published on the way out.
func Run(ctx context.Context, b bus.Bus, opts Options) error {
	telemetryTopic := opts.TelemetryTopic
	if telemetryTopic == "" {
		telemetryTopic = bus.TopicTelemetry
	}

	sub, err := b.Subscribe(ctx, telemetryTopic, bus.TopicBridgeEvent)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	model := newModel(ctx, b, sub, opts)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	_, runErr := program.Run()
	if err := b.Publish(bus.TopicStop, stopPayload(), bus.WithTimestamp()); err != nil && runErr == nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	if runErr != nil && !(errors.Is(runErr, tea.ErrProgramKilled) && ctx.Err() != nil) {
		return runErr
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("Rider-Pi monitor closed, stop sent")
}
