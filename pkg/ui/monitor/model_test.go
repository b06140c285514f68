package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"riderpi/pkg/bus"
	"riderpi/pkg/motion"
)

type fixture struct {
	model    *model
	mb       *bus.MessageBus
	commands *bus.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mb := bus.NewMessageBus(32)
	t.Cleanup(func() { _ = mb.Close() })

	events, err := mb.Subscribe(context.Background(), bus.TopicTelemetry, bus.TopicBridgeEvent)
	require.NoError(t, err)
	commands, err := mb.Subscribe(context.Background(), bus.TopicMove, bus.TopicStop)
	require.NoError(t, err)

	m := newModel(context.Background(), mb, events, Options{Speed: 0.5, Duration: 0.2})
	return &fixture{model: m, mb: mb, commands: commands}
}

// press feeds a key and runs the command it returns.
func (f *fixture) press(t *testing.T, key tea.KeyMsg) tea.Msg {
	t.Helper()
	_, cmd := f.model.Update(key)
	if cmd == nil {
		return nil
	}
	msg := cmd()
	f.model.Update(msg)
	return msg
}

func (f *fixture) command(t *testing.T) (string, map[string]any) {
	t.Helper()
	msg, ok := f.commands.Receive(context.Background(), time.Second)
	require.True(t, ok, "expected a published command")
	fields, ok := msg.Fields()
	require.True(t, ok)
	return msg.Topic, fields
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestArrowKeysPublishMoves(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key         tea.KeyMsg
		vx, vy, yaw float64
	}{
		{key: tea.KeyMsg{Type: tea.KeyUp}, vx: 0.5},
		{key: tea.KeyMsg{Type: tea.KeyDown}, vx: -0.5},
		{key: tea.KeyMsg{Type: tea.KeyLeft}, yaw: -0.5},
		{key: tea.KeyMsg{Type: tea.KeyRight}, yaw: 0.5},
		{key: runes("q"), vy: -0.5},
		{key: runes("e"), vy: 0.5},
	}

	f := newFixture(t)
	for _, tt := range tests {
		result := f.press(t, tt.key)
		require.IsType(t, publishResultMsg{}, result)
		require.NoError(t, result.(publishResultMsg).err)

		topic, fields := f.command(t)
		require.Equal(t, bus.TopicMove, topic, tt.key.String())
		require.InDelta(t, tt.vx, fields["vx"], 1e-9, tt.key.String())
		require.InDelta(t, tt.vy, fields["vy"], 1e-9, tt.key.String())
		require.InDelta(t, tt.yaw, fields["yaw"], 1e-9, tt.key.String())
		require.InDelta(t, 0.2, fields["duration"], 1e-9)
		require.NotEmpty(t, fields["rid"])
		require.NotZero(t, fields["ts"])
	}
}

func TestSpacePublishesStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.press(t, tea.KeyMsg{Type: tea.KeySpace})
	topic, fields := f.command(t)
	require.Equal(t, bus.TopicStop, topic)
	require.NotEmpty(t, fields["rid"])
	require.Equal(t, "stop", f.model.lastSent)
}

func TestSpeedAdjustment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for range 20 {
		f.press(t, runes("+"))
	}
	require.InDelta(t, 1.0, f.model.speed, 1e-9)

	for range 40 {
		f.press(t, runes("-"))
	}
	require.InDelta(t, speedStep, f.model.speed, 1e-9)
}

func TestQuitKeys(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, key := range []tea.KeyMsg{{Type: tea.KeyCtrlC}, {Type: tea.KeyEsc}} {
		_, cmd := f.model.Update(key)
		require.NotNil(t, cmd)
		require.IsType(t, tea.QuitMsg{}, cmd())
	}
}

func TestPublishFailureShowsCategory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.mb.Close())

	f.press(t, tea.KeyMsg{Type: tea.KeyUp})
	require.Equal(t, "cmd.move: "+bus.CategoryFromError(bus.ErrClosed), f.model.lastErr)
	require.Contains(t, f.model.View(), "last error")
}

func TestTelemetryAndEventsRender(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.Contains(t, f.model.View(), "waiting for telemetry")

	yaw, battery, pose := 12.5, 87.0, motion.PoseUpright
	telemetry, err := json.Marshal(motion.Telemetry{Present: true, DryRun: true, Yaw: &yaw, BatteryPct: &battery, Pose: &pose})
	require.NoError(t, err)
	f.model.Update(busMsg{msg: bus.NewMessage(bus.TopicTelemetry, telemetry, time.Now())})
	require.NotNil(t, f.model.telemetry)

	event, err := json.Marshal(motion.Event{TS: 1700000000, Event: "skip_cmd.move", Detail: map[string]any{"reason": "min_gap"}})
	require.NoError(t, err)
	_, cmd := f.model.Update(busMsg{msg: bus.NewMessage(bus.TopicBridgeEvent, event, time.Now())})
	require.NotNil(t, cmd, "monitor keeps listening after a message")
	require.Len(t, f.model.lines, 1)

	view := f.model.View()
	require.Contains(t, view, "dry-run")
	require.Contains(t, view, "12.5")
	require.Contains(t, view, "87%")
	require.Contains(t, view, "skip_cmd.move")
	require.Contains(t, view, "min_gap")
}

func TestLogIsBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for i := range maxLogLines + 10 {
		f.model.appendLine(logLine{at: time.Unix(int64(i), 0), name: "forward"})
	}
	require.Len(t, f.model.lines, maxLogLines)
	require.Equal(t, int64(10), f.model.lines[0].at.Unix())
}

func TestWaitForMessageReportsClosedSubscription(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.model.sub.Close()

	msg := waitForMessage(context.Background(), f.model.sub)()
	require.IsType(t, subClosedMsg{}, msg)
	f.model.Update(msg)
	require.True(t, f.model.closed)
}

func TestHandleViewportMouseWheelUpDisablesFollowLog(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	m := f.model
	m.viewport.Width = 40
	m.viewport.Height = 5
	m.viewport.SetContent(strings.Repeat("line\n", 40))
	m.viewport.GotoBottom()
	m.followLog = true

	previousOffset := m.viewport.YOffset
	handled := m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelUp})
	if !handled {
		t.Fatal("expected wheel-up mouse event to be handled")
	}
	if m.followLog {
		t.Fatal("expected followLog to be disabled after wheel-up scroll")
	}
	if m.viewport.YOffset >= previousOffset {
		t.Fatalf("expected YOffset to decrease after wheel-up scroll, got %d want < %d", m.viewport.YOffset, previousOffset)
	}
}

func TestHandleViewportMouseIgnoresNonWheelEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	handled := f.model.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonLeft})
	if handled {
		t.Fatal("expected non-wheel mouse event to be ignored")
	}
}
