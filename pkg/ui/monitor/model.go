package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"riderpi/pkg/bus"
	"riderpi/pkg/motion"
)

const (
	defaultSpeed    = 0.3
	defaultDuration = 0.3
	speedStep       = 0.05
	maxLogLines     = 500
)

type publisher interface {
	Publish(topic string, payload any, opts ...bus.PublishOption) error
}

type busMsg struct {
	msg bus.Message
}

type subClosedMsg struct{}

type publishResultMsg struct {
	topic string
	err   error
}

type logLine struct {
	at     time.Time
	name   string
	detail string
}

type model struct {
	ctx context.Context
	pub publisher
	sub *bus.Subscription

	theme          theme
	spinner        spinner.Model
	viewport       viewport.Model
	lines          []logLine
	telemetry      *motion.Telemetry
	telemetryTopic string

	speed     float64
	duration  float64
	width     int
	height    int
	isReady   bool
	followLog bool
	lastErr   string
	lastSent  string
	closed    bool
}

func newModel(ctx context.Context, pub publisher, sub *bus.Subscription, opts Options) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	speed := opts.Speed
	if speed <= 0 || speed > 1 {
		speed = defaultSpeed
	}
	duration := opts.Duration
	if duration <= 0 {
		duration = defaultDuration
	}
	telemetryTopic := opts.TelemetryTopic
	if telemetryTopic == "" {
		telemetryTopic = bus.TopicTelemetry
	}

	return &model{
		ctx:            ctx,
		pub:            pub,
		sub:            sub,
		theme:          defaultTheme(),
		spinner:        spin,
		viewport:       viewport.New(80, 12),
		telemetryTopic: telemetryTopic,
		speed:          speed,
		duration:       duration,
		width:          100,
		height:         28,
		followLog:      true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForMessage(m.ctx, m.sub))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(typed)
	case spinner.TickMsg:
		if m.telemetry != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case busMsg:
		m.handleBusMessage(typed.msg)
		return m, waitForMessage(m.ctx, m.sub)
	case subClosedMsg:
		m.closed = true
		m.lastErr = "bus subscription closed"
		return m, nil
	case publishResultMsg:
		if typed.err != nil {
			m.lastErr = fmt.Sprintf("%s: %s", typed.topic, bus.CategoryFromError(typed.err))
		} else {
			m.lastErr = ""
		}
		return m, nil
	}

	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc", "ctrl+q":
		return m, tea.Quit
	case " ", "x":
		m.lastSent = "stop"
		return m, publishCmd(m.pub, bus.TopicStop, stopPayload())
	case "up", "w":
		return m, m.move("forward", m.speed, 0, 0)
	case "down", "s":
		return m, m.move("backward", -m.speed, 0, 0)
	case "left", "a":
		return m, m.move("turn left", 0, 0, -m.speed)
	case "right", "d":
		return m, m.move("turn right", 0, 0, m.speed)
	case "q":
		return m, m.move("strafe left", 0, -m.speed, 0)
	case "e":
		return m, m.move("strafe right", 0, m.speed, 0)
	case "+", "=":
		m.speed = math.Min(1, roundStep(m.speed+speedStep))
		return m, nil
	case "-", "_":
		m.speed = math.Max(speedStep, roundStep(m.speed-speedStep))
		return m, nil
	}

	m.handleViewportKey(msg)
	return m, nil
}

func (m *model) move(label string, vx, vy, yaw float64) tea.Cmd {
	m.lastSent = label
	return publishCmd(m.pub, bus.TopicMove, map[string]any{
		"vx":       vx,
		"vy":       vy,
		"yaw":      yaw,
		"duration": m.duration,
		"rid":      uuid.NewString(),
	})
}

func (m *model) handleBusMessage(msg bus.Message) {
	switch msg.Topic {
	case m.telemetryTopic:
		var tel motion.Telemetry
		if err := msg.Decode(&tel); err != nil {
			m.appendLine(logLine{at: msg.ReceivedAt, name: "telemetry?", detail: err.Error()})
			return
		}
		m.telemetry = &tel
		return
	case bus.TopicBridgeEvent:
		var event motion.Event
		if err := msg.Decode(&event); err != nil {
			m.appendLine(logLine{at: msg.ReceivedAt, name: "event?", detail: err.Error()})
			return
		}
		at := msg.ReceivedAt
		if event.TS > 0 {
			at = bus.FromEpochSeconds(event.TS)
		}
		m.appendLine(logLine{at: at, name: event.Event, detail: formatDetail(event.Detail)})
	default:
		m.appendLine(logLine{at: msg.ReceivedAt, name: msg.Topic, detail: string(msg.Payload)})
	}
}

func (m *model) appendLine(line logLine) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.refreshViewport(false)
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("Rider-Pi Motion Monitor")
	meta := m.theme.headerMeta.Render(fmt.Sprintf("speed:%.2f · duration:%.2fs · last sent:%s", m.speed, m.duration, displayOrNA(m.lastSent)))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("↑↓ drive · ←→ turn · q/e strafe · space stop · +/- speed · PgUp/PgDn scroll · Esc quit")
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last error: " + m.lastErr)
	}

	parts := []string{header, meta, m.telemetryView(), line, m.theme.viewport.Width(m.width - 2).Render(m.viewport.View()), status}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) telemetryView() string {
	tel := m.telemetry
	if tel == nil {
		return m.theme.statusBusy.Render(fmt.Sprintf("%s waiting for telemetry on %s", m.spinner.View(), m.telemetryTopic))
	}

	mode := "live"
	if tel.DryRun {
		mode = "dry-run"
	}
	present := m.theme.gauge.Render("present")
	if !tel.Present {
		present = m.theme.gaugeWarn.Render("absent")
	}
	pose := "n/a"
	if tel.Pose != nil {
		pose = *tel.Pose
		if pose == motion.PoseFallen {
			pose = m.theme.gaugeWarn.Render(pose)
		}
	}

	return fmt.Sprintf("%s · %s · pose:%s · battery:%s · yaw:%s (%s dps) · roll:%s · pitch:%s · fw:%s",
		present,
		mode,
		pose,
		formatOptional(tel.BatteryPct, "%.0f%%"),
		formatOptional(tel.Yaw, "%.1f"),
		formatOptional(tel.YawRateDps, "%.1f"),
		formatOptional(tel.Roll, "%.1f"),
		formatOptional(tel.Pitch, "%.1f"),
		displayOrNA(derefString(tel.Firmware)),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(6, m.height-9)

	m.viewport.Width = w
	m.viewport.Height = h
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	rendered := make([]string, 0, len(m.lines))
	for _, item := range m.lines {
		rendered = append(rendered, m.renderLine(item))
	}

	m.viewport.SetContent(strings.Join(rendered, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderLine(item logLine) string {
	nameStyle := m.theme.eventName
	switch {
	case strings.HasPrefix(item.name, "skip_cmd."):
		nameStyle = m.theme.eventSkip
	case item.name == "stop" || item.name == "auto_stop" || item.name == "estop":
		nameStyle = m.theme.eventStop
	}

	parts := []string{
		m.theme.eventTime.Render(item.at.Local().Format("15:04:05.000")),
		nameStyle.Render(item.name),
	}
	if item.detail != "" {
		parts = append(parts, m.theme.eventBody.Render(item.detail))
	}
	return strings.Join(parts, " ")
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func waitForMessage(ctx context.Context, sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return subClosedMsg{}
			}
			return busMsg{msg: msg}
		case <-sub.Done():
			return subClosedMsg{}
		case <-ctx.Done():
			return subClosedMsg{}
		}
	}
}

func publishCmd(pub publisher, topic string, payload any) tea.Cmd {
	return func() tea.Msg {
		err := pub.Publish(topic, payload, bus.WithTimestamp())
		return publishResultMsg{topic: topic, err: err}
	}
}

func stopPayload() map[string]any {
	return map[string]any{"rid": uuid.NewString()}
}

func formatDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return ""
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Sprint(detail)
	}
	return string(data)
}

func formatOptional(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func roundStep(v float64) float64 {
	return math.Round(v*100) / 100
}
