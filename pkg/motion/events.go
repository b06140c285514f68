package motion

import (
	"math"
	"time"

	"riderpi/pkg/bus"
)

// Bridge event names beyond the action names.
const (
	EventReady    = "ready"
	EventStop     = "stop"
	EventAutoStop = "auto_stop"
	EventEStop    = "estop"
	EventShutdown = "shutdown"

	skipPrefix = "skip_cmd."
)

// Event is the audit record published on motion.bridge.event.
type Event struct {
	TS     float64        `json:"ts"`
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail"`
}

// SkipEventName returns the event name for a skipped command of the given kind.
func SkipEventName(kind Kind) string {
	return skipPrefix + string(kind)
}

func newEvent(at time.Time, name string, detail map[string]any) Event {
	if detail == nil {
		detail = map[string]any{}
	}
	return Event{TS: bus.EpochSeconds(at), Event: name, Detail: detail}
}

// Telemetry is the snapshot published on devices.xgo. Nil fields were not
// readable.
type Telemetry struct {
	Present    bool     `json:"present"`
	DryRun     bool     `json:"dry_run"`
	IMUOK      bool     `json:"imu_ok"`
	Pose       *string  `json:"pose"`
	BatteryPct *float64 `json:"battery_pct"`
	Roll       *float64 `json:"roll"`
	Pitch      *float64 `json:"pitch"`
	YawRaw     *float64 `json:"yaw_raw"`
	Yaw        *float64 `json:"yaw"`
	YawRateDps *float64 `json:"yaw_rate_dps"`
	YawSrc     string   `json:"yaw_src"`
	Firmware   *string  `json:"fw"`
	TS         float64  `json:"ts"`
}

func ptr[T any](v T) *T {
	return &v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
