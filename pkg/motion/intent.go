package motion

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"riderpi/pkg/bus"
)

// Kind separates the two intents the bridge acts on.
type Kind string

const (
	KindMove Kind = "move"
	KindStop Kind = "stop"
)

// Defaults applied to the legacy shapes when fields are missing.
const (
	legacySpeed       = 10.0
	legacyRuntime     = 0.6
	motionCmdDuration = 0.12
	controlDuration   = 0.15
	spinSpeed         = 0.18
)

// Intent is a normalized command. Axes are signed fractions in [-1,1]; yaw < 0
// turns left. Duration is in seconds, zero meaning "as long as allowed".
type Intent struct {
	Kind     Kind
	Topic    string
	VX       float64
	VY       float64
	Yaw      float64
	Duration float64
	// TS is the producer's epoch-seconds timestamp, zero when absent.
	TS  float64
	RID string
}

// Reasons a message is turned away before arbitration.
const (
	ReasonDropOld     = "drop_old"
	ReasonMinGap      = "min_gap"
	ReasonInvalid     = "invalid"
	ReasonMalformed   = "malformed"
	ReasonUnsupported = "unsupported"
	ReasonEStop       = "estop"
)

// RejectError is returned by Normalize for messages that must be skipped.
type RejectError struct {
	Kind   Kind
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func reject(kind Kind, reason, format string, args ...any) *RejectError {
	return &RejectError{Kind: kind, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsCommandTopic reports whether topic is one the bridge consumes.
func IsCommandTopic(topic string) bool {
	return topic == bus.TopicMove ||
		topic == bus.TopicStop ||
		topic == bus.TopicMotionCmd ||
		strings.HasPrefix(topic, bus.TopicLegacyMotion)
}

// Normalize converts any accepted command shape into an Intent. turnStepMax
// scales legacy speeds above 1.
func Normalize(msg bus.Message, turnStepMax int) (Intent, error) {
	topic := msg.Topic

	// A stop is honored whatever its payload looks like.
	if topic == bus.TopicStop || topic == bus.TopicLegacyMotion+"stop" {
		in := Intent{Kind: KindStop, Topic: topic}
		if fields, ok := msg.Fields(); ok {
			in.RID = stringField(fields, "rid")
		}
		return in, nil
	}

	if !IsCommandTopic(topic) {
		return Intent{}, reject(KindMove, ReasonUnsupported, "topic %q", topic)
	}

	fields, ok := msg.Fields()
	if !ok {
		return Intent{}, reject(KindMove, ReasonMalformed, "payload is not a JSON object")
	}

	var (
		in  Intent
		err error
	)
	switch {
	case topic == bus.TopicMove:
		in, err = normalizeMove(fields)
	case topic == bus.TopicMotionCmd:
		in, err = normalizeMotionCmd(fields)
	default:
		in, err = normalizeLegacy(strings.TrimPrefix(topic, bus.TopicLegacyMotion), fields, turnStepMax)
	}
	if err != nil {
		return Intent{}, err
	}

	in.Topic = topic
	if in.RID == "" {
		in.RID = stringField(fields, "rid")
	}
	if in.TS == 0 {
		ts, _, err := numberField(fields, "ts")
		if err != nil {
			return Intent{}, reject(KindMove, ReasonInvalid, "ts: %v", err)
		}
		in.TS = ts
	}
	return in, nil
}

// normalizeMove handles cmd.move {vx, vy, yaw|az, duration}.
func normalizeMove(fields map[string]any) (Intent, error) {
	in := Intent{Kind: KindMove}

	var err error
	if in.VX, _, err = numberField(fields, "vx"); err != nil {
		return Intent{}, reject(KindMove, ReasonInvalid, "vx: %v", err)
	}
	if in.VY, _, err = numberField(fields, "vy"); err != nil {
		return Intent{}, reject(KindMove, ReasonInvalid, "vy: %v", err)
	}

	yaw, present, err := numberField(fields, "yaw")
	if err != nil {
		return Intent{}, reject(KindMove, ReasonInvalid, "yaw: %v", err)
	}
	if !present {
		if yaw, _, err = numberField(fields, "az"); err != nil {
			return Intent{}, reject(KindMove, ReasonInvalid, "az: %v", err)
		}
	}
	in.Yaw = yaw

	if in.Duration, err = durationField(fields, "duration", 0); err != nil {
		return Intent{}, err
	}
	return in, nil
}

// normalizeLegacy handles cmd.motion.<action> {speed, runtime}. Speeds above 1 are
// vendor units and get scaled down.
func normalizeLegacy(action string, fields map[string]any, turnStepMax int) (Intent, error) {
	if action == "demo" {
		return Intent{}, reject(KindMove, ReasonUnsupported, "demo sequences are not run by the bridge")
	}

	speed, present, err := numberField(fields, "speed")
	if err != nil {
		return Intent{}, reject(KindMove, ReasonInvalid, "speed: %v", err)
	}
	if !present {
		speed = legacySpeed
	}
	speed = math.Abs(speed)

	runtime, err := durationField(fields, "runtime", legacyRuntime)
	if err != nil {
		return Intent{}, err
	}

	stepScale := math.Max(1, float64(turnStepMax))
	linear := speed
	if speed > 1 {
		linear = math.Min(1, speed/stepScale)
	}
	strafe := speed
	if speed > 1 {
		strafe = math.Min(1, speed/100)
	}

	in := Intent{Kind: KindMove, Duration: runtime}
	switch action {
	case "forward":
		in.VX = linear
	case "backward":
		in.VX = -linear
	case "left":
		in.VY = -strafe
	case "right":
		in.VY = strafe
	case "turn_left":
		in.Yaw = -linear
	case "turn_right":
		in.Yaw = linear
	default:
		return Intent{}, reject(KindMove, ReasonUnsupported, "legacy action %q", action)
	}
	return in, nil
}

// normalizeMotionCmd handles the dashboard's motion.cmd shapes: {dir, v, w, t} and
// {type: drive|spin|stop}. "left" turns left under the bridge's yaw convention.
func normalizeMotionCmd(fields map[string]any) (Intent, error) {
	if typ := strings.ToLower(stringField(fields, "type")); typ != "" {
		return normalizeControl(typ, fields)
	}

	dir := strings.ToLower(stringField(fields, "dir"))
	if dir == "stop" {
		return Intent{Kind: KindStop}, nil
	}

	v, _, err := numberField(fields, "v")
	if err != nil {
		return Intent{}, reject(KindMove, ReasonInvalid, "v: %v", err)
	}
	w, _, err := numberField(fields, "w")
	if err != nil {
		return Intent{}, reject(KindMove, ReasonInvalid, "w: %v", err)
	}
	t, err := durationField(fields, "t", motionCmdDuration)
	if err != nil {
		return Intent{}, err
	}

	in := Intent{Kind: KindMove, Duration: t}
	switch dir {
	case "forward":
		in.VX = v
	case "backward":
		in.VX = -v
	case "left":
		in.Yaw = -w
	case "right":
		in.Yaw = w
	default:
		return Intent{}, reject(KindMove, ReasonInvalid, "dir %q", dir)
	}
	return in, nil
}

// normalizeControl handles {type: drive|spin|stop}, the body of POST /control.
func normalizeControl(typ string, fields map[string]any) (Intent, error) {
	switch typ {
	case "stop":
		return Intent{Kind: KindStop}, nil
	case "drive":
		lx, _, err := numberField(fields, "lx")
		if err != nil {
			return Intent{}, reject(KindMove, ReasonInvalid, "lx: %v", err)
		}
		az, present, err := numberField(fields, "az")
		if err != nil {
			return Intent{}, reject(KindMove, ReasonInvalid, "az: %v", err)
		}
		if !present {
			if az, _, err = numberField(fields, "yaw"); err != nil {
				return Intent{}, reject(KindMove, ReasonInvalid, "yaw: %v", err)
			}
		}
		dur, err := durationField(fields, "dur", controlDuration)
		if err != nil {
			return Intent{}, err
		}
		return Intent{Kind: KindMove, VX: clampUnit(lx), Yaw: clampUnit(az), Duration: dur}, nil
	case "spin":
		speed, present, err := numberField(fields, "speed")
		if err != nil {
			return Intent{}, reject(KindMove, ReasonInvalid, "speed: %v", err)
		}
		if !present {
			speed = spinSpeed
		}
		dur, err := durationField(fields, "dur", controlDuration)
		if err != nil {
			return Intent{}, err
		}
		yaw := math.Min(1, math.Abs(speed))
		switch strings.ToLower(stringField(fields, "dir")) {
		case "left", "l":
			yaw = -yaw
		case "right", "r":
		default:
			return Intent{}, reject(KindMove, ReasonInvalid, "spin dir %q", stringField(fields, "dir"))
		}
		return Intent{Kind: KindMove, Yaw: yaw, Duration: dur}, nil
	default:
		return Intent{}, reject(KindMove, ReasonUnsupported, "control type %q", typ)
	}
}

// numberField reads a numeric field. Numeric strings are accepted; null counts as
// absent. Non-finite values are errors.
func numberField(fields map[string]any, key string) (float64, bool, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return 0, false, nil
	}

	var v float64
	switch value := raw.(type) {
	case float64:
		v = value
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, true, fmt.Errorf("not a number: %q", value)
		}
		v = parsed
	default:
		return 0, true, fmt.Errorf("not a number: %v", raw)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, true, fmt.Errorf("not finite: %v", v)
	}
	return v, true, nil
}

// durationField reads a duration in seconds. Missing or zero yields def;
// negative values are rejected.
func durationField(fields map[string]any, key string, def float64) (float64, error) {
	v, present, err := numberField(fields, key)
	if err != nil {
		return 0, reject(KindMove, ReasonInvalid, "%s: %v", key, err)
	}
	if v < 0 {
		return 0, reject(KindMove, ReasonInvalid, "%s must not be negative, got %v", key, v)
	}
	if !present || v == 0 {
		return def, nil
	}
	return v, nil
}

func stringField(fields map[string]any, key string) string {
	switch value := fields[key].(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
