package motion

import (
	"math"
	"time"
)

// Actions the arbiter can pick. Their names double as event names.
const (
	ActionForward   = "forward"
	ActionBackward  = "backward"
	ActionLeft      = "left"
	ActionRight     = "right"
	ActionTurnLeft  = "turn_left"
	ActionTurnRight = "turn_right"
	ActionIdle      = "idle"
)

// minDuration is the shortest motion the bridge will schedule.
const minDuration = 50 * time.Millisecond

// axisEpsilon is the magnitude below which an axis counts as zero.
const axisEpsilon = 1e-4

// Action is the single physical motion chosen for an intent.
type Action struct {
	Name string
	// Speed is the winning axis magnitude in [0,1] for linear motions.
	Speed float64
	// Step is the vendor turn step for turns.
	Step     int
	Duration time.Duration
}

// Arbiter picks one action per move intent.
type Arbiter struct {
	SafeMax     time.Duration
	TurnStepMin int
	TurnStepMax int
}

// Decide selects the dominant axis. Ties prefer yaw, then vx, then vy. An intent
// with no axis above epsilon is idle.
func (a Arbiter) Decide(in Intent) Action {
	ax, ay, aw := math.Abs(in.VX), math.Abs(in.VY), math.Abs(in.Yaw)
	duration := a.ClampDuration(in.Duration)

	switch {
	case aw > axisEpsilon && aw >= ax && aw >= ay:
		name := ActionTurnRight
		if in.Yaw < 0 {
			name = ActionTurnLeft
		}
		return Action{Name: name, Step: a.TurnStep(aw), Duration: duration}
	case ax > axisEpsilon && ax >= ay:
		name := ActionForward
		if in.VX < 0 {
			name = ActionBackward
		}
		return Action{Name: name, Speed: math.Min(1, ax), Duration: duration}
	case ay > axisEpsilon:
		name := ActionRight
		if in.VY < 0 {
			name = ActionLeft
		}
		return Action{Name: name, Speed: math.Min(1, ay), Duration: duration}
	default:
		return Action{Name: ActionIdle, Duration: duration}
	}
}

// ClampDuration bounds a requested duration in seconds to [minDuration, SafeMax].
// Zero means the full SafeMax. SafeMax wins if it is below minDuration.
func (a Arbiter) ClampDuration(seconds float64) time.Duration {
	if seconds <= 0 || math.IsNaN(seconds) || seconds >= a.SafeMax.Seconds() {
		return a.SafeMax
	}
	d := time.Duration(math.Round(seconds * float64(time.Second)))
	return min(max(minDuration, d), a.SafeMax)
}

// TurnStep maps |yaw| in [0,1] onto [TurnStepMin, TurnStepMax].
func (a Arbiter) TurnStep(yawAbs float64) int {
	s := math.Min(1, math.Max(0, yawAbs))
	step := int(math.Round(float64(a.TurnStepMin) + s*float64(a.TurnStepMax-a.TurnStepMin)))
	return max(a.TurnStepMin, min(a.TurnStepMax, step))
}
