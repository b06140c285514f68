package motion

import (
	"math"
	"time"

	"riderpi/pkg/config"
)

const yawSourceGyro = "gyro_stabilized"

// yawFilter turns the IMU's accumulated yaw into a steady 0..360 heading. Small
// rates are treated as drift, and the heading is held while the robot is idle.
type yawFilter struct {
	cfg config.YawConfig

	lastAt  time.Time
	lastRaw float64
	hasRaw  bool

	heading    float64
	hasHeading bool
}

func newYawFilter(cfg config.YawConfig) *yawFilter {
	return &yawFilter{cfg: cfg}
}

// rate estimates deg/s against the previous sample without updating state.
func (f *yawFilter) rate(raw float64, at time.Time) float64 {
	if !f.hasRaw {
		return 0
	}
	dt := math.Max(1e-6, at.Sub(f.lastAt).Seconds())
	return (raw - f.lastRaw) / dt
}

// shouldFreeze reports whether the heading is held: the robot has been idle
// long enough and the rate is below the idle ceiling.
func (f *yawFilter) shouldFreeze(raw float64, at, lastMotion time.Time) bool {
	idle := at.Sub(lastMotion).Seconds()
	if lastMotion.IsZero() {
		idle = math.Inf(1)
	}
	return idle >= f.cfg.FreezeIdleS && math.Abs(f.rate(raw, at)) < f.cfg.IdleMaxDps
}

// update feeds one sample and returns the heading and rate.
func (f *yawFilter) update(raw float64, at time.Time, freeze bool) (heading, rate float64) {
	rate = f.rate(raw, at)
	base := norm360(raw)

	switch {
	case !f.hasHeading:
		f.heading = base
	case freeze, math.Abs(rate) < f.cfg.DeadbandDps:
	default:
		alpha := f.cfg.SmoothAlpha
		if alpha <= 0 || alpha >= 1 {
			f.heading = base
		} else {
			// Step along the short arc so 359 -> 1 does not swing through 180.
			f.heading = norm360(f.heading + alpha*angleDiff(base, f.heading))
		}
	}

	f.hasHeading = true
	f.lastAt, f.lastRaw, f.hasRaw = at, raw, true
	return f.heading, rate
}

// miss records a sample with no yaw reading.
func (f *yawFilter) miss(at time.Time) {
	f.lastAt = at
}

// norm360 maps any angle into [0,360).
func norm360(deg float64) float64 {
	x := math.Mod(deg, 360)
	if x < 0 {
		x += 360
	}
	return x
}

// angleDiff returns a-b wrapped into [-180,180).
func angleDiff(a, b float64) float64 {
	return norm360(a-b+180) - 180
}

// Pose labels derived from roll and pitch.
const (
	PoseUpright = "upright"
	PoseLeaning = "leaning"
	PoseFallen  = "fallen?"
)

func poseLabel(roll, pitch float64) string {
	r, p := math.Abs(roll), math.Abs(pitch)
	switch {
	case r > 60 || p > 60:
		return PoseFallen
	case r < 20 && p < 20:
		return PoseUpright
	default:
		return PoseLeaning
	}
}
