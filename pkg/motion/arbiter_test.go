package motion

import (
	"math"
	"testing"
	"time"
)

var testArbiter = Arbiter{SafeMax: 600 * time.Millisecond, TurnStepMin: 20, TurnStepMax: 70}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   Intent
		want Action
	}{
		{name: "turn dominates", in: Intent{VX: 0.2, Yaw: 0.6}, want: Action{Name: ActionTurnRight, Step: 50, Duration: 600 * time.Millisecond}},
		{name: "forward dominates", in: Intent{VX: 0.6, Yaw: 0.2}, want: Action{Name: ActionForward, Speed: 0.6, Duration: 600 * time.Millisecond}},
		{name: "negative yaw turns left", in: Intent{Yaw: -1, Duration: 0.2}, want: Action{Name: ActionTurnLeft, Step: 70, Duration: 200 * time.Millisecond}},
		{name: "yaw wins ties", in: Intent{VX: 0.5, VY: 0.5, Yaw: -0.5}, want: Action{Name: ActionTurnLeft, Step: 45, Duration: 600 * time.Millisecond}},
		{name: "vx beats vy on tie", in: Intent{VX: -0.5, VY: 0.5}, want: Action{Name: ActionBackward, Speed: 0.5, Duration: 600 * time.Millisecond}},
		{name: "strafe right", in: Intent{VY: 0.3}, want: Action{Name: ActionRight, Speed: 0.3, Duration: 600 * time.Millisecond}},
		{name: "strafe left", in: Intent{VY: -0.3}, want: Action{Name: ActionLeft, Speed: 0.3, Duration: 600 * time.Millisecond}},
		{name: "speed saturates", in: Intent{VX: 3}, want: Action{Name: ActionForward, Speed: 1, Duration: 600 * time.Millisecond}},
		{name: "below epsilon is idle", in: Intent{VX: 0.00005, Yaw: -0.00001}, want: Action{Name: ActionIdle, Duration: 600 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testArbiter.Decide(tt.in); got != tt.want {
				t.Fatalf("Decide(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampDuration(t *testing.T) {
	tests := []struct {
		seconds float64
		want    time.Duration
	}{
		{seconds: 0, want: 600 * time.Millisecond},
		{seconds: -1, want: 600 * time.Millisecond},
		{seconds: math.NaN(), want: 600 * time.Millisecond},
		{seconds: 0.01, want: 50 * time.Millisecond},
		{seconds: 0.3, want: 300 * time.Millisecond},
		{seconds: 5, want: 600 * time.Millisecond},
		{seconds: 1e12, want: 600 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := testArbiter.ClampDuration(tt.seconds); got != tt.want {
			t.Fatalf("ClampDuration(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}

	tiny := Arbiter{SafeMax: 20 * time.Millisecond}
	if got := tiny.ClampDuration(0.01); got != 20*time.Millisecond {
		t.Fatalf("safe max below floor: got %v", got)
	}
}

func TestTurnStep(t *testing.T) {
	tests := []struct {
		yaw  float64
		want int
	}{
		{yaw: 0, want: 20},
		{yaw: 0.5, want: 45},
		{yaw: 1, want: 70},
		{yaw: 2, want: 70},
		{yaw: 0.18, want: 29},
	}
	for _, tt := range tests {
		if got := testArbiter.TurnStep(tt.yaw); got != tt.want {
			t.Fatalf("TurnStep(%v) = %d, want %d", tt.yaw, got, tt.want)
		}
	}
}
