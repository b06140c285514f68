package actuator

import (
	"errors"
	"fmt"
)

// ErrHardwareUnavailable is reported when a call needs hardware the handle does not have.
var ErrHardwareUnavailable = errors.New("actuator hardware unavailable")

// ErrUnsupported is returned by drivers for motions their hardware cannot perform.
var ErrUnsupported = errors.New("motion not supported by this hardware")

// ActuationError is the typed failure of a single actuator call.
type ActuationError struct {
	Op  string
	Err error
}

func (e *ActuationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("actuator %s: %v", e.Op, e.Err)
}

func (e *ActuationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Attitude is the body orientation in degrees.
type Attitude struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Binding is one way of reading a value from the hardware. Drivers list several
// per capability, best first; firmware revisions differ in which ones answer.
type Binding[T any] struct {
	Name string
	Read func() (T, error)
}

// Motion is the set of movements a driver performs. Speeds are fractions of the
// hardware limit in [0,1]; steps are vendor turn units.
type Motion interface {
	Forward(speed float64) error
	Backward(speed float64) error
	StrafeLeft(speed float64) error
	StrafeRight(speed float64) error
	TurnLeft(step int) error
	TurnRight(step int) error
	Stop() error
}

// Driver is a concrete motion board binding.
type Driver interface {
	Motion

	BatteryBindings() []Binding[float64]
	AttitudeBindings() []Binding[Attitude]
	FirmwareBindings() []Binding[string]

	Close() error
}
