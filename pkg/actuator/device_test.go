package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"riderpi/pkg/logger"
)

type fakeDriver struct {
	mu    sync.Mutex
	calls []string

	panicOn  string
	failOn   string
	floatHit int
	closed   bool
}

func (f *fakeDriver) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if op == f.panicOn {
		panic("servo bus wedged")
	}
	if op == f.failOn {
		return errors.New("write timeout")
	}
	return nil
}

func (f *fakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDriver) Forward(float64) error     { return f.record("forward") }
func (f *fakeDriver) Backward(float64) error    { return f.record("backward") }
func (f *fakeDriver) StrafeLeft(float64) error  { return f.record("strafe_left") }
func (f *fakeDriver) StrafeRight(float64) error { return f.record("strafe_right") }
func (f *fakeDriver) TurnLeft(int) error        { return f.record("turn_left") }
func (f *fakeDriver) TurnRight(int) error       { return f.record("turn_right") }
func (f *fakeDriver) Stop() error               { return f.record("stop") }

func (f *fakeDriver) BatteryBindings() []Binding[float64] {
	return []Binding[float64]{{Name: "battery_register", Read: func() (float64, error) { return 76, nil }}}
}

func (f *fakeDriver) AttitudeBindings() []Binding[Attitude] {
	return []Binding[Attitude]{
		{Name: "euler_float", Read: func() (Attitude, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.floatHit++
			return Attitude{}, errors.New("register absent")
		}},
		{Name: "euler_int16", Read: func() (Attitude, error) {
			return Attitude{Roll: 1, Pitch: 2, Yaw: 90}, nil
		}},
	}
}

func (f *fakeDriver) FirmwareBindings() []Binding[string] {
	return []Binding[string]{{Name: "firmware_register", Read: func() (string, error) {
		panic("firmware read exploded")
	}}}
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func openFake(t *testing.T, drv *fakeDriver, enabled bool) *Device {
	t.Helper()
	d := OpenWith(context.Background(), func(context.Context) (Driver, error) {
		return drv, nil
	}, Options{ActuationEnabled: enabled, Logger: logger.Discard()})
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenFailureFallsBackToDryRun(t *testing.T) {
	d := OpenWith(context.Background(), func(context.Context) (Driver, error) {
		return nil, errors.New("no such device /dev/ttyAMA0")
	}, Options{ActuationEnabled: true, Logger: logger.Discard()})

	require.False(t, d.Present())
	require.True(t, d.DryRun())
	require.NoError(t, d.Forward(0.5, 0))
	require.NoError(t, d.Stop())

	_, ok := d.ReadAttitude()
	require.False(t, ok)
	require.Equal(t, Capabilities{}, d.Capabilities())
}

func TestOpenPanicFallsBackToDryRun(t *testing.T) {
	d := OpenWith(context.Background(), func(context.Context) (Driver, error) {
		panic("serial init")
	}, Options{ActuationEnabled: true, Logger: logger.Discard()})
	require.True(t, d.DryRun())
}

func TestNewDryRun(t *testing.T) {
	d := NewDryRun(logger.Discard())
	require.True(t, d.DryRun())
	require.NoError(t, d.TurnLeft(30))
}

func TestActuationGate(t *testing.T) {
	drv := &fakeDriver{}
	d := openFake(t, drv, false)

	require.True(t, d.Present())
	require.True(t, d.DryRun())
	require.NoError(t, d.Forward(0.3, 0))
	require.NoError(t, d.Stop())
	require.Empty(t, drv.Calls())

	d.SetActuationEnabled(true)
	require.False(t, d.DryRun())
	require.NoError(t, d.Forward(0.3, 0))
	require.NoError(t, d.TurnRight(40))
	require.NoError(t, d.Stop())
	require.Equal(t, []string{"forward", "turn_right", "stop"}, drv.Calls())
}

func TestActuationErrorsAreTyped(t *testing.T) {
	drv := &fakeDriver{failOn: "backward", panicOn: "strafe_left"}
	d := openFake(t, drv, true)

	err := d.Backward(0.5, 0)
	var actErr *ActuationError
	require.ErrorAs(t, err, &actErr)
	require.Equal(t, "backward", actErr.Op)

	err = d.StrafeLeft(0.5, 0)
	require.ErrorAs(t, err, &actErr)
	require.Equal(t, "strafe_left", actErr.Op)
	require.Contains(t, err.Error(), "servo bus wedged")

	// The device keeps working after a panic.
	require.NoError(t, d.Forward(0.1, 0))
}

func TestProbeCachesWorkingBinding(t *testing.T) {
	drv := &fakeDriver{}
	d := openFake(t, drv, true)

	caps := d.Capabilities()
	require.Equal(t, "battery_register", caps.Battery)
	require.Equal(t, "euler_int16", caps.Attitude)
	require.Empty(t, caps.Firmware)

	for range 3 {
		att, ok := d.ReadAttitude()
		require.True(t, ok)
		require.Equal(t, Attitude{Roll: 1, Pitch: 2, Yaw: 90}, att)
	}

	drv.mu.Lock()
	hits := drv.floatHit
	drv.mu.Unlock()
	require.Equal(t, 1, hits, "failed binding must only be probed once")

	pct, ok := d.ReadBattery()
	require.True(t, ok)
	require.Equal(t, 76.0, pct)

	_, ok = d.ReadFirmware()
	require.False(t, ok)
}

func TestCloseReleasesDriverOnce(t *testing.T) {
	drv := &fakeDriver{}
	d := OpenWith(context.Background(), func(context.Context) (Driver, error) {
		return drv, nil
	}, Options{Logger: logger.Discard()})

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.True(t, drv.closed)
}
