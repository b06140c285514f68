// Package actuator presents the robot's motion hardware as a small capability
// surface. A Device always exists: without hardware it runs in dry-run mode and
// every motion call succeeds without effect.
package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"riderpi/pkg/config"
)

// Opener connects to a driver. It is called once by Open.
type Opener func(ctx context.Context) (Driver, error)

// Options configures a Device.
type Options struct {
	// ActuationEnabled allows motion calls to reach the hardware. Reads work
	// either way.
	ActuationEnabled bool
	Logger           *slog.Logger
}

// Device wraps an optional Driver with cached capability bindings.
type Device struct {
	log    *slog.Logger
	driver Driver

	enabled atomic.Bool

	battery  *Binding[float64]
	attitude *Binding[Attitude]
	firmware *Binding[string]

	closeOnce sync.Once
}

// Open connects to the XGO board on cfg.Port. It never fails: any error yields a
// dry-run device.
func Open(ctx context.Context, cfg config.XGOConfig, opts Options) *Device {
	return OpenWith(ctx, func(context.Context) (Driver, error) {
		return OpenXGO(cfg)
	}, opts)
}

// OpenWith is Open with a custom driver opener.
func OpenWith(ctx context.Context, opener Opener, opts Options) *Device {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "actuator")

	if ctx == nil {
		ctx = context.Background()
	}

	driver, err := safeOpen(ctx, opener)
	if err != nil {
		log.Warn("Actuator unavailable, running dry", "err", err)
		d := &Device{log: log}
		d.enabled.Store(opts.ActuationEnabled)
		return d
	}

	d := &Device{log: log, driver: driver}
	d.enabled.Store(opts.ActuationEnabled)
	d.battery, _ = probe(log, "battery", driver.BatteryBindings())
	d.attitude, _ = probe(log, "attitude", driver.AttitudeBindings())
	d.firmware, _ = probe(log, "firmware", driver.FirmwareBindings())

	log.Info("Actuator ready", "actuation_enabled", opts.ActuationEnabled, "capabilities", d.Capabilities())
	return d
}

// NewDryRun returns a device without hardware.
func NewDryRun(log *slog.Logger) *Device {
	return OpenWith(context.Background(), func(context.Context) (Driver, error) {
		return nil, ErrHardwareUnavailable
	}, Options{Logger: log})
}

func safeOpen(ctx context.Context, opener Opener) (driver Driver, err error) {
	if opener == nil {
		return nil, ErrHardwareUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			driver, err = nil, &ActuationError{Op: "open", Err: panicError(r)}
		}
	}()
	driver, err = opener(ctx)
	if err == nil && driver == nil {
		err = ErrHardwareUnavailable
	}
	return driver, err
}

// Present reports whether hardware is bound.
func (d *Device) Present() bool {
	return d.driver != nil
}

// DryRun reports whether motion calls are no-ops, either because no hardware is
// bound or because actuation is disabled.
func (d *Device) DryRun() bool {
	return d.driver == nil || !d.enabled.Load()
}

// SetActuationEnabled gates motion calls at runtime.
func (d *Device) SetActuationEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

// Capabilities reports which bindings were selected at open time.
func (d *Device) Capabilities() Capabilities {
	return Capabilities{
		Battery:  bindingName(d.battery),
		Attitude: bindingName(d.attitude),
		Firmware: bindingName(d.firmware),
	}
}

func (d *Device) Forward(speed float64, duration time.Duration) error {
	return d.actuate("forward", duration, func(m Motion) error { return m.Forward(speed) })
}

func (d *Device) Backward(speed float64, duration time.Duration) error {
	return d.actuate("backward", duration, func(m Motion) error { return m.Backward(speed) })
}

func (d *Device) StrafeLeft(speed float64, duration time.Duration) error {
	return d.actuate("strafe_left", duration, func(m Motion) error { return m.StrafeLeft(speed) })
}

func (d *Device) StrafeRight(speed float64, duration time.Duration) error {
	return d.actuate("strafe_right", duration, func(m Motion) error { return m.StrafeRight(speed) })
}

func (d *Device) TurnLeft(step int) error {
	return d.actuate("turn_left", 0, func(m Motion) error { return m.TurnLeft(step) })
}

func (d *Device) TurnRight(step int) error {
	return d.actuate("turn_right", 0, func(m Motion) error { return m.TurnRight(step) })
}

// Stop halts the hardware. Read-only devices leave the board alone entirely, so
// Stop is gated like every other motion.
func (d *Device) Stop() error {
	return d.actuate("stop", 0, func(m Motion) error { return m.Stop() })
}

// actuate runs a motion call unless the device is dry. Durations are not slept
// here; the caller's deadman ends the motion.
func (d *Device) actuate(op string, duration time.Duration, fn func(Motion) error) error {
	if d.DryRun() {
		d.log.Debug("Dry-run actuation", "op", op, "duration", duration)
		return nil
	}
	return d.call(op, fn)
}

func (d *Device) call(op string, fn func(Motion) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActuationError{Op: op, Err: panicError(r)}
		}
		if err != nil {
			d.log.Warn("Actuation failed", "op", op, "err", err)
		}
	}()

	if callErr := fn(d.driver); callErr != nil {
		return &ActuationError{Op: op, Err: callErr}
	}
	return nil
}

// ReadBattery returns the battery percentage when a battery binding answers.
func (d *Device) ReadBattery() (float64, bool) {
	return readBound(d, "battery", d.battery)
}

// ReadAttitude returns roll/pitch/yaw in degrees when an attitude binding answers.
func (d *Device) ReadAttitude() (Attitude, bool) {
	return readBound(d, "attitude", d.attitude)
}

// ReadFirmware returns the board firmware version.
func (d *Device) ReadFirmware() (string, bool) {
	return readBound(d, "firmware", d.firmware)
}

func readBound[T any](d *Device, capability string, b *Binding[T]) (T, bool) {
	var zero T
	if b == nil {
		return zero, false
	}
	value, err := safeRead(*b)
	if err != nil {
		d.log.Debug("Read failed", "capability", capability, "binding", b.Name, "err", err)
		return zero, false
	}
	return value, true
}

// Close releases the driver.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.driver != nil {
			err = d.driver.Close()
		}
	})
	return err
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
