package actuator

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"riderpi/pkg/config"
)

// XGO board registers.
const (
	regBattery  byte = 0x01
	regFirmware byte = 0x07
	regVX       byte = 0x30
	regVY       byte = 0x31
	regVYaw     byte = 0x32
	regRoll     byte = 0x62
	regPitch    byte = 0x63
	regYaw      byte = 0x64
	regIMU      byte = 0x65
	regRollI16  byte = 0x66
	regPitchI16 byte = 0x67
	regYawI16   byte = 0x68
)

var errNoResponse = errors.New("no response from board")

// Port is the part of a serial port the driver uses.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// velocityLimits are the per-family full-scale values of the velocity registers.
type velocityLimits struct {
	family string
	vx     float64
	vy     float64
	vyaw   float64
}

var (
	miniLimits  = velocityLimits{family: "mini", vx: 25, vy: 18, vyaw: 100}
	riderLimits = velocityLimits{family: "rider", vx: 1.5, vy: 0, vyaw: 360}
)

// limitsForFirmware picks the velocity scale from the firmware version string.
// Rider boards report versions starting with "R"; everything else is treated as
// the mini/lite family.
func limitsForFirmware(version string) velocityLimits {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(version)), "R") {
		return riderLimits
	}
	return miniLimits
}

// XGO drives the XGO motion board over its serial protocol.
type XGO struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
	limits  velocityLimits
	parser  frameParser
}

// OpenXGO opens the serial device and performs the firmware handshake.
func OpenXGO(cfg config.XGOConfig) (*XGO, error) {
	baud := cfg.Baud
	if baud <= 0 {
		baud = 115200
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("configure %s: %w", cfg.Port, err)
	}

	x, err := NewXGO(port, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return x, nil
}

// NewXGO wraps an already-open port and reads the firmware version to select the
// velocity scale. A board that does not answer is a handshake failure.
func NewXGO(port Port, timeout time.Duration) (*XGO, error) {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	x := &XGO{port: port, timeout: timeout, limits: miniLimits}

	version, err := x.readFirmware()
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	x.limits = limitsForFirmware(version)
	return x, nil
}

// Family reports the detected board family.
func (x *XGO) Family() string {
	return x.limits.family
}

func (x *XGO) write(addr byte, payload ...byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, err := x.port.Write(encodeFrame(modeWrite, addr, payload)); err != nil {
		return fmt.Errorf("write 0x%02x: %w", addr, err)
	}
	return nil
}

// read requests n bytes from addr and waits for the matching response frame.
func (x *XGO) read(addr byte, n int) ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("reset input: %w", err)
	}
	if _, err := x.port.Write(encodeFrame(modeRead, addr, []byte{byte(n)})); err != nil {
		return nil, fmt.Errorf("request 0x%02x: %w", addr, err)
	}

	x.parser.reset()
	buf := make([]byte, 64)
	deadline := time.Now().Add(x.timeout)
	for time.Now().Before(deadline) {
		count, err := x.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read 0x%02x: %w", addr, err)
		}
		for _, b := range buf[:count] {
			resp, ok := x.parser.feed(b)
			if !ok {
				continue
			}
			if resp.addr != addr {
				return nil, fmt.Errorf("read 0x%02x: response for 0x%02x", addr, resp.addr)
			}
			if len(resp.payload) < n {
				return nil, fmt.Errorf("read 0x%02x: short payload %d < %d", addr, len(resp.payload), n)
			}
			return resp.payload[:n], nil
		}
	}
	return nil, fmt.Errorf("read 0x%02x: %w", addr, errNoResponse)
}

func (x *XGO) readFirmware() (string, error) {
	payload, err := x.read(regFirmware, 10)
	if err != nil {
		return "", err
	}
	version := strings.Trim(strings.ToValidUTF8(string(payload), ""), "\x00 ")
	if version == "" {
		return "", fmt.Errorf("empty firmware version")
	}
	return version, nil
}

func (x *XGO) readBattery() (float64, error) {
	payload, err := x.read(regBattery, 1)
	if err != nil {
		return 0, err
	}
	return float64(payload[0]), nil
}

func (x *XGO) readFloatEuler() (Attitude, error) {
	var values [3]float64
	for i, reg := range []byte{regRoll, regPitch, regYaw} {
		payload, err := x.read(reg, 4)
		if err != nil {
			return Attitude{}, err
		}
		values[i] = roundTo(float32LE(payload), 2)
	}
	return Attitude{Roll: values[0], Pitch: values[1], Yaw: values[2]}, nil
}

func (x *XGO) readInt16Euler() (Attitude, error) {
	var values [3]float64
	for i, reg := range []byte{regRollI16, regPitchI16, regYawI16} {
		payload, err := x.read(reg, 2)
		if err != nil {
			return Attitude{}, err
		}
		values[i] = float64(int16BE(payload))
	}
	return Attitude{Roll: values[0], Pitch: values[1], Yaw: values[2]}, nil
}

// readIMUPacket reads the 24-byte IMU block: six little-endian int16 raw
// accel/gyro values followed by big-endian float32 roll/pitch/yaw in radians.
func (x *XGO) readIMUPacket() (Attitude, error) {
	payload, err := x.read(regIMU, 24)
	if err != nil {
		return Attitude{}, err
	}
	toDeg := 180 / math.Pi
	return Attitude{
		Roll:  roundTo(float32BE(payload[12:16])*toDeg, 2),
		Pitch: roundTo(float32BE(payload[16:20])*toDeg, 2),
		Yaw:   roundTo(float32BE(payload[20:24])*toDeg, 2),
	}, nil
}

func (x *XGO) BatteryBindings() []Binding[float64] {
	return []Binding[float64]{{Name: "battery_register", Read: x.readBattery}}
}

func (x *XGO) AttitudeBindings() []Binding[Attitude] {
	return []Binding[Attitude]{
		{Name: "euler_float", Read: x.readFloatEuler},
		{Name: "euler_int16", Read: x.readInt16Euler},
		{Name: "imu_packet", Read: x.readIMUPacket},
	}
}

func (x *XGO) FirmwareBindings() []Binding[string] {
	return []Binding[string]{{Name: "firmware_register", Read: x.readFirmware}}
}

func (x *XGO) Forward(speed float64) error {
	return x.write(regVX, velocityByte(clamp01(speed)*x.limits.vx, x.limits.vx))
}

func (x *XGO) Backward(speed float64) error {
	return x.write(regVX, velocityByte(-clamp01(speed)*x.limits.vx, x.limits.vx))
}

func (x *XGO) StrafeLeft(speed float64) error {
	if x.limits.vy <= 0 {
		return ErrUnsupported
	}
	return x.write(regVY, velocityByte(clamp01(speed)*x.limits.vy, x.limits.vy))
}

func (x *XGO) StrafeRight(speed float64) error {
	if x.limits.vy <= 0 {
		return ErrUnsupported
	}
	return x.write(regVY, velocityByte(-clamp01(speed)*x.limits.vy, x.limits.vy))
}

func (x *XGO) TurnLeft(step int) error {
	return x.write(regVYaw, velocityByte(float64(step), x.limits.vyaw))
}

func (x *XGO) TurnRight(step int) error {
	return x.write(regVYaw, velocityByte(-float64(step), x.limits.vyaw))
}

// Stop zeroes every velocity register. All three writes are attempted.
func (x *XGO) Stop() error {
	var errs []error
	for _, reg := range []byte{regVX, regVY, regVYaw} {
		if err := x.write(reg, 128); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (x *XGO) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.port.Close()
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, math.Abs(v)))
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

var _ Driver = (*XGO)(nil)
