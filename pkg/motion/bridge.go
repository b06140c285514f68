// Package motion implements the motion bridge: the single owner of the actuator
// that turns a contended stream of bus commands into bounded, auto-expiring
// motions and publishes telemetry and an audit trail of what it did.
package motion

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"math"
	"net/http"
	"sync"
	"time"

	"riderpi/pkg/actuator"
	"riderpi/pkg/bus"
	"riderpi/pkg/config"
	"riderpi/pkg/estop"
)

// Actuator is the hardware surface the bridge drives. *actuator.Device
// satisfies it.
type Actuator interface {
	Forward(speed float64, duration time.Duration) error
	Backward(speed float64, duration time.Duration) error
	StrafeLeft(speed float64, duration time.Duration) error
	StrafeRight(speed float64, duration time.Duration) error
	TurnLeft(step int) error
	TurnRight(step int) error
	Stop() error

	ReadBattery() (float64, bool)
	ReadAttitude() (actuator.Attitude, bool)
	ReadFirmware() (string, bool)

	Present() bool
	DryRun() bool
}

var _ Actuator = (*actuator.Device)(nil)

// Options wires a Bridge.
type Options struct {
	Config   config.BridgeConfig
	Bus      bus.Bus
	Actuator Actuator
	// EStop is optional; a nil gate never engages.
	EStop  *estop.Gate
	Logger *slog.Logger
	// Now overrides the clock used for staleness, debounce and timestamps.
	Now func() time.Time
}

// State is a point-in-time view of the bridge for the status server.
type State struct {
	Running      bool              `json:"running"`
	Present      bool              `json:"present"`
	DryRun       bool              `json:"dry_run"`
	EStop        bool              `json:"estop"`
	DeadmanArmed bool              `json:"deadman_armed"`
	LastCommand  *time.Time        `json:"last_command,omitempty"`
	LastMotion   *time.Time        `json:"last_motion,omitempty"`
	LastEvent    *Event            `json:"last_event,omitempty"`
	Telemetry    *Telemetry        `json:"telemetry,omitempty"`
	EventCounts  map[string]uint64 `json:"event_counts"`
}

// Bridge is the motion state machine. Everything below the mutex is owned by
// the Run goroutine.
type Bridge struct {
	cfg     config.BridgeConfig
	bus     bus.Bus
	act     Actuator
	estop   *estop.Gate
	log     *slog.Logger
	now     func() time.Time
	arbiter Arbiter
	metrics *bridgeMetrics
	ready   chan struct{}

	mu    sync.RWMutex
	state State

	lastCommand   time.Time
	lastMotion    time.Time
	deadman       *time.Timer
	deadmanFor    time.Duration
	yaw           *yawFilter
	firmware      string
	publishWarned bool

	// Hardware reads run off the loop so a silent board cannot hold up the
	// deadman. At most one read is in flight.
	samples  chan telemetrySample
	sampling bool
	sampler  sync.WaitGroup
}

// telemetrySample is one round of hardware reads.
type telemetrySample struct {
	at         time.Time
	battery    float64
	batteryOK  bool
	attitude   actuator.Attitude
	attitudeOK bool
	firmware   string
}

// New validates options and builds a Bridge. Call Run to start it.
func New(opts Options) (*Bridge, error) {
	if opts.Bus == nil {
		return nil, errors.New("motion bridge needs a bus")
	}
	if opts.Actuator == nil {
		return nil, errors.New("motion bridge needs an actuator")
	}
	if opts.Config.SafeMaxDuration <= 0 {
		return nil, errors.New("safe max duration must be positive")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.TelemetryTopic == "" {
		cfg.TelemetryTopic = bus.TopicTelemetry
	}

	return &Bridge{
		cfg:   cfg,
		bus:   opts.Bus,
		act:   opts.Actuator,
		estop: opts.EStop,
		log:   log.With("component", "bridge"),
		now:   now,
		arbiter: Arbiter{
			SafeMax:     seconds(cfg.SafeMaxDuration),
			TurnStepMin: cfg.TurnStepMin,
			TurnStepMax: cfg.TurnStepMax,
		},
		metrics: newBridgeMetrics(),
		ready:   make(chan struct{}),
		state:   State{EventCounts: map[string]uint64{}},
		yaw:     newYawFilter(cfg.Yaw),
		samples: make(chan telemetrySample, 1),
	}, nil
}

// Ready is closed once the bridge is subscribed and has announced itself.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// MetricsHandler serves the bridge's Prometheus registry.
func (b *Bridge) MetricsHandler() http.Handler {
	return b.metrics.handler()
}

// Snapshot returns a copy of the current state.
func (b *Bridge) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := b.state
	out.EventCounts = maps.Clone(b.state.EventCounts)
	if b.state.LastEvent != nil {
		ev := *b.state.LastEvent
		ev.Detail = maps.Clone(ev.Detail)
		out.LastEvent = &ev
	}
	if b.state.Telemetry != nil {
		t := *b.state.Telemetry
		out.Telemetry = &t
	}
	return out
}

// telemetryInterval converts rate_hz into a tick, keeping the rate within 0.1..20 Hz.
func (b *Bridge) telemetryInterval() time.Duration {
	hz := min(20, max(0.1, b.cfg.RateHz))
	return time.Duration(float64(time.Second) / hz)
}

// Run processes commands until ctx is cancelled. On exit the actuator is
// stopped and a shutdown event is published.
func (b *Bridge) Run(ctx context.Context) error {
	var (
		msgs    <-chan bus.Message
		subDone <-chan struct{}
	)
	sub, err := b.bus.Subscribe(ctx, bus.TopicMove, bus.TopicStop, bus.TopicLegacyMotion, bus.TopicMotionCmd)
	if err != nil {
		// Keep publishing telemetry; commands simply never arrive.
		b.log.Warn("Command subscription unavailable", "err", err, "category", bus.CategoryFromError(err))
	} else {
		defer sub.Close()
		msgs, subDone = sub.C(), sub.Done()
	}

	b.setState(func(s *State) {
		s.Running = true
		s.Present = b.act.Present()
		s.DryRun = b.act.DryRun()
		s.EStop = b.estop.Engaged()
	})
	b.metrics.estopEngaged.Set(boolGauge(b.estop.Engaged()))

	b.log.Info("Motion bridge started",
		"present", b.act.Present(),
		"dry_run", b.act.DryRun(),
		"safe_max", b.arbiter.SafeMax,
		"min_gap_s", b.cfg.MinCmdGap,
		"drop_old_ms", b.cfg.DropOldMs,
		"preempt", b.cfg.Preempt,
		"deadman_s", b.cfg.DeadmanS,
		"telemetry_every", b.telemetryInterval(),
	)
	b.emit(EventReady, map[string]any{
		"present": b.act.Present(),
		"dry_run": b.act.DryRun(),
	})
	close(b.ready)

	ticker := time.NewTicker(b.telemetryInterval())
	defer ticker.Stop()
	b.sampleTelemetry()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			b.sampler.Wait()
			return nil
		case <-ticker.C:
			b.sampleTelemetry()
		case sample := <-b.samples:
			b.sampling = false
			b.publishTelemetry(sample)
		case <-b.deadmanC():
			b.fireDeadman()
		case engaged := <-b.estop.Changes():
			b.onEStop(engaged)
		case <-subDone:
			if ctx.Err() == nil {
				b.log.Warn("Command subscription closed")
			}
			msgs, subDone = nil, nil
		case msg := <-msgs:
			b.handle(msg)
			b.drain(msgs, b.cfg.BatchSize-1)
		}
	}
}

// drain handles up to n queued messages without blocking, so a flood of
// commands cannot starve the telemetry tick.
func (b *Bridge) drain(msgs <-chan bus.Message, n int) {
	for range n {
		select {
		case msg := <-msgs:
			b.handle(msg)
		default:
			return
		}
	}
}

func (b *Bridge) handle(msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Command handling panicked", "topic", msg.Topic, "panic", r)
		}
	}()

	if !IsCommandTopic(msg.Topic) {
		b.log.Debug("Ignoring topic", "topic", msg.Topic)
		return
	}

	in, err := Normalize(msg, b.cfg.TurnStepMax)
	if err != nil {
		var rej *RejectError
		if !errors.As(err, &rej) {
			rej = &RejectError{Kind: KindMove, Reason: ReasonInvalid, Detail: err.Error()}
		}
		b.log.Debug("Rejected command", "topic", msg.Topic, "reason", rej.Reason, "detail", rej.Detail)
		b.skip(rej.Kind, rej.Reason, "", map[string]any{"error": rej.Detail})
		return
	}

	switch in.Kind {
	case KindStop:
		b.stop(in)
	default:
		b.move(in)
	}
}

// move runs a move intent through staleness, debounce, preemption, arbitration,
// actuation and deadman arming.
func (b *Bridge) move(in Intent) {
	now := b.now()

	if b.estop.Engaged() {
		b.skip(KindMove, ReasonEStop, in.RID, nil)
		return
	}

	if b.cfg.DropOldMs > 0 && in.TS > 0 {
		age := now.Sub(bus.FromEpochSeconds(in.TS))
		if age > seconds(b.cfg.DropOldMs/1000) {
			b.skip(KindMove, ReasonDropOld, in.RID, map[string]any{"age_ms": round3(float64(age) / float64(time.Millisecond))})
			return
		}
	}

	if !b.lastCommand.IsZero() {
		if gap := now.Sub(b.lastCommand); gap < seconds(b.cfg.MinCmdGap) {
			b.skip(KindMove, ReasonMinGap, in.RID, map[string]any{"gap_s": round3(gap.Seconds())})
			return
		}
	}
	b.lastCommand = now
	b.setState(func(s *State) { s.LastCommand = ptr(now) })

	if b.cfg.Preempt && b.deadman != nil {
		b.cancelDeadman()
		b.callActuator("stop", b.act.Stop)
	}

	action := b.arbiter.Decide(in)
	if action.Name == ActionIdle {
		b.emit(ActionIdle, withRID(in.RID, map[string]any{"vx": in.VX, "vy": in.VY, "yaw": in.Yaw}))
		return
	}

	detail := map[string]any{"runtime": round3(action.Duration.Seconds())}
	if action.Name == ActionTurnLeft || action.Name == ActionTurnRight {
		detail["step"] = action.Step
	} else {
		detail["v"] = round3(action.Speed)
	}
	if err := b.callActuator(action.Name, func() error { return b.actuate(action) }); err != nil {
		detail["error"] = err.Error()
	}
	b.emit(action.Name, withRID(in.RID, detail))

	b.armDeadman(b.deadmanInterval(action.Duration))
	b.lastMotion = now
	b.setState(func(s *State) { s.LastMotion = ptr(now) })
}

func (b *Bridge) actuate(a Action) error {
	switch a.Name {
	case ActionForward:
		return b.act.Forward(a.Speed, a.Duration)
	case ActionBackward:
		return b.act.Backward(a.Speed, a.Duration)
	case ActionLeft:
		return b.act.StrafeLeft(a.Speed, a.Duration)
	case ActionRight:
		return b.act.StrafeRight(a.Speed, a.Duration)
	case ActionTurnLeft:
		return b.act.TurnLeft(a.Step)
	case ActionTurnRight:
		return b.act.TurnRight(a.Step)
	default:
		return nil
	}
}

// stop cancels the deadman and halts the hardware. It bypasses every gate and is
// idempotent. The debounce clock is left alone.
func (b *Bridge) stop(in Intent) {
	now := b.now()
	b.cancelDeadman()
	b.callActuator("stop", b.act.Stop)

	var detail map[string]any
	if in.RID != "" {
		detail = map[string]any{"rid": in.RID}
	}
	b.emit(EventStop, detail)

	// Idle time counts from the stop.
	b.lastMotion = now
	b.setState(func(s *State) { s.LastMotion = ptr(now) })
}

func (b *Bridge) onEStop(engaged bool) {
	b.metrics.estopEngaged.Set(boolGauge(engaged))
	b.setState(func(s *State) { s.EStop = engaged })
	if engaged {
		b.cancelDeadman()
		b.callActuator("stop", b.act.Stop)
	}
	b.emit(EventEStop, map[string]any{"engaged": engaged, "flag": b.estop.Path()})
}

func (b *Bridge) shutdown() {
	b.cancelDeadman()
	b.callActuator("stop", b.act.Stop)
	b.setState(func(s *State) { s.Running = false })
	b.emit(EventShutdown, nil)
	b.log.Info("Motion bridge stopped")
}

// deadmanInterval is the fixed override when configured, otherwise the clamped
// command duration. Both stay within the safe maximum.
func (b *Bridge) deadmanInterval(d time.Duration) time.Duration {
	if b.cfg.DeadmanS > 0 {
		return b.arbiter.ClampDuration(b.cfg.DeadmanS)
	}
	return d
}

// armDeadman replaces any pending deadman with a new one.
func (b *Bridge) armDeadman(d time.Duration) {
	b.cancelDeadman()
	b.deadman = time.NewTimer(d)
	b.deadmanFor = d
	b.metrics.deadmanArmed.Set(1)
	b.setState(func(s *State) { s.DeadmanArmed = true })
}

func (b *Bridge) cancelDeadman() {
	if b.deadman == nil {
		return
	}
	b.deadman.Stop()
	b.deadman = nil
	b.metrics.deadmanArmed.Set(0)
	b.setState(func(s *State) { s.DeadmanArmed = false })
}

// deadmanC is nil when nothing is armed, which disables its select case.
func (b *Bridge) deadmanC() <-chan time.Time {
	if b.deadman == nil {
		return nil
	}
	return b.deadman.C
}

func (b *Bridge) fireDeadman() {
	after := b.deadmanFor
	b.deadman = nil
	b.metrics.deadmanArmed.Set(0)
	b.setState(func(s *State) { s.DeadmanArmed = false })

	b.callActuator("stop", b.act.Stop)
	b.emit(EventAutoStop, map[string]any{"after_s": round3(after.Seconds())})
}

// callActuator runs one hardware call. Failures and panics are logged and
// counted, never propagated past the bridge.
func (b *Bridge) callActuator(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &actuator.ActuationError{Op: op, Err: errors.New("panic in actuator call")}
			b.log.Error("Actuator panicked", "op", op, "panic", r)
		}
		if err != nil {
			b.metrics.actuationErrors.Inc()
		}
	}()

	if err := fn(); err != nil {
		b.log.Warn("Actuation failed", "op", op, "err", err)
		return err
	}
	return nil
}

func (b *Bridge) skip(kind Kind, reason, rid string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = reason
	b.metrics.skipped.WithLabelValues(reason).Inc()
	b.emit(SkipEventName(kind), withRID(rid, detail))
}

func (b *Bridge) emit(name string, detail map[string]any) {
	ev := newEvent(b.now(), name, detail)
	b.metrics.events.WithLabelValues(name).Inc()
	b.setState(func(s *State) {
		s.LastEvent = &ev
		s.EventCounts[name]++
	})
	b.log.Info("Bridge event", "event", name, "detail", ev.Detail)
	b.publish(bus.TopicBridgeEvent, ev)
}

func (b *Bridge) publish(topic string, payload any) {
	if err := b.bus.Publish(topic, payload); err != nil {
		// One warning per outage keeps the log readable while the broker is away.
		if !b.publishWarned {
			b.log.Warn("Publish failed", "topic", topic, "err", err, "category", bus.CategoryFromError(err))
			b.publishWarned = true
		} else {
			b.log.Debug("Publish failed", "topic", topic, "err", err)
		}
		return
	}
	b.publishWarned = false
}

// sampleTelemetry starts a hardware read unless one is still running. A tick
// that finds the previous read unfinished is skipped.
func (b *Bridge) sampleTelemetry() {
	if b.sampling {
		b.metrics.telemetrySkipped.Inc()
		b.log.Debug("Telemetry read still in flight, skipping tick")
		return
	}
	b.sampling = true

	at := b.now()
	needFirmware := b.firmware == ""
	b.sampler.Add(1)
	go func() {
		defer b.sampler.Done()
		sample := telemetrySample{at: at}
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("Telemetry read panicked", "panic", r)
			}
			b.samples <- sample
		}()

		sample.battery, sample.batteryOK = b.act.ReadBattery()
		if needFirmware {
			if fw, ok := b.act.ReadFirmware(); ok {
				sample.firmware = fw
			}
		}
		sample.attitude, sample.attitudeOK = b.act.ReadAttitude()
	}()
}

func (b *Bridge) publishTelemetry(sample telemetrySample) {
	t := b.buildTelemetry(sample)
	b.metrics.telemetry.Inc()
	b.setState(func(s *State) {
		s.Telemetry = &t
		s.Present = t.Present
		s.DryRun = t.DryRun
	})
	b.publish(b.cfg.TelemetryTopic, t)
}

// buildTelemetry turns raw reads into a telemetry record. It runs on the loop,
// which owns the yaw filter and the firmware cache.
func (b *Bridge) buildTelemetry(sample telemetrySample) Telemetry {
	at := sample.at
	t := Telemetry{
		Present: b.act.Present(),
		DryRun:  b.act.DryRun(),
		YawSrc:  yawSourceGyro,
		TS:      bus.EpochSeconds(at),
	}

	if sample.batteryOK {
		t.BatteryPct = ptr(sample.battery)
	}
	if b.firmware == "" && sample.firmware != "" {
		b.firmware = sample.firmware
	}
	if b.firmware != "" {
		t.Firmware = ptr(b.firmware)
	}

	if !sample.attitudeOK {
		b.yaw.miss(at)
		return t
	}
	att := sample.attitude
	t.IMUOK = true
	t.Roll, t.Pitch, t.YawRaw = ptr(att.Roll), ptr(att.Pitch), ptr(att.Yaw)
	t.Pose = ptr(poseLabel(att.Roll, att.Pitch))

	freeze := b.yaw.shouldFreeze(att.Yaw, at, b.lastMotion)
	heading, rate := b.yaw.update(att.Yaw, at, freeze)
	t.Yaw = ptr(round3(heading))
	t.YawRateDps = ptr(round3(rate))
	return t
}

func (b *Bridge) setState(fn func(*State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
}

func withRID(rid string, detail map[string]any) map[string]any {
	if rid != "" {
		detail["rid"] = rid
	}
	return detail
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
