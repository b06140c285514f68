package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "RIDERPI_CONFIG"

// Config is the root runtime configuration shared by every riderpi process.
type Config struct {
	Bus     BusConfig     `json:"bus" yaml:"bus"`
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
	Bridge  BridgeConfig  `json:"bridge" yaml:"bridge"`
	XGO     XGOConfig     `json:"xgo" yaml:"xgo"`
	Status  StatusConfig  `json:"status" yaml:"status"`
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
	// Robot names this unit in log lines when several robots ship logs to one
	// place. Empty means the hostname.
	Robot string `json:"robot,omitempty" yaml:"robot,omitempty"`
}

// BusConfig selects the bus transport and the endpoints clients connect to.
type BusConfig struct {
	Transport string `json:"transport" yaml:"transport" env:"BUS_TRANSPORT"`
	PubAddr   string `json:"pub_addr" yaml:"pub_addr" env:"BUS_PUB_ADDR"`
	SubAddr   string `json:"sub_addr" yaml:"sub_addr" env:"BUS_SUB_ADDR"`
	NATSURL   string `json:"nats_url" yaml:"nats_url" env:"NATS_URL"`
	// QueueSize bounds both the outgoing publish queue and each subscription queue.
	QueueSize int `json:"queue_size" yaml:"queue_size" env:"BUS_QUEUE_SIZE"`
}

// BrokerConfig configures the bind addresses of the relay.
type BrokerConfig struct {
	IngressAddr      string `json:"ingress_addr" yaml:"ingress_addr" env:"BROKER_FRONTEND_ADDR"`
	EgressAddr       string `json:"egress_addr" yaml:"egress_addr" env:"BROKER_BACKEND_ADDR"`
	MetricsAddr      string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty" env:"BROKER_METRICS_ADDR"`
	SubscriberBuffer int    `json:"subscriber_buffer" yaml:"subscriber_buffer" env:"BROKER_SUBSCRIBER_BUFFER"`
}

// BridgeConfig holds the arbitration, deadman and telemetry settings of the motion bridge.
// Durations are expressed in seconds to stay compatible with existing deployments.
type BridgeConfig struct {
	DryRun          bool    `json:"dry_run" yaml:"dry_run" env:"DRY_RUN"`
	ReadOnly        bool    `json:"read_only" yaml:"read_only" env:"BRIDGE_READONLY"`
	RateHz          float64 `json:"rate_hz" yaml:"rate_hz" env:"BRIDGE_RATE_HZ"`
	SafeMaxDuration float64 `json:"safe_max_duration" yaml:"safe_max_duration" env:"SAFE_MAX_DURATION"`
	MinCmdGap       float64 `json:"min_cmd_gap" yaml:"min_cmd_gap" env:"MIN_CMD_GAP"`
	DropOldMs       float64 `json:"drop_old_ms" yaml:"drop_old_ms" env:"DROP_OLD_MS"`
	Preempt         bool    `json:"preempt" yaml:"preempt" env:"BRIDGE_PREEMPT"`
	DeadmanS        float64 `json:"deadman_s" yaml:"deadman_s" env:"DEADMAN_S"`
	BatchSize       int     `json:"batch_size" yaml:"batch_size" env:"BRIDGE_BATCH"`
	TurnStepMin     int     `json:"turn_step_min" yaml:"turn_step_min" env:"TURN_STEP_MIN"`
	TurnStepMax     int     `json:"turn_step_max" yaml:"turn_step_max" env:"TURN_STEP_MAX"`
	TelemetryTopic  string  `json:"telemetry_topic" yaml:"telemetry_topic" env:"BRIDGE_TELEMETRY_TOPIC"`
	EStopFlag       string  `json:"estop_flag,omitempty" yaml:"estop_flag,omitempty" env:"ESTOP_FLAG"`

	Yaw YawConfig `json:"yaw" yaml:"yaw"`
}

// YawConfig tunes the heading filter applied to IMU yaw readings.
type YawConfig struct {
	DeadbandDps float64 `json:"deadband_dps" yaml:"deadband_dps" env:"YAW_DEADBAND_DPS"`
	SmoothAlpha float64 `json:"smooth_alpha" yaml:"smooth_alpha" env:"YAW_SMOOTH_ALPHA"`
	FreezeIdleS float64 `json:"freeze_idle_s" yaml:"freeze_idle_s" env:"YAW_FREEZE_WHEN_IDLE_S"`
	IdleMaxDps  float64 `json:"idle_max_dps" yaml:"idle_max_dps" env:"YAW_IDLE_MAX_DPS"`
}

// XGOConfig configures the serial link to the XGO motion board.
type XGOConfig struct {
	Port      string `json:"port" yaml:"port" env:"XGO_PORT"`
	Baud      int    `json:"baud" yaml:"baud" env:"XGO_BAUD"`
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms" env:"XGO_TIMEOUT_MS"`
}

// StatusConfig configures the bridge's HTTP status server bind settings.
type StatusConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"STATUS_ENABLED"`
	Host    string `json:"host" yaml:"host" env:"STATUS_HOST"`
	Port    int    `json:"port" yaml:"port" env:"STATUS_PORT"`
}

// Default returns the configuration used when no file and no environment overrides exist.
// Moves are disabled unless dry_run is explicitly turned off.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Transport: "broker",
			PubAddr:   "127.0.0.1:5555",
			SubAddr:   "127.0.0.1:5556",
			NATSURL:   "nats://127.0.0.1:4222",
			QueueSize: 256,
		},
		Broker: BrokerConfig{
			IngressAddr:      ":5555",
			EgressAddr:       ":5556",
			SubscriberBuffer: 256,
		},
		Bridge: BridgeConfig{
			DryRun:          true,
			RateHz:          2,
			SafeMaxDuration: 0.6,
			MinCmdGap:       0.10,
			DropOldMs:       200,
			Preempt:         true,
			BatchSize:       32,
			TurnStepMin:     20,
			TurnStepMax:     70,
			TelemetryTopic:  "devices.xgo",
			Yaw: YawConfig{
				DeadbandDps: 0.8,
				SmoothAlpha: 0.2,
				FreezeIdleS: 2.0,
				IdleMaxDps:  8.0,
			},
		},
		XGO: XGOConfig{
			Port:      "/dev/ttyAMA0",
			Baud:      115200,
			TimeoutMs: 100,
		},
		Status: StatusConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8081,
		},
	}
}

// LoadConfig resolves the optional config file, applies environment overrides and validates the result.
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := loadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}

	return nil
}

// applyEnvOverrides layers environment variables on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	return nil
}

// Validate rejects settings the bridge cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	b := c.Bridge
	if !finitePositive(b.SafeMaxDuration) {
		errs = append(errs, fmt.Errorf("bridge.safe_max_duration must be > 0, got %v", b.SafeMaxDuration))
	}
	if !finiteNonNegative(b.MinCmdGap) {
		errs = append(errs, fmt.Errorf("bridge.min_cmd_gap must be >= 0, got %v", b.MinCmdGap))
	}
	if !finiteNonNegative(b.DropOldMs) {
		errs = append(errs, fmt.Errorf("bridge.drop_old_ms must be >= 0, got %v", b.DropOldMs))
	}
	if !finiteNonNegative(b.DeadmanS) {
		errs = append(errs, fmt.Errorf("bridge.deadman_s must be >= 0, got %v", b.DeadmanS))
	}
	if !finitePositive(b.RateHz) {
		errs = append(errs, fmt.Errorf("bridge.rate_hz must be > 0, got %v", b.RateHz))
	}
	if b.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("bridge.batch_size must be > 0, got %d", b.BatchSize))
	}
	if b.TurnStepMin < 0 || b.TurnStepMax < b.TurnStepMin {
		errs = append(errs, fmt.Errorf("bridge.turn_step range invalid: %d..%d", b.TurnStepMin, b.TurnStepMax))
	}
	if b.Yaw.SmoothAlpha < 0 || b.Yaw.SmoothAlpha > 1 {
		errs = append(errs, fmt.Errorf("bridge.yaw.smooth_alpha must be within [0,1], got %v", b.Yaw.SmoothAlpha))
	}

	switch strings.ToLower(strings.TrimSpace(c.Bus.Transport)) {
	case "broker", "nats", "local":
	default:
		errs = append(errs, fmt.Errorf("unsupported bus.transport %q", c.Bus.Transport))
	}

	return errors.Join(errs...)
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// findConfigPath resolves the active config file location.
//
// Precedence is RIDERPI_CONFIG first, then cwd-local fallback paths. No file is not an error.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "riderpi.json"),
		filepath.Join(cwd, "riderpi.yaml"),
		filepath.Join(cwd, "config", "riderpi.json"),
		filepath.Join(cwd, "config", "riderpi.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
