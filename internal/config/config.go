package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/ProxGo/internal/hw/stepper"
)

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 1 << 20

// StepperConfig holds the step/dir driver wiring.
type StepperConfig struct {
	StepPin      int    `yaml:"step_pin"`
	DirPin       int    `yaml:"dir_pin"`
	EnablePin    int    `yaml:"enable_pin"` // 0 = not used. Active LOW.
	StepsPerRev  int    `yaml:"steps_per_rev"`
	SteppingMode string `yaml:"stepping_mode"` // single, double, interleave, microstep
	PulseWidthUs int    `yaml:"pulse_width_us"`
}

// ButtonsConfig wires the user button and the two calibration limit switches.
// Pin 0 means not fitted.
type ButtonsConfig struct {
	ButtonPin       int   `yaml:"button_pin"`
	UpperLimitPin   int   `yaml:"upper_limit_pin"`
	LowerLimitPin   int   `yaml:"lower_limit_pin"`
	ActiveLow       *bool `yaml:"active_low"` // default true
	DebounceSamples int   `yaml:"debounce_samples"`
}

// IndicatorConfig wires the buzzer and the status light.
type IndicatorConfig struct {
	BuzzerPin int `yaml:"buzzer_pin"`
	LightPin  int `yaml:"light_pin"`
}

// ServerConfig describes the network side.
type ServerConfig struct {
	Listen           string `yaml:"listen"`
	MaxLinks         int    `yaml:"max_links"`
	IdleTimeoutS     int    `yaml:"idle_timeout_s"`
	ReceiveTimeoutMs int    `yaml:"receive_timeout_ms"`
}

// SerialConfig is optional: a serial line served as one more channel.
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// WebConfig is optional: the status page and command API.
type WebConfig struct {
	Port      int  `yaml:"port"` // 0 = disabled
	WebSocket bool `yaml:"websocket"`
}

// MQTTConfig is optional: status telemetry.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // tcp://host:1883
	Topic    string `yaml:"topic"`
	Format   string `yaml:"format"` // json or cbor
	QoS      int    `yaml:"qos"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	Speed      int     `yaml:"speed"`       // steps/s
	MaxSpeed   int     `yaml:"max_speed"`   // steps/s
	Version    float32 `yaml:"version"`     // answered to VERSION_INFO
	DebugLevel int     `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool    `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Stepper   StepperConfig   `yaml:"stepper"`
	Buttons   ButtonsConfig   `yaml:"buttons"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Server    ServerConfig    `yaml:"server"`
	Serial    *SerialConfig   `yaml:"serial,omitempty"` // optional
	Web       WebConfig       `yaml:"web"`
	MQTT      *MQTTConfig     `yaml:"mqtt,omitempty"` // optional
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly inside a directory
// named "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Stepper.StepsPerRev <= 0 {
		c.Stepper.StepsPerRev = 200
	}
	if c.Stepper.SteppingMode == "" {
		c.Stepper.SteppingMode = "single"
	}
	if c.Stepper.PulseWidthUs <= 0 {
		c.Stepper.PulseWidthUs = 2
	}
	if c.Buttons.ActiveLow == nil {
		t := true
		c.Buttons.ActiveLow = &t
	}
	if c.Buttons.DebounceSamples <= 0 {
		c.Buttons.DebounceSamples = 1
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8090"
	}
	if c.Server.MaxLinks <= 0 {
		c.Server.MaxLinks = 5
	}
	if c.Server.IdleTimeoutS <= 0 {
		c.Server.IdleTimeoutS = 180
	}
	if c.Server.ReceiveTimeoutMs <= 0 {
		c.Server.ReceiveTimeoutMs = 100
	}
	if c.Serial != nil && c.Serial.Baud <= 0 {
		c.Serial.Baud = 115200
	}
	if c.MQTT != nil {
		if c.MQTT.Topic == "" {
			c.MQTT.Topic = "proxgo"
		}
		if c.MQTT.Format == "" {
			c.MQTT.Format = "json"
		}
	}
	if c.Defaults.Speed <= 0 {
		c.Defaults.Speed = 500
	}
	if c.Defaults.MaxSpeed <= 0 {
		c.Defaults.MaxSpeed = 4000
	}
	if c.Defaults.Version == 0 {
		c.Defaults.Version = 1.0
	}
}

// Validate checks a config with defaults applied.
func (c *Config) Validate() error {
	if c.Stepper.StepPin <= 0 || c.Stepper.DirPin <= 0 {
		return fmt.Errorf("stepper.step_pin and stepper.dir_pin are required")
	}
	if _, err := stepper.ParseMode(c.Stepper.SteppingMode); err != nil {
		return fmt.Errorf("stepper.stepping_mode: %w", err)
	}
	if c.Defaults.Speed > c.Defaults.MaxSpeed {
		return fmt.Errorf("defaults.speed %d exceeds defaults.max_speed %d", c.Defaults.Speed, c.Defaults.MaxSpeed)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Server.MaxLinks > 256 {
		return fmt.Errorf("server.max_links must be <= 256, got %d", c.Server.MaxLinks)
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 0-65535, got %d", c.Web.Port)
	}
	if c.Serial != nil && c.Serial.Device == "" {
		return fmt.Errorf("serial.device is required when serial is configured")
	}
	if c.MQTT != nil {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is configured")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		switch strings.ToLower(c.MQTT.Format) {
		case "json", "cbor":
		default:
			return fmt.Errorf("mqtt.format must be json or cbor, got %q", c.MQTT.Format)
		}
	}
	return nil
}

// Mode returns the parsed stepping mode.
func (c *Config) Mode() stepper.Mode {
	m, _ := stepper.ParseMode(c.Stepper.SteppingMode)
	return m
}

// ActiveLow reports whether buttons pull their line LOW when pressed.
func (c *Config) ActiveLow() bool {
	return c.Buttons.ActiveLow == nil || *c.Buttons.ActiveLow
}

// PulseWidth returns the duration of each half of a STEP pulse.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.Stepper.PulseWidthUs) * time.Microsecond
}

// IdleTimeout returns how long a silent link is kept open.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeoutS) * time.Second
}

// ReceiveTimeout returns the longest the poll loop waits for a packet.
func (c *Config) ReceiveTimeout() time.Duration {
	return time.Duration(c.Server.ReceiveTimeoutMs) * time.Millisecond
}
