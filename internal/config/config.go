// Package config loads the facetrack service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-facetrack/pkg/capture"
	"github.com/teslashibe/go-facetrack/pkg/engine"
	"github.com/teslashibe/go-facetrack/pkg/events"
	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/provider"
	"github.com/teslashibe/go-facetrack/pkg/web"
)

// Environment variables read by ApplyEnv.
const (
	EnvPort        = "FACETRACK_PORT"
	EnvDetectorURL = "FACETRACK_DETECTOR_URL"
	EnvStoreDSN    = "FACETRACK_STORE_DSN"
	EnvMQTTBroker  = "FACETRACK_MQTT_BROKER"
	EnvLogLevel    = "FACETRACK_LOG_LEVEL"
	EnvDevice      = "FACETRACK_DEVICE"
)

// Capture source kinds
const (
	SourcePush   = "push"   // Frames from /ws/capture clients
	SourceWebcam = "webcam" // Local camera through GoCV
)

// Config is the complete service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Device forces the device class ("low", "mid", "high"); empty
	// means detect from the host.
	Device string `yaml:"device"`

	Server   web.Config      `yaml:"server"`
	Detector provider.Config `yaml:"detector"`
	Capture  CaptureConfig   `yaml:"capture"`
	Store    StoreConfig     `yaml:"store"`
	Events   EventsConfig    `yaml:"events"`
	Engine   engine.Config   `yaml:"engine"`
}

// CaptureConfig selects the frame source
type CaptureConfig struct {
	Source string               `yaml:"source"`
	Webcam capture.WebcamConfig `yaml:"webcam"`
}

// StoreConfig selects the persistence backend. An empty driver keeps
// sessions in memory.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres or memory
	DSN    string `yaml:"dsn"`
}

// EventsConfig configures lifecycle event publishing
type EventsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Buffer  int               `yaml:"buffer"` // Async queue length
	MQTT    events.MQTTConfig `yaml:"mqtt"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server:   web.DefaultConfig(),
		Detector: provider.DefaultConfig(),
		Capture: CaptureConfig{
			Source: SourcePush,
			Webcam: capture.DefaultWebcamConfig(),
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "facetrack.db",
		},
		Events: EventsConfig{
			Buffer: 256,
			MQTT:   events.DefaultMQTTConfig(),
		},
		Engine: engine.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns
// Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected keys from the environment.
func (c *Config) ApplyEnv() {
	if port := os.Getenv(EnvPort); port != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	if url := os.Getenv(EnvDetectorURL); url != "" {
		c.Detector.URL = url
	}
	if dsn := os.Getenv(EnvStoreDSN); dsn != "" {
		c.Store.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			c.Store.Driver = "postgres"
		}
	}
	if broker := os.Getenv(EnvMQTTBroker); broker != "" {
		c.Events.MQTT.Broker = broker
		c.Events.Enabled = true
	}
	c.LogLevel = envOr(EnvLogLevel, c.LogLevel)
	c.Device = envOr(EnvDevice, c.Device)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DeviceClass returns the forced device class, or nil to detect it.
func (c Config) DeviceClass() (*performance.DeviceClass, error) {
	if c.Device == "" {
		return nil, nil
	}
	var d performance.DeviceClass
	if err := d.UnmarshalText([]byte(strings.ToLower(c.Device))); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate returns every violation at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch strings.ToLower(c.Detector.Kind) {
	case provider.KindWebSocket, "ws", provider.KindHTTP:
		if c.Detector.URL == "" {
			errs = append(errs, fmt.Errorf("detector.url is required for %s", c.Detector.Kind))
		}
	case provider.KindWorker:
		if c.Detector.Command == "" {
			errs = append(errs, errors.New("detector.command is required for worker"))
		}
	case provider.KindYuNet, provider.KindMock:
	default:
		errs = append(errs, fmt.Errorf("detector.kind %q unknown", c.Detector.Kind))
	}
	switch c.Capture.Source {
	case SourcePush, SourceWebcam:
	default:
		errs = append(errs, fmt.Errorf("capture.source %q must be push or webcam", c.Capture.Source))
	}
	switch strings.ToLower(c.Store.Driver) {
	case "", "memory":
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q unknown", c.Store.Driver))
	}
	if c.Events.Enabled && c.Events.MQTT.Broker == "" {
		errs = append(errs, errors.New("events.mqtt.broker is required when events are enabled"))
	}
	if _, err := c.DeviceClass(); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
