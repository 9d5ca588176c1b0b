// Package config loads the daemon configuration: built-in defaults, then a
// YAML file, then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mil-ad/eegmenu/internal/link"
	"github.com/mil-ad/eegmenu/internal/menu"
)

// Link backends.
const (
	BackendBlueZ  = "bluez"
	BackendTinyGo = "tinygo"
	BackendSim    = "sim"
)

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Menu     MenuConfig     `yaml:"menu"`
	Feedback FeedbackConfig `yaml:"feedback"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// DeviceConfig selects the transport and the headset's GATT endpoint.
type DeviceConfig struct {
	Backend            string        `yaml:"backend"` // bluez, tinygo or sim
	Adapter            string        `yaml:"adapter"` // BlueZ adapter, e.g. hci0
	Name               string        `yaml:"name"`
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid"`
	DiscoveryTimeout   time.Duration `yaml:"discovery_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
}

type MenuConfig struct {
	ActivationHold time.Duration `yaml:"activation_hold"`
	SelectSound    string        `yaml:"select_sound"`
}

// FeedbackConfig configures sound playback. An empty Player logs sounds
// instead of playing them.
type FeedbackConfig struct {
	Player   string   `yaml:"player"`
	Args     []string `yaml:"args"`
	SoundDir string   `yaml:"sound_dir"`
}

type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file"`   // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HTTPConfig configures the presentation API. An empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig configures the caregiver feed. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Encoding    string `yaml:"encoding"` // json or msgpack
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend:            BackendBlueZ,
			Adapter:            "hci0",
			Name:               link.DeviceName,
			ServiceUUID:        link.ServiceUUID,
			CharacteristicUUID: link.CharacteristicUUID,
			DiscoveryTimeout:   20 * time.Second,
			ConnectTimeout:     30 * time.Second,
		},
		Menu: MenuConfig{
			ActivationHold: menu.DefaultActivationHold,
			SelectSound:    menu.SelectSound,
		},
		Feedback: FeedbackConfig{
			SoundDir: filepath.Join(dataHome(), "eegmenu", "sounds"),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8765",
		},
		MQTT: MQTTConfig{
			ClientID:    "eegmenu",
			TopicPrefix: "eegmenu",
			QoS:         1,
			Encoding:    "json",
		},
	}
}

// Path returns the config file location: $EEGMENU_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/eegmenu/config.yaml.
func Path() string {
	if p := os.Getenv("EEGMENU_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "eegmenu", "config.yaml")
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

// Load reads the file at path on top of the defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(cfg, path); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EEGMENU_BACKEND"); v != "" {
		cfg.Device.Backend = v
	}
	if v := os.Getenv("EEGMENU_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("EEGMENU_HTTP_LISTEN"); ok {
		cfg.HTTP.Listen = v
	}
	if v, ok := os.LookupEnv("EEGMENU_MQTT_BROKER"); ok {
		cfg.MQTT.Broker = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Device.Backend {
	case BackendBlueZ, BackendTinyGo, BackendSim:
	default:
		errs = append(errs, fmt.Errorf("device.backend: unknown backend %q", c.Device.Backend))
	}
	if c.Device.Name == "" {
		errs = append(errs, errors.New("device.name: must not be empty"))
	}
	if _, err := uuid.Parse(c.Device.ServiceUUID); err != nil {
		errs = append(errs, fmt.Errorf("device.service_uuid: %w", err))
	}
	if _, err := uuid.Parse(c.Device.CharacteristicUUID); err != nil {
		errs = append(errs, fmt.Errorf("device.characteristic_uuid: %w", err))
	}
	if c.Device.DiscoveryTimeout <= 0 {
		errs = append(errs, errors.New("device.discovery_timeout: must be positive"))
	}
	if c.Device.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("device.connect_timeout: must be positive"))
	}
	if c.Menu.ActivationHold <= 0 {
		errs = append(errs, errors.New("menu.activation_hold: must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.MQTT.Broker != "" {
		switch c.MQTT.Encoding {
		case "json", "msgpack":
		default:
			errs = append(errs, fmt.Errorf("mqtt.encoding: unknown encoding %q", c.MQTT.Encoding))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos: %d out of range", c.MQTT.QoS))
		}
	}
	return errors.Join(errs...)
}
