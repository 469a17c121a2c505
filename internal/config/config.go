// Package config loads the ocfd configuration: struct defaults from
// `default` tags, overlaid by an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string   `yaml:"log_level" default:"info"`
	Simulate bool     `yaml:"simulate"`
	Platform Platform `yaml:"platform"`
	Devices  Devices  `yaml:"devices"`
	MQTT     MQTT     `yaml:"mqtt"`
	HTTP     HTTP     `yaml:"http"`
	GATT     GATT     `yaml:"gatt"`
	Homie    Homie    `yaml:"homie"`
}

// Platform describes the hosting device to transports that advertise it.
type Platform struct {
	Name            string `yaml:"name" default:"Smart Home Sensors"`
	Manufacturer    string `yaml:"manufacturer" default:"Intel"`
	PlatformVersion string `yaml:"platform_version" default:"1.1.0"`
	FirmwareVersion string `yaml:"firmware_version" default:"0.0.1"`
}

type Devices struct {
	Button      Button      `yaml:"button"`
	RGBLED      RGBLED      `yaml:"rgbled"`
	Illuminance Illuminance `yaml:"illuminance"`
}

type Button struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Path     string        `yaml:"path" default:"/a/button"`
	Interval time.Duration `yaml:"interval" default:"200ms"`
	Simulate bool          `yaml:"simulate"`
	Pin      int           `yaml:"pin" default:"4"`
}

type RGBLED struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Path     string        `yaml:"path" default:"/a/rgbled"`
	Interval time.Duration `yaml:"interval" default:"200ms"`
	Simulate bool          `yaml:"simulate"`
	ClockPin int           `yaml:"clock_pin" default:"7"`
	DataPin  int           `yaml:"data_pin" default:"8"`
}

type Illuminance struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Path     string        `yaml:"path" default:"/a/illuminance"`
	Interval time.Duration `yaml:"interval" default:"2s"`
	Simulate bool          `yaml:"simulate"`
	Device   int           `yaml:"iio_device" default:"1"`
	Channel  int           `yaml:"channel" default:"3"`
	Step     float64       `yaml:"simulated_step" default:"0.1"`
}

type MQTT struct {
	Enabled          bool   `yaml:"enabled" default:"true"`
	Address          string `yaml:"address" default:":1883"`
	WebsocketAddress string `yaml:"websocket_address"`
	TopicPrefix      string `yaml:"topic_prefix" default:"oic"`
	Users            []User `yaml:"users,omitempty"`
}

// User is an MQTT credential. PasswordHash is a bcrypt hash as printed by
// `ocfd hash-password`.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type HTTP struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Address string `yaml:"address" default:":8080"`
	Metrics bool   `yaml:"metrics" default:"true"`
}

type GATT struct {
	Enabled   bool   `yaml:"enabled"`
	LocalName string `yaml:"local_name" default:"ocfd"`
}

type Homie struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker" default:"tcp://127.0.0.1:1883"`
	BaseTopic string `yaml:"base_topic" default:"homie"`
	DeviceID  string `yaml:"device_id" default:"ocfd"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %v", err))
	}

	paths := map[string]string{}
	check := func(name string, enabled bool, path string, interval time.Duration) {
		if !enabled {
			return
		}
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, fmt.Errorf("devices.%s.path %q must start with /", name, path))
		}
		if other, dup := paths[path]; dup {
			errs = append(errs, fmt.Errorf("devices.%s.path %q already used by %s", name, path, other))
		}
		paths[path] = name
		if interval <= 0 {
			errs = append(errs, fmt.Errorf("devices.%s.interval must be positive", name))
		}
	}
	check("button", c.Devices.Button.Enabled, c.Devices.Button.Path, c.Devices.Button.Interval)
	check("rgbled", c.Devices.RGBLED.Enabled, c.Devices.RGBLED.Path, c.Devices.RGBLED.Interval)
	check("illuminance", c.Devices.Illuminance.Enabled, c.Devices.Illuminance.Path, c.Devices.Illuminance.Interval)

	if !c.MQTT.Enabled && !c.HTTP.Enabled && !c.GATT.Enabled && !c.Homie.Enabled {
		errs = append(errs, errors.New("at least one transport must be enabled"))
	}
	if c.MQTT.Enabled && strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
		errs = append(errs, fmt.Errorf("mqtt.topic_prefix %q must not contain wildcards", c.MQTT.TopicPrefix))
	}
	for i, u := range c.MQTT.Users {
		if u.Username == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("mqtt.users[%d] needs username and password_hash", i))
		}
	}
	if c.Homie.Enabled {
		if _, err := url.Parse(c.Homie.Broker); err != nil || c.Homie.Broker == "" {
			errs = append(errs, fmt.Errorf("homie.broker %q is not a URL", c.Homie.Broker))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
