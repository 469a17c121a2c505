package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ocfd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/a/button", cfg.Devices.Button.Path)
	assert.Equal(t, 200*time.Millisecond, cfg.Devices.Button.Interval)
	assert.Equal(t, 4, cfg.Devices.Button.Pin)
	assert.Equal(t, "/a/rgbled", cfg.Devices.RGBLED.Path)
	assert.Equal(t, 7, cfg.Devices.RGBLED.ClockPin)
	assert.Equal(t, 8, cfg.Devices.RGBLED.DataPin)
	assert.Equal(t, "/a/illuminance", cfg.Devices.Illuminance.Path)
	assert.Equal(t, 2*time.Second, cfg.Devices.Illuminance.Interval)
	assert.Equal(t, 0.1, cfg.Devices.Illuminance.Step)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "oic", cfg.MQTT.TopicPrefix)
	assert.True(t, cfg.HTTP.Enabled)
	assert.False(t, cfg.GATT.Enabled)
	assert.False(t, cfg.Homie.Enabled)
	assert.Equal(t, "Intel", cfg.Platform.Manufacturer)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file overrides only what it names", func(t *testing.T) {
		path := writeConfig(t, `
log_level: debug
devices:
  button:
    enabled: false
  illuminance:
    interval: 5s
    simulate: true
http:
  address: "127.0.0.1:9090"
`)
		cfg, err := Load(path)

		require.NoError(t, err)
		assert.Equal(t, logrus.DebugLevel, cfg.Level())
		assert.False(t, cfg.Devices.Button.Enabled, "explicit false MUST override a true default")
		assert.Equal(t, 5*time.Second, cfg.Devices.Illuminance.Interval)
		assert.True(t, cfg.Devices.Illuminance.Simulate)
		assert.Equal(t, "/a/illuminance", cfg.Devices.Illuminance.Path, "unnamed fields MUST keep defaults")
		assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Address)
		assert.True(t, cfg.MQTT.Enabled)
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		_, err := Load(writeConfig(t, "devices: [\n"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
		{name: "duplicate path", mutate: func(c *Config) { c.Devices.RGBLED.Path = "/a/button" }},
		{name: "relative path", mutate: func(c *Config) { c.Devices.Button.Path = "a/button" }},
		{name: "zero interval", mutate: func(c *Config) { c.Devices.Illuminance.Interval = 0 }},
		{name: "no transport", mutate: func(c *Config) { c.MQTT.Enabled, c.HTTP.Enabled = false, false }},
		{name: "wildcard prefix", mutate: func(c *Config) { c.MQTT.TopicPrefix = "oic/#" }},
		{name: "incomplete user", mutate: func(c *Config) { c.MQTT.Users = []User{{Username: "u"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	t.Run("disabled devices may share a path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Devices.RGBLED.Path = "/a/button"
		cfg.Devices.RGBLED.Enabled = false
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{level: "debug", want: logrus.DebugLevel},
		{level: "info", want: logrus.InfoLevel},
		{level: "warn", want: logrus.WarnLevel},
		{level: "error", want: logrus.ErrorLevel},
		{level: "bogus", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.want, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices.Button.Pin = 17

	data, err := cfg.YAML()
	require.NoError(t, err)

	loaded, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
