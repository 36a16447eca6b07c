package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/airmesh/readings"
)

const sampleYAML = `
node:
  id: "3735928559"
serial:
  port: /dev/ttyS0
mqtt:
  broker: tcp://broker:1883
  client_id: node-a
exchange:
  interval: 5s
  mode: table
  peer_ttl: 1m
  accept_relayed: true
  limits:
    - field: pm2.5
      min: 0
      max: 1000
    - field: Humidity
      min: 0
      max: 100
calibration:
  script_code: "function calibrate(r) { return r; }"
storage:
  database:
    enabled: true
    type: sqlite
    dsn: ":memory:"
logger:
  level: debug
http:
  enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "3735928559", cfg.Node.ID)
	assert.Equal(t, "/dev/ttyS0", cfg.Serial.Port)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "airmesh", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 5*time.Second, cfg.Exchange.Interval)
	assert.Equal(t, time.Minute, cfg.Exchange.PeerTTL)
	assert.Equal(t, 64, cfg.Exchange.InboundBuffer)
	assert.True(t, cfg.Exchange.AcceptRelayed)
	require.Len(t, cfg.Exchange.Limits, 2)
	assert.Equal(t, "pm2.5", cfg.Exchange.Limits[0].Field)
	assert.Equal(t, 1000.0, cfg.Exchange.Limits[0].Max)
	assert.Equal(t, "sqlite", cfg.Storage.Database.Type)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Logger.Console)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)

	opts := cfg.Exchange.StoreOptions()
	assert.Equal(t, readings.ModeTable, opts.Mode)
	assert.Equal(t, time.Minute, opts.PeerTTL)
	assert.Len(t, opts.Validators, 2)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "serial:\n  port: /dev/ttyUSB0\n"))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Exchange.Interval)
	assert.Equal(t, time.Duration(0), cfg.Exchange.PeerTTL)
	mode, err := cfg.Exchange.StoreMode()
	require.NoError(t, err)
	assert.Equal(t, readings.ModeSingle, mode)
	assert.Empty(t, cfg.Node.ID)
	assert.False(t, cfg.HTTP.Enabled)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad-mode":            "exchange:\n  mode: star\n",
		"zero-interval":       "exchange:\n  interval: 0s\n",
		"negative-ttl":        "exchange:\n  peer_ttl: -1s\n",
		"bad-db":              "storage:\n  database:\n    enabled: true\n    type: oracle\n",
		"bad-node-id":         "node:\n  id: node-a\n",
		"inverted-limit":      "exchange:\n  limits:\n    - field: pm1.0\n      min: 10\n      max: 1\n",
		"unnamed-limit":       "exchange:\n  limits:\n    - min: 0\n      max: 1\n",
		"unknown-limit-field": "exchange:\n  limits:\n    - field: temp\n      min: 0\n      max: 1\n",
		"non-numeric-limit":   "exchange:\n  limits:\n    - field: Timestamp\n      min: 0\n      max: 1\n",
		"zero-inbound-q":      "exchange:\n  inbound_buffer: 0\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestShippedConfigHasNoLimits(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "config.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Exchange.Limits)
	assert.Empty(t, cfg.Exchange.StoreOptions().Validators)
}

func TestValidateLimitFields(t *testing.T) {
	base := func(limits ...LimitConfig) *Config {
		return &Config{Exchange: ExchangeConfig{Interval: time.Second, InboundBuffer: 1, Limits: limits}}
	}

	err := base(LimitConfig{Field: "temp", Min: 0, Max: 1}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field temp does not exist")

	for _, field := range []string{"pm1.0", "pm2.5", "pm10.0", "temperature", "humidity", "PM2_5", "Humidity"} {
		assert.NoError(t, base(LimitConfig{Field: field, Min: 0, Max: 65535}).Validate(), field)
	}
}

func TestWatchConfig(t *testing.T) {
	path := writeConfig(t, "logger:\n  level: info\n")

	var got atomic.Value
	require.NoError(t, WatchConfig(path, func(cfg *Config) error {
		got.Store(cfg.Logger.Level)
		return nil
	}))

	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: warn\n"), 0644))
	require.Eventually(t, func() bool {
		v, _ := got.Load().(string)
		return v == "warn"
	}, 5*time.Second, 50*time.Millisecond)
}
