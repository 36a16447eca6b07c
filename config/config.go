package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/airmesh/logger"
	"github.com/eddielth/airmesh/readings"
	"github.com/eddielth/airmesh/validator"
)

// Config represents the node configuration
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Serial      SerialConfig      `mapstructure:"serial"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	HTTP        HTTPConfig        `mapstructure:"http"`
}

// NodeConfig identifies this node. An empty ID is derived from the MAC of Interface.
type NodeConfig struct {
	ID        string `mapstructure:"id"`
	Interface string `mapstructure:"interface"`
}

// SerialConfig describes the sensor UART
type SerialConfig struct {
	Port         string `mapstructure:"port"`
	BaudRate     int    `mapstructure:"baud_rate"`
	SkipChecksum bool   `mapstructure:"skip_checksum"`
}

// MQTTConfig represents the broker connection used as the broadcast medium
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// ExchangeConfig tunes the readings exchange
type ExchangeConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Mode          string        `mapstructure:"mode"`
	PeerTTL       time.Duration `mapstructure:"peer_ttl"`
	AcceptRelayed bool          `mapstructure:"accept_relayed"`
	InboundBuffer int           `mapstructure:"inbound_buffer"`
	Limits        []LimitConfig `mapstructure:"limits"`
}

// LimitConfig is a plausibility range for one reading field
type LimitConfig struct {
	Field string  `mapstructure:"field"`
	Min   float64 `mapstructure:"min"`
	Max   float64 `mapstructure:"max"`
}

// CalibrationConfig points at the optional calibration script
type CalibrationConfig struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// StorageConfig represents storage configuration
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
}

// FileStorageConfig represents file storage configuration
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig represents database storage configuration
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// LoggerConfig represents logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// HTTPConfig controls the status API
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ConfigChangeCallback is called with the new configuration after a file change
type ConfigChangeCallback func(cfg *Config) error

const debounceInterval = 2 * time.Second

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "airmesh")
	v.SetDefault("exchange.interval", "10s")
	v.SetDefault("exchange.mode", string(readings.ModeSingle))
	v.SetDefault("exchange.peer_ttl", "0s")
	v.SetDefault("exchange.inbound_buffer", 64)
	v.SetDefault("storage.file.path", "./data")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
	v.SetDefault("http.listen", ":8080")
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the configuration file at the given path
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", configPath, err)
	}
	return decode(v)
}

// Validate rejects settings the node cannot run with
func (c *Config) Validate() error {
	if c.Node.ID != "" {
		if _, err := readings.ParseNodeID(c.Node.ID); err != nil {
			return fmt.Errorf("invalid node.id: %v", err)
		}
	}
	if _, err := c.Exchange.StoreMode(); err != nil {
		return err
	}
	if c.Exchange.Interval <= 0 {
		return fmt.Errorf("exchange.interval must be positive, got %s", c.Exchange.Interval)
	}
	if c.Exchange.PeerTTL < 0 {
		return fmt.Errorf("exchange.peer_ttl cannot be negative")
	}
	if c.Exchange.InboundBuffer <= 0 {
		return fmt.Errorf("exchange.inbound_buffer must be positive")
	}
	for i, l := range c.Exchange.Limits {
		if l.Field == "" {
			return fmt.Errorf("exchange.limits[%d]: field is required", i)
		}
		if err := validator.CheckField(readings.Reading{}, l.Field); err != nil {
			return fmt.Errorf("exchange.limits[%d]: %v", i, err)
		}
		if l.Min > l.Max {
			return fmt.Errorf("exchange.limits[%d]: min %g greater than max %g", i, l.Min, l.Max)
		}
	}
	if c.Storage.Database.Enabled {
		switch c.Storage.Database.Type {
		case "mysql", "postgresql", "sqlite":
		default:
			return fmt.Errorf("unsupported database type: %s", c.Storage.Database.Type)
		}
	}
	return nil
}

// StoreMode parses the configured broadcast mode
func (e ExchangeConfig) StoreMode() (readings.Mode, error) {
	switch readings.Mode(e.Mode) {
	case readings.ModeSingle, "":
		return readings.ModeSingle, nil
	case readings.ModeTable:
		return readings.ModeTable, nil
	default:
		return "", fmt.Errorf("unknown exchange.mode: %s", e.Mode)
	}
}

// Validators builds range validators from the configured limits
func (e ExchangeConfig) Validators() []validator.Validator {
	vs := make([]validator.Validator, 0, len(e.Limits))
	for _, l := range e.Limits {
		vs = append(vs, &validator.RangeValidator{Field: l.Field, Min: l.Min, Max: l.Max})
	}
	return vs
}

// StoreOptions maps the exchange section onto store options
func (e ExchangeConfig) StoreOptions() readings.Options {
	mode, err := e.StoreMode()
	if err != nil {
		mode = readings.ModeSingle
	}
	return readings.Options{
		Mode:          mode,
		PeerTTL:       e.PeerTTL,
		AcceptRelayed: e.AcceptRelayed,
		Validators:    e.Validators(),
	}
}

// WatchConfig watches the configuration file and calls callback on change
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper(absPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %v", absPath, err)
	}

	var (
		mu             sync.Mutex
		lastChangeTime time.Time
	)

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		mu.Lock()
		now := time.Now()
		if !lastChangeTime.IsZero() && now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("Detected config file change: %s", e.Name)

		newConfig, err := decode(v)
		if err != nil {
			logger.Error("Failed to reload config: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("Failed to apply new config: %v", err)
			return
		}

		logger.Info("Config reloaded and applied")
	})
	v.WatchConfig()

	return nil
}
