// Package config loads blecentral settings from YAML and turns them into
// session options.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	Session    SessionConfig    `yaml:"session"`
	GPIO       GPIOConfig       `yaml:"gpio"`
	Stream     StreamConfig     `yaml:"stream"`

	// Script is an optional Lua notification handler.
	Script string `yaml:"script"`
}

// ScanConfig selects which advertisers are connected to.
type ScanConfig struct {
	Active   bool          `yaml:"active" default:"true"`
	Interval time.Duration `yaml:"interval" default:"100ms"`
	Window   time.Duration `yaml:"window" default:"99ms"`

	Targets []string `yaml:"targets"`
	Ignored []string `yaml:"ignored"`
	MinRSSI int      `yaml:"min_rssi"`
}

// ConnectionConfig covers link establishment and security.
type ConnectionConfig struct {
	Timeout            time.Duration `yaml:"timeout" default:"10s"`
	DiscoveryTimeout   time.Duration `yaml:"discovery_timeout" default:"10s"`
	IntervalMin        time.Duration `yaml:"interval_min" default:"7500us"`
	IntervalMax        time.Duration `yaml:"interval_max" default:"7500us"`
	Latency            uint16        `yaml:"latency"`
	SupervisionTimeout time.Duration `yaml:"supervision_timeout" default:"150ms"`
	// SkipParams disables the parameter request after connect.
	SkipParams     bool   `yaml:"skip_params"`
	MaxConnections int    `yaml:"max_connections" default:"3"`
	Passkey        uint32 `yaml:"passkey" default:"123456"`
}

// InitialReadConfig names a characteristic read after connect.
type InitialReadConfig struct {
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
}

// SessionConfig covers what happens once a device is connected.
type SessionConfig struct {
	AutoRescan     bool                `yaml:"auto_rescan" default:"true"`
	FreshDiscovery bool                `yaml:"fresh_discovery"`
	PreferNotify   bool                `yaml:"prefer_notify" default:"true"`
	Subscribe      []string            `yaml:"subscribe"`
	InitialReads   []InitialReadConfig `yaml:"initial_reads"`
	BackoffInitial time.Duration       `yaml:"backoff_initial" default:"1s"`
	BackoffMax     time.Duration       `yaml:"backoff_max" default:"30s"`
}

// GPIOConfig selects the output toggled per notification. Without Sysfs
// the level changes are only logged.
type GPIOConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Pin     int    `yaml:"pin" default:"21"`
	Sysfs   string `yaml:"sysfs"`
}

// StreamConfig enables the notification PTY.
type StreamConfig struct {
	PTY    bool   `yaml:"pty"`
	Format string `yaml:"format" default:"text"`
}

// Default returns default configuration values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Scan.Targets = []string{"1812"}
	cfg.Session.InitialReads = []InitialReadConfig{{Service: "1812", Characteristic: "2a4d"}}
	return cfg
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// ConnParams returns the parameters requested after connect, zero when
// disabled.
func (c *Config) ConnParams() device.ConnParams {
	if c.Connection.SkipParams {
		return device.ConnParams{}
	}
	return device.ConnParams{
		IntervalMin:        c.Connection.IntervalMin,
		IntervalMax:        c.Connection.IntervalMax,
		Latency:            c.Connection.Latency,
		SupervisionTimeout: c.Connection.SupervisionTimeout,
	}
}

// SessionOptions converts the configuration into session options.
func (c *Config) SessionOptions() (session.Options, error) {
	opts := session.DefaultOptions()

	opts.Targets = append([]string(nil), c.Scan.Targets...)
	opts.Ignored = nil
	for _, s := range c.Scan.Ignored {
		addr, err := device.ParsePeerAddress(s)
		if err != nil {
			return session.Options{}, fmt.Errorf("scan.ignored: %w", err)
		}
		opts.Ignored = append(opts.Ignored, addr)
	}
	opts.MinRSSI = c.Scan.MinRSSI
	opts.Scan = device.ScanParams{
		Active:   c.Scan.Active,
		Interval: c.Scan.Interval,
		Window:   c.Scan.Window,
	}

	opts.ConnectTimeout = c.Connection.Timeout
	opts.DiscoveryTimeout = c.Connection.DiscoveryTimeout
	opts.ConnParams = c.ConnParams()
	opts.MaxConnections = c.Connection.MaxConnections
	opts.Passkey = c.Connection.Passkey

	opts.AutoRescan = c.Session.AutoRescan
	opts.FreshDiscovery = c.Session.FreshDiscovery
	opts.PreferNotify = c.Session.PreferNotify
	opts.Subscribe = append([]string(nil), c.Session.Subscribe...)
	opts.InitialReads = nil
	for _, p := range c.Session.InitialReads {
		opts.InitialReads = append(opts.InitialReads, session.InitialRead{Service: p.Service, Characteristic: p.Characteristic})
	}
	opts.Backoff = session.Backoff{Initial: c.Session.BackoffInitial, Max: c.Session.BackoffMax}

	if err := opts.Validate(); err != nil {
		return session.Options{}, err
	}
	return opts, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.GPIO.Enabled && c.GPIO.Pin < 0 {
		return fmt.Errorf("gpio.pin must be >= 0, got %d", c.GPIO.Pin)
	}
	switch strings.ToLower(c.Stream.Format) {
	case "", "text", "raw":
	default:
		return fmt.Errorf("stream.format must be \"text\" or \"raw\", got %q", c.Stream.Format)
	}
	if c.Connection.MaxConnections <= 0 {
		return fmt.Errorf("connection.max_connections must be > 0")
	}
	_, err := c.SessionOptions()
	return err
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
