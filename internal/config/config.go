// Package config loads the agent, relay and supervisor configuration from
// YAML. Zero values select the documented defaults through accessor
// methods, so a partially filled file is always valid.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tuning values (used when the corresponding field is zero).
const (
	DefaultStartingPort      = 20000
	DefaultBindHost          = "127.0.0.1"
	DefaultServiceHost       = "127.0.0.1"
	DefaultConnectTimeout    = 5 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultIdleSweepInterval = 15 * time.Second
	DefaultMaxNoRoute        = 5
	DefaultClockInterval     = 10 * time.Millisecond
	DefaultMTU               = 1400
	DefaultWindow            = 128
	DefaultWriteTimeout      = 10 * time.Second

	DefaultRetryMin = 1 * time.Second
	DefaultRetryMax = 30 * time.Second

	DefaultMaxRetryInterval = time.Minute
	DefaultHandshakeTimeout = 30 * time.Second

	DefaultHeartbeatInterval = 5 * time.Second
)

// Transport names accepted in relay.transport.
const (
	TransportWebSocket = "websocket"
	TransportYamux     = "yamux"
)

type Config struct {
	DeviceID   string           `yaml:"device_id"`
	Token      string           `yaml:"token"`
	Relay      RelayConfig      `yaml:"relay"`
	Tunnel     TunnelConfig     `yaml:"tunnel"`
	Messenger  MessengerConfig  `yaml:"messenger"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

type RelayConfig struct {
	URL              string        `yaml:"url"`
	Transport        string        `yaml:"transport"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	// MaxRetryCount < 0 retries forever; 0 selects forever as well.
	MaxRetryCount int `yaml:"max_retry_count"`
}

type TunnelConfig struct {
	StartingPort      int           `yaml:"starting_port"`
	BindHost          string        `yaml:"bind_host"`
	ServiceHost       string        `yaml:"service_host"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	IdleSweepInterval time.Duration `yaml:"idle_sweep_interval"`
	MaxNoRoute        int           `yaml:"max_no_route"`
	ClockInterval     time.Duration `yaml:"clock_interval"`
	MTU               int           `yaml:"mtu"`
	Window            int           `yaml:"window"`
}

type MessengerConfig struct {
	RetryMin time.Duration `yaml:"retry_min"`
	RetryMax time.Duration `yaml:"retry_max"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type SupervisorConfig struct {
	Socket            string        `yaml:"socket"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Load reads path. A missing file is an error; an empty file yields defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML and validates the result.
func Parse(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Relay.Transport {
	case "", TransportWebSocket, TransportYamux:
	default:
		errs = append(errs, fmt.Errorf("relay.transport: unknown transport %q", c.Relay.Transport))
	}
	if p := c.Tunnel.StartingPort; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("tunnel.starting_port: %d out of range", p))
	}
	if c.Tunnel.MaxNoRoute < 0 {
		errs = append(errs, errors.New("tunnel.max_no_route: must not be negative"))
	}
	if m := c.Tunnel.MTU; m != 0 && (m < 64 || m > 65000) {
		errs = append(errs, fmt.Errorf("tunnel.mtu: %d out of range", m))
	}
	return errors.Join(errs...)
}

func (c *RelayConfig) TransportName() string {
	if c.Transport != "" {
		return c.Transport
	}
	return TransportWebSocket
}

// Handshake bounds the transport dial and handshake.
func (c *RelayConfig) Handshake() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (c *RelayConfig) RetryInterval() time.Duration {
	if c.MaxRetryInterval > 0 {
		return c.MaxRetryInterval
	}
	return DefaultMaxRetryInterval
}

// RetryLimit returns the reconnect attempt limit, or -1 for unlimited.
func (c *RelayConfig) RetryLimit() int {
	if c.MaxRetryCount > 0 {
		return c.MaxRetryCount
	}
	return -1
}

func (c *TunnelConfig) Port() int {
	if c.StartingPort > 0 {
		return c.StartingPort
	}
	return DefaultStartingPort
}

func (c *TunnelConfig) ListenHost() string {
	if c.BindHost != "" {
		return c.BindHost
	}
	return DefaultBindHost
}

func (c *TunnelConfig) DialHost() string {
	if c.ServiceHost != "" {
		return c.ServiceHost
	}
	return DefaultServiceHost
}

func (c *TunnelConfig) DialTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (c *TunnelConfig) LocalWriteTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return DefaultWriteTimeout
}

func (c *TunnelConfig) IdleThreshold() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return DefaultIdleTimeout
}

func (c *TunnelConfig) SweepInterval() time.Duration {
	if c.IdleSweepInterval > 0 {
		return c.IdleSweepInterval
	}
	return DefaultIdleSweepInterval
}

func (c *TunnelConfig) NoRouteThreshold() int {
	if c.MaxNoRoute > 0 {
		return c.MaxNoRoute
	}
	return DefaultMaxNoRoute
}

func (c *TunnelConfig) Clock() time.Duration {
	if c.ClockInterval > 0 {
		return c.ClockInterval
	}
	return DefaultClockInterval
}

func (c *TunnelConfig) EngineMTU() int {
	if c.MTU > 0 {
		return c.MTU
	}
	return DefaultMTU
}

func (c *TunnelConfig) EngineWindow() int {
	if c.Window > 0 {
		return c.Window
	}
	return DefaultWindow
}

func (c *MessengerConfig) Min() time.Duration {
	if c.RetryMin > 0 {
		return c.RetryMin
	}
	return DefaultRetryMin
}

func (c *MessengerConfig) Max() time.Duration {
	if c.RetryMax > 0 {
		return c.RetryMax
	}
	return DefaultRetryMax
}

func (c *SupervisorConfig) Heartbeat() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}
