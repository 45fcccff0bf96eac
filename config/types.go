// Package config provides configuration management for relaymesh nodes
package config

import (
	"net"
	"time"

	"github.com/najoast/relaymesh/core"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config represents the complete relaymesh node configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Node runtime configuration
	Node NodeConfig `yaml:"node" json:"node"`

	// Transport configuration
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Secure channel configuration
	SecureChannel SecureChannelConfig `yaml:"secure_channel" json:"secure_channel"`

	// Stock services started with the node
	Services ServicesConfig `yaml:"services" json:"services"`

	// Monitoring configuration
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include source file and line
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// NodeConfig contains actor runtime settings
type NodeConfig struct {
	// Node name, used in logs
	Name string `yaml:"name" json:"name"`

	// Mailbox capacity per actor
	MailboxSize int `yaml:"mailbox_size" json:"mailbox_size"`

	// Route delivery failure notices back to senders
	ReportUndeliverable bool `yaml:"report_undeliverable" json:"report_undeliverable"`

	// Upper bound for stopping all actors
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TransportConfig contains transport settings
type TransportConfig struct {
	// TCP transport configuration
	TCP TCPConfig `yaml:"tcp" json:"tcp"`
}

// TCPConfig contains TCP-specific configuration
type TCPConfig struct {
	// Listening address (host:port); empty disables the listener
	ListenAddress string `yaml:"listen_address" json:"listen_address"`

	// Enable TCP keep-alive
	KeepAlive bool `yaml:"keep_alive" json:"keep_alive"`

	// Keep-alive interval
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval"`

	// Maximum frame size in bytes
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`

	// Maximum concurrent connections per listener
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// Accepted connections per second
	AcceptRate float64 `yaml:"accept_rate" json:"accept_rate"`

	// Accept burst size
	AcceptBurst int `yaml:"accept_burst" json:"accept_burst"`

	// Dial timeout for outgoing connections
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// Write timeout per frame
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// SecureChannelConfig contains secure channel settings
type SecureChannelConfig struct {
	// Start a secure channel listener
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Address of the listener worker
	ListenerAddress string `yaml:"listener_address" json:"listener_address"`

	// Time allowed for a handshake to complete
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// Identifiers allowed to open channels; empty allows any
	AuthorizedIdentifiers []string `yaml:"authorized_identifiers,omitempty" json:"authorized_identifiers,omitempty"`

	// File holding the node's hex-encoded identity key; generated if
	// missing. Empty uses a fresh identity per run.
	KeyFile string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
}

// ServicesConfig lists the stock services of a node
type ServicesConfig struct {
	Echoer    ServiceConfig `yaml:"echoer" json:"echoer"`
	Uppercase ServiceConfig `yaml:"uppercase" json:"uppercase"`
	Hop       ServiceConfig `yaml:"hop" json:"hop"`
}

// ServiceConfig configures one stock service
type ServiceConfig struct {
	// Start the service
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Address the service is spawned at
	Address string `yaml:"address" json:"address"`

	// Allow messages arriving through the TCP listener to reach the service
	AllowFromListener bool `yaml:"allow_from_listener" json:"allow_from_listener"`
}

// MonitorConfig contains monitoring configuration
type MonitorConfig struct {
	// Enable the HTTP monitoring server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// HTTP server address (host:port)
	Address string `yaml:"address" json:"address"`

	// Metrics endpoint path
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`

	// Health endpoint path
	HealthPath string `yaml:"health_path" json:"health_path"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "relaymesh",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Node: NodeConfig{
			Name:            "node",
			MailboxSize:     core.DefaultMailboxSize,
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			TCP: TCPConfig{
				KeepAlive:         true,
				KeepAliveInterval: 30 * time.Second,
				MaxFrameSize:      1 << 20,
				MaxConnections:    1024,
				AcceptRate:        100,
				AcceptBurst:       20,
				DialTimeout:       5 * time.Second,
				WriteTimeout:      10 * time.Second,
			},
		},
		SecureChannel: SecureChannelConfig{
			Enabled:          false,
			ListenerAddress:  "secure_channel_listener",
			HandshakeTimeout: 10 * time.Second,
		},
		Services: ServicesConfig{
			Echoer:    ServiceConfig{Address: "echo"},
			Uppercase: ServiceConfig{Address: "uppercase"},
			Hop:       ServiceConfig{Address: "hop"},
		},
		Monitor: MonitorConfig{
			Enabled:     false,
			Address:     "127.0.0.1:9090",
			MetricsPath: "/metrics",
			HealthPath:  "/health",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}

	if c.Node.MailboxSize <= 0 {
		return ErrInvalidMailboxSize
	}
	if c.Node.ShutdownTimeout <= 0 {
		return ErrInvalidTimeout
	}

	tcp := c.Transport.TCP
	if tcp.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(tcp.ListenAddress); err != nil {
			return ErrInvalidListenAddress
		}
	}
	if tcp.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if tcp.MaxFrameSize <= 0 {
		return ErrInvalidFrameSize
	}
	if tcp.AcceptRate <= 0 || tcp.AcceptBurst <= 0 {
		return ErrInvalidAcceptRate
	}
	if tcp.DialTimeout <= 0 || tcp.WriteTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.SecureChannel.Enabled {
		if c.SecureChannel.ListenerAddress == "" {
			return ErrInvalidServiceAddress
		}
		if c.SecureChannel.HandshakeTimeout <= 0 {
			return ErrInvalidTimeout
		}
	}

	for _, svc := range []ServiceConfig{c.Services.Echoer, c.Services.Uppercase, c.Services.Hop} {
		if svc.Enabled && svc.Address == "" {
			return ErrInvalidServiceAddress
		}
	}

	if c.Monitor.Enabled {
		if _, _, err := net.SplitHostPort(c.Monitor.Address); err != nil {
			return ErrInvalidMonitorAddress
		}
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}
