// Package config loads rpcbridge configuration from a YAML file, a .env file
// and RPCBRIDGE_* environment variables.
package config

import (
	"time"
)

// Config is the complete rpcbridge configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Bridge  BridgeConfig  `yaml:"bridge" mapstructure:"bridge"`
	CORS    CORSConfig    `yaml:"cors" mapstructure:"cors"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address. Defaults to 127.0.0.1:8080.
	Addr              string        `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" validate:"min=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"min=0"`
}

// BridgeConfig configures the RPC bridge and how responses are delivered.
type BridgeConfig struct {
	RPCPath        string `yaml:"rpc_path" mapstructure:"rpc_path" validate:"required,urlpath"`
	ResponsePrefix string `yaml:"response_prefix" mapstructure:"response_prefix" validate:"required,urlprefix"`
	// ResponseMode is "inline" or "redirect".
	ResponseMode     string        `yaml:"response_mode" mapstructure:"response_mode" validate:"required,oneof=inline redirect"`
	ChunkSize        int           `yaml:"chunk_size" mapstructure:"chunk_size" validate:"min=1"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"min=1"`
	MaxBufferedBytes int64         `yaml:"max_buffered_bytes" mapstructure:"max_buffered_bytes" validate:"min=1"`
	MaxResponses     int           `yaml:"max_responses" mapstructure:"max_responses" validate:"min=1"`
	ResponseTTL      time.Duration `yaml:"response_ttl" mapstructure:"response_ttl" validate:"min=0"`
	SweepInterval    time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"min=0"`
	// TokenKey is a hex encoded 32-byte key for sealing response names.
	// Empty generates a random key at startup.
	TokenKey string `yaml:"token_key" mapstructure:"token_key" validate:"omitempty,hexadecimal,len=64"`
}

// CORSConfig lists origins allowed to call the RPC endpoints from a browser.
// Empty disables CORS.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,required"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path" validate:"required_if=Enabled true,omitempty,urlpath"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

// Defaults.
const (
	DefaultAddr              = "127.0.0.1:8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultRPCPath           = "/rpc"
	DefaultResponsePrefix    = "/rpc/responses/"
	DefaultResponseMode      = "inline"
	DefaultChunkSize         = 4096
	DefaultMaxBodyBytes      = 1 << 20
	DefaultMaxBufferedBytes  = 8 << 20
	DefaultMaxResponses      = 64
	DefaultResponseTTL       = time.Minute
	DefaultSweepInterval     = 10 * time.Second
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{Metrics: MetricsConfig{Enabled: true}}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero-valued fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Bridge.RPCPath == "" {
		c.Bridge.RPCPath = DefaultRPCPath
	}
	if c.Bridge.ResponsePrefix == "" {
		c.Bridge.ResponsePrefix = DefaultResponsePrefix
	}
	if c.Bridge.ResponseMode == "" {
		c.Bridge.ResponseMode = DefaultResponseMode
	}
	if c.Bridge.ChunkSize == 0 {
		c.Bridge.ChunkSize = DefaultChunkSize
	}
	if c.Bridge.MaxBodyBytes == 0 {
		c.Bridge.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Bridge.MaxBufferedBytes == 0 {
		c.Bridge.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if c.Bridge.MaxResponses == 0 {
		c.Bridge.MaxResponses = DefaultMaxResponses
	}
	if c.Bridge.ResponseTTL == 0 {
		c.Bridge.ResponseTTL = DefaultResponseTTL
	}
	if c.Bridge.SweepInterval == 0 {
		c.Bridge.SweepInterval = DefaultSweepInterval
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
