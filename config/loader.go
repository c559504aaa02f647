package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides: RPCBRIDGE_BRIDGE_MAX_RESPONSES
	// overrides bridge.max_responses.
	EnvPrefix = "RPCBRIDGE"

	fileName = "rpcbridge"
)

// Load reads .env from the working directory if present, then configFile (or
// rpcbridge.yaml from the standard locations when empty), applies
// environment overrides and defaults, and validates the result.
func Load(configFile string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	return LoadFrom(NewViper(configFile))
}

// LoadDotEnv loads variables from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// NewViper returns a viper instance set up for rpcbridge configuration.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		// ReadInConfig then reports ConfigFileNotFoundError.
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	registerDefaults(v)
	return v
}

// registerDefaults makes every key known to viper, so that AutomaticEnv
// resolves overrides for keys absent from the file.
func registerDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("bridge.rpc_path", d.Bridge.RPCPath)
	v.SetDefault("bridge.response_prefix", d.Bridge.ResponsePrefix)
	v.SetDefault("bridge.response_mode", d.Bridge.ResponseMode)
	v.SetDefault("bridge.chunk_size", d.Bridge.ChunkSize)
	v.SetDefault("bridge.max_body_bytes", d.Bridge.MaxBodyBytes)
	v.SetDefault("bridge.max_buffered_bytes", d.Bridge.MaxBufferedBytes)
	v.SetDefault("bridge.max_responses", d.Bridge.MaxResponses)
	v.SetDefault("bridge.response_ttl", d.Bridge.ResponseTTL)
	v.SetDefault("bridge.sweep_interval", d.Bridge.SweepInterval)
	v.SetDefault("bridge.token_key", "")
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// findConfigFile searches the working directory, ~/.rpcbridge and
// /etc/rpcbridge for rpcbridge.yaml or rpcbridge.yml.
func findConfigFile() string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+fileName))
	}
	paths = append(paths, filepath.Join("/etc", fileName))
	return findConfigFileInPaths(paths)
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			p := filepath.Join(dir, fileName+ext)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// LoadFrom reads configuration through v, applies defaults and validates.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: environment and defaults only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
