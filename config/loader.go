// Package config provides configuration loading and parsing functionality
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes every environment override, e.g.
// RELAYMESH_LOG_LEVEL.
const DefaultEnvPrefix = "RELAYMESH"

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config

	// lookupEnv reads environment variables
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/relaymesh"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".relaymesh"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     DefaultEnvPrefix,
		defaultConfig: DefaultConfig(),
		lookupEnv:     os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from the specified file. An empty filename
// yields the defaults plus environment overrides.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, _, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// finish applies environment overrides and validates.
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateError, err)
	}
	return config, nil
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, ConfigFormat, error) {
	filenames := []string{
		"relaymesh.yaml", "relaymesh.yml",
		"config.yaml", "config.yml",
		"relaymesh.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				format, err := formatOf(fullPath)
				if err != nil {
					continue
				}
				return fullPath, format, nil
			}
		}
	}

	return "", "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// parseConfig decodes data on top of the defaults, so fields missing from
// the document keep their default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigParseError, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	env := func(key string) (string, bool) {
		v, ok := l.lookupEnv(l.envPrefix + "_" + key)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	// App configuration
	if val, ok := env("APP_NAME"); ok {
		config.App.Name = val
	}
	if val, ok := env("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}

	// Log configuration
	if val, ok := env("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	if val, ok := env("LOG_FORMAT"); ok {
		config.Log.Format = val
	}
	if val, ok := env("LOG_OUTPUT"); ok {
		config.Log.Output = val
	}

	// Node configuration
	if val, ok := env("NODE_NAME"); ok {
		config.Node.Name = val
	}
	if val, ok := env("NODE_MAILBOX_SIZE"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return l.envError("NODE_MAILBOX_SIZE", err)
		}
		config.Node.MailboxSize = n
	}
	if val, ok := env("NODE_REPORT_UNDELIVERABLE"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return l.envError("NODE_REPORT_UNDELIVERABLE", err)
		}
		config.Node.ReportUndeliverable = b
	}
	if val, ok := env("NODE_SHUTDOWN_TIMEOUT"); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			return l.envError("NODE_SHUTDOWN_TIMEOUT", err)
		}
		config.Node.ShutdownTimeout = d
	}

	// Transport configuration
	if val, ok := env("TCP_LISTEN_ADDRESS"); ok {
		config.Transport.TCP.ListenAddress = val
	}
	if val, ok := env("TCP_MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return l.envError("TCP_MAX_CONNECTIONS", err)
		}
		config.Transport.TCP.MaxConnections = n
	}

	// Secure channel configuration
	if val, ok := env("SECURE_CHANNEL_ENABLED"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return l.envError("SECURE_CHANNEL_ENABLED", err)
		}
		config.SecureChannel.Enabled = b
	}
	if val, ok := env("SECURE_CHANNEL_AUTHORIZED_IDENTIFIERS"); ok {
		var ids []string
		for _, id := range strings.Split(val, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		config.SecureChannel.AuthorizedIdentifiers = ids
	}
	if val, ok := env("SECURE_CHANNEL_KEY_FILE"); ok {
		config.SecureChannel.KeyFile = val
	}

	// Monitor configuration
	if val, ok := env("MONITOR_ENABLED"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return l.envError("MONITOR_ENABLED", err)
		}
		config.Monitor.Enabled = b
	}
	if val, ok := env("MONITOR_ADDRESS"); ok {
		config.Monitor.Address = val
	}

	return nil
}

func (l *Loader) envError(key string, err error) error {
	return fmt.Errorf("%w: %s_%s: %w", ErrEnvironmentVarError, l.envPrefix, key, err)
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	out := *c
	if c.SecureChannel.AuthorizedIdentifiers != nil {
		out.SecureChannel.AuthorizedIdentifiers = append([]string(nil), c.SecureChannel.AuthorizedIdentifiers...)
	}
	return &out
}
