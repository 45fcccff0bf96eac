// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrInvalidMailboxSize    = errors.New("invalid mailbox size")
	ErrInvalidTimeout        = errors.New("invalid timeout")
	ErrInvalidListenAddress  = errors.New("invalid listen address")
	ErrInvalidMaxConnections = errors.New("invalid max connections")
	ErrInvalidFrameSize      = errors.New("invalid max frame size")
	ErrInvalidAcceptRate     = errors.New("invalid accept rate")
	ErrInvalidServiceAddress = errors.New("invalid service address")
	ErrInvalidMonitorAddress = errors.New("invalid monitor address")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrConfigValidateError = errors.New("configuration validation error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrConfigWatchError    = errors.New("configuration watch error")
)
