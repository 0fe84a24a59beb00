// Package config loads the YAML configuration of the goxades command:
// the signing identity and signature options, the upgrade sources
// (TSA, OCSP, CRLs), the HTTP client and logging.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidValue         = errors.New("invalid value")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigError match ErrConfigurationError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func missing(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

func invalid(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Message: err.Error(), Err: fmt.Errorf("%w: %w", ErrInvalidValue, err)}
}

// within prefixes the field of a nested ConfigError.
func within(prefix string, err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) {
		field := prefix
		if ce.Field != "" {
			field = prefix + "." + ce.Field
		}
		return &ConfigError{Field: field, Message: ce.Message, Err: ce.Err}
	}
	return err
}

// Config is the complete configuration file.
type Config struct {
	Signing *SigningConfig `yaml:"signing" json:"signing,omitempty"`
	Upgrade *UpgradeConfig `yaml:"upgrade" json:"upgrade,omitempty"`
	HTTP    *HTTPConfig    `yaml:"http" json:"http,omitempty"`
	Logging *LoggingConfig `yaml:"logging" json:"logging,omitempty"`
}

// Validate checks every section that is present.
func (c *Config) Validate() error {
	if c.Signing != nil {
		if err := c.Signing.Validate(); err != nil {
			return within("signing", err)
		}
	}
	if c.Upgrade != nil {
		if err := c.Upgrade.Validate(); err != nil {
			return within("upgrade", err)
		}
	}
	if err := c.HTTP.Validate(); err != nil {
		return within("http", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return within("logging", err)
	}
	return nil
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration. Unknown keys are
// rejected. An empty document yields an empty configuration.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: err.Error(), Err: err}
	}
	if config.Logging == nil {
		config.Logging = &LoggingConfig{}
	}
	config.Logging.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (console, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "warn"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

func (c *LoggingConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.Level != "" {
		if _, err := zapcore.ParseLevel(c.Level); err != nil {
			return invalid("level", err)
		}
	}
	switch strings.ToLower(c.Format) {
	case "", "console", "json":
	default:
		return invalid("format", fmt.Errorf("unknown log format %q", c.Format))
	}
	return nil
}

// Build creates the logger. verbose forces the debug level.
func (c *LoggingConfig) Build(verbose bool) (*zap.Logger, error) {
	cfg := *c
	cfg.SetDefaults()
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, invalid("logging.level", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{cfg.Output}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
