// Package config handles loading and parsing the application's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Retry policies accepted in the [retry] section.
const (
	RetryPolicyNone        = "none"
	RetryPolicyExponential = "exponential"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Retry controls how the server retries conflicting transactions.
// The default policy retries forever without delay.
type Retry struct {
	Policy          string   `toml:"policy" yaml:"policy"`
	MaxAttempts     uint64   `toml:"max_attempts" yaml:"max_attempts"` // 0 means unbounded
	InitialInterval Duration `toml:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval" yaml:"max_interval"`
	MaxElapsed      Duration `toml:"max_elapsed" yaml:"max_elapsed"`
}

// Config holds all configuration for the application.
type Config struct {
	NodeID        string   `toml:"node_id" yaml:"node_id"`
	Host          string   `toml:"host" yaml:"host"`
	Port          int      `toml:"port" yaml:"port"`
	LogLevel      string   `toml:"log_level" yaml:"log_level"`
	LogFormat     string   `toml:"log_format" yaml:"log_format"` // text or json
	TxTTL         Duration `toml:"tx_ttl" yaml:"tx_ttl"`         // lifetime of HTTP transaction sessions
	SweepInterval Duration `toml:"sweep_interval" yaml:"sweep_interval"`
	Retry         Retry    `toml:"retry" yaml:"retry"`
}

// New returns a new Config with default values.
func New() *Config {
	return &Config{
		NodeID:        "",
		Host:          "localhost",
		Port:          8080,
		LogLevel:      "info",
		LogFormat:     "text",
		TxTTL:         Duration{5 * time.Minute},
		SweepInterval: Duration{30 * time.Second},
		Retry: Retry{
			Policy:          RetryPolicyNone,
			InitialInterval: Duration{time.Millisecond},
			MaxInterval:     Duration{100 * time.Millisecond},
		},
	}
}

// Load reads a configuration file from the given path and populates the Config struct.
// Files ending in .yaml or .yml are read as YAML, everything else as TOML.
func (c *Config) Load(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return errors.Wrapf(err, "parse yaml config %s", path)
		}
	default:
		if _, err := toml.DecodeFile(path, c); err != nil {
			return errors.Wrapf(err, "parse toml config %s", path)
		}
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Port <= 0 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		result = multierror.Append(result, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if c.TxTTL.Duration <= 0 {
		result = multierror.Append(result, errors.New("tx_ttl must be positive"))
	}
	if c.SweepInterval.Duration <= 0 {
		result = multierror.Append(result, errors.New("sweep_interval must be positive"))
	}

	switch c.Retry.Policy {
	case RetryPolicyNone:
	case RetryPolicyExponential:
		if c.Retry.InitialInterval.Duration <= 0 {
			result = multierror.Append(result, errors.New("retry.initial_interval must be positive"))
		}
		if c.Retry.MaxInterval.Duration < c.Retry.InitialInterval.Duration {
			result = multierror.Append(result, errors.New("retry.max_interval must not be below retry.initial_interval"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown retry.policy %q", c.Retry.Policy))
	}

	return result.ErrorOrNil()
}
