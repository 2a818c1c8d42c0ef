// Package config loads bridge configuration from YAML files. The file
// declares a list of bridges, each with a source and destination endpoint
// naming a backend, an address and connection parameters. Omitted
// connection parameters fall back to the transport defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/commlink-io/commlink-go/transport"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Endpoint configures one side of a bridge.
type Endpoint struct {
	Backend  string `yaml:"backend"`
	Address  string `yaml:"address"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	VHost    string `yaml:"vhost"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ReconnectAttempts int      `yaml:"reconnect_attempts"`
	RetryDelay        Duration `yaml:"retry_delay"`
	SocketTimeout     Duration `yaml:"socket_timeout"`
	Heartbeat         Duration `yaml:"heartbeat"`
}

// Params merges the endpoint's connection settings over the transport
// defaults.
func (e Endpoint) Params() transport.ConnectionParams {
	p := transport.DefaultConnectionParams()
	if e.Host != "" {
		p.Host = e.Host
	}
	if e.Port != 0 {
		p.Port = e.Port
	}
	if e.VHost != "" {
		p.VHost = e.VHost
	}
	if e.Username != "" {
		p.Username = e.Username
	}
	if e.Password != "" {
		p.Password = e.Password
	}
	if e.ReconnectAttempts != 0 {
		p.ReconnectAttempts = e.ReconnectAttempts
	}
	if e.RetryDelay != 0 {
		p.RetryDelay = e.RetryDelay.Std()
	}
	if e.SocketTimeout != 0 {
		p.SocketTimeout = e.SocketTimeout.Std()
	}
	if e.Heartbeat != 0 {
		p.Heartbeat = e.Heartbeat.Std()
	}
	return p
}

func (e Endpoint) validate(name, side string) error {
	if e.Backend == "" {
		return fmt.Errorf("%w: bridge %q: %s backend is required", ErrInvalidConfig, name, side)
	}
	if e.Address == "" {
		return fmt.Errorf("%w: bridge %q: %s address is required", ErrInvalidConfig, name, side)
	}
	return nil
}

// Bridge configures one bridge.
type Bridge struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"` // "rpc" or "topic"
	CallTimeout Duration `yaml:"call_timeout"`

	Source      Endpoint `yaml:"source"`
	Destination Endpoint `yaml:"destination"`
}

func (b Bridge) validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: bridge name is required", ErrInvalidConfig)
	}
	if b.Kind != "rpc" && b.Kind != "topic" {
		return fmt.Errorf("%w: bridge %q: kind must be rpc or topic, got %q", ErrInvalidConfig, b.Name, b.Kind)
	}
	if err := b.Source.validate(b.Name, "source"); err != nil {
		return err
	}
	return b.Destination.validate(b.Name, "destination")
}

// Config is the root of a bridge configuration file.
type Config struct {
	Bridges []Bridge `yaml:"bridges"`
}

// Validate checks the whole configuration and rejects duplicate bridge
// names.
func (c *Config) Validate() error {
	if len(c.Bridges) == 0 {
		return fmt.Errorf("%w: no bridges declared", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Bridges))
	for _, b := range c.Bridges {
		if err := b.validate(); err != nil {
			return err
		}
		if seen[b.Name] {
			return fmt.Errorf("%w: duplicate bridge name %q", ErrInvalidConfig, b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
