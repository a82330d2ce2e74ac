// Package config holds the runtime configuration of logship: the HTTP ingest
// service, dispatcher defaults and the list of sinks events are routed to.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"logship/internal/dispatcher"
	"logship/internal/sink"
)

// Sink types understood by the processor
const (
	SinkFile    = "file"
	SinkNetwork = "network"
	SinkKafka   = "kafka"
	SinkPebble  = "pebble"
	SinkMail    = "mail"
)

// Config holds runtime configuration for the processor.
type Config struct {
	// LogLevel of the diagnostic logger (trace..error)
	LogLevel string `yaml:"logLevel"`

	HTTP HTTPConfig `yaml:"http"`

	// Dispatcher holds the defaults every sink starts from
	Dispatcher dispatcher.Config `yaml:"dispatcher"`

	Sinks []SinkConfig `yaml:"sinks"`
}

// HTTPConfig configures the ingest server
type HTTPConfig struct {
	Addr string `yaml:"addr"`

	// AuthToken enables bearer authentication on /ingest when set
	AuthToken string `yaml:"authToken"`

	MaxBodySize   int64         `yaml:"maxBodySize"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	StatsInterval time.Duration `yaml:"statsInterval"`

	// WaitTimeout bounds ?wait=true requests
	WaitTimeout time.Duration `yaml:"waitTimeout"`
}

// SinkConfig describes one destination
type SinkConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Key is the destination template: a file path, an address, a topic or
	// a store directory, rendered per event
	Key string `yaml:"key"`

	// Options are decoded by the sink into its own option struct
	Options map[string]any `yaml:"options"`

	// Dispatcher overrides fields of the top-level dispatcher defaults
	Dispatcher map[string]any `yaml:"dispatcher"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:          ":8080",
			MaxBodySize:   10 * 1024 * 1024,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  30 * time.Second,
			StatsInterval: 30 * time.Second,
			WaitTimeout:   20 * time.Second,
		},
		Dispatcher: dispatcher.DefaultConfig(),
		Sinks: []SinkConfig{
			{
				Name: "file",
				Type: SinkFile,
				Key:  "logs/{{ .Source }}.log",
			},
		},
	}
}

// Load reads a YAML file on top of the defaults and applies environment
// overrides. An empty path loads only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown fields are rejected; a sinks list in
// data replaces the default one.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from LOGSHIP_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("LOGSHIP_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("LOGSHIP_HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("LOGSHIP_AUTH_TOKEN"); ok {
		c.HTTP.AuthToken = v
	}
}

// Validate checks the configuration, including every sink's dispatcher
// settings
func (c *Config) Validate() error {
	if c.HTTP.MaxBodySize < 0 {
		return fmt.Errorf("http.maxBodySize must be non-negative, got %d", c.HTTP.MaxBodySize)
	}

	if len(c.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}

	seen := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sinks[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sinks[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case SinkFile, SinkNetwork, SinkKafka, SinkPebble, SinkMail:
		default:
			return fmt.Errorf("sink %s: unknown type %q", s.Name, s.Type)
		}

		if _, err := c.DispatcherFor(s); err != nil {
			return fmt.Errorf("sink %s: %w", s.Name, err)
		}
	}
	return nil
}

// DispatcherFor returns the dispatcher settings of s: the defaults with its
// overrides applied
func (c *Config) DispatcherFor(s SinkConfig) (dispatcher.Config, error) {
	dc := c.Dispatcher
	if len(s.Dispatcher) > 0 {
		if err := sink.DecodeOptions(s.Dispatcher, &dc); err != nil {
			return dispatcher.Config{}, fmt.Errorf("dispatcher: %w", err)
		}
	}
	dc.Normalize()
	if err := dc.Validate(); err != nil {
		return dispatcher.Config{}, err
	}
	return dc, nil
}
