// Package config loads engine configuration from TOML files. Every
// field is optional; zero values fall back to each package's
// defaults, so an empty file yields a working engine.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/wirekit/correlation"
	"github.com/vinayprograms/wirekit/pipeline"
	"github.com/vinayprograms/wirekit/ratelimit"
	"github.com/vinayprograms/wirekit/session"
	"github.com/vinayprograms/wirekit/telemetry"
	"github.com/vinayprograms/wirekit/transport"
)

// Duration parses TOML strings like "30s" or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// File is the full on-disk configuration.
type File struct {
	Correlation CorrelationSection `toml:"correlation"`
	Pipeline    PipelineSection    `toml:"pipeline"`
	Session     SessionSection     `toml:"session"`
	Transport   TransportSection   `toml:"transport"`
	RateLimit   RateLimitSection   `toml:"ratelimit"`
	Telemetry   TelemetrySection   `toml:"telemetry"`
	Logging     LoggingSection     `toml:"logging"`
}

// CorrelationSection mirrors correlation.Config.
type CorrelationSection struct {
	DefaultTimeout Duration `toml:"default_timeout"`
	SweepInterval  Duration `toml:"sweep_interval"`
	MaxPending     int      `toml:"max_pending"`
}

// PipelineSection mirrors pipeline.Config.
type PipelineSection struct {
	Workers         int      `toml:"workers"`
	QueueSize       int      `toml:"queue_size"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// SessionSection mirrors session.Config.
type SessionSection struct {
	IdleTimeout     Duration `toml:"idle_timeout"`
	SweepInterval   Duration `toml:"sweep_interval"`
	AllowPipelining bool     `toml:"allow_pipelining"`
	MaxSessions     int      `toml:"max_sessions"`
}

// TransportSection mirrors transport.Config.
type TransportSection struct {
	SendBuffer     int      `toml:"send_buffer"`
	WriteTimeout   Duration `toml:"write_timeout"`
	MaxMessageSize int64    `toml:"max_message_size"`
}

// RateLimitSection mirrors ratelimit.Config.
type RateLimitSection struct {
	DefaultCapacity int      `toml:"default_capacity"`
	DefaultWindow   Duration `toml:"default_window"`
}

// TelemetrySection mirrors telemetry.ProviderConfig.
type TelemetrySection struct {
	Enabled        bool              `toml:"enabled"`
	ServiceName    string            `toml:"service_name"`
	ServiceVersion string            `toml:"service_version"`
	Endpoint       string            `toml:"endpoint"`
	Protocol       string            `toml:"protocol"`
	Insecure       bool              `toml:"insecure"`
	Headers        map[string]string `toml:"headers"`
}

// LoggingSection selects log verbosity.
type LoggingSection struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// Load reads and parses a TOML file.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return LoadReader(f)
}

// LoadReader parses TOML from a reader.
func LoadReader(r io.Reader) (*File, error) {
	var cfg File
	meta, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section against its package's rules.
func (f *File) Validate() error {
	if err := f.ToCorrelation().Validate(); err != nil {
		return err
	}
	if err := f.ToPipeline().Validate(); err != nil {
		return err
	}
	if err := f.ToSession().Validate(); err != nil {
		return err
	}
	if err := f.ToRateLimit().Validate(); err != nil {
		return err
	}
	switch f.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", f.Logging.Level)
	}
	return nil
}

// ToCorrelation builds the correlation manager config, zero fields
// falling back to defaults.
func (f *File) ToCorrelation() correlation.Config {
	cfg := correlation.DefaultConfig()
	if d := f.Correlation.DefaultTimeout.Std(); d != 0 {
		cfg.DefaultTimeout = d
	}
	if d := f.Correlation.SweepInterval.Std(); d != 0 {
		cfg.SweepInterval = d
	}
	if f.Correlation.MaxPending != 0 {
		cfg.MaxPending = f.Correlation.MaxPending
	}
	return cfg
}

// ToPipeline builds the processor config.
func (f *File) ToPipeline() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	if f.Pipeline.Workers != 0 {
		cfg.Workers = f.Pipeline.Workers
	}
	if f.Pipeline.QueueSize != 0 {
		cfg.QueueSize = f.Pipeline.QueueSize
	}
	if d := f.Pipeline.ShutdownTimeout.Std(); d != 0 {
		cfg.ShutdownTimeout = d
	}
	return cfg
}

// ToSession builds the coordinator config.
func (f *File) ToSession() session.Config {
	cfg := session.DefaultConfig()
	if d := f.Session.IdleTimeout.Std(); d != 0 {
		cfg.IdleTimeout = d
	}
	if d := f.Session.SweepInterval.Std(); d != 0 {
		cfg.SweepInterval = d
	}
	cfg.AllowPipelining = f.Session.AllowPipelining
	if f.Session.MaxSessions != 0 {
		cfg.MaxSessions = f.Session.MaxSessions
	}
	return cfg
}

// ToTransport builds the adapter config.
func (f *File) ToTransport() transport.Config {
	cfg := transport.DefaultConfig()
	if f.Transport.SendBuffer != 0 {
		cfg.SendBuffer = f.Transport.SendBuffer
	}
	if d := f.Transport.WriteTimeout.Std(); d != 0 {
		cfg.WriteTimeout = d
	}
	if f.Transport.MaxMessageSize != 0 {
		cfg.MaxMessageSize = f.Transport.MaxMessageSize
	}
	return cfg
}

// ToRateLimit builds the limiter config.
func (f *File) ToRateLimit() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if f.RateLimit.DefaultCapacity != 0 {
		cfg.DefaultCapacity = f.RateLimit.DefaultCapacity
	}
	if d := f.RateLimit.DefaultWindow.Std(); d != 0 {
		cfg.DefaultWindow = d
	}
	return cfg
}

// ToTelemetry builds the provider config. Returns false when
// telemetry is disabled.
func (f *File) ToTelemetry() (telemetry.ProviderConfig, bool) {
	if !f.Telemetry.Enabled {
		return telemetry.ProviderConfig{}, false
	}
	return telemetry.ProviderConfig{
		ServiceName:    f.Telemetry.ServiceName,
		ServiceVersion: f.Telemetry.ServiceVersion,
		Endpoint:       f.Telemetry.Endpoint,
		Protocol:       f.Telemetry.Protocol,
		Insecure:       f.Telemetry.Insecure,
		Headers:        f.Telemetry.Headers,
	}, true
}
