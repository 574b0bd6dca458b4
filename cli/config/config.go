package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied when neither a config file nor the environment sets a value.
const (
	DefaultServer    = "https://pkgsync.io"
	DefaultDevServer = "http://localhost:8000"
)

// Environment variables read by the client.
const (
	// EnvLocal selects the development server when set to anything but
	// "", "0", or "false".
	EnvLocal = "PKGSYNC_LOCAL"
	// EnvServer overrides the production server URL.
	EnvServer = "PKGSYNC_SERVER"
	// EnvLogLevel overrides log_level.
	EnvLogLevel = "PKGSYNC_LOG_LEVEL"
)

// Config represents a pkgsync.yaml configuration file.
// All values are optional.
type Config struct {
	Server    string       `yaml:"server"`
	DevServer string       `yaml:"dev_server"`
	Timeout   Duration     `yaml:"timeout"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"`
	Report    string       `yaml:"report"`
	Notify    NotifyConfig `yaml:"notify"`
}

// NotifyConfig selects where session completion events are published.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Enabled reports whether a notification target is configured.
func (n NotifyConfig) Enabled() bool {
	return n.Type != "" && n.Type != "none"
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// Merge returns a copy of base with every value set in over applied on top.
// Maps are replaced, not merged.
func Merge(base, over *Config) *Config {
	out := &Config{}
	if base != nil {
		*out = *base
	}
	if over == nil {
		return out
	}
	if over.Server != "" {
		out.Server = over.Server
	}
	if over.DevServer != "" {
		out.DevServer = over.DevServer
	}
	if over.Timeout.Duration != 0 {
		out.Timeout = over.Timeout
	}
	if over.LogLevel != "" {
		out.LogLevel = over.LogLevel
	}
	if over.LogFormat != "" {
		out.LogFormat = over.LogFormat
	}
	if over.Report != "" {
		out.Report = over.Report
	}
	if over.Notify.Type != "" {
		out.Notify = over.Notify
	}
	return out
}

// Getenv looks up an environment variable. os.Getenv satisfies it.
type Getenv func(string) string

// LocalMode reports whether the development server is selected.
func LocalMode(getenv Getenv) bool {
	switch strings.ToLower(strings.TrimSpace(getenv(EnvLocal))) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

// ServerURL returns the base URL to send calls to.
//
// Precedence: PKGSYNC_LOCAL selects dev_server (default localhost:8000);
// otherwise PKGSYNC_SERVER, then server, then the built-in default.
func (c *Config) ServerURL(getenv Getenv) string {
	if LocalMode(getenv) {
		if c.DevServer != "" {
			return c.DevServer
		}
		return DefaultDevServer
	}
	if v := getenv(EnvServer); v != "" {
		return v
	}
	if c.Server != "" {
		return c.Server
	}
	return DefaultServer
}

// ResolveLogLevel returns PKGSYNC_LOG_LEVEL if set, otherwise log_level.
func (c *Config) ResolveLogLevel(getenv Getenv) string {
	if v := getenv(EnvLogLevel); v != "" {
		return v
	}
	return c.LogLevel
}
