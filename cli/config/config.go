package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend types.
const (
	BackendDify = "dify"
)

// Sink types.
const (
	SinkCardKit = "cardkit"
	SinkRedis   = "redis"
	SinkConsole = "console"
)

// Store types.
const (
	StoreNone     = "none"
	StoreMemory   = "memory"
	StoreLode     = "lode"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Notify types.
const (
	NotifyNone    = "none"
	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

// Config represents a cardrelay.yaml configuration file.
// CLI flags always override config values.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Sink    SinkConfig    `yaml:"sink"`
	Store   StoreConfig   `yaml:"store"`
	Relay   RelayConfig   `yaml:"relay"`
	Notify  NotifyConfig  `yaml:"notify"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig selects and configures the upstream generation backend.
type BackendConfig struct {
	Type          string   `yaml:"type"`
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	HeaderTimeout Duration `yaml:"header_timeout,omitempty"`
	StopTimeout   Duration `yaml:"stop_timeout,omitempty"`
}

// SinkConfig selects and configures the card sink.
type SinkConfig struct {
	Type string `yaml:"type"`

	// cardkit
	BaseURL   string `yaml:"base_url,omitempty"`
	AppID     string `yaml:"app_id,omitempty"`
	AppSecret string `yaml:"app_secret,omitempty"`
	Token     string `yaml:"token,omitempty"`

	// redis
	URL       string   `yaml:"url,omitempty"`
	Channel   string   `yaml:"channel,omitempty"`
	KeyPrefix string   `yaml:"key_prefix,omitempty"`
	TTL       Duration `yaml:"ttl,omitempty"`

	Timeout Duration `yaml:"timeout,omitempty"`
}

// StoreConfig selects and configures conversation capture.
type StoreConfig struct {
	Type string `yaml:"type"`

	// lode
	Dataset     string `yaml:"dataset,omitempty"`
	Backend     string `yaml:"backend,omitempty"`
	Path        string `yaml:"path,omitempty"`
	Region      string `yaml:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	S3PathStyle bool   `yaml:"s3_path_style,omitempty"`

	// redis
	URL string `yaml:"url,omitempty"`
	Key string `yaml:"key,omitempty"`

	// postgres
	DSN   string `yaml:"dsn,omitempty"`
	Table string `yaml:"table,omitempty"`
}

// RelayConfig tunes the sequencer.
type RelayConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseDelay         Duration `yaml:"base_delay,omitempty"`
	MaxDelay          Duration `yaml:"max_delay,omitempty"`
	StatusUpdates     bool     `yaml:"status_updates"`
	IdleTimeout       Duration `yaml:"idle_timeout,omitempty"`
	SideEffectTimeout Duration `yaml:"side_effect_timeout,omitempty"`
}

// NotifyConfig selects where stream completion events are published.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Channel string            `yaml:"channel,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// ServerConfig holds HTTP server settings for serve.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout    Duration `yaml:"write_timeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{Type: BackendDify},
		Sink:    SinkConfig{Type: SinkCardKit},
		Store:   StoreConfig{Type: StoreNone},
		Notify:  NotifyConfig{Type: NotifyNone},
		Relay:   RelayConfig{MaxAttempts: 10},
		Server:  ServerConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info"},
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Backend.Type {
	case BackendDify:
		if c.Backend.BaseURL == "" {
			add("backend.base_url is required for %s", c.Backend.Type)
		}
		if c.Backend.APIKey == "" {
			add("backend.api_key is required for %s", c.Backend.Type)
		}
	default:
		add("backend.type %q is not supported (must be dify)", c.Backend.Type)
	}

	switch c.Sink.Type {
	case SinkCardKit:
		if c.Sink.Token == "" && (c.Sink.AppID == "" || c.Sink.AppSecret == "") {
			add("sink.token or sink.app_id and sink.app_secret are required for cardkit")
		}
	case SinkRedis:
		if c.Sink.URL == "" {
			add("sink.url is required for redis")
		}
	case SinkConsole:
	default:
		add("sink.type %q is not supported (must be cardkit, redis or console)", c.Sink.Type)
	}

	switch c.Store.Type {
	case "", StoreNone, StoreMemory:
	case StoreLode:
		switch c.Store.Backend {
		case "", "fs":
			if c.Store.Path == "" {
				add("store.path is required for lode fs")
			}
		case "s3":
			if c.Store.Path == "" {
				add("store.path (bucket[/prefix]) is required for lode s3")
			}
		default:
			add("store.backend %q is not supported (must be fs or s3)", c.Store.Backend)
		}
	case StoreRedis:
		if c.Store.URL == "" {
			add("store.url is required for redis")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for postgres")
		}
	default:
		add("store.type %q is not supported (must be none, memory, lode, redis or postgres)", c.Store.Type)
	}

	switch c.Notify.Type {
	case "", NotifyNone:
	case NotifyWebhook, NotifyRedis:
		if c.Notify.URL == "" {
			add("notify.url is required for %s", c.Notify.Type)
		}
		if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
			add("notify.retries must be >= 0, got %d", *c.Notify.Retries)
		}
	default:
		add("notify.type %q is not supported (must be none, webhook or redis)", c.Notify.Type)
	}

	if c.Relay.MaxAttempts < 1 {
		add("relay.max_attempts must be >= 1, got %d", c.Relay.MaxAttempts)
	}
	if c.Relay.BaseDelay.Duration < 0 || c.Relay.MaxDelay.Duration < 0 {
		add("relay delays must not be negative")
	}
	if c.Relay.IdleTimeout.Duration < 0 {
		add("relay.idle_timeout must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		add("log.level %q is not supported (must be debug, info, warn or error)", c.Log.Level)
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
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
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.Duration.String(), nil
}

// IsZero lets omitempty drop unset durations.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}
