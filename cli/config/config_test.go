package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `backend:
  type: dify
  base_url: https://api.dify.ai/v1
  api_key: app-123
  header_timeout: 30s

sink:
  type: cardkit
  app_id: cli_a
  app_secret: s3cret
  timeout: 5s

store:
  type: lode
  dataset: convs
  backend: s3
  path: my-bucket/prefix
  region: us-east-1
  endpoint: https://example.com
  s3_path_style: true

relay:
  max_attempts: 5
  base_delay: 100ms
  max_delay: 2s
  status_updates: true
  idle_timeout: 2m

notify:
  type: webhook
  url: https://hooks.example.com/cards
  headers:
    Authorization: Bearer abc
  timeout: 3s
  retries: 0

server:
  addr: 127.0.0.1:9090
  shutdown_timeout: 15s

log:
  level: debug
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "backend.base_url", cfg.Backend.BaseURL, "https://api.dify.ai/v1")
	assertEqual(t, "backend.api_key", cfg.Backend.APIKey, "app-123")
	if cfg.Backend.HeaderTimeout.Duration != 30*time.Second {
		t.Errorf("expected backend.header_timeout=30s, got %v", cfg.Backend.HeaderTimeout.Duration)
	}

	assertEqual(t, "sink.type", cfg.Sink.Type, "cardkit")
	assertEqual(t, "sink.app_id", cfg.Sink.AppID, "cli_a")
	if cfg.Sink.Timeout.Duration != 5*time.Second {
		t.Errorf("expected sink.timeout=5s, got %v", cfg.Sink.Timeout.Duration)
	}

	assertEqual(t, "store.type", cfg.Store.Type, "lode")
	assertEqual(t, "store.backend", cfg.Store.Backend, "s3")
	assertEqual(t, "store.path", cfg.Store.Path, "my-bucket/prefix")
	assertEqual(t, "store.region", cfg.Store.Region, "us-east-1")
	if !cfg.Store.S3PathStyle {
		t.Error("expected store.s3_path_style=true")
	}

	if cfg.Relay.MaxAttempts != 5 {
		t.Errorf("expected relay.max_attempts=5, got %d", cfg.Relay.MaxAttempts)
	}
	if cfg.Relay.BaseDelay.Duration != 100*time.Millisecond {
		t.Errorf("expected relay.base_delay=100ms, got %v", cfg.Relay.BaseDelay.Duration)
	}
	if !cfg.Relay.StatusUpdates {
		t.Error("expected relay.status_updates=true")
	}
	if cfg.Relay.IdleTimeout.Duration != 2*time.Minute {
		t.Errorf("expected relay.idle_timeout=2m, got %v", cfg.Relay.IdleTimeout.Duration)
	}

	assertEqual(t, "notify.type", cfg.Notify.Type, NotifyWebhook)
	assertEqual(t, "notify.headers.Authorization", cfg.Notify.Headers["Authorization"], "Bearer abc")
	if cfg.Notify.Retries == nil || *cfg.Notify.Retries != 0 {
		t.Errorf("expected notify.retries=0 to be kept, got %v", cfg.Notify.Retries)
	}
	if cfg.Notify.Timeout.Duration != 3*time.Second {
		t.Errorf("expected notify.timeout=3s, got %v", cfg.Notify.Timeout.Duration)
	}

	assertEqual(t, "server.addr", cfg.Server.Addr, "127.0.0.1:9090")
	assertEqual(t, "log.level", cfg.Log.Level, "debug")

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_DefaultsKept(t *testing.T) {
	path := writeTemp(t, "backend:\n  base_url: http://localhost/v1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "backend.type", cfg.Backend.Type, BackendDify)
	assertEqual(t, "sink.type", cfg.Sink.Type, SinkCardKit)
	assertEqual(t, "store.type", cfg.Store.Type, StoreNone)
	assertEqual(t, "server.addr", cfg.Server.Addr, ":8080")
	if cfg.Relay.MaxAttempts != 10 {
		t.Errorf("expected default max_attempts=10, got %d", cfg.Relay.MaxAttempts)
	}
	if cfg.Relay.IdleTimeout.Duration != 0 {
		t.Errorf("expected idle timeout disabled by default, got %v", cfg.Relay.IdleTimeout.Duration)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeTemp(t, "# nothing here\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "log.level", cfg.Log.Level, "info")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("CARDRELAY_TEST_KEY", "app-env")
	path := writeTemp(t, "backend:\n  api_key: ${CARDRELAY_TEST_KEY}\n  base_url: ${CARDRELAY_TEST_URL:-http://dify.local/v1}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "backend.api_key", cfg.Backend.APIKey, "app-env")
	assertEqual(t, "backend.base_url", cfg.Backend.BaseURL, "http://dify.local/v1")
}

func TestLoad_RequiredEnvMissing(t *testing.T) {
	path := writeTemp(t, "backend:\n  api_key: ${CARDRELAY_TEST_UNSET_KEY:?set the Dify key}\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "CARDRELAY_TEST_UNSET_KEY") {
		t.Errorf("expected missing variable error, got %v", err)
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "backend: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Error("expected YAML error")
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeTemp(t, "relay:\n  max_attempt: 3\n")
	if _, err := Load(path); err == nil {
		t.Error("expected unknown key error")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTemp(t, "relay:\n  idle_timeout: soon\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("expected invalid duration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Backend.BaseURL = "http://dify.local/v1"
		cfg.Backend.APIKey = "app-1"
		cfg.Sink.Token = "t-1"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{"valid", func(*Config) {}, nil},
		{"console sink", func(c *Config) { c.Sink = SinkConfig{Type: SinkConsole} }, nil},
		{"missing backend", func(c *Config) { c.Backend.BaseURL = ""; c.Backend.APIKey = "" },
			[]string{"backend.base_url", "backend.api_key"}},
		{"unknown backend", func(c *Config) { c.Backend.Type = "openai" }, []string{"backend.type"}},
		{"cardkit credentials", func(c *Config) { c.Sink.Token = "" }, []string{"sink.token"}},
		{"redis sink url", func(c *Config) { c.Sink = SinkConfig{Type: SinkRedis} }, []string{"sink.url"}},
		{"unknown sink", func(c *Config) { c.Sink.Type = "slack" }, []string{"sink.type"}},
		{"lode path", func(c *Config) { c.Store = StoreConfig{Type: StoreLode} }, []string{"store.path"}},
		{"lode backend", func(c *Config) { c.Store = StoreConfig{Type: StoreLode, Backend: "gcs", Path: "x"} },
			[]string{"store.backend"}},
		{"redis store", func(c *Config) { c.Store = StoreConfig{Type: StoreRedis} }, []string{"store.url"}},
		{"postgres store", func(c *Config) { c.Store = StoreConfig{Type: StorePostgres} }, []string{"store.dsn"}},
		{"unknown store", func(c *Config) { c.Store.Type = "mongo" }, []string{"store.type"}},
		{"notify url", func(c *Config) { c.Notify = NotifyConfig{Type: NotifyRedis} }, []string{"notify.url"}},
		{"notify retries", func(c *Config) {
			n := -1
			c.Notify = NotifyConfig{Type: NotifyWebhook, URL: "http://h", Retries: &n}
		}, []string{"notify.retries"}},
		{"unknown notify", func(c *Config) { c.Notify.Type = "kafka" }, []string{"notify.type"}},
		{"attempts", func(c *Config) { c.Relay.MaxAttempts = 0 }, []string{"relay.max_attempts"}},
		{"idle", func(c *Config) { c.Relay.IdleTimeout.Duration = -time.Second }, []string{"relay.idle_timeout"}},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, []string{"log.level"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if len(tt.want) == 0 {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %s", err, w)
				}
			}
		})
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cardrelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
