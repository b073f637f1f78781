package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
logging:
  development: false
  level: debug
browser:
  driver: remote
  base_port: 9300
  remote_host: chrome.internal
  headless: false
pool:
  sessions: 3
  acquire_interval_seconds: 2
  max_acquire_attempts: 10
orchestrator:
  concurrency: 6
  delay_min_ms: 500
  delay_max_ms: 900
db:
  driver: memory
directory:
  categories:
    - name: Home Builders in Ontario
      url: https://www.example.com/professionals/home-builders/on
  page_size: 15
  last_page: 40
extract:
  preset: member-directory
  selectors:
    phone: ".tel"
archive:
  provider: local
  base_dir: /tmp/markup
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Browser.Driver != "remote" || cfg.Browser.BasePort != 9300 || cfg.Browser.Headless {
		t.Fatalf("expected browser overrides to apply: %+v", cfg.Browser)
	}
	if cfg.Pool.Sessions != 3 || cfg.Orchestrator.Concurrency != 6 {
		t.Fatalf("expected pool/orchestrator overrides to apply")
	}
	if got := cfg.AcquireInterval(); got != 2*time.Second {
		t.Fatalf("expected acquire interval 2s, got %v", got)
	}
	lo, hi := cfg.DelayRange()
	if lo != 500*time.Millisecond || hi != 900*time.Millisecond {
		t.Fatalf("expected delay range 500ms-900ms, got %v-%v", lo, hi)
	}
	if len(cfg.Directory.Categories) != 1 || cfg.Directory.Categories[0].Name != "Home Builders in Ontario" {
		t.Fatalf("expected one category: %+v", cfg.Directory.Categories)
	}
	if cfg.Directory.EndMarker != "hz-browse-suggestions__tip" {
		t.Fatalf("expected default end marker, got %q", cfg.Directory.EndMarker)
	}
	sel, err := cfg.ExtractSelectors()
	if err != nil {
		t.Fatalf("ExtractSelectors() error = %v", err)
	}
	if sel.Phone != ".tel" || sel.Container != ".searchprofile" {
		t.Fatalf("expected preset merged with overrides: %+v", sel)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HARVESTER_DB_DRIVER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Sessions != 5 || cfg.Orchestrator.Concurrency != 10 {
		t.Fatalf("expected K=5 L=10 defaults, got %d/%d", cfg.Pool.Sessions, cfg.Orchestrator.Concurrency)
	}
	if cfg.Browser.BasePort != 9222 || cfg.Selectors.Detail != "#business" {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Browser, cfg.Selectors)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Logging:      LoggingConfig{Level: "info"},
		Browser:      BrowserConfig{Driver: "exec", BasePort: 9222, NavigateTimeoutSeconds: 30},
		Pool:         PoolConfig{Sessions: 5},
		Orchestrator: OrchestratorConfig{Concurrency: 10},
		DB:           DBConfig{Driver: "memory"},
		Directory:    DirectoryConfig{PageSize: 15},
		Extract:      ExtractConfig{Preset: "houzz"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"invalid level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"invalid driver", func(c *Config) { c.Browser.Driver = "firefox" }, "browser.driver"},
		{"no sessions", func(c *Config) { c.Pool.Sessions = 0 }, "pool.sessions"},
		{"port overflow", func(c *Config) { c.Browser.BasePort = 65534 }, "browser.base_port"},
		{"no concurrency", func(c *Config) { c.Orchestrator.Concurrency = 0 }, "orchestrator.concurrency"},
		{"inverted delay", func(c *Config) { c.Orchestrator.DelayMinMs = 10 }, "orchestrator.delay_max_ms"},
		{"postgres without dsn", func(c *Config) { c.DB.Driver = "postgres" }, "db.dsn"},
		{"bad page size", func(c *Config) { c.Directory.PageSize = 0 }, "directory.page_size"},
		{"inverted pages", func(c *Config) { c.Directory.FirstPage = 3 }, "directory.last_page"},
		{"unknown preset", func(c *Config) { c.Extract.Preset = "nope" }, "extract.preset"},
		{"gcs without bucket", func(c *Config) { c.Archive.Provider = "gcs" }, "archive.gcs_bucket"},
		{"topic without project", func(c *Config) { c.PubSub.Topic = "runs" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mut(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
