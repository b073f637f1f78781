// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/extract"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	DB           DBConfig           `mapstructure:"db"`
	Directory    DirectoryConfig    `mapstructure:"directory"`
	Extract      ExtractConfig      `mapstructure:"extract"`
	Selectors    SelectorsConfig    `mapstructure:"selectors"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Ops          OpsConfig          `mapstructure:"ops"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig configures how sessions are created.
type BrowserConfig struct {
	// Driver is exec, remote or static.
	Driver                 string `mapstructure:"driver"`
	BasePort               int    `mapstructure:"base_port"`
	RemoteHost             string `mapstructure:"remote_host"`
	Headless               bool   `mapstructure:"headless"`
	ViewportWidth          int    `mapstructure:"viewport_width"`
	ViewportHeight         int    `mapstructure:"viewport_height"`
	ConnectTimeoutSeconds  int    `mapstructure:"connect_timeout_seconds"`
	NavigateTimeoutSeconds int    `mapstructure:"navigate_timeout_seconds"`
	ScriptTimeoutSeconds   int    `mapstructure:"script_timeout_seconds"`
	UserAgent              string `mapstructure:"user_agent"`
}

// PoolConfig sizes the session pool and the wait for a free session.
type PoolConfig struct {
	Sessions               int `mapstructure:"sessions"`
	AcquireIntervalSeconds int `mapstructure:"acquire_interval_seconds"`
	MaxAcquireAttempts     int `mapstructure:"max_acquire_attempts"`
}

// OrchestratorConfig bounds concurrency and the per-item delay.
type OrchestratorConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	DelayMinMs  int `mapstructure:"delay_min_ms"`
	DelayMaxMs  int `mapstructure:"delay_max_ms"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	// Driver is postgres or memory.
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int    `mapstructure:"max_conns"`
	MinConns               int    `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// CategoryConfig is one directory listing to walk.
type CategoryConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// DirectoryConfig describes how listing pages are addressed.
type DirectoryConfig struct {
	Categories      []CategoryConfig `mapstructure:"categories"`
	PageParam       string           `mapstructure:"page_param"`
	PageSize        int              `mapstructure:"page_size"`
	FirstPage       int              `mapstructure:"first_page"`
	LastPage        int              `mapstructure:"last_page"`
	ListingSelector string           `mapstructure:"listing_selector"`
	EndMarker       string           `mapstructure:"end_marker"`
}

// ExtractConfig picks a selector preset and optional overrides.
type ExtractConfig struct {
	Preset    string            `mapstructure:"preset"`
	Selectors extract.Selectors `mapstructure:"selectors"`
}

// SelectorsConfig holds the elements fetched by the detail and website stages.
type SelectorsConfig struct {
	Detail    string `mapstructure:"detail"`
	WholePage string `mapstructure:"whole_page"`
}

// ArchiveConfig sets where persisted markup copies are written.
type ArchiveConfig struct {
	// Provider is none, local, memory or gcs.
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for stage summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// OpsConfig sets the listen address of the ops endpoint; empty disables it.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("browser.driver", "exec")
	v.SetDefault("browser.base_port", 9222)
	v.SetDefault("browser.remote_host", "127.0.0.1")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.connect_timeout_seconds", 30)
	v.SetDefault("browser.navigate_timeout_seconds", 30)
	v.SetDefault("browser.script_timeout_seconds", 30)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("pool.sessions", 5)
	v.SetDefault("pool.acquire_interval_seconds", 5)
	v.SetDefault("pool.max_acquire_attempts", 60)
	v.SetDefault("orchestrator.concurrency", 10)
	v.SetDefault("orchestrator.delay_min_ms", 1000)
	v.SetDefault("orchestrator.delay_max_ms", 3000)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("directory.page_param", "fi")
	v.SetDefault("directory.page_size", 15)
	v.SetDefault("directory.first_page", 0)
	v.SetDefault("directory.last_page", 500)
	v.SetDefault("directory.listing_selector", ".pro-results")
	v.SetDefault("directory.end_marker", "hz-browse-suggestions__tip")
	v.SetDefault("extract.preset", "houzz")
	v.SetDefault("selectors.detail", "#business")
	v.SetDefault("selectors.whole_page", "body")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "markup")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("ops.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level %q is invalid", c.Logging.Level)
	}
	switch c.Browser.Driver {
	case "exec", "remote", "static":
	default:
		return fmt.Errorf("browser.driver must be exec, remote or static")
	}
	if c.Pool.Sessions <= 0 {
		return fmt.Errorf("pool.sessions must be > 0")
	}
	if c.Browser.BasePort <= 0 || c.Browser.BasePort+c.Pool.Sessions > 65535 {
		return fmt.Errorf("browser.base_port must leave room for %d sessions", c.Pool.Sessions)
	}
	if c.Browser.NavigateTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.navigate_timeout_seconds must be > 0")
	}
	if c.Pool.AcquireIntervalSeconds < 0 {
		return fmt.Errorf("pool.acquire_interval_seconds must be >= 0")
	}
	if c.Orchestrator.Concurrency <= 0 {
		return fmt.Errorf("orchestrator.concurrency must be > 0")
	}
	if c.Orchestrator.DelayMinMs < 0 || c.Orchestrator.DelayMaxMs < c.Orchestrator.DelayMinMs {
		return fmt.Errorf("orchestrator.delay_max_ms must be >= orchestrator.delay_min_ms >= 0")
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("db.driver must be postgres or memory")
	}
	if c.Directory.PageSize <= 0 {
		return fmt.Errorf("directory.page_size must be > 0")
	}
	if c.Directory.LastPage < c.Directory.FirstPage {
		return fmt.Errorf("directory.last_page must be >= directory.first_page")
	}
	if _, err := extract.Preset(c.Extract.Preset); err != nil {
		return fmt.Errorf("extract.preset: %w", err)
	}
	switch c.Archive.Provider {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be none, local, memory or gcs")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// AcquireInterval is the delay between pool polls.
func (c Config) AcquireInterval() time.Duration {
	return time.Duration(c.Pool.AcquireIntervalSeconds) * time.Second
}

// DelayRange returns the per-item delay bounds.
func (c Config) DelayRange() (time.Duration, time.Duration) {
	return time.Duration(c.Orchestrator.DelayMinMs) * time.Millisecond,
		time.Duration(c.Orchestrator.DelayMaxMs) * time.Millisecond
}

// ExtractSelectors resolves the preset and applies any overrides.
func (c Config) ExtractSelectors() (extract.Selectors, error) {
	base, err := extract.Preset(c.Extract.Preset)
	if err != nil {
		return extract.Selectors{}, err
	}
	return c.Extract.Selectors.Merge(base), nil
}

// Seconds converts an integer seconds knob.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
