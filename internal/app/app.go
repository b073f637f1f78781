// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/browser"
	"github.com/JakeFAU/listing-harvester/internal/clock/system"
	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/extract"
	"github.com/JakeFAU/listing-harvester/internal/hash/sha256"
	"github.com/JakeFAU/listing-harvester/internal/id/uuid"
	"github.com/JakeFAU/listing-harvester/internal/orchestrator"
	"github.com/JakeFAU/listing-harvester/internal/publisher"
	"github.com/JakeFAU/listing-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-harvester/internal/stage"
	"github.com/JakeFAU/listing-harvester/internal/storage"
	"github.com/JakeFAU/listing-harvester/internal/storage/gcs"
	"github.com/JakeFAU/listing-harvester/internal/storage/local"
	blobmemory "github.com/JakeFAU/listing-harvester/internal/storage/memory"
	"github.com/JakeFAU/listing-harvester/internal/store"
	"github.com/JakeFAU/listing-harvester/internal/store/memory"
	"github.com/JakeFAU/listing-harvester/internal/store/postgres"
)

// App holds all the shared, long-lived services for one harvester process:
// the logger, the store, the markup archive, the run publisher and the
// stage runner built on top of them.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     store.Store
	archive   *storage.Archive
	publisher publisher.Publisher
	runner    *stage.Runner
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the configuration the services were built from.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetStore exposes the persistence store.
func (a *App) GetStore() store.Store {
	return a.store
}

// GetArchive returns the markup archive, or nil when archiving is disabled.
func (a *App) GetArchive() *storage.Archive {
	return a.archive
}

// GetPublisher returns the run report publisher.
func (a *App) GetPublisher() publisher.Publisher {
	return a.publisher
}

// GetRunner returns the stage runner.
func (a *App) GetRunner() *stage.Runner {
	return a.runner
}

// New creates the services described by cfg. It fails fast when the store,
// the archive bucket or the Pub/Sub client cannot be reached; anything
// opened before the failure is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing application services")

	built := false
	defer func() {
		if !built {
			a.closeAll()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.openPublisher(ctx); err != nil {
		return nil, err
	}

	ids := uuid.New()
	factory, err := browser.NewFactory(BrowserSettings(cfg.Browser), ids, logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session factory: %w", err)
	}
	selectors, err := cfg.ExtractSelectors()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve extract selectors: %w", err)
	}

	deps := stage.Deps{
		Store:     a.store,
		Factory:   factory,
		Extractor: extract.New(selectors),
		Publisher: a.publisher,
		IDs:       ids,
		Clock:     system.New(),
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	a.runner, err = stage.NewRunner(deps, RunnerSettings(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize stage runner: %w", err)
	}

	built = true
	logger.Info("application services initialized",
		zap.String("db", cfg.DB.Driver),
		zap.String("browser", cfg.Browser.Driver),
		zap.String("archive", archiveProvider(cfg.Archive)),
		zap.Bool("publish", cfg.PubSub.Topic != ""),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case "memory":
		a.logger.Info("using in-memory store; rows are lost on exit")
		a.store = memory.New()
	case "postgres":
		a.logger.Info("connecting to PostgreSQL")
		st, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        int32(a.cfg.DB.MaxConns), //nolint:gosec // bounded by config validation
			MinConns:        int32(a.cfg.DB.MinConns), //nolint:gosec // bounded by config validation
			MaxConnLifetime: minutes(a.cfg.DB.MaxConnLifetimeMinutes),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store = st
	default:
		return fmt.Errorf("unknown database driver: %s", a.cfg.DB.Driver)
	}
	a.closers = append(a.closers, closer{"store", func() error {
		a.store.Close()
		return nil
	}})
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("database is unreachable: %w", err)
	}
	return nil
}

func (a *App) openArchive(ctx context.Context) error {
	var blobs storage.BlobStore
	switch provider := archiveProvider(a.cfg.Archive); provider {
	case "none":
		a.logger.Info("markup archive disabled")
		return nil
	case "memory":
		blobs = blobmemory.NewBlobStore()
	case "local":
		bs, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("failed to initialize local archive: %w", err)
		}
		blobs = bs
	case "gcs":
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
		bs, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return fmt.Errorf("failed to initialize gcs archive: %w", err)
		}
		a.closers = append(a.closers, closer{"gcs", bs.Close})
		blobs = bs
	default:
		return fmt.Errorf("unknown archive provider: %s", provider)
	}
	archive, err := storage.NewArchive(blobs, sha256.New(), a.cfg.Archive.Prefix, a.cfg.Archive.ContentType)
	if err != nil {
		return fmt.Errorf("failed to initialize archive: %w", err)
	}
	a.archive = archive
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("run reports will not be published")
		a.publisher = publisher.Noop{}
		return nil
	}
	a.logger.Info("connecting to GCP Pub/Sub", zap.String("topic", a.cfg.PubSub.Topic))
	pub, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to initialize publisher: %w", err)
	}
	a.closers = append(a.closers, closer{"publisher", pub.Close})
	a.publisher = pub
	return nil
}

// Close shuts down the services in reverse order of creation and flushes
// the logger. It is called by a Cobra hook after the command finishes.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.closeAll()
	if err := a.logger.Sync(); err != nil && !isSyncNoise(err) {
		a.logger.Warn("error syncing logger on shutdown", zap.Error(err))
	}
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// BrowserSettings converts the browser config section.
func BrowserSettings(c config.BrowserConfig) browser.Settings {
	return browser.Settings{
		Driver:          browser.Driver(c.Driver),
		BasePort:        c.BasePort,
		RemoteHost:      c.RemoteHost,
		ViewportWidth:   c.ViewportWidth,
		ViewportHeight:  c.ViewportHeight,
		ConnectTimeout:  config.Seconds(c.ConnectTimeoutSeconds),
		NavigateTimeout: config.Seconds(c.NavigateTimeoutSeconds),
		ScriptTimeout:   config.Seconds(c.ScriptTimeoutSeconds),
		UserAgent:       c.UserAgent,
	}
}

// RunnerSettings derives the stage runner knobs from cfg.
func RunnerSettings(cfg config.Config) stage.Settings {
	mode := browser.Headless
	if !cfg.Browser.Headless {
		mode = browser.Headful
	}
	minDelay, maxDelay := cfg.DelayRange()
	categories := make([]stage.Category, 0, len(cfg.Directory.Categories))
	for _, c := range cfg.Directory.Categories {
		categories = append(categories, stage.Category{Name: c.Name, URL: c.URL})
	}
	return stage.Settings{
		Sessions: cfg.Pool.Sessions,
		Mode:     mode,
		Orchestrator: orchestrator.Config{
			Concurrency:        cfg.Orchestrator.Concurrency,
			AcquireInterval:    cfg.AcquireInterval(),
			MaxAcquireAttempts: cfg.Pool.MaxAcquireAttempts,
			Delay:              orchestrator.Delay{Min: minDelay, Max: maxDelay},
		},
		Directory: stage.Directory{
			Categories:      categories,
			PageParam:       cfg.Directory.PageParam,
			PageSize:        cfg.Directory.PageSize,
			FirstPage:       cfg.Directory.FirstPage,
			LastPage:        cfg.Directory.LastPage,
			ListingSelector: cfg.Directory.ListingSelector,
			EndMarker:       cfg.Directory.EndMarker,
		},
		DetailSelector: cfg.Selectors.Detail,
		WholePage:      cfg.Selectors.WholePage,
		Topic:          cfg.PubSub.Topic,
	}
}

func archiveProvider(c config.ArchiveConfig) string {
	if c.Provider == "" {
		return "none"
	}
	return c.Provider
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// isSyncNoise reports the error zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && (errors.Is(pathErr.Err, syscall.EINVAL) || errors.Is(pathErr.Err, syscall.ENOTTY))
}
