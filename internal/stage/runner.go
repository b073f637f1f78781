package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/browser"
	"github.com/JakeFAU/listing-harvester/internal/clock/system"
	"github.com/JakeFAU/listing-harvester/internal/extract"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/orchestrator"
	"github.com/JakeFAU/listing-harvester/internal/pool"
	"github.com/JakeFAU/listing-harvester/internal/publisher"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// Clock supplies run timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator assigns run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Deps are the collaborators a Runner needs.
type Deps struct {
	Store     store.Store
	Factory   browser.Factory
	Extractor *extract.Extractor
	// Archive is optional.
	Archive   orchestrator.Archiver
	Publisher publisher.Publisher
	IDs       IDGenerator
	Clock     Clock
	Pauser    orchestrator.Pauser
}

// Settings are the knobs of one Runner.
type Settings struct {
	Sessions       int
	Mode           browser.Mode
	Orchestrator   orchestrator.Config
	Directory      Directory
	DetailSelector string
	WholePage      string
	// Topic receives a Report after every run; empty disables publishing.
	Topic string
}

// Report is the notification published after a stage run.
type Report struct {
	RunID      string               `json:"run_id"`
	Stage      string               `json:"stage"`
	Status     store.RunStatus      `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Summary    orchestrator.Summary `json:"summary"`
	Error      string               `json:"error,omitempty"`
}

// Attributes implements publisher.Attributed.
func (r Report) Attributes() map[string]string {
	return map[string]string{"stage": r.Stage, "status": string(r.Status), "run_id": r.RunID}
}

// Runner executes stages by name.
type Runner struct {
	deps     Deps
	settings Settings
	logger   *zap.Logger

	mu     sync.Mutex
	active *pool.Pool
}

// NewRunner validates deps and returns a Runner.
func NewRunner(deps Deps, settings Settings, logger *zap.Logger) (*Runner, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(extract.DefaultSelectors())
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.Noop{}
	}
	if settings.WholePage == "" {
		settings.WholePage = browser.WholePage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, settings: settings, logger: logger}, nil
}

// PoolStats reports the stats of the pool of the fetch stage in progress.
func (r *Runner) PoolStats() (pool.Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return pool.Stats{}, false
	}
	return r.active.Stats(), true
}

// Run executes the named stage once, records it in the run log and
// publishes a Report. Item-level failures are counted in the summary; an
// error means the stage could not run or was canceled.
func (r *Runner) Run(ctx context.Context, name string) (orchestrator.Summary, error) {
	info, err := Lookup(name)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	runID, err := r.deps.IDs.NewID()
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("run id: %w", err)
	}
	log := r.logger.With(zap.String("run_id", runID), zap.String("stage", name))
	started := r.deps.Clock.Now()
	if err := r.deps.Store.StartRun(ctx, store.Run{ID: runID, Stage: name, StartedAt: started, Status: store.RunRunning}); err != nil {
		return orchestrator.Summary{}, fmt.Errorf("record run start: %w", err)
	}
	log.Info("stage starting")

	var summary orchestrator.Summary
	if info.Fetch {
		summary, err = r.runFetch(ctx, name, log)
	} else {
		summary, err = r.runOffline(ctx, name)
	}
	summary.Stage = name

	r.finish(context.WithoutCancel(ctx), log, runID, name, started, summary, err)
	return summary, err
}

func (r *Runner) finish(
	ctx context.Context,
	log *zap.Logger,
	runID, name string,
	started time.Time,
	summary orchestrator.Summary,
	runErr error,
) {
	report := Report{
		RunID:      runID,
		Stage:      name,
		Status:     store.RunSuccess,
		StartedAt:  started,
		FinishedAt: r.deps.Clock.Now(),
		Summary:    summary,
	}
	var errMsg *string
	if runErr != nil {
		report.Status = store.RunError
		report.Error = runErr.Error()
		errMsg = &report.Error
	}
	body, err := json.Marshal(summary)
	if err != nil {
		log.Error("encode summary", zap.Error(err))
	}
	if err := r.deps.Store.FinishRun(ctx, runID, report.FinishedAt, report.Status, body, errMsg); err != nil {
		log.Error("record run finish", zap.Error(err))
	}
	metrics.ObserveStageRun(name, string(report.Status))
	if runErr != nil {
		log.Error("stage failed", zap.Error(runErr), zap.Object("summary", summary))
	} else {
		log.Info("stage finished", zap.Object("summary", summary))
	}
	if r.settings.Topic == "" {
		return
	}
	if id, err := r.deps.Publisher.Publish(ctx, r.settings.Topic, report); err != nil {
		log.Warn("publish report", zap.Error(err))
	} else {
		log.Debug("report published", zap.String("message_id", id))
	}
}

func (r *Runner) runOffline(ctx context.Context, name string) (orchestrator.Summary, error) {
	switch name {
	case Links:
		return r.runLinks(ctx)
	case Records:
		return r.runRecords(ctx)
	case ContactLinks:
		return r.runContactLinks(ctx)
	case Emails:
		return r.runEmails(ctx)
	}
	return orchestrator.Summary{}, fmt.Errorf("%w %q", ErrUnknownStage, name)
}

func (r *Runner) runFetch(ctx context.Context, name string, log *zap.Logger) (orchestrator.Summary, error) {
	if r.deps.Factory == nil {
		return orchestrator.Summary{}, fmt.Errorf("stage %s needs a session factory", name)
	}
	p, err := pool.New(ctx, r.deps.Factory, r.settings.Sessions, r.settings.Mode, log)
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("open session pool: %w", err)
	}
	r.mu.Lock()
	r.active = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		if err := p.Close(); err != nil {
			log.Warn("close session pool", zap.Error(err))
		}
	}()

	switch name {
	case Pages:
		return r.runPages(ctx, p, log)
	case Details:
		links, err := r.deps.Store.UnvisitedLinks(ctx)
		if err != nil {
			return orchestrator.Summary{}, fmt.Errorf("load links: %w", err)
		}
		return runBatch(ctx, r, &detailStage{store: r.deps.Store, selector: r.settings.DetailSelector}, p, links, log)
	case Websites:
		records, err := r.deps.Store.RecordsWithWebsite(ctx)
		if err != nil {
			return orchestrator.Summary{}, fmt.Errorf("load records: %w", err)
		}
		return runBatch(ctx, r, &websiteStage{websites: r.deps.Store, selector: r.settings.WholePage}, p, records, log)
	case Contacts:
		targets, err := r.deps.Store.ContactTargets(ctx)
		if err != nil {
			return orchestrator.Summary{}, fmt.Errorf("load contact targets: %w", err)
		}
		return runBatch(ctx, r, &contactStage{websites: r.deps.Store, selector: r.settings.WholePage}, p, targets, log)
	}
	return orchestrator.Summary{}, fmt.Errorf("%w %q", ErrUnknownStage, name)
}

// runPages walks every category with its own watermark.
func (r *Runner) runPages(ctx context.Context, p *pool.Pool, log *zap.Logger) (orchestrator.Summary, error) {
	dir := r.settings.Directory
	if len(dir.Categories) == 0 {
		return orchestrator.Summary{}, fmt.Errorf("directory.categories is empty")
	}
	total := orchestrator.Summary{Stage: Pages}
	for _, c := range dir.Categories {
		st := &pageStage{
			pages:     r.deps.Store,
			mark:      orchestrator.NewWatermark(),
			selector:  dir.ListingSelector,
			endMarker: dir.EndMarker,
			logger:    log,
		}
		s, err := runBatch(ctx, r, st, p, dir.PageItems(c), log.With(zap.String("category", c.Name)))
		total = total.Add(s)
		if err != nil {
			return total, err
		}
		if st.mark.Reached() {
			log.Info("category exhausted", zap.String("category", c.Name), zap.Int64("last_page", st.mark.Value()))
		}
	}
	return total, nil
}

func runBatch[T any](
	ctx context.Context,
	r *Runner,
	st orchestrator.Stage[T],
	p *pool.Pool,
	items []T,
	log *zap.Logger,
) (orchestrator.Summary, error) {
	cfg := r.settings.Orchestrator
	cfg.Mode = r.settings.Mode
	var opts []orchestrator.Option
	if r.deps.Archive != nil {
		opts = append(opts, orchestrator.WithArchive(r.deps.Archive))
	}
	if r.deps.Pauser != nil {
		opts = append(opts, orchestrator.WithPauser(r.deps.Pauser))
	}
	o, err := orchestrator.New(st, p, r.deps.Store, cfg, log, opts...)
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("build orchestrator: %w", err)
	}
	return o.Run(ctx, items)
}
