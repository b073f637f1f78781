// Package orchestrator drives a batch of work items through fetch,
// classification and persistence with bounded concurrency over a shared
// session pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/listing-harvester/internal/browser"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/pool"
	"github.com/JakeFAU/listing-harvester/internal/recovery"
)

// ErrDiscarded is returned by Stage.Persist when the markup was fetched
// but deliberately not stored.
var ErrDiscarded = errors.New("result discarded")

// ErrSessionWaitExhausted matches every *SessionWaitError.
var ErrSessionWaitExhausted = errors.New("session wait exhausted")

// SessionWaitError reports that no session became free within the
// configured number of polls.
type SessionWaitError struct {
	Attempts int
	Waited   time.Duration
}

// Error implements error.
func (e *SessionWaitError) Error() string {
	return fmt.Sprintf("no session available after %d attempts (%s)", e.Attempts, e.Waited.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrSessionWaitExhausted) hold.
func (e *SessionWaitError) Is(target error) bool {
	return target == ErrSessionWaitExhausted
}

// Pool is the lease contract the orchestrator needs from a session pool.
type Pool interface {
	Acquire() (browser.Session, error)
	Release(s browser.Session) error
	Replace(ctx context.Context, s browser.Session, mode browser.Mode) (browser.Session, error)
}

// Quarantine records and answers for permanently unfetchable targets.
type Quarantine interface {
	IsQuarantined(ctx context.Context, target string) (bool, error)
	Quarantine(ctx context.Context, target string) error
}

// Archiver optionally keeps a copy of persisted markup.
type Archiver interface {
	Archive(ctx context.Context, stage, target, markup string) error
}

// Stage adapts one pipeline stage's work item type to the orchestrator.
type Stage[T any] interface {
	Name() string
	Target(item T) string
	// Selector is the element to extract; empty means the whole page.
	Selector() string
	// Exists reports whether the item's result is already stored. It runs
	// before a permit or session is taken.
	Exists(ctx context.Context, item T) (bool, error)
	// Persist stores markup fetched from fetched (the target, or its
	// plaintext form after a downgrade) and marks the source processed.
	Persist(ctx context.Context, item T, fetched, markup string) error
}

// Gate is implemented by stages that honor an advisory watermark.
type Gate[T any] interface {
	Proceed(item T) bool
}

// Config bounds one orchestrator.
type Config struct {
	// Concurrency is the permit count L.
	Concurrency int
	// AcquireInterval is the fixed delay between pool polls.
	AcquireInterval time.Duration
	// MaxAcquireAttempts bounds the poll loop; <= 0 means a single attempt.
	MaxAcquireAttempts int
	// Delay is applied after every item that reached the network.
	Delay Delay
	// Mode is used for replacement sessions.
	Mode browser.Mode
}

// Option customizes an Orchestrator.
type Option func(*options)

type options struct {
	archive Archiver
	pauser  Pauser
}

// WithArchive stores a copy of every persisted result.
func WithArchive(a Archiver) Option {
	return func(o *options) { o.archive = a }
}

// WithPauser overrides how the per-item delay is waited out.
func WithPauser(p Pauser) Option {
	return func(o *options) { o.pauser = p }
}

// Orchestrator runs one stage's batches.
type Orchestrator[T any] struct {
	stage      Stage[T]
	gate       Gate[T]
	pool       Pool
	quarantine Quarantine
	cfg        Config
	opts       options
	logger     *zap.Logger
}

// New builds an Orchestrator for stage.
func New[T any](stage Stage[T], p Pool, q Quarantine, cfg Config, logger *zap.Logger, opts ...Option) (*Orchestrator[T], error) {
	if stage == nil {
		return nil, fmt.Errorf("stage is required")
	}
	if p == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if q == nil {
		return nil, fmt.Errorf("quarantine store is required")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}
	if cfg.Delay.Min < 0 || cfg.Delay.Max < cfg.Delay.Min {
		return nil, fmt.Errorf("delay range [%s, %s] is invalid", cfg.Delay.Min, cfg.Delay.Max)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{pauser: timerPauser{}}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()
	gate, _ := any(stage).(Gate[T])
	return &Orchestrator[T]{
		stage:      stage,
		gate:       gate,
		pool:       p,
		quarantine: q,
		cfg:        cfg,
		opts:       o,
		logger:     logger.Named(stage.Name()),
	}, nil
}

// Run processes every item with at most Concurrency in flight and returns
// once all have finished. Item failures are logged and counted, never
// returned; an error means the run itself could not proceed.
func (o *Orchestrator[T]) Run(ctx context.Context, items []T) (Summary, error) {
	t := newTally(o.stage.Name(), len(items))
	if err := ctx.Err(); err != nil {
		return t.summary(), fmt.Errorf("run %s: %w", o.stage.Name(), err)
	}
	o.logger.Info("stage batch starting", zap.Int("items", len(items)), zap.Int("concurrency", o.cfg.Concurrency))

	permits := semaphore.NewWeighted(int64(o.cfg.Concurrency))
	var g errgroup.Group
	for _, item := range items {
		g.Go(func() error {
			return o.process(ctx, permits, item, t)
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	s := t.summary()
	if err != nil {
		o.logger.Error("stage batch aborted", zap.Error(err), zap.Object("summary", s))
		return s, fmt.Errorf("run %s: %w", o.stage.Name(), err)
	}
	o.logger.Info("stage batch finished", zap.Object("summary", s))
	return s, nil
}

func (o *Orchestrator[T]) process(ctx context.Context, permits *semaphore.Weighted, item T, t *tally) error {
	target := o.stage.Target(item)
	log := o.logger.With(zap.String("url", target))

	if o.gate != nil && !o.gate.Proceed(item) {
		t.add(resultGated)
		return nil
	}
	if skip, reason, err := o.precheck(ctx, item, target); err != nil {
		log.Warn("pre-check failed", zap.Error(err))
		t.add(resultFailed)
		return nil
	} else if skip {
		log.Debug("item skipped", zap.String("reason", reason))
		t.add(resultSkipped)
		return nil
	}

	if err := permits.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire permit: %w", err)
	}
	defer permits.Release(1)

	// Re-checked here: the mark may have dropped while this task waited.
	if o.gate != nil && !o.gate.Proceed(item) {
		t.add(resultGated)
		return nil
	}

	session, err := o.acquireSession(ctx)
	if err != nil {
		log.Warn("no session for item", zap.Error(err))
		t.add(resultFailed)
		return nil
	}
	// A task for the same target may have quarantined it while this one
	// waited for a permit or a session.
	quarantined, err := o.quarantine.IsQuarantined(ctx, target)
	if err != nil || quarantined {
		if relErr := o.pool.Release(session); relErr != nil {
			log.Error("release session", zap.String("session_id", session.ID()), zap.Error(relErr))
		}
		if err != nil {
			log.Warn("quarantine lookup failed", zap.Error(err))
			t.add(resultFailed)
			return nil
		}
		log.Debug("item skipped", zap.String("reason", "quarantined"))
		t.add(resultSkipped)
		return nil
	}
	t.enter()
	metrics.IncFetchesInFlight()
	defer func() {
		metrics.DecFetchesInFlight()
		t.leave()
	}()

	action := o.fetchAndApply(ctx, log.With(zap.String("session_id", session.ID())), item, target, session, t)

	delay := o.cfg.Delay.Next()
	metrics.ObserveRateLimitDelay(o.stage.Name(), delay)
	o.opts.pauser.Pause(ctx, delay)

	o.finishSession(ctx, log, session, action, t)
	return nil
}

func (o *Orchestrator[T]) precheck(ctx context.Context, item T, target string) (bool, string, error) {
	quarantined, err := o.quarantine.IsQuarantined(ctx, target)
	if err != nil {
		return false, "", fmt.Errorf("quarantine lookup: %w", err)
	}
	if quarantined {
		return true, "quarantined", nil
	}
	exists, err := o.stage.Exists(ctx, item)
	if err != nil {
		return false, "", fmt.Errorf("exists lookup: %w", err)
	}
	if exists {
		return true, "exists", nil
	}
	return false, "", nil
}

func (o *Orchestrator[T]) fetchAndApply(
	ctx context.Context,
	log *zap.Logger,
	item T,
	target string,
	session browser.Session,
	t *tally,
) recovery.Action {
	stage := o.stage.Name()
	outcome := browser.Fetch(ctx, session, target, o.stage.Selector())
	metrics.ObserveFetch(stage, target, outcome.Label())
	action := recovery.Classify(outcome)
	fetched := target

	if action == recovery.RetryPlaintext {
		plain, ok := recovery.Downgrade(target)
		if !ok {
			log.Info("tls failure on plaintext target", zap.Error(outcome.Err))
			action = recovery.Release
		} else {
			t.retried.Add(1)
			log.Info("retrying over plaintext", zap.String("retry_url", plain), zap.Error(outcome.Err))
			outcome = browser.Fetch(ctx, session, plain, o.stage.Selector())
			metrics.ObserveFetch(stage, plain, outcome.Label())
			action = recovery.ClassifyRetry(outcome)
			fetched = plain
		}
	}
	metrics.ObserveRecovery(stage, action.String())

	switch action {
	case recovery.Persist:
		o.persist(ctx, log, item, fetched, outcome.Markup, t)
	case recovery.Quarantine:
		if err := o.quarantine.Quarantine(ctx, target); err != nil {
			log.Error("quarantine write failed", zap.Error(err))
			t.add(resultFailed)
			break
		}
		metrics.ObserveQuarantine()
		log.Info("target quarantined", zap.Stringer("kind", outcome.Kind()), zap.Error(outcome.Err))
		t.add(resultQuarantined)
	case recovery.Replace:
		if outcome.Status == browser.StatusEmpty {
			log.Info("empty result")
			t.add(resultEmpty)
		} else {
			log.Warn("fetch failed", zap.Stringer("kind", outcome.Kind()), zap.Error(outcome.Err))
			t.add(resultFailed)
		}
	default:
		log.Warn("fetch failed", zap.Stringer("kind", outcome.Kind()), zap.Error(outcome.Err))
		t.add(resultFailed)
	}
	return action
}

func (o *Orchestrator[T]) persist(ctx context.Context, log *zap.Logger, item T, fetched, markup string, t *tally) {
	err := o.stage.Persist(ctx, item, fetched, markup)
	switch {
	case errors.Is(err, ErrDiscarded):
		log.Info("result discarded")
		t.add(resultDiscarded)
		return
	case err != nil:
		log.Error("persist failed", zap.Error(err))
		t.add(resultFailed)
		return
	}
	t.add(resultPersisted)
	if o.opts.archive == nil {
		return
	}
	if err := o.opts.archive.Archive(ctx, o.stage.Name(), fetched, markup); err != nil {
		log.Warn("archive failed", zap.Error(err))
	}
}

func (o *Orchestrator[T]) finishSession(
	ctx context.Context,
	log *zap.Logger,
	session browser.Session,
	action recovery.Action,
	t *tally,
) {
	if !action.ReplacesSession() {
		if err := o.pool.Release(session); err != nil {
			log.Error("release session", zap.String("session_id", session.ID()), zap.Error(err))
		}
		return
	}
	t.replaced.Add(1)
	fresh, err := o.pool.Replace(ctx, session, o.cfg.Mode)
	if err != nil {
		log.Error("replace session", zap.String("session_id", session.ID()), zap.Error(err))
		return
	}
	log.Debug("session replaced", zap.String("old_session_id", session.ID()), zap.String("session_id", fresh.ID()))
}

func (o *Orchestrator[T]) acquireSession(ctx context.Context) (browser.Session, error) {
	start := time.Now()
	defer func() { metrics.ObserveSessionWait(o.stage.Name(), time.Since(start)) }()

	for attempt := 1; ; attempt++ {
		s, err := o.pool.Acquire()
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, pool.ErrBusy) {
			return nil, fmt.Errorf("acquire session: %w", err)
		}
		if attempt >= o.cfg.MaxAcquireAttempts {
			return nil, &SessionWaitError{Attempts: attempt, Waited: time.Since(start)}
		}
		timer := time.NewTimer(o.cfg.AcquireInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("wait for session: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

type result int

const (
	resultPersisted result = iota
	resultDiscarded
	resultSkipped
	resultGated
	resultQuarantined
	resultEmpty
	resultFailed
)

var resultNames = [...]string{
	resultPersisted:   "persisted",
	resultDiscarded:   "discarded",
	resultSkipped:     "skipped",
	resultGated:       "gated",
	resultQuarantined: "quarantined",
	resultEmpty:       "empty",
	resultFailed:      "failed",
}

type tally struct {
	stage    string
	total    int
	started  time.Time
	counts   [len(resultNames)]atomic.Int64
	retried  atomic.Int64
	replaced atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

func newTally(stage string, total int) *tally {
	return &tally{stage: stage, total: total, started: time.Now()}
}

func (t *tally) add(r result) {
	t.counts[r].Add(1)
	metrics.ObserveItem(t.stage, resultNames[r])
}

func (t *tally) enter() {
	n := t.inFlight.Add(1)
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (t *tally) leave() {
	t.inFlight.Add(-1)
}

func (t *tally) summary() Summary {
	return Summary{
		Stage:       t.stage,
		Items:       t.total,
		Persisted:   int(t.counts[resultPersisted].Load()),
		Discarded:   int(t.counts[resultDiscarded].Load()),
		Skipped:     int(t.counts[resultSkipped].Load()),
		Gated:       int(t.counts[resultGated].Load()),
		Quarantined: int(t.counts[resultQuarantined].Load()),
		Empty:       int(t.counts[resultEmpty].Load()),
		Failed:      int(t.counts[resultFailed].Load()),
		Retried:     int(t.retried.Load()),
		Replaced:    int(t.replaced.Load()),
		PeakFetches: int(t.peak.Load()),
		Duration:    time.Since(t.started),
	}
}
