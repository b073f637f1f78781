package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/browser"
	"github.com/JakeFAU/listing-harvester/internal/pool"
)

// reply scripts what a session returns for one URL.
type reply struct {
	kind   browser.Kind
	fail   bool
	markup string
}

type web struct {
	mu      sync.Mutex
	replies map[string]reply
	visits  []string
	hold    time.Duration
	active  atomic.Int64
	peak    atomic.Int64
}

func newWeb(replies map[string]reply) *web {
	return &web{replies: replies}
}

func (w *web) visited() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.visits...)
}

type fakeSession struct {
	id      string
	web     *web
	current string
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Navigate(_ context.Context, target string) error {
	n := s.web.active.Add(1)
	defer s.web.active.Add(-1)
	for {
		p := s.web.peak.Load()
		if n <= p || s.web.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.web.hold > 0 {
		time.Sleep(s.web.hold)
	}
	s.web.mu.Lock()
	s.web.visits = append(s.web.visits, target)
	r := s.web.replies[target]
	s.web.mu.Unlock()
	s.current = target
	if r.fail && r.kind != browser.KindElementNotFound {
		return &browser.FetchError{Kind: r.kind, Op: browser.OpNavigate, URL: target}
	}
	return nil
}

func (s *fakeSession) Extract(_ context.Context, _ string) (string, error) {
	s.web.mu.Lock()
	r := s.web.replies[s.current]
	s.web.mu.Unlock()
	if r.fail {
		return "", &browser.FetchError{Kind: r.kind, Op: browser.OpExtract, URL: s.current}
	}
	return r.markup, nil
}

func (s *fakeSession) Close() error { return nil }

type fakeFactory struct {
	web     *web
	created atomic.Int64
}

func (f *fakeFactory) New(_ context.Context, _ int, _ browser.Mode) (browser.Session, error) {
	n := f.created.Add(1)
	return &fakeSession{id: fmt.Sprintf("s-%d", n), web: f.web}, nil
}

type item struct {
	URL  string
	Page int64
}

type fakeStage struct {
	mu         sync.Mutex
	exists     map[string]bool
	persisted  map[string]string
	fetchedURL map[string]string
	persistErr map[string]error
	mark       *Watermark
}

func newFakeStage() *fakeStage {
	return &fakeStage{
		exists:     map[string]bool{},
		persisted:  map[string]string{},
		fetchedURL: map[string]string{},
		persistErr: map[string]error{},
	}
}

func (s *fakeStage) Name() string { return "test" }

func (s *fakeStage) Target(it item) string { return it.URL }

func (s *fakeStage) Selector() string { return "" }

func (s *fakeStage) writes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.persisted))
	for k, v := range s.persisted {
		out[k] = v
	}
	return out
}

func (s *fakeStage) Exists(_ context.Context, it item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists[it.URL], nil
}

func (s *fakeStage) Persist(_ context.Context, it item, fetched, markup string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistErr[it.URL]; err != nil {
		return err
	}
	s.persisted[it.URL] = markup
	s.fetchedURL[it.URL] = fetched
	return nil
}

type gatedStage struct {
	*fakeStage
}

func (s gatedStage) Proceed(it item) bool {
	return s.mark.Allows(it.Page)
}

type memQuarantine struct {
	mu      sync.Mutex
	entries map[string]bool
	writes  int
}

func newMemQuarantine(urls ...string) *memQuarantine {
	q := &memQuarantine{entries: map[string]bool{}}
	for _, u := range urls {
		q.entries[u] = true
	}
	return q
}

func (q *memQuarantine) IsQuarantined(_ context.Context, target string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[target], nil
}

func (q *memQuarantine) Quarantine(_ context.Context, target string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[target] = true
	q.writes++
	return nil
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, d)
}

type harness struct {
	web        *web
	factory    *fakeFactory
	pool       *pool.Pool
	stage      *fakeStage
	quarantine *memQuarantine
}

func newHarness(t *testing.T, size int, replies map[string]reply) *harness {
	t.Helper()
	w := newWeb(replies)
	f := &fakeFactory{web: w}
	p, err := pool.New(context.Background(), f, size, browser.Headless, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return &harness{web: w, factory: f, pool: p, stage: newFakeStage(), quarantine: newMemQuarantine()}
}

func testConfig(concurrency int) Config {
	return Config{
		Concurrency:        concurrency,
		AcquireInterval:    time.Millisecond,
		MaxAcquireAttempts: 1000,
	}
}

func (h *harness) run(t *testing.T, cfg Config, items ...item) Summary {
	t.Helper()
	o, err := New[item](h.stage, h.pool, h.quarantine, cfg, zap.NewNop())
	require.NoError(t, err)
	sum, err := o.Run(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, len(items), sum.Finished())
	return sum
}

func (h *harness) replacements() int64 {
	return h.factory.created.Load() - int64(h.pool.Size())
}

func TestDNSFailureQuarantinesAndReleases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, map[string]reply{
		"https://gone.test/": {fail: true, kind: browser.KindDNSFailure},
	})
	sum := h.run(t, testConfig(2), item{URL: "https://gone.test/"})

	assert.Equal(t, 1, sum.Quarantined)
	assert.Equal(t, 1, h.quarantine.writes)
	assert.Empty(t, h.stage.writes())
	assert.Zero(t, h.replacements())
	assert.Equal(t, pool.Stats{Size: 2, Available: 2}, h.pool.Stats())
}

func TestQuarantinedTargetIsNeverFetched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	h.quarantine = newMemQuarantine("https://gone.test/")
	sum := h.run(t, testConfig(1), item{URL: "https://gone.test/"})

	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, h.web.visited())
}

func TestQuarantineIsMonotonicAcrossRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://gone.test/": {fail: true, kind: browser.KindHostUnreachable},
	})
	h.run(t, testConfig(1), item{URL: "https://gone.test/"})
	h.run(t, testConfig(1), item{URL: "https://gone.test/"})

	assert.Equal(t, []string{"https://gone.test/"}, h.web.visited())
	assert.Equal(t, 1, h.quarantine.writes)
}

func TestQuarantineIsMonotonicWithinRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://gone.test/": {fail: true, kind: browser.KindDNSFailure},
	})
	h.web.hold = 50 * time.Millisecond
	sum := h.run(t, testConfig(1), item{URL: "https://gone.test/"}, item{URL: "https://gone.test/"})

	assert.Equal(t, []string{"https://gone.test/"}, h.web.visited())
	assert.Equal(t, 1, h.quarantine.writes)
	assert.Equal(t, 1, sum.Quarantined)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, pool.Stats{Size: 1, Available: 1}, h.pool.Stats())
}

func TestElementNotFoundQuarantines(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://dir.test/pro/1": {fail: true, kind: browser.KindElementNotFound},
	})
	sum := h.run(t, testConfig(1), item{URL: "https://dir.test/pro/1"})
	assert.Equal(t, 1, sum.Quarantined)
	assert.Zero(t, h.replacements())
}

func TestTLSFailureRetriesOnceOverPlaintext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://x.test/": {fail: true, kind: browser.KindTLSFailure},
		"http://x.test/":  {markup: "<body>plain</body>"},
	})
	sum := h.run(t, testConfig(1), item{URL: "https://x.test/"})

	assert.Equal(t, []string{"https://x.test/", "http://x.test/"}, h.web.visited())
	assert.Equal(t, 1, sum.Retried)
	assert.Equal(t, 1, sum.Persisted)
	assert.Equal(t, "http://x.test/", h.stage.fetchedURL["https://x.test/"])
	assert.Zero(t, h.replacements())
}

func TestTLSRetryFailureReleasesWithoutWriting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://x.test/": {fail: true, kind: browser.KindTLSFailure},
		"http://x.test/":  {fail: true, kind: browser.KindTLSFailure},
	})
	sum := h.run(t, testConfig(1), item{URL: "https://x.test/"})

	assert.Len(t, h.web.visited(), 2)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, h.stage.writes())
	assert.Zero(t, h.quarantine.writes)
	assert.Zero(t, h.replacements())
}

func TestTLSRetryEmptyReplaces(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://x.test/": {fail: true, kind: browser.KindTLSFailure},
		"http://x.test/":  {markup: " "},
	})
	sum := h.run(t, testConfig(1), item{URL: "https://x.test/"})

	assert.Equal(t, 1, sum.Empty)
	assert.Equal(t, 1, sum.Replaced)
	assert.EqualValues(t, 1, h.replacements())
}

func TestTLSFailureOnPlaintextTargetIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"http://x.test/": {fail: true, kind: browser.KindTLSFailure},
	})
	sum := h.run(t, testConfig(1), item{URL: "http://x.test/"})

	assert.Equal(t, []string{"http://x.test/"}, h.web.visited())
	assert.Zero(t, sum.Retried)
	assert.Equal(t, 1, sum.Failed)
}

func TestEmptyResultReplacesWithoutWriting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://x.test/": {markup: ""},
	})
	sum := h.run(t, testConfig(1), item{URL: "https://x.test/"})

	assert.Equal(t, 1, sum.Empty)
	assert.Empty(t, h.stage.writes())
	assert.EqualValues(t, 1, h.replacements())
	assert.Equal(t, pool.Stats{Size: 1, Available: 1}, h.pool.Stats())
}

func TestUnclassifiedErrorReplaces(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://slow.test/": {fail: true, kind: browser.KindNavigationTimeout},
	})
	sum := h.run(t, testConfig(1), item{URL: "https://slow.test/"})

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Replaced)
	assert.Zero(t, h.quarantine.writes)
}

func TestExistingResultSkipsNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{"https://x.test/": {markup: "<p/>"}})
	h.stage.exists["https://x.test/"] = true
	sum := h.run(t, testConfig(1), item{URL: "https://x.test/"})

	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, h.web.visited())
}

func TestPersistFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, map[string]reply{
		"https://a.test/": {markup: "<p>a</p>"},
		"https://b.test/": {markup: "<p>b</p>"},
	})
	h.stage.persistErr["https://a.test/"] = errors.New("disk full")
	sum := h.run(t, testConfig(2), item{URL: "https://a.test/"}, item{URL: "https://b.test/"})

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Persisted)
	assert.Equal(t, map[string]string{"https://b.test/": "<p>b</p>"}, h.stage.writes())
}

func TestDiscardedResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{"https://a.test/": {markup: "<p>end</p>"}})
	h.stage.persistErr["https://a.test/"] = fmt.Errorf("end of listing: %w", ErrDiscarded)
	sum := h.run(t, testConfig(1), item{URL: "https://a.test/"})
	assert.Equal(t, 1, sum.Discarded)
	assert.Zero(t, sum.Failed)
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	replies := map[string]reply{}
	items := make([]item, 0, 40)
	for i := range 40 {
		u := fmt.Sprintf("https://x.test/%d", i)
		replies[u] = reply{markup: "<p/>"}
		items = append(items, item{URL: u})
	}
	h := newHarness(t, 5, replies)
	h.web.hold = 2 * time.Millisecond

	sum := h.run(t, testConfig(3), items...)

	assert.Equal(t, 40, sum.Persisted)
	assert.LessOrEqual(t, sum.PeakFetches, 3)
	assert.LessOrEqual(t, h.web.peak.Load(), int64(3))
	assert.Equal(t, pool.Stats{Size: 5, Available: 5}, h.pool.Stats())
}

func TestFewerSessionsThanPermits(t *testing.T) {
	t.Parallel()

	replies := map[string]reply{}
	items := make([]item, 0, 12)
	for i := range 12 {
		u := fmt.Sprintf("https://x.test/%d", i)
		replies[u] = reply{markup: "<p/>"}
		items = append(items, item{URL: u})
	}
	h := newHarness(t, 2, replies)
	h.web.hold = time.Millisecond

	sum := h.run(t, testConfig(6), items...)
	assert.Equal(t, 12, sum.Persisted)
	assert.LessOrEqual(t, h.web.peak.Load(), int64(2))
}

func TestWatermarkGatesLaterPages(t *testing.T) {
	t.Parallel()

	replies := map[string]reply{}
	items := make([]item, 0, 10)
	for i := range 10 {
		u := fmt.Sprintf("https://dir.test/?fi=%d", i*15)
		replies[u] = reply{markup: "<div/>"}
		items = append(items, item{URL: u, Page: int64(i)})
	}
	h := newHarness(t, 2, replies)
	mark := NewWatermark()
	mark.Lower(3)
	h.stage.mark = mark

	o, err := New[item](gatedStage{h.stage}, h.pool, h.quarantine, testConfig(2), nil)
	require.NoError(t, err)
	sum, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Persisted)
	assert.Equal(t, 7, sum.Gated)
	assert.Len(t, h.web.visited(), 3)
}

type busyPool struct{ acquires atomic.Int64 }

func (p *busyPool) Acquire() (browser.Session, error) {
	p.acquires.Add(1)
	return nil, pool.ErrBusy
}

func (p *busyPool) Release(browser.Session) error { return nil }

func (p *busyPool) Replace(context.Context, browser.Session, browser.Mode) (browser.Session, error) {
	return nil, errors.New("unused")
}

func TestSessionWaitIsBounded(t *testing.T) {
	t.Parallel()

	bp := &busyPool{}
	cfg := Config{Concurrency: 1, AcquireInterval: time.Millisecond, MaxAcquireAttempts: 3}
	o, err := New[item](newFakeStage(), bp, newMemQuarantine(), cfg, nil)
	require.NoError(t, err)

	_, err = o.acquireSession(context.Background())
	require.ErrorIs(t, err, ErrSessionWaitExhausted)
	var waitErr *SessionWaitError
	require.ErrorAs(t, err, &waitErr)
	assert.Equal(t, 3, waitErr.Attempts)
	assert.EqualValues(t, 3, bp.acquires.Load())

	sum, err := o.Run(context.Background(), []item{{URL: "https://a.test/"}, {URL: "https://b.test/"}})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)
}

func TestRunWithCanceledContextFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	o, err := New[item](h.stage, h.pool, h.quarantine, testConfig(1), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Run(ctx, []item{{URL: "https://a.test/"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.web.visited())
}

type recordingArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchive) Archive(_ context.Context, stage, target, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, stage+"|"+target)
	return nil
}

func TestArchiveAndDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, map[string]reply{
		"https://a.test/":    {markup: "<p>a</p>"},
		"https://gone.test/": {fail: true, kind: browser.KindDNSFailure},
	})
	archive := &recordingArchive{}
	pauser := &recordingPauser{}
	cfg := testConfig(1)
	cfg.Delay = Delay{Min: time.Millisecond, Max: 2 * time.Millisecond}

	o, err := New[item](h.stage, h.pool, h.quarantine, cfg, nil, WithArchive(archive), WithPauser(pauser))
	require.NoError(t, err)
	_, err = o.Run(context.Background(), []item{{URL: "https://a.test/"}, {URL: "https://gone.test/"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"test|https://a.test/"}, archive.keys)
	require.Len(t, pauser.delays, 2)
	for _, d := range pauser.delays {
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.LessOrEqual(t, d, 2*time.Millisecond)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	_, err := New[item](nil, h.pool, h.quarantine, testConfig(1), nil)
	require.Error(t, err)
	_, err = New[item](h.stage, nil, h.quarantine, testConfig(1), nil)
	require.Error(t, err)
	_, err = New[item](h.stage, h.pool, nil, testConfig(1), nil)
	require.Error(t, err)
	_, err = New[item](h.stage, h.pool, h.quarantine, testConfig(0), nil)
	require.Error(t, err)
	cfg := testConfig(1)
	cfg.Delay = Delay{Min: 2 * time.Second, Max: time.Second}
	_, err = New[item](h.stage, h.pool, h.quarantine, cfg, nil)
	require.Error(t, err)
}
