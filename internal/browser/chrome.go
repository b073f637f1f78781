package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromeFactory creates chromedp sessions, one browser per pool slot on
// port BasePort+slot.
type ChromeFactory struct {
	settings Settings
	ids      IDGenerator
	logger   *zap.Logger
}

// NewChromeFactory builds a ChromeFactory. Settings must carry DriverExec or DriverRemote.
func NewChromeFactory(settings Settings, ids IDGenerator, logger *zap.Logger) *ChromeFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeFactory{settings: settings.withDefaults(), ids: ids, logger: logger}
}

// New launches (exec) or attaches to (remote) the browser for slot and opens a tab.
func (f *ChromeFactory) New(ctx context.Context, slot int, mode Mode) (Session, error) {
	id, err := f.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	port := f.port(slot)

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if f.settings.Driver == DriverRemote {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), f.endpoint(slot))
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), f.execOptions(port, mode)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		id:              id,
		slot:            slot,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocCancel:     allocCancel,
		navigateTimeout: f.settings.NavigateTimeout,
		scriptTimeout:   f.settings.ScriptTimeout,
	}

	// The first Run allocates the browser; a timeout context here would tie
	// the browser's lifetime to it, so the connect timeout is enforced outside.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx, f.setupActions()...)
	}()
	timer := time.NewTimer(f.settings.ConnectTimeout)
	defer timer.Stop()

	select {
	case err = <-started:
	case <-timer.C:
		err = fmt.Errorf("connect timed out after %s", f.settings.ConnectTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.cancel()
		return nil, &FetchError{Kind: KindOther, Op: OpConnect, URL: fmt.Sprintf("port %d", port), Err: err}
	}

	f.logger.Debug("chrome session started",
		zap.String("session_id", id),
		zap.Int("slot", slot),
		zap.Int("port", port),
		zap.Stringer("mode", mode),
	)
	return s, nil
}

// port is the debugging port owned by slot.
func (f *ChromeFactory) port(slot int) int {
	return f.settings.BasePort + slot
}

// endpoint is the debugger address a remote session for slot attaches to.
func (f *ChromeFactory) endpoint(slot int) string {
	return fmt.Sprintf("ws://%s:%d/", f.settings.RemoteHost, f.port(slot))
}

// execFlags are the command-line switches for a browser launched on port.
func (f *ChromeFactory) execFlags(port int, mode Mode) map[string]any {
	flags := map[string]any{
		"headless":              mode == Headless,
		"disable-gpu":           true,
		"no-sandbox":            true,
		"disable-dev-shm-usage": true,
		"remote-debugging-port": port,
		"window-size":           fmt.Sprintf("%d,%d", f.settings.ViewportWidth, f.settings.ViewportHeight),
	}
	if f.settings.UserAgent != "" {
		flags["user-agent"] = f.settings.UserAgent
	}
	return flags
}

func (f *ChromeFactory) execOptions(port int, mode Mode) []chromedp.ExecAllocatorOption {
	flags := f.execFlags(port, mode)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+len(flags))
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

func (f *ChromeFactory) setupActions() []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(f.settings.ViewportWidth), int64(f.settings.ViewportHeight), 1, false),
	}
	if f.settings.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(f.settings.UserAgent))
	}
	return actions
}

type chromeSession struct {
	id              string
	slot            int
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocCancel     context.CancelFunc
	navigateTimeout time.Duration
	scriptTimeout   time.Duration
	current         string
	closeOnce       sync.Once
}

func (s *chromeSession) ID() string {
	return s.id
}

func (s *chromeSession) Navigate(ctx context.Context, target string) error {
	taskCtx, cancel := context.WithTimeout(s.browserCtx, s.navigateTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	s.current = target
	if err := chromedp.Run(taskCtx, chromedp.Navigate(target)); err != nil {
		return &FetchError{Kind: chromeKind(err), Op: OpNavigate, URL: target, Err: err}
	}
	return nil
}

// extractScript returns the outer HTML of the first match without waiting
// for the node to appear.
const extractScript = `(function(sel) {
	const el = document.querySelector(sel);
	return el ? {found: true, html: el.outerHTML} : {found: false, html: ""};
})(%s)`

type extractResult struct {
	Found bool   `json:"found"`
	HTML  string `json:"html"`
}

func (s *chromeSession) Extract(ctx context.Context, selector string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("quote selector: %w", err)
	}
	taskCtx, cancel := context.WithTimeout(s.browserCtx, s.scriptTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var res extractResult
	if err := chromedp.Run(taskCtx, chromedp.Evaluate(fmt.Sprintf(extractScript, quoted), &res)); err != nil {
		return "", &FetchError{Kind: chromeKind(err), Op: OpExtract, URL: s.current, Err: err}
	}
	if !res.Found {
		return "", &FetchError{Kind: KindElementNotFound, Op: OpExtract, URL: s.current,
			Err: fmt.Errorf("no element matches %q", selector)}
	}
	return res.HTML, nil
}

func (s *chromeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := chromedp.Cancel(s.browserCtx); cerr != nil {
			err = fmt.Errorf("close chrome session: %w", cerr)
		}
		s.allocCancel()
	})
	return err
}

func (s *chromeSession) cancel() {
	s.closeOnce.Do(func() {
		s.browserCancel()
		s.allocCancel()
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
