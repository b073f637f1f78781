// Package browser wraps remote browser automation behind a small session
// contract: navigate to a URL, then extract the markup of one element.
package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// WholePage selects the entire document body.
const WholePage = "body"

// Mode selects how a session's browser is launched.
type Mode int

const (
	// Headless runs the browser without a visible window.
	Headless Mode = iota
	// Headful runs the browser with a visible window.
	Headful
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == Headful {
		return "headful"
	}
	return "headless"
}

// Driver names the automation backend used for new sessions.
type Driver string

const (
	// DriverExec launches a local Chrome per session.
	DriverExec Driver = "exec"
	// DriverRemote attaches to an already running browser per session port.
	DriverRemote Driver = "remote"
	// DriverStatic fetches plain HTML over HTTP without a browser.
	DriverStatic Driver = "static"
)

// Session is one live automation session. A session is not safe for
// concurrent use; the pool's lease discipline guarantees a single holder.
type Session interface {
	ID() string
	Navigate(ctx context.Context, target string) error
	Extract(ctx context.Context, selector string) (string, error)
	Close() error
}

// Factory creates sessions bound to a pool slot.
type Factory interface {
	New(ctx context.Context, slot int, mode Mode) (Session, error)
}

// IDGenerator assigns session identities.
type IDGenerator interface {
	NewID() (string, error)
}

// Settings is the fixed configuration applied to every session.
type Settings struct {
	Driver          Driver
	BasePort        int
	RemoteHost      string
	ViewportWidth   int
	ViewportHeight  int
	ConnectTimeout  time.Duration
	NavigateTimeout time.Duration
	ScriptTimeout   time.Duration
	UserAgent       string
}

// DefaultSettings mirrors the fixed profile used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Driver:          DriverExec,
		BasePort:        9222,
		RemoteHost:      "127.0.0.1",
		ViewportWidth:   1920,
		ViewportHeight:  1080,
		ConnectTimeout:  30 * time.Second,
		NavigateTimeout: 30 * time.Second,
		ScriptTimeout:   30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.Driver == "" {
		s.Driver = def.Driver
	}
	if s.BasePort <= 0 {
		s.BasePort = def.BasePort
	}
	if s.RemoteHost == "" {
		s.RemoteHost = def.RemoteHost
	}
	if s.ViewportWidth <= 0 || s.ViewportHeight <= 0 {
		s.ViewportWidth, s.ViewportHeight = def.ViewportWidth, def.ViewportHeight
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = def.ConnectTimeout
	}
	if s.NavigateTimeout <= 0 {
		s.NavigateTimeout = def.NavigateTimeout
	}
	if s.ScriptTimeout <= 0 {
		s.ScriptTimeout = def.ScriptTimeout
	}
	return s
}

// NewFactory returns the session factory for the configured driver.
func NewFactory(settings Settings, ids IDGenerator, logger *zap.Logger) (Factory, error) {
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings = settings.withDefaults()
	switch settings.Driver {
	case DriverExec, DriverRemote:
		return NewChromeFactory(settings, ids, logger), nil
	case DriverStatic:
		return NewStaticFactory(settings, ids), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", settings.Driver)
	}
}
