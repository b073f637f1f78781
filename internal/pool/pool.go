// Package pool leases a fixed set of browser sessions to concurrent tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-harvester/internal/browser"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
)

var (
	// ErrBusy is returned by Acquire when every slot is leased.
	ErrBusy = errors.New("pool: all sessions busy")
	// ErrUnknownSession means the session does not belong to this pool.
	ErrUnknownSession = errors.New("pool: unknown session")
	// ErrNotLeased means the session's slot is not currently leased.
	ErrNotLeased = errors.New("pool: session not leased")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool: closed")
)

type slotState int

const (
	available slotState = iota
	leased
	replacing
)

type slot struct {
	session browser.Session
	state   slotState
}

// Stats is a point-in-time view of slot states. Replacing slots count as
// leased: they are unavailable to Acquire.
type Stats struct {
	Size      int `json:"size"`
	Available int `json:"available"`
	Leased    int `json:"leased"`
	Replacing int `json:"replacing"`
}

// Pool owns exactly Size sessions for its lifetime.
type Pool struct {
	factory browser.Factory
	logger  *zap.Logger

	mu     sync.Mutex
	slots  []slot
	closed bool
}

// New creates size sessions in parallel. If any fails, the ones already
// created are closed and the error is returned.
func New(ctx context.Context, factory browser.Factory, size int, mode browser.Mode, logger *zap.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	sessions := make([]browser.Session, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range size {
		g.Go(func() error {
			s, err := factory.New(gctx, i, mode)
			if err != nil {
				return fmt.Errorf("create session %d: %w", i, err)
			}
			sessions[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				_ = s.Close()
			}
		}
		return nil, err
	}

	slots := make([]slot, size)
	for i, s := range sessions {
		slots[i] = slot{session: s, state: available}
	}
	logger.Info("session pool ready", zap.Int("size", size), zap.Stringer("mode", mode))
	return &Pool{factory: factory, logger: logger, slots: slots}, nil
}

// Acquire leases the first available session, or returns ErrBusy.
func (p *Pool) Acquire() (browser.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	for i := range p.slots {
		if p.slots[i].state == available {
			p.slots[i].state = leased
			p.observe()
			return p.slots[i].session, nil
		}
	}
	return nil, ErrBusy
}

// Release returns a leased session to its slot.
func (p *Pool) Release(s browser.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, err := p.leasedSlot(s)
	if err != nil {
		return err
	}
	p.slots[i].state = available
	p.observe()
	return nil
}

// Replace closes a leased session and installs a freshly created one in the
// same slot, then makes the slot available. The slot is invisible to Acquire
// while the replacement is in progress; session I/O runs without the lock.
//
// If creating the new session fails, the closed session stays in the slot and
// the slot is made available anyway. Its next holder fails fast and replaces
// it again, so the pool never shrinks.
func (p *Pool) Replace(ctx context.Context, s browser.Session, mode browser.Mode) (browser.Session, error) {
	p.mu.Lock()
	i, err := p.leasedSlot(s)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.slots[i].state = replacing
	p.observe()
	p.mu.Unlock()

	if cerr := s.Close(); cerr != nil {
		p.logger.Warn("close session before replace", zap.String("session_id", s.ID()), zap.Error(cerr))
	}
	fresh, err := p.factory.New(ctx, i, mode)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.slots[i].state = available
		p.observe()
		metrics.ObserveSessionReplacement("failed")
		return nil, fmt.Errorf("replace session in slot %d: %w", i, err)
	}
	if p.closed {
		_ = fresh.Close()
		return nil, ErrClosed
	}
	p.slots[i] = slot{session: fresh, state: available}
	p.observe()
	metrics.ObserveSessionReplacement("ok")
	p.logger.Debug("session replaced",
		zap.Int("slot", i),
		zap.String("old_session_id", s.ID()),
		zap.String("session_id", fresh.ID()),
	)
	return fresh, nil
}

// Stats reports slot counts. Leased+Available always equals Size.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Size is the fixed slot count.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Close closes every session. Leased sessions are closed too; their
// holders see errors on next use.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]browser.Session, 0, len(p.slots))
	for _, sl := range p.slots {
		sessions = append(sessions, sl.session)
	}
	p.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) leasedSlot(s browser.Session) (int, error) {
	if s == nil {
		return -1, ErrUnknownSession
	}
	for i := range p.slots {
		if p.slots[i].session.ID() == s.ID() {
			if p.slots[i].state != leased {
				return -1, ErrNotLeased
			}
			return i, nil
		}
	}
	return -1, ErrUnknownSession
}

func (p *Pool) statsLocked() Stats {
	st := Stats{Size: len(p.slots)}
	for _, sl := range p.slots {
		switch sl.state {
		case available:
			st.Available++
		case leased:
			st.Leased++
		case replacing:
			st.Leased++
			st.Replacing++
		}
	}
	return st
}

func (p *Pool) observe() {
	st := p.statsLocked()
	metrics.SetPoolLeased(st.Leased)
}
