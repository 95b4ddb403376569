package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Eviction reasons reported to metrics.
const (
	evictIdle     = "idle"
	evictClosed   = "closed"
	evictShutdown = "shutdown"
)

type entry struct {
	c        *Controller
	lastSeen time.Time
}

// Manager hosts live sessions keyed by access token. One session exists per
// token per process; idle sessions are flushed and evicted by Run.
type Manager struct {
	deps        Deps
	opts        Options
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager creates an empty manager.
func NewManager(deps Deps, opts Options, idleTimeout time.Duration) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Manager{
		deps:        deps,
		opts:        opts,
		idleTimeout: idleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*entry),
	}
}

// Get returns the live session for token, opening it on first use.
func (m *Manager) Get(ctx context.Context, token string) (*Controller, error) {
	m.mu.Lock()
	if e, ok := m.sessions[token]; ok {
		e.lastSeen = m.now()
		m.mu.Unlock()
		return e.c, nil
	}
	m.mu.Unlock()

	c, err := Open(ctx, token, m.deps, m.opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[token]; ok {
		// Lost a race with a concurrent open; the fresh controller holds
		// no edits yet.
		e.lastSeen = m.now()
		return e.c, nil
	}
	m.sessions[token] = &entry{c: c, lastSeen: m.now()}
	m.deps.Metrics.SessionOpened()
	return c, nil
}

// Lookup returns the live session for token without opening one.
func (m *Manager) Lookup(token string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[token]
	if !ok {
		return nil, false
	}
	return e.c, true
}

// Close flushes and evicts the session for token. Closing an unknown token
// is a no-op.
func (m *Manager) Close(ctx context.Context, token string) error {
	m.mu.Lock()
	e, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.deps.Metrics.SessionClosed(evictClosed)
	return e.c.Close(ctx)
}

// Sweep flushes and evicts every session idle for longer than the idle
// timeout. It returns the number evicted.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*entry
	for token, e := range m.sessions {
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, e)
			delete(m.sessions, token)
		}
	}
	m.mu.Unlock()

	for _, e := range idle {
		m.deps.Metrics.SessionClosed(evictIdle)
		if err := e.c.Close(ctx); err != nil {
			m.deps.Logger.Error("idle session flush failed",
				zap.String("submission_id", e.c.ID()),
				zap.Error(err),
			)
		}
	}
	if len(idle) > 0 {
		m.deps.Logger.Info("evicted idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown flushes and evicts every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.sessions))
	for token, e := range m.sessions {
		all = append(all, e)
		delete(m.sessions, token)
	}
	m.mu.Unlock()

	var errs []error
	for _, e := range all {
		m.deps.Metrics.SessionClosed(evictShutdown)
		if err := e.c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
