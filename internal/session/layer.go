// Package session implements the EN 50221 Common Interface Session Layer:
// the Session Table, SPDU Protocol Engine and Lifecycle Dispatcher that
// multiplex resource sessions over a Transport Layer collaborator.
//
// A SessionLayer is safe for concurrent use by any number of goroutines.
// All mutable state is serialised by a single layer-wide mutex that is
// never held across an upward callback or a Transport send: the canonical
// pattern throughout this package is lock, validate and transition to a
// transient state, snapshot the fields the next step needs, unlock,
// perform the I/O or callback, then re-lock only if a finalising mutation
// remains.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultIovLimit is the default ceiling enforced by SendDatav (spec.md
// Section 4.3, boundary case B2, and the open question in Section 9 about
// the source's off-by-one). It is configurable via WithIovLimit.
const DefaultIovLimit = 9

// SessionLayer is the Session Layer instance (spec.md Section 3). It owns
// the Session Table, the Transport collaborator, the two upward callback
// registrations, and an error register.
type SessionLayer struct {
	mu sync.RWMutex

	table     *sessionTable
	transport Transport
	lookup    LookupFunc
	sessionCB SessionCallbackFunc

	iovLimit int
	logger   *slog.Logger
	metrics  MetricsReporter

	lastErr error
	closed  bool
}

// Option configures a SessionLayer at construction.
type Option func(*SessionLayer)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(sl *SessionLayer) { sl.logger = l }
}

// WithMetrics overrides the default no-op MetricsReporter.
func WithMetrics(m MetricsReporter) Option {
	return func(sl *SessionLayer) { sl.metrics = m }
}

// WithIovLimit overrides DefaultIovLimit for SendDatav.
func WithIovLimit(n int) Option {
	return func(sl *SessionLayer) { sl.iovLimit = n }
}

// NewSessionLayer constructs a SessionLayer with a fixed-size Session
// Table (spec.md Section 6: the sole construction option is max_sessions,
// 1..65535). lookup and sessionCB must not be nil; transport must not be
// nil.
func NewSessionLayer(maxSessions int, transport Transport, lookup LookupFunc, sessionCB SessionCallbackFunc, opts ...Option) (*SessionLayer, error) {
	if maxSessions < 1 || maxSessions > 65535 {
		return nil, fmt.Errorf("session: max_sessions %d out of range [1,65535]", maxSessions)
	}
	if transport == nil {
		return nil, errors.New("session: transport must not be nil")
	}
	if lookup == nil {
		return nil, errors.New("session: lookup callback must not be nil")
	}
	if sessionCB == nil {
		return nil, errors.New("session: session callback must not be nil")
	}

	sl := &SessionLayer{
		table:     newSessionTable(maxSessions),
		transport: transport,
		lookup:    lookup,
		sessionCB: sessionCB,
		iovLimit:  DefaultIovLimit,
		logger:    slog.Default(),
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(sl)
	}
	return sl, nil
}

// LastError returns the most recent caller-error or transport-failure
// recorded in the layer's error register (spec.md Section 6). It is not
// cleared between calls; it is a diagnostic of last resort, not a queue.
func (sl *SessionLayer) LastError() error {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.lastErr
}

func (sl *SessionLayer) setErr(err error) error {
	sl.mu.Lock()
	sl.lastErr = err
	sl.mu.Unlock()
	return err
}

// Sessions returns a copied, ascending-session_number snapshot of every
// non-Idle session, for the status surface and for tests.
func (sl *SessionLayer) Sessions() []SessionSnapshot {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.table.snapshotAll()
}

// Session returns a copied snapshot of one session, or ok=false if n is
// out of range or currently Idle.
func (sl *SessionLayer) Session(n uint16) (SessionSnapshot, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	e, ok := sl.table.get(n)
	if !ok || e.state == StateIdle {
		return SessionSnapshot{}, false
	}
	return snapshotOf(n, e), true
}

// Stats returns the current per-state session counts, for the status
// surface (spec.md Section 3, "Stats").
func (sl *SessionLayer) Stats() Stats {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.table.stats()
}

// Close tears down the layer: every non-Idle session is aborted directly
// to Idle without sending any SPDU (spec.md Section 3, "Lifecycle").
// After Close, every public API call returns ErrClosed.
func (sl *SessionLayer) Close() {
	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return
	}
	sl.closed = true
	n := sl.table.len()
	sl.table = newSessionTable(n)
	sl.mu.Unlock()
	sl.logger.Info("session layer closed")
}
