// Package retry implements the watchtower client's retry engine: a
// supervisor (Manager) that owns one Retrier per tower, each driving an
// exponential-backoff campaign to deliver that tower's pending
// appointments, re-registering on subscription error and giving up into
// an Idle state that the supervisor later wakes.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/watchtower-client/retryd/internal/clientstate"
	"github.com/watchtower-client/retryd/internal/retry/store"
	"github.com/watchtower-client/retryd/internal/tower"
	"github.com/watchtower-client/retryd/internal/towerapi"
)

// Request is one item on the Manager's inbound queue: a tower paired
// with the revocation data that triggered the request.
type Request struct {
	Tower tower.ID
	Data  tower.RevocationData
}

// NewFreshRequest builds a Request for a single newly revoked commitment.
func NewFreshRequest(t tower.ID, l tower.Locator) Request {
	return Request{Tower: t, Data: tower.Fresh(l)}
}

// NewWakeRequest builds a pure wake-up Request with no payload, used by
// a manual "retry this tower" command.
func NewWakeRequest(t tower.ID) Request {
	return Request{Tower: t, Data: tower.None()}
}

// LoadStaleRequests builds one Stale Request per tower with pending work
// in the store, for seeding the Manager's queue on startup recovery.
func LoadStaleRequests(ctx context.Context, st store.Store) ([]Request, error) {
	towers, err := st.AllPendingTowers(ctx)
	if err != nil {
		return nil, err
	}
	requests := make([]Request, 0, len(towers))
	for _, t := range towers {
		locators, err := st.PendingAppointments(ctx, t)
		if err != nil {
			return nil, err
		}
		if len(locators) == 0 {
			continue
		}
		requests = append(requests, Request{Tower: t, Data: tower.Stale(locators)})
	}
	return requests, nil
}

// Config tunes the Manager's backoff campaigns and auto-wake timing.
type Config struct {
	// MaxElapsedTime bounds one Retrier's backoff campaign wall-clock.
	MaxElapsedTime time.Duration
	// MaxInterval caps a single inter-attempt sleep.
	MaxInterval time.Duration
	// AutoRetryDelay is how long an Idle Retrier waits before being
	// auto-woken.
	AutoRetryDelay time.Duration
}

// DefaultConfig returns the Manager tuning that matches config.RetryConfig's
// defaults. NewManager does not substitute it for a zero Config.
func DefaultConfig() Config {
	return Config{
		MaxElapsedTime: 30 * time.Minute,
		MaxInterval:    2 * time.Minute,
		AutoRetryDelay: time.Hour,
	}
}

func (c Config) backoffConfig() BackoffConfig {
	b := DefaultBackoffConfig()
	b.MaxElapsedTime = c.MaxElapsedTime
	b.MaxInterval = c.MaxInterval
	return b
}

// Manager is the single long-lived supervisor: it consumes a stream of
// Requests, maintains the table of per-tower Retriers, starts the ones
// ready to run, reaps the ones that finished, and wakes idle ones after
// AutoRetryDelay.
type Manager struct {
	state    *clientstate.ClientState
	st       store.Store
	net      towerapi.Net
	signer   Signer
	verifier Verifier
	logger   *slog.Logger
	cfg      Config

	mu       sync.Mutex
	retriers map[tower.ID]*Retrier
}

// NewManager builds a Manager. logger defaults to slog.Default() if nil.
func NewManager(
	state *clientstate.ClientState,
	st store.Store,
	net towerapi.Net,
	signer Signer,
	verifier Verifier,
	logger *slog.Logger,
	cfg Config,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		state:    state,
		st:       st,
		net:      net,
		signer:   signer,
		verifier: verifier,
		logger:   logger,
		cfg:      cfg,
		retriers: make(map[tower.ID]*Retrier),
	}
}

// Run drives the supervisor loop until requests is closed or ctx is
// cancelled. Each iteration handles whichever is ready: an inbound
// request, or the one-second tick that runs a reap/start pass (when both
// are ready, select picks either), so auto-wake latency is bounded
// without busy-polling.
func (m *Manager) Run(ctx context.Context, requests <-chan Request) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req, ok := <-requests:
			if !ok {
				return nil
			}
			m.handleRequest(ctx, req)

		case <-ticker.C:
			m.reapAndStart(ctx)
		}
	}
}

// handleRequest applies one inbound Request to the Retrier table.
func (m *Manager) handleRequest(ctx context.Context, req Request) {
	t := req.Tower

	if !m.state.IsTracked(t) {
		m.logger.InfoContext(ctx, "ignoring retry request for untracked tower", "tower", t.String())
		return
	}

	m.mu.Lock()
	r, exists := m.retriers[t]
	m.mu.Unlock()

	if !exists {
		r := NewRetrier(t, m.state, m.st, m.net, m.signer, m.verifier, m.logger, m.cfg.backoffConfig(), req.Data.ToLocatorSet())
		m.mu.Lock()
		m.retriers[t] = r
		m.mu.Unlock()
		return
	}

	status := r.Status()
	if status.IsIdle() {
		if !req.Data.IsNone() {
			m.logger.ErrorContext(ctx, "payload-bearing request reached an idle retrier, ignoring payload",
				"tower", t.String())
			return
		}
		m.wake(ctx, r, t)
		return
	}

	r.AddPending(req.Data.ToLocatorSet())
}

// wake reloads a Retrier's pending set from the store and transitions it
// back to Stopped, leaving the actual start to the next reap pass.
func (m *Manager) wake(ctx context.Context, r *Retrier, t tower.ID) {
	locators, err := m.st.PendingAppointments(ctx, t)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to reload pending appointments on wake", "tower", t.String(), "error", err)
		return
	}
	r.ReplacePending(locators)
	r.setStatus(ctx, Stopped())
}

// reapAndStart removes finished Retriers from the table and starts the
// ones ready to run.
func (m *Manager) reapAndStart(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for t, r := range m.retriers {
		status := r.Status()
		if status.IsFailed() {
			m.state.SetRetrierStatus(t, "")
			delete(m.retriers, t)
			continue
		}
		if !status.IsRunning() && !status.IsIdle() && !r.HasPending() {
			delete(m.retriers, t)
		}
	}

	for t, r := range m.retriers {
		status := r.Status()

		if status.ShouldStart() && r.HasPending() {
			if err := r.Start(ctx); err != nil {
				m.logger.ErrorContext(ctx, "failed to start retrier", "tower", t.String(), "error", err)
			}
			continue
		}

		if status.IsIdle() && time.Since(status.IdleSince()) > m.cfg.AutoRetryDelay {
			m.wake(ctx, r, t)
		}
	}
}

// RetrierStatusFor returns the status of the Retrier tracking t, if any.
func (m *Manager) RetrierStatusFor(t tower.ID) (RetrierStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retriers[t]
	if !ok {
		return RetrierStatus{}, false
	}
	return r.Status(), true
}
