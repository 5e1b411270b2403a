package retry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/watchtower-client/retryd/internal/clientstate"
	"github.com/watchtower-client/retryd/internal/ptr"
	"github.com/watchtower-client/retryd/internal/retry/store"
	"github.com/watchtower-client/retryd/internal/tower"
	"github.com/watchtower-client/retryd/internal/towerapi"
)

// Retrier drives delivery of every pending appointment for one tower. It
// is created by a Manager in Stopped status, started once its pending set
// is non-empty, and runs a single backoff campaign to completion before
// reporting back to the Manager through its status and ClientState.
type Retrier struct {
	Tower tower.ID

	state    *clientstate.ClientState
	st       store.Store
	net      towerapi.Net
	signer   Signer
	verifier Verifier
	logger   *slog.Logger
	backoff  BackoffConfig

	mu     sync.Mutex
	status RetrierStatus

	pendingMu sync.Mutex
	pending   map[tower.Locator]struct{}
}

// NewRetrier builds a Retrier in Stopped status, seeded with the given
// locators.
func NewRetrier(
	t tower.ID,
	state *clientstate.ClientState,
	st store.Store,
	net towerapi.Net,
	signer Signer,
	verifier Verifier,
	logger *slog.Logger,
	backoffCfg BackoffConfig,
	seed map[tower.Locator]struct{},
) *Retrier {
	pending := make(map[tower.Locator]struct{}, len(seed))
	for l := range seed {
		pending[l] = struct{}{}
	}
	return &Retrier{
		Tower:    t,
		state:    state,
		st:       st,
		net:      net,
		signer:   signer,
		verifier: verifier,
		logger:   logger,
		backoff:  backoffCfg,
		status:   Stopped(),
		pending:  pending,
	}
}

// Status returns the Retrier's current lifecycle status.
func (r *Retrier) Status() RetrierStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// HasPending reports whether the in-memory pending set is non-empty.
func (r *Retrier) HasPending() bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending) > 0
}

// AddPending unions locators into the pending set. Safe to call while a
// campaign is running; run() snapshots the set at the top of every pass.
func (r *Retrier) AddPending(locators map[tower.Locator]struct{}) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for l := range locators {
		r.pending[l] = struct{}{}
	}
}

// ReplacePending discards the in-memory pending set and replaces it,
// used when the Manager repopulates a Retrier from the durable store
// after it goes Stopped from Idle or on auto-wake.
func (r *Retrier) ReplacePending(locators []tower.Locator) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending = make(map[tower.Locator]struct{}, len(locators))
	for _, l := range locators {
		r.pending[l] = struct{}{}
	}
}

func (r *Retrier) snapshotPending() []tower.Locator {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	out := make([]tower.Locator, 0, len(r.pending))
	for l := range r.pending {
		out = append(out, l)
	}
	return out
}

func (r *Retrier) removePending(l tower.Locator) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	delete(r.pending, l)
}

func (r *Retrier) clearPending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending = make(map[tower.Locator]struct{})
}

// setStatus updates the Retrier's own status and mirrors the change into
// ClientState.retriers (in memory, for other goroutines querying live
// status) and into the durable store (a record only; startup recovery
// does not consult it). Running and Idle get an
// entry, Stopped clears it, Failed leaves whatever was there until the
// Manager reaps it.
func (r *Retrier) setStatus(ctx context.Context, s RetrierStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()

	var idleSince *int64
	if s.IsIdle() {
		idleSince = ptr.To(s.IdleSince().Unix())
	}
	if err := r.st.SetRetrierStatus(ctx, r.Tower, s.String(), idleSince); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist retrier status", "tower", r.Tower.String(), "error", err)
	}

	if s.IsRunning() || s.IsIdle() {
		r.state.SetRetrierStatus(r.Tower, s.String())
		return
	}
	if s.IsStopped() {
		r.state.SetRetrierStatus(r.Tower, "")
	}
}

// Start transitions the Retrier from Stopped to Running and spawns its
// backoff campaign in the background. It requires current status Stopped.
func (r *Retrier) Start(ctx context.Context) error {
	r.mu.Lock()
	if !r.status.IsStopped() {
		cur := r.status
		r.mu.Unlock()
		return fmt.Errorf("retry: retrier for %s not stopped, cannot start (status=%s)", r.Tower, cur)
	}
	r.mu.Unlock()

	isSubErr, err := r.state.IsSubscriptionError(r.Tower)
	if err != nil {
		return err
	}
	if !isSubErr {
		if err := r.state.SetTowerStatus(ctx, r.Tower, tower.TemporaryUnreachable()); err != nil {
			return err
		}
	}

	r.setStatus(ctx, Running())
	go r.driveCampaign(ctx)
	return nil
}

// driveCampaign wraps run in an exponential backoff loop and applies the
// driver-outcome table once the loop terminates.
func (r *Retrier) driveCampaign(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.finish(ctx, PanicError{Value: rec, StackTrace: string(debug.Stack())})
		}
	}()

	b := backoff.WithContext(newBackOff(r.backoff), ctx)

	op := func() error {
		err := r.run(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "retrier attempt failed, backing off",
			"tower", r.Tower.String(), "error", err, "wait", wait)
	}

	outcome := backoff.RetryNotify(op, b, notify)
	r.finish(ctx, outcome)
}

// finish applies the driver-outcome table from the campaign's terminal
// error (nil on success).
func (r *Retrier) finish(ctx context.Context, outcome error) {
	switch {
	case outcome == nil:
		// Tower-status write precedes the Retrier-status write to Stopped,
		// so a new appointment can never race into the queue for a tower
		// this Retrier has just declared reachable.
		if err := r.state.SetTowerStatus(ctx, r.Tower, tower.Reachable()); err != nil {
			r.logger.ErrorContext(ctx, "failed to record tower reachable", "tower", r.Tower.String(), "error", err)
		}
		r.setStatus(ctx, Stopped())

	case isPermanentSubscriptionError(outcome):
		if err := r.state.SetTowerStatus(ctx, r.Tower, tower.SubscriptionErrorStatus()); err != nil {
			r.logger.ErrorContext(ctx, "failed to record subscription error", "tower", r.Tower.String(), "error", err)
		}
		r.setStatus(ctx, Failed())

	case isMisbehaving(outcome):
		me, _ := asMisbehaving(outcome)
		if err := r.state.FlagMisbehavingTower(ctx, r.Tower, me.Proof); err != nil {
			r.logger.ErrorContext(ctx, "failed to flag misbehaving tower", "tower", r.Tower.String(), "error", err)
		}
		r.setStatus(ctx, Failed())

	case isAbandoned(outcome):
		r.setStatus(ctx, Failed())

	case isPanic(outcome):
		r.logger.ErrorContext(ctx, "retrier panicked", "tower", r.Tower.String(), "error", outcome)
		r.setStatus(ctx, Failed())

	default:
		// Elapsed-time exceeded with only transient failures.
		if err := r.state.SetTowerStatus(ctx, r.Tower, tower.Unreachable()); err != nil {
			r.logger.ErrorContext(ctx, "failed to record tower unreachable", "tower", r.Tower.String(), "error", err)
		}
		r.clearPending()
		r.setStatus(ctx, Idle(time.Now()))
	}
}

// run performs one pass: resolve subscription trouble if any, then drain
// every currently-pending locator. It returns nil once pending is empty,
// or the first error that should stop or slow the campaign.
func (r *Retrier) run(ctx context.Context) error {
	if !r.state.IsTracked(r.Tower) {
		return AbandonedError{Tower: r.Tower}
	}

	isSubErr, err := r.state.IsSubscriptionError(r.Tower)
	if err != nil {
		return err
	}
	if isSubErr {
		if err := r.reregister(ctx); err != nil {
			return err
		}
	}

	for {
		locators := r.snapshotPending()
		if len(locators) == 0 {
			return nil
		}
		for _, l := range locators {
			if err := r.deliver(ctx, l); err != nil {
				return err
			}
		}
	}
}

func (r *Retrier) reregister(ctx context.Context) error {
	receipt, err := r.net.Register(ctx, r.Tower)
	if err != nil {
		return SubscriptionError{Msg: err.Error(), Permanent: false}
	}

	if err := r.verifier.VerifyRegistration(r.Tower, receipt); err != nil {
		return SubscriptionError{Msg: "bad signature: " + err.Error(), Permanent: true}
	}

	if err := r.state.AddUpdateTower(ctx, r.Tower, receipt); err != nil {
		return SubscriptionError{Msg: err.Error(), Permanent: true}
	}
	return nil
}

func (r *Retrier) deliver(ctx context.Context, l tower.Locator) error {
	app, err := r.st.LoadAppointment(ctx, l)
	if err != nil {
		return RequestError{Err: err}
	}

	signature, err := r.signer.SignAppointment(app)
	if err != nil {
		return fmt.Errorf("retry: signing appointment %s: %w", l, err)
	}

	receipt, err := r.net.AddAppointment(ctx, r.Tower, app, signature)
	switch {
	case err == nil:
		if err := r.state.AddAppointmentReceipt(ctx, r.Tower, l, receipt); err != nil {
			return err
		}
		r.removePending(l)
		return nil

	case IsRequestError(err):
		return err

	case IsSignatureError(err):
		se, _ := err.(SignatureError)
		return MisbehavingError{Proof: tower.MisbehaviorProof{
			Locator:     l,
			Appointment: app,
			Signature:   se.TowerSignature,
		}}

	default:
		if ae, ok := IsApiError(err); ok {
			if ae.Code == towerapi.InvalidSignatureOrSubscriptionErrorCode {
				if err := r.state.SetTowerStatus(ctx, r.Tower, tower.SubscriptionErrorStatus()); err != nil {
					return err
				}
				return SubscriptionError{Msg: ae.Msg, Permanent: false}
			}
			// Any other ApiError means the server rejected this specific
			// appointment. Add-invalid must precede remove-pending so a
			// crash in between never loses the appointment body.
			if err := r.state.AddInvalidAppointment(ctx, r.Tower, l); err != nil {
				return err
			}
			if err := r.state.RemovePendingAppointment(ctx, r.Tower, l); err != nil {
				return err
			}
			r.removePending(l)
			return nil
		}
		return RequestError{Err: err}
	}
}

func isPermanentSubscriptionError(err error) bool {
	se, ok := IsSubscriptionError(err)
	return ok && se.Permanent
}

func isMisbehaving(err error) bool {
	_, ok := asMisbehaving(err)
	return ok
}

func asMisbehaving(err error) (MisbehavingError, bool) {
	me, ok := err.(MisbehavingError)
	return me, ok
}

func isAbandoned(err error) bool {
	_, ok := err.(AbandonedError)
	return ok
}

func isPanic(err error) bool {
	_, ok := err.(PanicError)
	return ok
}
