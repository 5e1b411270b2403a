package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-client/retryd/internal/clientstate"
	"github.com/watchtower-client/retryd/internal/retry/store"
	"github.com/watchtower-client/retryd/internal/tower"
	"github.com/watchtower-client/retryd/internal/towerapi"
)

// fakeNet is a configurable towerapi.Net for exercising a Retrier's
// backoff campaign without a real tower on the other end.
type fakeNet struct {
	registerFn       func(ctx context.Context, t tower.ID) (tower.RegistrationReceipt, error)
	addAppointmentFn func(ctx context.Context, t tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error)
}

func (f *fakeNet) Register(ctx context.Context, t tower.ID) (tower.RegistrationReceipt, error) {
	return f.registerFn(ctx, t)
}

func (f *fakeNet) AddAppointment(ctx context.Context, t tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
	return f.addAppointmentFn(ctx, t, app, sig)
}

type fakeSigner struct{}

func (fakeSigner) SignAppointment(app tower.Appointment) ([]byte, error) {
	return []byte("sig:" + app.Locator.String()), nil
}

type fakeVerifier struct {
	err error
}

func (v fakeVerifier) VerifyRegistration(tower.ID, tower.RegistrationReceipt) error {
	return v.err
}

// fastBackoff keeps tests from actually sleeping through real backoff
// waits; maxElapsed still bounds how long a campaign of only failures
// takes to give up.
func fastBackoff(maxElapsed time.Duration) BackoffConfig {
	return BackoffConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxElapsedTime:      maxElapsed,
	}
}

func newTestTower(b byte) tower.ID {
	var id tower.ID
	id[0] = b
	return id
}

func newTestLocator(b byte) tower.Locator {
	var l tower.Locator
	l[0] = b
	return l
}

func waitForStatus(t *testing.T, r *Retrier, want func(RetrierStatus) bool, timeout time.Duration) RetrierStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		s := r.Status()
		if want(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for retrier status, last status: %s", s)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRetrier_SuccessfulDelivery(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(1)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(1)
	mem.SeedAppointment(tower.Appointment{Locator: l, Encoded: []byte("app")})

	net := &fakeNet{
		addAppointmentFn: func(ctx context.Context, tid tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
			return tower.AppointmentReceipt{StartBlock: 100, TowerSignature: []byte("ts")}, nil
		},
	}

	r := NewRetrier(twr, cs, mem, net, fakeSigner{}, fakeVerifier{}, slog.Default(), fastBackoff(time.Second), tower.Fresh(l).ToLocatorSet())
	require.NoError(t, r.Start(context.Background()))

	waitForStatus(t, r, RetrierStatus.IsStopped, time.Second)

	status, err := cs.GetTowerStatus(twr)
	require.NoError(t, err)
	assert.True(t, status.IsReachable())

	retrierStatus, ok := mem.RetrierStatus(twr)
	assert.True(t, ok)
	assert.Equal(t, "stopped", retrierStatus)

	pending, err := cs.PendingLocators(twr)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetrier_TransientFailureThenSuccess(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(2)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(2)
	mem.SeedAppointment(tower.Appointment{Locator: l, Encoded: []byte("app")})

	var attempts atomic.Int32
	net := &fakeNet{
		addAppointmentFn: func(ctx context.Context, tid tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
			if attempts.Add(1) < 3 {
				return tower.AppointmentReceipt{}, RequestError{Err: errors.New("connection reset")}
			}
			return tower.AppointmentReceipt{StartBlock: 1, TowerSignature: []byte("ts")}, nil
		},
	}

	r := NewRetrier(twr, cs, mem, net, fakeSigner{}, fakeVerifier{}, slog.Default(), fastBackoff(time.Second), tower.Fresh(l).ToLocatorSet())
	require.NoError(t, r.Start(context.Background()))

	waitForStatus(t, r, RetrierStatus.IsStopped, time.Second)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))

	status, _ := cs.GetTowerStatus(twr)
	assert.True(t, status.IsReachable())
}

func TestRetrier_ApiErrorInvalidatesAppointment(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(3)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(3)
	mem.SeedAppointment(tower.Appointment{Locator: l, Encoded: []byte("app")})

	net := &fakeNet{
		addAppointmentFn: func(ctx context.Context, tid tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
			return tower.AppointmentReceipt{}, ApiError{Code: 99, Msg: "locator already expired"}
		},
	}

	r := NewRetrier(twr, cs, mem, net, fakeSigner{}, fakeVerifier{}, slog.Default(), fastBackoff(time.Second), tower.Fresh(l).ToLocatorSet())
	require.NoError(t, r.Start(context.Background()))

	waitForStatus(t, r, RetrierStatus.IsStopped, time.Second)

	assert.Contains(t, mem.InvalidAppointments(twr), l)
	pending, err := cs.PendingLocators(twr)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetrier_SubscriptionErrorCodeTriggersReregistration(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(4)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(4)
	mem.SeedAppointment(tower.Appointment{Locator: l, Encoded: []byte("app")})

	var registered atomic.Bool
	net := &fakeNet{
		registerFn: func(ctx context.Context, tid tower.ID) (tower.RegistrationReceipt, error) {
			registered.Store(true)
			return tower.RegistrationReceipt{AvailableSlots: 10, SubscriptionExpiry: 1000, Signature: []byte("s")}, nil
		},
		addAppointmentFn: func(ctx context.Context, tid tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
			if !registered.Load() {
				return tower.AppointmentReceipt{}, ApiError{Code: towerapi.InvalidSignatureOrSubscriptionErrorCode, Msg: "subscription expired"}
			}
			return tower.AppointmentReceipt{StartBlock: 1, TowerSignature: []byte("ts")}, nil
		},
	}

	r := NewRetrier(twr, cs, mem, net, fakeSigner{}, fakeVerifier{}, slog.Default(), fastBackoff(time.Second), tower.Fresh(l).ToLocatorSet())
	require.NoError(t, r.Start(context.Background()))

	waitForStatus(t, r, RetrierStatus.IsStopped, time.Second)

	assert.True(t, registered.Load())
	status, _ := cs.GetTowerStatus(twr)
	assert.True(t, status.IsReachable())
}

func TestRetrier_SignatureErrorFlagsMisbehavior(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(5)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(5)
	mem.SeedAppointment(tower.Appointment{Locator: l, Encoded: []byte("app")})

	net := &fakeNet{
		addAppointmentFn: func(ctx context.Context, tid tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
			return tower.AppointmentReceipt{}, SignatureError{
				Err:            errors.New("bad signature"),
				Locator:        l,
				Appointment:    app,
				TowerSignature: []byte("bogus"),
			}
		},
	}

	r := NewRetrier(twr, cs, mem, net, fakeSigner{}, fakeVerifier{}, slog.Default(), fastBackoff(time.Second), tower.Fresh(l).ToLocatorSet())
	require.NoError(t, r.Start(context.Background()))

	waitForStatus(t, r, RetrierStatus.IsFailed, time.Second)

	status, _ := cs.GetTowerStatus(twr)
	assert.True(t, status.IsMisbehaving())
	require.NotNil(t, status.MisbehaviorProof())
	assert.Equal(t, l, status.MisbehaviorProof().Locator)
}

func TestRetrier_ElapsedTimeExceededGoesIdle(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(6)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(6)
	mem.SeedAppointment(tower.Appointment{Locator: l, Encoded: []byte("app")})

	net := &fakeNet{
		addAppointmentFn: func(ctx context.Context, tid tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
			return tower.AppointmentReceipt{}, RequestError{Err: errors.New("always down")}
		},
	}

	r := NewRetrier(twr, cs, mem, net, fakeSigner{}, fakeVerifier{}, slog.Default(), fastBackoff(30*time.Millisecond), tower.Fresh(l).ToLocatorSet())
	require.NoError(t, r.Start(context.Background()))

	waitForStatus(t, r, RetrierStatus.IsIdle, 2*time.Second)

	status, _ := cs.GetTowerStatus(twr)
	assert.True(t, status.IsUnreachable())

	pending, err := cs.PendingLocators(twr)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetrier_AbandonedWhenTowerUntracked(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(7)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(7)
	mem.SeedAppointment(tower.Appointment{Locator: l, Encoded: []byte("app")})

	net := &fakeNet{
		addAppointmentFn: func(ctx context.Context, tid tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
			cs.RemoveTower(twr)
			return tower.AppointmentReceipt{}, RequestError{Err: errors.New("slow")}
		},
	}

	r := NewRetrier(twr, cs, mem, net, fakeSigner{}, fakeVerifier{}, slog.Default(), fastBackoff(time.Second), tower.Fresh(l).ToLocatorSet())
	require.NoError(t, r.Start(context.Background()))

	waitForStatus(t, r, RetrierStatus.IsFailed, time.Second)
}

func TestRetrier_Start_RequiresStopped(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(8)
	cs.AddTower(twr, "tower.example:1234")

	r := NewRetrier(twr, cs, mem, &fakeNet{}, fakeSigner{}, fakeVerifier{}, slog.Default(), fastBackoff(time.Second), nil)
	r.setStatus(context.Background(), Running())

	err := r.Start(context.Background())
	assert.Error(t, err)
}
