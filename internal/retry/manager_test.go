package retry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-client/retryd/internal/clientstate"
	"github.com/watchtower-client/retryd/internal/retry/store"
	"github.com/watchtower-client/retryd/internal/tower"
)

func testManagerConfig() Config {
	return Config{
		MaxElapsedTime: time.Second,
		MaxInterval:    5 * time.Millisecond,
		AutoRetryDelay: 20 * time.Millisecond,
	}
}

func TestManager_HandleRequest_CreatesAndRunsRetrier(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(10)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(10)
	mem.SeedAppointment(tower.Appointment{Locator: l, Encoded: []byte("app")})

	net := &fakeNet{
		addAppointmentFn: func(ctx context.Context, tid tower.ID, app tower.Appointment, sig []byte) (tower.AppointmentReceipt, error) {
			return tower.AppointmentReceipt{StartBlock: 1, TowerSignature: []byte("ts")}, nil
		},
	}

	mgr := NewManager(cs, mem, net, fakeSigner{}, fakeVerifier{}, slog.Default(), testManagerConfig())

	requests := make(chan Request, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go mgr.Run(ctx, requests)
	requests <- NewFreshRequest(twr, l)

	// AddTower already starts the tower at Reachable, so also wait for the
	// retrier's campaign to have finished (its status is only recorded in
	// the store once it runs). The first reap/start pass fires after one
	// second.
	deadline := time.Now().Add(2500 * time.Millisecond)
	for {
		retrierStatus, ran := mem.RetrierStatus(twr)
		if status, err := cs.GetTowerStatus(twr); err == nil && status.IsReachable() && ran && retrierStatus == "stopped" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for tower to become reachable")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestManager_HandleRequest_IgnoresUntrackedTower(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	mgr := NewManager(cs, mem, &fakeNet{}, fakeSigner{}, fakeVerifier{}, slog.Default(), testManagerConfig())

	twr := newTestTower(11)
	mgr.handleRequest(context.Background(), NewWakeRequest(twr))

	_, ok := mgr.RetrierStatusFor(twr)
	assert.False(t, ok)
}

func TestManager_HandleRequest_AddsPendingToExistingRetrier(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(12)
	cs.AddTower(twr, "tower.example:1234")

	mgr := NewManager(cs, mem, &fakeNet{}, fakeSigner{}, fakeVerifier{}, slog.Default(), testManagerConfig())

	l1 := newTestLocator(12)
	mgr.handleRequest(context.Background(), NewFreshRequest(twr, l1))

	status, ok := mgr.RetrierStatusFor(twr)
	require.True(t, ok)
	assert.True(t, status.IsStopped())

	l2 := newTestLocator(13)
	mgr.handleRequest(context.Background(), NewFreshRequest(twr, l2))

	mgr.mu.Lock()
	r := mgr.retriers[twr]
	mgr.mu.Unlock()
	require.NotNil(t, r)
	locators := r.snapshotPending()
	assert.Len(t, locators, 2)
}

func TestManager_ReapAndStart_DropsFailedRetriers(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(14)
	cs.AddTower(twr, "tower.example:1234")

	mgr := NewManager(cs, mem, &fakeNet{}, fakeSigner{}, fakeVerifier{}, slog.Default(), testManagerConfig())
	r := NewRetrier(twr, cs, mem, &fakeNet{}, fakeSigner{}, fakeVerifier{}, slog.Default(), DefaultBackoffConfig(), nil)
	r.setStatus(context.Background(), Failed())

	mgr.mu.Lock()
	mgr.retriers[twr] = r
	mgr.mu.Unlock()

	mgr.reapAndStart(context.Background())

	_, ok := mgr.RetrierStatusFor(twr)
	assert.False(t, ok)
}

func TestManager_ReapAndStart_AutoWakesExpiredIdleRetrier(t *testing.T) {
	mem := store.NewMemory()
	cs := clientstate.New(mem)
	twr := newTestTower(15)
	cs.AddTower(twr, "tower.example:1234")

	l := newTestLocator(15)
	mem.SeedPending(twr, l)

	cfg := testManagerConfig()
	cfg.AutoRetryDelay = time.Millisecond
	mgr := NewManager(cs, mem, &fakeNet{}, fakeSigner{}, fakeVerifier{}, slog.Default(), cfg)

	r := NewRetrier(twr, cs, mem, &fakeNet{}, fakeSigner{}, fakeVerifier{}, slog.Default(), DefaultBackoffConfig(), nil)
	r.setStatus(context.Background(), Idle(time.Now().Add(-time.Hour)))

	mgr.mu.Lock()
	mgr.retriers[twr] = r
	mgr.mu.Unlock()

	mgr.reapAndStart(context.Background())

	status, ok := mgr.RetrierStatusFor(twr)
	require.True(t, ok)
	assert.True(t, status.IsStopped())

	locators := r.snapshotPending()
	assert.Contains(t, locators, l)
}

func TestLoadStaleRequests(t *testing.T) {
	mem := store.NewMemory()
	twr := newTestTower(16)
	l := newTestLocator(16)
	mem.SeedPending(twr, l)

	requests, err := LoadStaleRequests(context.Background(), mem)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, twr, requests[0].Tower)
	assert.Equal(t, []tower.Locator{l}, requests[0].Data.Locators)
}
