package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/watchtower-client/retryd/internal/tower"
)

// Memory is an in-process Store used by tests. It is safe for concurrent
// use.
type Memory struct {
	mu            sync.Mutex
	pending       map[tower.ID]map[tower.Locator]struct{}
	invalid       map[tower.ID]map[tower.Locator]struct{}
	receipts      map[tower.ID]map[tower.Locator]tower.AppointmentReceipt
	appointments  map[tower.Locator]tower.Appointment
	towerStatus   map[tower.ID]tower.Status
	retrierStatus map[tower.ID]string
	retrierIdle   map[tower.ID]*int64
	subscriptions map[tower.ID]tower.RegistrationReceipt
	netAddrs      map[tower.ID]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		pending:       make(map[tower.ID]map[tower.Locator]struct{}),
		invalid:       make(map[tower.ID]map[tower.Locator]struct{}),
		receipts:      make(map[tower.ID]map[tower.Locator]tower.AppointmentReceipt),
		appointments:  make(map[tower.Locator]tower.Appointment),
		towerStatus:   make(map[tower.ID]tower.Status),
		retrierStatus: make(map[tower.ID]string),
		retrierIdle:   make(map[tower.ID]*int64),
		subscriptions: make(map[tower.ID]tower.RegistrationReceipt),
		netAddrs:      make(map[tower.ID]string),
	}
}

// SeedAppointment registers an appointment body so LoadAppointment can
// find it by locator, for test fixtures.
func (m *Memory) SeedAppointment(app tower.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appointments[app.Locator] = app
}

func (m *Memory) LoadAppointment(_ context.Context, l tower.Locator) (tower.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.appointments[l]
	if !ok {
		return tower.Appointment{}, fmt.Errorf("memory store: no appointment for locator %s", l)
	}
	return app, nil
}

func (m *Memory) StorePendingAppointment(_ context.Context, t tower.ID, app tower.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appointments[app.Locator] = app
	set, ok := m.pending[t]
	if !ok {
		set = make(map[tower.Locator]struct{})
		m.pending[t] = set
	}
	set[app.Locator] = struct{}{}
	return nil
}

func (m *Memory) FlagMisbehavingTower(_ context.Context, t tower.ID, proof tower.MisbehaviorProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.towerStatus[t] = tower.Misbehaving(proof)
	return nil
}

func (m *Memory) AddUpdateTower(_ context.Context, t tower.ID, netAddr string, receipt tower.RegistrationReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[t] = receipt
	m.netAddrs[t] = netAddr
	return nil
}

// SeedPending adds locators to t's pending set without going through a
// delivery attempt, for setting up test fixtures.
func (m *Memory) SeedPending(t tower.ID, locators ...tower.Locator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.pending[t]
	if !ok {
		set = make(map[tower.Locator]struct{})
		m.pending[t] = set
	}
	for _, l := range locators {
		set[l] = struct{}{}
	}
}

func (m *Memory) PendingAppointments(_ context.Context, t tower.ID) ([]tower.Locator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.pending[t]
	out := make([]tower.Locator, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out, nil
}

func (m *Memory) AllPendingTowers(_ context.Context) ([]tower.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tower.ID, 0, len(m.pending))
	for t, set := range m.pending {
		if len(set) > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) AddAppointmentReceipt(_ context.Context, t tower.ID, l tower.Locator, receipt tower.AppointmentReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.pending[t]; ok {
		delete(set, l)
	}
	rs, ok := m.receipts[t]
	if !ok {
		rs = make(map[tower.Locator]tower.AppointmentReceipt)
		m.receipts[t] = rs
	}
	rs[l] = receipt
	return nil
}

func (m *Memory) AddInvalidAppointment(_ context.Context, t tower.ID, l tower.Locator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.invalid[t]
	if !ok {
		set = make(map[tower.Locator]struct{})
		m.invalid[t] = set
	}
	set[l] = struct{}{}
	return nil
}

func (m *Memory) RemovePendingAppointment(_ context.Context, t tower.ID, l tower.Locator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.pending[t]; ok {
		delete(set, l)
	}
	return nil
}

func (m *Memory) SetTowerStatus(_ context.Context, t tower.ID, status tower.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.towerStatus[t] = status
	return nil
}

func (m *Memory) SetRetrierStatus(_ context.Context, t tower.ID, status string, idleSince *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrierStatus[t] = status
	m.retrierIdle[t] = idleSince
	return nil
}

// TowerStatus returns the last status recorded for t, for test assertions.
func (m *Memory) TowerStatus(t tower.ID) (tower.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.towerStatus[t]
	return s, ok
}

// RetrierStatus returns the last retrier status string recorded for t.
func (m *Memory) RetrierStatus(t tower.ID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.retrierStatus[t]
	return s, ok
}

// InvalidAppointments returns the invalid set recorded for t.
func (m *Memory) InvalidAppointments(t tower.ID) []tower.Locator {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.invalid[t]
	out := make([]tower.Locator, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// LoadTowers returns a record for every tower with any data on file:
// a pending/invalid appointment, a recorded status, a net address, or a
// subscription.
func (m *Memory) LoadTowers(_ context.Context) ([]TowerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[tower.ID]struct{})
	for t := range m.pending {
		seen[t] = struct{}{}
	}
	for t := range m.invalid {
		seen[t] = struct{}{}
	}
	for t := range m.towerStatus {
		seen[t] = struct{}{}
	}
	for t := range m.netAddrs {
		seen[t] = struct{}{}
	}
	for t := range m.subscriptions {
		seen[t] = struct{}{}
	}

	out := make([]TowerRecord, 0, len(seen))
	for t := range seen {
		status, ok := m.towerStatus[t]
		if !ok {
			status = tower.Reachable()
		}
		out = append(out, TowerRecord{
			ID:           t,
			NetAddr:      m.netAddrs[t],
			Status:       status,
			Subscription: m.subscriptions[t],
		})
	}
	return out, nil
}
