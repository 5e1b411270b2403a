// Package clientstate tracks the set of towers the client knows about and
// their current status, in memory, with writes mirrored to durable
// storage. It is the single place the retry engine and the rest of the
// client negotiate a tower's lifecycle.
package clientstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/watchtower-client/retryd/internal/retry/store"
	"github.com/watchtower-client/retryd/internal/tower"
)

// Tower is the client's in-memory view of one tower: its current status,
// subscription, and the retrier status last observed for it.
type Tower struct {
	Status       tower.Status
	NetAddr      string
	Subscription tower.RegistrationReceipt
	Pending      map[tower.Locator]struct{}
	Retrier      string
}

// ClientState holds every tracked tower behind a single mutex. Critical
// sections touch only the in-memory map; persistence calls happen with
// the lock released so a slow store never blocks a status read from an
// unrelated goroutine.
type ClientState struct {
	store store.Store

	mu     sync.Mutex
	towers map[tower.ID]*Tower
}

// New builds a ClientState backed by s.
func New(s store.Store) *ClientState {
	return &ClientState{
		store:  s,
		towers: make(map[tower.ID]*Tower),
	}
}

// ErrUnknownTower is returned by any operation referencing a tower the
// client is not currently tracking.
type ErrUnknownTower struct {
	Tower tower.ID
}

func (e ErrUnknownTower) Error() string {
	return fmt.Sprintf("clientstate: tower %s is not tracked", e.Tower)
}

// AddTower starts tracking t with an initial Reachable status and no
// subscription.
func (c *ClientState) AddTower(t tower.ID, netAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.towers[t]; ok {
		return
	}
	c.towers[t] = &Tower{
		Status:  tower.Reachable(),
		NetAddr: netAddr,
		Pending: make(map[tower.Locator]struct{}),
	}
}

// RestoreTower starts tracking t with its last-known address, status, and
// subscription, as recovered from the durable store after a restart.
// Unlike AddTower, which always starts a newly learned tower at Reachable
// with no subscription, RestoreTower seeds the full record so a restart
// does not silently reset a tower's reachability or re-registration
// state.
func (c *ClientState) RestoreTower(rec store.TowerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.towers[rec.ID]; ok {
		return
	}
	c.towers[rec.ID] = &Tower{
		Status:       rec.Status,
		NetAddr:      rec.NetAddr,
		Subscription: rec.Subscription,
		Pending:      make(map[tower.Locator]struct{}),
	}
}

// NetAddr returns the address on file for t.
func (c *ClientState) NetAddr(t tower.ID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.towers[t]
	if !ok {
		return "", ErrUnknownTower{Tower: t}
	}
	return rec.NetAddr, nil
}

// RemoveTower stops tracking t entirely. Any Retrier campaign already in
// flight for t will observe this on its next ClientState read and abandon
// itself.
func (c *ClientState) RemoveTower(t tower.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.towers, t)
}

// IsTracked reports whether t is currently tracked.
func (c *ClientState) IsTracked(t tower.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.towers[t]
	return ok
}

// GetTowerStatus returns the last known status for t.
func (c *ClientState) GetTowerStatus(t tower.ID) (tower.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.towers[t]
	if !ok {
		return tower.Status{}, ErrUnknownTower{Tower: t}
	}
	return rec.Status, nil
}

// SetTowerStatus updates t's status in memory and mirrors the change to
// the store. On a terminal Misbehaving status this is the last write
// clientstate will ever make for t; the Retrier that observed it exits on
// its own. A tower already flagged Misbehaving keeps that status and the
// call is a no-op.
func (c *ClientState) SetTowerStatus(ctx context.Context, t tower.ID, status tower.Status) error {
	c.mu.Lock()
	rec, ok := c.towers[t]
	if ok && rec.Status.IsMisbehaving() {
		c.mu.Unlock()
		return nil
	}
	if ok {
		rec.Status = status
	}
	c.mu.Unlock()

	if !ok {
		return ErrUnknownTower{Tower: t}
	}
	return c.store.SetTowerStatus(ctx, t, status)
}

// FlagMisbehavingTower records proof and transitions t to the terminal
// Misbehaving status, in memory and in the store. Terminal: no later
// SetTowerStatus call can move t out of this status.
func (c *ClientState) FlagMisbehavingTower(ctx context.Context, t tower.ID, proof tower.MisbehaviorProof) error {
	status := tower.Misbehaving(proof)
	c.mu.Lock()
	rec, ok := c.towers[t]
	if ok {
		rec.Status = status
	}
	c.mu.Unlock()

	if !ok {
		return ErrUnknownTower{Tower: t}
	}
	return c.store.FlagMisbehavingTower(ctx, t, proof)
}

// AddUpdateTower records receipt as t's current subscription, rejecting
// it if it does not improve on the subscription already on file. A tower
// with no prior subscription on file always accepts the first receipt.
func (c *ClientState) AddUpdateTower(ctx context.Context, t tower.ID, receipt tower.RegistrationReceipt) error {
	c.mu.Lock()
	rec, ok := c.towers[t]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownTower{Tower: t}
	}
	isFirst := rec.Subscription.Signature == nil
	if !isFirst {
		if ok, reason := receipt.Improves(rec.Subscription); !ok {
			c.mu.Unlock()
			return fmt.Errorf("clientstate: registration receipt for %s rejected: %s", t, reason)
		}
	}
	rec.Subscription = receipt
	netAddr := rec.NetAddr
	c.mu.Unlock()

	return c.store.AddUpdateTower(ctx, t, netAddr, receipt)
}

// AddPendingAppointment records l as awaiting delivery to t.
func (c *ClientState) AddPendingAppointment(t tower.ID, l tower.Locator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.towers[t]
	if !ok {
		return ErrUnknownTower{Tower: t}
	}
	rec.Pending[l] = struct{}{}
	return nil
}

// AddAppointmentReceipt records a confirmed delivery: it removes l from
// the in-memory pending set and persists the receipt. Ordering matches
// the store contract: persistence happens first, so a crash between the
// two halves cannot leave l pending in memory but already confirmed on
// disk.
func (c *ClientState) AddAppointmentReceipt(ctx context.Context, t tower.ID, l tower.Locator, receipt tower.AppointmentReceipt) error {
	if err := c.store.AddAppointmentReceipt(ctx, t, l, receipt); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.towers[t]; ok {
		delete(rec.Pending, l)
	}
	return nil
}

// AddInvalidAppointment persists l as rejected by t's tower. Callers must
// still call RemovePendingAppointment afterward; the two are kept
// separate so the store can be written in the add-then-remove order the
// crash-safety contract requires.
func (c *ClientState) AddInvalidAppointment(ctx context.Context, t tower.ID, l tower.Locator) error {
	return c.store.AddInvalidAppointment(ctx, t, l)
}

// RemovePendingAppointment removes l from t's pending set, in memory and
// in the store.
func (c *ClientState) RemovePendingAppointment(ctx context.Context, t tower.ID, l tower.Locator) error {
	if err := c.store.RemovePendingAppointment(ctx, t, l); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.towers[t]; ok {
		delete(rec.Pending, l)
	}
	return nil
}

// GetRetrierStatus returns the last retrier status string recorded for t,
// or the empty string if none has been recorded yet.
func (c *ClientState) GetRetrierStatus(t tower.ID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.towers[t]; ok {
		return rec.Retrier
	}
	return ""
}

// SetRetrierStatus records status as the Retrier's current state for t,
// in memory only. The Retrier persists its own record via the store
// directly, in the status-before-retrier-status write order its
// crash-safety contract requires.
func (c *ClientState) SetRetrierStatus(t tower.ID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.towers[t]; ok {
		rec.Retrier = status
	}
}

// TrackedTowers returns a snapshot of every tower id currently tracked.
func (c *ClientState) TrackedTowers() []tower.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tower.ID, 0, len(c.towers))
	for t := range c.towers {
		out = append(out, t)
	}
	return out
}

// PendingLocators returns a snapshot of t's pending locator set.
func (c *ClientState) PendingLocators(t tower.ID) ([]tower.Locator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.towers[t]
	if !ok {
		return nil, ErrUnknownTower{Tower: t}
	}
	out := make([]tower.Locator, 0, len(rec.Pending))
	for l := range rec.Pending {
		out = append(out, l)
	}
	return out, nil
}

// IsSubscriptionError reports whether t's current status is
// SubscriptionError.
func (c *ClientState) IsSubscriptionError(t tower.ID) (bool, error) {
	status, err := c.GetTowerStatus(t)
	if err != nil {
		return false, err
	}
	return status.IsSubscriptionError(), nil
}

// Subscription returns t's current subscription receipt.
func (c *ClientState) Subscription(t tower.ID) (tower.RegistrationReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.towers[t]
	if !ok {
		return tower.RegistrationReceipt{}, ErrUnknownTower{Tower: t}
	}
	return rec.Subscription, nil
}
