// Package store defines the persistence boundary the retry engine needs:
// enough to recover pending appointments after a restart and to record
// the outcome of a delivery attempt. The interface is owned by the
// consumer (internal/retry), not by the storage implementation, so a
// concrete adapter only has to satisfy what the engine actually calls.
package store

import (
	"context"

	"github.com/watchtower-client/retryd/internal/tower"
)

// Store is the durable-storage contract the retry engine depends on. A
// concrete implementation lives under internal/storage/sql; tests use an
// in-memory fake satisfying the same interface.
type Store interface {
	// PendingAppointments returns every locator still awaiting delivery
	// to t, in no particular order.
	PendingAppointments(ctx context.Context, t tower.ID) ([]tower.Locator, error)

	// LoadAppointment returns the stored body for locator l, regardless
	// of which tower it was originally queued for.
	LoadAppointment(ctx context.Context, l tower.Locator) (tower.Appointment, error)

	// StorePendingAppointment persists app as pending delivery to t.
	StorePendingAppointment(ctx context.Context, t tower.ID, app tower.Appointment) error

	// AllPendingTowers returns the id of every tower with at least one
	// pending appointment, used to seed retry campaigns on startup.
	AllPendingTowers(ctx context.Context) ([]tower.ID, error)

	// AddAppointmentReceipt records a confirmed delivery and removes the
	// locator from the pending set. Implementations must perform this
	// atomically: a crash between the two halves must not leave the
	// locator in neither or both sets.
	AddAppointmentReceipt(ctx context.Context, t tower.ID, l tower.Locator, receipt tower.AppointmentReceipt) error

	// AddInvalidAppointment marks a locator as rejected by the tower.
	// Callers must call this before RemovePendingAppointment for the same
	// locator, so a crash in between leaves the appointment recorded as
	// invalid rather than silently dropped.
	AddInvalidAppointment(ctx context.Context, t tower.ID, l tower.Locator) error

	// RemovePendingAppointment drops a locator from the pending set
	// without recording a receipt, used after AddInvalidAppointment.
	RemovePendingAppointment(ctx context.Context, t tower.ID, l tower.Locator) error

	// SetTowerStatus persists the client's current view of a tower's
	// reachability.
	SetTowerStatus(ctx context.Context, t tower.ID, status tower.Status) error

	// SetRetrierStatus persists a Retrier's lifecycle status for t. The
	// engine does not read it back: startup recovery (LoadStaleRequests)
	// queues every tower that still has pending appointments, whatever
	// status was recorded here.
	SetRetrierStatus(ctx context.Context, t tower.ID, status string, idleSince *int64) error

	// FlagMisbehavingTower persists proof and the terminal Misbehaving
	// status for t.
	FlagMisbehavingTower(ctx context.Context, t tower.ID, proof tower.MisbehaviorProof) error

	// AddUpdateTower persists receipt as t's subscription of record. The
	// monotonicity check (Improves) is enforced by the caller before this
	// is invoked; the store just records the accepted value.
	AddUpdateTower(ctx context.Context, t tower.ID, netAddr string, receipt tower.RegistrationReceipt) error

	// LoadTowers returns the full durable record of every tower the store
	// knows about, so a restarted daemon can repopulate ClientState with
	// each tower's last-known address, status, and subscription instead of
	// defaulting them.
	LoadTowers(ctx context.Context) ([]TowerRecord, error)
}

// TowerRecord is a tower's complete durable record, as returned by
// LoadTowers.
type TowerRecord struct {
	ID           tower.ID
	NetAddr      string
	Status       tower.Status
	Subscription tower.RegistrationReceipt
}
