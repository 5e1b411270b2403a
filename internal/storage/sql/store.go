// Package sql is the concrete retry/store.Store backed by database/sql,
// speaking either PostgreSQL (via jackc/pgx's stdlib driver) or SQLite
// (via modernc.org/sqlite), with schema migrations applied by goose.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/watchtower-client/retryd/internal/retry/store"
	"github.com/watchtower-client/retryd/internal/tower"
)

var _ store.Store = (*Store)(nil)

// Store implements retry/store.Store over a database/sql handle. A
// single appointments.status column (pending/invalid/confirmed) replaces
// the teacher schema's separate pending/invalid tables joined by a
// foreign key: see DESIGN.md for why that removes the cascade-delete
// hazard the add-invalid-before-remove-pending ordering was guarding
// against, and why the ordering contract is still honored regardless.
type Store struct {
	db     *sql.DB
	driver string
}

// newStore wraps an already-open, already-migrated *sql.DB.
func newStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// placeholder renders the nth (1-indexed) bind parameter for the active
// driver: Postgres wants $1, $2, ...; SQLite accepts plain ?.
func (s *Store) placeholder(n int) string {
	if s.driver == "pgx" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

const (
	statusPending   = "pending"
	statusInvalid   = "invalid"
	statusConfirmed = "confirmed"
)

func (s *Store) PendingAppointments(ctx context.Context, t tower.ID) ([]tower.Locator, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT locator FROM appointments WHERE tower_id = ? AND status = ?`,
	), t[:], statusPending)
	if err != nil {
		return nil, fmt.Errorf("sql: pending appointments for %s: %w", t, err)
	}
	defer rows.Close()

	var out []tower.Locator
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var l tower.Locator
		copy(l[:], raw)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) AllPendingTowers(ctx context.Context) ([]tower.ID, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT DISTINCT tower_id FROM appointments WHERE status = ?`,
	), statusPending)
	if err != nil {
		return nil, fmt.Errorf("sql: all pending towers: %w", err)
	}
	defer rows.Close()

	var out []tower.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var id tower.ID
		copy(id[:], raw)
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) LoadAppointment(ctx context.Context, l tower.Locator) (tower.Appointment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT locator, encoded FROM appointments WHERE locator = ? LIMIT 1`,
	), l[:])

	var rawLocator, encoded []byte
	if err := row.Scan(&rawLocator, &encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tower.Appointment{}, fmt.Errorf("sql: no appointment for locator %s", l)
		}
		return tower.Appointment{}, err
	}
	return tower.Appointment{Locator: l, Encoded: encoded}, nil
}

func (s *Store) StorePendingAppointment(ctx context.Context, t tower.ID, app tower.Appointment) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO appointments (tower_id, locator, encoded, status) VALUES (?, ?, ?, ?)`,
	), t[:], app.Locator[:], app.Encoded, statusPending)
	if err != nil {
		return fmt.Errorf("sql: store pending appointment %s for %s: %w", app.Locator, t, err)
	}
	return nil
}

func (s *Store) AddAppointmentReceipt(ctx context.Context, t tower.ID, l tower.Locator, receipt tower.AppointmentReceipt) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE appointments SET status = ?, user_signature = ?, start_block = ?, tower_signature = ?
		 WHERE tower_id = ? AND locator = ?`,
	), statusConfirmed, receipt.UserSignature, receipt.StartBlock, receipt.TowerSignature, t[:], l[:])
	if err != nil {
		return fmt.Errorf("sql: add appointment receipt for %s/%s: %w", t, l, err)
	}
	return nil
}

// AddInvalidAppointment transitions the row to invalid. Because status
// lives on the same row as the pending marker (no separate table), there
// is no foreign-key cascade to race with: the row is never deleted, only
// retagged.
func (s *Store) AddInvalidAppointment(ctx context.Context, t tower.ID, l tower.Locator) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE appointments SET status = ? WHERE tower_id = ? AND locator = ?`,
	), statusInvalid, t[:], l[:])
	if err != nil {
		return fmt.Errorf("sql: add invalid appointment %s/%s: %w", t, l, err)
	}
	return nil
}

// RemovePendingAppointment retags a still-pending row as invalid. Called
// after AddInvalidAppointment in every call site this engine has, so the
// guard on status = 'pending' makes it a safe no-op by the time it runs;
// kept as a distinct, idempotent operation rather than folded into
// AddInvalidAppointment so the two preserve the ordering contract the
// engine relies on.
func (s *Store) RemovePendingAppointment(ctx context.Context, t tower.ID, l tower.Locator) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE appointments SET status = ? WHERE tower_id = ? AND locator = ? AND status = ?`,
	), statusInvalid, t[:], l[:], statusPending)
	if err != nil {
		return fmt.Errorf("sql: remove pending appointment %s/%s: %w", t, l, err)
	}
	return nil
}

func (s *Store) SetTowerStatus(ctx context.Context, t tower.ID, status tower.Status) error {
	var locator, appointment, signature []byte
	if proof := status.MisbehaviorProof(); proof != nil {
		locator = proof.Locator[:]
		appointment = proof.Appointment.Encoded
		signature = proof.Signature
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE towers SET status = ?, misbehavior_locator = ?, misbehavior_appointment = ?, misbehavior_signature = ?
		 WHERE id = ?`,
	), status.String(), locator, appointment, signature, t[:])
	if err != nil {
		return fmt.Errorf("sql: set tower status for %s: %w", t, err)
	}
	return nil
}

func (s *Store) FlagMisbehavingTower(ctx context.Context, t tower.ID, proof tower.MisbehaviorProof) error {
	return s.SetTowerStatus(ctx, t, tower.Misbehaving(proof))
}

func (s *Store) AddUpdateTower(ctx context.Context, t tower.ID, netAddr string, receipt tower.RegistrationReceipt) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE towers SET net_addr = ?, user_id = ?, available_slots = ?, subscription_expiry = ?, subscription_signature = ?
		 WHERE id = ?`,
	), netAddr, receipt.UserID[:], receipt.AvailableSlots, receipt.SubscriptionExpiry, receipt.Signature, t[:])
	if err != nil {
		return fmt.Errorf("sql: add/update tower %s: %w", t, err)
	}
	return nil
}

func (s *Store) SetRetrierStatus(ctx context.Context, t tower.ID, status string, idleSince *int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO retrier_status (tower_id, status, idle_since) VALUES (?, ?, ?)
		 ON CONFLICT (tower_id) DO UPDATE SET status = excluded.status, idle_since = excluded.idle_since`,
	), t[:], status, idleSince)
	if err != nil {
		return fmt.Errorf("sql: set retrier status for %s: %w", t, err)
	}
	return nil
}

// LoadTowers returns the full durable record for every tower in the
// towers table, reconstructing each tower's Status and subscription
// receipt from their constituent columns.
func (s *Store) LoadTowers(ctx context.Context) ([]store.TowerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, net_addr, status,
		misbehavior_locator, misbehavior_appointment, misbehavior_signature,
		user_id, available_slots, subscription_expiry, subscription_signature
		FROM towers`)
	if err != nil {
		return nil, fmt.Errorf("sql: load towers: %w", err)
	}
	defer rows.Close()

	var out []store.TowerRecord
	for rows.Next() {
		var (
			rawID, misLocator, misAppointment, misSignature []byte
			userID, subSignature                            []byte
			netAddr, statusKind                              string
			availableSlots, subscriptionExpiry               int64
		)
		if err := rows.Scan(&rawID, &netAddr, &statusKind,
			&misLocator, &misAppointment, &misSignature,
			&userID, &availableSlots, &subscriptionExpiry, &subSignature); err != nil {
			return nil, fmt.Errorf("sql: load towers: %w", err)
		}

		var id tower.ID
		copy(id[:], rawID)

		status, err := parseTowerStatus(statusKind, misLocator, misAppointment, misSignature)
		if err != nil {
			return nil, fmt.Errorf("sql: load tower %s: %w", id, err)
		}

		var subscription tower.RegistrationReceipt
		if len(subSignature) > 0 {
			copy(subscription.UserID[:], userID)
			subscription.AvailableSlots = uint32(availableSlots)
			subscription.SubscriptionExpiry = uint32(subscriptionExpiry)
			subscription.Signature = subSignature
		}

		out = append(out, store.TowerRecord{
			ID:           id,
			NetAddr:      netAddr,
			Status:       status,
			Subscription: subscription,
		})
	}
	return out, rows.Err()
}

// parseTowerStatus reconstructs a tower.Status from the columns
// SetTowerStatus wrote. Only the misbehaving kind carries the extra
// misbehavior_* columns; every other kind round-trips through its name
// alone.
func parseTowerStatus(kind string, locator, appointment, signature []byte) (tower.Status, error) {
	switch kind {
	case "reachable":
		return tower.Reachable(), nil
	case "temporary_unreachable":
		return tower.TemporaryUnreachable(), nil
	case "unreachable":
		return tower.Unreachable(), nil
	case "subscription_error":
		return tower.SubscriptionErrorStatus(), nil
	case "misbehaving":
		var l tower.Locator
		copy(l[:], locator)
		return tower.Misbehaving(tower.MisbehaviorProof{
			Locator:     l,
			Appointment: tower.Appointment{Locator: l, Encoded: appointment},
			Signature:   signature,
		}), nil
	default:
		return tower.Status{}, fmt.Errorf("unknown status %q", kind)
	}
}

// InsertTower creates a new tower row with the default Reachable status,
// used when the client first learns of a tower (outside the retry
// engine's own scope, but needed to satisfy the towers table's foreign
// keys before any appointment can be queued).
func (s *Store) InsertTower(ctx context.Context, t tower.ID, netAddr string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO towers (id, net_addr, status) VALUES (?, ?, ?)`,
	), t[:], netAddr, tower.Reachable().String())
	if err != nil {
		return fmt.Errorf("sql: insert tower %s: %w", t, err)
	}
	return nil
}
