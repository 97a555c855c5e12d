// Package db is the reservation repository: reservation rows, their
// service price snapshots and the due-date scans the sweeper runs on.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-inventory/internal/errs"
	"ms-inventory/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func New(b *bun.DB) *DB { return &DB{Bun: b} }

func (d *DB) Insert(ctx context.Context, idb bun.IDB, r *models.Reservation) error {
	_, err := idb.NewInsert().Model(r).Exec(ctx)
	return err
}

func (d *DB) ByID(ctx context.Context, idb bun.IDB, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := idb.NewSelect().Model(&r).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reservation %s: %w", id, errs.ErrStaleReservation)
		}
		return nil, fmt.Errorf("reservation %s: %w", id, err)
	}
	return &r, nil
}

// LockByID row-locks the reservation for a state transition. Waits for
// the lock rather than skipping: confirmation and expiry racing on the
// same reservation must serialize, not pass each other.
func (d *DB) LockByID(ctx context.Context, idb bun.IDB, id string) (*models.Reservation, error) {
	var r models.Reservation
	q := idb.NewSelect().Model(&r).Where("id = ?", id).Limit(1)
	if d.Bun.Dialect().Name() == dialect.PG {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reservation %s: %w", id, errs.ErrStaleReservation)
		}
		return nil, fmt.Errorf("lock reservation %s: %w", id, err)
	}
	return &r, nil
}

func (d *DB) Update(ctx context.Context, idb bun.IDB, r *models.Reservation) error {
	_, err := idb.NewUpdate().Model(r).
		Column("status", "total_cts", "discount_applied", "confirmed_at", "validity_deadline").
		Where("id = ?", r.ID).
		Exec(ctx)
	return err
}

func (d *DB) InsertServiceItems(ctx context.Context, idb bun.IDB, items []models.ReservationServiceItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := idb.NewInsert().Model(&items).Exec(ctx)
	return err
}

func (d *DB) ServiceItemsByReservation(ctx context.Context, idb bun.IDB, reservationID string) ([]models.ReservationServiceItem, error) {
	var items []models.ReservationServiceItem
	err := idb.NewSelect().Model(&items).
		Where("reservation_id = ?", reservationID).
		Order("id ASC").
		Scan(ctx)
	return items, err
}

func (d *DB) DeleteServiceItems(ctx context.Context, idb bun.IDB, reservationID string) error {
	_, err := idb.NewDelete().Model((*models.ReservationServiceItem)(nil)).
		Where("reservation_id = ?", reservationID).
		Exec(ctx)
	return err
}

// ServicesForReservation resolves the additional services applying to a
// new reservation: every mandatory percentage fee of the event plus the
// fixed-price services the buyer opted into.
func (d *DB) ServicesForReservation(ctx context.Context, idb bun.IDB, eventID string, optionalIDs []string) ([]models.AdditionalService, error) {
	var svcs []models.AdditionalService
	q := idb.NewSelect().Model(&svcs).
		Where("event_id = ?", eventID).
		Order("id ASC")
	if len(optionalIDs) > 0 {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("policy != ?", models.ServiceFixedPrice).
				WhereOr("id IN (?)", bun.In(optionalIDs))
		})
	} else {
		q = q.Where("policy != ?", models.ServiceFixedPrice)
	}
	err := q.Scan(ctx)
	return svcs, err
}

func (d *DB) ServicesByIDs(ctx context.Context, idb bun.IDB, ids []string) ([]models.AdditionalService, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var svcs []models.AdditionalService
	err := idb.NewSelect().Model(&svcs).
		Where("id IN (?)", bun.In(ids)).
		Order("id ASC").
		Scan(ctx)
	return svcs, err
}

// DuePending lists PENDING reservations whose validity deadline has
// passed. The sweeper re-checks each one under row lock before acting.
func (d *DB) DuePending(ctx context.Context, idb bun.IDB, now time.Time, limit int) ([]models.Reservation, error) {
	var due []models.Reservation
	err := idb.NewSelect().Model(&due).
		Where("status = ?", models.ReservationPending).
		Where("validity_deadline < ?", now).
		Order("validity_deadline ASC").
		Limit(limit).
		Scan(ctx)
	return due, err
}

// DueOffline lists OFFLINE_PAYMENT reservations past their deadline.
// These are parked as STUCK for manual review, never auto-released.
func (d *DB) DueOffline(ctx context.Context, idb bun.IDB, now time.Time, limit int) ([]models.Reservation, error) {
	var due []models.Reservation
	err := idb.NewSelect().Model(&due).
		Where("status = ?", models.ReservationOfflinePayment).
		Where("validity_deadline < ?", now).
		Order("validity_deadline ASC").
		Limit(limit).
		Scan(ctx)
	return due, err
}
