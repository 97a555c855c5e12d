// Package db is the seat and category repository. Every mutating method
// takes a bun.IDB so callers can scope it to their own transaction;
// row locking follows ascending seat id so concurrent allocation and
// resize passes always acquire locks in the same order.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-inventory/internal/errs"
	"ms-inventory/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func New(b *bun.DB) *DB { return &DB{Bun: b} }

// rowLock appends FOR UPDATE SKIP LOCKED on dialects that support it.
// SQLite serializes writers on its own, so the clause is elided there.
func (d *DB) rowLock(q *bun.SelectQuery) *bun.SelectQuery {
	if d.Bun.Dialect().Name() == dialect.PG {
		return q.For("UPDATE SKIP LOCKED")
	}
	return q
}

func (d *DB) EventByID(ctx context.Context, idb bun.IDB, id string) (*models.Event, error) {
	var ev models.Event
	err := idb.NewSelect().Model(&ev).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", id, err)
	}
	return &ev, nil
}

func (d *DB) CategoryByID(ctx context.Context, idb bun.IDB, id string) (*models.Category, error) {
	var cat models.Category
	err := idb.NewSelect().Model(&cat).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("category %s: %w", id, err)
	}
	return &cat, nil
}

// CategoriesByEvent returns the event's categories in display order,
// which is also the order the waiting list distributor tries them in.
func (d *DB) CategoriesByEvent(ctx context.Context, idb bun.IDB, eventID string) ([]models.Category, error) {
	var cats []models.Category
	err := idb.NewSelect().Model(&cats).
		Where("event_id = ?", eventID).
		Order("ordinal ASC", "id ASC").
		Scan(ctx)
	return cats, err
}

func (d *DB) InsertCategory(ctx context.Context, idb bun.IDB, cat *models.Category) error {
	_, err := idb.NewInsert().Model(cat).Exec(ctx)
	return err
}

func (d *DB) UpdateCategory(ctx context.Context, idb bun.IDB, cat *models.Category) error {
	_, err := idb.NewUpdate().Model(cat).
		Column("max_tickets", "bounded", "price_cts", "currency", "access_restricted", "valid_from", "valid_to", "ordinal").
		Where("id = ?", cat.ID).
		Exec(ctx)
	return err
}

// SumBoundedCapacity returns the total capacity claimed by bounded
// categories of the event, excluding the given category id.
func (d *DB) SumBoundedCapacity(ctx context.Context, idb bun.IDB, eventID, excludeCategoryID string) (int, error) {
	var sum sql.NullInt64
	err := idb.NewSelect().Model((*models.Category)(nil)).
		ColumnExpr("SUM(max_tickets)").
		Where("event_id = ?", eventID).
		Where("bounded").
		Where("id != ?", excludeCategoryID).
		Scan(ctx, &sum)
	if err != nil {
		return 0, err
	}
	return int(sum.Int64), nil
}

func (d *DB) InsertSeats(ctx context.Context, idb bun.IDB, seats []models.Seat) error {
	if len(seats) == 0 {
		return nil
	}
	_, err := idb.NewInsert().Model(&seats).Exec(ctx)
	return err
}

func (d *DB) CountFreeByEvent(ctx context.Context, idb bun.IDB, eventID string) (int, error) {
	return idb.NewSelect().Model((*models.Seat)(nil)).
		Where("event_id = ?", eventID).
		Where("status IN (?)", bun.In(models.AllocatableStatuses())).
		Count(ctx)
}

func (d *DB) CountFreeByCategory(ctx context.Context, idb bun.IDB, categoryID string) (int, error) {
	return idb.NewSelect().Model((*models.Seat)(nil)).
		Where("category_id = ?", categoryID).
		Where("status IN (?)", bun.In(models.AllocatableStatuses())).
		Count(ctx)
}

// LockSeats selects and row-locks exactly count seats in ascending id
// order, skipping rows locked by concurrent callers. It never returns a
// partial result: fewer matching rows than requested is
// errs.ErrInsufficientInventory. An empty categoryID addresses the
// event's shared unassigned pool.
func (d *DB) LockSeats(ctx context.Context, idb bun.IDB, eventID, categoryID string, count int, statuses []models.SeatStatus) ([]models.Seat, error) {
	if count <= 0 {
		return nil, nil
	}
	seats, err := d.lockUpTo(ctx, idb, eventID, categoryID, count, statuses)
	if err != nil {
		return nil, err
	}
	if len(seats) < count {
		return nil, fmt.Errorf("locking %d seats, %d available: %w", count, len(seats), errs.ErrInsufficientInventory)
	}
	return seats, nil
}

// LockSeatsUpTo is the partial-tolerant variant used when falling back
// from an unbounded category to the shared pool.
func (d *DB) LockSeatsUpTo(ctx context.Context, idb bun.IDB, eventID, categoryID string, count int, statuses []models.SeatStatus) ([]models.Seat, error) {
	return d.lockUpTo(ctx, idb, eventID, categoryID, count, statuses)
}

func (d *DB) lockUpTo(ctx context.Context, idb bun.IDB, eventID, categoryID string, count int, statuses []models.SeatStatus) ([]models.Seat, error) {
	if count <= 0 {
		return nil, nil
	}
	var seats []models.Seat
	q := idb.NewSelect().Model(&seats).
		Where("event_id = ?", eventID).
		Where("status IN (?)", bun.In(statuses)).
		Order("id ASC").
		Limit(count)
	if categoryID == "" {
		q = q.Where("category_id IS NULL")
	} else {
		q = q.Where("category_id = ?", categoryID)
	}
	if err := d.rowLock(q).Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock seats: %w", err)
	}
	return seats, nil
}

// AssignToReservation moves the locked seats into PENDING, remembering
// each seat's current status so a later release can restore it.
func (d *DB) AssignToReservation(ctx context.Context, idb bun.IDB, seatIDs []int64, reservationID string) error {
	if len(seatIDs) == 0 {
		return nil
	}
	_, err := idb.NewUpdate().Model((*models.Seat)(nil)).
		Set("origin_status = status").
		Set("status = ?", models.SeatPending).
		Set("reservation_id = ?", reservationID).
		Where("id IN (?)", bun.In(seatIDs)).
		Exec(ctx)
	return err
}

// AssignCategory rebinds seats to a category (or back to the shared
// pool when categoryID is empty) and stamps the category unit price.
func (d *DB) AssignCategory(ctx context.Context, idb bun.IDB, seatIDs []int64, categoryID string, priceCts int64, currency string) error {
	if len(seatIDs) == 0 {
		return nil
	}
	q := idb.NewUpdate().Model((*models.Seat)(nil)).
		Set("price_cts = ?", priceCts).
		Set("currency = ?", currency).
		Where("id IN (?)", bun.In(seatIDs))
	if categoryID == "" {
		q = q.Set("category_id = NULL")
	} else {
		q = q.Set("category_id = ?", categoryID)
	}
	_, err := q.Exec(ctx)
	return err
}

func (d *DB) SetSeatPrice(ctx context.Context, idb bun.IDB, seatIDs []int64, priceCts int64, currency string) error {
	if len(seatIDs) == 0 {
		return nil
	}
	_, err := idb.NewUpdate().Model((*models.Seat)(nil)).
		Set("price_cts = ?", priceCts).
		Set("currency = ?", currency).
		Where("id IN (?)", bun.In(seatIDs)).
		Exec(ctx)
	return err
}

func (d *DB) MarkStatus(ctx context.Context, idb bun.IDB, seatIDs []int64, status models.SeatStatus) error {
	if len(seatIDs) == 0 {
		return nil
	}
	_, err := idb.NewUpdate().Model((*models.Seat)(nil)).
		Set("status = ?", status).
		Where("id IN (?)", bun.In(seatIDs)).
		Exec(ctx)
	return err
}

func (d *DB) SeatsByReservation(ctx context.Context, idb bun.IDB, reservationID string) ([]models.Seat, error) {
	var seats []models.Seat
	err := idb.NewSelect().Model(&seats).
		Where("reservation_id = ?", reservationID).
		Order("id ASC").
		Scan(ctx)
	return seats, err
}

// AcquireByReservation flips the reservation's seats PENDING->ACQUIRED.
func (d *DB) AcquireByReservation(ctx context.Context, idb bun.IDB, reservationID string) error {
	_, err := idb.NewUpdate().Model((*models.Seat)(nil)).
		Set("status = ?", models.SeatAcquired).
		Where("reservation_id = ?", reservationID).
		Where("status = ?", models.SeatPending).
		Exec(ctx)
	return err
}

// ReleaseByReservation returns seats to their pre-reservation status.
// Seats of unbounded categories go back to the shared pool.
func (d *DB) ReleaseByReservation(ctx context.Context, idb bun.IDB, reservationID string, unboundedCategoryIDs []string) error {
	if len(unboundedCategoryIDs) > 0 {
		_, err := idb.NewUpdate().Model((*models.Seat)(nil)).
			Set("category_id = NULL").
			Where("reservation_id = ?", reservationID).
			Where("category_id IN (?)", bun.In(unboundedCategoryIDs)).
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	_, err := idb.NewUpdate().Model((*models.Seat)(nil)).
		Set("status = origin_status").
		Set("origin_status = NULL").
		Set("reservation_id = NULL").
		Where("reservation_id = ?", reservationID).
		Exec(ctx)
	return err
}

// CategoryAvailability is one (category, status) bucket of the
// availability report.
type CategoryAvailability struct {
	CategoryID string            `bun:"category_id"`
	Status     models.SeatStatus `bun:"status"`
	Count      int               `bun:"cnt"`
}

// Availability summarises seat counts per category and status for one
// event. Seats of the shared pool report an empty category id.
func (d *DB) Availability(ctx context.Context, idb bun.IDB, eventID string) ([]CategoryAvailability, error) {
	var rows []CategoryAvailability
	err := idb.NewSelect().Model((*models.Seat)(nil)).
		ColumnExpr("category_id").
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS cnt").
		Where("event_id = ?", eventID).
		GroupExpr("category_id, status").
		Scan(ctx, &rows)
	return rows, err
}
