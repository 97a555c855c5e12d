package sweeper_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-inventory/internal/clock"
	inventorydb "ms-inventory/internal/inventory/db"
	"ms-inventory/internal/logger"
	"ms-inventory/internal/models"
	"ms-inventory/internal/reservation"
	reservationdb "ms-inventory/internal/reservation/db"
	"ms-inventory/internal/sweeper"
	"ms-inventory/internal/tokens"
	tokensdb "ms-inventory/internal/tokens/db"
)

type fixture struct {
	bunDB *bun.DB
	alloc *reservation.Service
	sweep *sweeper.Sweeper
	clk   *clock.Fixed
}

func setup(t *testing.T) *fixture {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	for _, m := range []any{
		(*models.Event)(nil),
		(*models.Category)(nil),
		(*models.Seat)(nil),
		(*models.Reservation)(nil),
		(*models.ReservationServiceItem)(nil),
		(*models.SpecialPriceToken)(nil),
		(*models.PromoCode)(nil),
		(*models.PromoCodeCategory)(nil),
		(*models.AdditionalService)(nil),
	} {
		require.NoError(t, bunDB.ResetModel(ctx, m))
	}
	t.Cleanup(func() { _ = bunDB.Close() })

	clk := clock.NewFixed(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	quiet := logger.NewQuiet()
	resDB := reservationdb.New(bunDB)
	tokenService := tokens.NewService(bunDB, tokensdb.New(bunDB), quiet, clk)
	alloc := reservation.NewService(
		bunDB, resDB, inventorydb.New(bunDB),
		tokenService, nil, nil, quiet, clk, 15*time.Minute,
	)
	sweep := sweeper.New(bunDB, resDB, alloc, nil, quiet, clk, 30*time.Second, 100)

	ev := &models.Event{
		ID:         "ev1",
		Name:       "Club Night",
		Currency:   "EUR",
		TotalSeats: 4,
		VatRate:    "10",
		StartDate:  clk.T.AddDate(0, 1, 0),
		EndDate:    clk.T.AddDate(0, 1, 1),
		CreatedAt:  clk.T,
	}
	_, err = bunDB.NewInsert().Model(ev).Exec(ctx)
	require.NoError(t, err)

	cat := &models.Category{
		ID: "std", EventID: "ev1", Name: "standard",
		MaxTickets: 4, Bounded: true, PriceCts: 5000, Currency: "EUR",
		ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	_, err = bunDB.NewInsert().Model(cat).Exec(ctx)
	require.NoError(t, err)

	var seats []models.Seat
	for i := 0; i < 4; i++ {
		seats = append(seats, models.Seat{
			EventID: "ev1", CategoryID: "std", Status: models.SeatFree,
			PriceCts: 5000, Currency: "EUR",
		})
	}
	_, err = bunDB.NewInsert().Model(&seats).Exec(ctx)
	require.NoError(t, err)

	return &fixture{bunDB: bunDB, alloc: alloc, sweep: sweep, clk: clk}
}

func (f *fixture) reserve(t *testing.T) *models.Reservation {
	t.Helper()
	r, err := f.alloc.CreateReservation(context.Background(), reservation.Request{
		EventID: "ev1",
		Lines:   []reservation.Line{{CategoryID: "std", Quantity: 1}},
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) status(t *testing.T, id string) models.ReservationStatus {
	t.Helper()
	r, err := f.alloc.ReservationByID(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

func (f *fixture) freeSeats(t *testing.T) int {
	t.Helper()
	n, err := f.bunDB.NewSelect().Model((*models.Seat)(nil)).
		Where("status = ?", models.SeatFree).
		Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestSweepReleasesOverduePending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	overdue := f.reserve(t)
	kept, err := f.alloc.ConfirmReservation(ctx, f.reserve(t).ID)
	require.NoError(t, err)

	// Nothing is due yet.
	released, err := f.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
	assert.Equal(t, models.ReservationPending, f.status(t, overdue.ID))

	f.clk.Advance(16 * time.Minute)
	released, err = f.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	assert.Equal(t, models.ReservationCancelled, f.status(t, overdue.ID))
	assert.Equal(t, models.ReservationComplete, f.status(t, kept.ID))
	assert.Equal(t, 3, f.freeSeats(t))

	// A second pass finds nothing left to release.
	released, err = f.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestSweepParksOverdueOfflinePayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r := f.reserve(t)
	require.NoError(t, f.alloc.MarkOfflinePayment(ctx, r.ID, f.clk.T.Add(time.Hour)))

	// Offline reservations survive the pending sweep even long past the
	// original TTL, until their own deadline runs out.
	f.clk.Advance(30 * time.Minute)
	released, err := f.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
	assert.Equal(t, models.ReservationOfflinePayment, f.status(t, r.ID))

	f.clk.Advance(time.Hour)
	_, err = f.sweep.SweepOnce(ctx)
	require.NoError(t, err)

	// Parked, not released: the seats stay with the reservation.
	assert.Equal(t, models.ReservationStuck, f.status(t, r.ID))
	assert.Equal(t, 3, f.freeSeats(t))
}

type deniedLock struct{}

func (deniedLock) Acquire(context.Context, string) (bool, error) { return false, nil }
func (deniedLock) Release(context.Context, string) error         { return nil }

func TestSweepSkipsPassWithoutLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r := f.reserve(t)
	f.clk.Advance(time.Hour)

	f.sweep.Lock = deniedLock{}
	released, err := f.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
	assert.Equal(t, models.ReservationPending, f.status(t, r.ID))

	// With the lease available again the pass goes through.
	f.sweep.Lock = nil
	released, err = f.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
}
