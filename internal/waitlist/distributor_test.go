package waitlist_test

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
	"ms-inventory/internal/errs"
	inventorydb "ms-inventory/internal/inventory/db"
	"ms-inventory/internal/logger"
	"ms-inventory/internal/models"
	"ms-inventory/internal/reservation"
	reservationdb "ms-inventory/internal/reservation/db"
	"ms-inventory/internal/tokens"
	tokensdb "ms-inventory/internal/tokens/db"
	"ms-inventory/internal/waitlist"
	waitlistdb "ms-inventory/internal/waitlist/db"
)

type fixture struct {
	bunDB *bun.DB
	wl    *waitlist.Service
	alloc *reservation.Service
	clk   *clock.Fixed
}

// setup wires the distributor against the real allocator, one open
// category with a single seat.
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
		(*models.WaitingSubscription)(nil),
	} {
		require.NoError(t, bunDB.ResetModel(ctx, m))
	}
	t.Cleanup(func() { _ = bunDB.Close() })

	clk := clock.NewFixed(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	quiet := logger.NewQuiet()
	invDB := inventorydb.New(bunDB)
	tokenService := tokens.NewService(bunDB, tokensdb.New(bunDB), quiet, clk)

	wl := waitlist.NewService(bunDB, waitlistdb.New(bunDB), invDB, nil, nil, quiet, clk, time.Hour)
	alloc := reservation.NewService(
		bunDB, reservationdb.New(bunDB), invDB,
		tokenService, wl, nil, quiet, clk, 15*time.Minute,
	)
	wl.Allocator = alloc

	ev := &models.Event{
		ID:         "ev1",
		Name:       "Sold Out Show",
		Currency:   "EUR",
		TotalSeats: 1,
		VatRate:    "10",
		StartDate:  clk.T.AddDate(0, 1, 0),
		EndDate:    clk.T.AddDate(0, 1, 1),
		CreatedAt:  clk.T,
	}
	_, err = bunDB.NewInsert().Model(ev).Exec(ctx)
	require.NoError(t, err)

	cat := &models.Category{
		ID: "std", EventID: "ev1", Name: "standard",
		MaxTickets: 1, Bounded: true, PriceCts: 5000, Currency: "EUR",
		ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	_, err = bunDB.NewInsert().Model(cat).Exec(ctx)
	require.NoError(t, err)

	seat := &models.Seat{
		EventID: "ev1", CategoryID: "std", Status: models.SeatFree,
		PriceCts: 5000, Currency: "EUR",
	}
	_, err = bunDB.NewInsert().Model(seat).Exec(ctx)
	require.NoError(t, err)

	return &fixture{bunDB: bunDB, wl: wl, alloc: alloc, clk: clk}
}

func (f *fixture) subscription(t *testing.T, id string) *models.WaitingSubscription {
	t.Helper()
	var sub models.WaitingSubscription
	err := f.bunDB.NewSelect().Model(&sub).Where("id = ?", id).Scan(context.Background())
	require.NoError(t, err)
	return &sub
}

func TestSubscribeRejectsDuplicateEmail(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.wl.Subscribe(ctx, "ev1", "ada@example.com")
	require.NoError(t, err)

	_, err = f.wl.Subscribe(ctx, "ev1", "ada@example.com")
	assert.ErrorIs(t, err, errs.ErrDuplicateMember)
}

func TestDistributeServesInArrivalOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.wl.Subscribe(ctx, "ev1", "ada@example.com")
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	second, err := f.wl.Subscribe(ctx, "ev1", "bob@example.com")
	require.NoError(t, err)

	offers, err := f.wl.Distribute(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 1, offers)

	got := f.subscription(t, first.ID)
	assert.Equal(t, models.SubscriptionPending, got.Status)
	require.NotEmpty(t, got.ReservationID)
	assert.True(t, got.OfferExpiry.Equal(f.clk.T.Add(time.Hour)), "offer expiry %s", got.OfferExpiry)

	// The offer is a real reservation holding the seat.
	r, err := f.alloc.ReservationByID(ctx, got.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, r.SubscriptionID)
	assert.Equal(t, models.ReservationPending, r.Status)

	// Nobody left a seat for bob.
	assert.Equal(t, models.SubscriptionWaiting, f.subscription(t, second.ID).Status)

	// Re-running the pass never double-serves the head of the list.
	offers, err = f.wl.Distribute(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 0, offers)
}

func TestConfirmedOfferAcquiresSubscription(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.wl.Subscribe(ctx, "ev1", "ada@example.com")
	require.NoError(t, err)
	_, err = f.wl.Distribute(ctx, "ev1")
	require.NoError(t, err)

	offered := f.subscription(t, sub.ID)
	_, err = f.alloc.ConfirmReservation(ctx, offered.ReservationID)
	require.NoError(t, err)

	got := f.subscription(t, sub.ID)
	assert.Equal(t, models.SubscriptionAcquired, got.Status)
	assert.Equal(t, offered.ReservationID, got.ReservationID)
}

func TestExpiredOfferMovesSeatToNextInLine(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.wl.Subscribe(ctx, "ev1", "ada@example.com")
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	second, err := f.wl.Subscribe(ctx, "ev1", "bob@example.com")
	require.NoError(t, err)

	_, err = f.wl.Distribute(ctx, "ev1")
	require.NoError(t, err)
	offered := f.subscription(t, first.ID)

	f.clk.Advance(2 * time.Hour)
	require.NoError(t, f.alloc.ExpireReservation(ctx, offered.ReservationID))

	// The unclaimed offer burns ada's place in line.
	assert.Equal(t, models.SubscriptionExpired, f.subscription(t, first.ID).Status)

	offers, err := f.wl.Distribute(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 1, offers)
	assert.Equal(t, models.SubscriptionPending, f.subscription(t, second.ID).Status)
}

func TestDistributeSkipsClosedAndRestrictedCategories(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Close the open category and add a restricted one with inventory:
	// neither may be served from the waiting list.
	_, err := f.bunDB.NewUpdate().Model((*models.Category)(nil)).
		Set("valid_to = ?", f.clk.T.AddDate(0, 0, -1)).
		Where("id = ?", "std").
		Exec(ctx)
	require.NoError(t, err)

	vip := &models.Category{
		ID: "vip", EventID: "ev1", Name: "vip",
		MaxTickets: 1, Bounded: true, PriceCts: 9000, Currency: "EUR",
		AccessRestricted: true,
		ValidFrom:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:          time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	_, err = f.bunDB.NewInsert().Model(vip).Exec(ctx)
	require.NoError(t, err)
	seat := &models.Seat{
		EventID: "ev1", CategoryID: "vip", Status: models.SeatFree,
		PriceCts: 9000, Currency: "EUR",
	}
	_, err = f.bunDB.NewInsert().Model(seat).Exec(ctx)
	require.NoError(t, err)

	sub, err := f.wl.Subscribe(ctx, "ev1", "ada@example.com")
	require.NoError(t, err)

	offers, err := f.wl.Distribute(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 0, offers)
	assert.Equal(t, models.SubscriptionWaiting, f.subscription(t, sub.ID).Status)
}
