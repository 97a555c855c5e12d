package inventory_test

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
	"ms-inventory/internal/inventory"
	inventorydb "ms-inventory/internal/inventory/db"
	"ms-inventory/internal/logger"
	"ms-inventory/internal/models"
	"ms-inventory/internal/tokens"
	tokensdb "ms-inventory/internal/tokens/db"
)

func setupTestDB(t *testing.T) *bun.DB {
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
		(*models.SpecialPriceToken)(nil),
		(*models.PromoCode)(nil),
	} {
		require.NoError(t, bunDB.ResetModel(ctx, m))
	}

	t.Cleanup(func() { _ = bunDB.Close() })
	return bunDB
}

func newService(t *testing.T, bunDB *bun.DB, clk clock.Clock) *inventory.Service {
	t.Helper()
	tokenService := tokens.NewService(bunDB, tokensdb.New(bunDB), logger.NewQuiet(), clk)
	return inventory.NewService(bunDB, inventorydb.New(bunDB), tokenService, logger.NewQuiet(), clk)
}

func seedEvent(t *testing.T, bunDB *bun.DB, totalSeats int) *models.Event {
	t.Helper()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := &models.Event{
		ID:         "ev1",
		Name:       "Summer Open Air",
		Currency:   "EUR",
		TotalSeats: totalSeats,
		VatRate:    "10",
		StartDate:  now,
		EndDate:    now.AddDate(0, 3, 0),
		CreatedAt:  now,
	}
	_, err := bunDB.NewInsert().Model(ev).Exec(context.Background())
	require.NoError(t, err)
	return ev
}

func testCategory(id string, bounded bool, maxTickets int, priceCts int64) models.Category {
	return models.Category{
		ID:         id,
		EventID:    "ev1",
		Name:       id,
		MaxTickets: maxTickets,
		Bounded:    bounded,
		PriceCts:   priceCts,
		Currency:   "EUR",
		ValidFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:    time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func insertCategories(t *testing.T, bunDB *bun.DB, cats []models.Category) {
	t.Helper()
	_, err := bunDB.NewInsert().Model(&cats).Exec(context.Background())
	require.NoError(t, err)
}

func countSeats(t *testing.T, bunDB *bun.DB, where string, args ...any) int {
	t.Helper()
	n, err := bunDB.NewSelect().Model((*models.Seat)(nil)).Where(where, args...).Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestGenerateSeatsSplitsCategoryAndPool(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ev := seedEvent(t, bunDB, 20)
	cats := []models.Category{
		testCategory("gold", true, 5, 10000),
		testCategory("silver", false, 10, 5000),
	}
	insertCategories(t, bunDB, cats)

	require.NoError(t, svc.GenerateSeats(context.Background(), ev, cats))

	assert.Equal(t, 5, countSeats(t, bunDB, "category_id = ?", "gold"))
	assert.Equal(t, 0, countSeats(t, bunDB, "category_id = ?", "silver"))
	assert.Equal(t, 15, countSeats(t, bunDB, "category_id IS NULL"))
	assert.Equal(t, 5, countSeats(t, bunDB, "category_id = ? AND price_cts = ?", "gold", 10000))
}

func TestGenerateSeatsRejectsOversizedCategories(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ev := seedEvent(t, bunDB, 10)
	cats := []models.Category{testCategory("gold", true, 11, 10000)}
	insertCategories(t, bunDB, cats)

	err := svc.GenerateSeats(context.Background(), ev, cats)
	assert.ErrorIs(t, err, errs.ErrCapacityViolation)
	assert.Equal(t, 0, countSeats(t, bunDB, "event_id = ?", "ev1"))
}

func TestAddCategoryClaimsFromPool(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 20)
	cats := []models.Category{testCategory("gold", true, 5, 10000)}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	bronze := testCategory("bronze", true, 4, 3000)
	require.NoError(t, svc.AddCategory(ctx, &bronze))

	assert.Equal(t, 4, countSeats(t, bunDB, "category_id = ? AND price_cts = ?", "bronze", 3000))
	assert.Equal(t, 11, countSeats(t, bunDB, "category_id IS NULL"))
}

func TestAddCategoryRejectsOverCapacity(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 20)
	cats := []models.Category{testCategory("gold", true, 5, 10000)}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	huge := testCategory("huge", true, 16, 1000)
	err := svc.AddCategory(ctx, &huge)
	assert.ErrorIs(t, err, errs.ErrCapacityViolation)

	// The whole transaction must roll back: no category row, no seats.
	n, err := bunDB.NewSelect().Model((*models.Category)(nil)).Where("id = ?", "huge").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 15, countSeats(t, bunDB, "category_id IS NULL"))
}

func TestResizeCategoryRoundTrip(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 20)
	cats := []models.Category{testCategory("gold", true, 5, 10000)}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	grown := cats[0]
	grown.MaxTickets = 8
	require.NoError(t, svc.ResizeCategory(ctx, &cats[0], &grown))
	assert.Equal(t, 8, countSeats(t, bunDB, "category_id = ?", "gold"))
	assert.Equal(t, 12, countSeats(t, bunDB, "category_id IS NULL"))

	// Re-applying the same transition is a no-op.
	require.NoError(t, svc.ResizeCategory(ctx, &cats[0], &grown))
	assert.Equal(t, 8, countSeats(t, bunDB, "category_id = ?", "gold"))

	shrunk := grown
	shrunk.MaxTickets = 5
	require.NoError(t, svc.ResizeCategory(ctx, &grown, &shrunk))
	assert.Equal(t, 5, countSeats(t, bunDB, "category_id = ?", "gold"))
	assert.Equal(t, 15, countSeats(t, bunDB, "category_id IS NULL"))
}

func TestResizeShrinkSparesSoldSeats(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 20)
	cats := []models.Category{testCategory("gold", true, 5, 10000)}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	// Sell one gold seat out from under the shrink.
	_, err := bunDB.NewUpdate().Model((*models.Seat)(nil)).
		Set("status = ?", models.SeatAcquired).
		Where("category_id = ?", "gold").
		Where("id IN (SELECT id FROM seats WHERE category_id = 'gold' LIMIT 1)").
		Exec(ctx)
	require.NoError(t, err)

	empty := cats[0]
	empty.MaxTickets = 0
	err = svc.ResizeCategory(ctx, &cats[0], &empty)
	assert.ErrorIs(t, err, errs.ErrInsufficientInventory)
	assert.Equal(t, 5, countSeats(t, bunDB, "category_id = ?", "gold"))
}

func TestChangePriceRewritesFreeSeats(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 10)
	cats := []models.Category{testCategory("gold", true, 5, 10000)}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	repriced := cats[0]
	repriced.PriceCts = 12000
	require.NoError(t, svc.ChangePrice(ctx, &cats[0], &repriced))
	assert.Equal(t, 5, countSeats(t, bunDB, "category_id = ? AND price_cts = ?", "gold", 12000))

	var cat models.Category
	require.NoError(t, bunDB.NewSelect().Model(&cat).Where("id = ?", "gold").Scan(ctx))
	assert.Equal(t, int64(12000), cat.PriceCts)
}

func TestChangePriceFailsWithSoldSeats(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 10)
	cats := []models.Category{testCategory("gold", true, 5, 10000)}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	_, err := bunDB.NewUpdate().Model((*models.Seat)(nil)).
		Set("status = ?", models.SeatAcquired).
		Where("id IN (SELECT id FROM seats WHERE category_id = 'gold' LIMIT 1)").
		Exec(ctx)
	require.NoError(t, err)

	repriced := cats[0]
	repriced.PriceCts = 12000
	err = svc.ChangePrice(ctx, &cats[0], &repriced)
	assert.ErrorIs(t, err, errs.ErrInsufficientInventory)

	// Nothing changed, not even the free seats.
	assert.Equal(t, 0, countSeats(t, bunDB, "price_cts = ?", 12000))
}

func TestChangePriceOnUnboundedCategory(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 10)
	cats := []models.Category{testCategory("silver", false, 10, 5000)}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	// The category owns no seats; only its row carries the price, and
	// repricing must not demand seat inventory it never holds.
	repriced := cats[0]
	repriced.PriceCts = 6000
	require.NoError(t, svc.ChangePrice(ctx, &cats[0], &repriced))

	var cat models.Category
	require.NoError(t, bunDB.NewSelect().Model(&cat).Where("id = ?", "silver").Scan(ctx))
	assert.Equal(t, int64(6000), cat.PriceCts)

	// Pool seats are untouched; they get the price at claim time.
	assert.Equal(t, 10, countSeats(t, bunDB, "category_id IS NULL AND price_cts = ?", 0))
}

func TestBindUnbindRoundTrip(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 20)
	cats := []models.Category{
		testCategory("gold", true, 5, 10000),
		testCategory("silver", false, 10, 5000),
	}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	require.NoError(t, svc.BindCategory(ctx, &cats[1]))
	assert.Equal(t, 10, countSeats(t, bunDB, "category_id = ? AND price_cts = ?", "silver", 5000))
	assert.Equal(t, 5, countSeats(t, bunDB, "category_id IS NULL"))

	var bound models.Category
	require.NoError(t, bunDB.NewSelect().Model(&bound).Where("id = ?", "silver").Scan(ctx))
	assert.True(t, bound.Bounded)

	require.NoError(t, svc.UnbindCategory(ctx, &bound))
	assert.Equal(t, 0, countSeats(t, bunDB, "category_id = ?", "silver"))
	assert.Equal(t, 15, countSeats(t, bunDB, "category_id IS NULL"))
}

func countTokens(t *testing.T, bunDB *bun.DB, status models.TokenStatus) int {
	t.Helper()
	n, err := bunDB.NewSelect().Model((*models.SpecialPriceToken)(nil)).
		Where("category_id = ?", "gold").
		Where("status = ?", status).
		Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestChangeTokenCountFollowsRestriction(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 10)
	open := testCategory("gold", true, 5, 10000)
	insertCategories(t, bunDB, []models.Category{open})
	require.NoError(t, svc.GenerateSeats(ctx, ev, []models.Category{open}))

	restricted := open
	restricted.AccessRestricted = true
	require.NoError(t, svc.ChangeTokenCount(ctx, &open, &restricted))
	assert.Equal(t, 5, countTokens(t, bunDB, models.TokenWaiting))

	smaller := restricted
	smaller.MaxTickets = 3
	require.NoError(t, svc.ChangeTokenCount(ctx, &restricted, &smaller))
	assert.Equal(t, 3, countTokens(t, bunDB, models.TokenWaiting))
	assert.Equal(t, 2, countTokens(t, bunDB, models.TokenCancelled))

	lifted := smaller
	lifted.AccessRestricted = false
	require.NoError(t, svc.ChangeTokenCount(ctx, &smaller, &lifted))
	assert.Equal(t, 0, countTokens(t, bunDB, models.TokenWaiting))
	assert.Equal(t, 5, countTokens(t, bunDB, models.TokenCancelled))
}

func TestAvailabilityReportsPerCategory(t *testing.T) {
	bunDB := setupTestDB(t)
	svc := newService(t, bunDB, clock.System{})
	ctx := context.Background()
	ev := seedEvent(t, bunDB, 10)
	cats := []models.Category{testCategory("gold", true, 4, 10000)}
	insertCategories(t, bunDB, cats)
	require.NoError(t, svc.GenerateSeats(ctx, ev, cats))

	rows, err := svc.Availability(ctx, "ev1")
	require.NoError(t, err)

	byKey := map[string]int{}
	for _, row := range rows {
		byKey[row.CategoryID+"/"+string(row.Status)] = row.Count
	}
	assert.Equal(t, 4, byKey["gold/FREE"])
	assert.Equal(t, 6, byKey["/FREE"])
}
