// Package db is the special-price token and promo code repository.
// Token locking mirrors seat locking: ascending id order, FOR UPDATE
// SKIP LOCKED on PostgreSQL, all-or-nothing counts.
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

func (d *DB) rowLock(q *bun.SelectQuery) *bun.SelectQuery {
	if d.Bun.Dialect().Name() == dialect.PG {
		return q.For("UPDATE SKIP LOCKED")
	}
	return q
}

func (d *DB) InsertTokens(ctx context.Context, idb bun.IDB, tokens []models.SpecialPriceToken) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := idb.NewInsert().Model(&tokens).Exec(ctx)
	return err
}

// LockByCode locks the token carrying the given code if its status is
// one of the expected ones. A missing or differently-statused token is
// errs.ErrCodeNotFound: the caller cannot tell a bad code from a spent
// one, and should not.
func (d *DB) LockByCode(ctx context.Context, idb bun.IDB, code string, statuses []models.TokenStatus) (*models.SpecialPriceToken, error) {
	var tok models.SpecialPriceToken
	q := idb.NewSelect().Model(&tok).
		Where("code = ?", code).
		Where("status IN (?)", bun.In(statuses)).
		Limit(1)
	if err := d.rowLock(q).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrCodeNotFound
		}
		return nil, fmt.Errorf("lock token %s: %w", code, err)
	}
	return &tok, nil
}

// LockAvailable locks exactly count distributable tokens of a category
// in ascending id order. Fewer available tokens than requested is
// errs.ErrInsufficientInventory.
func (d *DB) LockAvailable(ctx context.Context, idb bun.IDB, categoryID string, count int, statuses []models.TokenStatus) ([]models.SpecialPriceToken, error) {
	if count <= 0 {
		return nil, nil
	}
	var tokens []models.SpecialPriceToken
	q := idb.NewSelect().Model(&tokens).
		Where("category_id = ?", categoryID).
		Where("status IN (?)", bun.In(statuses)).
		Order("id ASC").
		Limit(count)
	if err := d.rowLock(q).Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock tokens: %w", err)
	}
	if len(tokens) < count {
		return nil, fmt.Errorf("locking %d tokens, %d available: %w", count, len(tokens), errs.ErrInsufficientInventory)
	}
	return tokens, nil
}

// AssignToReservation moves locked tokens into PENDING, remembering the
// prior status for release.
func (d *DB) AssignToReservation(ctx context.Context, idb bun.IDB, tokenIDs []int64, reservationID, accessCodeID string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	q := idb.NewUpdate().Model((*models.SpecialPriceToken)(nil)).
		Set("origin_status = status").
		Set("status = ?", models.TokenPending).
		Set("reservation_id = ?", reservationID).
		Where("id IN (?)", bun.In(tokenIDs))
	if accessCodeID != "" {
		q = q.Set("access_code_id = ?", accessCodeID)
	}
	_, err := q.Exec(ctx)
	return err
}

// ConfirmByReservation flips the reservation's tokens PENDING->TAKEN.
func (d *DB) ConfirmByReservation(ctx context.Context, idb bun.IDB, reservationID string) error {
	_, err := idb.NewUpdate().Model((*models.SpecialPriceToken)(nil)).
		Set("status = ?", models.TokenTaken).
		Set("origin_status = NULL").
		Where("reservation_id = ?", reservationID).
		Where("status = ?", models.TokenPending).
		Exec(ctx)
	return err
}

// ReleaseByReservation returns the reservation's pending tokens to
// their pre-reservation status.
func (d *DB) ReleaseByReservation(ctx context.Context, idb bun.IDB, reservationID string) error {
	_, err := idb.NewUpdate().Model((*models.SpecialPriceToken)(nil)).
		Set("status = origin_status").
		Set("origin_status = NULL").
		Set("reservation_id = NULL").
		Where("reservation_id = ?", reservationID).
		Where("status = ?", models.TokenPending).
		Exec(ctx)
	return err
}

// CancelByCategory cancels every token of the category not already
// handed to a buyer. Returns the number of tokens cancelled.
func (d *DB) CancelByCategory(ctx context.Context, idb bun.IDB, categoryID string) (int, error) {
	res, err := idb.NewUpdate().Model((*models.SpecialPriceToken)(nil)).
		Set("status = ?", models.TokenCancelled).
		Where("category_id = ?", categoryID).
		Where("status NOT IN (?)", bun.In([]models.TokenStatus{models.TokenTaken, models.TokenCancelled})).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (d *DB) CancelByID(ctx context.Context, idb bun.IDB, tokenIDs []int64) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	_, err := idb.NewUpdate().Model((*models.SpecialPriceToken)(nil)).
		Set("status = ?", models.TokenCancelled).
		Where("id IN (?)", bun.In(tokenIDs)).
		Exec(ctx)
	return err
}

// MarkSent stamps the distribution time and promotes WAITING tokens to
// FREE, i.e. redeemable by whoever holds the code.
func (d *DB) MarkSent(ctx context.Context, idb bun.IDB, tokenIDs []int64, sentAt time.Time) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	_, err := idb.NewUpdate().Model((*models.SpecialPriceToken)(nil)).
		Set("status = ?", models.TokenFree).
		Set("sent_at = ?", sentAt).
		Where("id IN (?)", bun.In(tokenIDs)).
		Where("status = ?", models.TokenWaiting).
		Exec(ctx)
	return err
}

func (d *DB) TokensByReservation(ctx context.Context, idb bun.IDB, reservationID string) ([]models.SpecialPriceToken, error) {
	var tokens []models.SpecialPriceToken
	err := idb.NewSelect().Model(&tokens).
		Where("reservation_id = ?", reservationID).
		Order("id ASC").
		Scan(ctx)
	return tokens, err
}

func (d *DB) CountByCategory(ctx context.Context, idb bun.IDB, categoryID string, statuses []models.TokenStatus) (int, error) {
	return idb.NewSelect().Model((*models.SpecialPriceToken)(nil)).
		Where("category_id = ?", categoryID).
		Where("status IN (?)", bun.In(statuses)).
		Count(ctx)
}

// CountByAccessCode counts tokens already claimed through an access
// code, pending ones included.
func (d *DB) CountByAccessCode(ctx context.Context, idb bun.IDB, accessCodeID string) (int, error) {
	return idb.NewSelect().Model((*models.SpecialPriceToken)(nil)).
		Where("access_code_id = ?", accessCodeID).
		Where("status IN (?)", bun.In([]models.TokenStatus{models.TokenPending, models.TokenTaken})).
		Count(ctx)
}

// ---------------- promo codes ----------------

func (d *DB) PromoByCode(ctx context.Context, idb bun.IDB, eventID, code string) (*models.PromoCode, error) {
	var promo models.PromoCode
	err := idb.NewSelect().Model(&promo).
		Where("event_id = ?", eventID).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrCodeNotFound
		}
		return nil, fmt.Errorf("promo %s: %w", code, err)
	}
	return &promo, nil
}

// LockPromo row-locks the promo code so the usage counter can be
// re-checked and bumped atomically. Unlike seat locking this waits for
// the lock instead of skipping: every confirmation must observe the
// final counter.
func (d *DB) LockPromo(ctx context.Context, idb bun.IDB, id string) (*models.PromoCode, error) {
	var promo models.PromoCode
	q := idb.NewSelect().Model(&promo).Where("id = ?", id).Limit(1)
	if d.Bun.Dialect().Name() == dialect.PG {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrCodeNotFound
		}
		return nil, fmt.Errorf("lock promo %s: %w", id, err)
	}
	return &promo, nil
}

func (d *DB) IncrementUsage(ctx context.Context, idb bun.IDB, id string) error {
	_, err := idb.NewUpdate().Model((*models.PromoCode)(nil)).
		Set("usage = usage + 1").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) InsertPromo(ctx context.Context, idb bun.IDB, promo *models.PromoCode, categoryIDs []string) error {
	if _, err := idb.NewInsert().Model(promo).Exec(ctx); err != nil {
		return err
	}
	if len(categoryIDs) == 0 {
		return nil
	}
	links := make([]models.PromoCodeCategory, len(categoryIDs))
	for i, catID := range categoryIDs {
		links[i] = models.PromoCodeCategory{PromoCodeID: promo.ID, CategoryID: catID}
	}
	_, err := idb.NewInsert().Model(&links).Exec(ctx)
	return err
}

// PromoCategories returns the category ids a promo code is restricted
// to. Empty means the code applies event-wide.
func (d *DB) PromoCategories(ctx context.Context, idb bun.IDB, promoID string) ([]string, error) {
	var ids []string
	err := idb.NewSelect().Model((*models.PromoCodeCategory)(nil)).
		Column("category_id").
		Where("promo_code_id = ?", promoID).
		Scan(ctx, &ids)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return ids, nil
}
