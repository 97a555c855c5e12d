// Package tokens manages special-price tokens and promo codes: stock
// generation, distribution, exactly-once redemption and usage-limit
// accounting.
package tokens

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-inventory/internal/clock"
	"ms-inventory/internal/errs"
	"ms-inventory/internal/logger"
	"ms-inventory/internal/models"
	"ms-inventory/internal/tokens/db"
)

type Service struct {
	Bun    *bun.DB
	DB     *db.DB
	Logger *logger.Logger
	Clock  clock.Clock
}

func NewService(b *bun.DB, d *db.DB, log *logger.Logger, clk clock.Clock) *Service {
	return &Service{Bun: b, DB: d, Logger: log, Clock: clk}
}

// InsertFresh mints n WAITING tokens for the category. Codes are opaque
// uuids; nothing about a code hints at its category or position.
func (s *Service) InsertFresh(ctx context.Context, idb bun.IDB, categoryID string, n int) error {
	if n <= 0 {
		return nil
	}
	tokens := make([]models.SpecialPriceToken, n)
	for i := range tokens {
		tokens[i] = models.SpecialPriceToken{
			CategoryID: categoryID,
			Code:       uuid.New().String(),
			Status:     models.TokenWaiting,
		}
	}
	return s.DB.InsertTokens(ctx, idb, tokens)
}

// CancelNotTaken voids every token of the category that no buyer holds.
func (s *Service) CancelNotTaken(ctx context.Context, idb bun.IDB, categoryID string) (int, error) {
	return s.DB.CancelByCategory(ctx, idb, categoryID)
}

// LockUnsent locks n tokens that were never distributed. Sent tokens
// are out in the wild and cannot be reclaimed by a capacity shrink.
func (s *Service) LockUnsent(ctx context.Context, idb bun.IDB, categoryID string, n int) ([]models.SpecialPriceToken, error) {
	return s.DB.LockAvailable(ctx, idb, categoryID, n, []models.TokenStatus{models.TokenWaiting})
}

func (s *Service) Cancel(ctx context.Context, idb bun.IDB, tokenIDs []int64) error {
	return s.DB.CancelByID(ctx, idb, tokenIDs)
}

// SendTokens distributes n waiting tokens of the category: stamps the
// send time and makes them redeemable. The returned tokens carry the
// codes to hand to assignees.
func (s *Service) SendTokens(ctx context.Context, categoryID string, n int) ([]models.SpecialPriceToken, error) {
	var sent []models.SpecialPriceToken
	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		tokens, err := s.DB.LockAvailable(ctx, tx, categoryID, n, []models.TokenStatus{models.TokenWaiting})
		if err != nil {
			return err
		}
		ids := tokenIDs(tokens)
		if err := s.DB.MarkSent(ctx, tx, ids, s.Clock.Now()); err != nil {
			return err
		}
		sent = tokens
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Logger.LogCapacity("TOKENS", categoryID, fmt.Sprintf("%d tokens sent", len(sent)))
	return sent, nil
}

// RedeemCode claims the single token behind a special-price code for a
// reservation. Only a distributed, unclaimed token qualifies; anything
// else reads as an unknown code.
func (s *Service) RedeemCode(ctx context.Context, idb bun.IDB, code, reservationID string) (*models.SpecialPriceToken, error) {
	tok, err := s.DB.LockByCode(ctx, idb, code, []models.TokenStatus{models.TokenFree})
	if err != nil {
		return nil, err
	}
	if err := s.DB.AssignToReservation(ctx, idb, []int64{tok.ID}, reservationID, ""); err != nil {
		return nil, err
	}
	return tok, nil
}

// ReserveAccessCodeTokens claims n restricted-category tokens through an
// access code. The promo row is locked first so concurrent claims see a
// consistent allotment; the token rows are then locked in ascending id
// order like seats.
func (s *Service) ReserveAccessCodeTokens(ctx context.Context, idb bun.IDB, accessCodeID, categoryID string, n int, reservationID string) error {
	promo, err := s.DB.LockPromo(ctx, idb, accessCodeID)
	if err != nil {
		return err
	}
	if promo.UsageLimit > 0 {
		claimed, err := s.DB.CountByAccessCode(ctx, idb, promo.ID)
		if err != nil {
			return err
		}
		if claimed+n > promo.UsageLimit {
			return fmt.Errorf("access code %s: %d claimed, %d requested, limit %d: %w",
				promo.Code, claimed, n, promo.UsageLimit, errs.ErrCodeUsageExceeded)
		}
	}
	tokens, err := s.DB.LockAvailable(ctx, idb, categoryID, n,
		[]models.TokenStatus{models.TokenWaiting, models.TokenFree})
	if err != nil {
		return err
	}
	return s.DB.AssignToReservation(ctx, idb, tokenIDs(tokens), reservationID, promo.ID)
}

// ConfirmByReservation marks the reservation's tokens as consumed.
func (s *Service) ConfirmByReservation(ctx context.Context, idb bun.IDB, reservationID string) error {
	return s.DB.ConfirmByReservation(ctx, idb, reservationID)
}

// ReleaseByReservation puts the reservation's pending tokens back where
// they came from.
func (s *Service) ReleaseByReservation(ctx context.Context, idb bun.IDB, reservationID string) error {
	return s.DB.ReleaseByReservation(ctx, idb, reservationID)
}

// ValidatePromo resolves a promo or access code and checks its validity
// window plus a usage precheck. The precheck filters the obvious cases
// early; the authoritative usage check happens under row lock at
// confirmation time.
func (s *Service) ValidatePromo(ctx context.Context, eventID, code string) (*models.PromoCode, error) {
	promo, err := s.DB.PromoByCode(ctx, s.Bun, eventID, code)
	if err != nil {
		return nil, err
	}
	if !promo.ValidAt(s.Clock.Now()) {
		return nil, fmt.Errorf("code %s: %w", code, errs.ErrCodeExpired)
	}
	if promo.UsageLimit > 0 && promo.Usage >= promo.UsageLimit {
		return nil, fmt.Errorf("code %s: %w", code, errs.ErrCodeUsageExceeded)
	}
	return promo, nil
}

// CheckAndIncrementUsage re-reads the usage counter under row lock and
// bumps it. This is the exactly-once point of the promo lifecycle: two
// concurrent confirmations of the last slot serialize here and the
// loser gets errs.ErrCodeUsageExceeded.
func (s *Service) CheckAndIncrementUsage(ctx context.Context, idb bun.IDB, promoID string) error {
	promo, err := s.DB.LockPromo(ctx, idb, promoID)
	if err != nil {
		return err
	}
	if promo.UsageLimit > 0 && promo.Usage >= promo.UsageLimit {
		return fmt.Errorf("code %s: %w", promo.Code, errs.ErrCodeUsageExceeded)
	}
	return s.DB.IncrementUsage(ctx, idb, promoID)
}

// PromoCategories exposes the category restriction of a code.
func (s *Service) PromoCategories(ctx context.Context, promoID string) ([]string, error) {
	return s.DB.PromoCategories(ctx, s.Bun, promoID)
}

func tokenIDs(tokens []models.SpecialPriceToken) []int64 {
	ids := make([]int64, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.ID
	}
	return ids
}
