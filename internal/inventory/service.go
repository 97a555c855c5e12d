// Package inventory keeps the per-event seat bookkeeping consistent
// while categories are created, resized, bound, unbound or repriced.
// All mutations run inside one transaction and either commit whole or
// roll back whole; seats are always locked in ascending id order.
package inventory

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-inventory/internal/clock"
	"ms-inventory/internal/errs"
	"ms-inventory/internal/inventory/db"
	"ms-inventory/internal/logger"
	"ms-inventory/internal/models"
)

// TokenStore is the slice of the token vault the reconciler needs when
// a category's restricted-seat count changes.
type TokenStore interface {
	InsertFresh(ctx context.Context, idb bun.IDB, categoryID string, n int) error
	CancelNotTaken(ctx context.Context, idb bun.IDB, categoryID string) (int, error)
	LockUnsent(ctx context.Context, idb bun.IDB, categoryID string, n int) ([]models.SpecialPriceToken, error)
	Cancel(ctx context.Context, idb bun.IDB, tokenIDs []int64) error
}

type Service struct {
	Bun    *bun.DB
	DB     *db.DB
	Tokens TokenStore
	Logger *logger.Logger
	Clock  clock.Clock
}

func NewService(b *bun.DB, d *db.DB, tokens TokenStore, log *logger.Logger, clk clock.Clock) *Service {
	return &Service{Bun: b, DB: d, Tokens: tokens, Logger: log, Clock: clk}
}

// GenerateSeats creates the event's seat rows: one batch per bounded
// category plus the shared unassigned pool. Called once at event
// creation; seats are never physically deleted afterwards.
func (s *Service) GenerateSeats(ctx context.Context, ev *models.Event, cats []models.Category) error {
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var bounded int
		for _, cat := range cats {
			if !cat.Bounded {
				continue
			}
			bounded += cat.MaxTickets
			seats := make([]models.Seat, cat.MaxTickets)
			for i := range seats {
				seats[i] = models.Seat{
					EventID:    ev.ID,
					CategoryID: cat.ID,
					Status:     models.SeatFree,
					PriceCts:   cat.PriceCts,
					Currency:   cat.Currency,
				}
			}
			if err := s.DB.InsertSeats(ctx, tx, seats); err != nil {
				return err
			}
		}
		if bounded > ev.TotalSeats {
			return fmt.Errorf("bounded capacity %d exceeds event seats %d: %w", bounded, ev.TotalSeats, errs.ErrCapacityViolation)
		}
		pool := make([]models.Seat, ev.TotalSeats-bounded)
		for i := range pool {
			pool[i] = models.Seat{
				EventID:  ev.ID,
				Status:   models.SeatFree,
				Currency: ev.Currency,
			}
		}
		return s.DB.InsertSeats(ctx, tx, pool)
	})
}

// AddCategory inserts the category and, when bounded, claims its seats
// from the shared pool. Restricted categories get their token stock.
func (s *Service) AddCategory(ctx context.Context, cat *models.Category) error {
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if cat.Bounded {
			if err := s.checkBoundedArithmetic(ctx, tx, cat, 0, cat.MaxTickets); err != nil {
				return err
			}
		}
		if err := s.DB.InsertCategory(ctx, tx, cat); err != nil {
			return err
		}
		if cat.Bounded {
			if err := s.claimFromPool(ctx, tx, cat, cat.MaxTickets); err != nil {
				return err
			}
		}
		if cat.AccessRestricted {
			if err := s.Tokens.InsertFresh(ctx, tx, cat.ID, cat.MaxTickets); err != nil {
				return err
			}
		}
		s.Logger.LogCapacity("ADD", cat.ID, fmt.Sprintf("capacity %d bounded=%v", cat.MaxTickets, cat.Bounded))
		return nil
	})
}

// ResizeCategory applies the capacity delta between original and
// updated. Re-applying an already-applied transition is a no-op, which
// makes the operation idempotent against retries.
func (s *Service) ResizeCategory(ctx context.Context, original, updated *models.Category) error {
	delta := updated.MaxTickets - original.MaxTickets
	if delta == 0 {
		return nil
	}
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.DB.CategoryByID(ctx, tx, original.ID)
		if err != nil {
			return err
		}
		if current.MaxTickets == updated.MaxTickets {
			return nil
		}
		if updated.MaxTickets < 0 {
			return fmt.Errorf("negative capacity: %w", errs.ErrCapacityViolation)
		}
		if current.Bounded {
			if delta > 0 {
				if err := s.checkBoundedArithmetic(ctx, tx, current, current.MaxTickets, delta); err != nil {
					return err
				}
				if err := s.claimFromPool(ctx, tx, current, delta); err != nil {
					return err
				}
			} else {
				// Only FREE seats may leave the category: sold or
				// reserved seats cannot be reclaimed by a shrink.
				seats, err := s.DB.LockSeats(ctx, tx, current.EventID, current.ID, -delta, []models.SeatStatus{models.SeatFree})
				if err != nil {
					return err
				}
				if err := s.DB.AssignCategory(ctx, tx, seatIDs(seats), "", 0, current.Currency); err != nil {
					return err
				}
			}
		}
		current.MaxTickets = updated.MaxTickets
		if err := s.DB.UpdateCategory(ctx, tx, current); err != nil {
			return err
		}
		s.Logger.LogCapacity("RESIZE", current.ID, fmt.Sprintf("delta %+d -> %d", delta, current.MaxTickets))
		return nil
	})
}

// ChangePrice rewrites the stored unit price of every unsold seat of
// a bounded category. The price must apply uniformly, so fewer FREE
// seats than the category capacity is a failure, not a partial update.
// Unbounded categories own no seats while unsold; their price lives on
// the category row and is stamped onto pool seats at claim time, so
// only the row is updated.
func (s *Service) ChangePrice(ctx context.Context, original, updated *models.Category) error {
	if original.PriceCts == updated.PriceCts && original.Currency == updated.Currency {
		return nil
	}
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.DB.CategoryByID(ctx, tx, original.ID)
		if err != nil {
			return err
		}
		if current.Bounded {
			seats, err := s.DB.LockSeats(ctx, tx, current.EventID, current.ID, current.MaxTickets, []models.SeatStatus{models.SeatFree})
			if err != nil {
				return fmt.Errorf("price change needs all %d seats unsold: %w", current.MaxTickets, err)
			}
			if err := s.DB.SetSeatPrice(ctx, tx, seatIDs(seats), updated.PriceCts, updated.Currency); err != nil {
				return err
			}
		}
		current.PriceCts = updated.PriceCts
		current.Currency = updated.Currency
		if err := s.DB.UpdateCategory(ctx, tx, current); err != nil {
			return err
		}
		s.Logger.LogCapacity("REPRICE", current.ID, fmt.Sprintf("%d -> %d %s", original.PriceCts, updated.PriceCts, updated.Currency))
		return nil
	})
}

// ChangeTokenCount reconciles the special-price token stock with the
// category's restricted-seat count. Tokens already sent to an assignee
// are untouchable.
func (s *Service) ChangeTokenCount(ctx context.Context, original, updated *models.Category) error {
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		switch {
		case !original.AccessRestricted && updated.AccessRestricted:
			return s.Tokens.InsertFresh(ctx, tx, updated.ID, updated.MaxTickets)
		case original.AccessRestricted && !updated.AccessRestricted:
			n, err := s.Tokens.CancelNotTaken(ctx, tx, updated.ID)
			if err != nil {
				return err
			}
			s.Logger.LogCapacity("TOKENS", updated.ID, fmt.Sprintf("restriction lifted, %d tokens cancelled", n))
			return nil
		case !updated.AccessRestricted:
			return nil
		}
		delta := updated.MaxTickets - original.MaxTickets
		switch {
		case delta > 0:
			return s.Tokens.InsertFresh(ctx, tx, updated.ID, delta)
		case delta < 0:
			tokens, err := s.Tokens.LockUnsent(ctx, tx, updated.ID, -delta)
			if err != nil {
				return err
			}
			ids := make([]int64, len(tokens))
			for i, tok := range tokens {
				ids[i] = tok.ID
			}
			return s.Tokens.Cancel(ctx, tx, ids)
		}
		return nil
	})
}

// BindCategory converts an unbounded category to bounded, claiming its
// full capacity from the shared pool.
func (s *Service) BindCategory(ctx context.Context, cat *models.Category) error {
	if cat.Bounded {
		return nil
	}
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.DB.CategoryByID(ctx, tx, cat.ID)
		if err != nil {
			return err
		}
		if current.Bounded {
			return nil
		}
		if err := s.checkBoundedArithmetic(ctx, tx, current, 0, current.MaxTickets); err != nil {
			return err
		}
		if err := s.claimFromPool(ctx, tx, current, current.MaxTickets); err != nil {
			return err
		}
		current.Bounded = true
		return s.DB.UpdateCategory(ctx, tx, current)
	})
}

// UnbindCategory converts a bounded category to unbounded, returning
// its FREE seats to the shared pool. Sold seats stay with the category.
func (s *Service) UnbindCategory(ctx context.Context, cat *models.Category) error {
	if !cat.Bounded {
		return nil
	}
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.DB.CategoryByID(ctx, tx, cat.ID)
		if err != nil {
			return err
		}
		if !current.Bounded {
			return nil
		}
		free, err := s.DB.CountFreeByCategory(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		seats, err := s.DB.LockSeats(ctx, tx, current.EventID, current.ID, free, models.AllocatableStatuses())
		if err != nil {
			return err
		}
		if err := s.DB.AssignCategory(ctx, tx, seatIDs(seats), "", 0, current.Currency); err != nil {
			return err
		}
		current.Bounded = false
		return s.DB.UpdateCategory(ctx, tx, current)
	})
}

// Availability reports seat counts per category and status for an event.
func (s *Service) Availability(ctx context.Context, eventID string) ([]db.CategoryAvailability, error) {
	return s.DB.Availability(ctx, s.Bun, eventID)
}

// checkBoundedArithmetic rejects a capacity increase that would push
// the sum of bounded capacities past the event's total seats. current
// is the category's own bounded capacity as stored today; delta the
// increase under review.
func (s *Service) checkBoundedArithmetic(ctx context.Context, idb bun.IDB, cat *models.Category, current, delta int) error {
	ev, err := s.DB.EventByID(ctx, idb, cat.EventID)
	if err != nil {
		return err
	}
	others, err := s.DB.SumBoundedCapacity(ctx, idb, cat.EventID, cat.ID)
	if err != nil {
		return err
	}
	if others+current+delta > ev.TotalSeats {
		return fmt.Errorf("bounded capacity %d + %d exceeds event seats %d: %w", others+current, delta, ev.TotalSeats, errs.ErrCapacityViolation)
	}
	return nil
}

// claimFromPool locks n seats of the shared pool and hands them to the
// category at its current price.
func (s *Service) claimFromPool(ctx context.Context, idb bun.IDB, cat *models.Category, n int) error {
	seats, err := s.DB.LockSeats(ctx, idb, cat.EventID, "", n, models.AllocatableStatuses())
	if err != nil {
		return err
	}
	return s.DB.AssignCategory(ctx, idb, seatIDs(seats), cat.ID, cat.PriceCts, cat.Currency)
}

func seatIDs(seats []models.Seat) []int64 {
	ids := make([]int64, len(seats))
	for i, seat := range seats {
		ids[i] = seat.ID
	}
	return ids
}
