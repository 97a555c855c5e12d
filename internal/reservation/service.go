// Package reservation implements reservation allocation: seats and
// tokens are claimed under row locks inside one transaction, so a
// reservation either gets everything it asked for or nothing, and two
// buyers can never hold the same seat.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-inventory/internal/clock"
	"ms-inventory/internal/errs"
	"ms-inventory/internal/logger"
	"ms-inventory/internal/metrics"
	"ms-inventory/internal/models"
	"ms-inventory/internal/pricing"
	"ms-inventory/internal/reservation/db"
)

// SeatStore is the slice of the inventory ledger the allocator uses.
type SeatStore interface {
	EventByID(ctx context.Context, idb bun.IDB, id string) (*models.Event, error)
	CountFreeByEvent(ctx context.Context, idb bun.IDB, eventID string) (int, error)
	CategoryByID(ctx context.Context, idb bun.IDB, id string) (*models.Category, error)
	CategoriesByEvent(ctx context.Context, idb bun.IDB, eventID string) ([]models.Category, error)
	LockSeats(ctx context.Context, idb bun.IDB, eventID, categoryID string, count int, statuses []models.SeatStatus) ([]models.Seat, error)
	LockSeatsUpTo(ctx context.Context, idb bun.IDB, eventID, categoryID string, count int, statuses []models.SeatStatus) ([]models.Seat, error)
	AssignToReservation(ctx context.Context, idb bun.IDB, seatIDs []int64, reservationID string) error
	AssignCategory(ctx context.Context, idb bun.IDB, seatIDs []int64, categoryID string, priceCts int64, currency string) error
	AcquireByReservation(ctx context.Context, idb bun.IDB, reservationID string) error
	ReleaseByReservation(ctx context.Context, idb bun.IDB, reservationID string, unboundedCategoryIDs []string) error
	SeatsByReservation(ctx context.Context, idb bun.IDB, reservationID string) ([]models.Seat, error)
}

// TokenVault is the slice of the token service the allocator uses.
type TokenVault interface {
	RedeemCode(ctx context.Context, idb bun.IDB, code, reservationID string) (*models.SpecialPriceToken, error)
	ReserveAccessCodeTokens(ctx context.Context, idb bun.IDB, accessCodeID, categoryID string, n int, reservationID string) error
	ConfirmByReservation(ctx context.Context, idb bun.IDB, reservationID string) error
	ReleaseByReservation(ctx context.Context, idb bun.IDB, reservationID string) error
	ValidatePromo(ctx context.Context, eventID, code string) (*models.PromoCode, error)
	CheckAndIncrementUsage(ctx context.Context, idb bun.IDB, promoID string) error
	PromoCategories(ctx context.Context, promoID string) ([]string, error)
}

// SubscriptionHook lets the waiting list follow the lifecycle of
// reservations it sourced.
type SubscriptionHook interface {
	MarkAcquired(ctx context.Context, idb bun.IDB, subscriptionID, reservationID string) error
	MarkExpired(ctx context.Context, idb bun.IDB, subscriptionID string) error
}

// KafkaPublisher emits reservation lifecycle events. Publishing is
// fire-and-forget: a broker outage never rolls back an allocation.
type KafkaPublisher interface {
	PublishReservationCreated(r models.Reservation) error
	PublishReservationConfirmed(r models.Reservation) error
	PublishReservationCancelled(r models.Reservation) error
	PublishReservationExpired(r models.Reservation) error
}

type Service struct {
	Bun        *bun.DB
	DB         *db.DB
	Seats      SeatStore
	Tokens     TokenVault
	Subs       SubscriptionHook
	Kafka      KafkaPublisher
	Logger     *logger.Logger
	Clock      clock.Clock
	DefaultTTL time.Duration
}

func NewService(b *bun.DB, d *db.DB, seats SeatStore, tokens TokenVault, subs SubscriptionHook, kafka KafkaPublisher, log *logger.Logger, clk clock.Clock, ttl time.Duration) *Service {
	return &Service{
		Bun: b, DB: d, Seats: seats, Tokens: tokens, Subs: subs,
		Kafka: kafka, Logger: log, Clock: clk, DefaultTTL: ttl,
	}
}

// Line is one category request of a reservation. A TokenCode redeems a
// single special-price token and implies Quantity 1.
type Line struct {
	CategoryID string
	Quantity   int
	TokenCode  string
}

// Request is everything needed to allocate a reservation.
type Request struct {
	EventID              string
	Lines                []Line
	ServiceIDs           []string
	TTL                  time.Duration
	PromoCode            string
	AccessCode           string
	ForeignBusinessBuyer bool
	SubscriptionID       string
}

// CreateReservation claims seats and tokens for the request and prices
// the result. Everything happens in one transaction: on any shortfall
// the whole allocation rolls back and inventory is untouched.
func (s *Service) CreateReservation(ctx context.Context, req Request) (*models.Reservation, error) {
	now := s.Clock.Now()

	var total int
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("category %s: quantity must be positive", line.CategoryID)
		}
		if line.TokenCode != "" && line.Quantity != 1 {
			return nil, fmt.Errorf("category %s: a token code covers exactly one seat", line.CategoryID)
		}
		total += line.Quantity
	}
	if total == 0 {
		return nil, errors.New("empty reservation")
	}

	ev, err := s.Seats.EventByID(ctx, s.Bun, req.EventID)
	if err != nil {
		return nil, err
	}
	if ev.MaxTicketsPerReservation > 0 && total > ev.MaxTicketsPerReservation {
		return nil, fmt.Errorf("requested %d tickets, limit %d per reservation: %w",
			total, ev.MaxTicketsPerReservation, errs.ErrCapacityViolation)
	}

	// Cheap availability check before any row is locked; the claim
	// re-validates the exact counts under lock.
	free, err := s.Seats.CountFreeByEvent(ctx, s.Bun, req.EventID)
	if err != nil {
		return nil, err
	}
	if free < total {
		return nil, fmt.Errorf("event %s has %d allocatable seats, %d requested: %w",
			req.EventID, free, total, errs.ErrInsufficientInventory)
	}

	promo, accessCode, err := s.resolveCodes(ctx, req)
	if err != nil {
		return nil, err
	}
	if promo != nil {
		if err := s.checkPromoCategories(ctx, promo, req.Lines); err != nil {
			return nil, err
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.DefaultTTL
	}

	r := &models.Reservation{
		ID:               uuid.New().String(),
		EventID:          req.EventID,
		Status:           models.ReservationPending,
		ValidityDeadline: now.Add(ttl),
		Currency:         ev.Currency,
		VatStatus:        pricing.ResolveVatStatus(ev, req.ForeignBusinessBuyer),
		SubscriptionID:   req.SubscriptionID,
		CreatedAt:        now,
	}

	err = s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var lines []pricing.TicketLine
		for _, line := range req.Lines {
			cat, err := s.Seats.CategoryByID(ctx, tx, line.CategoryID)
			if err != nil {
				return err
			}
			if cat.EventID != req.EventID {
				return fmt.Errorf("category %s does not belong to event %s", cat.ID, req.EventID)
			}
			if !cat.OnSaleAt(now) {
				return fmt.Errorf("category %s: %w", cat.ID, errs.ErrSaleWindowClosed)
			}
			if err := s.claimAccess(ctx, tx, cat, line, accessCode, r.ID); err != nil {
				return err
			}
			if err := s.claimSeats(ctx, tx, cat, line.Quantity, r.ID); err != nil {
				return err
			}
			lines = append(lines, pricing.TicketLine{
				CategoryID:   cat.ID,
				UnitPriceCts: cat.PriceCts,
				Quantity:     line.Quantity,
			})
		}

		svcs, err := s.DB.ServicesForReservation(ctx, tx, req.EventID, req.ServiceIDs)
		if err != nil {
			return err
		}

		in := pricing.Input{
			Currency:  ev.Currency,
			VatRate:   ev.VatRate,
			VatStatus: r.VatStatus,
			Tickets:   lines,
			Services:  svcs,
		}
		if promo != nil {
			in.Discount = &pricing.Discount{
				Type:       promo.DiscountType,
				AmountCts:  promo.AmountCts,
				Percentage: promo.Percentage,
			}
			r.PromoCodeID = promo.ID
			r.DiscountApplied = true
		}
		priced, err := pricing.Price(in)
		if err != nil {
			return err
		}
		r.TotalCts = priced.TotalCts

		if err := s.DB.Insert(ctx, tx, r); err != nil {
			return err
		}
		return s.DB.InsertServiceItems(ctx, tx, serviceItems(r.ID, priced))
	})
	if err != nil {
		metrics.TrackAllocation(req.EventID, outcome(err))
		return nil, err
	}

	metrics.TrackAllocation(req.EventID, "success")
	s.Logger.LogAllocation("CREATE", r.ID, fmt.Sprintf("%d tickets, total %d %s", total, r.TotalCts, r.Currency))
	if s.Kafka != nil {
		if err := s.Kafka.PublishReservationCreated(*r); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("publish reservation created: %v", err))
		}
	}
	return r, nil
}

// ConfirmReservation finalizes payment: seats flip to ACQUIRED, tokens
// to TAKEN and the promo usage counter is bumped under row lock. A
// reservation already confirmed is a no-op. When the promo's last slot
// was taken by a concurrent confirmation, the reservation completes at
// the undiscounted price instead of failing the buyer's payment.
func (s *Service) ConfirmReservation(ctx context.Context, id string) (*models.Reservation, error) {
	now := s.Clock.Now()
	var confirmed *models.Reservation

	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		r, err := s.DB.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status == models.ReservationComplete {
			confirmed = r
			return nil
		}
		if r.Status != models.ReservationPending && r.Status != models.ReservationOfflinePayment {
			return fmt.Errorf("reservation %s is %s: %w", r.ID, r.Status, errs.ErrStaleReservation)
		}

		if r.DiscountApplied && r.PromoCodeID != "" {
			err := s.Tokens.CheckAndIncrementUsage(ctx, tx, r.PromoCodeID)
			switch {
			case errors.Is(err, errs.ErrCodeUsageExceeded):
				if err := s.repriceWithoutDiscount(ctx, tx, r); err != nil {
					return err
				}
			case err != nil:
				return err
			}
		}

		if err := s.Seats.AcquireByReservation(ctx, tx, r.ID); err != nil {
			return err
		}
		if err := s.Tokens.ConfirmByReservation(ctx, tx, r.ID); err != nil {
			return err
		}
		if r.SubscriptionID != "" && s.Subs != nil {
			if err := s.Subs.MarkAcquired(ctx, tx, r.SubscriptionID, r.ID); err != nil {
				return err
			}
		}

		r.Status = models.ReservationComplete
		r.ConfirmedAt = now
		if err := s.DB.Update(ctx, tx, r); err != nil {
			return err
		}
		confirmed = r
		return nil
	})
	if err != nil {
		metrics.TrackConfirmation("unknown", "failure")
		return nil, err
	}

	metrics.TrackConfirmation(confirmed.EventID, "success")
	s.Logger.LogAllocation("CONFIRM", confirmed.ID, fmt.Sprintf("total %d %s", confirmed.TotalCts, confirmed.Currency))
	if s.Kafka != nil {
		if err := s.Kafka.PublishReservationConfirmed(*confirmed); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("publish reservation confirmed: %v", err))
		}
	}
	return confirmed, nil
}

// MarkOfflinePayment parks a pending reservation for an out-of-band
// payment, extending its deadline to the offline window. The sweeper
// never releases these; past the deadline they go STUCK instead.
func (s *Service) MarkOfflinePayment(ctx context.Context, id string, deadline time.Time) error {
	return s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		r, err := s.DB.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != models.ReservationPending {
			return fmt.Errorf("reservation %s is %s: %w", r.ID, r.Status, errs.ErrStaleReservation)
		}
		r.Status = models.ReservationOfflinePayment
		r.ValidityDeadline = deadline
		return s.DB.Update(ctx, tx, r)
	})
}

// CancelReservation releases everything the reservation holds. Seats
// and tokens return to the status they had before allocation; seats
// drawn into an unbounded category go back to the shared pool.
// Cancelling twice is a no-op.
func (s *Service) CancelReservation(ctx context.Context, id string) error {
	var cancelled *models.Reservation
	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		r, err := s.DB.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status == models.ReservationCancelled {
			return nil
		}
		if r.Terminal() {
			return fmt.Errorf("reservation %s is %s: %w", r.ID, r.Status, errs.ErrStaleReservation)
		}
		if err := s.release(ctx, tx, r); err != nil {
			return err
		}
		r.Status = models.ReservationCancelled
		if err := s.DB.Update(ctx, tx, r); err != nil {
			return err
		}
		cancelled = r
		return nil
	})
	if err != nil || cancelled == nil {
		return err
	}

	s.Logger.LogAllocation("CANCEL", cancelled.ID, "released")
	if s.Kafka != nil {
		if err := s.Kafka.PublishReservationCancelled(*cancelled); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("publish reservation cancelled: %v", err))
		}
	}
	return nil
}

// ExpireReservation is the sweeper's entry point. The deadline is
// re-checked under row lock: a reservation confirmed or extended after
// the sweep scan is left alone.
func (s *Service) ExpireReservation(ctx context.Context, id string) error {
	now := s.Clock.Now()
	var expired *models.Reservation
	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		r, err := s.DB.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != models.ReservationPending || r.ValidityDeadline.After(now) {
			return nil
		}
		if err := s.release(ctx, tx, r); err != nil {
			return err
		}
		r.Status = models.ReservationCancelled
		if err := s.DB.Update(ctx, tx, r); err != nil {
			return err
		}
		expired = r
		return nil
	})
	if err != nil || expired == nil {
		return err
	}

	metrics.TrackExpiration(expired.EventID)
	s.Logger.LogAllocation("EXPIRE", expired.ID, "deadline passed, released")
	if s.Kafka != nil {
		if err := s.Kafka.PublishReservationExpired(*expired); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("publish reservation expired: %v", err))
		}
	}
	return nil
}

// MarkStuck parks an overdue offline-payment reservation for manual
// review without touching its seats.
func (s *Service) MarkStuck(ctx context.Context, id string) error {
	now := s.Clock.Now()
	var stuck *models.Reservation
	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		r, err := s.DB.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != models.ReservationOfflinePayment || r.ValidityDeadline.After(now) {
			return nil
		}
		r.Status = models.ReservationStuck
		if err := s.DB.Update(ctx, tx, r); err != nil {
			return err
		}
		stuck = r
		return nil
	})
	if err != nil || stuck == nil {
		return err
	}
	metrics.TrackStuck(stuck.EventID)
	s.Logger.LogAllocation("STUCK", stuck.ID, "offline payment overdue")
	return nil
}

func (s *Service) ReservationByID(ctx context.Context, id string) (*models.Reservation, error) {
	return s.DB.ByID(ctx, s.Bun, id)
}

// resolveCodes validates the request's promo and access codes before
// the allocation transaction opens.
func (s *Service) resolveCodes(ctx context.Context, req Request) (promo, accessCode *models.PromoCode, err error) {
	if req.PromoCode != "" {
		promo, err = s.Tokens.ValidatePromo(ctx, req.EventID, req.PromoCode)
		if err != nil {
			return nil, nil, err
		}
		if promo.AccessCode() {
			return nil, nil, fmt.Errorf("code %s grants access, not a discount: %w", req.PromoCode, errs.ErrCodeNotFound)
		}
	}
	if req.AccessCode != "" {
		accessCode, err = s.Tokens.ValidatePromo(ctx, req.EventID, req.AccessCode)
		if err != nil {
			return nil, nil, err
		}
		if !accessCode.AccessCode() {
			return nil, nil, fmt.Errorf("code %s is not an access code: %w", req.AccessCode, errs.ErrCodeNotFound)
		}
	}
	return promo, accessCode, nil
}

// checkPromoCategories rejects a category-restricted discount applied
// to lines outside its categories. The discount is all-or-nothing per
// reservation.
func (s *Service) checkPromoCategories(ctx context.Context, promo *models.PromoCode, lines []Line) error {
	allowed, err := s.Tokens.PromoCategories(ctx, promo.ID)
	if err != nil {
		return err
	}
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	for _, line := range lines {
		if !set[line.CategoryID] {
			return fmt.Errorf("code %s not valid for category %s: %w", promo.Code, line.CategoryID, errs.ErrCodeNotFound)
		}
	}
	return nil
}

// claimAccess consumes whatever credential a restricted category
// demands: a single special-price token or an access-code allotment.
func (s *Service) claimAccess(ctx context.Context, tx bun.Tx, cat *models.Category, line Line, accessCode *models.PromoCode, reservationID string) error {
	if !cat.AccessRestricted {
		if line.TokenCode != "" {
			return fmt.Errorf("category %s is not access restricted: %w", cat.ID, errs.ErrCodeNotFound)
		}
		return nil
	}
	if line.TokenCode != "" {
		tok, err := s.Tokens.RedeemCode(ctx, tx, line.TokenCode, reservationID)
		if err != nil {
			return err
		}
		if tok.CategoryID != cat.ID {
			return fmt.Errorf("token not valid for category %s: %w", cat.ID, errs.ErrCodeNotFound)
		}
		return nil
	}
	if accessCode != nil {
		return s.Tokens.ReserveAccessCodeTokens(ctx, tx, accessCode.ID, cat.ID, line.Quantity, reservationID)
	}
	return fmt.Errorf("category %s requires an access credential: %w", cat.ID, errs.ErrCodeNotFound)
}

// claimSeats locks the line's seats. Bounded categories must satisfy
// the full quantity from their own slice; unbounded ones take what the
// category holds and draw the exact remainder from the shared pool.
func (s *Service) claimSeats(ctx context.Context, tx bun.Tx, cat *models.Category, quantity int, reservationID string) error {
	var ids []int64
	if cat.Bounded {
		seats, err := s.Seats.LockSeats(ctx, tx, cat.EventID, cat.ID, quantity, models.AllocatableStatuses())
		if err != nil {
			return err
		}
		ids = seatIDs(seats)
	} else {
		owned, err := s.Seats.LockSeatsUpTo(ctx, tx, cat.EventID, cat.ID, quantity, models.AllocatableStatuses())
		if err != nil {
			return err
		}
		ids = seatIDs(owned)
		if rest := quantity - len(owned); rest > 0 {
			pool, err := s.Seats.LockSeats(ctx, tx, cat.EventID, "", rest, models.AllocatableStatuses())
			if err != nil {
				return err
			}
			poolIDs := seatIDs(pool)
			if err := s.Seats.AssignCategory(ctx, tx, poolIDs, cat.ID, cat.PriceCts, cat.Currency); err != nil {
				return err
			}
			ids = append(ids, poolIDs...)
		}
	}
	return s.Seats.AssignToReservation(ctx, tx, ids, reservationID)
}

// repriceWithoutDiscount recomputes the reservation total from its
// allocated seats after the promo turned out to be exhausted.
func (s *Service) repriceWithoutDiscount(ctx context.Context, tx bun.Tx, r *models.Reservation) error {
	ev, err := s.Seats.EventByID(ctx, tx, r.EventID)
	if err != nil {
		return err
	}
	seats, err := s.Seats.SeatsByReservation(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	items, err := s.DB.ServiceItemsByReservation(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	svcIDs := make([]string, len(items))
	for i, item := range items {
		svcIDs[i] = item.ServiceID
	}
	svcs, err := s.DB.ServicesByIDs(ctx, tx, svcIDs)
	if err != nil {
		return err
	}

	priced, err := pricing.Price(pricing.Input{
		Currency:  r.Currency,
		VatRate:   ev.VatRate,
		VatStatus: r.VatStatus,
		Tickets:   ticketLines(seats),
		Services:  svcs,
	})
	if err != nil {
		return err
	}

	if err := s.DB.DeleteServiceItems(ctx, tx, r.ID); err != nil {
		return err
	}
	if err := s.DB.InsertServiceItems(ctx, tx, serviceItems(r.ID, priced)); err != nil {
		return err
	}
	r.TotalCts = priced.TotalCts
	r.DiscountApplied = false
	s.Logger.LogAllocation("REPRICE", r.ID, "promo exhausted, discount dropped")
	return nil
}

func (s *Service) release(ctx context.Context, tx bun.Tx, r *models.Reservation) error {
	cats, err := s.Seats.CategoriesByEvent(ctx, tx, r.EventID)
	if err != nil {
		return err
	}
	var unbounded []string
	for _, cat := range cats {
		if !cat.Bounded {
			unbounded = append(unbounded, cat.ID)
		}
	}
	if err := s.Seats.ReleaseByReservation(ctx, tx, r.ID, unbounded); err != nil {
		return err
	}
	if err := s.Tokens.ReleaseByReservation(ctx, tx, r.ID); err != nil {
		return err
	}
	if r.SubscriptionID != "" && s.Subs != nil {
		return s.Subs.MarkExpired(ctx, tx, r.SubscriptionID)
	}
	return nil
}

// ticketLines groups seats by category and unit price into pricing
// lines.
func ticketLines(seats []models.Seat) []pricing.TicketLine {
	type key struct {
		cat   string
		price int64
	}
	idx := make(map[key]int)
	var lines []pricing.TicketLine
	for _, seat := range seats {
		k := key{seat.CategoryID, seat.PriceCts}
		if i, ok := idx[k]; ok {
			lines[i].Quantity++
			continue
		}
		idx[k] = len(lines)
		lines = append(lines, pricing.TicketLine{CategoryID: seat.CategoryID, UnitPriceCts: seat.PriceCts, Quantity: 1})
	}
	return lines
}

func serviceItems(reservationID string, priced *pricing.Total) []models.ReservationServiceItem {
	items := make([]models.ReservationServiceItem, len(priced.Services))
	for i, sp := range priced.Services {
		items[i] = models.ReservationServiceItem{
			ReservationID: reservationID,
			ServiceID:     sp.ServiceID,
			NetCts:        sp.NetCts,
			VatCts:        sp.VatCts,
			VatStatus:     sp.VatStatus,
		}
	}
	return items
}

func seatIDs(seats []models.Seat) []int64 {
	ids := make([]int64, len(seats))
	for i, seat := range seats {
		ids[i] = seat.ID
	}
	return ids
}

func outcome(err error) string {
	switch {
	case errors.Is(err, errs.ErrInsufficientInventory):
		return "sold_out"
	case errors.Is(err, errs.ErrCodeNotFound), errors.Is(err, errs.ErrCodeExpired), errors.Is(err, errs.ErrCodeUsageExceeded):
		return "bad_code"
	case errors.Is(err, errs.ErrSaleWindowClosed):
		return "not_on_sale"
	default:
		return "error"
	}
}
