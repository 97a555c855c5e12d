// Package waitlist runs the event waiting list: FIFO intake and the
// distributor that turns freed seats into short-lived offers.
package waitlist

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
	"ms-inventory/internal/reservation"
	"ms-inventory/internal/waitlist/db"
)

// Allocator is the reservation side the distributor books offers
// through. Offers go through the exact same allocation path as buyer
// reservations, locks and all.
type Allocator interface {
	CreateReservation(ctx context.Context, req reservation.Request) (*models.Reservation, error)
}

// CategorySource lists an event's categories in serving order.
type CategorySource interface {
	CategoriesByEvent(ctx context.Context, idb bun.IDB, eventID string) ([]models.Category, error)
}

// KafkaPublisher announces offers so the notification service can mail
// the subscriber.
type KafkaPublisher interface {
	PublishWaitlistOffer(sub models.WaitingSubscription, r models.Reservation) error
}

type Service struct {
	Bun        *bun.DB
	DB         *db.DB
	Categories CategorySource
	Allocator  Allocator
	Kafka      KafkaPublisher
	Logger     *logger.Logger
	Clock      clock.Clock
	OfferTTL   time.Duration
}

func NewService(b *bun.DB, d *db.DB, cats CategorySource, alloc Allocator, kafka KafkaPublisher, log *logger.Logger, clk clock.Clock, offerTTL time.Duration) *Service {
	return &Service{
		Bun: b, DB: d, Categories: cats, Allocator: alloc,
		Kafka: kafka, Logger: log, Clock: clk, OfferTTL: offerTTL,
	}
}

// Subscribe appends an email to the event's waiting list.
func (s *Service) Subscribe(ctx context.Context, eventID, email string) (*models.WaitingSubscription, error) {
	sub := &models.WaitingSubscription{
		ID:           uuid.New().String(),
		EventID:      eventID,
		Email:        email,
		Status:       models.SubscriptionWaiting,
		SubscribedAt: s.Clock.Now(),
	}
	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return s.DB.Insert(ctx, tx, sub)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.LogWaitlist("SUBSCRIBE", eventID, email)
	return sub, nil
}

// Distribute serves the event's waiting list in FIFO order: one seat
// per subscriber, categories tried in display order. It stops when the
// list is drained or no category can yield a seat, and returns the
// number of offers made.
func (s *Service) Distribute(ctx context.Context, eventID string) (int, error) {
	subs, err := s.DB.WaitingFIFO(ctx, s.Bun, eventID, 100)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	cats, err := s.Categories.CategoriesByEvent(ctx, s.Bun, eventID)
	if err != nil {
		return 0, err
	}
	now := s.Clock.Now()
	var open []models.Category
	for _, cat := range cats {
		if cat.OnSaleAt(now) && !cat.AccessRestricted {
			open = append(open, cat)
		}
	}

	offers := 0
	for _, sub := range subs {
		r, err := s.offerSeat(ctx, sub, open)
		if errors.Is(err, errs.ErrInsufficientInventory) {
			// Nothing left for this subscriber means nothing left for
			// anyone behind them either.
			break
		}
		if err != nil {
			s.Logger.Error("WAITLIST", fmt.Sprintf("offer to %s: %v", sub.Email, err))
			continue
		}
		if err := s.DB.MarkOffered(ctx, s.Bun, sub.ID, r.ID, r.ValidityDeadline); err != nil {
			return offers, err
		}
		offers++
		metrics.TrackWaitlistOffer(eventID)
		s.Logger.LogWaitlist("OFFER", eventID, fmt.Sprintf("%s -> reservation %s", sub.Email, r.ID))
		if s.Kafka != nil {
			if err := s.Kafka.PublishWaitlistOffer(sub, *r); err != nil {
				s.Logger.Error("KAFKA", fmt.Sprintf("publish waitlist offer: %v", err))
			}
		}
	}
	return offers, nil
}

// offerSeat books one seat for the subscriber, trying categories in
// order until one has inventory.
func (s *Service) offerSeat(ctx context.Context, sub models.WaitingSubscription, cats []models.Category) (*models.Reservation, error) {
	for _, cat := range cats {
		r, err := s.Allocator.CreateReservation(ctx, reservation.Request{
			EventID:        sub.EventID,
			Lines:          []reservation.Line{{CategoryID: cat.ID, Quantity: 1}},
			TTL:            s.OfferTTL,
			SubscriptionID: sub.ID,
		})
		if errors.Is(err, errs.ErrInsufficientInventory) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, errs.ErrInsufficientInventory
}

// PassLock serializes distribution passes across worker replicas.
type PassLock interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// Run distributes on every tick until the context is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration, lock PassLock) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.LogProcess("DISTRIBUTOR", fmt.Sprintf("started, interval %s", interval))
	for {
		select {
		case <-ctx.Done():
			s.Logger.LogProcess("DISTRIBUTOR", "stopped")
			return
		case <-ticker.C:
			if err := s.distributeAll(ctx, lock); err != nil {
				s.Logger.Error("WAITLIST", fmt.Sprintf("distribution pass failed: %v", err))
			}
		}
	}
}

func (s *Service) distributeAll(ctx context.Context, lock PassLock) error {
	if lock != nil {
		ok, err := lock.Acquire(ctx, "distribute")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := lock.Release(ctx, "distribute"); err != nil {
				s.Logger.Error("WAITLIST", fmt.Sprintf("release pass lock: %v", err))
			}
		}()
	}

	events, err := s.DB.EventsWithWaiting(ctx, s.Bun)
	if err != nil {
		return err
	}
	for _, eventID := range events {
		if _, err := s.Distribute(ctx, eventID); err != nil {
			s.Logger.Error("WAITLIST", fmt.Sprintf("distribute event %s: %v", eventID, err))
		}
	}
	return nil
}

// MarkAcquired and MarkExpired let the allocator report the outcome of
// an offer-backed reservation inside its own transaction.

func (s *Service) MarkAcquired(ctx context.Context, idb bun.IDB, subscriptionID, reservationID string) error {
	return s.DB.MarkAcquired(ctx, idb, subscriptionID, reservationID)
}

func (s *Service) MarkExpired(ctx context.Context, idb bun.IDB, subscriptionID string) error {
	return s.DB.MarkExpired(ctx, idb, subscriptionID)
}
