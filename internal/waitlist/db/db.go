// Package db is the waiting-list repository. The subscription
// timestamp plus the row id define the FIFO serving order.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-inventory/internal/errs"
	"ms-inventory/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func New(b *bun.DB) *DB { return &DB{Bun: b} }

// Insert adds a subscription, rejecting an email already waiting or
// holding an open offer for the same event.
func (d *DB) Insert(ctx context.Context, idb bun.IDB, sub *models.WaitingSubscription) error {
	n, err := idb.NewSelect().Model((*models.WaitingSubscription)(nil)).
		Where("event_id = ?", sub.EventID).
		Where("email = ?", sub.Email).
		Where("status IN (?)", bun.In([]models.SubscriptionStatus{models.SubscriptionWaiting, models.SubscriptionPending})).
		Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("email %s already subscribed to event %s: %w", sub.Email, sub.EventID, errs.ErrDuplicateMember)
	}
	_, err = idb.NewInsert().Model(sub).Exec(ctx)
	return err
}

// WaitingFIFO returns up to limit WAITING subscribers in arrival
// order. Distribution passes are serialized by the distributor's pass
// lease, not here; an offer flips the row to PENDING so a later pass
// never sees it again.
func (d *DB) WaitingFIFO(ctx context.Context, idb bun.IDB, eventID string, limit int) ([]models.WaitingSubscription, error) {
	var subs []models.WaitingSubscription
	err := idb.NewSelect().Model(&subs).
		Where("event_id = ?", eventID).
		Where("status = ?", models.SubscriptionWaiting).
		Order("subscribed_at ASC", "id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return subs, nil
}

func (d *DB) ByID(ctx context.Context, idb bun.IDB, id string) (*models.WaitingSubscription, error) {
	var sub models.WaitingSubscription
	err := idb.NewSelect().Model(&sub).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", id, err)
	}
	return &sub, nil
}

// MarkOffered records the draft reservation an offer created.
func (d *DB) MarkOffered(ctx context.Context, idb bun.IDB, id, reservationID string, offerExpiry time.Time) error {
	_, err := idb.NewUpdate().Model((*models.WaitingSubscription)(nil)).
		Set("status = ?", models.SubscriptionPending).
		Set("reservation_id = ?", reservationID).
		Set("offer_expiry = ?", offerExpiry).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) MarkAcquired(ctx context.Context, idb bun.IDB, id, reservationID string) error {
	_, err := idb.NewUpdate().Model((*models.WaitingSubscription)(nil)).
		Set("status = ?", models.SubscriptionAcquired).
		Set("reservation_id = ?", reservationID).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) MarkExpired(ctx context.Context, idb bun.IDB, id string) error {
	_, err := idb.NewUpdate().Model((*models.WaitingSubscription)(nil)).
		Set("status = ?", models.SubscriptionExpired).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// EventsWithWaiting lists the events that currently have someone
// waiting, so the distributor only visits lists with work to do.
func (d *DB) EventsWithWaiting(ctx context.Context, idb bun.IDB) ([]string, error) {
	var ids []string
	err := idb.NewSelect().Model((*models.WaitingSubscription)(nil)).
		ColumnExpr("DISTINCT event_id").
		Where("status = ?", models.SubscriptionWaiting).
		Scan(ctx, &ids)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return ids, nil
}

func (d *DB) CountWaiting(ctx context.Context, idb bun.IDB, eventID string) (int, error) {
	return idb.NewSelect().Model((*models.WaitingSubscription)(nil)).
		Where("event_id = ?", eventID).
		Where("status = ?", models.SubscriptionWaiting).
		Count(ctx)
}
