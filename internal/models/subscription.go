package models

import (
	"time"

	"github.com/uptrace/bun"
)

type SubscriptionStatus string

const (
	SubscriptionWaiting  SubscriptionStatus = "WAITING"
	SubscriptionPending  SubscriptionStatus = "PENDING"
	SubscriptionAcquired SubscriptionStatus = "ACQUIRED"
	SubscriptionExpired  SubscriptionStatus = "EXPIRED"
)

// WaitingSubscription is one entry of an event's waiting list. The
// subscription timestamp defines the FIFO serving order; once an offer is
// made the draft reservation id is recorded here.
type WaitingSubscription struct {
	bun.BaseModel `bun:"table:waiting_subscriptions"`

	ID            string             `bun:"id,pk"`
	EventID       string             `bun:"event_id,notnull"`
	Email         string             `bun:"email,notnull"`
	Status        SubscriptionStatus `bun:"status,notnull"`
	SubscribedAt  time.Time          `bun:"subscribed_at,notnull"`
	ReservationID string             `bun:"reservation_id,nullzero"`
	OfferExpiry   time.Time          `bun:"offer_expiry,nullzero"`
}
