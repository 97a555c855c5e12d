package models

import (
	"github.com/uptrace/bun"
)

type SeatStatus string

const (
	SeatFree        SeatStatus = "FREE"
	SeatReleased    SeatStatus = "RELEASED"
	SeatPreReserved SeatStatus = "PRE_RESERVED"
	SeatPending     SeatStatus = "PENDING"
	SeatAcquired    SeatStatus = "ACQUIRED"
	SeatCheckedIn   SeatStatus = "CHECKED_IN"
	SeatCancelled   SeatStatus = "CANCELLED"
	SeatCreditNote  SeatStatus = "CREDIT_NOTE"
)

// Seat is a single sellable slot. Seats are created once at event
// generation time and only ever change status; a seat with an empty
// category id belongs to the event's unbounded pool. The integer
// primary key doubles as the global lock acquisition order.
type Seat struct {
	bun.BaseModel `bun:"table:seats"`

	ID            int64      `bun:"id,pk,autoincrement"`
	EventID       string     `bun:"event_id,notnull"`
	CategoryID    string     `bun:"category_id,nullzero"`
	ReservationID string     `bun:"reservation_id,nullzero"`
	Status        SeatStatus `bun:"status,notnull"`
	OriginStatus  SeatStatus `bun:"origin_status,nullzero"`
	PriceCts      int64      `bun:"price_cts,notnull"`
	Currency      string     `bun:"currency,notnull"`
}

// AllocatableStatuses are the seat states a new reservation may draw from.
func AllocatableStatuses() []SeatStatus {
	return []SeatStatus{SeatFree, SeatReleased}
}
