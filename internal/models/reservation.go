package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationPending        ReservationStatus = "PENDING"
	ReservationComplete       ReservationStatus = "COMPLETE"
	ReservationOfflinePayment ReservationStatus = "OFFLINE_PAYMENT"
	ReservationStuck          ReservationStatus = "STUCK"
	ReservationCancelled      ReservationStatus = "CANCELLED"
	ReservationCreditNote     ReservationStatus = "CREDIT_NOTE"
)

type VatStatus string

const (
	VatIncluded          VatStatus = "INCLUDED"
	VatNotIncluded       VatStatus = "NOT_INCLUDED"
	VatIncludedExempt    VatStatus = "INCLUDED_EXEMPT"
	VatNotIncludedExempt VatStatus = "NOT_INCLUDED_EXEMPT"
)

// Exempt reports whether reverse charge applies, i.e. the engine records
// zero output VAT for the reservation.
func (v VatStatus) Exempt() bool {
	return v == VatIncludedExempt || v == VatNotIncludedExempt
}

type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID               string            `bun:"id,pk"`
	EventID          string            `bun:"event_id,notnull"`
	Status           ReservationStatus `bun:"status,notnull"`
	ValidityDeadline time.Time         `bun:"validity_deadline,notnull"`
	Currency         string            `bun:"currency,notnull"`
	VatStatus        VatStatus         `bun:"vat_status,notnull"`
	PromoCodeID      string            `bun:"promo_code_id,nullzero"`
	DiscountApplied  bool              `bun:"discount_applied"`
	SubscriptionID   string            `bun:"subscription_id,nullzero"`
	TotalCts         int64             `bun:"total_cts"`
	CreatedAt        time.Time         `bun:"created_at,notnull"`
	ConfirmedAt      time.Time         `bun:"confirmed_at,nullzero"`
}

// Terminal reports whether the reservation can no longer change state.
func (r *Reservation) Terminal() bool {
	switch r.Status {
	case ReservationComplete, ReservationCancelled, ReservationCreditNote:
		return true
	}
	return false
}

// ReservationServiceItem is the price snapshot of one additional service
// attached to a reservation at allocation time.
type ReservationServiceItem struct {
	bun.BaseModel `bun:"table:reservation_service_items"`

	ID            int64     `bun:"id,pk,autoincrement"`
	ReservationID string    `bun:"reservation_id,notnull"`
	ServiceID     string    `bun:"service_id,notnull"`
	NetCts        int64     `bun:"net_cts,notnull"`
	VatCts        int64     `bun:"vat_cts,notnull"`
	VatStatus     VatStatus `bun:"vat_status,notnull"`
}
