package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID                       string    `bun:"id,pk"`
	Name                     string    `bun:"name,notnull"`
	Currency                 string    `bun:"currency,notnull"`
	TotalSeats               int       `bun:"total_seats,notnull"`
	VatRate                  string    `bun:"vat_rate,notnull"` // percentage, e.g. "10" or "7.5"
	VatIncluded              bool      `bun:"vat_included"`
	ApplyVatForeignBusiness  bool      `bun:"apply_vat_foreign_business"`
	MaxTicketsPerReservation int       `bun:"max_tickets_per_reservation"`
	StartDate                time.Time `bun:"start_date,notnull"`
	EndDate                  time.Time `bun:"end_date,notnull"`
	CreatedAt                time.Time `bun:"created_at,notnull"`
}
