package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Category groups seats of an event under one price and sale window.
// A bounded category owns a fixed slice of the event's seats; an
// unbounded one draws from the shared leftover pool at allocation time.
type Category struct {
	bun.BaseModel `bun:"table:categories"`

	ID               string    `bun:"id,pk"`
	EventID          string    `bun:"event_id,notnull"`
	Name             string    `bun:"name,notnull"`
	MaxTickets       int       `bun:"max_tickets,notnull"`
	Bounded          bool      `bun:"bounded"`
	PriceCts         int64     `bun:"price_cts,notnull"`
	Currency         string    `bun:"currency,notnull"`
	AccessRestricted bool      `bun:"access_restricted"`
	ValidFrom        time.Time `bun:"valid_from,notnull"`
	ValidTo          time.Time `bun:"valid_to,notnull"`
	Ordinal          int       `bun:"ordinal"`
}

// OnSaleAt reports whether the category sale window covers the given instant.
func (c *Category) OnSaleAt(now time.Time) bool {
	return !now.Before(c.ValidFrom) && !now.After(c.ValidTo)
}
