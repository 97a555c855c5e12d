package models

import (
	"github.com/uptrace/bun"
)

type ServicePolicy string

const (
	ServiceFixedPrice            ServicePolicy = "FIXED_PRICE"
	ServicePercentageForTicket   ServicePolicy = "MANDATORY_PERCENTAGE_FOR_TICKET"
	ServicePercentageReservation ServicePolicy = "MANDATORY_PERCENTAGE_RESERVATION"
)

type ServiceVatType string

const (
	ServiceVatInherited ServiceVatType = "INHERITED"
	ServiceVatNone      ServiceVatType = "NONE"
	ServiceVatCustom    ServiceVatType = "CUSTOM"
)

// AdditionalService is a supplement sold alongside tickets: a fixed fee or
// a percentage of the ticket/reservation amount, optionally clamped.
// MinCts/MaxCts of zero mean no clamp on that side.
type AdditionalService struct {
	bun.BaseModel `bun:"table:additional_services"`

	ID         string         `bun:"id,pk"`
	EventID    string         `bun:"event_id,notnull"`
	Name       string         `bun:"name,notnull"`
	Policy     ServicePolicy  `bun:"policy,notnull"`
	AmountCts  int64          `bun:"amount_cts"`
	Percentage string         `bun:"percentage,nullzero"` // e.g. "10" or "2.5"
	MinCts     int64          `bun:"min_cts"`
	MaxCts     int64          `bun:"max_cts"`
	VatType    ServiceVatType `bun:"vat_type,notnull"`
	VatRate    string         `bun:"vat_rate,nullzero"` // only for CUSTOM
}
