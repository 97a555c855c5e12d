package models

import (
	"time"

	"github.com/uptrace/bun"
)

type DiscountType string

const (
	DiscountPercentage  DiscountType = "PERCENTAGE"
	DiscountFixedAmount DiscountType = "FIXED_AMOUNT"
	// DiscountNone marks an access code: it unlocks a restricted
	// category's tokens without touching the price.
	DiscountNone DiscountType = "NONE"
)

type PromoCode struct {
	bun.BaseModel `bun:"table:promo_codes"`

	ID           string       `bun:"id,pk"`
	EventID      string       `bun:"event_id,notnull"`
	Code         string       `bun:"code,notnull"`
	DiscountType DiscountType `bun:"discount_type,notnull"`
	AmountCts    int64        `bun:"amount_cts"`
	Percentage   string       `bun:"percentage,nullzero"` // e.g. "20" for 20% off
	UsageLimit   int          `bun:"usage_limit"`         // 0 = unlimited
	Usage        int          `bun:"usage,notnull"`
	ValidFrom    time.Time    `bun:"valid_from,notnull"`
	ValidTo      time.Time    `bun:"valid_to,notnull"`
}

// ValidAt reports whether the code window covers the given instant.
func (p *PromoCode) ValidAt(now time.Time) bool {
	return !now.Before(p.ValidFrom) && !now.After(p.ValidTo)
}

// AccessCode reports whether the code only grants access to restricted
// categories instead of discounting the price.
func (p *PromoCode) AccessCode() bool {
	return p.DiscountType == DiscountNone
}

// PromoCodeCategory restricts a promo code to a category. A code with no
// rows here applies to every category of its event.
type PromoCodeCategory struct {
	bun.BaseModel `bun:"table:promo_code_categories"`

	PromoCodeID string `bun:"promo_code_id,pk"`
	CategoryID  string `bun:"category_id,pk"`
}
