// Package pricing computes reservation totals: VAT-inclusive and
// exclusive prices, reverse-charge handling and percentage-based
// supplement fees. All money flows through the engine in minor units
// (integer cents); decimal arithmetic only happens inside a single
// pricing call and never leaks out. The engine is pure: the same input
// always yields the same totals, so a price shown before payment can be
// re-verified at payment time.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ms-inventory/internal/models"
)

// vatScale is the number of fractional digits kept on intermediate
// VAT-rate divisions. Divisions round UP at this scale while final cent
// conversions round HALF_UP; the two policies are intentionally
// distinct and must not be unified.
const vatScale = 10

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// TicketLine is one category line of a reservation: Quantity seats at
// the same unit price.
type TicketLine struct {
	CategoryID   string
	UnitPriceCts int64
	Quantity     int
}

// Discount is the price effect of a promo code. Access codes (type
// NONE) never reach the engine.
type Discount struct {
	Type       models.DiscountType
	AmountCts  int64
	Percentage string
}

// Input is everything the engine needs to price a reservation.
type Input struct {
	Currency  string
	VatRate   string
	VatStatus models.VatStatus
	Tickets   []TicketLine
	Services  []models.AdditionalService
	Discount  *Discount
}

// ItemPrice is the priced form of a single ticket or fee.
type ItemPrice struct {
	NetCts     int64
	VatCts     int64
	ChargedCts int64
}

// ServicePrice is the snapshot of one additional service after pricing.
type ServicePrice struct {
	ServiceID string
	NetCts    int64
	VatCts    int64
	VatStatus models.VatStatus
	Charged   int64
}

// Total is the full price breakdown of a reservation.
type Total struct {
	Currency      string
	TicketNetCts  int64
	TicketVatCts  int64
	ServiceNetCts int64
	ServiceVatCts int64
	DiscountCts   int64
	TotalCts      int64
	Services      []ServicePrice
}

// ResolveVatStatus maps the event configuration and the buyer profile to
// the reservation's VAT status. A foreign VAT-registered business buyer
// is exempt (reverse charge) unless the event is configured to apply
// VAT to foreign businesses anyway.
func ResolveVatStatus(ev *models.Event, foreignBusinessBuyer bool) models.VatStatus {
	exempt := foreignBusinessBuyer && !ev.ApplyVatForeignBusiness
	if ev.VatIncluded {
		if exempt {
			return models.VatIncludedExempt
		}
		return models.VatIncluded
	}
	if exempt {
		return models.VatNotIncludedExempt
	}
	return models.VatNotIncluded
}

// Price computes the total for the given reservation state.
func Price(in Input) (*Total, error) {
	rate, err := parseRate(in.VatRate)
	if err != nil {
		return nil, fmt.Errorf("vat rate %q: %w", in.VatRate, err)
	}

	total := &Total{Currency: in.Currency}

	// Percentage discounts lower each ticket's unit price before any VAT
	// math; the discounted price is what gets taxed. Fixed-amount
	// discounts come off the final total instead.
	lines := make([]TicketLine, len(in.Tickets))
	copy(lines, in.Tickets)
	if in.Discount != nil && in.Discount.Type == models.DiscountPercentage {
		pct, err := parseRate(in.Discount.Percentage)
		if err != nil {
			return nil, fmt.Errorf("discount percentage %q: %w", in.Discount.Percentage, err)
		}
		for i := range lines {
			off := toCents(centsToUnits(lines[i].UnitPriceCts).Mul(pct).Div(hundred))
			if off > lines[i].UnitPriceCts {
				off = lines[i].UnitPriceCts
			}
			lines[i].UnitPriceCts -= off
			total.DiscountCts += off * int64(lines[i].Quantity)
		}
	}

	// Price every ticket and collect the per-ticket taxable bases the
	// percentage fees are computed against.
	var ticketCharged int64
	var bases []decimal.Decimal
	for _, line := range lines {
		item := priceItem(line.UnitPriceCts, rate, in.VatStatus)
		for i := 0; i < line.Quantity; i++ {
			total.TicketNetCts += item.NetCts
			total.TicketVatCts += item.VatCts
			ticketCharged += item.ChargedCts
			bases = append(bases, taxableBase(line.UnitPriceCts, item, in.VatStatus))
		}
	}

	// Additional services, after the tickets they derive from.
	var serviceCharged int64
	for _, svc := range in.Services {
		sp, err := priceService(svc, bases, rate, in.VatStatus)
		if err != nil {
			return nil, err
		}
		total.ServiceNetCts += sp.NetCts
		total.ServiceVatCts += sp.VatCts
		serviceCharged += sp.Charged
		total.Services = append(total.Services, *sp)
	}

	total.TotalCts = ticketCharged + serviceCharged

	if in.Discount != nil && in.Discount.Type == models.DiscountFixedAmount {
		off := in.Discount.AmountCts
		if off > total.TotalCts {
			off = total.TotalCts
		}
		total.DiscountCts += off
		total.TotalCts -= off
	}

	return total, nil
}

// priceItem applies the VAT status to a single amount in cents. Under
// reverse charge the buyer pays the net and zero output VAT is recorded.
func priceItem(priceCts int64, rate decimal.Decimal, st models.VatStatus) ItemPrice {
	gross := centsToUnits(priceCts)
	switch st {
	case models.VatIncluded, models.VatIncludedExempt:
		vatCts := extractVatCts(gross, rate)
		net := priceCts - vatCts
		if st.Exempt() {
			return ItemPrice{NetCts: net, VatCts: 0, ChargedCts: net}
		}
		return ItemPrice{NetCts: net, VatCts: vatCts, ChargedCts: priceCts}
	default:
		if st.Exempt() {
			return ItemPrice{NetCts: priceCts, VatCts: 0, ChargedCts: priceCts}
		}
		vatCts := toCents(gross.Mul(rate).Div(hundred))
		return ItemPrice{NetCts: priceCts, VatCts: vatCts, ChargedCts: priceCts + vatCts}
	}
}

// taxableBase is the amount a percentage fee is computed over: the full
// inclusive price when prices carry VAT, the net otherwise.
func taxableBase(priceCts int64, item ItemPrice, st models.VatStatus) decimal.Decimal {
	if st == models.VatIncluded {
		return centsToUnits(priceCts)
	}
	return centsToUnits(item.NetCts)
}

func priceService(svc models.AdditionalService, bases []decimal.Decimal, eventRate decimal.Decimal, st models.VatStatus) (*ServicePrice, error) {
	var feeCts int64
	switch svc.Policy {
	case models.ServiceFixedPrice:
		feeCts = svc.AmountCts
	case models.ServicePercentageForTicket:
		pct, err := parseRate(svc.Percentage)
		if err != nil {
			return nil, fmt.Errorf("service %s percentage: %w", svc.ID, err)
		}
		for _, base := range bases {
			feeCts += clampCts(toCents(base.Mul(pct).Div(hundred)), svc.MinCts, svc.MaxCts)
		}
	case models.ServicePercentageReservation:
		pct, err := parseRate(svc.Percentage)
		if err != nil {
			return nil, fmt.Errorf("service %s percentage: %w", svc.ID, err)
		}
		sum := decimal.Zero
		for _, base := range bases {
			sum = sum.Add(base)
		}
		feeCts = clampCts(toCents(sum.Mul(pct).Div(hundred)), svc.MinCts, svc.MaxCts)
	default:
		return nil, fmt.Errorf("service %s: unknown policy %q", svc.ID, svc.Policy)
	}

	sp := &ServicePrice{ServiceID: svc.ID}
	switch svc.VatType {
	case models.ServiceVatNone:
		sp.NetCts = feeCts
		sp.Charged = feeCts
		sp.VatStatus = exemptCounterpart(st)
	case models.ServiceVatCustom:
		rate, err := parseRate(svc.VatRate)
		if err != nil {
			return nil, fmt.Errorf("service %s vat rate: %w", svc.ID, err)
		}
		item := priceItem(feeCts, rate, st)
		sp.NetCts, sp.VatCts, sp.Charged = item.NetCts, item.VatCts, item.ChargedCts
		sp.VatStatus = st
	default: // models.ServiceVatInherited
		item := priceItem(feeCts, eventRate, st)
		sp.NetCts, sp.VatCts, sp.Charged = item.NetCts, item.VatCts, item.ChargedCts
		sp.VatStatus = st
	}
	return sp, nil
}

// exemptCounterpart keeps the inclusion flag but drops the tax, for
// fees of VAT type NONE.
func exemptCounterpart(st models.VatStatus) models.VatStatus {
	switch st {
	case models.VatIncluded, models.VatIncludedExempt:
		return models.VatIncludedExempt
	default:
		return models.VatNotIncludedExempt
	}
}

// extractVatCts pulls the VAT portion out of a VAT-inclusive amount.
// The rate division keeps vatScale digits rounded UP; the cent
// conversion of the portion rounds HALF_UP.
func extractVatCts(gross, rate decimal.Decimal) int64 {
	net := divScale10Up(gross, one.Add(rate.Div(hundred)))
	return toCents(gross.Sub(net))
}

// divScale10Up divides and rounds the quotient away from zero at
// vatScale fractional digits.
func divScale10Up(a, b decimal.Decimal) decimal.Decimal {
	return a.Div(b).RoundUp(vatScale)
}

// toCents converts a decimal currency amount to minor units, rounding
// half up at the second fractional digit.
func toCents(units decimal.Decimal) int64 {
	return units.Round(2).Mul(hundred).IntPart()
}

func centsToUnits(cts int64) decimal.Decimal {
	return decimal.NewFromInt(cts).Div(hundred)
}

func clampCts(fee, minCts, maxCts int64) int64 {
	if minCts > 0 && fee < minCts {
		return minCts
	}
	if maxCts > 0 && fee > maxCts {
		return maxCts
	}
	return fee
}

func parseRate(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
