package domain

import (
	"fmt"
	"strconv"
)

// ProductKind distinguishes renewable subscriptions from consumables.
// It only matters for acknowledgment semantics.
type ProductKind string

const (
	ProductKindSubscription ProductKind = "subscription"
	ProductKindConsumable   ProductKind = "consumable"
)

// Well-known premium SKUs.
const (
	SKUWeeklyPremium  = "weekly_premium"
	SKUMonthlyPremium = "monthly_premium"
	SKUYearlyPremium  = "yearly_premium"
)

// DefaultTrackedSKUs is the product set the app tracks when none is configured.
var DefaultTrackedSKUs = []string{SKUWeeklyPremium, SKUMonthlyPremium, SKUYearlyPremium}

// Money is a decimal price expressed in micro-units of its currency
// (1 USD = 1_000_000 micros), the representation platform stores use.
type Money struct {
	Micros   int64  `json:"micros"`
	Currency string `json:"currency"`
}

// NewMoney creates a Money value from whole units and cents.
func NewMoney(units, cents int64, currency string) Money {
	return Money{Micros: units*1_000_000 + cents*10_000, Currency: currency}
}

// ParseMicros parses a micro-unit amount as reported by a store API.
func ParseMicros(micros, currency string) (Money, error) {
	v, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("invalid price micros %q: %w", micros, err)
	}
	return Money{Micros: v, Currency: currency}, nil
}

// Decimal renders the amount with two fraction digits, e.g. "9.99".
func (m Money) Decimal() string {
	sign := ""
	micros := m.Micros
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	cents := (micros + 5_000) / 10_000
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// String renders the amount with its currency, e.g. "9.99 USD".
func (m Money) String() string {
	if m.Currency == "" {
		return m.Decimal()
	}
	return m.Decimal() + " " + m.Currency
}

// Product is a purchasable item as reported by the catalog.
// Products carry no identity beyond ID and are refreshed on every fetch.
type Product struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Price       Money       `json:"price"`
	Kind        ProductKind `json:"kind"`
}

// IsConsumable reports whether the store should consume rather than acknowledge the purchase.
func (p Product) IsConsumable() bool {
	return p.Kind == ProductKindConsumable
}
