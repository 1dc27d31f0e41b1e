package external

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ToCents converts a decimal currency amount into integer minor units, rounding half away from zero
func ToCents(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromCents converts integer minor units read from the gateway into a decimal currency amount
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
