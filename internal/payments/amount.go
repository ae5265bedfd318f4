package payments

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Decimals is the on-chain precision of TRC20 USDT.
const Decimals = 6

var microUnit = decimal.New(1, -Decimals)

var ErrPrecision = errors.New("amount has more than 6 fractional digits")

// ValidAmount reports whether amount is payable: positive, at most max and
// representable in micro-units.
func ValidAmount(amount, max decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	if max.IsPositive() && amount.GreaterThan(max) {
		return false
	}
	return amount.Equal(amount.Truncate(Decimals))
}

// ToMicro converts a USDT amount to integer micro-units.
func ToMicro(amount decimal.Decimal) (int64, error) {
	if !amount.Equal(amount.Truncate(Decimals)) {
		return 0, ErrPrecision
	}
	return amount.Shift(Decimals).IntPart(), nil
}

// FromMicro converts integer micro-units (the explorer "quant") to USDT.
func FromMicro(micro int64) decimal.Decimal {
	return decimal.New(micro, -Decimals)
}

// ParseQuant parses a raw integer token quantity as reported by the explorer.
func ParseQuant(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.Equal(d.Truncate(0)) || d.IsNegative() {
		return decimal.Zero, errors.New("quant must be a non-negative integer")
	}
	return d.Shift(-Decimals), nil
}

// Format renders an amount the way it is shown in a payment URI.
func Format(amount decimal.Decimal) string {
	return amount.String()
}

// Step returns amount increased by n micro-units.
func Step(amount decimal.Decimal, n int) decimal.Decimal {
	return amount.Add(microUnit.Mul(decimal.NewFromInt(int64(n))))
}
