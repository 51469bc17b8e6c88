// Package money converts between integer minor units and display amounts.
package money

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultCurrency is assumed when a caller omits the currency.
const DefaultCurrency = "USD"

// NormalizeCurrency validates an ISO 4217 code and returns it upper-cased.
func NormalizeCurrency(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return DefaultCurrency, nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("money: unknown currency %q", code)
	}
	return unit.String(), nil
}

// Scale returns the number of minor-unit digits for code (2 for USD, 0 for JPY).
func Scale(code string) int {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// ToMajor renders minor units as a fixed-point decimal in the currency's scale.
func ToMajor(minor int64, code string) decimal.Decimal {
	return decimal.New(minor, -int32(Scale(code)))
}

// Major renders minor units as a JSON number with the currency's precision,
// e.g. 10000 USD -> 100.00.
func Major(minor int64, code string) json.Number {
	scale := Scale(code)
	return json.Number(decimal.New(minor, -int32(scale)).StringFixed(int32(scale)))
}

// ParseMajor converts a major-unit string ("12.34") into minor units, rejecting
// values with more precision than the currency allows.
func ParseMajor(value, code string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", value, err)
	}
	scale := int32(Scale(code))
	shifted := d.Shift(scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("money: %q exceeds %d decimal places", value, scale)
	}
	return shifted.IntPart(), nil
}
