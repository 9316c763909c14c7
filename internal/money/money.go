// Package money converts between decimal currency strings at the API
// boundary and the int64 minor-unit amounts used everywhere internally.
// Arithmetic never touches floating point.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits is the precision for all currencies in scope (2 d.p.).
const minorUnits = 2

var (
	ErrInvalidAmount = errors.New("invalid_amount")
)

var centFactor = decimal.New(1, minorUnits)

// Parse converts a decimal string like "750.00" into minor units (75000).
// Values are rounded half-up to the currency's minor-unit precision.
func Parse(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidAmount
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents := value.Mul(centFactor).Round(0)
	if !cents.IsInteger() {
		return 0, ErrInvalidAmount
	}
	return cents.IntPart(), nil
}

// Format renders minor units as a decimal string ("75000" -> "750.00").
func Format(amount int64) string {
	return decimal.New(amount, -minorUnits).StringFixed(minorUnits)
}
