// Package amount converts raw 128-bit amounts to and from their wire and
// display forms. Stored values are always raw integers; nothing here feeds
// back into ledger state.
package amount

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"lukechampine.com/uint128"
)

// DisplayExponent is the number of decimal places between the raw unit and
// the display unit (10^24 raw units per whole token).
const DisplayExponent = 24

// DisplayPlaces is the rounding applied to human-readable values.
const DisplayPlaces = 2

// Parse reads a non-negative base-10 integer. An empty string is zero, which
// matches a call that attaches no value.
func Parse(s string) (uint128.Uint128, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uint128.Zero, nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return uint128.Zero, fmt.Errorf("amount %q: not a base-10 integer", s)
		}
	}
	v, err := uint128.FromString(s)
	if err != nil {
		return uint128.Zero, fmt.Errorf("amount %q: %w", s, err)
	}
	return v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) uint128.Uint128 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ToDecimal returns the raw amount scaled to display units, unrounded.
func ToDecimal(v uint128.Uint128) decimal.Decimal {
	return decimal.NewFromBigInt(v.Big(), -DisplayExponent)
}

// Human renders v in display units rounded to two places, e.g. "1.50".
func Human(v uint128.Uint128) string {
	return ToDecimal(v).StringFixed(DisplayPlaces)
}

// FromHuman converts a display-unit string ("1.5") back to raw units.
// Fractions finer than one raw unit are rejected.
func FromHuman(s string) (uint128.Uint128, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return uint128.Zero, fmt.Errorf("amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return uint128.Zero, fmt.Errorf("amount %q: negative", s)
	}
	raw := d.Shift(DisplayExponent)
	if !raw.Equal(raw.Truncate(0)) {
		return uint128.Zero, fmt.Errorf("amount %q: finer than one raw unit", s)
	}
	b := raw.BigInt()
	if b.BitLen() > 128 {
		return uint128.Zero, fmt.Errorf("amount %q: exceeds 128 bits", s)
	}
	return uint128.FromBig(b), nil
}
