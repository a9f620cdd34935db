// Package units converts between human decimal amounts ("1.5") and
// base-unit integers for assets with a fixed number of decimals.
//
// The native currency uses 18 decimals; tokens declare their own. Amounts
// inside the ledger are always *big.Int base units.
package units

import (
	"math/big"
	"strings"
)

// NativeDecimals is the precision of the chain's native currency.
const NativeDecimals = 18

// Parse converts a decimal string (e.g. "1.50") to base units with the given
// precision. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond the precision are truncated
func Parse(s string, decimals int) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	if len(frac) < decimals {
		frac += strings.Repeat("0", decimals-len(frac))
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// Format renders base units as a decimal string with exactly `decimals`
// fractional digits (e.g. "1.500000" for 6 decimals).
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	if len(s) < decimals+1 {
		s = strings.Repeat("0", decimals+1-len(s)) + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// ParseBase parses a base-unit integer string ("1500000"). Signs, decimals
// and empty strings are rejected.
func ParseBase(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "+-.") {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}
