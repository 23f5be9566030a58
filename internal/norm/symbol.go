// Package norm converts venue-neutral identifiers and prices into
// venue-legal form. Everything here is a pure function: symbol
// canonicalization is a two-way mapping, and tick rounding is idempotent.
package norm

import (
	"fmt"
	"strings"
)

// Canonical converts a raw symbol to venue-neutral canonical form. Numeric
// codes (HKEX style) lose their leading zeros, so "0700", "00700" and "700"
// all canonicalize to "700". Alphabetic tickers are uppercased as-is.
func Canonical(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if !isDigits(s) {
		return s, nil
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	return trimmed, nil
}

// PadSymbol renders a canonical numeric code in fixed-width venue form,
// zero-padded on the left. Non-numeric symbols are returned unchanged.
func PadSymbol(canonical string, width int) string {
	if !isDigits(canonical) || len(canonical) >= width {
		return canonical
	}
	return strings.Repeat("0", width-len(canonical)) + canonical
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ValidLot reports whether qty is a positive integer multiple of the
// venue's lot size.
func ValidLot(qty, lotSize int64) bool {
	return lotSize > 0 && qty > 0 && qty%lotSize == 0
}
