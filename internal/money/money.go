// Package money handles currency amounts as integer minor units (cents) to
// avoid floating-point drift in order totals.
package money

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseCents converts a decimal string amount in major currency units to
// cents. Examples: "99.00" -> 9900, "1234.56" -> 123456, "" -> 0.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	// math.Round handles both positive and negative amounts correctly
	return int64(math.Round(f * 100)), nil
}

// FormatCents renders cents as a decimal string in major units with two
// decimal places. Examples: 9900 -> "99.00", -150 -> "-1.50".
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
