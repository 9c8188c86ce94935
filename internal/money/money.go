// Package money provides fixed-point decimal amount handling with two
// fractional digits, the scale used by every balance and transaction amount
// in the system.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Parse parses a decimal string with at most two fractional digits.
// The sign is preserved; use ParsePositive when only magnitudes are valid.
func Parse(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, fmt.Errorf("amount value cannot be empty")
	}

	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}

	if d.Exponent() < -2 {
		return decimal.Zero, fmt.Errorf("invalid amount %q: more than 2 decimal places", value)
	}

	return d, nil
}

// ParsePositive parses a decimal string and requires it to be strictly positive.
func ParsePositive(value string) (decimal.Decimal, error) {
	d, err := Parse(value)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive, got %q", value)
	}
	return d, nil
}

// Format renders an amount with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// ValidateCurrencyCode validates that a currency code follows ISO 4217 format.
func ValidateCurrencyCode(code string) error {
	if code == "" {
		return fmt.Errorf("currency code cannot be empty")
	}

	if len(code) != 3 {
		return fmt.Errorf("currency code must be 3 characters (ISO 4217)")
	}

	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("currency code must contain only uppercase letters")
		}
	}

	return nil
}
