package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies whose smallest unit is the major unit, per Stripe.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

func currencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts a major-unit decimal string ("12.50") to minor units
// (1250). Values with more precision than the currency allows are rejected
// instead of rounded.
func ToMinorUnits(amount, currency string) (int64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q must not be negative", amount)
	}
	minor := d.Shift(currencyExponent(currency))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has too many decimal places for %s", amount, strings.ToUpper(currency))
	}
	if minor.GreaterThan(decimal.NewFromInt(1 << 53)) {
		return 0, fmt.Errorf("amount %q is too large", amount)
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units for display, e.g. "12.50 USD" or "1500 JPY".
func FormatAmount(minor int64, currency string) string {
	exp := currencyExponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp) + " " + strings.ToUpper(currency)
}
