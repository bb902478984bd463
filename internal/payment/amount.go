package payment

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies whose smallest unit is the major unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// MinorUnitExponent returns the number of decimal places of the currency's minor unit.
func MinorUnitExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// ToMinorUnits converts a positive major-unit amount into an integer count of minor units
// (amount * 10^exponent). Amounts that do not land on a whole minor unit are rejected.
func ToMinorUnits(amount decimal.Decimal, exponent int32) (int64, error) {
	if !amount.IsPositive() {
		return 0, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	// Bound the scale before any rescaling; exponent notation can otherwise force
	// arbitrarily large intermediate integers.
	if e := amount.Exponent(); e < -maxAmountScale || e > maxAmountScale {
		return 0, &ValidationError{Field: "amount", Reason: "is out of range"}
	}
	if int64(amount.NumDigits())+int64(amount.Exponent())+int64(exponent) > maxMinorDigits {
		return 0, &ValidationError{Field: "amount", Reason: "is too large"}
	}
	scaled := amount.Shift(exponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, &ValidationError{Field: "amount", Reason: "has more decimal places than the currency's minor unit"}
	}
	if scaled.GreaterThan(decimal.NewFromInt(maxMinorUnits)) {
		return 0, &ValidationError{Field: "amount", Reason: "is too large"}
	}
	return scaled.IntPart(), nil
}

// FromMinorUnits is the exact inverse of ToMinorUnits.
func FromMinorUnits(minor int64, exponent int32) decimal.Decimal {
	return decimal.New(minor, -exponent)
}

// CurrencyMinorUnits converts amount using the currency's own minor-unit exponent.
func CurrencyMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	return ToMinorUnits(amount, MinorUnitExponent(currency))
}

// Providers cap amounts well below int64; this keeps IntPart exact.
const maxMinorUnits = 1 << 53

const (
	maxAmountScale = 18
	// 2^53 has 16 digits.
	maxMinorDigits = 16
)
