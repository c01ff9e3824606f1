package gateway

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNonExactAmount    = errors.New("amount_not_exact_in_minor_units")
	ErrUnsupportedAmount = errors.New("amount_out_of_range")
)

// currencyExponents maps ISO 4217 currencies to their minor-unit
// exponent where it differs from the default of 2.
var currencyExponents = map[string]int32{
	"KRW": 0,
	"JPY": 0,
	"VND": 0,
	"CLP": 0,
	"ISK": 0,
	"BHD": 3,
	"JOD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// MinorUnits converts a decimal price into the integer minor units of
// the currency. Prices that do not land exactly on a minor unit are
// rejected rather than rounded, so 99.995 USD is an error while
// 12000 KRW converts to exactly 12000.
func MinorUnits(price decimal.Decimal, currency string) (int64, error) {
	exponent := int32(2)
	if exp, ok := currencyExponents[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		exponent = exp
	}

	shifted := price.Shift(exponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrNonExactAmount
	}
	if !shifted.BigInt().IsInt64() {
		return 0, ErrUnsupportedAmount
	}
	return shifted.IntPart(), nil
}
