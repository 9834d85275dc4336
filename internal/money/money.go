// Package money provides exact conversion between off-chain decimal
// amounts and the escrow contract's fixed-point token units.
//
// The settlement token uses a fixed number of decimal places (6 for
// USDC-class tokens). Conversion rounds only at the smallest
// denomination: an amount with more fractional digits than the token
// supports is rejected rather than silently truncated, because a
// truncated fractional unit is real money.
package money

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("money: invalid amount")
	ErrUnsupportedCurrency = errors.New("money: unsupported currency")
	ErrPrecisionLoss       = errors.New("money: amount has more precision than the token supports")
)

// Currency is a supported quote currency for trade transactions.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// Valid reports whether the currency is in the supported set.
func (c Currency) Valid() bool {
	switch c {
	case USD, EUR, GBP:
		return true
	}
	return false
}

// Amount is a positive decimal amount in a supported currency.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

// New parses a decimal string into an Amount. The value must be
// strictly positive and the currency supported.
func New(value string, currency Currency) (Amount, error) {
	if !currency.Valid() {
		return Amount{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if !d.IsPositive() {
		return Amount{}, fmt.Errorf("%w: must be positive, got %s", ErrInvalidAmount, d)
	}
	return Amount{Value: d, Currency: currency}, nil
}

// String renders the amount as "1234.50 USD".
func (a Amount) String() string {
	return a.Value.String() + " " + string(a.Currency)
}

// ToUnits converts a decimal amount to the token's smallest-unit
// representation. The conversion is exact: if the amount carries more
// fractional digits than the token's decimals, ErrPrecisionLoss is
// returned instead of rounding.
func ToUnits(d decimal.Decimal, decimals int) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, d)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %s at %d decimals", ErrPrecisionLoss, d, decimals)
	}
	return scaled.BigInt(), nil
}

// FromUnits converts a smallest-unit token amount back to a decimal.
// ToUnits and FromUnits round-trip exactly.
func FromUnits(units *big.Int, decimals int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, 0).Shift(int32(-decimals))
}
