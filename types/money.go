// Package types provides value types shared across Tally packages.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Money is an amount in the smallest unit of its currency.
// Arithmetic is integer-only; fractional results (tax, conversion,
// overage) are computed in the money package and rounded there.
type Money struct {
	Amount   int64  `json:"amount"`   // minor units: cents, pence, yen
	Currency string `json:"currency"` // ISO 4217, lowercase
}

// New returns Money with the currency code lower-cased.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// USD creates a Money value in US cents.
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// EUR creates a Money value in euro cents.
func EUR(cents int64) Money { return Money{Amount: cents, Currency: "eur"} }

// GBP creates a Money value in pence.
func GBP(pence int64) Money { return Money{Amount: pence, Currency: "gbp"} }

// JPY creates a Money value in yen (zero-decimal).
func JPY(yen int64) Money { return Money{Amount: yen, Currency: "jpy"} }

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money { return New(0, currency) }

// Add adds two amounts. Panics on currency mismatch; callers convert first.
func (m Money) Add(other Money) Money {
	m.mustMatch(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Subtract subtracts other from m. Panics on currency mismatch.
func (m Money) Subtract(other Money) Money {
	m.mustMatch(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// Multiply scales the amount by an integer quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount * qty, Currency: m.Currency}
}

// Negate flips the sign.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

// SameCurrency reports whether both values share a currency.
func (m Money) SameCurrency(other Money) bool {
	return strings.EqualFold(m.Currency, other.Currency)
}

// Equal reports whether amount and currency both match.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.SameCurrency(other)
}

// Cmp returns -1, 0 or 1. Panics on currency mismatch.
func (m Money) Cmp(other Money) int {
	m.mustMatch(other)
	switch {
	case m.Amount < other.Amount:
		return -1
	case m.Amount > other.Amount:
		return 1
	default:
		return 0
	}
}

// FormatMajor renders the amount in major units without a symbol:
// "49.00" for USD(4900), "100" for JPY(100).
func (m Money) FormatMajor() string {
	decimals := Decimals(m.Currency)
	abs := m.Amount
	sign := ""
	if abs < 0 {
		abs = -abs
		sign = "-"
	}
	if decimals == 0 {
		return sign + strconv.FormatInt(abs, 10)
	}

	digits := strconv.FormatInt(abs, 10)
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	return sign + digits[:cut] + "." + digits[cut:]
}

// String renders the amount with its currency symbol, e.g. "$49.00".
func (m Money) String() string {
	return Symbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON adds a display string next to the raw amount.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON ignores the display field written by MarshalJSON.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = New(raw.Amount, raw.Currency)
	return nil
}

func (m Money) mustMatch(other Money) {
	if !m.SameCurrency(other) {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

var symbols = map[string]string{
	"usd": "$",
	"eur": "€",
	"gbp": "£",
	"jpy": "¥",
	"cad": "C$",
	"aud": "A$",
	"inr": "₹",
	"brl": "R$",
	"mxn": "MX$",
}

var zeroDecimal = map[string]bool{
	"jpy": true,
	"krw": true,
	"vnd": true,
	"clp": true,
	"pyg": true,
}

// Symbol returns the display symbol for a currency, falling back to the
// upper-cased code followed by a space.
func Symbol(currency string) string {
	if sym, ok := symbols[strings.ToLower(currency)]; ok {
		return sym
	}
	return strings.ToUpper(currency) + " "
}

// Decimals returns the ISO 4217 minor-unit exponent for display purposes.
func Decimals(currency string) int {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// Sum adds values of one currency. An empty input sums to zero in fallback.
func Sum(fallback string, values ...Money) Money {
	total := Zero(fallback)
	if len(values) > 0 {
		total = Zero(values[0].Currency)
	}
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
