// Package money normalises amounts into integer minor units, converts
// between currencies and computes tax. Reference data (currency and tax
// tables) is injected through the read-only ReferenceData interface.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

var (
	ErrUnsupportedCurrency     = errors.New("tally: unsupported currency")
	ErrUnsupportedJurisdiction = errors.New("tally: unsupported jurisdiction")
)

// Currency is one row of the currency table. Rate is the number of units
// of this currency per one unit of the base currency.
type Currency struct {
	Code      string          `json:"code"`
	Symbol    string          `json:"symbol"`
	Rate      decimal.Decimal `json:"rate"`
	Decimals  int32           `json:"decimals"`
	Supported bool            `json:"supported"`
}

type TaxType string

const (
	TaxVAT      TaxType = "vat"
	TaxGST      TaxType = "gst"
	TaxSales    TaxType = "sales_tax"
	TaxTypeNone TaxType = "none"
)

// Jurisdiction is a country with an optional region (state, province).
type Jurisdiction struct {
	Country string `json:"country"`
	Region  string `json:"region,omitempty"`
}

func (j Jurisdiction) key() string {
	k := strings.ToUpper(strings.TrimSpace(j.Country))
	if r := strings.ToUpper(strings.TrimSpace(j.Region)); r != "" {
		k += "/" + r
	}
	return k
}

// TaxRate is a fractional rate (0.19 for 19%) for a jurisdiction.
type TaxRate struct {
	Jurisdiction
	Rate decimal.Decimal `json:"rate"`
	Type TaxType         `json:"type"`
}

// TaxResult is the outcome of ComputeTax. Total is always
// Subtotal + TaxAmount.
type TaxResult struct {
	Subtotal  types.Money     `json:"subtotal"`
	TaxAmount types.Money     `json:"tax_amount"`
	Rate      decimal.Decimal `json:"rate"`
	Type      TaxType         `json:"type"`
	Total     types.Money     `json:"total"`
}

// ReferenceData is the read-only source of currency and tax tables.
// Implementations must be safe for concurrent use.
type ReferenceData interface {
	Currency(code string) (Currency, bool)
	TaxRate(j Jurisdiction) (TaxRate, bool)
}
