package money

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// StaticTable is an in-memory ReferenceData. Replace swaps the whole table
// atomically when an external refresh delivers new rates.
type StaticTable struct {
	mu         sync.RWMutex
	currencies map[string]Currency
	taxes      map[string]TaxRate
}

// NewStaticTable builds a table from the given rows.
func NewStaticTable(currencies []Currency, taxes []TaxRate) *StaticTable {
	t := &StaticTable{}
	t.Replace(currencies, taxes)
	return t
}

// Replace installs a new snapshot of both tables.
func (t *StaticTable) Replace(currencies []Currency, taxes []TaxRate) {
	cm := make(map[string]Currency, len(currencies))
	for _, c := range currencies {
		c.Code = strings.ToLower(c.Code)
		cm[c.Code] = c
	}
	tm := make(map[string]TaxRate, len(taxes))
	for _, r := range taxes {
		tm[r.key()] = r
	}

	t.mu.Lock()
	t.currencies = cm
	t.taxes = tm
	t.mu.Unlock()
}

// Currency implements ReferenceData.
func (t *StaticTable) Currency(code string) (Currency, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.currencies[strings.ToLower(strings.TrimSpace(code))]
	return c, ok
}

// TaxRate implements ReferenceData.
func (t *StaticTable) TaxRate(j Jurisdiction) (TaxRate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.taxes[j.key()]
	return r, ok
}

// DefaultTable returns a USD-based table with common currencies and
// jurisdictions. Rates are fixed and intended for development and tests.
func DefaultTable() *StaticTable {
	d := decimal.RequireFromString
	return NewStaticTable(
		[]Currency{
			{Code: "usd", Symbol: "$", Rate: d("1"), Decimals: 2, Supported: true},
			{Code: "eur", Symbol: "€", Rate: d("0.92"), Decimals: 2, Supported: true},
			{Code: "gbp", Symbol: "£", Rate: d("0.79"), Decimals: 2, Supported: true},
			{Code: "cad", Symbol: "C$", Rate: d("1.36"), Decimals: 2, Supported: true},
			{Code: "aud", Symbol: "A$", Rate: d("1.52"), Decimals: 2, Supported: true},
			{Code: "inr", Symbol: "₹", Rate: d("83.2"), Decimals: 2, Supported: true},
			{Code: "brl", Symbol: "R$", Rate: d("4.97"), Decimals: 2, Supported: true},
			{Code: "mxn", Symbol: "MX$", Rate: d("17.1"), Decimals: 2, Supported: true},
			{Code: "jpy", Symbol: "¥", Rate: d("149.5"), Decimals: 0, Supported: true},
			{Code: "ars", Symbol: "AR$", Rate: d("350"), Decimals: 2, Supported: false},
		},
		[]TaxRate{
			{Jurisdiction: Jurisdiction{Country: "DE"}, Rate: d("0.19"), Type: TaxVAT},
			{Jurisdiction: Jurisdiction{Country: "FR"}, Rate: d("0.20"), Type: TaxVAT},
			{Jurisdiction: Jurisdiction{Country: "GB"}, Rate: d("0.20"), Type: TaxVAT},
			{Jurisdiction: Jurisdiction{Country: "ES"}, Rate: d("0.21"), Type: TaxVAT},
			{Jurisdiction: Jurisdiction{Country: "AU"}, Rate: d("0.10"), Type: TaxGST},
			{Jurisdiction: Jurisdiction{Country: "IN"}, Rate: d("0.18"), Type: TaxGST},
			{Jurisdiction: Jurisdiction{Country: "CA"}, Rate: d("0.05"), Type: TaxGST},
			{Jurisdiction: Jurisdiction{Country: "US", Region: "CA"}, Rate: d("0.0725"), Type: TaxSales},
			{Jurisdiction: Jurisdiction{Country: "US", Region: "NY"}, Rate: d("0.04"), Type: TaxSales},
			{Jurisdiction: Jurisdiction{Country: "US", Region: "TX"}, Rate: d("0.0625"), Type: TaxSales},
		},
	)
}
