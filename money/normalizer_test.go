package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer(DefaultTable())

	tests := []struct {
		name     string
		amount   string
		code     string
		expected types.Money
	}{
		{"Whole dollars", "9.99", "USD", types.USD(999)},
		{"Half rounds up", "0.005", "usd", types.USD(1)},
		{"Below half rounds down", "0.004", "usd", types.USD(0)},
		{"Negative half rounds toward zero", "-0.005", "usd", types.USD(0)},
		{"Negative past half rounds away", "-0.006", "usd", types.USD(-1)},
		{"Zero-decimal currency", "149.5", "jpy", types.JPY(150)},
		{"Euro", "199", "eur", types.EUR(19900)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(decimal.RequireFromString(tt.amount), tt.code)
			if err != nil {
				t.Fatalf("Normalize error: %v", err)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("got %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		in     string
		places int32
		want   string
	}{
		{"0.5", 0, "1"},
		{"-0.5", 0, "0"},
		{"-1.5", 0, "-1"},
		{"-1.51", 0, "-2"},
		{"2.4", 0, "2"},
		{"0.125", 2, "0.13"},
		{"-0.125", 2, "-0.12"},
	}

	for _, tt := range tests {
		got := RoundHalfUp(decimal.RequireFromString(tt.in), tt.places)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("RoundHalfUp(%s, %d) = %s, want %s", tt.in, tt.places, got, tt.want)
		}
	}
}

func TestNormalizeUnsupported(t *testing.T) {
	n := NewNormalizer(DefaultTable())

	for _, code := range []string{"xyz", "ars", ""} {
		if _, err := n.Normalize(decimal.NewFromInt(1), code); !errors.Is(err, ErrUnsupportedCurrency) {
			t.Errorf("%q: expected ErrUnsupportedCurrency, got %v", code, err)
		}
	}
}

func TestConvertIdentity(t *testing.T) {
	n := NewNormalizer(DefaultTable())

	for _, amount := range []string{"0", "0.01", "9.99", "12345.675", "-3.50"} {
		m, err := n.Normalize(decimal.RequireFromString(amount), "usd")
		if err != nil {
			t.Fatalf("Normalize(%s): %v", amount, err)
		}
		back, err := n.Convert(m, "USD")
		if err != nil {
			t.Fatalf("Convert(%s): %v", amount, err)
		}
		if back.Amount != m.Amount {
			t.Errorf("identity broken for %s: %d != %d", amount, back.Amount, m.Amount)
		}
	}
}

func TestConvert(t *testing.T) {
	table := NewStaticTable([]Currency{
		{Code: "usd", Rate: decimal.NewFromInt(1), Decimals: 2, Supported: true},
		{Code: "eur", Rate: decimal.RequireFromString("0.5"), Decimals: 2, Supported: true},
		{Code: "jpy", Rate: decimal.NewFromInt(150), Decimals: 0, Supported: true},
	}, nil)
	n := NewNormalizer(table)

	tests := []struct {
		name     string
		in       types.Money
		to       string
		expected types.Money
	}{
		{"USD to EUR", types.USD(1000), "eur", types.EUR(500)},
		{"EUR to USD", types.EUR(333), "usd", types.USD(666)},
		{"USD to JPY", types.USD(999), "jpy", types.JPY(1499)},
		{"JPY to USD half-up", types.JPY(1), "usd", types.USD(1)},
		{"Odd cent rounds half-up", types.USD(1), "eur", types.EUR(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Convert(tt.in, tt.to)
			if err != nil {
				t.Fatalf("Convert error: %v", err)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("got %v, want %v", got, tt.expected)
			}
		})
	}

	if _, err := n.Convert(types.USD(1), "gbp"); !errors.Is(err, ErrUnsupportedCurrency) {
		t.Errorf("expected ErrUnsupportedCurrency, got %v", err)
	}
}

func TestComputeTax(t *testing.T) {
	n := NewNormalizer(DefaultTable())

	tests := []struct {
		name     string
		subtotal types.Money
		j        Jurisdiction
		tax      int64
		taxType  TaxType
	}{
		{"Germany VAT", types.EUR(10000), Jurisdiction{Country: "DE"}, 1900, TaxVAT},
		{"Lowercase country", types.EUR(10000), Jurisdiction{Country: "de"}, 1900, TaxVAT},
		{"California sales tax", types.USD(999), Jurisdiction{Country: "US", Region: "CA"}, 72, TaxSales},
		{"Region falls back to country", types.EUR(1000), Jurisdiction{Country: "DE", Region: "BY"}, 190, TaxVAT},
		{"Unmapped country", types.USD(999), Jurisdiction{Country: "ZZ"}, 0, TaxTypeNone},
		{"Unmapped US state", types.USD(999), Jurisdiction{Country: "US", Region: "OR"}, 0, TaxTypeNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := n.ComputeTax(tt.subtotal, tt.j)
			if err != nil {
				t.Fatalf("ComputeTax error: %v", err)
			}
			if res.TaxAmount.Amount != tt.tax {
				t.Errorf("tax: got %d, want %d", res.TaxAmount.Amount, tt.tax)
			}
			if res.Type != tt.taxType {
				t.Errorf("type: got %s, want %s", res.Type, tt.taxType)
			}
			if !res.Total.Equal(res.Subtotal.Add(res.TaxAmount)) {
				t.Errorf("total %v != subtotal %v + tax %v", res.Total, res.Subtotal, res.TaxAmount)
			}
		})
	}
}

func TestComputeTaxErrors(t *testing.T) {
	n := NewNormalizer(DefaultTable())

	if _, err := n.ComputeTax(types.USD(100), Jurisdiction{}); !errors.Is(err, ErrUnsupportedJurisdiction) {
		t.Errorf("expected ErrUnsupportedJurisdiction, got %v", err)
	}
	if _, err := n.ComputeTax(types.New(100, "xyz"), Jurisdiction{Country: "DE"}); !errors.Is(err, ErrUnsupportedCurrency) {
		t.Errorf("expected ErrUnsupportedCurrency, got %v", err)
	}
}

func TestToMajor(t *testing.T) {
	n := NewNormalizer(nil)

	if got := n.ToMajor(types.USD(999)); !got.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("ToMajor(USD 999) = %s", got)
	}
	if got := n.ToMajor(types.JPY(150)); !got.Equal(decimal.NewFromInt(150)) {
		t.Errorf("ToMajor(JPY 150) = %s", got)
	}
}

func TestStaticTableReplace(t *testing.T) {
	table := NewStaticTable(nil, nil)
	if _, ok := table.Currency("usd"); ok {
		t.Fatal("expected empty table")
	}
	table.Replace([]Currency{{Code: "USD", Rate: decimal.NewFromInt(1), Decimals: 2, Supported: true}}, nil)
	if _, ok := table.Currency("usd"); !ok {
		t.Error("expected usd after Replace")
	}
}
