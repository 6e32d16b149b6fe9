package plan

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

func testPlan() *Plan {
	return &Plan{
		Name:         "Pro",
		Slug:         "pro",
		Currency:     "usd",
		MonthlyPrice: types.USD(999),
		YearlyPrice:  types.USD(9990),
		Features: []Feature{
			{Key: "api_calls", Type: FeatureMetered, Limit: 10000, OverageRate: decimal.RequireFromString("0.001")},
			{Key: "exports", Type: FeatureMetered, Limit: Unlimited},
			{Key: "sso", Type: FeatureBoolean, Limit: 1},
		},
	}
}

func TestPriceFor(t *testing.T) {
	p := testPlan()

	tests := []struct {
		cycle   Cycle
		price   types.Money
		monthly types.Money
	}{
		{CycleMonthly, types.USD(999), types.USD(999)},
		{CycleYearly, types.USD(9990), types.USD(833)}, // 832.5 rounds up
	}

	for _, tt := range tests {
		t.Run(string(tt.cycle), func(t *testing.T) {
			if got := p.PriceFor(tt.cycle); !got.Equal(tt.price) {
				t.Errorf("PriceFor: got %v, want %v", got, tt.price)
			}
			if got := p.MonthlyEquivalent(tt.cycle); !got.Equal(tt.monthly) {
				t.Errorf("MonthlyEquivalent: got %v, want %v", got, tt.monthly)
			}
		})
	}
}

func TestLimit(t *testing.T) {
	p := testPlan()

	tests := []struct {
		key   string
		limit int64
		ok    bool
	}{
		{"api_calls", 10000, true},
		{"exports", Unlimited, true},
		{"sso", 0, false},
		{"missing", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			limit, ok := p.Limit(tt.key)
			if limit != tt.limit || ok != tt.ok {
				t.Errorf("Limit(%s) = (%d, %v), want (%d, %v)", tt.key, limit, ok, tt.limit, tt.ok)
			}
		})
	}
}

func TestSamePricing(t *testing.T) {
	a := testPlan()
	b := testPlan()
	b.Name = "Pro (renamed)"
	if !a.SamePricing(b) {
		t.Error("renaming must not change pricing")
	}
	b.MonthlyPrice = types.USD(1099)
	if a.SamePricing(b) {
		t.Error("expected pricing difference")
	}
}

func TestCycleValid(t *testing.T) {
	if !CycleMonthly.Valid() || !CycleYearly.Valid() {
		t.Error("expected known cycles to be valid")
	}
	if Cycle("weekly").Valid() {
		t.Error("expected weekly to be invalid")
	}
}
