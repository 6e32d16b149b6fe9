package plan

import (
	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

// Cycle is the billing cycle a subscription pays on.
type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

// Valid reports whether c is a known cycle.
func (c Cycle) Valid() bool { return c == CycleMonthly || c == CycleYearly }

// Unlimited marks a feature without a usage cap.
const Unlimited int64 = -1

type Plan struct {
	types.Entity
	ID                id.PlanID         `json:"id"`
	Name              string            `json:"name"`
	Slug              string            `json:"slug"`
	Description       string            `json:"description"`
	Currency          string            `json:"currency"`
	Status            Status            `json:"status"`
	MonthlyPrice      types.Money       `json:"monthly_price"`
	YearlyPrice       types.Money       `json:"yearly_price"`
	TrialDays         int               `json:"trial_days"`
	Features          []Feature         `json:"features"`
	DistanceCapKm     int64             `json:"distance_cap_km"`
	RewardsMultiplier decimal.Decimal   `json:"rewards_multiplier"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Feature is a capability of a plan. Metered features carry a usage limit
// and the per-unit rate charged beyond it.
type Feature struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Type        FeatureType     `json:"type"`
	Limit       int64           `json:"limit"`
	OverageRate decimal.Decimal `json:"overage_rate"`
}

type FeatureType string

const (
	FeatureMetered FeatureType = "metered"
	FeatureBoolean FeatureType = "boolean"
)

func (p *Plan) FindFeature(key string) *Feature {
	for i := range p.Features {
		if p.Features[i].Key == key {
			return &p.Features[i]
		}
	}
	return nil
}

// Limit returns the usage cap for a metered feature. The second result is
// false when the plan has no metered feature with that key.
func (p *Plan) Limit(usageType string) (int64, bool) {
	f := p.FindFeature(usageType)
	if f == nil || f.Type != FeatureMetered {
		return 0, false
	}
	return f.Limit, true
}

// PriceFor returns the list price charged per cycle.
func (p *Plan) PriceFor(cycle Cycle) types.Money {
	if cycle == CycleYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// MonthlyEquivalent normalises the cycle price to one month. Yearly prices
// are divided by twelve and rounded half-up to the minor unit.
func (p *Plan) MonthlyEquivalent(cycle Cycle) types.Money {
	price := p.PriceFor(cycle)
	if cycle != CycleYearly {
		return price
	}
	monthly := money.RoundHalfUp(decimal.NewFromInt(price.Amount).Div(decimal.NewFromInt(12)), 0)
	return types.New(monthly.IntPart(), price.Currency)
}

// SamePricing reports whether other charges the same amounts as p.
func (p *Plan) SamePricing(other *Plan) bool {
	return p.MonthlyPrice.Equal(other.MonthlyPrice) && p.YearlyPrice.Equal(other.YearlyPrice)
}

// MetaPriceRefPrefix prefixes the metadata keys that hold the payment
// gateway's price identifiers, e.g. "price_ref_monthly".
const MetaPriceRefPrefix = "price_ref_"

// PriceRef returns the gateway price identifier for cycle, or "".
func (p *Plan) PriceRef(cycle Cycle) string {
	return p.Metadata[MetaPriceRefPrefix+string(cycle)]
}
