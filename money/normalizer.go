package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

// Normalizer turns amounts into canonical integer minor units. It holds no
// state besides the injected reference data and is safe for concurrent use.
type Normalizer struct {
	ref ReferenceData
}

// NewNormalizer returns a Normalizer over ref. A nil ref uses DefaultTable.
func NewNormalizer(ref ReferenceData) *Normalizer {
	if ref == nil {
		ref = DefaultTable()
	}
	return &Normalizer{ref: ref}
}

// Reference returns the underlying reference data.
func (n *Normalizer) Reference() ReferenceData { return n.ref }

// Lookup returns the supported currency row for code.
func (n *Normalizer) Lookup(code string) (Currency, error) {
	c, ok := n.ref.Currency(code)
	if !ok || !c.Supported {
		return Currency{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// Normalize converts a major-unit decimal amount into minor units, rounding
// half-up to the nearest minor unit.
func (n *Normalizer) Normalize(amount decimal.Decimal, code string) (types.Money, error) {
	c, err := n.Lookup(code)
	if err != nil {
		return types.Money{}, err
	}
	minor := RoundHalfUp(amount.Shift(c.Decimals), 0)
	return types.New(minor.IntPart(), c.Code), nil
}

// Canonical validates the currency of an amount that is already in minor
// units and returns it with a canonical currency code.
func (n *Normalizer) Canonical(m types.Money) (types.Money, error) {
	c, err := n.Lookup(m.Currency)
	if err != nil {
		return types.Money{}, err
	}
	return types.New(m.Amount, c.Code), nil
}

// Convert moves m into currency to using the table rates. Converting to the
// same currency returns m unchanged.
func (n *Normalizer) Convert(m types.Money, to string) (types.Money, error) {
	from, err := n.Lookup(m.Currency)
	if err != nil {
		return types.Money{}, err
	}
	target, err := n.Lookup(to)
	if err != nil {
		return types.Money{}, err
	}
	if from.Code == target.Code {
		return types.New(m.Amount, from.Code), nil
	}
	if from.Rate.Sign() <= 0 || target.Rate.Sign() <= 0 {
		return types.Money{}, fmt.Errorf("%w: no rate for %s->%s", ErrUnsupportedCurrency, from.Code, target.Code)
	}

	converted := RoundHalfUp(decimal.NewFromInt(m.Amount).
		Mul(target.Rate).
		Div(from.Rate).
		Shift(target.Decimals-from.Decimals), 0)
	return types.New(converted.IntPart(), target.Code), nil
}

// ComputeTax applies the jurisdiction's rate to subtotal. A region-specific
// rate wins over a country-wide one; an unmapped jurisdiction yields no tax.
func (n *Normalizer) ComputeTax(subtotal types.Money, j Jurisdiction) (TaxResult, error) {
	if strings.TrimSpace(j.Country) == "" {
		return TaxResult{}, fmt.Errorf("%w: empty country", ErrUnsupportedJurisdiction)
	}
	sub, err := n.Canonical(subtotal)
	if err != nil {
		return TaxResult{}, err
	}

	rate, ok := n.ref.TaxRate(j)
	if !ok && j.Region != "" {
		rate, ok = n.ref.TaxRate(Jurisdiction{Country: j.Country})
	}
	if !ok || rate.Type == TaxTypeNone {
		return TaxResult{
			Subtotal:  sub,
			TaxAmount: types.Zero(sub.Currency),
			Rate:      decimal.Zero,
			Type:      TaxTypeNone,
			Total:     sub,
		}, nil
	}

	tax := RoundHalfUp(decimal.NewFromInt(sub.Amount).Mul(rate.Rate), 0)
	taxAmount := types.New(tax.IntPart(), sub.Currency)
	return TaxResult{
		Subtotal:  sub,
		TaxAmount: taxAmount,
		Rate:      rate.Rate,
		Type:      rate.Type,
		Total:     sub.Add(taxAmount),
	}, nil
}

// RoundHalfUp rounds d to places decimal places with ties going toward
// positive infinity, so -0.5 becomes 0 and 0.5 becomes 1. decimal.Round
// rounds ties away from zero instead.
func RoundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Add(decimal.New(5, -(places + 1))).RoundFloor(places)
}

// ToMajor renders m in major units for display boundaries.
func (n *Normalizer) ToMajor(m types.Money) decimal.Decimal {
	decimals := int32(types.Decimals(m.Currency))
	if c, ok := n.ref.Currency(m.Currency); ok {
		decimals = c.Decimals
	}
	return decimal.NewFromInt(m.Amount).Shift(-decimals)
}
