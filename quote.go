package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// ──────────────────────────────────────────────────
// Tax quotes
// ──────────────────────────────────────────────────

// QuoteLineKind names what a quote line charges for.
type QuoteLineKind string

const (
	QuoteLinePlan    QuoteLineKind = "plan"
	QuoteLineOverage QuoteLineKind = "overage"
)

// QuoteLine is one taxed charge.
type QuoteLine struct {
	Kind      QuoteLineKind   `json:"kind"`
	UsageType string          `json:"usage_type,omitempty"`
	Tax       money.TaxResult `json:"tax"`
}

// Quote is what a subscription owes for its current period in a tax
// jurisdiction. Total is Subtotal + Tax.
type Quote struct {
	SubscriptionID id.SubscriptionID  `json:"subscription_id"`
	Jurisdiction   money.Jurisdiction `json:"jurisdiction"`
	PeriodStart    time.Time          `json:"period_start,omitzero"`
	PeriodEnd      time.Time          `json:"period_end,omitzero"`
	Lines          []QuoteLine        `json:"lines"`
	Subtotal       types.Money        `json:"subtotal"`
	Tax            types.Money        `json:"tax"`
	Total          types.Money        `json:"total"`
}

// Quote prices the plan charge and any usage overage of the subscription's
// current period and taxes each line for j. Overage is normalized to minor
// units of the plan currency before tax.
func (e *Engine) Quote(ctx context.Context, subID id.SubscriptionID, j money.Jurisdiction) (*Quote, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	p, err := e.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("tally: plan of subscription %s: %w", sub.ID, err)
	}
	price, err := e.normalizer.Canonical(p.PriceFor(sub.Cycle))
	if err != nil {
		return nil, err
	}

	q := &Quote{
		SubscriptionID: sub.ID,
		Jurisdiction:   j,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Subtotal:       types.Zero(price.Currency),
		Tax:            types.Zero(price.Currency),
		Total:          types.Zero(price.Currency),
	}
	if err := q.add(e.normalizer, QuoteLinePlan, "", price); err != nil {
		return nil, err
	}

	if sub.Status != subscription.StatusPending {
		lines, err := e.meter.Summary(ctx, sub.ID, p, e.now())
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			if !l.OverageCost.IsPositive() {
				continue
			}
			amount, err := e.normalizer.Normalize(l.OverageCost, price.Currency)
			if err != nil {
				return nil, err
			}
			if amount.IsZero() {
				continue
			}
			if err := q.add(e.normalizer, QuoteLineOverage, l.UsageType, amount); err != nil {
				return nil, err
			}
		}
	}
	return q, nil
}

func (q *Quote) add(n *money.Normalizer, kind QuoteLineKind, usageType string, amount types.Money) error {
	tax, err := n.ComputeTax(amount, q.Jurisdiction)
	if err != nil {
		return err
	}
	q.Lines = append(q.Lines, QuoteLine{Kind: kind, UsageType: usageType, Tax: tax})
	q.Subtotal = q.Subtotal.Add(tax.Subtotal)
	q.Tax = q.Tax.Add(tax.TaxAmount)
	q.Total = q.Total.Add(tax.Total)
	return nil
}
