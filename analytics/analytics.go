// Package analytics computes revenue metrics from the subscription and
// transaction ledger. It never writes.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/tally/money"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
)

// Source is the read side of the ledger the aggregator consumes.
type Source interface {
	ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error)
	ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error)
}

// Snapshot is a point-in-time view of revenue health. Amounts are in
// minor units of BaseCurrency; rates are percentages rounded to two places.
type Snapshot struct {
	AsOf         time.Time     `json:"as_of"`
	BaseCurrency string        `json:"base_currency"`
	Window       time.Duration `json:"window,omitzero"`

	MRR                 types.Money     `json:"mrr"`
	ChurnRate           decimal.Decimal `json:"churn_rate"`
	ARPU                types.Money     `json:"arpu"`
	PaymentSuccessRate  decimal.Decimal `json:"payment_success_rate"`
	SubscriptionRevenue types.Money     `json:"subscription_revenue"`
	OneTimeRevenue      types.Money     `json:"one_time_revenue"`

	TotalSubscriptions    int `json:"total_subscriptions"`
	ActiveSubscriptions   int `json:"active_subscriptions"`
	CanceledSubscriptions int `json:"canceled_subscriptions"`
	TotalUsers            int `json:"total_users"`

	SucceededTransactions int `json:"succeeded_transactions"`
	FailedTransactions    int `json:"failed_transactions"`
	// SettledTransactions excludes pending rows.
	SettledTransactions int `json:"settled_transactions"`
}

// Aggregator computes snapshots.
type Aggregator struct {
	source       Source
	normalizer   *money.Normalizer
	baseCurrency string
	window       time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBaseCurrency sets the reporting currency. Default "usd".
func WithBaseCurrency(code string) Option {
	return func(a *Aggregator) { a.baseCurrency = code }
}

// WithWindow restricts churn to subscriptions created within the window
// before asOf. Zero means all time.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) { a.window = d }
}

// WithNormalizer sets the currency normalizer used for conversion.
func WithNormalizer(n *money.Normalizer) Option {
	return func(a *Aggregator) { a.normalizer = n }
}

// New creates an Aggregator over source.
func New(source Source, opts ...Option) *Aggregator {
	a := &Aggregator{
		source:       source,
		baseCurrency: "usd",
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.normalizer == nil {
		a.normalizer = money.NewNormalizer(nil)
	}
	a.baseCurrency = types.Zero(a.baseCurrency).Currency
	return a
}

var hundred = decimal.NewFromInt(100)

// ComputeSnapshot reads rows created at or before asOf and derives the
// revenue metrics. Amounts in currencies the normalizer does not support
// fail the whole snapshot.
func (a *Aggregator) ComputeSnapshot(ctx context.Context, asOf time.Time) (*Snapshot, error) {
	if _, err := a.normalizer.Lookup(a.baseCurrency); err != nil {
		return nil, fmt.Errorf("analytics: base currency: %w", err)
	}

	var (
		plans []*plan.Plan
		subs  []*subscription.Subscription
		txns  []*transaction.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		plans, err = a.source.ListPlans(gctx, plan.ListOpts{})
		return err
	})
	g.Go(func() error {
		var err error
		subs, err = a.source.ListSubscriptions(gctx, subscription.ListOpts{CreatedBefore: asOf})
		return err
	})
	g.Go(func() error {
		var err error
		txns, err = a.source.ListTransactions(gctx, transaction.ListOpts{CreatedBefore: asOf})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analytics: load ledger: %w", err)
	}

	byID := make(map[string]*plan.Plan, len(plans))
	for _, p := range plans {
		byID[p.ID.String()] = p
	}

	snap := &Snapshot{
		AsOf:                asOf.UTC(),
		BaseCurrency:        a.baseCurrency,
		Window:              a.window,
		MRR:                 types.Zero(a.baseCurrency),
		ARPU:                types.Zero(a.baseCurrency),
		SubscriptionRevenue: types.Zero(a.baseCurrency),
		OneTimeRevenue:      types.Zero(a.baseCurrency),
		ChurnRate:           decimal.Zero,
		PaymentSuccessRate:  decimal.Zero,
	}
	users := make(map[string]struct{})

	var cohort, churned int
	for _, s := range subs {
		if s.CreatedAt.After(asOf) {
			continue
		}
		snap.TotalSubscriptions++
		users[s.UserID] = struct{}{}

		canceled := canceledBy(s, asOf)
		if a.inCohort(s, asOf) {
			cohort++
			if canceled {
				churned++
			}
		}
		if canceled {
			snap.CanceledSubscriptions++
			continue
		}
		if !activeAt(s, asOf) {
			continue
		}
		snap.ActiveSubscriptions++

		p, ok := byID[s.PlanID.String()]
		if !ok {
			return nil, fmt.Errorf("analytics: subscription %s references unknown plan %s", s.ID, s.PlanID)
		}
		monthly, err := a.normalizer.Convert(p.MonthlyEquivalent(s.Cycle), a.baseCurrency)
		if err != nil {
			return nil, fmt.Errorf("analytics: mrr for %s: %w", s.ID, err)
		}
		snap.MRR = snap.MRR.Add(monthly)
	}

	for _, t := range txns {
		if t.CreatedAt.After(asOf) {
			continue
		}
		if t.UserID != "" {
			users[t.UserID] = struct{}{}
		}
		switch t.Status {
		case transaction.StatusPending:
			continue
		case transaction.StatusSucceeded:
			snap.SucceededTransactions++
			amt, err := a.normalizer.Convert(t.Amount, a.baseCurrency)
			if err != nil {
				return nil, fmt.Errorf("analytics: revenue for %s: %w", t.ID, err)
			}
			if t.IsOneTime() {
				snap.OneTimeRevenue = snap.OneTimeRevenue.Add(amt)
			} else {
				snap.SubscriptionRevenue = snap.SubscriptionRevenue.Add(amt)
			}
		case transaction.StatusFailed:
			snap.FailedTransactions++
		}
		snap.SettledTransactions++
	}

	snap.TotalUsers = len(users)
	snap.ChurnRate = percent(churned, cohort)
	snap.PaymentSuccessRate = percent(snap.SucceededTransactions, snap.SettledTransactions)
	if snap.TotalUsers > 0 {
		revenue := snap.SubscriptionRevenue.Add(snap.OneTimeRevenue)
		arpu := money.RoundHalfUp(decimal.NewFromInt(revenue.Amount).Div(decimal.NewFromInt(int64(snap.TotalUsers))), 0)
		snap.ARPU = types.New(arpu.IntPart(), a.baseCurrency)
	}
	return snap, nil
}

func (a *Aggregator) inCohort(s *subscription.Subscription, asOf time.Time) bool {
	if a.window <= 0 {
		return true
	}
	return !s.CreatedAt.Before(asOf.Add(-a.window))
}

// canceledBy reports whether s had been canceled at asOf. A cancellation
// stamped after asOf did not exist yet.
func canceledBy(s *subscription.Subscription, asOf time.Time) bool {
	if s.Status != subscription.StatusCanceled {
		return false
	}
	return s.CanceledAt == nil || !s.CanceledAt.After(asOf)
}

// activeAt reports whether s counted as active at asOf. Status history is
// not kept, so a live subscription is judged by its current status. One
// canceled after asOf counts as active if its billing period had started
// by then.
func activeAt(s *subscription.Subscription, asOf time.Time) bool {
	switch s.Status {
	case subscription.StatusActive:
		return true
	case subscription.StatusCanceled:
		if s.CanceledAt == nil || !s.CanceledAt.After(asOf) {
			return false
		}
		return !s.CurrentPeriodStart.IsZero() && !s.CurrentPeriodStart.After(asOf)
	default:
		return false
	}
}

// percent returns n/d*100 rounded to two places, or zero when d is zero.
func percent(n, d int) decimal.Decimal {
	if d == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(n)).Mul(hundred).Div(decimal.NewFromInt(int64(d))).Round(2)
}
