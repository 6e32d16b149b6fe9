package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
)

type fakeSource struct {
	plans []*plan.Plan
	subs  []*subscription.Subscription
	txns  []*transaction.Transaction
	err   error
}

func (f *fakeSource) ListPlans(context.Context, plan.ListOpts) ([]*plan.Plan, error) {
	return f.plans, f.err
}

func (f *fakeSource) ListSubscriptions(context.Context, subscription.ListOpts) ([]*subscription.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSource) ListTransactions(context.Context, transaction.ListOpts) ([]*transaction.Transaction, error) {
	return f.txns, nil
}

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func proPlan() *plan.Plan {
	return &plan.Plan{
		ID:           id.NewPlanID(),
		Slug:         "pro",
		Currency:     "usd",
		MonthlyPrice: types.USD(999),
		YearlyPrice:  types.USD(9990),
	}
}

func sub(p *plan.Plan, user string, cycle plan.Cycle, status subscription.Status, created time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		Entity: types.NewEntityAt(created),
		ID:     id.NewSubscriptionID(),
		UserID: user,
		PlanID: p.ID,
		Cycle:  cycle,
		Status: status,
	}
}

func txn(user string, amount types.Money, status transaction.Status, prov transaction.Provenance, created time.Time) *transaction.Transaction {
	return &transaction.Transaction{
		Entity:     types.NewEntityAt(created),
		ID:         id.NewTransactionID(),
		UserID:     user,
		Amount:     amount,
		Status:     status,
		Provenance: prov,
	}
}

func TestSnapshotEmptyLedger(t *testing.T) {
	agg := New(&fakeSource{})

	snap, err := agg.ComputeSnapshot(context.Background(), t0)
	require.NoError(t, err)

	assert.True(t, snap.PaymentSuccessRate.IsZero())
	assert.True(t, snap.ChurnRate.IsZero())
	assert.True(t, snap.MRR.IsZero())
	assert.True(t, snap.ARPU.IsZero())
	assert.Equal(t, "usd", snap.BaseCurrency)
}

func TestSnapshotMetrics(t *testing.T) {
	p := proPlan()
	canceledAt := t0.Add(-time.Hour)
	gone := sub(p, "u3", plan.CycleMonthly, subscription.StatusCanceled, t0.Add(-48*time.Hour))
	gone.CanceledAt = &canceledAt

	src := &fakeSource{
		plans: []*plan.Plan{p},
		subs: []*subscription.Subscription{
			sub(p, "u1", plan.CycleMonthly, subscription.StatusActive, t0.Add(-72*time.Hour)),
			sub(p, "u2", plan.CycleYearly, subscription.StatusActive, t0.Add(-72*time.Hour)),
			gone,
			sub(p, "u4", plan.CycleMonthly, subscription.StatusPastDue, t0.Add(-24*time.Hour)),
			// created after asOf, excluded
			sub(p, "u5", plan.CycleMonthly, subscription.StatusActive, t0.Add(time.Hour)),
		},
		txns: []*transaction.Transaction{
			txn("u1", types.USD(999), transaction.StatusSucceeded, transaction.SubscriptionInvoice{InvoiceID: "in_1"}, t0.Add(-time.Hour)),
			txn("u2", types.USD(9990), transaction.StatusSucceeded, transaction.SubscriptionInvoice{InvoiceID: "in_2"}, t0.Add(-time.Hour)),
			txn("u4", types.USD(999), transaction.StatusFailed, transaction.SubscriptionInvoice{InvoiceID: "in_3"}, t0.Add(-time.Hour)),
			txn("u1", types.USD(500), transaction.StatusSucceeded, transaction.OneTimePurchase{PurchaseID: "p_1"}, t0.Add(-time.Hour)),
			txn("u1", types.USD(100), transaction.StatusPending, transaction.SubscriptionInvoice{InvoiceID: "in_4"}, t0.Add(-time.Hour)),
			txn("u6", types.USD(100), transaction.StatusSucceeded, transaction.OneTimePurchase{PurchaseID: "p_2"}, t0.Add(time.Hour)),
		},
	}

	snap, err := New(src).ComputeSnapshot(context.Background(), t0)
	require.NoError(t, err)

	// 999 + round(9990/12) = 999 + 833
	assert.Equal(t, types.USD(1832), snap.MRR)
	assert.Equal(t, 4, snap.TotalSubscriptions)
	assert.Equal(t, 2, snap.ActiveSubscriptions)
	assert.Equal(t, 1, snap.CanceledSubscriptions)
	assert.True(t, decimal.NewFromInt(25).Equal(snap.ChurnRate), "churn %s", snap.ChurnRate)

	assert.Equal(t, 3, snap.SucceededTransactions)
	assert.Equal(t, 1, snap.FailedTransactions)
	assert.Equal(t, 4, snap.SettledTransactions)
	assert.True(t, decimal.NewFromInt(75).Equal(snap.PaymentSuccessRate), "rate %s", snap.PaymentSuccessRate)

	assert.Equal(t, types.USD(10989), snap.SubscriptionRevenue)
	assert.Equal(t, types.USD(500), snap.OneTimeRevenue)
	assert.Equal(t, 4, snap.TotalUsers)
	// (10989 + 500) / 4 = 2872.25
	assert.Equal(t, types.USD(2872), snap.ARPU)
}

func TestSnapshotCancellationAfterAsOfIsNotChurn(t *testing.T) {
	p := proPlan()
	later := t0.Add(time.Hour)
	s := sub(p, "u1", plan.CycleMonthly, subscription.StatusCanceled, t0.Add(-time.Hour))
	s.CanceledAt = &later

	snap, err := New(&fakeSource{plans: []*plan.Plan{p}, subs: []*subscription.Subscription{s}}).
		ComputeSnapshot(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.CanceledSubscriptions)
	assert.True(t, snap.ChurnRate.IsZero())
}

func TestSnapshotCountsLaterCancellationAsActive(t *testing.T) {
	p := proPlan()
	later := t0.Add(time.Hour)

	billed := sub(p, "u1", plan.CycleMonthly, subscription.StatusCanceled, t0.Add(-72*time.Hour))
	billed.CurrentPeriodStart = t0.Add(-48 * time.Hour)
	billed.CanceledAt = &later

	// Never activated before it was abandoned.
	pending := sub(p, "u2", plan.CycleMonthly, subscription.StatusCanceled, t0.Add(-72*time.Hour))
	pending.CanceledAt = &later

	snap, err := New(&fakeSource{plans: []*plan.Plan{p}, subs: []*subscription.Subscription{billed, pending}}).
		ComputeSnapshot(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ActiveSubscriptions)
	assert.Equal(t, types.USD(999), snap.MRR)
	assert.Equal(t, 0, snap.CanceledSubscriptions)

	after, err := New(&fakeSource{plans: []*plan.Plan{p}, subs: []*subscription.Subscription{billed, pending}}).
		ComputeSnapshot(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, 0, after.ActiveSubscriptions)
	assert.True(t, after.MRR.IsZero())
	assert.Equal(t, 2, after.CanceledSubscriptions)
}

func TestSnapshotChurnWindow(t *testing.T) {
	p := proPlan()
	old := sub(p, "u1", plan.CycleMonthly, subscription.StatusCanceled, t0.Add(-90*24*time.Hour))
	recentGone := sub(p, "u2", plan.CycleMonthly, subscription.StatusCanceled, t0.Add(-5*24*time.Hour))
	recent := sub(p, "u3", plan.CycleMonthly, subscription.StatusActive, t0.Add(-5*24*time.Hour))

	src := &fakeSource{plans: []*plan.Plan{p}, subs: []*subscription.Subscription{old, recentGone, recent}}

	all, err := New(src).ComputeSnapshot(context.Background(), t0)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("66.67").Equal(all.ChurnRate), "churn %s", all.ChurnRate)

	windowed, err := New(src, WithWindow(30*24*time.Hour)).ComputeSnapshot(context.Background(), t0)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(windowed.ChurnRate), "churn %s", windowed.ChurnRate)
}

func TestSnapshotConvertsToBaseCurrency(t *testing.T) {
	p := proPlan()
	p.Currency = "eur"
	p.MonthlyPrice = types.EUR(920)

	src := &fakeSource{
		plans: []*plan.Plan{p},
		subs:  []*subscription.Subscription{sub(p, "u1", plan.CycleMonthly, subscription.StatusActive, t0.Add(-time.Hour))},
	}

	snap, err := New(src).ComputeSnapshot(context.Background(), t0)
	require.NoError(t, err)
	// 920 eur cents at 0.92 per usd
	assert.Equal(t, types.USD(1000), snap.MRR)
}

func TestSnapshotUnsupportedCurrencyFails(t *testing.T) {
	src := &fakeSource{
		txns: []*transaction.Transaction{
			txn("u1", types.New(100, "xxx"), transaction.StatusSucceeded, nil, t0.Add(-time.Hour)),
		},
	}
	_, err := New(src).ComputeSnapshot(context.Background(), t0)
	require.Error(t, err)
}

func TestSnapshotSourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(&fakeSource{err: boom}).ComputeSnapshot(context.Background(), t0)
	assert.ErrorIs(t, err, boom)
}
